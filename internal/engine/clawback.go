package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"custodyline/internal/auditlog"
	"custodyline/internal/domain"
	"custodyline/internal/metrics"
	"custodyline/internal/notify"
	"custodyline/internal/repo"
)

// ClawbackStatusView is the read-only clawback picture of an agreement.
type ClawbackStatusView struct {
	AgreementID             string                   `json:"agreement_id"`
	ClawbackStatus          domain.ClawbackStatus    `json:"clawback_status"`
	PerformanceStatus       domain.PerformanceStatus `json:"performance_status"`
	PerformanceDeadline     string                   `json:"performance_deadline"`
	DaysUntilDeadline       int                      `json:"days_until_deadline"`
	ObligationsMet          []domain.ObligationKind  `json:"obligations_met"`
	CanExecuteClawback      bool                     `json:"can_execute_clawback"`
	BlockedCode             Kind                     `json:"blocked_code,omitempty"`
	BlockedReason           string                   `json:"blocked_reason,omitempty"`
	ClawbackTriggeredAt     *string                  `json:"clawback_triggered_at,omitempty"`
	CurrentEquityPercentage decimal.Decimal          `json:"current_equity_percentage"`
}

// DeriveClawbackStatus computes whether a clawback may run at now. It reads
// nothing and writes nothing. When blocked, the reason follows the order
// already executed, already waived, obligations met, deadline pending.
func DeriveClawbackStatus(a domain.InvestorAgreement, now time.Time) ClawbackStatusView {
	met := a.PerformanceObligations.MetKinds()
	if met == nil {
		met = []domain.ObligationKind{}
	}
	v := ClawbackStatusView{
		AgreementID:             a.ID,
		ClawbackStatus:          a.ClawbackStatus,
		PerformanceStatus:       a.PerformanceStatus,
		PerformanceDeadline:     a.PerformanceDeadline,
		ObligationsMet:          met,
		ClawbackTriggeredAt:     a.ClawbackTriggeredAt,
		CurrentEquityPercentage: a.CurrentEquityPercentage,
	}
	deadline, err := ParseDeadline(a.PerformanceDeadline)
	if err == nil {
		v.DaysUntilDeadline = DaysUntil(deadline, now)
	}

	switch {
	case a.ClawbackStatus == domain.ClawbackTriggered:
		v.BlockedCode = KindAlreadyExecuted
		at := "an earlier date"
		if a.ClawbackTriggeredAt != nil {
			at = *a.ClawbackTriggeredAt
		}
		v.BlockedReason = fmt.Sprintf("clawback already executed on %s", at)
	case a.ClawbackStatus == domain.ClawbackWaived:
		v.BlockedCode = KindAlreadyWaived
		v.BlockedReason = "clawback was waived because performance obligations were met"
	case len(met) > 0:
		v.BlockedCode = KindObligationsMet
		v.BlockedReason = fmt.Sprintf("investor has met obligations: %v", met)
	case err != nil:
		v.BlockedCode = KindInvalidState
		v.BlockedReason = fmt.Sprintf("performance deadline %q is not a valid time", a.PerformanceDeadline)
	case v.DaysUntilDeadline > 0:
		v.BlockedCode = KindDeadlinePending
		v.BlockedReason = fmt.Sprintf("%d %s remaining until performance deadline", v.DaysUntilDeadline, plural(v.DaysUntilDeadline, "day", "days"))
	default:
		v.CanExecuteClawback = true
	}
	return v
}

// DaysUntil returns ceil((deadline-now)/24h). Past deadlines give zero or less.
func DaysUntil(deadline, now time.Time) int {
	days := math.Ceil(deadline.Sub(now).Hours() / 24)
	if days == 0 {
		return 0
	}
	return int(days)
}

// ParseDeadline accepts RFC 3339 timestamps or plain dates (midnight UTC).
func ParseDeadline(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("performance deadline %q: want RFC 3339 or YYYY-MM-DD", s)
	}
	return t.UTC(), nil
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

type ClawbackResult struct {
	Agreement             domain.InvestorAgreement `json:"agreement"`
	ForfeitedTokens       int64                    `json:"forfeited_tokens"`
	PriorEquityPercentage decimal.Decimal          `json:"prior_equity_percentage"`
	TriggeredAt           string                   `json:"triggered_at"`
	NotificationDone      <-chan struct{}          `json:"-"`
}

// TriggerClawback executes the clawback provision of an agreement: equity
// drops to zero and every held token is forfeited. The state change is
// irreversible; the log entry keeps the prior picture for audit.
func (e Engine) TriggerClawback(ctx context.Context, agreementID, actorID, reason string) (ClawbackResult, error) {
	if strings.TrimSpace(actorID) == "" {
		return ClawbackResult{}, unauthorized()
	}
	a, err := e.Repo.GetAgreement(ctx, nil, agreementID)
	if errors.Is(err, repo.ErrNotFound) {
		return ClawbackResult{}, notFound("agreement", agreementID)
	}
	if err != nil {
		return ClawbackResult{}, err
	}
	if err := e.Policy.CanTriggerClawback(actorID, a); err != nil {
		return ClawbackResult{}, forbidden(err)
	}
	now := e.now()
	if view := DeriveClawbackStatus(a, now); !view.CanExecuteClawback {
		return ClawbackResult{}, blockedError(view)
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return ClawbackResult{}, newError(KindValidation, "reason is required to trigger a clawback").with("field", "reason")
	}

	ts := now.UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ClawbackResult{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.TriggerClawback(ctx, tx, a.ID, reason, ts); err != nil {
		if errors.Is(err, repo.ErrStaleState) {
			current, gerr := e.Repo.GetAgreement(ctx, tx, a.ID)
			if gerr != nil {
				return ClawbackResult{}, gerr
			}
			return ClawbackResult{}, blockedError(DeriveClawbackStatus(current, now))
		}
		return ClawbackResult{}, fmt.Errorf("trigger clawback: %w", err)
	}
	forfeited, err := e.Repo.ForfeitTokens(ctx, tx, a.ID, reason, ts)
	if err != nil {
		return ClawbackResult{}, fmt.Errorf("forfeit tokens: %w", err)
	}
	var domains []string
	for _, t := range a.Tokens {
		if t.TokenStatus == domain.TokenHeld {
			domains = append(domains, t.DomainName)
		}
	}
	if err := e.audit().Append(ctx, tx, auditlog.Entry{
		SubjectKind: auditlog.SubjectAgreement,
		SubjectID:   a.ID,
		LogType:     auditlog.TypeClawback,
		Description: fmt.Sprintf("clawback executed against investor %s: %s", a.InvestorID, reason),
		ActorID:     actorID,
		Metadata: auditlog.Metadata{
			"investor_id":             a.InvestorID,
			"properties":              a.Properties,
			"forfeited_domains":       domains,
			"forfeited_tokens":        forfeited,
			"prior_equity_percentage": a.CurrentEquityPercentage.String(),
			"prior_performance":       a.PerformanceStatus,
			"reason":                  reason,
		},
	}); err != nil {
		return ClawbackResult{}, err
	}
	updated, err := e.Repo.GetAgreement(ctx, tx, a.ID)
	if err != nil {
		return ClawbackResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return ClawbackResult{}, err
	}
	metrics.ClawbacksTotal.Inc()
	e.logger().Info("clawback executed",
		slog.String("agreement_id", a.ID),
		slog.String("investor_id", a.InvestorID),
		slog.Int64("forfeited_tokens", forfeited))

	done := e.notify(ctx, notify.Event{
		Type:        auditlog.TypeClawback,
		RecipientID: a.InvestorID,
		SubjectKind: auditlog.SubjectAgreement,
		SubjectID:   a.ID,
		Title:       "Clawback executed",
		Message:     fmt.Sprintf("The clawback provision of agreement %s was executed: %s", a.ID, reason),
		Data: map[string]any{
			"forfeited_domains":       domains,
			"prior_equity_percentage": a.CurrentEquityPercentage.String(),
		},
	})
	return ClawbackResult{
		Agreement:             updated,
		ForfeitedTokens:       forfeited,
		PriorEquityPercentage: a.CurrentEquityPercentage,
		TriggeredAt:           ts,
		NotificationDone:      done,
	}, nil
}

func blockedError(v ClawbackStatusView) error {
	if v.CanExecuteClawback {
		return newError(KindInvalidState, "agreement %s changed concurrently; retry", v.AgreementID)
	}
	err := newError(v.BlockedCode, "%s", v.BlockedReason)
	switch v.BlockedCode {
	case KindObligationsMet:
		err.with("obligations_met", v.ObligationsMet)
	case KindDeadlinePending:
		err.with("days_until_deadline", v.DaysUntilDeadline).with("performance_deadline", v.PerformanceDeadline)
	case KindAlreadyExecuted:
		if v.ClawbackTriggeredAt != nil {
			err.with("clawback_triggered_at", *v.ClawbackTriggeredAt)
		}
	}
	return err
}

// ClawbackStatus returns the derived clawback view for the founder or investor.
func (e Engine) ClawbackStatus(ctx context.Context, agreementID, actorID string) (ClawbackStatusView, error) {
	if strings.TrimSpace(actorID) == "" {
		return ClawbackStatusView{}, unauthorized()
	}
	a, err := e.Repo.GetAgreement(ctx, nil, agreementID)
	if errors.Is(err, repo.ErrNotFound) {
		return ClawbackStatusView{}, notFound("agreement", agreementID)
	}
	if err != nil {
		return ClawbackStatusView{}, err
	}
	if err := e.Policy.CanReadAgreement(actorID, nil, a); err != nil {
		return ClawbackStatusView{}, forbidden(err)
	}
	return DeriveClawbackStatus(a, e.now()), nil
}

type TokenSpec struct {
	DomainName     string
	TokenSymbol    string
	InvestorTokens decimal.Decimal
}

type CreateAgreementRequest struct {
	ID                      string
	ActorID                 string
	InvestorID              string
	Properties              []string
	Obligations             domain.Obligations
	PerformanceDeadline     string
	InitialEquityPercentage decimal.Decimal
	InscriptionRef          string
	Tokens                  []TokenSpec
}

var hundred = decimal.NewFromInt(100)

// CreateAgreement records an investor agreement with its clawback provision
// active. Obligations default to the full catalog, all unmet.
func (e Engine) CreateAgreement(ctx context.Context, req CreateAgreementRequest) (domain.InvestorAgreement, error) {
	if strings.TrimSpace(req.ActorID) == "" {
		return domain.InvestorAgreement{}, unauthorized()
	}
	a := domain.InvestorAgreement{
		ID:                      req.ID,
		InvestorID:              strings.TrimSpace(req.InvestorID),
		FounderID:               req.ActorID,
		Properties:              req.Properties,
		PerformanceObligations:  domain.Obligations{},
		PerformanceStatus:       domain.PerformancePending,
		ClawbackStatus:          domain.ClawbackActive,
		InitialEquityPercentage: req.InitialEquityPercentage,
		CurrentEquityPercentage: req.InitialEquityPercentage,
		InscriptionRef:          strings.TrimSpace(req.InscriptionRef),
	}
	if err := e.Policy.CanCreateAgreement(req.ActorID, a); err != nil {
		return domain.InvestorAgreement{}, forbidden(err)
	}
	invalid := func(field, format string, args ...any) error {
		return newError(KindValidation, format, args...).with("field", field)
	}
	if a.InvestorID == "" {
		return domain.InvestorAgreement{}, invalid("investor_id", "investor_id is required")
	}
	if a.InvestorID == a.FounderID {
		return domain.InvestorAgreement{}, invalid("investor_id", "founder and investor must differ")
	}
	deadline, err := ParseDeadline(req.PerformanceDeadline)
	if err != nil {
		return domain.InvestorAgreement{}, invalid("performance_deadline", "%s", err.Error())
	}
	a.PerformanceDeadline = deadline.Format(time.RFC3339)
	if !a.InitialEquityPercentage.IsPositive() || a.InitialEquityPercentage.GreaterThan(hundred) {
		return domain.InvestorAgreement{}, invalid("initial_equity_percentage", "initial_equity_percentage must be in (0, 100]")
	}
	if a.Properties == nil {
		a.Properties = []string{}
	}
	obligations := req.Obligations
	if len(obligations) == 0 {
		obligations = domain.Obligations{
			domain.ObligationCapitalRaised:   {},
			domain.ObligationDevelopmentWork: {},
			domain.ObligationProRataMatch:    {},
			domain.ObligationEquityFunded:    {},
		}
	}
	for kind, ob := range obligations {
		if !kind.Valid() {
			return domain.InvestorAgreement{}, invalid("performance_obligations", "unknown obligation kind %q", kind)
		}
		if ob.Met {
			return domain.InvestorAgreement{}, invalid("performance_obligations", "obligation %s cannot start met; record it once fulfilled", kind)
		}
		if ob.Description == "" {
			ob.Description = kind.DefaultDescription()
		}
		a.PerformanceObligations[kind] = domain.Obligation{Description: ob.Description}
	}
	if a.ID == "" {
		a.ID = newID()
	}
	now := e.timestamp()
	a.CreatedAt, a.UpdatedAt = now, now
	for i, in := range req.Tokens {
		name := strings.TrimSpace(in.DomainName)
		if name == "" {
			return domain.InvestorAgreement{}, invalid("tokens", "token %d domain_name is required", i+1)
		}
		if in.InvestorTokens.IsNegative() {
			return domain.InvestorAgreement{}, invalid("tokens", "token %d investor_tokens must not be negative", i+1)
		}
		a.Tokens = append(a.Tokens, domain.DomainExitToken{
			ID:             newID(),
			AgreementID:    a.ID,
			DomainName:     name,
			TokenSymbol:    strings.TrimSpace(in.TokenSymbol),
			InvestorTokens: in.InvestorTokens,
			TokenStatus:    domain.TokenHeld,
		})
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.InvestorAgreement{}, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetAgreement(ctx, tx, a.ID); err == nil {
		return domain.InvestorAgreement{}, newError(KindInvalidState, "agreement %s already exists", a.ID)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.InvestorAgreement{}, err
	}
	if err := e.Repo.InsertAgreement(ctx, tx, a); err != nil {
		return domain.InvestorAgreement{}, fmt.Errorf("insert agreement: %w", err)
	}
	for _, t := range a.Tokens {
		if err := e.Repo.InsertToken(ctx, tx, t); err != nil {
			return domain.InvestorAgreement{}, fmt.Errorf("insert token: %w", err)
		}
	}
	if err := e.audit().Append(ctx, tx, auditlog.Entry{
		SubjectKind: auditlog.SubjectAgreement,
		SubjectID:   a.ID,
		LogType:     auditlog.TypeAgreementCreated,
		Description: fmt.Sprintf("investor agreement with %s created, deadline %s", a.InvestorID, a.PerformanceDeadline),
		ActorID:     req.ActorID,
		Metadata: auditlog.Metadata{
			"investor_id":               a.InvestorID,
			"properties":                a.Properties,
			"initial_equity_percentage": a.InitialEquityPercentage.String(),
			"tokens":                    len(a.Tokens),
			"inscription_ref":           a.InscriptionRef,
		},
	}); err != nil {
		return domain.InvestorAgreement{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.InvestorAgreement{}, err
	}
	if a.Tokens == nil {
		a.Tokens = []domain.DomainExitToken{}
	}
	return a, nil
}

type MarkObligationRequest struct {
	AgreementID string
	ActorID     string
	Kind        string
	Evidence    string
}

// MarkObligationMet records a fulfilled obligation. Meeting any obligation
// waives the clawback provision for good.
func (e Engine) MarkObligationMet(ctx context.Context, req MarkObligationRequest) (domain.InvestorAgreement, error) {
	if strings.TrimSpace(req.ActorID) == "" {
		return domain.InvestorAgreement{}, unauthorized()
	}
	a, err := e.Repo.GetAgreement(ctx, nil, req.AgreementID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.InvestorAgreement{}, notFound("agreement", req.AgreementID)
	}
	if err != nil {
		return domain.InvestorAgreement{}, err
	}
	if err := e.Policy.CanRecordObligation(req.ActorID, a); err != nil {
		return domain.InvestorAgreement{}, forbidden(err)
	}
	if a.ClawbackStatus == domain.ClawbackTriggered {
		return domain.InvestorAgreement{}, blockedError(DeriveClawbackStatus(a, e.now()))
	}
	kind, err := domain.ParseObligationKind(req.Kind)
	if err != nil {
		return domain.InvestorAgreement{}, newError(KindValidation, "%s", err.Error()).with("field", "kind")
	}
	current := a.PerformanceObligations[kind]
	if current.Met {
		return a, nil
	}

	now := e.timestamp()
	obligations := make(domain.Obligations, len(a.PerformanceObligations)+1)
	for k, v := range a.PerformanceObligations {
		obligations[k] = v
	}
	if current.Description == "" {
		current.Description = kind.DefaultDescription()
	}
	current.Met = true
	current.MetAt = &now
	current.Evidence = strings.TrimSpace(req.Evidence)
	obligations[kind] = current

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.InvestorAgreement{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.WaiveClawback(ctx, tx, a.ID, obligations, now); err != nil {
		if errors.Is(err, repo.ErrStaleState) {
			latest, gerr := e.Repo.GetAgreement(ctx, tx, a.ID)
			if gerr != nil {
				return domain.InvestorAgreement{}, gerr
			}
			return domain.InvestorAgreement{}, blockedError(DeriveClawbackStatus(latest, e.now()))
		}
		return domain.InvestorAgreement{}, err
	}
	if err := e.audit().Append(ctx, tx, auditlog.Entry{
		SubjectKind: auditlog.SubjectAgreement,
		SubjectID:   a.ID,
		LogType:     auditlog.TypeObligationMet,
		Description: fmt.Sprintf("obligation %s met: %s", kind, current.Description),
		ActorID:     req.ActorID,
		Metadata:    auditlog.Metadata{"kind": kind, "evidence": current.Evidence},
	}); err != nil {
		return domain.InvestorAgreement{}, err
	}
	if a.ClawbackStatus != domain.ClawbackWaived {
		if err := e.audit().Append(ctx, tx, auditlog.Entry{
			SubjectKind: auditlog.SubjectAgreement,
			SubjectID:   a.ID,
			LogType:     auditlog.TypeClawbackWaived,
			Description: "clawback provision waived: performance obligations met",
			ActorID:     req.ActorID,
			Metadata:    auditlog.Metadata{"kind": kind, "prior_clawback_status": a.ClawbackStatus},
		}); err != nil {
			return domain.InvestorAgreement{}, err
		}
	}
	updated, err := e.Repo.GetAgreement(ctx, tx, a.ID)
	if err != nil {
		return domain.InvestorAgreement{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.InvestorAgreement{}, err
	}
	recipient := a.FounderID
	if req.ActorID == a.FounderID {
		recipient = a.InvestorID
	}
	e.notify(ctx, notify.Event{
		Type:        auditlog.TypeObligationMet,
		RecipientID: recipient,
		SubjectKind: auditlog.SubjectAgreement,
		SubjectID:   a.ID,
		Title:       "Performance obligation met",
		Message:     fmt.Sprintf("Obligation %s on agreement %s was recorded as met; the clawback is waived.", kind, a.ID),
	})
	return updated, nil
}

// GetAgreement returns an agreement visible to the actor.
func (e Engine) GetAgreement(ctx context.Context, agreementID, actorID string, roles []string) (domain.InvestorAgreement, error) {
	if strings.TrimSpace(actorID) == "" {
		return domain.InvestorAgreement{}, unauthorized()
	}
	a, err := e.Repo.GetAgreement(ctx, nil, agreementID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.InvestorAgreement{}, notFound("agreement", agreementID)
	}
	if err != nil {
		return domain.InvestorAgreement{}, err
	}
	if err := e.Policy.CanReadAgreement(actorID, roles, a); err != nil {
		return domain.InvestorAgreement{}, forbidden(err)
	}
	if a.Tokens == nil {
		a.Tokens = []domain.DomainExitToken{}
	}
	return a, nil
}
