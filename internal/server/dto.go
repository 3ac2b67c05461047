package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/shopspring/decimal"

	"custodyline/internal/domain"
	"custodyline/internal/engine"
)

// Request payloads. Money and percentages travel as decimal strings.

type MilestoneRequest struct {
	Title  string `json:"title"`
	Amount string `json:"amount" example:"400.00"`
}

type FundContractRequest struct {
	ID             string             `json:"id,omitempty"`
	ProjectID      string             `json:"project_id"`
	ClientID       string             `json:"client_id"`
	DeveloperID    string             `json:"developer_id"`
	Title          string             `json:"title,omitempty"`
	TotalAmount    string             `json:"total_amount" example:"1000.00"`
	PaymentMethod  string             `json:"payment_method" doc:"pool, gateway_a or gateway_b"`
	ProviderRef    string             `json:"provider_ref,omitempty"`
	InscriptionRef string             `json:"inscription_ref,omitempty"`
	Milestones     []MilestoneRequest `json:"milestones"`
}

type TerminateContractRequest struct {
	TerminationType string `json:"termination_type" required:"false" doc:"developer_failure, client_cancel, mutual or dispute"`
	Reason          string `json:"reason" required:"false"`
	RefundToPool    bool   `json:"refund_to_pool,omitempty"`
}

type ObligationRequest struct {
	Description string `json:"description,omitempty"`
}

type TokenRequest struct {
	DomainName     string `json:"domain_name"`
	TokenSymbol    string `json:"token_symbol"`
	InvestorTokens string `json:"investor_tokens" example:"5000"`
}

type CreateAgreementRequest struct {
	ID                      string                       `json:"id,omitempty"`
	InvestorID              string                       `json:"investor_id"`
	Properties              []string                     `json:"properties,omitempty"`
	Obligations             map[string]ObligationRequest `json:"performance_obligations,omitempty"`
	PerformanceDeadline     string                       `json:"performance_deadline" example:"2026-12-31"`
	InitialEquityPercentage string                       `json:"initial_equity_percentage" example:"20"`
	InscriptionRef          string                       `json:"inscription_ref,omitempty"`
	Tokens                  []TokenRequest               `json:"domain_exit_tokens,omitempty"`
}

type TriggerClawbackRequest struct {
	Reason string `json:"reason,omitempty"`
}

type MarkObligationRequest struct {
	Evidence string `json:"evidence,omitempty"`
}

type DepositRequest struct {
	Amount string `json:"amount" example:"2500.00"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
}

// Responses

type MilestoneResponse struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Amount      string  `json:"amount"`
	Status      string  `json:"status" enum:"pending,submitted,approved,completed,rejected"`
	Position    int     `json:"position"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
}

type ContractResponse struct {
	ID             string              `json:"id"`
	ProjectID      string              `json:"project_id"`
	ClientID       string              `json:"client_id"`
	DeveloperID    string              `json:"developer_id"`
	Title          string              `json:"title,omitempty"`
	ContractStatus string              `json:"contract_status" enum:"active,completed,terminated"`
	EscrowStatus   string              `json:"escrow_status" enum:"none,escrowed,refunded,disputed"`
	TotalAmount    string              `json:"total_amount"`
	PaymentMethod  string              `json:"payment_method" doc:"pool, gateway_a or gateway_b"`
	ProviderRef    string              `json:"provider_ref,omitempty"`
	InscriptionRef string              `json:"inscription_ref,omitempty"`
	CreatedAt      string              `json:"created_at" format:"date-time"`
	UpdatedAt      string              `json:"updated_at" format:"date-time"`
	TerminatedAt   *string             `json:"terminated_at,omitempty" format:"date-time"`
	Milestones     []MilestoneResponse `json:"milestones"`
}

type TerminationResponse struct {
	ID                  string `json:"id"`
	ContractID          string `json:"contract_id"`
	TerminationType     string `json:"termination_type"`
	Reason              string `json:"reason"`
	EscrowAction        string `json:"escrow_action" enum:"refund_to_pool,refund_to_client,pending_resolution"`
	RefundedAmountUSD   string `json:"refunded_amount_usd"`
	ReleasedAmountUSD   string `json:"released_amount_usd"`
	EligibleForRetender bool   `json:"eligible_for_retender"`
	InitiatedBy         string `json:"initiated_by"`
	CreatedAt           string `json:"created_at" format:"date-time"`
}

type TerminationResultResponse struct {
	Termination         TerminationResponse `json:"termination"`
	EscrowAction        string              `json:"escrow_action" enum:"refund_to_pool,refund_to_client,pending_resolution"`
	CompletedAmount     string              `json:"completed_amount"`
	RefundedAmount      string              `json:"refunded_amount"`
	EligibleForRetender bool                `json:"eligible_for_retender"`
	RefundStatus        string              `json:"refund_status" enum:"none,settled,failed"`
	ReconciliationID    string              `json:"reconciliation_id,omitempty"`
}

type ObligationResponse struct {
	Description string  `json:"description,omitempty"`
	Met         bool    `json:"met"`
	MetAt       *string `json:"met_at,omitempty" format:"date-time"`
	Evidence    string  `json:"evidence,omitempty"`
}

type TokenResponse struct {
	ID              string  `json:"id"`
	DomainName      string  `json:"domain_name"`
	TokenSymbol     string  `json:"token_symbol"`
	InvestorTokens  string  `json:"investor_tokens"`
	TokenStatus     string  `json:"token_status" enum:"held,forfeited"`
	ForfeitedAt     *string `json:"forfeited_at,omitempty" format:"date-time"`
	ForfeitedReason string  `json:"forfeited_reason,omitempty"`
}

type AgreementResponse struct {
	ID                      string                        `json:"id"`
	InvestorID              string                        `json:"investor_id"`
	FounderID               string                        `json:"founder_id"`
	Properties              []string                      `json:"properties"`
	PerformanceObligations  map[string]ObligationResponse `json:"performance_obligations"`
	PerformanceDeadline     string                        `json:"performance_deadline" format:"date-time"`
	PerformanceStatus       string                        `json:"performance_status" enum:"pending,failed,met"`
	ClawbackStatus          string                        `json:"clawback_status" enum:"active,triggered,waived"`
	ClawbackTriggeredAt     *string                       `json:"clawback_triggered_at,omitempty" format:"date-time"`
	ClawbackReason          string                        `json:"clawback_reason,omitempty"`
	InitialEquityPercentage string                        `json:"initial_equity_percentage"`
	CurrentEquityPercentage string                        `json:"current_equity_percentage"`
	InscriptionRef          string                        `json:"inscription_ref,omitempty"`
	CreatedAt               string                        `json:"created_at" format:"date-time"`
	UpdatedAt               string                        `json:"updated_at" format:"date-time"`
	Tokens                  []TokenResponse               `json:"domain_exit_tokens"`
}

type ClawbackStatusResponse struct {
	AgreementID             string   `json:"agreement_id"`
	ClawbackStatus          string   `json:"clawback_status" enum:"active,triggered,waived"`
	PerformanceStatus       string   `json:"performance_status" enum:"pending,failed,met"`
	PerformanceDeadline     string   `json:"performance_deadline" format:"date-time"`
	DaysUntilDeadline       int      `json:"days_until_deadline"`
	ObligationsMet          []string `json:"obligations_met"`
	CanExecuteClawback      bool     `json:"can_execute_clawback"`
	BlockedCode             string   `json:"blocked_code,omitempty"`
	BlockedReason           string   `json:"blocked_reason,omitempty"`
	ClawbackTriggeredAt     *string  `json:"clawback_triggered_at,omitempty" format:"date-time"`
	CurrentEquityPercentage string   `json:"current_equity_percentage"`
}

type ClawbackResultResponse struct {
	Agreement             AgreementResponse `json:"agreement"`
	ForfeitedTokens       int64             `json:"forfeited_tokens"`
	PriorEquityPercentage string            `json:"prior_equity_percentage"`
	TriggeredAt           string            `json:"triggered_at" format:"date-time"`
}

type PerformanceLogResponse struct {
	ID          int64          `json:"id"`
	TS          string         `json:"ts" format:"date-time"`
	SubjectKind string         `json:"subject_kind" enum:"contract,agreement,pool"`
	SubjectID   string         `json:"subject_id"`
	LogType     string         `json:"log_type"`
	Description string         `json:"description"`
	ActorID     string         `json:"actor_id"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type paginatedLogs struct {
	Items      []PerformanceLogResponse `json:"items"`
	NextCursor string                   `json:"next_cursor,omitempty"`
}

type ReconciliationItemResponse struct {
	ID            string `json:"id"`
	ContractID    string `json:"contract_id"`
	TerminationID string `json:"termination_id"`
	Route         string `json:"route" enum:"refund_to_pool,refund_to_client"`
	PaymentMethod string `json:"payment_method"`
	Amount        string `json:"amount"`
	ProviderRef   string `json:"provider_ref,omitempty"`
	Status        string `json:"status" enum:"pending,settled,failed"`
	Attempts      int    `json:"attempts"`
	LastError     string `json:"last_error,omitempty"`
	CreatedAt     string `json:"created_at" format:"date-time"`
	UpdatedAt     string `json:"updated_at" format:"date-time"`
}

type reconciliationList struct {
	Items []ReconciliationItemResponse `json:"items"`
}

type PoolResponse struct {
	ProjectID        string `json:"project_id"`
	AvailableBalance string `json:"available_balance"`
	EscrowedBalance  string `json:"escrowed_balance"`
	UpdatedAt        string `json:"updated_at" format:"date-time"`
}

type WhoAmIResponse struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles"`
	Source  string   `json:"source"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// Conversion helpers

func money(d decimal.Decimal) string {
	return d.StringFixed(2)
}

func contractResponse(c domain.Contract) ContractResponse {
	res := ContractResponse{
		ID:             c.ID,
		ProjectID:      c.ProjectID,
		ClientID:       c.ClientID,
		DeveloperID:    c.DeveloperID,
		Title:          c.Title,
		ContractStatus: string(c.ContractStatus),
		EscrowStatus:   string(c.EscrowStatus),
		TotalAmount:    money(c.TotalAmount),
		PaymentMethod:  string(c.PaymentMethod),
		ProviderRef:    c.ProviderRef,
		InscriptionRef: c.InscriptionRef,
		CreatedAt:      c.CreatedAt,
		UpdatedAt:      c.UpdatedAt,
		TerminatedAt:   c.TerminatedAt,
		Milestones:     []MilestoneResponse{},
	}
	for _, m := range c.Milestones {
		res.Milestones = append(res.Milestones, MilestoneResponse{
			ID:          m.ID,
			Title:       m.Title,
			Amount:      money(m.Amount),
			Status:      string(m.Status),
			Position:    m.Position,
			CompletedAt: m.CompletedAt,
		})
	}
	return res
}

func terminationResponse(t domain.Termination) TerminationResponse {
	return TerminationResponse{
		ID:                  t.ID,
		ContractID:          t.ContractID,
		TerminationType:     string(t.TerminationType),
		Reason:              t.Reason,
		EscrowAction:        string(t.EscrowAction),
		RefundedAmountUSD:   money(t.RefundedAmountUSD),
		ReleasedAmountUSD:   money(t.ReleasedAmountUSD),
		EligibleForRetender: t.EligibleForRetender,
		InitiatedBy:         t.InitiatedBy,
		CreatedAt:           t.CreatedAt,
	}
}

func terminationResultResponse(r engine.TerminationResult) TerminationResultResponse {
	return TerminationResultResponse{
		Termination:         terminationResponse(r.Termination),
		EscrowAction:        string(r.EscrowAction),
		CompletedAmount:     money(r.CompletedAmount),
		RefundedAmount:      money(r.RefundedAmount),
		EligibleForRetender: r.EligibleForRetender,
		RefundStatus:        string(r.RefundStatus),
		ReconciliationID:    r.ReconciliationID,
	}
}

func agreementResponse(a domain.InvestorAgreement) AgreementResponse {
	res := AgreementResponse{
		ID:                      a.ID,
		InvestorID:              a.InvestorID,
		FounderID:               a.FounderID,
		Properties:              nonNilSlice(a.Properties),
		PerformanceObligations:  map[string]ObligationResponse{},
		PerformanceDeadline:     a.PerformanceDeadline,
		PerformanceStatus:       string(a.PerformanceStatus),
		ClawbackStatus:          string(a.ClawbackStatus),
		ClawbackTriggeredAt:     a.ClawbackTriggeredAt,
		ClawbackReason:          a.ClawbackReason,
		InitialEquityPercentage: a.InitialEquityPercentage.String(),
		CurrentEquityPercentage: a.CurrentEquityPercentage.String(),
		InscriptionRef:          a.InscriptionRef,
		CreatedAt:               a.CreatedAt,
		UpdatedAt:               a.UpdatedAt,
		Tokens:                  []TokenResponse{},
	}
	for kind, ob := range a.PerformanceObligations {
		res.PerformanceObligations[string(kind)] = ObligationResponse(ob)
	}
	for _, t := range a.Tokens {
		res.Tokens = append(res.Tokens, TokenResponse{
			ID:              t.ID,
			DomainName:      t.DomainName,
			TokenSymbol:     t.TokenSymbol,
			InvestorTokens:  t.InvestorTokens.String(),
			TokenStatus:     string(t.TokenStatus),
			ForfeitedAt:     t.ForfeitedAt,
			ForfeitedReason: t.ForfeitedReason,
		})
	}
	return res
}

func clawbackStatusResponse(v engine.ClawbackStatusView) ClawbackStatusResponse {
	res := ClawbackStatusResponse{
		AgreementID:             v.AgreementID,
		ClawbackStatus:          string(v.ClawbackStatus),
		PerformanceStatus:       string(v.PerformanceStatus),
		PerformanceDeadline:     v.PerformanceDeadline,
		DaysUntilDeadline:       v.DaysUntilDeadline,
		ObligationsMet:          []string{},
		CanExecuteClawback:      v.CanExecuteClawback,
		BlockedCode:             string(v.BlockedCode),
		BlockedReason:           v.BlockedReason,
		ClawbackTriggeredAt:     v.ClawbackTriggeredAt,
		CurrentEquityPercentage: v.CurrentEquityPercentage.String(),
	}
	for _, k := range v.ObligationsMet {
		res.ObligationsMet = append(res.ObligationsMet, string(k))
	}
	return res
}

func clawbackResultResponse(r engine.ClawbackResult) ClawbackResultResponse {
	return ClawbackResultResponse{
		Agreement:             agreementResponse(r.Agreement),
		ForfeitedTokens:       r.ForfeitedTokens,
		PriorEquityPercentage: r.PriorEquityPercentage.String(),
		TriggeredAt:           r.TriggeredAt,
	}
}

func logResponse(l domain.PerformanceLog) PerformanceLogResponse {
	return PerformanceLogResponse{
		ID:          l.ID,
		TS:          l.TS,
		SubjectKind: l.SubjectKind,
		SubjectID:   l.SubjectID,
		LogType:     l.LogType,
		Description: l.Description,
		ActorID:     l.ActorID,
		Metadata:    decodeJSONMap(l.Metadata),
	}
}

func reconciliationResponse(it domain.ReconciliationItem) ReconciliationItemResponse {
	return ReconciliationItemResponse{
		ID:            it.ID,
		ContractID:    it.ContractID,
		TerminationID: it.TerminationID,
		Route:         string(it.Route),
		PaymentMethod: string(it.PaymentMethod),
		Amount:        money(it.Amount),
		ProviderRef:   it.ProviderRef,
		Status:        string(it.Status),
		Attempts:      it.Attempts,
		LastError:     it.LastError,
		CreatedAt:     it.CreatedAt,
		UpdatedAt:     it.UpdatedAt,
	}
}

func poolResponse(p domain.ProjectPool) PoolResponse {
	return PoolResponse{
		ProjectID:        p.ProjectID,
		AvailableBalance: money(p.AvailableBalance),
		EscrowedBalance:  money(p.EscrowedBalance),
		UpdatedAt:        p.UpdatedAt,
	}
}

// Request parsing

func parseAmount(field, raw string) (decimal.Decimal, huma.StatusError) {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, newAPIError(http.StatusBadRequest, "validation_failed", field+" must be a decimal number", map[string]any{"field": field, "value": raw})
	}
	return d, nil
}

func fundContractInput(body FundContractRequest, actorID string) (engine.FundContractRequest, huma.StatusError) {
	total, herr := parseAmount("total_amount", body.TotalAmount)
	if herr != nil {
		return engine.FundContractRequest{}, herr
	}
	req := engine.FundContractRequest{
		ID:             body.ID,
		ProjectID:      body.ProjectID,
		ActorID:        actorID,
		ClientID:       body.ClientID,
		DeveloperID:    body.DeveloperID,
		Title:          body.Title,
		TotalAmount:    total,
		PaymentMethod:  domain.PaymentMethod(body.PaymentMethod),
		ProviderRef:    body.ProviderRef,
		InscriptionRef: body.InscriptionRef,
	}
	for _, m := range body.Milestones {
		amount, herr := parseAmount("milestones.amount", m.Amount)
		if herr != nil {
			return engine.FundContractRequest{}, herr
		}
		req.Milestones = append(req.Milestones, engine.MilestoneSpec{Title: m.Title, Amount: amount})
	}
	return req, nil
}

func createAgreementInput(body CreateAgreementRequest, actorID string) (engine.CreateAgreementRequest, huma.StatusError) {
	equity, herr := parseAmount("initial_equity_percentage", body.InitialEquityPercentage)
	if herr != nil {
		return engine.CreateAgreementRequest{}, herr
	}
	req := engine.CreateAgreementRequest{
		ID:                      body.ID,
		ActorID:                 actorID,
		InvestorID:              body.InvestorID,
		Properties:              body.Properties,
		PerformanceDeadline:     body.PerformanceDeadline,
		InitialEquityPercentage: equity,
		InscriptionRef:          body.InscriptionRef,
	}
	if len(body.Obligations) > 0 {
		req.Obligations = domain.Obligations{}
		for key, ob := range body.Obligations {
			kind, err := domain.ParseObligationKind(key)
			if err != nil {
				return engine.CreateAgreementRequest{}, newAPIError(http.StatusBadRequest, "validation_failed", err.Error(), map[string]any{"field": "performance_obligations"})
			}
			req.Obligations[kind] = domain.Obligation{Description: ob.Description}
		}
	}
	for _, t := range body.Tokens {
		amount, herr := parseAmount("domain_exit_tokens.investor_tokens", t.InvestorTokens)
		if herr != nil {
			return engine.CreateAgreementRequest{}, herr
		}
		req.Tokens = append(req.Tokens, engine.TokenSpec{DomainName: t.DomainName, TokenSymbol: t.TokenSymbol, InvestorTokens: amount})
	}
	return req, nil
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil
	}
	return obj
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
