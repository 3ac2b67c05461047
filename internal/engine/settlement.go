package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"custodyline/internal/auditlog"
	"custodyline/internal/domain"
	"custodyline/internal/escrow"
	"custodyline/internal/metrics"
	"custodyline/internal/notify"
	"custodyline/internal/repo"
)

type RefundStatus string

const (
	RefundNone    RefundStatus = "none"
	RefundSettled RefundStatus = "settled"
	RefundFailed  RefundStatus = "failed"
)

type TerminateRequest struct {
	ContractID   string
	ActorID      string
	Type         domain.TerminationType
	Reason       string
	RefundToPool bool
}

type TerminationResult struct {
	Termination         domain.Termination  `json:"termination"`
	EscrowAction        domain.EscrowAction `json:"escrow_action"`
	CompletedAmount     decimal.Decimal     `json:"completed_amount"`
	RefundedAmount      decimal.Decimal     `json:"refunded_amount"`
	EligibleForRetender bool                `json:"eligible_for_retender"`
	RefundStatus        RefundStatus        `json:"refund_status"`
	ReconciliationID    string              `json:"reconciliation_id,omitempty"`
	// NotificationDone closes once the counter-party notification finishes.
	NotificationDone <-chan struct{} `json:"-"`
}

// RouteTermination decides how much escrow returns and where it goes.
func RouteTermination(t domain.TerminationType, refundToPool bool, pending decimal.Decimal) (decimal.Decimal, domain.EscrowAction) {
	switch t {
	case domain.TerminationDeveloperFailure, domain.TerminationMutual:
		return pending, domain.ActionRefundToPool
	case domain.TerminationClientCancel:
		if refundToPool {
			return pending, domain.ActionRefundToPool
		}
		return pending, domain.ActionRefundToClient
	default:
		return decimal.Zero, domain.ActionPendingResolution
	}
}

// Terminate ends an active contract, records the termination and routes any
// remaining escrow. The ledger commits before funds move; a custodian failure
// leaves a failed reconciliation item instead of undoing the termination.
func (e Engine) Terminate(ctx context.Context, req TerminateRequest) (TerminationResult, error) {
	if strings.TrimSpace(req.ActorID) == "" {
		return TerminationResult{}, unauthorized()
	}
	c, err := e.Repo.GetContract(ctx, nil, req.ContractID)
	if errors.Is(err, repo.ErrNotFound) {
		return TerminationResult{}, notFound("contract", req.ContractID)
	}
	if err != nil {
		return TerminationResult{}, err
	}
	if err := e.Policy.CanTerminate(req.ActorID, c, req.Type); err != nil {
		return TerminationResult{}, forbidden(err)
	}
	if c.ContractStatus != domain.ContractActive {
		return TerminationResult{}, newError(KindInvalidState, "contract %s is already %s", c.ID, c.ContractStatus).
			with("contract_status", c.ContractStatus)
	}
	if !req.Type.Valid() {
		return TerminationResult{}, newError(KindValidation, "unknown termination type %q", req.Type).
			with("field", "termination_type")
	}
	reason := strings.TrimSpace(req.Reason)
	lo, hi := e.reasonBounds()
	if n := utf8.RuneCountInString(reason); n < lo || n > hi {
		return TerminationResult{}, newError(KindValidation, "reason must be between %d and %d characters, got %d", lo, hi, n).
			with("field", "reason")
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return TerminationResult{}, err
	}
	defer tx.Rollback()

	// Amounts come from the transaction's view so a milestone completed
	// after the read above counts as released, not refunded.
	c, err = e.Repo.GetContract(ctx, tx, c.ID)
	if err != nil {
		return TerminationResult{}, err
	}
	if c.ContractStatus != domain.ContractActive {
		return TerminationResult{}, newError(KindInvalidState, "contract %s is already %s", c.ID, c.ContractStatus).
			with("contract_status", c.ContractStatus)
	}
	completed, pending := domain.PartitionMilestones(c.Milestones)
	refund, action := RouteTermination(req.Type, req.RefundToPool, pending)
	movesFunds := c.EscrowStatus == domain.EscrowEscrowed && refund.IsPositive() && action != domain.ActionPendingResolution

	escrowStatus := domain.EscrowRefunded
	if action == domain.ActionPendingResolution {
		escrowStatus = domain.EscrowDisputed
	}
	now := e.timestamp()
	term := domain.Termination{
		ID:                  newID(),
		ContractID:          c.ID,
		TerminationType:     req.Type,
		Reason:              reason,
		EscrowAction:        action,
		RefundedAmountUSD:   refund,
		ReleasedAmountUSD:   completed,
		EligibleForRetender: req.Type == domain.TerminationDeveloperFailure && req.RefundToPool,
		InitiatedBy:         req.ActorID,
		CreatedAt:           now,
	}

	if err := e.Repo.TerminateContract(ctx, tx, c.ID, escrowStatus, now); err != nil {
		if errors.Is(err, repo.ErrStaleState) {
			return TerminationResult{}, newError(KindInvalidState, "contract %s is no longer active", c.ID)
		}
		return TerminationResult{}, fmt.Errorf("terminate contract: %w", err)
	}
	if err := e.Repo.InsertTermination(ctx, tx, term); err != nil {
		return TerminationResult{}, fmt.Errorf("insert termination: %w", err)
	}
	var item domain.ReconciliationItem
	if movesFunds {
		item = domain.ReconciliationItem{
			ID:            newID(),
			ContractID:    c.ID,
			TerminationID: term.ID,
			Route:         action,
			PaymentMethod: c.PaymentMethod,
			Amount:        refund,
			ProviderRef:   c.ProviderRef,
			Status:        domain.ReconciliationPending,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := e.Repo.InsertReconciliation(ctx, tx, item); err != nil {
			return TerminationResult{}, fmt.Errorf("enqueue refund: %w", err)
		}
	}
	if err := e.audit().Append(ctx, tx, auditlog.Entry{
		SubjectKind: auditlog.SubjectContract,
		SubjectID:   c.ID,
		LogType:     auditlog.TypeContractTerminated,
		Description: fmt.Sprintf("contract terminated (%s): %s", req.Type, action),
		ActorID:     req.ActorID,
		Metadata: auditlog.Metadata{
			"termination_id":        term.ID,
			"termination_type":      req.Type,
			"reason":                reason,
			"escrow_action":         action,
			"completed_amount":      completed.StringFixed(2),
			"refunded_amount":       refund.StringFixed(2),
			"eligible_for_retender": term.EligibleForRetender,
			"prior_escrow_status":   c.EscrowStatus,
			"reconciliation_id":     item.ID,
		},
	}); err != nil {
		return TerminationResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return TerminationResult{}, err
	}
	metrics.TerminationsTotal.WithLabelValues(string(req.Type), string(action)).Inc()
	e.logger().Info("contract terminated",
		slog.String("contract_id", c.ID),
		slog.String("type", string(req.Type)),
		slog.String("escrow_action", string(action)),
		slog.String("refunded_amount", refund.StringFixed(2)))

	res := TerminationResult{
		Termination:         term,
		EscrowAction:        action,
		CompletedAmount:     completed,
		RefundedAmount:      refund,
		EligibleForRetender: term.EligibleForRetender,
		RefundStatus:        RefundNone,
	}
	if movesFunds {
		res.ReconciliationID = item.ID
		status, _ := e.settle(ctx, item, reason, req.ActorID)
		if status == domain.ReconciliationSettled {
			res.RefundStatus = RefundSettled
		} else {
			res.RefundStatus = RefundFailed
		}
	}

	res.NotificationDone = e.notify(ctx, notify.Event{
		Type:        auditlog.TypeContractTerminated,
		RecipientID: c.CounterParty(req.ActorID),
		SubjectKind: auditlog.SubjectContract,
		SubjectID:   c.ID,
		Title:       "Contract terminated",
		Message:     fmt.Sprintf("Contract %s was terminated (%s). Escrow: %s of %s.", c.ID, req.Type, action, refund.StringFixed(2)),
		Data: map[string]any{
			"termination_id":  term.ID,
			"escrow_action":   action,
			"refunded_amount": refund.StringFixed(2),
			"refund_status":   res.RefundStatus,
		},
	})
	return res, nil
}

// settle runs one custodian call for item and records the outcome. The
// returned error is the custodian's; ledger write failures are logged.
func (e Engine) settle(ctx context.Context, item domain.ReconciliationItem, reason, actorID string) (domain.ReconciliationStatus, error) {
	receipt, callErr := e.Custodian.Refund(ctx, escrow.RefundRequest{
		IdempotencyKey: item.ID,
		ContractID:     item.ContractID,
		Route:          item.Route,
		PaymentMethod:  item.PaymentMethod,
		Amount:         item.Amount,
		ProviderRef:    item.ProviderRef,
		Reason:         reason,
	})
	status := domain.ReconciliationSettled
	entry := auditlog.Entry{
		SubjectKind: auditlog.SubjectContract,
		SubjectID:   item.ContractID,
		LogType:     auditlog.TypeEscrowRefunded,
		Description: fmt.Sprintf("escrow refund of %s settled via %s", item.Amount.StringFixed(2), item.PaymentMethod),
		ActorID:     actorID,
		Metadata: auditlog.Metadata{
			"reconciliation_id": item.ID,
			"route":             item.Route,
			"amount":            item.Amount.StringFixed(2),
			"reference":         receipt.Reference,
			"replayed":          receipt.Replayed,
		},
	}
	lastError := ""
	if callErr != nil {
		status = domain.ReconciliationFailed
		lastError = callErr.Error()
		entry.LogType = auditlog.TypeEscrowRefundFailed
		entry.Description = fmt.Sprintf("escrow refund of %s via %s failed; pending reconciliation", item.Amount.StringFixed(2), item.PaymentMethod)
		entry.Metadata = auditlog.Metadata{
			"reconciliation_id": item.ID,
			"route":             item.Route,
			"amount":            item.Amount.StringFixed(2),
			"error":             lastError,
		}
		metrics.CustodianFailuresTotal.WithLabelValues(string(item.Route)).Inc()
		e.logger().Error("escrow refund failed",
			slog.String("contract_id", item.ContractID),
			slog.String("reconciliation_id", item.ID),
			slog.String("payment_method", string(item.PaymentMethod)),
			slog.String("error", lastError))
	} else {
		metrics.RefundsSettledTotal.WithLabelValues(string(item.Route)).Inc()
	}

	if err := e.recordAttempt(ctx, item.ID, status, lastError, entry); err != nil {
		e.logger().Error("record refund outcome",
			slog.String("contract_id", item.ContractID),
			slog.String("reconciliation_id", item.ID),
			slog.String("error", err.Error()))
		if callErr == nil {
			return status, err
		}
	}
	return status, callErr
}

func (e Engine) recordAttempt(ctx context.Context, itemID string, status domain.ReconciliationStatus, lastError string, entry auditlog.Entry) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.RecordAttempt(ctx, tx, itemID, status, lastError, e.timestamp()); err != nil {
		return err
	}
	if err := e.audit().Append(ctx, tx, entry); err != nil {
		return err
	}
	return tx.Commit()
}

type MilestoneSpec struct {
	Title  string
	Amount decimal.Decimal
}

type FundContractRequest struct {
	ID             string
	ProjectID      string
	ActorID        string
	ClientID       string
	DeveloperID    string
	Title          string
	TotalAmount    decimal.Decimal
	PaymentMethod  domain.PaymentMethod
	ProviderRef    string
	InscriptionRef string
	Milestones     []MilestoneSpec
}

// FundContract records a contract whose escrow has been secured. Pool
// contracts move the total from the project's available balance into a
// single allocation; gateway contracts reference the processor's hold.
func (e Engine) FundContract(ctx context.Context, req FundContractRequest) (domain.Contract, error) {
	if strings.TrimSpace(req.ActorID) == "" {
		return domain.Contract{}, unauthorized()
	}
	if req.ClientID == "" {
		req.ClientID = req.ActorID
	}
	c := domain.Contract{
		ID:             req.ID,
		ProjectID:      strings.TrimSpace(req.ProjectID),
		ClientID:       req.ClientID,
		DeveloperID:    strings.TrimSpace(req.DeveloperID),
		Title:          strings.TrimSpace(req.Title),
		ContractStatus: domain.ContractActive,
		EscrowStatus:   domain.EscrowEscrowed,
		TotalAmount:    req.TotalAmount,
		PaymentMethod:  req.PaymentMethod,
		ProviderRef:    strings.TrimSpace(req.ProviderRef),
		InscriptionRef: strings.TrimSpace(req.InscriptionRef),
	}
	if err := e.Policy.CanFund(req.ActorID, c); err != nil {
		return domain.Contract{}, forbidden(err)
	}
	if err := validateFunding(c, req.Milestones); err != nil {
		return domain.Contract{}, err
	}
	if c.ID == "" {
		c.ID = newID()
	}
	now := e.timestamp()
	c.CreatedAt, c.UpdatedAt = now, now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Contract{}, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetContract(ctx, tx, c.ID); err == nil {
		return domain.Contract{}, newError(KindInvalidState, "contract %s already exists", c.ID)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Contract{}, err
	}
	if err := e.Repo.InsertContract(ctx, tx, c); err != nil {
		return domain.Contract{}, fmt.Errorf("insert contract: %w", err)
	}
	for i, in := range req.Milestones {
		m := domain.Milestone{
			ID:         newID(),
			ContractID: c.ID,
			Title:      strings.TrimSpace(in.Title),
			Amount:     in.Amount,
			Status:     domain.MilestonePending,
			Position:   i + 1,
		}
		if err := e.Repo.InsertMilestone(ctx, tx, m); err != nil {
			return domain.Contract{}, fmt.Errorf("insert milestone: %w", err)
		}
		c.Milestones = append(c.Milestones, m)
	}
	meta := auditlog.Metadata{
		"total_amount":   c.TotalAmount.StringFixed(2),
		"payment_method": c.PaymentMethod,
		"milestones":     len(c.Milestones),
	}
	if c.PaymentMethod == domain.PaymentPool {
		if _, err := e.Repo.EscrowFromPool(ctx, tx, c.ProjectID, c.TotalAmount, now); err != nil {
			switch {
			case errors.Is(err, repo.ErrNotFound):
				return domain.Contract{}, notFound("pool", c.ProjectID)
			case errors.Is(err, repo.ErrInsufficientFunds):
				return domain.Contract{}, newError(KindInvalidState, "%s", err.Error()).with("project_id", c.ProjectID)
			}
			return domain.Contract{}, err
		}
		alloc := domain.EscrowAllocation{
			ID:         newID(),
			ContractID: c.ID,
			ProjectID:  c.ProjectID,
			Amount:     c.TotalAmount,
			Status:     domain.AllocationActive,
			CreatedAt:  now,
		}
		if err := e.Repo.InsertAllocation(ctx, tx, alloc); err != nil {
			return domain.Contract{}, fmt.Errorf("insert allocation: %w", err)
		}
		meta["allocation_id"] = alloc.ID
	}
	if err := e.audit().Append(ctx, tx, auditlog.Entry{
		SubjectKind: auditlog.SubjectContract,
		SubjectID:   c.ID,
		LogType:     auditlog.TypeContractFunded,
		Description: fmt.Sprintf("contract funded with %s via %s", c.TotalAmount.StringFixed(2), c.PaymentMethod),
		ActorID:     req.ActorID,
		Metadata:    meta,
	}); err != nil {
		return domain.Contract{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Contract{}, err
	}
	e.notify(ctx, notify.Event{
		Type:        auditlog.TypeContractFunded,
		RecipientID: c.DeveloperID,
		SubjectKind: auditlog.SubjectContract,
		SubjectID:   c.ID,
		Title:       "Contract funded",
		Message:     fmt.Sprintf("Contract %s is funded and active.", c.ID),
	})
	return c, nil
}

func validateFunding(c domain.Contract, milestones []MilestoneSpec) error {
	invalid := func(field, format string, args ...any) error {
		return newError(KindValidation, format, args...).with("field", field)
	}
	switch {
	case c.DeveloperID == "":
		return invalid("developer_id", "developer_id is required")
	case c.DeveloperID == c.ClientID:
		return invalid("developer_id", "client and developer must differ")
	case !c.PaymentMethod.Valid():
		return invalid("payment_method", "unknown payment method %q", c.PaymentMethod)
	case c.PaymentMethod == domain.PaymentPool && c.ProjectID == "":
		return invalid("project_id", "project_id is required for pool funding")
	case c.PaymentMethod.UsesGateway() && c.ProviderRef == "":
		return invalid("provider_ref", "provider_ref is required for %s funding", c.PaymentMethod)
	case !c.TotalAmount.IsPositive():
		return invalid("total_amount", "total_amount must be positive")
	case len(milestones) == 0:
		return invalid("milestones", "at least one milestone is required")
	}
	sum := decimal.Zero
	for i, m := range milestones {
		if strings.TrimSpace(m.Title) == "" {
			return invalid("milestones", "milestone %d title is required", i+1)
		}
		if !m.Amount.IsPositive() {
			return invalid("milestones", "milestone %d amount must be positive", i+1)
		}
		sum = sum.Add(m.Amount)
	}
	if !sum.Equal(c.TotalAmount) {
		return invalid("milestones", "milestone amounts sum to %s, contract total is %s", sum.StringFixed(2), c.TotalAmount.StringFixed(2))
	}
	return nil
}

// CompleteMilestone releases one milestone to the developer. When the last
// milestone completes the contract is completed too.
func (e Engine) CompleteMilestone(ctx context.Context, contractID, milestoneID, actorID string) (domain.Contract, error) {
	if strings.TrimSpace(actorID) == "" {
		return domain.Contract{}, unauthorized()
	}
	c, err := e.Repo.GetContract(ctx, nil, contractID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Contract{}, notFound("contract", contractID)
	}
	if err != nil {
		return domain.Contract{}, err
	}
	if err := e.Policy.CanCompleteMilestone(actorID, c); err != nil {
		return domain.Contract{}, forbidden(err)
	}
	if c.ContractStatus != domain.ContractActive {
		return domain.Contract{}, newError(KindInvalidState, "contract %s is %s", c.ID, c.ContractStatus)
	}
	var target *domain.Milestone
	remaining := 0
	for i := range c.Milestones {
		if c.Milestones[i].ID == milestoneID {
			target = &c.Milestones[i]
		} else if c.Milestones[i].Status != domain.MilestoneCompleted {
			remaining++
		}
	}
	if target == nil {
		return domain.Contract{}, notFound("milestone", milestoneID)
	}
	if target.Status == domain.MilestoneCompleted || target.Status == domain.MilestoneRejected {
		return domain.Contract{}, newError(KindInvalidState, "milestone %s is %s", milestoneID, target.Status)
	}

	now := e.timestamp()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Contract{}, err
	}
	defer tx.Rollback()
	err = e.Repo.CompleteMilestone(ctx, tx, c.ID, milestoneID, now,
		domain.MilestonePending, domain.MilestoneSubmitted, domain.MilestoneApproved)
	if errors.Is(err, repo.ErrStaleState) {
		if cur, gerr := e.Repo.GetContract(ctx, tx, c.ID); gerr == nil && cur.ContractStatus != domain.ContractActive {
			return domain.Contract{}, newError(KindInvalidState, "contract %s is %s", c.ID, cur.ContractStatus).
				with("contract_status", cur.ContractStatus)
		}
		return domain.Contract{}, newError(KindInvalidState, "milestone %s changed concurrently", milestoneID)
	}
	if err != nil {
		return domain.Contract{}, err
	}
	if c.PaymentMethod == domain.PaymentPool && c.EscrowStatus == domain.EscrowEscrowed {
		alloc, err := e.Repo.GetAllocationByContract(ctx, tx, c.ID)
		if err != nil {
			return domain.Contract{}, fmt.Errorf("load allocation: %w", err)
		}
		if _, err := e.Repo.ReleaseFromAllocation(ctx, tx, alloc.ID, target.Amount, now); err != nil {
			return domain.Contract{}, fmt.Errorf("release milestone funds: %w", err)
		}
	}
	if remaining == 0 {
		if err := e.Repo.CompleteContract(ctx, tx, c.ID, now); err != nil {
			if errors.Is(err, repo.ErrStaleState) {
				return domain.Contract{}, newError(KindInvalidState, "contract %s is no longer active", c.ID)
			}
			return domain.Contract{}, err
		}
	}
	if err := e.audit().Append(ctx, tx, auditlog.Entry{
		SubjectKind: auditlog.SubjectContract,
		SubjectID:   c.ID,
		LogType:     auditlog.TypeMilestoneCompleted,
		Description: fmt.Sprintf("milestone %q completed, %s released", target.Title, target.Amount.StringFixed(2)),
		ActorID:     actorID,
		Metadata: auditlog.Metadata{
			"milestone_id":       milestoneID,
			"amount":             target.Amount.StringFixed(2),
			"contract_completed": remaining == 0,
		},
	}); err != nil {
		return domain.Contract{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Contract{}, err
	}
	e.notify(ctx, notify.Event{
		Type:        auditlog.TypeMilestoneCompleted,
		RecipientID: c.DeveloperID,
		SubjectKind: auditlog.SubjectContract,
		SubjectID:   c.ID,
		Title:       "Milestone completed",
		Message:     fmt.Sprintf("Milestone %q was completed and %s released.", target.Title, target.Amount.StringFixed(2)),
	})
	return e.Repo.GetContract(ctx, nil, c.ID)
}

// GetContract returns a contract visible to the actor.
func (e Engine) GetContract(ctx context.Context, contractID, actorID string, roles []string) (domain.Contract, error) {
	if strings.TrimSpace(actorID) == "" {
		return domain.Contract{}, unauthorized()
	}
	c, err := e.Repo.GetContract(ctx, nil, contractID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Contract{}, notFound("contract", contractID)
	}
	if err != nil {
		return domain.Contract{}, err
	}
	if err := e.Policy.CanReadContract(actorID, roles, c); err != nil {
		return domain.Contract{}, forbidden(err)
	}
	return c, nil
}

// GetTermination returns the termination record of a contract.
func (e Engine) GetTermination(ctx context.Context, contractID, actorID string, roles []string) (domain.Termination, error) {
	if _, err := e.GetContract(ctx, contractID, actorID, roles); err != nil {
		return domain.Termination{}, err
	}
	t, err := e.Repo.GetTerminationByContract(ctx, nil, contractID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Termination{}, notFound("termination", contractID)
	}
	return t, err
}

// ListContracts lists contracts newest first. Admins see every contract;
// anyone else only the contracts they are party to.
func (e Engine) ListContracts(ctx context.Context, actorID string, roles []string, f repo.ContractFilters) ([]domain.Contract, error) {
	if strings.TrimSpace(actorID) == "" {
		return nil, unauthorized()
	}
	if !e.Policy.IsAdmin(roles) {
		f.Party = actorID
	}
	return e.Repo.ListContracts(ctx, f)
}
