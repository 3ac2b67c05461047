package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"custodyline/internal/auditlog"
	"custodyline/internal/domain"
	"custodyline/internal/repo"
)

// Reconcile retries the fund movement of a pending or failed item through the
// same custodian. Both custodians are idempotent per item, so a retry after an
// unrecorded success does not move funds twice.
func (e Engine) Reconcile(ctx context.Context, itemID, actorID string, roles []string) (domain.ReconciliationItem, error) {
	if strings.TrimSpace(actorID) == "" {
		return domain.ReconciliationItem{}, unauthorized()
	}
	if err := e.Policy.CanManageReconciliation(roles); err != nil {
		return domain.ReconciliationItem{}, forbidden(err)
	}
	item, err := e.Repo.GetReconciliation(ctx, nil, itemID)
	if errors.Is(err, repo.ErrNotFound) {
		return item, notFound("reconciliation", itemID)
	}
	if err != nil {
		return item, err
	}
	if item.Status == domain.ReconciliationSettled {
		return item, newError(KindInvalidState, "reconciliation item %s is already settled", item.ID)
	}
	reason := ""
	if term, err := e.Repo.GetTerminationByContract(ctx, nil, item.ContractID); err == nil {
		reason = term.Reason
	}
	_, callErr := e.settle(ctx, item, reason, actorID)
	updated, err := e.Repo.GetReconciliation(ctx, nil, item.ID)
	if err != nil {
		return item, err
	}
	if callErr != nil {
		return updated, newError(KindUpstream, "custodian refund failed: %s", callErr.Error()).
			with("reconciliation_id", item.ID).
			with("attempts", updated.Attempts).
			wrap(callErr)
	}
	return updated, nil
}

// ListReconciliation lists reconciliation items for operators.
func (e Engine) ListReconciliation(ctx context.Context, actorID string, roles []string, status domain.ReconciliationStatus, limit int) ([]domain.ReconciliationItem, error) {
	if strings.TrimSpace(actorID) == "" {
		return nil, unauthorized()
	}
	if err := e.Policy.CanManageReconciliation(roles); err != nil {
		return nil, forbidden(err)
	}
	switch status {
	case "", domain.ReconciliationPending, domain.ReconciliationSettled, domain.ReconciliationFailed:
	default:
		return nil, newError(KindValidation, "unknown reconciliation status %q", status).with("field", "status")
	}
	return e.Repo.ListReconciliation(ctx, status, limit)
}

// DepositToPool credits a project's shared pool. Operators only.
func (e Engine) DepositToPool(ctx context.Context, projectID string, amount decimal.Decimal, actorID string, roles []string) (domain.ProjectPool, error) {
	if strings.TrimSpace(actorID) == "" {
		return domain.ProjectPool{}, unauthorized()
	}
	if err := e.Policy.CanManagePools(roles); err != nil {
		return domain.ProjectPool{}, forbidden(err)
	}
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return domain.ProjectPool{}, newError(KindValidation, "project_id is required").with("field", "project_id")
	}
	if !amount.IsPositive() {
		return domain.ProjectPool{}, newError(KindValidation, "deposit amount must be positive").with("field", "amount")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ProjectPool{}, err
	}
	defer tx.Rollback()
	pool, err := e.Repo.DepositToPool(ctx, tx, projectID, amount, e.timestamp())
	if err != nil {
		return domain.ProjectPool{}, err
	}
	if err := e.audit().Append(ctx, tx, auditlog.Entry{
		SubjectKind: auditlog.SubjectPool,
		SubjectID:   projectID,
		LogType:     auditlog.TypePoolDeposit,
		Description: fmt.Sprintf("deposited %s into pool %s", amount.StringFixed(2), projectID),
		ActorID:     actorID,
		Metadata: auditlog.Metadata{
			"amount":            amount.StringFixed(2),
			"available_balance": pool.AvailableBalance.StringFixed(2),
			"escrowed_balance":  pool.EscrowedBalance.StringFixed(2),
		},
	}); err != nil {
		return domain.ProjectPool{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ProjectPool{}, err
	}
	e.logger().Info("pool deposit", "project_id", projectID, "amount", amount.StringFixed(2), "actor_id", actorID)
	return pool, nil
}

// GetPool returns a project's pool balances.
func (e Engine) GetPool(ctx context.Context, projectID, actorID string) (domain.ProjectPool, error) {
	if strings.TrimSpace(actorID) == "" {
		return domain.ProjectPool{}, unauthorized()
	}
	pool, err := e.Repo.GetPool(ctx, nil, projectID)
	if errors.Is(err, repo.ErrNotFound) {
		return pool, notFound("pool", projectID)
	}
	return pool, err
}
