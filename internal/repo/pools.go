package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"custodyline/internal/domain"
)

func (r Repo) GetPool(ctx context.Context, tx *sql.Tx, projectID string) (domain.ProjectPool, error) {
	var p domain.ProjectPool
	err := r.q(tx).QueryRowContext(ctx, `SELECT project_id,available_balance,escrowed_balance,updated_at FROM project_pools WHERE project_id=?`, projectID).
		Scan(&p.ProjectID, &p.AvailableBalance, &p.EscrowedBalance, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	return p, err
}

// DepositToPool adds funds to a project's available balance, creating the
// pool on first use.
func (r Repo) DepositToPool(ctx context.Context, tx *sql.Tx, projectID string, amount decimal.Decimal, now string) (domain.ProjectPool, error) {
	if !amount.IsPositive() {
		return domain.ProjectPool{}, fmt.Errorf("deposit amount must be positive, got %s", amount)
	}
	var pool domain.ProjectPool
	err := r.inTx(ctx, tx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO project_pools(project_id,available_balance,escrowed_balance,updated_at) VALUES (?,?,?,?)`,
			projectID, "0", "0", now); err != nil {
			return err
		}
		var err error
		pool, err = r.GetPool(ctx, tx, projectID)
		if err != nil {
			return err
		}
		pool.AvailableBalance = pool.AvailableBalance.Add(amount)
		pool.UpdatedAt = now
		return r.writePool(ctx, tx, pool)
	})
	return pool, err
}

// EscrowFromPool moves amount from available to escrowed. Callers pass the
// transaction that creates the matching allocation.
func (r Repo) EscrowFromPool(ctx context.Context, tx *sql.Tx, projectID string, amount decimal.Decimal, now string) (domain.ProjectPool, error) {
	var pool domain.ProjectPool
	err := r.inTx(ctx, tx, func(tx *sql.Tx) error {
		var err error
		pool, err = r.GetPool(ctx, tx, projectID)
		if err != nil {
			return err
		}
		if pool.AvailableBalance.LessThan(amount) {
			return fmt.Errorf("%w: available %s, requested %s", ErrInsufficientFunds, pool.AvailableBalance.StringFixed(2), amount.StringFixed(2))
		}
		pool.AvailableBalance = pool.AvailableBalance.Sub(amount)
		pool.EscrowedBalance = pool.EscrowedBalance.Add(amount)
		pool.UpdatedAt = now
		return r.writePool(ctx, tx, pool)
	})
	return pool, err
}

func (r Repo) writePool(ctx context.Context, tx *sql.Tx, p domain.ProjectPool) error {
	_, err := tx.ExecContext(ctx, `UPDATE project_pools SET available_balance=?, escrowed_balance=?, updated_at=? WHERE project_id=?`,
		p.AvailableBalance.String(), p.EscrowedBalance.String(), p.UpdatedAt, p.ProjectID)
	return err
}

func (r Repo) InsertAllocation(ctx context.Context, tx *sql.Tx, a domain.EscrowAllocation) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO escrow_allocations(id,contract_id,project_id,amount,status,created_at,refunded_at) VALUES (?,?,?,?,?,?,?)`,
		a.ID, a.ContractID, a.ProjectID, a.Amount.String(), a.Status, a.CreatedAt, nullableStringPtr(a.RefundedAt))
	return err
}

const allocationColumns = `id,contract_id,project_id,amount,status,created_at,refunded_at`

func scanAllocation(row rowScanner) (domain.EscrowAllocation, error) {
	var a domain.EscrowAllocation
	var refundedAt sql.NullString
	err := row.Scan(&a.ID, &a.ContractID, &a.ProjectID, &a.Amount, &a.Status, &a.CreatedAt, &refundedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	a.RefundedAt = stringPtr(refundedAt)
	return a, err
}

func (r Repo) GetAllocation(ctx context.Context, tx *sql.Tx, id string) (domain.EscrowAllocation, error) {
	return scanAllocation(r.q(tx).QueryRowContext(ctx, `SELECT `+allocationColumns+` FROM escrow_allocations WHERE id=?`, id))
}

func (r Repo) GetAllocationByContract(ctx context.Context, tx *sql.Tx, contractID string) (domain.EscrowAllocation, error) {
	return scanAllocation(r.q(tx).QueryRowContext(ctx, `SELECT `+allocationColumns+` FROM escrow_allocations WHERE contract_id=?`, contractID))
}

// RefundAllocationToPool returns an active allocation's amount to its
// project's available balance. The status flip and the pool credit commit
// together; a second call for the same allocation credits nothing and
// returns ErrAlreadyRefunded.
func (r Repo) RefundAllocationToPool(ctx context.Context, allocationID, now string) (domain.EscrowAllocation, error) {
	var alloc domain.EscrowAllocation
	err := r.inTx(ctx, nil, func(tx *sql.Tx) error {
		var err error
		alloc, err = r.GetAllocation(ctx, tx, allocationID)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `UPDATE escrow_allocations SET status=?, refunded_at=? WHERE id=? AND status=?`,
			domain.AllocationRefunded, now, allocationID, domain.AllocationActive)
		if err != nil {
			return err
		}
		if ok, err := affectedOne(res); err != nil {
			return err
		} else if !ok {
			return ErrAlreadyRefunded
		}

		pool, err := r.GetPool(ctx, tx, alloc.ProjectID)
		if err != nil {
			return fmt.Errorf("load pool %s: %w", alloc.ProjectID, err)
		}
		pool.AvailableBalance = pool.AvailableBalance.Add(alloc.Amount)
		pool.EscrowedBalance = pool.EscrowedBalance.Sub(alloc.Amount)
		if pool.EscrowedBalance.IsNegative() {
			return fmt.Errorf("pool %s escrowed balance would go negative", alloc.ProjectID)
		}
		pool.UpdatedAt = now
		return r.writePool(ctx, tx, pool)
	})
	if err != nil {
		return alloc, err
	}
	alloc.Status = domain.AllocationRefunded
	alloc.RefundedAt = &now
	return alloc, nil
}

// ReleaseFromAllocation pays a completed milestone out of an active
// allocation: the allocation shrinks and the pool's escrowed balance drops by
// the same amount. Runs inside the caller's transaction when one is given.
func (r Repo) ReleaseFromAllocation(ctx context.Context, tx *sql.Tx, allocationID string, amount decimal.Decimal, now string) (domain.EscrowAllocation, error) {
	var alloc domain.EscrowAllocation
	err := r.inTx(ctx, tx, func(tx *sql.Tx) error {
		var err error
		alloc, err = r.GetAllocation(ctx, tx, allocationID)
		if err != nil {
			return err
		}
		if alloc.Status != domain.AllocationActive {
			return ErrAlreadyRefunded
		}
		if alloc.Amount.LessThan(amount) {
			return fmt.Errorf("%w: allocation holds %s, release of %s requested", ErrInsufficientFunds, alloc.Amount.StringFixed(2), amount.StringFixed(2))
		}
		remaining := alloc.Amount.Sub(amount)
		res, err := tx.ExecContext(ctx, `UPDATE escrow_allocations SET amount=? WHERE id=? AND status=?`, remaining.String(), allocationID, domain.AllocationActive)
		if err != nil {
			return err
		}
		if ok, err := affectedOne(res); err != nil {
			return err
		} else if !ok {
			return ErrStaleState
		}
		pool, err := r.GetPool(ctx, tx, alloc.ProjectID)
		if err != nil {
			return err
		}
		pool.EscrowedBalance = pool.EscrowedBalance.Sub(amount)
		pool.UpdatedAt = now
		if err := r.writePool(ctx, tx, pool); err != nil {
			return err
		}
		alloc.Amount = remaining
		return nil
	})
	return alloc, err
}
