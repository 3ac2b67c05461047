package repo

import (
	"context"
	"database/sql"
	"errors"

	"custodyline/internal/domain"
)

const reconciliationColumns = `id,contract_id,termination_id,route,payment_method,amount,COALESCE(provider_ref,''),status,attempts,COALESCE(last_error,''),created_at,updated_at`

func scanReconciliation(row rowScanner) (domain.ReconciliationItem, error) {
	var it domain.ReconciliationItem
	err := row.Scan(&it.ID, &it.ContractID, &it.TerminationID, &it.Route, &it.PaymentMethod, &it.Amount, &it.ProviderRef,
		&it.Status, &it.Attempts, &it.LastError, &it.CreatedAt, &it.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return it, ErrNotFound
	}
	return it, err
}

func (r Repo) InsertReconciliation(ctx context.Context, tx *sql.Tx, it domain.ReconciliationItem) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO reconciliation_items(id,contract_id,termination_id,route,payment_method,amount,provider_ref,status,attempts,last_error,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		it.ID, it.ContractID, it.TerminationID, it.Route, it.PaymentMethod, it.Amount.String(), nullable(it.ProviderRef),
		it.Status, it.Attempts, nullable(it.LastError), it.CreatedAt, it.UpdatedAt)
	return err
}

func (r Repo) GetReconciliation(ctx context.Context, tx *sql.Tx, id string) (domain.ReconciliationItem, error) {
	return scanReconciliation(r.q(tx).QueryRowContext(ctx, `SELECT `+reconciliationColumns+` FROM reconciliation_items WHERE id=?`, id))
}

// ListReconciliation returns items oldest first, optionally filtered by status.
func (r Repo) ListReconciliation(ctx context.Context, status domain.ReconciliationStatus, limit int) ([]domain.ReconciliationItem, error) {
	query := `SELECT ` + reconciliationColumns + ` FROM reconciliation_items`
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at, id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ReconciliationItem
	for rows.Next() {
		it, err := scanReconciliation(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

// RecordAttempt stores the outcome of one custodian call. Settled items are
// final; ErrStaleState is returned if the item already settled.
func (r Repo) RecordAttempt(ctx context.Context, tx *sql.Tx, id string, status domain.ReconciliationStatus, lastError, now string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE reconciliation_items SET status=?, attempts=attempts+1, last_error=?, updated_at=? WHERE id=? AND status<>?`,
		status, nullable(lastError), now, id, domain.ReconciliationSettled)
	if err != nil {
		return err
	}
	ok, err := affectedOne(res)
	if err != nil {
		return err
	}
	if !ok {
		return ErrStaleState
	}
	return nil
}
