package repo

import (
	"context"
	"database/sql"
	"errors"

	"custodyline/internal/domain"
)

func (r Repo) InsertTermination(ctx context.Context, tx *sql.Tx, t domain.Termination) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO terminations(id,contract_id,termination_type,reason,escrow_action,refunded_amount_usd,released_amount_usd,eligible_for_retender,initiated_by,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ContractID, t.TerminationType, t.Reason, t.EscrowAction, t.RefundedAmountUSD.String(), t.ReleasedAmountUSD.String(),
		boolInt(t.EligibleForRetender), t.InitiatedBy, t.CreatedAt)
	return err
}

func (r Repo) GetTerminationByContract(ctx context.Context, tx *sql.Tx, contractID string) (domain.Termination, error) {
	var t domain.Termination
	var eligible int
	err := r.q(tx).QueryRowContext(ctx, `SELECT id,contract_id,termination_type,reason,escrow_action,refunded_amount_usd,released_amount_usd,eligible_for_retender,initiated_by,created_at
FROM terminations WHERE contract_id=?`, contractID).
		Scan(&t.ID, &t.ContractID, &t.TerminationType, &t.Reason, &t.EscrowAction, &t.RefundedAmountUSD, &t.ReleasedAmountUSD, &eligible, &t.InitiatedBy, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	t.EligibleForRetender = eligible == 1
	return t, err
}
