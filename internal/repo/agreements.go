package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"custodyline/internal/domain"
)

func (r Repo) InsertAgreement(ctx context.Context, tx *sql.Tx, a domain.InvestorAgreement) error {
	props, err := json.Marshal(a.Properties)
	if err != nil {
		return fmt.Errorf("marshal properties: %w", err)
	}
	obligations, err := json.Marshal(a.PerformanceObligations)
	if err != nil {
		return fmt.Errorf("marshal obligations: %w", err)
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO investor_agreements(id,investor_id,founder_id,properties_json,obligations_json,performance_deadline,performance_status,clawback_status,clawback_triggered_at,clawback_reason,initial_equity_percentage,current_equity_percentage,inscription_ref,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.InvestorID, a.FounderID, string(props), string(obligations), a.PerformanceDeadline, a.PerformanceStatus, a.ClawbackStatus,
		nullableStringPtr(a.ClawbackTriggeredAt), nullable(a.ClawbackReason), a.InitialEquityPercentage.String(), a.CurrentEquityPercentage.String(),
		nullable(a.InscriptionRef), a.CreatedAt, a.UpdatedAt)
	return err
}

// GetAgreement loads an agreement and its domain exit tokens.
func (r Repo) GetAgreement(ctx context.Context, tx *sql.Tx, id string) (domain.InvestorAgreement, error) {
	var a domain.InvestorAgreement
	var props, obligations string
	var triggeredAt sql.NullString
	err := r.q(tx).QueryRowContext(ctx, `SELECT id,investor_id,founder_id,properties_json,obligations_json,performance_deadline,performance_status,clawback_status,clawback_triggered_at,COALESCE(clawback_reason,''),initial_equity_percentage,current_equity_percentage,COALESCE(inscription_ref,''),created_at,updated_at
FROM investor_agreements WHERE id=?`, id).
		Scan(&a.ID, &a.InvestorID, &a.FounderID, &props, &obligations, &a.PerformanceDeadline, &a.PerformanceStatus, &a.ClawbackStatus,
			&triggeredAt, &a.ClawbackReason, &a.InitialEquityPercentage, &a.CurrentEquityPercentage, &a.InscriptionRef, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.ClawbackTriggeredAt = stringPtr(triggeredAt)
	if err := json.Unmarshal([]byte(props), &a.Properties); err != nil {
		return a, fmt.Errorf("decode properties for %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(obligations), &a.PerformanceObligations); err != nil {
		return a, fmt.Errorf("decode obligations for %s: %w", id, err)
	}
	a.Tokens, err = r.ListTokens(ctx, tx, id)
	return a, err
}

// TriggerClawback flips clawback_status active -> triggered and zeroes the
// current equity. ErrStaleState means another writer got there first.
func (r Repo) TriggerClawback(ctx context.Context, tx *sql.Tx, id, reason, now string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE investor_agreements SET clawback_status=?, clawback_triggered_at=?, clawback_reason=?, performance_status=?, current_equity_percentage=?, updated_at=?
WHERE id=? AND clawback_status=?`,
		domain.ClawbackTriggered, now, reason, domain.PerformanceFailed, "0", now, id, domain.ClawbackActive)
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

// WaiveClawback records updated obligations and moves an agreement that has
// not been clawed back to met/waived.
func (r Repo) WaiveClawback(ctx context.Context, tx *sql.Tx, id string, obligations domain.Obligations, now string) error {
	data, err := json.Marshal(obligations)
	if err != nil {
		return fmt.Errorf("marshal obligations: %w", err)
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE investor_agreements SET obligations_json=?, performance_status=?, clawback_status=?, updated_at=?
WHERE id=? AND clawback_status<>?`,
		string(data), domain.PerformanceMet, domain.ClawbackWaived, now, id, domain.ClawbackTriggered)
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

func (r Repo) InsertToken(ctx context.Context, tx *sql.Tx, t domain.DomainExitToken) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO domain_exit_tokens(id,agreement_id,domain_name,token_symbol,investor_tokens,token_status,forfeited_at,forfeited_reason) VALUES (?,?,?,?,?,?,?,?)`,
		t.ID, t.AgreementID, t.DomainName, t.TokenSymbol, t.InvestorTokens.String(), t.TokenStatus, nullableStringPtr(t.ForfeitedAt), nullable(t.ForfeitedReason))
	return err
}

func (r Repo) ListTokens(ctx context.Context, tx *sql.Tx, agreementID string) ([]domain.DomainExitToken, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT id,agreement_id,domain_name,token_symbol,investor_tokens,token_status,forfeited_at,COALESCE(forfeited_reason,'')
FROM domain_exit_tokens WHERE agreement_id=? ORDER BY domain_name, id`, agreementID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DomainExitToken
	for rows.Next() {
		var t domain.DomainExitToken
		var forfeitedAt sql.NullString
		if err := rows.Scan(&t.ID, &t.AgreementID, &t.DomainName, &t.TokenSymbol, &t.InvestorTokens, &t.TokenStatus, &forfeitedAt, &t.ForfeitedReason); err != nil {
			return nil, err
		}
		t.ForfeitedAt = stringPtr(forfeitedAt)
		res = append(res, t)
	}
	return res, rows.Err()
}

// ForfeitTokens forfeits every held token of the agreement and returns how many changed.
func (r Repo) ForfeitTokens(ctx context.Context, tx *sql.Tx, agreementID, reason, now string) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE domain_exit_tokens SET token_status=?, forfeited_at=?, forfeited_reason=? WHERE agreement_id=? AND token_status=?`,
		domain.TokenForfeited, now, reason, agreementID, domain.TokenHeld)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
