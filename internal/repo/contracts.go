package repo

import (
	"context"
	"database/sql"
	"errors"

	"custodyline/internal/domain"
)

const contractColumns = `id,project_id,client_id,developer_id,COALESCE(title,''),contract_status,escrow_status,total_amount,payment_method,COALESCE(provider_ref,''),COALESCE(inscription_ref,''),created_at,updated_at,terminated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanContract(row rowScanner) (domain.Contract, error) {
	var c domain.Contract
	var terminatedAt sql.NullString
	err := row.Scan(&c.ID, &c.ProjectID, &c.ClientID, &c.DeveloperID, &c.Title, &c.ContractStatus, &c.EscrowStatus,
		&c.TotalAmount, &c.PaymentMethod, &c.ProviderRef, &c.InscriptionRef, &c.CreatedAt, &c.UpdatedAt, &terminatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.TerminatedAt = stringPtr(terminatedAt)
	return c, nil
}

func (r Repo) InsertContract(ctx context.Context, tx *sql.Tx, c domain.Contract) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO contracts(id,project_id,client_id,developer_id,title,contract_status,escrow_status,total_amount,payment_method,provider_ref,inscription_ref,created_at,updated_at,terminated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.ProjectID, c.ClientID, c.DeveloperID, nullable(c.Title), c.ContractStatus, c.EscrowStatus, c.TotalAmount.String(),
		c.PaymentMethod, nullable(c.ProviderRef), nullable(c.InscriptionRef), c.CreatedAt, c.UpdatedAt, nullableStringPtr(c.TerminatedAt))
	return err
}

// GetContract loads a contract together with its milestones.
func (r Repo) GetContract(ctx context.Context, tx *sql.Tx, id string) (domain.Contract, error) {
	c, err := scanContract(r.q(tx).QueryRowContext(ctx, `SELECT `+contractColumns+` FROM contracts WHERE id=?`, id))
	if err != nil {
		return c, err
	}
	c.Milestones, err = r.ListMilestones(ctx, tx, id)
	return c, err
}

type ContractFilters struct {
	ProjectID string
	Status    domain.ContractStatus
	// Party restricts to contracts where the actor is client or developer.
	Party string
	Limit int
}

func (r Repo) ListContracts(ctx context.Context, f ContractFilters) ([]domain.Contract, error) {
	query := `SELECT ` + contractColumns + ` FROM contracts WHERE 1=1`
	var args []any
	if f.ProjectID != "" {
		query += ` AND project_id=?`
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		query += ` AND contract_status=?`
		args = append(args, f.Status)
	}
	if f.Party != "" {
		query += ` AND (client_id=? OR developer_id=?)`
		args = append(args, f.Party, f.Party)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Contract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// TerminateContract moves an active contract to terminated and sets the
// escrow status in one conditional update. ErrStaleState means the contract
// was no longer active.
func (r Repo) TerminateContract(ctx context.Context, tx *sql.Tx, id string, escrow domain.EscrowStatus, now string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE contracts SET contract_status=?, escrow_status=?, terminated_at=?, updated_at=? WHERE id=? AND contract_status=?`,
		domain.ContractTerminated, escrow, now, now, id, domain.ContractActive)
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

// CompleteContract marks an active contract completed once every milestone is done.
func (r Repo) CompleteContract(ctx context.Context, tx *sql.Tx, id, now string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE contracts SET contract_status=?, updated_at=? WHERE id=? AND contract_status=?`,
		domain.ContractCompleted, now, id, domain.ContractActive)
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

func (r Repo) InsertMilestone(ctx context.Context, tx *sql.Tx, m domain.Milestone) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO milestones(id,contract_id,title,amount,status,position,completed_at) VALUES (?,?,?,?,?,?,?)`,
		m.ID, m.ContractID, m.Title, m.Amount.String(), m.Status, m.Position, nullableStringPtr(m.CompletedAt))
	return err
}

func (r Repo) ListMilestones(ctx context.Context, tx *sql.Tx, contractID string) ([]domain.Milestone, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT id,contract_id,title,amount,status,position,completed_at FROM milestones WHERE contract_id=? ORDER BY position, id`, contractID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Milestone
	for rows.Next() {
		var m domain.Milestone
		var completedAt sql.NullString
		if err := rows.Scan(&m.ID, &m.ContractID, &m.Title, &m.Amount, &m.Status, &m.Position, &completedAt); err != nil {
			return nil, err
		}
		m.CompletedAt = stringPtr(completedAt)
		res = append(res, m)
	}
	return res, rows.Err()
}

// CompleteMilestone moves a milestone from one of the given statuses to
// completed, only while its contract is still active. Amounts are never
// touched.
func (r Repo) CompleteMilestone(ctx context.Context, tx *sql.Tx, contractID, milestoneID, now string, from ...domain.MilestoneStatus) error {
	if len(from) == 0 {
		return errors.New("at least one source status required")
	}
	query := `UPDATE milestones SET status=?, completed_at=? WHERE id=? AND contract_id=?` +
		` AND EXISTS (SELECT 1 FROM contracts WHERE id=? AND contract_status=?)` +
		` AND status IN (?` + repeatPlaceholders(len(from)-1) + `)`
	args := []any{domain.MilestoneCompleted, now, milestoneID, contractID, contractID, domain.ContractActive}
	for _, s := range from {
		args = append(args, s)
	}
	res, err := r.q(tx).ExecContext(ctx, query, args...)
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

func repeatPlaceholders(n int) string {
	s := ""
	for i := 0; i < n; i++ {
		s += ",?"
	}
	return s
}
