package auditlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"custodyline/internal/domain"
)

const (
	SubjectContract  = "contract"
	SubjectAgreement = "agreement"
	SubjectPool      = "pool"
)

// Log types written by the engine.
const (
	TypeContractFunded     = "contract.funded"
	TypeContractTerminated = "contract.terminated"
	TypeMilestoneCompleted = "milestone.completed"
	TypeEscrowRefunded     = "escrow.refunded"
	TypeEscrowRefundFailed = "escrow.refund_failed"
	TypeAgreementCreated   = "agreement.created"
	TypeClawback           = "clawback"
	TypeObligationMet      = "obligation.met"
	TypeClawbackWaived     = "clawback.waived"
	TypePoolDeposit        = "pool.deposit"
)

// Writer appends performance log rows. There is no update or delete path;
// the schema rejects both.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type Metadata map[string]any

type Entry struct {
	SubjectKind string
	SubjectID   string
	LogType     string
	Description string
	ActorID     string
	Metadata    Metadata
}

// Append writes an entry inside the caller's transaction so it commits or
// rolls back with the state change it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, e Entry) error {
	if tx == nil {
		return errors.New("audit log append requires a transaction")
	}
	switch e.SubjectKind {
	case SubjectContract, SubjectAgreement, SubjectPool:
	default:
		return fmt.Errorf("invalid subject kind %q", e.SubjectKind)
	}
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if e.Metadata == nil {
		e.Metadata = Metadata{}
	}
	data, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("marshal log metadata: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO performance_logs(ts,subject_kind,subject_id,log_type,description,actor_id,metadata_json) VALUES (?,?,?,?,?,?,?)`,
		ts, e.SubjectKind, e.SubjectID, e.LogType, e.Description, e.ActorID, string(data))
	return err
}

type Filter struct {
	SubjectKind string
	SubjectID   string
	LogType     string
	// Cursor returns entries with IDs below it when positive.
	Cursor int64
	Limit  int
}

// List returns entries newest first.
func (w Writer) List(ctx context.Context, f Filter) ([]domain.PerformanceLog, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.SubjectKind != "" {
		clauses = append(clauses, "subject_kind=?")
		args = append(args, f.SubjectKind)
	}
	if f.SubjectID != "" {
		clauses = append(clauses, "subject_id=?")
		args = append(args, f.SubjectID)
	}
	if f.LogType != "" {
		clauses = append(clauses, "log_type=?")
		args = append(args, f.LogType)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`SELECT id,ts,subject_kind,subject_id,log_type,description,actor_id,metadata_json FROM performance_logs WHERE %s ORDER BY id DESC LIMIT ?`,
		strings.Join(clauses, " AND "))
	args = append(args, limit)
	rows, err := w.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PerformanceLog
	for rows.Next() {
		var l domain.PerformanceLog
		if err := rows.Scan(&l.ID, &l.TS, &l.SubjectKind, &l.SubjectID, &l.LogType, &l.Description, &l.ActorID, &l.Metadata); err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}
