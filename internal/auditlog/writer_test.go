package auditlog_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"custodyline/internal/auditlog"
	"custodyline/internal/db"
	"custodyline/internal/migrate"
)

func newWriter(t *testing.T) (auditlog.Writer, context.Context) {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(ctx, conn)
	require.NoError(t, err)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return auditlog.Writer{DB: conn, Now: func() time.Time { return now }}, ctx
}

func appendAll(t *testing.T, w auditlog.Writer, ctx context.Context, entries ...auditlog.Entry) {
	t.Helper()
	tx, err := w.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()
	for _, e := range entries {
		require.NoError(t, w.Append(ctx, tx, e))
	}
	require.NoError(t, tx.Commit())
}

func TestAppendAndList(t *testing.T) {
	w, ctx := newWriter(t)
	appendAll(t, w, ctx,
		auditlog.Entry{SubjectKind: auditlog.SubjectContract, SubjectID: "c-1", LogType: auditlog.TypeContractFunded, Description: "funded", ActorID: "client-1", Metadata: auditlog.Metadata{"payment_method": "pool"}},
		auditlog.Entry{SubjectKind: auditlog.SubjectContract, SubjectID: "c-1", LogType: auditlog.TypeContractTerminated, Description: "terminated", ActorID: "client-1"},
		auditlog.Entry{SubjectKind: auditlog.SubjectAgreement, SubjectID: "a-1", LogType: auditlog.TypeClawback, Description: "clawback", ActorID: "founder-1"},
	)

	all, err := w.List(ctx, auditlog.Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, auditlog.TypeClawback, all[0].LogType, "newest first")
	assert.Equal(t, "2026-03-01T12:00:00Z", all[0].TS)

	contract, err := w.List(ctx, auditlog.Filter{SubjectKind: auditlog.SubjectContract, SubjectID: "c-1"})
	require.NoError(t, err)
	require.Len(t, contract, 2)
	assert.JSONEq(t, `{"payment_method":"pool"}`, contract[1].Metadata)
	assert.JSONEq(t, `{}`, contract[0].Metadata)

	older, err := w.List(ctx, auditlog.Filter{Cursor: all[0].ID, Limit: 1})
	require.NoError(t, err)
	require.Len(t, older, 1)
	assert.Equal(t, all[1].ID, older[0].ID)

	typed, err := w.List(ctx, auditlog.Filter{LogType: auditlog.TypeContractFunded})
	require.NoError(t, err)
	require.Len(t, typed, 1)
}

func TestAppendRequiresTransactionAndKnownSubject(t *testing.T) {
	w, ctx := newWriter(t)
	assert.Error(t, w.Append(ctx, nil, auditlog.Entry{SubjectKind: auditlog.SubjectContract}))

	tx, err := w.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()
	assert.Error(t, w.Append(ctx, tx, auditlog.Entry{SubjectKind: "task", SubjectID: "t-1"}))
}

func TestLogsAreAppendOnly(t *testing.T) {
	w, ctx := newWriter(t)
	appendAll(t, w, ctx, auditlog.Entry{SubjectKind: auditlog.SubjectContract, SubjectID: "c-1", LogType: auditlog.TypeContractFunded, Description: "funded", ActorID: "client-1"})

	_, err := w.DB.ExecContext(ctx, `UPDATE performance_logs SET description='rewritten'`)
	assert.ErrorContains(t, err, "append-only")
	_, err = w.DB.ExecContext(ctx, `DELETE FROM performance_logs`)
	assert.ErrorContains(t, err, "append-only")

	logs, err := w.List(ctx, auditlog.Filter{})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "funded", logs[0].Description)
}
