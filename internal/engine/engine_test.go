package engine_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"custodyline/internal/auditlog"
	"custodyline/internal/config"
	"custodyline/internal/db"
	"custodyline/internal/domain"
	"custodyline/internal/engine"
	"custodyline/internal/escrow"
	"custodyline/internal/gateway"
	"custodyline/internal/migrate"
	"custodyline/internal/notify"
	"custodyline/internal/repo"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(ctx, conn)
	require.NoError(t, err)
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return fixedNow }
	return testEnv{Engine: eng, Ctx: ctx}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func (env testEnv) deposit(t *testing.T, project, amount string) {
	t.Helper()
	_, err := env.Engine.Repo.DepositToPool(env.Ctx, nil, project, dec(amount), fixedNow.Format(time.RFC3339))
	require.NoError(t, err)
}

// fundPoolContract funds a 400/600 pool contract from a fresh 1000 deposit.
func (env testEnv) fundPoolContract(t *testing.T, id string) domain.Contract {
	t.Helper()
	env.deposit(t, "proj-1", "1000")
	c, err := env.Engine.FundContract(env.Ctx, engine.FundContractRequest{
		ID:            id,
		ProjectID:     "proj-1",
		ActorID:       "client-1",
		DeveloperID:   "dev-1",
		Title:         "Site rebuild",
		TotalAmount:   dec("1000"),
		PaymentMethod: domain.PaymentPool,
		Milestones: []engine.MilestoneSpec{
			{Title: "Design", Amount: dec("400")},
			{Title: "Build", Amount: dec("600")},
		},
	})
	require.NoError(t, err)
	return c
}

func (env testEnv) terminate(id, actor string, typ domain.TerminationType, toPool bool) (engine.TerminationResult, error) {
	res, err := env.Engine.Terminate(env.Ctx, engine.TerminateRequest{
		ContractID:   id,
		ActorID:      actor,
		Type:         typ,
		Reason:       "developer stopped responding",
		RefundToPool: toPool,
	})
	if err == nil && res.NotificationDone != nil {
		<-res.NotificationDone
	}
	return res, err
}

func TestFundContractEscrowsFromPool(t *testing.T) {
	env := newTestEnv(t)
	c := env.fundPoolContract(t, "c-1")
	assert.Equal(t, domain.ContractActive, c.ContractStatus)
	assert.Equal(t, domain.EscrowEscrowed, c.EscrowStatus)
	require.Len(t, c.Milestones, 2)

	pool, err := env.Engine.Repo.GetPool(env.Ctx, nil, "proj-1")
	require.NoError(t, err)
	assert.True(t, pool.AvailableBalance.IsZero())
	assert.True(t, pool.EscrowedBalance.Equal(dec("1000")))

	alloc, err := env.Engine.Repo.GetAllocationByContract(env.Ctx, nil, "c-1")
	require.NoError(t, err)
	assert.Equal(t, domain.AllocationActive, alloc.Status)
	assert.True(t, alloc.Amount.Equal(dec("1000")))
}

func TestFundContractValidation(t *testing.T) {
	env := newTestEnv(t)
	env.deposit(t, "proj-1", "100")
	base := engine.FundContractRequest{
		ProjectID:     "proj-1",
		ActorID:       "client-1",
		DeveloperID:   "dev-1",
		TotalAmount:   dec("100"),
		PaymentMethod: domain.PaymentPool,
		Milestones:    []engine.MilestoneSpec{{Title: "Only", Amount: dec("100")}},
	}

	mismatch := base
	mismatch.Milestones = []engine.MilestoneSpec{{Title: "Only", Amount: dec("90")}}
	_, err := env.Engine.FundContract(env.Ctx, mismatch)
	assert.ErrorIs(t, err, engine.ErrValidation)

	gatewayNoRef := base
	gatewayNoRef.PaymentMethod = domain.PaymentGatewayA
	_, err = env.Engine.FundContract(env.Ctx, gatewayNoRef)
	assert.ErrorIs(t, err, engine.ErrValidation)

	tooMuch := base
	tooMuch.TotalAmount = dec("500")
	tooMuch.Milestones = []engine.MilestoneSpec{{Title: "Only", Amount: dec("500")}}
	_, err = env.Engine.FundContract(env.Ctx, tooMuch)
	assert.ErrorIs(t, err, engine.ErrInvalidState)

	someoneElse := base
	someoneElse.ClientID = "client-2"
	_, err = env.Engine.FundContract(env.Ctx, someoneElse)
	assert.ErrorIs(t, err, engine.ErrForbidden)
}

func TestCompleteMilestoneReleasesFromAllocation(t *testing.T) {
	env := newTestEnv(t)
	c := env.fundPoolContract(t, "c-1")

	_, err := env.Engine.CompleteMilestone(env.Ctx, "c-1", c.Milestones[0].ID, "dev-1")
	assert.ErrorIs(t, err, engine.ErrForbidden)

	updated, err := env.Engine.CompleteMilestone(env.Ctx, "c-1", c.Milestones[0].ID, "client-1")
	require.NoError(t, err)
	assert.Equal(t, domain.MilestoneCompleted, updated.Milestones[0].Status)
	assert.Equal(t, domain.ContractActive, updated.ContractStatus)

	_, err = env.Engine.CompleteMilestone(env.Ctx, "c-1", c.Milestones[0].ID, "client-1")
	assert.ErrorIs(t, err, engine.ErrInvalidState)

	pool, err := env.Engine.Repo.GetPool(env.Ctx, nil, "proj-1")
	require.NoError(t, err)
	assert.True(t, pool.EscrowedBalance.Equal(dec("600")))

	updated, err = env.Engine.CompleteMilestone(env.Ctx, "c-1", c.Milestones[1].ID, "client-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ContractCompleted, updated.ContractStatus)

	_, err = env.terminate("c-1", "client-1", domain.TerminationMutual, false)
	assert.ErrorIs(t, err, engine.ErrInvalidState)
}

func TestTerminateDeveloperFailureRefundsPendingToPool(t *testing.T) {
	env := newTestEnv(t)
	c := env.fundPoolContract(t, "c-1")
	_, err := env.Engine.CompleteMilestone(env.Ctx, "c-1", c.Milestones[0].ID, "client-1")
	require.NoError(t, err)

	res, err := env.terminate("c-1", "client-1", domain.TerminationDeveloperFailure, true)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionRefundToPool, res.EscrowAction)
	assert.True(t, res.CompletedAmount.Equal(dec("400")))
	assert.True(t, res.RefundedAmount.Equal(dec("600")))
	assert.True(t, res.EligibleForRetender)
	assert.Equal(t, engine.RefundSettled, res.RefundStatus)
	assert.NotEmpty(t, res.ReconciliationID)

	got, err := env.Engine.GetContract(env.Ctx, "c-1", "dev-1", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.ContractTerminated, got.ContractStatus)
	assert.Equal(t, domain.EscrowRefunded, got.EscrowStatus)
	assert.NotNil(t, got.TerminatedAt)

	pool, err := env.Engine.Repo.GetPool(env.Ctx, nil, "proj-1")
	require.NoError(t, err)
	assert.True(t, pool.AvailableBalance.Equal(dec("600")))
	assert.True(t, pool.EscrowedBalance.IsZero())

	term, err := env.Engine.GetTermination(env.Ctx, "c-1", "client-1", nil)
	require.NoError(t, err)
	assert.Equal(t, res.Termination.ID, term.ID)
	assert.True(t, term.ReleasedAmountUSD.Equal(dec("400")))
	assert.Equal(t, "client-1", term.InitiatedBy)

	item, err := env.Engine.Repo.GetReconciliation(env.Ctx, nil, res.ReconciliationID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReconciliationSettled, item.Status)
	assert.Equal(t, 1, item.Attempts)

	page, err := env.Engine.ListLogs(env.Ctx, "client-1", nil, auditlog.Filter{SubjectKind: auditlog.SubjectContract, SubjectID: "c-1"})
	require.NoError(t, err)
	var types []string
	for _, l := range page.Items {
		types = append(types, l.LogType)
	}
	assert.Equal(t, []string{
		auditlog.TypeEscrowRefunded,
		auditlog.TypeContractTerminated,
		auditlog.TypeMilestoneCompleted,
		auditlog.TypeContractFunded,
	}, types)
}

func TestTerminateWithoutRetenderFlag(t *testing.T) {
	env := newTestEnv(t)
	env.fundPoolContract(t, "c-1")
	res, err := env.terminate("c-1", "client-1", domain.TerminationMutual, false)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionRefundToPool, res.EscrowAction)
	assert.False(t, res.EligibleForRetender)
	assert.True(t, res.RefundedAmount.Equal(dec("1000")))
}

func TestTerminateDisputeHoldsFunds(t *testing.T) {
	env := newTestEnv(t)
	env.fundPoolContract(t, "c-1")

	res, err := env.terminate("c-1", "dev-1", domain.TerminationDispute, false)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionPendingResolution, res.EscrowAction)
	assert.True(t, res.RefundedAmount.IsZero())
	assert.Equal(t, engine.RefundNone, res.RefundStatus)
	assert.Empty(t, res.ReconciliationID)

	got, err := env.Engine.GetContract(env.Ctx, "c-1", "client-1", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowDisputed, got.EscrowStatus)

	pool, err := env.Engine.Repo.GetPool(env.Ctx, nil, "proj-1")
	require.NoError(t, err)
	assert.True(t, pool.EscrowedBalance.Equal(dec("1000")))
}

func TestTerminateOnlyOnce(t *testing.T) {
	env := newTestEnv(t)
	env.fundPoolContract(t, "c-1")
	_, err := env.terminate("c-1", "client-1", domain.TerminationClientCancel, true)
	require.NoError(t, err)

	_, err = env.terminate("c-1", "client-1", domain.TerminationClientCancel, true)
	assert.ErrorIs(t, err, engine.ErrInvalidState)
	_, err = env.terminate("c-1", "dev-1", domain.TerminationDispute, false)
	assert.ErrorIs(t, err, engine.ErrInvalidState)

	pool, err := env.Engine.Repo.GetPool(env.Ctx, nil, "proj-1")
	require.NoError(t, err)
	assert.True(t, pool.AvailableBalance.Equal(dec("1000")))
}

func TestTerminatePreconditionOrder(t *testing.T) {
	env := newTestEnv(t)
	env.fundPoolContract(t, "c-1")

	_, err := env.Engine.Terminate(env.Ctx, engine.TerminateRequest{ContractID: "c-1", Type: domain.TerminationMutual, Reason: "long enough reason"})
	assert.ErrorIs(t, err, engine.ErrUnauthorized)

	_, err = env.Engine.Terminate(env.Ctx, engine.TerminateRequest{ContractID: "missing", ActorID: "client-1", Type: "bogus", Reason: "x"})
	assert.ErrorIs(t, err, engine.ErrNotFound)

	// A stranger is rejected before type or reason are looked at.
	_, err = env.Engine.Terminate(env.Ctx, engine.TerminateRequest{ContractID: "c-1", ActorID: "stranger", Type: "bogus", Reason: "x"})
	assert.ErrorIs(t, err, engine.ErrForbidden)

	_, err = env.Engine.Terminate(env.Ctx, engine.TerminateRequest{ContractID: "c-1", ActorID: "dev-1", Type: domain.TerminationDeveloperFailure, Reason: "long enough reason"})
	assert.ErrorIs(t, err, engine.ErrForbidden)

	_, err = env.Engine.Terminate(env.Ctx, engine.TerminateRequest{ContractID: "c-1", ActorID: "client-1", Type: "bogus", Reason: "long enough reason"})
	require.ErrorIs(t, err, engine.ErrValidation)
	var engErr *engine.Error
	require.True(t, errors.As(err, &engErr))
	assert.Equal(t, "termination_type", engErr.Details["field"])

	_, err = env.Engine.Terminate(env.Ctx, engine.TerminateRequest{ContractID: "c-1", ActorID: "client-1", Type: domain.TerminationMutual, Reason: "  short  "})
	require.ErrorIs(t, err, engine.ErrValidation)
	require.True(t, errors.As(err, &engErr))
	assert.Equal(t, "reason", engErr.Details["field"])

	_, err = env.terminate("c-1", "client-1", domain.TerminationMutual, false)
	require.NoError(t, err)

	// Once terminated, state is reported ahead of a bad reason.
	_, err = env.Engine.Terminate(env.Ctx, engine.TerminateRequest{ContractID: "c-1", ActorID: "client-1", Type: domain.TerminationMutual, Reason: "x"})
	assert.ErrorIs(t, err, engine.ErrInvalidState)
}

func TestRouteTermination(t *testing.T) {
	pending := dec("250")
	cases := []struct {
		typ    domain.TerminationType
		toPool bool
		amount string
		action domain.EscrowAction
	}{
		{domain.TerminationDeveloperFailure, true, "250", domain.ActionRefundToPool},
		{domain.TerminationDeveloperFailure, false, "250", domain.ActionRefundToPool},
		{domain.TerminationMutual, false, "250", domain.ActionRefundToPool},
		{domain.TerminationClientCancel, false, "250", domain.ActionRefundToClient},
		{domain.TerminationClientCancel, true, "250", domain.ActionRefundToPool},
		{domain.TerminationDispute, true, "0", domain.ActionPendingResolution},
	}
	for _, tc := range cases {
		amount, action := engine.RouteTermination(tc.typ, tc.toPool, pending)
		assert.Equal(t, tc.action, action, "%s/%v", tc.typ, tc.toPool)
		assert.True(t, amount.Equal(dec(tc.amount)), "%s/%v amount %s", tc.typ, tc.toPool, amount)
	}
}

type fakeGateway struct {
	mu       sync.Mutex
	failures int
	keys     []string
}

func (g *fakeGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.keys = append(g.keys, r.Header.Get("Idempotency-Key"))
	if g.failures > 0 {
		g.failures--
		http.Error(w, "processor unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"id":"re_1","status":"canceled"}`))
}

func TestGatewayRefundFailureIsReconciled(t *testing.T) {
	env := newTestEnv(t)
	gw := &fakeGateway{failures: 1}
	srv := httptest.NewServer(gw)
	defer srv.Close()
	env.Engine.Custodian = escrow.Router{
		Pool: escrow.Pool{Ledger: env.Engine.Repo},
		Gateways: map[domain.PaymentMethod]escrow.Custodian{
			domain.PaymentGatewayA: escrow.Gateway{Client: gateway.New("gateway_a", srv.URL, "sk_test", time.Second)},
		},
	}
	_, err := env.Engine.FundContract(env.Ctx, engine.FundContractRequest{
		ID:            "c-gw",
		ActorID:       "client-1",
		DeveloperID:   "dev-1",
		TotalAmount:   dec("1000"),
		PaymentMethod: domain.PaymentGatewayA,
		ProviderRef:   "pi_123",
		Milestones:    []engine.MilestoneSpec{{Title: "All", Amount: dec("1000")}},
	})
	require.NoError(t, err)

	res, err := env.terminate("c-gw", "client-1", domain.TerminationClientCancel, false)
	require.NoError(t, err, "custodian failure must not fail the termination")
	assert.Equal(t, domain.ActionRefundToClient, res.EscrowAction)
	assert.Equal(t, engine.RefundFailed, res.RefundStatus)

	got, err := env.Engine.GetContract(env.Ctx, "c-gw", "client-1", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.ContractTerminated, got.ContractStatus)

	item, err := env.Engine.Repo.GetReconciliation(env.Ctx, nil, res.ReconciliationID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReconciliationFailed, item.Status)
	assert.Equal(t, 1, item.Attempts)
	assert.Contains(t, item.LastError, "503")

	_, err = env.Engine.Reconcile(env.Ctx, item.ID, "ops-1", nil)
	assert.ErrorIs(t, err, engine.ErrForbidden)

	settled, err := env.Engine.Reconcile(env.Ctx, item.ID, "ops-1", []string{"admin"})
	require.NoError(t, err)
	assert.Equal(t, domain.ReconciliationSettled, settled.Status)
	assert.Equal(t, 2, settled.Attempts)

	_, err = env.Engine.Reconcile(env.Ctx, item.ID, "ops-1", []string{"admin"})
	assert.ErrorIs(t, err, engine.ErrInvalidState)

	gw.mu.Lock()
	defer gw.mu.Unlock()
	assert.Equal(t, []string{item.ID, item.ID}, gw.keys)
}

func TestReconcileReportsUpstreamFailure(t *testing.T) {
	env := newTestEnv(t)
	gw := &fakeGateway{failures: 2}
	srv := httptest.NewServer(gw)
	defer srv.Close()
	env.Engine.Custodian = escrow.Router{Gateways: map[domain.PaymentMethod]escrow.Custodian{
		domain.PaymentGatewayB: escrow.Gateway{Client: gateway.New("gateway_b", srv.URL, "", time.Second)},
	}}
	_, err := env.Engine.FundContract(env.Ctx, engine.FundContractRequest{
		ID:            "c-gw",
		ActorID:       "client-1",
		DeveloperID:   "dev-1",
		TotalAmount:   dec("50"),
		PaymentMethod: domain.PaymentGatewayB,
		ProviderRef:   "ch_9",
		Milestones:    []engine.MilestoneSpec{{Title: "All", Amount: dec("50")}},
	})
	require.NoError(t, err)
	res, err := env.terminate("c-gw", "client-1", domain.TerminationClientCancel, false)
	require.NoError(t, err)

	item, err := env.Engine.Reconcile(env.Ctx, res.ReconciliationID, "ops-1", []string{"admin"})
	require.ErrorIs(t, err, engine.ErrUpstream)
	assert.Equal(t, domain.ReconciliationFailed, item.Status)
	assert.Equal(t, 2, item.Attempts)

	items, err := env.Engine.ListReconciliation(env.Ctx, "ops-1", []string{"admin"}, domain.ReconciliationFailed, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, item.ID, items[0].ID)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
	err    error
}

func (n *recordingNotifier) Notify(_ context.Context, evt notify.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, evt)
	return n.err
}

func TestTerminationNotifiesCounterParty(t *testing.T) {
	env := newTestEnv(t)
	rec := &recordingNotifier{err: errors.New("mailer down")}
	env.Engine.Notifier = rec
	env.fundPoolContract(t, "c-1")

	res, err := env.terminate("c-1", "client-1", domain.TerminationMutual, false)
	require.NoError(t, err, "notification failures are not reported to the caller")
	<-res.NotificationDone

	rec.mu.Lock()
	defer rec.mu.Unlock()
	var terminated []notify.Event
	for _, evt := range rec.events {
		if evt.Type == auditlog.TypeContractTerminated {
			terminated = append(terminated, evt)
		}
	}
	require.Len(t, terminated, 1)
	assert.Equal(t, "dev-1", terminated[0].RecipientID)
	assert.Equal(t, "c-1", terminated[0].SubjectID)
}

func (env testEnv) createAgreement(t *testing.T, id, deadline string, tokens ...engine.TokenSpec) domain.InvestorAgreement {
	t.Helper()
	a, err := env.Engine.CreateAgreement(env.Ctx, engine.CreateAgreementRequest{
		ID:                      id,
		ActorID:                 "founder-1",
		InvestorID:              "investor-1",
		Properties:              []string{"acme.io"},
		PerformanceDeadline:     deadline,
		InitialEquityPercentage: dec("20"),
		Tokens:                  tokens,
	})
	require.NoError(t, err)
	return a
}

func TestCreateAgreementDefaults(t *testing.T) {
	env := newTestEnv(t)
	a := env.createAgreement(t, "a-1", "2026-06-30")
	assert.Equal(t, domain.ClawbackActive, a.ClawbackStatus)
	assert.Equal(t, domain.PerformancePending, a.PerformanceStatus)
	assert.Equal(t, "2026-06-30T00:00:00Z", a.PerformanceDeadline)
	assert.True(t, a.CurrentEquityPercentage.Equal(dec("20")))
	require.Len(t, a.PerformanceObligations, 4)
	assert.Equal(t, "$10K+ capital raised", a.PerformanceObligations[domain.ObligationCapitalRaised].Description)
	assert.Empty(t, a.PerformanceObligations.MetKinds())
}

func TestCreateAgreementValidation(t *testing.T) {
	env := newTestEnv(t)
	base := engine.CreateAgreementRequest{
		ActorID:                 "founder-1",
		InvestorID:              "investor-1",
		PerformanceDeadline:     "2026-06-30",
		InitialEquityPercentage: dec("20"),
	}
	cases := map[string]func(r *engine.CreateAgreementRequest){
		"self investment":  func(r *engine.CreateAgreementRequest) { r.InvestorID = "founder-1" },
		"bad deadline":     func(r *engine.CreateAgreementRequest) { r.PerformanceDeadline = "next spring" },
		"zero equity":      func(r *engine.CreateAgreementRequest) { r.InitialEquityPercentage = decimal.Zero },
		"equity over 100":  func(r *engine.CreateAgreementRequest) { r.InitialEquityPercentage = dec("100.5") },
		"met at creation":  func(r *engine.CreateAgreementRequest) { r.Obligations = domain.Obligations{domain.ObligationProRataMatch: {Met: true}} },
		"negative tokens":  func(r *engine.CreateAgreementRequest) { r.Tokens = []engine.TokenSpec{{DomainName: "acme.io", InvestorTokens: dec("-1")}} },
		"unnamed token":    func(r *engine.CreateAgreementRequest) { r.Tokens = []engine.TokenSpec{{InvestorTokens: dec("1")}} },
		"missing investor": func(r *engine.CreateAgreementRequest) { r.InvestorID = " " },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := base
			mutate(&req)
			_, err := env.Engine.CreateAgreement(env.Ctx, req)
			assert.ErrorIs(t, err, engine.ErrValidation)
		})
	}
}

func TestDeriveClawbackStatusPrecedence(t *testing.T) {
	triggeredAt := "2026-02-01T00:00:00Z"
	metAll := domain.Obligations{domain.ObligationCapitalRaised: {Met: true}}
	cases := []struct {
		name  string
		a     domain.InvestorAgreement
		code  engine.Kind
		can   bool
		days  int
		label string
	}{
		{
			name: "executed beats everything",
			a:    domain.InvestorAgreement{ClawbackStatus: domain.ClawbackTriggered, ClawbackTriggeredAt: &triggeredAt, PerformanceObligations: metAll, PerformanceDeadline: "2026-12-01"},
			code: engine.KindAlreadyExecuted, days: 275,
		},
		{
			name: "waived beats met and deadline",
			a:    domain.InvestorAgreement{ClawbackStatus: domain.ClawbackWaived, PerformanceObligations: metAll, PerformanceDeadline: "2026-12-01"},
			code: engine.KindAlreadyWaived, days: 275,
		},
		{
			name: "met beats deadline",
			a:    domain.InvestorAgreement{ClawbackStatus: domain.ClawbackActive, PerformanceObligations: metAll, PerformanceDeadline: "2026-12-01"},
			code: engine.KindObligationsMet, days: 275,
		},
		{
			name: "unparseable deadline",
			a:    domain.InvestorAgreement{ClawbackStatus: domain.ClawbackActive, PerformanceDeadline: "soon"},
			code: engine.KindInvalidState,
		},
		{
			name: "deadline pending",
			a:    domain.InvestorAgreement{ClawbackStatus: domain.ClawbackActive, PerformanceDeadline: "2026-03-04"},
			code: engine.KindDeadlinePending, days: 3,
		},
		{
			name: "deadline passed",
			a:    domain.InvestorAgreement{ClawbackStatus: domain.ClawbackActive, PerformanceDeadline: "2026-02-27T12:00:00Z"},
			can:  true, days: -2,
		},
		{
			name: "deadline today",
			a:    domain.InvestorAgreement{ClawbackStatus: domain.ClawbackActive, PerformanceDeadline: "2026-03-01T12:00:00Z"},
			can:  true, days: 0,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := engine.DeriveClawbackStatus(tc.a, fixedNow)
			assert.Equal(t, tc.can, v.CanExecuteClawback)
			assert.Equal(t, tc.code, v.BlockedCode)
			assert.Equal(t, tc.days, v.DaysUntilDeadline)
			if !tc.can {
				assert.NotEmpty(t, v.BlockedReason)
			}
		})
	}
}

func TestDaysUntil(t *testing.T) {
	assert.Equal(t, 3, engine.DaysUntil(time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC), fixedNow))
	assert.Equal(t, 1, engine.DaysUntil(fixedNow.Add(time.Minute), fixedNow))
	assert.Equal(t, 0, engine.DaysUntil(fixedNow, fixedNow))
	assert.Equal(t, 0, engine.DaysUntil(fixedNow.Add(-time.Hour), fixedNow))
	assert.Equal(t, -1, engine.DaysUntil(fixedNow.Add(-36*time.Hour), fixedNow))
}

func TestTriggerClawbackForfeitsEquityAndTokens(t *testing.T) {
	env := newTestEnv(t)
	env.createAgreement(t, "a-1", "2026-01-01",
		engine.TokenSpec{DomainName: "acme.io", TokenSymbol: "ACME", InvestorTokens: dec("5000")},
		engine.TokenSpec{DomainName: "beta.io", TokenSymbol: "BETA", InvestorTokens: dec("10")},
	)

	_, err := env.Engine.TriggerClawback(env.Ctx, "a-1", "investor-1", "missed every obligation")
	assert.ErrorIs(t, err, engine.ErrForbidden)
	_, err = env.Engine.TriggerClawback(env.Ctx, "a-1", "founder-1", "   ")
	assert.ErrorIs(t, err, engine.ErrValidation)
	_, err = env.Engine.TriggerClawback(env.Ctx, "nope", "founder-1", "reason")
	assert.ErrorIs(t, err, engine.ErrNotFound)

	res, err := env.Engine.TriggerClawback(env.Ctx, "a-1", "founder-1", "missed every obligation")
	require.NoError(t, err)
	<-res.NotificationDone
	assert.Equal(t, int64(2), res.ForfeitedTokens)
	assert.True(t, res.PriorEquityPercentage.Equal(dec("20")))
	assert.Equal(t, "2026-03-01T12:00:00Z", res.TriggeredAt)
	assert.Equal(t, domain.ClawbackTriggered, res.Agreement.ClawbackStatus)
	assert.Equal(t, domain.PerformanceFailed, res.Agreement.PerformanceStatus)
	assert.True(t, res.Agreement.CurrentEquityPercentage.IsZero())
	assert.True(t, res.Agreement.InitialEquityPercentage.Equal(dec("20")))
	for _, tok := range res.Agreement.Tokens {
		assert.Equal(t, domain.TokenForfeited, tok.TokenStatus)
		assert.Equal(t, "missed every obligation", tok.ForfeitedReason)
	}

	_, err = env.Engine.TriggerClawback(env.Ctx, "a-1", "founder-1", "again")
	assert.ErrorIs(t, err, engine.ErrAlreadyExecuted)

	_, err = env.Engine.MarkObligationMet(env.Ctx, engine.MarkObligationRequest{AgreementID: "a-1", ActorID: "investor-1", Kind: "option_a"})
	assert.ErrorIs(t, err, engine.ErrAlreadyExecuted)

	page, err := env.Engine.ListLogs(env.Ctx, "investor-1", nil, auditlog.Filter{SubjectKind: auditlog.SubjectAgreement, SubjectID: "a-1", LogType: auditlog.TypeClawback})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Contains(t, page.Items[0].Metadata, `"prior_equity_percentage":"20"`)
}

func TestClawbackBlockedUntilDeadline(t *testing.T) {
	env := newTestEnv(t)
	env.createAgreement(t, "a-1", "2026-03-04")

	_, err := env.Engine.TriggerClawback(env.Ctx, "a-1", "founder-1", "impatient")
	require.ErrorIs(t, err, engine.ErrDeadlinePending)
	var engErr *engine.Error
	require.True(t, errors.As(err, &engErr))
	assert.Equal(t, "3 days remaining until performance deadline", engErr.Message)
	assert.Equal(t, 3, engErr.Details["days_until_deadline"])

	v, err := env.Engine.ClawbackStatus(env.Ctx, "a-1", "investor-1")
	require.NoError(t, err)
	assert.False(t, v.CanExecuteClawback)
	assert.Equal(t, engine.KindDeadlinePending, v.BlockedCode)

	_, err = env.Engine.ClawbackStatus(env.Ctx, "a-1", "stranger")
	assert.ErrorIs(t, err, engine.ErrForbidden)
}

func TestMarkObligationMetWaivesClawback(t *testing.T) {
	env := newTestEnv(t)
	env.createAgreement(t, "a-1", "2026-01-01")

	_, err := env.Engine.MarkObligationMet(env.Ctx, engine.MarkObligationRequest{AgreementID: "a-1", ActorID: "stranger", Kind: "option_b"})
	assert.ErrorIs(t, err, engine.ErrForbidden)
	_, err = env.Engine.MarkObligationMet(env.Ctx, engine.MarkObligationRequest{AgreementID: "a-1", ActorID: "investor-1", Kind: "option_z"})
	assert.ErrorIs(t, err, engine.ErrValidation)

	a, err := env.Engine.MarkObligationMet(env.Ctx, engine.MarkObligationRequest{
		AgreementID: "a-1",
		ActorID:     "investor-1",
		Kind:        "option_b",
		Evidence:    "timesheets-q1",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ClawbackWaived, a.ClawbackStatus)
	assert.Equal(t, domain.PerformanceMet, a.PerformanceStatus)
	ob := a.PerformanceObligations[domain.ObligationDevelopmentWork]
	assert.True(t, ob.Met)
	assert.Equal(t, "timesheets-q1", ob.Evidence)
	require.NotNil(t, ob.MetAt)

	again, err := env.Engine.MarkObligationMet(env.Ctx, engine.MarkObligationRequest{AgreementID: "a-1", ActorID: "founder-1", Kind: "option_b"})
	require.NoError(t, err)
	assert.Equal(t, "timesheets-q1", again.PerformanceObligations[domain.ObligationDevelopmentWork].Evidence)

	v, err := env.Engine.ClawbackStatus(env.Ctx, "a-1", "founder-1")
	require.NoError(t, err)
	assert.Equal(t, engine.KindAlreadyWaived, v.BlockedCode)
	assert.Equal(t, []domain.ObligationKind{domain.ObligationDevelopmentWork}, v.ObligationsMet)

	_, err = env.Engine.TriggerClawback(env.Ctx, "a-1", "founder-1", "too late")
	assert.ErrorIs(t, err, engine.ErrAlreadyWaived)

	page, err := env.Engine.ListLogs(env.Ctx, "founder-1", nil, auditlog.Filter{SubjectKind: auditlog.SubjectAgreement, SubjectID: "a-1"})
	require.NoError(t, err)
	var types []string
	for _, l := range page.Items {
		types = append(types, l.LogType)
	}
	assert.Equal(t, []string{auditlog.TypeClawbackWaived, auditlog.TypeObligationMet, auditlog.TypeAgreementCreated}, types)
}

func TestListLogsAccess(t *testing.T) {
	env := newTestEnv(t)
	env.fundPoolContract(t, "c-1")

	_, err := env.Engine.ListLogs(env.Ctx, "", nil, auditlog.Filter{})
	assert.ErrorIs(t, err, engine.ErrUnauthorized)
	_, err = env.Engine.ListLogs(env.Ctx, "stranger", nil, auditlog.Filter{SubjectKind: auditlog.SubjectContract, SubjectID: "c-1"})
	assert.ErrorIs(t, err, engine.ErrForbidden)
	_, err = env.Engine.ListLogs(env.Ctx, "client-1", nil, auditlog.Filter{})
	assert.ErrorIs(t, err, engine.ErrForbidden)
	_, err = env.Engine.ListLogs(env.Ctx, "client-1", nil, auditlog.Filter{SubjectKind: "task", SubjectID: "c-1"})
	assert.ErrorIs(t, err, engine.ErrValidation)

	page, err := env.Engine.ListLogs(env.Ctx, "auditor", []string{"admin"}, auditlog.Filter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, page.Items[0].ID, page.NextCursor)
}

func TestDepositToPoolRequiresAdmin(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.DepositToPool(env.Ctx, "proj-9", dec("10"), "client-1", nil)
	assert.ErrorIs(t, err, engine.ErrForbidden)
	_, err = env.Engine.DepositToPool(env.Ctx, "proj-9", dec("-1"), "ops-1", []string{"admin"})
	assert.ErrorIs(t, err, engine.ErrValidation)

	pool, err := env.Engine.DepositToPool(env.Ctx, "proj-9", dec("10"), "ops-1", []string{"admin"})
	require.NoError(t, err)
	assert.True(t, pool.AvailableBalance.Equal(dec("10")))

	_, err = env.Engine.GetPool(env.Ctx, "proj-missing", "ops-1")
	assert.ErrorIs(t, err, engine.ErrNotFound)
}

func TestListContractsScopesToParties(t *testing.T) {
	env := newTestEnv(t)
	env.fundPoolContract(t, "c-1")

	mine, err := env.Engine.ListContracts(env.Ctx, "dev-1", nil, repo.ContractFilters{})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "c-1", mine[0].ID)

	none, err := env.Engine.ListContracts(env.Ctx, "stranger", nil, repo.ContractFilters{})
	require.NoError(t, err)
	assert.Empty(t, none)

	all, err := env.Engine.ListContracts(env.Ctx, "ops", []string{"admin"}, repo.ContractFilters{Status: domain.ContractActive})
	require.NoError(t, err)
	assert.Len(t, all, 1)

	_, err = env.Engine.ListContracts(env.Ctx, "", nil, repo.ContractFilters{})
	assert.ErrorIs(t, err, engine.ErrUnauthorized)
}

func TestConcurrentTerminateSettlesOnce(t *testing.T) {
	env := newTestEnv(t)
	env.fundPoolContract(t, "c-1")

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.terminate("c-1", "client-1", domain.TerminationDeveloperFailure, true)
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, engine.ErrInvalidState)
	}
	assert.Equal(t, 1, ok)

	pool, err := env.Engine.Repo.GetPool(env.Ctx, nil, "proj-1")
	require.NoError(t, err)
	assert.True(t, pool.AvailableBalance.Equal(dec("1000")), "available %s", pool.AvailableBalance)
	assert.True(t, pool.EscrowedBalance.IsZero())

	items, err := env.Engine.ListReconciliation(env.Ctx, "ops-1", []string{"admin"}, "", 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, domain.ReconciliationSettled, items[0].Status)

	page, err := env.Engine.ListLogs(env.Ctx, "client-1", nil, auditlog.Filter{SubjectKind: auditlog.SubjectContract, SubjectID: "c-1", LogType: auditlog.TypeContractTerminated})
	require.NoError(t, err)
	assert.Len(t, page.Items, 1)
}

func TestMilestoneCompletionRacingTermination(t *testing.T) {
	env := newTestEnv(t)
	ids := []string{"c-1", "c-2", "c-3", "c-4", "c-5", "c-6"}
	contracts := make(map[string]domain.Contract, len(ids))
	for _, id := range ids {
		contracts[id] = env.fundPoolContract(t, id)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	completed := map[string]bool{}
	for _, id := range ids {
		wg.Add(2)
		go func(c domain.Contract) {
			defer wg.Done()
			_, err := env.Engine.CompleteMilestone(env.Ctx, c.ID, c.Milestones[0].ID, "client-1")
			if err != nil {
				assert.ErrorIs(t, err, engine.ErrInvalidState)
				return
			}
			mu.Lock()
			completed[c.ID] = true
			mu.Unlock()
		}(contracts[id])
		go func(id string) {
			defer wg.Done()
			_, err := env.terminate(id, "client-1", domain.TerminationDeveloperFailure, true)
			assert.NoError(t, err)
		}(id)
	}
	wg.Wait()

	refunded := decimal.Zero
	for _, id := range ids {
		term, err := env.Engine.Repo.GetTerminationByContract(env.Ctx, nil, id)
		require.NoError(t, err)
		want := dec("1000")
		if completed[id] {
			want = dec("600")
			assert.True(t, term.ReleasedAmountUSD.Equal(dec("400")), "%s released %s", id, term.ReleasedAmountUSD)
		}
		assert.True(t, term.RefundedAmountUSD.Equal(want), "%s refunded %s", id, term.RefundedAmountUSD)
		refunded = refunded.Add(term.RefundedAmountUSD)

		alloc, err := env.Engine.Repo.GetAllocationByContract(env.Ctx, nil, id)
		require.NoError(t, err)
		assert.Equal(t, domain.AllocationRefunded, alloc.Status)
	}

	pool, err := env.Engine.Repo.GetPool(env.Ctx, nil, "proj-1")
	require.NoError(t, err)
	assert.True(t, pool.EscrowedBalance.IsZero(), "escrowed %s", pool.EscrowedBalance)
	assert.True(t, pool.AvailableBalance.Equal(refunded), "available %s, refunded %s", pool.AvailableBalance, refunded)
}

func TestConcurrentTriggerClawbackExecutesOnce(t *testing.T) {
	env := newTestEnv(t)
	env.createAgreement(t, "a-1", "2026-01-01",
		engine.TokenSpec{DomainName: "acme.io", TokenSymbol: "ACME", InvestorTokens: dec("5000")},
		engine.TokenSpec{DomainName: "beta.io", TokenSymbol: "BETA", InvestorTokens: dec("10")},
	)

	const n = 8
	var wg sync.WaitGroup
	results := make([]engine.ClawbackResult, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = env.Engine.TriggerClawback(env.Ctx, "a-1", "founder-1", "missed every obligation")
			if errs[i] == nil {
				<-results[i].NotificationDone
			}
		}(i)
	}
	wg.Wait()

	ok := 0
	var forfeited int64
	for i, err := range errs {
		if err == nil {
			ok++
			forfeited += results[i].ForfeitedTokens
			continue
		}
		assert.ErrorIs(t, err, engine.ErrAlreadyExecuted)
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, int64(2), forfeited)

	page, err := env.Engine.ListLogs(env.Ctx, "investor-1", nil, auditlog.Filter{SubjectKind: auditlog.SubjectAgreement, SubjectID: "a-1", LogType: auditlog.TypeClawback})
	require.NoError(t, err)
	assert.Len(t, page.Items, 1)
}

func TestTriggerClawbackBlockedByMetObligation(t *testing.T) {
	env := newTestEnv(t)
	metAt := "2026-02-01T00:00:00Z"
	err := env.Engine.Repo.InsertAgreement(env.Ctx, nil, domain.InvestorAgreement{
		ID:         "a-1",
		InvestorID: "investor-1",
		FounderID:  "founder-1",
		Properties: []string{"acme.io"},
		PerformanceObligations: domain.Obligations{
			domain.ObligationCapitalRaised:   {Description: "$10K+ capital raised", Met: true, MetAt: &metAt, Evidence: "wire-2291"},
			domain.ObligationDevelopmentWork: {Description: "development work"},
		},
		PerformanceDeadline:     "2026-01-01T00:00:00Z",
		PerformanceStatus:       domain.PerformancePending,
		ClawbackStatus:          domain.ClawbackActive,
		InitialEquityPercentage: dec("20"),
		CurrentEquityPercentage: dec("20"),
		CreatedAt:               "2025-06-01T00:00:00Z",
		UpdatedAt:               "2025-06-01T00:00:00Z",
	})
	require.NoError(t, err)
	require.NoError(t, env.Engine.Repo.InsertToken(env.Ctx, nil, domain.DomainExitToken{
		ID:             "tok-1",
		AgreementID:    "a-1",
		DomainName:     "acme.io",
		TokenSymbol:    "ACME",
		InvestorTokens: dec("5000"),
		TokenStatus:    domain.TokenHeld,
	}))

	_, err = env.Engine.TriggerClawback(env.Ctx, "a-1", "founder-1", "no visible progress")
	require.ErrorIs(t, err, engine.ErrObligationsMet)
	var engErr *engine.Error
	require.True(t, errors.As(err, &engErr))
	assert.Equal(t, []domain.ObligationKind{domain.ObligationCapitalRaised}, engErr.Details["obligations_met"])

	a, err := env.Engine.Repo.GetAgreement(env.Ctx, nil, "a-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ClawbackActive, a.ClawbackStatus)
	assert.True(t, a.CurrentEquityPercentage.Equal(dec("20")))
	assert.Nil(t, a.ClawbackTriggeredAt)
	require.Len(t, a.Tokens, 1)
	assert.Equal(t, domain.TokenHeld, a.Tokens[0].TokenStatus)
	assert.Empty(t, a.Tokens[0].ForfeitedReason)

	page, err := env.Engine.ListLogs(env.Ctx, "founder-1", nil, auditlog.Filter{SubjectKind: auditlog.SubjectAgreement, SubjectID: "a-1", LogType: auditlog.TypeClawback})
	require.NoError(t, err)
	assert.Empty(t, page.Items)
}

func TestConcurrentDepositsAreAllCredited(t *testing.T) {
	env := newTestEnv(t)
	admin := []string{"admin"}

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.Engine.DepositToPool(env.Ctx, "proj-1", dec("1"), "ops-1", admin)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	pool, err := env.Engine.GetPool(env.Ctx, "proj-1", "ops-1")
	require.NoError(t, err)
	assert.True(t, pool.AvailableBalance.Equal(dec("50")), "available %s", pool.AvailableBalance)

	page, err := env.Engine.ListLogs(env.Ctx, "ops-1", admin, auditlog.Filter{SubjectKind: auditlog.SubjectPool, SubjectID: "proj-1"})
	require.NoError(t, err)
	require.Len(t, page.Items, n)
	for _, l := range page.Items {
		assert.Equal(t, auditlog.TypePoolDeposit, l.LogType)
		assert.Equal(t, "ops-1", l.ActorID)
	}
	assert.Contains(t, page.Items[0].Metadata, `"available_balance":"50.00"`)

	_, err = env.Engine.ListLogs(env.Ctx, "client-1", nil, auditlog.Filter{SubjectKind: auditlog.SubjectPool, SubjectID: "proj-1"})
	assert.ErrorIs(t, err, engine.ErrForbidden)
	_, err = env.Engine.DepositToPool(env.Ctx, "proj-1", dec("1"), "client-1", nil)
	assert.ErrorIs(t, err, engine.ErrForbidden)
}
