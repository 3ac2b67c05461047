package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"custodyline/internal/config"
	"custodyline/internal/db"
	"custodyline/internal/domain"
	"custodyline/internal/engine"
	"custodyline/internal/migrate"
	"custodyline/internal/repo"
)

const testSecret = "test-secret"

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	require.NoError(t, err, "open db")
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err, "migrate")
	e := engine.New(conn, config.Default())
	e.Now = func() time.Time { return testNow }
	handler, err := New(Config{Engine: e, BasePath: "/v1", Auth: AuthConfig{JWTSecret: testSecret}})
	require.NoError(t, err, "build handler")
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err, "listen")
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func bearer(t *testing.T, actorID string, roles ...string) map[string]string {
	t.Helper()
	token, err := SignToken(testSecret, actorID, roles, time.Hour)
	require.NoError(t, err)
	return map[string]string{"Authorization": "Bearer " + token}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err, "marshal body")
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err, "new request")
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	require.NoError(t, err, "do request")
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err, "read body")
	return res, data
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeError(t *testing.T, data []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env
}

func fundPoolContract(t *testing.T, srv *testServer, id string) ContractResponse {
	t.Helper()
	_, err := srv.Engine.Repo.DepositToPool(context.Background(), nil, "proj-1", decimal.NewFromInt(1000), testNow.Format(time.RFC3339))
	require.NoError(t, err)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/contracts", map[string]any{
		"id":             id,
		"project_id":     "proj-1",
		"client_id":      "client-1",
		"developer_id":   "dev-1",
		"total_amount":   "1000",
		"payment_method": "pool",
		"milestones": []map[string]any{
			{"title": "Design", "amount": "400"},
			{"title": "Build", "amount": "600"},
		},
	}, bearer(t, "client-1"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var c ContractResponse
	require.NoError(t, json.Unmarshal(data, &c))
	return c
}

func TestHealthIsPublic(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(data))
}

func TestAuthenticationRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/contracts/c-1", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "unauthorized", decodeError(t, data).Error.Code)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/contracts/c-1", nil, map[string]string{"Authorization": "Bearer not-a-jwt"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "invalid_credentials", decodeError(t, data).Error.Code)

	forged, err := SignToken("other-secret", "client-1", nil, time.Hour)
	require.NoError(t, err)
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"Authorization": "Bearer " + forged})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestTerminateDeveloperFailureRefundsPool(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	c := fundPoolContract(t, srv, "c-1")
	require.Len(t, c.Milestones, 2)

	res, data := doJSON(t, srv.Client(), http.MethodPost,
		srv.URL+"/v1/contracts/c-1/milestones/"+c.Milestones[0].ID+"/complete", nil, bearer(t, "client-1"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/contracts/c-1/terminate", map[string]any{
		"termination_type": "developer_failure",
		"reason":           "developer stopped responding for three weeks",
		"refund_to_pool":   true,
	}, bearer(t, "client-1"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var out TerminationResultResponse
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, "400.00", out.CompletedAmount)
	assert.Equal(t, "600.00", out.RefundedAmount)
	assert.Equal(t, string(domain.ActionRefundToPool), out.EscrowAction)
	assert.True(t, out.EligibleForRetender)
	assert.Equal(t, "settled", out.RefundStatus)
	assert.Equal(t, "client-1", out.Termination.InitiatedBy)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/pools/proj-1", nil, bearer(t, "client-1"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var pool PoolResponse
	require.NoError(t, json.Unmarshal(data, &pool))
	assert.Equal(t, "600.00", pool.AvailableBalance)
	assert.Equal(t, "0.00", pool.EscrowedBalance)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/contracts/c-1", nil, bearer(t, "dev-1"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var got ContractResponse
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "terminated", got.ContractStatus)
	assert.Equal(t, "refunded", got.EscrowStatus)
}

func TestTerminateErrorMapping(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	fundPoolContract(t, srv, "c-2")
	terminate := func(actor, id, typ, reason string) (*http.Response, errorEnvelope) {
		res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/contracts/"+id+"/terminate", map[string]any{
			"termination_type": typ,
			"reason":           reason,
		}, bearer(t, actor))
		if res.StatusCode == http.StatusOK {
			return res, errorEnvelope{}
		}
		return res, decodeError(t, data)
	}

	res, env := terminate("client-1", "missing", "mutual", "both sides agreed to stop")
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "not_found", env.Error.Code)

	res, env = terminate("stranger", "c-2", "mutual", "both sides agreed to stop")
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
	assert.Equal(t, "forbidden", env.Error.Code)

	res, _ = terminate("dev-1", "c-2", "client_cancel", "client changed their mind")
	assert.Equal(t, http.StatusForbidden, res.StatusCode)

	// Unknown types reach the engine, so party checks come first.
	res, env = terminate("stranger", "c-2", "abandoned", "both sides agreed to stop")
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
	assert.Equal(t, "forbidden", env.Error.Code)

	res, env = terminate("client-1", "c-2", "abandoned", "both sides agreed to stop")
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "validation_failed", env.Error.Code)
	assert.Equal(t, "termination_type", env.Error.Details["field"])

	res, env = terminate("client-1", "c-2", "", "both sides agreed to stop")
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "termination_type", env.Error.Details["field"])

	res, env = terminate("client-1", "c-2", "mutual", "too short")
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "validation_failed", env.Error.Code)
	assert.Equal(t, "reason", env.Error.Details["field"])

	res, _ = terminate("dev-1", "c-2", "dispute", "scope of the second milestone is contested")
	require.Equal(t, http.StatusOK, res.StatusCode)

	res, env = terminate("client-1", "c-2", "mutual", "both sides agreed to stop")
	assert.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, "invalid_state", env.Error.Code)
}

func createAgreement(t *testing.T, srv *testServer, id, deadline string) {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/agreements", map[string]any{
		"id":                        id,
		"investor_id":               "investor-1",
		"properties":                []string{"example.com"},
		"performance_deadline":      deadline,
		"initial_equity_percentage": "20",
		"domain_exit_tokens": []map[string]any{
			{"domain_name": "example.com", "token_symbol": "EXM", "investor_tokens": "5000"},
		},
	}, bearer(t, "founder-1"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
}

func TestClawbackLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	createAgreement(t, srv, "agr-1", "2026-01-01")

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/agreements/agr-1/clawback", nil, bearer(t, "investor-1"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var status ClawbackStatusResponse
	require.NoError(t, json.Unmarshal(data, &status))
	assert.True(t, status.CanExecuteClawback)
	assert.Empty(t, status.ObligationsMet)

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/agreements/agr-1/clawback",
		map[string]any{"reason": "no obligation met by the deadline"}, bearer(t, "investor-1"))
	assert.Equal(t, http.StatusForbidden, res.StatusCode, string(data))

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/agreements/agr-1/clawback",
		map[string]any{"reason": "no obligation met by the deadline"}, bearer(t, "founder-1"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var result ClawbackResultResponse
	require.NoError(t, json.Unmarshal(data, &result))
	assert.Equal(t, int64(1), result.ForfeitedTokens)
	assert.Equal(t, "20", result.PriorEquityPercentage)
	assert.Equal(t, "0", result.Agreement.CurrentEquityPercentage)
	assert.Equal(t, "triggered", result.Agreement.ClawbackStatus)
	require.Len(t, result.Agreement.Tokens, 1)
	assert.Equal(t, "forfeited", result.Agreement.Tokens[0].TokenStatus)

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/agreements/agr-1/clawback",
		map[string]any{"reason": "again"}, bearer(t, "founder-1"))
	assert.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, "already_executed", decodeError(t, data).Error.Code)
}

func TestClawbackBlockedReasons(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	createAgreement(t, srv, "agr-early", "2026-03-04")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/agreements/agr-early/clawback",
		map[string]any{"reason": "impatient"}, bearer(t, "founder-1"))
	require.Equal(t, http.StatusConflict, res.StatusCode)
	env := decodeError(t, data)
	assert.Equal(t, "deadline_pending", env.Error.Code)
	assert.Equal(t, "3 days remaining until performance deadline", env.Error.Message)
	assert.EqualValues(t, 3, env.Error.Details["days_until_deadline"])

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/agreements/agr-early/obligations/option_a/met",
		map[string]any{"evidence": "wire receipt 2291"}, bearer(t, "investor-1"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var a AgreementResponse
	require.NoError(t, json.Unmarshal(data, &a))
	assert.Equal(t, "waived", a.ClawbackStatus)
	assert.True(t, a.PerformanceObligations["option_a"].Met)

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/agreements/agr-early/clawback",
		map[string]any{"reason": "impatient"}, bearer(t, "founder-1"))
	require.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, "already_waived", decodeError(t, data).Error.Code)
}

func TestReconciliationRequiresAdmin(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/reconciliation", nil, bearer(t, "client-1"))
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
	assert.Equal(t, "forbidden", decodeError(t, data).Error.Code)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/reconciliation?status=failed", nil, bearer(t, "ops", "admin"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var list reconciliationList
	require.NoError(t, json.Unmarshal(data, &list))
	assert.Empty(t, list.Items)
}

func TestAPIKeyCarriesLedgerRoles(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()
	now := testNow.Format(time.RFC3339)
	require.NoError(t, srv.Engine.Repo.InsertAPIKey(ctx, nil, domain.APIKey{
		ID:        "key-1",
		ActorID:   "ops",
		Name:      "ops laptop",
		KeyHash:   repo.HashAPIKey("raw-key-1"),
		CreatedAt: now,
	}))
	require.NoError(t, srv.Engine.Repo.AssignRole(ctx, nil, "ops", "admin", now))

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"X-Api-Key": "raw-key-1"})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var who WhoAmIResponse
	require.NoError(t, json.Unmarshal(data, &who))
	assert.Equal(t, "ops", who.ActorID)
	assert.Equal(t, "api_key", who.Source)
	assert.Contains(t, who.Roles, "admin")

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"X-Api-Key": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestLogsVisibleToParties(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	fundPoolContract(t, srv, "c-3")

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/logs?subject_kind=contract&subject_id=c-3", nil, bearer(t, "dev-1"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var page paginatedLogs
	require.NoError(t, json.Unmarshal(data, &page))
	require.Len(t, page.Items, 1)
	assert.Equal(t, "contract.funded", page.Items[0].LogType)
	assert.Equal(t, "pool", page.Items[0].Metadata["payment_method"])

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/logs", nil, bearer(t, "dev-1"))
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
}
