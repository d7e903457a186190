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

	"github.com/golang-jwt/jwt/v5"

	"escrowline/internal/config"
	"escrowline/internal/db"
	"escrowline/internal/domain"
	"escrowline/internal/engine"
	"escrowline/internal/ledger"
	"escrowline/internal/migrate"
)

const testJWTSecret = "test-secret"

type testServer struct {
	URL    string
	Ledger *ledger.Memory
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("escrowline")
	cfg.Settlement.BackoffBaseMS = 1
	cfg.Settlement.BackoffMaxMS = 2
	cfg.Settlement.ConfirmPollMS = 1
	lgr := ledger.NewMemory()
	e := engine.New(conn, cfg, lgr)
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth: AuthConfig{
			JWTSecret:              testJWTSecret,
			AllowLegacyActorHeader: true,
		},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Ledger: lgr,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if headers == nil {
		req.Header.Set("X-Actor-Id", "alice")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env.Error.Code
}

func createEscrowHTTP(t *testing.T, srv *testServer, body map[string]any) domain.Escrow {
	t.Helper()
	defaults := map[string]any{
		"requester":         "alice",
		"requester_account": "acct-alice",
		"expected_tasks":    1,
		"task_reward":       10,
		"min_funding":       10,
		"oracles": []map[string]any{
			{"id": "o1", "account": "acct-o1", "weight": 1},
			{"id": "o2", "account": "acct-o2", "weight": 1},
		},
	}
	for k, v := range body {
		defaults[k] = v
	}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/escrows", defaults, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create escrow status %d: %s", res.StatusCode, string(data))
	}
	var esc domain.Escrow
	if err := json.Unmarshal(data, &esc); err != nil {
		t.Fatalf("unmarshal escrow: %v", err)
	}
	return esc
}

func TestEscrowSettlementFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	esc := createEscrowHTTP(t, srv, nil)
	if esc.State != "launched" {
		t.Fatalf("expected launched, got %s", esc.State)
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/escrows/"+esc.ID+"/fund", map[string]any{
		"amount": 10, "tx_ref": "dep-1",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("fund status %d: %s", res.StatusCode, string(data))
	}
	var funded domain.Escrow
	_ = json.Unmarshal(data, &funded)
	if funded.State != "pending" || funded.Balance != 10 {
		t.Fatalf("expected pending/10, got %s/%d", funded.State, funded.Balance)
	}

	for _, oracle := range []string{"o1", "o2"} {
		res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/escrows/"+esc.ID+"/results", map[string]any{
			"worker_id":      "w1",
			"worker_account": "acct-w1",
			"oracle_id":      oracle,
			"payload":        "labels-ok",
		}, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("submit %s status %d: %s", oracle, res.StatusCode, string(data))
		}
	}
	var result domain.Result
	_ = json.Unmarshal(data, &result)
	if result.Status != "validated" {
		t.Fatalf("expected validated after quorum, got %s", result.Status)
	}

	srv.Ledger.Credit(esc.EscrowAcct, 10)
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/escrows/"+esc.ID+"/settle", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("settle status %d: %s", res.StatusCode, string(data))
	}
	var plan domain.PayoutPlan
	_ = json.Unmarshal(data, &plan)
	if plan.Status != "settled" || plan.Total != 10 {
		t.Fatalf("plan %s total %d", plan.Status, plan.Total)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/escrows/"+esc.ID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get escrow status %d: %s", res.StatusCode, string(data))
	}
	var status struct {
		Escrow    domain.Escrow `json:"escrow"`
		PaidTotal int64         `json:"paid_total"`
	}
	if err := json.Unmarshal(data, &status); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if status.Escrow.State != "paid" || status.PaidTotal != 10 {
		t.Fatalf("expected paid/10, got %s/%d", status.Escrow.State, status.PaidTotal)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/escrows/"+esc.ID+"/plans/"+plan.ID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get plan status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/escrows/"+esc.ID+"/complete", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete status %d: %s", res.StatusCode, string(data))
	}
	var done domain.Escrow
	_ = json.Unmarshal(data, &done)
	if done.State != "complete" {
		t.Fatalf("expected complete, got %s", done.State)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?escrow_id="+esc.ID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var events []domain.Event
	if err := json.Unmarshal(data, &events); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(events) < 5 {
		t.Fatalf("expected a full audit trail, got %d events", len(events))
	}
}

func TestErrorCodes(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/escrows/nope/fund", map[string]any{"amount": 5}, nil)
	if res.StatusCode != http.StatusNotFound || errorCode(t, data) != "not_found" {
		t.Fatalf("expected 404 not_found, got %d %s", res.StatusCode, string(data))
	}

	esc := createEscrowHTTP(t, srv, nil)
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/escrows/"+esc.ID+"/fund", map[string]any{"amount": 10}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("fund: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/escrows/"+esc.ID+"/results", map[string]any{
		"worker_id": "w1", "worker_account": "acct-w1", "oracle_id": "intruder", "payload": "x",
	}, nil)
	if res.StatusCode != http.StatusForbidden || errorCode(t, data) != "unauthorized_oracle" {
		t.Fatalf("expected 403 unauthorized_oracle, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/escrows/"+esc.ID+"/cancel", nil, map[string]string{"X-Actor-Id": "mallory"})
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "state_conflict" {
		t.Fatalf("expected 409 state_conflict, got %d %s", res.StatusCode, string(data))
	}

	// Split vote across the whole oracle set disputes the result.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/escrows/"+esc.ID+"/results", map[string]any{
		"worker_id": "w1", "worker_account": "acct-w1", "oracle_id": "o1", "payload": "version-a",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("first vote: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/escrows/"+esc.ID+"/results", map[string]any{
		"worker_id": "w1", "worker_account": "acct-w1", "oracle_id": "o2", "payload": "version-b",
	}, nil)
	if res.StatusCode != http.StatusUnprocessableEntity || errorCode(t, data) != "disputed" {
		t.Fatalf("expected 422 disputed, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/escrows/"+esc.ID+"/settle", nil, nil)
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "state_conflict" {
		t.Fatalf("settle with nothing validated should 409, got %d %s", res.StatusCode, string(data))
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/escrows", nil, map[string]string{})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d %s", res.StatusCode, string(data))
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, map[string]string{})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should not require auth, got %d", res.StatusCode)
	}
}

func TestJWTAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	claims := jwt.RegisteredClaims{
		Subject:   "svc-requester",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/escrows", nil, map[string]string{
		"Authorization": "Bearer " + token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("jwt list escrows: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/escrows", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a bad token, got %d %s", res.StatusCode, string(data))
	}
}
