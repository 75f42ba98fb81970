package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/agentwallet/internal/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal config for testing. No DATABASE_URL, so
// the server runs on in-memory stores; no rails configured.
func testConfig() *config.Config {
	return &config.Config{
		Port:                  "0",
		Env:                   "development",
		LogLevel:              "error",
		RateLimitRPS:          1000,
		DeadmanSweepSeconds:   30,
		MatviewRefreshSeconds: 300,
		PartitionCheckSeconds: 3600,
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig())
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return s
}

// do issues a request against the router, with an optional API key.
func do(s *Server, method, path, key, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response %q: %v", w.Body.String(), err)
	}
	return resp
}

// onboard registers an owner and an agent, returning their ids and keys.
func onboard(t *testing.T, s *Server) (ownerID, ownerKey, agentID, agentKey string) {
	t.Helper()

	w := do(s, "POST", "/v1/owners", "", `{"name":"Test Owner"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("owner registration: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode(t, w)
	ownerKey, _ = resp["apiKey"].(string)
	owner, _ := resp["owner"].(map[string]interface{})
	ownerID, _ = owner["id"].(string)
	if ownerID == "" || ownerKey == "" {
		t.Fatalf("owner registration: missing id or apiKey in %v", resp)
	}

	w = do(s, "POST", "/v1/agents", ownerKey, `{"name":"test-bot"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("agent registration: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	resp = decode(t, w)
	agentKey, _ = resp["apiKey"].(string)
	agent, _ := resp["agent"].(map[string]interface{})
	agentID, _ = agent["id"].(string)
	if agentID == "" || agentKey == "" {
		t.Fatalf("agent registration: missing id or apiKey in %v", resp)
	}
	return ownerID, ownerKey, agentID, agentKey
}

// fundedWallet provisions a wallet with default rules and a deposit.
func fundedWallet(t *testing.T, s *Server, ownerKey, agentID, amount string) string {
	t.Helper()

	w := do(s, "POST", "/v1/wallets", ownerKey,
		`{"agentId":"`+agentID+`","withDefaultRules":true}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("wallet creation: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	walletID, _ := decode(t, w)["id"].(string)
	if walletID == "" {
		t.Fatal("wallet creation: missing id")
	}

	w = do(s, "POST", "/v1/wallets/"+walletID+"/deposit", ownerKey,
		`{"amount":"`+amount+`","description":"test funding"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("deposit: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	return walletID
}

// ---------------------------------------------------------------------------
// Health and operational endpoints
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := do(s, "GET", "/health", "", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
	if resp := decode(t, w); resp["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got %v", resp["status"])
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)

	if w := do(s, "GET", "/health/live", "", ""); w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t)

	// Server hasn't called Run() so ready is false
	if w := do(s, "GET", "/health/ready", "", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 (not ready), got %d", w.Code)
	}
}

func TestDashboardPage(t *testing.T) {
	s := newTestServer(t)

	w := do(s, "GET", "/dashboard", "", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.Contains(ct, "text/html") {
		t.Errorf("Expected HTML content type, got %q", ct)
	}
}

// ---------------------------------------------------------------------------
// Authentication boundary
// ---------------------------------------------------------------------------

func TestAuthRequired(t *testing.T) {
	s := newTestServer(t)

	if w := do(s, "GET", "/v1/agents", "", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without key, got %d", w.Code)
	}
	if w := do(s, "GET", "/v1/agents", "sk_"+strings.Repeat("0", 64), ""); w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 with bogus key, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// End-to-end governed spend flow
// ---------------------------------------------------------------------------

func TestSpendFlow_DefaultRules(t *testing.T) {
	s := newTestServer(t)
	_, ownerKey, agentID, agentKey := onboard(t, s)
	walletID := fundedWallet(t, s, ownerKey, agentID, "200.00")

	// Under the approval threshold: completes immediately.
	w := do(s, "POST", "/v1/wallets/"+walletID+"/transactions", agentKey,
		`{"amount":"20.00","category":"api","description":"small spend"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("small spend: expected 201, got %d: %s", w.Code, w.Body.String())
	}

	// Between threshold and cap: held for approval.
	w = do(s, "POST", "/v1/wallets/"+walletID+"/transactions", agentKey,
		`{"amount":"60.00","category":"api"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("held spend: expected 202, got %d: %s", w.Code, w.Body.String())
	}
	held := decode(t, w)
	tx, _ := held["transaction"].(map[string]interface{})
	txID, _ := tx["id"].(string)
	if txID == "" {
		t.Fatalf("held spend: missing transaction id in %v", held)
	}

	// Over the per-transaction cap: rejected.
	w = do(s, "POST", "/v1/wallets/"+walletID+"/transactions", agentKey,
		`{"amount":"150.00","category":"api"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("capped spend: expected 400, got %d: %s", w.Code, w.Body.String())
	}

	// Held transaction shows up in the pending queue.
	w = do(s, "GET", "/v1/wallets/"+walletID+"/pending", ownerKey, "")
	if w.Code != http.StatusOK {
		t.Fatalf("pending list: expected 200, got %d", w.Code)
	}
	if count, _ := decode(t, w)["count"].(float64); count != 1 {
		t.Errorf("Expected 1 pending transaction, got %v", count)
	}

	// Owner approves; the debit settles.
	w = do(s, "POST", "/v1/transactions/"+txID+"/approve", ownerKey, "")
	if w.Code != http.StatusOK {
		t.Fatalf("approve: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	// Balance reflects 200 - 20 - 60.
	w = do(s, "GET", "/v1/wallets/"+walletID, ownerKey, "")
	if w.Code != http.StatusOK {
		t.Fatalf("get wallet: expected 200, got %d", w.Code)
	}
	if balance, _ := decode(t, w)["balance"].(string); balance != "120.00" {
		t.Errorf("Expected balance 120.00, got %q", balance)
	}
}

func TestAgentCannotDeposit(t *testing.T) {
	s := newTestServer(t)
	_, ownerKey, agentID, agentKey := onboard(t, s)
	walletID := fundedWallet(t, s, ownerKey, agentID, "10.00")

	w := do(s, "POST", "/v1/wallets/"+walletID+"/deposit", agentKey,
		`{"amount":"1000.00"}`)
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for agent deposit, got %d", w.Code)
	}
}

func TestPausedAgentCannotSpend(t *testing.T) {
	s := newTestServer(t)
	_, ownerKey, agentID, agentKey := onboard(t, s)
	walletID := fundedWallet(t, s, ownerKey, agentID, "50.00")

	if w := do(s, "POST", "/v1/agents/"+agentID+"/pause", ownerKey, ""); w.Code != http.StatusOK {
		t.Fatalf("pause: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w := do(s, "POST", "/v1/wallets/"+walletID+"/transactions", agentKey,
		`{"amount":"5.00"}`)
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for paused agent, got %d: %s", w.Code, w.Body.String())
	}

	// The paused agent can still send heartbeats.
	w = do(s, "POST", "/v1/agents/"+agentID+"/heartbeat", agentKey, "")
	if w.Code == http.StatusForbidden {
		t.Errorf("Heartbeat should not require an active agent, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Owner scope boundaries
// ---------------------------------------------------------------------------

func TestCrossOwnerIsolation(t *testing.T) {
	s := newTestServer(t)
	_, ownerKey, agentID, _ := onboard(t, s)
	walletID := fundedWallet(t, s, ownerKey, agentID, "50.00")

	_, otherKey, _, _ := onboard(t, s)

	if w := do(s, "GET", "/v1/wallets/"+walletID, otherKey, ""); w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for foreign wallet read, got %d", w.Code)
	}
	if w := do(s, "GET", "/v1/agents/"+agentID+"/wallets", otherKey, ""); w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for foreign agent wallets, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Emergency stop
// ---------------------------------------------------------------------------

func TestEmergencyStop(t *testing.T) {
	s := newTestServer(t)
	ownerID, ownerKey, agentID, agentKey := onboard(t, s)
	walletID := fundedWallet(t, s, ownerKey, agentID, "100.00")

	w := do(s, "POST", "/v1/owners/"+ownerID+"/emergency-stop", ownerKey, "")
	if w.Code != http.StatusOK {
		t.Fatalf("emergency stop: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode(t, w)
	if agents, _ := resp["agentsStopped"].(float64); agents != 1 {
		t.Errorf("Expected 1 agent stopped, got %v", agents)
	}
	if wallets, _ := resp["walletsStopped"].(float64); wallets != 1 {
		t.Errorf("Expected 1 wallet stopped, got %v", wallets)
	}

	// The killed agent's credential no longer admits spends.
	w = do(s, "POST", "/v1/wallets/"+walletID+"/transactions", agentKey,
		`{"amount":"5.00"}`)
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 after emergency stop, got %d: %s", w.Code, w.Body.String())
	}

	// The wallet is latched.
	w = do(s, "GET", "/v1/wallets/"+walletID, ownerKey, "")
	if status, _ := decode(t, w)["status"].(string); status != "killswitched" {
		t.Errorf("Expected wallet status killswitched, got %q", status)
	}

	// Only the owner themselves may trigger it.
	_, otherKey, _, _ := onboard(t, s)
	if w := do(s, "POST", "/v1/owners/"+ownerID+"/emergency-stop", otherKey, ""); w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for foreign emergency stop, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Rails
// ---------------------------------------------------------------------------

func TestRailsEndpoint(t *testing.T) {
	s := newTestServer(t)
	_, ownerKey, _, _ := onboard(t, s)

	w := do(s, "GET", "/v1/rails", ownerKey, "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	// No rails configured in the test config.
	if rails, ok := decode(t, w)["rails"].([]interface{}); ok && len(rails) != 0 {
		t.Errorf("Expected no rails, got %v", rails)
	}
}

func TestPayoutUnknownRail(t *testing.T) {
	s := newTestServer(t)
	_, ownerKey, agentID, agentKey := onboard(t, s)
	walletID := fundedWallet(t, s, ownerKey, agentID, "100.00")

	w := do(s, "POST", "/v1/wallets/"+walletID+"/payout", agentKey,
		`{"rail":"stripe","destination":"acct_123","amount":"10.00"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for unconfigured rail, got %d: %s", w.Code, w.Body.String())
	}
}

func TestAdminBreakerRoutes(t *testing.T) {
	cfg := testConfig()
	cfg.AdminSecret = "supersecret123"
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}

	w := do(s, "GET", "/v1/admin/rails/breakers", "", "")
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 without admin header, got %d", w.Code)
	}

	req := httptest.NewRequest("GET", "/v1/admin/rails/breakers", nil)
	req.Header.Set("X-Admin-Secret", "supersecret123")
	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 with admin header, got %d: %s", w.Code, w.Body.String())
	}
	if _, ok := decode(t, w)["breakers"]; !ok {
		t.Error("Response missing breakers field")
	}

	// Resetting a rail that is not registered is a 404.
	req = httptest.NewRequest("POST", "/v1/admin/rails/breakers/stripe/reset", nil)
	req.Header.Set("X-Admin-Secret", "supersecret123")
	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown rail, got %d", w.Code)
	}
}

func TestAdminRoutesDisabledWithoutSecret(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest("GET", "/v1/admin/rails/breakers", nil)
	req.Header.Set("X-Admin-Secret", "anything")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 when admin API is disabled, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Route registration
// ---------------------------------------------------------------------------

func TestCoreRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	expected := []string{
		"GET:/health",
		"GET:/health/live",
		"GET:/health/ready",
		"GET:/metrics",
		"GET:/ws",
		"POST:/v1/owners",
		"POST:/v1/agents",
		"POST:/v1/wallets",
		"POST:/v1/wallets/:walletId/transactions",
		"GET:/v1/wallets/:walletId/pending",
		"POST:/v1/transactions/:txId/approve",
		"POST:/v1/wallets/:walletId/rules",
		"POST:/v1/wallets/:walletId/killswitches",
		"POST:/v1/agents/:agentId/heartbeat",
		"POST:/v1/agents/:agentId/spawn",
		"POST:/v1/agents/:agentId/crossagent/pay",
		"GET:/v1/agents/:agentId/audit",
		"POST:/v1/owners/:ownerId/webhooks",
		"POST:/v1/owners/:ownerId/emergency-stop",
		"POST:/v1/wallets/:walletId/payout",
	}

	routeSet := make(map[string]bool)
	for _, route := range s.router.Routes() {
		routeSet[route.Method+":"+route.Path] = true
	}
	for _, e := range expected {
		if !routeSet[e] {
			t.Errorf("Route %s not registered", e)
		}
	}
}

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t)

	if w := do(s, "GET", "/nonexistent", "", ""); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}
