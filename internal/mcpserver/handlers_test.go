package mcpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test helpers ---

func newTestSetup(handler http.Handler) (*Handlers, func()) {
	ts := httptest.NewServer(handler)
	cfg := Config{
		APIURL:  ts.URL,
		APIKey:  "sk_test_key",
		AgentID: "agt_0123456789abcdef01234567",
	}
	client := NewWalletClient(cfg)
	h := NewHandlers(client)
	return h, ts.Close
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

// ============================================================
// Client tests
// ============================================================

func TestClient_DoRequest_AuthHeader(t *testing.T) {
	var gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"wallets":[]}`))
	}))
	defer ts.Close()

	client := NewWalletClient(Config{APIURL: ts.URL, APIKey: "sk_secret123", AgentID: "agt_1"})
	_, err := client.ListWallets(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer sk_secret123", gotAuth)
}

func TestClient_DoRequest_HTTPError_WithAPIMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":   "forbidden",
			"message": "Invalid API key",
		})
	}))
	defer ts.Close()

	client := NewWalletClient(Config{APIURL: ts.URL, APIKey: "bad", AgentID: "agt_1"})
	_, err := client.ListWallets(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
	assert.Contains(t, err.Error(), "Invalid API key")
}

func TestClient_SubmitSpend_ReturnsStatusNotError(t *testing.T) {
	// A policy rejection is a 400 carrying the persisted transaction,
	// not a transport failure.
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"transaction":{"id":"tx_1","status":"rejected"},"reason":"per-transaction limit exceeded"}`))
	}))
	defer ts.Close()

	client := NewWalletClient(Config{APIURL: ts.URL, APIKey: "sk_k", AgentID: "agt_1"})
	raw, status, err := client.SubmitSpend(context.Background(), "wal_1", "500.00", "", "", "")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, string(raw), "tx_1")
}

// ============================================================
// check_balance
// ============================================================

func TestHandleCheckBalance(t *testing.T) {
	var gotPath string
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{"wallets":[
			{"id":"wal_1","balance":"42.50","currency":"usd","status":"active"},
			{"id":"wal_2","balance":"0.00","currency":"usd","status":"frozen"}
		],"count":2}`))
	}))
	defer done()

	result, err := h.HandleCheckBalance(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	text := resultText(t, result)

	assert.Equal(t, "/v1/agents/agt_0123456789abcdef01234567/wallets", gotPath)
	assert.Contains(t, text, "wal_1")
	assert.Contains(t, text, "42.50")
	assert.Contains(t, text, "frozen")
	assert.Contains(t, text, "cannot spend")
}

func TestHandleCheckBalance_NoWallets(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"wallets":[],"count":0}`))
	}))
	defer done()

	result, err := h.HandleCheckBalance(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "No wallets found")
}

// ============================================================
// submit_spend
// ============================================================

func TestHandleSubmitSpend_Completed(t *testing.T) {
	var gotBody map[string]string
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"transaction":{"id":"tx_abc","amount":"4.99","status":"completed"}}`))
	}))
	defer done()

	result, err := h.HandleSubmitSpend(context.Background(), makeRequest(map[string]any{
		"wallet_id":   "wal_1",
		"amount":      "4.99",
		"category":    "api",
		"description": "inference call",
	}))
	require.NoError(t, err)
	text := resultText(t, result)

	assert.Equal(t, "4.99", gotBody["amount"])
	assert.Equal(t, "api", gotBody["category"])
	assert.Contains(t, text, "settled")
	assert.Contains(t, text, "tx_abc")
}

func TestHandleSubmitSpend_HeldForApproval(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"transaction":{"id":"tx_held","amount":"75.00","status":"awaiting_approval"}}`))
	}))
	defer done()

	result, err := h.HandleSubmitSpend(context.Background(), makeRequest(map[string]any{
		"wallet_id": "wal_1",
		"amount":    "75.00",
	}))
	require.NoError(t, err)
	text := resultText(t, result)

	assert.Contains(t, text, "held for your owner's approval")
	assert.Contains(t, text, "tx_held")
}

func TestHandleSubmitSpend_Rejected(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{
			"transaction":{"id":"tx_rej","amount":"500.00","status":"rejected"},
			"evaluation":{"results":[
				{"kind":"daily_limit","passed":true},
				{"kind":"per_transaction_limit","passed":false,"reason":"amount 500.00 exceeds limit 100.00"}
			]},
			"reason":""
		}`))
	}))
	defer done()

	result, err := h.HandleSubmitSpend(context.Background(), makeRequest(map[string]any{
		"wallet_id": "wal_1",
		"amount":    "500.00",
	}))
	require.NoError(t, err)
	text := resultText(t, result)

	assert.Contains(t, text, "NOT authorized")
	assert.Contains(t, text, "per_transaction_limit")
	assert.Contains(t, text, "Do not retry")
}

func TestHandleSubmitSpend_MissingArgs(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request should be made")
	}))
	defer done()

	result, err := h.HandleSubmitSpend(context.Background(), makeRequest(map[string]any{
		"amount": "1.00",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "wallet_id is required")

	result, err = h.HandleSubmitSpend(context.Background(), makeRequest(map[string]any{
		"wallet_id": "wal_1",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "amount is required")
}

// ============================================================
// heartbeat
// ============================================================

func TestHandleHeartbeat_Active(t *testing.T) {
	var gotMethod, gotPath string
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		_, _ = w.Write([]byte(`{"active":true,"nextDeadline":"2026-08-24T12:00:00Z"}`))
	}))
	defer done()

	result, err := h.HandleHeartbeat(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	text := resultText(t, result)

	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "/v1/agents/agt_0123456789abcdef01234567/heartbeat", gotPath)
	assert.Contains(t, text, "Heartbeat recorded")
	assert.Contains(t, text, "2026-08-24T12:00:00Z")
}

func TestHandleHeartbeat_Frozen(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"active":false,"message":"Agent is frozen pending human recovery. Cease activity."}`))
	}))
	defer done()

	result, err := h.HandleHeartbeat(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	text := resultText(t, result)

	assert.Contains(t, text, "FROZEN")
	assert.Contains(t, text, "Do not attempt further spends")
}

// ============================================================
// list_rules
// ============================================================

func TestHandleListRules(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"rules":[
			{"id":"rule_1","kind":"per_transaction_limit","params":{"limit":"100.00"},"active":true,"priority":100},
			{"id":"rule_2","kind":"approval_threshold","params":{"threshold":"50.00"},"active":true,"priority":50}
		],"count":2}`))
	}))
	defer done()

	result, err := h.HandleListRules(context.Background(), makeRequest(map[string]any{
		"wallet_id": "wal_1",
	}))
	require.NoError(t, err)
	text := resultText(t, result)

	assert.Contains(t, text, "per_transaction_limit")
	assert.Contains(t, text, "approval_threshold")
	assert.Contains(t, text, "100.00")
}

func TestHandleListRules_Empty(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"rules":[],"count":0}`))
	}))
	defer done()

	result, err := h.HandleListRules(context.Background(), makeRequest(map[string]any{
		"wallet_id": "wal_1",
	}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "No spend rules")
}

// ============================================================
// list_pending
// ============================================================

func TestHandleListPending(t *testing.T) {
	var gotQuery string
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`{"transactions":[
			{"id":"tx_1","amount":"75.00","category":"compute","description":"batch job"}
		],"count":1}`))
	}))
	defer done()

	result, err := h.HandleListPending(context.Background(), makeRequest(map[string]any{
		"wallet_id": "wal_1",
		"limit":     5,
	}))
	require.NoError(t, err)
	text := resultText(t, result)

	assert.Contains(t, gotQuery, "limit=5")
	assert.Contains(t, text, "tx_1")
	assert.Contains(t, text, "75.00")
	assert.Contains(t, text, "batch job")
}

func TestHandleListPending_Empty(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"transactions":[],"count":0}`))
	}))
	defer done()

	result, err := h.HandleListPending(context.Background(), makeRequest(map[string]any{
		"wallet_id": "wal_1",
	}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "No transactions awaiting approval")
}

// ============================================================
// get_transaction
// ============================================================

func TestHandleGetTransaction(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/transactions/tx_42", r.URL.Path)
		_, _ = w.Write([]byte(`{"id":"tx_42","walletId":"wal_1","amount":"10.00","status":"completed","category":"api"}`))
	}))
	defer done()

	result, err := h.HandleGetTransaction(context.Background(), makeRequest(map[string]any{
		"transaction_id": "tx_42",
	}))
	require.NoError(t, err)
	text := resultText(t, result)

	assert.Contains(t, text, "tx_42")
	assert.Contains(t, text, "completed")
}

// ============================================================
// pay_agent
// ============================================================

func TestHandlePayAgent_Authorized(t *testing.T) {
	var gotBody map[string]string
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"cat_1","authorized":true,"requiresHuman":false}`))
	}))
	defer done()

	result, err := h.HandlePayAgent(context.Background(), makeRequest(map[string]any{
		"target_agent_id": "agt_target",
		"amount":          "2.50",
		"payment_type":    "service",
	}))
	require.NoError(t, err)
	text := resultText(t, result)

	assert.Equal(t, "agt_target", gotBody["targetAgentId"])
	assert.Equal(t, "service", gotBody["paymentType"])
	assert.Contains(t, text, "authorized")
	assert.Contains(t, text, "cat_1")
}

func TestHandlePayAgent_Escalated(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"cat_2","authorized":false,"requiresHuman":true}`))
	}))
	defer done()

	result, err := h.HandlePayAgent(context.Background(), makeRequest(map[string]any{
		"target_agent_id": "agt_target",
		"amount":          "900.00",
	}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "escalated to your owner")
}

func TestHandlePayAgent_Denied(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"cat_3","authorized":false,"requiresHuman":false,"reason":"no policy permits this payment"}`))
	}))
	defer done()

	result, err := h.HandlePayAgent(context.Background(), makeRequest(map[string]any{
		"target_agent_id": "agt_target",
		"amount":          "1.00",
	}))
	require.NoError(t, err)
	text := resultText(t, result)

	assert.Contains(t, text, "denied")
	assert.Contains(t, text, "no policy permits this payment")
}

func TestHandlePayAgent_TargetNotFound(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":   "not_found",
			"message": "Target agent not found",
		})
	}))
	defer done()

	result, err := h.HandlePayAgent(context.Background(), makeRequest(map[string]any{
		"target_agent_id": "agt_missing",
		"amount":          "1.00",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "Target agent not found")
}
