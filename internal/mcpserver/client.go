package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to the AgentWallet platform.
type Config struct {
	APIURL  string // Base URL, e.g. "http://localhost:8080"
	APIKey  string // Agent API key, e.g. "sk_..."
	AgentID string // The agent's id, e.g. "agt_..."
}

// WalletClient is a pure HTTP client for the AgentWallet platform API.
type WalletClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewWalletClient creates a new client for the AgentWallet platform.
func NewWalletClient(cfg Config) *WalletClient {
	return &WalletClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the platform.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the platform and returns the response body.
func (c *WalletClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	raw, status, err := c.doRequestStatus(ctx, method, path, query, body)
	if err != nil {
		return nil, err
	}
	if status >= 400 {
		var apiErr apiError
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", status, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", status, string(raw))
	}
	return raw, nil
}

// doRequestStatus is doRequest without the status check. Spend verdicts
// carry the persisted transaction in the body even on 4xx: a policy
// rejection is a 400 with the admission result attached.
func (c *WalletClient) doRequestStatus(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, int, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, 0, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("read response: %w", err)
	}

	return json.RawMessage(respBody), resp.StatusCode, nil
}

// ListWallets returns all of the agent's wallets with balances.
func (c *WalletClient) ListWallets(ctx context.Context) (json.RawMessage, error) {
	path := "/v1/agents/" + c.cfg.AgentID + "/wallets"
	return c.doRequest(ctx, http.MethodGet, path, nil, nil)
}

// SubmitSpend submits a spend attempt through the admission path. The
// status code mirrors the verdict, so it is returned alongside the
// body: 201 settled, 202 held for approval, 400 rejected.
func (c *WalletClient) SubmitSpend(ctx context.Context, walletID, amount, category, recipient, description string) (json.RawMessage, int, error) {
	body := map[string]string{"amount": amount}
	if category != "" {
		body["category"] = category
	}
	if recipient != "" {
		body["recipientId"] = recipient
	}
	if description != "" {
		body["description"] = description
	}
	path := "/v1/wallets/" + walletID + "/transactions"
	return c.doRequestStatus(ctx, http.MethodPost, path, nil, body)
}

// Heartbeat reports liveness to the dead-man monitor.
func (c *WalletClient) Heartbeat(ctx context.Context) (json.RawMessage, error) {
	path := "/v1/agents/" + c.cfg.AgentID + "/heartbeat"
	return c.doRequest(ctx, http.MethodPost, path, nil, nil)
}

// ListRules returns the spend rules on a wallet.
func (c *WalletClient) ListRules(ctx context.Context, walletID string) (json.RawMessage, error) {
	path := "/v1/wallets/" + walletID + "/rules"
	return c.doRequest(ctx, http.MethodGet, path, nil, nil)
}

// ListPending returns transactions held for human approval.
func (c *WalletClient) ListPending(ctx context.Context, walletID string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/v1/wallets/" + walletID + "/pending"
	return c.doRequest(ctx, http.MethodGet, path, q, nil)
}

// GetTransaction returns a single transaction by id.
func (c *WalletClient) GetTransaction(ctx context.Context, txID string) (json.RawMessage, error) {
	path := "/v1/transactions/" + txID
	return c.doRequest(ctx, http.MethodGet, path, nil, nil)
}

// PayAgent requests an agent-to-agent payment under the owner's
// cross-agent policies. A 201 means authorized; a 200 carries a denied
// or escalated transaction.
func (c *WalletClient) PayAgent(ctx context.Context, targetAgentID, amount, paymentType string) (json.RawMessage, int, error) {
	body := map[string]string{
		"targetAgentId": targetAgentID,
		"amount":        amount,
	}
	if paymentType != "" {
		body["paymentType"] = paymentType
	}
	path := "/v1/agents/" + c.cfg.AgentID + "/crossagent/pay"
	return c.doRequestStatus(ctx, http.MethodPost, path, nil, body)
}
