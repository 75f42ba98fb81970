package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *WalletClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *WalletClient) *Handlers {
	return &Handlers{client: client}
}

// HandleCheckBalance returns the agent's wallet balances.
func (h *Handlers) HandleCheckBalance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListWallets(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check balance: %v", err)), nil
	}

	text, err := formatWallets(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse wallets: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleSubmitSpend submits a spend and reports the admission verdict.
func (h *Handlers) HandleSubmitSpend(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	walletID := req.GetString("wallet_id", "")
	if walletID == "" {
		return mcp.NewToolResultError("wallet_id is required"), nil
	}
	amount := req.GetString("amount", "")
	if amount == "" {
		return mcp.NewToolResultError("amount is required"), nil
	}
	category := req.GetString("category", "")
	recipient := req.GetString("recipient", "")
	description := req.GetString("description", "")

	raw, status, err := h.client.SubmitSpend(ctx, walletID, amount, category, recipient, description)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Spend submission failed: %v", err)), nil
	}

	text, err := formatVerdict(raw, status, amount)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse verdict: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleHeartbeat reports liveness to the dead-man monitor.
func (h *Handlers) HandleHeartbeat(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.Heartbeat(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Heartbeat failed: %v", err)), nil
	}

	var resp struct {
		Active       bool   `json:"active"`
		NextDeadline string `json:"nextDeadline"`
		Message      string `json:"message"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse heartbeat response: %v", err)), nil
	}

	if !resp.Active {
		return mcp.NewToolResultText(
			"FROZEN: " + resp.Message + "\n" +
				"Do not attempt further spends. Your owner must recover the agent."), nil
	}
	if resp.NextDeadline != "" {
		return mcp.NewToolResultText(fmt.Sprintf(
			"Heartbeat recorded. Next heartbeat due before %s.", resp.NextDeadline)), nil
	}
	return mcp.NewToolResultText("Heartbeat recorded. No dead-man policy is configured for this agent."), nil
}

// HandleListRules lists the spend rules on a wallet.
func (h *Handlers) HandleListRules(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	walletID := req.GetString("wallet_id", "")
	if walletID == "" {
		return mcp.NewToolResultError("wallet_id is required"), nil
	}

	raw, err := h.client.ListRules(ctx, walletID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list rules: %v", err)), nil
	}

	text, err := formatRules(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse rules: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleListPending lists transactions held for approval.
func (h *Handlers) HandleListPending(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	walletID := req.GetString("wallet_id", "")
	if walletID == "" {
		return mcp.NewToolResultError("wallet_id is required"), nil
	}
	limit := req.GetInt("limit", 20)

	raw, err := h.client.ListPending(ctx, walletID, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list pending transactions: %v", err)), nil
	}

	text, err := formatPending(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse pending transactions: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetTransaction looks up a transaction's status.
func (h *Handlers) HandleGetTransaction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	txID := req.GetString("transaction_id", "")
	if txID == "" {
		return mcp.NewToolResultError("transaction_id is required"), nil
	}

	raw, err := h.client.GetTransaction(ctx, txID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get transaction: %v", err)), nil
	}

	text, err := formatTransaction(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse transaction: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandlePayAgent pays another agent under cross-agent policy.
func (h *Handlers) HandlePayAgent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	target := req.GetString("target_agent_id", "")
	if target == "" {
		return mcp.NewToolResultError("target_agent_id is required"), nil
	}
	amount := req.GetString("amount", "")
	if amount == "" {
		return mcp.NewToolResultError("amount is required"), nil
	}
	paymentType := req.GetString("payment_type", "")

	raw, status, err := h.client.PayAgent(ctx, target, amount, paymentType)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Payment failed: %v", err)), nil
	}
	if status >= 400 {
		return mcp.NewToolResultError(fmt.Sprintf("Payment failed (%d): %s", status, apiMessage(raw))), nil
	}

	text, err := formatCrossPayment(raw, status, target, amount)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse payment response: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// --- Formatting helpers ---

func formatWallets(raw json.RawMessage) (string, error) {
	var resp struct {
		Wallets []struct {
			ID       string `json:"id"`
			Balance  string `json:"balance"`
			Currency string `json:"currency"`
			Status   string `json:"status"`
		} `json:"wallets"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Wallets) == 0 {
		return "No wallets found. Your owner has not provisioned a wallet for this agent yet.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d wallet(s):\n\n", len(resp.Wallets))
	for i, w := range resp.Wallets {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, w.ID)
		fmt.Fprintf(&sb, "   Balance: %s %s\n", w.Balance, strings.ToUpper(w.Currency))
		fmt.Fprintf(&sb, "   Status: %s\n", w.Status)
		if w.Status != "active" {
			sb.WriteString("   NOTE: this wallet cannot spend until your owner reactivates it.\n")
		}
		if i < len(resp.Wallets)-1 {
			sb.WriteString("\n")
		}
	}
	return sb.String(), nil
}

// admissionResult mirrors the verdict body returned by the platform.
type admissionResult struct {
	Transaction struct {
		ID     string `json:"id"`
		Amount string `json:"amount"`
		Status string `json:"status"`
	} `json:"transaction"`
	Evaluation *struct {
		Results []struct {
			Kind   string `json:"kind"`
			Passed bool   `json:"passed"`
			Reason string `json:"reason"`
		} `json:"results"`
	} `json:"evaluation"`
	Reason string `json:"reason"`
}

func formatVerdict(raw json.RawMessage, status int, amount string) (string, error) {
	var res admissionResult
	if err := json.Unmarshal(raw, &res); err != nil || res.Transaction.ID == "" {
		if status >= 400 {
			return "", fmt.Errorf("spend rejected (%d): %s", status, apiMessage(raw))
		}
		return "", fmt.Errorf("unexpected verdict format: %s", string(raw))
	}

	switch status {
	case http.StatusCreated:
		return fmt.Sprintf(
			"Spend of %s settled.\nTransaction: %s\nStatus: completed",
			amount, res.Transaction.ID), nil
	case http.StatusAccepted:
		return fmt.Sprintf(
			"Spend of %s is held for your owner's approval.\n"+
				"Transaction: %s\n"+
				"Status: awaiting_approval\n\n"+
				"Use get_transaction to check whether it was approved.",
			amount, res.Transaction.ID), nil
	default:
		reason := res.Reason
		if reason == "" && res.Evaluation != nil {
			for _, r := range res.Evaluation.Results {
				if !r.Passed {
					reason = r.Kind
					if r.Reason != "" {
						reason = r.Kind + ": " + r.Reason
					}
					break
				}
			}
		}
		return fmt.Sprintf(
			"Spend of %s was NOT authorized.\n"+
				"Transaction: %s\n"+
				"Status: %s\n"+
				"Reason: %s\n\n"+
				"Do not retry the same spend; it will fail again. "+
				"Use list_rules to see the limits in force.",
			amount, res.Transaction.ID, res.Transaction.Status, reason), nil
	}
}

func formatRules(raw json.RawMessage) (string, error) {
	var resp struct {
		Rules []struct {
			ID       string          `json:"id"`
			Kind     string          `json:"kind"`
			Params   json.RawMessage `json:"params"`
			Active   bool            `json:"active"`
			Priority int             `json:"priority"`
		} `json:"rules"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Rules) == 0 {
		return "No spend rules on this wallet. All spends pass unrestricted.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d rule(s) govern this wallet:\n\n", len(resp.Rules))
	for i, r := range resp.Rules {
		state := "active"
		if !r.Active {
			state = "inactive"
		}
		fmt.Fprintf(&sb, "%d. %s (%s, priority %d)\n", i+1, r.Kind, state, r.Priority)
		if len(r.Params) > 0 {
			fmt.Fprintf(&sb, "   Params: %s\n", compactJSON(r.Params))
		}
	}
	return sb.String(), nil
}

func formatPending(raw json.RawMessage) (string, error) {
	var resp struct {
		Transactions []struct {
			ID          string `json:"id"`
			Amount      string `json:"amount"`
			Category    string `json:"category"`
			Description string `json:"description"`
			CreatedAt   string `json:"createdAt"`
		} `json:"transactions"`
		Count int `json:"count"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if resp.Count == 0 {
		return "No transactions awaiting approval.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d transaction(s) awaiting your owner's approval:\n\n", resp.Count)
	for i, tx := range resp.Transactions {
		fmt.Fprintf(&sb, "%d. %s — %s", i+1, tx.ID, tx.Amount)
		if tx.Category != "" {
			fmt.Fprintf(&sb, " (%s)", tx.Category)
		}
		sb.WriteString("\n")
		if tx.Description != "" {
			fmt.Fprintf(&sb, "   %s\n", tx.Description)
		}
	}
	return sb.String(), nil
}

func formatTransaction(raw json.RawMessage) (string, error) {
	var tx struct {
		ID          string `json:"id"`
		WalletID    string `json:"walletId"`
		Amount      string `json:"amount"`
		Status      string `json:"status"`
		Category    string `json:"category"`
		Description string `json:"description"`
	}
	if err := json.Unmarshal(raw, &tx); err != nil {
		return "", err
	}
	if tx.ID == "" {
		return "", fmt.Errorf("unexpected transaction format: %s", string(raw))
	}

	var sb strings.Builder
	sb.WriteString("Transaction " + tx.ID + ":\n")
	fmt.Fprintf(&sb, "  Wallet: %s\n", tx.WalletID)
	fmt.Fprintf(&sb, "  Amount: %s\n", tx.Amount)
	fmt.Fprintf(&sb, "  Status: %s\n", tx.Status)
	if tx.Category != "" {
		fmt.Fprintf(&sb, "  Category: %s\n", tx.Category)
	}
	if tx.Description != "" {
		fmt.Fprintf(&sb, "  Description: %s\n", tx.Description)
	}
	return sb.String(), nil
}

func formatCrossPayment(raw json.RawMessage, status int, target, amount string) (string, error) {
	var tx struct {
		ID            string `json:"id"`
		Authorized    bool   `json:"authorized"`
		RequiresHuman bool   `json:"requiresHuman"`
		Reason        string `json:"reason"`
	}
	if err := json.Unmarshal(raw, &tx); err != nil {
		return "", err
	}

	switch {
	case status == http.StatusCreated && tx.Authorized:
		return fmt.Sprintf(
			"Payment of %s to %s authorized.\nTransaction: %s", amount, target, tx.ID), nil
	case tx.RequiresHuman:
		return fmt.Sprintf(
			"Payment of %s to %s escalated to your owner for approval.\n"+
				"Transaction: %s\n"+
				"The payment settles if your owner approves it.",
			amount, target, tx.ID), nil
	default:
		return fmt.Sprintf(
			"Payment of %s to %s denied.\nTransaction: %s\nReason: %s",
			amount, target, tx.ID, tx.Reason), nil
	}
}

func apiMessage(raw json.RawMessage) string {
	var e apiError
	if json.Unmarshal(raw, &e) == nil && e.Message != "" {
		return e.Message
	}
	return string(raw)
}

func compactJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}
