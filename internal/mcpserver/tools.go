package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the AgentWallet MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolCheckBalance = mcp.NewTool("check_balance",
	mcp.WithDescription(
		"Check your agent's wallet balances on AgentWallet. "+
			"Shows every wallet with its available balance, currency, and status. "+
			"A frozen or killswitched wallet cannot spend."),
)

var ToolSubmitSpend = mcp.NewTool("submit_spend",
	mcp.WithDescription(
		"Submit a spend through your owner's governance rules. "+
			"The spend either settles immediately, is held for your owner's approval, "+
			"or is rejected by a spend rule. Rejections explain which rule blocked it."),
	mcp.WithString("wallet_id",
		mcp.Required(),
		mcp.Description("The wallet to spend from (e.g. 'wal_...')")),
	mcp.WithString("amount",
		mcp.Required(),
		mcp.Description("Amount to spend as a decimal string (e.g. '4.99')")),
	mcp.WithString("category",
		mcp.Description("Spend category (e.g. 'api', 'compute', 'data'). Category rules match on this.")),
	mcp.WithString("recipient",
		mcp.Description("Recipient identifier (vendor id, account, or address)")),
	mcp.WithString("description",
		mcp.Description("Human-readable purpose of the spend, shown to your owner on approval requests")),
)

var ToolHeartbeat = mcp.NewTool("heartbeat",
	mcp.WithDescription(
		"Report liveness to the dead-man monitor. Call this periodically; "+
			"missing heartbeats escalates from alerts to throttled limits to a frozen agent. "+
			"If the response says you are frozen, cease activity and wait for your owner."),
)

var ToolListRules = mcp.NewTool("list_rules",
	mcp.WithDescription(
		"List the spend rules governing a wallet: per-transaction caps, "+
			"daily/weekly/monthly limits, category and recipient restrictions, "+
			"time windows, and approval thresholds. Check these before large spends."),
	mcp.WithString("wallet_id",
		mcp.Required(),
		mcp.Description("The wallet whose rules to list")),
)

var ToolListPending = mcp.NewTool("list_pending",
	mcp.WithDescription(
		"List your spends currently held for human approval on a wallet. "+
			"Held spends settle when your owner approves them; you cannot approve your own."),
	mcp.WithString("wallet_id",
		mcp.Required(),
		mcp.Description("The wallet whose pending transactions to list")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of transactions to return (default 20)")),
)

var ToolGetTransaction = mcp.NewTool("get_transaction",
	mcp.WithDescription(
		"Look up a transaction by id to check its current status "+
			"(completed, awaiting_approval, rejected, failed)."),
	mcp.WithString("transaction_id",
		mcp.Required(),
		mcp.Description("The transaction id (e.g. 'tx_...')")),
)

var ToolPayAgent = mcp.NewTool("pay_agent",
	mcp.WithDescription(
		"Pay another agent, subject to your owner's cross-agent policies. "+
			"The payment may be authorized, denied, or escalated to your owner for approval."),
	mcp.WithString("target_agent_id",
		mcp.Required(),
		mcp.Description("The receiving agent's id (e.g. 'agt_...')")),
	mcp.WithString("amount",
		mcp.Required(),
		mcp.Description("Amount to pay as a decimal string (e.g. '2.50')")),
	mcp.WithString("payment_type",
		mcp.Description("Payment type matched against policy restrictions (e.g. 'service', 'data')")),
)
