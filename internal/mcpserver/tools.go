package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the PaySentinel MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolCheckPayment = mcp.NewTool("check_payment",
	mcp.WithDescription(
		"Check whether a proposed payment would be allowed by the configured spend policies. "+
			"Returns the decision (allow, deny, flag, or require_approval) with the matching policy and reason. "+
			"Call this before committing to a payment to avoid blocked transactions."),
	mcp.WithString("recipient",
		mcp.Required(),
		mcp.Description("Payment recipient (e.g. 'api.translate.example' or '0x1234...')")),
	mcp.WithString("amount",
		mcp.Required(),
		mcp.Description("Payment amount (e.g. '1.50')")),
	mcp.WithString("currency",
		mcp.Description("Payment currency (default 'USDC')")),
	mcp.WithString("purpose",
		mcp.Description("What the payment is for (e.g. 'translation API call')")),
	mcp.WithString("service_id",
		mcp.Description("Identifier of the service being paid, if any")),
	mcp.WithString("agent_id",
		mcp.Description("Agent making the payment. Defaults to the configured agent identity.")),
)

var ToolGetSpending = mcp.NewTool("get_spending",
	mcp.WithDescription(
		"Show current spend against each budget window of a spend policy. "+
			"Returns per-window spent, remaining, and payment counts so you can tell "+
			"how close the agent is to a budget limit."),
	mcp.WithString("policy_id",
		mcp.Required(),
		mcp.Description("The policy ID (e.g. 'pol_...' or a configured policy name like 'daily-cap')")),
)

var ToolSpendingSummary = mcp.NewTool("spending_summary",
	mcp.WithDescription(
		"Aggregated spending summary from the ledger: totals by currency, status, and service, "+
			"plus top recipients. Pass agent_id to scope the summary to a single agent."),
	mcp.WithString("agent_id",
		mcp.Description("Summarize one agent instead of the whole ledger")),
	mcp.WithString("since",
		mcp.Description("Only include payments at or after this ISO-8601 timestamp")),
)

var ToolListAlerts = mcp.NewTool("list_alerts",
	mcp.WithDescription(
		"List recent alerts fired by the monitoring rules (large transactions, rate spikes, "+
			"new recipients, spend anomalies). Most recent first."),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of alerts to return (default 10)")),
)

var ToolTracePayment = mcp.NewTool("trace_payment",
	mcp.WithDescription(
		"Full lifecycle trace for a payment: the ledger record plus the provenance chain "+
			"(intent, policy check, approval, execution, settlement). "+
			"Use this to explain what happened to a specific payment."),
	mcp.WithString("transaction_id",
		mcp.Required(),
		mcp.Description("The transaction ID (e.g. 'ps_...')")),
)

var ToolFileDispute = mcp.NewTool("file_dispute",
	mcp.WithDescription(
		"Dispute a completed payment and request money back. "+
			"Filing freezes the payment's provenance chain as the first evidence record. "+
			"If requested_amount is omitted, the full payment amount is disputed."),
	mcp.WithString("transaction_id",
		mcp.Required(),
		mcp.Description("The transaction ID from the ledger (e.g. 'ps_...')")),
	mcp.WithString("reason",
		mcp.Required(),
		mcp.Description("Why the payment is being disputed (e.g. 'service returned garbage output')")),
	mcp.WithString("requested_amount",
		mcp.Description("Amount to dispute (e.g. '1.50'). Defaults to the full payment amount.")),
)

var ToolRecordPayment = mcp.NewTool("record_payment",
	mcp.WithDescription(
		"Record a payment made outside the managed rails into the spend ledger "+
			"so budgets, analytics, and alerts see it. The payment is stored as pending; "+
			"update its status through the API once it settles."),
	mcp.WithString("recipient",
		mcp.Required(),
		mcp.Description("Who was paid")),
	mcp.WithString("amount",
		mcp.Required(),
		mcp.Description("Amount paid (e.g. '1.50')")),
	mcp.WithString("currency",
		mcp.Description("Payment currency (default 'USDC')")),
	mcp.WithString("purpose",
		mcp.Description("What the payment was for")),
	mcp.WithString("service_id",
		mcp.Description("Identifier of the service paid, if any")),
	mcp.WithString("agent_id",
		mcp.Description("Agent that made the payment. Defaults to the configured agent identity.")),
)

var ToolListBreakers = mcp.NewTool("list_breakers",
	mcp.WithDescription(
		"Show circuit breaker state for upstream payment dependencies. "+
			"An open breaker means that dependency is failing and payments through it "+
			"are being rejected until the recovery window passes."),
)
