package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the arbiter console.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolListEscalations = mcp.NewTool("list_escalations",
	mcp.WithDescription(
		"List entries in the human escalation queue, highest priority first. "+
			"Entries are either disputes awaiting an arbiter or failed custody operations awaiting a retry."),
	mcp.WithString("status",
		mcp.Description("Filter by status"),
		mcp.Enum("waiting", "assigned", "done")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of entries to return (default 20)")),
)

var ToolClaimEscalation = mcp.NewTool("claim_escalation",
	mcp.WithDescription(
		"Claim the next waiting escalation for yourself. "+
			"Critical entries are handed out before high and medium ones."),
)

var ToolGetTransaction = mcp.NewTool("get_transaction",
	mcp.WithDescription(
		"Get a transaction with its status, escrow state, buffer period and risk score."),
	mcp.WithString("transaction_id",
		mcp.Required(),
		mcp.Description("The transaction ID (e.g. 'txn_...')")),
)

var ToolGetDispute = mcp.NewTool("get_dispute",
	mcp.WithDescription(
		"Get a dispute with its type, reason, evidence, priority and SLA deadline."),
	mcp.WithString("dispute_id",
		mcp.Required(),
		mcp.Description("The dispute ID (e.g. 'dsp_...')")),
)

var ToolResolveDispute = mcp.NewTool("resolve_dispute",
	mcp.WithDescription(
		"Resolve an escalated dispute. 'refund' returns the escrowed funds to the buyer, "+
			"'release' pays the seller. The decision is final."),
	mcp.WithString("dispute_id",
		mcp.Required(),
		mcp.Description("The dispute ID")),
	mcp.WithString("resolution",
		mcp.Required(),
		mcp.Description("The decision"),
		mcp.Enum("refund", "release")),
	mcp.WithString("notes",
		mcp.Description("Reasoning recorded with the decision")),
)

var ToolRetryOperation = mcp.NewTool("retry_operation",
	mcp.WithDescription(
		"Retry the failed custody operation (hold, release or refund) of a flagged transaction."),
	mcp.WithString("transaction_id",
		mcp.Required(),
		mcp.Description("The transaction ID")),
)

var ToolGetReputation = mcp.NewTool("get_reputation",
	mcp.WithDescription(
		"Get a user's reputation: score, completed transactions, disputes and the buffer "+
			"period they qualify for."),
	mcp.WithString("user_id",
		mcp.Required(),
		mcp.Description("The user ID")),
)

var ToolListSanctions = mcp.NewTool("list_sanctions",
	mcp.WithDescription(
		"List a user's sanctions with their level, trigger and expiry."),
	mcp.WithString("user_id",
		mcp.Required(),
		mcp.Description("The user ID")),
)
