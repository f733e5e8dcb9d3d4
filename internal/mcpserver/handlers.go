package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleListEscalations lists the escalation queue.
func (h *Handlers) HandleListEscalations(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status := req.GetString("status", "")
	limit := req.GetInt("limit", 20)

	raw, err := h.client.ListEscalations(ctx, status, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list escalations: %v", err)), nil
	}

	text, err := formatEscalationList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escalations: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleClaimEscalation claims the next waiting entry and, for disputes,
// attaches the dispute so the caller can start reviewing right away.
func (h *Handlers) HandleClaimEscalation(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ClaimNext(ctx)
	if err != nil {
		if strings.Contains(err.Error(), "queue_empty") {
			return mcp.NewToolResultText("The escalation queue is empty."), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("Failed to claim escalation: %v", err)), nil
	}

	var resp struct {
		Entry map[string]any `json:"entry"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Entry == nil {
		return mcp.NewToolResultError("Failed to parse claimed entry"), nil
	}

	var sb strings.Builder
	sb.WriteString("Claimed escalation:\n")
	writeEntry(&sb, resp.Entry)

	if disputeID := getString(resp.Entry, "disputeId"); disputeID != "" {
		if d, err := h.client.GetDispute(ctx, disputeID); err == nil {
			sb.WriteString("\n")
			sb.WriteString(formatDispute(d))
		}
	} else {
		sb.WriteString("\nThis is a failed custody operation. Use retry_operation once the rail is healthy.\n")
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleGetTransaction returns a transaction summary.
func (h *Handlers) HandleGetTransaction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("transaction_id", "")
	if id == "" {
		return mcp.NewToolResultError("transaction_id is required"), nil
	}

	raw, err := h.client.GetTransaction(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get transaction: %v", err)), nil
	}
	return mcp.NewToolResultText(formatTransaction(raw)), nil
}

// HandleGetDispute returns a dispute summary.
func (h *Handlers) HandleGetDispute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("dispute_id", "")
	if id == "" {
		return mcp.NewToolResultError("dispute_id is required"), nil
	}

	raw, err := h.client.GetDispute(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get dispute: %v", err)), nil
	}
	return mcp.NewToolResultText(formatDispute(raw)), nil
}

// HandleResolveDispute records a decision.
func (h *Handlers) HandleResolveDispute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("dispute_id", "")
	if id == "" {
		return mcp.NewToolResultError("dispute_id is required"), nil
	}
	resolution := req.GetString("resolution", "")
	if resolution != "refund" && resolution != "release" {
		return mcp.NewToolResultError("resolution must be 'refund' or 'release'"), nil
	}
	notes := req.GetString("notes", "")

	raw, err := h.client.ResolveDispute(ctx, id, resolution, notes)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Resolution failed: %v", err)), nil
	}

	var resp struct {
		Dispute map[string]any `json:"dispute"`
	}
	_ = json.Unmarshal(raw, &resp)
	status := "resolved"
	if resp.Dispute != nil {
		status = getString(resp.Dispute, "status")
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"Dispute %s %s with %s.\n"+
			"Settlement is tracked on the transaction; use get_transaction to follow it.",
		id, status, resolution)), nil
}

// HandleRetryOperation re-drives a failed custody operation.
func (h *Handlers) HandleRetryOperation(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("transaction_id", "")
	if id == "" {
		return mcp.NewToolResultError("transaction_id is required"), nil
	}

	raw, err := h.client.RetryOperation(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Retry failed: %v", err)), nil
	}
	return mcp.NewToolResultText("Retry submitted.\n\n" + formatTransaction(raw)), nil
}

// HandleGetReputation returns a user's reputation.
func (h *Handlers) HandleGetReputation(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID := req.GetString("user_id", "")
	if userID == "" {
		return mcp.NewToolResultError("user_id is required"), nil
	}

	raw, err := h.client.GetReputation(ctx, userID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get reputation: %v", err)), nil
	}

	text, err := formatReputation(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse reputation: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleListSanctions returns a user's sanctions.
func (h *Handlers) HandleListSanctions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID := req.GetString("user_id", "")
	if userID == "" {
		return mcp.NewToolResultError("user_id is required"), nil
	}

	raw, err := h.client.ListSanctions(ctx, userID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list sanctions: %v", err)), nil
	}

	text, err := formatSanctions(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse sanctions: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// --- Formatting helpers ---

func formatEscalationList(raw json.RawMessage) (string, error) {
	var resp struct {
		Entries []map[string]any `json:"entries"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("unexpected escalations response format")
	}
	if len(resp.Entries) == 0 {
		return "No escalations found.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d escalation(s):\n\n", len(resp.Entries))
	for i, e := range resp.Entries {
		fmt.Fprintf(&sb, "%d. ", i+1)
		writeEntry(&sb, e)
		if i < len(resp.Entries)-1 {
			sb.WriteString("\n")
		}
	}
	return sb.String(), nil
}

func writeEntry(sb *strings.Builder, e map[string]any) {
	fmt.Fprintf(sb, "%s [%s] %s\n", getString(e, "id"), getString(e, "queueType"), getString(e, "kind"))
	fmt.Fprintf(sb, "   Transaction: %s\n", getString(e, "transactionId"))
	if v := getString(e, "disputeId"); v != "" {
		fmt.Fprintf(sb, "   Dispute: %s\n", v)
	}
	if v := getString(e, "operation"); v != "" {
		fmt.Fprintf(sb, "   Operation: %s\n", v)
	}
	fmt.Fprintf(sb, "   Status: %s | SLA deadline: %s", getString(e, "status"), getString(e, "slaDeadline"))
	if breached, _ := e["slaBreached"].(bool); breached {
		sb.WriteString(" (BREACHED)")
	}
	sb.WriteString("\n")
	if v := getString(e, "assignedAgent"); v != "" {
		fmt.Fprintf(sb, "   Assigned to: %s\n", v)
	}
}

func formatTransaction(raw json.RawMessage) string {
	var resp struct {
		Transaction map[string]any `json:"transaction"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Transaction == nil {
		return formatJSON(raw)
	}
	t := resp.Transaction

	var sb strings.Builder
	fmt.Fprintf(&sb, "Transaction %s\n", getString(t, "id"))
	fmt.Fprintf(&sb, "  Buyer: %s | Seller: %s (%s)\n", getString(t, "buyerId"), getString(t, "sellerId"), getString(t, "sellerKind"))
	fmt.Fprintf(&sb, "  Amount: %s %s\n", getString(t, "amount"), strings.ToUpper(getString(t, "currency")))
	fmt.Fprintf(&sb, "  Status: %s | Escrow: %s\n", getString(t, "status"), getString(t, "escrowStatus"))
	if v, ok := getFloat(t, "riskScore"); ok {
		fmt.Fprintf(&sb, "  Risk score: %.0f\n", v)
	}
	if v := getString(t, "bufferEndTime"); v != "" {
		fmt.Fprintf(&sb, "  Buffer ends: %s\n", v)
	}
	if v := getString(t, "pendingOperation"); v != "" {
		fmt.Fprintf(&sb, "  Pending operation: %s\n", v)
	}
	if v := getString(t, "operationError"); v != "" {
		fmt.Fprintf(&sb, "  Last operation error: %s\n", v)
	}
	if v := getString(t, "openDisputeId"); v != "" {
		fmt.Fprintf(&sb, "  Open dispute: %s\n", v)
	}
	return sb.String()
}

func formatDispute(raw json.RawMessage) string {
	var resp struct {
		Dispute map[string]any `json:"dispute"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Dispute == nil {
		return formatJSON(raw)
	}
	d := resp.Dispute

	var sb strings.Builder
	fmt.Fprintf(&sb, "Dispute %s on %s\n", getString(d, "id"), getString(d, "transactionId"))
	fmt.Fprintf(&sb, "  Type: %s | Priority: %s | Status: %s\n",
		getString(d, "disputeType"), getString(d, "priorityLevel"), getString(d, "status"))
	fmt.Fprintf(&sb, "  Raised by: %s against %s\n", getString(d, "raisedBy"), getString(d, "respondentId"))
	fmt.Fprintf(&sb, "  Reason: %s\n", getString(d, "reason"))
	if v, ok := getFloat(d, "aiConfidenceScore"); ok {
		fmt.Fprintf(&sb, "  Classifier confidence: %.2f\n", v)
	}
	if evidence, ok := d["evidence"].([]any); ok && len(evidence) > 0 {
		sb.WriteString("  Evidence:\n")
		for _, item := range evidence {
			if ev, ok := item.(map[string]any); ok {
				fmt.Fprintf(&sb, "    - %s: %s\n", getString(ev, "kind"), getString(ev, "reference", "note"))
			}
		}
	}
	if v := getString(d, "slaDeadline"); v != "" {
		fmt.Fprintf(&sb, "  SLA deadline: %s\n", v)
	}
	if v := getString(d, "resolution"); v != "" {
		fmt.Fprintf(&sb, "  Resolution: %s by %s\n", v, getString(d, "resolvedBy"))
	}
	return sb.String()
}

func formatReputation(raw json.RawMessage) (string, error) {
	var resp struct {
		Reputation             map[string]any `json:"reputation"`
		ValidDisputeRatio      float64        `json:"validDisputeRatio"`
		FastReleaseEligible    bool           `json:"fastReleaseEligible"`
		RequiresExtendedBuffer bool           `json:"requiresExtendedBuffer"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if resp.Reputation == nil {
		return "", fmt.Errorf("unexpected reputation response format")
	}
	m := resp.Reputation

	var sb strings.Builder
	fmt.Fprintf(&sb, "Reputation for %s:\n", getString(m, "userId"))
	if v, ok := getFloat(m, "score"); ok {
		fmt.Fprintf(&sb, "  Score: %.1f\n", v)
	}
	if v := getString(m, "sellerTier"); v != "" {
		fmt.Fprintf(&sb, "  Tier: %s\n", v)
	}
	fmt.Fprintf(&sb, "  Completed: %s | Successful: %s\n", getString(m, "completedTransactions"), getString(m, "successfulTransactions"))
	fmt.Fprintf(&sb, "  Disputes against: %s | Valid: %s (%.0f%%)\n",
		getString(m, "disputesAgainst"), getString(m, "validDisputes"), resp.ValidDisputeRatio*100)
	switch {
	case resp.RequiresExtendedBuffer:
		sb.WriteString("  Buffer: extended\n")
	case resp.FastReleaseEligible:
		sb.WriteString("  Buffer: fast release\n")
	}
	return sb.String(), nil
}

func formatSanctions(raw json.RawMessage) (string, error) {
	var resp struct {
		Sanctions      []map[string]any `json:"sanctions"`
		EffectiveLevel int              `json:"effectiveLevel"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Effective sanction level: %d\n", resp.EffectiveLevel)
	if len(resp.Sanctions) == 0 {
		sb.WriteString("No sanctions on record.")
		return sb.String(), nil
	}
	for i, s := range resp.Sanctions {
		state := "inactive"
		if active, _ := s["isActive"].(bool); active {
			state = "active"
		}
		fmt.Fprintf(&sb, "%d. %s (%s, triggered by %s)\n", i+1, getString(s, "sanctionType"), state, getString(s, "triggeredBy"))
		fmt.Fprintf(&sb, "   Reason: %s\n", getString(s, "reason"))
		if v := getString(s, "expiresAt"); v != "" {
			fmt.Fprintf(&sb, "   Expires: %s\n", v)
		}
	}
	return sb.String(), nil
}

func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}

// getFloat extracts a float64 value from a map, trying multiple key names.
func getFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, ok := v.(float64); ok {
				return f, true
			}
		}
	}
	return 0, false
}
