// Package mcpserver exposes the arbiter workflow as MCP tools so an LLM
// agent can work the escalation queue through the HTTP API.
package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all arbiter tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("escrowd", "1.0.0")
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolListEscalations, h.HandleListEscalations)
	s.AddTool(ToolClaimEscalation, h.HandleClaimEscalation)
	s.AddTool(ToolGetTransaction, h.HandleGetTransaction)
	s.AddTool(ToolGetDispute, h.HandleGetDispute)
	s.AddTool(ToolResolveDispute, h.HandleResolveDispute)
	s.AddTool(ToolRetryOperation, h.HandleRetryOperation)
	s.AddTool(ToolGetReputation, h.HandleGetReputation)
	s.AddTool(ToolListSanctions, h.HandleListSanctions)

	return s
}
