package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all PaySentinel tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("paysentinel", "1.0.0")
	client := NewSentinelClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolCheckPayment, h.HandleCheckPayment)
	s.AddTool(ToolGetSpending, h.HandleGetSpending)
	s.AddTool(ToolSpendingSummary, h.HandleSpendingSummary)
	s.AddTool(ToolListAlerts, h.HandleListAlerts)
	s.AddTool(ToolTracePayment, h.HandleTracePayment)
	s.AddTool(ToolFileDispute, h.HandleFileDispute)
	s.AddTool(ToolRecordPayment, h.HandleRecordPayment)
	s.AddTool(ToolListBreakers, h.HandleListBreakers)

	return s
}
