package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all AgentWallet tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("agentwallet", "1.0.0")
	client := NewWalletClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolCheckBalance, h.HandleCheckBalance)
	s.AddTool(ToolSubmitSpend, h.HandleSubmitSpend)
	s.AddTool(ToolHeartbeat, h.HandleHeartbeat)
	s.AddTool(ToolListRules, h.HandleListRules)
	s.AddTool(ToolListPending, h.HandleListPending)
	s.AddTool(ToolGetTransaction, h.HandleGetTransaction)
	s.AddTool(ToolPayAgent, h.HandlePayAgent)

	return s
}
