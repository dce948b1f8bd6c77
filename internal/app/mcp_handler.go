package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/emmett/parlo/internal/server/mcp"
)

// MCPHandler runs the MCP server over stdio
type MCPHandler struct {
	server *mcp.Server
	model  *SpeechModel
	stderr io.Writer
	logger *slog.Logger
}

// NewMCPHandler creates a handler. Diagnostics go to stderr because stdout
// carries the protocol.
func NewMCPHandler(server *mcp.Server, model *SpeechModel, stderr io.Writer, logger *slog.Logger) *MCPHandler {
	return &MCPHandler{server: server, model: model, stderr: stderr, logger: logger}
}

type mcpServerConfig struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

type mcpClientConfig struct {
	MCPServers map[string]mcpServerConfig `json:"mcpServers"`
}

// ClientConfig returns the snippet an MCP client needs to launch this binary
func ClientConfig(execPath string, args []string) ([]byte, error) {
	return json.MarshalIndent(mcpClientConfig{
		MCPServers: map[string]mcpServerConfig{
			"parlo": {Command: execPath, Args: args},
		},
	}, "", "  ")
}

// Run serves until ctx is done or the client disconnects
func (h *MCPHandler) Run(ctx context.Context, args []string) error {
	if h.model.EngineFactory() == nil {
		h.logger.Warn("score_recording disabled", "reason", h.model.Reason)
	} else {
		h.logger.Info("using speech model", "model", h.model.Name)
	}

	execPath, err := os.Executable()
	if err != nil {
		execPath = "parlo-mcp"
	}
	if snippet, err := ClientConfig(execPath, args); err == nil {
		fmt.Fprintf(h.stderr, "MCP client configuration:\n%s\n\n", snippet)
	}

	h.logger.Info("MCP server ready, listening on stdin/stdout")
	if err := h.server.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("mcp server: %w", err)
	}
	return nil
}
