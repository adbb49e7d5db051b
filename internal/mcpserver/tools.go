// Package mcpserver registers MCP tools that expose the admin session.
// It adapts the watchdog to the MCP SDK's tool handler interface.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alexjbarnes/admin-session/internal/models"
	"github.com/alexjbarnes/admin-session/internal/watchdog"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Session is the watchdog surface the tools need.
type Session interface {
	Continue()
	Snapshot() watchdog.Snapshot
}

// AuditLog reads the most recent forced logout.
type AuditLog interface {
	LastLogout() (*models.LogoutRecord, error)
}

// RegisterTools adds the session tools to the given MCP server. audit
// may be nil.
func RegisterTools(server *mcp.Server, sess Session, audit AuditLog) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "session_status",
		Description: "Report the admin session watchdog state: phase (idle, armed, counting, expired), access token expiry, whether the renewal prompt is showing and how many seconds remain, plus the last forced logout.",
	}, statusHandler(sess, audit))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "session_continue",
		Description: "Press \"Continue Session\": request a credential refresh for the current watch session. The refresh runs asynchronously; call session_status to see the result.",
	}, continueHandler(sess))
}

// --- Input types ---

// StatusInput has no parameters.
type StatusInput struct{}

// ContinueInput has no parameters.
type ContinueInput struct{}

// --- Output types ---

// StatusResult is the session_status output.
type StatusResult struct {
	Phase            string  `json:"phase"`
	SessionID        string  `json:"session_id,omitempty"`
	ExpiresAt        string  `json:"expires_at,omitempty"`
	ExpiresIn        string  `json:"expires_in,omitempty"`
	PromptVisible    bool    `json:"prompt_visible"`
	SecondsRemaining int     `json:"seconds_remaining"`
	Refreshing       bool    `json:"refreshing"`
	LastLogout       *Logout `json:"last_logout,omitempty"`
}

// Logout describes a forced logout.
type Logout struct {
	Reason string `json:"reason"`
	At     string `json:"at"`
}

// ContinueResult is the session_continue output.
type ContinueResult struct {
	Requested bool   `json:"requested"`
	Phase     string `json:"phase"`
	Message   string `json:"message"`
}

// --- Handlers ---

func statusHandler(sess Session, audit AuditLog) mcp.ToolHandlerFor[StatusInput, *StatusResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ StatusInput) (*mcp.CallToolResult, *StatusResult, error) {
		snap := sess.Snapshot()

		result := &StatusResult{
			Phase:            string(snap.Phase),
			SessionID:        snap.SessionID,
			PromptVisible:    snap.PromptVisible,
			SecondsRemaining: snap.SecondsRemaining,
			Refreshing:       snap.Refreshing,
		}

		if !snap.ExpiresAt.IsZero() {
			result.ExpiresAt = snap.ExpiresAt.UTC().Format(time.RFC3339)
			result.ExpiresIn = time.Until(snap.ExpiresAt).Round(time.Second).String()
		}

		if audit != nil {
			rec, err := audit.LastLogout()
			if err != nil {
				return nil, nil, fmt.Errorf("reading last logout: %w", err)
			}

			if rec != nil {
				result.LastLogout = &Logout{Reason: rec.Reason, At: rec.At.UTC().Format(time.RFC3339)}
			}
		}

		return textResult(result), result, nil
	}
}

func continueHandler(sess Session) mcp.ToolHandlerFor[ContinueInput, *ContinueResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ ContinueInput) (*mcp.CallToolResult, *ContinueResult, error) {
		phase := sess.Snapshot().Phase

		result := &ContinueResult{Phase: string(phase)}

		switch phase {
		case watchdog.PhaseArmed, watchdog.PhaseCounting:
			sess.Continue()

			result.Requested = true
			result.Message = "refresh requested"
		default:
			result.Message = fmt.Sprintf("no active watch session (phase %s)", phase)
		}

		return textResult(result), result, nil
	}
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
