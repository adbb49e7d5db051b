package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/admin-session/internal/models"
	"github.com/alexjbarnes/admin-session/internal/watchdog"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	mu        sync.Mutex
	snap      watchdog.Snapshot
	continues int
}

func (s *fakeSession) Continue() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.continues++
}

func (s *fakeSession) Snapshot() watchdog.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

func (s *fakeSession) continueCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.continues
}

type fakeAudit struct {
	rec *models.LogoutRecord
	err error
}

func (a fakeAudit) LastLogout() (*models.LogoutRecord, error) {
	return a.rec, a.err
}

// testSetup registers tools on an MCP server and returns a connected
// client session for calling tools.
func testSetup(t *testing.T, sess Session, audit AuditLog) *mcp.ClientSession {
	t.Helper()

	server := mcp.NewServer(
		&mcp.Implementation{Name: "admin-session-test", Version: "test"},
		nil,
	)
	RegisterTools(server, sess, audit)

	ctx := context.Background()
	t1, t2 := mcp.NewInMemoryTransports()
	_, err := server.Connect(ctx, t1, nil)
	require.NoError(t, err)

	client := mcp.NewClient(
		&mcp.Implementation{Name: "test-client", Version: "test"},
		nil,
	)
	session, err := client.Connect(ctx, t2, nil)
	require.NoError(t, err)
	t.Cleanup(func() { session.Close() })

	return session
}

// callTool is a helper that calls a tool and returns the result.
func callTool(t *testing.T, session *mcp.ClientSession, name string) *mcp.CallToolResult {
	t.Helper()
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      name,
		Arguments: map[string]any{},
	})
	require.NoError(t, err)
	return result
}

// extractJSON unmarshals the first text content from a CallToolResult.
func extractJSON(t *testing.T, result *mcp.CallToolResult, dest any) {
	t.Helper()
	require.NotEmpty(t, result.Content, "result has no content")
	tc, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok, "first content is not TextContent")
	require.NoError(t, json.Unmarshal([]byte(tc.Text), dest))
}

func TestListTools(t *testing.T) {
	session := testSetup(t, &fakeSession{}, nil)

	res, err := session.ListTools(context.Background(), nil)
	require.NoError(t, err)

	names := make([]string, 0, len(res.Tools))
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{"session_status", "session_continue"}, names)
}

// --- session_status ---

func TestStatus_Counting(t *testing.T) {
	expires := time.Now().Add(45 * time.Second).UTC().Truncate(time.Second)
	sess := &fakeSession{snap: watchdog.Snapshot{
		Phase:            watchdog.PhaseCounting,
		SessionID:        "b2f1c3d4-0000-4000-8000-000000000002",
		ExpiresAt:        expires,
		PromptVisible:    true,
		SecondsRemaining: 33,
	}}

	result := callTool(t, testSetup(t, sess, nil), "session_status")
	assert.False(t, result.IsError)

	var out StatusResult
	extractJSON(t, result, &out)
	assert.Equal(t, "counting", out.Phase)
	assert.Equal(t, "b2f1c3d4-0000-4000-8000-000000000002", out.SessionID)
	assert.Equal(t, expires.Format(time.RFC3339), out.ExpiresAt)
	assert.NotEmpty(t, out.ExpiresIn)
	assert.True(t, out.PromptVisible)
	assert.Equal(t, 33, out.SecondsRemaining)
	assert.Nil(t, out.LastLogout)
}

func TestStatus_IdleOmitsExpiry(t *testing.T) {
	result := callTool(t, testSetup(t, &fakeSession{snap: watchdog.Snapshot{Phase: watchdog.PhaseIdle}}, nil), "session_status")

	var raw map[string]any
	extractJSON(t, result, &raw)
	assert.Equal(t, "idle", raw["phase"])
	assert.NotContains(t, raw, "expires_at")
	assert.NotContains(t, raw, "expires_in")
}

func TestStatus_IncludesLastLogout(t *testing.T) {
	at := time.Date(2026, 10, 19, 9, 30, 0, 0, time.UTC)
	audit := fakeAudit{rec: &models.LogoutRecord{Reason: watchdog.ReasonCountdown, At: at}}

	result := callTool(t, testSetup(t, &fakeSession{snap: watchdog.Snapshot{Phase: watchdog.PhaseExpired}}, audit), "session_status")
	assert.False(t, result.IsError)

	var out StatusResult
	extractJSON(t, result, &out)
	require.NotNil(t, out.LastLogout)
	assert.Equal(t, "countdown exhausted", out.LastLogout.Reason)
	assert.Equal(t, "2026-10-19T09:30:00Z", out.LastLogout.At)
}

func TestStatus_AuditError(t *testing.T) {
	audit := fakeAudit{err: errors.New("database not open")}

	result := callTool(t, testSetup(t, &fakeSession{}, audit), "session_status")
	// Errors from ToolHandlerFor are returned as tool errors (IsError=true),
	// not protocol errors.
	assert.True(t, result.IsError)
}

// --- session_continue ---

func TestContinue_ActiveSession(t *testing.T) {
	for _, phase := range []watchdog.Phase{watchdog.PhaseArmed, watchdog.PhaseCounting} {
		t.Run(string(phase), func(t *testing.T) {
			sess := &fakeSession{snap: watchdog.Snapshot{Phase: phase}}

			result := callTool(t, testSetup(t, sess, nil), "session_continue")
			assert.False(t, result.IsError)

			var out ContinueResult
			extractJSON(t, result, &out)
			assert.True(t, out.Requested)
			assert.Equal(t, string(phase), out.Phase)
			assert.Equal(t, 1, sess.continueCount())
		})
	}
}

func TestContinue_NoActiveSession(t *testing.T) {
	for _, phase := range []watchdog.Phase{watchdog.PhaseIdle, watchdog.PhaseExpired} {
		t.Run(string(phase), func(t *testing.T) {
			sess := &fakeSession{snap: watchdog.Snapshot{Phase: phase}}

			result := callTool(t, testSetup(t, sess, nil), "session_continue")
			assert.False(t, result.IsError)

			var out ContinueResult
			extractJSON(t, result, &out)
			assert.False(t, out.Requested)
			assert.Contains(t, out.Message, "no active watch session")
			assert.Equal(t, 0, sess.continueCount())
		})
	}
}

func TestTextResult_MarshalError(t *testing.T) {
	result := textResult(map[string]any{"bad": make(chan int)})
	assert.True(t, result.IsError)
}
