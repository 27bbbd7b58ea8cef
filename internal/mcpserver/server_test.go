package mcpserver

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mnemo/internal/app"
	"mnemo/internal/format"
	"mnemo/internal/gitrepo"
	"mnemo/internal/projector"
	"mnemo/internal/seed"
	"mnemo/internal/sink"
	"mnemo/internal/store"
)

func testServer(t *testing.T) (*Server, *app.Service) {
	t.Helper()
	p := projector.New(sink.NewMemory(), nil, projector.Options{Timeout: time.Second, MaxAttempts: 1}, nil)
	svc := app.New(gitrepo.New(t.TempDir()), store.NewMemoryStore(), p, seed.Builtin(), nil, nil)
	_, err := svc.InitializeSubject(context.Background(), "subj-1", "")
	require.NoError(t, err)
	return New(svc, "test"), svc
}

func callTool(t *testing.T, srv *Server, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	ctx := context.Background()
	req := mcp.CallToolRequest{}
	req.Method = "tools/call"
	req.Params.Name = name
	req.Params.Arguments = args

	var result *mcp.CallToolResult
	var err error
	switch name {
	case "get_document":
		result, err = srv.getDocument(ctx, req)
	case "list_documents":
		result, err = srv.listDocuments(ctx, req)
	case "propose_edit":
		result, err = srv.proposeEdit(ctx, req)
	case "list_pending_proposals":
		result, err = srv.listPending(ctx, req)
	case "get_document_format":
		result, err = srv.getDocumentFormat(ctx, req)
	default:
		t.Fatalf("unknown tool: %s", name)
	}
	require.NoError(t, err)
	return result
}

func resultText(r *mcp.CallToolResult) string {
	if len(r.Content) > 0 {
		if tc, ok := r.Content[0].(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

func TestListAndGetDocuments(t *testing.T) {
	srv, _ := testServer(t)

	r := callTool(t, srv, "list_documents", map[string]any{"subject_id": "subj-1"})
	require.False(t, r.IsError)
	assert.Equal(t, "engagement\nstrategy\nstudent", resultText(r))

	r = callTool(t, srv, "get_document", map[string]any{"subject_id": "subj-1", "document": "student"})
	require.False(t, r.IsError)
	var view app.DocumentView
	require.NoError(t, json.Unmarshal([]byte(resultText(r)), &view))
	assert.Equal(t, []string{"facts", "learning_style", "goals"}, view.Document.Names())
	assert.Contains(t, view.Human, "## Learning Style")
}

func TestGetDocumentMissing(t *testing.T) {
	srv, _ := testServer(t)
	r := callTool(t, srv, "get_document", map[string]any{"subject_id": "subj-1", "document": "diary"})
	assert.True(t, r.IsError)
	assert.Contains(t, resultText(r), "DOCUMENT_NOT_FOUND")

	r = callTool(t, srv, "get_document", map[string]any{"subject_id": "subj-1"})
	assert.True(t, r.IsError)
}

func TestProposeEditQueuesWithoutApplying(t *testing.T) {
	srv, svc := testServer(t)

	r := callTool(t, srv, "propose_edit", map[string]any{
		"subject_id": "subj-1",
		"document":   "student",
		"field":      "facts",
		"operation":  "append",
		"items":      []any{"likes algebra"},
		"reasoning":  "observed in session",
		"confidence": "high",
		"actor_id":   "agent-7",
	})
	require.False(t, r.IsError, resultText(r))
	var result app.ProposeResult
	require.NoError(t, json.Unmarshal([]byte(resultText(r)), &result))
	assert.Equal(t, store.StatusPending, result.Proposal.Status)
	assert.Equal(t, format.List("likes algebra"), result.Proposal.ProposedValue)

	view, err := svc.GetDocument(context.Background(), "subj-1", "student")
	require.NoError(t, err)
	facts, _ := view.Document.Get("facts")
	assert.Equal(t, format.List(), facts)

	r = callTool(t, srv, "list_pending_proposals", map[string]any{"subject_id": "subj-1"})
	require.False(t, r.IsError)
	var pending []store.Proposal
	require.NoError(t, json.Unmarshal([]byte(resultText(r)), &pending))
	require.Len(t, pending, 1)
	assert.Equal(t, result.Proposal.ID, pending[0].ID)
}

func TestProposeEditReportsValidationErrors(t *testing.T) {
	srv, _ := testServer(t)

	r := callTool(t, srv, "propose_edit", map[string]any{
		"subject_id": "subj-1",
		"document":   "student",
		"field":      "goals",
		"operation":  "replace",
		"value":      "Pass the final.",
		"reasoning":  " ",
		"confidence": "high",
		"actor_id":   "agent-7",
	})
	assert.True(t, r.IsError)
	assert.Contains(t, resultText(r), "INVALID_PROPOSAL")
	assert.Contains(t, resultText(r), "reasoning")

	r = callTool(t, srv, "propose_edit", map[string]any{
		"subject_id": "subj-1",
		"document":   "student",
		"field":      "goals",
		"operation":  "replace",
		"value":      "",
		"reasoning":  "nothing new",
		"confidence": "low",
		"actor_id":   "agent-7",
	})
	assert.True(t, r.IsError)
	assert.Contains(t, resultText(r), "NO_OP_PROPOSAL")
}

func TestProposeEditScalarValue(t *testing.T) {
	srv, _ := testServer(t)

	r := callTool(t, srv, "propose_edit", map[string]any{
		"subject_id": "subj-1",
		"document":   "engagement",
		"field":      "sessions",
		"operation":  "replace",
		"value":      "12",
		"value_kind": "scalar",
		"reasoning":  "count from the session log",
		"confidence": "medium",
		"actor_id":   "agent-7",
	})
	require.False(t, r.IsError, resultText(r))
	var result app.ProposeResult
	require.NoError(t, json.Unmarshal([]byte(resultText(r)), &result))
	assert.Equal(t, format.Int(12), result.Proposal.ProposedValue)

	r = callTool(t, srv, "propose_edit", map[string]any{
		"subject_id": "subj-1",
		"document":   "engagement",
		"field":      "sessions",
		"operation":  "replace",
		"value":      "twelve",
		"value_kind": "scalar",
		"reasoning":  "count",
		"confidence": "medium",
		"actor_id":   "agent-7",
	})
	assert.True(t, r.IsError)
}

func TestGetDocumentFormat(t *testing.T) {
	srv, _ := testServer(t)
	r := callTool(t, srv, "get_document_format", nil)
	assert.Contains(t, resultText(r), "_No entries._")
	assert.Contains(t, resultText(r), format.PlaceholderNotSet)
}
