// Package mcpserver exposes memory documents to agents over MCP (stdio).
// Agents can read documents and propose edits; they cannot approve them.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"mnemo/internal/app"
	"mnemo/internal/format"
	"mnemo/internal/store"
)

// DocumentService is the part of app.Service agents may reach.
type DocumentService interface {
	GetDocument(ctx context.Context, subjectID, name string) (app.DocumentView, error)
	ListDocuments(ctx context.Context, subjectID string) ([]string, error)
	ProposeEdit(ctx context.Context, in app.ProposeInput) (app.ProposeResult, error)
	ListPending(ctx context.Context, subjectID, documentName string) ([]store.Proposal, error)
}

type Server struct {
	mcp     *server.MCPServer
	service DocumentService
}

func New(service DocumentService, version string) *Server {
	s := &Server{service: service}

	s.mcp = server.NewMCPServer(
		"mnemo",
		version,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("get_document",
		mcp.WithDescription("Read a memory document of a subject. Returns the structured fields, the Markdown form and the current version."),
		mcp.WithString("subject_id", mcp.Required(), mcp.Description("Subject (user) id")),
		mcp.WithString("document", mcp.Required(), mcp.Description("Document name, e.g. student")),
	), s.getDocument)

	s.mcp.AddTool(mcp.NewTool("list_documents",
		mcp.WithDescription("List the memory documents of a subject."),
		mcp.WithString("subject_id", mcp.Required(), mcp.Description("Subject (user) id")),
	), s.listDocuments)

	s.mcp.AddTool(mcp.NewTool("propose_edit",
		mcp.WithDescription("Propose a change to one field of a memory document, or to the whole document "+
			"when field is omitted. The change is queued for human review and is not applied. "+
			"A newer proposal for the same field replaces an older pending one."),
		mcp.WithString("subject_id", mcp.Required(), mcp.Description("Subject (user) id")),
		mcp.WithString("document", mcp.Required(), mcp.Description("Document name")),
		mcp.WithString("field", mcp.Description("snake_case field name; omit to replace the whole document with Markdown in value")),
		mcp.WithString("operation", mcp.Required(), mcp.Enum("append", "replace", "merge"),
			mcp.Description("append adds lines or items, replace sets the value, merge asks a reconciler to combine them")),
		mcp.WithString("value", mcp.Description("Proposed text, or a scalar literal when value_kind is scalar")),
		mcp.WithArray("items", mcp.WithStringItems(), mcp.Description("Proposed list items")),
		mcp.WithString("value_kind", mcp.Enum("text", "list", "scalar"),
			mcp.Description("Kind of the proposed value; defaults to list when items are given, text otherwise")),
		mcp.WithString("reasoning", mcp.Required(), mcp.Description("Why this change is justified")),
		mcp.WithString("confidence", mcp.Required(), mcp.Enum("low", "medium", "high")),
		mcp.WithString("actor_id", mcp.Required(), mcp.Description("Id of the proposing agent")),
		mcp.WithString("source_query", mcp.Description("Query or event that produced the proposal")),
	), s.proposeEdit)

	s.mcp.AddTool(mcp.NewTool("list_pending_proposals",
		mcp.WithDescription("List proposals awaiting review for a subject, newest first."),
		mcp.WithString("subject_id", mcp.Required(), mcp.Description("Subject (user) id")),
		mcp.WithString("document", mcp.Description("Optional document name filter")),
	), s.listPending)

	s.mcp.AddTool(mcp.NewTool("get_document_format",
		mcp.WithDescription("Returns the Markdown format of memory documents. Read it before proposing whole-document edits."),
	), s.getDocumentFormat)

	s.mcp.AddResource(
		mcp.NewResource("mnemo://document-format", "Document Format",
			mcp.WithResourceDescription("Markdown layout of memory documents."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readDocumentFormatResource,
	)

	return s
}

func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// Listen serves MCP over the given streams until ctx ends or in is closed.
func (s *Server) Listen(ctx context.Context, in io.Reader, out io.Writer) error {
	return server.NewStdioServer(s.mcp).Listen(ctx, in, out)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func (s *Server) getDocument(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	subjectID, err := req.RequireString("subject_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	name, err := req.RequireString("document")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	view, err := s.service.GetDocument(ctx, subjectID, name)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(view), nil
}

func (s *Server) listDocuments(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	subjectID, err := req.RequireString("subject_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	names, err := s.service.ListDocuments(ctx, subjectID)
	if err != nil {
		return toolError(err), nil
	}
	return mcp.NewToolResultText(strings.Join(names, "\n")), nil
}

func (s *Server) proposeEdit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	in := app.ProposeInput{
		SubjectID:    req.GetString("subject_id", ""),
		DocumentName: req.GetString("document", ""),
		FieldName:    req.GetString("field", ""),
		Operation:    store.Operation(req.GetString("operation", "")),
		Reasoning:    req.GetString("reasoning", ""),
		Confidence:   store.Confidence(req.GetString("confidence", "")),
		ActorID:      req.GetString("actor_id", ""),
		SourceQuery:  req.GetString("source_query", ""),
	}
	value, err := proposedValue(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	in.ProposedValue = value

	result, err := s.service.ProposeEdit(ctx, in)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(result), nil
}

func proposedValue(req mcp.CallToolRequest) (format.Value, error) {
	items := req.GetStringSlice("items", nil)
	text := req.GetString("value", "")
	kind := req.GetString("value_kind", "")
	if kind == "" {
		kind = "text"
		if len(items) > 0 {
			kind = "list"
		}
	}
	switch kind {
	case "list":
		return format.List(items...), nil
	case "scalar":
		value, ok := format.ParseScalarLiteral(strings.TrimSpace(text))
		if !ok {
			return format.Value{}, errors.New("value is not a number or boolean literal")
		}
		return value, nil
	case "text":
		return format.String(text), nil
	}
	return format.Value{}, errors.New("value_kind must be text, list or scalar")
}

func (s *Server) listPending(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	subjectID, err := req.RequireString("subject_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	pending, err := s.service.ListPending(ctx, subjectID, req.GetString("document", ""))
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(pending), nil
}

func (s *Server) getDocumentFormat(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(DocumentFormat), nil
}

func (s *Server) readDocumentFormatResource(_ context.Context, _ mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      "mnemo://document-format",
			MIMEType: "text/markdown",
			Text:     DocumentFormat,
		},
	}, nil
}

// toolError reports domain errors as tool errors so the agent can correct
// its call. Details are appended as JSON when present.
func toolError(err error) *mcp.CallToolResult {
	var domainErr *app.DomainError
	if !errors.As(err, &domainErr) {
		return mcp.NewToolResultError(err.Error())
	}
	message := domainErr.Error()
	if domainErr.Details != nil {
		if details, marshalErr := json.Marshal(domainErr.Details); marshalErr == nil {
			message += " " + string(details)
		}
	}
	return mcp.NewToolResultError(message)
}

func jsonResult(payload any) *mcp.CallToolResult {
	out, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error())
	}
	return mcp.NewToolResultText(string(out))
}
