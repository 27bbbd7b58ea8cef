package main

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mnemo/internal/app"
	"mnemo/internal/config"
	"mnemo/internal/format"
	"mnemo/internal/store"
)

func TestRuntimesWithoutDatabaseShareProposals(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	runtimeCfg := config.Config{
		ReposDir:        filepath.Join(dir, "repos"),
		ProposalsDB:     filepath.Join(dir, "proposals.db"),
		Sink:            config.SinkMemory,
		SyncStrategy:    "overwrite",
		SyncTimeout:     time.Second,
		SyncMaxAttempts: 1,
	}
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))

	server, err := buildRuntime(ctx, runtimeCfg, quiet)
	require.NoError(t, err)
	defer server.Close()

	proposed, err := server.service.ProposeEdit(ctx, app.ProposeInput{
		SubjectID:     "subj-1",
		DocumentName:  "student",
		FieldName:     "facts",
		Operation:     store.OperationAppend,
		ProposedValue: format.List("likes algebra"),
		Reasoning:     "observed in session",
		Confidence:    store.ConfidenceHigh,
		ActorID:       "agent-7",
	})
	require.NoError(t, err)

	cli, err := buildRuntime(ctx, runtimeCfg, quiet)
	require.NoError(t, err)
	defer cli.Close()

	pending, err := cli.service.ListPending(ctx, "subj-1", "")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, proposed.Proposal.ID, pending[0].ID)

	approved, err := cli.service.ApproveProposal(ctx, proposed.Proposal.ID, "reviewer-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusApproved, approved.Proposal.Status)

	seen, err := server.service.GetProposal(ctx, proposed.Proposal.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusApproved, seen.Status)
}
