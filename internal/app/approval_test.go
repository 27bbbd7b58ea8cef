package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mnemo/internal/format"
	"mnemo/internal/gitrepo"
	"mnemo/internal/reconcile"
	"mnemo/internal/seed"
	"mnemo/internal/sink"
	"mnemo/internal/store"
)

// switchSink is a memory sink that can be taken offline.
type switchSink struct {
	*sink.Memory
	down atomic.Bool
}

func (s *switchSink) ListRecords(ctx context.Context, subjectID string) ([]sink.Record, error) {
	if s.down.Load() {
		return nil, errSinkDown
	}
	return s.Memory.ListRecords(ctx, subjectID)
}

func (s *switchSink) CreateRecord(ctx context.Context, subjectID, key, value string) (sink.Record, error) {
	if s.down.Load() {
		return sink.Record{}, errSinkDown
	}
	return s.Memory.CreateRecord(ctx, subjectID, key, value)
}

func (s *switchSink) UpdateRecord(ctx context.Context, recordID, value string) error {
	if s.down.Load() {
		return errSinkDown
	}
	return s.Memory.UpdateRecord(ctx, recordID, value)
}

// flakyResolveStore fails the first approval it records.
type flakyResolveStore struct {
	*store.MemoryStore
	failed atomic.Bool
}

func (s *flakyResolveStore) ResolveProposal(ctx context.Context, proposalID string, resolution store.Resolution) (store.Proposal, error) {
	if resolution.Status == store.StatusApproved && s.failed.CompareAndSwap(false, true) {
		return store.Proposal{}, errors.New("connection reset by peer")
	}
	return s.MemoryStore.ResolveProposal(ctx, proposalID, resolution)
}

// newSharedServices returns two services over one repository directory and
// one proposal store, as a CLI and a server process would see them.
func newSharedServices(t *testing.T, proposals ProposalStore, reconciler reconcile.Reconciler) (*Service, *Service) {
	t.Helper()
	dir := t.TempDir()
	first := New(gitrepo.New(dir), proposals, nil, seed.Builtin(), reconciler, nil)
	second := New(gitrepo.New(dir), proposals, nil, seed.Builtin(), reconciler, nil)
	return first, second
}

func TestFailedPushIsReplacedByLaterEdit(t *testing.T) {
	target := &switchSink{Memory: sink.NewMemory()}
	env := newTestEnv(t, target, nil)
	ctx := context.Background()

	target.down.Store(true)
	first, err := env.svc.UpdateDocument(ctx, "subj-1", "student", "# Student\n\n## Goals\n\nGoal A\n", "avery")
	require.NoError(t, err)
	require.Equal(t, []string{CodeSyncDegraded}, warningCodes(first.Warnings))
	require.Equal(t, 1, env.projector.Pending())

	target.down.Store(false)
	second, err := env.svc.UpdateDocument(ctx, "subj-1", "student", "# Student\n\n## Goals\n\nGoal B\n", "avery")
	require.NoError(t, err)
	assert.Empty(t, second.Warnings)

	assert.Zero(t, env.projector.Flush(ctx))
	record, ok := target.Get("subj-1", "student")
	require.True(t, ok)
	assert.Contains(t, record.Value, "Goals: Goal B")
	assert.NotContains(t, record.Value, "Goal A")
}

func TestQueuedPushProjectsHeadAfterOutage(t *testing.T) {
	target := &switchSink{Memory: sink.NewMemory()}
	env := newTestEnv(t, target, nil)
	env.projector.SetLoader(func(ctx context.Context, subjectID, name string) (format.Document, int, error) {
		view, err := env.svc.GetDocument(ctx, subjectID, name)
		return view.Document, view.Version.Sequence, err
	})
	ctx := context.Background()

	target.down.Store(true)
	for _, goal := range []string{"Goal A", "Goal B"} {
		_, err := env.svc.UpdateDocument(ctx, "subj-1", "student", "# Student\n\n## Goals\n\n"+goal+"\n", "avery")
		require.NoError(t, err)
	}
	require.Equal(t, 1, env.projector.Pending())

	target.down.Store(false)
	assert.Zero(t, env.projector.Flush(ctx))
	record, ok := target.Get("subj-1", "student")
	require.True(t, ok)
	assert.Contains(t, record.Value, "Goals: Goal B")
}

func TestExpiryWaitsOutApprovalInProgress(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	reconciler := reconcile.Func(func(_ context.Context, existing, proposed string) (string, error) {
		close(entered)
		<-release
		return existing + "\n" + proposed, nil
	})
	proposals := store.NewMemoryStore()
	reviewer, sweeper := newSharedServices(t, proposals, reconciler)
	ctx := context.Background()

	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	reviewer.now = func() time.Time { return start }
	in := appendFact("subj-1", "plays chess", "agent-7")
	in.Operation = store.OperationMerge
	proposed, err := reviewer.ProposeEdit(ctx, in)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := reviewer.ApproveProposal(ctx, proposed.Proposal.ID, "reviewer-1")
		done <- err
	}()
	<-entered

	claimed, err := sweeper.GetProposal(ctx, proposed.Proposal.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusApplying, claimed.Status)

	sweeper.now = func() time.Time { return start.Add(48 * time.Hour) }
	count, err := sweeper.ExpireStale(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, count)

	_, err = sweeper.RejectProposal(ctx, proposed.Proposal.ID, "reviewer-2", "too late")
	requireDomainError(t, err, ErrValidation, CodeProposalNotPending)

	close(release)
	require.NoError(t, <-done)

	final, err := sweeper.GetProposal(ctx, proposed.Proposal.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusApproved, final.Status)
	assert.NotEmpty(t, final.ResultVersionID)
}

func TestApprovalsFromTwoProcessesCommitOnce(t *testing.T) {
	proposals := store.NewMemoryStore()
	cli, server := newSharedServices(t, proposals, nil)
	ctx := context.Background()

	proposed, err := server.ProposeEdit(ctx, appendFact("subj-1", "likes algebra", "agent-7"))
	require.NoError(t, err)

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i, svc := range []*Service{cli, server} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = svc.ApproveProposal(ctx, proposed.Proposal.ID, fmt.Sprintf("reviewer-%d", i))
		}()
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		requireDomainError(t, err, ErrValidation, CodeProposalNotPending)
	}
	assert.Equal(t, 1, succeeded)

	history, err := cli.History(ctx, "subj-1", "student", 0)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestInterruptedApprovalFinishesWithoutSecondCommit(t *testing.T) {
	proposals := &flakyResolveStore{MemoryStore: store.NewMemoryStore()}
	svc, _ := newSharedServices(t, proposals, nil)
	ctx := context.Background()

	proposed, err := svc.ProposeEdit(ctx, appendFact("subj-1", "likes algebra", "agent-7"))
	require.NoError(t, err)

	_, err = svc.ApproveProposal(ctx, proposed.Proposal.ID, "reviewer-1")
	requireDomainError(t, err, ErrConflict, CodeApprovalIncomplete)

	stuck, err := svc.GetProposal(ctx, proposed.Proposal.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusApplying, stuck.Status)
	history, err := svc.History(ctx, "subj-1", "student", 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	orphan := history[0]

	svc.now = func() time.Time { return time.Now().UTC().Add(30 * 24 * time.Hour) }
	count, err := svc.ExpireStale(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, count)

	approved, err := svc.ApproveProposal(ctx, proposed.Proposal.ID, "reviewer-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusApproved, approved.Proposal.Status)
	assert.Equal(t, orphan.ID, approved.Version.ID)
	assert.Equal(t, orphan.ID, approved.Proposal.ResultVersionID)
	facts, _ := approved.Document.Get("facts")
	assert.Equal(t, format.List("likes algebra"), facts)

	history, err = svc.History(ctx, "subj-1", "student", 0)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestFailedApplyReleasesClaim(t *testing.T) {
	env := newMemoryEnv(t)
	ctx := context.Background()
	_, err := env.svc.InitializeSubject(ctx, "subj-1", "")
	require.NoError(t, err)

	proposed, err := env.svc.ProposeEdit(ctx, appendFact("subj-1", "likes algebra", "agent-7"))
	require.NoError(t, err)
	_, err = env.svc.UpdateDocument(ctx, "subj-1", "student", "# Student\n\n## Facts\n\n`3`\n", "avery")
	require.NoError(t, err)

	_, err = env.svc.ApproveProposal(ctx, proposed.Proposal.ID, "reviewer-1")
	requireDomainError(t, err, ErrValidation, "INVALID_OPERATION")

	after, err := env.svc.GetProposal(ctx, proposed.Proposal.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, after.Status)
}

func TestConcurrentProposalsKeepOnePendingPerTarget(t *testing.T) {
	proposals := store.NewMemoryStore()
	first, second := newSharedServices(t, proposals, nil)
	ctx := context.Background()
	_, err := first.InitializeSubject(ctx, "subj-1", "")
	require.NoError(t, err)

	const agents = 8
	var wg sync.WaitGroup
	for i := 0; i < agents; i++ {
		svc := first
		if i%2 == 1 {
			svc = second
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.ProposeEdit(ctx, appendFact("subj-1", fmt.Sprintf("fact %d", i), fmt.Sprintf("agent-%d", i)))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	pending, err := first.ListPending(ctx, "subj-1", "student")
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	all, err := first.ProposalHistory(ctx, "subj-1", "student", 0)
	require.NoError(t, err)
	require.Len(t, all, agents)
	superseded := 0
	for _, p := range all {
		if p.Status == store.StatusSuperseded {
			superseded++
		}
	}
	assert.Equal(t, agents-1, superseded)
}

func TestVersionLookupsOnMissingDocument(t *testing.T) {
	env := newMemoryEnv(t)
	ctx := context.Background()
	first, err := env.svc.UpdateDocument(ctx, "subj-1", "student", "# Student\n\n## Goals\n\nPass.\n", "avery")
	require.NoError(t, err)
	id := first.Version.ID

	_, err = env.svc.ReadAt(ctx, "subj-1", "diary", id)
	requireDomainError(t, err, ErrNotFound, "DOCUMENT_NOT_FOUND")

	_, err = env.svc.Diff(ctx, "subj-1", "diary", id, id)
	requireDomainError(t, err, ErrNotFound, "DOCUMENT_NOT_FOUND")

	_, err = env.svc.Restore(ctx, "subj-1", "diary", id, "reviewer-1")
	requireDomainError(t, err, ErrNotFound, "DOCUMENT_NOT_FOUND")

	_, err = env.svc.ReadAt(ctx, "subj-1", "student", "deadbeef")
	requireDomainError(t, err, ErrNotFound, "VERSION_NOT_FOUND")

	_, err = env.svc.Diff(ctx, "subj-1", "student", id, "deadbeef")
	requireDomainError(t, err, ErrNotFound, "VERSION_NOT_FOUND")
}

func TestProposalsRejectInvalidUTF8(t *testing.T) {
	env := newMemoryEnv(t)
	ctx := context.Background()
	_, err := env.svc.InitializeSubject(ctx, "subj-1", "")
	require.NoError(t, err)

	cases := map[string]func(*ProposeInput){
		"list item": func(in *ProposeInput) { in.ProposedValue = format.List("likes \xffalgebra") },
		"text value": func(in *ProposeInput) {
			in.FieldName = "goals"
			in.Operation = store.OperationReplace
			in.ProposedValue = format.String("pass \xc3\x28")
		},
		"whole document": func(in *ProposeInput) {
			in.FieldName = ""
			in.Operation = store.OperationReplace
			in.ProposedValue = format.String("# Student\n\n## Goals\n\n\xff\n")
		},
		"reasoning": func(in *ProposeInput) { in.Reasoning = "seen \xfe today" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			in := appendFact("subj-1", "likes algebra", "agent-7")
			mutate(&in)
			_, err := env.svc.ProposeEdit(ctx, in)
			requireDomainError(t, err, ErrValidation, "INVALID_PROPOSAL")
		})
	}

	pending, err := env.svc.ListPending(ctx, "subj-1", "")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

