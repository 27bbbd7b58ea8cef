package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps proposals in process. Nothing survives a restart and
// other processes cannot see it, so it only backs tests.
type MemoryStore struct {
	mu        sync.Mutex
	seq       int64
	proposals map[string]*memoryProposal
}

type memoryProposal struct {
	seq      int64
	proposal Proposal
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{proposals: make(map[string]*memoryProposal)}
}

func (s *MemoryStore) CreateProposal(_ context.Context, proposal Proposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.proposals[proposal.ID]; exists {
		return fmt.Errorf("create proposal: duplicate id %s", proposal.ID)
	}
	if proposal.Status == "" {
		proposal.Status = StatusPending
	}
	if proposal.CreatedAt.IsZero() {
		proposal.CreatedAt = time.Now().UTC()
	}
	s.seq++
	s.proposals[proposal.ID] = &memoryProposal{seq: s.seq, proposal: cloneProposal(proposal)}
	return nil
}

func (s *MemoryStore) GetProposal(_ context.Context, proposalID string) (Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.proposals[proposalID]
	if !ok {
		return Proposal{}, fmt.Errorf("proposal %s: %w", proposalID, ErrNotFound)
	}
	return cloneProposal(item.proposal), nil
}

func (s *MemoryStore) ListPendingProposals(_ context.Context, subjectID, documentName string) ([]Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collect(func(p Proposal) bool {
		return p.Status == StatusPending && p.SubjectID == subjectID &&
			(documentName == "" || p.DocumentName == documentName)
	}, 0), nil
}

func (s *MemoryStore) ListProposals(_ context.Context, subjectID, documentName string, limit int) ([]Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collect(func(p Proposal) bool {
		return p.SubjectID == subjectID && (documentName == "" || p.DocumentName == documentName)
	}, limit), nil
}

func (s *MemoryStore) ResolveProposal(_ context.Context, proposalID string, resolution Resolution) (Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.proposals[proposalID]
	if !ok {
		return Proposal{}, fmt.Errorf("proposal %s: %w", proposalID, ErrNotFound)
	}
	if !resolution.Status.Terminal() {
		return Proposal{}, fmt.Errorf("resolve proposal %s: status %q is not terminal", proposalID, resolution.Status)
	}
	if !resolution.Status.resolvableFrom(item.proposal.Status) {
		return Proposal{}, fmt.Errorf("proposal %s is %s: %w", proposalID, item.proposal.Status, ErrNotPending)
	}
	resolve(&item.proposal, resolution)
	return cloneProposal(item.proposal), nil
}

func (s *MemoryStore) ClaimProposal(_ context.Context, proposalID string) (Proposal, error) {
	return s.transition(proposalID, StatusPending, StatusApplying)
}

func (s *MemoryStore) ReleaseProposal(_ context.Context, proposalID string) (Proposal, error) {
	return s.transition(proposalID, StatusApplying, StatusPending)
}

func (s *MemoryStore) transition(proposalID string, from, to Status) (Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.proposals[proposalID]
	if !ok {
		return Proposal{}, fmt.Errorf("proposal %s: %w", proposalID, ErrNotFound)
	}
	if item.proposal.Status != from {
		return Proposal{}, fmt.Errorf("proposal %s is %s: %w", proposalID, item.proposal.Status, ErrNotPending)
	}
	item.proposal.Status = to
	return cloneProposal(item.proposal), nil
}

func (s *MemoryStore) SupersedeOthers(_ context.Context, subjectID, documentName, fieldName, keepID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	count := 0
	for id, item := range s.proposals {
		p := item.proposal
		if id == keepID || p.Status != StatusPending {
			continue
		}
		if p.SubjectID != subjectID || p.DocumentName != documentName || p.FieldName != fieldName {
			continue
		}
		resolve(&item.proposal, Resolution{
			Status:     StatusSuperseded,
			ResolvedBy: "system",
			Note:       "superseded by " + keepID,
			ResolvedAt: now,
		})
		count++
	}
	return count, nil
}

func (s *MemoryStore) ExpirePending(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	count := 0
	for _, item := range s.proposals {
		if item.proposal.Status != StatusPending || !item.proposal.CreatedAt.Before(before) {
			continue
		}
		resolve(&item.proposal, Resolution{
			Status:     StatusExpired,
			ResolvedBy: "system",
			Note:       "expired without review",
			ResolvedAt: now,
		})
		count++
	}
	return count, nil
}

func (s *MemoryStore) collect(match func(Proposal) bool, limit int) []Proposal {
	matched := make([]*memoryProposal, 0)
	for _, item := range s.proposals {
		if match(item.proposal) {
			matched = append(matched, item)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].seq > matched[j].seq
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	items := make([]Proposal, 0, len(matched))
	for _, item := range matched {
		items = append(items, cloneProposal(item.proposal))
	}
	return items
}

func resolve(p *Proposal, resolution Resolution) {
	at := resolution.ResolvedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	p.Status = resolution.Status
	p.ResolvedAt = &at
	p.ResolvedBy = resolution.ResolvedBy
	p.ResolutionNote = resolution.Note
	p.ResultVersionID = resolution.ResultVersionID
}

func cloneProposal(p Proposal) Proposal {
	p.CurrentValue = p.CurrentValue.Clone()
	p.ProposedValue = p.ProposedValue.Clone()
	if p.ResolvedAt != nil {
		at := *p.ResolvedAt
		p.ResolvedAt = &at
	}
	return p
}
