package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"mnemo/internal/format"
	"mnemo/internal/gitrepo"
	"mnemo/internal/metrics"
	"mnemo/internal/store"
	"mnemo/internal/util"
)

// ProposeInput is an agent's candidate edit. An empty FieldName targets the
// whole document; the proposed value is then its human form and the
// operation must be replace.
type ProposeInput struct {
	SubjectID     string           `json:"subjectId"`
	DocumentName  string           `json:"documentName"`
	FieldName     string           `json:"fieldName"`
	Operation     store.Operation  `json:"operation"`
	ProposedValue format.Value     `json:"proposedValue"`
	Reasoning     string           `json:"reasoning"`
	Confidence    store.Confidence `json:"confidence"`
	ActorID       string           `json:"actorId"`
	SourceQuery   string           `json:"sourceQuery"`
}

func (in ProposeInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.SubjectID, validation.Required, validation.By(safeName)),
		validation.Field(&in.DocumentName, validation.Required, validation.By(safeName)),
		validation.Field(&in.FieldName, validation.By(fieldName)),
		validation.Field(&in.Operation, validation.Required,
			validation.In(store.OperationAppend, store.OperationReplace, store.OperationMerge)),
		validation.Field(&in.Confidence, validation.Required,
			validation.In(store.ConfidenceLow, store.ConfidenceMedium, store.ConfidenceHigh)),
		validation.Field(&in.ProposedValue, validation.By(validText)),
		validation.Field(&in.Reasoning, validation.By(notBlank), validation.By(validText)),
		validation.Field(&in.ActorID, validation.By(notBlank), validation.By(validText)),
		validation.Field(&in.SourceQuery, validation.By(validText)),
	)
}

func safeName(value any) error {
	name, _ := value.(string)
	if name == "" {
		return nil
	}
	return gitrepo.ValidateName(name)
}

func fieldName(value any) error {
	name, _ := value.(string)
	if name == "" {
		return nil
	}
	return format.ValidateFieldName(name)
}

// validText rejects text that cannot be stored or rendered later.
func validText(value any) error {
	var text string
	switch v := value.(type) {
	case string:
		text = v
	case format.Value:
		text = v.PlainText()
	}
	if !utf8.ValidString(text) {
		return errors.New("must be valid UTF-8")
	}
	return nil
}

func notBlank(value any) error {
	text, _ := value.(string)
	if strings.TrimSpace(text) == "" {
		return errors.New("cannot be blank")
	}
	return nil
}

type ProposeResult struct {
	Proposal   store.Proposal `json:"proposal"`
	Superseded int            `json:"superseded"`
}

// ProposeEdit records a pending proposal without touching the document.
// Older pending proposals for the same target are superseded.
func (s *Service) ProposeEdit(ctx context.Context, in ProposeInput) (ProposeResult, error) {
	if err := in.Validate(); err != nil {
		return ProposeResult{}, validationError("INVALID_PROPOSAL", "proposal is invalid", err)
	}
	if _, _, err := s.ensureDocument(ctx, in.SubjectID, in.DocumentName, systemAuthor); err != nil {
		return ProposeResult{}, err
	}

	unlock, err := s.lockDocument(ctx, in.SubjectID, in.DocumentName)
	if err != nil {
		return ProposeResult{}, err
	}
	defer unlock()

	current, _, err := s.readCurrent(in.SubjectID, in.DocumentName)
	if err != nil {
		return ProposeResult{}, err
	}
	snapshot, proposed, err := prepareProposal(current, in)
	if err != nil {
		return ProposeResult{}, err
	}

	proposal := store.Proposal{
		ID:            util.NewID("prop"),
		SubjectID:     in.SubjectID,
		DocumentName:  in.DocumentName,
		FieldName:     in.FieldName,
		Operation:     in.Operation,
		CurrentValue:  snapshot,
		ProposedValue: proposed,
		Reasoning:     strings.TrimSpace(in.Reasoning),
		Confidence:    in.Confidence,
		ActorID:       in.ActorID,
		SourceQuery:   in.SourceQuery,
		Status:        store.StatusPending,
		CreatedAt:     s.now(),
	}
	if err := s.proposals.CreateProposal(ctx, proposal); err != nil {
		return ProposeResult{}, fmt.Errorf("create proposal: %w", err)
	}
	superseded, err := s.proposals.SupersedeOthers(ctx, in.SubjectID, in.DocumentName, in.FieldName, proposal.ID)
	if err != nil {
		return ProposeResult{}, fmt.Errorf("supersede proposals: %w", err)
	}
	metrics.ProposalsTotal.WithLabelValues(string(store.StatusPending)).Inc()
	metrics.ProposalsTotal.WithLabelValues(string(store.StatusSuperseded)).Add(float64(superseded))
	s.logger.Info("proposal created",
		"proposal", proposal.ID,
		"subject", in.SubjectID,
		"document", in.DocumentName,
		"field", in.FieldName,
		"operation", in.Operation,
		"actor", in.ActorID,
		"superseded", superseded,
	)
	return ProposeResult{Proposal: proposal, Superseded: superseded}, nil
}

// prepareProposal returns the snapshot of the target and the normalized
// proposed value, rejecting incompatible kinds and no-ops.
func prepareProposal(current format.Document, in ProposeInput) (format.Value, format.Value, error) {
	proposed := in.ProposedValue.Normalize()

	if in.FieldName == "" {
		if in.Operation != store.OperationReplace {
			return format.Value{}, format.Value{}, validationError("INVALID_OPERATION", "whole-document proposals must use replace", nil)
		}
		if proposed.Kind != format.KindString {
			return format.Value{}, format.Value{}, validationError("INVALID_VALUE", "whole-document proposals carry the document's human form as text", nil)
		}
		parsed, meta := format.FromHuman(in.ProposedValue.Text)
		if parsed.Len() == 0 || meta.Lossy() {
			return format.Value{}, format.Value{}, validationError("UNPARSEABLE_CONTENT", "proposed document does not parse cleanly", warningsFromParse(meta))
		}
		if mergeParsed(current, parsed, meta).EqualUnordered(current.Normalize()) {
			return format.Value{}, format.Value{}, validationError("NO_OP_PROPOSAL", "proposed document equals the current document", nil)
		}
		return format.String(format.ToHuman(current, in.DocumentName)), format.String(in.ProposedValue.Text), nil
	}

	snapshot, ok := current.Get(in.FieldName)
	if !ok {
		snapshot = emptyLike(proposed)
	}
	switch in.Operation {
	case store.OperationAppend, store.OperationMerge:
		if snapshot.Kind == format.KindScalar || proposed.Kind == format.KindScalar {
			return format.Value{}, format.Value{}, validationError("INVALID_OPERATION", fmt.Sprintf("%s cannot target scalar values", in.Operation), map[string]string{"field": in.FieldName})
		}
		if proposed.IsEmpty() || appendValue(snapshot, proposed).Equal(snapshot) {
			return format.Value{}, format.Value{}, validationError("NO_OP_PROPOSAL", "proposed value adds nothing to the current value", map[string]string{"field": in.FieldName})
		}
	default:
		if proposed.Equal(snapshot.Normalize()) {
			return format.Value{}, format.Value{}, validationError("NO_OP_PROPOSAL", "proposed value equals the current value", map[string]string{"field": in.FieldName})
		}
	}
	return snapshot, proposed, nil
}

func emptyLike(value format.Value) format.Value {
	if value.Kind == format.KindList {
		return format.List()
	}
	return format.String("")
}

// appendValue unions proposed into current. Exact duplicates are skipped so
// appending twice is the same as appending once.
func appendValue(current, proposed format.Value) format.Value {
	switch current.Kind {
	case format.KindList:
		items := append([]string{}, current.Items...)
		for _, item := range valueLines(proposed) {
			if !containsString(items, item) {
				items = append(items, item)
			}
		}
		return format.List(items...).Normalize()
	case format.KindString:
		if strings.TrimSpace(current.Text) == "" {
			return format.String(proposed.PlainText()).Normalize()
		}
		lines := strings.Split(current.Text, "\n")
		added := make([]string, 0)
		for _, line := range valueLines(proposed) {
			if !containsString(lines, line) && !containsString(added, line) {
				added = append(added, line)
			}
		}
		if len(added) == 0 {
			return current
		}
		return format.String(current.Text + "\n" + strings.Join(added, "\n")).Normalize()
	default:
		return proposed
	}
}

func valueLines(value format.Value) []string {
	if value.Kind == format.KindList {
		return value.Items
	}
	lines := make([]string, 0)
	for _, line := range strings.Split(value.PlainText(), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

func containsString(items []string, want string) bool {
	for _, item := range items {
		if strings.TrimSpace(item) == want {
			return true
		}
	}
	return false
}

type ApproveResult struct {
	Proposal store.Proposal      `json:"proposal"`
	Document format.Document     `json:"document"`
	Version  gitrepo.VersionInfo `json:"version"`
	Warnings []Warning           `json:"warnings,omitempty"`
}

// ApproveProposal applies a pending proposal as a new version authored by
// the proposing agent. A target that changed since the proposal was made is
// reported as STALE_BASE but still applied.
//
// The proposal is claimed before the commit, so expiry, supersede and reject
// leave it alone while it is applied. If recording the approval fails after
// the commit, the proposal stays claimed and APPROVAL_INCOMPLETE is
// returned; approving it again finishes the approval without a second commit.
func (s *Service) ApproveProposal(ctx context.Context, proposalID, approver string) (ApproveResult, error) {
	proposal, err := s.loadProposal(ctx, proposalID)
	if err != nil {
		return ApproveResult{}, err
	}

	unlock, err := s.lockDocument(ctx, proposal.SubjectID, proposal.DocumentName)
	if err != nil {
		return ApproveResult{}, err
	}
	result, err := s.approveLocked(ctx, proposalID, approver)
	unlock()
	if err != nil {
		return ApproveResult{}, err
	}

	result.Warnings = append(result.Warnings, s.project(ctx, proposal.SubjectID, proposal.DocumentName, result.Version.Sequence, result.Document)...)
	return result, nil
}

func (s *Service) approveLocked(ctx context.Context, proposalID, approver string) (ApproveResult, error) {
	proposal, err := s.loadProposal(ctx, proposalID)
	if err != nil {
		return ApproveResult{}, err
	}
	switch proposal.Status {
	case store.StatusPending:
		proposal, err = s.claim(ctx, proposalID)
		if err != nil {
			return ApproveResult{}, err
		}
	case store.StatusApplying:
		version, found, err := s.appliedVersion(proposal)
		if err != nil {
			return ApproveResult{}, err
		}
		if found {
			s.logger.Warn("finishing interrupted approval", "proposal", proposal.ID, "version", version.ID)
			doc, err := s.ReadAt(ctx, proposal.SubjectID, proposal.DocumentName, version.ID)
			if err != nil {
				return ApproveResult{}, err
			}
			return s.finishApproval(ctx, proposal, approver, doc, version, nil)
		}
	default:
		return ApproveResult{}, notPending(proposal)
	}

	next, version, warnings, err := s.commitProposal(ctx, proposal, approver)
	if err != nil {
		s.release(ctx, proposal.ID)
		return ApproveResult{}, err
	}
	return s.finishApproval(ctx, proposal, approver, next, version, warnings)
}

func (s *Service) claim(ctx context.Context, proposalID string) (store.Proposal, error) {
	claimed, err := s.proposals.ClaimProposal(ctx, proposalID)
	if err == nil {
		return claimed, nil
	}
	if errors.Is(err, store.ErrNotPending) {
		current, getErr := s.loadProposal(ctx, proposalID)
		if getErr != nil {
			return store.Proposal{}, getErr
		}
		return store.Proposal{}, notPending(current)
	}
	return store.Proposal{}, mapProposalError(err, proposalID)
}

// release returns a claim to pending when nothing was committed. It runs
// even if ctx is done so the proposal does not stay claimed.
func (s *Service) release(ctx context.Context, proposalID string) {
	if _, err := s.proposals.ReleaseProposal(context.WithoutCancel(ctx), proposalID); err != nil {
		s.logger.Error("release proposal claim", "proposal", proposalID, "error", err)
	}
}

func (s *Service) commitProposal(ctx context.Context, proposal store.Proposal, approver string) (format.Document, gitrepo.VersionInfo, []Warning, error) {
	current, _, err := s.readCurrent(proposal.SubjectID, proposal.DocumentName)
	if err != nil {
		return format.Document{}, gitrepo.VersionInfo{}, nil, err
	}

	var warnings []Warning
	if stale := staleBase(current, proposal); stale {
		warnings = append(warnings, conflict(CodeStaleBase, proposal.FieldName,
			"the document changed after this proposal was made"))
	}
	next, applyWarnings, err := s.applyProposal(ctx, current, proposal)
	if err != nil {
		return format.Document{}, gitrepo.VersionInfo{}, nil, err
	}
	warnings = append(warnings, applyWarnings...)

	version, err := s.commit(proposal.SubjectID, proposal.DocumentName, next, proposal.ActorID, approvalMessage(proposal, approver), "approve")
	if err != nil {
		return format.Document{}, gitrepo.VersionInfo{}, nil, err
	}
	return next, version, warnings, nil
}

func (s *Service) finishApproval(ctx context.Context, proposal store.Proposal, approver string, doc format.Document, version gitrepo.VersionInfo, warnings []Warning) (ApproveResult, error) {
	resolved, err := s.proposals.ResolveProposal(ctx, proposal.ID, store.Resolution{
		Status:          store.StatusApproved,
		ResolvedBy:      authorOrSystem(approver),
		ResultVersionID: version.ID,
		ResolvedAt:      s.now(),
	})
	if err != nil {
		s.logger.Error("approval committed but not recorded", "proposal", proposal.ID, "version", version.ID, "error", err)
		return ApproveResult{}, conflictError(CodeApprovalIncomplete,
			fmt.Sprintf("proposal %s was committed as %s but not marked approved; approve it again to finish", proposal.ID, version.ID),
			map[string]string{"proposal": proposal.ID, "version": version.ID})
	}
	if _, err := s.proposals.SupersedeOthers(ctx, proposal.SubjectID, proposal.DocumentName, proposal.FieldName, proposal.ID); err != nil {
		return ApproveResult{}, fmt.Errorf("supersede proposals: %w", err)
	}
	metrics.ProposalsTotal.WithLabelValues(string(store.StatusApproved)).Inc()
	s.logger.Info("proposal approved",
		"proposal", proposal.ID,
		"subject", proposal.SubjectID,
		"document", proposal.DocumentName,
		"version", version.ID,
		"approver", approver,
		"warnings", len(warnings),
	)
	return ApproveResult{Proposal: resolved, Document: doc, Version: version, Warnings: warnings}, nil
}

func approvalMessage(proposal store.Proposal, approver string) string {
	return fmt.Sprintf("%s %s\n\n%s\napproved-by: %s",
		approvalSubject(proposal), target(proposal), proposal.Reasoning, authorOrSystem(approver))
}

func approvalSubject(proposal store.Proposal) string {
	return "Apply proposal " + proposal.ID + " to"
}

// appliedVersion finds the commit an interrupted approval left behind.
func (s *Service) appliedVersion(proposal store.Proposal) (gitrepo.VersionInfo, bool, error) {
	history, err := s.docs.History(proposal.SubjectID, proposal.DocumentName, 0)
	if err != nil {
		return gitrepo.VersionInfo{}, false, mapDocumentError(err, proposal.SubjectID, proposal.DocumentName)
	}
	prefix := approvalSubject(proposal) + " "
	for _, version := range history {
		if strings.HasPrefix(version.Message, prefix) {
			return version, true, nil
		}
	}
	return gitrepo.VersionInfo{}, false, nil
}

func staleBase(current format.Document, proposal store.Proposal) bool {
	if proposal.FieldName == "" {
		return format.ToHuman(current, proposal.DocumentName) != proposal.CurrentValue.Text
	}
	value, ok := current.Get(proposal.FieldName)
	if !ok {
		return !proposal.CurrentValue.IsEmpty()
	}
	return !value.Equal(proposal.CurrentValue)
}

// applyProposal is the single dispatch over the operation kinds.
func (s *Service) applyProposal(ctx context.Context, current format.Document, proposal store.Proposal) (format.Document, []Warning, error) {
	next := current.Clone()
	if proposal.FieldName == "" {
		parsed, meta := format.FromHuman(proposal.ProposedValue.Text)
		return mergeParsed(current, parsed, meta), warningsFromParse(meta), nil
	}

	existing, ok := current.Get(proposal.FieldName)
	if !ok {
		existing = emptyLike(proposal.ProposedValue)
	}
	var value format.Value
	var warnings []Warning
	switch proposal.Operation {
	case store.OperationReplace:
		value = proposal.ProposedValue.Normalize()
	case store.OperationAppend:
		if existing.Kind == format.KindScalar {
			return format.Document{}, nil, validationError("INVALID_OPERATION", "append cannot target scalar values", map[string]string{"field": proposal.FieldName})
		}
		value = appendValue(existing, proposal.ProposedValue)
	case store.OperationMerge:
		if existing.Kind == format.KindScalar {
			return format.Document{}, nil, validationError("INVALID_OPERATION", "merge cannot target scalar values", map[string]string{"field": proposal.FieldName})
		}
		merged, err := s.reconcileValue(ctx, existing, proposal.ProposedValue)
		if err != nil {
			s.logger.Warn("merge fell back to append", "proposal", proposal.ID, "error", err)
			warnings = append(warnings, conflict(CodeMergeFallback, proposal.FieldName,
				"the reconciler was unavailable; the value was appended instead"))
			value = appendValue(existing, proposal.ProposedValue)
		} else {
			value = merged
		}
	default:
		return format.Document{}, nil, validationError("INVALID_OPERATION", fmt.Sprintf("unknown operation %q", proposal.Operation), nil)
	}
	if err := next.Set(proposal.FieldName, value); err != nil {
		return format.Document{}, nil, validationError("INVALID_FIELD", err.Error(), nil)
	}
	return next, warnings, nil
}

func (s *Service) reconcileValue(ctx context.Context, existing, proposed format.Value) (format.Value, error) {
	if s.reconciler == nil {
		return format.Value{}, errors.New("no reconciler configured")
	}
	merged, err := s.reconciler.Reconcile(ctx, existing.PlainText(), proposed.PlainText())
	if err != nil {
		return format.Value{}, err
	}
	if strings.TrimSpace(merged) == "" {
		return format.Value{}, errors.New("reconciler returned no text")
	}
	if existing.Kind == format.KindList {
		items := make([]string, 0)
		for _, line := range strings.Split(merged, "\n") {
			line = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "-*"))
			if line != "" {
				items = append(items, line)
			}
		}
		return format.List(items...).Normalize(), nil
	}
	return format.String(merged).Normalize(), nil
}

// RejectProposal closes a pending proposal without touching the document.
// The store only resolves pending proposals, so a reject racing an approval
// or a sweep loses cleanly.
func (s *Service) RejectProposal(ctx context.Context, proposalID, reviewer, reason string) (store.Proposal, error) {
	proposal, err := s.loadProposal(ctx, proposalID)
	if err != nil {
		return store.Proposal{}, err
	}
	if proposal.Status != store.StatusPending {
		return store.Proposal{}, notPending(proposal)
	}

	resolved, err := s.proposals.ResolveProposal(ctx, proposalID, store.Resolution{
		Status:     store.StatusRejected,
		ResolvedBy: authorOrSystem(reviewer),
		Note:       strings.TrimSpace(reason),
		ResolvedAt: s.now(),
	})
	if err != nil {
		if errors.Is(err, store.ErrNotPending) {
			current, getErr := s.loadProposal(ctx, proposalID)
			if getErr != nil {
				return store.Proposal{}, getErr
			}
			return store.Proposal{}, notPending(current)
		}
		return store.Proposal{}, mapProposalError(err, proposalID)
	}
	metrics.ProposalsTotal.WithLabelValues(string(store.StatusRejected)).Inc()
	s.logger.Info("proposal rejected", "proposal", proposalID, "reviewer", reviewer)
	return resolved, nil
}

func (s *Service) GetProposal(ctx context.Context, proposalID string) (store.Proposal, error) {
	return s.loadProposal(ctx, proposalID)
}

// ListPending returns the review queue, newest first. An empty document name
// lists every document of the subject.
func (s *Service) ListPending(ctx context.Context, subjectID, documentName string) ([]store.Proposal, error) {
	if err := validateNames(subjectID); err != nil {
		return nil, err
	}
	if documentName != "" {
		if err := validateNames(documentName); err != nil {
			return nil, err
		}
	}
	return s.proposals.ListPendingProposals(ctx, subjectID, documentName)
}

// ProposalHistory returns proposals in every status, newest first.
func (s *Service) ProposalHistory(ctx context.Context, subjectID, documentName string, limit int) ([]store.Proposal, error) {
	if err := validateNames(subjectID); err != nil {
		return nil, err
	}
	return s.proposals.ListProposals(ctx, subjectID, documentName, limit)
}

// ExpireStale marks pending proposals older than olderThan as expired.
// Proposals claimed by an approval in progress are not pending and are left
// alone.
func (s *Service) ExpireStale(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		return 0, validationError("INVALID_TTL", "expiry age must be positive", nil)
	}
	count, err := s.proposals.ExpirePending(ctx, s.now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("expire proposals: %w", err)
	}
	if count > 0 {
		metrics.ProposalsTotal.WithLabelValues(string(store.StatusExpired)).Add(float64(count))
		s.logger.Info("stale proposals expired", "count", count, "older_than", olderThan)
	}
	return count, nil
}

func (s *Service) loadProposal(ctx context.Context, proposalID string) (store.Proposal, error) {
	if strings.TrimSpace(proposalID) == "" {
		return store.Proposal{}, validationError("INVALID_PROPOSAL_ID", "proposal id is required", nil)
	}
	proposal, err := s.proposals.GetProposal(ctx, proposalID)
	if err != nil {
		return store.Proposal{}, mapProposalError(err, proposalID)
	}
	return proposal, nil
}

func mapProposalError(err error, proposalID string) error {
	if errors.Is(err, store.ErrNotFound) {
		return notFound("PROPOSAL_NOT_FOUND", fmt.Sprintf("proposal %s not found", proposalID), nil)
	}
	return err
}

func notPending(proposal store.Proposal) *DomainError {
	return validationError(CodeProposalNotPending,
		fmt.Sprintf("proposal %s is %s", proposal.ID, proposal.Status),
		map[string]string{"status": string(proposal.Status)})
}

func target(proposal store.Proposal) string {
	if proposal.FieldName == "" {
		return proposal.DocumentName
	}
	return proposal.DocumentName + "." + proposal.FieldName
}
