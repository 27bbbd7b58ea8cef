package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"mnemo/internal/format"
	"mnemo/internal/gitrepo"
	"mnemo/internal/metrics"
	"mnemo/internal/projector"
	"mnemo/internal/reconcile"
	"mnemo/internal/store"
)

const systemAuthor = "system"

// DocumentStore is the versioned commit store the service writes through.
type DocumentStore interface {
	Commit(subjectID, documentName string, content []byte, author, message string) (gitrepo.VersionInfo, error)
	ReadCurrent(subjectID, documentName string) ([]byte, gitrepo.VersionInfo, error)
	History(subjectID, documentName string, limit int) ([]gitrepo.VersionInfo, error)
	ReadAt(subjectID, documentName, versionID string) ([]byte, error)
	Restore(subjectID, documentName, versionID, author string) (gitrepo.VersionInfo, error)
	Diff(subjectID, documentName, oldVersionID, newVersionID string) ([]byte, []byte, error)
	Exists(subjectID, documentName string) (bool, error)
	ListDocuments(subjectID string) ([]string, error)
	LockDocument(ctx context.Context, subjectID, documentName string) (func(), error)
}

type ProposalStore interface {
	CreateProposal(context.Context, store.Proposal) error
	GetProposal(context.Context, string) (store.Proposal, error)
	ListPendingProposals(ctx context.Context, subjectID, documentName string) ([]store.Proposal, error)
	ListProposals(ctx context.Context, subjectID, documentName string, limit int) ([]store.Proposal, error)
	ResolveProposal(context.Context, string, store.Resolution) (store.Proposal, error)
	ClaimProposal(context.Context, string) (store.Proposal, error)
	ReleaseProposal(context.Context, string) (store.Proposal, error)
	SupersedeOthers(ctx context.Context, subjectID, documentName, fieldName, keepID string) (int, error)
	ExpirePending(context.Context, time.Time) (int, error)
}

// Projector pushes committed documents to the external sink.
type Projector interface {
	Push(ctx context.Context, subjectID, documentName string, sequence int, doc format.Document) (projector.Result, error)
	Enqueue(subjectID, documentName string, sequence int, doc format.Document)
}

// SeedCatalog supplies the initial content of a new document.
type SeedCatalog interface {
	Default(name string) (format.Document, bool)
	Names() []string
}

type Service struct {
	docs       DocumentStore
	proposals  ProposalStore
	sync       Projector
	seeds      SeedCatalog
	reconciler reconcile.Reconciler
	logger     *slog.Logger
	now        func() time.Time

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex

	resyncLimit int
}

// New wires the service. pusher, seeds and reconciler may be nil: pushes are
// skipped, documents must exist before use, and merges fall back to append.
func New(docs DocumentStore, proposals ProposalStore, pusher Projector, seeds SeedCatalog, reconciler reconcile.Reconciler, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		docs:        docs,
		proposals:   proposals,
		sync:        pusher,
		seeds:       seeds,
		reconciler:  reconciler,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
		locks:       make(map[string]*sync.Mutex),
		resyncLimit: 4,
	}
}

// DocumentView is a document together with its human form and head version.
type DocumentView struct {
	SubjectID string              `json:"subjectId"`
	Name      string              `json:"name"`
	Document  format.Document     `json:"document"`
	Human     string              `json:"human"`
	Version   gitrepo.VersionInfo `json:"version"`
}

// UpdateResult is returned by every operation that commits a version.
type UpdateResult struct {
	SubjectID string              `json:"subjectId"`
	Name      string              `json:"name"`
	Document  format.Document     `json:"document"`
	Version   gitrepo.VersionInfo `json:"version"`
	Warnings  []Warning           `json:"warnings,omitempty"`
}

// InitializeSubject creates every seed document the subject does not have
// yet. Existing documents are left untouched.
func (s *Service) InitializeSubject(ctx context.Context, subjectID, author string) ([]UpdateResult, error) {
	if err := validateNames(subjectID); err != nil {
		return nil, err
	}
	if s.seeds == nil {
		return nil, nil
	}
	created := make([]UpdateResult, 0)
	for _, name := range s.seeds.Names() {
		result, ok, err := s.ensureDocument(ctx, subjectID, name, author)
		if err != nil {
			return created, err
		}
		if ok {
			created = append(created, result)
		}
	}
	return created, nil
}

// ensureDocument commits the seed content of a missing document. ok reports
// whether a version was created.
func (s *Service) ensureDocument(ctx context.Context, subjectID, name, author string) (UpdateResult, bool, error) {
	unlock, err := s.lockDocument(ctx, subjectID, name)
	if err != nil {
		return UpdateResult{}, false, err
	}
	exists, err := s.docs.Exists(subjectID, name)
	if err != nil {
		unlock()
		return UpdateResult{}, false, mapDocumentError(err, subjectID, name)
	}
	if exists {
		unlock()
		return UpdateResult{}, false, nil
	}
	var doc format.Document
	var seeded bool
	if s.seeds != nil {
		doc, seeded = s.seeds.Default(name)
	}
	if !seeded {
		unlock()
		return UpdateResult{}, false, notFound("DOCUMENT_NOT_FOUND", fmt.Sprintf("document %s/%s does not exist and has no default", subjectID, name), nil)
	}
	doc = doc.Normalize()
	version, err := s.commit(subjectID, name, doc, authorOrSystem(author), "Initialize "+name, "init")
	unlock()
	if err != nil {
		return UpdateResult{}, false, err
	}
	s.logger.Info("document initialized", "subject", subjectID, "document", name, "version", version.ID)
	result := UpdateResult{SubjectID: subjectID, Name: name, Document: doc, Version: version}
	result.Warnings = s.project(ctx, subjectID, name, version.Sequence, doc)
	return result, true, nil
}

func (s *Service) GetDocument(_ context.Context, subjectID, name string) (DocumentView, error) {
	if err := validateNames(subjectID, name); err != nil {
		return DocumentView{}, err
	}
	doc, head, err := s.readCurrent(subjectID, name)
	if err != nil {
		return DocumentView{}, err
	}
	return DocumentView{
		SubjectID: subjectID,
		Name:      name,
		Document:  doc,
		Human:     format.ToHuman(doc, name),
		Version:   head,
	}, nil
}

func (s *Service) ListDocuments(_ context.Context, subjectID string) ([]string, error) {
	if err := validateNames(subjectID); err != nil {
		return nil, err
	}
	names, err := s.docs.ListDocuments(subjectID)
	if err != nil {
		if errors.Is(err, gitrepo.ErrNotFound) {
			return nil, notFound("SUBJECT_NOT_FOUND", fmt.Sprintf("subject %s has no documents", subjectID), nil)
		}
		return nil, err
	}
	return names, nil
}

// UpdateDocument parses a human edit and commits it. Sections that could not
// be parsed keep their previous value and are reported as warnings.
func (s *Service) UpdateDocument(ctx context.Context, subjectID, name, humanText, author string) (UpdateResult, error) {
	if err := validateNames(subjectID, name); err != nil {
		return UpdateResult{}, err
	}
	if strings.TrimSpace(humanText) == "" {
		return UpdateResult{}, validationError("EMPTY_CONTENT", "content is required", nil)
	}
	parsed, meta := format.FromHuman(humanText)
	if parsed.Len() == 0 {
		return UpdateResult{}, validationError("UNPARSEABLE_CONTENT", "content has no readable section", warningsFromParse(meta))
	}
	metrics.ConversionWarningsTotal.Add(float64(len(meta.Warnings)))

	unlock, err := s.lockDocument(ctx, subjectID, name)
	if err != nil {
		return UpdateResult{}, err
	}
	current, _, err := s.readCurrent(subjectID, name)
	if err != nil && !errors.Is(err, ErrNotFound) {
		unlock()
		return UpdateResult{}, err
	}
	doc := mergeParsed(current, parsed, meta)
	version, err := s.commit(subjectID, name, doc, authorOrSystem(author), "Update "+name, "edit")
	unlock()
	if err != nil {
		return UpdateResult{}, err
	}

	result := UpdateResult{SubjectID: subjectID, Name: name, Document: doc, Version: version}
	result.Warnings = append(result.Warnings, warningsFromParse(meta)...)
	result.Warnings = append(result.Warnings, s.project(ctx, subjectID, name, version.Sequence, doc)...)
	return result, nil
}

// mergeParsed builds the document to commit from a human edit. Fields whose
// section was dropped keep their current value, and an emptied section over
// a list stays a list.
func mergeParsed(current, parsed format.Document, meta format.Metadata) format.Document {
	doc := parsed.Normalize()
	for i, field := range doc.Fields {
		previous, ok := current.Get(field.Name)
		if ok && previous.Kind == format.KindList && field.Value.Kind == format.KindString && field.Value.Text == "" {
			doc.Fields[i].Value = format.List()
		}
	}
	for _, warning := range meta.Warnings {
		if warning.Section == "" {
			continue
		}
		name := format.SnakeCase(warning.Section)
		if _, present := doc.Get(name); present {
			continue
		}
		if previous, ok := current.Get(name); ok {
			_ = doc.Set(name, previous.Clone())
		}
	}
	return doc
}

func warningsFromParse(meta format.Metadata) []Warning {
	warnings := make([]Warning, 0, len(meta.Warnings))
	for _, w := range meta.Warnings {
		field := ""
		if w.Section != "" {
			field = format.SnakeCase(w.Section)
		}
		warnings = append(warnings, conflict(CodeLossyParse, field, w.String()))
	}
	return warnings
}

func (s *Service) History(_ context.Context, subjectID, name string, limit int) ([]gitrepo.VersionInfo, error) {
	if err := validateNames(subjectID, name); err != nil {
		return nil, err
	}
	history, err := s.docs.History(subjectID, name, limit)
	if err != nil {
		return nil, mapDocumentError(err, subjectID, name)
	}
	return history, nil
}

func (s *Service) ReadAt(_ context.Context, subjectID, name, versionID string) (format.Document, error) {
	if err := s.requireDocument(subjectID, name); err != nil {
		return format.Document{}, err
	}
	content, err := s.docs.ReadAt(subjectID, name, versionID)
	if err != nil {
		return format.Document{}, mapVersionError(err, subjectID, name, versionID)
	}
	return decode(content, subjectID, name)
}

// Restore commits the content of an earlier version as a new version.
func (s *Service) Restore(ctx context.Context, subjectID, name, versionID, author string) (UpdateResult, error) {
	if err := s.requireDocument(subjectID, name); err != nil {
		return UpdateResult{}, err
	}
	unlock, err := s.lockDocument(ctx, subjectID, name)
	if err != nil {
		return UpdateResult{}, err
	}
	version, err := s.docs.Restore(subjectID, name, versionID, authorOrSystem(author))
	if err != nil {
		unlock()
		return UpdateResult{}, mapVersionError(err, subjectID, name, versionID)
	}
	metrics.CommitsTotal.WithLabelValues("restore").Inc()
	content, err := s.docs.ReadAt(subjectID, name, version.ID)
	unlock()
	if err != nil {
		return UpdateResult{}, fmt.Errorf("read restored version: %w", err)
	}
	doc, err := decode(content, subjectID, name)
	if err != nil {
		return UpdateResult{}, err
	}
	s.logger.Info("document restored", "subject", subjectID, "document", name, "source", versionID, "version", version.ID)

	result := UpdateResult{SubjectID: subjectID, Name: name, Document: doc, Version: version}
	result.Warnings = s.project(ctx, subjectID, name, version.Sequence, doc)
	return result, nil
}

// ResyncReport lists the documents a resync pushed and those left queued.
type ResyncReport struct {
	Pushed []string `json:"pushed"`
	Queued []string `json:"queued,omitempty"`
}

// Resync pushes every document of a subject again. Failed pushes are left to
// the background queue.
func (s *Service) Resync(ctx context.Context, subjectID string) (ResyncReport, error) {
	names, err := s.ListDocuments(ctx, subjectID)
	if err != nil {
		return ResyncReport{}, err
	}
	if s.sync == nil {
		return ResyncReport{}, nil
	}

	var mu sync.Mutex
	report := ResyncReport{Pushed: make([]string, 0, len(names))}
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.resyncLimit)
	for _, name := range names {
		group.Go(func() error {
			doc, head, err := s.readCurrent(subjectID, name)
			if err != nil {
				return err
			}
			_, pushErr := s.sync.Push(groupCtx, subjectID, name, head.Sequence, doc)
			mu.Lock()
			defer mu.Unlock()
			if pushErr != nil {
				s.sync.Enqueue(subjectID, name, head.Sequence, doc)
				report.Queued = append(report.Queued, name)
				return nil
			}
			report.Pushed = append(report.Pushed, name)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return report, err
	}
	return report, nil
}

func (s *Service) readCurrent(subjectID, name string) (format.Document, gitrepo.VersionInfo, error) {
	content, head, err := s.docs.ReadCurrent(subjectID, name)
	if err != nil {
		return format.Document{}, gitrepo.VersionInfo{}, mapDocumentError(err, subjectID, name)
	}
	doc, err := decode(content, subjectID, name)
	if err != nil {
		return format.Document{}, gitrepo.VersionInfo{}, err
	}
	return doc, head, nil
}

func decode(content []byte, subjectID, name string) (format.Document, error) {
	doc, err := format.Decode(content)
	if err != nil {
		return format.Document{}, fmt.Errorf("document %s/%s: %w", subjectID, name, err)
	}
	return doc, nil
}

func (s *Service) commit(subjectID, name string, doc format.Document, author, message, cause string) (gitrepo.VersionInfo, error) {
	content, err := format.Encode(doc)
	if err != nil {
		return gitrepo.VersionInfo{}, validationError("INVALID_DOCUMENT", err.Error(), nil)
	}
	version, err := s.docs.Commit(subjectID, name, content, author, message)
	if err != nil {
		return gitrepo.VersionInfo{}, mapDocumentError(err, subjectID, name)
	}
	metrics.CommitsTotal.WithLabelValues(cause).Inc()
	return version, nil
}

// project pushes outside any document lock. The projector orders pushes by
// sequence, so a slower push of an older version cannot overwrite a newer
// one. A failed push is queued for the background worker and reported as a
// warning.
func (s *Service) project(ctx context.Context, subjectID, name string, sequence int, doc format.Document) []Warning {
	if s.sync == nil {
		return nil
	}
	if _, err := s.sync.Push(ctx, subjectID, name, sequence, doc); err != nil {
		s.logger.Warn("sync degraded", "subject", subjectID, "document", name, "sequence", sequence, "error", err)
		s.sync.Enqueue(subjectID, name, sequence, doc)
		return []Warning{{
			Kind:    WarningSyncDegraded,
			Code:    CodeSyncDegraded,
			Message: "external memory was not updated; the push will be retried",
		}}
	}
	return nil
}

// lockDocument serializes writers of one document. The mutex orders
// goroutines of this process; the store's file lock orders processes that
// share the repository directory.
func (s *Service) lockDocument(ctx context.Context, subjectID, name string) (func(), error) {
	key := subjectID + "/" + name
	s.lockMu.Lock()
	lock, ok := s.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[key] = lock
	}
	s.lockMu.Unlock()
	lock.Lock()
	release, err := s.docs.LockDocument(ctx, subjectID, name)
	if err != nil {
		lock.Unlock()
		return nil, mapDocumentError(err, subjectID, name)
	}
	return func() {
		release()
		lock.Unlock()
	}, nil
}

// requireDocument reports a missing document before a version lookup can
// blame the version.
func (s *Service) requireDocument(subjectID, name string) error {
	if err := validateNames(subjectID, name); err != nil {
		return err
	}
	exists, err := s.docs.Exists(subjectID, name)
	if err != nil {
		return mapDocumentError(err, subjectID, name)
	}
	if !exists {
		return notFound("DOCUMENT_NOT_FOUND", fmt.Sprintf("document %s/%s not found", subjectID, name), nil)
	}
	return nil
}

func validateNames(names ...string) error {
	for _, name := range names {
		if err := gitrepo.ValidateName(name); err != nil {
			return validationError("INVALID_NAME", err.Error(), nil)
		}
	}
	return nil
}

func mapDocumentError(err error, subjectID, name string) error {
	switch {
	case errors.Is(err, gitrepo.ErrNotFound):
		return notFound("DOCUMENT_NOT_FOUND", fmt.Sprintf("document %s/%s not found", subjectID, name), nil)
	case errors.Is(err, gitrepo.ErrInvalidName):
		return validationError("INVALID_NAME", err.Error(), nil)
	}
	return err
}

func mapVersionError(err error, subjectID, name, versionID string) error {
	if errors.Is(err, gitrepo.ErrNotFound) {
		return notFound("VERSION_NOT_FOUND", fmt.Sprintf("version %s of %s/%s not found", versionID, subjectID, name), nil)
	}
	return mapDocumentError(err, subjectID, name)
}

func authorOrSystem(author string) string {
	if strings.TrimSpace(author) == "" {
		return systemAuthor
	}
	return author
}
