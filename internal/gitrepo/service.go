package gitrepo

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// ContentFile is the single file tracked in every document repository.
const ContentFile = "document.yaml"

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidName  = errors.New("invalid name")
	namePattern     = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
	revisionPattern = regexp.MustCompile(`^[0-9a-f]{4,40}$`)
)

// VersionInfo describes one commit in a document's history.
type VersionInfo struct {
	ID        string    `json:"id"`
	ParentID  string    `json:"parentId,omitempty"`
	Sequence  int       `json:"sequence"`
	Author    string    `json:"author"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
	IsCurrent bool      `json:"isCurrent"`
}

// Service keeps one git repository per (subject, document) under baseDir.
// Content is stored as opaque bytes; the caller owns the format.
type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

func ValidateName(name string) error {
	if !namePattern.MatchString(name) || strings.Contains(name, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// Commit appends a version, creating the repository on first use. Identical
// content still produces a new version.
func (s *Service) Commit(subjectID, documentName string, content []byte, author, message string) (VersionInfo, error) {
	if err := validatePair(subjectID, documentName); err != nil {
		return VersionInfo{}, err
	}
	lock := s.documentLock(subjectID, documentName)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.openOrInit(subjectID, documentName)
	if err != nil {
		return VersionInfo{}, err
	}
	hash, err := s.commit(repo, content, author, message)
	if err != nil {
		return VersionInfo{}, err
	}
	history, err := readHistory(repo, 0)
	if err != nil {
		return VersionInfo{}, err
	}
	for _, info := range history {
		if info.ID == hash.String() {
			return info, nil
		}
	}
	return VersionInfo{}, fmt.Errorf("commit %s missing from history", hash)
}

func (s *Service) ReadCurrent(subjectID, documentName string) ([]byte, VersionInfo, error) {
	if err := validatePair(subjectID, documentName); err != nil {
		return nil, VersionInfo{}, err
	}
	lock := s.documentLock(subjectID, documentName)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(subjectID, documentName)
	if err != nil {
		return nil, VersionInfo{}, err
	}
	history, err := readHistory(repo, 1)
	if err != nil {
		return nil, VersionInfo{}, err
	}
	commitObj, err := repo.CommitObject(plumbing.NewHash(history[0].ID))
	if err != nil {
		return nil, VersionInfo{}, fmt.Errorf("load head commit: %w", err)
	}
	content, err := readContentFromCommit(commitObj)
	if err != nil {
		return nil, VersionInfo{}, err
	}
	return content, history[0], nil
}

// History lists versions newest first. limit <= 0 returns every version.
func (s *Service) History(subjectID, documentName string, limit int) ([]VersionInfo, error) {
	if err := validatePair(subjectID, documentName); err != nil {
		return nil, err
	}
	lock := s.documentLock(subjectID, documentName)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(subjectID, documentName)
	if err != nil {
		return nil, err
	}
	return readHistory(repo, limit)
}

func (s *Service) ReadAt(subjectID, documentName, versionID string) ([]byte, error) {
	if err := validatePair(subjectID, documentName); err != nil {
		return nil, err
	}
	lock := s.documentLock(subjectID, documentName)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(subjectID, documentName)
	if err != nil {
		return nil, err
	}
	return readAt(repo, versionID)
}

// Restore commits the content of an earlier version as a new head.
func (s *Service) Restore(subjectID, documentName, versionID, author string) (VersionInfo, error) {
	if err := validatePair(subjectID, documentName); err != nil {
		return VersionInfo{}, err
	}
	lock := s.documentLock(subjectID, documentName)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(subjectID, documentName)
	if err != nil {
		return VersionInfo{}, err
	}
	hash, err := resolveHash(repo, versionID)
	if err != nil {
		return VersionInfo{}, err
	}
	content, err := readAt(repo, hash.String())
	if err != nil {
		return VersionInfo{}, err
	}
	message := fmt.Sprintf("Restore %s to %s\n\nrestore: source=%s actor=%s", documentName, shortHash(hash), hash, author)
	newHash, err := s.commit(repo, content, author, message)
	if err != nil {
		return VersionInfo{}, err
	}
	history, err := readHistory(repo, 1)
	if err != nil {
		return VersionInfo{}, err
	}
	if history[0].ID != newHash.String() {
		return VersionInfo{}, fmt.Errorf("restore commit %s is not head", newHash)
	}
	return history[0], nil
}

// Diff returns the raw content of two versions.
func (s *Service) Diff(subjectID, documentName, oldVersionID, newVersionID string) ([]byte, []byte, error) {
	if err := validatePair(subjectID, documentName); err != nil {
		return nil, nil, err
	}
	lock := s.documentLock(subjectID, documentName)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(subjectID, documentName)
	if err != nil {
		return nil, nil, err
	}
	before, err := readAt(repo, oldVersionID)
	if err != nil {
		return nil, nil, err
	}
	after, err := readAt(repo, newVersionID)
	if err != nil {
		return nil, nil, err
	}
	return before, after, nil
}

func (s *Service) Exists(subjectID, documentName string) (bool, error) {
	if err := validatePair(subjectID, documentName); err != nil {
		return false, err
	}
	lock := s.documentLock(subjectID, documentName)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(subjectID, documentName)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if _, err := repo.Head(); err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("resolve head: %w", err)
	}
	return true, nil
}

// ListDocuments returns the sorted names of documents a subject has.
func (s *Service) ListDocuments(subjectID string) ([]string, error) {
	if err := ValidateName(subjectID); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(s.baseDir, subjectID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("subject %s: %w", subjectID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read subject dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || ValidateName(entry.Name()) != nil {
			continue
		}
		ok, err := s.Exists(subjectID, entry.Name())
		if err != nil {
			return nil, err
		}
		if ok {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *Service) ListSubjects() ([]string, error) {
	entries, err := os.ReadDir(s.baseDir)
	if errors.Is(err, os.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read repos dir: %w", err)
	}
	subjects := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() && ValidateName(entry.Name()) == nil {
			subjects = append(subjects, entry.Name())
		}
	}
	sort.Strings(subjects)
	return subjects, nil
}

func (s *Service) repoPath(subjectID, documentName string) string {
	return filepath.Join(s.baseDir, subjectID, documentName)
}

func (s *Service) documentLock(subjectID, documentName string) *sync.Mutex {
	key := subjectID + "/" + documentName
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[key]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[key] = lock
	return lock
}

func (s *Service) open(subjectID, documentName string) (*git.Repository, error) {
	repo, err := git.PlainOpen(s.repoPath(subjectID, documentName))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("document %s/%s: %w", subjectID, documentName, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	return repo, nil
}

func (s *Service) openOrInit(subjectID, documentName string) (*git.Repository, error) {
	repo, err := s.open(subjectID, documentName)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	path := s.repoPath(subjectID, documentName)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInitWithOptions(path, &git.PlainInitOptions{
		InitOptions: git.InitOptions{DefaultBranch: plumbing.Main},
	})
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	return repo, nil
}

func (s *Service) commit(repo *git.Repository, content []byte, author, message string) (plumbing.Hash, error) {
	worktree, err := repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("open worktree: %w", err)
	}

	repoRoot := worktree.Filesystem.Root()
	if err := os.WriteFile(filepath.Join(repoRoot, ContentFile), content, 0o644); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("write %s: %w", ContentFile, err)
	}
	if _, err := worktree.Add(ContentFile); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("git add content: %w", err)
	}

	if author == "" {
		author = "system"
	}
	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@mnemo.local", sanitizeEmail(author)),
			When:  time.Now(),
		},
	})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("commit content: %w", err)
	}
	return hash, nil
}

// readHistory walks the first-parent chain from HEAD. Sequence numbers count
// from the root commit, so the whole chain is walked even when limited.
func readHistory(repo *git.Repository, limit int) ([]VersionInfo, error) {
	head, err := repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil, fmt.Errorf("document has no versions: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve head: %w", err)
	}

	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]VersionInfo, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toVersionInfo(commitObj))
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("document has no versions: %w", ErrNotFound)
	}
	for i := range items {
		items[i].Sequence = len(items) - i
	}
	items[0].IsCurrent = true
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func readAt(repo *git.Repository, versionID string) ([]byte, error) {
	hash, err := resolveHash(repo, versionID)
	if err != nil {
		return nil, err
	}
	commitObj, err := repo.CommitObject(hash)
	if errors.Is(err, plumbing.ErrObjectNotFound) {
		return nil, fmt.Errorf("version %s: %w", versionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read commit %s: %w", versionID, err)
	}
	return readContentFromCommit(commitObj)
}

func readContentFromCommit(commitObj *object.Commit) ([]byte, error) {
	file, err := commitObj.File(ContentFile)
	if err != nil {
		return nil, fmt.Errorf("load %s from commit: %w", ContentFile, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return nil, fmt.Errorf("open content reader: %w", err)
	}
	defer reader.Close()

	content, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read content bytes: %w", err)
	}
	return content, nil
}

func toVersionInfo(commitObj *object.Commit) VersionInfo {
	info := VersionInfo{
		ID:        commitObj.Hash.String(),
		Author:    commitObj.Author.Name,
		Message:   strings.TrimSpace(commitObj.Message),
		CreatedAt: commitObj.Author.When,
	}
	if len(commitObj.ParentHashes) > 0 {
		info.ParentID = commitObj.ParentHashes[0].String()
	}
	return info
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}

// resolveHash accepts full or abbreviated hex commit ids only, so revision
// expressions like HEAD~1 never reach the repository.
func resolveHash(repo *git.Repository, versionID string) (plumbing.Hash, error) {
	versionID = strings.ToLower(strings.TrimSpace(versionID))
	if !revisionPattern.MatchString(versionID) {
		return plumbing.ZeroHash, fmt.Errorf("version %q: %w", versionID, ErrNotFound)
	}
	if len(versionID) == 40 {
		return plumbing.NewHash(versionID), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(versionID))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("version %s: %w", versionID, ErrNotFound)
	}
	return *resolved, nil
}

func shortHash(hash plumbing.Hash) string {
	return hash.String()[:7]
}

func validatePair(subjectID, documentName string) error {
	if err := ValidateName(subjectID); err != nil {
		return err
	}
	return ValidateName(documentName)
}
