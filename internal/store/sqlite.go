package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteMemory opens a private in-memory database.
const SQLiteMemory = ":memory:"

// SQLiteStore keeps proposals in a local SQLite file. It is the default when
// no DATABASE_URL is set, so the CLI and a running MCP server on one host
// share a review queue.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens or creates the database at path and applies the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if path != SQLiteMemory {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if path == SQLiteMemory {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS proposals (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    subject_id TEXT NOT NULL,
    document_name TEXT NOT NULL,
    field_name TEXT NOT NULL DEFAULT '',
    operation TEXT NOT NULL CHECK (operation IN ('append', 'replace', 'merge')),
    current_value TEXT NOT NULL,
    proposed_value TEXT NOT NULL,
    reasoning TEXT NOT NULL CHECK (trim(reasoning) <> ''),
    confidence TEXT NOT NULL CHECK (confidence IN ('low', 'medium', 'high')),
    actor_id TEXT NOT NULL,
    source_query TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'pending'
        CHECK (status IN ('pending', 'applying', 'approved', 'rejected', 'superseded', 'expired')),
    created_at INTEGER NOT NULL,
    resolved_at INTEGER,
    resolved_by TEXT NOT NULL DEFAULT '',
    resolution_note TEXT NOT NULL DEFAULT '',
    result_version_id TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_proposals_subject_document
    ON proposals (subject_id, document_name, seq DESC);

CREATE INDEX IF NOT EXISTS idx_proposals_pending_created
    ON proposals (created_at)
    WHERE status = 'pending';

CREATE TRIGGER IF NOT EXISTS trg_proposals_block_delete
    BEFORE DELETE ON proposals
BEGIN
    SELECT RAISE(ABORT, 'proposals are permanent audit records');
END;

CREATE TRIGGER IF NOT EXISTS trg_proposals_guard_update
    BEFORE UPDATE ON proposals
    WHEN OLD.status NOT IN ('pending', 'applying')
        OR (OLD.status = 'applying' AND NEW.status NOT IN ('approved', 'pending'))
        OR NEW.proposed_value IS NOT OLD.proposed_value
        OR NEW.current_value IS NOT OLD.current_value
        OR NEW.reasoning IS NOT OLD.reasoning
BEGIN
    SELECT RAISE(ABORT, 'proposal is an immutable audit record');
END;
`

const sqliteProposalColumns = `
	id, subject_id, document_name, field_name, operation,
	current_value, proposed_value, reasoning, confidence,
	actor_id, source_query, status, created_at, resolved_at,
	resolved_by, resolution_note, result_version_id
`

func (s *SQLiteStore) CreateProposal(ctx context.Context, proposal Proposal) error {
	current, err := json.Marshal(proposal.CurrentValue)
	if err != nil {
		return fmt.Errorf("encode current value: %w", err)
	}
	proposed, err := json.Marshal(proposal.ProposedValue)
	if err != nil {
		return fmt.Errorf("encode proposed value: %w", err)
	}
	status := proposal.Status
	if status == "" {
		status = StatusPending
	}
	createdAt := proposal.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO proposals (
			id, subject_id, document_name, field_name, operation,
			current_value, proposed_value, reasoning, confidence,
			actor_id, source_query, status, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		proposal.ID, proposal.SubjectID, proposal.DocumentName, proposal.FieldName, string(proposal.Operation),
		string(current), string(proposed), proposal.Reasoning, string(proposal.Confidence),
		proposal.ActorID, proposal.SourceQuery, string(status), createdAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("create proposal: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetProposal(ctx context.Context, proposalID string) (Proposal, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteProposalColumns+` FROM proposals WHERE id=?`, proposalID)
	item, err := scanSQLiteProposal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Proposal{}, fmt.Errorf("proposal %s: %w", proposalID, ErrNotFound)
	}
	if err != nil {
		return Proposal{}, fmt.Errorf("get proposal: %w", err)
	}
	return item, nil
}

func (s *SQLiteStore) ListPendingProposals(ctx context.Context, subjectID, documentName string) ([]Proposal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteProposalColumns+`
		FROM proposals
		WHERE subject_id=?1
		  AND (?2 = '' OR document_name=?2)
		  AND status='pending'
		ORDER BY seq DESC
	`, subjectID, documentName)
	if err != nil {
		return nil, fmt.Errorf("list pending proposals: %w", err)
	}
	return collectSQLiteProposals(rows)
}

func (s *SQLiteStore) ListProposals(ctx context.Context, subjectID, documentName string, limit int) ([]Proposal, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteProposalColumns+`
		FROM proposals
		WHERE subject_id=?1
		  AND (?2 = '' OR document_name=?2)
		ORDER BY seq DESC
		LIMIT ?3
	`, subjectID, documentName, limit)
	if err != nil {
		return nil, fmt.Errorf("list proposals: %w", err)
	}
	return collectSQLiteProposals(rows)
}

func (s *SQLiteStore) ResolveProposal(ctx context.Context, proposalID string, resolution Resolution) (Proposal, error) {
	if !resolution.Status.Terminal() {
		return Proposal{}, fmt.Errorf("resolve proposal %s: status %q is not terminal", proposalID, resolution.Status)
	}
	resolvedAt := resolution.ResolvedAt
	if resolvedAt.IsZero() {
		resolvedAt = time.Now().UTC()
	}
	row := s.db.QueryRowContext(ctx, `
		UPDATE proposals
		SET status=?2, resolved_at=?3, resolved_by=?4, resolution_note=?5, result_version_id=?6
		WHERE id=?1
		  AND (status='pending' OR (status='applying' AND ?2='approved'))
		RETURNING `+sqliteProposalColumns,
		proposalID, string(resolution.Status), resolvedAt.UnixNano(), resolution.ResolvedBy, resolution.Note, resolution.ResultVersionID,
	)
	item, err := scanSQLiteProposal(row)
	if err == nil {
		return item, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Proposal{}, fmt.Errorf("resolve proposal: %w", err)
	}
	return Proposal{}, s.notPending(ctx, proposalID)
}

func (s *SQLiteStore) ClaimProposal(ctx context.Context, proposalID string) (Proposal, error) {
	return s.transition(ctx, proposalID, StatusPending, StatusApplying)
}

func (s *SQLiteStore) ReleaseProposal(ctx context.Context, proposalID string) (Proposal, error) {
	return s.transition(ctx, proposalID, StatusApplying, StatusPending)
}

func (s *SQLiteStore) transition(ctx context.Context, proposalID string, from, to Status) (Proposal, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE proposals
		SET status=?3
		WHERE id=?1 AND status=?2
		RETURNING `+sqliteProposalColumns,
		proposalID, string(from), string(to),
	)
	item, err := scanSQLiteProposal(row)
	if err == nil {
		return item, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Proposal{}, fmt.Errorf("move proposal to %s: %w", to, err)
	}
	return Proposal{}, s.notPending(ctx, proposalID)
}

func (s *SQLiteStore) notPending(ctx context.Context, proposalID string) error {
	existing, err := s.GetProposal(ctx, proposalID)
	if err != nil {
		return err
	}
	return fmt.Errorf("proposal %s is %s: %w", proposalID, existing.Status, ErrNotPending)
}

func (s *SQLiteStore) SupersedeOthers(ctx context.Context, subjectID, documentName, fieldName, keepID string) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE proposals
		SET status='superseded', resolved_at=?5, resolved_by='system', resolution_note='superseded by ' || ?4
		WHERE subject_id=?1 AND document_name=?2 AND field_name=?3
		  AND id <> ?4
		  AND status='pending'
	`, subjectID, documentName, fieldName, keepID, time.Now().UTC().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("supersede proposals: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("supersede proposals rows: %w", err)
	}
	return int(affected), nil
}

func (s *SQLiteStore) ExpirePending(ctx context.Context, before time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE proposals
		SET status='expired', resolved_at=?2, resolved_by='system', resolution_note='expired without review'
		WHERE status='pending' AND created_at < ?1
	`, before.UnixNano(), time.Now().UTC().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("expire proposals: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expire proposals rows: %w", err)
	}
	return int(affected), nil
}

func scanSQLiteProposal(row rowScanner) (Proposal, error) {
	var (
		item       Proposal
		operation  string
		confidence string
		status     string
		current    string
		proposed   string
		createdAt  int64
		resolvedAt sql.NullInt64
	)
	err := row.Scan(
		&item.ID,
		&item.SubjectID,
		&item.DocumentName,
		&item.FieldName,
		&operation,
		&current,
		&proposed,
		&item.Reasoning,
		&confidence,
		&item.ActorID,
		&item.SourceQuery,
		&status,
		&createdAt,
		&resolvedAt,
		&item.ResolvedBy,
		&item.ResolutionNote,
		&item.ResultVersionID,
	)
	if err != nil {
		return Proposal{}, err
	}
	item.Operation = Operation(operation)
	item.Confidence = Confidence(confidence)
	item.Status = Status(status)
	item.CreatedAt = time.Unix(0, createdAt).UTC()
	if resolvedAt.Valid {
		at := time.Unix(0, resolvedAt.Int64).UTC()
		item.ResolvedAt = &at
	}
	if err := decodeValues(&item, current, proposed); err != nil {
		return Proposal{}, err
	}
	return item, nil
}

func collectSQLiteProposals(rows *sql.Rows) ([]Proposal, error) {
	defer rows.Close()
	items := make([]Proposal, 0)
	for rows.Next() {
		item, err := scanSQLiteProposal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan proposal: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate proposals: %w", err)
	}
	return items, nil
}
