package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

const proposalColumns = `
	id, subject_id, document_name, field_name, operation,
	current_value::text, proposed_value::text, reasoning, confidence,
	actor_id, source_query, status, created_at, resolved_at,
	resolved_by, resolution_note, result_version_id
`

func (s *PostgresStore) CreateProposal(ctx context.Context, proposal Proposal) error {
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
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7::jsonb, $8, $9, $10, $11, $12, $13)
	`,
		proposal.ID, proposal.SubjectID, proposal.DocumentName, proposal.FieldName, string(proposal.Operation),
		string(current), string(proposed), proposal.Reasoning, string(proposal.Confidence),
		proposal.ActorID, proposal.SourceQuery, string(status), createdAt,
	)
	if err != nil {
		return fmt.Errorf("create proposal: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetProposal(ctx context.Context, proposalID string) (Proposal, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id=$1`, proposalID)
	item, err := scanProposal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Proposal{}, fmt.Errorf("proposal %s: %w", proposalID, ErrNotFound)
	}
	if err != nil {
		return Proposal{}, fmt.Errorf("get proposal: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) ListPendingProposals(ctx context.Context, subjectID, documentName string) ([]Proposal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+proposalColumns+`
		FROM proposals
		WHERE subject_id=$1
		  AND ($2 = '' OR document_name=$2)
		  AND status='pending'
		ORDER BY seq DESC
	`, subjectID, documentName)
	if err != nil {
		return nil, fmt.Errorf("list pending proposals: %w", err)
	}
	return collectProposals(rows)
}

func (s *PostgresStore) ListProposals(ctx context.Context, subjectID, documentName string, limit int) ([]Proposal, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+proposalColumns+`
		FROM proposals
		WHERE subject_id=$1
		  AND ($2 = '' OR document_name=$2)
		ORDER BY seq DESC
		LIMIT $3
	`, subjectID, documentName, limit)
	if err != nil {
		return nil, fmt.Errorf("list proposals: %w", err)
	}
	return collectProposals(rows)
}

// ResolveProposal only updates rows that are still pending, or claimed by an
// approval, so two reviewers racing on the same proposal cannot both win.
func (s *PostgresStore) ResolveProposal(ctx context.Context, proposalID string, resolution Resolution) (Proposal, error) {
	if !resolution.Status.Terminal() {
		return Proposal{}, fmt.Errorf("resolve proposal %s: status %q is not terminal", proposalID, resolution.Status)
	}
	resolvedAt := resolution.ResolvedAt
	if resolvedAt.IsZero() {
		resolvedAt = time.Now().UTC()
	}
	row := s.db.QueryRowContext(ctx, `
		UPDATE proposals
		SET status=$2, resolved_at=$3, resolved_by=$4, resolution_note=$5, result_version_id=$6
		WHERE id=$1
		  AND (status='pending' OR (status='applying' AND $2='approved'))
		RETURNING `+proposalColumns,
		proposalID, string(resolution.Status), resolvedAt, resolution.ResolvedBy, resolution.Note, resolution.ResultVersionID,
	)
	item, err := scanProposal(row)
	if err == nil {
		return item, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Proposal{}, fmt.Errorf("resolve proposal: %w", err)
	}
	return Proposal{}, s.notPending(ctx, proposalID)
}

// ClaimProposal marks a pending proposal as applying. Expiry, supersede and
// reject only touch pending rows, so a claimed proposal is left to its
// approval.
func (s *PostgresStore) ClaimProposal(ctx context.Context, proposalID string) (Proposal, error) {
	return s.transition(ctx, proposalID, StatusPending, StatusApplying)
}

// ReleaseProposal returns a claimed proposal to pending after its approval
// failed before committing.
func (s *PostgresStore) ReleaseProposal(ctx context.Context, proposalID string) (Proposal, error) {
	return s.transition(ctx, proposalID, StatusApplying, StatusPending)
}

func (s *PostgresStore) transition(ctx context.Context, proposalID string, from, to Status) (Proposal, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE proposals
		SET status=$3
		WHERE id=$1 AND status=$2
		RETURNING `+proposalColumns,
		proposalID, string(from), string(to),
	)
	item, err := scanProposal(row)
	if err == nil {
		return item, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Proposal{}, fmt.Errorf("move proposal to %s: %w", to, err)
	}
	return Proposal{}, s.notPending(ctx, proposalID)
}

func (s *PostgresStore) notPending(ctx context.Context, proposalID string) error {
	existing, err := s.GetProposal(ctx, proposalID)
	if err != nil {
		return err
	}
	return fmt.Errorf("proposal %s is %s: %w", proposalID, existing.Status, ErrNotPending)
}

func (s *PostgresStore) SupersedeOthers(ctx context.Context, subjectID, documentName, fieldName, keepID string) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE proposals
		SET status='superseded', resolved_at=NOW(), resolved_by='system', resolution_note='superseded by ' || $4
		WHERE subject_id=$1 AND document_name=$2 AND field_name=$3
		  AND id <> $4
		  AND status='pending'
	`, subjectID, documentName, fieldName, keepID)
	if err != nil {
		return 0, fmt.Errorf("supersede proposals: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("supersede proposals rows: %w", err)
	}
	return int(affected), nil
}

func (s *PostgresStore) ExpirePending(ctx context.Context, before time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE proposals
		SET status='expired', resolved_at=NOW(), resolved_by='system', resolution_note='expired without review'
		WHERE status='pending' AND created_at < $1
	`, before)
	if err != nil {
		return 0, fmt.Errorf("expire proposals: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expire proposals rows: %w", err)
	}
	return int(affected), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProposal(row rowScanner) (Proposal, error) {
	var (
		item       Proposal
		operation  string
		confidence string
		status     string
		current    string
		proposed   string
		resolvedAt sql.NullTime
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
		&item.CreatedAt,
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
	if resolvedAt.Valid {
		at := resolvedAt.Time
		item.ResolvedAt = &at
	}
	if err := decodeValues(&item, current, proposed); err != nil {
		return Proposal{}, err
	}
	return item, nil
}

func decodeValues(item *Proposal, current, proposed string) error {
	if err := json.Unmarshal([]byte(current), &item.CurrentValue); err != nil {
		return fmt.Errorf("decode current value: %w", err)
	}
	if err := json.Unmarshal([]byte(proposed), &item.ProposedValue); err != nil {
		return fmt.Errorf("decode proposed value: %w", err)
	}
	return nil
}

func collectProposals(rows *sql.Rows) ([]Proposal, error) {
	defer rows.Close()
	items := make([]Proposal, 0)
	for rows.Next() {
		item, err := scanProposal(rows)
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
