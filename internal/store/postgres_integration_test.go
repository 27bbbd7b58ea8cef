package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

func openTestDatabase(t *testing.T) *sql.DB {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("MNEMO_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("MNEMO_TEST_DATABASE_URL is not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := Open(ctx, dsn, 4)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, resetPublicSchema(ctx, db))
	require.NoError(t, ApplyMigrationsDir(ctx, db, filepath.Join("..", "..", "db", "migrations"), nil))
	return db
}

func TestPostgresStoreContract(t *testing.T) {
	runProposalStoreContract(t, func(t *testing.T) proposalStore {
		return NewPostgresStore(openTestDatabase(t))
	})
}

func TestPostgresProposalsAreAuditRecords(t *testing.T) {
	db := openTestDatabase(t)
	ctx := context.Background()
	s := NewPostgresStore(db)
	require.NoError(t, s.CreateProposal(ctx, newProposal("prop_audit", "subj-1", "student", "facts", time.Now())))

	_, err := db.ExecContext(ctx, `DELETE FROM proposals WHERE id='prop_audit'`)
	requireIntegrityViolation(t, err)

	_, err = db.ExecContext(ctx, `UPDATE proposals SET reasoning='rewritten' WHERE id='prop_audit'`)
	requireIntegrityViolation(t, err)

	_, err = s.ResolveProposal(ctx, "prop_audit", Resolution{Status: StatusRejected, ResolvedBy: "reviewer"})
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, `UPDATE proposals SET status='pending' WHERE id='prop_audit'`)
	requireIntegrityViolation(t, err)
}

func TestPostgresClaimedProposalOnlyApprovesOrReleases(t *testing.T) {
	db := openTestDatabase(t)
	ctx := context.Background()
	s := NewPostgresStore(db)
	require.NoError(t, s.CreateProposal(ctx, newProposal("prop_guard", "subj-1", "student", "facts", time.Now())))
	_, err := s.ClaimProposal(ctx, "prop_guard")
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, `UPDATE proposals SET status='expired' WHERE id='prop_guard'`)
	requireIntegrityViolation(t, err)

	_, err = s.ReleaseProposal(ctx, "prop_guard")
	require.NoError(t, err)
}

func TestMigrationsRoundTripPostgres(t *testing.T) {
	db := openTestDatabase(t)
	ctx := context.Background()
	migrationsDir := filepath.Join("..", "..", "db", "migrations")

	require.NoError(t, applyDownMigrations(ctx, db, migrationsDir))
	_, err := db.ExecContext(ctx, `DELETE FROM schema_migrations`)
	require.NoError(t, err)
	require.NoError(t, ApplyMigrations(ctx, db, os.DirFS(migrationsDir), nil))
}

func requireIntegrityViolation(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	var pgErr *pgconn.PgError
	require.True(t, errors.As(err, &pgErr), "expected postgres error, got %T: %v", err, err)
	require.Equal(t, "23000", pgErr.Code)
}

func resetPublicSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`)
	return err
}

func applyDownMigrations(ctx context.Context, db *sql.DB, migrationsDir string) error {
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		return err
	}

	pattern := regexp.MustCompile(`^(\d+)_.*\.down\.sql$`)
	type migration struct {
		version string
		path    string
	}
	downs := make([]migration, 0)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := pattern.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		downs = append(downs, migration{version: match[1], path: filepath.Join(migrationsDir, entry.Name())})
	}
	sort.Slice(downs, func(i, j int) bool {
		return downs[i].version > downs[j].version
	})

	for _, down := range downs {
		sqlBytes, err := os.ReadFile(down.path)
		if err != nil {
			return err
		}
		sqlText := strings.TrimSpace(string(sqlBytes))
		if sqlText == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, sqlText); err != nil {
			return err
		}
	}
	return nil
}
