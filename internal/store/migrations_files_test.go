package store

import (
	"io/fs"
	"regexp"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	migrations "mnemo/db"
)

var migrationName = regexp.MustCompile(`^(\d{4})_[a-z_]+\.(up|down)\.sql$`)

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	entries, err := fs.ReadDir(migrations.Migrations(), ".")
	require.NoError(t, err)

	directions := map[string][]string{}
	for _, entry := range entries {
		match := migrationName.FindStringSubmatch(entry.Name())
		require.NotNil(t, match, "unexpected file %s", entry.Name())
		directions[match[1]] = append(directions[match[1]], match[2])
	}

	require.NotEmpty(t, directions)
	for version, dirs := range directions {
		assert.ElementsMatch(t, []string{"up", "down"}, dirs, "version %s", version)
	}
}

func TestEmbeddedMigrationsCreateProposalTables(t *testing.T) {
	contents, err := fs.ReadFile(migrations.Migrations(), "0001_proposals.up.sql")
	require.NoError(t, err)
	sql := strings.ToLower(string(contents))
	assert.Contains(t, sql, "create table")
	assert.Contains(t, sql, "proposals")
}

func TestUpMigrationsSortsAndFilters(t *testing.T) {
	fsys := fstest.MapFS{
		"0002_b.up.sql":    {Data: []byte("SELECT 2")},
		"0001_a.up.sql":    {Data: []byte("SELECT 1")},
		"0001_a.down.sql":  {Data: []byte("SELECT 0")},
		"README.md":        {Data: []byte("notes")},
		"archive/x.up.sql": {Data: []byte("SELECT 9")},
	}
	files, err := upMigrations(fsys)
	require.NoError(t, err)
	assert.Equal(t, []string{"0001_a.up.sql", "0002_b.up.sql"}, files)
}
