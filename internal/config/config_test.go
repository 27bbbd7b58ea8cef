package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("MNEMO_SINK", "")
	t.Setenv("SYNC_TIMEOUT_MS", "")
	t.Setenv("DB_MAX_CONNS", "")
	t.Setenv("MNEMO_PROPOSALS_DB", "")
	cfg := Load()

	assert.Equal(t, SinkMemory, cfg.Sink)
	assert.Equal(t, "overwrite", cfg.SyncStrategy)
	assert.Equal(t, 5*time.Second, cfg.SyncTimeout)
	assert.Equal(t, 3, cfg.SyncMaxAttempts)
	assert.Equal(t, 168*time.Hour, cfg.ProposalTTL)
	assert.Equal(t, 10, cfg.DBMaxConns)
	assert.Equal(t, "./data/proposals.db", cfg.ProposalsDB)
	require.NoError(t, cfg.Validate())
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("MNEMO_SINK", "Redis")
	t.Setenv("SYNC_TIMEOUT_MS", "250")
	t.Setenv("SYNC_RATE_PER_SECOND", "2.5")
	t.Setenv("S3_USE_SSL", "true")
	t.Setenv("SYNC_MAX_ATTEMPTS", "not-a-number")

	cfg := Load()
	assert.Equal(t, SinkRedis, cfg.Sink)
	assert.Equal(t, 250*time.Millisecond, cfg.SyncTimeout)
	assert.InDelta(t, 2.5, cfg.SyncRatePerSecond, 0.0001)
	assert.True(t, cfg.S3UseSSL)
	assert.Equal(t, 3, cfg.SyncMaxAttempts)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Load()
	cfg.Sink = "carrier-pigeon"
	cfg.SyncMaxAttempts = 0
	require.Error(t, cfg.Validate())

	cfg = Load()
	cfg.SyncStrategy = "reconcile"
	cfg.OpenAIKey = ""
	require.Error(t, cfg.Validate())

	cfg.OpenAIKey = "sk-test"
	require.NoError(t, cfg.Validate())
}

func TestProposalsDBRequiredWithoutDatabase(t *testing.T) {
	cfg := Load()
	cfg.DatabaseURL = ""
	cfg.ProposalsDB = ""
	require.Error(t, cfg.Validate())

	cfg.DatabaseURL = "postgres://localhost/mnemo"
	require.NoError(t, cfg.Validate())
}
