package sink

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runSinkContract checks the behaviour the projector relies on.
func runSinkContract(t *testing.T, s Sink) {
	t.Helper()
	ctx := context.Background()

	empty, err := s.ListRecords(ctx, "subj-1")
	require.NoError(t, err)
	assert.Empty(t, empty)

	created, err := s.CreateRecord(ctx, "subj-1", "student", "Facts: likes algebra")
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "student", created.Key)

	_, err = s.CreateRecord(ctx, "subj-1", "engagement", "Notes: none")
	require.NoError(t, err)
	_, err = s.CreateRecord(ctx, "subj-2", "student", "other subject")
	require.NoError(t, err)

	records, err := s.ListRecords(ctx, "subj-1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "engagement", records[0].Key)
	assert.Equal(t, "student", records[1].Key)

	require.NoError(t, s.UpdateRecord(ctx, created.ID, "Facts: likes geometry"))
	records, err = s.ListRecords(ctx, "subj-1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "Facts: likes geometry", records[1].Value)
	assert.Equal(t, "subj-1", records[1].SubjectID)

	again, err := s.CreateRecord(ctx, "subj-1", "student", "Facts: recreated")
	require.NoError(t, err)
	assert.Equal(t, created.ID, again.ID)
	records, err = s.ListRecords(ctx, "subj-1")
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestMemoryContract(t *testing.T) {
	m := NewMemory()
	runSinkContract(t, m)
	assert.Equal(t, 4, m.Calls("list"))
	require.ErrorIs(t, m.UpdateRecord(context.Background(), "missing", "x"), ErrNotFound)
}

func TestRedisContract(t *testing.T) {
	server := miniredis.RunT(t)
	s, err := NewRedis("redis://"+server.Addr(), nil)
	require.NoError(t, err)
	defer s.Close()

	runSinkContract(t, s)
	require.ErrorIs(t, s.UpdateRecord(context.Background(), "missing", "x"), ErrNotFound)

	members, err := server.Members("mnemo:subject:subj-1:records")
	require.NoError(t, err)
	assert.Len(t, members, 2)
}

func TestRedisSkipsDanglingIDs(t *testing.T) {
	server := miniredis.RunT(t)
	s, err := NewRedis("redis://"+server.Addr(), nil)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	_, err = s.CreateRecord(ctx, "subj-1", "student", "value")
	require.NoError(t, err)
	_, err = server.SAdd("mnemo:subject:subj-1:records", "ghost")
	require.NoError(t, err)

	records, err := s.ListRecords(ctx, "subj-1")
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestNewRedisFailsWhenUnreachable(t *testing.T) {
	server := miniredis.RunT(t)
	addr := server.Addr()
	server.Close()

	_, err := NewRedis("redis://"+addr, nil)
	require.Error(t, err)
}

func TestRecordIDIsStable(t *testing.T) {
	assert.Equal(t, RecordID("subj-1", "student"), RecordID("subj-1", "student"))
	assert.NotEqual(t, RecordID("subj-1", "student"), RecordID("subj-2", "student"))
	assert.NotEqual(t, RecordID("a", "bc"), RecordID("ab", "c"))
	assert.Regexp(t, `^[0-9a-f]{32}$`, RecordID("subj-1", "student"))
	assert.Equal(t, "subj-1/"+RecordID("subj-1", "student"), s3RecordID("subj-1", "student"))
}
