package database

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepo(t *testing.T) *SpanRepository {
	t.Helper()
	db, err := NewDB(Config{Path: filepath.Join(t.TempDir(), "spans.db")}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Health())
	return NewSpanRepository(db.GetDB())
}

func TestSpanRepository_UpsertAndList(t *testing.T) {
	repo := newTestRepo(t)

	require.NoError(t, repo.Upsert(&SpanRecord{Driver: " LOC ", Address: "1:0", Channels: 24, Timing: 1}))
	require.NoError(t, repo.Upsert(&SpanRecord{Driver: "eth", Address: "eth0/00:11:22:33:44:55", Channels: 31}))

	recs, err := repo.List()
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "loc", recs[0].Driver)
	assert.Equal(t, 1, recs[0].Timing)
	assert.Equal(t, "eth", recs[1].Driver)

	require.NoError(t, repo.Upsert(&SpanRecord{Driver: "loc", Address: "1:0", Channels: 30, Timing: 3}))
	count, err := repo.Count()
	require.NoError(t, err)
	assert.Equal(t, int64(2), count, "upsert updates in place")

	rec, err := repo.Get("loc", "1:0")
	require.NoError(t, err)
	assert.Equal(t, 30, rec.Channels)
	assert.Equal(t, 3, rec.Timing)
}

func TestSpanRepository_Invalid(t *testing.T) {
	repo := newTestRepo(t)

	assert.Error(t, repo.Upsert(nil))
	assert.Error(t, repo.Upsert(&SpanRecord{Driver: "loc", Channels: 4}))
	assert.Error(t, repo.Upsert(&SpanRecord{Driver: "loc", Address: "1:0"}))
	assert.Error(t, repo.Upsert(&SpanRecord{Driver: "loc", Address: "1:0", Channels: 4, Timing: -1}))
}

func TestSpanRepository_DeleteAndTiming(t *testing.T) {
	repo := newTestRepo(t)
	require.NoError(t, repo.Upsert(&SpanRecord{Driver: "udp", Address: "10.0.0.1:4000/1", Channels: 8}))

	require.NoError(t, repo.SetTiming("udp", "10.0.0.1:4000/1", 2))
	rec, err := repo.Get("udp", "10.0.0.1:4000/1")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Timing)

	require.NoError(t, repo.Delete("udp", "10.0.0.1:4000/1"))
	assert.ErrorIs(t, repo.Delete("udp", "10.0.0.1:4000/1"), ErrNotFound)
	assert.ErrorIs(t, repo.SetTiming("udp", "10.0.0.1:4000/1", 1), ErrNotFound)

	_, err = repo.Get("udp", "10.0.0.1:4000/1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConfig_DSN(t *testing.T) {
	dsn := Config{Path: "/tmp/spans.db"}.dsn()
	assert.Contains(t, dsn, "file:/tmp/spans.db?")
	assert.Contains(t, dsn, "busy_timeout%285000%29")
	assert.Contains(t, dsn, "journal_mode%28WAL%29")
}
