package main

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbehnke/dyntdm/internal/config"
	"github.com/dbehnke/dyntdm/internal/database"
	"github.com/dbehnke/dyntdm/internal/dynamic"
)

func testConfig(t *testing.T, extra string) *config.Config {
	t.Helper()
	cfg := config.NewConfig("")
	require.NoError(t, cfg.LoadFromString(`
udp:
  listen: 127.0.0.1:0
control:
  listen: 127.0.0.1:0
metrics:
  listen: 127.0.0.1:0
spans:
  - {driver: loc, address: "1:0", channels: 4, timing: 2}
  - {driver: loc, address: "1:1", channels: 4, timing: 1}
`+extra))
	require.NoError(t, cfg.Validate())
	return cfg
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewDaemon_RestoresConfiguredSpans(t *testing.T) {
	d, err := NewDaemon(testConfig(t, ""), discard())
	require.NoError(t, err)
	defer d.close()

	st := d.engine.Stats()
	assert.Equal(t, 2, st.Spans)
	assert.Equal(t, "DYN/loc/1:1", st.Master)
	assert.Nil(t, d.udp, "udp loads on demand")
	assert.Nil(t, d.eth)
}

func TestNewDaemon_DemandLoadsUDP(t *testing.T) {
	d, err := NewDaemon(testConfig(t, ""), discard())
	require.NoError(t, err)
	defer d.close()

	_, err = d.control.Create(dynamic.SpanSpec{Driver: "udp", Address: "127.0.0.1:4999/1", Channels: 2})
	require.NoError(t, err)
	require.NotNil(t, d.udp)
	assert.Equal(t, 1, d.udp.Stats().Endpoints)

	assert.Error(t, d.loadDriver("tdmoe"))
}

func TestNewDaemon_PersistsThroughDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spans.db")
	extra := "database:\n  enabled: true\n  path: " + path + "\n"

	d, err := NewDaemon(testConfig(t, extra), discard())
	require.NoError(t, err)
	_, err = d.control.Create(dynamic.SpanSpec{Driver: "loc", Address: "2:0", Channels: 8, Timing: 3})
	require.NoError(t, err)
	require.NoError(t, d.close())

	d, err = NewDaemon(testConfig(t, extra), discard())
	require.NoError(t, err)
	defer d.close()

	s := d.engine.Lookup("loc", "2:0")
	require.NotNil(t, s, "stored span restored")
	assert.Equal(t, 8, s.Channels())
	assert.Equal(t, 3, s.Timing())

	recs, err := database.NewSpanRepository(d.db.GetDB()).List()
	require.NoError(t, err)
	assert.Len(t, recs, 1, "configured spans are not stored")
}

func TestDaemon_RunUntilCancelled(t *testing.T) {
	d, err := NewDaemon(testConfig(t, ""), discard())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	assert.Eventually(t, func() bool { return d.ticker.Stats().Ticks > 10 }, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, d.servers, 1, "metrics and control share a listen address")
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}
	assert.Zero(t, d.engine.Stats().Spans)
}
