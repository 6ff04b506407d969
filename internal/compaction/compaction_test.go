package compaction

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manpreetbhatti/sketchsync/internal/db"
	"github.com/manpreetbhatti/sketchsync/internal/strokelog"
)

func newTestDB(t *testing.T) *db.Database {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "compaction.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database
}

func appendMoves(t *testing.T, database *db.Database, sessionID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := database.Append(context.Background(), sessionID, strokelog.Event{
			Kind:  strokelog.KindMove,
			Point: strokelog.Point{X: float64(i), Y: 1, Tool: "pen", Color: "#000", Size: 1},
		})
		require.NoError(t, err)
	}
}

func TestCompactAllSessionsRespectsThreshold(t *testing.T) {
	database := newTestDB(t)
	appendMoves(t, database, "busy", 12)
	appendMoves(t, database, "quiet", 3)

	svc := New(database, Config{EventThreshold: 10, SessionsPerPass: 100}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	assert.Equal(t, 1, svc.compactAllSessions())

	ctx := context.Background()
	busy, err := database.EventCount(ctx, "busy")
	require.NoError(t, err)
	assert.Zero(t, busy)

	quiet, err := database.EventCount(ctx, "quiet")
	require.NoError(t, err)
	assert.Equal(t, 3, quiet)

	events, err := database.ReadAll(ctx, "busy")
	require.NoError(t, err)
	require.Len(t, events, 12)
	for i, ev := range events {
		assert.Equal(t, float64(i), ev.Point.X)
	}
}

func TestStartStop(t *testing.T) {
	database := newTestDB(t)
	appendMoves(t, database, "s", 2)

	cfg := DefaultConfig()
	cfg.EventThreshold = 1
	svc := New(database, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	svc.Start()
	svc.Stop()

	count, err := database.EventCount(context.Background(), "s")
	require.NoError(t, err)
	assert.Zero(t, count, "first pass runs immediately on start")
}
