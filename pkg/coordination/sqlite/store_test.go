package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comzine/acp/pkg/types/protocol"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func createSession(t *testing.T, store *Store, id string) {
	t.Helper()
	require.NoError(t, store.CreateSession(context.Background(), protocol.SessionMeta{
		ID:        id,
		CreatedAt: time.Now().UTC(),
	}))
}

func TestStore_SessionLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	meta := protocol.SessionMeta{
		ID:        "s1",
		CreatedAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		Metadata:  map[string]string{"project": "billing"},
	}
	require.NoError(t, store.CreateSession(ctx, meta))

	got, err := store.OpenSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, meta, got)

	err = store.CreateSession(ctx, meta)
	assert.Error(t, err, "duplicate session creation must fail")

	_, err = store.OpenSession(ctx, "missing")
	assert.True(t, errors.Is(err, protocol.ErrNotFound))

	createSession(t, store, "s2")
	sessions, err := store.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "s2", sessions[0].ID, "newest session first")
}

func TestStore_TableReplace(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	createSession(t, store, "s")

	table, err := store.LoadTable(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, int64(1), table.Version)
	assert.Empty(t, table.Workers)

	stale := table.Clone()

	table.Workers["alpha"] = &protocol.WorkerEntry{
		Status:       protocol.StatusWaiting,
		RegisteredAt: time.Now().UTC(),
	}
	require.NoError(t, store.ReplaceTable(ctx, "s", table.Version, table))

	reloaded, err := store.LoadTable(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, int64(2), reloaded.Version)
	assert.Contains(t, reloaded.Workers, "alpha")

	// The holder of the old version loses, and loses loudly.
	stale.Workers["beta"] = &protocol.WorkerEntry{Status: protocol.StatusWaiting, RegisteredAt: time.Now().UTC()}
	err = store.ReplaceTable(ctx, "s", stale.Version, stale)
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocol.ErrReplaceConflict))

	reloaded, err = store.LoadTable(ctx, "s")
	require.NoError(t, err)
	assert.NotContains(t, reloaded.Workers, "beta")

	err = store.ReplaceTable(ctx, "ghost", 1, table)
	assert.True(t, errors.Is(err, protocol.ErrNotFound))
}

func TestStore_Events(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	createSession(t, store, "s")

	events, cursor, err := store.ReadEvents(ctx, "s", 0)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Equal(t, int64(0), cursor)

	for i := 0; i < 3; i++ {
		require.NoError(t, store.AppendEvent(ctx, "s", protocol.NewStatusEvent("w", fmt.Sprintf("step %d", i))))
	}

	events, cursor, err = store.ReadEvents(ctx, "s", 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, protocol.EventStatus, events[0].Kind)

	require.NoError(t, store.AppendEvent(ctx, "s", protocol.NewErrorEvent("w", "boom")))
	tail, next, err := store.ReadEvents(ctx, "s", cursor)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, protocol.EventError, tail[0].Kind)
	assert.Greater(t, next, cursor)

	err = store.AppendEvent(ctx, "ghost", protocol.NewStatusEvent("w", "hi"))
	assert.True(t, errors.Is(err, protocol.ErrNotFound))
}

func TestStore_ReportWriteOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	createSession(t, store, "s")

	report := &protocol.Report{
		WorkerName: "scanner",
		Timestamp:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Status:     protocol.StatusCompleted,
		Summary:    "all clear",
		Metrics:    map[string]float64{"files": 120},
	}
	require.NoError(t, store.WriteReport(ctx, "s", report))

	err := store.WriteReport(ctx, "s", report)
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocol.ErrDuplicateReport))

	got, err := store.ReadReport(ctx, "s", "scanner")
	require.NoError(t, err)
	assert.Equal(t, "all clear", got.Summary)
	assert.Equal(t, float64(120), got.Metrics["files"])

	_, err = store.ReadReport(ctx, "s", "nobody")
	assert.True(t, errors.Is(err, protocol.ErrNotFound))

	require.NoError(t, store.WriteReport(ctx, "s", &protocol.Report{
		WorkerName: "auditor",
		Timestamp:  time.Now().UTC(),
		Status:     protocol.StatusCompleted,
		Summary:    "ok",
	}))
	all, err := store.ReadReports(ctx, "s")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "auditor", all[0].WorkerName)
}

func TestStore_Artifacts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	createSession(t, store, "s")

	doc := json.RawMessage(`{"schema":"v1"}`)
	require.NoError(t, store.WriteArtifact(ctx, "s", "db/schema", doc))

	err := store.WriteArtifact(ctx, "s", "db/schema", json.RawMessage(`{}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocol.ErrDuplicateArtifact))

	got, err := store.ReadArtifact(ctx, "s", "db/schema")
	require.NoError(t, err)
	assert.JSONEq(t, string(doc), string(got))

	require.NoError(t, store.WriteArtifact(ctx, "s", "api/surface", json.RawMessage(`[]`)))
	require.NoError(t, store.WriteArtifact(ctx, "s", "api/errors/catalog", json.RawMessage(`[]`)))

	keys, err := store.ListArtifacts(ctx, "s", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"api/errors/catalog", "api/surface", "db/schema"}, keys)

	apiKeys, err := store.ListArtifacts(ctx, "s", "api/**")
	require.NoError(t, err)
	assert.Equal(t, []string{"api/errors/catalog", "api/surface"}, apiKeys)

	err = store.WriteArtifact(ctx, "s", "bad key", doc)
	assert.Error(t, err)
}

func TestStore_CrossConnectionVisibility(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "shared.db")
	ctx := context.Background()

	one, err := NewStore(ctx, dbPath)
	require.NoError(t, err)
	defer one.Close()
	two, err := NewStore(ctx, dbPath)
	require.NoError(t, err)
	defer two.Close()

	createSession(t, one, "s")

	// A second store over the same file sees the session and can win a
	// replace round against the first.
	table, err := two.LoadTable(ctx, "s")
	require.NoError(t, err)
	table.Workers["via-two"] = &protocol.WorkerEntry{Status: protocol.StatusWaiting, RegisteredAt: time.Now().UTC()}
	require.NoError(t, two.ReplaceTable(ctx, "s", table.Version, table))

	stale, err := one.LoadTable(ctx, "s")
	require.NoError(t, err)
	assert.Contains(t, stale.Workers, "via-two")
}
