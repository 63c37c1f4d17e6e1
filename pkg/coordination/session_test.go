package coordination

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comzine/acp/pkg/types/protocol"
)

func newTestSession(t *testing.T) (*Session, Store) {
	t.Helper()
	store := newTestFSStore(t)
	session, err := CreateSession(context.Background(), store, WithRetryDelay(time.Millisecond))
	require.NoError(t, err)
	return session, store
}

func TestCreateAndOpenSession(t *testing.T) {
	store := newTestFSStore(t)
	ctx := context.Background()

	session, err := CreateSession(ctx, store, WithMetadata(map[string]string{"project": "billing"}))
	require.NoError(t, err)
	assert.NotEmpty(t, session.ID())
	assert.Equal(t, "billing", session.Meta().Metadata["project"])

	reopened, err := OpenSession(ctx, store, session.ID())
	require.NoError(t, err)
	assert.Equal(t, session.ID(), reopened.ID())

	_, err = OpenSession(ctx, store, "missing")
	assert.True(t, errors.Is(err, protocol.ErrNotFound))
}

func TestRegisterWorker(t *testing.T) {
	session, _ := newTestSession(t)
	ctx := context.Background()

	require.NoError(t, session.RegisterWorker(ctx, "db-migrator"))
	require.NoError(t, session.RegisterWorker(ctx, "api-builder", "db-migrator", "db-migrator"))

	err := session.RegisterWorker(ctx, "db-migrator")
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocol.ErrAlreadyRegistered))

	table, err := session.Snapshot(ctx)
	require.NoError(t, err)
	entry := table.Workers["api-builder"]
	require.NotNil(t, entry)
	assert.Equal(t, protocol.StatusWaiting, entry.Status)
	assert.Equal(t, []string{"db-migrator"}, entry.Dependencies, "dependencies are deduplicated")
	assert.False(t, entry.RegisteredAt.IsZero())

	assert.Error(t, session.RegisterWorker(ctx, "loop", "loop"), "self-dependency is rejected")
	assert.Error(t, session.RegisterWorker(ctx, "bad name!"))
}

func TestTryStartDependencyGating(t *testing.T) {
	session, _ := newTestSession(t)
	ctx := context.Background()

	require.NoError(t, session.RegisterWorker(ctx, "a"))
	require.NoError(t, session.RegisterWorker(ctx, "b", "a"))

	// B cannot start before A completes.
	started, err := session.TryStart(ctx, "b")
	require.NoError(t, err)
	assert.False(t, started)

	started, err = session.TryStart(ctx, "a")
	require.NoError(t, err)
	assert.True(t, started)

	// A is only in progress; B still waits.
	started, err = session.TryStart(ctx, "b")
	require.NoError(t, err)
	assert.False(t, started)

	require.NoError(t, session.Complete(ctx, "a", "a"))

	started, err = session.TryStart(ctx, "b")
	require.NoError(t, err)
	assert.True(t, started)

	// Starting twice is an invalid transition, not a quiet no.
	_, err = session.TryStart(ctx, "b")
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocol.ErrInvalidTransition))
}

func TestTryStartUnknownDependency(t *testing.T) {
	session, _ := newTestSession(t)
	ctx := context.Background()

	require.NoError(t, session.RegisterWorker(ctx, "b", "never-registered"))

	started, err := session.TryStart(ctx, "b")
	assert.False(t, started)
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocol.ErrUnknownDependency))

	_, err = session.TryStart(ctx, "ghost")
	assert.True(t, errors.Is(err, protocol.ErrNotFound))
}

func TestTryStartFailedDependency(t *testing.T) {
	session, _ := newTestSession(t)
	ctx := context.Background()

	require.NoError(t, session.RegisterWorker(ctx, "a"))
	require.NoError(t, session.RegisterWorker(ctx, "b", "a"))

	started, err := session.TryStart(ctx, "a")
	require.NoError(t, err)
	require.True(t, started)
	require.NoError(t, session.Fail(ctx, "a", "boom"))

	// A failed dependency is a distinct, non-retryable outcome, never a
	// plain false that would poll forever.
	started, err = session.TryStart(ctx, "b")
	assert.False(t, started)
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocol.ErrDependencyFailed))

	table, err := session.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, "boom", table.Workers["a"].ErrorDetail)
	require.NotNil(t, table.Workers["a"].CompletedAt)
}

func TestCompleteTransitions(t *testing.T) {
	session, _ := newTestSession(t)
	ctx := context.Background()

	require.NoError(t, session.RegisterWorker(ctx, "a"))

	// Completing a waiting worker skips in_progress and is rejected.
	err := session.Complete(ctx, "a", "a")
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocol.ErrInvalidTransition))

	started, err := session.TryStart(ctx, "a")
	require.NoError(t, err)
	require.True(t, started)
	require.NoError(t, session.Complete(ctx, "a", "a"))

	table, err := session.Snapshot(ctx)
	require.NoError(t, err)
	entry := table.Workers["a"]
	assert.Equal(t, protocol.StatusCompleted, entry.Status)
	assert.Equal(t, "a", entry.ReportRef)
	require.NotNil(t, entry.CompletedAt)
	require.NotNil(t, entry.StartedAt)
	assert.False(t, entry.CompletedAt.Before(*entry.StartedAt))

	err = session.Complete(ctx, "a", "a")
	assert.True(t, errors.Is(err, protocol.ErrInvalidTransition), "double completion must be rejected")

	err = session.Complete(ctx, "ghost", "r")
	assert.True(t, errors.Is(err, protocol.ErrNotFound))
}

func TestExternalFailBeatsOwnComplete(t *testing.T) {
	session, _ := newTestSession(t)
	ctx := context.Background()

	require.NoError(t, session.RegisterWorker(ctx, "a"))
	started, err := session.TryStart(ctx, "a")
	require.NoError(t, err)
	require.True(t, started)

	// A supervisor declares the running worker failed.
	require.NoError(t, session.Fail(ctx, "a", "deadline exceeded"))

	// The worker's own completion attempt loses cleanly.
	err = session.Complete(ctx, "a", "a")
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocol.ErrInvalidTransition))

	table, err := session.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusFailed, table.Workers["a"].Status)
	assert.Equal(t, "deadline exceeded", table.Workers["a"].ErrorDetail)
}

func TestFailFromWaiting(t *testing.T) {
	session, _ := newTestSession(t)
	ctx := context.Background()

	require.NoError(t, session.RegisterWorker(ctx, "a"))
	require.NoError(t, session.Fail(ctx, "a", "setup failed"))

	table, err := session.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusFailed, table.Workers["a"].Status)

	err = session.Fail(ctx, "a", "again")
	assert.True(t, errors.Is(err, protocol.ErrInvalidTransition), "terminal entries are frozen")
}

func TestUpdateProgress(t *testing.T) {
	session, _ := newTestSession(t)
	ctx := context.Background()

	require.NoError(t, session.RegisterWorker(ctx, "a"))
	require.NoError(t, session.UpdateProgress(ctx, "a", "queued"))

	started, err := session.TryStart(ctx, "a")
	require.NoError(t, err)
	require.True(t, started)
	require.NoError(t, session.UpdateProgress(ctx, "a", "70% done"))

	table, err := session.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, "70% done", table.Workers["a"].ProgressNote)

	require.NoError(t, session.Complete(ctx, "a", "a"))
	err = session.UpdateProgress(ctx, "a", "late")
	assert.True(t, errors.Is(err, protocol.ErrInvalidTransition))

	err = session.UpdateProgress(ctx, "ghost", "hi")
	assert.True(t, errors.Is(err, protocol.ErrNotFound))
}

func TestSnapshotIsConsistentCopy(t *testing.T) {
	session, _ := newTestSession(t)
	ctx := context.Background()

	require.NoError(t, session.RegisterWorker(ctx, "a"))
	snap, err := session.Snapshot(ctx)
	require.NoError(t, err)

	// Mutating the snapshot must not leak into the stored table.
	snap.Workers["a"].Status = protocol.StatusFailed
	snap.Workers["intruder"] = &protocol.WorkerEntry{Status: protocol.StatusWaiting}

	fresh, err := session.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusWaiting, fresh.Workers["a"].Status)
	assert.NotContains(t, fresh.Workers, "intruder")
}

func TestConcurrentTryStartSingleWinnerPerDependency(t *testing.T) {
	session, _ := newTestSession(t)
	ctx := context.Background()

	require.NoError(t, session.RegisterWorker(ctx, "dep"))
	started, err := session.TryStart(ctx, "dep")
	require.NoError(t, err)
	require.True(t, started)

	const dependents = 10
	for i := 0; i < dependents; i++ {
		require.NoError(t, session.RegisterWorker(ctx, fmt.Sprintf("w%02d", i), "dep"))
	}

	// While the dependency races to completion, pollers must never observe
	// a premature true.
	var wg sync.WaitGroup
	for i := 0; i < dependents; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			name := fmt.Sprintf("w%02d", n)
			for {
				ok, err := session.TryStart(ctx, name)
				if err != nil {
					if errors.Is(err, protocol.ErrContention) {
						continue
					}
					t.Errorf("tryStart(%s): %v", name, err)
					return
				}
				if ok {
					return
				}
				time.Sleep(time.Millisecond)
			}
		}(i)
	}

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, session.Complete(ctx, "dep", "dep"))
	wg.Wait()

	table, err := session.Snapshot(ctx)
	require.NoError(t, err)
	depDone := table.Workers["dep"].CompletedAt
	require.NotNil(t, depDone)
	for i := 0; i < dependents; i++ {
		name := fmt.Sprintf("w%02d", i)
		entry := table.Workers[name]
		assert.Equal(t, protocol.StatusInProgress, entry.Status)
		require.NotNil(t, entry.StartedAt, "worker %s", name)
		assert.False(t, entry.StartedAt.Before(*depDone),
			"worker %s started before its dependency completed", name)
	}
}

func TestAwaitStart(t *testing.T) {
	session, _ := newTestSession(t)
	ctx := context.Background()

	require.NoError(t, session.RegisterWorker(ctx, "a"))
	require.NoError(t, session.RegisterWorker(ctx, "b", "a"))

	done := make(chan error, 1)
	go func() {
		done <- session.AwaitStart(ctx, "b", 2*time.Millisecond)
	}()

	started, err := session.TryStart(ctx, "a")
	require.NoError(t, err)
	require.True(t, started)
	require.NoError(t, session.Complete(ctx, "a", "a"))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("awaitStart did not return after the dependency completed")
	}

	table, err := session.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusInProgress, table.Workers["b"].Status)
}

func TestAwaitStartContextDeadline(t *testing.T) {
	session, _ := newTestSession(t)

	require.NoError(t, session.RegisterWorker(context.Background(), "a"))
	require.NoError(t, session.RegisterWorker(context.Background(), "b", "a"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := session.AwaitStart(ctx, "b", 5*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestAwaitStartFailedDependencyReturnsImmediately(t *testing.T) {
	session, _ := newTestSession(t)
	ctx := context.Background()

	require.NoError(t, session.RegisterWorker(ctx, "a"))
	require.NoError(t, session.RegisterWorker(ctx, "b", "a"))
	started, err := session.TryStart(ctx, "a")
	require.NoError(t, err)
	require.True(t, started)
	require.NoError(t, session.Fail(ctx, "a", "boom"))

	err = session.AwaitStart(ctx, "b", time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocol.ErrDependencyFailed),
		"a failed dependency must abort the wait, not hang it")
}

func TestSessionEventFacet(t *testing.T) {
	session, _ := newTestSession(t)
	ctx := context.Background()

	require.NoError(t, session.AppendEvent(ctx, protocol.NewStatusEvent("a", "working")))
	require.NoError(t, session.AppendEvent(ctx, protocol.NewCompletedEvent("a", "all good", "a")))

	events, err := session.Events(ctx)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, protocol.EventCompleted, events[1].Kind)

	tail, cursor, err := session.TailEvents(ctx, 0)
	require.NoError(t, err)
	require.Len(t, tail, 2)

	more, _, err := session.TailEvents(ctx, cursor)
	require.NoError(t, err)
	assert.Empty(t, more)
}

func TestSessionReportAndArtifactFacets(t *testing.T) {
	session, _ := newTestSession(t)
	ctx := context.Background()

	report := &protocol.Report{
		WorkerName: "a",
		Status:     protocol.StatusCompleted,
		Summary:    "done",
	}
	require.NoError(t, session.WriteReport(ctx, report))
	assert.False(t, report.Timestamp.IsZero(), "missing timestamps are filled at write time")

	err := session.WriteReport(ctx, &protocol.Report{WorkerName: "a", Status: protocol.StatusCompleted, Summary: "again"})
	assert.True(t, errors.Is(err, protocol.ErrDuplicateReport))

	got, err := session.Report(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "done", got.Summary)

	require.NoError(t, session.WriteArtifactJSON(ctx, "sizes", map[string]int{"small": 1}))
	raw, err := session.ReadArtifact(ctx, "sizes")
	require.NoError(t, err)
	assert.JSONEq(t, `{"small":1}`, string(raw))

	keys, err := session.ListArtifacts(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"sizes"}, keys)
}

// TestRandomDAGCompletesInDependencyOrder drives a 50-worker random DAG with
// random per-worker latencies through concurrent lifecycle goroutines and
// checks the terminal table: everything completed exactly once, and no
// worker completed before a dependency did.
func TestRandomDAGCompletesInDependencyOrder(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping DAG soak in -short mode")
	}

	store := newTestFSStore(t)
	ctx := context.Background()
	// Fifty lifecycle goroutines hammer one table; give the optimistic
	// loop enough budget that transient conflicts never surface.
	session, err := CreateSession(ctx, store,
		WithRetryDelay(time.Millisecond), WithRetryAttempts(200))
	require.NoError(t, err)
	rng := rand.New(rand.NewSource(42))

	const workerCount = 50
	names := make([]string, workerCount)
	deps := make(map[string][]string, workerCount)
	for i := 0; i < workerCount; i++ {
		names[i] = fmt.Sprintf("worker-%02d", i)
		// Edges only point at lower indices, which keeps the graph acyclic.
		var d []string
		for j := 0; j < i; j++ {
			if rng.Intn(8) == 0 {
				d = append(d, names[j])
			}
		}
		deps[names[i]] = d
		require.NoError(t, session.RegisterWorker(ctx, names[i], d...))
	}

	transitions := make(map[string]int, workerCount)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func(name string, latency time.Duration) {
			defer wg.Done()
			if err := session.AwaitStart(ctx, name, time.Millisecond); err != nil {
				t.Errorf("awaitStart(%s): %v", name, err)
				return
			}
			time.Sleep(latency)
			if err := session.Complete(ctx, name, name); err != nil {
				t.Errorf("complete(%s): %v", name, err)
				return
			}
			mu.Lock()
			transitions[name]++
			mu.Unlock()
		}(names[i], time.Duration(rng.Intn(10))*time.Millisecond)
	}
	wg.Wait()

	table, err := session.Snapshot(ctx)
	require.NoError(t, err)
	require.True(t, table.Terminal(), "every worker must reach a terminal status")

	for _, name := range names {
		entry := table.Workers[name]
		require.Equal(t, protocol.StatusCompleted, entry.Status, "worker %s", name)
		assert.Equal(t, 1, transitions[name], "worker %s completed exactly once", name)
		require.NotNil(t, entry.CompletedAt)

		for _, dep := range deps[name] {
			depEntry := table.Workers[dep]
			require.NotNil(t, depEntry.CompletedAt)
			assert.False(t, entry.StartedAt.Before(*depEntry.CompletedAt),
				"worker %s started before dependency %s completed", name, dep)
			assert.False(t, entry.CompletedAt.Before(*depEntry.CompletedAt),
				"worker %s completed before dependency %s", name, dep)
		}
	}
}

// TestDisjointProgressUpdatesAcrossStores runs two independently opened
// stores over the same base path, each updating progress for its own 100
// workers, and checks that all 200 notes survive the interleaving.
func TestDisjointProgressUpdatesAcrossStores(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping contention soak in -short mode")
	}

	base := t.TempDir()
	storeA, err := NewFSStore(base)
	require.NoError(t, err)
	storeB, err := NewFSStore(base)
	require.NoError(t, err)

	ctx := context.Background()
	sessionA, err := CreateSession(ctx, storeA,
		WithRetryDelay(time.Millisecond), WithRetryAttempts(100))
	require.NoError(t, err)
	sessionB, err := OpenSession(ctx, storeB, sessionA.ID(),
		WithRetryDelay(time.Millisecond), WithRetryAttempts(100))
	require.NoError(t, err)

	const perSide = 100
	for i := 0; i < perSide; i++ {
		require.NoError(t, sessionA.RegisterWorker(ctx, fmt.Sprintf("a-%03d", i)))
		require.NoError(t, sessionB.RegisterWorker(ctx, fmt.Sprintf("b-%03d", i)))
	}

	update := func(s *Session, prefix string, done chan<- error) {
		for i := 0; i < perSide; i++ {
			name := fmt.Sprintf("%s-%03d", prefix, i)
			if err := s.UpdateProgress(ctx, name, "note for "+name); err != nil {
				done <- errors.Wrapf(err, "updateProgress(%s)", name)
				return
			}
		}
		done <- nil
	}

	done := make(chan error, 2)
	go update(sessionA, "a", done)
	go update(sessionB, "b", done)
	require.NoError(t, <-done)
	require.NoError(t, <-done)

	table, err := sessionA.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, table.Workers, 2*perSide)
	for i := 0; i < perSide; i++ {
		for _, prefix := range []string{"a", "b"} {
			name := fmt.Sprintf("%s-%03d", prefix, i)
			entry := table.Workers[name]
			require.NotNil(t, entry, "worker %s missing", name)
			assert.Equal(t, "note for "+name, entry.ProgressNote, "lost update for %s", name)
		}
	}
}

// rivalStore bumps the table version behind the caller's back before every
// replace, so the caller's optimistic write loses each round.
type rivalStore struct {
	Store
}

func (r *rivalStore) ReplaceTable(ctx context.Context, sessionID string, expect int64, table *protocol.Table) error {
	if current, err := r.Store.LoadTable(ctx, sessionID); err == nil {
		_ = r.Store.ReplaceTable(ctx, sessionID, current.Version, current)
	}
	return r.Store.ReplaceTable(ctx, sessionID, expect, table)
}

func TestMutationContentionExhaustsBudget(t *testing.T) {
	base := newTestFSStore(t)
	ctx := context.Background()

	session, err := CreateSession(ctx, base, WithRetryDelay(time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, session.RegisterWorker(ctx, "a"))

	contended, err := OpenSession(ctx, &rivalStore{Store: base}, session.ID(),
		WithRetryAttempts(3), WithRetryDelay(time.Millisecond))
	require.NoError(t, err)

	err = contended.UpdateProgress(ctx, "a", "doomed")
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocol.ErrContention), "unexpected error: %v", err)

	// The losing mutation left no partial write behind.
	table, err := session.Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, table.Workers["a"].ProgressNote)
}
