package coordination

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/comzine/acp/pkg/logger"
	"github.com/comzine/acp/pkg/types/protocol"
)

const (
	// DefaultRetryAttempts bounds the optimistic read-modify-replace loop;
	// exhausting it surfaces protocol.ErrContention.
	DefaultRetryAttempts = 5
	// DefaultRetryDelay is the base backoff between replace attempts.
	DefaultRetryDelay = 20 * time.Millisecond
	// DefaultPollInterval paces AwaitStart's tryStart polling.
	DefaultPollInterval = 500 * time.Millisecond
)

// errNotReady aborts a tryStart mutation without an error: dependencies
// exist but are not all completed yet.
var errNotReady = errors.New("dependencies not ready")

// Session binds one coordination run to a Store and implements the worker
// lifecycle on top of the table's conditional replace. The handle itself
// holds no mutable state and is safe to share across goroutines; separate
// processes coordinate by opening their own handles on the same backing.
type Session struct {
	meta  protocol.SessionMeta
	store Store

	retryAttempts uint
	retryDelay    time.Duration
}

// SessionOption customizes session creation and mutation behavior.
type SessionOption func(*sessionOptions)

type sessionOptions struct {
	metadata      map[string]string
	retryAttempts uint
	retryDelay    time.Duration
}

// WithMetadata attaches free-form key/value metadata at session creation.
func WithMetadata(metadata map[string]string) SessionOption {
	return func(o *sessionOptions) {
		o.metadata = metadata
	}
}

// WithRetryAttempts overrides the optimistic-replace retry budget.
func WithRetryAttempts(attempts uint) SessionOption {
	return func(o *sessionOptions) {
		if attempts > 0 {
			o.retryAttempts = attempts
		}
	}
}

// WithRetryDelay overrides the base delay between replace attempts.
func WithRetryDelay(delay time.Duration) SessionOption {
	return func(o *sessionOptions) {
		if delay > 0 {
			o.retryDelay = delay
		}
	}
}

func newSessionOptions(opts []SessionOption) *sessionOptions {
	o := &sessionOptions{
		retryAttempts: DefaultRetryAttempts,
		retryDelay:    DefaultRetryDelay,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// CreateSession allocates a fresh session with a collision-resistant ID and
// empty backing stores.
func CreateSession(ctx context.Context, store Store, opts ...SessionOption) (*Session, error) {
	o := newSessionOptions(opts)

	meta := protocol.SessionMeta{
		ID:        uuid.NewString(),
		CreatedAt: time.Now().UTC(),
		Metadata:  o.metadata,
	}
	if err := store.CreateSession(ctx, meta); err != nil {
		return nil, errors.Wrap(err, "failed to create session")
	}

	logger.G(logger.WithSession(ctx, meta.ID)).Debug("created coordination session")
	return &Session{
		meta:          meta,
		store:         store,
		retryAttempts: o.retryAttempts,
		retryDelay:    o.retryDelay,
	}, nil
}

// OpenSession attaches to an existing session.
func OpenSession(ctx context.Context, store Store, id string, opts ...SessionOption) (*Session, error) {
	o := newSessionOptions(opts)

	meta, err := store.OpenSession(ctx, id)
	if err != nil {
		return nil, err
	}

	return &Session{
		meta:          meta,
		store:         store,
		retryAttempts: o.retryAttempts,
		retryDelay:    o.retryDelay,
	}, nil
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.meta.ID
}

// Meta returns the session metadata recorded at creation.
func (s *Session) Meta() protocol.SessionMeta {
	return s.meta
}

// mutate runs one table edit through the read-compute-atomic-replace loop.
// Only replace conflicts are retried; any error from fn aborts immediately
// and nothing is written. A drained retry budget becomes ErrContention.
func (s *Session) mutate(ctx context.Context, op string, fn func(*protocol.Table) error) error {
	err := retry.Do(
		func() error {
			table, err := s.store.LoadTable(ctx, s.meta.ID)
			if err != nil {
				return err
			}
			if err := fn(table); err != nil {
				return err
			}
			return s.store.ReplaceTable(ctx, s.meta.ID, table.Version, table)
		},
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, protocol.ErrReplaceConflict)
		}),
		retry.Attempts(s.retryAttempts),
		retry.Delay(s.retryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.MaxDelay(time.Second),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(attempt uint, err error) {
			logger.G(ctx).WithField("operation", op).WithField("attempt", attempt+1).
				Debug("coordination table replace conflict, retrying")
		}),
	)
	if errors.Is(err, protocol.ErrReplaceConflict) {
		return errors.Wrapf(protocol.ErrContention, "%s after %d attempts", op, s.retryAttempts)
	}
	return err
}

// RegisterWorker creates a waiting entry for the worker. Dependencies may
// be registered in any order; they are checked at TryStart, not here.
func (s *Session) RegisterWorker(ctx context.Context, name string, dependencies ...string) error {
	if err := protocol.ValidateWorkerName(name); err != nil {
		return err
	}
	for _, dep := range dependencies {
		if err := protocol.ValidateWorkerName(dep); err != nil {
			return errors.Wrapf(err, "dependency of worker %s", name)
		}
		if dep == name {
			return errors.Errorf("worker %s cannot depend on itself", name)
		}
	}

	return s.mutate(ctx, "registerWorker", func(table *protocol.Table) error {
		if _, ok := table.Workers[name]; ok {
			return errors.Wrapf(protocol.ErrAlreadyRegistered, "worker %s", name)
		}
		table.Workers[name] = &protocol.WorkerEntry{
			Status:       protocol.StatusWaiting,
			Dependencies: normalizeDependencies(dependencies),
			RegisteredAt: time.Now().UTC(),
		}
		return nil
	})
}

// TryStart atomically checks the worker's dependencies and, if they are all
// completed, flips the entry to in_progress and returns true. It returns
// false while dependencies are merely unfinished; a failed dependency is
// the distinct, non-retryable ErrDependencyFailed.
func (s *Session) TryStart(ctx context.Context, name string) (bool, error) {
	err := s.mutate(ctx, "tryStart", func(table *protocol.Table) error {
		entry, ok := table.Workers[name]
		if !ok {
			return errors.Wrapf(protocol.ErrNotFound, "worker %s", name)
		}
		if entry.Status != protocol.StatusWaiting {
			return errors.Wrapf(protocol.ErrInvalidTransition, "worker %s is %s, cannot start", name, entry.Status)
		}

		for _, dep := range entry.Dependencies {
			depEntry, ok := table.Workers[dep]
			if !ok {
				return errors.Wrapf(protocol.ErrUnknownDependency, "worker %s depends on %s", name, dep)
			}
			switch depEntry.Status {
			case protocol.StatusCompleted:
				// satisfied
			case protocol.StatusFailed:
				return errors.Wrapf(protocol.ErrDependencyFailed, "worker %s depends on failed %s", name, dep)
			default:
				return errNotReady
			}
		}

		now := time.Now().UTC()
		entry.Status = protocol.StatusInProgress
		entry.StartedAt = &now
		return nil
	})
	if err != nil {
		if errors.Is(err, errNotReady) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Complete transitions the worker in_progress -> completed, recording the
// completion time and the report reference. A worker that was externally
// failed while running gets ErrInvalidTransition here and must not treat
// its report as published.
func (s *Session) Complete(ctx context.Context, name, reportRef string) error {
	return s.mutate(ctx, "complete", func(table *protocol.Table) error {
		entry, ok := table.Workers[name]
		if !ok {
			return errors.Wrapf(protocol.ErrNotFound, "worker %s", name)
		}
		if entry.Status != protocol.StatusInProgress {
			return errors.Wrapf(protocol.ErrInvalidTransition, "worker %s is %s, cannot complete", name, entry.Status)
		}

		now := time.Now().UTC()
		entry.Status = protocol.StatusCompleted
		entry.CompletedAt = &now
		entry.ReportRef = reportRef
		return nil
	})
}

// Fail transitions the worker to failed from in_progress, or directly from
// waiting for setup failures (including an orchestrator cascading a failed
// dependency). Terminal entries cannot be failed again.
func (s *Session) Fail(ctx context.Context, name, errorDetail string) error {
	return s.mutate(ctx, "fail", func(table *protocol.Table) error {
		entry, ok := table.Workers[name]
		if !ok {
			return errors.Wrapf(protocol.ErrNotFound, "worker %s", name)
		}
		if entry.Status.Terminal() {
			return errors.Wrapf(protocol.ErrInvalidTransition, "worker %s is already %s", name, entry.Status)
		}

		now := time.Now().UTC()
		entry.Status = protocol.StatusFailed
		entry.CompletedAt = &now
		entry.ErrorDetail = errorDetail
		return nil
	})
}

// UpdateProgress replaces the worker's progress note without touching its
// status. Terminal entries are frozen.
func (s *Session) UpdateProgress(ctx context.Context, name, note string) error {
	return s.mutate(ctx, "updateProgress", func(table *protocol.Table) error {
		entry, ok := table.Workers[name]
		if !ok {
			return errors.Wrapf(protocol.ErrNotFound, "worker %s", name)
		}
		if entry.Status.Terminal() {
			return errors.Wrapf(protocol.ErrInvalidTransition, "worker %s is already %s", name, entry.Status)
		}
		entry.ProgressNote = note
		return nil
	})
}

// Snapshot returns a consistent point-in-time copy of the whole table.
func (s *Session) Snapshot(ctx context.Context) (*protocol.Table, error) {
	return s.store.LoadTable(ctx, s.meta.ID)
}

// AwaitStart polls TryStart on a fixed interval until the worker starts,
// the context expires, or a non-retryable outcome (failed or unknown
// dependency, invalid transition) surfaces. The primitive itself carries no
// timeout; bound the wait through the context.
func (s *Session) AwaitStart(ctx context.Context, name string, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	err := retry.Do(
		func() error {
			started, err := s.TryStart(ctx, name)
			if err != nil {
				return err
			}
			if !started {
				return errNotReady
			}
			return nil
		},
		retry.RetryIf(func(err error) bool {
			// Contention just means the table is busy; keep polling.
			return errors.Is(err, errNotReady) || errors.Is(err, protocol.ErrContention)
		}),
		retry.Attempts(0),
		retry.Delay(interval),
		retry.DelayType(retry.FixedDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
	if err == nil {
		return nil
	}
	if errors.Is(err, errNotReady) || errors.Is(err, protocol.ErrContention) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return errors.Wrapf(ctxErr, "worker %s did not become ready", name)
		}
		return errors.Errorf("worker %s did not become ready", name)
	}
	return err
}

// AppendEvent appends one record to the session's event log.
func (s *Session) AppendEvent(ctx context.Context, ev protocol.Event) error {
	return s.store.AppendEvent(ctx, s.meta.ID, ev)
}

// Events reads the whole event log from the start.
func (s *Session) Events(ctx context.Context) ([]protocol.Event, error) {
	events, _, err := s.store.ReadEvents(ctx, s.meta.ID, 0)
	return events, err
}

// TailEvents reads events after the cursor and returns the next cursor,
// for incremental and live consumption.
func (s *Session) TailEvents(ctx context.Context, from int64) ([]protocol.Event, int64, error) {
	return s.store.ReadEvents(ctx, s.meta.ID, from)
}

// WriteReport stores the worker's single write-once report. The report
// reference recorded in the coordination table on Complete should be the
// worker name this report is keyed by.
func (s *Session) WriteReport(ctx context.Context, report *protocol.Report) error {
	if report != nil && report.Timestamp.IsZero() {
		report.Timestamp = time.Now().UTC()
	}
	return s.store.WriteReport(ctx, s.meta.ID, report)
}

// Report reads one worker's report.
func (s *Session) Report(ctx context.Context, workerName string) (*protocol.Report, error) {
	return s.store.ReadReport(ctx, s.meta.ID, workerName)
}

// Reports reads every report present, sorted by worker name.
func (s *Session) Reports(ctx context.Context) ([]*protocol.Report, error) {
	return s.store.ReadReports(ctx, s.meta.ID)
}

// WriteArtifact stores a write-once keyed JSON document.
func (s *Session) WriteArtifact(ctx context.Context, key string, doc json.RawMessage) error {
	return s.store.WriteArtifact(ctx, s.meta.ID, key, doc)
}

// WriteArtifactJSON marshals v and stores it under key.
func (s *Session) WriteArtifactJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "failed to marshal artifact %s", key)
	}
	return s.WriteArtifact(ctx, key, data)
}

// ReadArtifact reads the document stored under key.
func (s *Session) ReadArtifact(ctx context.Context, key string) (json.RawMessage, error) {
	return s.store.ReadArtifact(ctx, s.meta.ID, key)
}

// ListArtifacts returns the keys present, filtered by an optional
// doublestar pattern such as "api/**".
func (s *Session) ListArtifacts(ctx context.Context, pattern string) ([]string, error) {
	return s.store.ListArtifacts(ctx, s.meta.ID, pattern)
}

func normalizeDependencies(deps []string) []string {
	if len(deps) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(deps))
	out := make([]string, 0, len(deps))
	for _, dep := range deps {
		if _, ok := seen[dep]; ok {
			continue
		}
		seen[dep] = struct{}{}
		out = append(out, dep)
	}
	sort.Strings(out)
	return out
}
