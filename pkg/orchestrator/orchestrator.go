// Package orchestrator drives a worker plan through a coordination session:
// it registers every worker, polls the table until dependencies clear,
// dispatches the work, and records terminal outcomes. The coordination
// primitives never push; all scheduling here is polling on the shared
// table.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/comzine/acp/pkg/coordination"
	"github.com/comzine/acp/pkg/logger"
	"github.com/comzine/acp/pkg/plan"
	"github.com/comzine/acp/pkg/types/protocol"
)

const (
	// DefaultPollInterval paces readiness polling per worker.
	DefaultPollInterval = 200 * time.Millisecond
)

// WorkFunc performs one worker's job. It runs only after the worker's
// dependencies completed and the worker transitioned to in_progress. A nil
// return completes the worker; an error fails it with the error text as
// detail. The func may write events, a report and artifacts through the
// session.
type WorkFunc func(ctx context.Context, sess *coordination.Session, spec plan.WorkerSpec) error

// Orchestrator runs one plan against one session.
type Orchestrator struct {
	sess *coordination.Session
	plan *plan.Plan

	workFn        WorkFunc
	pollInterval  time.Duration
	maxParallel   int
	workerTimeout time.Duration
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithWorkFunc sets the function dispatched for each started worker.
func WithWorkFunc(fn WorkFunc) Option {
	return func(o *Orchestrator) {
		o.workFn = fn
	}
}

// WithPollInterval sets the dependency polling interval.
func WithPollInterval(interval time.Duration) Option {
	return func(o *Orchestrator) {
		if interval > 0 {
			o.pollInterval = interval
		}
	}
}

// WithMaxParallel bounds how many workers execute at once. Zero means
// unbounded.
func WithMaxParallel(n int) Option {
	return func(o *Orchestrator) {
		if n >= 0 {
			o.maxParallel = n
		}
	}
}

// WithWorkerTimeout sets a default per-worker execution timeout, used when
// a spec does not declare its own. Zero means no timeout.
func WithWorkerTimeout(timeout time.Duration) Option {
	return func(o *Orchestrator) {
		o.workerTimeout = timeout
	}
}

// New validates the plan and builds an orchestrator for it. Validation up
// front is what rules out dependency cycles; a cycle would otherwise stall
// every involved worker forever.
func New(sess *coordination.Session, p *plan.Plan, opts ...Option) (*Orchestrator, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	o := &Orchestrator{
		sess:         sess,
		plan:         p,
		pollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.workFn == nil {
		cfg, err := coordination.DefaultConfig()
		if err != nil {
			return nil, errors.Wrap(err, "failed to resolve store config for command dispatch")
		}
		o.workFn = CommandWorkFunc(cfg)
	}
	return o, nil
}

// Result summarizes a finished run.
type Result struct {
	SessionID string
	Completed []string
	Failed    []string
	Table     *protocol.Table
}

// Run registers every worker and drives them all to a terminal status. The
// returned error aggregates individual worker failures; the Result is
// populated either way.
func (o *Orchestrator) Run(ctx context.Context) (*Result, error) {
	log := logger.G(ctx).WithField("session_id", o.sess.ID())

	for _, w := range o.plan.Workers {
		if err := o.sess.RegisterWorker(ctx, w.Name, w.DependsOn...); err != nil {
			return nil, errors.Wrapf(err, "failed to register worker %s", w.Name)
		}
	}
	log.WithField("workers", len(o.plan.Workers)).Info("registered workers")

	var sem chan struct{}
	if o.maxParallel > 0 {
		sem = make(chan struct{}, o.maxParallel)
	}

	var (
		mu   sync.Mutex
		merr *multierror.Error
		wg   sync.WaitGroup
	)
	fail := func(err error) {
		mu.Lock()
		merr = multierror.Append(merr, err)
		mu.Unlock()
	}

	for _, spec := range o.plan.Workers {
		wg.Add(1)
		go func(spec plan.WorkerSpec) {
			defer wg.Done()
			if err := o.runWorker(ctx, spec, sem); err != nil {
				fail(errors.Wrapf(err, "worker %s", spec.Name))
			}
		}(spec)
	}
	wg.Wait()

	table, err := o.sess.Snapshot(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load final table")
	}

	result := &Result{SessionID: o.sess.ID(), Table: table}
	for _, name := range o.plan.Names() {
		switch table.Workers[name].Status {
		case protocol.StatusCompleted:
			result.Completed = append(result.Completed, name)
		case protocol.StatusFailed:
			result.Failed = append(result.Failed, name)
		}
	}
	log.WithField("completed", len(result.Completed)).
		WithField("failed", len(result.Failed)).
		Info("run finished")

	return result, merr.ErrorOrNil()
}

// runWorker drives one worker: wait for dependencies, claim a parallelism
// slot, start, execute, record the terminal outcome.
func (o *Orchestrator) runWorker(ctx context.Context, spec plan.WorkerSpec, sem chan struct{}) error {
	log := logger.G(ctx).WithField("worker", spec.Name)

	if err := o.awaitReady(ctx, spec.Name); err != nil {
		if errors.Is(err, protocol.ErrDependencyFailed) {
			// Cascade: the worker can never run, so fail it now rather
			// than leave it stalled in waiting.
			detail := err.Error()
			if ferr := o.sess.Fail(ctx, spec.Name, detail); ferr != nil {
				log.WithError(ferr).Warn("failed to record cascaded failure")
			}
			o.appendEvent(ctx, protocol.NewErrorEvent(spec.Name, detail))
		}
		return err
	}

	if sem != nil {
		select {
		case sem <- struct{}{}:
			defer func() { <-sem }()
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	started, err := o.sess.TryStart(ctx, spec.Name)
	if err != nil {
		return err
	}
	if !started {
		// Dependencies were ready a moment ago and completion is sticky,
		// so this only happens if another consumer raced us to the claim.
		return errors.Errorf("lost the start claim")
	}
	log.Debug("worker started")
	o.appendEvent(ctx, protocol.NewStatusEvent(spec.Name, "started"))

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = o.workerTimeout
	}
	wctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := o.workFn(wctx, o.sess, spec); err != nil {
		if wctx.Err() != nil && errors.Is(err, wctx.Err()) {
			err = errors.Wrapf(err, "timed out after %s", timeout)
		}
		return o.failWorker(ctx, spec.Name, err)
	}
	return o.completeWorker(ctx, spec)
}

// awaitReady polls the table until every dependency of the worker is
// completed. A failed dependency aborts the wait with ErrDependencyFailed.
func (o *Orchestrator) awaitReady(ctx context.Context, name string) error {
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	for {
		table, err := o.sess.Snapshot(ctx)
		if err != nil {
			return err
		}
		entry, ok := table.Workers[name]
		if !ok {
			return errors.Wrapf(protocol.ErrNotFound, "worker %s", name)
		}

		ready := true
		for _, dep := range entry.Dependencies {
			depEntry, ok := table.Workers[dep]
			if !ok {
				return errors.Wrapf(protocol.ErrUnknownDependency, "worker %s depends on %s", name, dep)
			}
			switch depEntry.Status {
			case protocol.StatusCompleted:
			case protocol.StatusFailed:
				return errors.Wrapf(protocol.ErrDependencyFailed, "dependency %s failed: %s", dep, depEntry.ErrorDetail)
			default:
				ready = false
			}
		}
		if ready {
			return nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// completeWorker records a successful outcome. If the work already
// completed the worker through its own session handle (a subprocess using
// the CLI, for instance), the redundant transition is tolerated; an
// external failure wins over our completion.
func (o *Orchestrator) completeWorker(ctx context.Context, spec plan.WorkerSpec) error {
	table, err := o.sess.Snapshot(ctx)
	if err != nil {
		return err
	}
	switch table.Workers[spec.Name].Status {
	case protocol.StatusCompleted:
		return nil
	case protocol.StatusFailed:
		return errors.Errorf("failed externally: %s", table.Workers[spec.Name].ErrorDetail)
	}

	o.ensureReport(ctx, spec)

	err = o.sess.Complete(ctx, spec.Name, spec.Name)
	if err != nil && errors.Is(err, protocol.ErrInvalidTransition) {
		table, serr := o.sess.Snapshot(ctx)
		if serr != nil {
			return serr
		}
		switch table.Workers[spec.Name].Status {
		case protocol.StatusCompleted:
			return nil
		case protocol.StatusFailed:
			return errors.Errorf("failed externally: %s", table.Workers[spec.Name].ErrorDetail)
		}
		return err
	}
	if err != nil {
		return err
	}
	o.appendEvent(ctx, protocol.NewCompletedEvent(spec.Name, spec.Description, spec.Name))
	return nil
}

// failWorker records a failed outcome, tolerating a race with an external
// transition the same way completeWorker does.
func (o *Orchestrator) failWorker(ctx context.Context, name string, cause error) error {
	o.appendEvent(ctx, protocol.NewErrorEvent(name, cause.Error()))

	err := o.sess.Fail(ctx, name, cause.Error())
	if err != nil && errors.Is(err, protocol.ErrInvalidTransition) {
		table, serr := o.sess.Snapshot(ctx)
		if serr != nil {
			return serr
		}
		if table.Workers[name].Status.Terminal() {
			return cause
		}
	}
	if err != nil {
		return errors.Wrap(cause, err.Error())
	}
	return cause
}

// ensureReport writes a minimal report when the work left none behind, so
// every completed worker has a readable report behind its reference.
func (o *Orchestrator) ensureReport(ctx context.Context, spec plan.WorkerSpec) {
	if _, err := o.sess.Report(ctx, spec.Name); err == nil || !errors.Is(err, protocol.ErrNotFound) {
		return
	}

	summary := spec.Description
	if summary == "" {
		summary = fmt.Sprintf("worker %s completed", spec.Name)
	}
	report := &protocol.Report{
		WorkerName: spec.Name,
		Timestamp:  time.Now().UTC(),
		Status:     protocol.StatusCompleted,
		Summary:    summary,
	}
	if err := o.sess.WriteReport(ctx, report); err != nil && !errors.Is(err, protocol.ErrDuplicateReport) {
		logger.G(ctx).WithField("worker", spec.Name).WithError(err).Warn("failed to write fallback report")
	}
}

func (o *Orchestrator) appendEvent(ctx context.Context, ev protocol.Event) {
	if err := o.sess.AppendEvent(ctx, ev); err != nil {
		logger.G(ctx).WithError(err).Warn("failed to append event")
	}
}

// CommandWorkFunc dispatches each worker as a subprocess. The child
// inherits the environment plus the session coordinates, so it can attach
// to the same session with its own store handle (typically through the
// CLI) and report progress, events and results itself. The worker's prompt
// is piped to stdin when present.
func CommandWorkFunc(storeCfg *coordination.Config) WorkFunc {
	return func(ctx context.Context, sess *coordination.Session, spec plan.WorkerSpec) error {
		if len(spec.Command) == 0 {
			return errors.Errorf("no command declared")
		}

		cmd := exec.CommandContext(ctx, spec.Command[0], spec.Command[1:]...)
		cmd.Env = append(os.Environ(),
			"ACP_SESSION="+sess.ID(),
			"ACP_WORKER="+spec.Name,
			"ACP_BACKEND="+storeCfg.Backend,
			"ACP_BASE_PATH="+storeCfg.BasePath,
			"ACP_DB_PATH="+storeCfg.DBPath,
		)
		if spec.Prompt != "" {
			cmd.Stdin = strings.NewReader(spec.Prompt)
		}

		output, err := cmd.CombinedOutput()
		if err != nil {
			detail := strings.TrimSpace(string(output))
			if len(detail) > 512 {
				detail = detail[len(detail)-512:]
			}
			if detail != "" {
				return errors.Wrapf(err, "command failed: %s", detail)
			}
			return errors.Wrap(err, "command failed")
		}
		return nil
	}
}
