package protocol

import "github.com/pkg/errors"

// Error taxonomy returned by the coordination stores. Callers branch with
// errors.Is even when the errors arrive wrapped with extra context. Only
// ErrContention is retryable; everything else must be handled by
// orchestration logic (a failed dependency marks the dependent failed, it
// is never silently retried).
var (
	// ErrAlreadyRegistered: the worker name already has an entry in this session.
	ErrAlreadyRegistered = errors.New("worker already registered")

	// ErrUnknownDependency: a declared dependency was never registered.
	ErrUnknownDependency = errors.New("unknown dependency")

	// ErrDependencyFailed: a dependency reached the failed state, so the
	// dependent can never start.
	ErrDependencyFailed = errors.New("dependency failed")

	// ErrInvalidTransition: the requested status change violates the
	// waiting -> in_progress -> {completed, failed} lifecycle.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrContention: the optimistic-replace retry budget was exhausted.
	ErrContention = errors.New("coordination table contention")

	// ErrDuplicateReport: a report already exists for the worker.
	ErrDuplicateReport = errors.New("report already written")

	// ErrDuplicateArtifact: the artifact key is already taken.
	ErrDuplicateArtifact = errors.New("artifact already written")

	// ErrNotFound: the session, worker, report, or artifact does not exist.
	ErrNotFound = errors.New("not found")

	// ErrReplaceConflict: a conditional table replace lost the race against
	// another writer. The mutation layer rereads and reapplies; exhausting
	// its retry budget surfaces ErrContention instead.
	ErrReplaceConflict = errors.New("table version conflict")
)
