// Package mpperr defines the sentinel errors shared across the MPP
// task runtime. Callers compare with errors.Is; wrapping with
// fmt.Errorf("...: %w", err) at package boundaries is expected and
// preserves the sentinel for later inspection.
package mpperr

import "errors"

var (
	// ErrBadRequest reports a malformed plan, a duplicate region entry,
	// or any other decode failure in a DispatchRequest.
	ErrBadRequest = errors.New("bad request")

	// ErrDuplicateTask reports that a task with the same (QueryID,
	// TaskID) is already registered with the TaskManager.
	ErrDuplicateTask = errors.New("duplicate task")

	// ErrTaskNotFound reports a lookup for a task that is not, or is no
	// longer, registered.
	ErrTaskNotFound = errors.New("task not found")

	// ErrAttachTimeout reports that a tunnel's receiver never attached
	// within the tunnel's configured timeout.
	ErrAttachTimeout = errors.New("attach timeout")

	// ErrAlreadyAttached reports a second attach attempt on a tunnel
	// that already has a receiver.
	ErrAlreadyAttached = errors.New("already attached")

	// ErrTunnelClosed reports an operation attempted against a tunnel
	// that has already transitioned to Closed or Finished.
	ErrTunnelClosed = errors.New("tunnel closed")

	// ErrPipelineFatal wraps any error surfaced by the pipeline while a
	// task is running.
	ErrPipelineFatal = errors.New("pipeline fatal error")

	// ErrCancelled reports that a task or tunnel was shut down by an
	// explicit cancellation.
	ErrCancelled = errors.New("cancelled")

	// ErrHanging reports that a query was cancelled by the hang
	// monitor, not by an explicit caller.
	ErrHanging = errors.New("MPP Task canceled because it seems hangs")
)
