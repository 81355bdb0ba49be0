package maestro

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// RunState represents the execution state of a background run.
type RunState int32

const (
	// RunPending indicates the run has been spawned but not started.
	RunPending RunState = iota
	// RunRunning indicates the pipeline is in progress.
	RunRunning
	// RunCompleted indicates the run finished with a result.
	RunCompleted
	// RunFailed indicates the run returned an error.
	RunFailed
	// RunCancelled indicates the run was cancelled via Cancel() or parent context.
	RunCancelled
)

// String returns the state name.
func (s RunState) String() string {
	switch s {
	case RunPending:
		return "pending"
	case RunRunning:
		return "running"
	case RunCompleted:
		return "completed"
	case RunFailed:
		return "failed"
	case RunCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether the state is final.
func (s RunState) IsTerminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// RunHandle tracks one background conductor run.
// All methods are safe for concurrent use.
type RunHandle struct {
	id     string
	state  atomic.Int32
	result RunResult
	err    error
	done   chan struct{}
	cancel context.CancelFunc
}

// spawnRun launches fn in a background goroutine and returns immediately
// with a handle for tracking, awaiting, and cancelling. The parent ctx
// controls the run's lifetime. Panics inside fn become run failures instead
// of taking the process down.
func spawnRun(ctx context.Context, id string, logger *slog.Logger, fn func(ctx context.Context) (RunResult, error)) *RunHandle {
	if logger == nil {
		logger = nopLogger
	}

	ctx, cancel := context.WithCancel(ctx)
	h := &RunHandle{
		id:     id,
		done:   make(chan struct{}),
		cancel: cancel,
	}
	h.state.Store(int32(RunPending))

	logger.Info("background run spawned", "run_id", h.id)

	go func() {
		defer cancel()
		defer func() {
			if p := recover(); p != nil {
				logger.Error("background run panic", "run_id", h.id, "panic", fmt.Sprintf("%v", p))
				h.result = RunResult{}
				h.err = fmt.Errorf("run panic: %v", p)
				h.state.Store(int32(RunFailed))
				close(h.done)
			}
		}()
		h.state.Store(int32(RunRunning))
		start := time.Now()
		result, err := fn(ctx)

		// Write result/err before close(done). The channel close is the
		// happens-before barrier: all readers (<-h.done in Await, State,
		// Result) are guaranteed to see these writes after the close.
		h.result = result
		h.err = err
		if ctx.Err() != nil && err != nil {
			h.state.Store(int32(RunCancelled))
			logger.Info("background run cancelled", "run_id", h.id, "duration", time.Since(start))
		} else if err != nil {
			h.state.Store(int32(RunFailed))
			logger.Error("background run failed", "run_id", h.id, "error", err, "duration", time.Since(start))
		} else {
			h.state.Store(int32(RunCompleted))
			logger.Info("background run completed", "run_id", h.id, "duration", time.Since(start))
		}
		close(h.done)
	}()

	return h
}

// ID returns the run identifier (the parent task ID for async runs).
func (h *RunHandle) ID() string { return h.id }

// State returns the current execution state.
// If the state is terminal, State blocks until Done() is closed (nanoseconds)
// to guarantee that Result() returns valid data when State().IsTerminal() is true.
func (h *RunHandle) State() RunState {
	s := RunState(h.state.Load())
	if s.IsTerminal() {
		<-h.done
	}
	return s
}

// Done returns a channel closed when the run finishes (any terminal state).
// Composable with select for multiplexing multiple handles.
func (h *RunHandle) Done() <-chan struct{} { return h.done }

// Await blocks until the run completes or ctx is cancelled.
func (h *RunHandle) Await(ctx context.Context) (RunResult, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return RunResult{}, ctx.Err()
	}
}

// Result returns the result and error. Only meaningful after Done() is
// closed; before completion it returns a zero RunResult and nil error.
func (h *RunHandle) Result() (RunResult, error) {
	select {
	case <-h.done:
		return h.result, h.err
	default:
		return RunResult{}, nil
	}
}

// Cancel requests cancellation. Non-blocking. The run receives a cancelled
// context; state transitions to RunCancelled once the pipeline returns.
func (h *RunHandle) Cancel() { h.cancel() }
