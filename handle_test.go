package maestro

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSpawnRunSuccess(t *testing.T) {
	h := spawnRun(context.Background(), "run-1", nil, func(ctx context.Context) (RunResult, error) {
		return successResult("req-abc", "готово"), nil
	})

	result, err := h.Await(context.Background())
	if err != nil {
		t.Fatalf("Await returned unexpected error: %v", err)
	}
	if result.Output != "готово" {
		t.Errorf("Output = %q, want %q", result.Output, "готово")
	}
	if h.State() != RunCompleted {
		t.Errorf("State = %v, want %v", h.State(), RunCompleted)
	}
	if h.ID() != "run-1" {
		t.Errorf("ID = %q, want run-1", h.ID())
	}
}

func TestSpawnRunFailure(t *testing.T) {
	boom := errors.New("синтез не удался")
	h := spawnRun(context.Background(), "run-2", nil, func(ctx context.Context) (RunResult, error) {
		return RunResult{}, boom
	})

	_, err := h.Await(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("Await err = %v, want %v", err, boom)
	}
	if h.State() != RunFailed {
		t.Errorf("State = %v, want %v", h.State(), RunFailed)
	}
}

func TestSpawnRunCancel(t *testing.T) {
	started := make(chan struct{})
	h := spawnRun(context.Background(), "run-3", nil, func(ctx context.Context) (RunResult, error) {
		close(started)
		<-ctx.Done()
		return RunResult{}, ctx.Err()
	})

	<-started
	h.Cancel()

	_, err := h.Await(context.Background())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Await err = %v, want context.Canceled", err)
	}
	if h.State() != RunCancelled {
		t.Errorf("State = %v, want %v", h.State(), RunCancelled)
	}
}

func TestSpawnRunPanicBecomesFailure(t *testing.T) {
	h := spawnRun(context.Background(), "run-4", nil, func(ctx context.Context) (RunResult, error) {
		panic("boom")
	})

	_, err := h.Await(context.Background())
	if err == nil {
		t.Fatal("expected error from panicking run")
	}
	if h.State() != RunFailed {
		t.Errorf("State = %v, want %v", h.State(), RunFailed)
	}
}

func TestRunHandleResultBeforeDone(t *testing.T) {
	release := make(chan struct{})
	h := spawnRun(context.Background(), "run-5", nil, func(ctx context.Context) (RunResult, error) {
		<-release
		return successResult("req-x", "ответ"), nil
	})

	if res, err := h.Result(); err != nil || res.Output != "" {
		t.Errorf("Result before done = (%+v, %v), want zero", res, err)
	}
	close(release)
	<-h.Done()
	if res, _ := h.Result(); res.Output != "ответ" {
		t.Errorf("Result after done = %q, want %q", res.Output, "ответ")
	}
}

func TestRunHandleAwaitRespectsCaller(t *testing.T) {
	h := spawnRun(context.Background(), "run-6", nil, func(ctx context.Context) (RunResult, error) {
		<-ctx.Done()
		return RunResult{}, ctx.Err()
	})
	defer h.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := h.Await(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Await err = %v, want deadline exceeded", err)
	}
}

func TestRunStateString(t *testing.T) {
	tests := []struct {
		state RunState
		want  string
	}{
		{RunPending, "pending"},
		{RunRunning, "running"},
		{RunCompleted, "completed"},
		{RunFailed, "failed"},
		{RunCancelled, "cancelled"},
		{RunState(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("RunState(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
