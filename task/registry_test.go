package task

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/c360studio/contextkeeper/apierr"
	"github.com/c360studio/contextkeeper/eventbus"
	vtask "github.com/c360studio/contextkeeper/vocabulary/task"
)

func openTestBus(t *testing.T) *eventbus.Bus {
	t.Helper()
	bus, err := eventbus.Open("", true)
	require.NoError(t, err)
	t.Cleanup(bus.Close)
	return bus
}

type runnerFunc func(ctx context.Context, t *vtask.Task, update ProgressFunc) error

func (f runnerFunc) Run(ctx context.Context, t *vtask.Task, update ProgressFunc) error {
	return f(ctx, t, update)
}

func waitForStatus(t *testing.T, r *Registry, id string, want vtask.Status) *vtask.Task {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := r.Get(id)
		require.NoError(t, err)
		if got.Status == want {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s did not reach status %s", id, want)
	return nil
}

func TestRegistry_SubmitReturnsImmediatelyQueued(t *testing.T) {
	r := New(openTestBus(t), 2)
	release := make(chan struct{})
	tk := r.Submit(vtask.KindIngest, "proj_X", runnerFunc(func(ctx context.Context, tt *vtask.Task, update ProgressFunc) error {
		<-release
		return nil
	}))
	require.Equal(t, vtask.KindIngest, tk.Kind)
	require.Contains(t, []vtask.Status{vtask.StatusQueued, vtask.StatusRunning}, tk.Status)
	close(release)
	waitForStatus(t, r, tk.ID, vtask.StatusCompleted)
}

func TestRegistry_CompletedTaskHasFullProgress(t *testing.T) {
	r := New(openTestBus(t), 2)
	tk := r.Submit(vtask.KindIngest, "proj_X", runnerFunc(func(ctx context.Context, tt *vtask.Task, update ProgressFunc) error {
		update(50, "a.py", vtask.Counters{FilesProcessed: 1, ChunksProduced: 3})
		update(100, "", vtask.Counters{FilesProcessed: 2, ChunksProduced: 5})
		return nil
	}))
	done := waitForStatus(t, r, tk.ID, vtask.StatusCompleted)
	require.Equal(t, 100, done.Progress)
	require.Equal(t, 2, done.Counters.FilesProcessed)
	require.Equal(t, 5, done.Counters.ChunksProduced)
}

func TestRegistry_FailedTaskRecordsError(t *testing.T) {
	r := New(openTestBus(t), 2)
	tk := r.Submit(vtask.KindIngest, "proj_X", runnerFunc(func(ctx context.Context, tt *vtask.Task, update ProgressFunc) error {
		return errors.New("boom")
	}))
	done := waitForStatus(t, r, tk.ID, vtask.StatusFailed)
	require.Equal(t, "boom", done.Error)
}

func TestRegistry_CancelStopsRunningTask(t *testing.T) {
	r := New(openTestBus(t), 2)
	started := make(chan struct{})
	tk := r.Submit(vtask.KindIngest, "proj_X", runnerFunc(func(ctx context.Context, tt *vtask.Task, update ProgressFunc) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}))
	<-started
	_, err := r.Cancel(tk.ID)
	require.NoError(t, err)
	waitForStatus(t, r, tk.ID, vtask.StatusCancelled)
}

func TestRegistry_CancelTerminalTaskIsStateConflict(t *testing.T) {
	r := New(openTestBus(t), 2)
	tk := r.Submit(vtask.KindIngest, "proj_X", runnerFunc(func(ctx context.Context, tt *vtask.Task, update ProgressFunc) error {
		return nil
	}))
	waitForStatus(t, r, tk.ID, vtask.StatusCompleted)
	_, err := r.Cancel(tk.ID)
	require.Error(t, err)
	require.True(t, apierr.Is(err, apierr.StateConflict))
}

func TestRegistry_GetUnknownTaskIsNotFound(t *testing.T) {
	r := New(openTestBus(t), 2)
	_, err := r.Get("task_missing")
	require.True(t, apierr.Is(err, apierr.NotFound))
}

func TestRegistry_ListFiltersByProject(t *testing.T) {
	r := New(openTestBus(t), 2)
	release := make(chan struct{})
	blocker := runnerFunc(func(ctx context.Context, tt *vtask.Task, update ProgressFunc) error {
		<-release
		return nil
	})
	r.Submit(vtask.KindIngest, "proj_A", blocker)
	r.Submit(vtask.KindIngest, "proj_B", blocker)
	close(release)

	all := r.List("")
	require.Len(t, all, 2)
	onlyA := r.List("proj_A")
	require.Len(t, onlyA, 1)
	require.Equal(t, "proj_A", onlyA[0].ProjectID)
}

func TestRegistry_ConcurrencyCapSerializesExcessTasks(t *testing.T) {
	r := New(openTestBus(t), 1)
	inFlight := make(chan struct{}, 2)
	release := make(chan struct{})

	block := runnerFunc(func(ctx context.Context, tt *vtask.Task, update ProgressFunc) error {
		inFlight <- struct{}{}
		<-release
		return nil
	})

	t1 := r.Submit(vtask.KindIngest, "proj_X", block)
	t2 := r.Submit(vtask.KindIngest, "proj_X", block)

	select {
	case <-inFlight:
	case <-time.After(time.Second):
		t.Fatal("expected first task to start")
	}
	select {
	case <-inFlight:
		t.Fatal("second task started despite concurrency cap of 1")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	waitForStatus(t, r, t1.ID, vtask.StatusCompleted)
	waitForStatus(t, r, t2.ID, vtask.StatusCompleted)
}
