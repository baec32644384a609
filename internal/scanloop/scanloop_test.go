package scanloop

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRun_StopsOnClose(t *testing.T) {
	stopCh := make(chan struct{})
	var calls atomic.Int32
	done := make(chan struct{})
	go func() {
		Run(stopCh, 5*time.Millisecond, 0, func() { calls.Add(1) })
		close(done)
	}()

	waitFor(t, func() bool { return calls.Load() >= 2 })
	close(stopCh)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after stop")
	}
}

func TestTask_RunOnStartAndStop(t *testing.T) {
	var calls atomic.Int32
	task := &Task{
		Name:       "test",
		Interval:   time.Hour,
		RunOnStart: true,
		Fn:         func(context.Context) { calls.Add(1) },
	}
	task.Start()
	task.Start()
	if !task.Running() {
		t.Fatal("task should be running")
	}
	waitFor(t, func() bool { return calls.Load() == 1 })

	task.Stop()
	task.Stop()
	if task.Running() {
		t.Fatal("task should be stopped")
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("calls: got %d, want 1", got)
	}
}

func TestTask_StopCancelsRunningFn(t *testing.T) {
	started := make(chan struct{})
	var cancelled atomic.Bool
	task := &Task{
		Interval:   time.Hour,
		RunOnStart: true,
		Fn: func(ctx context.Context) {
			close(started)
			<-ctx.Done()
			cancelled.Store(true)
		},
	}
	task.Start()
	<-started
	task.Stop()
	if !cancelled.Load() {
		t.Fatal("Stop must cancel the run context and wait for it")
	}
}

func TestTask_Restart(t *testing.T) {
	var calls atomic.Int32
	task := &Task{Interval: time.Hour, RunOnStart: true, Fn: func(context.Context) { calls.Add(1) }}
	task.Start()
	waitFor(t, func() bool { return calls.Load() == 1 })
	task.Stop()
	task.Start()
	waitFor(t, func() bool { return calls.Load() == 2 })
	task.Stop()
}
