package scanloop

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"
)

const (
	// DefaultMinInterval and DefaultJitterRange define the shared scan cadence.
	DefaultMinInterval = 13 * time.Second
	DefaultJitterRange = 4 * time.Second
)

// Run executes fn at a jittered interval until stopCh is closed.
// The interval is: minInterval + random([0, jitterRange)).
func Run(stopCh <-chan struct{}, minInterval, jitterRange time.Duration, fn func()) {
	if minInterval <= 0 {
		minInterval = time.Second
	}
	if jitterRange < 0 {
		jitterRange = 0
	}

	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C // drain initial fire

	for {
		interval := minInterval
		if jitterRange > 0 {
			interval += time.Duration(rand.Int64N(int64(jitterRange)))
		}

		timer.Reset(interval)
		select {
		case <-stopCh:
			return
		case <-timer.C:
		}
		fn()
	}
}

// Task is a named periodic job that can be started and stopped on its own.
// A run never overlaps with the next run of the same task; different tasks
// are independent and may overlap freely.
type Task struct {
	Name       string
	Interval   time.Duration
	Jitter     time.Duration
	RunOnStart bool
	Fn         func(ctx context.Context)

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Start launches the task goroutine. Calling Start on a running task is a no-op.
func (t *Task) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return
	}
	t.started = true
	t.stopCh = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel

	stopCh := t.stopCh
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if t.RunOnStart {
			select {
			case <-stopCh:
				return
			default:
			}
			t.Fn(ctx)
		}
		Run(stopCh, t.Interval, t.Jitter, func() { t.Fn(ctx) })
	}()
}

// Stop cancels the task context, stops the loop and waits for the current
// run (if any) to return. Stop on a stopped task is a no-op.
func (t *Task) Stop() {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return
	}
	t.started = false
	close(t.stopCh)
	t.cancel()
	t.mu.Unlock()
	t.wg.Wait()
}

// Running reports whether the task loop is active.
func (t *Task) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.started
}
