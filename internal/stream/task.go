package stream

import (
	"sync"
	"time"
)

// task is a cancellable scheduled callback. Cancel stops future firings; a
// body that is already running is not interrupted, so owners re-check that
// the task is still current before acting on it.
type task struct {
	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

// after runs fn once after d.
func after(d time.Duration, fn func(t *task)) *task {
	t := &task{}
	t.mu.Lock()
	t.timer = time.AfterFunc(d, func() {
		if t.active() {
			fn(t)
		}
	})
	t.mu.Unlock()
	return t
}

// every runs fn every d until cancelled. The next run is armed only after fn
// returns, so runs never overlap.
func every(d time.Duration, fn func(t *task)) *task {
	t := &task{}
	var tick func()
	tick = func() {
		if !t.active() {
			return
		}
		fn(t)
		t.mu.Lock()
		if !t.stopped {
			t.timer.Reset(d)
		}
		t.mu.Unlock()
	}
	t.mu.Lock()
	t.timer = time.AfterFunc(d, tick)
	t.mu.Unlock()
	return t
}

func (t *task) active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.stopped
}

// Cancel prevents any further run of the task. It is safe to call more than
// once and on a nil task.
func (t *task) Cancel() {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.stopped = true
	if t.timer != nil {
		t.timer.Stop()
	}
	t.mu.Unlock()
}
