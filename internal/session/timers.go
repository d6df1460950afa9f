package session

import (
	"sync"
	"time"
)

// timerArena is the controller's single set of named one-shot timers. Arming
// a name that is already pending replaces the old timer, so at most one timer
// exists per name, and CancelAll tears every pending timer down on session
// teardown. This replaces scattered ad hoc timers with one accountable set.
type timerArena struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

func newTimerArena() *timerArena {
	return &timerArena{timers: make(map[string]*time.Timer)}
}

// Arm schedules fn after d under the given name, replacing any pending timer
// with the same name. No-op after CancelAll.
func (a *timerArena) Arm(name string, d time.Duration, fn func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	if t, ok := a.timers[name]; ok {
		t.Stop()
	}
	a.timers[name] = time.AfterFunc(d, func() {
		a.mu.Lock()
		delete(a.timers, name)
		a.mu.Unlock()
		fn()
	})
}

// Cancel stops the named timer if it is pending.
func (a *timerArena) Cancel(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if t, ok := a.timers[name]; ok {
		t.Stop()
		delete(a.timers, name)
	}
}

// CancelAll stops every pending timer and rejects future Arm calls.
func (a *timerArena) CancelAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	for name, t := range a.timers {
		t.Stop()
		delete(a.timers, name)
	}
}
