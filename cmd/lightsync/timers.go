package main

import (
	"sync"
	"time"
)

// timerArena owns every armed timer of one controller.
//
// Timers are keyed by handle ID and tagged with their group so a whole group
// can be stopped at once on supersession. A timer that fires after it was
// cancelled posts nothing; the reducer additionally ignores handles it no
// longer knows about, which covers the window between firing and posting.
type timerArena struct {
	mu     sync.Mutex
	timers map[uint64]armedTimer
	post   func(Event)
}

type armedTimer struct {
	t     *time.Timer
	group TimerGroup
}

func newTimerArena(post func(Event)) *timerArena {
	return &timerArena{
		timers: make(map[uint64]armedTimer),
		post:   post,
	}
}

// Schedule arms a one-shot timer for h. Re-scheduling an armed handle replaces it.
func (a *timerArena) Schedule(h TimerHandle, after time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if old, ok := a.timers[h.ID]; ok {
		old.t.Stop()
	}

	var t *time.Timer
	t = time.AfterFunc(after, func() {
		a.mu.Lock()
		cur, ok := a.timers[h.ID]
		if !ok || cur.t != t {
			a.mu.Unlock()
			return
		}
		delete(a.timers, h.ID)
		a.mu.Unlock()

		if a.post != nil {
			a.post(TimerFired{Handle: h})
		}
	})
	a.timers[h.ID] = armedTimer{t: t, group: h.Group}
}

// CancelGroup stops every timer of group g.
func (a *timerArena) CancelGroup(g TimerGroup) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := 0
	for id, at := range a.timers {
		if at.group != g {
			continue
		}
		at.t.Stop()
		delete(a.timers, id)
		n++
	}
	return n
}

// StopAll stops everything. Used on controller teardown.
func (a *timerArena) StopAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, at := range a.timers {
		at.t.Stop()
		delete(a.timers, id)
	}
}

// Len reports the number of armed timers.
func (a *timerArena) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.timers)
}
