package main

import (
	"context"
	"log/slog"
	"sync"
)

// Controller is the in-process face of the sync controller.
//
// It posts events into the daemon and mirrors the daemon's published
// snapshots for readers on other goroutines. It also implements Sink, so the
// transport can deliver straight into it.
type Controller struct {
	ctx    context.Context
	events chan Event
	logger *slog.Logger

	mu   sync.RWMutex
	snap Snapshot

	subsMu  sync.Mutex
	subs    map[int]chan Snapshot
	nextSub int
}

// NewController creates a controller whose posts give up once ctx is done.
func NewController(ctx context.Context, initial Snapshot, eventBuf int, logger *slog.Logger) *Controller {
	if eventBuf <= 0 {
		eventBuf = defaultEventBuffer
	}
	return &Controller{
		ctx:    ctx,
		events: make(chan Event, eventBuf),
		logger: logger,
		snap:   initial,
		subs:   make(map[int]chan Snapshot),
	}
}

// Events is the daemon's inbound channel.
func (c *Controller) Events() <-chan Event { return c.events }

// Post hands an event to the daemon. It blocks while the queue is full and
// reports false once the controller's context is done.
func (c *Controller) Post(e Event) bool {
	select {
	case c.events <- e:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// Snapshot returns the latest published snapshot.
func (c *Controller) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap
}

// Subscribe returns a channel of snapshot changes. Slow subscribers miss
// updates rather than stall the controller. cancel is idempotent.
func (c *Controller) Subscribe(buf int) (<-chan Snapshot, func()) {
	if buf <= 0 {
		buf = 1
	}
	ch := make(chan Snapshot, buf)

	c.subsMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.subsMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			c.subsMu.Lock()
			if _, ok := c.subs[id]; ok {
				delete(c.subs, id)
				close(ch)
			}
			c.subsMu.Unlock()
		})
	}
	return ch, cancel
}

// ChangeSection moves this client to another section.
func (c *Controller) ChangeSection(s Section) {
	c.Post(ChangeSection{Section: s})
}

// ToggleBeatSync flips local beat capture.
func (c *Controller) ToggleBeatSync() {
	c.Post(ToggleBeatSync{})
}

// Run consumes reducer broadcasts until ctx is done, then closes all subscriptions.
func (c *Controller) Run(ctx context.Context, broadcasts <-chan StateBroadcast) {
	defer c.closeSubscribers()

	for {
		select {
		case <-ctx.Done():
			return
		case b, ok := <-broadcasts:
			if !ok {
				return
			}
			bs, ok := b.(BroadcastSnapshot)
			if !ok {
				continue
			}
			c.mu.Lock()
			c.snap = bs.Snapshot
			c.mu.Unlock()
			c.fanOut(bs.Snapshot)
		}
	}
}

func (c *Controller) fanOut(s Snapshot) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for id, ch := range c.subs {
		select {
		case ch <- s:
		default:
			c.logger.Debug("subscriber slow; dropping snapshot", "subscriber", id)
		}
	}
}

func (c *Controller) closeSubscribers() {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for id, ch := range c.subs {
		close(ch)
		delete(c.subs, id)
	}
}

// OnCommand implements Sink.
func (c *Controller) OnCommand(cmd LightCommand, via Strategy) {
	c.Post(CommandReceived{Command: cmd, Via: via})
}

// OnBeat implements Sink.
func (c *Controller) OnBeat(b BeatEvent) {
	c.Post(BeatReceived{Beat: b})
}

// OnState implements Sink.
func (c *Controller) OnState(s ConnState) {
	c.Post(TransportStateChanged{State: s})
}
