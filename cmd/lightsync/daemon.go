package main

import (
	"context"
	"log/slog"
	"time"
)

// ============================================================================
// Central Daemon Loop
// ============================================================================
//
// One goroutine owns ControllerState. Everything else (transport readers,
// pollers, timer callbacks, HTTP handlers, IPC, the beat pipeline) only posts
// Events into its channel.
//
//   - The reducer performs no I/O and computes: next state + commands + broadcasts.
//   - The daemon loop is the only place that executes side effects.
//   - Command outcomes are turned into Events and fed back into the reducer.
//   - Explicit event and command queues, so execution is never re-entrant.
//
// ============================================================================

// runDaemon is the main daemon loop that:
//   - Receives Events from multiple sources
//   - Emits Tick events at the frame rate
//   - Reduces events into (state, commands, broadcasts)
//   - Executes commands and feeds their outcomes back into the reducer
//
// Shutdown semantics:
//   - Exits when ctx is canceled
//   - Exits cleanly when the events channel is closed
//   - Stops every armed timer on exit so no run outlives the controller
func runDaemon(
	ctx context.Context,
	events <-chan Event,
	deps *effectDeps,
	cfg ControllerConfig,
	state *ControllerState,
	frameHz int,
	broadcasts chan<- StateBroadcast,
	logger *slog.Logger,
) {
	if state == nil {
		logger.Error("controller state is nil")
		return
	}
	if deps != nil && deps.timers != nil {
		defer deps.timers.StopAll()
	}

	if frameHz <= 0 {
		frameHz = defaultFrameHz
	}
	ticker := time.NewTicker(time.Second / time.Duration(frameHz))
	defer ticker.Stop()

	var eventQueue []Event
	var cmdQueue []Command

	enqueueEvent := func(ev Event) {
		eventQueue = append(eventQueue, ev)
	}

	publish := func(bcasts []StateBroadcast) {
		if broadcasts == nil {
			return
		}
		// Blocks while the consumer catches up; a dropped update could be
		// the last one and leave the snapshot stale.
		for _, b := range bcasts {
			select {
			case broadcasts <- b:
			case <-ctx.Done():
				return
			}
		}
	}

	// Reduce all queued events, enqueuing any resulting commands.
	flushEvents := func() {
		for len(eventQueue) > 0 {
			ev := eventQueue[0]
			eventQueue = eventQueue[1:]

			rr := Reduce(state, ev, cfg)
			if rr.State != nil {
				state = rr.State
			}
			cmdQueue = append(cmdQueue, rr.Commands...)
			publish(rr.Broadcasts)
		}
	}

	// Execute all queued commands, enqueuing outcome events.
	flushCommands := func() {
		for len(cmdQueue) > 0 {
			cmd := cmdQueue[0]
			cmdQueue = cmdQueue[1:]

			runEffect(deps, cmd, logger, func(obs Event) {
				enqueueEvent(TimedEvent{Event: obs, At: time.Now()})
			})

			flushEvents()
		}
	}

	// Publish the initial snapshot.
	enqueueEvent(Tick{Now: time.Now()})
	flushEvents()
	flushCommands()

	for {
		select {
		case <-ctx.Done():
			logger.Info("daemon stopping (context canceled)")
			return

		case ev, ok := <-events:
			if !ok {
				logger.Info("daemon stopping (events channel closed)")
				return
			}
			enqueueEvent(TimedEvent{Event: ev, At: time.Now()})
			flushEvents()
			flushCommands()

		case now := <-ticker.C:
			enqueueEvent(Tick{Now: now})
			flushEvents()
			flushCommands()
		}
	}
}
