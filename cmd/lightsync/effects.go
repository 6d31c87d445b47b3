package main

import (
	"fmt"
	"log/slog"
)

// sectionSetter is the slice of the transport the daemon needs.
type sectionSetter interface {
	SetSection(Section)
}

// beatToggle takes beat capture on/off requests without blocking.
type beatToggle interface {
	Request(enabled bool)
}

// effectDeps are the external systems commands act on. Any of them may be nil.
type effectDeps struct {
	timers    *timerArena
	transport sectionSetter
	beats     beatToggle
}

// runEffect executes a single reducer-emitted Command (side effect) and emits
// follow-up Events via onEvent.
//
// Design rules:
// - This function is allowed to perform I/O.
// - It must never call Reduce() directly; it only emits Events to be reduced by the daemon loop.
// - The daemon loop is responsible for sequencing: Reduce -> Commands -> runEffect -> Events -> Reduce.
func runEffect(
	deps *effectDeps,
	cmd Command,
	logger *slog.Logger,
	onEvent func(Event),
) {
	if deps == nil {
		deps = &effectDeps{}
	}

	switch c := cmd.(type) {
	case CmdScheduleTimer:
		if deps.timers == nil {
			logger.Warn("timer requested without an arena", "command", c.String())
			return
		}
		deps.timers.Schedule(c.Handle, c.After)

	case CmdCancelTimerGroup:
		if deps.timers == nil {
			return
		}
		n := deps.timers.CancelGroup(c.Group)
		logger.Debug("timers cancelled", "group", c.Group, "count", n)

	case CmdSetSection:
		if deps.transport == nil {
			return
		}
		deps.transport.SetSection(c.Section)
		logger.Info("section changed", "section", c.Section)

	case CmdSetBeatCapture:
		if deps.beats == nil {
			if !c.Enabled {
				logger.Info("beat sync disabled")
				return
			}
			err := fmt.Errorf("%w: no audio source configured", ErrPermissionDenied)
			logger.Warn("beat sync unavailable", "error", err)
			if onEvent != nil {
				onEvent(BeatCaptureFailed{Err: err})
			}
			return
		}
		// Opening a source may block, so the switch starts capture off this
		// goroutine and posts BeatCaptureFailed back on failure.
		deps.beats.Request(c.Enabled)

	case CmdPublishStateSnapshot:
		// Deliver reducer-produced snapshot to the requester.
		if c.Reply == nil {
			logger.Warn("state snapshot requested with nil reply channel")
			return
		}

		// Never block the daemon.
		select {
		case c.Reply <- c.Snapshot:
		default:
			logger.Warn("state snapshot reply channel not ready; dropping snapshot")
		}

	default:
		logger.Warn("unknown command type", "command", cmd.String(), "error", errUnknownCommand{cmd: cmd})
	}
}

type errUnknownCommand struct {
	cmd Command
}

func (e errUnknownCommand) Error() string { return "unknown command: " + e.cmd.String() }
