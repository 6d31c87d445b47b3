package main

import "time"

// This file implements the reducer-style building blocks of the sync controller:
//
//   - Events: inputs to the reducer (transport deliveries, ticks, timer expiries, user requests)
//   - Commands: side effects requested by the reducer (timers, transport section, beat capture)
//   - Broadcasts: snapshot changes for subscribers
//   - Reduce(): computes next state + commands, without performing I/O
//
// The reducer never reads the clock. Time comes from Tick.Now or TimedEvent.At,
// which is what makes wave delays, supersession and the beat overlay testable
// with fixed clocks.

// ==============================
// Events
// ==============================

// Event is the input to the reducer.
type Event interface {
	eventMarker()
}

// Tick is emitted by the daemon loop at the frame rate.
type Tick struct {
	Now time.Time
}

func (Tick) eventMarker() {}

// TimedEvent wraps an external event with its receipt time.
type TimedEvent struct {
	Event Event
	At    time.Time
}

func (TimedEvent) eventMarker() {}

// TimerFired is posted by the timer arena when a scheduled handle expires.
type TimerFired struct {
	Handle TimerHandle
}

func (TimerFired) eventMarker() {}

// RequestStateSnapshot asks the daemon for the current snapshot.
type RequestStateSnapshot struct {
	Reply chan<- Snapshot
}

func (RequestStateSnapshot) eventMarker() {}

// ==============================
// Broadcasts
// ==============================

// StateBroadcast is a reducer-emitted notification for subscribers.
type StateBroadcast interface {
	broadcastMarker()
}

// BroadcastSnapshot carries a snapshot that differs from the last one published.
type BroadcastSnapshot struct {
	Snapshot Snapshot
}

func (BroadcastSnapshot) broadcastMarker() {}

// ==============================
// Reducer input/output
// ==============================

// ControllerConfig holds the fixed timings of the controller.
type ControllerConfig struct {
	// FlashDuration is how long a beat flash holds before reverting to black.
	FlashDuration time.Duration
	// BeatModeDuration is how long beat mode stays on after the latest beat.
	BeatModeDuration time.Duration
	// WaveStep is the per-section offset derived from a wave_direction.
	WaveStep time.Duration
}

// DefaultControllerConfig returns the stock timings.
func DefaultControllerConfig() ControllerConfig {
	return ControllerConfig{
		FlashDuration:    defaultFlashDuration,
		BeatModeDuration: defaultBeatModeDuration,
		WaveStep:         defaultWaveStep,
	}
}

// ReduceResult is the output of Reduce(): next state, Commands to execute and
// Broadcasts to publish.
type ReduceResult struct {
	State      *ControllerState
	Commands   []Command
	Broadcasts []StateBroadcast
}

// reduction carries the per-call scratch state of Reduce.
type reduction struct {
	s    *ControllerState
	cfg  ControllerConfig
	now  time.Time
	cmds []Command
}

// Reduce is the pure reducer:
//
// Rules:
// - Must not perform I/O
// - Must not block
// - Must not read the wall clock
//
// The daemon loop must:
// - execute Commands
// - translate their outcomes into Events
// - feed those Events back into Reduce()
func Reduce(s *ControllerState, e Event, cfg ControllerConfig) ReduceResult {
	if s == nil {
		s = newControllerState(SectionAll, false)
	}
	if s.Timers == nil {
		s.Timers = make(map[uint64]TimerHandle)
	}

	r := &reduction{s: s, cfg: cfg}

	if te, ok := e.(TimedEvent); ok {
		r.now = te.At
		e = te.Event
	}

	switch ev := e.(type) {
	case Tick:
		r.now = ev.Now
		r.frame()

	case CommandReceived:
		r.receive(ev.Command)

	case TimerFired:
		r.fire(ev.Handle)

	case BeatReceived:
		r.beat(ev.Beat)

	case TransportStateChanged:
		s.Conn = ev.State

	case ChangeSection:
		if ev.Section.Valid() && ev.Section != s.Section {
			s.Section = ev.Section
			r.cmds = append(r.cmds, CmdSetSection{Section: ev.Section})
		}

	case ToggleBeatSync:
		s.BeatSync = !s.BeatSync
		if s.BeatSync {
			s.BeatSyncUnavailable = false
		}
		r.cmds = append(r.cmds, CmdSetBeatCapture{Enabled: s.BeatSync})

	case BeatCaptureFailed:
		s.BeatSync = false
		s.BeatSyncUnavailable = true

	case RequestStateSnapshot:
		r.cmds = append(r.cmds, CmdPublishStateSnapshot{Reply: ev.Reply, Snapshot: s.Snapshot()})

	default:
		// Unknown event type: no-op.
	}

	var bcasts []StateBroadcast
	if snap := s.Snapshot(); !s.hasPublished || snap != s.published {
		s.published = snap
		s.hasPublished = true
		bcasts = append(bcasts, BroadcastSnapshot{Snapshot: snap})
	}

	return ReduceResult{
		State:      s,
		Commands:   r.cmds,
		Broadcasts: bcasts,
	}
}

// receive handles a freshly delivered command. The latest command always wins:
// it replaces a pending wave start and supersedes the running effect.
func (r *reduction) receive(cmd LightCommand) {
	s := r.s

	if s.Pending != nil {
		r.cancelGroup(groupPending)
		s.Pending = nil
	}

	if delay := waveDelayFor(cmd, s.Section, r.cfg.WaveStep); delay > 0 {
		h := s.newHandle(timerWaveStart, groupPending, 0)
		s.Pending = &PendingStart{Command: cmd, ReceivedAt: r.now, Handle: h.ID}
		r.schedule(h, delay)
		return
	}

	r.startRun(cmd)
}

// startRun supersedes the current run with cmd.
func (r *reduction) startRun(cmd LightCommand) {
	s := r.s

	r.cancelGroup(groupRun)

	// A new run repaints immediately, ending any beat flash early.
	if s.Flashing {
		r.cancelGroup(groupOverlay)
		s.Flashing = false
	}

	s.nextRunID++
	run := &EffectRun{
		ID:        s.nextRunID,
		Command:   cmd,
		StartedAt: r.now,
		From:      s.Color,
		Active:    true,
	}
	s.Run = run

	color, done := AdvanceFrom(run.From, cmd, 0)
	s.Color = color
	if done {
		run.Active = false
		return
	}

	if cmd.Effect == EffectStrobe {
		r.schedule(s.newHandle(timerStrobe, groupRun, run.ID), StrobePeriod(cmd.Speed))
	}
	if cmd.Duration != nil {
		r.schedule(s.newHandle(timerDuration, groupRun, run.ID), msDuration(*cmd.Duration))
	}
}

// finishRun marks the current run inactive. The rendered color stays.
func (r *reduction) finishRun() {
	if r.s.Run == nil || !r.s.Run.Active {
		return
	}
	r.s.Run.Active = false
	r.cancelGroup(groupRun)
}

// frame repaints frame-driven effects.
func (r *reduction) frame() {
	s := r.s
	run := s.Run
	if run == nil || !run.Active || !run.Command.Effect.Animated() {
		return
	}

	elapsed := r.now.Sub(run.StartedAt).Milliseconds()
	color, done := AdvanceFrom(run.From, run.Command, elapsed)
	if !s.Flashing {
		s.Color = color
	}
	if done {
		r.finishRun()
	}
}

func (r *reduction) fire(h TimerHandle) {
	s := r.s

	live, ok := s.Timers[h.ID]
	if !ok {
		// Cancelled or already fired.
		return
	}
	delete(s.Timers, h.ID)

	switch live.Kind {
	case timerWaveStart:
		if s.Pending == nil || s.Pending.Handle != live.ID {
			return
		}
		cmd := s.Pending.Command
		s.Pending = nil
		r.startRun(cmd)

	case timerStrobe:
		if live.RunID != s.activeRunID() || !s.Run.Active {
			return
		}
		run := s.Run
		elapsed := r.now.Sub(run.StartedAt)
		color, done := AdvanceFrom(run.From, run.Command, elapsed.Milliseconds())
		if !s.Flashing {
			s.Color = color
		}
		if done {
			r.finishRun()
			return
		}
		period := StrobePeriod(run.Command.Speed)
		next := period - elapsed%period
		if next <= 0 {
			next = period
		}
		r.schedule(s.newHandle(timerStrobe, groupRun, run.ID), next)

	case timerDuration:
		if live.RunID != s.activeRunID() {
			return
		}
		r.finishRun()

	case timerFlashEnd:
		s.Flashing = false
		s.Color = Black

	case timerBeatModeEnd:
		s.BeatMode = false
	}
}

// beat starts the flash overlay and (re)arms beat mode. The run keeps going.
func (r *reduction) beat(b BeatEvent) {
	s := r.s

	s.Flashing = true
	s.Color = White.Scale(clampUnit(b.Intensity))
	r.cancelGroup(groupOverlay)
	r.schedule(s.newHandle(timerFlashEnd, groupOverlay, 0), r.cfg.FlashDuration)

	s.BeatMode = true
	r.cancelGroup(groupBeatMode)
	r.schedule(s.newHandle(timerBeatModeEnd, groupBeatMode, 0), r.cfg.BeatModeDuration)
}

func (r *reduction) schedule(h TimerHandle, after time.Duration) {
	if after < 0 {
		after = 0
	}
	r.cmds = append(r.cmds, CmdScheduleTimer{Handle: h, After: after})
}

// cancelGroup forgets the group's handles and asks the arena to stop them.
// Nothing is emitted when the group has no live handles.
func (r *reduction) cancelGroup(g TimerGroup) {
	live := false
	for _, h := range r.s.Timers {
		if h.Group == g {
			live = true
			break
		}
	}
	if !live {
		return
	}
	r.s.dropGroup(g)
	r.cmds = append(r.cmds, CmdCancelTimerGroup{Group: g})
}
