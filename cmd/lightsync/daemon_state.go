package main

import "time"

// ControllerState is the top-level, daemon-owned state container.
//
// Only the daemon goroutine touches it. Other goroutines observe it through
// Snapshot values published by the reducer.
type ControllerState struct {
	// Section is where this client stands in the crowd.
	Section Section

	// BeatSync is the user's wish to capture and report beats locally.
	BeatSync bool
	// BeatSyncUnavailable latches once the audio source refused to open.
	BeatSyncUnavailable bool

	// Conn mirrors the transport's connection state. The transport owns it.
	Conn ConnState

	// Color is what the display shows right now.
	Color RGB

	// Run is the current effect run. nil before the first command.
	Run *EffectRun

	// Pending holds a command waiting out its wave delay.
	Pending *PendingStart

	// Flashing is true while a beat overlay owns the rendered color.
	Flashing bool
	// BeatMode is true for a short while after each beat.
	BeatMode bool

	// Timers is the arena of live timer handles, keyed by handle ID.
	// A TimerFired whose handle is not in here is stale and ignored.
	Timers map[uint64]TimerHandle

	nextRunID    uint64
	nextHandleID uint64

	published    Snapshot
	hasPublished bool
}

// EffectRun is one execution of a command, from its start until it ends or is superseded.
type EffectRun struct {
	ID        uint64
	Command   LightCommand
	StartedAt time.Time
	// From is the color on screen when the run started. Fades start from it.
	From   RGB
	Active bool
}

// PendingStart is a received command whose run has not started yet.
type PendingStart struct {
	Command    LightCommand
	ReceivedAt time.Time
	Handle     uint64
}

// TimerKind says what a timer does when it fires.
type TimerKind int

const (
	timerWaveStart TimerKind = iota + 1
	timerStrobe
	timerDuration
	timerFlashEnd
	timerBeatModeEnd
)

func (k TimerKind) String() string {
	switch k {
	case timerWaveStart:
		return "wave_start"
	case timerStrobe:
		return "strobe"
	case timerDuration:
		return "duration"
	case timerFlashEnd:
		return "flash_end"
	case timerBeatModeEnd:
		return "beat_mode_end"
	default:
		return "unknown"
	}
}

// TimerGroup is the owner of a timer. Cancelling a group stops all of its timers.
type TimerGroup string

const (
	groupRun      TimerGroup = "run"
	groupPending  TimerGroup = "pending"
	groupOverlay  TimerGroup = "overlay"
	groupBeatMode TimerGroup = "beatmode"
)

// TimerHandle identifies one scheduled timer.
type TimerHandle struct {
	ID    uint64
	Kind  TimerKind
	Group TimerGroup
	// RunID is the run the timer belongs to. Zero for timers not tied to a run.
	RunID uint64
}

// Snapshot is the externally visible state of the controller.
type Snapshot struct {
	Color     RGB       `json:"color"`
	IsActive  bool      `json:"is_active"`
	ConnState ConnState `json:"connection_state"`
	BeatMode  bool      `json:"beat_mode"`
	Section   Section   `json:"section"`
	BeatSync  bool      `json:"beat_sync"`
	// BeatSyncUnavailable is set after beat capture failed to start.
	BeatSyncUnavailable bool `json:"beat_sync_unavailable,omitempty"`
}

// newControllerState returns the initial state for a client in section.
func newControllerState(section Section, beatSync bool) *ControllerState {
	if !section.Valid() {
		section = SectionAll
	}
	return &ControllerState{
		Section:  section,
		BeatSync: beatSync,
		Conn:     ConnConnecting,
		Color:    Black,
		Timers:   make(map[uint64]TimerHandle),
	}
}

// Snapshot returns the current externally visible state.
func (s *ControllerState) Snapshot() Snapshot {
	return Snapshot{
		Color:     s.Color,
		IsActive:  s.Run != nil && s.Run.Active,
		ConnState: s.Conn,
		BeatMode:  s.BeatMode,
		Section:   s.Section,
		BeatSync:  s.BeatSync,

		BeatSyncUnavailable: s.BeatSyncUnavailable,
	}
}

// newHandle allocates and registers a timer handle.
func (s *ControllerState) newHandle(kind TimerKind, group TimerGroup, runID uint64) TimerHandle {
	if s.Timers == nil {
		s.Timers = make(map[uint64]TimerHandle)
	}
	s.nextHandleID++
	h := TimerHandle{ID: s.nextHandleID, Kind: kind, Group: group, RunID: runID}
	s.Timers[h.ID] = h
	return h
}

// dropGroup forgets every live handle of group.
func (s *ControllerState) dropGroup(group TimerGroup) {
	for id, h := range s.Timers {
		if h.Group == group {
			delete(s.Timers, id)
		}
	}
}

// activeRunID returns the ID of the current run, or zero.
func (s *ControllerState) activeRunID() uint64 {
	if s.Run == nil {
		return 0
	}
	return s.Run.ID
}
