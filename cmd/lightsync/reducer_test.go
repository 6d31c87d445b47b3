package main

import (
	"math"
	"testing"
	"time"
)

var t0 = time.Date(2025, 7, 1, 21, 0, 0, 0, time.UTC)

func at(ms int) time.Time { return t0.Add(time.Duration(ms) * time.Millisecond) }

// deliver reduces a CommandReceived stamped with its receipt time.
func deliver(s *ControllerState, cmd LightCommand, ms int) ReduceResult {
	return Reduce(s, TimedEvent{Event: CommandReceived{Command: cmd, Via: StrategyPush}, At: at(ms)}, DefaultControllerConfig())
}

func scheduled(cmds []Command, kind TimerKind) (CmdScheduleTimer, bool) {
	for _, c := range cmds {
		if st, ok := c.(CmdScheduleTimer); ok && st.Handle.Kind == kind {
			return st, true
		}
	}
	return CmdScheduleTimer{}, false
}

func cancelled(cmds []Command, g TimerGroup) bool {
	for _, c := range cmds {
		if cg, ok := c.(CmdCancelTimerGroup); ok && cg.Group == g {
			return true
		}
	}
	return false
}

func solid(c RGB) LightCommand {
	return LightCommand{Color: c, Effect: EffectSolid, Intensity: 1, Speed: 1, Section: SectionAll}
}

func TestReduce_SolidAppliesImmediately(t *testing.T) {
	s := newControllerState(SectionLeft, false)
	rr := deliver(s, solid(RGB{R: 255}), 0)

	if s.Color != (RGB{R: 255}) {
		t.Fatalf("expected red, got %v", s.Color)
	}
	if s.Run == nil || !s.Run.Active || !s.Run.StartedAt.Equal(t0) {
		t.Fatalf("expected active run started at t0, got %+v", s.Run)
	}
	if len(rr.Commands) != 0 {
		t.Fatalf("solid without duration needs no timers, got %v", rr.Commands)
	}
	if len(rr.Broadcasts) != 1 {
		t.Fatalf("expected 1 broadcast, got %d", len(rr.Broadcasts))
	}
	snap := rr.Broadcasts[0].(BroadcastSnapshot).Snapshot
	if snap.Color != (RGB{R: 255}) || !snap.IsActive || snap.Section != SectionLeft {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestReduce_BroadcastOnlyOnChange(t *testing.T) {
	s := newControllerState(SectionAll, false)
	Reduce(s, Tick{Now: at(0)}, DefaultControllerConfig())

	rr := Reduce(s, Tick{Now: at(16)}, DefaultControllerConfig())
	if len(rr.Broadcasts) != 0 {
		t.Fatalf("expected no broadcast for unchanged state, got %d", len(rr.Broadcasts))
	}
}

func TestReduce_LatestCommandSupersedesRun(t *testing.T) {
	s := newControllerState(SectionAll, false)
	strobe := LightCommand{Color: White, Effect: EffectStrobe, Intensity: 1, Speed: 1, Section: SectionAll, Duration: intPtr(5000)}

	rr := deliver(s, strobe, 0)
	oldStrobe, ok := scheduled(rr.Commands, timerStrobe)
	if !ok {
		t.Fatalf("expected strobe timer, got %v", rr.Commands)
	}
	if oldStrobe.After != 100*time.Millisecond {
		t.Fatalf("expected 100ms strobe period, got %s", oldStrobe.After)
	}
	oldDuration, ok := scheduled(rr.Commands, timerDuration)
	if !ok || oldDuration.After != 5*time.Second {
		t.Fatalf("expected 5s duration timer, got %v", rr.Commands)
	}

	rr = deliver(s, solid(RGB{B: 255}), 40)
	if !cancelled(rr.Commands, groupRun) {
		t.Fatalf("expected run timers cancelled, got %v", rr.Commands)
	}
	if s.Color != (RGB{B: 255}) || s.Run.ID != 2 {
		t.Fatalf("expected run 2 showing blue, got run %d %v", s.Run.ID, s.Color)
	}

	// Timers of the superseded run are stale.
	Reduce(s, TimedEvent{Event: TimerFired{Handle: oldStrobe.Handle}, At: at(100)}, DefaultControllerConfig())
	Reduce(s, TimedEvent{Event: TimerFired{Handle: oldDuration.Handle}, At: at(5000)}, DefaultControllerConfig())
	if s.Color != (RGB{B: 255}) || !s.Run.Active {
		t.Fatalf("stale timers changed the run: %v active=%v", s.Color, s.Run.Active)
	}
}

func TestReduce_StrobeToggles(t *testing.T) {
	s := newControllerState(SectionAll, false)
	rr := deliver(s, LightCommand{Color: RGB{G: 200}, Effect: EffectStrobe, Intensity: 1, Speed: 1, Section: SectionAll}, 0)
	if s.Color != (RGB{G: 200}) {
		t.Fatalf("expected strobe to start on, got %v", s.Color)
	}

	st, _ := scheduled(rr.Commands, timerStrobe)
	rr = Reduce(s, TimedEvent{Event: TimerFired{Handle: st.Handle}, At: at(100)}, DefaultControllerConfig())
	if s.Color != Black {
		t.Fatalf("expected strobe off at 100ms, got %v", s.Color)
	}
	st, ok := scheduled(rr.Commands, timerStrobe)
	if !ok || st.After != 100*time.Millisecond {
		t.Fatalf("expected next strobe in 100ms, got %v", rr.Commands)
	}

	Reduce(s, TimedEvent{Event: TimerFired{Handle: st.Handle}, At: at(200)}, DefaultControllerConfig())
	if s.Color != (RGB{G: 200}) {
		t.Fatalf("expected strobe on at 200ms, got %v", s.Color)
	}
}

func TestReduce_WaveDelayDefersStart(t *testing.T) {
	s := newControllerState(SectionRight, false)
	Reduce(s, TimedEvent{Event: CommandReceived{Command: solid(RGB{R: 9})}, At: at(0)}, DefaultControllerConfig())

	cmd := solid(RGB{G: 255})
	cmd.WaveDelay = intPtr(300)
	rr := deliver(s, cmd, 1000)

	wave, ok := scheduled(rr.Commands, timerWaveStart)
	if !ok || wave.After != 300*time.Millisecond {
		t.Fatalf("expected 300ms wave start, got %v", rr.Commands)
	}
	if s.Pending == nil || s.Color != (RGB{R: 9}) {
		t.Fatalf("expected pending command and unchanged color, got %+v %v", s.Pending, s.Color)
	}

	Reduce(s, TimedEvent{Event: TimerFired{Handle: wave.Handle}, At: at(1300)}, DefaultControllerConfig())
	if s.Color != (RGB{G: 255}) || s.Pending != nil {
		t.Fatalf("expected green after wave delay, got %v pending=%v", s.Color, s.Pending)
	}
	if !s.Run.StartedAt.Equal(at(1300)) {
		t.Fatalf("expected run to start when the delay ends, got %v", s.Run.StartedAt)
	}
}

func TestReduce_WaveDirectionUsesSectionStep(t *testing.T) {
	cfg := DefaultControllerConfig()
	for _, tt := range []struct {
		section Section
		want    time.Duration
	}{
		{SectionLeft, 0},
		{SectionCenter, cfg.WaveStep},
		{SectionRight, 2 * cfg.WaveStep},
	} {
		s := newControllerState(tt.section, false)
		cmd := solid(RGB{B: 255})
		cmd.WaveDirection = WaveLeftToRight
		rr := deliver(s, cmd, 0)

		wave, ok := scheduled(rr.Commands, timerWaveStart)
		if tt.want == 0 {
			if ok || s.Color != (RGB{B: 255}) {
				t.Errorf("%s: expected immediate start, got %v %v", tt.section, rr.Commands, s.Color)
			}
			continue
		}
		if !ok || wave.After != tt.want {
			t.Errorf("%s: expected wave start after %s, got %v", tt.section, tt.want, rr.Commands)
		}
	}
}

func TestReduce_LatestCommandReplacesPendingWave(t *testing.T) {
	s := newControllerState(SectionAll, false)
	delayed := solid(RGB{R: 255})
	delayed.WaveDelay = intPtr(500)
	rr := deliver(s, delayed, 0)
	wave, _ := scheduled(rr.Commands, timerWaveStart)

	rr = deliver(s, solid(RGB{B: 255}), 100)
	if !cancelled(rr.Commands, groupPending) {
		t.Fatalf("expected pending wave cancelled, got %v", rr.Commands)
	}
	if s.Color != (RGB{B: 255}) {
		t.Fatalf("expected blue, got %v", s.Color)
	}

	Reduce(s, TimedEvent{Event: TimerFired{Handle: wave.Handle}, At: at(500)}, DefaultControllerConfig())
	if s.Color != (RGB{B: 255}) {
		t.Fatalf("stale wave start repainted the light: %v", s.Color)
	}
}

func TestReduce_DurationExpiryKeepsColor(t *testing.T) {
	s := newControllerState(SectionAll, false)
	cmd := solid(RGB{R: 100, G: 50})
	cmd.Duration = intPtr(2000)
	rr := deliver(s, cmd, 0)
	d, _ := scheduled(rr.Commands, timerDuration)

	rr = Reduce(s, TimedEvent{Event: TimerFired{Handle: d.Handle}, At: at(2000)}, DefaultControllerConfig())
	if s.Run.Active {
		t.Fatalf("expected run inactive after duration")
	}
	if s.Color != (RGB{R: 100, G: 50}) {
		t.Fatalf("expected color kept after duration, got %v", s.Color)
	}
	snap := rr.Broadcasts[0].(BroadcastSnapshot).Snapshot
	if snap.IsActive {
		t.Fatalf("expected inactive snapshot, got %+v", snap)
	}
}

func TestReduce_PulseFollowsFrames(t *testing.T) {
	s := newControllerState(SectionAll, false)
	cmd := LightCommand{Color: RGB{R: 200}, Effect: EffectPulse, Intensity: 1, Speed: 1, Section: SectionAll}
	deliver(s, cmd, 0)

	for _, ms := range []int{16, 157, 400, 1000} {
		Reduce(s, Tick{Now: at(ms)}, DefaultControllerConfig())
		want, _ := Advance(cmd, int64(ms))
		if s.Color != want {
			t.Fatalf("at %dms expected %v, got %v", ms, want, s.Color)
		}
	}
}

func TestReduce_FadeStartsFromCurrentColor(t *testing.T) {
	s := newControllerState(SectionAll, false)
	deliver(s, solid(RGB{R: 255}), 0)

	fade := LightCommand{Color: RGB{B: 255}, Effect: EffectFade, Intensity: 1, Speed: 1, Section: SectionAll}
	deliver(s, fade, 1000)
	if s.Color != (RGB{R: 255}) {
		t.Fatalf("expected fade to start at red, got %v", s.Color)
	}

	Reduce(s, Tick{Now: at(1500)}, DefaultControllerConfig())
	if s.Color != (RGB{R: 128, B: 128}) {
		t.Fatalf("expected midpoint #800080, got %v", s.Color)
	}

	Reduce(s, Tick{Now: at(2100)}, DefaultControllerConfig())
	if s.Color != (RGB{B: 255}) || s.Run.Active {
		t.Fatalf("expected finished fade on blue, got %v active=%v", s.Color, s.Run.Active)
	}
}

func TestReduce_BeatOverlay(t *testing.T) {
	cfg := DefaultControllerConfig()
	s := newControllerState(SectionAll, false)
	deliver(s, solid(RGB{R: 255}), 0)

	rr := Reduce(s, TimedEvent{Event: BeatReceived{Beat: BeatEvent{BPM: 128, Intensity: 0.5}}, At: at(500)}, cfg)
	if s.Color != (RGB{R: 128, G: 128, B: 128}) || !s.BeatMode {
		t.Fatalf("expected half-white flash in beat mode, got %v beat=%v", s.Color, s.BeatMode)
	}
	flash, ok := scheduled(rr.Commands, timerFlashEnd)
	if !ok || flash.After != cfg.FlashDuration {
		t.Fatalf("expected flash end after %s, got %v", cfg.FlashDuration, rr.Commands)
	}
	beatEnd, ok := scheduled(rr.Commands, timerBeatModeEnd)
	if !ok || beatEnd.After != cfg.BeatModeDuration {
		t.Fatalf("expected beat mode end after %s, got %v", cfg.BeatModeDuration, rr.Commands)
	}
	if !s.Run.Active {
		t.Fatalf("the run must keep going under the overlay")
	}

	Reduce(s, TimedEvent{Event: TimerFired{Handle: flash.Handle}, At: at(600)}, cfg)
	if s.Color != Black || s.Flashing {
		t.Fatalf("expected black after flash, got %v flashing=%v", s.Color, s.Flashing)
	}
	if !s.BeatMode {
		t.Fatalf("beat mode must outlive the flash")
	}

	Reduce(s, TimedEvent{Event: TimerFired{Handle: beatEnd.Handle}, At: at(2500)}, cfg)
	if s.BeatMode {
		t.Fatalf("expected beat mode off")
	}
}

func TestReduce_SecondBeatRearmsOverlay(t *testing.T) {
	cfg := DefaultControllerConfig()
	s := newControllerState(SectionAll, false)

	rr := Reduce(s, TimedEvent{Event: BeatReceived{Beat: BeatEvent{BPM: 120, Intensity: 1}}, At: at(0)}, cfg)
	firstEnd, _ := scheduled(rr.Commands, timerBeatModeEnd)

	rr = Reduce(s, TimedEvent{Event: BeatReceived{Beat: BeatEvent{BPM: 120, Intensity: 1}}, At: at(500)}, cfg)
	if !cancelled(rr.Commands, groupBeatMode) || !cancelled(rr.Commands, groupOverlay) {
		t.Fatalf("expected overlay and beat mode re-armed, got %v", rr.Commands)
	}

	Reduce(s, TimedEvent{Event: TimerFired{Handle: firstEnd.Handle}, At: at(2000)}, cfg)
	if !s.BeatMode {
		t.Fatalf("the first beat's timer must not end beat mode")
	}
}

func TestReduce_CommandEndsFlash(t *testing.T) {
	s := newControllerState(SectionAll, false)
	Reduce(s, TimedEvent{Event: BeatReceived{Beat: BeatEvent{BPM: 120, Intensity: 1}}, At: at(0)}, DefaultControllerConfig())

	rr := deliver(s, solid(RGB{G: 255}), 20)
	if s.Flashing || s.Color != (RGB{G: 255}) {
		t.Fatalf("expected new run to repaint over the flash, got %v flashing=%v", s.Color, s.Flashing)
	}
	if !cancelled(rr.Commands, groupOverlay) {
		t.Fatalf("expected overlay timers cancelled, got %v", rr.Commands)
	}
	if !s.BeatMode {
		t.Fatalf("beat mode is independent of the flash")
	}
}

func TestReduce_SectionAndBeatSync(t *testing.T) {
	s := newControllerState(SectionAll, false)
	cfg := DefaultControllerConfig()

	rr := Reduce(s, ChangeSection{Section: SectionCenter}, cfg)
	if s.Section != SectionCenter || len(rr.Commands) != 1 || rr.Commands[0] != (CmdSetSection{Section: SectionCenter}) {
		t.Fatalf("expected CmdSetSection(center), got %v", rr.Commands)
	}
	if rr = Reduce(s, ChangeSection{Section: SectionCenter}, cfg); len(rr.Commands) != 0 {
		t.Fatalf("same section must be a no-op, got %v", rr.Commands)
	}

	rr = Reduce(s, ToggleBeatSync{}, cfg)
	if !s.BeatSync || len(rr.Commands) != 1 || rr.Commands[0] != (CmdSetBeatCapture{Enabled: true}) {
		t.Fatalf("expected beat capture on, got %v", rr.Commands)
	}

	Reduce(s, BeatCaptureFailed{Err: ErrPermissionDenied}, cfg)
	snap := s.Snapshot()
	if snap.BeatSync || !snap.BeatSyncUnavailable {
		t.Fatalf("expected beat sync off and unavailable, got %+v", snap)
	}

	Reduce(s, ToggleBeatSync{}, cfg)
	if !s.BeatSync || s.BeatSyncUnavailable {
		t.Fatalf("a new toggle must retry capture")
	}
}

func TestReduce_RequestStateSnapshot(t *testing.T) {
	s := newControllerState(SectionLeft, false)
	deliver(s, solid(RGB{R: 1, G: 2, B: 3}), 0)

	reply := make(chan Snapshot, 1)
	rr := Reduce(s, RequestStateSnapshot{Reply: reply}, DefaultControllerConfig())
	if len(rr.Commands) != 1 {
		t.Fatalf("expected 1 command, got %v", rr.Commands)
	}
	pub, ok := rr.Commands[0].(CmdPublishStateSnapshot)
	if !ok || pub.Snapshot.Color != (RGB{R: 1, G: 2, B: 3}) || pub.Snapshot.Section != SectionLeft {
		t.Fatalf("unexpected command %#v", rr.Commands[0])
	}
}

func TestReduce_TransportState(t *testing.T) {
	s := newControllerState(SectionAll, false)
	rr := Reduce(s, TransportStateChanged{State: ConnLivePull}, DefaultControllerConfig())
	if len(rr.Broadcasts) != 1 || rr.Broadcasts[0].(BroadcastSnapshot).Snapshot.ConnState != ConnLivePull {
		t.Fatalf("expected live-pull broadcast, got %v", rr.Broadcasts)
	}
}

func TestReduce_HugeDurationSaturates(t *testing.T) {
	s := newControllerState(SectionAll, false)
	cmd := solid(White)
	cmd.Duration = intPtr(math.MaxInt)
	rr := deliver(s, cmd, 0)

	st, ok := scheduled(rr.Commands, timerDuration)
	if !ok {
		t.Fatalf("expected a duration timer")
	}
	if st.After != time.Duration(maxCommandMs)*time.Millisecond {
		t.Fatalf("expected a saturated timer, got %v", st.After)
	}
	if s.Run == nil || !s.Run.Active {
		t.Fatalf("run must stay active until its (very late) end")
	}

	s = newControllerState(SectionAll, false)
	cmd = solid(White)
	cmd.WaveDelay = intPtr(math.MaxInt)
	rr = deliver(s, cmd, 0)
	if st, ok := scheduled(rr.Commands, timerWaveStart); !ok || st.After <= 0 {
		t.Fatalf("expected a positive wave start delay, got %+v", st)
	}
}
