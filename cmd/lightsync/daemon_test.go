package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// fakeBeatCapture records Start/Stop calls.
type fakeBeatCapture struct {
	mu      sync.Mutex
	err     error
	starts  int
	stops   int
	running bool
	ended   chan struct{}
}

func (f *fakeBeatCapture) Start(ctx context.Context) (<-chan struct{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	if f.err != nil {
		return nil, f.err
	}
	if !f.running {
		f.running = true
		f.ended = make(chan struct{})
	}
	return f.ended, nil
}

func (f *fakeBeatCapture) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.finish()
}

// end simulates the audio source running dry.
func (f *fakeBeatCapture) end() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finish()
}

func (f *fakeBeatCapture) finish() {
	if f.running {
		f.running = false
		close(f.ended)
	}
}

func (f *fakeBeatCapture) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.stops
}

// fakeSectionSetter records section changes.
type fakeSectionSetter struct {
	mu       sync.Mutex
	sections []Section
}

func (f *fakeSectionSetter) SetSection(s Section) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sections = append(f.sections, s)
}

func (f *fakeSectionSetter) last() Section {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sections) == 0 {
		return ""
	}
	return f.sections[len(f.sections)-1]
}

// beatDeps routes beat capture through a switch; startTestController wires
// it to the controller.
func beatDeps(c beatCapture) *effectDeps {
	return &effectDeps{beats: newBeatSwitch(c, nil, slog.Default())}
}

type testController struct {
	ctrl   *Controller
	timers *timerArena
	done   chan struct{}
}

// startTestController wires a controller, timer arena and daemon the way main does.
func startTestController(t *testing.T, ctx context.Context, section Section, deps *effectDeps) *testController {
	t.Helper()

	logger := slog.Default()
	ctrl := NewController(ctx, Snapshot{}, 0, logger)
	broadcasts := make(chan StateBroadcast, 64)
	go ctrl.Run(ctx, broadcasts)

	if deps == nil {
		deps = &effectDeps{}
	}
	deps.timers = newTimerArena(func(e Event) { ctrl.Post(e) })
	if sw, ok := deps.beats.(*beatSwitch); ok {
		sw.post = ctrl.Post
		go sw.Run(ctx)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		runDaemon(ctx, ctrl.Events(), deps, DefaultControllerConfig(), newControllerState(section, false), 100, broadcasts, logger)
	}()

	waitUntil(t, time.Second, func() bool { return ctrl.Snapshot().Section == section }, "initial snapshot not published")
	return &testController{ctrl: ctrl, timers: deps.timers, done: done}
}

func TestDaemon_DurationEndsRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tc := startTestController(t, ctx, SectionAll, nil)

	cmd := solid(RGB{R: 255})
	cmd.Duration = intPtr(80)
	tc.ctrl.OnCommand(cmd, StrategyPush)

	waitUntil(t, time.Second, func() bool {
		s := tc.ctrl.Snapshot()
		return s.Color == (RGB{R: 255}) && s.IsActive
	}, "command not applied")

	waitUntil(t, time.Second, func() bool { return !tc.ctrl.Snapshot().IsActive }, "run did not end after its duration")
	if got := tc.ctrl.Snapshot().Color; got != (RGB{R: 255}) {
		t.Fatalf("expected color kept after duration, got %v", got)
	}
}

func TestDaemon_WaveDelayThenStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tc := startTestController(t, ctx, SectionRight, nil)

	cmd := solid(RGB{G: 255})
	cmd.WaveDelay = intPtr(150)
	start := time.Now()
	tc.ctrl.OnCommand(cmd, StrategyPull)

	time.Sleep(50 * time.Millisecond)
	if got := tc.ctrl.Snapshot().Color; got != Black {
		t.Fatalf("expected black during wave delay, got %v", got)
	}

	waitUntil(t, time.Second, func() bool { return tc.ctrl.Snapshot().Color == (RGB{G: 255}) }, "wave start never fired")
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Fatalf("run started after %s, before its wave delay", elapsed)
	}
}

func TestDaemon_BeatFlashRevertsToBlack(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tc := startTestController(t, ctx, SectionAll, nil)
	tc.ctrl.OnCommand(solid(RGB{B: 255}), StrategyPush)
	waitUntil(t, time.Second, func() bool { return tc.ctrl.Snapshot().Color == (RGB{B: 255}) }, "command not applied")

	tc.ctrl.OnBeat(BeatEvent{BPM: 128, Intensity: 1})
	waitUntil(t, time.Second, func() bool {
		s := tc.ctrl.Snapshot()
		return s.Color == White && s.BeatMode
	}, "beat flash not shown")

	waitUntil(t, time.Second, func() bool { return tc.ctrl.Snapshot().Color == Black }, "flash did not revert to black")
	if !tc.ctrl.Snapshot().BeatMode {
		t.Fatalf("expected beat mode to outlast the flash")
	}
}

func TestDaemon_BeatSyncUnavailableLatches(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	beats := &fakeBeatCapture{err: errors.New("device busy")}
	tc := startTestController(t, ctx, SectionAll, beatDeps(beats))

	tc.ctrl.ToggleBeatSync()
	waitUntil(t, time.Second, func() bool { return tc.ctrl.Snapshot().BeatSyncUnavailable }, "capture failure not reported")
	if tc.ctrl.Snapshot().BeatSync {
		t.Fatalf("beat sync must be off after a failed start")
	}
	if starts, _ := beats.counts(); starts != 1 {
		t.Fatalf("expected 1 start attempt, got %d", starts)
	}
}

func TestDaemon_BeatSyncToggleStartsAndStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	beats := &fakeBeatCapture{}
	tc := startTestController(t, ctx, SectionAll, beatDeps(beats))

	tc.ctrl.ToggleBeatSync()
	waitUntil(t, time.Second, func() bool {
		starts, _ := beats.counts()
		return starts == 1 && tc.ctrl.Snapshot().BeatSync
	}, "beat sync not enabled")
	tc.ctrl.ToggleBeatSync()
	waitUntil(t, time.Second, func() bool { return !tc.ctrl.Snapshot().BeatSync }, "beat sync not disabled")

	waitUntil(t, time.Second, func() bool {
		starts, stops := beats.counts()
		return starts == 1 && stops == 1
	}, "expected one start and one stop")
}

func TestDaemon_BeatSyncEndsWithSource(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	beats := &fakeBeatCapture{}
	tc := startTestController(t, ctx, SectionAll, beatDeps(beats))

	tc.ctrl.ToggleBeatSync()
	waitUntil(t, time.Second, func() bool {
		starts, _ := beats.counts()
		return starts == 1 && tc.ctrl.Snapshot().BeatSync
	}, "beat sync not enabled")

	beats.end()
	waitUntil(t, time.Second, func() bool {
		s := tc.ctrl.Snapshot()
		return !s.BeatSync && s.BeatSyncUnavailable
	}, "source end not reported")

	// A fresh toggle starts capture again.
	tc.ctrl.ToggleBeatSync()
	waitUntil(t, time.Second, func() bool {
		starts, _ := beats.counts()
		return starts == 2
	}, "capture not restarted")
}

func detectorRunning(d *BeatDetector) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handle != nil
}

func TestDaemon_StalledAudioOpenKeepsRendering(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := newTestDetector(t, newAudioSource(makeFIFO(t), 44100, false))
	b := NewBeatBroadcaster(d, &fakeReporter{}, 50*time.Millisecond, slog.Default())
	tc := startTestController(t, ctx, SectionAll, beatDeps(b))

	tc.ctrl.ToggleBeatSync()
	waitUntil(t, time.Second, func() bool { return tc.ctrl.Snapshot().BeatSync }, "beat sync not enabled")

	tc.ctrl.OnCommand(solid(RGB{R: 255}), StrategyPush)
	waitUntil(t, time.Second, func() bool { return tc.ctrl.Snapshot().Color == (RGB{R: 255}) }, "daemon stalled behind the audio open")

	tc.ctrl.ToggleBeatSync()
	waitUntil(t, time.Second, func() bool { return !tc.ctrl.Snapshot().BeatSync }, "beat sync not disabled")

	time.Sleep(50 * time.Millisecond)
	if tc.ctrl.Snapshot().BeatSyncUnavailable {
		t.Fatalf("an abandoned open must not be reported as a capture failure")
	}
	if detectorRunning(d) {
		t.Fatalf("expected no capture after beat sync was turned off")
	}
}

func TestDaemon_BeatSyncOffWithIdleStdin(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pr, pw := io.Pipe()
	defer pw.Close()
	d := newTestDetector(t, &pcmSource{path: "-", pump: newReadPump(pr)})
	b := NewBeatBroadcaster(d, &fakeReporter{}, 50*time.Millisecond, slog.Default())
	tc := startTestController(t, ctx, SectionAll, beatDeps(b))

	tc.ctrl.ToggleBeatSync()
	waitUntil(t, time.Second, func() bool { return detectorRunning(d) }, "capture never started")

	tc.ctrl.ToggleBeatSync()
	waitUntil(t, time.Second, func() bool { return !detectorRunning(d) }, "capture still blocked on stdin after beat sync was turned off")

	tc.ctrl.OnCommand(solid(RGB{G: 255}), StrategyPush)
	waitUntil(t, time.Second, func() bool { return tc.ctrl.Snapshot().Color == (RGB{G: 255}) }, "daemon stopped applying commands")
}

func TestDaemon_SlowConsumerStillGetsLatestState(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan Event, 4)
	broadcasts := make(chan StateBroadcast)
	go runDaemon(ctx, events, nil, DefaultControllerConfig(), newControllerState(SectionAll, false), 100, broadcasts, slog.Default())

	events <- CommandReceived{Command: solid(RGB{B: 255}), Via: StrategyPush}

	// Nobody reads for a while.
	time.Sleep(50 * time.Millisecond)

	deadline := time.After(time.Second)
	for {
		select {
		case b := <-broadcasts:
			if bs, ok := b.(BroadcastSnapshot); ok && bs.Snapshot.Color == (RGB{B: 255}) {
				return
			}
		case <-deadline:
			t.Fatalf("state change lost while the consumer was slow")
		}
	}
}

func TestDaemon_SectionChangeReachesTransport(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr := &fakeSectionSetter{}
	tc := startTestController(t, ctx, SectionAll, &effectDeps{transport: tr})

	tc.ctrl.ChangeSection(SectionLeft)
	waitUntil(t, time.Second, func() bool { return tr.last() == SectionLeft }, "transport not told about the section")
	waitUntil(t, time.Second, func() bool { return tc.ctrl.Snapshot().Section == SectionLeft }, "snapshot section not updated")
}

func TestDaemon_ShutdownStopsTimers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	tc := startTestController(t, ctx, SectionAll, nil)

	cmd := LightCommand{Color: White, Effect: EffectStrobe, Intensity: 1, Speed: 1, Section: SectionAll, Duration: intPtr(60_000)}
	tc.ctrl.OnCommand(cmd, StrategyPush)
	waitUntil(t, time.Second, func() bool { return tc.timers.Len() > 0 }, "no timers armed")

	cancel()
	select {
	case <-tc.done:
	case <-time.After(time.Second):
		t.Fatalf("daemon did not stop")
	}
	if n := tc.timers.Len(); n != 0 {
		t.Fatalf("expected no armed timers after shutdown, got %d", n)
	}
}

// TestDaemon_PushFailureFallsBackToPull runs the whole receive path: the push
// dial is refused, polling takes over and its command reaches the snapshot.
func TestDaemon_PushFailureFallsBackToPull(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/participant/left", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no websockets here", http.StatusServiceUnavailable)
	})
	mux.HandleFunc("/api/latest-command", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"command":{"command_type":"color","color":"#ff8800","section":"left","timestamp":"2025-07-01T21:00:00Z"}}`))
	})
	mux.HandleFunc("/api/latest-beat", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"beat":null}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	tr := NewTransport(TransportConfig{
		WSURL:        "ws" + srv.URL[len("http"):] + "/ws",
		APIURL:       srv.URL + "/api",
		PollInterval: 50 * time.Millisecond,
	}, slog.Default())

	tc := startTestController(t, ctx, SectionLeft, &effectDeps{transport: tr})
	sub, err := tr.Subscribe(ctx, SectionLeft, tc.ctrl)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	waitUntil(t, 2*time.Second, func() bool {
		s := tc.ctrl.Snapshot()
		return s.Color == (RGB{R: 255, G: 136}) && s.ConnState == ConnLivePull
	}, "polled command never reached the controller")
}
