package main

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type fakeReporter struct {
	mu      sync.Mutex
	reports []BeatEvent
	err     error
}

func (f *fakeReporter) ReportBeat(ctx context.Context, b BeatEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, b)
	return f.err
}

func (f *fakeReporter) all() []BeatEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]BeatEvent(nil), f.reports...)
}

func TestBeatBroadcaster_ReportsAtInterval(t *testing.T) {
	d := newTestDetector(t, &fakeAudio{signal: make([]float64, 256)})
	for _, ms := range []int{0, 500, 1000} {
		d.RecordOnset(at(ms))
	}

	rep := &fakeReporter{}
	b := NewBeatBroadcaster(d, rep, 20*time.Millisecond, slog.Default())
	first, err := b.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	second, err := b.Start(context.Background())
	if err != nil || second != first {
		t.Fatalf("second Start should return the running broadcaster, got %v", err)
	}

	waitUntil(t, 2*time.Second, func() bool { return len(rep.all()) >= 3 }, "no periodic reports")
	for _, r := range rep.all() {
		if r.BPM != 120 {
			t.Fatalf("expected reports at 120 bpm, got %+v", r)
		}
	}

	b.Stop()
	b.Stop()
	n := len(rep.all())
	time.Sleep(60 * time.Millisecond)
	if got := len(rep.all()); got != n {
		t.Fatalf("reports continued after Stop: %d -> %d", n, got)
	}
}

func TestBeatBroadcaster_NoEstimateNoReport(t *testing.T) {
	d := newTestDetector(t, &fakeAudio{signal: make([]float64, 256)})
	rep := &fakeReporter{}
	b := NewBeatBroadcaster(d, rep, 10*time.Millisecond, slog.Default())
	if _, err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Stop()

	time.Sleep(80 * time.Millisecond)
	if got := rep.all(); len(got) != 0 {
		t.Fatalf("expected no reports without a tempo estimate, got %v", got)
	}
}

func TestBeatBroadcaster_KeepsReportingAfterErrors(t *testing.T) {
	d := newTestDetector(t, &fakeAudio{signal: make([]float64, 256)})
	for _, ms := range []int{0, 400, 800} {
		d.RecordOnset(at(ms))
	}
	rep := &fakeReporter{err: ErrTransportFailure}
	b := NewBeatBroadcaster(d, rep, 15*time.Millisecond, slog.Default())
	if _, err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Stop()

	waitUntil(t, 2*time.Second, func() bool { return len(rep.all()) >= 2 }, "a failed report stopped the loop")
}

func TestBeatBroadcaster_NoMicrophone(t *testing.T) {
	d := newTestDetector(t, nil)
	b := NewBeatBroadcaster(d, &fakeReporter{}, 0, slog.Default())
	if b.interval != defaultReportIntervalMS*time.Millisecond {
		t.Fatalf("expected default interval, got %s", b.interval)
	}
	if err := b.Run(context.Background()); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	b.Stop()
}

func TestBeatBroadcaster_RunStopsWithContext(t *testing.T) {
	d := newTestDetector(t, &fakeAudio{signal: make([]float64, 256)})
	b := NewBeatBroadcaster(d, &fakeReporter{}, 10*time.Millisecond, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- b.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("expected clean exit, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Run did not return")
	}
}

func TestBeatBroadcaster_SourceEndReleasesHandle(t *testing.T) {
	src := &fakeAudio{signal: make([]float64, 64), limit: 512}
	d := newTestDetector(t, src)
	b := NewBeatBroadcaster(d, &fakeReporter{}, 10*time.Millisecond, slog.Default())

	done, err := b.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("broadcaster did not end with its source")
	}

	b.mu.Lock()
	stale := b.handle != nil
	b.mu.Unlock()
	if stale {
		t.Fatalf("expected the ended detector to be forgotten")
	}

	again, err := b.Start(context.Background())
	if err != nil {
		t.Fatalf("restart after end: %v", err)
	}
	if again == done {
		t.Fatalf("expected a fresh run, got the ended one")
	}
	if n := src.openCount(); n != 2 {
		t.Fatalf("expected the source reopened, got %d opens", n)
	}
	b.Stop()
}
