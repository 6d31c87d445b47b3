package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// beatReporter is the outbound half of the transport.
type beatReporter interface {
	ReportBeat(ctx context.Context, b BeatEvent) error
}

// BeatBroadcaster runs the detector and reports its estimate to the server at
// a fixed cadence, independent of rendering. Reporting failures are logged and
// counted; the next report simply tries again.
type BeatBroadcaster struct {
	detector *BeatDetector
	reporter beatReporter
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	handle *BeatHandle
	cancel context.CancelFunc
	done   chan struct{}
}

func NewBeatBroadcaster(detector *BeatDetector, reporter beatReporter, interval time.Duration, logger *slog.Logger) *BeatBroadcaster {
	if interval <= 0 {
		interval = defaultReportIntervalMS * time.Millisecond
	}
	return &BeatBroadcaster{
		detector: detector,
		reporter: reporter,
		interval: interval,
		logger:   logger,
	}
}

// Start starts detection and reporting and returns a channel closed once
// reporting has ended, either through Stop or because the audio source ran
// dry. Starting a running broadcaster returns the running one's channel.
// The error wraps ErrPermissionDenied when the audio source cannot be opened.
func (b *BeatBroadcaster) Start(ctx context.Context) (<-chan struct{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.handle != nil {
		return b.done, nil
	}

	h, err := b.detector.Start(ctx)
	if err != nil {
		return nil, err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	b.handle = h
	b.cancel = cancel
	b.done = done

	go func() {
		defer close(done)
		b.loop(loopCtx, h)
		cancel()

		// Forget a detector that ended on its own so the next Start opens
		// the source again.
		b.mu.Lock()
		if b.handle == h {
			b.handle, b.cancel, b.done = nil, nil, nil
		}
		b.mu.Unlock()
	}()
	return done, nil
}

// Stop stops reporting and detection. Stopping an idle broadcaster is a no-op.
func (b *BeatBroadcaster) Stop() {
	b.mu.Lock()
	h, cancel, done := b.handle, b.cancel, b.done
	b.handle, b.cancel, b.done = nil, nil, nil
	b.mu.Unlock()

	if h == nil {
		return
	}
	cancel()
	h.Stop()
	<-done
}

// Run starts the broadcaster and blocks until ctx is done or detection ends.
func (b *BeatBroadcaster) Run(ctx context.Context) error {
	done, err := b.Start(ctx)
	if err != nil {
		return err
	}
	select {
	case <-ctx.Done():
	case <-done:
	}
	b.Stop()
	return nil
}

func (b *BeatBroadcaster) loop(ctx context.Context, h *BeatHandle) {
	lim := rate.NewLimiter(rate.Every(b.interval), 1)
	onsets := b.detector.Events()

	reports := make(chan struct{}, 1)
	go func() {
		for {
			if err := lim.Wait(ctx); err != nil {
				return
			}
			select {
			case reports <- struct{}{}:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.Done():
			b.logger.Info("beat detection ended; reporting stopped")
			return
		case ev := <-onsets:
			b.logger.Debug("beat onset", "bpm", ev.BPM, "intensity", ev.Intensity)
		case <-reports:
			b.report(ctx)
		}
	}
}

func (b *BeatBroadcaster) report(ctx context.Context) {
	latest := b.detector.Latest()
	if latest.BPM <= 0 {
		return
	}

	rctx, cancel := context.WithTimeout(ctx, b.interval)
	defer cancel()

	if err := b.reporter.ReportBeat(rctx, latest); err != nil {
		if ctx.Err() != nil {
			return
		}
		metricBeatsReported.WithLabelValues("error").Inc()
		b.logger.Warn("beat report failed", "bpm", latest.BPM, "error", err)
		return
	}
	metricBeatsReported.WithLabelValues("ok").Inc()
	b.logger.Debug("beat reported", "bpm", latest.BPM, "intensity", latest.Intensity)
}
