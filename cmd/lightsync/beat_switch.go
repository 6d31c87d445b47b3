package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// beatCapture starts and stops local beat detection and reporting. The
// channel returned by Start is closed once capture has ended, whether it was
// stopped or its source ran dry.
type beatCapture interface {
	Start(ctx context.Context) (<-chan struct{}, error)
	Stop()
}

// beatSwitch applies beat capture on/off requests on its own goroutine.
// Opening an audio source can block indefinitely (a fifo nobody writes to),
// so the daemon only records the wanted state here. Requests are latest-wins;
// failures and unexpected ends come back to the daemon as BeatCaptureFailed.
type beatSwitch struct {
	capture beatCapture
	post    func(Event) bool
	logger  *slog.Logger

	mu    sync.Mutex
	want  bool
	abort context.CancelFunc // abandons a Start still opening its source
	wake  chan struct{}
}

func newBeatSwitch(capture beatCapture, post func(Event) bool, logger *slog.Logger) *beatSwitch {
	return &beatSwitch{
		capture: capture,
		post:    post,
		logger:  logger,
		wake:    make(chan struct{}, 1),
	}
}

// Request records whether capture should run. It never blocks.
func (s *beatSwitch) Request(enabled bool) {
	s.mu.Lock()
	s.want = enabled
	if !enabled && s.abort != nil {
		s.abort()
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *beatSwitch) wanted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.want
}

// Run serves requests until ctx is done and then stops a running capture.
func (s *beatSwitch) Run(ctx context.Context) {
	var (
		running bool
		ended   <-chan struct{}
		release context.CancelFunc = func() {}
	)
	stop := func() {
		s.capture.Stop()
		release()
		running, ended = false, nil
	}
	defer func() {
		if running {
			stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ended:
			stop()
			if s.wanted() {
				s.fail(fmt.Errorf("audio source ended: %w", io.EOF))
			}
			continue
		case <-s.wake:
		}

		want := s.wanted()
		switch {
		case want && !running:
			startCtx, cancel := context.WithCancel(ctx)
			s.mu.Lock()
			if !s.want {
				s.mu.Unlock()
				cancel()
				continue
			}
			s.abort = cancel
			s.mu.Unlock()

			done, err := s.capture.Start(startCtx)

			s.mu.Lock()
			s.abort = nil
			s.mu.Unlock()

			if err != nil {
				cancel()
				if startCtx.Err() == nil {
					s.fail(err)
				} else {
					s.logger.Debug("beat capture start abandoned", "error", err)
				}
				continue
			}
			running, ended, release = true, done, cancel
			s.logger.Info("beat sync enabled")

		case !want && running:
			stop()
			s.logger.Info("beat sync disabled")
		}
	}
}

func (s *beatSwitch) fail(err error) {
	if errors.Is(err, ErrPermissionDenied) {
		s.logger.Warn("beat sync unavailable", "error", err)
	} else {
		s.logger.Error("beat sync stopped", "error", err)
	}
	if s.post != nil {
		s.post(BeatCaptureFailed{Err: err})
	}
}
