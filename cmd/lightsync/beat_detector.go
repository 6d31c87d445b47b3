package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/cmplx"
	"sync"
	"time"

	algofft "github.com/MeKo-Christian/algo-fft"
	"github.com/cwbudde/algo-dsp/dsp/window"
)

// ============================================================================
// Beat Detector
// ============================================================================
//
// Capture fills a ring buffer from an AudioSource. An analysis ticker takes
// the newest window, applies a Hann window and an FFT, maps the lowest bins to
// analyser levels and averages them into a bass intensity. Intensities above
// the threshold are onsets; the BPM estimate comes from the onsets of the
// last few seconds.
//
// ============================================================================

// AudioSource opens a mono sample stream. Samples are floats in [-1,1].
type AudioSource interface {
	Open(ctx context.Context) (AudioStream, error)
}

// AudioStream is an open capture. Close must unblock a pending Read.
type AudioStream interface {
	Read(p []float64) (int, error)
	Close() error
}

// BeatDetectorConfig controls the analysis.
type BeatDetectorConfig struct {
	SampleRate  int
	WindowSize  int
	AnalysisHz  int
	Threshold   float64
	OnsetWindow time.Duration
	MinOnsets   int
	MinBPM      int
	MaxBPM      int

	// BassFraction is the share of the lowest bins averaged into the intensity.
	BassFraction float64

	// MinDB and MaxDB map bin magnitudes to [0,1] levels.
	MinDB float64
	MaxDB float64
}

// DefaultBeatDetectorConfig returns the stock analysis settings.
func DefaultBeatDetectorConfig() BeatDetectorConfig {
	return BeatDetectorConfig{
		SampleRate:   defaultSampleRate,
		WindowSize:   defaultWindowSize,
		AnalysisHz:   defaultAnalysisHz,
		Threshold:    beatThreshold,
		OnsetWindow:  beatOnsetWindow,
		MinOnsets:    beatMinOnsets,
		MinBPM:       beatMinBPM,
		MaxBPM:       beatMaxBPM,
		BassFraction: beatBassFraction,
		MinDB:        analyserMinDB,
		MaxDB:        analyserMaxDB,
	}
}

// BeatDetector turns audio into BeatEvents.
type BeatDetector struct {
	cfg    BeatDetectorConfig
	source AudioSource
	logger *slog.Logger

	// FFT scratch, guarded by fftMu.
	fftMu   sync.Mutex
	plan    *algofft.Plan[complex128]
	win     []float64
	winGain float64
	in      []complex128
	out     []complex128

	startMu sync.Mutex

	mu     sync.Mutex
	onsets []time.Time
	bpm    int
	latest BeatEvent
	handle *BeatHandle

	events chan BeatEvent
}

// NewBeatDetector prepares the FFT plan and analysis window.
func NewBeatDetector(cfg BeatDetectorConfig, source AudioSource, logger *slog.Logger) (*BeatDetector, error) {
	def := DefaultBeatDetectorConfig()
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.AnalysisHz <= 0 {
		cfg.AnalysisHz = def.AnalysisHz
	}
	if cfg.OnsetWindow <= 0 {
		cfg.OnsetWindow = def.OnsetWindow
	}
	if cfg.MinOnsets < 2 {
		cfg.MinOnsets = def.MinOnsets
	}
	if cfg.MaxBPM <= 0 {
		cfg.MinBPM, cfg.MaxBPM = def.MinBPM, def.MaxBPM
	}
	if cfg.BassFraction <= 0 || cfg.BassFraction > 1 {
		cfg.BassFraction = def.BassFraction
	}
	if cfg.MaxDB <= cfg.MinDB {
		cfg.MinDB, cfg.MaxDB = def.MinDB, def.MaxDB
	}

	win := window.Generate(window.TypeHann, cfg.WindowSize, window.WithPeriodic())
	if len(win) != cfg.WindowSize {
		return nil, fmt.Errorf("invalid analysis window size: %d", cfg.WindowSize)
	}
	sum := 0.0
	for _, w := range win {
		sum += w
	}

	plan, err := algofft.NewPlan64(cfg.WindowSize)
	if err != nil {
		return nil, fmt.Errorf("beat detector fft plan: %w", err)
	}

	return &BeatDetector{
		cfg:     cfg,
		source:  source,
		logger:  logger,
		plan:    plan,
		win:     win,
		winGain: sum / float64(cfg.WindowSize),
		in:      make([]complex128, cfg.WindowSize),
		out:     make([]complex128, cfg.WindowSize),
		events:  make(chan BeatEvent, beatEventBuffer),
	}, nil
}

// BassIntensity maps the lowest bins of frame to a [0,1] intensity.
// frame shorter than the window is zero padded; longer is truncated to its tail.
func (d *BeatDetector) BassIntensity(frame []float64) float64 {
	const eps = 1e-12

	d.fftMu.Lock()
	defer d.fftMu.Unlock()

	n := d.cfg.WindowSize
	if len(frame) > n {
		frame = frame[len(frame)-n:]
	}
	for i := 0; i < n; i++ {
		s := 0.0
		if i < len(frame) {
			s = frame[i]
		}
		d.in[i] = complex(s*d.win[i], 0)
	}
	if err := d.plan.Forward(d.out, d.in); err != nil {
		return 0
	}

	bins := n / 2
	bass := int(float64(bins) * d.cfg.BassFraction)
	if bass < 1 {
		bass = 1
	}

	norm := float64(n) * math.Max(d.winGain, eps)
	span := d.cfg.MaxDB - d.cfg.MinDB
	total := 0.0
	for k := 0; k < bass; k++ {
		mag := cmplx.Abs(d.out[k]) / norm
		if k > 0 {
			mag *= 2
		}
		db := 20 * math.Log10(math.Max(eps, mag))
		total += clampUnit((db - d.cfg.MinDB) / span)
	}
	return total / float64(bass)
}

// Observe feeds one analysis result. An intensity above the threshold is an
// onset and emits a BeatEvent; the emission is dropped when nobody reads.
func (d *BeatDetector) Observe(at time.Time, intensity float64) {
	d.mu.Lock()
	d.latest.Intensity = intensity
	d.latest.Timestamp = at
	d.mu.Unlock()

	if intensity <= d.cfg.Threshold {
		return
	}

	bpm := d.RecordOnset(at)
	ev := BeatEvent{BPM: bpm, Intensity: intensity, Timestamp: at}
	select {
	case d.events <- ev:
	default:
	}
}

// RecordOnset adds an onset, forgets onsets older than the onset window and
// updates the BPM estimate. Estimates outside the accepted range are ignored
// and the previous estimate is kept. It returns the current estimate.
func (d *BeatDetector) RecordOnset(at time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.onsets = append(d.onsets, at)
	cutoff := at.Add(-d.cfg.OnsetWindow)
	keep := 0
	for keep < len(d.onsets) && d.onsets[keep].Before(cutoff) {
		keep++
	}
	d.onsets = d.onsets[keep:]

	if bpm, ok := estimateBPM(d.onsets, d.cfg.MinOnsets); ok && bpm >= d.cfg.MinBPM && bpm <= d.cfg.MaxBPM {
		d.bpm = bpm
	}
	d.latest.BPM = d.bpm
	return d.bpm
}

// estimateBPM converts the mean inter-onset interval to beats per minute.
func estimateBPM(onsets []time.Time, minOnsets int) (int, bool) {
	if len(onsets) < minOnsets || len(onsets) < 2 {
		return 0, false
	}
	span := onsets[len(onsets)-1].Sub(onsets[0])
	mean := float64(span.Milliseconds()) / float64(len(onsets)-1)
	if mean <= 0 {
		return 0, false
	}
	return int(math.Round(60000 / mean)), true
}

// BPM returns the current estimate. Zero means no estimate yet.
func (d *BeatDetector) BPM() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bpm
}

// Latest returns the newest analysis result with the current BPM estimate.
func (d *BeatDetector) Latest() BeatEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.latest
	out.BPM = d.bpm
	return out
}

// Events delivers onsets. Slow readers miss events.
func (d *BeatDetector) Events() <-chan BeatEvent { return d.events }

// BeatHandle is a running capture started by Start.
type BeatHandle struct {
	cancel context.CancelFunc
	stream AudioStream
	done   chan struct{}
	once   sync.Once
}

// Stop ends capture and analysis and waits for both to exit.
func (h *BeatHandle) Stop() {
	h.once.Do(func() {
		h.cancel()
		_ = h.stream.Close()
	})
	<-h.done
}

// Done is closed once capture and analysis have exited.
func (h *BeatHandle) Done() <-chan struct{} { return h.done }

// Start opens the audio source and runs capture and analysis until ctx is
// done or the handle is stopped. A source that cannot be opened fails with
// ErrPermissionDenied.
func (d *BeatDetector) Start(ctx context.Context) (*BeatHandle, error) {
	if d.source == nil {
		return nil, fmt.Errorf("%w: no audio source", ErrPermissionDenied)
	}

	d.startMu.Lock()
	defer d.startMu.Unlock()

	d.mu.Lock()
	if d.handle != nil {
		d.mu.Unlock()
		return nil, errors.New("beat detector already running")
	}
	d.mu.Unlock()

	stream, err := d.source.Open(ctx)
	if err != nil {
		if errors.Is(err, ErrPermissionDenied) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	h := &BeatHandle{cancel: cancel, stream: stream, done: make(chan struct{})}

	d.mu.Lock()
	d.handle = h
	d.mu.Unlock()

	ring := newSampleRing(d.cfg.WindowSize)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		d.capture(runCtx, stream, ring)
	}()
	go func() {
		defer wg.Done()
		d.analyse(runCtx, ring)
	}()
	go func() {
		wg.Wait()
		d.mu.Lock()
		d.handle = nil
		d.mu.Unlock()
		close(h.done)
	}()

	// Stop the stream when the caller's context ends.
	go func() {
		<-runCtx.Done()
		h.once.Do(func() { _ = stream.Close() })
	}()

	d.logger.Info("beat detection started",
		"sample_rate", d.cfg.SampleRate,
		"window", d.cfg.WindowSize,
		"analysis_hz", d.cfg.AnalysisHz)
	return h, nil
}

func (d *BeatDetector) capture(ctx context.Context, stream AudioStream, ring *sampleRing) {
	buf := make([]float64, d.cfg.WindowSize/4)
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			ring.write(buf[:n])
		}
		if err != nil {
			if ctx.Err() == nil {
				if errors.Is(err, io.EOF) {
					d.logger.Info("audio source ended")
				} else {
					d.logger.Warn("audio capture failed", "error", err)
				}
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (d *BeatDetector) analyse(ctx context.Context, ring *sampleRing) {
	ticker := time.NewTicker(time.Second / time.Duration(d.cfg.AnalysisHz))
	defer ticker.Stop()

	frame := make([]float64, d.cfg.WindowSize)
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if !ring.snapshot(frame) {
				continue
			}
			d.Observe(now, d.BassIntensity(frame))
		}
	}
}

// sampleRing keeps the newest window of samples.
type sampleRing struct {
	mu     sync.Mutex
	buf    []float64
	pos    int
	filled int
}

func newSampleRing(n int) *sampleRing {
	return &sampleRing{buf: make([]float64, n)}
}

func (r *sampleRing) write(samples []float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range samples {
		r.buf[r.pos] = s
		r.pos++
		if r.pos >= len(r.buf) {
			r.pos = 0
		}
		if r.filled < len(r.buf) {
			r.filled++
		}
	}
}

// snapshot copies the window in chronological order. It reports false until
// the ring has filled once.
func (r *sampleRing) snapshot(dst []float64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.filled < len(r.buf) {
		return false
	}
	read := r.pos
	for i := range dst {
		dst[i] = r.buf[read]
		read++
		if read >= len(r.buf) {
			read = 0
		}
	}
	return true
}
