package main

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/faiface/beep"
	"github.com/faiface/beep/mp3"
	"github.com/faiface/beep/wav"
)

// newAudioSource picks a source for spec:
//
//	""                     no source (beat sync unavailable)
//	"-"                    raw s16le mono PCM on stdin, e.g. `arecord -f S16_LE -r 44100 -c 1 -t raw | lightsync -beat-source -`
//	"*.wav" / "*.mp3"      decoded file played back in real time
//	anything else          raw s16le mono PCM read from that path (device node or fifo)
func newAudioSource(spec string, sampleRate int, loop bool) AudioSource {
	spec = strings.TrimSpace(spec)
	switch {
	case spec == "":
		return nil
	case spec == "-":
		return &pcmSource{path: "-"}
	}
	switch strings.ToLower(filepath.Ext(spec)) {
	case ".wav", ".mp3":
		return &fileSource{path: spec, sampleRate: sampleRate, loop: loop}
	default:
		return &pcmSource{path: spec}
	}
}

// openError classifies an open failure. Permission problems and missing
// devices both mean "no microphone".
func openError(path string, err error) error {
	if errors.Is(err, fs.ErrPermission) || errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: open %s: %v", ErrPermissionDenied, path, err)
	}
	return fmt.Errorf("open %s: %w", path, err)
}

// ==============================
// Raw PCM
// ==============================

// pcmSource reads signed 16-bit little-endian mono PCM.
type pcmSource struct {
	path string
	// pump feeds "-"; nil means the process-wide stdin pump.
	pump *readPump
}

func (s *pcmSource) Open(ctx context.Context) (AudioStream, error) {
	if s.path == "-" {
		pump := s.pump
		if pump == nil {
			pump = stdinPump()
		}
		r := &pumpReader{pump: pump, closed: make(chan struct{})}
		return &pcmStream{r: r, c: r}, nil
	}
	f, err := openCancelable(ctx, s.path)
	if err != nil {
		return nil, openError(s.path, err)
	}
	return &pcmStream{r: bufio.NewReader(f), c: f}, nil
}

// openCancelable opens path for reading and gives up when ctx ends. Opening a
// fifo blocks until a writer shows up; the abandoned open is closed as soon
// as it completes.
func openCancelable(ctx context.Context, path string) (*os.File, error) {
	type result struct {
		f   *os.File
		err error
	}
	ch := make(chan result, 1)
	go func() {
		f, err := os.Open(path)
		ch <- result{f, err}
	}()

	select {
	case r := <-ch:
		return r.f, r.err
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.f != nil {
				r.f.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

type pcmStream struct {
	r   io.Reader
	c   io.Closer
	raw []byte
}

func (s *pcmStream) Read(p []float64) (int, error) {
	need := len(p) * 2
	if cap(s.raw) < need {
		s.raw = make([]byte, need)
	}
	raw := s.raw[:need]

	n, err := io.ReadAtLeast(s.r, raw, 2)
	if n%2 == 1 && err == nil {
		// Finish the split frame so the next read starts on a sample boundary.
		var m int
		m, err = io.ReadFull(s.r, raw[n:n+1])
		n += m
	}
	frames := n / 2
	for i := 0; i < frames; i++ {
		v := int16(binary.LittleEndian.Uint16(raw[i*2:]))
		p[i] = float64(v) / 32768
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		err = io.EOF
	}
	return frames, err
}

func (s *pcmStream) Close() error {
	if s.c == nil {
		return nil
	}
	return s.c.Close()
}

// readPump owns the only goroutine reading an endless input such as stdin. A
// blocked read on a pipe cannot be interrupted, so streams read from the pump
// instead and closing a stream just stops waiting. Bytes nobody consumed stay
// queued for the next stream, which keeps sample alignment across restarts.
type readPump struct {
	chunks chan pumpChunk

	mu   sync.Mutex
	rest []byte
	err  error
}

type pumpChunk struct {
	data []byte
	err  error
}

var stdinPump = sync.OnceValue(func() *readPump { return newReadPump(os.Stdin) })

func newReadPump(r io.Reader) *readPump {
	p := &readPump{chunks: make(chan pumpChunk)}
	go func() {
		for {
			buf := make([]byte, 4096)
			n, err := r.Read(buf)
			p.chunks <- pumpChunk{data: buf[:n], err: err}
			if err != nil {
				return
			}
		}
	}()
	return p
}

// pumpReader is one stream's view of a readPump.
type pumpReader struct {
	pump      *readPump
	closeOnce sync.Once
	closed    chan struct{}
}

func (r *pumpReader) Read(b []byte) (int, error) {
	p := r.pump
	for {
		select {
		case <-r.closed:
			return 0, io.ErrClosedPipe
		default:
		}

		p.mu.Lock()
		if len(p.rest) > 0 {
			n := copy(b, p.rest)
			p.rest = p.rest[n:]
			p.mu.Unlock()
			return n, nil
		}
		if p.err != nil {
			err := p.err
			p.mu.Unlock()
			return 0, err
		}
		p.mu.Unlock()

		select {
		case <-r.closed:
			return 0, io.ErrClosedPipe
		case c := <-p.chunks:
			p.mu.Lock()
			p.rest = append(p.rest, c.data...)
			if c.err != nil {
				p.err = c.err
			}
			p.mu.Unlock()
		}
	}
}

func (r *pumpReader) Close() error {
	r.closeOnce.Do(func() { close(r.closed) })
	return nil
}

// ==============================
// Decoded files
// ==============================

// fileSource decodes a wav or mp3 file and delivers it at playback speed,
// standing in for a microphone at a sound desk or in tests.
type fileSource struct {
	path       string
	sampleRate int
	loop       bool
}

// decodeAudio opens and decodes an mp3 or wav file.
func decodeAudio(path string) (beep.StreamSeekCloser, beep.Format, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, beep.Format{}, openError(path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp3":
		stream, format, err := mp3.Decode(file)
		if err != nil {
			file.Close()
			return nil, beep.Format{}, err
		}
		return stream, format, nil
	case ".wav":
		stream, format, err := wav.Decode(file)
		if err != nil {
			file.Close()
			return nil, beep.Format{}, err
		}
		return stream, format, nil
	default:
		file.Close()
		return nil, beep.Format{}, fmt.Errorf("unsupported audio format %q (use mp3 or wav)", filepath.Ext(path))
	}
}

func (s *fileSource) Open(ctx context.Context) (AudioStream, error) {
	src, format, err := decodeAudio(s.path)
	if err != nil {
		return nil, err
	}

	rate := beep.SampleRate(s.sampleRate)
	if s.sampleRate <= 0 {
		rate = format.SampleRate
	}

	var streamer beep.Streamer = src
	if s.loop {
		streamer = beep.Loop(-1, src)
	}
	if rate != format.SampleRate {
		streamer = beep.Resample(4, format.SampleRate, rate, streamer)
	}

	return &fileStream{
		src:      src,
		streamer: streamer,
		rate:     rate,
		closed:   make(chan struct{}),
	}, nil
}

type fileStream struct {
	src      beep.StreamSeekCloser
	streamer beep.Streamer
	rate     beep.SampleRate

	// mu serializes Stream against closing the decoder.
	mu        sync.Mutex
	buf       [][2]float64
	started   time.Time
	delivered int

	closeOnce sync.Once
	closed    chan struct{}
}

func (s *fileStream) Read(p []float64) (int, error) {
	select {
	case <-s.closed:
		return 0, io.ErrClosedPipe
	default:
	}

	if cap(s.buf) < len(p) {
		s.buf = make([][2]float64, len(p))
	}
	buf := s.buf[:len(p)]

	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		return 0, io.ErrClosedPipe
	default:
	}
	n, ok := s.streamer.Stream(buf)
	streamErr := s.src.Err()
	s.mu.Unlock()
	for i := 0; i < n; i++ {
		p[i] = clampSample((buf[i][0] + buf[i][1]) / 2)
	}

	// Pace delivery to real time.
	if s.started.IsZero() {
		s.started = time.Now()
	}
	s.delivered += n
	due := s.started.Add(s.rate.D(s.delivered))
	if wait := time.Until(due); wait > 0 {
		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-s.closed:
			t.Stop()
			return n, io.ErrClosedPipe
		}
	}

	if !ok {
		if streamErr != nil {
			return n, streamErr
		}
		return n, io.EOF
	}
	return n, nil
}

func (s *fileStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		s.mu.Lock()
		err = s.src.Close()
		s.mu.Unlock()
	})
	return err
}

func clampSample(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(-1, math.Min(1, v))
}
