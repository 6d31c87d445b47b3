package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ============================================================================
// Transport Channel
// ============================================================================
// Delivers commands and beats from the coordinator. It starts on the push
// socket and, the first time that socket fails or closes, falls back to
// polling for the rest of the session. Failures are logged and counted but
// never returned to the caller.
// ============================================================================

// ConnState is the transport connection state.
type ConnState string

const (
	ConnConnecting   ConnState = "connecting"
	ConnLivePush     ConnState = "live-push"
	ConnLivePull     ConnState = "live-pull"
	ConnDisconnected ConnState = "disconnected"
)

// connSignal is an input to the connection state machine.
type connSignal int

const (
	sigDial connSignal = iota
	sigPushOpen
	sigPushError
	sigPushClosed
	sigPullStarted
	sigStop
)

func (s connSignal) String() string {
	switch s {
	case sigDial:
		return "dial"
	case sigPushOpen:
		return "push_open"
	case sigPushError:
		return "push_error"
	case sigPushClosed:
		return "push_closed"
	case sigPullStarted:
		return "pull_started"
	case sigStop:
		return "stop"
	default:
		return "unknown"
	}
}

// nextConnState is the transition function of the connection state machine.
// ok is false when sig is not valid in cur; the state is then unchanged.
//
//	disconnected --dial--> connecting --push_open--> live-push
//	connecting|live-push --push_error|push_closed--> disconnected
//	connecting|disconnected --pull_started--> live-pull
//	any --stop--> disconnected
//
// There is no edge back from live-pull to push.
func nextConnState(cur ConnState, sig connSignal) (ConnState, bool) {
	switch sig {
	case sigStop:
		return ConnDisconnected, true

	case sigDial:
		if cur == ConnDisconnected {
			return ConnConnecting, true
		}

	case sigPushOpen:
		if cur == ConnConnecting {
			return ConnLivePush, true
		}

	case sigPushError, sigPushClosed:
		if cur == ConnConnecting || cur == ConnLivePush {
			return ConnDisconnected, true
		}

	case sigPullStarted:
		if cur == ConnConnecting || cur == ConnDisconnected {
			return ConnLivePull, true
		}
	}
	return cur, false
}

// Sink receives what the transport delivers.
type Sink interface {
	OnCommand(cmd LightCommand, via Strategy)
	OnBeat(b BeatEvent)
	OnState(s ConnState)
}

// SinkFuncs adapts plain functions to Sink. Nil fields are skipped.
type SinkFuncs struct {
	Command func(LightCommand, Strategy)
	Beat    func(BeatEvent)
	State   func(ConnState)
}

func (f SinkFuncs) OnCommand(cmd LightCommand, via Strategy) {
	if f.Command != nil {
		f.Command(cmd, via)
	}
}

func (f SinkFuncs) OnBeat(b BeatEvent) {
	if f.Beat != nil {
		f.Beat(b)
	}
}

func (f SinkFuncs) OnState(s ConnState) {
	if f.State != nil {
		f.State(s)
	}
}

// TransportConfig holds transport endpoints and timings.
type TransportConfig struct {
	// WSURL is the push base, e.g. "ws://host:8001/ws". Empty skips push.
	WSURL string
	// APIURL is the REST base, e.g. "http://host:8001/api".
	APIURL   string
	ClientID string

	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	HandshakeTimeout  time.Duration
	HTTPTimeout       time.Duration
}

// Transport is the push/pull channel to the coordinator.
type Transport struct {
	cfg    TransportConfig
	logger *slog.Logger
	dialer *websocket.Dialer
	client *http.Client

	mu         sync.Mutex
	state      ConnState
	section    Section
	push       *pushConn
	sink       Sink
	subscribed bool

	// Newest server timestamps delivered over push.
	pushedCommandTS time.Time
	pushedBeatTS    time.Time
}

// NewTransport returns an idle transport. Nothing is dialed until Subscribe.
func NewTransport(cfg TransportConfig, logger *slog.Logger) *Transport {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollIntervalMS * time.Millisecond
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeoutMS * time.Millisecond
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = defaultHTTPTimeoutMS * time.Millisecond
	}
	cfg.WSURL = strings.TrimRight(cfg.WSURL, "/")
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")

	return &Transport{
		cfg:    cfg,
		logger: logger,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		client:  &http.Client{Timeout: cfg.HTTPTimeout},
		state:   ConnDisconnected,
		section: SectionAll,
	}
}

// Subscription is the live delivery started by Subscribe.
type Subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Close stops delivery and waits for the transport goroutines to exit.
func (s *Subscription) Close() {
	s.cancel()
	<-s.done
}

// Done is closed once delivery has stopped.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Subscribe starts delivering to sink. A transport delivers to one sink per
// lifetime; a second call fails.
func (t *Transport) Subscribe(ctx context.Context, section Section, sink Sink) (*Subscription, error) {
	if sink == nil {
		return nil, errors.New("transport: nil sink")
	}
	if !section.Valid() {
		section = SectionAll
	}

	t.mu.Lock()
	if t.subscribed {
		t.mu.Unlock()
		return nil, errors.New("transport: already subscribed")
	}
	t.subscribed = true
	t.sink = sink
	t.section = section
	t.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(sub.done)
		t.run(runCtx)
	}()
	return sub, nil
}

// run is the strategy lifecycle: push once, then pull until ctx is done.
func (t *Transport) run(ctx context.Context) {
	defer t.signal(sigStop)

	if t.cfg.WSURL != "" {
		err := t.runPush(ctx)
		if ctx.Err() != nil {
			return
		}
		metricFailovers.Inc()
		t.logger.Warn("push channel lost; switching to polling", "error", err)
	}
	if t.cfg.APIURL == "" {
		t.logger.Error("no api url configured; polling unavailable")
		<-ctx.Done()
		return
	}
	t.runPull(ctx)
}

// State returns the current connection state.
func (t *Transport) State() ConnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// SetSection records the new section and announces it on the push socket
// when one is live. Polling picks it up on the next tick.
func (t *Transport) SetSection(s Section) {
	t.mu.Lock()
	t.section = s
	pc := t.push
	live := t.state == ConnLivePush
	t.mu.Unlock()

	if pc == nil || !live {
		return
	}
	msg, err := encodeSectionChange(s)
	if err != nil {
		t.logger.Error("encode section change", "error", err)
		return
	}
	if err := pc.write(msg); err != nil {
		t.logger.Debug("section change not sent", "error", err)
	}
}

func (t *Transport) currentSection() Section {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.section
}

// signal applies sig to the state machine and reports a change to the sink.
func (t *Transport) signal(sig connSignal) {
	t.mu.Lock()
	prev := t.state
	next, ok := nextConnState(prev, sig)
	if !ok {
		t.mu.Unlock()
		t.logger.Debug("ignored transport signal", "state", prev, "signal", sig)
		return
	}
	t.state = next
	sink := t.sink
	t.mu.Unlock()

	if next == prev {
		return
	}
	setConnStateMetric(next)
	t.logger.Info("transport state changed", "from", prev, "to", next, "signal", sig)
	if sink != nil {
		sink.OnState(next)
	}
}

// deliverCommand hands a decoded command to the sink.
func (t *Transport) deliverCommand(cmd LightCommand, normErr error, via Strategy) {
	if normErr != nil {
		t.logger.Info("command normalized", "strategy", via, "detail", normErr)
	}
	metricCommandsReceived.WithLabelValues(string(via)).Inc()

	t.mu.Lock()
	if via == StrategyPush && cmd.Timestamp.After(t.pushedCommandTS) {
		t.pushedCommandTS = cmd.Timestamp
	}
	sink := t.sink
	t.mu.Unlock()
	if sink != nil {
		sink.OnCommand(cmd, via)
	}
}

func (t *Transport) deliverBeat(b BeatEvent, via Strategy) {
	t.mu.Lock()
	if via == StrategyPush && b.Timestamp.After(t.pushedBeatTS) {
		t.pushedBeatTS = b.Timestamp
	}
	sink := t.sink
	t.mu.Unlock()
	if sink != nil {
		sink.OnBeat(b)
	}
}

// dropMalformed logs and counts a message that could not be decoded.
func (t *Transport) dropMalformed(via Strategy, err error) {
	metricParseFailures.Inc()
	t.logger.Warn("dropping malformed message", "strategy", via, "error", err)
}

func (t *Transport) apiURL(path string) string {
	return fmt.Sprintf("%s/%s", t.cfg.APIURL, strings.TrimLeft(path, "/"))
}
