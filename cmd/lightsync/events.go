package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// ============================================================================
// External Events
// ============================================================================
// These are produced outside the daemon goroutine (transport readers, pollers,
// the beat broadcaster, HTTP handlers, IPC) and posted into the daemon's event
// channel. The daemon wraps each one in a TimedEvent on receipt.
// ============================================================================

// Strategy names the transport strategy that delivered a message.
type Strategy string

const (
	StrategyPush Strategy = "push"
	StrategyPull Strategy = "pull"
)

// BeatEvent is one beat observation, either detected locally or relayed by the server.
type BeatEvent struct {
	BPM       int       `json:"bpm"`
	Intensity float64   `json:"intensity"`
	Timestamp time.Time `json:"timestamp"`
}

// CommandReceived carries a normalized light command from the transport.
type CommandReceived struct {
	Command LightCommand
	Via     Strategy
}

func (CommandReceived) eventMarker() {}

// BeatReceived carries a beat_sync message from the server.
type BeatReceived struct {
	Beat BeatEvent
}

func (BeatReceived) eventMarker() {}

// TransportStateChanged mirrors the transport's connection state into the controller.
type TransportStateChanged struct {
	State ConnState
}

func (TransportStateChanged) eventMarker() {}

// ChangeSection requests the client to move to another section.
type ChangeSection struct {
	Section Section `json:"section"`
}

func (ChangeSection) eventMarker() {}

// ToggleBeatSync flips local beat capture and reporting.
type ToggleBeatSync struct{}

func (ToggleBeatSync) eventMarker() {}

// BeatCaptureFailed is emitted when the beat pipeline could not be started.
type BeatCaptureFailed struct {
	Err error
}

func (BeatCaptureFailed) eventMarker() {}

// ============================================================================
// Server wire codec
// ============================================================================
// The coordinator wraps every push message in a {type, data} envelope. Pull
// responses carry the same payloads under {command} and {beat}.
// ============================================================================

const (
	msgLightCommand  = "light_command"
	msgBeatSync      = "beat_sync"
	msgHeartbeat     = "heartbeat"
	msgHeartbeatAck  = "heartbeat_ack"
	msgSectionChange = "section_change"
)

type wireEnvelope struct {
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data,omitempty"`
	Section string          `json:"section,omitempty"`
}

// wireCommand mirrors the server's light command model. Numeric fields are
// pointers so that absent values can take the server defaults.
type wireCommand struct {
	CommandType   string          `json:"command_type"`
	Color         json.RawMessage `json:"color"`
	Effect        string          `json:"effect"`
	Intensity     *float64        `json:"intensity"`
	Speed         *float64        `json:"speed"`
	Duration      *float64        `json:"duration"`
	Section       string          `json:"section"`
	WaveDelay     *float64        `json:"wave_delay"`
	WaveDirection string          `json:"wave_direction"`
	Timestamp     string          `json:"timestamp"`
}

type wireBeat struct {
	BPM       float64  `json:"bpm"`
	Intensity *float64 `json:"intensity"`
	Timestamp string   `json:"timestamp"`
}

// decodeCommand parses a light command payload and normalizes it.
//
// A payload that is not JSON or carries no usable color fails with
// ErrParseFailure and must be dropped. Otherwise the command is returned even
// when normalization reports ErrInvalidCommand alongside it.
func decodeCommand(data []byte) (LightCommand, error) {
	var w wireCommand
	if err := json.Unmarshal(data, &w); err != nil {
		return LightCommand{}, fmt.Errorf("%w: light command: %v", ErrParseFailure, err)
	}
	if len(w.Color) == 0 || string(w.Color) == "null" {
		return LightCommand{}, fmt.Errorf("%w: light command without color", ErrParseFailure)
	}

	var cmd LightCommand
	if err := json.Unmarshal(w.Color, &cmd.Color); err != nil {
		return LightCommand{}, fmt.Errorf("%w: light command color: %v", ErrParseFailure, err)
	}

	cmd.Effect = Effect(strings.ToLower(strings.TrimSpace(w.Effect)))
	if cmd.Effect == "" {
		cmd.Effect = effectFromCommandType(w.CommandType)
	}
	cmd.Intensity = 1
	if w.Intensity != nil {
		cmd.Intensity = *w.Intensity
	}
	cmd.Speed = 1
	if w.Speed != nil {
		cmd.Speed = *w.Speed
	}
	cmd.Duration = roundedMs(w.Duration)
	cmd.WaveDelay = roundedMs(w.WaveDelay)
	cmd.Section = Section(strings.ToLower(strings.TrimSpace(w.Section)))
	cmd.WaveDirection = WaveDirection(strings.ToLower(strings.TrimSpace(w.WaveDirection)))
	cmd.Timestamp = parseWireTime(w.Timestamp)

	return NormalizeCommand(cmd)
}

// effectFromCommandType maps the legacy command_type field. "color" and
// "effect" carry no effect of their own and fall back to solid.
func effectFromCommandType(ct string) Effect {
	e := Effect(strings.ToLower(strings.TrimSpace(ct)))
	if e.Valid() {
		return e
	}
	return ""
}

func roundedMs(v *float64) *int {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return nil
	}
	r := math.Round(*v)
	if limit := float64(maxCommandMs); math.Abs(r) > limit {
		r = math.Copysign(limit, r)
	}
	ms := int(r)
	return &ms
}

// wireTimeLayouts are tried in order. The server emits RFC 3339 with a UTC
// offset; older builds emitted naive ISO timestamps.
var wireTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
}

// parseWireTime returns the zero time for empty or unparseable input.
func parseWireTime(v string) time.Time {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}
	}
	for _, layout := range wireTimeLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// decodeBeat parses a beat payload. A fractional bpm is rounded.
// A missing intensity defaults to 1.
func decodeBeat(data []byte) (BeatEvent, error) {
	var w wireBeat
	if err := json.Unmarshal(data, &w); err != nil {
		return BeatEvent{}, fmt.Errorf("%w: beat: %v", ErrParseFailure, err)
	}
	if math.IsNaN(w.BPM) || w.BPM < 0 {
		return BeatEvent{}, fmt.Errorf("%w: beat bpm %v", ErrParseFailure, w.BPM)
	}

	b := BeatEvent{
		BPM:       int(math.Round(w.BPM)),
		Intensity: 1,
		Timestamp: parseWireTime(w.Timestamp),
	}
	if w.Intensity != nil {
		b.Intensity = clampUnit(*w.Intensity)
	}
	return b, nil
}

func clampUnit(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// pushMessage is a decoded push frame. Exactly one of Command or Beat is set
// for messages that reach the controller; Normalization holds the
// ErrInvalidCommand detail, if any.
type pushMessage struct {
	Type          string
	Command       *LightCommand
	Beat          *BeatEvent
	Normalization error
}

// decodePushMessage decodes one push frame. heartbeat_ack and unknown types
// return a message with neither Command nor Beat set.
func decodePushMessage(raw []byte) (pushMessage, error) {
	var env wireEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return pushMessage{}, fmt.Errorf("%w: envelope: %v", ErrParseFailure, err)
	}

	msg := pushMessage{Type: env.Type}
	switch env.Type {
	case msgLightCommand:
		cmd, err := decodeCommand(env.Data)
		if errors.Is(err, ErrParseFailure) {
			return msg, err
		}
		msg.Command = &cmd
		msg.Normalization = err

	case msgBeatSync:
		beat, err := decodeBeat(env.Data)
		if err != nil {
			return msg, err
		}
		msg.Beat = &beat
	}
	return msg, nil
}

// decodePullCommand decodes a latest-command response: {"command": {...} | null}.
// ok is false when the server has no command yet.
func decodePullCommand(body []byte) (cmd LightCommand, ok bool, normErr error, err error) {
	var resp struct {
		Command json.RawMessage `json:"command"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return LightCommand{}, false, nil, fmt.Errorf("%w: latest-command: %v", ErrParseFailure, err)
	}
	if isNullJSON(resp.Command) {
		return LightCommand{}, false, nil, nil
	}
	cmd, err = decodeCommand(resp.Command)
	if errors.Is(err, ErrParseFailure) {
		return LightCommand{}, false, nil, err
	}
	return cmd, true, err, nil
}

// decodePullBeat decodes a latest-beat response: {"beat": {...} | null}.
func decodePullBeat(body []byte) (BeatEvent, bool, error) {
	var resp struct {
		Beat json.RawMessage `json:"beat"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return BeatEvent{}, false, fmt.Errorf("%w: latest-beat: %v", ErrParseFailure, err)
	}
	if isNullJSON(resp.Beat) {
		return BeatEvent{}, false, nil
	}
	b, err := decodeBeat(resp.Beat)
	if err != nil {
		return BeatEvent{}, false, err
	}
	return b, true, nil
}

func isNullJSON(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func encodeHeartbeat() []byte {
	return []byte(`{"type":"heartbeat"}`)
}

func encodeSectionChange(s Section) ([]byte, error) {
	return json.Marshal(wireEnvelope{Type: msgSectionChange, Section: string(s)})
}

// encodeBeatReport builds the POST beat-data body.
func encodeBeatReport(b BeatEvent) ([]byte, error) {
	ts := b.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return json.Marshal(struct {
		BPM       int     `json:"bpm"`
		Intensity float64 `json:"intensity"`
		Timestamp string  `json:"timestamp"`
	}{
		BPM:       b.BPM,
		Intensity: clampUnit(b.Intensity),
		Timestamp: ts.UTC().Format(time.RFC3339Nano),
	})
}

// ============================================================================
// Local control messages
// ============================================================================
// The IPC socket and the status websocket accept the same small control
// vocabulary, encoded as {type, data} envelopes.
// ============================================================================

// UnmarshalControl decodes a local control message into an Event.
func UnmarshalControl(data []byte) (Event, error) {
	var env wireEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}

	switch env.Type {
	case "change_section", msgSectionChange:
		raw := env.Section
		if raw == "" && len(env.Data) > 0 {
			var a struct {
				Section string `json:"section"`
			}
			if err := json.Unmarshal(env.Data, &a); err != nil {
				return nil, fmt.Errorf("unmarshal ChangeSection: %w", err)
			}
			raw = a.Section
		}
		sec, err := ParseSection(raw)
		if err != nil {
			return nil, err
		}
		return ChangeSection{Section: sec}, nil

	case "toggle_beat_sync":
		return ToggleBeatSync{}, nil

	default:
		return nil, fmt.Errorf("unknown control type: %q", env.Type)
	}
}

// MarshalControl encodes a control Event into a JSON envelope.
func MarshalControl(e Event) ([]byte, error) {
	var env wireEnvelope

	switch e := e.(type) {
	case ChangeSection:
		env.Type = "change_section"
		data, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("marshal ChangeSection: %w", err)
		}
		env.Data = data

	case ToggleBeatSync:
		env.Type = "toggle_beat_sync"

	default:
		return nil, fmt.Errorf("unsupported control type: %T", e)
	}

	return json.Marshal(env)
}
