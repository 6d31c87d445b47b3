package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	pm "github.com/eclipse/paho.mqtt.golang"
)

// ============================================================================
// MQTT mirror
// ============================================================================
// Publishes the rendered state so physical fixtures (a LIFX bridge, a DMX
// gateway) can follow this client:
//
//	<topic>/state         {"color":"#rrggbb","active":true,"beat_mode":false,"section":"left"}
//	<topic>/availability  "online" / "offline" (retained; offline is the will)
//
// Snapshots arrive at frame rate during animations; the mirror publishes the
// latest one at most once per mqttPublishInterval and skips unchanged states.
// ============================================================================

const mqttPublishInterval = 50 * time.Millisecond

// mqttPublisher is the part of pm.Client the mirror uses.
type mqttPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pm.Token
}

type mqttState struct {
	Color    string `json:"color"`
	Active   bool   `json:"active"`
	BeatMode bool   `json:"beat_mode"`
	Section  string `json:"section"`
}

func mqttStateOf(s Snapshot) mqttState {
	return mqttState{
		Color:    s.Color.Hex(),
		Active:   s.IsActive,
		BeatMode: s.BeatMode,
		Section:  string(s.Section),
	}
}

type mqttMirror struct {
	pub    mqttPublisher
	topic  string
	qos    byte
	logger *slog.Logger

	last    mqttState
	hasLast bool
}

func newMQTTMirrorWith(pub mqttPublisher, topic string, qos byte, logger *slog.Logger) *mqttMirror {
	return &mqttMirror{pub: pub, topic: topic, qos: qos, logger: logger}
}

func (m *mqttMirror) stateTopic() string        { return m.topic + "/state" }
func (m *mqttMirror) availabilityTopic() string { return m.topic + "/availability" }

// publishState publishes s unless it equals the last published state.
func (m *mqttMirror) publishState(s Snapshot) error {
	st := mqttStateOf(s)
	if m.hasLast && st == m.last {
		return nil
	}
	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	tok := m.pub.Publish(m.stateTopic(), m.qos, true, payload)
	if !tok.WaitTimeout(2*time.Second) {
		return fmt.Errorf("publish %s: timeout", m.stateTopic())
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", m.stateTopic(), err)
	}
	m.last = st
	m.hasLast = true
	return nil
}

// run mirrors snapshots until ctx is done or snaps closes.
func (m *mqttMirror) run(ctx context.Context, snaps <-chan Snapshot) {
	ticker := time.NewTicker(mqttPublishInterval)
	defer ticker.Stop()

	var pending *Snapshot
	flush := func() {
		if pending == nil {
			return
		}
		if err := m.publishState(*pending); err != nil {
			m.logger.Warn("mqtt publish failed", "error", err)
		}
		pending = nil
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case s, ok := <-snaps:
			if !ok {
				flush()
				return
			}
			pending = &s
		case <-ticker.C:
			flush()
		}
	}
}

// runMQTTMirror connects to the broker and mirrors snapshots until ctx is done.
func runMQTTMirror(ctx context.Context, cfg MQTTConfig, clientID string, snaps <-chan Snapshot, logger *slog.Logger) error {
	qos := byte(cfg.QoS)
	availability := cfg.Topic + "/availability"

	opts := pm.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID("lightsync_" + clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(5*time.Second).
		SetWill(availability, "offline", qos, true).
		SetOnConnectHandler(func(c pm.Client) {
			logger.Info("connected to mqtt", "broker", cfg.Broker)
			c.Publish(availability, qos, true, "online")
		}).
		SetConnectionLostHandler(func(c pm.Client, err error) {
			logger.Warn("mqtt connection lost", "error", err)
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pm.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqtt connect %s: %w", cfg.Broker, token.Error())
	}

	m := newMQTTMirrorWith(client, cfg.Topic, qos, logger)
	m.run(ctx, snaps)

	logger.Info("disconnecting from mqtt")
	if token := client.Publish(availability, qos, true, "offline"); !token.WaitTimeout(time.Second) {
		logger.Debug("mqtt offline publish timed out")
	}
	client.Disconnect(250)
	return nil
}
