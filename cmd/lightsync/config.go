package main

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dchest/uniuri"
	"gopkg.in/yaml.v3"
)

// Config is the top-level YAML configuration for the lightsync client.
//
// Precedence, lowest first: DefaultConfig, the YAML file, LIGHTSYNC_*
// environment variables (a .env file is loaded into the environment first),
// then command-line flags. Validate runs last and fills derived defaults.
type Config struct {
	Server    ServerConfig  `yaml:"server"`
	Client    ClientConfig  `yaml:"client"`
	Transport TransportFile `yaml:"transport"`
	Render    RenderConfig  `yaml:"render"`
	Beat      BeatConfig    `yaml:"beat"`
	Status    StatusConfig  `yaml:"status"`
	IPC       IPCConfig     `yaml:"ipc"`
	MQTT      MQTTConfig    `yaml:"mqtt"`
	Logging   LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	// WsURL is the push base; the client appends /participant/{section}.
	WsURL string `yaml:"ws_url"`
	// APIURL is the REST base for polling and beat reports.
	APIURL             string `yaml:"api_url"`
	HandshakeTimeoutMS int    `yaml:"handshake_timeout_ms"`
	HTTPTimeoutMS      int    `yaml:"http_timeout_ms"`
}

type ClientConfig struct {
	Section  string `yaml:"section"`
	ClientID string `yaml:"client_id,omitempty"` // random when empty
	BeatSync bool   `yaml:"beat_sync"`
}

// TransportFile is the YAML shape of the transport timings.
type TransportFile struct {
	PollIntervalMS      int `yaml:"poll_interval_ms"`
	HeartbeatIntervalMS int `yaml:"heartbeat_interval_ms"` // 0 disables heartbeats
}

type RenderConfig struct {
	FrameHz    int `yaml:"frame_hz"`
	WaveStepMS int `yaml:"wave_step_ms"`
}

type BeatConfig struct {
	// Source is "-" for PCM on stdin, a .wav/.mp3 file, or a PCM device/fifo path.
	Source           string `yaml:"source"`
	Loop             bool   `yaml:"loop,omitempty"`
	SampleRate       int    `yaml:"sample_rate"`
	WindowSize       int    `yaml:"window_size"`
	AnalysisHz       int    `yaml:"analysis_hz"`
	ReportIntervalMS int    `yaml:"report_interval_ms"`
}

type StatusConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

type IPCConfig struct {
	SocketPath string `yaml:"socket_path"` // empty disables the control socket
}

type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	QoS      int    `yaml:"qos"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns a fully-populated Config with defaults.
// Keep this aligned with constants.go.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			WsURL:              "ws://127.0.0.1:8001/ws",
			APIURL:             "http://127.0.0.1:8001/api",
			HandshakeTimeoutMS: defaultHandshakeTimeoutMS,
			HTTPTimeoutMS:      defaultHTTPTimeoutMS,
		},
		Client: ClientConfig{
			Section: string(SectionAll),
		},
		Transport: TransportFile{
			PollIntervalMS:      defaultPollIntervalMS,
			HeartbeatIntervalMS: defaultHeartbeatIntervalMS,
		},
		Render: RenderConfig{
			FrameHz:    defaultFrameHz,
			WaveStepMS: int(defaultWaveStep / time.Millisecond),
		},
		Beat: BeatConfig{
			SampleRate:       defaultSampleRate,
			WindowSize:       defaultWindowSize,
			AnalysisHz:       defaultAnalysisHz,
			ReportIntervalMS: defaultReportIntervalMS,
		},
		Status: StatusConfig{
			Enabled: false,
			Listen:  defaultStatusListen,
		},
		IPC: IPCConfig{
			SocketPath: defaultSocketPath,
		},
		MQTT: MQTTConfig{
			Enabled: false,
			Broker:  "tcp://127.0.0.1:1883",
			Topic:   defaultMQTTTopic,
			QoS:     0,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfigFile reads and parses a YAML config file on top of DefaultConfig.
//
// Notes:
//   - The file must be valid YAML.
//   - Unknown fields are rejected (helps catch typos) via KnownFields(true).
func LoadConfigFile(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("config path is empty")
	}
	b, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config yaml: %w", err)
	}

	// Ensure there's no trailing garbage (only whitespace/comments are allowed after the document).
	if err := dec.Decode(&struct{}{}); err == nil {
		return Config{}, fmt.Errorf("decode config yaml: unexpected trailing document")
	}

	return cfg, nil
}

// envPrefix prefixes every environment override.
const envPrefix = "LIGHTSYNC_"

// ApplyEnv applies LIGHTSYNC_* variables. getenv is os.Getenv outside tests.
// Empty variables are ignored.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	str := func(name string, dst *string) {
		if v := strings.TrimSpace(getenv(envPrefix + name)); v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) error {
		v := strings.TrimSpace(getenv(envPrefix + name))
		if v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, name, err)
		}
		*dst = n
		return nil
	}
	flag := func(name string, dst *bool) error {
		v := strings.TrimSpace(getenv(envPrefix + name))
		if v == "" {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, name, err)
		}
		*dst = b
		return nil
	}

	str("WS_URL", &c.Server.WsURL)
	str("API_URL", &c.Server.APIURL)
	str("SECTION", &c.Client.Section)
	str("CLIENT_ID", &c.Client.ClientID)
	str("BEAT_SOURCE", &c.Beat.Source)
	str("STATUS_LISTEN", &c.Status.Listen)
	str("SOCKET_PATH", &c.IPC.SocketPath)
	str("MQTT_BROKER", &c.MQTT.Broker)
	str("MQTT_TOPIC", &c.MQTT.Topic)
	str("MQTT_USERNAME", &c.MQTT.Username)
	str("MQTT_PASSWORD", &c.MQTT.Password)
	str("LOG_LEVEL", &c.Logging.Level)

	return errors.Join(
		num("POLL_INTERVAL_MS", &c.Transport.PollIntervalMS),
		num("HEARTBEAT_INTERVAL_MS", &c.Transport.HeartbeatIntervalMS),
		num("FRAME_HZ", &c.Render.FrameHz),
		flag("BEAT_SYNC", &c.Client.BeatSync),
		flag("STATUS_ENABLED", &c.Status.Enabled),
		flag("MQTT_ENABLED", &c.MQTT.Enabled),
	)
}

// FlagOverrides applies overrides from flags on top of a loaded config.
//
// Flags pass pointers; nil means "not set on the command line".
type FlagOverrides struct {
	WsURL  *string
	APIURL *string

	Section  *string
	ClientID *string
	BeatSync *bool

	PollIntervalMS *int
	FrameHz        *int

	BeatSource *string
	BeatLoop   *bool

	StatusEnabled *bool
	StatusListen  *string

	IPCSocketPath *string

	MQTTEnabled *bool
	MQTTBroker  *string

	LogLevel *string
}

// Apply merges the overrides into cfg. If an override pointer is nil, it is ignored.
// If the pointer is non-nil, the value is applied (even if it is a “zero value”).
func (o FlagOverrides) Apply(cfg *Config) {
	if cfg == nil {
		return
	}

	if o.WsURL != nil {
		cfg.Server.WsURL = *o.WsURL
	}
	if o.APIURL != nil {
		cfg.Server.APIURL = *o.APIURL
	}

	if o.Section != nil {
		cfg.Client.Section = *o.Section
	}
	if o.ClientID != nil {
		cfg.Client.ClientID = *o.ClientID
	}
	if o.BeatSync != nil {
		cfg.Client.BeatSync = *o.BeatSync
	}

	if o.PollIntervalMS != nil {
		cfg.Transport.PollIntervalMS = *o.PollIntervalMS
	}
	if o.FrameHz != nil {
		cfg.Render.FrameHz = *o.FrameHz
	}

	if o.BeatSource != nil {
		cfg.Beat.Source = *o.BeatSource
	}
	if o.BeatLoop != nil {
		cfg.Beat.Loop = *o.BeatLoop
	}

	if o.StatusEnabled != nil {
		cfg.Status.Enabled = *o.StatusEnabled
	}
	if o.StatusListen != nil {
		cfg.Status.Listen = *o.StatusListen
	}

	if o.IPCSocketPath != nil {
		cfg.IPC.SocketPath = *o.IPCSocketPath
	}

	if o.MQTTEnabled != nil {
		cfg.MQTT.Enabled = *o.MQTTEnabled
	}
	if o.MQTTBroker != nil {
		cfg.MQTT.Broker = *o.MQTTBroker
	}

	if o.LogLevel != nil {
		cfg.Logging.Level = *o.LogLevel
	}
}

// Validate checks config invariants and returns a user-friendly error.
// It runs after defaults + file + env + overrides and fills derived values
// (normalized section, generated client id).
func (c *Config) Validate() error {
	// Server
	if c.Server.WsURL == "" && c.Server.APIURL == "" {
		return errors.New("server.ws_url and server.api_url must not both be empty")
	}
	if c.Server.WsURL != "" {
		u, err := url.Parse(c.Server.WsURL)
		if err != nil {
			return fmt.Errorf("server.ws_url: %w", err)
		}
		switch u.Scheme {
		case "ws", "wss", "http", "https":
		default:
			return fmt.Errorf("server.ws_url must use ws:// or wss:// (got %q)", u.Scheme)
		}
	}
	if c.Server.APIURL != "" {
		u, err := url.Parse(c.Server.APIURL)
		if err != nil {
			return fmt.Errorf("server.api_url: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("server.api_url must use http:// or https:// (got %q)", u.Scheme)
		}
	}
	if c.Server.HandshakeTimeoutMS <= 0 {
		return errors.New("server.handshake_timeout_ms must be > 0")
	}
	if c.Server.HTTPTimeoutMS <= 0 {
		return errors.New("server.http_timeout_ms must be > 0")
	}

	// Client
	sec, err := ParseSection(c.Client.Section)
	if err != nil {
		return fmt.Errorf("client.section: %w", err)
	}
	c.Client.Section = string(sec)
	if c.Client.ClientID == "" {
		c.Client.ClientID = uniuri.New()
	}

	// Transport
	if c.Transport.PollIntervalMS < 100 {
		return errors.New("transport.poll_interval_ms must be >= 100")
	}
	if c.Transport.HeartbeatIntervalMS < 0 {
		return errors.New("transport.heartbeat_interval_ms must be >= 0")
	}

	// Render
	if c.Render.FrameHz <= 0 || c.Render.FrameHz > 240 {
		return errors.New("render.frame_hz must be between 1 and 240")
	}
	if c.Render.WaveStepMS < 0 {
		return errors.New("render.wave_step_ms must be >= 0")
	}

	// Beat
	if c.Beat.SampleRate <= 0 {
		return errors.New("beat.sample_rate must be > 0")
	}
	if c.Beat.WindowSize < 64 || c.Beat.WindowSize&(c.Beat.WindowSize-1) != 0 {
		return errors.New("beat.window_size must be a power of two >= 64")
	}
	if c.Beat.AnalysisHz <= 0 || c.Beat.AnalysisHz > 1000 {
		return errors.New("beat.analysis_hz must be between 1 and 1000")
	}
	if c.Beat.ReportIntervalMS <= 0 {
		return errors.New("beat.report_interval_ms must be > 0")
	}

	// Status
	if c.Status.Enabled && c.Status.Listen == "" {
		return errors.New("status.enabled is true but status.listen is empty")
	}

	// MQTT
	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return errors.New("mqtt.enabled is true but mqtt.broker is empty")
		}
		if c.MQTT.Topic == "" {
			return errors.New("mqtt.enabled is true but mqtt.topic is empty")
		}
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return errors.New("mqtt.qos must be 0, 1 or 2")
	}

	// Logging
	if _, err := parseLogLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}

	return nil
}

// ToTransportConfig converts file config into the transport's runtime config.
func (c *Config) ToTransportConfig() TransportConfig {
	return TransportConfig{
		WSURL:             c.Server.WsURL,
		APIURL:            c.Server.APIURL,
		ClientID:          c.Client.ClientID,
		PollInterval:      time.Duration(c.Transport.PollIntervalMS) * time.Millisecond,
		HeartbeatInterval: time.Duration(c.Transport.HeartbeatIntervalMS) * time.Millisecond,
		HandshakeTimeout:  time.Duration(c.Server.HandshakeTimeoutMS) * time.Millisecond,
		HTTPTimeout:       time.Duration(c.Server.HTTPTimeoutMS) * time.Millisecond,
	}
}

// ToControllerConfig converts file config into controller timings.
func (c *Config) ToControllerConfig() ControllerConfig {
	cfg := DefaultControllerConfig()
	cfg.WaveStep = time.Duration(c.Render.WaveStepMS) * time.Millisecond
	return cfg
}

// ToBeatDetectorConfig converts file config into analysis settings.
func (c *Config) ToBeatDetectorConfig() BeatDetectorConfig {
	cfg := DefaultBeatDetectorConfig()
	cfg.SampleRate = c.Beat.SampleRate
	cfg.WindowSize = c.Beat.WindowSize
	cfg.AnalysisHz = c.Beat.AnalysisHz
	return cfg
}

// ExpandPath expands a leading "~" in a path using $HOME.
func ExpandPath(p string) string {
	if p == "" {
		return p
	}
	if p[0] != '~' {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	if p == "~" {
		return home
	}
	if len(p) >= 2 && (p[1] == '/' || p[1] == '\\') {
		return filepath.Join(home, p[2:])
	}
	return p
}
