package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/essentialkaos/ek/v12/color"
)

// lightCommand is the coordinator's light command body.
type lightCommand struct {
	CommandType   string  `json:"command_type" yaml:"command_type,omitempty"`
	Color         string  `json:"color" yaml:"color"`
	Effect        string  `json:"effect,omitempty" yaml:"effect,omitempty"`
	Intensity     float64 `json:"intensity" yaml:"intensity,omitempty"`
	Speed         float64 `json:"speed" yaml:"speed,omitempty"`
	Duration      *int    `json:"duration,omitempty" yaml:"duration,omitempty"`
	Section       string  `json:"section" yaml:"section,omitempty"`
	WaveDelay     *int    `json:"wave_delay,omitempty" yaml:"wave_delay,omitempty"`
	WaveDirection string  `json:"wave_direction,omitempty" yaml:"wave_direction,omitempty"`
}

var (
	validEffects    = []string{"solid", "pulse", "strobe", "rainbow", "fade", "wave"}
	validSections   = []string{"all", "left", "center", "right"}
	validDirections = []string{"left_to_right", "right_to_left", "center_out"}
	validPresets    = []string{"party_mode", "calm_wave", "festival_finale"}
)

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// normalize fills defaults and rejects values the coordinator would refuse.
func (c *lightCommand) normalize() error {
	c.Color = strings.TrimSpace(c.Color)
	if c.Color == "" {
		return errors.New("color is required")
	}
	if !strings.HasPrefix(c.Color, "#") {
		c.Color = "#" + c.Color
	}
	if _, err := color.Parse(c.Color); err != nil {
		return fmt.Errorf("color %q: %w", c.Color, err)
	}

	if c.Effect == "" {
		c.Effect = "solid"
	}
	if !contains(validEffects, c.Effect) {
		return fmt.Errorf("effect must be one of %s", strings.Join(validEffects, ", "))
	}
	if c.CommandType == "" {
		c.CommandType = "effect"
		if c.Effect == "solid" {
			c.CommandType = "color"
		}
	}

	if c.Intensity == 0 {
		c.Intensity = 1
	}
	if c.Intensity < 0 || c.Intensity > 1 {
		return errors.New("intensity must be between 0 and 1")
	}
	if c.Speed == 0 {
		c.Speed = 1
	}
	if c.Speed < 0 || c.Speed > 10 {
		return errors.New("speed must be between 0 and 10")
	}
	if c.Duration != nil && *c.Duration <= 0 {
		return errors.New("duration must be > 0 ms")
	}

	if c.Section == "" {
		c.Section = "all"
	}
	if !contains(validSections, c.Section) {
		return fmt.Errorf("section must be one of %s", strings.Join(validSections, ", "))
	}
	if c.WaveDelay != nil && *c.WaveDelay < 0 {
		return errors.New("wave_delay must be >= 0 ms")
	}
	if c.WaveDirection != "" && !contains(validDirections, c.WaveDirection) {
		return fmt.Errorf("wave_direction must be one of %s", strings.Join(validDirections, ", "))
	}
	return nil
}

// stats is the coordinator's GET stats response.
type stats struct {
	Participants     int            `json:"participants"`
	Sections         map[string]int `json:"sections,omitempty"`
	Admins           int            `json:"admins"`
	TotalConnections int            `json:"total_connections"`
}

type sendResult struct {
	Message          string `json:"message"`
	ParticipantCount int    `json:"participant_count"`
}

// apiClient talks to the coordinator's REST API.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(base string, timeout time.Duration) (*apiClient, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return nil, fmt.Errorf("api url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("api url must use http:// or https:// (got %q)", base)
	}
	return &apiClient{base: u.String(), http: &http.Client{Timeout: timeout}}, nil
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+"/"+strings.TrimLeft(path, "/"), rd)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s %s: HTTP %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(data))
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// SendCommand posts a normalized command to light-command.
func (c *apiClient) SendCommand(ctx context.Context, cmd lightCommand) (sendResult, error) {
	if err := cmd.normalize(); err != nil {
		return sendResult{}, err
	}
	var res sendResult
	err := c.do(ctx, http.MethodPost, "light-command", cmd, &res)
	return res, err
}

// Preset triggers a named preset pattern.
func (c *apiClient) Preset(ctx context.Context, name string) (map[string]any, error) {
	if !contains(validPresets, name) {
		return nil, fmt.Errorf("preset must be one of %s", strings.Join(validPresets, ", "))
	}
	var res map[string]any
	err := c.do(ctx, http.MethodPost, "preset/"+url.PathEscape(name), nil, &res)
	return res, err
}

// Stats fetches connection statistics.
func (c *apiClient) Stats(ctx context.Context) (stats, error) {
	var s stats
	err := c.do(ctx, http.MethodGet, "stats", nil, &s)
	return s, err
}

// ReportBeat posts a manual beat to beat-data.
func (c *apiClient) ReportBeat(ctx context.Context, bpm int, intensity float64, at time.Time) error {
	if bpm <= 0 {
		return errors.New("bpm must be > 0")
	}
	if intensity < 0 || intensity > 1 {
		return errors.New("intensity must be between 0 and 1")
	}
	body := struct {
		BPM       int     `json:"bpm"`
		Intensity float64 `json:"intensity"`
		Timestamp string  `json:"timestamp"`
	}{bpm, intensity, at.UTC().Format(time.RFC3339Nano)}
	return c.do(ctx, http.MethodPost, "beat-data", body, nil)
}

// JoinSection announces a section join.
func (c *apiClient) JoinSection(ctx context.Context, section string) (string, error) {
	if !contains(validSections, section) {
		return "", fmt.Errorf("section must be one of %s", strings.Join(validSections, ", "))
	}
	var res struct {
		Message string `json:"message"`
	}
	err := c.do(ctx, http.MethodPost, "join-section", map[string]string{"section": section}, &res)
	return res.Message, err
}
