package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// pullCursor remembers what polling already delivered. Items with a server
// timestamp are delivered only when newer; items without one only when the
// payload changed.
type pullCursor struct {
	lastTS  time.Time
	lastRaw string
}

func (c *pullCursor) advance(ts time.Time, raw []byte) bool {
	if !ts.IsZero() {
		if !ts.After(c.lastTS) {
			return false
		}
		c.lastTS = ts
		c.lastRaw = string(raw)
		return true
	}
	if string(raw) == c.lastRaw {
		return false
	}
	c.lastRaw = string(raw)
	return true
}

// runPull polls latest-command and latest-beat once immediately and then on
// every tick, until ctx is done. A failed poll waits for the next tick.
func (t *Transport) runPull(ctx context.Context) {
	t.signal(sigPullStarted)
	t.logger.Info("polling started", "interval", t.cfg.PollInterval, "api", t.cfg.APIURL)

	// Start from what push already delivered so the failover poll does not
	// replay the latest command.
	t.mu.Lock()
	cmdCursor := pullCursor{lastTS: t.pushedCommandTS}
	beatCursor := pullCursor{lastTS: t.pushedBeatTS}
	t.mu.Unlock()

	poll := func() {
		if err := t.pollCommand(ctx, &cmdCursor); err != nil && ctx.Err() == nil {
			t.logger.Debug("latest-command poll failed", "error", err)
		}
		if err := t.pollBeat(ctx, &beatCursor); err != nil && ctx.Err() == nil {
			t.logger.Debug("latest-beat poll failed", "error", err)
		}
	}

	poll()

	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			poll()
		}
	}
}

func (t *Transport) pollCommand(ctx context.Context, cur *pullCursor) error {
	q := url.Values{}
	if !cur.lastTS.IsZero() {
		q.Set("timestamp", cur.lastTS.Format(time.RFC3339Nano))
	}
	q.Set("section", string(t.currentSection()))

	body, err := t.get(ctx, "latest-command", q)
	if err != nil {
		metricPolls.WithLabelValues("latest-command", "error").Inc()
		return err
	}

	cmd, ok, normErr, err := decodePullCommand(body)
	if err != nil {
		metricPolls.WithLabelValues("latest-command", "error").Inc()
		t.dropMalformed(StrategyPull, err)
		return nil
	}
	metricPolls.WithLabelValues("latest-command", "ok").Inc()
	if !ok || !cur.advance(cmd.Timestamp, body) {
		return nil
	}
	t.deliverCommand(cmd, normErr, StrategyPull)
	return nil
}

func (t *Transport) pollBeat(ctx context.Context, cur *pullCursor) error {
	body, err := t.get(ctx, "latest-beat", nil)
	if err != nil {
		metricPolls.WithLabelValues("latest-beat", "error").Inc()
		return err
	}

	beat, ok, err := decodePullBeat(body)
	if err != nil {
		metricPolls.WithLabelValues("latest-beat", "error").Inc()
		t.dropMalformed(StrategyPull, err)
		return nil
	}
	metricPolls.WithLabelValues("latest-beat", "ok").Inc()
	if !ok || !cur.advance(beat.Timestamp, body) {
		return nil
	}
	t.deliverBeat(beat, StrategyPull)
	return nil
}

// get issues GET {api_url}/{path}?{q} and returns the body of a 2xx response.
func (t *Transport) get(ctx context.Context, path string, q url.Values) ([]byte, error) {
	target := t.apiURL(path)
	if len(q) > 0 {
		target += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrTransportFailure, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: GET %s: %v", ErrTransportFailure, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrTransportFailure, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: GET %s: HTTP %d: %s", ErrTransportFailure, path, resp.StatusCode, bytes.TrimSpace(body))
	}
	return body, nil
}

// ReportBeat posts a beat to {api_url}/beat-data.
func (t *Transport) ReportBeat(ctx context.Context, b BeatEvent) error {
	payload, err := encodeBeatReport(b)
	if err != nil {
		return fmt.Errorf("encode beat: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.apiURL("beat-data"), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ErrTransportFailure, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: POST beat-data: %v", ErrTransportFailure, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: POST beat-data: HTTP %d", ErrTransportFailure, resp.StatusCode)
	}
	return nil
}
