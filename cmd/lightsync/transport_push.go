package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// pushConn serializes writes on the push socket. gorilla/websocket allows one
// concurrent writer; the heartbeat loop and SetSection both write.
type pushConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (p *pushConn) write(msg []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(pushWriteWait))
	return p.conn.WriteMessage(websocket.TextMessage, msg)
}

// participantURL builds {ws_url}/participant/{section}?client_id=...
func participantURL(base string, section Section, clientID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid websocket URL: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid websocket URL scheme %q", u.Scheme)
	}
	u.Path = u.Path + "/participant/" + url.PathEscape(string(section))
	if clientID != "" {
		q := u.Query()
		q.Set("client_id", clientID)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// runPush dials the push socket and reads until it fails or ctx is done.
// It returns the reason the socket ended, wrapped in ErrTransportFailure.
func (t *Transport) runPush(ctx context.Context) error {
	t.signal(sigDial)

	target, err := participantURL(t.cfg.WSURL, t.currentSection(), t.cfg.ClientID)
	if err != nil {
		t.signal(sigPushError)
		return fmt.Errorf("%w: %v", ErrTransportFailure, err)
	}

	conn, resp, err := t.dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%v (http %d)", err, resp.StatusCode)
		}
		t.signal(sigPushError)
		return fmt.Errorf("%w: dial %s: %v", ErrTransportFailure, target, err)
	}

	pc := &pushConn{conn: conn}
	t.mu.Lock()
	t.push = pc
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.push = nil
		t.mu.Unlock()
		_ = conn.Close()
	}()

	t.signal(sigPushOpen)
	t.logger.Info("push channel open", "url", target)

	// Closing the conn is what unblocks ReadMessage.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = pc.write(websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = conn.Close()
		case <-stop:
		}
	}()

	if t.cfg.HeartbeatInterval > 0 {
		go t.heartbeat(pc, stop)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				t.signal(sigPushClosed)
				return fmt.Errorf("%w: push closed (code=%d text=%q)", ErrTransportFailure, ce.Code, ce.Text)
			}
			t.signal(sigPushError)
			return fmt.Errorf("%w: push read: %v", ErrTransportFailure, err)
		}
		t.handlePushFrame(data)
	}
}

func (t *Transport) handlePushFrame(data []byte) {
	msg, err := decodePushMessage(data)
	if err != nil {
		t.dropMalformed(StrategyPush, err)
		return
	}

	switch {
	case msg.Command != nil:
		t.deliverCommand(*msg.Command, msg.Normalization, StrategyPush)
	case msg.Beat != nil:
		t.deliverBeat(*msg.Beat, StrategyPush)
	case msg.Type == msgHeartbeatAck:
	default:
		t.logger.Debug("ignoring push message", "type", msg.Type)
	}
}

// heartbeat sends {"type":"heartbeat"} until stop is closed. A failed write
// closes the socket so the reader notices.
func (t *Transport) heartbeat(pc *pushConn, stop <-chan struct{}) {
	ticker := time.NewTicker(t.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := pc.write(encodeHeartbeat()); err != nil {
				t.logger.Debug("heartbeat failed", "error", err)
				_ = pc.conn.Close()
				return
			}
		}
	}
}
