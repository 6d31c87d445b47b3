package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

// ============================================================================
// ws_listen - coordinator websocket debugger
// ============================================================================
// Connects to the show coordinator as a participant (one section) or as an
// admin and prints every message, one line each.
//
// Usage:
//   ws_listen -ws ws://show.local:8001/ws -section left
//   ws_listen -ws ws://show.local:8001/ws -role admin
//   ws_listen -ws ws://show.local:8001/ws -raw
// ============================================================================

func main() {
	var (
		wsURL     = flag.String("ws", "ws://127.0.0.1:8001/ws", "Coordinator websocket base URL")
		role      = flag.String("role", "participant", "Connect as: participant|admin")
		section   = flag.String("section", "all", "Participant section: all|left|center|right")
		heartbeat = flag.Int("heartbeat", 15000, "Heartbeat interval in milliseconds (participant only, 0 disables)")
		raw       = flag.Bool("raw", false, "Print raw JSON instead of summaries")
	)
	flag.Parse()

	target, err := endpointURL(*wsURL, *role, *section)
	if err != nil {
		log.Fatalf("invalid arguments: %v", err)
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	d := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	log.Printf("connecting to %s...", target)
	conn, _, err := d.Dial(target, nil)
	if err != nil {
		log.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close()

	log.Printf("connected as %s (press Ctrl+C to exit)", *role)

	// Protects concurrent writes to the websocket.
	var writeMu sync.Mutex

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	go func() {
		for range pingTicker.C {
			writeMu.Lock()
			err := conn.WriteMessage(websocket.PingMessage, nil)
			writeMu.Unlock()
			if err != nil {
				log.Printf("ping failed: %v", err)
				return
			}
		}
	}()

	if *role == "participant" && *heartbeat > 0 {
		hbTicker := time.NewTicker(time.Duration(*heartbeat) * time.Millisecond)
		defer hbTicker.Stop()

		go func() {
			for range hbTicker.C {
				writeMu.Lock()
				err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"heartbeat"}`))
				writeMu.Unlock()
				if err != nil {
					log.Printf("heartbeat failed: %v", err)
					return
				}
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			messageType, message, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Printf("websocket error: %v", err)
				}
				return
			}
			// Any traffic proves the peer is alive.
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))

			switch messageType {
			case websocket.TextMessage:
				if *raw {
					fmt.Printf("%s\n", message)
					continue
				}
				fmt.Println(describeMessage(message))
			case websocket.BinaryMessage:
				fmt.Printf("[BINARY] %d bytes\n", len(message))
			}
		}
	}()

	select {
	case <-sigc:
		log.Printf("shutting down...")
		writeMu.Lock()
		err := conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		writeMu.Unlock()
		if err != nil {
			log.Printf("error closing connection: %v", err)
		}
	case <-done:
		log.Printf("connection closed")
	}
}

// endpointURL builds /participant/{section} or /admin under base.
func endpointURL(base, role, section string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	switch role {
	case "participant":
		switch section {
		case "all", "left", "center", "right":
		default:
			return "", fmt.Errorf("unknown section %q", section)
		}
		u.Path += "/participant/" + section
	case "admin":
		u.Path += "/admin"
	default:
		return "", fmt.Errorf("unknown role %q", role)
	}
	return u.String(), nil
}

type message struct {
	Type             string          `json:"type"`
	Data             json.RawMessage `json:"data"`
	ParticipantCount *int            `json:"participant_count"`
	AdminCount       *int            `json:"admin_count"`
}

type lightCommand struct {
	CommandType string   `json:"command_type"`
	Color       string   `json:"color"`
	Effect      *string  `json:"effect"`
	Intensity   *float64 `json:"intensity"`
	Speed       *float64 `json:"speed"`
	Duration    *int     `json:"duration"`
	Section     string   `json:"section"`
	WaveDelay   *float64 `json:"wave_delay"`
	Timestamp   string   `json:"timestamp"`
}

type beatSync struct {
	BPM       float64  `json:"bpm"`
	Intensity *float64 `json:"intensity"`
}

// describeMessage renders one coordinator message as a single line.
func describeMessage(raw []byte) string {
	var m message
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("[TEXT] %s", raw)
	}

	switch m.Type {
	case "light_command", "command_sent":
		var c lightCommand
		if err := json.Unmarshal(m.Data, &c); err != nil {
			return fmt.Sprintf("[%s] undecodable data: %s", strings.ToUpper(m.Type), m.Data)
		}
		line := fmt.Sprintf("[%s] %s", strings.ToUpper(m.Type), describeCommand(c))
		if m.ParticipantCount != nil {
			line += fmt.Sprintf(" -> %d participants", *m.ParticipantCount)
		}
		return line

	case "beat_sync":
		var b beatSync
		if err := json.Unmarshal(m.Data, &b); err != nil {
			return fmt.Sprintf("[BEAT] undecodable data: %s", m.Data)
		}
		intensity := 1.0
		if b.Intensity != nil {
			intensity = *b.Intensity
		}
		return fmt.Sprintf("[BEAT] %.0f bpm intensity=%.2f", b.BPM, intensity)

	case "heartbeat_ack":
		return "[HEARTBEAT] ack"

	case "initial_stats":
		return fmt.Sprintf("[STATS] participants=%s admins=%s", intOrDash(m.ParticipantCount), intOrDash(m.AdminCount))

	case "participant_update":
		return fmt.Sprintf("[PARTICIPANTS] %s", intOrDash(m.ParticipantCount))

	default:
		return fmt.Sprintf("[%s] %s", strings.ToUpper(m.Type), raw)
	}
}

func describeCommand(c lightCommand) string {
	effect := c.CommandType
	if c.Effect != nil && *c.Effect != "" {
		effect = *c.Effect
	}
	parts := []string{effect, c.Color}
	if c.Section != "" {
		parts = append(parts, "section="+c.Section)
	}
	if c.Intensity != nil {
		parts = append(parts, fmt.Sprintf("intensity=%.2f", *c.Intensity))
	}
	if c.Speed != nil {
		parts = append(parts, fmt.Sprintf("speed=%.2f", *c.Speed))
	}
	if c.Duration != nil {
		parts = append(parts, fmt.Sprintf("duration=%dms", *c.Duration))
	}
	if c.WaveDelay != nil {
		parts = append(parts, fmt.Sprintf("wave_delay=%.0fms", *c.WaveDelay))
	}
	return strings.Join(parts, " ")
}

func intOrDash(v *int) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprint(*v)
}
