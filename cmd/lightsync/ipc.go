package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"
)

// ============================================================================
// IPC Server - Unix Domain Socket Interface
// ============================================================================
// Local scripts (and `lightsync ctl`) control a running client through a
// Unix domain socket.
//
// Protocol: line-delimited JSON
//   - Client sends: {"type": "change_section", "data": {"section": "front"}}
//     or {"type": "toggle_beat_sync"} or {"type": "get_status"}
//   - Server responds: {"status": "ok"} or {"status": "error", "error": "msg"}
//     get_status adds "snapshot".
// ============================================================================

const ipcTypeGetStatus = "get_status"

// IPCResponse is the reply to one IPC request line.
type IPCResponse struct {
	Status   string    `json:"status"`          // "ok" or "error"
	Error    string    `json:"error,omitempty"` // set when status == "error"
	Snapshot *Snapshot `json:"snapshot,omitempty"`
}

// ipcHandler is what the IPC server needs from the controller.
type ipcHandler interface {
	Post(e Event) bool
	Snapshot() Snapshot
}

// runIPCServer serves the control socket until ctx is canceled, at which
// point it closes the listener and removes the socket file.
func runIPCServer(ctx context.Context, socketPath string, h ipcHandler, logger *slog.Logger) error {
	// Remove a stale socket left by a crashed run.
	if err := os.RemoveAll(socketPath); err != nil {
		return fmt.Errorf("remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", socketPath, err)
	}
	defer listener.Close()
	defer os.Remove(socketPath)

	if err := os.Chmod(socketPath, 0660); err != nil {
		return fmt.Errorf("chmod socket: %w", err)
	}

	logger.Info("IPC listening", "socket", socketPath)

	// Close the listener on shutdown. This unblocks Accept().
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				logger.Debug("IPC listener closed")
				return nil
			}
			logger.Error("IPC accept error", "error", err)
			continue
		}

		go handleIPCConnection(ctx, conn, h, logger)
	}
}

// handleIPCConnection serves one client until it hangs up or ctx ends.
func handleIPCConnection(ctx context.Context, conn net.Conn, h ipcHandler, logger *slog.Logger) {
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	logger.Debug("IPC connection", "remote_addr", conn.RemoteAddr())

	scanner := bufio.NewScanner(conn)
	encoder := json.NewEncoder(conn)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		logger.Debug("IPC received", "line", line)

		resp := handleIPCLine([]byte(line), h)
		if err := encoder.Encode(resp); err != nil {
			logger.Error("IPC failed to send response", "error", err)
			return
		}
	}

	logger.Debug("IPC connection closed")
}

func handleIPCLine(line []byte, h ipcHandler) IPCResponse {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(line, &head); err == nil && head.Type == ipcTypeGetStatus {
		snap := h.Snapshot()
		return IPCResponse{Status: "ok", Snapshot: &snap}
	}

	ev, err := UnmarshalControl(line)
	if err != nil {
		return IPCResponse{Status: "error", Error: fmt.Sprintf("parse control: %v", err)}
	}
	if !h.Post(ev) {
		return IPCResponse{Status: "error", Error: "shutting down"}
	}
	return IPCResponse{Status: "ok"}
}

// ============================================================================
// IPC client
// ============================================================================

// sendIPC sends one request line and returns the decoded response.
func sendIPC(socketPath string, line []byte, timeout time.Duration) (IPCResponse, error) {
	conn, err := net.DialTimeout("unix", socketPath, timeout)
	if err != nil {
		return IPCResponse{}, fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(timeout))

	if _, err := fmt.Fprintf(conn, "%s\n", strings.TrimSpace(string(line))); err != nil {
		return IPCResponse{}, fmt.Errorf("send: %w", err)
	}

	var resp IPCResponse
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return IPCResponse{}, fmt.Errorf("decode response: %w", err)
	}
	if resp.Status != "ok" {
		return resp, fmt.Errorf("ipc error: %s", resp.Error)
	}
	return resp, nil
}

// SendIPCControl sends a control event to a running client.
func SendIPCControl(socketPath string, ev Event) error {
	data, err := MarshalControl(ev)
	if err != nil {
		return fmt.Errorf("marshal control: %w", err)
	}
	_, err = sendIPC(socketPath, data, 2*time.Second)
	return err
}

// QueryIPCStatus fetches the running client's snapshot.
func QueryIPCStatus(socketPath string) (Snapshot, error) {
	resp, err := sendIPC(socketPath, []byte(`{"type":"get_status"}`), 2*time.Second)
	if err != nil {
		return Snapshot{}, err
	}
	if resp.Snapshot == nil {
		return Snapshot{}, errors.New("ipc: response has no snapshot")
	}
	return *resp.Snapshot, nil
}
