package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ============================================================================
// Status Server
// ============================================================================
// Local HTTP surface for dashboards and scripts:
//
//	GET  /health              liveness
//	GET  /status              current Snapshot as JSON
//	POST /section/{section}   move to another section
//	POST /beat-sync/toggle    flip local beat capture
//	GET  /ws                  status websocket (state_init + state_changed)
//	GET  /metrics             Prometheus metrics
// ============================================================================

type statusServer struct {
	router *chi.Mux
	ctrl   *Controller
	ws     *stateWS
	logger *slog.Logger
}

// newStatusServer builds the router. accessLog enables chi's request log on
// stderr; it is off in TUI mode.
func newStatusServer(ctrl *Controller, hub *Hub, accessLog bool, logger *slog.Logger) *statusServer {
	s := &statusServer{
		router: chi.NewRouter(),
		ctrl:   ctrl,
		ws:     newStateWS(hub, ctrl, logger),
		logger: logger,
	}
	s.setupRoutes(accessLog)
	return s
}

func (s *statusServer) setupRoutes(accessLog bool) {
	r := s.router

	if accessLog {
		r.Use(middleware.Logger)
	}
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Post("/section/{section}", s.handleSection)
	r.Post("/beat-sync/toggle", s.handleToggleBeatSync)
	r.Handle("/ws", s.ws)
	r.Handle("/metrics", promhttp.Handler())
}

func (s *statusServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *statusServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *statusServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

func (s *statusServer) handleSection(w http.ResponseWriter, r *http.Request) {
	sec, err := ParseSection(chi.URLParam(r, "section"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if !s.ctrl.Post(ChangeSection{Section: sec}) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "shutting down"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"section": string(sec)})
}

func (s *statusServer) handleToggleBeatSync(w http.ResponseWriter, r *http.Request) {
	if !s.ctrl.Post(ToggleBeatSync{}) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "shutting down"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// runStatusServer serves handler on addr and shuts it down gracefully when
// ctx is canceled.
func runStatusServer(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)

	go func() {
		// ListenAndServe returns http.ErrServerClosed on Shutdown; treat that as clean exit.
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("status server: %w", err)
			return
		}
		errCh <- nil
	}()
	logger.Info("status server listening", "addr", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("status server shutdown: %w", err)
		}
		<-errCh
		return nil

	case err := <-errCh:
		return err
	}
}
