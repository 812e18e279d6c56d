// Package control exposes the bridge to its desktop shell over a
// loopback HTTP server: request/response control operations, the
// printer-state and printer-log push streams, and runtime metrics.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sushiamo/desktop-bridge/internal/discovery"
	"github.com/sushiamo/desktop-bridge/internal/routing"
	"github.com/sushiamo/desktop-bridge/internal/session"
	"github.com/sushiamo/desktop-bridge/internal/worker"
)

// Server is the shell-facing control server.
type Server struct {
	worker  *worker.Worker
	version string
	srv     *http.Server
}

func New(w *worker.Worker, addr, version string) *Server {
	s := &Server{worker: w, version: version}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(s.requireWorker)
		r.Get("/state", s.handleState)
		r.Post("/config", s.handleSaveConfig)
		r.Post("/session/sync", s.handleSyncSession)
		r.Post("/session/clear", s.handleClearSession)
		r.Post("/service/start", s.handleStartService)
		r.Post("/service/stop", s.handleStopService)
		r.Post("/discovery/printers", s.handleDiscoverPrinters)
		r.Post("/discovery/rt", s.handleDiscoverRT)
		r.Post("/test/rt-receipt", s.handleTestRTReceipt)
	})

	r.Route("/events", func(r chi.Router) {
		r.Use(s.requireWorker)
		r.Get("/state", s.handleStateStream)
		r.Get("/log", s.handleLogStream)
	})

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start serves until the listener fails or Shutdown is called. The
// control surface carries session tokens, so anything but loopback is
// refused.
func (s *Server) Start() error {
	host, _, err := net.SplitHostPort(s.srv.Addr)
	if err != nil {
		return fmt.Errorf("parse listen addr: %w", err)
	}
	if ip := net.ParseIP(host); host != "localhost" && (ip == nil || !ip.IsLoopback()) {
		return fmt.Errorf("control server must bind loopback, not %q", host)
	}

	log.Printf("[control] Listening on %s", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// --- Response helpers ---

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// errorCode maps operational sentinels to their wire codes; free-form
// errors go out as UNEXPECTED.
func errorCode(err error) string {
	for _, sentinel := range []error{
		session.ErrSessionAbsent,
		session.ErrSessionInvalid,
		routing.ErrNoPrinterHost,
		worker.ErrRTHostMissing,
		worker.ErrWorkerUnavailable,
	} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return "UNEXPECTED"
}

func writeError(w http.ResponseWriter, status int, err error) {
	var body errorBody
	body.Error.Code = errorCode(err)
	body.Error.Message = err.Error()
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[control] Failed to encode response: %v", err)
	}
}

func writeState(w http.ResponseWriter, state worker.PublicState) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"state": state})
}

func decodeBody(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}

// requireWorker refuses control operations when no worker is attached
// (the shell can probe the server before the bridge finishes booting).
func (s *Server) requireWorker(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.worker == nil {
			writeError(w, http.StatusServiceUnavailable, worker.ErrWorkerUnavailable)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": s.version})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeState(w, s.worker.PublicState())
}

func (s *Server) handleSaveConfig(w http.ResponseWriter, r *http.Request) {
	var patch worker.ConfigPatch
	if err := decodeBody(r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	state, err := s.worker.SaveConfig(patch)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeState(w, state)
}

func (s *Server) handleSyncSession(w http.ResponseWriter, r *http.Request) {
	var snap session.Snapshot
	if err := decodeBody(r, &snap); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	state, err := s.worker.SyncSession(snap)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeState(w, state)
}

func (s *Server) handleClearSession(w http.ResponseWriter, r *http.Request) {
	writeState(w, s.worker.ClearSession())
}

func (s *Server) handleStartService(w http.ResponseWriter, r *http.Request) {
	writeState(w, s.worker.StartService())
}

func (s *Server) handleStopService(w http.ResponseWriter, r *http.Request) {
	writeState(w, s.worker.StopService())
}

type discoveryRequest struct {
	TimeoutMs int `json:"timeout_ms"`
}

func (s *Server) handleDiscoverPrinters(w http.ResponseWriter, r *http.Request) {
	var req discoveryRequest
	if r.ContentLength > 0 {
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	printers, err := s.worker.DiscoverPrinters(r.Context(), req.TimeoutMs)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if printers == nil {
		printers = []discovery.Printer{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"printers": printers})
}

func (s *Server) handleDiscoverRT(w http.ResponseWriter, r *http.Request) {
	var req discoveryRequest
	if r.ContentLength > 0 {
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	devices, err := s.worker.DiscoverRTDevices(r.Context(), req.TimeoutMs)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if devices == nil {
		devices = []discovery.RTDevice{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"devices": devices})
}

func (s *Server) handleTestRTReceipt(w http.ResponseWriter, r *http.Request) {
	var target worker.RTTarget
	if err := decodeBody(r, &target); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.worker.TestRTReceipt(r.Context(), target); err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, worker.ErrRTHostMissing) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "state": s.worker.PublicState()})
}

// --- SSE streams ---

func sseHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

func sseSend(w http.ResponseWriter, flusher http.Flusher, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// handleStateStream pushes the full public state on every mutation
// (printer-state stream). The current snapshot is sent immediately so a
// reconnecting shell never renders stale state.
func (s *Server) handleStateStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	sseHeaders(w)

	states, cancel := s.worker.SubscribeState()
	defer cancel()

	if err := sseSend(w, flusher, s.worker.PublicState()); err != nil {
		return
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case state := <-states:
			if err := sseSend(w, flusher, state); err != nil {
				return
			}
		}
	}
}

// handleLogStream replays the buffered rows, then follows the live feed
// (printer-log stream).
func (s *Server) handleLogStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	sseHeaders(w)

	rows, cancel := s.worker.SubscribeLogs()
	defer cancel()

	for _, row := range s.worker.Logs() {
		if err := sseSend(w, flusher, row); err != nil {
			return
		}
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case row := <-rows:
			if err := sseSend(w, flusher, row); err != nil {
				return
			}
		}
	}
}
