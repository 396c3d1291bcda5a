// Package api exposes the control surface: live parameter reads and
// updates, the event drain, and the byte meters. Handlers run on HTTP
// goroutines and marshal every core read or mutation onto the scheduler
// loop, so nothing here races an attempt in progress.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/malbeclabs/packetpipe/internal/metrics"
	"github.com/malbeclabs/packetpipe/internal/pipe"
	"github.com/malbeclabs/packetpipe/internal/sched"
)

// Config holds configuration for the control server.
type Config struct {
	Logger *slog.Logger
	Loop   *sched.Loop
	Pipes  *pipe.PipePair
}

// Validate defaults the optional fields and rejects missing ones.
func (c *Config) Validate() error {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Loop == nil {
		return errors.New("scheduler loop is required")
	}
	if c.Pipes == nil {
		return errors.New("pipe pair is required")
	}
	return nil
}

// Server serves the JSON control endpoints.
type Server struct {
	log   *slog.Logger
	loop  *sched.Loop
	pipes *pipe.PipePair
}

// New creates a control server.
func New(cfg *Config) (*Server, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid api config: %w", err)
	}
	return &Server{log: cfg.Logger, loop: cfg.Loop, pipes: cfg.Pipes}, nil
}

// Handler returns the route tree.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/pipes", s.servePipes)
	mux.HandleFunc("/events", s.serveEvents)
	mux.HandleFunc("/bytes", s.serveBytes)
	return mux
}

func (s *Server) servePipes(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		var params pipe.Params
		if !s.onCore(w, r, func() { params = s.pipes.Params().Snapshot() }) {
			return
		}
		s.writeJSON(w, http.StatusOK, params)

	case http.MethodPut:
		dec := json.NewDecoder(r.Body)
		dec.UseNumber()
		var raw map[string]any
		if err := dec.Decode(&raw); err != nil {
			metrics.ParamUpdates.WithLabelValues("malformed").Inc()
			s.writeError(w, http.StatusBadRequest, "unable to parse parameters")
			return
		}

		var params pipe.Params
		var updateErr error
		if !s.onCore(w, r, func() { params, updateErr = s.pipes.Params().Update(raw) }) {
			return
		}

		if updateErr != nil {
			metrics.ParamUpdates.WithLabelValues("malformed").Inc()
			s.writeError(w, http.StatusBadRequest, updateErr.Error())
			return
		}
		metrics.ParamUpdates.WithLabelValues("ok").Inc()
		s.log.Info("parameters updated", "params", params)
		s.writeJSON(w, http.StatusOK, params)

	case http.MethodDelete:
		var params pipe.Params
		if !s.onCore(w, r, func() { params = s.pipes.Params().Reset() }) {
			return
		}
		metrics.ParamUpdates.WithLabelValues("reset").Inc()
		s.log.Info("parameters reset", "params", params)
		s.writeJSON(w, http.StatusOK, params)

	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) serveEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var events []pipe.Event
	var now float64
	ok := s.onCore(w, r, func() {
		events = s.pipes.Events().GetPending()
		now = float64(s.loop.Now().UnixNano()) / 1e9
	})
	if !ok {
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"now": now, "events": events})
}

func (s *Server) serveBytes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var up, down pipe.Meters
	ok := s.onCore(w, r, func() {
		up = s.pipes.Up.Meters()
		down = s.pipes.Down.Meters()
	})
	if !ok {
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]int64{
		"up_bytes_attempted":   up.BytesAttempted,
		"up_bytes_delivered":   up.BytesDelivered,
		"down_bytes_attempted": down.BytesAttempted,
		"down_bytes_delivered": down.BytesDelivered,
	})
}

// onCore runs fn on the scheduler loop, writing a 500 if the loop is
// unreachable. Returns whether fn ran.
func (s *Server) onCore(w http.ResponseWriter, r *http.Request, fn func()) bool {
	if err := s.loop.Call(r.Context(), fn); err != nil {
		s.writeError(w, http.StatusInternalServerError, "core loop unavailable")
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Error("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
