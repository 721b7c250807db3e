// Package rpc exposes the monitor over a small message-passing HTTP surface.
//
// DESIGN: One POST endpoint accepting {type: string, ...} envelopes and
// answering {success: bool, ...}. The handlers are thin wrappers over the
// monitor API; all validation and state logic lives in the monitor. The
// middleware chain (panic recovery, then request logging) follows the same
// shape as any HTTP surface in this codebase.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/pagelens/page-monitor/internal/aggregate"
	"github.com/pagelens/page-monitor/internal/config"
	"github.com/pagelens/page-monitor/internal/monitor"
	"github.com/pagelens/page-monitor/internal/monitoring"
)

// maxMessageBytes bounds an incoming envelope.
const maxMessageBytes = 1 << 20

// defaultActivityLimit applies when a get_recent_activity message carries no
// limit.
const defaultActivityLimit = 20

// Message is one incoming envelope. Fields beyond Type are read per message
// type.
type Message struct {
	Type    string             `json:"type"`
	Limit   int                `json:"limit,omitempty"`   // get_recent_activity
	Options *aggregate.Options `json:"options,omitempty"` // get_context
	Config  *config.Config     `json:"config,omitempty"`  // update_config
}

// Response is the envelope every message is answered with.
type Response struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// Server serves the messaging contract.
type Server struct {
	mon     *monitor.Monitor
	metrics *monitoring.MetricsCollector
	alerts  *monitoring.AlertManager
	srv     *http.Server
}

// NewServer builds the server around a monitor.
func NewServer(cfg config.ServerConfig, mon *monitor.Monitor, metrics *monitoring.MetricsCollector, alerts *monitoring.AlertManager) *Server {
	if metrics == nil {
		metrics = monitoring.NewMetricsCollector()
	}
	if alerts == nil {
		alerts = monitoring.NewAlertManager(monitoring.New(monitoring.LoggerConfig{Level: "info"}), monitoring.AlertConfig{})
	}

	s := &Server{mon: mon, metrics: metrics, alerts: alerts}
	mux := http.NewServeMux()
	mux.Handle("/message", s.panicRecovery(s.logging(http.HandlerFunc(s.handleMessage))))
	mux.HandleFunc("/healthz", s.handleHealth)

	s.srv = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler returns the root handler, for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// ListenAndServe blocks serving requests.
func (s *Server) ListenAndServe() error {
	log.Info().Str("addr", s.srv.Addr).Msg("rpc server listening")
	return s.srv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"state":  string(s.mon.GetState()),
	})
}

// handleMessage dispatches one envelope.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respond(w, http.StatusMethodNotAllowed, Response{Success: false, Error: "POST required"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxMessageBytes))
	if err != nil {
		s.respond(w, http.StatusBadRequest, Response{Success: false, Error: "unreadable body"})
		return
	}
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		s.respond(w, http.StatusBadRequest, Response{Success: false, Error: "invalid message envelope"})
		return
	}

	resp, status := s.dispatch(r.Context(), msg)
	s.respond(w, status, resp)
}

func (s *Server) dispatch(ctx context.Context, msg Message) (Response, int) {
	switch msg.Type {
	case "get_status":
		return Response{Success: true, Data: s.mon.GetStatistics()}, http.StatusOK

	case "get_context":
		var agg *aggregate.AggregatedContext
		var err error
		if msg.Options != nil {
			agg, err = s.mon.GetContextWithConfig(ctx, *msg.Options)
		} else {
			agg, err = s.mon.GetContext(ctx)
		}
		if err != nil {
			if errors.Is(err, monitor.ErrNotRunning) {
				// Fall back to the last computed context when available.
				if last := s.mon.GetCurrentContext(); last != nil {
					return Response{Success: true, Data: last}, http.StatusOK
				}
			}
			return Response{Success: false, Error: err.Error()}, http.StatusConflict
		}
		return Response{Success: true, Data: agg}, http.StatusOK

	case "get_recent_activity":
		limit := msg.Limit
		if limit <= 0 {
			limit = defaultActivityLimit
		}
		return Response{Success: true, Data: map[string]any{
			"requests":     s.mon.GetRecentRequests(limit),
			"changes":      s.mon.GetRecentChanges(limit),
			"interactions": s.mon.GetRecentInteractions(limit),
		}}, http.StatusOK

	case "clear_data":
		if err := s.mon.ClearData(); err != nil {
			return Response{Success: false, Error: err.Error()}, http.StatusInternalServerError
		}
		return Response{Success: true}, http.StatusOK

	case "update_config":
		if msg.Config == nil {
			return Response{Success: false, Error: "config is required"}, http.StatusBadRequest
		}
		if err := s.mon.UpdateConfig(msg.Config); err != nil {
			return Response{Success: false, Error: err.Error()}, http.StatusBadRequest
		}
		return Response{Success: true}, http.StatusOK

	case "pause":
		if err := s.mon.Pause(); err != nil {
			return Response{Success: false, Error: err.Error()}, http.StatusConflict
		}
		return Response{Success: true}, http.StatusOK

	case "resume":
		if err := s.mon.Resume(); err != nil {
			return Response{Success: false, Error: err.Error()}, http.StatusConflict
		}
		return Response{Success: true}, http.StatusOK

	default:
		return Response{Success: false, Error: fmt.Sprintf("unknown message type %q", msg.Type)}, http.StatusBadRequest
	}
}

func (s *Server) respond(w http.ResponseWriter, status int, resp Response) {
	s.metrics.RecordRPC(resp.Success)
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("response encode failed")
	}
}
