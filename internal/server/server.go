// Package server exposes sessions, routing, threshold and telemetry over
// HTTP, plus the WebSocket subscription endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jmbish04/cfgate/internal/delivery"
	"github.com/jmbish04/cfgate/internal/gateway"
	"github.com/jmbish04/cfgate/internal/session"
	"github.com/jmbish04/cfgate/internal/telemetry"
	"github.com/jmbish04/cfgate/internal/types"
)

const maxBodyBytes = 1 << 20

// Sessions is the session registry surface the server drives.
type Sessions interface {
	Start(ctx context.Context, id types.SessionID, prompt string) (*session.Ack, error)
	Update(ctx context.Context, id types.SessionID, u types.Update) (*session.Ack, error)
	Complete(ctx context.Context, id types.SessionID, result json.RawMessage, status types.SessionStatus) (*session.Ack, error)
	Status(ctx context.Context, id types.SessionID) (*types.Session, error)
	Subscribe(ctx context.Context, id types.SessionID, sub delivery.Subscriber) (*delivery.Hub, error)
	Unsubscribe(id types.SessionID, subID types.SubscriberID)
	List(ctx context.Context, limit int) ([]*types.Session, error)
	Live() int
}

// Router is the confidence gateway.
type Router interface {
	Route(ctx context.Context, req *gateway.Request) (*gateway.Response, error)
}

// Threshold reads and writes the confidence threshold.
type Threshold interface {
	Get(ctx context.Context) float64
	Set(ctx context.Context, v float64) error
}

// Telemetry is the inspection and tuning surface of the telemetry service.
type Telemetry interface {
	RollingStats(ctx context.Context, windowDays int) (*types.RollingStats, error)
	Recent(ctx context.Context, limit int) ([]*types.TelemetryRecord, error)
	AutoTune(ctx context.Context) (*telemetry.TuneResult, error)
}

// Options wires a Server. Every collaborator is required.
type Options struct {
	Sessions       Sessions
	Router         Router
	Threshold      Threshold
	Telemetry      Telemetry
	OriginPatterns []string
}

// Server is the HTTP handler for the daemon.
type Server struct {
	sessions  Sessions
	router    Router
	threshold Threshold
	telemetry Telemetry
	origins   []string
	mux       chi.Router
}

// New creates a Server with all routes registered.
func New(opts Options) *Server {
	s := &Server{
		sessions:  opts.Sessions,
		router:    opts.Router,
		threshold: opts.Threshold,
		telemetry: opts.Telemetry,
		origins:   opts.OriginPatterns,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/health", s.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Post("/route", s.handleRoute)

		r.Get("/sessions", s.handleListSessions)
		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Get("/", s.handleStatus)
			r.Get("/status", s.handleStatus)
			r.Post("/start", s.handleStart)
			r.Post("/update", s.handleUpdate)
			r.Post("/complete", s.handleComplete)
			r.Get("/ws", s.handleSubscribe)
		})

		r.Get("/threshold", s.handleGetThreshold)
		r.Put("/threshold", s.handleSetThreshold)

		r.Get("/telemetry/stats", s.handleStats)
		r.Get("/telemetry/records", s.handleRecords)
		r.Post("/telemetry/autotune", s.handleAutoTune)
	})
	s.mux = r
	return s
}

// ServeHTTP delegates to the internal router, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "live_sessions": s.sessions.Live()})
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	var req gateway.Request
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	resp, err := s.router.Route(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}
	w.Header().Set("X-Next-Step", string(resp.NextStep))
	w.WriteHeader(resp.Status)
	w.Write(resp.Body)
}

// startRequest is the JSON body for POST /api/sessions/{id}/start.
type startRequest struct {
	Prompt string `json:"prompt"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	ack, err := s.sessions.Start(r.Context(), sessionID(r), req.Prompt)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	raw, err := readBody(r)
	if err != nil {
		writeError(w, err)
		return
	}
	u, err := types.ParseUpdate(raw)
	if err != nil {
		writeError(w, err)
		return
	}
	ack, err := s.sessions.Update(r.Context(), sessionID(r), u)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

// completeRequest is the JSON body for POST /api/sessions/{id}/complete.
type completeRequest struct {
	Result json.RawMessage     `json:"result"`
	Status types.SessionStatus `json:"status"`
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	ack, err := s.sessions.Complete(r.Context(), sessionID(r), req.Result, req.Status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Status(r.Context(), sessionID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.sessions.List(r.Context(), queryInt(r, "limit", 50))
	if err != nil {
		writeError(w, err)
		return
	}
	if sessions == nil {
		sessions = []*types.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	id := sessionID(r)
	if !id.Valid() {
		writeError(w, types.InvalidArgument("invalid session id %q", id))
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		slog.Warn("websocket upgrade failed", "session_id", string(id), "error", err)
		return
	}
	conn := delivery.NewConn(id, ws)
	defer conn.Close("closed")

	ctx := r.Context()
	hub, err := s.sessions.Subscribe(ctx, id, conn)
	if err != nil {
		slog.Warn("subscribe failed", "session_id", string(id), "error", err)
		return
	}
	defer s.sessions.Unsubscribe(id, conn.ID())

	if err := conn.Serve(ctx, hub); err != nil {
		slog.Debug("subscriber disconnected", "session_id", string(id), "subscriber_id", string(conn.ID()), "error", err)
	}
}

func (s *Server) handleGetThreshold(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]float64{"threshold": s.threshold.Get(r.Context())})
}

// thresholdRequest is the JSON body for PUT /api/threshold.
type thresholdRequest struct {
	Threshold *float64 `json:"threshold"`
}

func (s *Server) handleSetThreshold(w http.ResponseWriter, r *http.Request) {
	var req thresholdRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Threshold == nil {
		writeError(w, types.InvalidArgument("threshold is required"))
		return
	}
	if err := s.threshold.Set(r.Context(), *req.Threshold); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]float64{"threshold": *req.Threshold})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.telemetry.RollingStats(r.Context(), queryInt(r, "window", 0))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	records, err := s.telemetry.Recent(r.Context(), queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, err)
		return
	}
	if records == nil {
		records = []*types.TelemetryRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleAutoTune(w http.ResponseWriter, r *http.Request) {
	res, err := s.telemetry.AutoTune(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func sessionID(r *http.Request) types.SessionID {
	return types.SessionID(chi.URLParam(r, "id"))
}

func queryInt(r *http.Request, name string, fallback int) int {
	if q := r.URL.Query().Get(name); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func readBody(r *http.Request) ([]byte, error) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, types.InvalidArgument("read body: %v", err)
	}
	if len(raw) > maxBodyBytes {
		return nil, types.InvalidArgument("request body exceeds %d bytes", maxBodyBytes)
	}
	return raw, nil
}

func decode(r *http.Request, v any) error {
	raw, err := readBody(r)
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return types.InvalidArgument("invalid JSON: %v", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error string `json:"error"`
	Hint  string `json:"hint,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	status := types.HTTPStatus(err)
	body := errorBody{Error: err.Error()}
	var hint *gateway.HintError
	if errors.As(err, &hint) {
		body.Hint = hint.Hint
	}
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
		body.Error = "internal server error"
	}
	writeJSON(w, status, body)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
