// Package admin exposes the replication engine over HTTP: health, reports,
// the conflict log, worker control and runtime collection exclusions.
//
// Routes:
//
//	GET  /health
//	GET  /stats
//	GET  /stats/stream                      websocket, one report per interval
//	GET  /conflicts?limit=n
//	GET  /failures?limit=n
//	POST /worker/{start,stop,pause,resume}
//	POST /queue/clear
//	PUT  /sync/bidirectional                {"enabled": bool}
//	GET  /collections/excluded/{inbound,outbound}
//	PUT  /collections/excluded/{inbound,outbound}   {"collections": [...]}
package admin

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/surrealdb/surrealsync/pkg/logger"
	"github.com/surrealdb/surrealsync/pkg/models"
	"github.com/surrealdb/surrealsync/pkg/monitor"
	"github.com/surrealdb/surrealsync/pkg/outbound"
)

const (
	DefaultStreamInterval = 2 * time.Second
	shutdownTimeout       = 5 * time.Second
	writeWait             = 5 * time.Second
	defaultListLimit      = 100
)

// Engine is the control surface the API drives.
type Engine interface {
	Report() monitor.Report
	Conflicts(limit int) []models.ConflictLogEntry
	Failures(limit int) []outbound.PermanentFailure

	StartWorker(ctx context.Context) error
	StopWorker(ctx context.Context) error
	PauseWorker()
	ResumeWorker()
	ClearQueue(ctx context.Context) int

	// SetBidirectional reports whether the change needs a restart to apply.
	SetBidirectional(enabled bool) (restartRequired bool)

	ExcludedInbound() []string
	SetExcludedInbound(ctx context.Context, collections []string) error
	ExcludedOutbound() []string
	SetExcludedOutbound(collections []string)
}

type Options struct {
	Engine         Engine
	StreamInterval time.Duration
	Logger         logger.Logger
}

type Server struct {
	engine   Engine
	interval time.Duration
	log      logger.Logger
	router   *mux.Router
	upgrader websocket.Upgrader
}

func New(opts Options) *Server {
	if opts.StreamInterval <= 0 {
		opts.StreamInterval = DefaultStreamInterval
	}
	s := &Server{
		engine:   opts.Engine,
		interval: opts.StreamInterval,
		log:      logger.OrNop(opts.Logger),
		router:   mux.NewRouter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/stats/stream", s.handleStatsStream).Methods(http.MethodGet)
	r.HandleFunc("/conflicts", s.handleConflicts).Methods(http.MethodGet)
	r.HandleFunc("/failures", s.handleFailures).Methods(http.MethodGet)

	r.HandleFunc("/worker/{action:start|stop|pause|resume}", s.handleWorker).Methods(http.MethodPost)
	r.HandleFunc("/queue/clear", s.handleQueueClear).Methods(http.MethodPost)
	r.HandleFunc("/sync/bidirectional", s.handleBidirectional).Methods(http.MethodPut)

	r.HandleFunc("/collections/excluded/{direction:inbound|outbound}", s.handleGetExcluded).Methods(http.MethodGet)
	r.HandleFunc("/collections/excluded/{direction:inbound|outbound}", s.handleSetExcluded).Methods(http.MethodPut)
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	s.log.Info("admin.Server listening", "addr", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-serverErr:
		return err
	}
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	response, err := json.Marshal(payload)
	if err != nil {
		status = http.StatusInternalServerError
		response = []byte(`{"error":"failed to encode response"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(response)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func limitParam(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("limit must be a non-negative integer")
	}
	return n, nil
}

func decodeBody(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.engine.Report()
	status := http.StatusOK
	if !report.Healthy {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, map[string]any{
		"healthy":     report.Healthy,
		"issues":      report.Issues,
		"generatedAt": report.GeneratedAt,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.engine.Report())
}

func (s *Server) handleConflicts(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	entries := s.engine.Conflicts(limit)
	respondJSON(w, http.StatusOK, map[string]any{"count": len(entries), "conflicts": entries})
}

func (s *Server) handleFailures(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	failures := s.engine.Failures(limit)
	respondJSON(w, http.StatusOK, map[string]any{"count": len(failures), "failures": failures})
}

func (s *Server) handleWorker(w http.ResponseWriter, r *http.Request) {
	action := mux.Vars(r)["action"]

	var err error
	switch action {
	case "start":
		err = s.engine.StartWorker(r.Context())
	case "stop":
		err = s.engine.StopWorker(r.Context())
	case "pause":
		s.engine.PauseWorker()
	case "resume":
		s.engine.ResumeWorker()
	}
	if err != nil {
		respondError(w, http.StatusConflict, err.Error())
		return
	}
	s.log.Info("admin.Server worker action", "action", action)
	respondJSON(w, http.StatusOK, map[string]any{"action": action, "worker": s.engine.Report().Outbound.Worker})
}

func (s *Server) handleQueueClear(w http.ResponseWriter, r *http.Request) {
	n := s.engine.ClearQueue(r.Context())
	s.log.Warn("admin.Server cleared outbound queue", "removed", n)
	respondJSON(w, http.StatusOK, map[string]any{"removed": n})
}

type bidirectionalRequest struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) handleBidirectional(w http.ResponseWriter, r *http.Request) {
	var req bidirectionalRequest
	if err := decodeBody(r, &req); err != nil || req.Enabled == nil {
		respondError(w, http.StatusBadRequest, `body must be {"enabled": true|false}`)
		return
	}
	restart := s.engine.SetBidirectional(*req.Enabled)
	respondJSON(w, http.StatusOK, map[string]any{
		"enabled":         *req.Enabled,
		"restartRequired": restart,
	})
}

type excludedRequest struct {
	Collections []string `json:"collections"`
}

func (s *Server) handleGetExcluded(w http.ResponseWriter, r *http.Request) {
	direction := mux.Vars(r)["direction"]
	collections := s.engine.ExcludedOutbound()
	if direction == "inbound" {
		collections = s.engine.ExcludedInbound()
	}
	if collections == nil {
		collections = []string{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"direction": direction, "collections": collections})
}

func (s *Server) handleSetExcluded(w http.ResponseWriter, r *http.Request) {
	direction := mux.Vars(r)["direction"]

	var req excludedRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request payload")
		return
	}
	if req.Collections == nil {
		req.Collections = []string{}
	}

	if direction == "inbound" {
		if err := s.engine.SetExcludedInbound(r.Context(), req.Collections); err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
	} else {
		s.engine.SetExcludedOutbound(req.Collections)
	}
	s.log.Info("admin.Server excluded collections changed", "direction", direction, "collections", req.Collections)
	respondJSON(w, http.StatusOK, map[string]any{"direction": direction, "collections": req.Collections})
}

// handleStatsStream pushes a report immediately and then once per interval
// until the client goes away.
func (s *Server) handleStatsStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("admin.Server websocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Reads only detect the close; clients have nothing to say.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		data, err := json.Marshal(s.engine.Report())
		if err != nil {
			s.log.Error("admin.Server failed to encode report", "error", err)
			return
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}

		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case <-ticker.C:
		}
	}
}
