package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/1sec-project/perimeter/internal/auth"
	"github.com/1sec-project/perimeter/internal/core"
	"github.com/1sec-project/perimeter/internal/metrics"
	"github.com/1sec-project/perimeter/internal/origin"
	"github.com/1sec-project/perimeter/internal/ratelimit"
	"github.com/1sec-project/perimeter/internal/store"
	"github.com/1sec-project/perimeter/internal/threat"
	"github.com/1sec-project/perimeter/internal/validate"
)

// Server is the perimeter HTTP API.
type Server struct {
	engine   *core.Engine
	cfg      *core.Config
	store    store.Store
	limiter  *ratelimit.Limiter
	pipeline *threat.Pipeline
	gateway  *origin.Gateway
	auth     *auth.Resolver
	dedup    *core.EventDedup
	stop     func()
	router   *mux.Router
	server   *http.Server
	logger   zerolog.Logger
}

// NewServer wires the edge guards around the handlers.
func NewServer(engine *core.Engine, st store.Store, limiter *ratelimit.Limiter, pipeline *threat.Pipeline) (*Server, error) {
	cfg := engine.Config
	logger := engine.Logger.With().Str("component", "api_server").Logger()

	gw, err := origin.NewGateway(cfg.Origins, cfg.IsDevelopment(), logger)
	if err != nil {
		return nil, err
	}

	s := &Server{
		engine:   engine,
		cfg:      cfg,
		store:    st,
		limiter:  limiter,
		pipeline: pipeline,
		gateway:  gw,
		auth:     auth.NewResolver(cfg, logger),
		dedup:    core.NewEventDedup(5*time.Minute, 10000),
		router:   mux.NewRouter(),
		logger:   logger,
	}
	s.routes()

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Threat analysis waits on the reasoning service.
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

func (s *Server) routes() {
	authed := s.auth.Authenticate
	privileged := func(h http.Handler) http.Handler { return authed(s.auth.RequirePrivileged(h)) }

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	s.router.Handle("/api/v1/threat-analysis", privileged(http.HandlerFunc(s.handleThreatAnalysis))).Methods(http.MethodPost)
	s.router.Handle("/api/v1/events", authed(http.HandlerFunc(s.handleIngestEvent))).Methods(http.MethodPost)
	s.router.HandleFunc("/api/v1/uploads/validate", s.handleValidateUpload).Methods(http.MethodPost)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, http.StatusNotFound, "Not found", "ERR_NOT_FOUND")
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, http.StatusMethodNotAllowed, "Method not allowed", "ERR_METHOD_NOT_ALLOWED")
	})
}

// Handler returns the full chain: origin gateway -> logging -> body limit -> router.
func (s *Server) Handler() http.Handler {
	return s.gateway.Middleware(
		loggingMiddleware(
			bodyLimitMiddleware(s.router, s.cfg.Server.MaxBodyBytes),
			s.logger,
		),
	)
}

// Start begins serving the API.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("API server starting")
	if !s.cfg.AuthEnabled() {
		s.logger.Warn().Msg("no api_keys or jwt_secret configured, authenticated endpoints will reject every caller")
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.stop = cancel
	s.dedup.StartCleanup(ctx, time.Minute)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("API server error")
		}
	}()
	return nil
}

// Stop gracefully shuts down the API server.
func (s *Server) Stop() error {
	if s.stop != nil {
		s.stop()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// ─── Handlers ───────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status, storeStatus := "healthy", "ok"
	if err := s.store.Ping(ctx); err != nil {
		status, storeStatus = "degraded", "unreachable"
		s.logger.Warn().Err(err).Msg("store ping failed")
	}
	core.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":        status,
		"store":         storeStatus,
		"bus_connected": s.engine.Bus != nil && s.engine.Bus.IsConnected(),
		"timestamp":     time.Now().UTC(),
	})
}

func (s *Server) handleThreatAnalysis(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.CallerFromContext(r.Context())

	body, err := readBody(r)
	if err != nil {
		s.rejectInvalid(w, "threat-analysis", err)
		return
	}
	req, err := threat.DecodeRequest(body, s.cfg.Analysis.MaxEvents)
	if err != nil {
		s.rejectInvalid(w, "threat-analysis", err)
		return
	}
	if !s.admit(w, r, "analysis", caller.ID, s.cfg.RateLimit.Analysis) {
		return
	}

	res, err := s.pipeline.Run(r.Context(), req, caller.ID)
	if err != nil {
		core.WriteError(w, err)
		return
	}
	core.WriteJSON(w, http.StatusOK, res)
}

func (s *Server) handleIngestEvent(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.CallerFromContext(r.Context())

	body, err := readBody(r)
	if err != nil {
		s.rejectInvalid(w, "events", err)
		return
	}
	res := validate.Decode[validate.EventSubmission](validate.EventSchema, body)
	if !res.Success {
		s.rejectInvalid(w, "events", res.Err())
		return
	}
	if !s.admit(w, r, "events", caller.ID, s.cfg.RateLimit.Submissions) {
		return
	}

	event := res.Data.ToEvent()
	if s.dedup.IsDuplicate(event) {
		core.WriteJSON(w, http.StatusOK, map[string]interface{}{
			"success":   true,
			"duplicate": true,
		})
		return
	}

	// With the bus up, the bus subscriber persists the event.
	if s.engine.Bus != nil {
		err := s.engine.Bus.PublishEvent(event)
		if err == nil {
			core.WriteJSON(w, http.StatusAccepted, map[string]interface{}{"success": true, "id": event.ID})
			return
		}
		s.logger.Warn().Err(err).Str("event_id", event.ID).Msg("bus publish failed, storing directly")
	}
	if err := s.store.InsertEvent(r.Context(), event); err != nil {
		// Not stored, so a retry must not be answered as a duplicate.
		s.dedup.Forget(event)
		metrics.PersistenceFailures.WithLabelValues("security_events").Inc()
		core.WriteError(w, core.InternalError("Failed to store security event", err))
		return
	}
	core.WriteJSON(w, http.StatusAccepted, map[string]interface{}{"success": true, "id": event.ID})
}

func (s *Server) handleValidateUpload(w http.ResponseWriter, r *http.Request) {
	id := clientIP(r)
	if caller, err := s.auth.Resolve(r.Header.Get("Authorization")); err == nil {
		id = caller.ID
	}
	body, err := readBody(r)
	if err != nil {
		s.rejectInvalid(w, "uploads", err)
		return
	}
	res := validate.Decode[validate.FileUpload](validate.UploadSchema, body)
	if !res.Success {
		s.rejectInvalid(w, "uploads", res.Err())
		return
	}

	name, violations := validate.CheckUpload(res.Data, s.cfg.Uploads.MaxSize)
	if len(violations) > 0 {
		s.rejectInvalid(w, "uploads", core.ValidationError(violations))
		return
	}
	if !s.admit(w, r, "uploads", id, s.cfg.RateLimit.Uploads) {
		return
	}
	core.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success":           true,
		"sanitizedFileName": name,
	})
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// admit applies the scope budget and writes the 429 itself on rejection.
func (s *Server) admit(w http.ResponseWriter, r *http.Request, scope, id string, window core.RateWindow) bool {
	if id == "" {
		id = clientIP(r)
	}
	d := s.limiter.AdmitScope(r.Context(), scope, id, window)
	if d.Allowed {
		return true
	}
	w.Header().Set("Retry-After", fmt.Sprintf("%d", int(math.Ceil(d.TimeUntilReset.Seconds()))))
	core.WriteError(w, core.ErrRateLimited)
	return false
}

func (s *Server) rejectInvalid(w http.ResponseWriter, endpoint string, err error) {
	metrics.ValidationFailures.WithLabelValues(endpoint).Inc()
	core.WriteError(w, err)
}

func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, core.ValidationError([]string{fmt.Sprintf("Request body must be at most %d bytes", tooLarge.Limit)})
		}
		return nil, core.ValidationError([]string{"Request body could not be read"})
	}
	return body, nil
}

func writeStatus(w http.ResponseWriter, status int, message, code string) {
	core.WriteJSON(w, status, map[string]interface{}{
		"success": false,
		"error":   message,
		"code":    code,
	})
}
