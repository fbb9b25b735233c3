// Package api exposes the driving detection control surface over HTTP.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/markus-lassfolk/drivedetect/pkg/detection"
	"github.com/markus-lassfolk/drivedetect/pkg/events"
	"github.com/markus-lassfolk/drivedetect/pkg/location"
	"github.com/markus-lassfolk/drivedetect/pkg/logx"
	"github.com/markus-lassfolk/drivedetect/pkg/telem"
)

// Controller is the detection engine as seen by the API
type Controller interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	IsActive() bool
	HasLocationPermission() bool
	TestBroadcast() events.Event
	Stats() location.Stats
}

// Config holds API server configuration
type Config struct {
	Listen  string `json:"listen"`
	AuthKey string `json:"auth_key"` // optional
}

// DefaultConfig returns the default API configuration
func DefaultConfig() *Config {
	return &Config{Listen: "127.0.0.1:8091"}
}

// Server serves the control API
type Server struct {
	controller Controller
	events     *telem.Store
	metrics    http.Handler
	config     *Config
	logger     *logx.Logger
	startTime  time.Time
	router     *mux.Router
}

// NewServer creates a server. events and metricsHandler may be nil.
func NewServer(config *Config, controller Controller, store *telem.Store, metricsHandler http.Handler, logger *logx.Logger) *Server {
	if config == nil {
		config = DefaultConfig()
	}

	s := &Server{
		controller: controller,
		events:     store,
		metrics:    metricsHandler,
		config:     config,
		logger:     logger,
		startTime:  time.Now(),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()

	api := r.PathPrefix("/api/v1/detection").Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/start", s.handleStart).Methods(http.MethodPost)
	api.HandleFunc("/stop", s.handleStop).Methods(http.MethodPost)
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/permission", s.handlePermission).Methods(http.MethodGet)
	api.HandleFunc("/test-broadcast", s.handleTestBroadcast).Methods(http.MethodPost)
	api.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}
	return r
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is done, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting control API server", "address", s.config.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("Control API shutdown incomplete", "error", err)
		return err
	}
	s.logger.Info("Control API server stopped")
	return nil
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.AuthKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		if !validAPIKey(r.Header.Get("X-API-Key"), s.config.AuthKey) {
			s.logger.Warn("Invalid authentication attempt", "remote_addr", r.RemoteAddr)
			s.sendErrorResponse(w, http.StatusUnauthorized, "unauthorized", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// validAPIKey compares in constant time
func validAPIKey(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	err := s.controller.Start(r.Context())
	switch {
	case errors.Is(err, detection.ErrPermissionDenied):
		s.sendErrorResponse(w, http.StatusForbidden, "location permission not granted", nil)
	case err != nil:
		s.sendErrorResponse(w, http.StatusInternalServerError, "failed to start detection", err)
	default:
		s.sendJSONResponse(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"active":  s.controller.IsActive(),
		})
	}
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.controller.Stop(r.Context()); err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError, "failed to stop detection", err)
		return
	}
	s.sendJSONResponse(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"active":  s.controller.IsActive(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.sendJSONResponse(w, http.StatusOK, map[string]interface{}{
		"active":     s.controller.IsActive(),
		"permission": s.controller.HasLocationPermission(),
		"session":    s.controller.Stats(),
		"uptime_s":   int64(time.Since(s.startTime).Seconds()),
		"timestamp":  time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handlePermission(w http.ResponseWriter, r *http.Request) {
	s.sendJSONResponse(w, http.StatusOK, map[string]interface{}{
		"granted": s.controller.HasLocationPermission(),
	})
}

func (s *Server) handleTestBroadcast(w http.ResponseWriter, r *http.Request) {
	ev := s.controller.TestBroadcast()
	s.sendJSONResponse(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"event":   ev.Name,
		"status":  ev.Status,
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.sendErrorResponse(w, http.StatusBadRequest, "invalid since parameter", err)
			return
		}
		since = t
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.sendErrorResponse(w, http.StatusBadRequest, "invalid limit parameter", err)
			return
		}
		limit = n
	}

	records := []telem.Record{}
	if s.events != nil {
		records = s.events.GetEvents(since, limit)
	}
	s.sendJSONResponse(w, http.StatusOK, map[string]interface{}{
		"events": records,
		"count":  len(records),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSONResponse(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"active":   s.controller.IsActive(),
		"uptime_s": int64(time.Since(s.startTime).Seconds()),
	})
}

// sendJSONResponse sends a JSON response with proper headers
func (s *Server) sendJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode JSON response", "error", err)
	}
}

// sendErrorResponse sends an error response
func (s *Server) sendErrorResponse(w http.ResponseWriter, statusCode int, message string, err error) {
	response := map[string]interface{}{
		"success": false,
		"error":   message,
	}
	if err != nil {
		response["details"] = err.Error()
	}
	s.sendJSONResponse(w, statusCode, response)
}
