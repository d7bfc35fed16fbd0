// Package httpapi exposes the REST interface of tern: account
// registration and login, message import and listing, filter rule
// management, rule application, analysis retrieval and monitoring.
// All JSON responses share one envelope so clients can branch on a
// single success flag.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ternmail/tern/analyzer"
	"github.com/ternmail/tern/db"
	"github.com/ternmail/tern/logger"
	"github.com/ternmail/tern/pkg/metrics"
	"github.com/ternmail/tern/server/dispatcher"
	"github.com/ternmail/tern/storage"
)

// ServerOptions carries the API runtime settings resolved from
// configuration. Zero values fall back to safe defaults in New.
type ServerOptions struct {
	Addr              string
	JWTSecret         string
	TokenDuration     time.Duration
	AllowRegistration bool
	MaxBodySize       int64
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration

	// Rule limits enforced at the API boundary.
	MaxRulesPerAccount int
	MaxConditions      int
	MaxActions         int
	MaxBatchMessages   int
}

// Server handles the REST API endpoints.
type Server struct {
	addr       string
	store      Store
	blobs      BlobStore
	analyzer   *analyzer.Analyzer
	dispatcher *dispatcher.Dispatcher
	options    ServerOptions
	router     *mux.Router
	httpServer *http.Server
}

// New creates the API server. The store is usually a DBStore over the
// shared database; tests substitute in-memory fakes.
func New(store Store, blobs BlobStore, an *analyzer.Analyzer, disp *dispatcher.Dispatcher, options ServerOptions) (*Server, error) {
	if options.JWTSecret == "" {
		return nil, fmt.Errorf("httpapi: JWT secret is required")
	}
	if options.TokenDuration <= 0 {
		options.TokenDuration = 24 * time.Hour
	}
	if options.MaxBodySize <= 0 {
		options.MaxBodySize = 10 << 20
	}
	if options.MaxBatchMessages <= 0 {
		options.MaxBatchMessages = 500
	}

	s := &Server{
		addr:       options.Addr,
		store:      store,
		blobs:      blobs,
		analyzer:   an,
		dispatcher: disp,
		options:    options,
	}
	s.router = s.setupRoutes()
	return s, nil
}

// Start creates the API server over the shared database and blob store
// and runs it until ctx is cancelled. Fatal errors are delivered on
// errChan.
func Start(ctx context.Context, database *db.Database, blobs *storage.S3Storage, an *analyzer.Analyzer, options ServerOptions, errChan chan error) {
	store := NewDBStore(database)
	disp := dispatcher.New(database, database)

	server, err := New(store, blobs, an, disp, options)
	if err != nil {
		errChan <- err
		return
	}

	if err := server.start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errChan <- err
	}
}

func (s *Server) start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  s.options.ReadTimeout,
		WriteTimeout: s.options.WriteTimeout,
		IdleTimeout:  s.options.IdleTimeout,
	}

	go func() {
		<-ctx.Done()
		logger.Info("HTTP API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP API server shutdown error", "error", err)
		}
	}()

	logger.Info("HTTP API server listening", "addr", s.addr)
	return s.httpServer.ListenAndServe()
}

// Handler exposes the configured router, primarily for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() *mux.Router {
	router := mux.NewRouter()
	router.Use(s.loggingMiddleware)
	router.Use(s.bodyLimitMiddleware)

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	router.HandleFunc("/health", s.handleLiveness).Methods("GET")

	v1 := router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/auth/register", s.handleRegister).Methods("POST")
	v1.HandleFunc("/auth/login", s.handleLogin).Methods("POST")

	protected := v1.NewRoute().Subrouter()
	protected.Use(s.jwtAuthMiddleware)

	protected.HandleFunc("/auth/refresh", s.handleRefreshToken).Methods("POST")
	protected.HandleFunc("/auth/profile", s.handleProfile).Methods("GET")
	protected.HandleFunc("/auth/logout", s.handleLogout).Methods("POST")

	protected.HandleFunc("/rules", s.handleCreateRule).Methods("POST")
	protected.HandleFunc("/rules", s.handleListRules).Methods("GET")
	protected.HandleFunc("/rules/test", s.handleTestRule).Methods("POST")
	protected.HandleFunc("/rules/apply", s.handleApplyRule).Methods("POST")
	protected.HandleFunc("/rules/apply-all", s.handleApplyAll).Methods("POST")
	protected.HandleFunc("/rules/analytics", s.handleRuleAnalytics).Methods("GET")
	protected.HandleFunc("/rules/{id:[0-9]+}", s.handleGetRule).Methods("GET")
	protected.HandleFunc("/rules/{id:[0-9]+}", s.handleUpdateRule).Methods("PUT")
	protected.HandleFunc("/rules/{id:[0-9]+}", s.handleDeleteRule).Methods("DELETE")
	protected.HandleFunc("/rules/{id:[0-9]+}/performance", s.handleRulePerformance).Methods("GET")
	protected.HandleFunc("/rules/{id:[0-9]+}/logs", s.handleRuleLogs).Methods("GET")

	protected.HandleFunc("/messages", s.handleImportMessage).Methods("POST")
	protected.HandleFunc("/messages", s.handleListMessages).Methods("GET")
	protected.HandleFunc("/messages/batch/move", s.handleBatchMove).Methods("POST")
	protected.HandleFunc("/messages/batch/read", s.handleBatchMarkRead).Methods("POST")
	protected.HandleFunc("/messages/batch/unread", s.handleBatchMarkUnread).Methods("POST")
	protected.HandleFunc("/messages/batch/labels", s.handleBatchAddLabel).Methods("POST")
	protected.HandleFunc("/messages/batch/delete", s.handleBatchDelete).Methods("POST")
	protected.HandleFunc("/messages/{id:[0-9]+}", s.handleGetMessage).Methods("GET")
	protected.HandleFunc("/messages/{id:[0-9]+}", s.handleDeleteMessage).Methods("DELETE")
	protected.HandleFunc("/messages/{id:[0-9]+}/raw", s.handleGetRawMessage).Methods("GET")
	protected.HandleFunc("/messages/{id:[0-9]+}/move", s.handleMoveMessage).Methods("POST")
	protected.HandleFunc("/messages/{id:[0-9]+}/labels", s.handleAddLabel).Methods("POST")
	protected.HandleFunc("/messages/{id:[0-9]+}/labels", s.handleRemoveLabel).Methods("DELETE")
	protected.HandleFunc("/messages/{id:[0-9]+}/read", s.handleMarkRead).Methods("POST")
	protected.HandleFunc("/messages/{id:[0-9]+}/unread", s.handleMarkUnread).Methods("POST")
	protected.HandleFunc("/messages/{id:[0-9]+}/analyze", s.handleAnalyzeMessage).Methods("POST")
	protected.HandleFunc("/messages/{id:[0-9]+}/analysis", s.handleGetAnalysis).Methods("GET")

	protected.HandleFunc("/analytics/categories", s.handleCategoryDistribution).Methods("GET")

	protected.HandleFunc("/reports/templates", s.handleCreateReportTemplate).Methods("POST")
	protected.HandleFunc("/reports/templates", s.handleListReportTemplates).Methods("GET")
	protected.HandleFunc("/reports/templates/{id:[0-9]+}", s.handleGetReportTemplate).Methods("GET")
	protected.HandleFunc("/reports/templates/{id:[0-9]+}", s.handleUpdateReportTemplate).Methods("PUT")
	protected.HandleFunc("/reports/templates/{id:[0-9]+}", s.handleDeleteReportTemplate).Methods("DELETE")
	protected.HandleFunc("/reports/generate", s.handleGenerateReport).Methods("POST")
	protected.HandleFunc("/reports/schedules", s.handleCreateReportSchedule).Methods("POST")
	protected.HandleFunc("/reports/schedules", s.handleListReportSchedules).Methods("GET")
	protected.HandleFunc("/reports/schedules/{id:[0-9]+}", s.handleDeleteReportSchedule).Methods("DELETE")
	protected.HandleFunc("/reports/schedules/{id:[0-9]+}/run", s.handleRunReportSchedule).Methods("POST")
	protected.HandleFunc("/reports/schedules/{id:[0-9]+}/history", s.handleReportScheduleHistory).Methods("GET")
	protected.HandleFunc("/reports", s.handleListReports).Methods("GET")
	protected.HandleFunc("/reports/{id:[0-9]+}", s.handleGetReport).Methods("GET")

	protected.HandleFunc("/monitoring/health", s.handleMonitorHealth).Methods("GET")
	protected.HandleFunc("/monitoring/stats", s.handleMonitorStats).Methods("GET")

	return router
}

// apiResponse is the envelope for every JSON body the API emits.
type apiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(apiResponse{Success: true, Data: data}); err != nil {
		logger.Error("failed to encode API response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(apiResponse{Success: false, Error: message}); err != nil {
		logger.Error("failed to encode API error", "error", err)
	}
}

// respondError maps known storage errors to HTTP statuses. Unknown
// errors are logged and reported as a generic 500 so internals never
// leak to clients.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, db.ErrRuleNotFound),
		errors.Is(err, db.ErrMessageNotFound),
		errors.Is(err, db.ErrAccountNotFound),
		errors.Is(err, db.ErrAnalysisNotFound),
		errors.Is(err, db.ErrTemplateNotFound),
		errors.Is(err, db.ErrReportNotFound),
		errors.Is(err, db.ErrScheduleNotFound),
		errors.Is(err, storage.ErrObjectNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, db.ErrInvalidCredentials):
		s.writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, db.ErrDuplicateAccount),
		errors.Is(err, db.ErrDuplicateMessage),
		errors.Is(err, db.ErrDuplicateTemplate):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		logger.ErrorContext(r.Context(), "API request failed",
			"method", r.Method, "path", r.URL.Path, "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// decodeJSON decodes a request body into dst, rejecting unknown fields
// so typos in client payloads surface as 400s instead of silent noops.
func decodeJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(status int) {
	rec.status = status
	rec.ResponseWriter.WriteHeader(status)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tmpl, err := current.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}

		elapsed := time.Since(start)
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())

		logger.Info("API request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"remote_addr", r.RemoteAddr,
			"duration_ms", elapsed.Milliseconds())
	})
}

func (s *Server) bodyLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.options.MaxBodySize)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
