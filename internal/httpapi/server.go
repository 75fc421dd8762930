// Package httpapi exposes ingestion, queries, platform admin and live
// streams over HTTP and WebSocket.
package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"crabstack.local/projects/crab-observer/internal/hub"
	"crabstack.local/projects/crab-observer/internal/ingest"
	"crabstack.local/projects/crab-observer/internal/platform"
	"crabstack.local/projects/crab-observer/internal/query"
	"crabstack.local/projects/crab-observer/internal/store"
)

const (
	defaultMaxBodyBytes int64 = 8 << 20
	defaultPingInterval       = 30 * time.Second
	defaultLatestErrors       = 20
)

type Config struct {
	Addr         string
	MaxBodyBytes int64
	PingInterval time.Duration
}

// Services are the components the routes call into.
type Services struct {
	Gateway   *ingest.Gateway
	Query     *query.Engine
	Platforms *platform.Registry
	Hub       *hub.Hub
	Store     store.Store
}

type server struct {
	logger       *slog.Logger
	gateway      *ingest.Gateway
	query        *query.Engine
	platforms    *platform.Registry
	hub          *hub.Hub
	store        store.Store
	maxBodyBytes int64
	pingInterval time.Duration
}

func NewServer(logger *slog.Logger, cfg Config, svc Services) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           NewHandler(logger, cfg, svc),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func NewHandler(logger *slog.Logger, cfg Config, svc Services) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	s := &server{
		logger:       logger,
		gateway:      svc.Gateway,
		query:        svc.Query,
		platforms:    svc.Platforms,
		hub:          svc.Hub,
		store:        svc.Store,
		maxBodyBytes: cfg.MaxBodyBytes,
		pingInterval: cfg.PingInterval,
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger))
	r.GET("/healthz", s.handleHealth)

	v1 := r.Group("/v1")
	v1.GET("/stats", s.handleStats)

	v1.POST("/events", s.handleSubmitOne)
	v1.POST("/events/batch", s.handleSubmitBatch)
	v1.GET("/events", s.handleQueryEvents)
	v1.GET("/events/:id", s.handleGetEvent)
	v1.GET("/sessions/:id/events", s.handleSessionEvents)
	v1.GET("/sessions/:id/summary", s.handleSessionSummary)
	v1.GET("/agents/:id/events", s.handleAgentEvents)
	v1.GET("/agents/:id/summary", s.handleAgentSummary)

	v1.GET("/stream", s.handleStream(false))
	v1.GET("/stream/filtered", s.handleStream(true))

	v1.GET("/platforms", s.handleListPlatforms)
	v1.POST("/platforms", s.handleCreatePlatform)
	v1.PUT("/platforms/:name", s.handleUpdatePlatform)
	v1.POST("/platforms/:name/disable", s.handleDisablePlatform)
	v1.GET("/platforms/:name/schema", s.handlePlatformSchema)

	analytics := v1.Group("/analytics")
	analytics.GET("/sessions", s.handleAnalyzeSessions)
	analytics.GET("/agents", s.handleAnalyzeAgents)
	analytics.GET("/costs", s.handleCosts)
	analytics.GET("/errors", s.handleErrors)

	v1.GET("/export/session/:id", s.handleExportSession)
	v1.POST("/export/query", s.handleExportQuery)

	r.NoRoute(func(c *gin.Context) {
		writeError(c, http.StatusNotFound, "not_found", "route not found")
	})
	return r
}

func (s *server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *server) handleStats(c *gin.Context) {
	head, err := s.store.Head(c.Request.Context())
	if err != nil {
		s.writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"head_sequence":      head,
		"subscribers":        s.hub.Len(),
		"dropped_deliveries": s.hub.Dropped(),
		"ingest":             s.gateway.Stats(),
	})
}

type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

func writeError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{"error": errorBody{
		Code:      code,
		Message:   message,
		Retryable: status == http.StatusServiceUnavailable,
	}})
}

// writeStoreError maps read-side failures. Anything unrecognised is a 500.
func (s *server) writeStoreError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, platform.ErrNotFound):
		writeError(c, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, store.ErrInvalidCursor), errors.Is(err, query.ErrInvalidRange):
		writeError(c, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, store.ErrUnavailable), errors.Is(err, store.ErrClosed):
		writeError(c, http.StatusServiceUnavailable, "store_unavailable", err.Error())
	default:
		s.logger.Error("request failed", "path", c.FullPath(), "err", err)
		writeError(c, http.StatusInternalServerError, "internal", "internal error")
	}
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		level := slog.LevelDebug
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		logger.Log(c.Request.Context(), level, "http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"elapsed", time.Since(start),
		)
	}
}

func isWebSocketOriginAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	parsedOrigin, err := url.Parse(origin)
	if err != nil || strings.TrimSpace(parsedOrigin.Host) == "" {
		return false
	}
	return strings.EqualFold(parsedOrigin.Host, r.Host)
}
