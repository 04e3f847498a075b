// Package httpapi exposes the retrieval core over HTTP. The surface is
// deliberately thin: authentication, rate limiting and the product API
// live in front of this daemon, which trusts the X-User-ID header its
// gateway injects.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memoryd/internal/access"
	"github.com/fyrsmithlabs/memoryd/internal/embeddings"
	"github.com/fyrsmithlabs/memoryd/internal/ingest"
	"github.com/fyrsmithlabs/memoryd/internal/logging"
	"github.com/fyrsmithlabs/memoryd/internal/retrieval"
	"github.com/fyrsmithlabs/memoryd/internal/vectorstore"
)

// userIDHeader carries the authenticated user, set by the gateway.
const userIDHeader = "X-User-ID"

// Config holds HTTP server configuration.
type Config struct {
	// Port is the listen port. Default: 8087.
	Port int
}

// Server is the HTTP front of the daemon.
type Server struct {
	echo        *echo.Echo
	coordinator *retrieval.Coordinator
	pipeline    *ingest.Pipeline
	logger      *logging.Logger
	config      Config
}

// NewServer creates the HTTP server and registers its routes.
func NewServer(coordinator *retrieval.Coordinator, pipeline *ingest.Pipeline, logger *logging.Logger, cfg Config) (*Server, error) {
	if coordinator == nil {
		return nil, fmt.Errorf("coordinator is required")
	}
	if pipeline == nil {
		return nil, fmt.Errorf("pipeline is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if cfg.Port == 0 {
		cfg.Port = 8087
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			rid := c.Response().Header().Get(echo.HeaderXRequestID)
			ctx := logging.WithRequestID(c.Request().Context(), rid)
			if userID := c.Request().Header.Get(userIDHeader); userID != "" {
				ctx = logging.WithUserID(ctx, userID)
			}
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)

			logger.Info(ctx, "http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
			)
			return err
		}
	})

	s := &Server{
		echo:        e,
		coordinator: coordinator,
		pipeline:    pipeline,
		logger:      logger.Named("httpapi"),
		config:      cfg,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/v1")
	v1.POST("/search", s.handleSearch)
	v1.POST("/items/:id/index", s.handleIndexItem)
	v1.DELETE("/items/:id/index", s.handleRemoveItem)
	v1.POST("/permissions/refresh", s.handleRefreshPermissions)
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// SearchRequest is the request body for POST /v1/search.
type SearchRequest struct {
	Query string `json:"query"`
	K     int    `json:"k"`
}

// SearchResponse is the response body for POST /v1/search.
type SearchResponse struct {
	Results []retrieval.Result `json:"results"`
}

func (s *Server) handleSearch(c echo.Context) error {
	userID := c.Request().Header.Get(userIDHeader)
	if userID == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing "+userIDHeader+" header")
	}

	var req SearchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	results, err := s.coordinator.Search(c.Request().Context(), userID, req.Query, req.K)
	if err != nil {
		s.logger.Error(c.Request().Context(), "search failed", zap.Error(err))
		if errors.Is(err, retrieval.ErrEmbeddingUnavailable) || errors.Is(err, retrieval.ErrVectorStoreUnavailable) {
			return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "search failed")
	}
	if results == nil {
		results = []retrieval.Result{}
	}
	return c.JSON(http.StatusOK, SearchResponse{Results: results})
}

// IndexResponse is the response body for the item index routes.
type IndexResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleIndexItem(c echo.Context) error {
	itemID := c.Param("id")
	err := s.pipeline.IndexItem(c.Request().Context(), itemID)
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, IndexResponse{Status: "indexed"})
	case errors.Is(err, ingest.ErrEmbeddingPending):
		// Accepted: the background loop owns the retry.
		return c.JSON(http.StatusAccepted, IndexResponse{Status: "pending"})
	case errors.Is(err, embeddings.ErrUnavailable), errors.Is(err, vectorstore.ErrUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error(c.Request().Context(), "index failed",
			zap.String("item_id", itemID),
			zap.Error(err),
		)
		return echo.NewHTTPError(http.StatusInternalServerError, "index failed")
	}
}

func (s *Server) handleRemoveItem(c echo.Context) error {
	itemID := c.Param("id")
	if err := s.pipeline.RemoveItem(c.Request().Context(), itemID); err != nil {
		s.logger.Error(c.Request().Context(), "remove failed",
			zap.String("item_id", itemID),
			zap.Error(err),
		)
		if errors.Is(err, vectorstore.ErrUnavailable) {
			return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "remove failed")
	}
	return c.JSON(http.StatusOK, IndexResponse{Status: "removed"})
}

func (s *Server) handleRefreshPermissions(c echo.Context) error {
	var ch ingest.AccessChange
	if err := c.Bind(&ch); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if ch.Kind == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "kind field is required")
	}

	if err := s.pipeline.RefreshPermissions(c.Request().Context(), ch); err != nil {
		s.logger.Error(c.Request().Context(), "permission refresh failed",
			zap.String("kind", ch.Kind),
			zap.Error(err),
		)
		// The caller must not acknowledge its mutation until this
		// succeeds; surface the failure loudly.
		if errors.Is(err, access.ErrInconsistent) {
			return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, IndexResponse{Status: "refreshed"})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}
