package http

import (
	"context"
	"fmt"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/corpusd/internal/clients"
	"github.com/fyrsmithlabs/corpusd/internal/composer"
	"github.com/fyrsmithlabs/corpusd/internal/logging"
	"github.com/fyrsmithlabs/corpusd/internal/registry"
	"github.com/fyrsmithlabs/corpusd/internal/vectorstore"
)

// RAGService is the retrieval core consumed by the handlers.
type RAGService interface {
	Ingest(ctx context.Context, tenantID, title string, kind vectorstore.SourceKind, text string) (string, error)
	Query(ctx context.Context, tenantID, queryText string, k int) ([]vectorstore.Match, error)
	DeleteSource(ctx context.Context, sourceID string) error
	DeleteTenantData(ctx context.Context, tenantID string) (map[string]error, error)
	ReindexSource(ctx context.Context, sourceID, freshText string) error
	ListSources(ctx context.Context, tenantID string) ([]registry.Source, error)
	ListFragments(ctx context.Context, sourceID string) ([]string, error)
	Count(ctx context.Context, tenantID string) (uint64, error)
}

// ClientStore manages tenant records.
type ClientStore interface {
	Create(ctx context.Context, client clients.Client) (clients.Client, error)
	Get(ctx context.Context, clientID string) (clients.Client, error)
	Update(ctx context.Context, client clients.Client) (clients.Client, error)
	Delete(ctx context.Context, clientID string) error
	List(ctx context.Context) ([]clients.Client, error)
	Exists(ctx context.Context, clientID string) (bool, error)
}

// AnswerComposer turns retrieved fragments into a grounded answer.
type AnswerComposer interface {
	Compose(ctx context.Context, req composer.ComposeRequest) (composer.Answer, error)
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// Server provides the corpusd HTTP endpoints.
type Server struct {
	echo     *echo.Echo
	rag      RAGService
	clients  ClientStore
	composer AnswerComposer // nil disables composed answers
	logger   *zap.Logger
	config   Config
}

// NewServer creates an HTTP server. A nil composer disables composed
// answers; queries then return raw fragments only.
func NewServer(rag RAGService, store ClientStore, ac AnswerComposer, logger *zap.Logger, cfg Config) (*Server, error) {
	if rag == nil {
		return nil, fmt.Errorf("rag service cannot be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("client store cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 9090
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(metricsMiddleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			// Carry the request id in the context so handlers and the
			// request log share one correlation source.
			ctx := logging.WithRequestID(c.Request().Context(),
				c.Response().Header().Get(echo.HeaderXRequestID))
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)

			fields := append([]zap.Field{
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
			}, logging.ContextFields(ctx)...)
			logger.Info("http request", fields...)
			return err
		}
	})

	s := &Server{
		echo:     e,
		rag:      rag,
		clients:  store,
		composer: ac,
		logger:   logger.Named("http"),
		config:   cfg,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")

	v1.POST("/clients", s.handleCreateClient)
	v1.GET("/clients", s.handleListClients)
	v1.GET("/clients/:id", s.handleGetClient)
	v1.PUT("/clients/:id", s.handleUpdateClient)
	v1.DELETE("/clients/:id", s.handleDeleteClient)

	v1.POST("/rag/ingest", s.handleIngest)
	v1.POST("/rag/query", s.handleQuery)
	v1.GET("/rag/sources", s.handleListSources)
	v1.GET("/rag/sources/:id/fragments", s.handleListFragments)
	v1.DELETE("/rag/sources/:id", s.handleDeleteSource)
	v1.POST("/rag/sources/:id/reindex", s.handleReindexSource)
	v1.GET("/rag/status", s.handleStatus)
	v1.DELETE("/rag/tenants/:id/data", s.handleDeleteTenantData)
}

// Start starts the HTTP server and blocks until shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

// Handler exposes the underlying handler for tests.
func (s *Server) Handler() *echo.Echo {
	return s.echo
}
