package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/miradorstack/mirador-pulse/internal/breaker"
	"github.com/miradorstack/mirador-pulse/internal/cache"
	"github.com/miradorstack/mirador-pulse/internal/config"
	"github.com/miradorstack/mirador-pulse/internal/hub"
	"github.com/miradorstack/mirador-pulse/internal/queue"
	"github.com/miradorstack/mirador-pulse/internal/ratelimit"
	"github.com/miradorstack/mirador-pulse/internal/store"
	"github.com/miradorstack/mirador-pulse/internal/utils"
	"github.com/miradorstack/mirador-pulse/internal/workers"
)

// API bundles the dependencies behind the HTTP surface.
type API struct {
	cfg        config.ServerConfig
	queue      *queue.Queue
	store      store.Store
	hub        *hub.Hub
	limiter    *ratelimit.Limiter
	breaker    *breaker.Breaker
	summarizer *workers.SummarizationWorker
	cache      cache.Provider
	cacheCfg   config.CacheConfig
	logger     *slog.Logger
	latencies  *utils.LatencyTracker
}

// Deps collects the constructor arguments.
type Deps struct {
	Queue      *queue.Queue
	Store      store.Store
	Hub        *hub.Hub
	Limiter    *ratelimit.Limiter
	Breaker    *breaker.Breaker
	Summarizer *workers.SummarizationWorker
	Cache      cache.Provider
	CacheCfg   config.CacheConfig
	Logger     *slog.Logger
}

// New constructs the API facade.
func New(cfg config.ServerConfig, deps Deps) *API {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cacheProvider := deps.Cache
	if cacheProvider == nil {
		cacheProvider = cache.NoopProvider{}
	}
	return &API{
		cfg:        cfg,
		queue:      deps.Queue,
		store:      deps.Store,
		hub:        deps.Hub,
		limiter:    deps.Limiter,
		breaker:    deps.Breaker,
		summarizer: deps.Summarizer,
		cache:      cacheProvider,
		cacheCfg:   deps.CacheCfg,
		logger:     logger,
		latencies:  utils.NewLatencyTracker(1024),
	}
}

// Router builds the gin engine with all routes attached.
func (a *API) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", a.handleHealth)

	router.POST("/events", a.handleIngest)
	router.GET("/events", a.handleListEvents)
	router.GET("/events/stats", a.handleEventStats)
	router.GET("/events/:id", a.handleGetEvent)

	router.GET("/incidents", a.handleListIncidents)
	router.GET("/incidents/active", a.handleActiveIncidents)
	router.GET("/incidents/:id", a.handleGetIncident)
	router.PATCH("/incidents/:id", a.handlePatchIncident)

	router.POST("/ai/summarize/:id", a.handleSummarize)
	router.GET("/ai/circuit-breaker", a.handleBreakerStatus)
	router.POST("/ai/circuit-breaker/reset", a.handleBreakerReset)

	router.GET("/ws", a.handleWebsocket)

	return router
}

// Server wraps the HTTP server lifecycle.
type Server struct {
	cfg      config.ServerConfig
	server   *http.Server
	listener net.Listener
}

// NewServer binds the configured address and prepares the HTTP server.
func NewServer(cfg config.ServerConfig, handler http.Handler) (*Server, error) {
	lis, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.Address, err)
	}

	return &Server{
		cfg:      cfg,
		listener: lis,
		server: &http.Server{
			Handler: handler,
			// Read/write timeouts stay unset: the websocket endpoint
			// holds connections open indefinitely.
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Start serves requests until Shutdown is invoked.
func (s *Server) Start() error {
	if s.server == nil || s.listener == nil {
		return fmt.Errorf("server not initialised")
	}
	if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests, closing hard when ctx expires.
func (s *Server) Shutdown(ctx context.Context) {
	if s.server == nil {
		return
	}
	if err := s.server.Shutdown(ctx); err != nil {
		_ = s.server.Close()
	}
}

// Address exposes the bound listener address (useful for tests).
func (s *Server) Address() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// GracefulTimeout returns the configured graceful timeout duration.
func (s *Server) GracefulTimeout() time.Duration {
	return s.cfg.GracefulTimeout
}
