package api

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/srcquery/internal/config"
	"github.com/energizer-project/srcquery/internal/events"
	"github.com/energizer-project/srcquery/internal/server"
	"github.com/energizer-project/srcquery/internal/util"
)

// Server is the REST API server.
type Server struct {
	cfg      *config.Config
	eventBus *events.EventBus
	manager  *server.Manager
	latency  *server.LatencyMonitor
	metrics  http.Handler

	httpServer *http.Server
	router     *gin.Engine
}

// NewServer creates a new API server. latency may be nil.
func NewServer(cfg *config.Config, eventBus *events.EventBus, manager *server.Manager, latency *server.LatencyMonitor) *Server {
	if cfg.GetLogging().Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:      cfg,
		eventBus: eventBus,
		manager:  manager,
		latency:  latency,
	}
	s.router = s.buildRouter()
	return s
}

// SetMetrics exposes h at /api/metrics.
func (s *Server) SetMetrics(h http.Handler) {
	s.metrics = h
}

// Handler returns the router, for embedding or tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address and serves until ctx is
// cancelled.
func (s *Server) Start(ctx context.Context) error {
	apiCfg := s.cfg.GetAPI()

	addr := net.JoinHostPort(apiCfg.Host, fmt.Sprint(apiCfg.Port))
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	if apiCfg.TLSEnabled {
		tlsConfig, err := s.tlsConfig(apiCfg)
		if err != nil {
			return err
		}
		s.httpServer.TLSConfig = tlsConfig
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("API server error: %w", err)
	}

	log.Info().Str("addr", addr).Bool("tls", apiCfg.TLSEnabled).Msg("REST API server starting")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if apiCfg.TLSEnabled {
		err = s.httpServer.Serve(tls.NewListener(ln, s.httpServer.TLSConfig))
	} else {
		err = s.httpServer.Serve(ln)
	}

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("API server error: %w", err)
	}

	return nil
}

// tlsConfig loads the configured key pair, generating a self-signed one
// next to the config file when none exists.
func (s *Server) tlsConfig(apiCfg config.APIConfig) (*tls.Config, error) {
	certFile, keyFile := apiCfg.TLSCertFile, apiCfg.TLSKeyFile
	dir := filepath.Dir(s.cfg.Path())
	if certFile == "" {
		certFile = filepath.Join(dir, "api_cert.pem")
	}
	if keyFile == "" {
		keyFile = filepath.Join(dir, "api_key.pem")
	}

	generated, err := util.EnsureCertificate(certFile, keyFile, apiCfg.Host)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare API certificate: %w", err)
	}
	if generated {
		log.Warn().Str("cert", certFile).Msg("generated self-signed API certificate")
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load API certificate: %w", err)
	}

	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
		CipherSuites: []uint16{
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		},
	}, nil
}

// buildRouter creates the Gin router with all routes and middleware.
func (s *Server) buildRouter() *gin.Engine {
	apiCfg := s.cfg.GetAPI()
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(RequestLogger())
	router.Use(SecurityHeaders())

	allowedOrigins := apiCfg.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false, // Must be false when AllowOrigins is "*"
		MaxAge:           12 * time.Hour,
	}))

	rateLimiter := NewRateLimiter(apiCfg.RateLimitRPS)
	router.Use(rateLimiter.Middleware())

	public := router.Group("/api/public")
	{
		public.GET("/ping", s.handlePing)
		public.GET("/host", s.handleHost)
	}

	protected := router.Group("/api")
	protected.Use(RequireToken(apiCfg.Token))
	{
		protected.GET("/servers", s.handleListServers)
		protected.POST("/servers", s.handleAddServer)
		protected.POST("/servers/refresh", s.handleRefreshAll)
		protected.DELETE("/servers/:addr", s.handleRemoveServer)
		protected.GET("/servers/:addr", s.handleGetServer)
		protected.GET("/servers/:addr/info", s.handleServerInfo)
		protected.GET("/servers/:addr/players", s.handleServerPlayers)
		protected.GET("/servers/:addr/rules", s.handleServerRules)
		protected.GET("/servers/:addr/ping", s.handleServerPing)
		protected.GET("/servers/:addr/latency", s.handleServerLatency)

		protected.POST("/servers/:addr/rcon", s.handleRCONExec)
		protected.PUT("/servers/:addr/rcon/password", s.handleRCONPassword)

		protected.GET("/probe/:addr", s.handleProbe)
		protected.GET("/master", s.handleMaster)

		protected.GET("/config", s.handleGetConfig)
		protected.PATCH("/config/:section", s.handleUpdateConfig)

		protected.GET("/metrics", s.handleMetrics)
	}

	router.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "srcquery API is running"})
	})

	return router
}

func (s *Server) handleMetrics(c *gin.Context) {
	if s.metrics == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "metrics disabled"})
		return
	}
	s.metrics.ServeHTTP(c.Writer, c.Request)
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
