package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"patapim-server/config"
	"patapim-server/internal/auth"
	"patapim-server/internal/billing"
	"patapim-server/internal/devices"
	"patapim-server/internal/events"
	"patapim-server/internal/feedback"
	"patapim-server/internal/kvstore"
	"patapim-server/internal/license"
	"patapim-server/internal/referral"
	"patapim-server/internal/releases"
	"patapim-server/internal/stats"
	"patapim-server/internal/users"
)

// Services are the domain components the handlers call
type Services struct {
	Store     kvstore.Store
	Auth      *auth.Service
	Users     *users.Store
	Licenses  *license.Manager
	Trials    *license.Trials
	Referrals *referral.Engine
	Devices   *devices.Service
	Webhooks  *billing.WebhookHandler
	Feedback  *feedback.Store
	Releases  *releases.Store // nil when no release store is configured
	Stats     *stats.Reporter
	Bus       *events.EventBus
}

// Server represents the HTTP API server
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	config     config.ServerConfig
	svc        Services
	hub        *UserHub
	limiter    *RateLimiter
	logger     zerolog.Logger
	siteURL    string
	started    time.Time
}

// NewServer creates a new API server
func NewServer(cfg config.ServerConfig, svc Services, logger zerolog.Logger) *Server {
	if cfg.Production {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		router:  router,
		config:  cfg,
		svc:     svc,
		limiter: NewRateLimiter(cfg.RateLimitPerMin, cfg.RateLimitBurst),
		logger:  logger.With().Str("component", "API").Logger(),
		siteURL: strings.TrimRight(cfg.PublicBaseURL, "/"),
		started: time.Now(),
	}
	if s.siteURL == "" {
		s.siteURL = "https://patapim.ai"
	}

	router.Use(s.requestContext())
	router.Use(cors.New(s.corsConfig()))

	s.hub = NewUserHub(s.logger)
	if svc.Bus != nil {
		s.hub.Subscribe(svc.Bus)
	}

	s.setupRoutes()
	return s
}

// allowOrigin accepts the configured origins, any localhost port and the
// null origin sent by the desktop webview
func (s *Server) allowOrigin(origin string) bool {
	if origin == "null" || origin == s.siteURL {
		return true
	}
	for _, o := range s.config.AllowedOrigins {
		if strings.TrimRight(o, "/") == origin {
			return true
		}
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	return (u.Scheme == "http" || u.Scheme == "https") && (host == "localhost" || host == "127.0.0.1")
}

func (s *Server) corsConfig() cors.Config {
	cfg := cors.DefaultConfig()
	cfg.AllowOriginFunc = s.allowOrigin
	cfg.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	cfg.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	cfg.ExposeHeaders = []string{"Content-Length", "X-Patapim-Version", traceHeader}
	cfg.AllowCredentials = true
	return cfg
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	r := s.router
	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	limited := s.limiter.Middleware()
	session := auth.Middleware(s.svc.Auth)

	authGroup := api.Group("/auth")
	{
		authGroup.GET("/google", s.handleGoogleLogin)
		authGroup.GET("/callback", s.handleAuthCallback)
		authGroup.GET("/session", auth.OptionalMiddleware(s.svc.Auth), s.handleSession)
		authGroup.POST("/logout", s.handleLogout)
	}

	if s.svc.Webhooks != nil {
		api.POST("/stripe/webhook", gin.WrapH(s.svc.Webhooks))
	}

	lic := api.Group("/license", limited)
	{
		lic.POST("/verify", s.handleVerifyLicense)
		lic.POST("/extend-trial", s.handleExtendTrial)
	}

	ref := api.Group("/referral", session)
	{
		ref.GET("/code", s.handleReferralCode)
		ref.POST("/claim", s.handleReferralClaim)
		ref.POST("/invite", limited, s.handleReferralInvite)
		ref.GET("/status", s.handleReferralStatus)
	}

	dev := api.Group("/device")
	{
		dev.POST("/pair-code", session, s.handlePairCode)
		dev.POST("/pair-exchange", limited, s.handlePairExchange)
		dev.GET("/poll-pairing", s.handlePollPairing)
		dev.POST("/poll-pairing", s.handlePollPairing)
		dev.POST("/heartbeat", s.handleHeartbeat)
		dev.GET("/list", session, s.handleListDevices)
		dev.POST("/rename", session, s.handleRenameDevice)
		dev.POST("/unlink", session, s.handleUnlinkDevice)
		dev.POST("/connect-token", session, s.handleConnectToken)
		dev.POST("/verify-connect", s.handleVerifyConnect)
		dev.GET("/verify", s.handleVerifyDevice)
		dev.POST("/verify", s.handleVerifyDevice)
	}

	api.POST("/bugreport", limited, s.handleBugReport)
	api.GET("/account/status", session, s.handleAccountStatus)

	dl := api.Group("/download")
	{
		dl.GET("/info", s.handleDownloadInfo)
		dl.GET("/latest", s.handleDownloadLatest)
		dl.GET("/latest-zip", s.handleDownloadZip)
	}

	admin := api.Group("/admin", auth.RequireAdmin(s.svc.Auth))
	{
		admin.GET("/stats", s.handleAdminStats)
		admin.GET("/users", s.handleAdminUsers)
		admin.GET("/referrals", s.handleAdminReferrals)
		admin.GET("/bugs", s.handleAdminBugs)
		admin.GET("/feedback", s.handleAdminFeedback)
		admin.GET("/audit", s.handleAdminAudit)
		admin.POST("/update-plan", s.handleAdminUpdatePlan)
	}

	api.GET("/ws", session, s.handleUserWebSocket)
}

// Handler exposes the router for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server and the background sweepers. It blocks until
// the server stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  seconds(s.config.ReadTimeout, 15),
		WriteTimeout: seconds(s.config.WriteTimeout, 60),
		IdleTimeout:  60 * time.Second,
	}

	go s.hub.Run()
	go s.sweepLimiter()

	s.logger.Info().Str("addr", addr).Msg("Starting HTTP server")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) sweepLimiter() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.limiter.Sweep()
		case <-s.hub.done:
			return
		}
	}
}

func seconds(v, def int) time.Duration {
	if v <= 0 {
		v = def
	}
	return time.Duration(v) * time.Second
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down HTTP server")
	s.hub.Stop()
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// handleHealth reports liveness and store reachability
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	storeStatus := "healthy"
	if p, ok := s.svc.Store.(kvstore.Pinger); ok {
		if err := p.Ping(ctx); err != nil {
			storeStatus = "unhealthy"
		}
	}

	if storeStatus != "healthy" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "store": storeStatus})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"store":  storeStatus,
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

// currentSession returns the session set by the auth middleware
func currentSession(c *gin.Context) *auth.Session {
	return auth.GetSession(c)
}

func ownerOf(sess *auth.Session) devices.Owner {
	return devices.Owner{GoogleID: sess.GoogleID, Email: sess.Email}
}
