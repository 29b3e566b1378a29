package api

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/nethergate/nethergate/internal/backend"
	"github.com/nethergate/nethergate/internal/config"
	"github.com/nethergate/nethergate/internal/db"
	"github.com/nethergate/nethergate/internal/events"
	intnet "github.com/nethergate/nethergate/internal/network"
	"github.com/nethergate/nethergate/internal/proxy"
	"github.com/nethergate/nethergate/internal/raknet"
	"github.com/nethergate/nethergate/internal/tick"
	"github.com/nethergate/nethergate/internal/util"
)

// Monitor is the read side of the tick orchestrator.
type Monitor interface {
	Status() tick.Status
	Query() (tick.QueryInfo, bool)
}

// Proxy is the player and backend state.
type Proxy interface {
	PlayerInfos() []proxy.PlayerInfo
	ClientData() backend.ClientData
	Kick(name, reason string) bool
}

// Sessions lists transport sessions.
type Sessions interface {
	Snapshot() []raknet.SessionInfo
}

// Bans is the persistent ban list.
type Bans interface {
	Ban(addr netip.Addr, reason string) (db.Ban, error)
	Unban(addr netip.Addr) error
	List() []db.Ban
}

// Deps are the runtime components the API reads and controls.
type Deps struct {
	Monitor  Monitor
	Proxy    Proxy
	Sessions Sessions
	Bans     Bans
	// Shutdown stops the proxy. Nil disables the endpoint.
	Shutdown func(reason string)
}

// Server is the admin REST API.
type Server struct {
	cfg  config.APIConfig
	deps Deps
	hub  *StatusHub

	httpServer *http.Server
	router     *gin.Engine
}

// NewServer creates an API server. debug switches gin to debug mode.
func NewServer(cfg config.APIConfig, deps Deps, debug bool) *Server {
	if debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:  cfg,
		deps: deps,
		hub:  NewStatusHub(),
	}
	s.router = s.buildRouter()
	return s
}

// Handler exposes the router.
func (s *Server) Handler() http.Handler { return s.router }

// Hub is the websocket status fan-out.
func (s *Server) Hub() *StatusHub { return s.hub }

// Subscribe forwards status events from bus to websocket clients.
func (s *Server) Subscribe(bus *events.EventBus) {
	bus.Subscribe(events.EventStatus, "api.status", func(ctx context.Context, event events.Event) error {
		if st, ok := event.Payload.(tick.Status); ok {
			s.hub.Broadcast(st)
		}
		return nil
	})
}

// Start serves the API until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	var tlsConfig *tls.Config
	if s.cfg.TLSEnabled {
		if err := util.GenerateSelfSignedCert(s.cfg.TLSCertFile, s.cfg.TLSKeyFile); err != nil {
			return fmt.Errorf("failed to prepare API certificate: %w", err)
		}
		cert, err := tls.LoadX509KeyPair(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
		if err != nil {
			return fmt.Errorf("failed to load API certificate: %w", err)
		}
		tlsConfig = &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{cert},
		}
	}

	lc := intnet.ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("API server error: %w", err)
	}
	if tlsConfig != nil {
		ln = tls.NewListener(ln, tlsConfig)
	}

	log.Info().Str("addr", addr).Bool("tls", tlsConfig != nil).Msg("REST API server starting")

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

func (s *Server) buildRouter() *gin.Engine {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(RequestLogger())
	router.Use(SecurityHeaders())

	allowedOrigins := s.cfg.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	rateLimiter := NewRateLimiter(s.cfg.RateLimitRPS)
	router.Use(rateLimiter.Middleware())

	public := router.Group("/api/public")
	{
		public.GET("/ping", s.handlePing)
		public.GET("/query", s.handleQuery)
	}

	protected := router.Group("/api")
	protected.Use(RequireToken(s.cfg.Token))
	{
		protected.GET("/status", s.handleStatus)
		protected.GET("/system", s.handleSystem)
		protected.GET("/players", s.handlePlayers)
		protected.GET("/servers", s.handleServers)
		protected.GET("/sessions", s.handleSessions)
		protected.GET("/ws/status", s.handleStatusStream)

		protected.POST("/players/:name/kick", s.handleKick)
		protected.GET("/bans", s.handleListBans)
		protected.POST("/bans", s.handleBan)
		protected.DELETE("/bans/:ip", s.handleUnban)
		protected.POST("/shutdown", s.handleShutdown)
	}

	router.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "Nethergate admin API is running."})
	})

	return router
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	s.hub.Close()
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
