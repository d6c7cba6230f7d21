// Package server exposes the HTTP surface: conversation CRUD, catalog and
// run listings, Prometheus metrics, and the per-conversation websocket.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"crewhub/internal/config"
	"crewhub/internal/logging"
	"crewhub/internal/session"
	"crewhub/internal/store"
)

// Server is the HTTP and websocket front of the service.
type Server struct {
	engine     *gin.Engine
	httpServer *http.Server
	store      store.Store
	deps       session.Deps
	upgrader   websocket.Upgrader
	logger     logging.Logger
	startTime  time.Time
}

// New wires routes and middleware.
func New(cfg config.ServerSettings, st store.Store, deps session.Deps, logger logging.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(cfg.CORSOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.CORSOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Requested-With"}
	corsConfig.AllowWebSockets = true
	engine.Use(cors.New(corsConfig))

	s := &Server{
		engine: engine,
		store:  st,
		deps:   deps,
		logger: logging.OrNop(logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		startTime: time.Now(),
	}
	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      engine,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // websocket connections outlive any write timeout
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.engine.Group("/api")

	api.GET("/health", s.handleHealth)

	api.GET("/agents", s.handleListAgents)
	api.GET("/crews", s.handleListCrews)
	api.GET("/crews/:id", s.handleGetCrew)
	api.GET("/skills", s.handleListSkills)
	api.GET("/runs", s.handleListRuns)
	api.GET("/runs/:id", s.handleGetRun)

	conversations := api.Group("/conversations")
	{
		conversations.POST("", s.handleCreateConversation)
		conversations.GET("", s.handleListConversations)
		conversations.GET("/:id", s.handleGetConversation)
		conversations.DELETE("/:id", s.handleDeleteConversation)
		conversations.GET("/:id/ws", s.handleWebSocket)
	}

	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// Run serves until the context is cancelled, then drains.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	})
}
