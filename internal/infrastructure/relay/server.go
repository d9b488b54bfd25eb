package relay

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"samspill/pkg/config"
)

// Server is the relay's HTTP surface: the websocket endpoint plus health
// and metrics.
type Server struct {
	cfg    *config.Config
	hub    *Hub
	logger *zap.SugaredLogger
}

func NewServer(cfg *config.Config, hub *Hub, logger *zap.Logger) *Server {
	return &Server{
		cfg:    cfg,
		hub:    hub,
		logger: logger.Sugar(),
	}
}

func (s *Server) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(NewRateLimitMiddleware(s.cfg))
	engine.Use(TracingMiddleware())

	engine.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})
	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"rooms":  s.hub.RoomCount(),
		})
	})
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return engine
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:    s.cfg.Relay.Address,
		Handler: s.router(),
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		s.logger.Infow("relay listening", "address", s.cfg.Relay.Address)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Relay.ShutdownTimeout)
		defer cancel()
		s.logger.Infow("relay shutting down")
		return server.Shutdown(shutdownCtx)
	})

	return group.Wait()
}
