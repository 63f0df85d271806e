// Package server exposes the HTTP admin API: broadcast initiation and
// runtime introspection for operators and arbcastctl.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dantte-lp/arbcast/internal/rbc"
	"github.com/dantte-lp/arbcast/internal/wire"
)

// shutdownTimeout bounds the graceful drain on shutdown.
const shutdownTimeout = 5 * time.Second

// Runtime is the broadcast engine surface the admin API needs.
// Implemented by rbc.Manager.
type Runtime interface {
	NodeID() uint16
	NextSequence() uint64
	Broadcast(ctx context.Context, sequence uint64, payload []byte) (wire.Identifier, error)
	Snapshots() []rbc.Snapshot
	Lookup(id wire.Identifier) (rbc.Snapshot, bool)
	Deliveries(limit int) []rbc.Delivery
	InstanceCount() int
}

// Server is the admin HTTP server.
type Server struct {
	log    *slog.Logger
	rt     Runtime
	addr   string
	router *gin.Engine
}

// NewServer builds the admin server and its route table.
func NewServer(logger *slog.Logger, addr string, rt Runtime) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		log:    logger.With(slog.String("component", "admin.server")),
		rt:     rt,
		addr:   addr,
		router: router,
	}
	s.setupRoutes()

	return s
}

// setupRoutes configures the API routes.
func (s *Server) setupRoutes() {
	v1 := s.router.Group("/v1")
	{
		v1.POST("/broadcast", s.handleBroadcast)
		v1.GET("/instances", s.handleInstances)
		v1.GET("/instances/:sender/:sequence", s.handleInstance)
		v1.GET("/deliveries", s.handleDeliveries)
	}

	s.router.GET("/healthz", s.handleHealthz)
}

// Handler returns the route table, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves the admin API until ctx is cancelled, then drains
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("admin API listening", slog.String("addr", s.addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
