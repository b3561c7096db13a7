// Package server exposes the admin HTTP surface spec.md treats as an
// ambient concern: a health probe, the Prometheus scrape endpoint, and a
// small debug view over each keeper's cursor, following the teacher's
// gin.Default() + promhttp.Handler() wiring in cmd/server/main.go.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/perpskeeper/keeper/internal/distributor"
)

// KeeperStatus is one row of the /debug/keepers view.
type KeeperStatus struct {
	Market string `json:"market"`
	Kind   string `json:"kind"`
}

// Server is the keeper's admin HTTP surface (spec's supplemented feature,
// not part of the core event-driven engine spec.md scopes).
type Server struct {
	httpServer *http.Server
}

// New builds the admin server. dist is used to report the current cursor;
// statuses lists every configured keeper for the debug view.
func New(addr string, dist *distributor.Distributor, statuses []KeeperStatus, metricsEnabled bool) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "perps-keeper"})
	})

	if metricsEnabled {
		r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	r.GET("/debug/keepers", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"lastProcessedBlock": dist.LastProcessedBlock(),
			"keepers":            statuses,
		})
	})

	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start runs the server until it errors or Shutdown is called.
func (s *Server) Start() error {
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server, honoring ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
