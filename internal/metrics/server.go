package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/beaver-encode/internal/logging"
)

// StatusFunc returns a JSON-encodable snapshot for GET /status.
type StatusFunc func() any

// NewRouter builds the observability endpoints:
//
//	GET /metrics  Prometheus exposition of gatherer
//	GET /healthz  liveness
//	GET /status   status() as JSON, 404 when status is nil
func NewRouter(gatherer prometheus.Gatherer, status StatusFunc) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/status", func(c *gin.Context) {
		if status == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "no status available"})
			return
		}
		c.JSON(http.StatusOK, status())
	})

	return router
}

// Server serves a router in the background.
type Server struct {
	srv *http.Server
	lis net.Listener
	log hclog.Logger
}

// StartServer listens on addr and serves handler until Shutdown.
func StartServer(addr string, handler http.Handler, logger hclog.Logger) (*Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s := &Server{
		srv: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		lis: lis,
		log: logging.OrDefault(logger).Named("status"),
	}

	go func() {
		if err := s.srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("Status server stopped", "error", err)
		}
	}()

	s.log.Info("Status server listening", "address", lis.Addr().String())
	return s, nil
}

// Addr is the bound address, useful when addr had port 0.
func (s *Server) Addr() string {
	return s.lis.Addr().String()
}

// Shutdown stops accepting requests and waits for active ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
