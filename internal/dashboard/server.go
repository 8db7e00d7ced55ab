// Package dashboard serves the operator HTTP surface: a websocket listener
// endpoint attached to every venue hub, venue status and control, recent logs
// and metrics, and the Prometheus scrape endpoint.
package dashboard

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"venuestream/config"
	"venuestream/internal/hub"
	"venuestream/internal/metrics"
	"venuestream/internal/registry"
	"venuestream/internal/stream"
	"venuestream/logger"
)

const defaultPort = "8080"

// Venues is the part of the session registry the dashboard drives.
type Venues interface {
	AttachSink(sink hub.Sink)
	DetachSink(sink hub.Sink)
	Status() registry.Status
	Connect(ctx context.Context, venue string) error
	Subscribe(ctx context.Context, venue, streamID string) error
	Unsubscribe(ctx context.Context, venue, streamID string) error
}

// Server hosts the dashboard.
type Server struct {
	cfg         config.DashboardConfig
	log         *logger.Log
	venues      Venues
	collector   *metrics.Collector
	metricStore *recent[metrics.Metric]
	logStore    *logStore
	sampler     *resourceSampler
	handlerID   metrics.MetricHandlerID
	upgrader    websocket.Upgrader
	httpServer  *http.Server
}

// NewServer constructs the dashboard. It returns nil when the dashboard is
// disabled. collector may be nil, in which case /metrics is not served.
func NewServer(cfg config.DashboardConfig, log *logger.Log, venues Venues, collector *metrics.Collector) (*Server, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if venues == nil {
		return nil, errors.New("dashboard requires a venue registry")
	}

	cfg.Address = normalizeAddress(cfg.Address)
	if cfg.SinkQueue <= 0 {
		cfg.SinkQueue = 256
	}

	s := &Server{
		cfg:         cfg,
		log:         log,
		venues:      venues,
		collector:   collector,
		metricStore: newRecent[metrics.Metric](cfg.MetricsHistory),
		logStore:    newLogStore(cfg.LogHistory),
		sampler:     newResourceSampler(cfg.MetricsHistory, cfg.SampleInterval),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	s.handlerID = metrics.RegisterMetricHandler(s.metricStore.add)
	log.AddHook(s.logStore)
	return s, nil
}

// Run serves until ctx is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}
	defer s.cleanup()

	s.sampler.start(ctx)
	s.httpServer = &http.Server{
		Addr:              s.cfg.Address,
		Handler:           s.buildRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	s.log.WithComponent("dashboard").WithFields(logger.Fields{"address": s.cfg.Address}).Info("dashboard listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) cleanup() {
	metrics.UnregisterMetricHandler(s.handlerID)
	s.logStore.close()
	s.sampler.stop()
}

// Address reports the address the dashboard listens on.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

func (s *Server) buildRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/ws", s.serveWS)

	api := router.Group("/api")
	api.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.venues.Status())
	})
	api.GET("/logs", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"logs": s.logStore.snapshot()})
	})
	api.GET("/metrics", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"metrics": s.metricStore.snapshot()})
	})
	api.GET("/resources", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"resources": s.sampler.snapshot()})
	})

	venues := api.Group("/venues/:venue")
	venues.POST("/connect", func(c *gin.Context) {
		s.respond(c, s.venues.Connect(c.Request.Context(), c.Param("venue")))
	})
	venues.POST("/subscriptions", func(c *gin.Context) {
		var req struct {
			Stream string `json:"stream" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		s.respond(c, s.venues.Subscribe(c.Request.Context(), c.Param("venue"), req.Stream))
	})
	venues.DELETE("/subscriptions/:stream", func(c *gin.Context) {
		s.respond(c, s.venues.Unsubscribe(c.Request.Context(), c.Param("venue"), c.Param("stream")))
	})

	if s.collector != nil {
		router.GET("/metrics", gin.WrapH(s.collector.Handler()))
	}
	return router
}

// serveWS upgrades the request and attaches the connection to every venue
// hub. The hubs drop the sink once the peer goes away.
func (s *Server) serveWS(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.WithComponent("dashboard").WithError(err).Warn("websocket upgrade failed")
		return
	}
	sink := hub.NewWSSink(conn, s.cfg.SinkQueue)
	s.venues.AttachSink(sink)
	s.log.WithComponent("dashboard").WithFields(logger.Fields{
		"sink":   sink.ID(),
		"remote": c.ClientIP(),
	}).Info("listener attached")
}

func (s *Server) respond(c *gin.Context, err error) {
	if err == nil {
		c.JSON(http.StatusOK, s.venues.Status().Venues[c.Param("venue")])
		return
	}

	status := http.StatusBadGateway
	switch {
	case errors.Is(err, registry.ErrUnknownVenue):
		status = http.StatusNotFound
	case errors.Is(err, stream.ErrUserDataVenue):
		status = http.StatusBadRequest
	case errors.Is(err, stream.ErrNotConnected), errors.Is(err, stream.ErrConnectInProgress):
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// normalizeAddress turns a configured address, possibly a URL or a bare
// host or port, into a host:port listen address.
func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return net.JoinHostPort("0.0.0.0", defaultPort)
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil && parsed.Host != "" {
			addr = parsed.Host
		}
	}

	if host, port, err := net.SplitHostPort(addr); err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = defaultPort
		}
		return net.JoinHostPort(host, port)
	}

	// bare host or IPv6 literal
	return net.JoinHostPort(strings.Trim(addr, "[]"), defaultPort)
}
