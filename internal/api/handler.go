package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"adx-trader/internal/alerts"
	"adx-trader/internal/dashboard"
	"adx-trader/internal/events"
	"adx-trader/internal/monitor"
	"adx-trader/pkg/db"

	"github.com/gin-gonic/gin"
)

// TradeSource is the read side of the trade journal.
type TradeSource interface {
	ListTrades(ctx context.Context, limit int, mode string) ([]db.Trade, error)
	GetTradeStats(ctx context.Context, mode string) (db.TradeStats, error)
}

// Controller accepts operator commands. Implementations only enqueue; the
// trading loop applies them on its own goroutine.
type Controller interface {
	RequestRiskReset(operator, reason string) error
	RequestCloseAll(operator, reason string) error
}

// SystemMeta describes runtime status exposed to the UI.
type SystemMeta struct {
	Mode    string
	Venue   string
	Symbol  string
	Testnet bool
	Version string
}

// Deps bundles what the API reads from. Nil members disable their routes'
// data and the handler answers 503.
type Deps struct {
	Bus       *events.Bus
	Snapshots *dashboard.Store
	Trades    TradeSource
	Alerts    *alerts.Dispatcher
	Metrics   *monitor.Metrics
	Health    *monitor.Health
	Control   Controller
}

// Server wires HTTP endpoints around the snapshot store and the event bus.
type Server struct {
	Router    *gin.Engine
	Bus       *events.Bus
	Snapshots *dashboard.Store
	Trades    TradeSource
	Alerts    *alerts.Dispatcher
	Metrics   *monitor.Metrics
	Health    *monitor.Health
	Control   Controller
	JWTSecret string
	Meta      SystemMeta

	mu         sync.Mutex
	httpServer *http.Server
}

func NewServer(deps Deps, meta SystemMeta, jwtSecret string) *Server {
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())                             // Panic recovery (first)
	r.Use(RequestIDMiddleware())                      // Request ID tracking
	r.Use(RequestLogger(deps.Metrics))                // Request logging (after ID is set)
	r.Use(RateLimitMiddleware(newIPLimiters(20, 50))) // Rate limiting
	r.Use(CORSMiddleware())                           // CORS (last before routes)

	s := &Server{
		Router:    r,
		Bus:       deps.Bus,
		Snapshots: deps.Snapshots,
		Trades:    deps.Trades,
		Alerts:    deps.Alerts,
		Metrics:   deps.Metrics,
		Health:    deps.Health,
		Control:   deps.Control,
		JWTSecret: jwtSecret,
		Meta:      meta,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/metrics", s.metrics)
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api")
	{
		api.GET("/system/status", s.getSystemStatus)
		api.GET("/snapshot", s.getSnapshot)
		api.GET("/positions", s.getPositions)
		api.GET("/trades", s.getTrades)
		api.GET("/stats", s.getStats)
		api.GET("/risk", s.getRisk)
		api.GET("/alerts", s.getAlerts)

		control := api.Group("")
		if s.JWTSecret == "" {
			control.Use(controlDisabled)
		} else {
			control.Use(AuthMiddleware(s.JWTSecret))
		}
		{
			control.POST("/risk/reset", s.resetRisk)
			control.POST("/positions/close-all", s.closeAll)
		}
	}
}

func controlDisabled(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
		"code":  "CONTROL_DISABLED",
		"error": "control endpoints are disabled (no operator secret configured)",
	})
}

func (s *Server) health(c *gin.Context) {
	if s.Health == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}
	report := s.Health.Report()
	status := http.StatusOK
	if report.Status == monitor.StatusOffline {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}

func (s *Server) metrics(c *gin.Context) {
	if s.Metrics == nil {
		respondError(c, http.StatusServiceUnavailable, "METRICS_UNAVAILABLE", "metrics not configured")
		return
	}
	s.Metrics.Handler().ServeHTTP(c.Writer, c.Request)
}

// Start serves until Shutdown is called.
func (s *Server) Start(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
