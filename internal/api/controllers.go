package api

import (
	"net/http"
	"time"

	"adx-trader/internal/alerts"
	"adx-trader/internal/position"

	"github.com/gin-gonic/gin"
)

type listTradesQuery struct {
	Limit int    `form:"limit"`
	Mode  string `form:"mode"`
}

type listAlertsQuery struct {
	Limit int    `form:"limit"`
	Level string `form:"level"`
}

type controlRequest struct {
	Reason string `json:"reason"`
}

func (q *listTradesQuery) normalize() {
	if q.Limit <= 0 {
		q.Limit = 50
	}
	if q.Limit > 500 {
		q.Limit = 500
	}
}

func (q *listAlertsQuery) normalize() {
	if q.Limit <= 0 {
		q.Limit = 50
	}
	if q.Limit > 200 {
		q.Limit = 200
	}
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

// getSystemStatus exposes runtime mode/venue for the dashboard.
func (s *Server) getSystemStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"mode":            s.Meta.Mode,
		"venue":           s.Meta.Venue,
		"symbol":          s.Meta.Symbol,
		"testnet":         s.Meta.Testnet,
		"version":         s.Meta.Version,
		"control_enabled": s.JWTSecret != "" && s.Control != nil,
		"server_time":     time.Now().UTC(),
	})
}

func (s *Server) getSnapshot(c *gin.Context) {
	if s.Snapshots == nil {
		respondError(c, http.StatusServiceUnavailable, "SNAPSHOT_UNAVAILABLE", "snapshot store not configured")
		return
	}
	snap, ok := s.Snapshots.Latest()
	if !ok {
		respondError(c, http.StatusServiceUnavailable, "SNAPSHOT_NOT_READY", "no snapshot produced yet")
		return
	}
	c.JSON(http.StatusOK, snap)
}

// getPositions returns the open positions of the latest snapshot.
func (s *Server) getPositions(c *gin.Context) {
	if s.Snapshots == nil {
		respondError(c, http.StatusServiceUnavailable, "SNAPSHOT_UNAVAILABLE", "snapshot store not configured")
		return
	}
	snap, ok := s.Snapshots.Latest()
	if !ok {
		c.JSON(http.StatusOK, []position.Position{})
		return
	}
	if snap.OpenPositions == nil {
		snap.OpenPositions = []position.Position{}
	}
	c.JSON(http.StatusOK, snap.OpenPositions)
}

func (s *Server) getTrades(c *gin.Context) {
	if s.Trades == nil {
		respondError(c, http.StatusServiceUnavailable, "JOURNAL_UNAVAILABLE", "trade journal not configured")
		return
	}
	var q listTradesQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	q.normalize()

	trades, err := s.Trades.ListTrades(c.Request.Context(), q.Limit, q.Mode)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}

	resp := make([]gin.H, 0, len(trades))
	for _, t := range trades {
		resp = append(resp, gin.H{
			"id":           t.ID,
			"symbol":       t.Symbol,
			"side":         t.Side,
			"entry_price":  t.EntryPrice,
			"exit_price":   t.ExitPrice,
			"quantity":     t.Quantity,
			"stop_loss":    t.StopLoss,
			"take_profit":  t.TakeProfit,
			"pnl":          t.PnL,
			"pnl_percent":  t.PnLPercent,
			"fees":         t.Fees,
			"exit_reason":  t.ExitReason,
			"opened_at":    t.OpenedAt.UTC(),
			"closed_at":    t.ClosedAt.UTC(),
			"hold_seconds": t.HoldSeconds,
			"leverage":     t.Leverage,
			"trading_mode": t.TradingMode,
		})
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) getStats(c *gin.Context) {
	if s.Trades == nil {
		respondError(c, http.StatusServiceUnavailable, "JOURNAL_UNAVAILABLE", "trade journal not configured")
		return
	}
	stats, err := s.Trades.GetTradeStats(c.Request.Context(), c.Query("mode"))
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, stats)
}

// getRisk returns the risk state carried by the latest snapshot.
func (s *Server) getRisk(c *gin.Context) {
	if s.Snapshots == nil {
		respondError(c, http.StatusServiceUnavailable, "SNAPSHOT_UNAVAILABLE", "snapshot store not configured")
		return
	}
	snap, ok := s.Snapshots.Latest()
	if !ok {
		respondError(c, http.StatusServiceUnavailable, "SNAPSHOT_NOT_READY", "no snapshot produced yet")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"risk":     snap.Risk,
		"win_rate": snap.Risk.WinRate(),
		"as_of":    snap.GeneratedAt,
	})
}

func (s *Server) getAlerts(c *gin.Context) {
	if s.Alerts == nil {
		respondError(c, http.StatusServiceUnavailable, "ALERTS_UNAVAILABLE", "alert dispatcher not configured")
		return
	}
	var q listAlertsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	q.normalize()

	var level alerts.Level
	if q.Level != "" {
		level = alerts.ParseLevel(q.Level)
	}
	recent := s.Alerts.Recent(q.Limit, level)
	if recent == nil {
		recent = []alerts.Alert{}
	}
	c.JSON(http.StatusOK, gin.H{
		"summary": s.Alerts.Summary(),
		"alerts":  recent,
	})
}

// resetRisk asks the loop to close the circuit breaker.
func (s *Server) resetRisk(c *gin.Context) {
	s.enqueueControl(c, "risk_reset")
}

// closeAll asks the loop to flatten every open position.
func (s *Server) closeAll(c *gin.Context) {
	s.enqueueControl(c, "close_all")
}

func (s *Server) enqueueControl(c *gin.Context, command string) {
	if s.Control == nil {
		respondError(c, http.StatusServiceUnavailable, "CONTROL_UNAVAILABLE", "trading loop not attached")
		return
	}
	var req controlRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
			return
		}
	}
	operator := CurrentOperator(c)
	var err error
	switch command {
	case "risk_reset":
		err = s.Control.RequestRiskReset(operator, req.Reason)
	case "close_all":
		err = s.Control.RequestCloseAll(operator, req.Reason)
	}
	if err != nil {
		respondError(c, http.StatusServiceUnavailable, "CONTROL_BUSY", err.Error())
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"command":  command,
		"operator": operator,
		"reason":   req.Reason,
		"status":   "queued",
	})
}
