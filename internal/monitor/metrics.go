package monitor

import (
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of one trader process. Each
// instance owns its registry so tests can build as many as they like.
type Metrics struct {
	Registry *prometheus.Registry

	orders          *prometheus.CounterVec
	trades          *prometheus.CounterVec
	exitReasons     *prometheus.CounterVec
	signals         *prometheus.CounterVec
	equity          prometheus.Gauge
	drawdown        prometheus.Gauge
	dailyPnL        prometheus.Gauge
	circuit         prometheus.Gauge
	openPositions   prometheus.Gauge
	tickDuration    prometheus.Histogram
	tickErrors      prometheus.Counter
	reconcileCloses prometheus.Counter
	apiRequests     *prometheus.CounterVec

	// TickLatency keeps a sliding window for the dashboard.
	TickLatency *LatencyHistogram
	APILatency  *LatencyHistogram

	ticksProcessed  uint64
	signalsSeen     uint64
	ordersProcessed uint64
	errorsCount     uint64
}

func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adx_orders_total",
			Help: "Orders sent, by kind (entry|close|protective) and result.",
		}, []string{"kind", "result"}),
		trades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adx_trades_total",
			Help: "Closed trades by result (win|loss) and side.",
		}, []string{"result", "side"}),
		exitReasons: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adx_exit_reasons_total",
			Help: "Closed trades by exit reason.",
		}, []string{"reason"}),
		signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adx_signals_total",
			Help: "Candidate signals by pipeline outcome.",
		}, []string{"outcome"}),
		equity: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "adx_equity",
			Help: "Account equity in the settlement asset.",
		}),
		drawdown: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "adx_drawdown_percent",
			Help: "Drawdown from peak equity in percent.",
		}),
		dailyPnL: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "adx_daily_pnl",
			Help: "Realized P&L of the current UTC day.",
		}),
		circuit: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "adx_risk_state",
			Help: "Risk state: 0 NORMAL, 1 WARNING, 2 CIRCUIT_OPEN.",
		}),
		openPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "adx_open_positions",
			Help: "Positions currently open.",
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "adx_tick_duration_seconds",
			Help:    "Duration of one orchestrator tick.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		tickErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "adx_tick_errors_total",
			Help: "Ticks that ended in an error or a recovered panic.",
		}),
		reconcileCloses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "adx_reconcile_closes_total",
			Help: "Local positions closed because the venue no longer held them.",
		}),
		apiRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adx_api_requests_total",
			Help: "Monitoring API requests by status class.",
		}, []string{"code"}),
		TickLatency: NewLatencyHistogram(1000),
		APILatency:  NewLatencyHistogram(1000),
	}
	m.Registry.MustRegister(
		m.orders, m.trades, m.exitReasons, m.signals,
		m.equity, m.drawdown, m.dailyPnL, m.circuit, m.openPositions,
		m.tickDuration, m.tickErrors, m.reconcileCloses, m.apiRequests,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// ObserveTick records one loop iteration.
func (m *Metrics) ObserveTick(d time.Duration, failed bool) {
	atomic.AddUint64(&m.ticksProcessed, 1)
	m.tickDuration.Observe(d.Seconds())
	m.TickLatency.RecordDuration(d)
	if failed {
		atomic.AddUint64(&m.errorsCount, 1)
		m.tickErrors.Inc()
	}
}

func (m *Metrics) RecordSignal(outcome string) {
	atomic.AddUint64(&m.signalsSeen, 1)
	m.signals.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordOrder(kind string, ok bool) {
	atomic.AddUint64(&m.ordersProcessed, 1)
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.orders.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) RecordTrade(side, reason string, pnl float64) {
	result := "loss"
	if pnl > 0 {
		result = "win"
	}
	m.trades.WithLabelValues(result, side).Inc()
	m.exitReasons.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordReconcileCloses(n int) {
	if n > 0 {
		m.reconcileCloses.Add(float64(n))
	}
}

// ObserveAPI records one served HTTP request.
func (m *Metrics) ObserveAPI(status int, d time.Duration) {
	m.apiRequests.WithLabelValues(fmt.Sprintf("%dxx", status/100)).Inc()
	m.APILatency.RecordDuration(d)
}

// SetAccount updates the account and risk gauges.
func (m *Metrics) SetAccount(equity, drawdownPct, dailyPnL float64, open int) {
	m.equity.Set(equity)
	m.drawdown.Set(drawdownPct)
	m.dailyPnL.Set(dailyPnL)
	m.openPositions.Set(float64(open))
}

// SetRiskState maps NORMAL/WARNING/CIRCUIT_OPEN onto 0/1/2.
func (m *Metrics) SetRiskState(state string) {
	switch state {
	case "WARNING":
		m.circuit.Set(1)
	case "CIRCUIT_OPEN":
		m.circuit.Set(2)
	default:
		m.circuit.Set(0)
	}
}

// MetricsSnapshot is the process view embedded in the dashboard.
type MetricsSnapshot struct {
	TickLatency     LatencyStats `json:"tick_latency"`
	APILatency      LatencyStats `json:"api_latency"`
	TicksProcessed  uint64       `json:"ticks_processed"`
	SignalsSeen     uint64       `json:"signals_seen"`
	OrdersProcessed uint64       `json:"orders_processed"`
	ErrorsCount     uint64       `json:"errors_count"`
	GoroutineCount  int          `json:"goroutine_count"`
	HeapAlloc       uint64       `json:"heap_alloc_bytes"`
	Timestamp       time.Time    `json:"timestamp"`
}

// GetSnapshot returns a point-in-time metrics snapshot.
func (m *Metrics) GetSnapshot() MetricsSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	return MetricsSnapshot{
		TickLatency:     m.TickLatency.Stats(),
		APILatency:      m.APILatency.Stats(),
		TicksProcessed:  atomic.LoadUint64(&m.ticksProcessed),
		SignalsSeen:     atomic.LoadUint64(&m.signalsSeen),
		OrdersProcessed: atomic.LoadUint64(&m.ordersProcessed),
		ErrorsCount:     atomic.LoadUint64(&m.errorsCount),
		GoroutineCount:  runtime.NumGoroutine(),
		HeapAlloc:       memStats.HeapAlloc,
		Timestamp:       time.Now().UTC(),
	}
}

// LatencyHistogram tracks latency samples in a sliding window.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
}

func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true
}

func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg, p50, p95, p99, recomputed only when samples changed.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}
	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}
	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	h.cachedStats = LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false
	return h.cachedStats
}

// LatencyStats holds computed latency statistics in milliseconds.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}
