package signal

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"adx-trader/pkg/exchanges/common"
	"adx-trader/pkg/timeutil"
)

// Filter is one predicate of the chain. at is the normalized signal time.
type Filter interface {
	Name() string
	Check(sig Signal, at time.Time) (bool, string)
}

// Verdict is the chain outcome for one candidate.
type Verdict struct {
	Passed bool   `json:"passed"`
	Filter string `json:"filter,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// FilterConfig builds the default chain.
type FilterConfig struct {
	Cooldown          time.Duration
	TimeFilterEnabled bool
	TradingHours      Window
	DenyWindows       []Window
	MinConfidence     float64
	MinVolumeRank     float64 // percentile of window volume, 0 disables
	MinVolatilityPct  float64 // 0 disables
}

// FilterStats counts chain outcomes.
type FilterStats struct {
	Evaluated int            `json:"evaluated"`
	Passed    int            `json:"passed"`
	Rejected  map[string]int `json:"rejected"`
}

// Chain applies filters in order; the first failure short-circuits.
type Chain struct {
	mu       sync.Mutex
	filters  []Filter
	cooldown *Cooldown
	stats    FilterStats
}

// NewChain builds cooldown, time-of-day and confidence, then the optional
// volume and volatility floors.
func NewChain(cfg FilterConfig) *Chain {
	cd := NewCooldown(cfg.Cooldown)
	filters := []Filter{cd}
	if cfg.TimeFilterEnabled {
		filters = append(filters, &TimeOfDay{Allow: cfg.TradingHours, Deny: cfg.DenyWindows})
	}
	filters = append(filters, MinConfidence(cfg.MinConfidence))
	if cfg.MinVolumeRank > 0 {
		filters = append(filters, MinVolumeRank(cfg.MinVolumeRank))
	}
	if cfg.MinVolatilityPct > 0 {
		filters = append(filters, MinVolatility(cfg.MinVolatilityPct))
	}
	return &Chain{filters: filters, cooldown: cd, stats: FilterStats{Rejected: map[string]int{}}}
}

// Apply evaluates sig at its own timestamp.
func (c *Chain) Apply(sig Signal) Verdict {
	return c.evaluate(sig, sig.Timestamp.UTC())
}

// ApplyRaw evaluates sig at a timestamp given as epoch ms, epoch seconds or a string.
func (c *Chain) ApplyRaw(sig Signal, raw any) (Verdict, error) {
	at, err := timeutil.Normalize(raw)
	if err != nil {
		return Verdict{}, fmt.Errorf("filter timestamp: %w", err)
	}
	return c.evaluate(sig, at), nil
}

// MarkExecuted starts the cooldown for side. It must be called only after an
// entry actually filled.
func (c *Chain) MarkExecuted(side common.PositionSide, raw any) error {
	at, err := timeutil.Normalize(raw)
	if err != nil {
		return fmt.Errorf("cooldown timestamp: %w", err)
	}
	c.cooldown.Mark(side, at)
	return nil
}

// Cooldown exposes the cooldown state for persistence and the dashboard.
func (c *Chain) Cooldown() *Cooldown { return c.cooldown }

// Stats returns a copy of the chain counters.
func (c *Chain) Stats() FilterStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := FilterStats{Evaluated: c.stats.Evaluated, Passed: c.stats.Passed, Rejected: make(map[string]int, len(c.stats.Rejected))}
	for k, v := range c.stats.Rejected {
		out.Rejected[k] = v
	}
	return out
}

func (c *Chain) evaluate(sig Signal, at time.Time) Verdict {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.Evaluated++
	for _, f := range c.filters {
		if ok, reason := f.Check(sig, at); !ok {
			c.stats.Rejected[f.Name()]++
			return Verdict{Passed: false, Filter: f.Name(), Reason: reason}
		}
	}
	c.stats.Passed++
	return Verdict{Passed: true}
}

// Cooldown rejects a side that executed within the window.
type Cooldown struct {
	mu     sync.RWMutex
	window time.Duration
	last   map[common.PositionSide]time.Time
}

func NewCooldown(window time.Duration) *Cooldown {
	return &Cooldown{window: window, last: make(map[common.PositionSide]time.Time)}
}

func (c *Cooldown) Name() string { return "cooldown" }

func (c *Cooldown) Check(sig Signal, at time.Time) (bool, string) {
	c.mu.RLock()
	last, ok := c.last[sig.Side]
	c.mu.RUnlock()
	if !ok || c.window <= 0 {
		return true, ""
	}
	if elapsed := at.Sub(last); elapsed < c.window {
		return false, fmt.Sprintf("cooldown: %s since last %s entry < %s", elapsed.Round(time.Second), sig.Side, c.window)
	}
	return true, ""
}

// Mark records an executed entry.
func (c *Cooldown) Mark(side common.PositionSide, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last[side] = at.UTC()
}

// Last returns the last execution time for side.
func (c *Cooldown) Last(side common.PositionSide) (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.last[side]
	return t, ok
}

// Window is a UTC hour range [Start, End). Start > End wraps past midnight.
type Window struct {
	Start int
	End   int
}

func (w Window) Contains(hour int) bool {
	if w.Start <= w.End {
		return hour >= w.Start && hour < w.End
	}
	return hour >= w.Start || hour < w.End
}

func (w Window) String() string { return fmt.Sprintf("%02d-%02d", w.Start, w.End) }

// ParseWindows parses "13-15,22-2" into windows.
func ParseWindows(s string) ([]Window, error) {
	var out []Window
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		from, to, ok := strings.Cut(part, "-")
		if !ok {
			return nil, fmt.Errorf("window %q: want start-end", part)
		}
		start, err1 := strconv.Atoi(strings.TrimSpace(from))
		end, err2 := strconv.Atoi(strings.TrimSpace(to))
		if err1 != nil || err2 != nil || start < 0 || start > 23 || end < 0 || end > 24 {
			return nil, fmt.Errorf("window %q: hours out of range", part)
		}
		out = append(out, Window{Start: start, End: end})
	}
	return out, nil
}

// TimeOfDay allows entries inside Allow and outside every Deny window.
type TimeOfDay struct {
	Allow Window
	Deny  []Window
}

func (t *TimeOfDay) Name() string { return "time_of_day" }

func (t *TimeOfDay) Check(_ Signal, at time.Time) (bool, string) {
	hour := at.UTC().Hour()
	if !t.Allow.Contains(hour) {
		return false, fmt.Sprintf("time_of_day: hour %02d outside trading window %s UTC", hour, t.Allow)
	}
	for _, d := range t.Deny {
		if d.Contains(hour) {
			return false, fmt.Sprintf("time_of_day: hour %02d inside blocked window %s UTC", hour, d)
		}
	}
	return true, ""
}

// MinConfidence rejects candidates below the threshold.
type MinConfidence float64

func (m MinConfidence) Name() string { return "confidence" }

func (m MinConfidence) Check(sig Signal, _ time.Time) (bool, string) {
	if sig.Confidence < float64(m) {
		return false, fmt.Sprintf("confidence %.2f < min %.2f", sig.Confidence, float64(m))
	}
	return true, ""
}

// MinVolatility rejects candidates whose ATR is below a percentage of price.
type MinVolatility float64

func (m MinVolatility) Name() string { return "volatility" }

func (m MinVolatility) Check(sig Signal, _ time.Time) (bool, string) {
	if sig.ReferencePrice <= 0 {
		return true, ""
	}
	pct := sig.ATR / sig.ReferencePrice * 100
	if pct < float64(m) {
		return false, fmt.Sprintf("volatility: ATR %.4f%% of price < min %.4f%%", pct, float64(m))
	}
	return true, ""
}

// MinVolumeRank rejects candidates on a thin candle. The signal candle's
// volume must rank at or above the percentile within the candle window.
type MinVolumeRank float64

func (m MinVolumeRank) Name() string { return "volume" }

func (m MinVolumeRank) Check(sig Signal, _ time.Time) (bool, string) {
	if rank := sig.Indicators.VolumeRank; rank < float64(m) {
		return false, fmt.Sprintf("volume: %.2f ranks at %.1f%% of the window < min %.1f%%",
			sig.Indicators.Volume, rank, float64(m))
	}
	return true, ""
}
