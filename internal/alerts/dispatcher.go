package alerts

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

type Config struct {
	MinLevel    Level
	Muted       []Kind
	Buffer      int
	History     int
	SendTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{MinLevel: LevelInfo, Buffer: 256, History: 100, SendTimeout: 10 * time.Second}
}

// Summary is the per-level count of accepted alerts.
type Summary struct {
	Info     int `json:"info_count"`
	Warning  int `json:"warning_count"`
	Critical int `json:"critical_count"`
	Dropped  int `json:"dropped"`
}

// Dispatcher fans alerts out to sinks on its own goroutine. Emit never
// blocks the caller; alerts beyond the buffer are dropped and counted.
type Dispatcher struct {
	cfg   Config
	sinks []Sink
	ch    chan Alert
	done  chan struct{}
	now   func() time.Time

	mu      sync.RWMutex
	muted   map[Kind]bool
	counts  map[Level]int
	recent  []Alert // newest last
	dropped int
	closed  bool
}

// NewDispatcher starts delivery immediately; call Close to flush.
func NewDispatcher(cfg Config, sinks ...Sink) *Dispatcher {
	def := DefaultConfig()
	if cfg.Buffer <= 0 {
		cfg.Buffer = def.Buffer
	}
	if cfg.History <= 0 {
		cfg.History = def.History
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	if cfg.MinLevel == "" {
		cfg.MinLevel = LevelInfo
	}
	d := &Dispatcher{
		cfg:    cfg,
		sinks:  sinks,
		ch:     make(chan Alert, cfg.Buffer),
		done:   make(chan struct{}),
		now:    time.Now,
		muted:  make(map[Kind]bool),
		counts: make(map[Level]int),
	}
	for _, k := range cfg.Muted {
		d.muted[k] = true
	}
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for a := range d.ch {
		for _, s := range d.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), d.cfg.SendTimeout)
			if err := s.Send(ctx, a); err != nil {
				log.Printf("⚠️ alert sink %s: %v", s.Name(), err)
			}
			cancel()
		}
	}
}

// Emit records and queues an alert. It reports whether the alert passed
// the level and mute filters.
func (d *Dispatcher) Emit(level Level, kind Kind, msg string, fields map[string]any) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || level.priority() < d.cfg.MinLevel.priority() || d.muted[kind] {
		return false
	}
	a := Alert{Level: level, Kind: kind, Message: msg, Fields: fields, Time: d.now().UTC()}
	d.counts[level]++
	d.recent = append(d.recent, a)
	if len(d.recent) > d.cfg.History {
		d.recent = d.recent[len(d.recent)-d.cfg.History:]
	}
	select {
	case d.ch <- a:
	default:
		d.dropped++
	}
	return true
}

func (d *Dispatcher) Mute(kind Kind) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.muted[kind] = true
}

func (d *Dispatcher) Unmute(kind Kind) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.muted, kind)
}

func (d *Dispatcher) SetMinLevel(level Level) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg.MinLevel = level
}

// Recent returns up to n alerts, newest first, optionally filtered by level.
func (d *Dispatcher) Recent(n int, level Level) []Alert {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var res []Alert
	for i := len(d.recent) - 1; i >= 0; i-- {
		if level != "" && d.recent[i].Level != level {
			continue
		}
		res = append(res, d.recent[i])
		if n > 0 && len(res) == n {
			break
		}
	}
	return res
}

func (d *Dispatcher) Summary() Summary {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return Summary{
		Info:     d.counts[LevelInfo],
		Warning:  d.counts[LevelWarning],
		Critical: d.counts[LevelCritical],
		Dropped:  d.dropped,
	}
}

// Close stops accepting alerts and waits for queued ones to be delivered.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.ch)
	d.mu.Unlock()
	<-d.done
}

func (d *Dispatcher) PositionOpened(id, side string, entry, qty, sl, tp float64) {
	d.Emit(LevelInfo, KindPositionOpened,
		fmt.Sprintf("%s opened %s: %.6f @ %.2f (SL %.2f, TP %.2f)", side, id, qty, entry, sl, tp),
		map[string]any{"position_id": id, "side": side, "entry": entry, "qty": qty, "stop_loss": sl, "take_profit": tp})
}

// PositionClosed emits the close plus a stop or target alert when one fired.
func (d *Dispatcher) PositionClosed(id, side, reason string, exit, pnl float64) {
	level := LevelInfo
	if pnl < 0 {
		level = LevelWarning
	}
	fields := map[string]any{"position_id": id, "side": side, "reason": reason, "exit": exit, "pnl": pnl}
	d.Emit(level, KindPositionClosed,
		fmt.Sprintf("%s closed %s at %.2f: pnl %+.4f (%s)", side, id, exit, pnl, reason), fields)
	switch reason {
	case "STOP_LOSS", "TRAILING_STOP":
		d.Emit(LevelWarning, KindStopLossHit, fmt.Sprintf("stop hit on %s at %.2f: pnl %+.4f", id, exit, pnl), fields)
	case "TAKE_PROFIT":
		d.Emit(LevelInfo, KindTakeProfitHit, fmt.Sprintf("target hit on %s at %.2f: pnl %+.4f", id, exit, pnl), fields)
	case "EXTERNALLY_CLOSED":
		d.Emit(LevelWarning, KindReconciliationClose, fmt.Sprintf("%s closed on the venue, recorded at %.2f", id, exit), fields)
	}
}

func (d *Dispatcher) CircuitBreaker(reason string) {
	d.Emit(LevelCritical, KindCircuitBreaker, "circuit breaker open: "+reason+" (manual reset required)", nil)
}

func (d *Dispatcher) RiskWarning(reason string) {
	d.Emit(LevelWarning, KindRiskWarning, reason, nil)
}

func (d *Dispatcher) ExecutionFailure(err error) {
	d.Emit(LevelWarning, KindExecutionFailure, err.Error(), nil)
}

func (d *Dispatcher) Fatal(msg string) {
	d.Emit(LevelCritical, KindFatalError, msg, nil)
}

func (d *Dispatcher) Session(msg string) {
	d.Emit(LevelInfo, KindSession, msg, nil)
}
