package signal

import (
	"fmt"
	"log"
	"math"
	"time"

	"github.com/google/uuid"

	"adx-trader/internal/indicators"
	"adx-trader/pkg/exchanges/common"
)

// Config holds entry thresholds and level multiples.
type Config struct {
	ADXThreshold float64
	MinSlope     float64
	MinSpread    float64
	SLMultiple   float64
	TPMultiple   float64
	LongBias     float64
	ShortBias    float64
}

// DefaultConfig mirrors the production defaults.
func DefaultConfig() Config {
	return Config{
		ADXThreshold: 25,
		MinSlope:     0.5,
		MinSpread:    5,
		SLMultiple:   2,
		TPMultiple:   4,
		LongBias:     1.0,
		ShortBias:    1.5,
	}
}

// Signal is an entry candidate. It is not modified after creation.
type Signal struct {
	ID             string              `json:"id"`
	Side           common.PositionSide `json:"side"`
	Confidence     float64             `json:"confidence"`
	ReferencePrice float64             `json:"reference_price"`
	StopLoss       float64             `json:"stop_loss"`
	TakeProfit     float64             `json:"take_profit"`
	ATR            float64             `json:"atr"`
	SLMultiple     float64             `json:"sl_multiple"`
	TPMultiple     float64             `json:"tp_multiple"`
	Indicators     indicators.Snapshot `json:"indicators"`
	Timestamp      time.Time           `json:"timestamp"`
	Reason         string              `json:"reason"`
}

// LevelsAt returns stop-loss and take-profit around an anchor price using the
// signal's ATR multiples.
func (s Signal) LevelsAt(price float64) (sl, tp float64) {
	slDist := s.ATR * s.SLMultiple
	tpDist := s.ATR * s.TPMultiple
	if s.Side == common.PositionShort {
		return price + slDist, price - tpDist
	}
	return price - slDist, price + tpDist
}

// Generator turns indicator snapshots into at most one candidate per call.
type Generator struct {
	cfg Config
	now func() time.Time
}

func NewGenerator(cfg Config) *Generator {
	if cfg.LongBias <= 0 {
		cfg.LongBias = 1
	}
	if cfg.ShortBias <= 0 {
		cfg.ShortBias = 1
	}
	return &Generator{cfg: cfg, now: time.Now}
}

// Config returns the generator thresholds.
func (g *Generator) Config() Config { return g.cfg }

// Generate evaluates the latest snapshot. price anchors the provisional
// levels; when it is not positive the snapshot close is used.
func (g *Generator) Generate(snaps []indicators.Snapshot, price float64) (Signal, bool) {
	if len(snaps) == 0 {
		return Signal{}, false
	}
	snap := snaps[len(snaps)-1]
	if price <= 0 {
		price = snap.Close
	}

	side, ok := g.direction(snap)
	if !ok {
		return Signal{}, false
	}
	if !(snap.ATR > 0) || !(price > 0) {
		log.Printf("signal skipped: %s setup with unusable ATR %.4f / price %.4f", side, snap.ATR, price)
		return Signal{}, false
	}

	sig := Signal{
		ID:             uuid.NewString(),
		Side:           side,
		Confidence:     g.confidence(snap, side),
		ReferencePrice: price,
		ATR:            snap.ATR,
		SLMultiple:     g.cfg.SLMultiple,
		TPMultiple:     g.cfg.TPMultiple,
		Indicators:     snap,
		Timestamp:      g.now().UTC(),
		Reason: fmt.Sprintf("ADX %.2f >= %.2f, slope %.2f >= %.2f, DI spread %.2f (%s)",
			snap.ADX, g.cfg.ADXThreshold, snap.Slope, g.cfg.MinSlope, snap.Spread, snap.Strength),
	}
	sig.StopLoss, sig.TakeProfit = sig.LevelsAt(price)
	return sig, true
}

func (g *Generator) direction(s indicators.Snapshot) (common.PositionSide, bool) {
	if s.ADX < g.cfg.ADXThreshold || s.Slope < g.cfg.MinSlope {
		return "", false
	}
	switch {
	case s.PlusDI-s.MinusDI >= g.cfg.MinSpread:
		return common.PositionLong, true
	case s.MinusDI-s.PlusDI >= g.cfg.MinSpread:
		return common.PositionShort, true
	}
	return "", false
}

// confidence weighs ADX level (50%), DI spread (30%) and slope (20%) on a
// 0-100 scale, applies the side bias and caps at 100.
func (g *Generator) confidence(s indicators.Snapshot, side common.PositionSide) float64 {
	base := 0.5*clip01(s.ADX/50) + 0.3*clip01(math.Abs(s.Spread)/30) + 0.2*clip01((s.Slope+2)/4)
	bias := g.cfg.LongBias
	if side == common.PositionShort {
		bias = g.cfg.ShortBias
	}
	return math.Min(100*base*bias, 100)
}

func clip01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Exit hints are advisory and never close a position on their own.
const (
	HintTrendWeak  = "TREND_WEAK"
	HintDIReversal = "DI_REVERSAL"
)

// ExitHint reports whether the trend behind an open position is fading.
func ExitHint(s indicators.Snapshot, side common.PositionSide) string {
	if s.ADX < 20 {
		return HintTrendWeak
	}
	if side == common.PositionLong && s.MinusDI > s.PlusDI {
		return HintDIReversal
	}
	if side == common.PositionShort && s.PlusDI > s.MinusDI {
		return HintDIReversal
	}
	return ""
}
