package sizing

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Config holds venue limits and the optional notional cap.
type Config struct {
	LotStep        float64 // minimum quantity increment
	MinNotional    float64 // 0 disables
	MaxPositionPct float64 // cap notional at pct of equity×leverage; 0 disables
}

// Input is everything the sizer needs for one candidate.
type Input struct {
	ReferencePrice  float64
	StopLoss        float64
	Equity          float64
	AvailableMargin float64
	Leverage        int
	RiskPct         float64
	MaxPositions    int
	OpenPositions   int
}

// Result is a sizing decision. Allowed=false carries a Reason and no quantity.
type Result struct {
	Allowed      bool    `json:"allowed"`
	Reason       string  `json:"reason,omitempty"`
	RiskCapital  float64 `json:"risk_capital"`
	StopDistance float64 `json:"stop_distance"`
	RawQty       float64 `json:"raw_qty"`
	Qty          float64 `json:"qty"`
	Notional     float64 `json:"notional"`
	Margin       float64 `json:"margin"`
	ActualRisk   float64 `json:"actual_risk"`
	Capped       bool    `json:"capped"`
}

// Sizer converts a fixed fraction of equity at risk into a quantity.
type Sizer struct {
	cfg Config
}

func NewSizer(cfg Config) *Sizer {
	return &Sizer{cfg: cfg}
}

// Size computes quantity = equity×risk% / |reference − stop|, floored to the lot step.
func (s *Sizer) Size(in Input) Result {
	if in.MaxPositions > 0 && in.OpenPositions >= in.MaxPositions {
		return reject("open positions %d >= max %d", in.OpenPositions, in.MaxPositions)
	}
	if in.ReferencePrice <= 0 {
		return reject("reference price %.4f must be > 0", in.ReferencePrice)
	}
	if in.Equity <= 0 {
		return reject("equity %.4f must be > 0", in.Equity)
	}
	if in.Leverage < 1 {
		return reject("leverage %d must be >= 1", in.Leverage)
	}

	price := decimal.NewFromFloat(in.ReferencePrice)
	stopDist := price.Sub(decimal.NewFromFloat(in.StopLoss)).Abs()
	if !stopDist.IsPositive() {
		return reject("stop distance is zero (reference %.4f, stop %.4f)", in.ReferencePrice, in.StopLoss)
	}
	lev := decimal.NewFromInt(int64(in.Leverage))
	riskCap := decimal.NewFromFloat(in.Equity).Mul(decimal.NewFromFloat(in.RiskPct)).Div(decimal.NewFromInt(100))
	rawQty := riskCap.Div(stopDist)
	qty := rawQty

	res := Result{
		RiskCapital:  riskCap.InexactFloat64(),
		StopDistance: stopDist.InexactFloat64(),
		RawQty:       rawQty.InexactFloat64(),
	}

	if s.cfg.MaxPositionPct > 0 {
		maxNotional := decimal.NewFromFloat(in.Equity).Mul(lev).
			Mul(decimal.NewFromFloat(s.cfg.MaxPositionPct)).Div(decimal.NewFromInt(100))
		if qty.Mul(price).GreaterThan(maxNotional) {
			qty = maxNotional.Div(price)
			res.Capped = true
		}
	}

	if s.cfg.LotStep > 0 {
		step := decimal.NewFromFloat(s.cfg.LotStep)
		qty = qty.Div(step).Floor().Mul(step)
	}
	if !qty.IsPositive() {
		res.Reason = fmt.Sprintf("quantity %s rounds to zero at lot step %v", rawQty.StringFixed(8), s.cfg.LotStep)
		return res
	}

	notional := qty.Mul(price)
	margin := notional.Div(lev)
	res.Qty = qty.InexactFloat64()
	res.Notional = notional.InexactFloat64()
	res.Margin = margin.InexactFloat64()
	res.ActualRisk = qty.Mul(stopDist).InexactFloat64()

	if s.cfg.MinNotional > 0 && res.Notional < s.cfg.MinNotional {
		res.Reason = fmt.Sprintf("notional %.4f < min notional %.4f", res.Notional, s.cfg.MinNotional)
		return res
	}
	if margin.GreaterThan(decimal.NewFromFloat(in.AvailableMargin)) {
		res.Reason = fmt.Sprintf("margin required %.4f > available %.4f", res.Margin, in.AvailableMargin)
		return res
	}
	res.Allowed = true
	return res
}

func reject(format string, args ...any) Result {
	return Result{Reason: fmt.Sprintf(format, args...)}
}
