package indicators

import (
	"errors"
	"fmt"
	"math"
	"time"

	"adx-trader/pkg/exchanges/common"
)

// ErrInsufficientData matches any *InsufficientDataError via errors.Is.
var ErrInsufficientData = errors.New("insufficient candle data")

// InsufficientDataError reports how many candles were supplied versus required.
type InsufficientDataError struct {
	Have int
	Need int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient candle data: have %d, need %d", e.Have, e.Need)
}

func (e *InsufficientDataError) Is(target error) bool { return target == ErrInsufficientData }

// TrendStrength buckets an ADX value.
type TrendStrength string

const (
	TrendNone       TrendStrength = "NONE"
	TrendWeak       TrendStrength = "WEAK"
	TrendStrong     TrendStrength = "STRONG"
	TrendVeryStrong TrendStrength = "VERY_STRONG"
	TrendExtreme    TrendStrength = "EXTREME"
)

// ClassifyTrend maps ADX to NONE < 20 ≤ WEAK < 25 ≤ STRONG < 35 ≤ VERY_STRONG < 50 ≤ EXTREME.
func ClassifyTrend(adx float64) TrendStrength {
	switch {
	case math.IsNaN(adx) || adx < 20:
		return TrendNone
	case adx < 25:
		return TrendWeak
	case adx < 35:
		return TrendStrong
	case adx < 50:
		return TrendVeryStrong
	default:
		return TrendExtreme
	}
}

// Crossover is a DI cross between the previous and the latest bar.
type Crossover string

const (
	CrossNone    Crossover = "NONE"
	CrossBullish Crossover = "BULLISH"
	CrossBearish Crossover = "BEARISH"
)

// Snapshot is the indicator state at one closed candle.
type Snapshot struct {
	Time      time.Time     `json:"time"`
	Close     float64       `json:"close"`
	ADX       float64       `json:"adx"`
	PlusDI    float64       `json:"plus_di"`
	MinusDI   float64       `json:"minus_di"`
	Spread    float64       `json:"di_spread"`
	Slope     float64       `json:"adx_slope"`
	ATR       float64       `json:"atr"`
	Strength  TrendStrength `json:"trend_strength"`
	Crossover Crossover     `json:"crossover"`

	Volume     float64 `json:"volume"`
	VolumeRank float64 `json:"volume_rank"` // % of window candles with volume <= Volume
}

// Engine computes Wilder ADX, DI and ATR over a candle window.
type Engine struct {
	Period      int
	SlopePeriod int
}

// NewEngine builds an engine; non-positive values fall back to 14 and 3.
func NewEngine(period, slopePeriod int) *Engine {
	if period < 2 {
		period = 14
	}
	if slopePeriod < 1 {
		slopePeriod = 3
	}
	return &Engine{Period: period, SlopePeriod: slopePeriod}
}

// Lookback is the index of the first bar with a defined slope.
func (e *Engine) Lookback() int {
	return 2*e.Period - 1 + e.SlopePeriod
}

// Compute returns the snapshot for the latest candle.
func (e *Engine) Compute(candles []common.Candle) (Snapshot, error) {
	snaps, err := e.Series(candles, 1)
	if err != nil {
		return Snapshot{}, err
	}
	return snaps[0], nil
}

// Series returns snapshots for the last n candles, oldest first.
func (e *Engine) Series(candles []common.Candle, n int) ([]Snapshot, error) {
	if n < 1 {
		n = 1
	}
	need := e.Lookback() + n
	if len(candles) < need {
		return nil, &InsufficientDataError{Have: len(candles), Need: need}
	}

	adx, plusDI, minusDI, atr := e.series(candles)
	out := make([]Snapshot, 0, n)
	for i := len(candles) - n; i < len(candles); i++ {
		s := Snapshot{
			Time:      candles[i].Time,
			Close:     candles[i].Close,
			ADX:       adx[i],
			PlusDI:    plusDI[i],
			MinusDI:   minusDI[i],
			Spread:    plusDI[i] - minusDI[i],
			Slope:     adx[i] - adx[i-e.SlopePeriod],
			ATR:       atr[i],
			Strength:  ClassifyTrend(adx[i]),
			Crossover: crossover(plusDI[i-1], minusDI[i-1], plusDI[i], minusDI[i]),

			Volume:     candles[i].Volume,
			VolumeRank: volumeRank(candles, i),
		}
		out = append(out, s)
	}
	return out, nil
}

// series computes per-bar values. Entries before they are defined stay 0.
func (e *Engine) series(c []common.Candle) (adx, plusDI, minusDI, atr []float64) {
	p := e.Period
	pf := float64(p)
	n := len(c)
	adx = make([]float64, n)
	plusDI = make([]float64, n)
	minusDI = make([]float64, n)
	atr = make([]float64, n)
	dx := make([]float64, n)

	var sTR, sPlus, sMinus float64
	for i := 1; i < n; i++ {
		tr := trueRange(c[i], c[i-1].Close)
		up := c[i].High - c[i-1].High
		down := c[i-1].Low - c[i].Low
		var pdm, mdm float64
		if up > down && up > 0 {
			pdm = up
		}
		if down > up && down > 0 {
			mdm = down
		}

		switch {
		case i < p:
			sTR += tr
			sPlus += pdm
			sMinus += mdm
			continue
		case i == p:
			sTR += tr
			sPlus += pdm
			sMinus += mdm
			atr[i] = sTR / pf
		default:
			sTR = sTR - sTR/pf + tr
			sPlus = sPlus - sPlus/pf + pdm
			sMinus = sMinus - sMinus/pf + mdm
			atr[i] = (atr[i-1]*(pf-1) + tr) / pf
		}

		plusDI[i] = ratio(100*sPlus, sTR)
		minusDI[i] = ratio(100*sMinus, sTR)
		dx[i] = ratio(100*math.Abs(plusDI[i]-minusDI[i]), plusDI[i]+minusDI[i])

		first := 2*p - 1
		switch {
		case i == first:
			sum := 0.0
			for j := p; j <= first; j++ {
				sum += dx[j]
			}
			adx[i] = sum / pf
		case i > first:
			adx[i] = (adx[i-1]*(pf-1) + dx[i]) / pf
		}
	}
	return adx, plusDI, minusDI, atr
}

func volumeRank(c []common.Candle, i int) float64 {
	n := 0
	for _, x := range c {
		if x.Volume <= c[i].Volume {
			n++
		}
	}
	return 100 * float64(n) / float64(len(c))
}

func trueRange(c common.Candle, prevClose float64) float64 {
	return math.Max(c.High-c.Low, math.Max(math.Abs(c.High-prevClose), math.Abs(c.Low-prevClose)))
}

// ratio returns 0 for a zero denominator; NaN inputs propagate.
func ratio(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return num / den
}

func crossover(prevPlus, prevMinus, plus, minus float64) Crossover {
	switch {
	case plus > minus && prevPlus <= prevMinus:
		return CrossBullish
	case minus > plus && prevMinus <= prevPlus:
		return CrossBearish
	}
	return CrossNone
}
