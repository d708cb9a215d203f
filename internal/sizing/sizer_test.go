package sizing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseInput() Input {
	return Input{
		ReferencePrice:  50000,
		StopLoss:        49500,
		Equity:          100,
		AvailableMargin: 100,
		Leverage:        5,
		RiskPct:         2,
		MaxPositions:    2,
	}
}

func TestSizeWorkedExample(t *testing.T) {
	s := NewSizer(Config{LotStep: 0.0001})
	res := s.Size(baseInput())
	require.True(t, res.Allowed, res.Reason)
	assert.InDelta(t, 2.0, res.RiskCapital, 1e-12)
	assert.InDelta(t, 500.0, res.StopDistance, 1e-12)
	assert.InDelta(t, 0.004, res.RawQty, 1e-12)
	assert.InDelta(t, 0.004, res.Qty, 1e-12)
	assert.InDelta(t, 200.0, res.Notional, 1e-9)
	assert.InDelta(t, 40.0, res.Margin, 1e-9)
	assert.InDelta(t, 2.0, res.ActualRisk, 1e-9)
}

func TestSizeRejectsMarginShortfall(t *testing.T) {
	in := baseInput()
	in.AvailableMargin = 30
	res := NewSizer(Config{LotStep: 0.0001}).Size(in)
	assert.False(t, res.Allowed)
	assert.Contains(t, res.Reason, "margin required 40.0000 > available 30.0000")
}

func TestSizeRejections(t *testing.T) {
	tests := []struct {
		name   string
		cfg    Config
		mut    func(*Input)
		reason string
	}{
		{"max positions", Config{LotStep: 0.0001}, func(in *Input) { in.OpenPositions = 2 }, "open positions 2 >= max 2"},
		{"zero stop", Config{LotStep: 0.0001}, func(in *Input) { in.StopLoss = in.ReferencePrice }, "stop distance is zero"},
		{"rounds to zero", Config{LotStep: 0.01}, func(in *Input) {}, "rounds to zero"},
		{"min notional", Config{LotStep: 0.0001, MinNotional: 250}, func(in *Input) {}, "min notional"},
		{"no equity", Config{LotStep: 0.0001}, func(in *Input) { in.Equity = 0 }, "equity"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := baseInput()
			tt.mut(&in)
			res := NewSizer(tt.cfg).Size(in)
			assert.False(t, res.Allowed)
			assert.Contains(t, res.Reason, tt.reason)
		})
	}
}

func TestSizeFloorsToLotStep(t *testing.T) {
	in := baseInput()
	in.StopLoss = 49300 // 2/700 = 0.0028571...
	res := NewSizer(Config{LotStep: 0.001}).Size(in)
	require.True(t, res.Allowed, res.Reason)
	assert.InDelta(t, 0.002, res.Qty, 1e-12)
	assert.Less(t, res.ActualRisk, res.RiskCapital)
}

func TestSizeNotionalCap(t *testing.T) {
	in := baseInput()
	// 10% of 100×5 caps notional at 50 → 0.001 BTC
	res := NewSizer(Config{LotStep: 0.0001, MaxPositionPct: 10}).Size(in)
	require.True(t, res.Allowed, res.Reason)
	assert.True(t, res.Capped)
	assert.InDelta(t, 0.001, res.Qty, 1e-12)
	assert.InDelta(t, 10.0, res.Margin, 1e-9)
}

func TestSizeShortStopAbove(t *testing.T) {
	in := baseInput()
	in.StopLoss = 50500
	res := NewSizer(Config{LotStep: 0.0001}).Size(in)
	require.True(t, res.Allowed, res.Reason)
	assert.InDelta(t, 0.004, res.Qty, 1e-12)
}
