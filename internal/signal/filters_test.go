package signal

import (
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adx-trader/pkg/exchanges/common"
)

func candidate(side common.PositionSide, conf float64, at time.Time) Signal {
	return Signal{
		ID:             "sig",
		Side:           side,
		Confidence:     conf,
		ReferencePrice: 100000,
		ATR:            400,
		SLMultiple:     2,
		TPMultiple:     4,
		Timestamp:      at,
	}
}

func defaultChain() *Chain {
	return NewChain(FilterConfig{Cooldown: 15 * time.Minute, MinConfidence: 60})
}

func TestCooldownPerDirection(t *testing.T) {
	c := defaultChain()
	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	require.True(t, c.Apply(candidate(common.PositionLong, 80, t0)).Passed)
	require.NoError(t, c.MarkExecuted(common.PositionLong, t0))

	v := c.Apply(candidate(common.PositionLong, 80, t0.Add(5*time.Minute)))
	assert.False(t, v.Passed)
	assert.Equal(t, "cooldown", v.Filter)
	assert.Contains(t, v.Reason, "5m0s")

	// the opposite direction has its own clock
	assert.True(t, c.Apply(candidate(common.PositionShort, 80, t0.Add(5*time.Minute))).Passed)

	// exactly at the window boundary passes
	assert.True(t, c.Apply(candidate(common.PositionLong, 80, t0.Add(15*time.Minute))).Passed)
	assert.True(t, c.Apply(candidate(common.PositionLong, 80, t0.Add(16*time.Minute))).Passed)
}

func TestRejectionDoesNotStartCooldown(t *testing.T) {
	c := defaultChain()
	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	v := c.Apply(candidate(common.PositionLong, 40, t0))
	require.False(t, v.Passed)
	assert.Equal(t, "confidence", v.Filter)
	assert.Equal(t, "confidence 40.00 < min 60.00", v.Reason)

	// passing evaluation without execution leaves the side free as well
	require.True(t, c.Apply(candidate(common.PositionLong, 80, t0.Add(time.Minute))).Passed)
	assert.True(t, c.Apply(candidate(common.PositionLong, 80, t0.Add(2*time.Minute))).Passed)

	_, marked := c.Cooldown().Last(common.PositionLong)
	assert.False(t, marked)
}

func TestTimestampFormsGiveIdenticalOutcomes(t *testing.T) {
	executed := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)
	inside := executed.Add(10 * time.Minute)
	outside := executed.Add(20 * time.Minute)

	marks := []any{executed.UnixMilli(), executed.Unix(), "2024-03-01T12:30:00Z", "2024-03-01 12:30:00", float64(executed.Unix())}
	forms := func(ts time.Time) []any {
		return []any{ts.UnixMilli(), ts.Unix(), ts.Format(time.RFC3339), ts.Format("2006-01-02 15:04:05"), json.Number(strconv.FormatInt(ts.UnixMilli(), 10))}
	}

	for _, mark := range marks {
		c := defaultChain()
		require.NoError(t, c.MarkExecuted(common.PositionShort, mark), "mark %T %v", mark, mark)
		for _, raw := range forms(inside) {
			v, err := c.ApplyRaw(candidate(common.PositionShort, 90, time.Time{}), raw)
			require.NoError(t, err, "raw %T %v", raw, raw)
			assert.False(t, v.Passed, "mark %v raw %v should be in cooldown", mark, raw)
		}
		for _, raw := range forms(outside) {
			v, err := c.ApplyRaw(candidate(common.PositionShort, 90, time.Time{}), raw)
			require.NoError(t, err)
			assert.True(t, v.Passed, "mark %v raw %v should pass", mark, raw)
		}
	}
}

func TestApplyRawRejectsGarbage(t *testing.T) {
	c := defaultChain()
	_, err := c.ApplyRaw(candidate(common.PositionLong, 90, time.Time{}), "yesterday-ish")
	assert.Error(t, err)
	assert.Error(t, c.MarkExecuted(common.PositionLong, struct{}{}))
}

func TestTimeOfDayWrapsMidnight(t *testing.T) {
	c := NewChain(FilterConfig{
		TimeFilterEnabled: true,
		TradingHours:      Window{Start: 22, End: 6},
		DenyWindows:       []Window{{Start: 2, End: 3}},
		MinConfidence:     60,
	})
	at := func(h int) time.Time { return time.Date(2024, 3, 1, h, 15, 0, 0, time.UTC) }

	assert.True(t, c.Apply(candidate(common.PositionLong, 80, at(23))).Passed)
	assert.True(t, c.Apply(candidate(common.PositionLong, 80, at(5))).Passed)

	v := c.Apply(candidate(common.PositionLong, 80, at(12)))
	assert.False(t, v.Passed)
	assert.Equal(t, "time_of_day", v.Filter)

	v = c.Apply(candidate(common.PositionLong, 80, at(2)))
	assert.False(t, v.Passed)
	assert.Contains(t, v.Reason, "blocked")
}

func TestVolatilityFloor(t *testing.T) {
	c := NewChain(FilterConfig{MinConfidence: 60, MinVolatilityPct: 0.5})
	v := c.Apply(candidate(common.PositionLong, 80, time.Now()))
	assert.False(t, v.Passed)
	assert.Equal(t, "volatility", v.Filter)
}

func TestVolumeFloor(t *testing.T) {
	c := NewChain(FilterConfig{MinConfidence: 60, MinVolumeRank: 40})

	thin := candidate(common.PositionLong, 80, time.Now())
	thin.Indicators.Volume = 12
	thin.Indicators.VolumeRank = 25
	v := c.Apply(thin)
	assert.False(t, v.Passed)
	assert.Equal(t, "volume", v.Filter)

	busy := candidate(common.PositionLong, 80, time.Now())
	busy.Indicators.VolumeRank = 40
	assert.True(t, c.Apply(busy).Passed)

	off := NewChain(FilterConfig{MinConfidence: 60})
	assert.True(t, off.Apply(thin).Passed)
}

func TestChainStats(t *testing.T) {
	c := defaultChain()
	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	c.Apply(candidate(common.PositionLong, 80, t0))
	c.Apply(candidate(common.PositionLong, 10, t0))
	c.Apply(candidate(common.PositionLong, 20, t0))

	st := c.Stats()
	assert.Equal(t, 3, st.Evaluated)
	assert.Equal(t, 1, st.Passed)
	assert.Equal(t, 2, st.Rejected["confidence"])
}

func TestParseWindows(t *testing.T) {
	w, err := ParseWindows("13-15, 22-2")
	require.NoError(t, err)
	assert.Equal(t, []Window{{13, 15}, {22, 2}}, w)

	_, err = ParseWindows("25-3")
	assert.Error(t, err)
	_, err = ParseWindows("abc")
	assert.Error(t, err)

	empty, err := ParseWindows("")
	require.NoError(t, err)
	assert.Empty(t, empty)
}
