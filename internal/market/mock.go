package market

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"adx-trader/pkg/exchanges/common"
)

// MockSource is a seeded random-walk market for demo runs. The walk carries a
// slowly changing drift so trends long enough for ADX entries appear.
type MockSource struct {
	mu    sync.Mutex
	rng   *rand.Rand
	frame time.Duration
	now   func() time.Time
	price float64
	drift float64
	vol   float64 // per-candle volatility as a fraction of price
	bars  []common.Candle
}

// NewMockSource starts a walk at startPrice with candles of the given frame.
func NewMockSource(startPrice float64, frame time.Duration, seed int64) *MockSource {
	if startPrice <= 0 {
		startPrice = 100000
	}
	if frame <= 0 {
		frame = 5 * time.Minute
	}
	return &MockSource{
		rng:   rand.New(rand.NewSource(seed)),
		frame: frame,
		now:   time.Now,
		price: startPrice,
		vol:   0.002,
	}
}

// GetCurrentPrice advances the walk by a fraction of a candle and returns the price.
func (m *MockSource) GetCurrentPrice(_ context.Context, _ string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fill()
	m.price *= 1 + m.drift/10 + m.rng.NormFloat64()*m.vol/4
	if len(m.bars) > 0 {
		last := &m.bars[len(m.bars)-1]
		last.Close = m.price
		last.High = math.Max(last.High, m.price)
		last.Low = math.Min(last.Low, m.price)
	}
	return m.price, nil
}

// GetCandles returns the last limit synthetic candles, generating history on demand.
func (m *MockSource) GetCandles(_ context.Context, _ string, _ string, limit int) ([]common.Candle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 200
	}
	if len(m.bars) < limit {
		m.backfill(limit - len(m.bars))
	}
	m.fill()
	start := len(m.bars) - limit
	if start < 0 {
		start = 0
	}
	out := make([]common.Candle, len(m.bars)-start)
	copy(out, m.bars[start:])
	return out, nil
}

// fill appends candles up to the frame containing now.
func (m *MockSource) fill() {
	current := m.now().UTC().Truncate(m.frame)
	if len(m.bars) == 0 {
		m.bars = append(m.bars, m.bar(current, m.price))
		return
	}
	for t := m.bars[len(m.bars)-1].Time.Add(m.frame); !t.After(current); t = t.Add(m.frame) {
		m.bars = append(m.bars, m.bar(t, m.bars[len(m.bars)-1].Close))
	}
	m.price = m.bars[len(m.bars)-1].Close
}

// backfill prepends n candles ending just before the oldest one.
func (m *MockSource) backfill(n int) {
	if n <= 0 {
		return
	}
	end := m.now().UTC().Truncate(m.frame)
	if len(m.bars) > 0 {
		end = m.bars[0].Time
	}
	hist := make([]common.Candle, n)
	closePrice := m.price
	for i := n - 1; i >= 0; i-- {
		t := end.Add(-time.Duration(n-i) * m.frame)
		c := m.bar(t, closePrice)
		// walk backwards: this bar closes where the next one opened
		c.Close, c.Open = closePrice, c.Close
		c.High = math.Max(c.High, math.Max(c.Open, c.Close))
		c.Low = math.Min(c.Low, math.Min(c.Open, c.Close))
		hist[i] = c
		closePrice = c.Open
	}
	m.bars = append(hist, m.bars...)
}

func (m *MockSource) bar(t time.Time, open float64) common.Candle {
	if m.rng.Float64() < 0.05 {
		m.drift = (m.rng.Float64()*2 - 1) * m.vol
	}
	closePrice := open * (1 + m.drift + m.rng.NormFloat64()*m.vol)
	hi := math.Max(open, closePrice) * (1 + m.rng.Float64()*m.vol/2)
	lo := math.Min(open, closePrice) * (1 - m.rng.Float64()*m.vol/2)
	return common.Candle{
		Time:   t,
		Open:   open,
		High:   hi,
		Low:    lo,
		Close:  closePrice,
		Volume: 10 + m.rng.Float64()*90,
	}
}
