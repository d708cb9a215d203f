package market

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"adx-trader/internal/events"
	"adx-trader/pkg/exchanges/common"
)

// ErrNoData is returned when the source yields no usable price or candles.
var ErrNoData = errors.New("market: no data")

// Source is the subset of a venue the feed reads from.
type Source interface {
	GetCurrentPrice(ctx context.Context, symbol string) (float64, error)
	GetCandles(ctx context.Context, symbol, interval string, limit int) ([]common.Candle, error)
}

// Config configures a Feed.
type Config struct {
	Symbol    string
	Timeframe string
	// RequestsPerSecond bounds calls into the source; Burst allows short spikes.
	RequestsPerSecond float64
	Burst             int
	// ClosedOnly drops the last candle while it is still forming.
	ClosedOnly bool
}

// Feed reads prices and candles for one instrument through a rate limiter.
type Feed struct {
	src       Source
	symbol    string
	timeframe string
	frame     time.Duration
	closed    bool
	limiter   *rate.Limiter
	bus       *events.Bus
	now       func() time.Time
}

// NewFeed builds a feed. The bus is optional.
func NewFeed(src Source, cfg Config, bus *events.Bus) (*Feed, error) {
	if src == nil {
		return nil, errors.New("market: nil source")
	}
	frame, err := TimeframeDuration(cfg.Timeframe)
	if err != nil {
		return nil, err
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 2
	}
	return &Feed{
		src:       src,
		symbol:    cfg.Symbol,
		timeframe: cfg.Timeframe,
		frame:     frame,
		closed:    cfg.ClosedOnly,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		bus:       bus,
		now:       time.Now,
	}, nil
}

func (f *Feed) Symbol() string    { return f.symbol }
func (f *Feed) Timeframe() string { return f.timeframe }

// Price returns the current price. Non-positive prices are a data error.
func (f *Feed) Price(ctx context.Context) (float64, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return 0, fmt.Errorf("market price limiter: %w", err)
	}
	price, err := f.src.GetCurrentPrice(ctx, f.symbol)
	if err != nil {
		return 0, fmt.Errorf("market price %s: %w", f.symbol, err)
	}
	if price <= 0 {
		return 0, fmt.Errorf("market price %s: %w (got %v)", f.symbol, ErrNoData, price)
	}
	if f.bus != nil {
		f.bus.Publish(events.EventPriceTick, events.PriceTick{Symbol: f.symbol, Price: price, Time: f.now().UTC()})
	}
	return price, nil
}

// Candles returns up to limit candles, oldest first.
func (f *Feed) Candles(ctx context.Context, limit int) ([]common.Candle, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("market candles limiter: %w", err)
	}
	candles, err := f.src.GetCandles(ctx, f.symbol, f.timeframe, limit)
	if err != nil {
		return nil, fmt.Errorf("market candles %s %s: %w", f.symbol, f.timeframe, err)
	}
	if len(candles) == 0 {
		return nil, fmt.Errorf("market candles %s %s: %w", f.symbol, f.timeframe, ErrNoData)
	}
	sort.SliceStable(candles, func(i, j int) bool { return candles[i].Time.Before(candles[j].Time) })
	if f.closed {
		candles = ClosedOnly(candles, f.frame, f.now())
		if len(candles) == 0 {
			return nil, fmt.Errorf("market candles %s %s: %w (only a forming candle)", f.symbol, f.timeframe, ErrNoData)
		}
	}
	return candles, nil
}

// ClosedOnly drops the trailing candle when it has not closed by now.
func ClosedOnly(candles []common.Candle, frame time.Duration, now time.Time) []common.Candle {
	if len(candles) == 0 || frame <= 0 {
		return candles
	}
	last := candles[len(candles)-1]
	if last.Time.Add(frame).After(now) {
		return candles[:len(candles)-1]
	}
	return candles
}

// TimeframeDuration converts venue intervals like "5m", "4h", "1d", "1w" to a duration.
func TimeframeDuration(tf string) (time.Duration, error) {
	tf = strings.TrimSpace(tf)
	if len(tf) < 2 {
		return 0, fmt.Errorf("market: invalid timeframe %q", tf)
	}
	n, err := strconv.Atoi(tf[:len(tf)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("market: invalid timeframe %q", tf)
	}
	switch tf[len(tf)-1] {
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	case 'w':
		return time.Duration(n) * 7 * 24 * time.Hour, nil
	}
	return 0, fmt.Errorf("market: invalid timeframe %q", tf)
}
