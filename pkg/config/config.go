package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Trading modes.
const (
	ModeSimulated = "simulated"
	ModeLive      = "live"
)

// Supported venues.
const (
	VenueBingX   = "bingx"
	VenueBinance = "binance"
)

// Config holds environment-driven settings for the trader.
type Config struct {
	// Mode & venue
	Mode        string // simulated | live
	Venue       string // bingx | binance
	MarketData  string // venue | mock
	Symbol      string
	Timeframe   string
	CandleLimit int

	// Credentials
	BingXAPIKey      string
	BingXAPISecret   string
	BinanceAPIKey    string
	BinanceAPISecret string
	VenueTestnet     bool

	// Account & sizing
	InitialCapital  float64
	Leverage        int
	RiskPerTradePct float64
	MaxPositions    int
	MaxPositionPct  float64 // 0 disables the notional cap
	LotStep         float64
	MinNotional     float64

	// Risk limits
	DailyLossLimitPct    float64
	MaxDrawdownPct       float64
	ConsecutiveLossLimit int
	RiskWarningRatio     float64

	// Indicators & signal
	ADXPeriod     int
	SlopePeriod   int
	ADXThreshold  float64
	MinSlope      float64
	MinDISpread   float64
	SLMultiplier  float64
	TPMultiplier  float64
	LongBias      float64
	ShortBias     float64
	MinConfidence float64

	// Filters
	SignalCooldown    time.Duration
	TimeFilterEnabled bool
	TradingHoursStart int    // UTC hour, inclusive
	TradingHoursEnd   int    // UTC hour, exclusive
	TradingDenyHours  string // "13-15,22-2"
	MinVolumeRank     float64
	MinVolatilityPct  float64

	// Position lifecycle
	MinHold               time.Duration
	MaxHold               time.Duration // 0 disables the timeout exit
	TrailingActivationPct float64       // 0 disables trailing
	TrailingDistancePct   float64
	TrailingResyncPct     float64       // live only: trailing move before the venue stop is replaced

	// Execution
	SimFeeRate       float64 // decimal, 0.0005 = 0.05%
	SimSlippageBps   float64 // upper bound, 2 bps = 0.02%
	FillTimeout      time.Duration
	FillPollInterval time.Duration
	MaxOrderAttempts int
	ReconcileGrace   time.Duration

	// Orchestrator cadence
	TickInterval     time.Duration
	SignalInterval   time.Duration
	HealthInterval   time.Duration
	SnapshotInterval time.Duration
	SessionDuration  time.Duration
	CloseOnShutdown  bool

	// Storage & surfaces
	DBPath           string
	SnapshotPath     string
	APIAddr          string
	ControlJWTSecret string

	// Alerts
	TelegramBotToken string
	TelegramChatID   int64
	AlertWebhookURL  string
	AlertMinLevel    string

	// Localization
	Language string // "en" or "zh"
}

// source resolves a key from the environment first, then the YAML overlay.
type source struct {
	overlay map[string]string
}

// Load reads .env, an optional YAML overlay (CONFIG_FILE) and the environment into Config.
// Precedence: defaults < YAML < environment.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	src := source{overlay: map[string]string{}}
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		overlay, err := loadOverlay(path)
		if err != nil {
			return nil, err
		}
		src.overlay = overlay
	}

	cfg := &Config{
		Mode:        strings.ToLower(src.get("TRADING_MODE", ModeSimulated)),
		Venue:       strings.ToLower(src.get("VENUE", VenueBingX)),
		MarketData:  strings.ToLower(src.get("MARKET_DATA", "venue")),
		Symbol:      src.get("SYMBOL", "BTC-USDT"),
		Timeframe:   src.get("TIMEFRAME", "5m"),
		CandleLimit: src.getInt("CANDLE_LIMIT", 200),

		BingXAPIKey:      src.get("BINGX_API_KEY", ""),
		BingXAPISecret:   src.get("BINGX_API_SECRET", ""),
		BinanceAPIKey:    src.get("BINANCE_API_KEY", ""),
		BinanceAPISecret: src.get("BINANCE_API_SECRET", ""),
		VenueTestnet:     src.getBool("VENUE_TESTNET", false),

		InitialCapital:  src.getFloat("INITIAL_CAPITAL", 100),
		Leverage:        src.getInt("LEVERAGE", 5),
		RiskPerTradePct: src.getFloat("RISK_PER_TRADE_PCT", 2),
		MaxPositions:    src.getInt("MAX_POSITIONS", 2),
		MaxPositionPct:  src.getFloat("MAX_POSITION_PCT", 0),
		LotStep:         src.getFloat("LOT_STEP", 0.0001),
		MinNotional:     src.getFloat("MIN_NOTIONAL", 0),

		DailyLossLimitPct:    src.getFloat("DAILY_LOSS_LIMIT_PCT", 5),
		MaxDrawdownPct:       src.getFloat("MAX_DRAWDOWN_PCT", 15),
		ConsecutiveLossLimit: src.getInt("CONSECUTIVE_LOSS_LIMIT", 3),
		RiskWarningRatio:     src.getFloat("RISK_WARNING_RATIO", 0.8),

		ADXPeriod:     src.getInt("ADX_PERIOD", 14),
		SlopePeriod:   src.getInt("ADX_SLOPE_PERIOD", 3),
		ADXThreshold:  src.getFloat("ADX_THRESHOLD", 25),
		MinSlope:      src.getFloat("ADX_MIN_SLOPE", 0.5),
		MinDISpread:   src.getFloat("DI_MIN_SPREAD", 5),
		SLMultiplier:  src.getFloat("SL_ATR_MULTIPLIER", 2),
		TPMultiplier:  src.getFloat("TP_ATR_MULTIPLIER", 4),
		LongBias:      src.getFloat("LONG_BIAS", 1.0),
		ShortBias:     src.getFloat("SHORT_BIAS", 1.5),
		MinConfidence: src.getFloat("MIN_CONFIDENCE", 60),

		SignalCooldown:    src.getDuration("SIGNAL_COOLDOWN", 15*time.Minute),
		TimeFilterEnabled: src.getBool("TIME_FILTER_ENABLED", false),
		TradingHoursStart: src.getInt("TRADING_HOURS_START", 0),
		TradingHoursEnd:   src.getInt("TRADING_HOURS_END", 24),
		TradingDenyHours:  src.get("TRADING_DENY_WINDOWS", ""),
		MinVolumeRank:     src.getFloat("MIN_VOLUME_PERCENTILE", 0),
		MinVolatilityPct:  src.getFloat("MIN_VOLATILITY_PCT", 0),

		MinHold:               src.getDuration("MIN_HOLD", 0),
		MaxHold:               src.getDuration("MAX_HOLD", 0),
		TrailingActivationPct: src.getFloat("TRAILING_ACTIVATION_PCT", 0),
		TrailingDistancePct:   src.getFloat("TRAILING_DISTANCE_PCT", 0.3),
		TrailingResyncPct:     src.getFloat("TRAILING_RESYNC_PCT", 0.05),

		SimFeeRate:       src.getFloat("SIM_FEE_RATE", 0.0005),
		SimSlippageBps:   src.getFloat("SIM_SLIPPAGE_BPS", 2),
		FillTimeout:      src.getDuration("FILL_TIMEOUT", 30*time.Second),
		FillPollInterval: src.getDuration("FILL_POLL_INTERVAL", time.Second),
		MaxOrderAttempts: src.getInt("MAX_ORDER_ATTEMPTS", 3),
		ReconcileGrace:   src.getDuration("RECONCILE_GRACE", 30*time.Second),

		TickInterval:     src.getDuration("TICK_INTERVAL", 5*time.Second),
		SignalInterval:   src.getDuration("SIGNAL_INTERVAL", 5*time.Minute),
		HealthInterval:   src.getDuration("HEALTH_INTERVAL", 10*time.Minute),
		SnapshotInterval: src.getDuration("SNAPSHOT_INTERVAL", 5*time.Second),
		SessionDuration:  src.getDuration("SESSION_DURATION", 48*time.Hour),
		CloseOnShutdown:  src.getBool("CLOSE_ON_SHUTDOWN", true),

		DBPath:           src.get("DB_PATH", "./data/trades.db"),
		SnapshotPath:     src.get("SNAPSHOT_PATH", "./logs/final_snapshot.json"),
		APIAddr:          src.get("API_ADDR", ":8080"),
		ControlJWTSecret: src.get("CONTROL_JWT_SECRET", ""),

		TelegramBotToken: src.get("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   int64(src.getInt("TELEGRAM_CHAT_ID", 0)),
		AlertWebhookURL:  src.get("ALERT_WEBHOOK_URL", ""),
		AlertMinLevel:    strings.ToUpper(src.get("ALERT_MIN_LEVEL", "INFO")),

		Language: src.get("LANGUAGE", "en"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the trader cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Mode != ModeSimulated && c.Mode != ModeLive {
		errs = append(errs, fmt.Errorf("TRADING_MODE %q: want %s or %s", c.Mode, ModeSimulated, ModeLive))
	}
	if c.Venue != VenueBingX && c.Venue != VenueBinance {
		errs = append(errs, fmt.Errorf("VENUE %q: want %s or %s", c.Venue, VenueBingX, VenueBinance))
	}
	if c.MarketData != "venue" && c.MarketData != "mock" {
		errs = append(errs, fmt.Errorf("MARKET_DATA %q: want venue or mock", c.MarketData))
	}
	if c.Mode == ModeLive {
		key, secret := c.Credentials()
		if key == "" || secret == "" {
			errs = append(errs, fmt.Errorf("live mode on %s requires API key and secret", c.Venue))
		}
		if c.MarketData == "mock" {
			errs = append(errs, errors.New("live mode cannot run on a mock market feed"))
		}
	}
	if c.Symbol == "" {
		errs = append(errs, errors.New("SYMBOL is empty"))
	}
	if c.InitialCapital <= 0 {
		errs = append(errs, fmt.Errorf("INITIAL_CAPITAL must be > 0, got %v", c.InitialCapital))
	}
	if c.Leverage < 1 {
		errs = append(errs, fmt.Errorf("LEVERAGE must be >= 1, got %d", c.Leverage))
	}
	if c.RiskPerTradePct <= 0 || c.RiskPerTradePct > 100 {
		errs = append(errs, fmt.Errorf("RISK_PER_TRADE_PCT must be in (0,100], got %v", c.RiskPerTradePct))
	}
	if c.MaxPositions < 1 {
		errs = append(errs, fmt.Errorf("MAX_POSITIONS must be >= 1, got %d", c.MaxPositions))
	}
	if c.SLMultiplier <= 0 || c.TPMultiplier <= 0 {
		errs = append(errs, fmt.Errorf("ATR multipliers must be > 0 (sl=%v tp=%v)", c.SLMultiplier, c.TPMultiplier))
	}
	if c.ADXPeriod < 2 || c.SlopePeriod < 1 {
		errs = append(errs, fmt.Errorf("indicator periods invalid (adx=%d slope=%d)", c.ADXPeriod, c.SlopePeriod))
	}
	if c.TradingHoursStart < 0 || c.TradingHoursStart > 23 || c.TradingHoursEnd < 0 || c.TradingHoursEnd > 24 {
		errs = append(errs, fmt.Errorf("trading hours out of range (%d-%d)", c.TradingHoursStart, c.TradingHoursEnd))
	}
	if c.RiskWarningRatio <= 0 || c.RiskWarningRatio >= 1 {
		errs = append(errs, fmt.Errorf("RISK_WARNING_RATIO must be in (0,1), got %v", c.RiskWarningRatio))
	}
	if c.TickInterval <= 0 || c.SignalInterval <= 0 {
		errs = append(errs, errors.New("TICK_INTERVAL and SIGNAL_INTERVAL must be > 0"))
	}
	if c.MaxOrderAttempts < 1 {
		errs = append(errs, fmt.Errorf("MAX_ORDER_ATTEMPTS must be >= 1, got %d", c.MaxOrderAttempts))
	}
	return errors.Join(errs...)
}

// IsLive reports whether orders go to the venue.
func (c *Config) IsLive() bool { return c.Mode == ModeLive }

// Credentials returns the key pair for the configured venue.
func (c *Config) Credentials() (string, string) {
	if c.Venue == VenueBinance {
		return c.BinanceAPIKey, c.BinanceAPISecret
	}
	return c.BingXAPIKey, c.BingXAPISecret
}

func loadOverlay(path string) (map[string]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	out := make(map[string]string, len(doc))
	for k, v := range doc {
		if v == nil {
			continue
		}
		out[strings.ToUpper(k)] = fmt.Sprint(v)
	}
	return out, nil
}

func (s source) lookup(key string) (string, bool) {
	if value := os.Getenv(key); value != "" {
		return value, true
	}
	if value, ok := s.overlay[key]; ok && value != "" {
		return value, true
	}
	return "", false
}

func (s source) get(key, def string) string {
	if v, ok := s.lookup(key); ok {
		return v
	}
	return def
}

func (s source) getFloat(key string, def float64) float64 {
	if v, ok := s.lookup(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func (s source) getInt(key string, def int) int {
	if v, ok := s.lookup(key); ok {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func (s source) getBool(key string, def bool) bool {
	if v, ok := s.lookup(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// getDuration accepts Go durations ("15m") or plain seconds ("900").
func (s source) getDuration(key string, def time.Duration) time.Duration {
	v, ok := s.lookup(key)
	if !ok {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return def
}
