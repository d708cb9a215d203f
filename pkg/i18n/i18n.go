package i18n

import (
	"reflect"
	"sync"
)

// Language type
type Language string

const (
	LangEN Language = "en"
	LangZH Language = "zh"
)

// Messages holds all translatable strings
type Messages struct {
	// System
	Starting           string
	ConfigLoaded       string
	ConfigLoadFailed   string
	UsingDBPath        string
	DBInitFailed       string
	DBMigrationsFailed string
	ServerListening    string
	APIServerError     string
	ShuttingDown       string
	ShutdownComplete   string
	SessionBound       string

	// Mode and venue
	SimulatedMode     string
	LiveModeWarning   string
	VenueInitFailed   string
	VenueFeedStarted  string
	MockFeedStarted   string
	LeverageSet       string
	LeverageSetFailed string

	// Risk
	RiskManagerInit       string
	RiskManagerInitFailed string
	RiskStateRestored     string

	// Strategy
	StrategyParams string
	FilterParams   string
	SizingParams   string

	// Services
	ReconStarted       string
	TelegramEnabled    string
	TelegramInitFailed string
	WebhookEnabled     string
	ControlEnabled     string
	ControlDisabled    string
	InvalidDenyWindows string
}

var (
	currentLang Language = LangEN
	mu          sync.RWMutex
	messages    *Messages
)

// English messages
var messagesEN = Messages{
	// System
	Starting:           "Starting ADX trend trader...",
	ConfigLoaded:       "Config loaded (mode=%s venue=%s symbol=%s timeframe=%s)",
	ConfigLoadFailed:   "Failed to load config: %v",
	UsingDBPath:        "Using DB path: %s",
	DBInitFailed:       "Failed to init database: %v",
	DBMigrationsFailed: "Failed to apply migrations: %v",
	ServerListening:    "Monitoring API listening on %s",
	APIServerError:     "API server error: %v",
	ShuttingDown:       "Shutting down gracefully...",
	ShutdownComplete:   "Shutdown complete.",
	SessionBound:       "Session bound %s (close positions on shutdown: %v)",

	// Mode and venue
	SimulatedMode:     "Running in SIMULATED mode (orders will NOT hit the venue), initial capital %.2f",
	LiveModeWarning:   "LIVE mode on %s (testnet=%v): real orders will be sent",
	VenueInitFailed:   "Failed to init venue %s: %v",
	VenueFeedStarted:  "Market data from %s",
	MockFeedStarted:   "Market data from the random-walk mock feed",
	LeverageSet:       "Leverage set to %dx on %s",
	LeverageSetFailed: "Failed to set leverage on %s: %v",

	// Risk
	RiskManagerInit:       "Risk manager initialized: daily loss %.1f%%, max drawdown %.1f%%, loss streak %d, max positions %d",
	RiskManagerInitFailed: "Risk manager init failed, fallback to in-memory state: %v",
	RiskStateRestored:     "Risk state restored: %s %s",

	// Strategy
	StrategyParams: "Strategy: ADX(%d) slope(%d) threshold %.1f, min slope %.2f, min DI spread %.1f, SL %.1fxATR, TP %.1fxATR",
	FilterParams:   "Filters: cooldown %s, min confidence %.1f, time filter %v",
	SizingParams:   "Sizing: risk %.2f%% per trade, leverage %dx, lot step %g",

	// Services
	ReconStarted:       "Reconciliation enabled (grace %s)",
	TelegramEnabled:    "Telegram alerts enabled (chat %d)",
	TelegramInitFailed: "Telegram alerts disabled: %v",
	WebhookEnabled:     "Webhook alerts enabled: %s",
	ControlEnabled:     "Control endpoints enabled (operator JWT required)",
	ControlDisabled:    "Control endpoints disabled: CONTROL_JWT_SECRET not set",
	InvalidDenyWindows: "Invalid TRADING_DENY_WINDOWS: %v",
}

// Chinese (Traditional) messages
var messagesZH = Messages{
	// System
	Starting:           "正在啟動 ADX 趨勢交易系統...",
	ConfigLoaded:       "設定已載入（模式=%s 交易所=%s 商品=%s 週期=%s）",
	ConfigLoadFailed:   "讀取設定失敗：%v",
	UsingDBPath:        "使用資料庫路徑：%s",
	DBInitFailed:       "初始化資料庫失敗：%v",
	DBMigrationsFailed: "套用資料庫遷移失敗：%v",
	ServerListening:    "監控 API 監聽於 %s",
	APIServerError:     "API 伺服器錯誤：%v",
	ShuttingDown:       "正在優雅關閉...",
	ShutdownComplete:   "已完成關閉。",
	SessionBound:       "交易時段上限 %s（關閉時平倉：%v）",

	// Mode and venue
	SimulatedMode:     "以模擬模式執行（訂單不會送至交易所），初始資金 %.2f",
	LiveModeWarning:   "實盤模式，交易所 %s（測試網=%v）：將送出真實訂單",
	VenueInitFailed:   "初始化交易所 %s 失敗：%v",
	VenueFeedStarted:  "行情來源：%s",
	MockFeedStarted:   "行情來源：隨機漫步模擬行情",
	LeverageSet:       "已設定槓桿 %dx（%s）",
	LeverageSetFailed: "設定 %s 槓桿失敗：%v",

	// Risk
	RiskManagerInit:       "風控已初始化：日虧損 %.1f%%，最大回撤 %.1f%%，連虧 %d 次，最多持倉 %d",
	RiskManagerInitFailed: "風控初始化失敗，改用記憶體狀態：%v",
	RiskStateRestored:     "已還原風控狀態：%s %s",

	// Strategy
	StrategyParams: "策略：ADX(%d) 斜率(%d) 門檻 %.1f，最小斜率 %.2f，最小 DI 差 %.1f，停損 %.1fxATR，停利 %.1fxATR",
	FilterParams:   "過濾器：冷卻 %s，最低信心 %.1f，時段過濾 %v",
	SizingParams:   "倉位：每筆風險 %.2f%%，槓桿 %dx，最小單位 %g",

	// Services
	ReconStarted:       "對帳服務已啟用（寬限 %s）",
	TelegramEnabled:    "Telegram 告警已啟用（聊天 %d）",
	TelegramInitFailed: "Telegram 告警停用：%v",
	WebhookEnabled:     "Webhook 告警已啟用：%s",
	ControlEnabled:     "控制端點已啟用（需要操作員 JWT）",
	ControlDisabled:    "控制端點已停用：未設定 CONTROL_JWT_SECRET",
	InvalidDenyWindows: "TRADING_DENY_WINDOWS 格式錯誤：%v",
}

func init() {
	messages = &messagesEN
}

// SetLanguage sets the current language
func SetLanguage(lang Language) {
	mu.Lock()
	defer mu.Unlock()

	currentLang = lang
	switch lang {
	case LangZH:
		messages = &messagesZH
	default:
		messages = &messagesEN
	}
}

// GetLanguage returns the current language
func GetLanguage() Language {
	mu.RLock()
	defer mu.RUnlock()
	return currentLang
}

// M returns the current messages
func M() *Messages {
	mu.RLock()
	defer mu.RUnlock()
	return messages
}

// Get returns specific message by key dynamically using reflection
func Get(key string) string {
	msg := M()
	v := reflect.ValueOf(msg).Elem()
	f := v.FieldByName(key)
	if f.IsValid() && f.Kind() == reflect.String {
		return f.String()
	}
	return key
}
