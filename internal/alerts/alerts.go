package alerts

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Level is the alert severity.
type Level string

const (
	LevelInfo     Level = "INFO"
	LevelWarning  Level = "WARNING"
	LevelCritical Level = "CRITICAL"
)

func (l Level) priority() int {
	switch l {
	case LevelWarning:
		return 1
	case LevelCritical:
		return 2
	}
	return 0
}

// ParseLevel accepts info, warning or critical in any case; anything else is INFO.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "WARNING", "WARN":
		return LevelWarning
	case "CRITICAL", "CRIT":
		return LevelCritical
	}
	return LevelInfo
}

// Kind classifies what happened.
type Kind string

const (
	KindPositionOpened      Kind = "POSITION_OPENED"
	KindPositionClosed      Kind = "POSITION_CLOSED"
	KindStopLossHit         Kind = "STOP_LOSS_HIT"
	KindTakeProfitHit       Kind = "TAKE_PROFIT_HIT"
	KindCircuitBreaker      Kind = "CIRCUIT_BREAKER"
	KindRiskWarning         Kind = "RISK_WARNING"
	KindReconciliationClose Kind = "RECONCILIATION_CLOSE"
	KindExecutionFailure    Kind = "EXECUTION_FAILURE"
	KindFatalError          Kind = "FATAL_ERROR"
	KindSession             Kind = "SESSION"
)

// Alert is one discrete operator notification.
type Alert struct {
	Level   Level          `json:"level"`
	Kind    Kind           `json:"kind"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
	Time    time.Time      `json:"time"`
}

var levelEmoji = map[Level]string{
	LevelInfo:     "ℹ️",
	LevelWarning:  "⚠️",
	LevelCritical: "🚨",
}

// Format renders the one-line form used by the log and Telegram sinks.
func (a Alert) Format() string {
	return fmt.Sprintf("%s [%s] %-8s | %-20s | %s",
		levelEmoji[a.Level], a.Time.UTC().Format("2006-01-02 15:04:05"), a.Level, a.Kind, a.Message)
}

// Sink delivers alerts somewhere.
type Sink interface {
	Name() string
	Send(ctx context.Context, a Alert) error
}
