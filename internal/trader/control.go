package trader

import (
	"context"
	"errors"
	"fmt"
	"log"

	"adx-trader/internal/alerts"
	"adx-trader/internal/risk"
)

// ErrControlBusy is returned when the control queue is full.
var ErrControlBusy = errors.New("trader: control queue full, retry later")

type commandKind int

const (
	cmdRiskReset commandKind = iota
	cmdCloseAll
)

func (k commandKind) String() string {
	switch k {
	case cmdRiskReset:
		return "risk_reset"
	case cmdCloseAll:
		return "close_all"
	}
	return "unknown"
}

type command struct {
	kind     commandKind
	operator string
	reason   string
}

// RequestRiskReset queues a circuit breaker reset. It is safe to call from
// any goroutine; the reset itself runs on the loop.
func (l *Loop) RequestRiskReset(operator, reason string) error {
	return l.enqueue(command{kind: cmdRiskReset, operator: operator, reason: reason})
}

// RequestCloseAll queues a manual close of every open position.
func (l *Loop) RequestCloseAll(operator, reason string) error {
	return l.enqueue(command{kind: cmdCloseAll, operator: operator, reason: reason})
}

func (l *Loop) enqueue(cmd command) error {
	select {
	case l.control <- cmd:
		log.Printf("🔒 control %s queued by %q", cmd.kind, cmd.operator)
		return nil
	default:
		return ErrControlBusy
	}
}

func (l *Loop) drainControl(ctx context.Context) {
	for {
		select {
		case cmd := <-l.control:
			l.apply(ctx, cmd)
		default:
			return
		}
	}
}

func (l *Loop) apply(ctx context.Context, cmd command) {
	note := fmt.Sprintf("%s by %s", cmd.kind, cmd.operator)
	if cmd.reason != "" {
		note += ": " + cmd.reason
	}

	switch cmd.kind {
	case cmdRiskReset:
		before := l.risk.State().State
		l.handleTransition(l.risk.Reset(l.now()))
		log.Printf("🔒 %s (risk %s -> %s)", note, before, l.risk.State().State)
		l.alerts.Emit(alerts.LevelWarning, alerts.KindCircuitBreaker, "risk reset: "+note, nil)

	case cmdCloseAll:
		if l.positions.OpenCount() == 0 {
			log.Printf("🔒 %s: nothing open", note)
			return
		}
		price, err := l.feed.Price(ctx)
		if err != nil {
			price = l.lastPrice
		}
		if price <= 0 {
			log.Printf("⚠️ %s skipped: no market price", note)
			return
		}
		closed, err := l.positions.CloseAll(ctx, price, risk.ExitManual)
		for _, p := range closed {
			l.onClosed(p)
		}
		if err != nil {
			log.Printf("⚠️ %s incomplete: %v", note, err)
			l.alerts.ExecutionFailure(fmt.Errorf("%s: %w", note, err))
		}
		log.Printf("🔒 %s: closed %d position(s) at %.2f", note, len(closed), price)
		l.alerts.Session(fmt.Sprintf("%s: closed %d position(s)", note, len(closed)))
	}
}
