package trader

import (
	"context"
	"errors"
	"fmt"
	"log"

	"adx-trader/internal/events"
	"adx-trader/internal/indicators"
	"adx-trader/internal/monitor"
	"adx-trader/internal/order"
	"adx-trader/internal/position"
	"adx-trader/internal/risk"
	"adx-trader/internal/signal"
	"adx-trader/internal/sizing"
)

// Signal outcomes published on the bus.
const (
	OutcomeExecuted        = "executed"
	OutcomeFiltered        = "filtered"
	OutcomeRiskBlocked     = "risk_blocked"
	OutcomeSizingRejected  = "sizing_rejected"
	OutcomeExecutionFailed = "execution_failed"
)

// signalCycle runs candles through indicators, generator, filters, risk and
// sizing, and enters when every stage agrees.
func (l *Loop) signalCycle(ctx context.Context, price float64) {
	candles, err := l.feed.Candles(ctx, l.cfg.CandleLimit)
	l.health.Observe(monitor.ComponentFeed, err)
	if err != nil {
		log.Printf("ℹ️ signal cycle skipped: %v", err)
		return
	}

	snaps, err := l.indicators.Series(candles, 2)
	if err != nil {
		var ide *indicators.InsufficientDataError
		if errors.As(err, &ide) {
			log.Printf("ℹ️ signal cycle skipped: %d candles, need %d", ide.Have, ide.Need)
		} else {
			log.Printf("ℹ️ signal cycle skipped: %v", err)
		}
		return
	}
	last := snaps[len(snaps)-1]
	l.logExitHints(last)

	sig, ok := l.generator.Generate(snaps, price)
	if !ok {
		cfg := l.generator.Config()
		log.Printf("📊 no setup: ADX %.2f (min %.2f) slope %.2f (min %.2f) +DI %.2f -DI %.2f spread %.2f (min %.2f)",
			last.ADX, cfg.ADXThreshold, last.Slope, cfg.MinSlope, last.PlusDI, last.MinusDI, last.Spread, cfg.MinSpread)
		return
	}
	l.lastSignal = &sig
	log.Printf("📈 %s candidate %s: confidence %.2f, ref %.2f, ATR %.2f, SL %.2f, TP %.2f",
		sig.Side, sig.ID, sig.Confidence, sig.ReferencePrice, sig.ATR, sig.StopLoss, sig.TakeProfit)

	verdict := l.filters.Apply(sig)
	if !verdict.Passed {
		l.signalOutcome(sig, OutcomeFiltered, fmt.Sprintf("%s: %s", verdict.Filter, verdict.Reason))
		return
	}

	decision, tr := l.risk.CanOpen(l.positions.OpenCount())
	l.handleTransition(tr)
	if !decision.Allowed {
		l.signalOutcome(sig, OutcomeRiskBlocked, decision.Reason)
		return
	}

	acct := l.accounts.Account()
	size := l.sizer.Size(sizing.Input{
		ReferencePrice:  price,
		StopLoss:        sig.StopLoss,
		Equity:          acct.Equity,
		AvailableMargin: acct.AvailableMargin,
		Leverage:        l.cfg.Leverage,
		RiskPct:         l.cfg.RiskPerTradePct,
		MaxPositions:    l.cfg.MaxPositions,
		OpenPositions:   l.positions.OpenCount(),
	})
	if !size.Allowed {
		l.signalOutcome(sig, OutcomeSizingRejected, size.Reason)
		return
	}

	if _, err := l.enter(ctx, sig, size.Qty, price); err != nil {
		log.Printf("⚠️ entry failed: %v", err)
	}
}

// enter executes the order and opens the position with SL/TP re-anchored on
// the actual fill price.
func (l *Loop) enter(ctx context.Context, sig signal.Signal, qty, price float64) (*position.Position, error) {
	fill, err := l.exec.PlaceEntry(ctx, sig, qty, price)
	l.metrics.RecordOrder("entry", err == nil)
	if l.exec.Mode() == order.ModeLive {
		l.health.Observe(monitor.ComponentVenue, err)
	}
	if err != nil {
		l.signalOutcome(sig, OutcomeExecutionFailed, err.Error())
		l.alerts.ExecutionFailure(fmt.Errorf("entry %s %s: %w", sig.Side, sig.ID, err))
		return nil, err
	}

	sl, tp := sig.LevelsAt(fill.Price)
	pos, err := l.positions.Open(ctx, fill, sl, tp, sig)
	if err != nil {
		// the venue holds the fill, so flatten it rather than leave it unmanaged
		log.Printf("🚨 open %s after fill %s failed: %v", sig.ID, fill.OrderID, err)
		if _, cerr := l.exec.ClosePosition(ctx, order.CloseRequest{
			Symbol:      fill.Symbol,
			Side:        sig.Side,
			Qty:         fill.Qty,
			MarketPrice: fill.Price,
			Reason:      string(risk.ExitEmergencyStop),
		}); cerr != nil {
			l.alerts.Fatal(fmt.Sprintf("unmanaged fill %s (%.6f @ %.2f): %v", fill.OrderID, fill.Qty, fill.Price, cerr))
		}
		l.signalOutcome(sig, OutcomeExecutionFailed, err.Error())
		return nil, err
	}

	if err := l.filters.MarkExecuted(sig.Side, fill.FilledAt); err != nil {
		log.Printf("⚠️ cooldown mark: %v", err)
	}
	l.accountDirty = true
	l.refreshAccount(ctx)
	l.signalOutcome(sig, OutcomeExecuted, fmt.Sprintf("filled %.6f @ %.2f", fill.Qty, fill.Price))
	l.alerts.PositionOpened(pos.ID, string(pos.Side), pos.EntryPrice, pos.Quantity, pos.StopLoss, pos.TakeProfit)
	return pos, nil
}

func (l *Loop) signalOutcome(sig signal.Signal, outcome, reason string) {
	if outcome == OutcomeExecuted {
		log.Printf("✅ signal %s %s executed: %s", sig.Side, sig.ID, reason)
	} else {
		log.Printf("ℹ️ signal %s %s %s: %s", sig.Side, sig.ID, outcome, reason)
	}
	if l.bus == nil {
		return
	}
	l.bus.Publish(events.EventSignal, events.SignalEvent{
		SignalID:   sig.ID,
		Side:       string(sig.Side),
		Confidence: sig.Confidence,
		Outcome:    outcome,
		Reason:     reason,
		Time:       l.now().UTC(),
	})
}

// logExitHints reports fading trends behind open positions. Hints are
// advisory; exits stay with the price levels.
func (l *Loop) logExitHints(last indicators.Snapshot) {
	for _, p := range l.positions.OpenPositions() {
		if hint := signal.ExitHint(last, p.Side); hint != "" {
			log.Printf("ℹ️ exit hint %s on %s %s (ADX %.2f, +DI %.2f, -DI %.2f)",
				hint, p.Side, p.ID, last.ADX, last.PlusDI, last.MinusDI)
		}
	}
}
