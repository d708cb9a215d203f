package monitor

import (
	"context"
	"log"
	"sync"

	"adx-trader/internal/events"
	"adx-trader/internal/position"
)

// Monitor turns bus events into metrics.
type Monitor struct {
	Bus     *events.Bus
	Metrics *Metrics

	wg sync.WaitGroup
}

// Start subscribes and consumes until ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	if m.Bus == nil || m.Metrics == nil {
		log.Println("monitor not fully configured; skipping")
		return
	}
	closed, unsubClosed := m.Bus.Subscribe(events.EventPositionClosed, 100)
	signals, unsubSignals := m.Bus.Subscribe(events.EventSignal, 100)
	states, unsubStates := m.Bus.Subscribe(events.EventRiskState, 20)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer unsubClosed()
		defer unsubSignals()
		defer unsubStates()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-closed:
				if !ok {
					return
				}
				if p, ok := msg.(position.Position); ok {
					m.Metrics.RecordTrade(string(p.Side), string(p.ExitReason), p.RealizedPnL)
				}
			case msg, ok := <-signals:
				if !ok {
					return
				}
				if s, ok := msg.(events.SignalEvent); ok {
					m.Metrics.RecordSignal(s.Outcome)
				}
			case msg, ok := <-states:
				if !ok {
					return
				}
				if c, ok := msg.(events.RiskStateChange); ok {
					m.Metrics.SetRiskState(c.To)
				}
			}
		}
	}()
}

// Wait blocks until the consumer goroutine has exited.
func (m *Monitor) Wait() { m.wg.Wait() }
