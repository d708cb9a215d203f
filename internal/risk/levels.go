package risk

import (
	"fmt"

	"adx-trader/pkg/exchanges/common"
)

// ExitReason records why a position closed.
type ExitReason string

const (
	ExitStopLoss         ExitReason = "STOP_LOSS"
	ExitTakeProfit       ExitReason = "TAKE_PROFIT"
	ExitTrailingStop     ExitReason = "TRAILING_STOP"
	ExitTimeout          ExitReason = "TIMEOUT"
	ExitExternallyClosed ExitReason = "EXTERNALLY_CLOSED"
	ExitEmergencyStop    ExitReason = "EMERGENCY_STOP"
	ExitShutdown         ExitReason = "SHUTDOWN"
	ExitManual           ExitReason = "MANUAL"
)

// ValidateLevels enforces LONG: SL < entry < TP and SHORT: TP < entry < SL.
func ValidateLevels(side common.PositionSide, entry, sl, tp float64) error {
	switch side {
	case common.PositionLong:
		if !(sl < entry && entry < tp) {
			return fmt.Errorf("invalid LONG levels: want sl %.4f < entry %.4f < tp %.4f", sl, entry, tp)
		}
	case common.PositionShort:
		if !(tp < entry && entry < sl) {
			return fmt.Errorf("invalid SHORT levels: want tp %.4f < entry %.4f < sl %.4f", tp, entry, sl)
		}
	default:
		return fmt.Errorf("unknown position side %q", side)
	}
	return nil
}

// CheckExit returns STOP_LOSS or TAKE_PROFIT when price reached a level, else "".
func CheckExit(side common.PositionSide, price, sl, tp float64) ExitReason {
	if side == common.PositionShort {
		switch {
		case sl > 0 && price >= sl:
			return ExitStopLoss
		case tp > 0 && price <= tp:
			return ExitTakeProfit
		}
		return ""
	}
	switch {
	case sl > 0 && price <= sl:
		return ExitStopLoss
	case tp > 0 && price >= tp:
		return ExitTakeProfit
	}
	return ""
}

// Trailing ratchets the stop behind the best price once a position is in
// profit by ActivationPct. A zero ActivationPct disables trailing.
type Trailing struct {
	ActivationPct float64
	DistancePct   float64
}

func (t Trailing) Enabled() bool { return t.ActivationPct > 0 && t.DistancePct > 0 }

// TrailState is the per-position trailing bookkeeping.
type TrailState struct {
	Side      common.PositionSide
	Entry     float64
	StopLoss  float64
	HighWater float64
	LowWater  float64
	Active    bool
}

// Update folds price into the watermarks and moves the stop only in the
// position's favour.
func (t Trailing) Update(s TrailState, price float64) TrailState {
	if s.HighWater == 0 {
		s.HighWater = s.Entry
	}
	if s.LowWater == 0 {
		s.LowWater = s.Entry
	}
	if price > s.HighWater {
		s.HighWater = price
	}
	if price < s.LowWater {
		s.LowWater = price
	}
	if !t.Enabled() || s.Entry <= 0 {
		return s
	}

	if s.Side == common.PositionShort {
		if !s.Active && (s.Entry-s.LowWater)/s.Entry*100 >= t.ActivationPct {
			s.Active = true
		}
		if s.Active {
			if candidate := s.LowWater * (1 + t.DistancePct/100); candidate < s.StopLoss {
				s.StopLoss = candidate
			}
		}
		return s
	}

	if !s.Active && (s.HighWater-s.Entry)/s.Entry*100 >= t.ActivationPct {
		s.Active = true
	}
	if s.Active {
		if candidate := s.HighWater * (1 - t.DistancePct/100); candidate > s.StopLoss {
			s.StopLoss = candidate
		}
	}
	return s
}

// ProtectionOrders builds reduce-only SL/TP trigger orders on the exit side
// of a filled position. Zero levels are skipped.
func ProtectionOrders(symbol string, side common.PositionSide, qty, sl, tp float64, clientPrefix string) []common.OrderRequest {
	var orders []common.OrderRequest
	if sl > 0 {
		orders = append(orders, common.OrderRequest{
			Symbol:       symbol,
			Side:         side.ExitSide(),
			PositionSide: side,
			Type:         common.OrderTypeStopMarket,
			Qty:          qty,
			StopPrice:    sl,
			ReduceOnly:   true,
			WorkingType:  common.WorkingTypeMark,
			ClientID:     clientID(clientPrefix, "sl"),
		})
	}
	if tp > 0 {
		orders = append(orders, common.OrderRequest{
			Symbol:       symbol,
			Side:         side.ExitSide(),
			PositionSide: side,
			Type:         common.OrderTypeTakeProfitMarket,
			Qty:          qty,
			StopPrice:    tp,
			ReduceOnly:   true,
			WorkingType:  common.WorkingTypeMark,
			ClientID:     clientID(clientPrefix, "tp"),
		})
	}
	return orders
}

func clientID(prefix, suffix string) string {
	if prefix == "" {
		return ""
	}
	return prefix + "-" + suffix
}
