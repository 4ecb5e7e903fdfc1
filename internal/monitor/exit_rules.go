package monitor

import (
	"time"

	"arbridge/internal/domain"
)

// EvaluateExit decides whether a position should be closed at the current
// price. Rules are checked in order of urgency: stop loss protects capital
// and wins over everything else, then trailing stop, take profit, and
// finally max hold. A rule whose threshold is zero is disabled.
func EvaluateExit(p domain.Position, rules domain.ExitRules, price float64, now time.Time) domain.ExitSignal {
	if rules.StopLossPercent > 0 && price <= p.EntryPrice*(1-rules.StopLossPercent) {
		return domain.ExitSignal{ShouldExit: true, Reason: domain.ExitStopLoss}
	}

	// Trailing stop measures the drawdown from the highest price seen while
	// the position was open, not from entry.
	if rules.TrailingStopPercent > 0 && p.PeakPrice > 0 {
		if price <= p.PeakPrice*(1-rules.TrailingStopPercent) {
			return domain.ExitSignal{ShouldExit: true, Reason: domain.ExitTrailingStop}
		}
	}

	if rules.TakeProfitPercent > 0 && price >= p.EntryPrice*(1+rules.TakeProfitPercent) {
		return domain.ExitSignal{ShouldExit: true, Reason: domain.ExitTakeProfit}
	}

	if maxHold := rules.MaxHold(); maxHold > 0 && p.Age(now) >= maxHold {
		return domain.ExitSignal{ShouldExit: true, Reason: domain.ExitMaxHold}
	}

	return domain.ExitSignal{}
}
