package domain

import "time"

// PositionStatus is the 3-state lifecycle of a spot position. The closing
// state exists so that a sell is always preceded by a durable marker: if the
// process dies after the sell but before the close is persisted, the
// position is left in closing and is picked up by the reconciliation sweep
// instead of risking a double sell.
type PositionStatus string

const (
	PositionOpen    PositionStatus = "open"
	PositionClosing PositionStatus = "closing"
	PositionClosed  PositionStatus = "closed"
)

// ExitReason records why a position was closed.
type ExitReason string

const (
	ExitStopLoss     ExitReason = "stop_loss"
	ExitTakeProfit   ExitReason = "take_profit"
	ExitTrailingStop ExitReason = "trailing_stop"
	ExitMaxHold      ExitReason = "max_hold"
	ExitManual       ExitReason = "manual"
)

// Position is an open or historical spot position owned by one user on one
// exchange. Entry economics are fixed at fill time; exit fields are set only
// when the position is closed.
type Position struct {
	ID         string
	UserID     string
	Exchange   string
	Pair       string
	StrategyID string
	Status     PositionStatus

	EntryPrice     float64
	EntryQuantity  float64
	EntryFee       float64
	EntryValueUSDT float64
	EntryTime      time.Time

	// PeakPrice is the highest price observed while the position was open,
	// used by trailing-stop evaluation.
	PeakPrice float64

	// ClosingAt is set when the position is marked closing.
	ClosingAt *time.Time

	ExitPrice      *float64
	ExitFee        *float64
	ExitReason     *ExitReason
	ExitOrderID    *string
	ExitPnlUSDT    *float64
	ExitPnlPercent *float64
	ClosedAt       *time.Time
}

// PositionClose carries everything needed to persist a close in one write,
// so a failed persistence can be retried (or manually replayed) without
// re-querying the exchange.
type PositionClose struct {
	ExitPrice      float64
	ExitQuantity   float64
	ExitFee        float64
	ExitReason     ExitReason
	ExitOrderID    string
	ExitPnlUSDT    float64
	ExitPnlPercent float64
}

// Age returns how long the position has been open relative to now.
func (p Position) Age(now time.Time) time.Duration {
	return now.Sub(p.EntryTime)
}

// ClosingFor returns how long the position has been stuck in closing. It
// falls back to EntryTime when ClosingAt was never recorded.
func (p Position) ClosingFor(now time.Time) time.Duration {
	if p.ClosingAt != nil {
		return now.Sub(*p.ClosingAt)
	}
	return now.Sub(p.EntryTime)
}
