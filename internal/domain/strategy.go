package domain

import "time"

// ExitRules are the strategy-defined conditions that decide when an open
// position should be closed. Percent fields are expressed as fractions of
// entry price (0.05 = 5%). A zero value disables the corresponding rule.
type ExitRules struct {
	StopLossPercent     float64 `json:"stop_loss_percent"`
	TakeProfitPercent   float64 `json:"take_profit_percent"`
	TrailingStopPercent float64 `json:"trailing_stop_percent"`
	MaxHoldHours        float64 `json:"max_hold_hours"`
}

// MaxHold returns the maximum hold duration, or zero when unlimited.
func (r ExitRules) MaxHold() time.Duration {
	return time.Duration(r.MaxHoldHours * float64(time.Hour))
}

// Strategy is a user-owned trading strategy. Only the exit rules and the
// exchange binding matter to this core; entry logic lives elsewhere.
type Strategy struct {
	ID        string
	UserID    string
	Exchange  string
	Name      string
	ExitRules ExitRules
	Active    bool
	UpdatedAt time.Time
}

// ExitSignal is the outcome of evaluating a position against its exit rules.
type ExitSignal struct {
	ShouldExit bool
	Reason     ExitReason
}
