package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Opportunity is a detected price discrepancy handed to the transfer engine.
// It is immutable once handed over; the engine owns it for the lifetime of
// the resulting transfer.
type Opportunity struct {
	Asset                string  `json:"asset"`
	SourceExchange       string  `json:"source_exchange"`
	DestExchange         string  `json:"dest_exchange"`
	USDTToSpend          float64 `json:"usdt_to_spend"`
	EstimatedNetProfit   float64 `json:"estimated_net_profit"`
	EstimatedTransferSec int     `json:"estimated_transfer_seconds"`
}

// TransferStatus is the lifecycle state of a transfer. Transitions are
// monotonic: initiated -> in_transit -> completed | failed.
type TransferStatus string

const (
	TransferInitiated TransferStatus = "initiated"
	TransferInTransit TransferStatus = "in_transit"
	TransferCompleted TransferStatus = "completed"
	TransferFailed    TransferStatus = "failed"
)

// StepName identifies one of the four pipeline steps of a transfer.
type StepName string

const (
	StepBuy      StepName = "buy"
	StepWithdraw StepName = "withdraw"
	StepMonitor  StepName = "monitor"
	StepSell     StepName = "sell"
)

// StepOrder is the fixed execution order of transfer steps.
var StepOrder = []StepName{StepBuy, StepWithdraw, StepMonitor, StepSell}

// StepStatus is the state of a single transfer step.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
)

// TransferStep records the progress of one pipeline step. Result holds the
// step outcome as loosely-typed detail for forensic inspection; the typed
// results live on the Transfer itself.
type TransferStep struct {
	Name      StepName       `json:"name"`
	Status    StepStatus     `json:"status"`
	StartedAt *time.Time     `json:"started_at,omitempty"`
	EndedAt   *time.Time     `json:"ended_at,omitempty"`
	Result    map[string]any `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Transfer is one execution attempt of an opportunity. Partial results from
// completed steps stay attached after a failure; there is no rollback, so
// recovery is manual and forensic.
type Transfer struct {
	ID          string         `json:"id"`
	UserID      string         `json:"user_id"`
	Opportunity Opportunity    `json:"opportunity"`
	Status      TransferStatus `json:"status"`
	Steps       []TransferStep `json:"steps"`

	Buy        *BuyResult      `json:"buy,omitempty"`
	Withdrawal *WithdrawResult `json:"withdrawal,omitempty"`
	Deposit    *DepositStatus  `json:"deposit,omitempty"`
	Sell       *SellResult     `json:"sell,omitempty"`

	ActualProfit *float64   `json:"actual_profit,omitempty"`
	StartTime    time.Time  `json:"start_time"`
	EndTime      *time.Time `json:"end_time,omitempty"`

	// FailedStep and Error are set only when Status is failed.
	FailedStep StepName `json:"failed_step,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// NewTransfer creates a transfer in the initiated state with all four steps
// pending. IDs are of the form TXF-<unix-millis>-<uuid fragment> and are
// never reused.
func NewTransfer(userID string, opp Opportunity) *Transfer {
	now := time.Now().UTC()
	steps := make([]TransferStep, 0, len(StepOrder))
	for _, name := range StepOrder {
		steps = append(steps, TransferStep{Name: name, Status: StepPending})
	}
	return &Transfer{
		ID:          fmt.Sprintf("TXF-%d-%s", now.UnixMilli(), uuid.New().String()[:8]),
		UserID:      userID,
		Opportunity: opp,
		Status:      TransferInitiated,
		Steps:       steps,
		StartTime:   now,
	}
}

// Step returns a pointer to the named step, or nil if it does not exist.
func (t *Transfer) Step(name StepName) *TransferStep {
	for i := range t.Steps {
		if t.Steps[i].Name == name {
			return &t.Steps[i]
		}
	}
	return nil
}

// Terminal reports whether the transfer has reached a final state.
func (t *Transfer) Terminal() bool {
	return t.Status == TransferCompleted || t.Status == TransferFailed
}

// Pair returns the trading pair symbol for the transfer's asset against USDT.
func (o Opportunity) Pair() string {
	return o.Asset + "USDT"
}
