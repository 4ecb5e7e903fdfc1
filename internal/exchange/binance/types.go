package binance

import (
	"strconv"
	"strings"
)

// orderResponse is the FULL response of POST /api/v3/order.
type orderResponse struct {
	OrderID         int64  `json:"orderId"`
	Symbol          string `json:"symbol"`
	Status          string `json:"status"`
	ExecutedQty     string `json:"executedQty"`
	CumulativeQuote string `json:"cummulativeQuoteQty"`
	Fills           []fill `json:"fills"`
}

type fill struct {
	Price           string `json:"price"`
	Qty             string `json:"qty"`
	Commission      string `json:"commission"`
	CommissionAsset string `json:"commissionAsset"`
}

// withdrawResponse is the response of POST /sapi/v1/capital/withdraw/apply.
type withdrawResponse struct {
	ID string `json:"id"`
}

// depositRecord is one row of GET /sapi/v1/capital/deposit/hisrec.
type depositRecord struct {
	Amount       string `json:"amount"`
	Coin         string `json:"coin"`
	Status       int    `json:"status"` // 0 pending, 6 credited, 1 success
	TxID         string `json:"txId"`
	InsertTime   int64  `json:"insertTime"`
	ConfirmTimes string `json:"confirmTimes"` // "12/12"
}

// apiError is the error envelope Binance returns with non-2xx statuses.
type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

type tickerResponse struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

const depositStatusSuccess = 1

func parseFloat(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

// confirmations parses the current depth out of a "12/12" confirm string.
func (r depositRecord) confirmations() int {
	cur, _, ok := strings.Cut(r.ConfirmTimes, "/")
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(cur)
	if err != nil {
		return 0
	}
	return n
}

// formatAmount renders an amount the way the order API expects, trimming the
// trailing zeros strconv would keep.
func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
