package kucoin

import "strconv"

// envelope is the wrapper every KuCoin REST response carries. A code other
// than okCode is a business rejection even when the HTTP status is 200.
type envelope struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}

const okCode = "200000"

type orderData struct {
	OrderID string `json:"orderId"`
}

// orderDetail is GET /api/v1/orders/{id}. Amounts come back as strings.
type orderDetail struct {
	ID        string `json:"id"`
	Symbol    string `json:"symbol"`
	DealFunds string `json:"dealFunds"` // quote volume traded
	DealSize  string `json:"dealSize"`  // base volume traded
	Fee       string `json:"fee"`
	IsActive  bool   `json:"isActive"`
}

type withdrawalData struct {
	WithdrawalID string `json:"withdrawalId"`
}

type depositPage struct {
	Items []depositItem `json:"items"`
}

type depositItem struct {
	Amount     string `json:"amount"`
	WalletTxID string `json:"walletTxId"`
	Status     string `json:"status"` // PROCESSING, SUCCESS, FAILURE
	CreatedAt  int64  `json:"createdAt"`
}

type level1Data struct {
	Price string `json:"price"`
}

const depositStatusSuccess = "SUCCESS"

func parseFloat(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
