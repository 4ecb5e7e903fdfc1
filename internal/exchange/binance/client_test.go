package binance

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"arbridge/internal/crypto"
	"arbridge/internal/domain"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := New(Config{BaseURL: srv.URL, RequestsPerMinute: 100000}, slog.New(slog.DiscardHandler))
	c.now = func() time.Time { return time.UnixMilli(1_700_000_000_000) }
	return c
}

var creds = domain.Credentials{APIKey: "test-key", APISecret: "test-secret"}

func TestBuySignsAndParses(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v3/order" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("X-MBX-APIKEY"); got != "test-key" {
			t.Errorf("X-MBX-APIKEY = %q", got)
		}
		q := r.URL.Query()
		if q.Get("side") != "BUY" || q.Get("type") != "MARKET" {
			t.Errorf("side/type = %s/%s", q.Get("side"), q.Get("type"))
		}
		if q.Get("quoteOrderQty") != "1000" {
			t.Errorf("quoteOrderQty = %q", q.Get("quoteOrderQty"))
		}

		// The signature must cover exactly the query minus itself.
		unsigned := url.Values{}
		for k, vs := range q {
			if k != "signature" {
				unsigned[k] = vs
			}
		}
		if q.Get("signature") != crypto.SignQueryHex("test-secret", unsigned.Encode()) {
			t.Error("signature mismatch")
		}

		w.Write([]byte(`{
			"orderId": 12345,
			"symbol": "BTCUSDT",
			"status": "FILLED",
			"executedQty": "0.02000000",
			"cummulativeQuoteQty": "1000.00000000",
			"fills": [
				{"price": "50000.00", "qty": "0.02", "commission": "1.0", "commissionAsset": "USDT"}
			]
		}`))
	})

	got, err := c.Buy(context.Background(), "BTC", 1000, creds)
	if err != nil {
		t.Fatalf("Buy: %v", err)
	}
	if got.OrderID != "12345" {
		t.Errorf("order id = %q", got.OrderID)
	}
	if got.ExecutedQuantity != 0.02 {
		t.Errorf("executed = %v", got.ExecutedQuantity)
	}
	if math.Abs(got.AveragePrice-50000) > 1e-9 {
		t.Errorf("avg price = %v, want 50000", got.AveragePrice)
	}
	if got.Fee != 1.0 {
		t.Errorf("fee = %v, want 1.0", got.Fee)
	}
}

func TestSellIgnoresNonQuoteCommission(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("quantity"); got != "0.0199" {
			t.Errorf("quantity = %q, want 0.0199", got)
		}
		w.Write([]byte(`{
			"orderId": 99,
			"executedQty": "0.0199",
			"cummulativeQuoteQty": "1005.00",
			"fills": [
				{"price": "50502.51", "qty": "0.0199", "commission": "0.001", "commissionAsset": "BNB"}
			]
		}`))
	})

	got, err := c.Sell(context.Background(), "BTC", 0.0199, creds)
	if err != nil {
		t.Fatalf("Sell: %v", err)
	}
	if got.USDTReceived != 1005 {
		t.Errorf("usdt received = %v, want 1005", got.USDTReceived)
	}
	if got.Fee != 0 {
		t.Errorf("fee = %v, want 0 (BNB commission is not comparable)", got.Fee)
	}
}

func TestBuyRejectionBecomesVenueError(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code": -2010, "msg": "Account has insufficient balance for requested action."}`))
	})

	_, err := c.Buy(context.Background(), "BTC", 1000, creds)
	if err == nil {
		t.Fatal("expected error")
	}
	var ve *domain.VenueError
	if !errors.As(err, &ve) {
		t.Fatalf("error = %v, want *VenueError", err)
	}
	if ve.Code != "-2010" {
		t.Errorf("code = %q, want -2010", ve.Code)
	}
}

func TestCheckDepositPicksLatestRecord(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sapi/v1/capital/deposit/hisrec" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Write([]byte(`[
			{"amount": "0.5", "coin": "BTC", "status": 1, "txId": "0xold", "insertTime": 100, "confirmTimes": "12/12"},
			{"amount": "0.0199", "coin": "BTC", "status": 1, "txId": "0xabc", "insertTime": 200, "confirmTimes": "2/12"}
		]`))
	})

	got, err := c.CheckDeposit(context.Background(), "BTC", creds)
	if err != nil {
		t.Fatalf("CheckDeposit: %v", err)
	}
	if !got.Arrived {
		t.Error("latest credited deposit should report arrived")
	}
	if got.Amount != 0.0199 {
		t.Errorf("amount = %v, want 0.0199 (newest record)", got.Amount)
	}
	if got.Confirmations != 2 {
		t.Errorf("confirmations = %d, want 2", got.Confirmations)
	}
	if got.TxHash != "0xabc" {
		t.Errorf("tx hash = %q", got.TxHash)
	}
}

func TestCheckDepositPendingNotArrived(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"amount": "0.0199", "coin": "BTC", "status": 0, "txId": "0xabc", "insertTime": 200, "confirmTimes": "1/12"}]`))
	})

	got, err := c.CheckDeposit(context.Background(), "BTC", creds)
	if err != nil {
		t.Fatalf("CheckDeposit: %v", err)
	}
	if got.Arrived {
		t.Error("pending deposit must not report arrived")
	}
}

func TestCheckDepositEmptyHistory(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	})

	got, err := c.CheckDeposit(context.Background(), "BTC", creds)
	if err != nil {
		t.Fatalf("CheckDeposit: %v", err)
	}
	if got.Arrived {
		t.Error("no history must not report arrived")
	}
}

func TestPrice(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("symbol"); got != "BTCUSDT" {
			t.Errorf("symbol = %q", got)
		}
		w.Write([]byte(`{"symbol": "BTCUSDT", "price": "52500.10"}`))
	})

	got, err := c.Price(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("Price: %v", err)
	}
	if got != 52500.10 {
		t.Errorf("price = %v, want 52500.10", got)
	}
}

func TestRateLimitedResponse(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"code": -1003, "msg": "Too many requests."}`))
	})

	_, err := c.Price(context.Background(), "BTCUSDT")
	if !errors.Is(err, domain.ErrRateLimited) {
		t.Fatalf("error = %v, want ErrRateLimited", err)
	}
}
