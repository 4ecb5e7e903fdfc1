package kucoin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"arbridge/internal/crypto"
	"arbridge/internal/domain"
)

var creds = domain.Credentials{APIKey: "test-key", APISecret: "test-secret", Passphrase: "test-pass"}

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := New(Config{BaseURL: srv.URL, RequestsPerMinute: 100000}, slog.New(slog.DiscardHandler))
	c.now = func() time.Time { return time.UnixMilli(1_700_000_000_000) }
	c.newClientOid = func() string { return "fixed-oid" }
	return c
}

func ok(data string) string {
	return `{"code": "200000", "data": ` + data + `}`
}

func TestBuyPlacesThenFetchesDetail(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/orders":
			body, _ := io.ReadAll(r.Body)
			var req map[string]string
			if err := json.Unmarshal(body, &req); err != nil {
				t.Fatalf("decode order request: %v", err)
			}
			if req["symbol"] != "BTC-USDT" || req["side"] != "buy" || req["type"] != "market" {
				t.Errorf("order request = %v", req)
			}
			if req["funds"] != "1000" {
				t.Errorf("funds = %q", req["funds"])
			}
			if req["clientOid"] != "fixed-oid" {
				t.Errorf("clientOid = %q", req["clientOid"])
			}

			wantSign := crypto.SignMessageBase64("test-secret", "1700000000000POST/api/v1/orders"+string(body))
			if got := r.Header.Get("KC-API-SIGN"); got != wantSign {
				t.Error("KC-API-SIGN mismatch")
			}
			if got := r.Header.Get("KC-API-KEY-VERSION"); got != "2" {
				t.Errorf("KC-API-KEY-VERSION = %q", got)
			}
			w.Write([]byte(ok(`{"orderId": "ord-777"}`)))

		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/orders/ord-777":
			w.Write([]byte(ok(`{"id": "ord-777", "symbol": "BTC-USDT", "dealFunds": "1000", "dealSize": "0.02", "fee": "1.0", "isActive": false}`)))

		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	})

	got, err := c.Buy(context.Background(), "BTC", 1000, creds)
	if err != nil {
		t.Fatalf("Buy: %v", err)
	}
	if got.OrderID != "ord-777" {
		t.Errorf("order id = %q", got.OrderID)
	}
	if got.ExecutedQuantity != 0.02 {
		t.Errorf("executed = %v", got.ExecutedQuantity)
	}
	if math.Abs(got.AveragePrice-50000) > 1e-9 {
		t.Errorf("avg price = %v, want 50000", got.AveragePrice)
	}
	if got.Fee != 1.0 {
		t.Errorf("fee = %v", got.Fee)
	}
}

func TestEnvelopeRejectionBecomesVenueError(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		// KuCoin reports business rejections inside a 200 envelope.
		w.Write([]byte(`{"code": "200004", "msg": "Balance insufficient!"}`))
	})

	_, err := c.Buy(context.Background(), "BTC", 1000, creds)
	if err == nil {
		t.Fatal("expected error")
	}
	var ve *domain.VenueError
	if !errors.As(err, &ve) {
		t.Fatalf("error = %v, want *VenueError", err)
	}
	if ve.Code != "200004" {
		t.Errorf("code = %q, want 200004", ve.Code)
	}
}

func TestWithdraw(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/withdrawals" {
			t.Errorf("path = %s", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		var req map[string]string
		json.Unmarshal(body, &req)
		if req["currency"] != "BTC" || req["address"] != "0xdead" {
			t.Errorf("withdraw request = %v", req)
		}
		w.Write([]byte(ok(`{"withdrawalId": "wd-42"}`)))
	})

	got, err := c.Withdraw(context.Background(), "BTC", 0.02, "0xdead", creds)
	if err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	if got.WithdrawalID != "wd-42" {
		t.Errorf("withdrawal id = %q", got.WithdrawalID)
	}
}

func TestCheckDepositPicksNewestItem(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("currency"); got != "BTC" {
			t.Errorf("currency = %q", got)
		}
		w.Write([]byte(ok(`{"items": [
			{"amount": "0.5", "walletTxId": "0xold", "status": "SUCCESS", "createdAt": 100},
			{"amount": "0.0199", "walletTxId": "0xabc", "status": "SUCCESS", "createdAt": 200}
		]}`)))
	})

	got, err := c.CheckDeposit(context.Background(), "BTC", creds)
	if err != nil {
		t.Fatalf("CheckDeposit: %v", err)
	}
	if !got.Arrived || got.Amount != 0.0199 || got.TxHash != "0xabc" {
		t.Errorf("deposit = %+v, want newest successful item", got)
	}
}

func TestCheckDepositProcessingNotArrived(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(ok(`{"items": [{"amount": "0.0199", "walletTxId": "0xabc", "status": "PROCESSING", "createdAt": 200}]}`)))
	})

	got, err := c.CheckDeposit(context.Background(), "BTC", creds)
	if err != nil {
		t.Fatalf("CheckDeposit: %v", err)
	}
	if got.Arrived {
		t.Error("processing deposit must not report arrived")
	}
}

func TestPrice(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("symbol"); got != "BTC-USDT" {
			t.Errorf("symbol = %q", got)
		}
		w.Write([]byte(ok(`{"price": "52500.10"}`)))
	})

	got, err := c.Price(context.Background(), "BTC-USDT")
	if err != nil {
		t.Fatalf("Price: %v", err)
	}
	if got != 52500.10 {
		t.Errorf("price = %v", got)
	}
}
