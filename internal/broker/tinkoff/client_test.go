package tinkoff

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BelDim04/invest-alphas/internal/broker"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestInstrumentsFiltersMOEX(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer t-token" {
			t.Errorf("authorization header: %q", got)
		}
		switch {
		case strings.HasSuffix(r.URL.Path, "InstrumentsService/Shares"):
			io.WriteString(w, `{"instruments": [
				{"figi": "F1", "ticker": "SBER", "name": "Sber", "currency": "rub", "lot": 10, "realExchange": "REAL_EXCHANGE_MOEX"},
				{"figi": "F2", "ticker": "AAPL", "name": "Apple", "currency": "usd", "lot": 1, "realExchange": "REAL_EXCHANGE_OTC"}
			]}`)
		case strings.HasSuffix(r.URL.Path, "InstrumentsService/Futures"):
			io.WriteString(w, `{"instruments": [
				{"figi": "F3", "ticker": "SiU6", "name": "USD fut", "currency": "rub", "lot": 1, "realExchange": "REAL_EXCHANGE_MOEX"}
			]}`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "t-token", testLogger())
	instruments, err := c.Instruments(context.Background())
	if err != nil {
		t.Fatalf("instruments: %v", err)
	}

	if len(instruments) != 2 {
		t.Fatalf("expected 2 MOEX instruments, got %d: %v", len(instruments), instruments)
	}
	if instruments[0].Ticker != "SBER" || instruments[0].Lot != 10 {
		t.Errorf("unexpected first instrument: %+v", instruments[0])
	}
	if instruments[1].Ticker != "SiU6" {
		t.Errorf("unexpected second instrument: %+v", instruments[1])
	}
}

func TestPortfolioParsesQuotations(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "SandboxService/GetSandboxPortfolio") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		// protojson renders int64 as strings
		io.WriteString(w, `{
			"totalAmountPortfolio": {"units": "100000", "nano": 500000000},
			"positions": [{"figi": "F1", "quantity": {"units": "30", "nano": 0}}]
		}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "t", testLogger())
	p, err := c.Portfolio(context.Background(), "acc-1")
	if err != nil {
		t.Fatalf("portfolio: %v", err)
	}

	if p.TotalValue != 100000.5 {
		t.Errorf("total value: got %g, want 100000.5", p.TotalValue)
	}
	if len(p.Positions) != 1 || p.Positions[0].Balance != 30 {
		t.Errorf("positions: %+v", p.Positions)
	}
}

func TestCandlesRequestAndDecode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		if req["interval"] != "CANDLE_INTERVAL_DAY" {
			t.Errorf("interval: %v", req["interval"])
		}
		if req["figi"] != "F1" {
			t.Errorf("figi: %v", req["figi"])
		}
		io.WriteString(w, `{"candles": [
			{"time": "2026-08-19T00:00:00Z",
			 "open": {"units": "99", "nano": 0}, "high": {"units": "101", "nano": 0},
			 "low": {"units": "98", "nano": 500000000}, "close": {"units": "100", "nano": 250000000},
			 "volume": "12345"}
		]}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "t", testLogger())
	from := time.Date(2026, 7, 20, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)
	candles, err := c.Candles(context.Background(), "F1", from, to)
	if err != nil {
		t.Fatalf("candles: %v", err)
	}

	if len(candles) != 1 {
		t.Fatalf("expected 1 candle, got %d", len(candles))
	}
	cd := candles[0]
	if cd.Close != 100.25 || cd.Low != 98.5 || cd.Volume != 12345 {
		t.Errorf("unexpected candle: %+v", cd)
	}
}

func TestPostOrderCarriesIdempotencyKey(t *testing.T) {
	var seen map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&seen); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		io.WriteString(w, `{"orderId": "srv-1", "executionReportStatus": "EXECUTION_REPORT_STATUS_FILL", "lotsRequested": "5"}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "t", testLogger())
	state, err := c.PostOrder(context.Background(), "acc-1", "F1", 5, broker.Buy)
	if err != nil {
		t.Fatalf("post order: %v", err)
	}

	if state.OrderID != "srv-1" || state.RequestedLots != 5 {
		t.Errorf("unexpected state: %+v", state)
	}
	if seen["orderType"] != "ORDER_TYPE_MARKET" {
		t.Errorf("order type: %v", seen["orderType"])
	}
	if seen["direction"] != string(broker.Buy) {
		t.Errorf("direction: %v", seen["direction"])
	}
	if id, _ := seen["orderId"].(string); len(id) != 32 {
		t.Errorf("expected 16-byte hex idempotency key, got %q", id)
	}
}

func TestCallRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		io.WriteString(w, `{"accountId": "acc-9"}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "t", testLogger())
	accountID, err := c.OpenSandboxAccount(context.Background())
	if err != nil {
		t.Fatalf("open account: %v", err)
	}
	if accountID != "acc-9" {
		t.Errorf("account id: %q", accountID)
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 calls, got %d", calls.Load())
	}
}

func TestCallDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"message": "account not found"}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "t", testLogger())
	_, err := c.Portfolio(context.Background(), "nope")
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, broker.ErrTransient) {
		t.Error("a 400 must not be classified as transient")
	}
	if calls.Load() != 1 {
		t.Errorf("expected a single call, got %d", calls.Load())
	}
}

func TestFlexInt64Forms(t *testing.T) {
	var q quotation
	if err := json.Unmarshal([]byte(`{"units": "-7", "nano": -500000000}`), &q); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if q.Float() != -7.5 {
		t.Errorf("got %g, want -7.5", q.Float())
	}

	if err := json.Unmarshal([]byte(`{"units": 3, "nano": 0}`), &q); err != nil {
		t.Fatalf("unmarshal numeric: %v", err)
	}
	if q.Float() != 3 {
		t.Errorf("got %g, want 3", q.Float())
	}
}
