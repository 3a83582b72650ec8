// Package broker defines the port through which the forward-test core
// talks to a brokerage: tradable universe, candles, sandbox portfolio and
// market orders. The Tinkoff Invest implementation lives in the tinkoff
// subpackage; tests substitute fakes.
package broker

import (
	"context"
	"errors"
	"time"
)

// ErrTransient marks network-class failures (timeouts, rate limiting,
// broker 5xx) that abort the current iteration only and are retried on the
// next tick. Check with errors.Is.
var ErrTransient = errors.New("transient broker error")

// OrderDirection is the side of a market order, in the broker's wire
// vocabulary.
type OrderDirection string

const (
	Buy  OrderDirection = "ORDER_DIRECTION_BUY"
	Sell OrderDirection = "ORDER_DIRECTION_SELL"
)

// Instrument describes one tradable instrument from the broker universe.
type Instrument struct {
	FIGI     string `json:"figi"`
	Ticker   string `json:"ticker"`
	Name     string `json:"name"`
	Currency string `json:"currency"`
	Lot      int64  `json:"lot"`
}

// Candle is one daily OHLCV bar.
type Candle struct {
	Time   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// Position is a held quantity in base units (shares, not lots).
type Position struct {
	FIGI    string
	Balance int64
}

// Portfolio is the account snapshot re-read before every sizing pass; it
// is never cached as a source of truth.
type Portfolio struct {
	TotalValue float64
	Positions  []Position
}

// OrderState is the broker's acknowledgement of a submitted order.
type OrderState struct {
	OrderID       string
	Status        string
	RequestedLots int64
}

// Client is the broker/market-data port. Every method is a suspension
// point: implementations must honor ctx deadlines and wrap timeout-class
// failures in ErrTransient.
type Client interface {
	Instruments(ctx context.Context) ([]Instrument, error)
	Portfolio(ctx context.Context, accountID string) (*Portfolio, error)
	Candles(ctx context.Context, figi string, from, to time.Time) ([]Candle, error)
	PostOrder(ctx context.Context, accountID, figi string, lots int64, direction OrderDirection) (*OrderState, error)
	OpenSandboxAccount(ctx context.Context) (string, error)
	CloseSandboxAccount(ctx context.Context, accountID string) error
}
