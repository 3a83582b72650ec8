// Package tinkoff implements the broker port against the Tinkoff Invest
// REST gateway, using the sandbox service so forward tests trade a
// simulated account.
package tinkoff

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/BelDim04/invest-alphas/internal/broker"
)

const (
	// DefaultBaseURL is the sandbox REST gateway.
	DefaultBaseURL = "https://sandbox-invest-public-api.tinkoff.ru/rest"

	apiPrefix   = "/tinkoff.public.invest.api.contract.v1."
	maxRetries  = 3
	httpTimeout = 30 * time.Second
)

// Client is a thin REST client for the Tinkoff Invest API. All methods are
// POST against {base}{apiPrefix}{Service}/{Method} with a Bearer token.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a Tinkoff client for one user token.
func NewClient(baseURL, token string, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: httpTimeout,
		},
		logger: logger,
	}
}

// Instruments returns the MOEX tradable universe: base-status shares and
// futures combined.
func (c *Client) Instruments(ctx context.Context) ([]broker.Instrument, error) {
	var out []broker.Instrument
	for _, method := range []string{"InstrumentsService/Shares", "InstrumentsService/Futures"} {
		body, err := c.call(ctx, method, map[string]any{
			"instrumentStatus": "INSTRUMENT_STATUS_BASE",
		})
		if err != nil {
			return nil, fmt.Errorf("Instruments: %w", err)
		}
		var resp instrumentsResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("Instruments: decoding: %w", err)
		}
		for _, ins := range resp.Instruments {
			if ins.RealExchange != "REAL_EXCHANGE_MOEX" {
				continue
			}
			out = append(out, broker.Instrument{
				FIGI:     ins.FIGI,
				Ticker:   ins.Ticker,
				Name:     ins.Name,
				Currency: ins.Currency,
				Lot:      ins.Lot,
			})
		}
	}
	return out, nil
}

// Portfolio returns the sandbox account snapshot.
func (c *Client) Portfolio(ctx context.Context, accountID string) (*broker.Portfolio, error) {
	body, err := c.call(ctx, "SandboxService/GetSandboxPortfolio", map[string]any{
		"accountId": accountID,
	})
	if err != nil {
		return nil, fmt.Errorf("Portfolio %s: %w", accountID, err)
	}
	var resp portfolioResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("Portfolio: decoding: %w", err)
	}
	p := &broker.Portfolio{
		TotalValue: resp.TotalAmountPortfolio.Float(),
		Positions:  make([]broker.Position, 0, len(resp.Positions)),
	}
	for _, pos := range resp.Positions {
		p.Positions = append(p.Positions, broker.Position{
			FIGI:    pos.FIGI,
			Balance: pos.Quantity.Units,
		})
	}
	return p, nil
}

// Candles returns daily candles for one instrument.
func (c *Client) Candles(ctx context.Context, figi string, from, to time.Time) ([]broker.Candle, error) {
	body, err := c.call(ctx, "MarketDataService/GetCandles", map[string]any{
		"figi":     figi,
		"from":     from.UTC().Format(time.RFC3339),
		"to":       to.UTC().Format(time.RFC3339),
		"interval": "CANDLE_INTERVAL_DAY",
	})
	if err != nil {
		return nil, fmt.Errorf("Candles %s: %w", figi, err)
	}
	var resp candlesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("Candles: decoding: %w", err)
	}
	candles := make([]broker.Candle, 0, len(resp.Candles))
	for _, cd := range resp.Candles {
		candles = append(candles, broker.Candle{
			Time:   cd.Time,
			Open:   cd.Open.Float(),
			High:   cd.High.Float(),
			Low:    cd.Low.Float(),
			Close:  cd.Close.Float(),
			Volume: float64(cd.Volume),
		})
	}
	return candles, nil
}

// PostOrder submits a sandbox market order sized in lots. The generated
// orderId makes retried submissions idempotent on the broker side.
func (c *Client) PostOrder(ctx context.Context, accountID, figi string, lots int64, direction broker.OrderDirection) (*broker.OrderState, error) {
	body, err := c.call(ctx, "SandboxService/PostSandboxOrder", map[string]any{
		"accountId": accountID,
		"figi":      figi,
		"quantity":  fmt.Sprintf("%d", lots),
		"direction": string(direction),
		"orderType": "ORDER_TYPE_MARKET",
		"orderId":   newOrderID(),
	})
	if err != nil {
		return nil, fmt.Errorf("PostOrder %s: %w", figi, err)
	}
	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("PostOrder: decoding: %w", err)
	}
	c.logger.Info("Submitted order",
		"order_id", resp.OrderID, "figi", figi,
		"direction", direction, "lots", lots, "status", resp.ExecutionReportStatus,
	)
	return &broker.OrderState{
		OrderID:       resp.OrderID,
		Status:        resp.ExecutionReportStatus,
		RequestedLots: int64(resp.LotsRequested),
	}, nil
}

// OpenSandboxAccount creates a fresh simulated account and returns its id.
func (c *Client) OpenSandboxAccount(ctx context.Context) (string, error) {
	body, err := c.call(ctx, "SandboxService/OpenSandboxAccount", map[string]any{})
	if err != nil {
		return "", fmt.Errorf("OpenSandboxAccount: %w", err)
	}
	var resp struct {
		AccountID string `json:"accountId"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("OpenSandboxAccount: decoding: %w", err)
	}
	c.logger.Info("Opened sandbox account", "account_id", resp.AccountID)
	return resp.AccountID, nil
}

// CloseSandboxAccount closes a simulated account.
func (c *Client) CloseSandboxAccount(ctx context.Context, accountID string) error {
	if _, err := c.call(ctx, "SandboxService/CloseSandboxAccount", map[string]any{
		"accountId": accountID,
	}); err != nil {
		return fmt.Errorf("CloseSandboxAccount %s: %w", accountID, err)
	}
	c.logger.Info("Closed sandbox account", "account_id", accountID)
	return nil
}

// call executes one API method with retries and exponential backoff.
// Retryable-class failures exhausted and deadline hits come back wrapped
// in broker.ErrTransient.
func (c *Client) call(ctx context.Context, method string, payload map[string]any) ([]byte, error) {
	url := c.baseURL + apiPrefix + method
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * 500 * time.Millisecond
			c.logger.Debug("Retrying request", "method", method, "attempt", attempt, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", broker.ErrTransient, ctx.Err())
			case <-time.After(backoff):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
		if err != nil {
			return nil, fmt.Errorf("creating request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil, err
			}
			lastErr = err
			c.logger.Warn("Request failed", "method", method, "attempt", attempt, "error", err)
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = fmt.Errorf("reading response body: %w", readErr)
			continue
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return body, nil
		case resp.StatusCode == http.StatusTooManyRequests:
			lastErr = fmt.Errorf("rate limited (429)")
			c.logger.Warn("Rate limit hit, retrying", "method", method, "attempt", attempt)
			continue
		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("server error (status %d)", resp.StatusCode)
			c.logger.Warn("Server error, retrying", "method", method, "status", resp.StatusCode, "attempt", attempt)
			continue
		default:
			return nil, fmt.Errorf("%s: status %d: %s", method, resp.StatusCode, string(body))
		}
	}

	return nil, fmt.Errorf("%w: %s: all %d retries exhausted: %v", broker.ErrTransient, method, maxRetries, lastErr)
}

// newOrderID produces a random hex idempotency key.
func newOrderID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return fmt.Sprintf("%x", b)
}
