package trade

import (
	"context"
	"log/slog"

	"github.com/BelDim04/invest-alphas/internal/broker"
	"github.com/BelDim04/invest-alphas/internal/metrics"
)

// OrderPlacer is the slice of the broker port the sequencer needs.
type OrderPlacer interface {
	PostOrder(ctx context.Context, accountID, figi string, lots int64, direction broker.OrderDirection) (*broker.OrderState, error)
}

// OrderResult records the outcome of one submission. Err is nil on
// success; the caller decides whether partial failure is fatal.
type OrderResult struct {
	Ticker    string
	FIGI      string
	Lots      int64
	Direction broker.OrderDirection
	OrderID   string
	Err       error
}

// ExecuteIntents submits the intents as market orders. All sells go first
// to free capital before any buy is placed — an ordering requirement, not
// an optimization. A failed submission is recorded and does not block the
// remaining intents.
func ExecuteIntents(ctx context.Context, placer OrderPlacer, accountID string, intents []Intent, logger *slog.Logger) []OrderResult {
	results := make([]OrderResult, 0, len(intents))

	for _, intent := range intents {
		if intent.DeltaLots < 0 {
			results = append(results, submit(ctx, placer, accountID, intent, broker.Sell, -intent.DeltaLots, logger))
		}
	}
	for _, intent := range intents {
		if intent.DeltaLots > 0 {
			results = append(results, submit(ctx, placer, accountID, intent, broker.Buy, intent.DeltaLots, logger))
		}
	}
	return results
}

func submit(ctx context.Context, placer OrderPlacer, accountID string, intent Intent, direction broker.OrderDirection, lots int64, logger *slog.Logger) OrderResult {
	res := OrderResult{
		Ticker:    intent.Ticker,
		FIGI:      intent.FIGI,
		Lots:      lots,
		Direction: direction,
	}

	state, err := placer.PostOrder(ctx, accountID, intent.FIGI, lots, direction)
	if err != nil {
		res.Err = err
		metrics.OrderFailuresTotal.Inc()
		logger.Error("Order submission failed",
			"ticker", intent.Ticker, "figi", intent.FIGI,
			"direction", direction, "lots", lots, "error", err,
		)
		return res
	}

	res.OrderID = state.OrderID
	metrics.OrdersTotal.WithLabelValues(string(direction)).Inc()
	logger.Info("Executed order",
		"ticker", intent.Ticker, "direction", direction, "lots", lots,
		"weight", intent.Weight, "target_notional", intent.TargetNotional,
		"price", intent.Price, "order_id", state.OrderID,
	)
	return res
}
