package runner

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/BelDim04/invest-alphas/internal/broker"
	"github.com/BelDim04/invest-alphas/internal/formula"
	"github.com/BelDim04/invest-alphas/internal/metrics"
	"github.com/BelDim04/invest-alphas/internal/repository"
	"github.com/BelDim04/invest-alphas/internal/trade"
)

// instance is the live state of one forward test: compiled alpha, resolved
// universe and a broker client. It is assembled lazily and discarded after
// any iteration error, so the next tick starts from a clean slate.
type instance struct {
	run         repository.ForwardTestRow
	program     *formula.Program
	client      broker.Client
	instruments map[string]broker.Instrument
	logger      *slog.Logger
}

// newInstance assembles the live state for a run.
func (s *Service) newInstance(ctx context.Context, run repository.ForwardTestRow) (*instance, error) {
	program, err := formula.Compile(run.Alpha)
	if err != nil {
		return nil, &InitializationError{RunID: run.ID, Reason: "compiling alpha", Err: err}
	}

	token, err := s.users.GetTinkoffToken(ctx, run.UserID)
	if err != nil {
		return nil, &InitializationError{RunID: run.ID, Reason: "resolving token", Err: err}
	}
	client := s.clients.CreateOrGet(run.UserID, token)

	instruments, err := s.resolveInstruments(ctx, client, run.Tickers)
	if err != nil {
		return nil, &InitializationError{RunID: run.ID, Reason: "resolving instruments", Err: err}
	}

	return &instance{
		run:         run,
		program:     program,
		client:      client,
		instruments: instruments,
		logger:      s.logger.With("run_id", run.ID, "account_id", run.AccountID),
	}, nil
}

// iterate performs one daily rebalance: evaluate the alpha over the
// lookback history, neutralize into weights, size against the live
// portfolio and submit the resulting orders. The execution date is claimed
// just before the first order goes out, so a crash earlier in the pass
// leaves the day available for a retry.
func (s *Service) iterate(ctx context.Context, inst *instance, now time.Time) error {
	portfolio, err := inst.client.Portfolio(ctx, inst.run.AccountID)
	if err != nil {
		return fmt.Errorf("fetching portfolio: %w", err)
	}
	if portfolio.TotalValue <= 0 || math.IsNaN(portfolio.TotalValue) {
		return fmt.Errorf("portfolio value %g is not positive", portfolio.TotalValue)
	}

	ctxs, prices, err := s.collectMarketData(ctx, inst, now)
	if err != nil {
		return err
	}

	signals, err := formula.EvaluateCross(inst.program, ctxs, nil)
	if err != nil {
		return fmt.Errorf("evaluating alpha: %w", err)
	}
	latest := make(map[string]float64, len(signals))
	for tk, series := range signals {
		latest[tk] = series.Last()
	}

	weights := trade.Neutralize(latest)

	positions := make(map[string]int64, len(portfolio.Positions))
	for _, p := range portfolio.Positions {
		positions[p.FIGI] = p.Balance
	}

	intents, sizingErrs := trade.SizePositions(
		weights, portfolio.TotalValue, positions, inst.instruments, prices, s.safetyFraction,
	)
	for _, se := range sizingErrs {
		inst.logger.Warn("Skipping unsizable instrument", "ticker", se.Ticker, "reason", se.Reason)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	claimed, err := s.runs.ClaimExecutionDate(ctx, inst.run.ID, tradingDay(now))
	if err != nil {
		return fmt.Errorf("claiming execution date: %w", err)
	}
	if !claimed {
		inst.logger.Info("Trading day already executed elsewhere, skipping orders")
		return nil
	}

	results := trade.ExecuteIntents(ctx, inst.client, inst.run.AccountID, intents, inst.logger)
	var failed int
	for _, res := range results {
		if res.Err != nil {
			failed++
		}
	}

	if err := s.values.InsertValue(ctx, inst.run.ID, now.UTC(), portfolio.TotalValue); err != nil {
		inst.logger.Error("Failed to record portfolio value", "error", err)
	}

	inst.logger.Info("Iteration complete",
		"portfolio_value", portfolio.TotalValue,
		"instruments", len(ctxs), "orders", len(results), "order_failures", failed,
	)
	return nil
}

// collectMarketData fetches lookback candles per instrument and builds the
// per-ticker evaluation contexts plus latest close prices. An instrument
// whose candles cannot be fetched or are too sparse is excluded from this
// iteration only; an empty cross-section is an error. Histories are
// right-aligned to the shortest instrument so the cross-section evaluates
// over a common time axis.
func (s *Service) collectMarketData(ctx context.Context, inst *instance, now time.Time) (map[string]formula.Context, map[string]float64, error) {
	from := now.AddDate(0, 0, -s.lookbackDays)

	histories := make(map[string][]broker.Candle, len(inst.instruments))
	shortest := -1

	for tk, ins := range inst.instruments {
		candles, err := inst.client.Candles(ctx, ins.FIGI, from, now)
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil, err
			}
			inst.logger.Warn("Candle fetch failed, excluding instrument",
				"ticker", tk, "figi", ins.FIGI, "error", err)
			continue
		}
		if len(candles) == 0 {
			inst.logger.Warn("No candles in lookback, excluding instrument", "ticker", tk)
			continue
		}
		histories[tk] = candles
		if shortest == -1 || len(candles) < shortest {
			shortest = len(candles)
		}
	}

	if len(histories) == 0 {
		return nil, nil, fmt.Errorf("no market data for any instrument")
	}

	ctxs := make(map[string]formula.Context, len(histories))
	prices := make(map[string]float64, len(histories))
	for tk, candles := range histories {
		candles = candles[len(candles)-shortest:]

		open := make(formula.Series, shortest)
		high := make(formula.Series, shortest)
		low := make(formula.Series, shortest)
		closeS := make(formula.Series, shortest)
		volume := make(formula.Series, shortest)
		for i, c := range candles {
			open[i] = c.Open
			high[i] = c.High
			low[i] = c.Low
			closeS[i] = c.Close
			volume[i] = c.Volume
		}

		ctxs[tk] = formula.NewContext(open, high, low, closeS, volume)
		prices[tk] = candles[shortest-1].Close
	}
	return ctxs, prices, nil
}

func recordIteration(outcome string) {
	metrics.IterationsTotal.WithLabelValues(outcome).Inc()
}
