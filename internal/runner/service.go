// Package runner hosts the forward-test engine: run lifecycle (start,
// stop, history), the daily rebalance iteration, and the driver loop that
// schedules iterations against the exchange calendar.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BelDim04/invest-alphas/internal/broker"
	"github.com/BelDim04/invest-alphas/internal/formula"
	"github.com/BelDim04/invest-alphas/internal/repository"
)

// ErrNotRunning is returned when an operation targets a run that is not
// active.
var ErrNotRunning = errors.New("forward test is not running")

// InitializationError marks a failure to assemble a live run instance
// (bad credentials, unresolvable ticker). The run stays active in the
// database; initialization is retried on the next tick.
type InitializationError struct {
	RunID  int64
	Reason string
	Err    error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("initializing run %d: %s: %v", e.RunID, e.Reason, e.Err)
}

func (e *InitializationError) Unwrap() error { return e.Err }

// RunStore is the slice of the run repository the service needs.
type RunStore interface {
	CreateRun(ctx context.Context, userID int64, accountID, alpha string, tickers []string, tradeOnWeekends bool, start time.Time) (int64, error)
	GetRun(ctx context.Context, id int64) (*repository.ForwardTestRow, error)
	ListActive(ctx context.Context) ([]repository.ForwardTestRow, error)
	ListActiveForUser(ctx context.Context, userID int64) ([]repository.ForwardTestRow, error)
	CloseRun(ctx context.Context, id int64, end time.Time) (bool, error)
	ClaimExecutionDate(ctx context.Context, id int64, day time.Time) (bool, error)
}

// ValueStore persists and serves portfolio valuations.
type ValueStore interface {
	InsertValue(ctx context.Context, runID int64, recordedAt time.Time, value float64) error
	ValueHistory(ctx context.Context, runID int64) ([]repository.ValuePoint, error)
}

// UserStore resolves user broker credentials.
type UserStore interface {
	GetTinkoffToken(ctx context.Context, userID int64) (string, error)
}

// InstrumentCache is an optional shared cache of the broker universe.
type InstrumentCache interface {
	Get(ctx context.Context) ([]broker.Instrument, error)
	Set(ctx context.Context, instruments []broker.Instrument) error
}

// Service implements the forward-test operations over the stores and the
// broker client cache. It owns no goroutines; the Driver schedules it.
type Service struct {
	runs    RunStore
	values  ValueStore
	users   UserStore
	clients *broker.ClientCache
	cache   InstrumentCache

	lookbackDays   int
	safetyFraction float64
	logger         *slog.Logger
}

// NewService creates a Service. cache may be nil, in which case every
// initialization fetches the instrument list from the broker.
func NewService(
	runs RunStore,
	values ValueStore,
	users UserStore,
	clients *broker.ClientCache,
	cache InstrumentCache,
	lookbackDays int,
	safetyFraction float64,
	logger *slog.Logger,
) *Service {
	return &Service{
		runs:           runs,
		values:         values,
		users:          users,
		clients:        clients,
		cache:          cache,
		lookbackDays:   lookbackDays,
		safetyFraction: safetyFraction,
		logger:         logger,
	}
}

// StartRun validates the alpha and ticker universe, opens a fresh sandbox
// account and registers the run as active. The formula is compiled here so
// a malformed alpha is rejected at the API boundary, never discovered
// mid-iteration.
func (s *Service) StartRun(ctx context.Context, userID int64, alpha string, tickers []string, tradeOnWeekends bool) (*repository.ForwardTestRow, error) {
	if len(tickers) == 0 {
		return nil, fmt.Errorf("at least one ticker is required")
	}
	if _, err := formula.Compile(alpha); err != nil {
		return nil, fmt.Errorf("invalid alpha: %w", err)
	}

	token, err := s.users.GetTinkoffToken(ctx, userID)
	if err != nil {
		return nil, err
	}
	client := s.clients.CreateOrGet(userID, token)

	if _, err := s.resolveInstruments(ctx, client, tickers); err != nil {
		return nil, err
	}

	accountID, err := client.OpenSandboxAccount(ctx)
	if err != nil {
		return nil, fmt.Errorf("opening sandbox account: %w", err)
	}

	start := time.Now().UTC()
	id, err := s.runs.CreateRun(ctx, userID, accountID, alpha, tickers, tradeOnWeekends, start)
	if err != nil {
		// Best effort: do not leak the account if the insert failed.
		if closeErr := client.CloseSandboxAccount(ctx, accountID); closeErr != nil {
			s.logger.Error("Failed to close orphaned sandbox account",
				"account_id", accountID, "error", closeErr)
		}
		return nil, err
	}

	s.logger.Info("Started forward test",
		"run_id", id, "user_id", userID, "account_id", accountID,
		"tickers", tickers, "trade_on_weekends", tradeOnWeekends,
	)
	return s.runs.GetRun(ctx, id)
}

// closeRun marks the run stopped and releases its sandbox account. The
// database transition is the commit point; a failure to close the broker
// account is logged, not propagated, since the run is already stopped.
func (s *Service) closeRun(ctx context.Context, run *repository.ForwardTestRow) error {
	closed, err := s.runs.CloseRun(ctx, run.ID, time.Now().UTC())
	if err != nil {
		return err
	}
	if !closed {
		return fmt.Errorf("run %d: %w", run.ID, ErrNotRunning)
	}

	token, err := s.users.GetTinkoffToken(ctx, run.UserID)
	if err != nil {
		s.logger.Error("Cannot release sandbox account without token",
			"run_id", run.ID, "error", err)
		return nil
	}
	client := s.clients.CreateOrGet(run.UserID, token)
	if err := client.CloseSandboxAccount(ctx, run.AccountID); err != nil {
		s.logger.Error("Failed to close sandbox account",
			"run_id", run.ID, "account_id", run.AccountID, "error", err)
	}
	return nil
}

// GetHistory returns the recorded portfolio valuations of a run.
func (s *Service) GetHistory(ctx context.Context, runID int64) ([]repository.ValuePoint, error) {
	if _, err := s.runs.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return s.values.ValueHistory(ctx, runID)
}

// ListActive returns all active runs, or only the user's when userID > 0.
func (s *Service) ListActive(ctx context.Context, userID int64) ([]repository.ForwardTestRow, error) {
	if userID > 0 {
		return s.runs.ListActiveForUser(ctx, userID)
	}
	return s.runs.ListActive(ctx)
}

// resolveInstruments maps each requested ticker to a broker instrument,
// preferring the shared cache over a universe fetch. Every ticker must
// resolve; a partial universe would silently trade a different portfolio
// than the one requested.
func (s *Service) resolveInstruments(ctx context.Context, client broker.Client, tickers []string) (map[string]broker.Instrument, error) {
	var universe []broker.Instrument
	if s.cache != nil {
		cached, err := s.cache.Get(ctx)
		if err != nil {
			s.logger.Warn("Instrument cache read failed", "error", err)
		}
		universe = cached
	}
	if universe == nil {
		fetched, err := client.Instruments(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetching instrument universe: %w", err)
		}
		universe = fetched
		if s.cache != nil {
			if err := s.cache.Set(ctx, universe); err != nil {
				s.logger.Warn("Instrument cache write failed", "error", err)
			}
		}
	}

	byTicker := make(map[string]broker.Instrument, len(universe))
	for _, ins := range universe {
		byTicker[ins.Ticker] = ins
	}

	resolved := make(map[string]broker.Instrument, len(tickers))
	for _, tk := range tickers {
		ins, ok := byTicker[tk]
		if !ok {
			return nil, fmt.Errorf("ticker %q is not tradable", tk)
		}
		resolved[tk] = ins
	}
	return resolved, nil
}
