package runner

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/BelDim04/invest-alphas/internal/metrics"
	"github.com/BelDim04/invest-alphas/internal/repository"
)

// Driver schedules forward-test iterations. On every tick it lists active
// runs and, for each run that is due, launches one iteration goroutine.
// An in-flight guard serializes iterations per run within this process;
// the execution-date claim in the database guards across processes.
type Driver struct {
	svc          *Service
	pollInterval time.Duration
	logger       *slog.Logger

	// now is swapped out in tests to steer the calendar.
	now func() time.Time

	mu        sync.Mutex
	inflight  map[int64]context.CancelFunc
	instances map[int64]*instance
	wg        sync.WaitGroup
}

// NewDriver creates a Driver over the service.
func NewDriver(svc *Service, pollInterval time.Duration, logger *slog.Logger) *Driver {
	return &Driver{
		svc:          svc,
		pollInterval: pollInterval,
		logger:       logger,
		now:          time.Now,
		inflight:     make(map[int64]context.CancelFunc),
		instances:    make(map[int64]*instance),
	}
}

// Run starts the tick loop. Blocks until ctx is cancelled.
func (d *Driver) Run(ctx context.Context) {
	d.logger.Info("Driver started", "poll_interval", d.pollInterval)

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	// Tick immediately on start
	d.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Driver shutting down, cancelling in-flight iterations...")
			d.cancelAll()
			d.wg.Wait()
			d.logger.Info("All iterations finished")
			return
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

// tick reconciles the instance cache with the active run set and launches
// iterations for runs that are due.
func (d *Driver) tick(ctx context.Context) {
	runs, err := d.svc.ListActive(ctx, 0)
	if err != nil {
		d.logger.Error("Failed to query active runs", "error", err)
		return
	}
	metrics.ActiveRuns.Set(float64(len(runs)))

	active := make(map[int64]bool, len(runs))
	for _, run := range runs {
		active[run.ID] = true
	}

	d.mu.Lock()
	for id := range d.instances {
		if !active[id] {
			delete(d.instances, id)
		}
	}
	d.mu.Unlock()

	for _, run := range runs {
		now := d.now()
		if !d.due(run, now) {
			continue
		}

		d.mu.Lock()
		if _, busy := d.inflight[run.ID]; busy {
			d.mu.Unlock()
			continue
		}
		runCtx, cancel := context.WithCancel(ctx)
		d.inflight[run.ID] = cancel
		d.mu.Unlock()

		d.wg.Add(1)
		go func(run repository.ForwardTestRow, now time.Time) {
			defer d.wg.Done()
			defer func() {
				cancel()
				d.mu.Lock()
				delete(d.inflight, run.ID)
				d.mu.Unlock()
			}()
			d.execute(runCtx, run, now)
		}(run, now)
	}
}

// due reports whether the run should execute at this instant: inside the
// trading window, on an allowed day, and not yet executed today.
func (d *Driver) due(run repository.ForwardTestRow, now time.Time) bool {
	if !withinTradingWindow(now) {
		return false
	}
	if isWeekend(now) && !run.TradeOnWeekends {
		return false
	}
	if run.LastExecutionDate != nil && sameTradingDay(*run.LastExecutionDate, now) {
		return false
	}
	return true
}

// execute runs one iteration, assembling the instance lazily. Any error
// discards the cached instance so the next attempt rebuilds it from
// scratch; the run itself stays active.
func (d *Driver) execute(ctx context.Context, run repository.ForwardTestRow, now time.Time) {
	d.mu.Lock()
	inst := d.instances[run.ID]
	d.mu.Unlock()

	if inst == nil {
		fresh, err := d.svc.newInstance(ctx, run)
		if err != nil {
			d.logger.Error("Run initialization failed", "run_id", run.ID, "error", err)
			recordIteration("init_error")
			return
		}
		inst = fresh
		d.mu.Lock()
		d.instances[run.ID] = inst
		d.mu.Unlock()
	} else {
		// Refresh the row so a claim elsewhere is respected.
		inst.run = run
	}

	if err := d.svc.iterate(ctx, inst, now); err != nil {
		outcome := "error"
		if errors.Is(err, context.Canceled) {
			outcome = "cancelled"
		}
		d.logger.Error("Iteration failed", "run_id", run.ID, "error", err)
		recordIteration(outcome)

		d.mu.Lock()
		delete(d.instances, run.ID)
		d.mu.Unlock()
		return
	}
	recordIteration("success")
}

// cancelAll cancels every in-flight iteration.
func (d *Driver) cancelAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, cancel := range d.inflight {
		cancel()
		delete(d.inflight, id)
	}
}

// StartRun delegates to the service; the new run is picked up on the next
// tick.
func (d *Driver) StartRun(ctx context.Context, userID int64, alpha string, tickers []string, tradeOnWeekends bool) (*repository.ForwardTestRow, error) {
	return d.svc.StartRun(ctx, userID, alpha, tickers, tradeOnWeekends)
}

// StopRun cancels any in-flight iteration for the run, marks it stopped
// and releases its sandbox account. Idempotent at the database: a second
// stop reports ErrNotRunning.
func (d *Driver) StopRun(ctx context.Context, runID int64) error {
	d.mu.Lock()
	if cancel, ok := d.inflight[runID]; ok {
		cancel()
	}
	delete(d.instances, runID)
	d.mu.Unlock()

	run, err := d.svc.runs.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	return d.svc.closeRun(ctx, run)
}

// GetHistory delegates to the service.
func (d *Driver) GetHistory(ctx context.Context, runID int64) ([]repository.ValuePoint, error) {
	return d.svc.GetHistory(ctx, runID)
}

// ListActive delegates to the service.
func (d *Driver) ListActive(ctx context.Context, userID int64) ([]repository.ForwardTestRow, error) {
	return d.svc.ListActive(ctx, userID)
}
