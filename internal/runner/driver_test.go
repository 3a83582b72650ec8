package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/BelDim04/invest-alphas/internal/broker"
	"github.com/BelDim04/invest-alphas/internal/repository"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeRunStore struct {
	mu     sync.Mutex
	rows   map[int64]*repository.ForwardTestRow
	nextID int64
	claims int
}

func newFakeRunStore() *fakeRunStore {
	return &fakeRunStore{rows: make(map[int64]*repository.ForwardTestRow)}
}

func (f *fakeRunStore) CreateRun(ctx context.Context, userID int64, accountID, alpha string, tickers []string, tradeOnWeekends bool, start time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.rows[f.nextID] = &repository.ForwardTestRow{
		ID: f.nextID, UserID: userID, AccountID: accountID, Alpha: alpha,
		Tickers: tickers, TradeOnWeekends: tradeOnWeekends,
		DatetimeStart: start, IsRunning: true, CreatedAt: start,
	}
	return f.nextID, nil
}

func (f *fakeRunStore) GetRun(ctx context.Context, id int64) (*repository.ForwardTestRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok {
		return nil, fmt.Errorf("run %d not found", id)
	}
	cp := *row
	return &cp, nil
}

func (f *fakeRunStore) ListActive(ctx context.Context) ([]repository.ForwardTestRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []repository.ForwardTestRow
	for _, row := range f.rows {
		if row.IsRunning {
			out = append(out, *row)
		}
	}
	return out, nil
}

func (f *fakeRunStore) ListActiveForUser(ctx context.Context, userID int64) ([]repository.ForwardTestRow, error) {
	all, _ := f.ListActive(ctx)
	var out []repository.ForwardTestRow
	for _, row := range all {
		if row.UserID == userID {
			out = append(out, row)
		}
	}
	return out, nil
}

func (f *fakeRunStore) CloseRun(ctx context.Context, id int64, end time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok || !row.IsRunning {
		return false, nil
	}
	row.IsRunning = false
	row.DatetimeEnd = &end
	return true, nil
}

func (f *fakeRunStore) ClaimExecutionDate(ctx context.Context, id int64, day time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok {
		return false, fmt.Errorf("run %d not found", id)
	}
	if row.LastExecutionDate != nil && !row.LastExecutionDate.Before(day) {
		return false, nil
	}
	d := day
	row.LastExecutionDate = &d
	f.claims++
	return true, nil
}

type fakeValueStore struct {
	mu     sync.Mutex
	points []repository.ValuePoint
}

func (f *fakeValueStore) InsertValue(ctx context.Context, runID int64, recordedAt time.Time, value float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.points = append(f.points, repository.ValuePoint{RunID: runID, RecordedAt: recordedAt, Value: value})
	return nil
}

func (f *fakeValueStore) ValueHistory(ctx context.Context, runID int64) ([]repository.ValuePoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []repository.ValuePoint
	for _, p := range f.points {
		if p.RunID == runID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeValueStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.points)
}

type fakeUserStore struct{}

func (fakeUserStore) GetTinkoffToken(ctx context.Context, userID int64) (string, error) {
	return "t-token", nil
}

type placedOrder struct {
	FIGI      string
	Lots      int64
	Direction broker.OrderDirection
}

type fakeBroker struct {
	mu             sync.Mutex
	orders         []placedOrder
	openedAccounts int
	closedAccounts []string
	portfolioErr   error

	// When set, Portfolio signals portfolioEntered and then parks until
	// portfolioRelease closes or the call's context is cancelled. Lets a
	// test hold an iteration mid-flight.
	portfolioEntered chan struct{}
	portfolioRelease chan struct{}
}

func (f *fakeBroker) Instruments(ctx context.Context) ([]broker.Instrument, error) {
	return []broker.Instrument{
		{FIGI: "FIGI-AAA", Ticker: "AAA", Name: "Alpha Corp", Currency: "rub", Lot: 1},
		{FIGI: "FIGI-BBB", Ticker: "BBB", Name: "Beta Corp", Currency: "rub", Lot: 1},
	}, nil
}

func (f *fakeBroker) Portfolio(ctx context.Context, accountID string) (*broker.Portfolio, error) {
	f.mu.Lock()
	err := f.portfolioErr
	entered, release := f.portfolioEntered, f.portfolioRelease
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if entered != nil {
		entered <- struct{}{}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-release:
		}
	}
	return &broker.Portfolio{TotalValue: 100000}, nil
}

func (f *fakeBroker) Candles(ctx context.Context, figi string, from, to time.Time) ([]broker.Candle, error) {
	base := 10.0
	if figi == "FIGI-BBB" {
		base = 200.0
	}
	candles := make([]broker.Candle, 10)
	for i := range candles {
		price := base + float64(i)
		candles[i] = broker.Candle{
			Time: from.AddDate(0, 0, i), Open: price, High: price + 1,
			Low: price - 1, Close: price, Volume: 1000,
		}
	}
	return candles, nil
}

func (f *fakeBroker) PostOrder(ctx context.Context, accountID, figi string, lots int64, direction broker.OrderDirection) (*broker.OrderState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders = append(f.orders, placedOrder{FIGI: figi, Lots: lots, Direction: direction})
	return &broker.OrderState{OrderID: fmt.Sprintf("ord-%d", len(f.orders)), Status: "FILL", RequestedLots: lots}, nil
}

func (f *fakeBroker) OpenSandboxAccount(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openedAccounts++
	return fmt.Sprintf("acc-%d", f.openedAccounts), nil
}

func (f *fakeBroker) CloseSandboxAccount(ctx context.Context, accountID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closedAccounts = append(f.closedAccounts, accountID)
	return nil
}

func (f *fakeBroker) orderCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.orders)
}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

type harness struct {
	driver *Driver
	runs   *fakeRunStore
	values *fakeValueStore
	broker *fakeBroker
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(now time.Time) *harness {
	runs := newFakeRunStore()
	values := &fakeValueStore{}
	fb := &fakeBroker{}
	logger := discardLogger()

	clients := broker.NewClientCache(func(token string) broker.Client { return fb }, logger)
	svc := NewService(runs, values, fakeUserStore{}, clients, nil, 30, 0.95, logger)

	driver := NewDriver(svc, time.Minute, logger)
	driver.now = func() time.Time { return now }

	return &harness{driver: driver, runs: runs, values: values, broker: fb}
}

func (h *harness) seedRun(tradeOnWeekends bool) int64 {
	id, _ := h.runs.CreateRun(context.Background(), 7, "acc-1", "close",
		[]string{"AAA", "BBB"}, tradeOnWeekends, time.Now().UTC())
	return id
}

// tickAndWait runs one tick and waits for the launched iterations.
func (h *harness) tickAndWait(ctx context.Context) {
	h.driver.tick(ctx)
	h.driver.wg.Wait()
}

var thursdayNoon = time.Date(2026, time.August, 20, 12, 0, 0, 0, mskZone)

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestDriverExecutesOncePerDay(t *testing.T) {
	h := newHarness(thursdayNoon)
	h.seedRun(false)
	ctx := context.Background()

	h.tickAndWait(ctx)

	if h.broker.orderCount() == 0 {
		t.Fatal("expected orders on the first due tick")
	}
	if h.values.count() != 1 {
		t.Fatalf("expected 1 recorded value, got %d", h.values.count())
	}
	placed := h.broker.orderCount()

	// later the same trading day: nothing new
	h.driver.now = func() time.Time { return thursdayNoon.Add(2 * time.Hour) }
	h.tickAndWait(ctx)

	if h.broker.orderCount() != placed {
		t.Errorf("second tick placed orders: %d -> %d", placed, h.broker.orderCount())
	}
	if h.runs.claims != 1 {
		t.Errorf("expected exactly one execution-date claim, got %d", h.runs.claims)
	}
}

func TestDriverExecutesNextDay(t *testing.T) {
	h := newHarness(thursdayNoon)
	h.seedRun(false)
	ctx := context.Background()

	h.tickAndWait(ctx)
	placed := h.broker.orderCount()

	h.driver.now = func() time.Time { return thursdayNoon.AddDate(0, 0, 1) } // Friday
	h.tickAndWait(ctx)

	if h.broker.orderCount() <= placed {
		t.Error("expected orders on the next trading day")
	}
	if h.runs.claims != 2 {
		t.Errorf("expected two claims, got %d", h.runs.claims)
	}
}

func TestDriverSkipsOutsideWindow(t *testing.T) {
	h := newHarness(time.Date(2026, time.August, 20, 9, 0, 0, 0, mskZone))
	h.seedRun(false)

	h.tickAndWait(context.Background())

	if h.broker.orderCount() != 0 {
		t.Errorf("expected no orders before the window opens, got %d", h.broker.orderCount())
	}
	if h.runs.claims != 0 {
		t.Errorf("expected no claims, got %d", h.runs.claims)
	}
}

func TestDriverWeekendHandling(t *testing.T) {
	saturdayNoon := time.Date(2026, time.August, 22, 12, 0, 0, 0, mskZone)

	h := newHarness(saturdayNoon)
	h.seedRun(false)
	h.tickAndWait(context.Background())
	if h.broker.orderCount() != 0 {
		t.Errorf("weekday-only run executed on Saturday: %d orders", h.broker.orderCount())
	}

	h = newHarness(saturdayNoon)
	h.seedRun(true)
	h.tickAndWait(context.Background())
	if h.broker.orderCount() == 0 {
		t.Error("trade_on_weekends run should execute on Saturday")
	}
}

func TestDriverDiscardsInstanceOnError(t *testing.T) {
	h := newHarness(thursdayNoon)
	id := h.seedRun(false)
	ctx := context.Background()

	h.broker.mu.Lock()
	h.broker.portfolioErr = errors.New("boom")
	h.broker.mu.Unlock()

	h.tickAndWait(ctx)

	if h.broker.orderCount() != 0 {
		t.Errorf("expected no orders after portfolio failure, got %d", h.broker.orderCount())
	}
	h.driver.mu.Lock()
	_, cached := h.driver.instances[id]
	h.driver.mu.Unlock()
	if cached {
		t.Error("failed instance should have been discarded")
	}

	// the day was never claimed, so recovery retries it
	h.broker.mu.Lock()
	h.broker.portfolioErr = nil
	h.broker.mu.Unlock()
	h.tickAndWait(ctx)
	if h.broker.orderCount() == 0 {
		t.Error("expected orders after the broker recovered")
	}
}

func TestStopRunClosesAccountOnce(t *testing.T) {
	h := newHarness(thursdayNoon)
	id := h.seedRun(false)
	ctx := context.Background()

	if err := h.driver.StopRun(ctx, id); err != nil {
		t.Fatalf("stop: %v", err)
	}

	row, _ := h.runs.GetRun(ctx, id)
	if row.IsRunning {
		t.Error("run still marked running after stop")
	}
	if row.DatetimeEnd == nil {
		t.Error("stop did not set the end timestamp")
	}
	if len(h.broker.closedAccounts) != 1 || h.broker.closedAccounts[0] != "acc-1" {
		t.Errorf("expected sandbox account acc-1 closed, got %v", h.broker.closedAccounts)
	}

	if err := h.driver.StopRun(ctx, id); !errors.Is(err, ErrNotRunning) {
		t.Errorf("second stop: got %v, want ErrNotRunning", err)
	}
	if len(h.broker.closedAccounts) != 1 {
		t.Errorf("second stop closed the account again: %v", h.broker.closedAccounts)
	}
}

func TestStopDuringIterationPlacesNoOrders(t *testing.T) {
	h := newHarness(thursdayNoon)
	id := h.seedRun(false)
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	h.broker.mu.Lock()
	h.broker.portfolioEntered = entered
	h.broker.portfolioRelease = release
	h.broker.mu.Unlock()

	// Launch the iteration and hold it inside the portfolio fetch.
	h.driver.tick(ctx)
	<-entered

	if err := h.driver.StopRun(ctx, id); err != nil {
		t.Fatalf("stop: %v", err)
	}
	close(release)
	h.driver.wg.Wait()

	if h.broker.orderCount() != 0 {
		t.Errorf("stopped run placed %d orders", h.broker.orderCount())
	}
	if h.runs.claims != 0 {
		t.Errorf("cancelled iteration claimed the day %d times", h.runs.claims)
	}
	row, _ := h.runs.GetRun(ctx, id)
	if row.IsRunning {
		t.Error("run still marked running after stop")
	}
	if len(h.broker.closedAccounts) != 1 {
		t.Errorf("expected the sandbox account closed, got %v", h.broker.closedAccounts)
	}
}

func TestStoppedRunIsNotScheduled(t *testing.T) {
	h := newHarness(thursdayNoon)
	id := h.seedRun(false)
	ctx := context.Background()

	if err := h.driver.StopRun(ctx, id); err != nil {
		t.Fatalf("stop: %v", err)
	}
	h.tickAndWait(ctx)

	if h.broker.orderCount() != 0 {
		t.Errorf("stopped run still traded: %d orders", h.broker.orderCount())
	}
}

func TestServiceStartRunRejectsBadAlpha(t *testing.T) {
	h := newHarness(thursdayNoon)

	_, err := h.driver.StartRun(context.Background(), 7, "bogus(close)", []string{"AAA"}, false)
	if err == nil {
		t.Fatal("expected error for unknown function")
	}
	if h.broker.openedAccounts != 0 {
		t.Errorf("rejected start opened %d accounts", h.broker.openedAccounts)
	}
}

func TestServiceStartRunRejectsUnknownTicker(t *testing.T) {
	h := newHarness(thursdayNoon)

	_, err := h.driver.StartRun(context.Background(), 7, "close", []string{"AAA", "ZZZ"}, false)
	if err == nil {
		t.Fatal("expected error for unresolvable ticker")
	}
	if h.broker.openedAccounts != 0 {
		t.Errorf("rejected start opened %d accounts", h.broker.openedAccounts)
	}
}

func TestServiceStartRunCreatesAccountAndRow(t *testing.T) {
	h := newHarness(thursdayNoon)

	run, err := h.driver.StartRun(context.Background(), 7, "sma(close, 5) - close", []string{"AAA", "BBB"}, false)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !run.IsRunning {
		t.Error("new run not marked running")
	}
	if h.broker.openedAccounts != 1 {
		t.Errorf("expected one sandbox account, got %d", h.broker.openedAccounts)
	}
	if run.AccountID == "" {
		t.Error("run missing account id")
	}
}

func TestGetHistoryReturnsRecordedValues(t *testing.T) {
	h := newHarness(thursdayNoon)
	id := h.seedRun(false)
	ctx := context.Background()

	h.tickAndWait(ctx)

	points, err := h.driver.GetHistory(ctx, id)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(points) != 1 {
		t.Fatalf("expected 1 point, got %d", len(points))
	}
	if points[0].Value != 100000 {
		t.Errorf("recorded value %g, want 100000", points[0].Value)
	}

	if _, err := h.driver.GetHistory(ctx, 999); err == nil {
		t.Error("expected error for unknown run")
	}
}
