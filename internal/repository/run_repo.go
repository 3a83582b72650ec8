// Package repository provides PostgreSQL access for forward-test runs,
// their recorded portfolio values, and user broker credentials.
package repository

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ForwardTestRow represents a row from the forward_tests table.
type ForwardTestRow struct {
	ID                int64
	UserID            int64
	AccountID         string
	Alpha             string
	Tickers           []string
	TradeOnWeekends   bool
	DatetimeStart     time.Time
	DatetimeEnd       *time.Time
	IsRunning         bool
	LastExecutionDate *time.Time
	CreatedAt         time.Time
}

// RunRepo provides database access for forward-test runs.
type RunRepo struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewRunRepo creates a new RunRepo.
func NewRunRepo(pool *pgxpool.Pool, logger *slog.Logger) *RunRepo {
	return &RunRepo{pool: pool, logger: logger}
}

// CreateRun inserts a new running forward test and returns its ID.
func (r *RunRepo) CreateRun(ctx context.Context, userID int64, accountID, alpha string, tickers []string, tradeOnWeekends bool, start time.Time) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `
		INSERT INTO forward_tests (user_id, account_id, alpha, tickers, trade_on_weekends, datetime_start, is_running)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE)
		RETURNING id
	`, userID, accountID, alpha, tickers, tradeOnWeekends, start).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("creating forward test: %w", err)
	}
	r.logger.Info("Created forward test", "run_id", id, "user_id", userID, "tickers", tickers)
	return id, nil
}

// GetRun returns a single forward test by ID.
func (r *RunRepo) GetRun(ctx context.Context, id int64) (*ForwardTestRow, error) {
	var ft ForwardTestRow
	err := r.pool.QueryRow(ctx, `
		SELECT id, user_id, account_id, alpha, tickers, trade_on_weekends,
			datetime_start, datetime_end, is_running, last_execution_date, created_at
		FROM forward_tests
		WHERE id = $1
	`, id).Scan(
		&ft.ID, &ft.UserID, &ft.AccountID, &ft.Alpha, &ft.Tickers, &ft.TradeOnWeekends,
		&ft.DatetimeStart, &ft.DatetimeEnd, &ft.IsRunning, &ft.LastExecutionDate, &ft.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("getting forward test %d: %w", id, err)
	}
	return &ft, nil
}

// ListActive returns all forward tests with is_running=TRUE.
func (r *RunRepo) ListActive(ctx context.Context) ([]ForwardTestRow, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, account_id, alpha, tickers, trade_on_weekends,
			datetime_start, datetime_end, is_running, last_execution_date, created_at
		FROM forward_tests
		WHERE is_running = TRUE
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("querying active forward tests: %w", err)
	}
	defer rows.Close()

	var tests []ForwardTestRow
	for rows.Next() {
		var ft ForwardTestRow
		if err := rows.Scan(
			&ft.ID, &ft.UserID, &ft.AccountID, &ft.Alpha, &ft.Tickers, &ft.TradeOnWeekends,
			&ft.DatetimeStart, &ft.DatetimeEnd, &ft.IsRunning, &ft.LastExecutionDate, &ft.CreatedAt,
		); err != nil {
			return tests, fmt.Errorf("scanning forward test row: %w", err)
		}
		tests = append(tests, ft)
	}

	return tests, rows.Err()
}

// ListActiveForUser returns the user's running forward tests.
func (r *RunRepo) ListActiveForUser(ctx context.Context, userID int64) ([]ForwardTestRow, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, account_id, alpha, tickers, trade_on_weekends,
			datetime_start, datetime_end, is_running, last_execution_date, created_at
		FROM forward_tests
		WHERE is_running = TRUE AND user_id = $1
		ORDER BY id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying active forward tests for user %d: %w", userID, err)
	}
	defer rows.Close()

	var tests []ForwardTestRow
	for rows.Next() {
		var ft ForwardTestRow
		if err := rows.Scan(
			&ft.ID, &ft.UserID, &ft.AccountID, &ft.Alpha, &ft.Tickers, &ft.TradeOnWeekends,
			&ft.DatetimeStart, &ft.DatetimeEnd, &ft.IsRunning, &ft.LastExecutionDate, &ft.CreatedAt,
		); err != nil {
			return tests, fmt.Errorf("scanning forward test row: %w", err)
		}
		tests = append(tests, ft)
	}

	return tests, rows.Err()
}

// CloseRun marks a forward test as stopped in one statement so a reader
// never sees is_running=FALSE without an end timestamp. Returns false if
// the run was already closed or does not exist.
func (r *RunRepo) CloseRun(ctx context.Context, id int64, end time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE forward_tests
		SET is_running = FALSE, datetime_end = $2
		WHERE id = $1 AND is_running = TRUE
	`, id, end)
	if err != nil {
		return false, fmt.Errorf("closing forward test %d: %w", id, err)
	}
	closed := tag.RowsAffected() == 1
	if closed {
		r.logger.Info("Closed forward test", "run_id", id)
	}
	return closed, nil
}

// ClaimExecutionDate advances last_execution_date to day if and only if
// the stored date is older. The compare-and-set guards against a second
// process executing the same run twice on one trading day.
func (r *RunRepo) ClaimExecutionDate(ctx context.Context, id int64, day time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE forward_tests
		SET last_execution_date = $2
		WHERE id = $1
			AND (last_execution_date IS NULL OR last_execution_date < $2)
	`, id, day)
	if err != nil {
		return false, fmt.Errorf("claiming execution date for forward test %d: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}
