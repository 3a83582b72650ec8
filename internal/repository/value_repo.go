package repository

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ValuePoint is one recorded portfolio valuation of a forward test.
type ValuePoint struct {
	RunID      int64
	RecordedAt time.Time
	Value      float64
}

// ValueRepo provides database access for forward-test portfolio values.
type ValueRepo struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewValueRepo creates a new ValueRepo.
func NewValueRepo(pool *pgxpool.Pool, logger *slog.Logger) *ValueRepo {
	return &ValueRepo{pool: pool, logger: logger}
}

// InsertValue records a portfolio valuation for a run.
func (r *ValueRepo) InsertValue(ctx context.Context, runID int64, recordedAt time.Time, value float64) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO forward_test_values (forward_test_id, recorded_at, value)
		VALUES ($1, $2, $3)
	`, runID, recordedAt, value)
	if err != nil {
		return fmt.Errorf("inserting value for forward test %d: %w", runID, err)
	}
	return nil
}

// ValueHistory returns all recorded valuations of a run in time order.
func (r *ValueRepo) ValueHistory(ctx context.Context, runID int64) ([]ValuePoint, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT forward_test_id, recorded_at, value
		FROM forward_test_values
		WHERE forward_test_id = $1
		ORDER BY recorded_at
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("querying values for forward test %d: %w", runID, err)
	}
	defer rows.Close()

	var points []ValuePoint
	for rows.Next() {
		var p ValuePoint
		if err := rows.Scan(&p.RunID, &p.RecordedAt, &p.Value); err != nil {
			return points, fmt.Errorf("scanning value row: %w", err)
		}
		points = append(points, p)
	}

	return points, rows.Err()
}
