package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNoToken is returned when a user has no Tinkoff token on file.
var ErrNoToken = errors.New("user has no tinkoff token")

// UserRepo provides database access for user broker credentials.
type UserRepo struct {
	pool *pgxpool.Pool
}

// NewUserRepo creates a new UserRepo.
func NewUserRepo(pool *pgxpool.Pool) *UserRepo {
	return &UserRepo{pool: pool}
}

// GetTinkoffToken returns the user's sandbox API token.
func (r *UserRepo) GetTinkoffToken(ctx context.Context, userID int64) (string, error) {
	var token *string
	err := r.pool.QueryRow(ctx, `
		SELECT tinkoff_token FROM users WHERE id = $1
	`, userID).Scan(&token)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("user %d: %w", userID, ErrNoToken)
	}
	if err != nil {
		return "", fmt.Errorf("getting token for user %d: %w", userID, err)
	}
	if token == nil || *token == "" {
		return "", fmt.Errorf("user %d: %w", userID, ErrNoToken)
	}
	return *token, nil
}
