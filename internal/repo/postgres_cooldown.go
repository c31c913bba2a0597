package repo

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresCooldownStore keeps the dispatch cooldown deadline in the single
// row of sms_dispatch_state.
type PostgresCooldownStore struct {
	pool *pgxpool.Pool
}

func NewPostgresCooldownStore(pool *pgxpool.Pool) *PostgresCooldownStore {
	return &PostgresCooldownStore{pool: pool}
}

// Until returns the zero time when no cooldown was ever set.
func (s *PostgresCooldownStore) Until(ctx context.Context) (time.Time, error) {
	var until time.Time
	err := s.pool.QueryRow(ctx, `SELECT cooldown_until FROM sms_dispatch_state WHERE id = 1`).Scan(&until)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, nil
	}
	return until, err
}

// Set moves the deadline forward; an earlier deadline never shortens an
// active cooldown.
func (s *PostgresCooldownStore) Set(ctx context.Context, until time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sms_dispatch_state (id, cooldown_until, updated_at)
		VALUES (1, $1, now())
		ON CONFLICT (id) DO UPDATE
		SET cooldown_until = GREATEST(sms_dispatch_state.cooldown_until, EXCLUDED.cooldown_until),
		    updated_at = now()
	`, until.UTC())
	return err
}
