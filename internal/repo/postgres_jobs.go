package repo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/LeventeLantos/vet-reminder-sms/internal/model"
)

const defaultMaxAttempts = 5

type PostgresJobRepo struct {
	pool *pgxpool.Pool
}

var _ JobRepo = (*PostgresJobRepo)(nil)

func NewPostgresJobRepo(pool *pgxpool.Pool) *PostgresJobRepo {
	return &PostgresJobRepo{pool: pool}
}

// EnqueueJob inserts a queued job. When dedupeKey matches a job that is
// still queued or running, the existing job id is returned instead.
func (r *PostgresJobRepo) EnqueueJob(ctx context.Context, kind string, runAt time.Time, payload string, dedupeKey string) (string, error) {
	id := uuid.NewString()

	var inserted string
	err := r.pool.QueryRow(ctx, `
		INSERT INTO jobs (id, kind, run_at, payload, status, attempt, max_attempts, dedupe_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'queued', 0, $5, $6, now(), now())
		ON CONFLICT (dedupe_key) WHERE dedupe_key IS NOT NULL AND status IN ('queued', 'running')
		DO NOTHING
		RETURNING id
	`, id, kind, runAt.UTC(), payload, defaultMaxAttempts, nilIfEmpty(dedupeKey)).Scan(&inserted)
	if err == nil {
		return inserted, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("enqueue job: %w", err)
	}

	var existing string
	err = r.pool.QueryRow(ctx, `
		SELECT id FROM jobs
		WHERE dedupe_key = $1 AND status IN ('queued', 'running')
	`, dedupeKey).Scan(&existing)
	if err != nil {
		return "", fmt.Errorf("enqueue job dedupe lookup: %w", err)
	}
	slog.Debug("jobs: dedupe hit", "dedupe_key", dedupeKey, "existing_id", existing)
	return existing, nil
}

func (r *PostgresJobRepo) ClaimDueJobs(ctx context.Context, kinds []string, now time.Time, limit int) ([]model.Job, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE jobs SET status = 'running', locked_at = $1, updated_at = $1
		WHERE id IN (
			SELECT id FROM jobs
			WHERE status = 'queued' AND run_at <= $1 AND kind = ANY($3)
			ORDER BY run_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, kind, run_at, payload, status, attempt, max_attempts,
		          COALESCE(last_error, ''), locked_at, COALESCE(dedupe_key, ''), created_at, updated_at
	`, now.UTC(), limit, kinds)
	if err != nil {
		return nil, fmt.Errorf("claim due jobs: %w", err)
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		var j model.Job
		var status string
		if err := rows.Scan(
			&j.ID, &j.Kind, &j.RunAt, &j.Payload, &status, &j.Attempt, &j.MaxAttempts,
			&j.LastError, &j.LockedAt, &j.DedupeKey, &j.CreatedAt, &j.UpdatedAt,
		); err != nil {
			return nil, err
		}
		j.Status = model.JobStatus(status)
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (r *PostgresJobRepo) TouchJob(ctx context.Context, id string, now time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE jobs SET locked_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'running'
	`, id, now.UTC())
	if err != nil {
		return fmt.Errorf("touch job: %w", err)
	}
	return nil
}

func (r *PostgresJobRepo) CompleteJob(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE jobs SET status = 'done', locked_at = NULL, updated_at = now() WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

// FailJob records a failed attempt. The job is requeued at nextRunAt until
// it runs out of attempts, then it is parked as failed.
func (r *PostgresJobRepo) FailJob(ctx context.Context, id string, errMsg string, nextRunAt time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE jobs
		SET attempt = attempt + 1,
		    status = CASE WHEN attempt + 1 >= max_attempts THEN 'failed' ELSE 'queued' END,
		    run_at = CASE WHEN attempt + 1 >= max_attempts THEN run_at ELSE $3 END,
		    last_error = $2,
		    locked_at = NULL,
		    updated_at = now()
		WHERE id = $1
	`, id, errMsg, nextRunAt.UTC())
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return nil
}

func (r *PostgresJobRepo) RequeueStaleRunningJobs(ctx context.Context, kinds []string, staleBefore time.Time) (int, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE jobs SET status = 'queued', locked_at = NULL, updated_at = now()
		WHERE status = 'running' AND locked_at < $1 AND kind = ANY($2)
	`, staleBefore.UTC(), kinds)
	if err != nil {
		return 0, fmt.Errorf("requeue stale jobs: %w", err)
	}
	n := int(tag.RowsAffected())
	if n > 0 {
		slog.Info("jobs: requeued stale running jobs", "count", n)
	}
	return n, nil
}
