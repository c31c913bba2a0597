package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/LeventeLantos/vet-reminder-sms/internal/model"
)

type PostgresMessageRepo struct {
	pool *pgxpool.Pool
}

var _ MessageRepository = (*PostgresMessageRepo)(nil)

func NewPostgresMessageRepo(pool *pgxpool.Pool) *PostgresMessageRepo {
	return &PostgresMessageRepo{pool: pool}
}

func (r *PostgresMessageRepo) CountInProgress(ctx context.Context) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM sms_events WHERE status = 'IN_PROGRESS'`).Scan(&n)
	return n, err
}

// ClaimDueEvents flips up to limit due PENDING events to IN_PROGRESS in one
// statement. Rows locked by a concurrent claim are skipped, never waited on.
func (r *PostgresMessageRepo) ClaimDueEvents(ctx context.Context, now time.Time, limit int) ([]model.SMSEvent, error) {
	if limit <= 0 {
		return nil, errors.New("limit must be > 0")
	}

	rows, err := r.pool.Query(ctx, `
		UPDATE sms_events SET status = 'IN_PROGRESS', updated_at = $1
		WHERE id IN (
			SELECT id FROM sms_events
			WHERE status = 'PENDING' AND send_at <= $1
			ORDER BY send_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, send_at, context, status, created_at, updated_at
	`, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("claim due events: %w", err)
	}
	defer rows.Close()

	var events []model.SMSEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// RequeueStaleEvents returns IN_PROGRESS events to PENDING when they have
// sat untouched since staleBefore and no send job is live for them.
func (r *PostgresMessageRepo) RequeueStaleEvents(ctx context.Context, staleBefore time.Time) (int, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE sms_events e
		SET status = 'PENDING', updated_at = now()
		WHERE e.status = 'IN_PROGRESS'
		  AND e.updated_at < $1
		  AND NOT EXISTS (
		      SELECT 1 FROM jobs j
		      WHERE j.dedupe_key = $2 || e.id::text
		        AND j.status IN ('queued', 'running')
		  )
	`, staleBefore.UTC(), model.JobKindSend+":")
	if err != nil {
		return 0, fmt.Errorf("requeue stale events: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *PostgresMessageRepo) LockEvent(ctx context.Context, id string, fn func(ctx context.Context, tx EventTx) error) error {
	return withTx(ctx, r.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			SELECT id, send_at, context, status, created_at, updated_at
			FROM sms_events
			WHERE id = $1
			FOR UPDATE
		`, id)
		e, err := scanEvent(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrEventNotFound
		}
		if err != nil {
			return fmt.Errorf("lock event %s: %w", id, err)
		}
		return fn(ctx, &pgEventTx{tx: tx, event: e})
	})
}

type pgEventTx struct {
	tx    pgx.Tx
	event model.SMSEvent
}

func (t *pgEventTx) Event() model.SMSEvent { return t.event }

func (t *pgEventTx) PracticeSettings(ctx context.Context, practiceID string) (model.PracticeSettings, error) {
	var st model.PracticeSettings
	err := t.tx.QueryRow(ctx, `
		SELECT sms_enabled, sender_phone, scheduler, business_name, practice_phone, link
		FROM practice_settings
		WHERE practice_id = $1
	`, practiceID).Scan(&st.SMSEnabled, &st.SenderPhone, &st.Scheduler, &st.BusinessName, &st.PracticePhone, &st.Link)
	if errors.Is(err, pgx.ErrNoRows) {
		return st, fmt.Errorf("practice settings %s: %w", practiceID, ErrNotFound)
	}
	return st, err
}

func (t *pgEventTx) UpdateHistory(ctx context.Context, historyID string, u model.HistoryUpdate) error {
	var response any
	if len(u.Response) > 0 {
		response = []byte(u.Response)
	}
	_, err := t.tx.Exec(ctx, `
		UPDATE sms_history
		SET status = $2,
		    response = $3,
		    error_message = $4,
		    sent_at = $5,
		    updated_at = $6
		WHERE id = $1
	`, historyID, string(u.Status), response, u.ErrorMessage, u.SentAt, u.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update history %s: %w", historyID, err)
	}
	return nil
}

func (t *pgEventTx) Rearm(ctx context.Context, sendAt time.Time) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE sms_events
		SET status = 'PENDING', send_at = $2, updated_at = now()
		WHERE id = $1
	`, t.event.ID, sendAt.UTC())
	return err
}

func (t *pgEventTx) Delete(ctx context.Context) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM sms_events WHERE id = $1`, t.event.ID)
	return err
}

func (r *PostgresMessageRepo) ListHistory(ctx context.Context, f model.HistoryFilter) ([]model.SMSHistory, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, COALESCE(practice_id, ''), COALESCE(client_id, ''), event_context,
		       sent_at, status, response, error_message, is_followed, created_at, updated_at
		FROM sms_history
		WHERE ($1 = '' OR status = $1)
		  AND ($2 = '' OR practice_id = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`, string(f.Status), f.PracticeID, f.Limit, f.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.SMSHistory
	for rows.Next() {
		var (
			h        model.SMSHistory
			ctxRaw   []byte
			status   string
			response []byte
		)
		if err := rows.Scan(
			&h.ID,
			&h.PracticeID,
			&h.ClientID,
			&ctxRaw,
			&h.SentAt,
			&status,
			&response,
			&h.ErrorMessage,
			&h.IsFollowed,
			&h.CreatedAt,
			&h.UpdatedAt,
		); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(ctxRaw, &h.Context); err != nil {
			return nil, fmt.Errorf("decode history %s context: %w", h.ID, err)
		}
		h.Status = model.HistoryStatus(status)
		if len(response) > 0 {
			h.Response = json.RawMessage(response)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (r *PostgresMessageRepo) HistoryStats(ctx context.Context, since time.Time) (model.HistoryStats, error) {
	stats := model.HistoryStats{Since: since.UTC(), ByReason: map[string]int{}}

	rows, err := r.pool.Query(ctx, `
		SELECT date_trunc('day', created_at), status, COUNT(*)
		FROM sms_history
		WHERE created_at >= $1
		GROUP BY 1, 2
		ORDER BY 1 DESC, 2
	`, since.UTC())
	if err != nil {
		return stats, fmt.Errorf("daily stats: %w", err)
	}
	for rows.Next() {
		var d model.DailyStatusCount
		var status string
		if err := rows.Scan(&d.Day, &status, &d.Count); err != nil {
			rows.Close()
			return stats, err
		}
		d.Status = model.HistoryStatus(status)
		stats.Daily = append(stats.Daily, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return stats, err
	}

	rows, err = r.pool.Query(ctx, `
		SELECT error_message, COUNT(*)
		FROM sms_history
		WHERE created_at >= $1
		GROUP BY error_message
	`, since.UTC())
	if err != nil {
		return stats, fmt.Errorf("reason stats: %w", err)
	}
	for rows.Next() {
		var msg *string
		var n int
		if err := rows.Scan(&msg, &n); err != nil {
			rows.Close()
			return stats, err
		}
		stats.ByReason[ClassifyError(msg)] += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return stats, err
	}

	rows, err = r.pool.Query(ctx, `
		SELECT status, COUNT(*), MIN(send_at), MAX(send_at)
		FROM sms_events
		GROUP BY status
		ORDER BY status
	`)
	if err != nil {
		return stats, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var q model.QueueStatus
		var status string
		if err := rows.Scan(&status, &q.Count, &q.Earliest, &q.Latest); err != nil {
			return stats, err
		}
		q.Status = model.EventStatus(status)
		stats.Queue = append(stats.Queue, q)
	}
	return stats, rows.Err()
}

func scanEvent(row pgx.Row) (model.SMSEvent, error) {
	var (
		e      model.SMSEvent
		ctxRaw []byte
		status string
	)
	if err := row.Scan(&e.ID, &e.SendAt, &ctxRaw, &status, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return model.SMSEvent{}, err
	}
	if err := json.Unmarshal(ctxRaw, &e.Context); err != nil {
		return model.SMSEvent{}, fmt.Errorf("decode event %s context: %w", e.ID, err)
	}
	e.Status = model.EventStatus(status)
	return e, nil
}
