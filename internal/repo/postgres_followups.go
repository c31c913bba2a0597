package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/LeventeLantos/vet-reminder-sms/internal/model"
)

type PostgresFollowUpStore struct {
	pool *pgxpool.Pool
}

var _ FollowUpStore = (*PostgresFollowUpStore)(nil)

func NewPostgresFollowUpStore(pool *pgxpool.Pool) *PostgresFollowUpStore {
	return &PostgresFollowUpStore{pool: pool}
}

// ListFollowUpCandidates returns SENT, unfollowed history rows that carried a
// reminder of any of the given patients, each with the outcome of every
// patient the row carried.
func (s *PostgresFollowUpStore) ListFollowUpCandidates(ctx context.Context, patientIDs []string) ([]model.FollowUpCandidate, error) {
	if len(patientIDs) == 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx, `
		WITH touched AS (
			SELECT DISTINCT h.id, h.sent_at
			FROM sms_history h
			JOIN reminders r ON r.sms_history_id = h.id
			WHERE r.patient_id = ANY($1)
			  AND h.status = 'SENT'
			  AND NOT h.is_followed
			  AND h.sent_at IS NOT NULL
		)
		SELECT t.id, t.sent_at, p.id, p.outcome_at
		FROM touched t
		JOIN reminders r ON r.sms_history_id = t.id
		JOIN patients p ON p.id = r.patient_id
		GROUP BY t.id, t.sent_at, p.id, p.outcome_at
		ORDER BY t.id, p.id
	`, patientIDs)
	if err != nil {
		return nil, fmt.Errorf("list follow-up candidates: %w", err)
	}
	defer rows.Close()

	var out []model.FollowUpCandidate
	for rows.Next() {
		var (
			historyID string
			sentAt    time.Time
			po        model.PatientOutcome
		)
		if err := rows.Scan(&historyID, &sentAt, &po.PatientID, &po.OutcomeAt); err != nil {
			return nil, err
		}
		n := len(out)
		if n == 0 || out[n-1].HistoryID != historyID {
			out = append(out, model.FollowUpCandidate{HistoryID: historyID, SentAt: sentAt})
			n++
		}
		out[n-1].Patients = append(out[n-1].Patients, po)
	}
	return out, rows.Err()
}

func (s *PostgresFollowUpStore) MarkFollowed(ctx context.Context, historyIDs []string) error {
	if len(historyIDs) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE sms_history SET is_followed = TRUE, updated_at = now()
		WHERE id = ANY($1::uuid[])
	`, historyIDs)
	if err != nil {
		return fmt.Errorf("mark followed: %w", err)
	}
	return nil
}
