package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/LeventeLantos/vet-reminder-sms/internal/model"
)

type PostgresReminderStore struct {
	pool *pgxpool.Pool
}

var _ ReminderStore = (*PostgresReminderStore)(nil)

func NewPostgresReminderStore(pool *pgxpool.Pool) *PostgresReminderStore {
	return &PostgresReminderStore{pool: pool}
}

func (s *PostgresReminderStore) GetPractice(ctx context.Context, practiceID string) (model.Practice, error) {
	var p model.Practice
	p.ID = practiceID

	row := s.pool.QueryRow(ctx, `
		SELECT p.name, p.is_archived,
		       COALESCE(ps.sms_enabled, FALSE), COALESCE(ps.sender_phone, ''), COALESCE(ps.scheduler, ''),
		       COALESCE(ps.business_name, ''), COALESCE(ps.practice_phone, ''), COALESCE(ps.link, ''),
		       ps.launch_date, ps.start_date_for_launch, ps.end_date_for_launch
		FROM practices p
		LEFT JOIN practice_settings ps ON ps.practice_id = p.id
		WHERE p.id = $1
	`, practiceID)

	st := &p.Settings
	err := row.Scan(
		&p.Name, &p.IsArchived,
		&st.SMSEnabled, &st.SenderPhone, &st.Scheduler,
		&st.BusinessName, &st.PracticePhone, &st.Link,
		&st.LaunchDate, &st.StartDateForLaunch, &st.EndDateForLaunch,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Practice{}, fmt.Errorf("practice %s: %w", practiceID, ErrNotFound)
	}
	if err != nil {
		return model.Practice{}, err
	}
	return p, nil
}

func (s *PostgresReminderStore) ListSMSEnabledPractices(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT p.id
		FROM practices p
		JOIN practice_settings ps ON ps.practice_id = p.id
		WHERE ps.sms_enabled AND NOT p.is_archived
		ORDER BY p.id
	`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *PostgresReminderStore) ExcludedOutcomes(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT outcome FROM sms_outcome_filters ORDER BY outcome`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *PostgresReminderStore) IterateCandidates(
	ctx context.Context,
	practiceID string,
	window model.DateWindow,
	outcomes []string,
	chunkSize int,
	fn func(model.Candidate) error,
) error {
	if chunkSize <= 0 {
		return errors.New("chunk size must be > 0")
	}
	if outcomes == nil {
		outcomes = []string{}
	}

	after := ""
	for {
		patients, err := s.patientPage(ctx, practiceID, window, outcomes, after, chunkSize)
		if err != nil {
			return fmt.Errorf("load patients: %w", err)
		}
		if len(patients) == 0 {
			return nil
		}

		cands, err := s.loadCandidates(ctx, practiceID, window, patients)
		if err != nil {
			return err
		}
		for _, c := range cands {
			if err := fn(c); err != nil {
				return err
			}
		}

		if len(patients) < chunkSize {
			return nil
		}
		after = patients[len(patients)-1].ID
	}
}

func (s *PostgresReminderStore) patientPage(
	ctx context.Context,
	practiceID string,
	window model.DateWindow,
	outcomes []string,
	after string,
	limit int,
) ([]model.Patient, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT p.id, p.name
		FROM patients p
		WHERE p.id > $1
		  AND p.name IS NOT NULL
		  AND NOT p.is_deceased
		  AND NOT p.pims_is_deceased
		  AND NOT p.pims_is_inactive
		  AND NOT p.pims_is_deleted
		  AND NOT p.pims_has_suspended_reminders
		  AND p.death_date IS NULL
		  AND p.euthanasia_date IS NULL
		  AND p.removed_at IS NULL
		  AND (p.outcome IS NULL OR NOT (p.outcome = ANY($5)))
		  AND EXISTS (
		      SELECT 1 FROM reminders r
		      WHERE r.patient_id = p.id
		        AND r.practice_id = $2
		        AND r.sms_status IS NULL
		        AND r.removed_at IS NULL
		        AND r.date_due BETWEEN $3 AND $4
		  )
		ORDER BY p.id
		LIMIT $6
	`, after, practiceID, window.Start, window.End, outcomes, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Patient
	for rows.Next() {
		var p model.Patient
		if err := rows.Scan(&p.ID, &p.Name); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// loadCandidates fetches reminders, appointments, clients and phones for a
// page of patients with one query each.
func (s *PostgresReminderStore) loadCandidates(
	ctx context.Context,
	practiceID string,
	window model.DateWindow,
	patients []model.Patient,
) ([]model.Candidate, error) {
	ids := make([]string, len(patients))
	byID := make(map[string]*model.Candidate, len(patients))
	cands := make([]model.Candidate, len(patients))
	for i, p := range patients {
		ids[i] = p.ID
		cands[i].Patient = p
		byID[p.ID] = &cands[i]
	}

	if err := s.loadReminders(ctx, practiceID, window, ids, byID); err != nil {
		return nil, fmt.Errorf("load reminders: %w", err)
	}
	if err := s.loadAppointments(ctx, ids, byID); err != nil {
		return nil, fmt.Errorf("load appointments: %w", err)
	}
	if err := s.loadClients(ctx, ids, byID); err != nil {
		return nil, fmt.Errorf("load clients: %w", err)
	}
	return cands, nil
}

func (s *PostgresReminderStore) loadReminders(ctx context.Context, practiceID string, window model.DateWindow, ids []string, byID map[string]*model.Candidate) error {
	rows, err := s.pool.Query(ctx, `
		SELECT id, patient_id, practice_id, date_due, description
		FROM reminders
		WHERE patient_id = ANY($1)
		  AND practice_id = $2
		  AND sms_status IS NULL
		  AND removed_at IS NULL
		  AND date_due BETWEEN $3 AND $4
		ORDER BY date_due DESC, id
	`, ids, practiceID, window.Start, window.End)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var r model.Reminder
		if err := rows.Scan(&r.ID, &r.PatientID, &r.PracticeID, &r.DateDue, &r.Description); err != nil {
			return err
		}
		if c := byID[r.PatientID]; c != nil {
			c.Reminders = append(c.Reminders, r)
		}
	}
	return rows.Err()
}

func (s *PostgresReminderStore) loadAppointments(ctx context.Context, ids []string, byID map[string]*model.Candidate) error {
	rows, err := s.pool.Query(ctx, `
		SELECT id, patient_id, starts_at
		FROM appointments
		WHERE patient_id = ANY($1)
		  AND NOT is_canceled
		  AND removed_at IS NULL
		ORDER BY starts_at DESC
	`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var a model.Appointment
		if err := rows.Scan(&a.ID, &a.PatientID, &a.At); err != nil {
			return err
		}
		if c := byID[a.PatientID]; c != nil {
			c.Appointments = append(c.Appointments, a)
		}
	}
	return rows.Err()
}

func (s *PostgresReminderStore) loadClients(ctx context.Context, ids []string, byID map[string]*model.Candidate) error {
	rows, err := s.pool.Query(ctx, `
		SELECT rel.patient_id, c.id, rel.is_primary,
		       ph.id, ph.number, ph.type, ph.is_primary
		FROM client_patient_relationships rel
		JOIN clients c ON c.id = rel.client_id
		LEFT JOIN phones ph
		       ON ph.client_id = c.id
		      AND ph.is_primary
		      AND ph.number IS NOT NULL
		      AND ph.removed_at IS NULL
		WHERE rel.patient_id = ANY($1)
		  AND rel.removed_at IS NULL
		  AND NOT c.pims_is_inactive
		  AND NOT c.pims_is_deleted
		  AND NOT c.pims_has_suspended_reminders
		  AND c.is_home_practice IS DISTINCT FROM FALSE
		  AND c.removed_at IS NULL
		ORDER BY rel.patient_id, rel.is_primary DESC, c.id, ph.id
	`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			patientID, clientID string
			relPrimary          bool
			phoneID, number     *string
			phoneType           *string
			phonePrimary        *bool
		)
		if err := rows.Scan(&patientID, &clientID, &relPrimary, &phoneID, &number, &phoneType, &phonePrimary); err != nil {
			return err
		}
		c := byID[patientID]
		if c == nil {
			continue
		}

		n := len(c.Clients)
		if n == 0 || c.Clients[n-1].ID != clientID {
			c.Clients = append(c.Clients, model.Client{ID: clientID, IsPrimary: relPrimary})
			n++
		}
		if phoneID != nil {
			ph := model.Phone{ID: *phoneID, ClientID: clientID, IsPrimary: true}
			if number != nil {
				ph.Number = *number
			}
			if phoneType != nil {
				ph.Type = *phoneType
			}
			c.Clients[n-1].Phones = append(c.Clients[n-1].Phones, ph)
		}
	}
	return rows.Err()
}

func (s *PostgresReminderStore) UpdateDispositions(ctx context.Context, updates []model.DispositionUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	ids := make([]string, len(updates))
	statuses := make([]string, len(updates))
	for i, u := range updates {
		ids[i] = u.ReminderID
		statuses[i] = string(u.Status)
	}

	_, err := s.pool.Exec(ctx, `
		UPDATE reminders r
		SET sms_status = u.status, updated_at = now()
		FROM unnest($1::text[], $2::text[]) AS u(id, status)
		WHERE r.id = u.id AND r.sms_status IS NULL
	`, ids, statuses)
	if err != nil {
		return fmt.Errorf("update dispositions: %w", err)
	}
	return nil
}

func (s *PostgresReminderStore) CreateMessages(ctx context.Context, practiceID string, messages []model.OutboundMessage) error {
	if len(messages) == 0 {
		return nil
	}

	now := time.Now().UTC()
	return withTx(ctx, s.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, m := range messages {
			ctxJSON, err := json.Marshal(m.Context)
			if err != nil {
				return fmt.Errorf("encode sms context: %w", err)
			}
			batch.Queue(`
				INSERT INTO sms_history (id, practice_id, client_id, event_context, status, created_at, updated_at)
				VALUES ($1, $2, $3, $4, 'PENDING', $5, $5)
			`, m.Context.HistoryID, practiceID, m.ClientID, ctxJSON, now)
			batch.Queue(`
				INSERT INTO sms_events (id, send_at, context, status, created_at, updated_at)
				VALUES ($1, $2, $3, 'PENDING', $4, $4)
			`, uuid.NewString(), m.SendAt.UTC(), ctxJSON, now)
			batch.Queue(`
				UPDATE reminders
				SET sms_status = $1, sms_history_id = $2, updated_at = $3
				WHERE id = ANY($4) AND sms_status IS NULL
			`, string(model.DispositionEventCreated), m.Context.HistoryID, now, m.ReminderIDs)
			if len(m.CheckedIDs) > 0 {
				batch.Queue(`
					UPDATE reminders
					SET sms_status = $1, updated_at = $2
					WHERE id = ANY($3) AND sms_status IS NULL
				`, string(model.DispositionChecked), now, m.CheckedIDs)
			}
		}

		br := tx.SendBatch(ctx, batch)
		if err := checkMessageBatch(br, messages); err != nil {
			_ = br.Close()
			return err
		}
		if err := br.Close(); err != nil {
			return fmt.Errorf("create messages: %w", err)
		}
		return nil
	})
}

// checkMessageBatch reads the batch results in queue order and fails when a
// message could not claim all of its reminders.
func checkMessageBatch(br pgx.BatchResults, messages []model.OutboundMessage) error {
	for _, m := range messages {
		for range 2 {
			if _, err := br.Exec(); err != nil {
				return fmt.Errorf("create messages: %w", err)
			}
		}
		tag, err := br.Exec()
		if err != nil {
			return fmt.Errorf("link reminders: %w", err)
		}
		if n := tag.RowsAffected(); n != int64(len(m.ReminderIDs)) {
			return fmt.Errorf("client %s: linked %d of %d reminders: %w", m.ClientID, n, len(m.ReminderIDs), ErrAlreadyDispositioned)
		}
		if len(m.CheckedIDs) > 0 {
			if _, err := br.Exec(); err != nil {
				return fmt.Errorf("mark checked: %w", err)
			}
		}
	}
	return nil
}
