package followup

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/LeventeLantos/vet-reminder-sms/internal/model"
	"github.com/LeventeLantos/vet-reminder-sms/internal/repo"
)

// Service marks sent messages as followed up once the call center has
// recorded an outcome for every patient the message was about.
type Service struct {
	store repo.FollowUpStore
}

func NewService(s repo.FollowUpStore) *Service {
	return &Service{store: s}
}

// FollowUp is called after outcomes were saved for the given patients. It
// returns how many history rows were marked followed.
func (s *Service) FollowUp(ctx context.Context, updated []model.PatientOutcome) (int, error) {
	if len(updated) == 0 {
		return 0, nil
	}

	ids := make([]string, 0, len(updated))
	touched := make(map[string]struct{}, len(updated))
	for _, p := range updated {
		if _, dup := touched[p.PatientID]; dup {
			continue
		}
		touched[p.PatientID] = struct{}{}
		ids = append(ids, p.PatientID)
	}

	candidates, err := s.store.ListFollowUpCandidates(ctx, ids)
	if err != nil {
		return 0, err
	}

	var followed []string
	for _, c := range candidates {
		if allChecked(c, touched) {
			followed = append(followed, c.HistoryID)
		}
	}
	if err := s.store.MarkFollowed(ctx, followed); err != nil {
		return 0, fmt.Errorf("mark followed: %w", err)
	}

	slog.Info("followup: processed outcomes",
		"patients", len(ids),
		"candidates", len(candidates),
		"followed", len(followed),
	)
	return len(followed), nil
}

// allChecked reports whether every patient of the message either was just
// updated or already has an outcome no older than the send time.
func allChecked(c model.FollowUpCandidate, touched map[string]struct{}) bool {
	for _, p := range c.Patients {
		if _, ok := touched[p.PatientID]; ok {
			continue
		}
		if p.OutcomeAt == nil || p.OutcomeAt.Before(c.SentAt) {
			return false
		}
	}
	return true
}
