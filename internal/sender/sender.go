package sender

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/LeventeLantos/vet-reminder-sms/internal/cooldown"
	"github.com/LeventeLantos/vet-reminder-sms/internal/model"
	"github.com/LeventeLantos/vet-reminder-sms/internal/provider"
	"github.com/LeventeLantos/vet-reminder-sms/internal/repo"
)

const (
	errMailingDisabled = "SMS mailing for practice is disabled"
	errInvalidSender   = "Invalid practice number"
)

type Config struct {
	PhoneCode     string
	Cooldown      time.Duration
	RetryAttempts int
	RetryDelay    time.Duration
}

// Worker delivers one claimed event and records the outcome on its history
// row. Every path except a rate limit removes the event from the queue.
type Worker struct {
	repo     repo.MessageRepository
	provider provider.Provider
	cooldown cooldown.Store
	alerter  Alerter
	cfg      Config

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewWorker(r repo.MessageRepository, p provider.Provider, cd cooldown.Store, cfg Config) *Worker {
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 1
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 5 * time.Minute
	}
	return &Worker{
		repo:     r,
		provider: p,
		cooldown: cd,
		alerter:  LogAlerter{},
		cfg:      cfg,
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

func (w *Worker) WithAlerter(a Alerter) *Worker {
	if a != nil {
		w.alerter = a
	}
	return w
}

// Send processes the event with the given id. A missing event means another
// worker already finished it and is not an error.
func (w *Worker) Send(ctx context.Context, eventID string) error {
	err := w.repo.LockEvent(ctx, eventID, func(ctx context.Context, tx repo.EventTx) error {
		return w.process(ctx, tx)
	})
	if errors.Is(err, repo.ErrEventNotFound) {
		slog.Info("sender: event already processed", "event_id", eventID)
		return nil
	}
	return err
}

func (w *Worker) process(ctx context.Context, tx repo.EventTx) error {
	ev := tx.Event()

	res, err := w.deliver(ctx, tx, ev.Context)
	if err != nil {
		return err
	}
	return w.record(ctx, tx, ev, res)
}

func (w *Worker) deliver(ctx context.Context, tx repo.EventTx, sc model.SMSContext) (provider.Result, error) {
	settings, err := tx.PracticeSettings(ctx, sc.PracticeID)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return provider.Result{Kind: provider.ConfigError, Detail: errMailingDisabled}, nil
	case err != nil:
		return provider.Result{}, fmt.Errorf("load practice settings: %w", err)
	case !settings.SMSEnabled:
		return provider.Result{Kind: provider.ConfigError, Detail: errMailingDisabled}, nil
	case settings.SenderPhone == "":
		return provider.Result{Kind: provider.ConfigError, Detail: errInvalidSender}, nil
	}

	from := w.cfg.PhoneCode + settings.SenderPhone
	to := w.cfg.PhoneCode + sc.NumberTo

	var res provider.Result
	for attempt := 1; ; attempt++ {
		res = w.provider.Send(ctx, from, to, sc.Text)
		if res.Kind != provider.Transient || attempt >= w.cfg.RetryAttempts {
			return res, nil
		}
		slog.Warn("sender: transient failure, retrying",
			"history_id", sc.HistoryID,
			"attempt", attempt,
			"detail", res.Detail,
		)
		if err := w.sleep(ctx, w.cfg.RetryDelay); err != nil {
			return provider.Result{}, fmt.Errorf("retry wait: %w", err)
		}
	}
}

func (w *Worker) record(ctx context.Context, tx repo.EventTx, ev model.SMSEvent, res provider.Result) error {
	now := w.now().UTC()
	historyID := ev.Context.HistoryID
	log := slog.With("history_id", historyID, "event_id", ev.ID, "provider", w.provider.Name())

	update := model.HistoryUpdate{Status: model.HistoryError, UpdatedAt: now}

	switch res.Kind {
	case provider.Success:
		update.Status = model.HistorySent
		update.Response = res.Response
		update.SentAt = &now
		log.Info("sender: sms sent")

	case provider.RateLimited:
		retryAt := now.Add(w.cfg.Cooldown)
		if err := tx.Rearm(ctx, retryAt); err != nil {
			return fmt.Errorf("rearm event: %w", err)
		}
		update.Status = model.HistoryPending
		update.ErrorMessage = ptr(fmt.Sprintf("Rate limited, retrying at %s: %s", retryAt.Format(time.RFC3339), res.Detail))
		if err := tx.UpdateHistory(ctx, historyID, update); err != nil {
			return fmt.Errorf("update history: %w", err)
		}
		if err := w.cooldown.Set(ctx, retryAt); err != nil {
			// The event is already re-armed; a lost cooldown only costs extra 429s.
			log.Error("sender: set cooldown failed", "err", err)
		}
		log.Warn("sender: rate limited, event re-armed", "retry_at", retryAt, "detail", res.Detail)
		return nil

	case provider.AuthFailed:
		update.ErrorMessage = ptr("AUTH_FAILED: " + res.Detail)
		log.Error("sender: authentication failed", "detail", res.Detail)
		w.alerter.Alert(ctx, AlertAuthFailed, "history_id", historyID, "detail", res.Detail)

	case provider.ConfigError:
		update.ErrorMessage = ptr("CONFIG_ERROR: " + res.Detail)
		log.Error("sender: configuration error", "detail", res.Detail)

	default:
		update.ErrorMessage = ptr(res.Detail)
		log.Error("sender: send failed", "kind", res.Kind.String(), "detail", res.Detail)
		w.alerter.Alert(ctx, AlertUnexpected, "history_id", historyID, "kind", res.Kind.String(), "detail", res.Detail)
	}

	if err := tx.UpdateHistory(ctx, historyID, update); err != nil {
		return fmt.Errorf("update history: %w", err)
	}
	if err := tx.Delete(ctx); err != nil {
		return fmt.Errorf("delete event: %w", err)
	}
	return nil
}

func ptr(s string) *string { return &s }

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
