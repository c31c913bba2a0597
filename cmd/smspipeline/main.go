package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/LeventeLantos/vet-reminder-sms/internal/aggregation"
	"github.com/LeventeLantos/vet-reminder-sms/internal/api"
	"github.com/LeventeLantos/vet-reminder-sms/internal/cache"
	"github.com/LeventeLantos/vet-reminder-sms/internal/config"
	"github.com/LeventeLantos/vet-reminder-sms/internal/cooldown"
	"github.com/LeventeLantos/vet-reminder-sms/internal/dispatch"
	"github.com/LeventeLantos/vet-reminder-sms/internal/followup"
	"github.com/LeventeLantos/vet-reminder-sms/internal/jobs"
	"github.com/LeventeLantos/vet-reminder-sms/internal/model"
	"github.com/LeventeLantos/vet-reminder-sms/internal/provider"
	"github.com/LeventeLantos/vet-reminder-sms/internal/repo"
	"github.com/LeventeLantos/vet-reminder-sms/internal/scheduler"
	"github.com/LeventeLantos/vet-reminder-sms/internal/sender"
	"github.com/LeventeLantos/vet-reminder-sms/internal/sendtime"
	"github.com/LeventeLantos/vet-reminder-sms/internal/templates"
)

const cachePrefix = "vetsms"

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadAll()
	if err != nil {
		log.Fatal(err)
	}

	slog.SetDefault(slog.New(newLogHandler(cfg.Log)))

	if err := run(cfg); err != nil {
		slog.Error("smspipeline exited with error", "err", err)
		os.Exit(1)
	}
}

func newLogHandler(c config.LogConfig) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.Format == "text" {
		return slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.NewJSONHandler(os.Stdout, opts)
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.Database.PostgresURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	if err := repo.EnsureSchema(ctx, pool); err != nil {
		return err
	}

	var (
		kv cache.Cache    = cache.NewMemoryCache()
		cd cooldown.Store = repo.NewPostgresCooldownStore(pool)
	)
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		kv = cache.NewRedisCache(rdb, cachePrefix)
		cd = cooldown.NewRedisStore(rdb)
	}

	loc, err := time.LoadLocation(cfg.Aggregation.TimeZone)
	if err != nil {
		return fmt.Errorf("load time zone: %w", err)
	}

	reminders := repo.NewPostgresReminderStore(pool)
	messages := repo.NewPostgresMessageRepo(pool)
	jobRepo := repo.NewPostgresJobRepo(pool)

	resolver := templates.NewResolver(repo.NewPostgresTemplateStore(pool), kv, cfg.Aggregation.TemplateCacheTTL)
	planner := sendtime.NewPlanner(sendtime.USCalendar(), loc, cfg.Aggregation.SendHour)
	engine := aggregation.NewEngine(reminders, resolver, planner, kv, aggregation.Config{
		UpdateBatchSize:    cfg.Aggregation.UpdateBatchSize,
		PatientChunkSize:   cfg.Aggregation.PatientChunkSize,
		ExcludedPhoneTypes: cfg.Aggregation.ExcludedPhoneTypes,
		OutcomeCacheTTL:    cfg.Aggregation.OutcomeCacheTTL,
	})

	dispatcher := dispatch.New(messages, jobRepo, cd, dispatch.Config{
		LimitPerMinute: cfg.Dispatch.LimitPerMinute,
		Stagger:        cfg.Dispatch.Stagger,
		StaleAfter:     cfg.Dispatch.StaleAfter,
	})

	worker := sender.NewWorker(messages, newProvider(cfg.Provider), cd, sender.Config{
		PhoneCode:     cfg.Sender.PhoneCode,
		Cooldown:      cfg.Dispatch.Cooldown,
		RetryAttempts: cfg.Sender.RetryAttempts,
		RetryDelay:    cfg.Sender.RetryDelay,
	})

	// Aggregation passes can take minutes, so they get their own runner and
	// never hold up sends.
	aggregateRunner := jobs.NewRunner(jobRepo, jobs.Config{
		ClaimLimit:  cfg.Jobs.AggregateConcurrency,
		Concurrency: cfg.Jobs.AggregateConcurrency,
		StaleAfter:  cfg.Jobs.StaleAfter,
	})
	aggregateRunner.Handle(model.JobKindAggregate, jobs.AggregateHandler(engine))

	sendRunner := jobs.NewRunner(jobRepo, jobs.Config{
		ClaimLimit:  cfg.Jobs.ClaimLimit,
		Concurrency: cfg.Jobs.Concurrency,
		StaleAfter:  cfg.Jobs.StaleAfter,
	})
	sendRunner.Handle(model.JobKindSend, jobs.SendHandler(worker))

	enqueue := jobs.AggregationEnqueuer(jobRepo, time.Now)

	schedulers, dispatchSched, err := buildSchedulers(cfg, dispatcher, engine, enqueue, aggregateRunner, sendRunner)
	if err != nil {
		return err
	}

	handler := api.NewHandler(api.Deps{
		Scheduler: dispatchSched,
		Dispatch:  dispatcher,
		Aggregate: engine,
		Enqueue:   enqueue,
		Messages:  messages,
		FollowUps: followup.NewService(repo.NewPostgresFollowUpStore(pool)),
	})

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           loggingMiddleware(api.Router(handler)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	for _, s := range schedulers {
		s.Start()
	}

	slog.Info("smspipeline starting",
		"addr", cfg.Server.Address,
		"provider", cfg.Provider.Name,
		"send_enabled", cfg.Provider.SendEnabled,
		"dispatch_cron", cfg.Dispatch.Cron,
		"aggregation_cron", cfg.Aggregation.Cron,
		"redis", cfg.Redis.Enabled,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			slog.Error("http server failed", "err", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown failed", "err", err)
	}
	for _, s := range schedulers {
		s.Stop()
	}

	slog.Info("smspipeline stopped")
	return nil
}

func newProvider(c config.ProviderConfig) provider.Provider {
	if !c.SendEnabled {
		slog.Warn("SMS_SEND_ENABLED is false, messages will not leave the system")
		return provider.DryRun{}
	}
	if c.Name == "twilio" {
		return provider.NewTwilio(c.TwilioAccountSID, c.TwilioAuthToken)
	}
	return provider.NewDialpad(c.DialpadBaseURL, c.DialpadToken, c.Timeout)
}

// buildSchedulers returns every periodic loop plus the dispatch loop, which
// the API can start and stop on its own.
func buildSchedulers(
	cfg *config.Config,
	d *dispatch.Dispatcher,
	engine *aggregation.Engine,
	enqueue aggregation.EnqueueFunc,
	runners ...*jobs.Runner,
) ([]*scheduler.Scheduler, *scheduler.Scheduler, error) {
	dispatchSpec, err := scheduler.ParseSpec(cfg.Dispatch.Cron)
	if err != nil {
		return nil, nil, err
	}
	aggregationSpec, err := scheduler.ParseSpec(cfg.Aggregation.Cron)
	if err != nil {
		return nil, nil, err
	}

	dispatchSched, err := scheduler.New("dispatch", dispatchSpec, func(ctx context.Context) {
		if _, err := d.Tick(ctx); err != nil {
			slog.Error("dispatch tick failed", "err", err)
		}
	})
	if err != nil {
		return nil, nil, err
	}

	aggregationSched, err := scheduler.New("aggregation", aggregationSpec, func(ctx context.Context) {
		if _, err := engine.RunAll(ctx, enqueue); err != nil {
			slog.Error("aggregation fan-out failed", "err", err)
		}
	})
	if err != nil {
		return nil, nil, err
	}

	all := []*scheduler.Scheduler{dispatchSched, aggregationSched}
	for _, rn := range runners {
		name := "jobs[" + strings.Join(rn.Kinds(), ",") + "]"
		s, err := scheduler.New(name, scheduler.Every(cfg.Jobs.PollInterval), rn.Tick)
		if err != nil {
			return nil, nil, err
		}
		s.RunOnStart()
		all = append(all, s)
	}

	return all, dispatchSched, nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
