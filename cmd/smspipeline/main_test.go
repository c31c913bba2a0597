package main

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/LeventeLantos/vet-reminder-sms/internal/config"
	"github.com/LeventeLantos/vet-reminder-sms/internal/jobs"
	"github.com/LeventeLantos/vet-reminder-sms/internal/model"
	"github.com/LeventeLantos/vet-reminder-sms/internal/provider"
)

func TestLoggingMiddleware_PassesThroughAndCapturesStatus(t *testing.T) {
	handler := loggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("ok"))
	}))

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status %d, got %d", http.StatusCreated, rr.Code)
	}

	if body := rr.Body.String(); body != "ok" {
		t.Fatalf("expected body %q, got %q", "ok", body)
	}
}

func TestNewProvider(t *testing.T) {
	cases := []struct {
		name string
		cfg  config.ProviderConfig
		want string
	}{
		{"send disabled", config.ProviderConfig{Name: "dialpad"}, "dry-run"},
		{"dialpad", config.ProviderConfig{Name: "dialpad", SendEnabled: true, DialpadToken: "t", DialpadBaseURL: "https://dialpad.example"}, "dialpad"},
		{"twilio", config.ProviderConfig{Name: "twilio", SendEnabled: true, TwilioAccountSID: "AC1", TwilioAuthToken: "t"}, "twilio"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := newProvider(tc.cfg).Name(); got != tc.want {
				t.Fatalf("expected %s provider, got %s", tc.want, got)
			}
		})
	}

	if _, ok := newProvider(config.ProviderConfig{}).(provider.DryRun); !ok {
		t.Fatalf("expected DryRun by default")
	}
}

func TestNewLogHandler(t *testing.T) {
	if _, ok := newLogHandler(config.LogConfig{Format: "text"}).(*slog.TextHandler); !ok {
		t.Fatalf("expected text handler")
	}
	if _, ok := newLogHandler(config.LogConfig{Format: "json"}).(*slog.JSONHandler); !ok {
		t.Fatalf("expected json handler")
	}
}

func TestBuildSchedulers(t *testing.T) {
	cfg := &config.Config{}
	cfg.Dispatch.Cron = "* 15-23 * * 1-5"
	cfg.Aggregation.Cron = "30 13 * * *"
	cfg.Jobs.PollInterval = time.Hour

	aggRunner := jobs.NewRunner(nil, jobs.Config{})
	aggRunner.Handle(model.JobKindAggregate, func(context.Context, model.Job) error { return nil })
	sendRunner := jobs.NewRunner(nil, jobs.Config{})
	sendRunner.Handle(model.JobKindSend, func(context.Context, model.Job) error { return nil })

	all, dispatchSched, err := buildSchedulers(cfg, nil, nil, nil, aggRunner, sendRunner)
	if err != nil {
		t.Fatalf("buildSchedulers() error: %v", err)
	}
	if len(all) != 4 || all[0] != dispatchSched {
		t.Fatalf("unexpected schedulers: %d", len(all))
	}
	for _, s := range all {
		if s.IsRunning() {
			t.Fatalf("schedulers must not start before main starts them")
		}
	}

	cfg.Dispatch.Cron = "nope"
	if _, _, err := buildSchedulers(cfg, nil, nil, nil); err == nil {
		t.Fatalf("expected error for invalid cron")
	}
}
