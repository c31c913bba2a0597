package config

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/robfig/cron/v3"
)

type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Log         LogConfig
	Provider    ProviderConfig
	Dispatch    DispatchConfig
	Aggregation AggregationConfig
	Sender      SenderConfig
	Jobs        JobsConfig
}

type ServerConfig struct {
	Address string `env:"SERVER_ADDRESS" envDefault:":8080"`
}

type DatabaseConfig struct {
	PostgresURL string `env:"POSTGRES_URL,required,notEmpty"`
}

type RedisConfig struct {
	Enabled  bool
	Address  string `env:"REDIS_ADDR"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
}

type LogConfig struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"json"`
}

type ProviderConfig struct {
	Name             string        `env:"SMS_PROVIDER" envDefault:"dialpad"`
	SendEnabled      bool          `env:"SMS_SEND_ENABLED" envDefault:"false"`
	DialpadToken     string        `env:"DIALPAD_API_TOKEN"`
	DialpadBaseURL   string        `env:"DIALPAD_BASE_URL" envDefault:"https://dialpad.com"`
	TwilioAccountSID string        `env:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken  string        `env:"TWILIO_AUTH_TOKEN"`
	Timeout          time.Duration `env:"PROVIDER_TIMEOUT" envDefault:"10s"`
}

type DispatchConfig struct {
	LimitPerMinute int           `env:"SMS_LIMIT_PER_MINUTE" envDefault:"200"`
	Cooldown       time.Duration `env:"SMS_COOLDOWN" envDefault:"5m"`
	Stagger        time.Duration `env:"SMS_DISPATCH_STAGGER" envDefault:"10ms"`
	StaleAfter     time.Duration `env:"SMS_DISPATCH_STALE_AFTER" envDefault:"15m"`
	Cron           string        `env:"SMS_DISPATCH_CRON" envDefault:"* 15-23 * * 1-5"`
}

type AggregationConfig struct {
	Cron               string        `env:"SMS_AGGREGATION_CRON" envDefault:"30 13 * * *"`
	UpdateBatchSize    int           `env:"AGGREGATION_UPDATE_BATCH" envDefault:"200"`
	PatientChunkSize   int           `env:"AGGREGATION_PATIENT_CHUNK" envDefault:"200"`
	SendHour           int           `env:"SMS_SEND_HOUR" envDefault:"11"`
	TimeZone           string        `env:"SMS_TIME_ZONE" envDefault:"America/New_York"`
	ExcludedPhoneTypes []string      `env:"SMS_EXCLUDED_PHONE_TYPES" envSeparator:";"`
	TemplateCacheTTL   time.Duration `env:"TEMPLATE_CACHE_TTL" envDefault:"30m"`
	OutcomeCacheTTL    time.Duration `env:"OUTCOME_CACHE_TTL" envDefault:"1h"`
}

type SenderConfig struct {
	PhoneCode     string        `env:"SMS_PHONE_CODE" envDefault:"+1"`
	RetryAttempts int           `env:"SEND_RETRY_ATTEMPTS" envDefault:"3"`
	RetryDelay    time.Duration `env:"SEND_RETRY_DELAY" envDefault:"5s"`
}

// JobsConfig drives the two job runners: send jobs use ClaimLimit and
// Concurrency, aggregation passes use AggregateConcurrency.
type JobsConfig struct {
	PollInterval         time.Duration `env:"JOBS_POLL_INTERVAL" envDefault:"2s"`
	ClaimLimit           int           `env:"JOBS_CLAIM_LIMIT" envDefault:"20"`
	Concurrency          int           `env:"JOBS_CONCURRENCY" envDefault:"8"`
	AggregateConcurrency int           `env:"JOBS_AGGREGATE_CONCURRENCY" envDefault:"2"`
	StaleAfter           time.Duration `env:"JOBS_STALE_AFTER" envDefault:"5m"`
}

func LoadAll() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.Redis.Enabled = cfg.Redis.Address != ""

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SlogLevel maps LOG_LEVEL onto a slog level; unknown values mean info.
func (c LogConfig) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Level)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func validate(cfg *Config) error {
	var errs []error

	if cfg.Dispatch.LimitPerMinute <= 0 {
		errs = append(errs, errors.New("SMS_LIMIT_PER_MINUTE must be > 0"))
	}
	if cfg.Dispatch.Cooldown <= 0 {
		errs = append(errs, errors.New("SMS_COOLDOWN must be > 0"))
	}
	if cfg.Dispatch.Stagger < 0 {
		errs = append(errs, errors.New("SMS_DISPATCH_STAGGER must be >= 0"))
	}
	if cfg.Aggregation.UpdateBatchSize <= 0 {
		errs = append(errs, errors.New("AGGREGATION_UPDATE_BATCH must be > 0"))
	}
	if cfg.Aggregation.PatientChunkSize <= 0 {
		errs = append(errs, errors.New("AGGREGATION_PATIENT_CHUNK must be > 0"))
	}
	if cfg.Aggregation.SendHour < 0 || cfg.Aggregation.SendHour > 23 {
		errs = append(errs, errors.New("SMS_SEND_HOUR must be within 0..23"))
	}
	if _, err := time.LoadLocation(cfg.Aggregation.TimeZone); err != nil {
		errs = append(errs, fmt.Errorf("SMS_TIME_ZONE: %w", err))
	}
	if _, err := cron.ParseStandard(cfg.Dispatch.Cron); err != nil {
		errs = append(errs, fmt.Errorf("SMS_DISPATCH_CRON: %w", err))
	}
	if _, err := cron.ParseStandard(cfg.Aggregation.Cron); err != nil {
		errs = append(errs, fmt.Errorf("SMS_AGGREGATION_CRON: %w", err))
	}
	if cfg.Sender.RetryAttempts <= 0 {
		errs = append(errs, errors.New("SEND_RETRY_ATTEMPTS must be > 0"))
	}
	if cfg.Jobs.PollInterval <= 0 {
		errs = append(errs, errors.New("JOBS_POLL_INTERVAL must be > 0"))
	}
	if cfg.Jobs.ClaimLimit <= 0 {
		errs = append(errs, errors.New("JOBS_CLAIM_LIMIT must be > 0"))
	}
	if cfg.Jobs.Concurrency <= 0 {
		errs = append(errs, errors.New("JOBS_CONCURRENCY must be > 0"))
	}
	if cfg.Jobs.AggregateConcurrency <= 0 {
		errs = append(errs, errors.New("JOBS_AGGREGATE_CONCURRENCY must be > 0"))
	}

	switch cfg.Provider.Name {
	case "dialpad":
		if cfg.Provider.SendEnabled && cfg.Provider.DialpadToken == "" {
			errs = append(errs, errors.New("DIALPAD_API_TOKEN is required when SMS_SEND_ENABLED is set"))
		}
	case "twilio":
		if cfg.Provider.SendEnabled && (cfg.Provider.TwilioAccountSID == "" || cfg.Provider.TwilioAuthToken == "") {
			errs = append(errs, errors.New("TWILIO_ACCOUNT_SID and TWILIO_AUTH_TOKEN are required when SMS_SEND_ENABLED is set"))
		}
	default:
		errs = append(errs, fmt.Errorf("SMS_PROVIDER must be dialpad or twilio, got %q", cfg.Provider.Name))
	}

	return joinErrors(errs)
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}
