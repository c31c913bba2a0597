package provider

import (
	"context"
	"encoding/json"
	"time"
)

// Kind classifies the outcome of one provider call.
type Kind int

const (
	Success Kind = iota
	RateLimited
	AuthFailed
	ConfigError
	Transient
	Unknown
)

func (k Kind) String() string {
	switch k {
	case Success:
		return "success"
	case RateLimited:
		return "rate_limited"
	case AuthFailed:
		return "auth_failed"
	case ConfigError:
		return "config_error"
	case Transient:
		return "transient"
	default:
		return "unknown"
	}
}

// Result is what a provider reports for one send. Failures are values, not
// errors: callers switch on Kind.
type Result struct {
	Kind       Kind
	Response   json.RawMessage
	RetryAfter time.Duration
	Detail     string
}

type Provider interface {
	Name() string
	Send(ctx context.Context, from, to, text string) Result
}

// DryRun accepts every message without contacting anyone.
type DryRun struct{}

func (DryRun) Name() string { return "dry-run" }

func (DryRun) Send(context.Context, string, string, string) Result {
	return Result{Kind: Success, Response: json.RawMessage(`{}`)}
}
