package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const dialpadSMSPath = "/api/v2/sms"

type Dialpad struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewDialpad(baseURL, token string, timeout time.Duration) *Dialpad {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dialpad{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

func (d *Dialpad) Name() string { return "dialpad" }

type dialpadRequest struct {
	Text       string   `json:"text"`
	FromNumber string   `json:"from_number"`
	ToNumbers  []string `json:"to_numbers"`
}

func (d *Dialpad) Send(ctx context.Context, from, to, text string) Result {
	reqBody, err := json.Marshal(dialpadRequest{
		Text:       text,
		FromNumber: from,
		ToNumbers:  []string{to},
	})
	if err != nil {
		return Result{Kind: Unknown, Detail: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+dialpadSMSPath, bytes.NewReader(reqBody))
	if err != nil {
		return Result{Kind: ConfigError, Detail: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+d.token)

	resp, err := d.client.Do(req)
	if err != nil {
		// Connection failures and timeouts.
		return Result{Kind: Transient, Detail: err.Error()}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	return classifyDialpad(resp.StatusCode, resp.Header.Get("Retry-After"), body)
}

func classifyDialpad(status int, retryAfter string, body []byte) Result {
	detail := fmt.Sprintf("dialpad status=%d body=%s", status, string(body))

	switch {
	case status >= 200 && status < 300:
		if !json.Valid(body) {
			return Result{Kind: Success, Response: json.RawMessage(`{}`)}
		}
		return Result{Kind: Success, Response: json.RawMessage(body)}
	case status == http.StatusTooManyRequests:
		return Result{Kind: RateLimited, RetryAfter: parseRetryAfter(retryAfter), Detail: detail}
	case status == http.StatusForbidden:
		lower := strings.ToLower(string(body))
		if strings.Contains(lower, "rate") || strings.Contains(lower, "limit") || strings.Contains(lower, "quota") {
			return Result{Kind: RateLimited, RetryAfter: parseRetryAfter(retryAfter), Detail: detail}
		}
		return Result{Kind: AuthFailed, Detail: detail}
	case status == http.StatusUnauthorized:
		return Result{Kind: AuthFailed, Detail: detail}
	case status == http.StatusBadGateway, status == http.StatusServiceUnavailable, status == http.StatusGatewayTimeout:
		return Result{Kind: Transient, Detail: detail}
	default:
		return Result{Kind: Unknown, Detail: detail}
	}
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
