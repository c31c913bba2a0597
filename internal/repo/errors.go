package repo

import "strings"

// Error classes reported by HistoryStats.
const (
	ReasonSuccess   = "success"
	ReasonAuth      = "auth"
	ReasonConfig    = "config"
	ReasonRateLimit = "rate_limit"
	ReasonForbidden = "forbidden"
	ReasonOther     = "other"
)

// ClassifyError buckets a history error message by the prefixes the send
// worker writes.
func ClassifyError(msg *string) string {
	if msg == nil || *msg == "" {
		return ReasonSuccess
	}
	m := *msg
	lower := strings.ToLower(m)
	switch {
	case strings.HasPrefix(m, "AUTH_FAILED"):
		return ReasonAuth
	case strings.HasPrefix(m, "CONFIG_ERROR"):
		return ReasonConfig
	case strings.HasPrefix(m, "Rate limited"), strings.Contains(lower, "429"), strings.Contains(lower, "rate limit"):
		return ReasonRateLimit
	case strings.Contains(lower, "403"), strings.Contains(lower, "forbidden"):
		return ReasonForbidden
	default:
		return ReasonOther
	}
}
