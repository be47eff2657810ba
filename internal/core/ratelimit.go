package core

import "time"

// RateLimitState captures per-marketplace window limiter state.
type RateLimitState struct {
	RequestCount   int        `json:"request_count"`
	WindowStart    time.Time  `json:"window_start"`
	HourCount      int        `json:"hour_count"`
	HourStart      time.Time  `json:"hour_start"`
	BackoffUntil   *time.Time `json:"backoff_until,omitempty"`
	Last429At      *time.Time `json:"last_429_at,omitempty"`
	Consecutive429 int        `json:"consecutive_429"`
}
