// Package config provides default values for configuration.
package config

import "time"

// Server defaults
const (
	DefaultHost         = "0.0.0.0"
	DefaultPort         = 8080
	DefaultBaseURL      = "http://localhost:8080"
	DefaultReadTimeout  = 30 * time.Second
	DefaultWriteTimeout = 60 * time.Second
)

// Database defaults
const (
	DefaultDataDir       = "/data"
	DefaultBusyTimeoutMs = 5000
)

// Google defaults
const (
	DefaultCalendarID      = "primary"
	DefaultCredentialStore = "sqlite"
	DefaultRefreshMargin   = 5 * time.Minute
	DefaultOAuthStateTTL   = 10 * time.Minute
)

// Policy defaults
const (
	DefaultTimezone        = "Asia/Tokyo"
	DefaultWorkdayStart    = "09:00"
	DefaultWorkdayEnd      = "19:00"
	DefaultDurationMinutes = 30
	DefaultFreeSlotHorizon = 24 * time.Hour
	DefaultResolveWindow   = 14 * 24 * time.Hour
)

// Idempotency defaults
const (
	DefaultIdempotencyBackend   = "memory"
	DefaultIdempotencyRetention = 5 * time.Minute
	DefaultIdempotencyWait      = 15 * time.Second
)

// Retry defaults
const (
	DefaultMaxAttempts    = 3
	DefaultInitialBackoff = 500 * time.Millisecond
	DefaultMaxBackoff     = 5 * time.Second
	DefaultCallTimeout    = 45 * time.Second
)

// Parser defaults
const (
	DefaultParserBaseURL = "https://api.groq.com/openai/v1"
	DefaultParserModel   = "llama-3.3-70b-versatile"
	DefaultParserTimeout = 20 * time.Second
)

// Logging defaults
const (
	DefaultLogLevel = "info"
)

// Retention defaults
const (
	DefaultAuditLogDays = 90
)
