// Package config handles configuration loading from environment variables and optional YAML files.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dtorcivia/afterhours/internal/util"
)

// Config holds all application configuration.
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Google        GoogleConfig
	Policy        PolicyConfig
	Idempotency   IdempotencyConfig
	Retry         RetryConfig
	Parser        ParserConfig
	Notifications NotificationsConfig
	RateLimits    RateLimitsConfig
	Auth          AuthConfig
	Logging       LoggingConfig
	Retention     RetentionConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string
	Port         int
	BaseURL      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	Path          string
	WALMode       bool
	BusyTimeoutMs int
}

// GoogleConfig holds Google OAuth and Calendar settings.
type GoogleConfig struct {
	ClientID           string
	ClientSecret       string
	RedirectURI        string
	Scopes             []string
	CalendarID         string
	CredentialsFile    string // OAuth client JSON downloaded from the Cloud console
	CredentialsJSONB64 string

	// CredentialStore selects where the OAuth credential lives: "sqlite" or "file".
	CredentialStore       string
	TokenFile             string
	TokenB64              string // bootstrap blob, used when the store is empty
	ReturnTokenInCallback bool
	RefreshMargin         time.Duration
	OAuthStateTTL         time.Duration
}

// PolicyConfig holds the working-hours policy and scheduling rules.
type PolicyConfig struct {
	Timezone               string
	WorkdayStart           string
	WorkdayEnd             string
	ExtraHolidays          []string
	BlockOnConflict        bool
	SuggestFreeSlot        bool
	DefaultDurationMinutes int
	MinLeadTime            time.Duration
	FreeSlotHorizon        time.Duration
	ResolveWindow          time.Duration
	TestAttendeeEmail      string
}

// IdempotencyConfig holds duplicate-suppression settings.
type IdempotencyConfig struct {
	Backend       string // "memory" or "redis"
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KeyPrefix     string
	Retention     time.Duration
	WaitTimeout   time.Duration
}

// RetryConfig holds retry settings for Google API calls.
type RetryConfig struct {
	MaxAttempts          int
	InitialBackoff       time.Duration
	MaxBackoff           time.Duration
	CallTimeout          time.Duration
	RetryableStatusCodes []int
}

// ParserConfig holds the natural-language parser endpoint.
type ParserConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// SMTPConfig holds outbound mail settings.
type SMTPConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Username string
	Password string
	From     string
	UseTLS   bool
}

// NtfyConfig holds ntfy notification settings.
type NtfyConfig struct {
	Enabled  bool
	Server   string
	Topic    string
	Token    string
	Priority string
}

// NotificationsConfig holds all notification channel settings.
type NotificationsConfig struct {
	QueueSize int
	SMTP      SMTPConfig
	Ntfy      NtfyConfig
}

// RateLimitsConfig holds per-client request limits.
type RateLimitsConfig struct {
	RequestsPerMinute int
	Burst             int
}

// AuthConfig holds secrets used to protect stored credentials.
type AuthConfig struct {
	EncryptionKey string
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string
	Format string
}

// RetentionConfig holds data retention settings.
type RetentionConfig struct {
	Enabled         bool
	AuditLogDays    int
	CleanupInterval time.Duration
}

// Defaults returns a configuration populated with default values only.
func Defaults() *Config {
	dataDir := getEnv("DATA_DIR", DefaultDataDir)
	return &Config{
		Server: ServerConfig{
			Host:         DefaultHost,
			Port:         DefaultPort,
			BaseURL:      DefaultBaseURL,
			ReadTimeout:  DefaultReadTimeout,
			WriteTimeout: DefaultWriteTimeout,
		},
		Database: DatabaseConfig{
			Path:          filepath.Join(dataDir, "afterhours.db"),
			WALMode:       true,
			BusyTimeoutMs: DefaultBusyTimeoutMs,
		},
		Google: GoogleConfig{
			Scopes:          []string{"https://www.googleapis.com/auth/calendar"},
			CalendarID:      DefaultCalendarID,
			CredentialStore: DefaultCredentialStore,
			TokenFile:       filepath.Join(dataDir, "token.json"),
			RefreshMargin:   DefaultRefreshMargin,
			OAuthStateTTL:   DefaultOAuthStateTTL,
		},
		Policy: PolicyConfig{
			Timezone:               DefaultTimezone,
			WorkdayStart:           DefaultWorkdayStart,
			WorkdayEnd:             DefaultWorkdayEnd,
			SuggestFreeSlot:        true,
			DefaultDurationMinutes: DefaultDurationMinutes,
			FreeSlotHorizon:        DefaultFreeSlotHorizon,
			ResolveWindow:          DefaultResolveWindow,
		},
		Idempotency: IdempotencyConfig{
			Backend:     DefaultIdempotencyBackend,
			KeyPrefix:   "afterhours:idem:",
			Retention:   DefaultIdempotencyRetention,
			WaitTimeout: DefaultIdempotencyWait,
		},
		Retry: RetryConfig{
			MaxAttempts:          DefaultMaxAttempts,
			InitialBackoff:       DefaultInitialBackoff,
			MaxBackoff:           DefaultMaxBackoff,
			CallTimeout:          DefaultCallTimeout,
			RetryableStatusCodes: []int{429, 500, 502, 503, 504},
		},
		Parser: ParserConfig{
			BaseURL: DefaultParserBaseURL,
			Model:   DefaultParserModel,
			Timeout: DefaultParserTimeout,
		},
		Notifications: NotificationsConfig{
			QueueSize: 64,
			SMTP:      SMTPConfig{Port: 587, UseTLS: true},
			Ntfy:      NtfyConfig{Server: "https://ntfy.sh", Priority: "default"},
		},
		RateLimits: RateLimitsConfig{RequestsPerMinute: 30, Burst: 5},
		Logging:    LoggingConfig{Level: DefaultLogLevel, Format: "json"},
		Retention: RetentionConfig{
			Enabled:         true,
			AuditLogDays:    DefaultAuditLogDays,
			CleanupInterval: time.Minute,
		},
	}
}

// Load reads configuration from defaults, the optional YAML file and
// environment variables, in that order of precedence (env wins).
func Load() (*Config, error) {
	cfg := Defaults()

	if err := loadConfigFile(cfg, GetConfigFilePath()); err != nil {
		return nil, err
	}
	applyEnv(cfg)

	if cfg.Google.RedirectURI == "" {
		cfg.Google.RedirectURI = strings.TrimRight(cfg.Server.BaseURL, "/") + "/auth/callback"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Server.Host = getEnv("HOST", cfg.Server.Host)
	cfg.Server.Port = getEnvInt("PORT", cfg.Server.Port)
	cfg.Server.BaseURL = getEnv("BASE_URL", cfg.Server.BaseURL)
	cfg.Server.ReadTimeout = getEnvDuration("READ_TIMEOUT", cfg.Server.ReadTimeout)
	cfg.Server.WriteTimeout = getEnvDuration("WRITE_TIMEOUT", cfg.Server.WriteTimeout)

	if dir, ok := os.LookupEnv("DATA_DIR"); ok && dir != "" {
		cfg.Database.Path = filepath.Join(dir, "afterhours.db")
	}
	cfg.Database.Path = getEnv("DATABASE_PATH", cfg.Database.Path)

	g := &cfg.Google
	g.ClientID = getEnv("GOOGLE_CLIENT_ID", g.ClientID)
	g.ClientSecret = getEnv("GOOGLE_CLIENT_SECRET", g.ClientSecret)
	g.RedirectURI = getEnv("GOOGLE_REDIRECT_URI", g.RedirectURI)
	g.CalendarID = getEnv("GOOGLE_CALENDAR_ID", g.CalendarID)
	g.CredentialsFile = getEnv("GOOGLE_CREDENTIALS_FILE", g.CredentialsFile)
	g.CredentialsJSONB64 = getEnv("GOOGLE_CREDENTIALS_JSON_B64", g.CredentialsJSONB64)
	g.CredentialStore = getEnv("GOOGLE_CREDENTIAL_STORE", g.CredentialStore)
	g.TokenFile = getEnv("GOOGLE_TOKEN_FILE", g.TokenFile)
	g.TokenB64 = getEnv("GOOGLE_TOKEN_B64", g.TokenB64)
	g.ReturnTokenInCallback = getEnvBool("RETURN_TOKEN_B64_IN_CALLBACK", g.ReturnTokenInCallback)

	p := &cfg.Policy
	p.Timezone = getEnv("POLICY_TIMEZONE", p.Timezone)
	p.WorkdayStart = getEnv("WORKDAY_START", p.WorkdayStart)
	p.WorkdayEnd = getEnv("WORKDAY_END", p.WorkdayEnd)
	p.BlockOnConflict = getEnvBool("BLOCK_ON_CONFLICT", p.BlockOnConflict)
	p.SuggestFreeSlot = getEnvBool("SUGGEST_FREE_SLOT", p.SuggestFreeSlot)
	p.DefaultDurationMinutes = getEnvInt("DEFAULT_DURATION_MINUTES", p.DefaultDurationMinutes)
	p.MinLeadTime = getEnvDuration("MIN_LEAD_TIME", p.MinLeadTime)
	p.TestAttendeeEmail = getEnv("TEST_ATTENDEE_EMAIL", p.TestAttendeeEmail)
	if extra, ok := os.LookupEnv("EXTRA_HOLIDAYS"); ok {
		p.ExtraHolidays = splitList(extra)
	}

	i := &cfg.Idempotency
	i.Backend = getEnv("IDEMPOTENCY_BACKEND", i.Backend)
	i.RedisAddr = getEnv("REDIS_ADDR", i.RedisAddr)
	i.RedisPassword = getEnv("REDIS_PASSWORD", i.RedisPassword)
	i.RedisDB = getEnvInt("REDIS_DB", i.RedisDB)
	i.Retention = getEnvDuration("IDEMPOTENCY_RETENTION", i.Retention)
	i.WaitTimeout = getEnvDuration("IDEMPOTENCY_WAIT_TIMEOUT", i.WaitTimeout)

	r := &cfg.Retry
	r.MaxAttempts = getEnvInt("RETRY_MAX_ATTEMPTS", r.MaxAttempts)
	r.InitialBackoff = getEnvDuration("RETRY_INITIAL_BACKOFF", r.InitialBackoff)
	r.MaxBackoff = getEnvDuration("RETRY_MAX_BACKOFF", r.MaxBackoff)
	r.CallTimeout = getEnvDuration("CALENDAR_CALL_TIMEOUT", r.CallTimeout)

	cfg.Parser.BaseURL = getEnv("PARSER_BASE_URL", cfg.Parser.BaseURL)
	cfg.Parser.APIKey = getEnv("GROQ_API_KEY", cfg.Parser.APIKey)
	cfg.Parser.Model = getEnv("PARSER_MODEL", cfg.Parser.Model)
	cfg.Parser.Timeout = getEnvDuration("PARSER_TIMEOUT", cfg.Parser.Timeout)

	s := &cfg.Notifications.SMTP
	s.Host = getEnv("SMTP_HOST", s.Host)
	s.Port = getEnvInt("SMTP_PORT", s.Port)
	s.Username = getEnv("SMTP_USERNAME", s.Username)
	s.Password = getEnv("SMTP_PASSWORD", s.Password)
	s.From = getEnv("SMTP_FROM", s.From)
	s.UseTLS = getEnvBool("SMTP_USE_TLS", s.UseTLS)
	s.Enabled = getEnvBool("SMTP_ENABLED", s.Enabled || s.Host != "")

	n := &cfg.Notifications.Ntfy
	n.Enabled = getEnvBool("NTFY_ENABLED", n.Enabled)
	n.Server = getEnv("NTFY_SERVER", n.Server)
	n.Topic = getEnv("NTFY_TOPIC", n.Topic)
	n.Token = getEnv("NTFY_TOKEN", n.Token)
	n.Priority = getEnv("NTFY_PRIORITY", n.Priority)

	cfg.RateLimits.RequestsPerMinute = getEnvInt("RATE_LIMIT_PER_MINUTE", cfg.RateLimits.RequestsPerMinute)
	cfg.RateLimits.Burst = getEnvInt("RATE_LIMIT_BURST", cfg.RateLimits.Burst)

	cfg.Auth.EncryptionKey = getEnv("ENCRYPTION_KEY", cfg.Auth.EncryptionKey)

	cfg.Logging.Level = getEnv("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getEnv("LOG_FORMAT", cfg.Logging.Format)

	cfg.Retention.AuditLogDays = getEnvInt("RETENTION_AUDIT_DAYS", cfg.Retention.AuditLogDays)
}

// Validate checks that required configuration fields are set.
func (c *Config) Validate() error {
	if c.Google.ClientID == "" && c.Google.CredentialsFile == "" && c.Google.CredentialsJSONB64 == "" {
		return fmt.Errorf("GOOGLE_CLIENT_ID or GOOGLE_CREDENTIALS_FILE or GOOGLE_CREDENTIALS_JSON_B64 is required")
	}
	if c.Google.ClientID != "" && c.Google.ClientSecret == "" {
		return fmt.Errorf("GOOGLE_CLIENT_SECRET is required when GOOGLE_CLIENT_ID is set")
	}

	switch c.Google.CredentialStore {
	case "sqlite":
		if c.Auth.EncryptionKey == "" {
			return fmt.Errorf("ENCRYPTION_KEY is required for the sqlite credential store")
		}
	case "file":
		if c.Google.TokenFile == "" {
			return fmt.Errorf("GOOGLE_TOKEN_FILE is required for the file credential store")
		}
	default:
		return fmt.Errorf("unknown credential store %q (expected sqlite or file)", c.Google.CredentialStore)
	}

	if _, err := time.LoadLocation(c.Policy.Timezone); err != nil {
		return fmt.Errorf("invalid policy timezone %q: %w", c.Policy.Timezone, err)
	}
	open, err := util.ParseClock(c.Policy.WorkdayStart)
	if err != nil {
		return err
	}
	closing, err := util.ParseClock(c.Policy.WorkdayEnd)
	if err != nil {
		return err
	}
	if open.Minutes() >= closing.Minutes() {
		return fmt.Errorf("workday start %s must be before end %s", open, closing)
	}
	if c.Policy.DefaultDurationMinutes <= 0 {
		return fmt.Errorf("default duration must be positive")
	}

	switch c.Idempotency.Backend {
	case "memory":
	case "redis":
		if c.Idempotency.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required for the redis idempotency backend")
		}
	default:
		return fmt.Errorf("unknown idempotency backend %q (expected memory or redis)", c.Idempotency.Backend)
	}

	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry max attempts must be at least 1")
	}

	if c.Notifications.SMTP.Enabled && c.Notifications.SMTP.From == "" && c.Notifications.SMTP.Username == "" {
		return fmt.Errorf("SMTP_FROM or SMTP_USERNAME is required when SMTP is enabled")
	}
	return nil
}

// GetConfigFilePath returns the path to the config file based on environment variables.
func GetConfigFilePath() string {
	dataDir := getEnv("DATA_DIR", DefaultDataDir)
	return getEnv("AFTERHOURS_CONFIG_FILE", filepath.Join(dataDir, "config.yaml"))
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		lower := strings.ToLower(value)
		return lower == "true" || lower == "1" || lower == "yes"
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
