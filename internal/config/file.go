package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type fileDuration time.Duration

func (d *fileDuration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	switch value.Kind {
	case yaml.ScalarNode:
		if value.Tag == "!!int" {
			var seconds int64
			if err := value.Decode(&seconds); err != nil {
				return err
			}
			*d = fileDuration(time.Duration(seconds) * time.Second)
			return nil
		}
		var raw string
		if err := value.Decode(&raw); err != nil {
			return err
		}
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", raw, err)
		}
		*d = fileDuration(parsed)
		return nil
	default:
		return fmt.Errorf("invalid duration type")
	}
}

type ConfigFile struct {
	Server        *ServerConfigFile        `yaml:"server"`
	Database      *DatabaseConfigFile      `yaml:"database"`
	Google        *GoogleConfigFile        `yaml:"google"`
	Policy        *PolicyConfigFile        `yaml:"policy"`
	Idempotency   *IdempotencyConfigFile   `yaml:"idempotency"`
	Retry         *RetryConfigFile         `yaml:"retry"`
	Parser        *ParserConfigFile        `yaml:"parser"`
	Notifications *NotificationsConfigFile `yaml:"notifications"`
	RateLimits    *RateLimitsConfigFile    `yaml:"rate_limits"`
	Auth          *AuthConfigFile          `yaml:"auth"`
	Logging       *LoggingConfigFile       `yaml:"logging"`
	Retention     *RetentionConfigFile     `yaml:"retention"`
}

type ServerConfigFile struct {
	Host         *string       `yaml:"host"`
	Port         *int          `yaml:"port"`
	BaseURL      *string       `yaml:"base_url"`
	ReadTimeout  *fileDuration `yaml:"read_timeout"`
	WriteTimeout *fileDuration `yaml:"write_timeout"`
}

type DatabaseConfigFile struct {
	Path          *string `yaml:"path"`
	WALMode       *bool   `yaml:"wal_mode"`
	BusyTimeoutMs *int    `yaml:"busy_timeout_ms"`
}

type GoogleConfigFile struct {
	ClientID              *string       `yaml:"client_id"`
	ClientSecret          *string       `yaml:"client_secret"`
	RedirectURI           *string       `yaml:"redirect_uri"`
	Scopes                *[]string     `yaml:"scopes"`
	CalendarID            *string       `yaml:"calendar_id"`
	CredentialsFile       *string       `yaml:"credentials_file"`
	CredentialStore       *string       `yaml:"credential_store"`
	TokenFile             *string       `yaml:"token_file"`
	ReturnTokenInCallback *bool         `yaml:"return_token_in_callback"`
	RefreshMargin         *fileDuration `yaml:"refresh_margin"`
	OAuthStateTTL         *fileDuration `yaml:"oauth_state_ttl"`
}

type PolicyConfigFile struct {
	Timezone               *string       `yaml:"timezone"`
	WorkdayStart           *string       `yaml:"workday_start"`
	WorkdayEnd             *string       `yaml:"workday_end"`
	ExtraHolidays          *[]string     `yaml:"extra_holidays"`
	BlockOnConflict        *bool         `yaml:"block_on_conflict"`
	SuggestFreeSlot        *bool         `yaml:"suggest_free_slot"`
	DefaultDurationMinutes *int          `yaml:"default_duration_minutes"`
	MinLeadTime            *fileDuration `yaml:"min_lead_time"`
	FreeSlotHorizon        *fileDuration `yaml:"free_slot_horizon"`
	ResolveWindow          *fileDuration `yaml:"resolve_window"`
}

type IdempotencyConfigFile struct {
	Backend     *string       `yaml:"backend"`
	RedisAddr   *string       `yaml:"redis_addr"`
	RedisDB     *int          `yaml:"redis_db"`
	KeyPrefix   *string       `yaml:"key_prefix"`
	Retention   *fileDuration `yaml:"retention"`
	WaitTimeout *fileDuration `yaml:"wait_timeout"`
}

type RetryConfigFile struct {
	MaxAttempts          *int          `yaml:"max_attempts"`
	InitialBackoff       *fileDuration `yaml:"initial_backoff"`
	MaxBackoff           *fileDuration `yaml:"max_backoff"`
	CallTimeout          *fileDuration `yaml:"call_timeout"`
	RetryableStatusCodes *[]int        `yaml:"retryable_status_codes"`
}

type ParserConfigFile struct {
	BaseURL *string       `yaml:"base_url"`
	Model   *string       `yaml:"model"`
	Timeout *fileDuration `yaml:"timeout"`
}

type SMTPConfigFile struct {
	Enabled  *bool   `yaml:"enabled"`
	Host     *string `yaml:"host"`
	Port     *int    `yaml:"port"`
	Username *string `yaml:"username"`
	From     *string `yaml:"from"`
	UseTLS   *bool   `yaml:"use_tls"`
}

type NtfyConfigFile struct {
	Enabled  *bool   `yaml:"enabled"`
	Server   *string `yaml:"server"`
	Topic    *string `yaml:"topic"`
	Priority *string `yaml:"priority"`
}

type NotificationsConfigFile struct {
	QueueSize *int            `yaml:"queue_size"`
	SMTP      *SMTPConfigFile `yaml:"smtp"`
	Ntfy      *NtfyConfigFile `yaml:"ntfy"`
}

type RateLimitsConfigFile struct {
	RequestsPerMinute *int `yaml:"requests_per_minute"`
	Burst             *int `yaml:"burst"`
}

type AuthConfigFile struct {
	EncryptionKey *string `yaml:"encryption_key"`
}

type LoggingConfigFile struct {
	Level  *string `yaml:"level"`
	Format *string `yaml:"format"`
}

type RetentionConfigFile struct {
	Enabled         *bool         `yaml:"enabled"`
	AuditLogDays    *int          `yaml:"audit_log_days"`
	CleanupInterval *fileDuration `yaml:"cleanup_interval"`
}

func loadConfigFile(cfg *Config, path string) error {
	if path == "" {
		return nil
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var file ConfigFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	applyConfigFile(cfg, &file)
	return nil
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func setBool(dst *bool, src *bool) {
	if src != nil {
		*dst = *src
	}
}

func setDuration(dst *time.Duration, src *fileDuration) {
	if src != nil {
		*dst = time.Duration(*src)
	}
}

func applyConfigFile(cfg *Config, file *ConfigFile) {
	if cfg == nil || file == nil {
		return
	}

	if s := file.Server; s != nil {
		setString(&cfg.Server.Host, s.Host)
		setInt(&cfg.Server.Port, s.Port)
		setString(&cfg.Server.BaseURL, s.BaseURL)
		setDuration(&cfg.Server.ReadTimeout, s.ReadTimeout)
		setDuration(&cfg.Server.WriteTimeout, s.WriteTimeout)
	}

	if d := file.Database; d != nil {
		if d.Path != nil {
			cfg.Database.Path = filepath.Clean(*d.Path)
		}
		setBool(&cfg.Database.WALMode, d.WALMode)
		setInt(&cfg.Database.BusyTimeoutMs, d.BusyTimeoutMs)
	}

	if g := file.Google; g != nil {
		setString(&cfg.Google.ClientID, g.ClientID)
		setString(&cfg.Google.ClientSecret, g.ClientSecret)
		setString(&cfg.Google.RedirectURI, g.RedirectURI)
		if g.Scopes != nil {
			cfg.Google.Scopes = *g.Scopes
		}
		setString(&cfg.Google.CalendarID, g.CalendarID)
		setString(&cfg.Google.CredentialsFile, g.CredentialsFile)
		setString(&cfg.Google.CredentialStore, g.CredentialStore)
		setString(&cfg.Google.TokenFile, g.TokenFile)
		setBool(&cfg.Google.ReturnTokenInCallback, g.ReturnTokenInCallback)
		setDuration(&cfg.Google.RefreshMargin, g.RefreshMargin)
		setDuration(&cfg.Google.OAuthStateTTL, g.OAuthStateTTL)
	}

	if p := file.Policy; p != nil {
		setString(&cfg.Policy.Timezone, p.Timezone)
		setString(&cfg.Policy.WorkdayStart, p.WorkdayStart)
		setString(&cfg.Policy.WorkdayEnd, p.WorkdayEnd)
		if p.ExtraHolidays != nil {
			cfg.Policy.ExtraHolidays = *p.ExtraHolidays
		}
		setBool(&cfg.Policy.BlockOnConflict, p.BlockOnConflict)
		setBool(&cfg.Policy.SuggestFreeSlot, p.SuggestFreeSlot)
		setInt(&cfg.Policy.DefaultDurationMinutes, p.DefaultDurationMinutes)
		setDuration(&cfg.Policy.MinLeadTime, p.MinLeadTime)
		setDuration(&cfg.Policy.FreeSlotHorizon, p.FreeSlotHorizon)
		setDuration(&cfg.Policy.ResolveWindow, p.ResolveWindow)
	}

	if i := file.Idempotency; i != nil {
		setString(&cfg.Idempotency.Backend, i.Backend)
		setString(&cfg.Idempotency.RedisAddr, i.RedisAddr)
		setInt(&cfg.Idempotency.RedisDB, i.RedisDB)
		setString(&cfg.Idempotency.KeyPrefix, i.KeyPrefix)
		setDuration(&cfg.Idempotency.Retention, i.Retention)
		setDuration(&cfg.Idempotency.WaitTimeout, i.WaitTimeout)
	}

	if r := file.Retry; r != nil {
		setInt(&cfg.Retry.MaxAttempts, r.MaxAttempts)
		setDuration(&cfg.Retry.InitialBackoff, r.InitialBackoff)
		setDuration(&cfg.Retry.MaxBackoff, r.MaxBackoff)
		setDuration(&cfg.Retry.CallTimeout, r.CallTimeout)
		if r.RetryableStatusCodes != nil {
			cfg.Retry.RetryableStatusCodes = *r.RetryableStatusCodes
		}
	}

	if p := file.Parser; p != nil {
		setString(&cfg.Parser.BaseURL, p.BaseURL)
		setString(&cfg.Parser.Model, p.Model)
		setDuration(&cfg.Parser.Timeout, p.Timeout)
	}

	if n := file.Notifications; n != nil {
		setInt(&cfg.Notifications.QueueSize, n.QueueSize)
		if s := n.SMTP; s != nil {
			setBool(&cfg.Notifications.SMTP.Enabled, s.Enabled)
			setString(&cfg.Notifications.SMTP.Host, s.Host)
			setInt(&cfg.Notifications.SMTP.Port, s.Port)
			setString(&cfg.Notifications.SMTP.Username, s.Username)
			setString(&cfg.Notifications.SMTP.From, s.From)
			setBool(&cfg.Notifications.SMTP.UseTLS, s.UseTLS)
		}
		if ntfy := n.Ntfy; ntfy != nil {
			setBool(&cfg.Notifications.Ntfy.Enabled, ntfy.Enabled)
			setString(&cfg.Notifications.Ntfy.Server, ntfy.Server)
			setString(&cfg.Notifications.Ntfy.Topic, ntfy.Topic)
			setString(&cfg.Notifications.Ntfy.Priority, ntfy.Priority)
		}
	}

	if rl := file.RateLimits; rl != nil {
		setInt(&cfg.RateLimits.RequestsPerMinute, rl.RequestsPerMinute)
		setInt(&cfg.RateLimits.Burst, rl.Burst)
	}

	if a := file.Auth; a != nil {
		setString(&cfg.Auth.EncryptionKey, a.EncryptionKey)
	}

	if l := file.Logging; l != nil {
		setString(&cfg.Logging.Level, l.Level)
		setString(&cfg.Logging.Format, l.Format)
	}

	if r := file.Retention; r != nil {
		setBool(&cfg.Retention.Enabled, r.Enabled)
		setInt(&cfg.Retention.AuditLogDays, r.AuditLogDays)
		setDuration(&cfg.Retention.CleanupInterval, r.CleanupInterval)
	}
}
