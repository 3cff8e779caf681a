// Package server provides the HTTP server and routing for afterhours.
package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dtorcivia/afterhours/internal/api"
	"github.com/dtorcivia/afterhours/internal/config"
	"github.com/dtorcivia/afterhours/internal/crypto"
	"github.com/dtorcivia/afterhours/internal/database"
	"github.com/dtorcivia/afterhours/internal/engine"
	"github.com/dtorcivia/afterhours/internal/google"
	"github.com/dtorcivia/afterhours/internal/idempotency"
	"github.com/dtorcivia/afterhours/internal/notifications"
	"github.com/dtorcivia/afterhours/internal/notifications/mail"
	"github.com/dtorcivia/afterhours/internal/notifications/ntfy"
	"github.com/dtorcivia/afterhours/internal/parser"
	"github.com/dtorcivia/afterhours/internal/policy"
	"github.com/dtorcivia/afterhours/internal/schedule"
	"github.com/dtorcivia/afterhours/internal/server/middleware"
	"github.com/dtorcivia/afterhours/internal/util"
	"github.com/dtorcivia/afterhours/internal/workers"
)

const (
	credentialCheckInterval = time.Minute
	limiterCleanupInterval  = 5 * time.Minute
	inFlightMargin          = time.Minute
)

// Server is the main HTTP server for afterhours.
type Server struct {
	config        *config.Config
	db            *database.DB
	router        *http.ServeMux
	rateLimiter   *middleware.RateLimiter
	oauthMgr      *google.OAuthManager
	engine        *engine.Engine
	dispatcher    *notifications.Dispatcher
	redis         redis.UniversalClient
	apiHandler    *api.Handler
	cleanupWorker *workers.CleanupWorker
	refreshWorker *workers.RefreshWorker
}

// New wires every component from cfg and restores the stored credential.
func New(ctx context.Context, cfg *config.Config, db *database.DB) (*Server, error) {
	loc, err := time.LoadLocation(cfg.Policy.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone: %w", err)
	}

	// Credential lifecycle
	oauthMgr, err := NewOAuthManager(cfg, db)
	if err != nil {
		return nil, err
	}
	if err := oauthMgr.Load(ctx); err != nil {
		util.Warn("Stored Google credential could not be restored", "error", err)
	}

	// Working-hours policy
	holidays, err := policy.NewJapaneseCalendar(cfg.Policy.ExtraHolidays)
	if err != nil {
		return nil, err
	}
	open, err := util.ParseClock(cfg.Policy.WorkdayStart)
	if err != nil {
		return nil, err
	}
	closing, err := util.ParseClock(cfg.Policy.WorkdayEnd)
	if err != nil {
		return nil, err
	}
	hours, err := policy.NewEngine(holidays, loc, open, closing)
	if err != nil {
		return nil, err
	}

	// Idempotency
	store, redisClient, err := newIdempotencyStore(cfg.Idempotency)
	if err != nil {
		return nil, err
	}
	retry := engine.RetryPolicy{
		MaxAttempts:          cfg.Retry.MaxAttempts,
		InitialBackoff:       cfg.Retry.InitialBackoff,
		MaxBackoff:           cfg.Retry.MaxBackoff,
		CallTimeout:          cfg.Retry.CallTimeout,
		RetryableStatusCodes: cfg.Retry.RetryableStatusCodes,
	}
	// A claim must outlive the slowest mutation it guards.
	coordinator := idempotency.NewCoordinator(store, idempotency.Options{
		Retention:   cfg.Idempotency.Retention,
		InFlightTTL: retry.MutationDeadline() + inFlightMargin,
		WaitTimeout: cfg.Idempotency.WaitTimeout,
	})

	// Notifications
	dispatcher := notifications.NewDispatcher(cfg.Notifications.QueueSize, loc)
	dispatcher.RegisterChannel(mail.NewChannel(&cfg.Notifications.SMTP))
	dispatcher.RegisterChannel(ntfy.NewChannel(&cfg.Notifications.Ntfy))

	auditLogger := engine.NewAuditLogger(db)
	calendarClient := google.NewCalendarClient(cfg.Google.CalendarID)

	eng := engine.NewEngine(hours, calendarClient, oauthMgr, coordinator, dispatcher, auditLogger, engine.Options{
		TimeZone:        cfg.Policy.Timezone,
		AddMeetLink:     true,
		BlockOnConflict: cfg.Policy.BlockOnConflict,
		SuggestFreeSlot: cfg.Policy.SuggestFreeSlot,
		FreeSlotHorizon: cfg.Policy.FreeSlotHorizon,
		ResolveWindow:   cfg.Policy.ResolveWindow,
		Retry:           retry,
	})

	var extra []string
	if cfg.Policy.TestAttendeeEmail != "" {
		extra = append(extra, cfg.Policy.TestAttendeeEmail)
	}
	normalizer := schedule.NewNormalizer(schedule.NormalizerOptions{
		Location:               loc,
		DefaultDurationMinutes: cfg.Policy.DefaultDurationMinutes,
		MinLeadTime:            cfg.Policy.MinLeadTime,
		ExtraAttendees:         extra,
	})

	apiHandler := api.NewHandler(cfg, eng, parser.New(&cfg.Parser, loc), normalizer, oauthMgr)

	s := &Server{
		config:        cfg,
		db:            db,
		router:        http.NewServeMux(),
		rateLimiter:   middleware.NewRateLimiter(cfg.RateLimits),
		oauthMgr:      oauthMgr,
		engine:        eng,
		dispatcher:    dispatcher,
		redis:         redisClient,
		apiHandler:    apiHandler,
		cleanupWorker: workers.NewCleanupWorker(coordinator, auditLogger, &cfg.Retention),
		refreshWorker: workers.NewRefreshWorker(oauthMgr, credentialCheckInterval),
	}

	s.setupRoutes()

	return s, nil
}

// NewOAuthManager builds the credential manager over the configured store.
// It does not load the stored credential.
func NewOAuthManager(cfg *config.Config, db *database.DB) (*google.OAuthManager, error) {
	clientCfg, err := google.ClientConfig(cfg.Google)
	if err != nil {
		return nil, err
	}

	var store google.CredentialStore
	switch cfg.Google.CredentialStore {
	case "file":
		store = google.NewFileStore(cfg.Google.TokenFile)
	default:
		encryptor, err := crypto.NewEncryptor(cfg.Auth.EncryptionKey)
		if err != nil {
			return nil, err
		}
		store = google.NewSQLStore(db, encryptor)
	}

	return google.NewOAuthManager(google.ConfigExchanger{Config: clientCfg}, store, google.ManagerOptions{
		RefreshMargin:  cfg.Google.RefreshMargin,
		StateTTL:       cfg.Google.OAuthStateTTL,
		RefreshTimeout: cfg.Retry.CallTimeout,
		BootstrapBlob:  cfg.Google.TokenB64,
		StartURL:       strings.TrimRight(cfg.Server.BaseURL, "/") + "/auth/google",
	}), nil
}

func newIdempotencyStore(cfg config.IdempotencyConfig) (idempotency.Store, redis.UniversalClient, error) {
	if cfg.Backend != "redis" {
		return idempotency.NewMemoryStore(), nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.RedisAddr, err)
	}
	util.Info("Idempotency records stored in Redis", "addr", cfg.RedisAddr)
	return idempotency.NewRedisStore(client, cfg.KeyPrefix), client, nil
}

// Handler returns the HTTP handler with all middleware applied.
func (s *Server) Handler() http.Handler {
	// Build middleware chain (applied in reverse order)
	var handler http.Handler = s.router

	// Recovery middleware (catches panics)
	handler = middleware.Recovery(handler)

	// Logging middleware
	handler = middleware.Logging(handler)

	// Request IDs are visible to everything below.
	handler = middleware.RequestID(handler)

	handler = middleware.CORS(handler)

	// Security headers
	handler = middleware.SecurityHeaders(handler)

	return handler
}

// StartBackgroundWorkers starts all background workers.
func (s *Server) StartBackgroundWorkers(ctx context.Context) error {
	s.dispatcher.Start()

	go s.cleanupWorker.Start(ctx)
	go s.refreshWorker.Start(ctx)
	go s.pruneRateLimiter(ctx)

	util.Info("Background workers started",
		"notification_channels", len(s.dispatcher.EnabledChannels()))
	return nil
}

func (s *Server) pruneRateLimiter(ctx context.Context) {
	ticker := time.NewTicker(limiterCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.rateLimiter.Cleanup(2 * limiterCleanupInterval)
		}
	}
}

// Stop waits for detached mutations, then flushes notifications.
func (s *Server) Stop() {
	s.engine.Drain()
	s.dispatcher.Stop()
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			util.Warn("Failed to close Redis client", "error", err)
		}
	}
}

// DB returns the database connection.
func (s *Server) DB() *database.DB {
	return s.db
}

// Config returns the server configuration.
func (s *Server) Config() *config.Config {
	return s.config
}

// OAuth returns the credential manager.
func (s *Server) OAuth() *google.OAuthManager {
	return s.oauthMgr
}
