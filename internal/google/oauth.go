// Package google provides Google Calendar OAuth and API integration.
package google

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/sync/singleflight"

	"github.com/dtorcivia/afterhours/internal/config"
	"github.com/dtorcivia/afterhours/internal/crypto"
	"github.com/dtorcivia/afterhours/internal/metrics"
	"github.com/dtorcivia/afterhours/internal/schedule"
	"github.com/dtorcivia/afterhours/internal/util"
)

// TokenExchanger performs the OAuth round-trips against the provider.
type TokenExchanger interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*oauth2.Token, error)
	Refresh(ctx context.Context, tok *oauth2.Token) (*oauth2.Token, error)
}

// ConfigExchanger adapts an oauth2.Config to TokenExchanger.
type ConfigExchanger struct {
	Config *oauth2.Config
}

// AuthCodeURL requests offline access and forces the consent screen so a
// refresh token is always issued.
func (e ConfigExchanger) AuthCodeURL(state string) string {
	return e.Config.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Exchange trades an authorization code for tokens.
func (e ConfigExchanger) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	return e.Config.Exchange(ctx, code)
}

// Refresh obtains a new access token from tok's refresh token.
func (e ConfigExchanger) Refresh(ctx context.Context, tok *oauth2.Token) (*oauth2.Token, error) {
	return e.Config.TokenSource(ctx, &oauth2.Token{RefreshToken: tok.RefreshToken}).Token()
}

// ClientConfig builds the OAuth client configuration from a client JSON
// (file or base64) when one is configured, else from the client id and
// secret.
func ClientConfig(cfg config.GoogleConfig) (*oauth2.Config, error) {
	var raw []byte
	switch {
	case cfg.CredentialsJSONB64 != "":
		data, err := DecodeLenientBase64(cfg.CredentialsJSONB64)
		if err != nil {
			return nil, fmt.Errorf("invalid GOOGLE_CREDENTIALS_JSON_B64: %w", err)
		}
		raw = data
	case cfg.CredentialsFile != "":
		data, err := os.ReadFile(cfg.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read Google client file: %w", err)
		}
		raw = data
	}

	if raw == nil {
		return &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       cfg.Scopes,
			Endpoint:     google.Endpoint,
		}, nil
	}

	oc, err := google.ConfigFromJSON(raw, cfg.Scopes...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Google client JSON: %w", err)
	}
	if cfg.RedirectURI != "" {
		oc.RedirectURL = cfg.RedirectURI
	}
	return oc, nil
}

// ManagerOptions tunes an OAuthManager.
type ManagerOptions struct {
	RefreshMargin  time.Duration // refresh this long before expiry
	StateTTL       time.Duration // validity of a consent-flow nonce
	RefreshTimeout time.Duration
	BootstrapBlob  string // base64 token used when the store is empty
	StartURL       string // where a user starts a consent flow; default "/auth/google"
	Now            func() time.Time
}

// OAuthManager owns the single OAuth credential. Every transition is
// written to the store before the in-memory copy changes, and refreshes
// are collapsed so concurrent callers share one provider round-trip.
type OAuthManager struct {
	exchanger TokenExchanger
	store     CredentialStore
	opts      ManagerOptions

	mu   sync.RWMutex
	cred Credential

	writeMu sync.Mutex // serializes store writes
	refresh singleflight.Group
}

// NewOAuthManager creates a manager in the UNAUTHENTICATED state. Call
// Load to restore a persisted credential.
func NewOAuthManager(exchanger TokenExchanger, store CredentialStore, opts ManagerOptions) *OAuthManager {
	if opts.RefreshMargin <= 0 {
		opts.RefreshMargin = 5 * time.Minute
	}
	if opts.StateTTL <= 0 {
		opts.StateTTL = 10 * time.Minute
	}
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = 30 * time.Second
	}
	if opts.StartURL == "" {
		opts.StartURL = "/auth/google"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	m := &OAuthManager{
		exchanger: exchanger,
		store:     store,
		opts:      opts,
		cred:      Credential{State: StateUnauthenticated},
	}
	metrics.SetCredentialState(string(StateUnauthenticated), AllStates)
	return m
}

// Load restores the credential from the store, falling back to the
// bootstrap blob. Any failure leaves the manager UNAUTHENTICATED.
func (m *OAuthManager) Load(ctx context.Context) error {
	stored, err := m.store.Load(ctx)
	switch {
	case err == nil:
		m.mu.Lock()
		m.cred = *stored
		m.mu.Unlock()
		metrics.SetCredentialState(string(stored.State), AllStates)
		util.Info("Loaded OAuth credential", "state", stored.State, "version", stored.Version)
		return nil
	case !errors.Is(err, ErrNoCredential):
		util.Warn("Stored OAuth credential unreadable", "error", err)
	}

	if m.opts.BootstrapBlob != "" {
		tok, berr := DecodeTokenBlob(m.opts.BootstrapBlob)
		if berr == nil {
			next := Credential{State: StateAuthenticated}.withToken(tok)
			if next.Expired(m.opts.Now()) {
				next.State = StateExpired
			}
			if cerr := m.commit(ctx, next); cerr != nil {
				return cerr
			}
			util.Info("Bootstrapped OAuth credential from environment", "state", next.State)
			return nil
		}
		util.Warn("Ignoring invalid GOOGLE_TOKEN_B64", "error", berr)
	}

	if cerr := m.commit(ctx, Credential{State: StateUnauthenticated}); cerr != nil {
		return cerr
	}
	return nil
}

// Current returns a copy of the in-memory credential.
func (m *OAuthManager) Current() Credential {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cred
}

// ValidCredential returns a credential that is usable for a calendar call,
// refreshing it first when needed.
func (m *OAuthManager) ValidCredential(ctx context.Context) (*Credential, error) {
	cur := m.Current()
	if !cur.Usable() {
		return nil, schedule.Errorf(schedule.KindNotAuthenticated, "Google Calendar is not connected; authorize at /auth/google")
	}
	return m.EnsureFresh(ctx, cur)
}

// EnsureFresh returns cred unchanged unless it is inside the refresh
// margin, in which case it joins (or starts) the shared refresh. The
// refresh itself runs detached from ctx so an impatient caller cannot
// abort it for everyone else.
func (m *OAuthManager) EnsureFresh(ctx context.Context, cred Credential) (*Credential, error) {
	now := m.opts.Now()
	if !cred.NeedsRefresh(now, m.opts.RefreshMargin) {
		return &cred, nil
	}
	if cred.RefreshToken == "" {
		if !cred.Expired(now) {
			return &cred, nil
		}
		m.invalidate(ctx, "expired without refresh token")
		return nil, schedule.Errorf(schedule.KindReauthRequired, "Google authorization expired; re-authorize at /auth/google")
	}

	detached := context.WithoutCancel(ctx)
	ch := m.refresh.DoChan("refresh", func() (interface{}, error) {
		rctx, cancel := context.WithTimeout(detached, m.opts.RefreshTimeout)
		defer cancel()
		return m.doRefresh(rctx)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		fresh := res.Val.(Credential)
		return &fresh, nil
	}
}

func (m *OAuthManager) doRefresh(ctx context.Context) (Credential, error) {
	now := m.opts.Now()
	cur := m.Current()

	// A refresh that finished just before this one started already did the work.
	if cur.Usable() && !cur.NeedsRefresh(now, m.opts.RefreshMargin) {
		return cur, nil
	}
	if !cur.Usable() {
		return Credential{}, schedule.Errorf(schedule.KindNotAuthenticated, "Google Calendar is not connected; authorize at /auth/google")
	}

	if cur.State == StateAuthenticated && cur.Expired(now) {
		expired := cur
		expired.State = StateExpired
		if err := m.commit(ctx, expired); err != nil {
			return Credential{}, schedule.Wrap(schedule.KindTransient, "credential store unavailable", err)
		}
		cur = m.Current()
	}

	util.Info("Refreshing OAuth access token", "expiry", cur.Expiry)
	tok, err := m.exchanger.Refresh(ctx, cur.Token())
	if err != nil {
		if rejected(err) {
			metrics.CredentialRefreshes.WithLabelValues("rejected").Inc()
			util.Error("OAuth refresh rejected; re-authorization required", "error", err)
			m.invalidate(ctx, "refresh rejected")
			return Credential{}, schedule.Wrap(schedule.KindReauthRequired, "Google rejected the stored authorization; re-authorize at /auth/google", err)
		}
		metrics.CredentialRefreshes.WithLabelValues("error").Inc()
		util.Warn("OAuth refresh failed", "error", err)
		return Credential{}, schedule.Wrap(schedule.KindTransient, "token refresh failed", err)
	}

	next := cur.withToken(tok)
	if err := m.commit(ctx, next); err != nil {
		metrics.CredentialRefreshes.WithLabelValues("error").Inc()
		return Credential{}, schedule.Wrap(schedule.KindTransient, "credential store unavailable", err)
	}
	metrics.CredentialRefreshes.WithLabelValues("ok").Inc()
	util.Info("OAuth token refreshed", "expiry", next.Expiry)
	return m.Current(), nil
}

// rejected reports whether the token endpoint refused the grant, as
// opposed to being unreachable or failing on its side.
func rejected(err error) bool {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return false
	}
	if re.Response == nil {
		return true
	}
	return re.Response.StatusCode < http.StatusInternalServerError
}

// invalidate drops the grant. A store failure is logged; the caller is
// already reporting a re-authorization error.
func (m *OAuthManager) invalidate(ctx context.Context, why string) {
	if err := m.commit(ctx, Credential{State: StateUnauthenticated}); err != nil {
		util.Error("Failed to persist credential invalidation", "error", err, "reason", why)
	}
}

// BeginAuth starts a consent flow and returns the provider URL.
func (m *OAuthManager) BeginAuth(ctx context.Context) (string, error) {
	nonce, err := crypto.GenerateState()
	if err != nil {
		return "", err
	}

	next := m.Current()
	next.State = StatePending
	next.PendingState = nonce
	next.PendingExpiry = m.opts.Now().Add(m.opts.StateTTL)
	if err := m.commit(ctx, next); err != nil {
		return "", fmt.Errorf("failed to start authorization: %w", err)
	}
	return m.exchanger.AuthCodeURL(nonce), nil
}

// AuthURL is the link error responses point at. It never changes the
// credential: an open consent flow is offered as is, otherwise the start URL.
func (m *OAuthManager) AuthURL() string {
	cur := m.Current()
	if cur.State == StatePending && cur.PendingState != "" && m.opts.Now().Before(cur.PendingExpiry) {
		return m.exchanger.AuthCodeURL(cur.PendingState)
	}
	return m.opts.StartURL
}

// CompleteAuth finishes the consent flow started by BeginAuth.
func (m *OAuthManager) CompleteAuth(ctx context.Context, code, state string) (*Credential, error) {
	if code == "" {
		return nil, schedule.Errorf(schedule.KindInvalidRequest, "missing authorization code")
	}
	cur := m.Current()
	if cur.PendingState == "" || !crypto.EqualTokens(cur.PendingState, state) {
		return nil, schedule.Errorf(schedule.KindInvalidRequest, "authorization state does not match; start again at /auth/google")
	}
	if !m.opts.Now().Before(cur.PendingExpiry) {
		return nil, schedule.Errorf(schedule.KindInvalidRequest, "authorization request expired; start again at /auth/google")
	}

	tok, err := m.exchanger.Exchange(ctx, code)
	if err != nil {
		if rejected(err) {
			return nil, schedule.Wrap(schedule.KindInvalidRequest, "Google rejected the authorization code", err)
		}
		return nil, schedule.Wrap(schedule.KindTransient, "authorization code exchange failed", err)
	}
	if tok.RefreshToken == "" && cur.RefreshToken == "" {
		util.Warn("Authorization returned no refresh token; access will lapse at expiry")
	}

	next := cur.withToken(tok)
	next.PendingState = ""
	next.PendingExpiry = time.Time{}
	if err := m.commit(ctx, next); err != nil {
		return nil, fmt.Errorf("failed to store authorization: %w", err)
	}
	util.Info("Google OAuth authorization completed", "expiry", next.Expiry)

	out := m.Current()
	return &out, nil
}

// StatusReport is the externally visible credential status.
type StatusReport struct {
	Authenticated bool       `json:"authenticated"`
	State         State      `json:"state"`
	Expiry        *time.Time `json:"expiry,omitempty"`
	CanRefresh    bool       `json:"can_refresh"`
}

// Status reports the credential state, recording an observed expiry.
func (m *OAuthManager) Status(ctx context.Context) StatusReport {
	now := m.opts.Now()
	cur := m.Current()
	if cur.State == StateAuthenticated && cur.Expired(now) {
		expired := cur
		expired.State = StateExpired
		if err := m.commit(ctx, expired); err != nil {
			util.Warn("Failed to persist expired credential state", "error", err)
		} else {
			cur = m.Current()
		}
	}

	report := StatusReport{
		State:      cur.State,
		CanRefresh: cur.RefreshToken != "",
	}
	report.Authenticated = cur.Usable() && (report.CanRefresh || !cur.Expired(now))
	if !cur.Expiry.IsZero() {
		exp := cur.Expiry
		report.Expiry = &exp
	}
	return report
}

// Disconnect forgets the credential.
func (m *OAuthManager) Disconnect(ctx context.Context) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if err := m.store.Delete(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	m.cred = Credential{State: StateUnauthenticated, Version: m.cred.Version + 1, UpdatedAt: m.opts.Now()}
	m.mu.Unlock()
	metrics.SetCredentialState(string(StateUnauthenticated), AllStates)
	util.Info("Google OAuth credential removed")
	return nil
}

// ExportBlob returns the current token as a bootstrap blob.
func (m *OAuthManager) ExportBlob() (string, error) {
	cur := m.Current()
	if !cur.Usable() {
		return "", schedule.Errorf(schedule.KindNotAuthenticated, "no credential to export")
	}
	return EncodeTokenBlob(cur.Token())
}

// commit persists next and only then publishes it.
func (m *OAuthManager) commit(ctx context.Context, next Credential) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.RLock()
	next.Version = m.cred.Version + 1
	m.mu.RUnlock()
	next.UpdatedAt = m.opts.Now()

	if err := m.store.Save(ctx, next); err != nil {
		return fmt.Errorf("failed to persist credential: %w", err)
	}

	m.mu.Lock()
	m.cred = next
	m.mu.Unlock()
	metrics.SetCredentialState(string(next.State), AllStates)
	return nil
}
