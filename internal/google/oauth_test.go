package google

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/oauth2"

	"github.com/dtorcivia/afterhours/internal/crypto"
	"github.com/dtorcivia/afterhours/internal/database"
	"github.com/dtorcivia/afterhours/internal/schedule"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeExchanger struct {
	refreshCalls  atomic.Int32
	exchangeCalls atomic.Int32
	refreshDelay  time.Duration
	refreshErr    error
	exchangeErr   error
	expiry        time.Time
}

func (f *fakeExchanger) AuthCodeURL(state string) string {
	return "https://accounts.example.com/o/oauth2/auth?state=" + url.QueryEscape(state)
}

func (f *fakeExchanger) Exchange(_ context.Context, code string) (*oauth2.Token, error) {
	f.exchangeCalls.Add(1)
	if f.exchangeErr != nil {
		return nil, f.exchangeErr
	}
	return &oauth2.Token{AccessToken: "access-" + code, RefreshToken: "refresh-" + code, TokenType: "Bearer", Expiry: f.expiry}, nil
}

func (f *fakeExchanger) Refresh(_ context.Context, tok *oauth2.Token) (*oauth2.Token, error) {
	f.refreshCalls.Add(1)
	if f.refreshDelay > 0 {
		time.Sleep(f.refreshDelay)
	}
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	return &oauth2.Token{AccessToken: "refreshed", TokenType: "Bearer", Expiry: f.expiry}, nil
}

type memStore struct {
	mu      sync.Mutex
	cred    *Credential
	saves   int
	failing bool
}

func (s *memStore) Load(context.Context) (*Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cred == nil {
		return nil, ErrNoCredential
	}
	c := *s.cred
	return &c, nil
}

func (s *memStore) Save(_ context.Context, cred Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errors.New("disk full")
	}
	s.saves++
	s.cred = &cred
	return nil
}

func (s *memStore) Delete(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred = nil
	return nil
}

func (s *memStore) stored() *Credential {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cred
}

func newManager(t *testing.T) (*OAuthManager, *fakeExchanger, *memStore, *clock) {
	t.Helper()
	clk := &clock{now: time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)}
	ex := &fakeExchanger{expiry: clk.now.Add(time.Hour)}
	store := &memStore{}
	m := NewOAuthManager(ex, store, ManagerOptions{Now: clk.Now})
	require.NoError(t, m.Load(context.Background()))
	return m, ex, store, clk
}

func authorize(t *testing.T, m *OAuthManager) *Credential {
	t.Helper()
	ctx := context.Background()
	authURL, err := m.BeginAuth(ctx)
	require.NoError(t, err)
	u, err := url.Parse(authURL)
	require.NoError(t, err)
	cred, err := m.CompleteAuth(ctx, "code1", u.Query().Get("state"))
	require.NoError(t, err)
	return cred
}

func TestLoadEmptyStoreIsUnauthenticated(t *testing.T) {
	m, _, store, _ := newManager(t)

	assert.Equal(t, StateUnauthenticated, m.Current().State)
	require.NotNil(t, store.stored())
	assert.Equal(t, StateUnauthenticated, store.stored().State)

	_, err := m.ValidCredential(context.Background())
	assert.ErrorIs(t, err, schedule.ErrNotAuthenticated)
}

func TestAuthFlowTransitions(t *testing.T) {
	m, ex, store, _ := newManager(t)
	ctx := context.Background()

	authURL, err := m.BeginAuth(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatePending, m.Current().State)
	assert.Equal(t, StatePending, store.stored().State)

	u, err := url.Parse(authURL)
	require.NoError(t, err)
	state := u.Query().Get("state")
	require.NotEmpty(t, state)

	_, err = m.CompleteAuth(ctx, "code1", "forged")
	assert.ErrorIs(t, err, schedule.ErrInvalidRequest)
	assert.Equal(t, int32(0), ex.exchangeCalls.Load())

	cred, err := m.CompleteAuth(ctx, "code1", state)
	require.NoError(t, err)
	assert.Equal(t, StateAuthenticated, cred.State)
	assert.Equal(t, "access-code1", cred.AccessToken)
	assert.Empty(t, cred.PendingState)

	persisted := store.stored()
	assert.Equal(t, StateAuthenticated, persisted.State)
	assert.Equal(t, cred.Version, persisted.Version)

	// The nonce is single use.
	_, err = m.CompleteAuth(ctx, "code2", state)
	assert.ErrorIs(t, err, schedule.ErrInvalidRequest)
}

func TestAuthURLLeavesOpenFlowIntact(t *testing.T) {
	m, _, store, clk := newManager(t)
	ctx := context.Background()

	assert.Equal(t, "/auth/google", m.AuthURL())
	assert.Equal(t, StateUnauthenticated, m.Current().State)

	consent, err := m.BeginAuth(ctx)
	require.NoError(t, err)
	saves := store.saves

	// An error response in between must not replace the nonce.
	assert.Equal(t, consent, m.AuthURL())
	assert.Equal(t, saves, store.saves)

	u, err := url.Parse(consent)
	require.NoError(t, err)
	cred, err := m.CompleteAuth(ctx, "code1", u.Query().Get("state"))
	require.NoError(t, err)
	assert.Equal(t, StateAuthenticated, cred.State)

	_, err = m.BeginAuth(ctx)
	require.NoError(t, err)
	clk.Advance(time.Hour)
	assert.Equal(t, "/auth/google", m.AuthURL())
}

func TestCompleteAuthRejectsExpiredState(t *testing.T) {
	m, _, _, clk := newManager(t)
	ctx := context.Background()

	authURL, err := m.BeginAuth(ctx)
	require.NoError(t, err)
	u, _ := url.Parse(authURL)

	clk.Advance(11 * time.Minute)
	_, err = m.CompleteAuth(ctx, "code1", u.Query().Get("state"))
	assert.ErrorIs(t, err, schedule.ErrInvalidRequest)
	assert.Contains(t, schedule.ReasonOf(err), "expired")
}

func TestValidCredentialWithoutRefresh(t *testing.T) {
	m, ex, _, _ := newManager(t)
	authorize(t, m)

	cred, err := m.ValidCredential(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-code1", cred.AccessToken)
	assert.Equal(t, int32(0), ex.refreshCalls.Load())
}

func TestRefreshIsSingleFlight(t *testing.T) {
	defer goleak.VerifyNone(t)

	m, ex, store, clk := newManager(t)
	authorize(t, m)
	ex.refreshDelay = 50 * time.Millisecond
	clk.Advance(58 * time.Minute) // inside the 5 minute margin
	ex.expiry = clk.Now().Add(time.Hour)

	const callers = 16
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			cred, err := m.ValidCredential(context.Background())
			errs[i] = err
			if cred != nil {
				tokens[i] = cred.AccessToken
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), ex.refreshCalls.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "refreshed", tokens[i])
	}
	assert.Equal(t, "refreshed", store.stored().AccessToken)
	assert.Equal(t, "refresh-code1", store.stored().RefreshToken, "refresh token survives a refresh that omits it")
}

func TestRefreshSurvivesCallerCancellation(t *testing.T) {
	m, ex, store, clk := newManager(t)
	authorize(t, m)
	ex.refreshDelay = 50 * time.Millisecond
	clk.Advance(2 * time.Hour)
	ex.expiry = clk.Now().Add(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_, err := m.ValidCredential(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.Eventually(t, func() bool {
		return m.Current().AccessToken == "refreshed"
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateAuthenticated, m.Current().State)
	assert.Equal(t, "refreshed", store.stored().AccessToken)
}

func TestRefreshRejectedRequiresReauth(t *testing.T) {
	m, ex, store, clk := newManager(t)
	authorize(t, m)
	clk.Advance(2 * time.Hour)
	ex.refreshErr = &oauth2.RetrieveError{
		Response:  &http.Response{StatusCode: http.StatusBadRequest},
		ErrorCode: "invalid_grant",
	}

	_, err := m.ValidCredential(context.Background())
	assert.ErrorIs(t, err, schedule.ErrReauthRequired)
	assert.Equal(t, StateUnauthenticated, m.Current().State)
	assert.Equal(t, StateUnauthenticated, store.stored().State)
	assert.Empty(t, store.stored().RefreshToken)

	_, err = m.ValidCredential(context.Background())
	assert.ErrorIs(t, err, schedule.ErrNotAuthenticated)
}

func TestRefreshNetworkFailureIsTransient(t *testing.T) {
	m, ex, store, clk := newManager(t)
	authorize(t, m)
	clk.Advance(2 * time.Hour)
	ex.refreshErr = errors.New("dial tcp: connection refused")

	_, err := m.ValidCredential(context.Background())
	assert.ErrorIs(t, err, schedule.ErrTransient)
	assert.Equal(t, StateExpired, m.Current().State)
	assert.Equal(t, StateExpired, store.stored().State)

	ex.refreshErr = nil
	ex.expiry = clk.Now().Add(time.Hour)
	cred, err := m.ValidCredential(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateAuthenticated, cred.State)
}

func TestFailingStoreReturnsNothing(t *testing.T) {
	m, ex, store, clk := newManager(t)
	authorize(t, m)
	clk.Advance(58 * time.Minute)
	ex.expiry = clk.Now().Add(time.Hour)
	before := m.Current()

	store.failing = true
	cred, err := m.ValidCredential(context.Background())
	assert.Nil(t, cred)
	assert.ErrorIs(t, err, schedule.ErrTransient)
	assert.Equal(t, before.AccessToken, m.Current().AccessToken, "memory must not run ahead of the store")
	assert.Equal(t, before.Version, m.Current().Version)
}

func TestBeginAuthKeepsExistingGrantUsable(t *testing.T) {
	m, _, _, _ := newManager(t)
	authorize(t, m)

	_, err := m.BeginAuth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatePending, m.Current().State)

	cred, err := m.ValidCredential(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-code1", cred.AccessToken)
}

func TestStatusRecordsExpiry(t *testing.T) {
	m, _, store, clk := newManager(t)
	authorize(t, m)

	report := m.Status(context.Background())
	assert.True(t, report.Authenticated)
	assert.Equal(t, StateAuthenticated, report.State)

	clk.Advance(2 * time.Hour)
	report = m.Status(context.Background())
	assert.Equal(t, StateExpired, report.State)
	assert.True(t, report.Authenticated, "a refresh token can still recover access")
	assert.Equal(t, StateExpired, store.stored().State)
}

func TestDisconnect(t *testing.T) {
	m, _, store, _ := newManager(t)
	authorize(t, m)

	require.NoError(t, m.Disconnect(context.Background()))
	assert.Nil(t, store.stored())
	assert.Equal(t, StateUnauthenticated, m.Status(context.Background()).State)
}

func TestBootstrapBlob(t *testing.T) {
	blob, err := EncodeTokenBlob(&oauth2.Token{
		AccessToken:  "boot",
		RefreshToken: "boot-refresh",
		Expiry:       time.Date(2026, 10, 19, 11, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	clk := &clock{now: time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)}
	store := &memStore{}
	m := NewOAuthManager(&fakeExchanger{}, store, ManagerOptions{
		Now:           clk.Now,
		BootstrapBlob: "  '" + blob[:len(blob)/2] + "\n" + blob[len(blob)/2:] + "'  ",
	})
	require.NoError(t, m.Load(context.Background()))

	assert.Equal(t, StateAuthenticated, m.Current().State)
	assert.Equal(t, "boot", store.stored().AccessToken)

	exported, err := m.ExportBlob()
	require.NoError(t, err)
	tok, err := DecodeTokenBlob(exported)
	require.NoError(t, err)
	assert.Equal(t, "boot-refresh", tok.RefreshToken)
}

func TestInvalidBootstrapFallsBackToUnauthenticated(t *testing.T) {
	m := NewOAuthManager(&fakeExchanger{}, &memStore{}, ManagerOptions{BootstrapBlob: "%%%not base64"})
	require.NoError(t, m.Load(context.Background()))
	assert.Equal(t, StateUnauthenticated, m.Current().State)
}

func TestDecodeLenientBase64(t *testing.T) {
	want := []byte{0xfb, 0xff, 0xfe, 'h', 'i'}
	for _, in := range []string{"+//+aGk=", "-__-aGk", "\"+//+aGk=\"", " +//+\naGk= "} {
		got, err := DecodeLenientBase64(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestSQLStoreRoundTrip(t *testing.T) {
	db, err := database.Open(":memory:")
	require.NoError(t, err)
	defer db.Close()
	enc, err := crypto.NewEncryptor("test-secret")
	require.NoError(t, err)

	ctx := context.Background()
	store := NewSQLStore(db, enc)

	_, err = store.Load(ctx)
	assert.ErrorIs(t, err, ErrNoCredential)

	cred := Credential{State: StateAuthenticated, AccessToken: "a", RefreshToken: "r", Version: 3}
	require.NoError(t, store.Save(ctx, cred))
	cred.Version = 4
	require.NoError(t, store.Save(ctx, cred))

	got, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "r", got.RefreshToken)
	assert.Equal(t, int64(4), got.Version)

	var raw []byte
	require.NoError(t, db.QueryRow(`SELECT blob_enc FROM oauth_credentials`).Scan(&raw))
	assert.NotContains(t, string(raw), "\"r\"")

	require.NoError(t, store.Delete(ctx))
	_, err = store.Load(ctx)
	assert.ErrorIs(t, err, ErrNoCredential)
}

func TestFileStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewFileStore(filepath.Join(t.TempDir(), "secrets", "token.json"))

	_, err := store.Load(ctx)
	assert.ErrorIs(t, err, ErrNoCredential)

	require.NoError(t, store.Save(ctx, Credential{State: StateAuthenticated, AccessToken: "a", RefreshToken: "r"}))
	got, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", got.AccessToken)

	require.NoError(t, store.Delete(ctx))
	require.NoError(t, store.Delete(ctx))
	_, err = store.Load(ctx)
	assert.ErrorIs(t, err, ErrNoCredential)
}
