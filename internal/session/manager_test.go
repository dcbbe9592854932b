package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cashmanager/internal/core"
	"cashmanager/internal/identity"
	"cashmanager/internal/identity/identitytest"
)

const (
	testEmail    = "ada@example.com"
	testPassword = "correct-horse"
	testSID      = "sid-1"
)

type recordingSink struct {
	mu     sync.Mutex
	events []core.AuthEvent
}

func (s *recordingSink) PublishAuthEvent(_ context.Context, e core.AuthEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *recordingSink) types() []core.AuthEventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.AuthEventType, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Type)
	}
	return out
}

// countingProvider records the password grants that reach the provider.
type countingProvider struct {
	*identity.Client
	mu     sync.Mutex
	grants []string
}

func (p *countingProvider) PasswordGrant(ctx context.Context, username, password string) (identity.TokenSet, error) {
	p.mu.Lock()
	p.grants = append(p.grants, username+":"+password)
	p.mu.Unlock()
	return p.Client.PasswordGrant(ctx, username, password)
}

func (p *countingProvider) grantCalls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.grants...)
}

type fixture struct {
	srv      *identitytest.Server
	provider *countingProvider
	store    *MemoryStore
	sink     *recordingSink
	opts     Options
	manager  *Manager
}

func newFixture(t *testing.T, mutate ...func(*Options)) *fixture {
	t.Helper()
	srv := identitytest.NewServer(t)
	srv.AddUser(identitytest.User{
		ID:        "user-ada",
		Email:     testEmail,
		Password:  testPassword,
		FirstName: "Ada",
		LastName:  "Lovelace",
	})

	cfg := srv.Config()
	cfg.RedirectURL = "http://app.test/auth/callback"
	f := &fixture{
		srv:      srv,
		provider: &countingProvider{Client: identity.New(cfg)},
		store:    NewMemoryStore(),
		sink:     &recordingSink{},
	}

	states, err := NewStateCodec("0123456789abcdef0123456789abcdef", time.Minute)
	require.NoError(t, err)

	f.opts = Options{
		Store:              f.store,
		Provider:           f.provider,
		Registrar:          identity.NewAdmin(cfg),
		Events:             f.sink,
		States:             states,
		LandingPath:        "/dashboard",
		FederatedProviders: []string{"google", "github"},
	}
	for _, fn := range mutate {
		fn(&f.opts)
	}

	f.manager, err = NewManager(f.opts)
	require.NoError(t, err)
	t.Cleanup(f.manager.Close)
	return f
}

func TestNewManagerRequiresDependencies(t *testing.T) {
	_, err := NewManager(Options{})
	assert.Error(t, err)
}

func TestLoginAuthenticatesWithProfile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	snap, err := f.manager.Login(ctx, testSID, testEmail, testPassword)
	require.NoError(t, err)

	assert.True(t, snap.IsAuthenticated)
	assert.False(t, snap.Loading)
	require.NotNil(t, snap.User)
	assert.Equal(t, "user-ada", snap.User.ID)
	assert.Equal(t, "Ada", snap.User.FirstName)
	assert.Equal(t, "Lovelace", snap.User.LastName)
	assert.Equal(t, testEmail, snap.User.Email)

	rec, err := f.store.GetSession(ctx, snap.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, rec.Tokens.RefreshToken)
	assert.Equal(t, []core.AuthEventType{core.EventLogin}, f.sink.types())
	assert.Equal(t, 1, f.manager.pendingRefreshes())
	assert.True(t, f.manager.Current(ctx, snap.ID).IsAuthenticated)
}

func TestAuthenticationRotatesSessionID(t *testing.T) {
	assertRotated := func(t *testing.T, f *fixture, snap core.Session) {
		t.Helper()
		ctx := context.Background()
		require.True(t, snap.IsAuthenticated)
		_, err := uuid.Parse(snap.ID)
		require.NoError(t, err, "new id should be a fresh uuid")
		assert.NotEqual(t, testSID, snap.ID)

		assert.False(t, f.manager.Current(ctx, testSID).IsAuthenticated, "pre-login id must stay anonymous")
		assert.False(t, f.manager.Initialize(ctx, testSID).IsAuthenticated)
		_, err = f.store.GetSession(ctx, testSID)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.True(t, f.manager.Current(ctx, snap.ID).IsAuthenticated)
		assert.Equal(t, 1, f.manager.pendingRefreshes())
	}

	t.Run("login", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		require.NoError(t, f.store.SaveSession(ctx, Record{ID: testSID, CreatedAt: time.Now()}))

		snap, err := f.manager.Login(ctx, testSID, testEmail, testPassword)
		require.NoError(t, err)
		assertRotated(t, f, snap)
	})

	t.Run("register", func(t *testing.T) {
		f := newFixture(t)
		snap, err := f.manager.Register(context.Background(), testSID, RegisterInput{Email: "new@example.com", Password: "long-enough"})
		require.NoError(t, err)
		assertRotated(t, f, snap)
	})

	t.Run("federated", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		authURL, err := f.manager.BeginFederatedLogin(ctx, testSID, "google", ModeRedirect)
		require.NoError(t, err)

		res, err := f.manager.CompleteFederatedLogin(ctx, testSID, callbackFrom(followAuthorization(t, f, authURL)))
		require.NoError(t, err)
		assertRotated(t, f, res.Session)
	})

	t.Run("already authenticated keeps its id", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		first, err := f.manager.Login(ctx, testSID, testEmail, testPassword)
		require.NoError(t, err)

		again, err := f.manager.Login(ctx, first.ID, testEmail, testPassword)
		require.NoError(t, err)
		assert.Equal(t, first.ID, again.ID)
	})
}

func TestEventsCarrySessionReference(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	snap, err := f.manager.Register(ctx, testSID, RegisterInput{Email: "new@example.com", Password: "long-enough"})
	require.NoError(t, err)
	f.manager.Logout(ctx, snap.ID)

	f.sink.mu.Lock()
	defer f.sink.mu.Unlock()
	require.Len(t, f.sink.events, 3)
	for _, e := range f.sink.events {
		payload, err := json.Marshal(e)
		require.NoError(t, err)
		assert.NotContains(t, string(payload), testSID)
		assert.NotContains(t, string(payload), snap.ID)
		assert.NotEmpty(t, e.SessionRef)
	}
	assert.Equal(t, f.opts.States.SessionRef(testSID), f.sink.events[0].SessionRef)
	assert.Equal(t, f.opts.States.SessionRef(snap.ID), f.sink.events[1].SessionRef)
	assert.Equal(t, f.sink.events[1].SessionRef, f.sink.events[2].SessionRef)
}

func TestLoginUsesVerifiedClaims(t *testing.T) {
	f := newFixture(t)
	keys := map[string]keyfunc.GivenKey{
		identitytest.KeyID: keyfunc.NewGivenRSA(f.srv.PublicKey(), keyfunc.GivenKeyOptions{Algorithm: "RS256"}),
	}
	f.opts.Verifier = identity.NewStaticVerifier(keys, f.srv.Issuer())
	m, err := NewManager(f.opts)
	require.NoError(t, err)
	defer m.Close()

	snap, err := m.Login(context.Background(), testSID, testEmail, testPassword)
	require.NoError(t, err)
	assert.Equal(t, "Ada Lovelace", snap.User.DisplayName())
	assert.Zero(t, f.srv.Calls(identitytest.EndpointUserInfo))
}

func TestLoginRejectedCarriesProviderDescription(t *testing.T) {
	f := newFixture(t)

	snap, err := f.manager.Login(context.Background(), testSID, testEmail, "wrong")
	require.Error(t, err)

	var authErr *AuthenticationError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "Invalid user credentials", authErr.Message)
	assert.False(t, snap.IsAuthenticated)
	assert.Empty(t, f.sink.types())
	assert.Zero(t, f.manager.pendingRefreshes())
}

func TestLoginWhileAuthenticatedMakesNoNetworkCalls(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.manager.Login(ctx, testSID, testEmail, testPassword)
	require.NoError(t, err)
	calls := f.srv.TotalCalls()

	snap, err := f.manager.Login(ctx, first.ID, testEmail, testPassword)
	require.NoError(t, err)
	assert.True(t, snap.IsAuthenticated)

	snap, err = f.manager.Register(ctx, first.ID, RegisterInput{Email: "new@example.com", Password: "long-enough"})
	require.NoError(t, err)
	assert.True(t, snap.IsAuthenticated)

	assert.Equal(t, calls, f.srv.TotalCalls())
	assert.Len(t, f.provider.grantCalls(), 1)
}

func TestRegisterLogsInExactlyOnce(t *testing.T) {
	f := newFixture(t)

	snap, err := f.manager.Register(context.Background(), testSID, RegisterInput{
		Email:     "grace@example.com",
		Password:  "hopper-1906",
		FirstName: "Grace",
		LastName:  "Hopper",
	})
	require.NoError(t, err)

	assert.True(t, snap.IsAuthenticated)
	assert.Equal(t, "Grace", snap.User.FirstName)
	assert.Equal(t, []string{"grace@example.com:hopper-1906"}, f.provider.grantCalls())
	assert.Equal(t, []core.AuthEventType{core.EventRegister, core.EventLogin}, f.sink.types())

	created, ok := f.srv.LookupUser("grace@example.com")
	require.True(t, ok)
	assert.Equal(t, "grace@example.com", created.Email)
}

func TestRegisterFailures(t *testing.T) {
	t.Run("duplicate account", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.manager.Register(context.Background(), testSID, RegisterInput{Email: testEmail, Password: testPassword})

		var conflict *ConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, "User with this email already exists", conflict.Message)
		assert.Empty(t, f.provider.grantCalls())
	})

	t.Run("provider policy", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.manager.Register(context.Background(), testSID, RegisterInput{Email: "x@example.com", Password: "short"})

		var regErr *RegistrationError
		require.ErrorAs(t, err, &regErr)
		assert.Equal(t, "Password policy not met", regErr.Message)
	})

	t.Run("admin token refused", func(t *testing.T) {
		f := newFixture(t)
		cfg := f.srv.Config()
		cfg.AdminClientSecret = "wrong"
		f.opts.Registrar = identity.NewAdmin(cfg)
		m, err := NewManager(f.opts)
		require.NoError(t, err)
		defer m.Close()

		_, err = m.Register(context.Background(), testSID, RegisterInput{Email: "x@example.com", Password: "long-enough"})
		var unavailable *ServiceUnavailableError
		require.ErrorAs(t, err, &unavailable)
		assert.Equal(t, "Registration service unavailable", unavailable.Message)
	})

	t.Run("registration not configured", func(t *testing.T) {
		f := newFixture(t, func(o *Options) { o.Registrar = nil })
		_, err := f.manager.Register(context.Background(), testSID, RegisterInput{Email: "x@example.com", Password: "long-enough"})

		var unavailable *ServiceUnavailableError
		require.ErrorAs(t, err, &unavailable)
	})
}

type failingLogout struct {
	*countingProvider
}

func (failingLogout) EndSession(context.Context, string) error {
	return errors.New("connection refused")
}

func TestLogoutAlwaysClearsLocalState(t *testing.T) {
	t.Run("provider ends session", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		in, err := f.manager.Login(ctx, testSID, testEmail, testPassword)
		require.NoError(t, err)
		rec, _ := f.store.GetSession(ctx, in.ID)

		snap := f.manager.Logout(ctx, in.ID)
		assert.False(t, snap.IsAuthenticated)
		assert.False(t, f.manager.Current(ctx, in.ID).IsAuthenticated)
		assert.False(t, f.srv.RefreshTokenActive(rec.Tokens.RefreshToken))
		assert.Zero(t, f.manager.pendingRefreshes())
		assert.Equal(t, []core.AuthEventType{core.EventLogin, core.EventLogout}, f.sink.types())
	})

	t.Run("provider fails", func(t *testing.T) {
		f := newFixture(t)
		f.opts.Provider = failingLogout{f.provider}
		m, err := NewManager(f.opts)
		require.NoError(t, err)
		defer m.Close()
		ctx := context.Background()

		in, err := m.Login(ctx, testSID, testEmail, testPassword)
		require.NoError(t, err)

		snap := m.Logout(ctx, in.ID)
		assert.False(t, snap.IsAuthenticated)
		_, err = f.store.GetSession(ctx, in.ID)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("unknown session", func(t *testing.T) {
		f := newFixture(t)
		assert.False(t, f.manager.Logout(context.Background(), "nobody").IsAuthenticated)
		assert.Zero(t, f.srv.Calls(identitytest.EndpointLogout))
	})
}

func TestScheduledRefreshRenewsAndFailureLogsOut(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.MinRefreshDelay = 20 * time.Millisecond
	})
	f.srv.SetAccessTTL(time.Second)
	ctx := context.Background()

	snap, err := f.manager.Login(ctx, testSID, testEmail, testPassword)
	require.NoError(t, err)
	sid := snap.ID
	first, _ := f.store.GetSession(ctx, sid)

	assert.Eventually(t, func() bool {
		rec, err := f.store.GetSession(ctx, sid)
		return err == nil && rec.Tokens.AccessToken != first.Tokens.AccessToken
	}, 2*time.Second, 10*time.Millisecond, "access token should be renewed before expiry")
	assert.True(t, f.manager.Current(ctx, sid).IsAuthenticated)

	f.srv.SetFailRefresh(true)
	assert.Eventually(t, func() bool {
		return !f.manager.Current(ctx, sid).IsAuthenticated
	}, 2*time.Second, 10*time.Millisecond, "failed renewal should log the session out")
	assert.Contains(t, f.sink.types(), core.EventRefreshFailed)
	assert.Zero(t, f.manager.pendingRefreshes())
}

func TestRefreshDelay(t *testing.T) {
	f := newFixture(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.manager.now = func() time.Time { return now }

	cases := []struct {
		name     string
		lifetime time.Duration
		want     time.Duration
	}{
		{"long lived token renews a leeway early", 5 * time.Minute, 4*time.Minute + 30*time.Second},
		{"lifetime below leeway waits half of it", 20 * time.Second, 10 * time.Second},
		{"lifetime equal to leeway waits half of it", 30 * time.Second, 15 * time.Second},
		{"nearly expired token waits the minimum", 500 * time.Millisecond, time.Second},
		{"expired token waits the minimum", -time.Minute, time.Second},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, f.manager.refreshDelay(now.Add(tc.lifetime)))
		})
	}
}

func TestIdleSessionStopsRenewing(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.MinRefreshDelay = 20 * time.Millisecond
		o.IdleTimeout = 100 * time.Millisecond
	})
	f.srv.SetAccessTTL(time.Second)
	ctx := context.Background()

	snap, err := f.manager.Login(ctx, testSID, testEmail, testPassword)
	require.NoError(t, err)
	first, _ := f.store.GetSession(ctx, snap.ID)
	require.Equal(t, 1, f.manager.pendingRefreshes())

	require.Eventually(t, func() bool { return f.manager.pendingRefreshes() == 0 },
		2*time.Second, 10*time.Millisecond, "idle session should not stay armed")
	require.Eventually(t, func() bool { return first.Tokens.Expired(time.Now()) },
		3*time.Second, 20*time.Millisecond)

	rec, err := f.store.GetSession(ctx, snap.ID)
	require.NoError(t, err, "an idle session is kept for the browser to resume")
	assert.Equal(t, first.Tokens.AccessToken, rec.Tokens.AccessToken, "no renewal without activity")
	assert.Zero(t, f.manager.pendingRefreshes())

	resumed := f.manager.Initialize(ctx, snap.ID)
	assert.True(t, resumed.IsAuthenticated)
	assert.Equal(t, 1, f.manager.pendingRefreshes())
	rec, _ = f.store.GetSession(ctx, snap.ID)
	assert.NotEqual(t, first.Tokens.AccessToken, rec.Tokens.AccessToken, "expired token renewed on return")
}

// blockingRefresh holds every refresh until release is closed.
type blockingRefresh struct {
	*countingProvider
	calls   atomic.Int32
	release chan struct{}
}

func (p *blockingRefresh) Refresh(ctx context.Context, refreshToken string) (identity.TokenSet, error) {
	p.calls.Add(1)
	<-p.release
	return p.countingProvider.Refresh(ctx, refreshToken)
}

func TestConcurrentRefreshesCollapse(t *testing.T) {
	f := newFixture(t)
	provider := &blockingRefresh{countingProvider: f.provider, release: make(chan struct{})}
	f.opts.Provider = provider
	m, err := NewManager(f.opts)
	require.NoError(t, err)
	defer m.Close()
	ctx := context.Background()

	in, err := m.Login(ctx, testSID, testEmail, testPassword)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make(chan core.Session, 5)
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			snap, err := m.Refresh(ctx, in.ID)
			if err == nil {
				results <- snap
			}
		}()
	}

	require.Eventually(t, func() bool { return provider.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(provider.release)
	wg.Wait()
	close(results)

	assert.Equal(t, int32(1), provider.calls.Load())
	n := 0
	for snap := range results {
		assert.True(t, snap.IsAuthenticated)
		n++
	}
	assert.Equal(t, 5, n)
}

func TestInitialize(t *testing.T) {
	t.Run("unknown session is anonymous", func(t *testing.T) {
		f := newFixture(t)
		snap := f.manager.Initialize(context.Background(), "nobody")
		assert.False(t, snap.IsAuthenticated)
		assert.False(t, snap.Loading)
		assert.Zero(t, f.srv.TotalCalls())
	})

	t.Run("resumes after restart", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		in, err := f.manager.Login(ctx, testSID, testEmail, testPassword)
		require.NoError(t, err)
		f.manager.Close()

		restarted, err := NewManager(f.opts)
		require.NoError(t, err)
		defer restarted.Close()

		snap := restarted.Initialize(ctx, in.ID)
		assert.True(t, snap.IsAuthenticated)
		assert.Equal(t, in.ID, snap.ID)
		assert.Equal(t, testEmail, snap.User.Email)
		assert.Equal(t, 1, restarted.pendingRefreshes())
	})

	t.Run("renews an expired access token", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		in, err := f.manager.Login(ctx, testSID, testEmail, testPassword)
		require.NoError(t, err)

		rec, _ := f.store.GetSession(ctx, in.ID)
		rec.Tokens.Expiry = time.Now().Add(-time.Minute)
		require.NoError(t, f.store.SaveSession(ctx, rec))

		snap := f.manager.Initialize(ctx, in.ID)
		assert.True(t, snap.IsAuthenticated)
		renewed, _ := f.store.GetSession(ctx, in.ID)
		assert.NotEqual(t, rec.Tokens.AccessToken, renewed.Tokens.AccessToken)
	})

	t.Run("provider failure degrades to anonymous", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		in, err := f.manager.Login(ctx, testSID, testEmail, testPassword)
		require.NoError(t, err)
		f.manager.Close()

		restarted, err := NewManager(f.opts)
		require.NoError(t, err)
		defer restarted.Close()
		f.srv.SetFailUserInfo(true)

		snap := restarted.Initialize(ctx, in.ID)
		assert.False(t, snap.IsAuthenticated)
		_, err = f.store.GetSession(ctx, in.ID)
		assert.NoError(t, err, "a transient failure keeps the stored session")
	})

	t.Run("dead refresh token logs out", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		in, err := f.manager.Login(ctx, testSID, testEmail, testPassword)
		require.NoError(t, err)

		rec, _ := f.store.GetSession(ctx, in.ID)
		rec.Tokens.Expiry = time.Now().Add(-time.Minute)
		rec.Tokens.RefreshExpiry = time.Now().Add(-time.Second)
		require.NoError(t, f.store.SaveSession(ctx, rec))

		assert.False(t, f.manager.Initialize(ctx, in.ID).IsAuthenticated)
		_, err = f.store.GetSession(ctx, in.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.Contains(t, f.sink.types(), core.EventRefreshFailed)
	})
}

// followAuthorization plays the browser: it visits the authorization URL
// and returns the query of the redirect back to the application.
func followAuthorization(t *testing.T, f *fixture, authURL string) url.Values {
	t.Helper()
	client := *f.srv.Client()
	client.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	resp, err := client.Get(authURL)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)
	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	return loc.Query()
}

func callbackFrom(q url.Values) Callback {
	return Callback{
		Code:             q.Get("code"),
		State:            q.Get("state"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
	}
}

func TestFederatedLogin(t *testing.T) {
	t.Run("popup flow", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()

		authURL, err := f.manager.BeginFederatedLogin(ctx, testSID, "GitHub", ModePopup)
		require.NoError(t, err)
		q := followAuthorization(t, f, authURL)

		res, err := f.manager.CompleteFederatedLogin(ctx, testSID, callbackFrom(q))
		require.NoError(t, err)
		assert.Equal(t, ModePopup, res.Mode)
		assert.Equal(t, "github", res.Provider)
		assert.Equal(t, "/dashboard", res.Redirect)
		assert.True(t, res.Session.IsAuthenticated)
		assert.Equal(t, "octocat@example.com", res.Session.User.Email)
		assert.Equal(t, []string{"github"}, f.srv.IDPHints())
		assert.Equal(t, []core.AuthEventType{core.EventFederatedLogin}, f.sink.types())

		again, err := f.manager.BeginFederatedLogin(ctx, res.Session.ID, "google", ModeRedirect)
		require.NoError(t, err)
		assert.Equal(t, "/dashboard", again, "authenticated sessions go straight to the landing path")
	})

	t.Run("state bound to session", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()

		authURL, err := f.manager.BeginFederatedLogin(ctx, testSID, "google", ModeRedirect)
		require.NoError(t, err)
		q := followAuthorization(t, f, authURL)

		_, err = f.manager.CompleteFederatedLogin(ctx, "another-sid", callbackFrom(q))
		assert.ErrorIs(t, err, ErrStateMismatch)
		assert.False(t, f.manager.Current(ctx, "another-sid").IsAuthenticated)
	})

	t.Run("tampered state", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.manager.CompleteFederatedLogin(context.Background(), testSID, Callback{Code: "x", State: "forged"})
		assert.ErrorIs(t, err, ErrInvalidState)
	})

	t.Run("user cancels", func(t *testing.T) {
		f := newFixture(t)
		f.srv.SetDenyAuthorization(true)
		ctx := context.Background()

		authURL, err := f.manager.BeginFederatedLogin(ctx, testSID, "google", ModePopup)
		require.NoError(t, err)
		res, err := f.manager.CompleteFederatedLogin(ctx, testSID, callbackFrom(followAuthorization(t, f, authURL)))
		assert.ErrorIs(t, err, ErrFederatedDenied)
		assert.Equal(t, ModePopup, res.Mode)
		assert.False(t, res.Session.IsAuthenticated)
	})

	t.Run("unknown provider", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.manager.BeginFederatedLogin(context.Background(), testSID, "myspace", ModeRedirect)
		assert.ErrorIs(t, err, ErrUnknownProvider)
	})
}

func TestSweepRemovesExpiredSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, f.store.SaveSession(ctx, Record{ID: "old", Tokens: identity.TokenSet{AccessToken: "a", RefreshExpiry: now.Add(-time.Hour)}}))
	require.NoError(t, f.store.SaveSession(ctx, Record{ID: "live", Tokens: identity.TokenSet{AccessToken: "b", RefreshExpiry: now.Add(time.Hour)}}))

	n, err := f.manager.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = f.store.GetSession(ctx, "old")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.store.GetSession(ctx, "live")
	assert.NoError(t, err)
}
