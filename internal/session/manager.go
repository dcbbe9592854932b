// Package session owns the authentication state of every browser context.
//
// A browser context is identified by an opaque session id. The Manager keeps
// the provider tokens of each context in a Store, renews them shortly before
// they expire and exposes only a core.Session snapshot to callers.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"cashmanager/internal/cache"
	"cashmanager/internal/core"
	"cashmanager/internal/identity"
	"cashmanager/internal/log"
	"cashmanager/internal/metrics"
)

// Provider is the part of the identity provider the manager drives.
type Provider interface {
	PasswordGrant(ctx context.Context, username, password string) (identity.TokenSet, error)
	Refresh(ctx context.Context, refreshToken string) (identity.TokenSet, error)
	AuthCodeURL(state, idpHint, verifier string) string
	ExchangeCode(ctx context.Context, code, verifier string) (identity.TokenSet, error)
	EndSession(ctx context.Context, refreshToken string) error
	UserInfo(ctx context.Context, accessToken string) (core.User, error)
}

// Registrar creates accounts through the provider's administrative API.
type Registrar interface {
	CreateUser(ctx context.Context, u identity.NewUser) (string, error)
}

// TokenVerifier validates access tokens locally.
type TokenVerifier interface {
	Verify(raw string) (*identity.Claims, error)
}

// EventSink receives session lifecycle events.
type EventSink interface {
	PublishAuthEvent(ctx context.Context, event core.AuthEvent) error
}

// Options configure a Manager. Store, Provider and States are required.
type Options struct {
	Store     Store
	Provider  Provider
	Registrar Registrar
	Verifier  TokenVerifier
	Events    EventSink
	States    *StateCodec
	Profiles  cache.Cache[core.User]
	Logger    *log.Logger

	RefreshLeeway      time.Duration
	MinRefreshDelay    time.Duration
	IdleTimeout        time.Duration
	RequestTimeout     time.Duration
	LandingPath        string
	FederatedProviders []string
}

// RegisterInput is a self-registration request.
type RegisterInput struct {
	Email     string
	Password  string
	FirstName string
	LastName  string
}

// Callback carries the query of the provider's redirect back to the app.
type Callback struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// FederatedResult tells the HTTP layer how to finish a federated login.
type FederatedResult struct {
	Mode     Mode
	Provider string
	Redirect string
	Session  core.Session
}

// Manager is safe for concurrent use. Work on one session id is serialised.
type Manager struct {
	opts   Options
	logger *log.Logger
	sl     *log.StructuredLogger
	now    func() time.Time

	locks *keyedMutex
	group singleflight.Group

	timersMu sync.Mutex
	timers   map[string]*time.Timer
	closed   bool
}

func NewManager(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("session store is required")
	}
	if opts.Provider == nil {
		return nil, errors.New("identity provider is required")
	}
	if opts.States == nil {
		return nil, errors.New("state codec is required")
	}
	if opts.RefreshLeeway <= 0 {
		opts.RefreshLeeway = 30 * time.Second
	}
	if opts.MinRefreshDelay <= 0 {
		opts.MinRefreshDelay = time.Second
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 30 * time.Minute
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	if opts.LandingPath == "" {
		opts.LandingPath = "/dashboard"
	}
	if opts.Profiles == nil {
		opts.Profiles = cache.NewLRUCache[core.User]("profiles", 1000, 5*time.Minute)
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default(log.ComponentSession)
	}
	logger = logger.WithComponent(log.ComponentSession)

	return &Manager{
		opts:   opts,
		logger: logger,
		sl:     log.NewStructuredLogger(logger),
		now:    time.Now,
		locks:  newKeyedMutex(),
		timers: make(map[string]*time.Timer),
	}, nil
}

// LandingPath is where an authenticated browser is sent.
func (m *Manager) LandingPath() string {
	return m.opts.LandingPath
}

// Providers lists the federated login providers that may be used.
func (m *Manager) Providers() []string {
	return slices.Clone(m.opts.FederatedProviders)
}

// Current returns the stored state of a session without contacting the provider.
func (m *Manager) Current(ctx context.Context, sid string) core.Session {
	if sid == "" {
		return core.Anonymous()
	}
	rec, err := m.opts.Store.GetSession(ctx, sid)
	if err != nil {
		return core.Anonymous()
	}
	return rec.Snapshot()
}

// Initialize resumes a stored session: it renews an expired access token,
// verifies it and loads the profile. Any failure yields an anonymous session.
func (m *Manager) Initialize(ctx context.Context, sid string) core.Session {
	start := m.now()
	if sid == "" {
		return core.Anonymous()
	}

	rec, err := m.opts.Store.GetSession(ctx, sid)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			m.logger.WarnContext(ctx, "Session lookup failed", log.FieldSessionRef, m.ref(sid), log.FieldError, err)
		}
		return core.Anonymous()
	}
	if rec.Tokens.AccessToken == "" {
		return core.Anonymous()
	}

	if rec.Tokens.Expired(m.now()) {
		if _, err := m.Refresh(ctx, sid); err != nil {
			metrics.RecordAuth(log.OpInitialize, metrics.OutcomeFailure, m.now().Sub(start))
			return core.Anonymous()
		}
	}

	unlock := m.locks.Lock(sid)
	defer unlock()

	rec, err = m.opts.Store.GetSession(ctx, sid)
	if err != nil || rec.Tokens.AccessToken == "" {
		return core.Anonymous()
	}

	user, err := m.profile(ctx, rec.Tokens.AccessToken)
	if err != nil {
		m.logger.WarnContext(ctx, "Silent session check failed", log.FieldSessionRef, m.ref(sid), log.FieldError, err)
		if errors.Is(err, identity.ErrTokenInvalid) || errors.Is(err, identity.ErrTokenExpired) {
			m.drop(ctx, rec)
		}
		metrics.RecordAuth(log.OpInitialize, metrics.OutcomeFailure, m.now().Sub(start))
		return core.Anonymous()
	}

	rec.User = &user
	rec.UpdatedAt = m.now()
	rec.LastSeenAt = rec.UpdatedAt
	if err := m.opts.Store.SaveSession(ctx, rec); err != nil {
		m.logger.WarnContext(ctx, "Failed to save resumed session", log.FieldSessionRef, m.ref(sid), log.FieldError, err)
	}
	m.ensureScheduled(sid, rec.Tokens.Expiry)

	metrics.RecordAuth(log.OpInitialize, metrics.OutcomeSuccess, m.now().Sub(start))
	return rec.Snapshot()
}

// Login signs the browser in with a password grant. It does nothing when
// the session is already authenticated.
func (m *Manager) Login(ctx context.Context, sid, email, password string) (core.Session, error) {
	start := m.now()
	unlock := m.locks.Lock(sid)
	defer unlock()

	rec, err := m.load(ctx, sid)
	if err != nil {
		return core.Anonymous(), err
	}
	if rec.Authenticated() {
		metrics.RecordAuth(log.OpLogin, metrics.OutcomeNoop, m.now().Sub(start))
		return rec.Snapshot(), nil
	}

	snap, err := m.loginLocked(ctx, rec, email, password)
	m.observe(ctx, log.OpLogin, start, sid, snap, err)
	return snap, err
}

func (m *Manager) loginLocked(ctx context.Context, rec Record, email, password string) (core.Session, error) {
	tokens, err := m.opts.Provider.PasswordGrant(ctx, email, password)
	if err != nil {
		return core.Anonymous(), loginError(err)
	}
	rec, err = m.establish(ctx, rec, tokens, "")
	if err != nil {
		return core.Anonymous(), err
	}
	m.publish(ctx, core.EventLogin, rec, "")
	return rec.Snapshot(), nil
}

// Register creates an account and then logs into it with the same
// credentials. It does nothing when the session is already authenticated.
func (m *Manager) Register(ctx context.Context, sid string, in RegisterInput) (core.Session, error) {
	start := m.now()
	unlock := m.locks.Lock(sid)
	defer unlock()

	rec, err := m.load(ctx, sid)
	if err != nil {
		return core.Anonymous(), err
	}
	if rec.Authenticated() {
		metrics.RecordAuth(log.OpRegister, metrics.OutcomeNoop, m.now().Sub(start))
		return rec.Snapshot(), nil
	}
	if m.opts.Registrar == nil {
		err := &ServiceUnavailableError{Message: msgRegistrationDisabled, Err: identity.ErrAdminDisabled}
		m.observe(ctx, log.OpRegister, start, sid, core.Anonymous(), err)
		return core.Anonymous(), err
	}

	userID, err := m.opts.Registrar.CreateUser(ctx, identity.NewUser{
		Email:     in.Email,
		Password:  in.Password,
		FirstName: in.FirstName,
		LastName:  in.LastName,
	})
	if err != nil {
		err = registrationError(err)
		m.observe(ctx, log.OpRegister, start, sid, core.Anonymous(), err)
		return core.Anonymous(), err
	}
	m.publish(ctx, core.EventRegister, Record{ID: sid, User: &core.User{ID: userID, Email: in.Email}}, "")
	m.observe(ctx, log.OpRegister, start, sid, core.Session{User: &core.User{ID: userID}}, nil)

	start = m.now()
	snap, err := m.loginLocked(ctx, rec, in.Email, in.Password)
	m.observe(ctx, log.OpLogin, start, sid, snap, err)
	return snap, err
}

// Logout ends the provider session and always clears the local one.
func (m *Manager) Logout(ctx context.Context, sid string) core.Session {
	start := m.now()
	if sid == "" {
		return core.Anonymous()
	}
	unlock := m.locks.Lock(sid)
	defer unlock()

	m.cancelRefresh(sid)

	rec, err := m.opts.Store.GetSession(ctx, sid)
	if err != nil {
		return core.Anonymous()
	}
	if rec.Tokens.RefreshToken != "" {
		if err := m.opts.Provider.EndSession(ctx, rec.Tokens.RefreshToken); err != nil {
			m.logger.WarnContext(ctx, "Provider logout failed, clearing local session anyway",
				log.FieldSessionRef, m.ref(sid), log.FieldError, err)
		}
	}
	if rec.Authenticated() {
		m.publish(ctx, core.EventLogout, rec, rec.Provider)
	}
	m.drop(ctx, rec)

	m.observe(ctx, log.OpLogout, start, sid, rec.Snapshot(), nil)
	return core.Anonymous()
}

// BeginFederatedLogin returns the URL the browser must visit to sign in
// with provider. An authenticated session is sent to the landing path.
func (m *Manager) BeginFederatedLogin(ctx context.Context, sid, provider string, mode Mode) (string, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if !slices.Contains(m.opts.FederatedProviders, provider) {
		return "", fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}
	if sid == "" {
		return "", ErrInvalidState
	}
	if m.Current(ctx, sid).IsAuthenticated {
		return m.opts.LandingPath, nil
	}

	verifier := oauth2.GenerateVerifier()
	state, err := m.opts.States.Encode(&FederatedState{
		SessionID:    sid,
		Provider:     provider,
		Mode:         mode,
		CodeVerifier: verifier,
	})
	if err != nil {
		return "", fmt.Errorf("encode state: %w", err)
	}

	m.logger.InfoContext(ctx, "Federated login started",
		log.FieldSessionRef, m.ref(sid), log.FieldProvider, provider, "mode", string(mode))
	return m.opts.Provider.AuthCodeURL(state, provider, verifier), nil
}

// CompleteFederatedLogin finishes the authorization-code flow started by
// BeginFederatedLogin. The result is filled in even on failure so the
// caller knows how to answer the browser.
func (m *Manager) CompleteFederatedLogin(ctx context.Context, sid string, cb Callback) (FederatedResult, error) {
	start := m.now()
	res := FederatedResult{Mode: ModeRedirect, Redirect: m.opts.LandingPath, Session: core.Anonymous()}

	st, err := m.opts.States.Decode(cb.State)
	if st != nil {
		res.Mode = st.Mode
		res.Provider = st.Provider
	}
	if err == nil && st.SessionID != sid {
		err = ErrStateMismatch
	}
	if err == nil && cb.Error != "" {
		err = fmt.Errorf("%w: %s %s", ErrFederatedDenied, cb.Error, cb.ErrorDescription)
	}
	if err != nil {
		m.observe(ctx, log.OpFederated, start, sid, core.Anonymous(), err)
		return res, err
	}

	unlock := m.locks.Lock(sid)
	defer unlock()

	rec, err := m.load(ctx, sid)
	if err != nil {
		return res, err
	}
	if rec.Authenticated() {
		res.Session = rec.Snapshot()
		metrics.RecordAuth(log.OpFederated, metrics.OutcomeNoop, m.now().Sub(start))
		return res, nil
	}

	tokens, err := m.opts.Provider.ExchangeCode(ctx, cb.Code, st.CodeVerifier)
	if err != nil {
		err = loginError(err)
		m.observe(ctx, log.OpFederated, start, sid, core.Anonymous(), err)
		return res, err
	}
	rec, err = m.establish(ctx, rec, tokens, st.Provider)
	if err != nil {
		m.observe(ctx, log.OpFederated, start, sid, core.Anonymous(), err)
		return res, err
	}
	m.publish(ctx, core.EventFederatedLogin, rec, st.Provider)

	res.Session = rec.Snapshot()
	m.observe(ctx, log.OpFederated, start, sid, res.Session, nil)
	return res, nil
}

// Sweep deletes sessions that can no longer be resumed.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	n, err := m.opts.Store.DeleteExpiredSessions(ctx, m.now())
	if err != nil {
		return 0, fmt.Errorf("sweep sessions: %w", err)
	}
	if n > 0 {
		m.logger.InfoContext(ctx, "Expired sessions removed", "count", n)
	}
	return n, nil
}

// RunSweeper calls Sweep every interval until ctx is done.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := m.Sweep(ctx); err != nil {
				m.logger.ErrorContext(ctx, "Session sweep failed", log.FieldError, err)
			}
		}
	}
}

// Close stops every pending token renewal.
func (m *Manager) Close() {
	m.timersMu.Lock()
	defer m.timersMu.Unlock()
	m.closed = true
	for sid, t := range m.timers {
		t.Stop()
		delete(m.timers, sid)
	}
	metrics.SetActiveSessions(0)
}

func (m *Manager) load(ctx context.Context, sid string) (Record, error) {
	if sid == "" {
		return Record{}, errors.New("session id is required")
	}
	rec, err := m.opts.Store.GetSession(ctx, sid)
	if errors.Is(err, ErrNotFound) {
		now := m.now()
		return Record{ID: sid, CreatedAt: now, UpdatedAt: now}, nil
	}
	if err != nil {
		return Record{}, fmt.Errorf("load session: %w", err)
	}
	return rec, nil
}

// establish stores freshly issued tokens with the owner's profile under a
// new session id. The anonymous id the browser signed in with is deleted,
// so a planted cookie never becomes an authenticated one.
func (m *Manager) establish(ctx context.Context, rec Record, tokens identity.TokenSet, provider string) (Record, error) {
	user, err := m.profile(ctx, tokens.AccessToken)
	if err != nil {
		return rec, &ServiceUnavailableError{Message: msgProfileUnavailable, Err: err}
	}
	now := m.now()
	prev := rec.ID
	rec.ID = uuid.NewString()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.User = &user
	rec.Tokens = tokens
	rec.Provider = provider
	rec.UpdatedAt = now
	rec.LastSeenAt = now
	if err := m.opts.Store.SaveSession(ctx, rec); err != nil {
		return rec, fmt.Errorf("save session: %w", err)
	}
	if prev != "" {
		m.cancelRefresh(prev)
		if err := m.opts.Store.DeleteSession(ctx, prev); err != nil && !errors.Is(err, ErrNotFound) {
			m.logger.WarnContext(ctx, "Failed to delete pre-login session",
				log.FieldOperation, log.OpDelete, log.FieldSessionRef, m.ref(prev), log.FieldError, err)
		}
	}
	m.schedule(rec.ID, tokens.Expiry)
	return rec, nil
}

// profile prefers the verified token claims and falls back to userinfo.
func (m *Manager) profile(ctx context.Context, accessToken string) (core.User, error) {
	if m.opts.Verifier != nil {
		claims, err := m.opts.Verifier.Verify(accessToken)
		if err != nil {
			return core.User{}, err
		}
		if claims.Subject != "" && claims.Email != "" {
			return claims.User(), nil
		}
	}

	key := tokenKey(accessToken)
	if user, ok := m.opts.Profiles.Get(key); ok {
		return user, nil
	}
	user, err := m.opts.Provider.UserInfo(ctx, accessToken)
	if err != nil {
		return core.User{}, fmt.Errorf("load profile: %w", err)
	}
	m.opts.Profiles.Set(key, user)
	return user, nil
}

func (m *Manager) drop(ctx context.Context, rec Record) {
	m.cancelRefresh(rec.ID)
	if rec.Tokens.AccessToken != "" {
		m.opts.Profiles.Delete(tokenKey(rec.Tokens.AccessToken))
	}
	if err := m.opts.Store.DeleteSession(ctx, rec.ID); err != nil {
		m.logger.WarnContext(ctx, "Failed to delete session", log.FieldOperation, log.OpDelete, log.FieldSessionRef, m.ref(rec.ID), log.FieldError, err)
	}
}

func (m *Manager) publish(ctx context.Context, typ core.AuthEventType, rec Record, provider string) {
	if m.opts.Events == nil {
		return
	}
	event := core.AuthEvent{
		ID:         uuid.NewString(),
		Type:       typ,
		SessionRef: m.ref(rec.ID),
		Provider:   provider,
		Timestamp:  m.now().UTC(),
	}
	if rec.User != nil {
		event.UserID = rec.User.ID
		event.Email = rec.User.Email
	}
	if err := m.opts.Events.PublishAuthEvent(ctx, event); err != nil {
		metrics.RecordAuthEvent(string(typ), "failed")
		m.logger.WarnContext(ctx, "Failed to publish auth event",
			log.FieldEventType, string(typ), log.FieldSessionRef, event.SessionRef, log.FieldError, err)
		return
	}
	metrics.RecordAuthEvent(string(typ), "published")
}

func (m *Manager) observe(ctx context.Context, op string, start time.Time, sid string, snap core.Session, err error) {
	outcome := metrics.OutcomeSuccess
	if err != nil {
		outcome = metrics.OutcomeFailure
	}
	metrics.RecordAuth(op, outcome, m.now().Sub(start))

	userID := ""
	if snap.User != nil {
		userID = snap.User.ID
	}
	if snap.ID != "" {
		sid = snap.ID
	}
	m.sl.LogAuthOutcome(ctx, op, m.ref(sid), userID, err)
}

// ref is the form of a session id that may leave the process.
func (m *Manager) ref(sid string) string {
	return m.opts.States.SessionRef(sid)
}

func tokenKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
