package identity_test

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"cashmanager/internal/identity"
	"cashmanager/internal/identity/identitytest"
)

func newClient(t *testing.T) (*identitytest.Server, *identity.Client) {
	t.Helper()
	srv := identitytest.NewServer(t)
	srv.AddUser(identitytest.User{
		Email:     "ada@example.com",
		Password:  "correct-horse",
		FirstName: "Ada",
		LastName:  "Lovelace",
	})
	cfg := srv.Config()
	cfg.RedirectURL = "http://app.test/auth/callback"
	return srv, identity.New(cfg)
}

func TestEndpoints(t *testing.T) {
	ep := identity.Config{BaseURL: "http://localhost:9090/", Realm: "cash-manager"}.Endpoints()

	assert.Equal(t, "http://localhost:9090/realms/cash-manager", ep.Issuer)
	assert.Equal(t, "http://localhost:9090/realms/cash-manager/protocol/openid-connect/token", ep.Token)
	assert.Equal(t, "http://localhost:9090/realms/cash-manager/protocol/openid-connect/logout", ep.Logout)
	assert.Equal(t, "http://localhost:9090/realms/cash-manager/protocol/openid-connect/certs", ep.Certs)
	assert.Equal(t, "http://localhost:9090/admin/realms/cash-manager/users", ep.Users)
}

func TestPasswordGrant(t *testing.T) {
	_, client := newClient(t)

	tokens, err := client.PasswordGrant(context.Background(), "ada@example.com", "correct-horse")
	require.NoError(t, err)

	assert.NotEmpty(t, tokens.AccessToken)
	assert.NotEmpty(t, tokens.RefreshToken)
	assert.Equal(t, "id-", tokens.IDToken[:3])
	assert.WithinDuration(t, time.Now().Add(5*time.Minute), tokens.Expiry, 5*time.Second)
	assert.WithinDuration(t, time.Now().Add(30*time.Minute), tokens.RefreshExpiry, 5*time.Second)
	assert.False(t, tokens.Expired(time.Now()))
	assert.True(t, tokens.Refreshable(time.Now()))
}

func TestPasswordGrantRejected(t *testing.T) {
	_, client := newClient(t)

	_, err := client.PasswordGrant(context.Background(), "ada@example.com", "wrong")
	require.Error(t, err)

	var pe *identity.ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, http.StatusUnauthorized, pe.StatusCode)
	assert.Equal(t, "invalid_grant", pe.Code)
	assert.Equal(t, "Invalid user credentials", pe.Description)
	assert.True(t, identity.IsStatus(err, http.StatusUnauthorized))
}

func TestPasswordGrantUnreachable(t *testing.T) {
	client := identity.New(identity.Config{
		BaseURL:  "http://127.0.0.1:1",
		Realm:    "cash-manager",
		ClientID: "cash-manager-frontend",
		Timeout:  time.Second,
	})

	_, err := client.PasswordGrant(context.Background(), "ada@example.com", "x")
	require.Error(t, err)
	assert.ErrorIs(t, err, identity.ErrUnavailable)
}

func TestRefresh(t *testing.T) {
	srv, client := newClient(t)
	ctx := context.Background()

	first, err := client.PasswordGrant(ctx, "ada@example.com", "correct-horse")
	require.NoError(t, err)

	second, err := client.Refresh(ctx, first.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, first.AccessToken, second.AccessToken)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)
	assert.False(t, srv.RefreshTokenActive(first.RefreshToken), "rotated refresh token must be revoked")

	srv.SetFailRefresh(true)
	_, err = client.Refresh(ctx, second.RefreshToken)
	assert.True(t, identity.IsStatus(err, http.StatusBadRequest))
}

func TestEndSession(t *testing.T) {
	srv, client := newClient(t)
	ctx := context.Background()

	tokens, err := client.PasswordGrant(ctx, "ada@example.com", "correct-horse")
	require.NoError(t, err)
	require.True(t, srv.RefreshTokenActive(tokens.RefreshToken))

	require.NoError(t, client.EndSession(ctx, tokens.RefreshToken))
	assert.False(t, srv.RefreshTokenActive(tokens.RefreshToken))
	assert.Equal(t, 1, srv.Calls(identitytest.EndpointLogout))
}

func TestUserInfo(t *testing.T) {
	srv, client := newClient(t)
	ctx := context.Background()

	tokens, err := client.PasswordGrant(ctx, "ada@example.com", "correct-horse")
	require.NoError(t, err)

	user, err := client.UserInfo(ctx, tokens.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", user.Email)
	assert.Equal(t, "Ada", user.FirstName)
	assert.Equal(t, "Lovelace", user.LastName)
	assert.NotEmpty(t, user.ID)

	srv.SetFailUserInfo(true)
	_, err = client.UserInfo(ctx, tokens.AccessToken)
	assert.True(t, identity.IsStatus(err, http.StatusInternalServerError))
}

func TestAuthorizationCodeFlow(t *testing.T) {
	srv, client := newClient(t)
	ctx := context.Background()

	verifier := oauth2.GenerateVerifier()
	authURL := client.AuthCodeURL("state-123", "github", verifier)

	u, err := url.Parse(authURL)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "github", q.Get("kc_idp_hint"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	sum := sha256.Sum256([]byte(verifier))
	assert.Equal(t, base64.RawURLEncoding.EncodeToString(sum[:]), q.Get("code_challenge"))
	assert.Equal(t, "state-123", q.Get("state"))

	noRedirect := *srv.Client()
	noRedirect.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	resp, err := noRedirect.Get(authURL)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "state-123", loc.Query().Get("state"))

	_, err = client.ExchangeCode(ctx, loc.Query().Get("code"), "not-the-verifier")
	require.Error(t, err, "exchange must enforce PKCE")

	resp, err = noRedirect.Get(authURL)
	require.NoError(t, err)
	resp.Body.Close()
	loc, _ = url.Parse(resp.Header.Get("Location"))

	tokens, err := client.ExchangeCode(ctx, loc.Query().Get("code"), verifier)
	require.NoError(t, err)
	assert.NotEmpty(t, tokens.AccessToken)
	assert.Equal(t, []string{"github", "github"}, srv.IDPHints())
}

func TestAdminCreateUser(t *testing.T) {
	srv := identitytest.NewServer(t)
	admin := identity.NewAdmin(srv.Config())
	require.NotNil(t, admin)
	ctx := context.Background()

	id, err := admin.CreateUser(ctx, identity.NewUser{
		Email:     "grace@example.com",
		Password:  "hopper-1906",
		FirstName: "Grace",
		LastName:  "Hopper",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	created, ok := srv.LookupUser("grace@example.com")
	require.True(t, ok)
	assert.Equal(t, id, created.ID)
	assert.Equal(t, "Grace", created.FirstName)
	assert.False(t, created.Disabled)

	_, err = admin.CreateUser(ctx, identity.NewUser{Email: "grace@example.com", Password: "hopper-1906"})
	var pe *identity.ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, http.StatusConflict, pe.StatusCode)
	assert.Equal(t, "User exists with same username", pe.Message)
}

func TestAdminDisabledAndBadCredentials(t *testing.T) {
	srv := identitytest.NewServer(t)

	cfg := srv.Config()
	cfg.AdminClientSecret = ""
	assert.Nil(t, identity.NewAdmin(cfg))

	var nilAdmin *identity.Admin
	_, err := nilAdmin.CreateUser(context.Background(), identity.NewUser{Email: "x@example.com"})
	assert.ErrorIs(t, err, identity.ErrAdminDisabled)

	cfg = srv.Config()
	cfg.AdminClientSecret = "wrong"
	_, err = identity.NewAdmin(cfg).Token(context.Background())
	assert.ErrorIs(t, err, identity.ErrAdminUnavailable)
	assert.Zero(t, srv.Calls(identitytest.EndpointUsers))
}
