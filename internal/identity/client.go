// Package identity talks to the OpenID-Connect identity provider that owns
// the application's user accounts.
//
// The URL layout follows Keycloak: every realm exposes its protocol endpoints
// under {base}/realms/{realm}/protocol/openid-connect and its administrative
// API under {base}/admin/realms/{realm}.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"cashmanager/internal/core"
)

// Config describes one realm client of the identity provider.
type Config struct {
	BaseURL      string
	Realm        string
	ClientID     string
	ClientSecret string

	// Service-account client used for the admin API.
	AdminClientID     string
	AdminClientSecret string

	// RedirectURL is the callback of the authorization-code flow.
	RedirectURL string

	HTTPClient *http.Client
	Timeout    time.Duration
}

// Endpoints are the realm URLs derived from Config.
type Endpoints struct {
	Issuer   string
	Auth     string
	Token    string
	Logout   string
	UserInfo string
	Certs    string
	Users    string
}

func (c Config) Endpoints() Endpoints {
	base := strings.TrimRight(c.BaseURL, "/")
	issuer := base + "/realms/" + url.PathEscape(c.Realm)
	oidc := issuer + "/protocol/openid-connect"
	return Endpoints{
		Issuer:   issuer,
		Auth:     oidc + "/auth",
		Token:    oidc + "/token",
		Logout:   oidc + "/logout",
		UserInfo: oidc + "/userinfo",
		Certs:    oidc + "/certs",
		Users:    base + "/admin/realms/" + url.PathEscape(c.Realm) + "/users",
	}
}

func (c Config) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// TokenSet is what the provider issues on a successful grant.
type TokenSet struct {
	AccessToken   string    `json:"access_token"`
	RefreshToken  string    `json:"refresh_token,omitempty"`
	IDToken       string    `json:"id_token,omitempty"`
	TokenType     string    `json:"token_type,omitempty"`
	Expiry        time.Time `json:"expiry"`
	RefreshExpiry time.Time `json:"refresh_expiry,omitempty"`
}

// Expired reports whether the access token is past its expiry at now.
func (t TokenSet) Expired(now time.Time) bool {
	return t.AccessToken == "" || (!t.Expiry.IsZero() && !now.Before(t.Expiry))
}

// Refreshable reports whether the refresh token can still be used at now.
func (t TokenSet) Refreshable(now time.Time) bool {
	return t.RefreshToken != "" && (t.RefreshExpiry.IsZero() || now.Before(t.RefreshExpiry))
}

// Client performs the end-user grants against the realm.
type Client struct {
	cfg        Config
	endpoints  Endpoints
	oauth      *oauth2.Config
	httpClient *http.Client
	now        func() time.Time
}

func New(cfg Config) *Client {
	ep := cfg.Endpoints()
	return &Client{
		cfg:       cfg,
		endpoints: ep,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       []string{"openid", "profile", "email"},
			Endpoint: oauth2.Endpoint{
				AuthURL:   ep.Auth,
				TokenURL:  ep.Token,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		httpClient: cfg.httpClient(),
		now:        time.Now,
	}
}

// Endpoints returns the realm URLs the client talks to.
func (c *Client) Endpoints() Endpoints {
	return c.endpoints
}

func (c *Client) withHTTPClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

// PasswordGrant exchanges end-user credentials for tokens.
func (c *Client) PasswordGrant(ctx context.Context, username, password string) (TokenSet, error) {
	tok, err := c.oauth.PasswordCredentialsToken(c.withHTTPClient(ctx), username, password)
	if err != nil {
		return TokenSet{}, classify(err)
	}
	return c.tokenSet(tok), nil
}

// Refresh renews the access token with a refresh token.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (TokenSet, error) {
	src := c.oauth.TokenSource(c.withHTTPClient(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return TokenSet{}, classify(err)
	}
	return c.tokenSet(tok), nil
}

// AuthCodeURL builds the authorization URL for a federated login.
// idpHint selects the upstream identity provider (google, github).
func (c *Client) AuthCodeURL(state, idpHint, verifier string) string {
	opts := []oauth2.AuthCodeOption{oauth2.S256ChallengeOption(verifier)}
	if idpHint != "" {
		opts = append(opts, oauth2.SetAuthURLParam("kc_idp_hint", idpHint))
	}
	return c.oauth.AuthCodeURL(state, opts...)
}

// ExchangeCode completes the authorization-code flow.
func (c *Client) ExchangeCode(ctx context.Context, code, verifier string) (TokenSet, error) {
	tok, err := c.oauth.Exchange(c.withHTTPClient(ctx), code, oauth2.VerifierOption(verifier))
	if err != nil {
		return TokenSet{}, classify(err)
	}
	return c.tokenSet(tok), nil
}

// EndSession terminates the provider-side session bound to refreshToken.
func (c *Client) EndSession(ctx context.Context, refreshToken string) error {
	form := url.Values{}
	form.Set("client_id", c.cfg.ClientID)
	if c.cfg.ClientSecret != "" {
		form.Set("client_secret", c.cfg.ClientSecret)
	}
	form.Set("refresh_token", refreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoints.Logout, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build logout request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeProviderError(resp)
	}
	return nil
}

type userInfo struct {
	Subject           string `json:"sub"`
	Email             string `json:"email"`
	GivenName         string `json:"given_name"`
	FamilyName        string `json:"family_name"`
	PreferredUsername string `json:"preferred_username"`
}

// UserInfo loads the profile of the token's owner.
func (c *Client) UserInfo(ctx context.Context, accessToken string) (core.User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoints.UserInfo, nil)
	if err != nil {
		return core.User{}, fmt.Errorf("build userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return core.User{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return core.User{}, decodeProviderError(resp)
	}

	var info userInfo
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&info); err != nil {
		return core.User{}, fmt.Errorf("decode userinfo: %w", err)
	}
	return core.User{
		ID:        info.Subject,
		Email:     info.Email,
		FirstName: info.GivenName,
		LastName:  info.FamilyName,
		Username:  info.PreferredUsername,
	}, nil
}

func (c *Client) tokenSet(tok *oauth2.Token) TokenSet {
	ts := TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Expiry:       tok.Expiry,
	}
	if id, ok := tok.Extra("id_token").(string); ok {
		ts.IDToken = id
	}
	if secs, ok := tok.Extra("refresh_expires_in").(float64); ok && secs > 0 {
		ts.RefreshExpiry = c.now().Add(time.Duration(secs) * time.Second)
	}
	return ts
}

// providerErrorBody covers both the OAuth2 and the admin API error shapes.
type providerErrorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	ErrorMessage     string `json:"errorMessage"`
}

func decodeProviderError(resp *http.Response) error {
	pe := &ProviderError{StatusCode: resp.StatusCode}
	var body providerErrorBody
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err == nil {
		pe.Code = body.Error
		pe.Description = body.ErrorDescription
		pe.Message = body.ErrorMessage
	}
	return pe
}
