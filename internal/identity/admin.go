package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// NewUser is the account created by self-registration.
type NewUser struct {
	Email     string
	Password  string
	FirstName string
	LastName  string
}

type credentialRepresentation struct {
	Type      string `json:"type"`
	Value     string `json:"value"`
	Temporary bool   `json:"temporary"`
}

type userRepresentation struct {
	Username      string                     `json:"username"`
	Email         string                     `json:"email"`
	FirstName     string                     `json:"firstName,omitempty"`
	LastName      string                     `json:"lastName,omitempty"`
	Enabled       bool                       `json:"enabled"`
	EmailVerified bool                       `json:"emailVerified"`
	Credentials   []credentialRepresentation `json:"credentials"`
}

// Admin calls the realm's administrative API with a service-account token.
type Admin struct {
	creds      *clientcredentials.Config
	usersURL   string
	httpClient *http.Client
}

// NewAdmin returns nil when no service-account credentials are configured.
func NewAdmin(cfg Config) *Admin {
	if cfg.AdminClientID == "" || cfg.AdminClientSecret == "" {
		return nil
	}
	ep := cfg.Endpoints()
	return &Admin{
		creds: &clientcredentials.Config{
			ClientID:     cfg.AdminClientID,
			ClientSecret: cfg.AdminClientSecret,
			TokenURL:     ep.Token,
			AuthStyle:    oauth2.AuthStyleInParams,
		},
		usersURL:   ep.Users,
		httpClient: cfg.httpClient(),
	}
}

// Token obtains an administrative access token.
func (a *Admin) Token(ctx context.Context) (string, error) {
	if a == nil {
		return "", ErrAdminDisabled
	}
	tok, err := a.creds.Token(context.WithValue(ctx, oauth2.HTTPClient, a.httpClient))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAdminUnavailable, classify(err))
	}
	return tok.AccessToken, nil
}

// CreateUser creates an enabled account whose username is its email and
// returns the new user's id when the provider reports it.
func (a *Admin) CreateUser(ctx context.Context, u NewUser) (string, error) {
	token, err := a.Token(ctx)
	if err != nil {
		return "", err
	}

	body, err := json.Marshal(userRepresentation{
		Username:      u.Email,
		Email:         u.Email,
		FirstName:     u.FirstName,
		LastName:      u.LastName,
		Enabled:       true,
		EmailVerified: false,
		Credentials: []credentialRepresentation{
			{Type: "password", Value: u.Password, Temporary: false},
		},
	})
	if err != nil {
		return "", fmt.Errorf("encode user: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.usersURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build create user request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", decodeProviderError(resp)
	}

	if loc := resp.Header.Get("Location"); loc != "" {
		return path.Base(strings.TrimRight(loc, "/")), nil
	}
	return "", nil
}
