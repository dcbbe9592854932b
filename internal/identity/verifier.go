package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"

	"cashmanager/internal/core"
)

// Claims are the access-token claims the application reads.
type Claims struct {
	jwt.RegisteredClaims
	Email             string `json:"email"`
	GivenName         string `json:"given_name"`
	FamilyName        string `json:"family_name"`
	PreferredUsername string `json:"preferred_username"`
}

// User converts the claims into the session profile.
func (c *Claims) User() core.User {
	return core.User{
		ID:        c.Subject,
		Email:     c.Email,
		FirstName: c.GivenName,
		LastName:  c.FamilyName,
		Username:  c.PreferredUsername,
	}
}

// Verifier checks RS256 access tokens against the realm's JWKS.
type Verifier struct {
	keyfunc jwt.Keyfunc
	issuer  string
	jwks    *keyfunc.JWKS
}

// NewVerifier downloads the realm's JWKS and refreshes it in the background
// until ctx is done or Close is called.
func NewVerifier(ctx context.Context, jwksURL, issuer string, client *http.Client, onRefreshError func(error)) (*Verifier, error) {
	if client == nil {
		client = http.DefaultClient
	}
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{
		Ctx:                 ctx,
		Client:              client,
		RefreshErrorHandler: onRefreshError,
		RefreshInterval:     time.Hour,
		RefreshRateLimit:    5 * time.Minute,
		RefreshTimeout:      10 * time.Second,
		RefreshUnknownKID:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("load JWKS from %s: %w", jwksURL, err)
	}
	return &Verifier{keyfunc: jwks.Keyfunc, issuer: issuer, jwks: jwks}, nil
}

// NewStaticVerifier verifies against a fixed key set.
func NewStaticVerifier(keys map[string]keyfunc.GivenKey, issuer string) *Verifier {
	jwks := keyfunc.NewGiven(keys)
	return &Verifier{keyfunc: jwks.Keyfunc, issuer: issuer, jwks: jwks}
}

// Verify parses and validates an access token.
func (v *Verifier) Verify(raw string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, v.keyfunc, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %v", ErrTokenExpired, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !token.Valid {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

// Close stops the background JWKS refresh.
func (v *Verifier) Close() {
	if v != nil && v.jwks != nil {
		v.jwks.EndBackground()
	}
}
