// Package identitytest provides an in-process identity provider for tests.
//
// The server speaks the subset of the Keycloak realm API the application
// uses: the token endpoint (password, refresh_token, authorization_code and
// client_credentials grants), the authorization endpoint with PKCE, logout,
// userinfo, the JWKS document and user creation through the admin API.
package identitytest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"cashmanager/internal/identity"
)

const (
	Realm             = "cash-manager"
	ClientID          = "cash-manager-frontend"
	AdminClientID     = "registrar"
	AdminClientSecret = "registrar-secret"
	KeyID             = "test-key"

	adminToken = "admin-access-token"
)

// Endpoint names used by Calls.
const (
	EndpointToken    = "token"
	EndpointAuth     = "auth"
	EndpointLogout   = "logout"
	EndpointUserInfo = "userinfo"
	EndpointCerts    = "certs"
	EndpointUsers    = "users"
)

// User is an account known to the fake provider.
type User struct {
	ID        string
	Username  string
	Email     string
	Password  string
	FirstName string
	LastName  string
	Disabled  bool
}

type pendingCode struct {
	user      User
	challenge string
}

// Server is a fake identity provider backed by httptest.Server.
type Server struct {
	*httptest.Server

	key *rsa.PrivateKey

	mu            sync.Mutex
	users         map[string]User // by username
	accessTokens  map[string]string
	refreshTokens map[string]string
	codes         map[string]pendingCode
	calls         map[string]int
	idpHints      []string

	// FederatedUser is signed in by the authorization endpoint.
	FederatedUser User

	accessTTL         time.Duration
	failRefresh       bool
	failUserInfo      bool
	denyAuthorization bool
}

// NewServer starts a fake provider that is closed with the test.
func NewServer(t testing.TB) *Server {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	s := &Server{
		key:           key,
		users:         make(map[string]User),
		accessTokens:  make(map[string]string),
		refreshTokens: make(map[string]string),
		codes:         make(map[string]pendingCode),
		calls:         make(map[string]int),
		accessTTL:     5 * time.Minute,
		FederatedUser: User{
			ID:        "fed-user-1",
			Username:  "octocat",
			Email:     "octocat@example.com",
			FirstName: "Mona",
			LastName:  "Lisa",
		},
	}

	prefix := "/realms/" + Realm + "/protocol/openid-connect"
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+prefix+"/token", s.handleToken)
	mux.HandleFunc("GET "+prefix+"/auth", s.handleAuth)
	mux.HandleFunc("POST "+prefix+"/logout", s.handleLogout)
	mux.HandleFunc("GET "+prefix+"/userinfo", s.handleUserInfo)
	mux.HandleFunc("GET "+prefix+"/certs", s.handleCerts)
	mux.HandleFunc("POST /admin/realms/"+Realm+"/users", s.handleCreateUser)

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// Config returns an identity.Config pointing at the fake provider.
func (s *Server) Config() identity.Config {
	return identity.Config{
		BaseURL:           s.URL,
		Realm:             Realm,
		ClientID:          ClientID,
		AdminClientID:     AdminClientID,
		AdminClientSecret: AdminClientSecret,
		HTTPClient:        s.Client(),
		Timeout:           5 * time.Second,
	}
}

// Issuer is the iss claim of issued access tokens.
func (s *Server) Issuer() string {
	return s.URL + "/realms/" + Realm
}

// PublicKey is the key access tokens are signed with.
func (s *Server) PublicKey() *rsa.PublicKey {
	return &s.key.PublicKey
}

// SetAccessTTL sets the lifetime reported as expires_in on every grant.
func (s *Server) SetAccessTTL(ttl time.Duration) {
	s.mu.Lock()
	s.accessTTL = ttl
	s.mu.Unlock()
}

// SetFailRefresh makes every refresh_token grant fail.
func (s *Server) SetFailRefresh(fail bool) {
	s.mu.Lock()
	s.failRefresh = fail
	s.mu.Unlock()
}

// SetFailUserInfo makes the userinfo endpoint answer 500.
func (s *Server) SetFailUserInfo(fail bool) {
	s.mu.Lock()
	s.failUserInfo = fail
	s.mu.Unlock()
}

// SetDenyAuthorization makes the authorization endpoint redirect with access_denied.
func (s *Server) SetDenyAuthorization(deny bool) {
	s.mu.Lock()
	s.denyAuthorization = deny
	s.mu.Unlock()
}

// AddUser registers an account.
func (s *Server) AddUser(u User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.Username == "" {
		u.Username = u.Email
	}
	s.users[u.Username] = u
}

// LookupUser returns an account by username.
func (s *Server) LookupUser(username string) (User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[username]
	return u, ok
}

// Calls reports how many requests hit an endpoint.
func (s *Server) Calls(endpoint string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[endpoint]
}

// TotalCalls reports how many requests hit the provider.
func (s *Server) TotalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.calls {
		total += n
	}
	return total
}

// IDPHints returns the kc_idp_hint values seen by the authorization endpoint.
func (s *Server) IDPHints() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.idpHints...)
}

// RefreshTokenActive reports whether a refresh token has not been revoked.
func (s *Server) RefreshTokenActive(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.refreshTokens[token]
	return ok
}

// SignAccessToken issues a signed access token for u with the given lifetime.
func (s *Server) SignAccessToken(u User, ttl time.Duration) string {
	now := time.Now()
	claims := identity.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.Issuer(),
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
		Email:             u.Email,
		GivenName:         u.FirstName,
		FamilyName:        u.LastName,
		PreferredUsername: u.Username,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = KeyID
	signed, err := token.SignedString(s.key)
	if err != nil {
		panic(err)
	}
	return signed
}

func (s *Server) count(endpoint string) {
	s.mu.Lock()
	s.calls[endpoint]++
	s.mu.Unlock()
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	s.count(EndpointToken)
	if err := r.ParseForm(); err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_request", "malformed form")
		return
	}

	switch r.PostForm.Get("grant_type") {
	case "password":
		s.mu.Lock()
		u, ok := s.users[r.PostForm.Get("username")]
		s.mu.Unlock()
		switch {
		case !ok || u.Password != r.PostForm.Get("password"):
			oauthError(w, http.StatusUnauthorized, "invalid_grant", "Invalid user credentials")
		case u.Disabled:
			oauthError(w, http.StatusBadRequest, "invalid_grant", "Account disabled")
		default:
			s.issue(w, u)
		}

	case "refresh_token":
		s.mu.Lock()
		username, ok := s.refreshTokens[r.PostForm.Get("refresh_token")]
		u := s.users[username]
		if ok && !s.failRefresh {
			delete(s.refreshTokens, r.PostForm.Get("refresh_token"))
		}
		fail := s.failRefresh
		s.mu.Unlock()
		if !ok || fail {
			oauthError(w, http.StatusBadRequest, "invalid_grant", "Token is not active")
			return
		}
		s.issue(w, u)

	case "authorization_code":
		s.mu.Lock()
		pending, ok := s.codes[r.PostForm.Get("code")]
		delete(s.codes, r.PostForm.Get("code"))
		s.mu.Unlock()
		if !ok {
			oauthError(w, http.StatusBadRequest, "invalid_grant", "Code not valid")
			return
		}
		sum := sha256.Sum256([]byte(r.PostForm.Get("code_verifier")))
		if base64.RawURLEncoding.EncodeToString(sum[:]) != pending.challenge {
			oauthError(w, http.StatusBadRequest, "invalid_grant", "PKCE verification failed")
			return
		}
		s.AddUser(pending.user)
		s.issue(w, pending.user)

	case "client_credentials":
		if r.PostForm.Get("client_id") != AdminClientID || r.PostForm.Get("client_secret") != AdminClientSecret {
			oauthError(w, http.StatusUnauthorized, "unauthorized_client", "Invalid client credentials")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token": adminToken,
			"token_type":   "Bearer",
			"expires_in":   300,
		})

	default:
		oauthError(w, http.StatusBadRequest, "unsupported_grant_type", "Unsupported grant type")
	}
}

func (s *Server) issue(w http.ResponseWriter, u User) {
	s.mu.Lock()
	ttl := s.accessTTL
	s.mu.Unlock()

	access := s.SignAccessToken(u, ttl)
	refresh := uuid.NewString()

	s.mu.Lock()
	s.accessTokens[access] = u.Username
	s.refreshTokens[refresh] = u.Username
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":       access,
		"refresh_token":      refresh,
		"id_token":           "id-" + u.ID,
		"token_type":         "Bearer",
		"expires_in":         int(ttl / time.Second),
		"refresh_expires_in": 1800,
	})
}

func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	s.count(EndpointAuth)
	q := r.URL.Query()

	redirect, err := url.Parse(q.Get("redirect_uri"))
	if err != nil || redirect.Scheme == "" {
		http.Error(w, "invalid redirect_uri", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.idpHints = append(s.idpHints, q.Get("kc_idp_hint"))
	deny := s.denyAuthorization
	s.mu.Unlock()

	params := url.Values{}
	params.Set("state", q.Get("state"))
	if deny || q.Get("code_challenge_method") != "S256" {
		params.Set("error", "access_denied")
		params.Set("error_description", "User cancelled login")
	} else {
		code := uuid.NewString()
		s.mu.Lock()
		s.codes[code] = pendingCode{user: s.FederatedUser, challenge: q.Get("code_challenge")}
		s.mu.Unlock()
		params.Set("code", code)
	}
	redirect.RawQuery = params.Encode()
	http.Redirect(w, r, redirect.String(), http.StatusFound)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.count(EndpointLogout)
	if err := r.ParseForm(); err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_request", "malformed form")
		return
	}
	s.mu.Lock()
	delete(s.refreshTokens, r.PostForm.Get("refresh_token"))
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	s.count(EndpointUserInfo)
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	s.mu.Lock()
	username, ok := s.accessTokens[token]
	u := s.users[username]
	fail := s.failUserInfo
	s.mu.Unlock()
	if fail {
		http.Error(w, "boom", http.StatusInternalServerError)
		return
	}
	if !ok {
		oauthError(w, http.StatusUnauthorized, "invalid_token", "Token verification failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sub":                u.ID,
		"email":              u.Email,
		"given_name":         u.FirstName,
		"family_name":        u.LastName,
		"preferred_username": u.Username,
	})
}

func (s *Server) handleCerts(w http.ResponseWriter, r *http.Request) {
	s.count(EndpointCerts)
	pub := s.key.PublicKey
	writeJSON(w, http.StatusOK, map[string]any{
		"keys": []map[string]string{{
			"kid": KeyID,
			"kty": "RSA",
			"alg": "RS256",
			"use": "sig",
			"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		}},
	})
}

type createUserRequest struct {
	Username    string `json:"username"`
	Email       string `json:"email"`
	FirstName   string `json:"firstName"`
	LastName    string `json:"lastName"`
	Enabled     bool   `json:"enabled"`
	Credentials []struct {
		Type  string `json:"type"`
		Value string `json:"value"`
	} `json:"credentials"`
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	s.count(EndpointUsers)
	if r.Header.Get("Authorization") != "Bearer "+adminToken {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "HTTP 401 Unauthorized"})
		return
	}

	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	s.mu.Lock()
	_, exists := s.users[req.Username]
	s.mu.Unlock()
	if exists {
		writeJSON(w, http.StatusConflict, map[string]string{"errorMessage": "User exists with same username"})
		return
	}
	if len(req.Credentials) == 0 || len(req.Credentials[0].Value) < 8 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"errorMessage": "Password policy not met"})
		return
	}

	u := User{
		ID:        uuid.NewString(),
		Username:  req.Username,
		Email:     req.Email,
		Password:  req.Credentials[0].Value,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Disabled:  !req.Enabled,
	}
	s.AddUser(u)

	w.Header().Set("Location", s.URL+"/admin/realms/"+Realm+"/users/"+u.ID)
	w.WriteHeader(http.StatusCreated)
}

func oauthError(w http.ResponseWriter, status int, code, description string) {
	writeJSON(w, status, map[string]string{"error": code, "error_description": description})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(status)
	_, _ = w.Write(b)
}
