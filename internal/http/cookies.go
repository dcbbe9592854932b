package http

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"cashmanager/internal/core"
)

const (
	// SessionCookieName identifies the browser's authentication session.
	SessionCookieName = "cm_session"
	// ClientCookieName identifies the browser for its stored settings.
	ClientCookieName = "cm_client"

	sessionCookieMaxAge = 30 * 24 * time.Hour
	clientCookieMaxAge  = 365 * 24 * time.Hour
)

// CookieConfig controls the attributes of the cookies the server sets.
type CookieConfig struct {
	Secure   bool
	SameSite http.SameSite
}

func (c CookieConfig) cookie(name, value string, maxAge time.Duration) *http.Cookie {
	sameSite := c.SameSite
	if sameSite == 0 {
		sameSite = http.SameSiteLaxMode
	}
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   int(maxAge.Seconds()),
		Secure:   c.Secure,
		HttpOnly: true,
		SameSite: sameSite,
	}
}

// expired returns a cookie that makes the browser drop name.
func (c CookieConfig) expired(name string) *http.Cookie {
	ck := c.cookie(name, "", 0)
	ck.MaxAge = -1
	ck.Expires = time.Unix(0, 0)
	return ck
}

// cookieID returns the value of name if it is a well-formed id.
func cookieID(r *http.Request, name string) string {
	ck, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	if _, err := uuid.Parse(ck.Value); err != nil {
		return ""
	}
	return ck.Value
}

// sessionID returns the session id of r, or "" when the browser has none.
func sessionID(r *http.Request) string {
	return cookieID(r, SessionCookieName)
}

// ensureSessionID returns the session id of r, issuing a new one when the
// browser has none. The returned cookie is nil if the id already existed.
func (c CookieConfig) ensureSessionID(r *http.Request) (string, *http.Cookie) {
	if sid := sessionID(r); sid != "" {
		return sid, nil
	}
	sid := uuid.NewString()
	return sid, c.cookie(SessionCookieName, sid, sessionCookieMaxAge)
}

// signedIn returns the cookie for the id the session manager issued on
// sign-in, or issued when the id did not change.
func (c CookieConfig) signedIn(sess core.Session, sid string, issued *http.Cookie) *http.Cookie {
	if sess.ID == "" || sess.ID == sid {
		return issued
	}
	return c.cookie(SessionCookieName, sess.ID, sessionCookieMaxAge)
}

// ensureClientID is ensureSessionID for the settings cookie. The cookie is
// always returned so that its lifetime is extended on every visit.
func (c CookieConfig) ensureClientID(r *http.Request) (string, *http.Cookie) {
	id := cookieID(r, ClientCookieName)
	if id == "" {
		id = uuid.NewString()
	}
	return id, c.cookie(ClientCookieName, id, clientCookieMaxAge)
}
