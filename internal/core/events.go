package core

import "time"

// AuthEventType names a session lifecycle transition.
type AuthEventType string

const (
	EventLogin          AuthEventType = "login"
	EventRegister       AuthEventType = "register"
	EventLogout         AuthEventType = "logout"
	EventFederatedLogin AuthEventType = "federated_login"
	EventRefreshFailed  AuthEventType = "refresh_failed"
)

// Valid reports whether t is a known event type.
func (t AuthEventType) Valid() bool {
	switch t {
	case EventLogin, EventRegister, EventLogout, EventFederatedLogin, EventRefreshFailed:
		return true
	}
	return false
}

// AuthEvent records one session lifecycle transition for auditing.
type AuthEvent struct {
	ID   string        `json:"id"`
	Type AuthEventType `json:"type"`
	// SessionRef is a keyed hash of the session id. It correlates events
	// of one browser without exposing the cookie value.
	SessionRef string    `json:"sessionRef"`
	UserID     string    `json:"userId,omitempty"`
	Email      string    `json:"email,omitempty"`
	Provider   string    `json:"provider,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
