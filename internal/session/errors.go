package session

import (
	"errors"
	"net/http"
	"strings"

	"cashmanager/internal/identity"
)

const (
	msgInvalidCredentials   = "Invalid credentials"
	msgUserExists           = "User with this email already exists"
	msgRegistrationFailed   = "Registration failed"
	msgRegistrationDisabled = "Registration service unavailable"
	msgUnreachable          = "Unable to connect to authentication server. Please check your connection and try again."
	msgProfileUnavailable   = "Unable to load user profile"
)

var (
	ErrUnknownProvider = errors.New("unknown federated login provider")
	ErrStateMismatch   = errors.New("federated login state belongs to another session")
	ErrFederatedDenied = errors.New("federated login was not completed")
)

// AuthenticationError is a rejected login.
type AuthenticationError struct {
	Message string
	Err     error
}

func (e *AuthenticationError) Error() string { return e.Message }
func (e *AuthenticationError) Unwrap() error { return e.Err }

// ConflictError is a registration for an account that already exists.
type ConflictError struct {
	Message string
	Err     error
}

func (e *ConflictError) Error() string { return e.Message }
func (e *ConflictError) Unwrap() error { return e.Err }

// ServiceUnavailableError means the identity provider could not be reached
// or refused to issue an administrative token.
type ServiceUnavailableError struct {
	Message string
	Err     error
}

func (e *ServiceUnavailableError) Error() string { return e.Message }
func (e *ServiceUnavailableError) Unwrap() error { return e.Err }

// RegistrationError is any other rejected registration.
type RegistrationError struct {
	Message string
	Err     error
}

func (e *RegistrationError) Error() string { return e.Message }
func (e *RegistrationError) Unwrap() error { return e.Err }

func loginError(err error) error {
	if errors.Is(err, identity.ErrUnavailable) {
		return &ServiceUnavailableError{Message: msgUnreachable, Err: err}
	}
	msg := msgInvalidCredentials
	var pe *identity.ProviderError
	if errors.As(err, &pe) && pe.Description != "" {
		msg = pe.Description
	}
	return &AuthenticationError{Message: msg, Err: err}
}

func registrationError(err error) error {
	switch {
	case errors.Is(err, identity.ErrAdminDisabled), errors.Is(err, identity.ErrAdminUnavailable):
		return &ServiceUnavailableError{Message: msgRegistrationDisabled, Err: err}
	case errors.Is(err, identity.ErrUnavailable):
		return &ServiceUnavailableError{Message: msgUnreachable, Err: err}
	}

	var pe *identity.ProviderError
	if !errors.As(err, &pe) {
		return &RegistrationError{Message: msgRegistrationFailed, Err: err}
	}
	msg := pe.Message
	if msg == "" {
		msg = pe.Code
	}
	if msg == "" {
		msg = msgRegistrationFailed
	}
	lower := strings.ToLower(msg)
	if pe.StatusCode == http.StatusConflict || strings.Contains(lower, "exists") || strings.Contains(lower, "duplicate") {
		return &ConflictError{Message: msgUserExists, Err: err}
	}
	return &RegistrationError{Message: msg, Err: err}
}
