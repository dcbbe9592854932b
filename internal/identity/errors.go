package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
)

var (
	// ErrUnavailable wraps transport failures talking to the provider.
	ErrUnavailable = errors.New("identity provider unavailable")
	// ErrAdminUnavailable is returned when no administrative token can be obtained.
	ErrAdminUnavailable = errors.New("identity admin API unavailable")
	// ErrAdminDisabled is returned when no service-account credentials are configured.
	ErrAdminDisabled = errors.New("identity admin API not configured")

	ErrTokenExpired = errors.New("token expired")
	ErrTokenInvalid = errors.New("token invalid")
)

// ProviderError is a non-2xx answer from the identity provider.
type ProviderError struct {
	StatusCode  int
	Code        string // OAuth2 "error" field
	Description string // OAuth2 "error_description" field
	Message     string // admin API "errorMessage" field
}

func (e *ProviderError) Error() string {
	switch {
	case e.Description != "":
		return fmt.Sprintf("identity provider: %d %s: %s", e.StatusCode, e.Code, e.Description)
	case e.Message != "":
		return fmt.Sprintf("identity provider: %d: %s", e.StatusCode, e.Message)
	case e.Code != "":
		return fmt.Sprintf("identity provider: %d %s", e.StatusCode, e.Code)
	default:
		return fmt.Sprintf("identity provider: %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
}

// IsStatus reports whether err is a ProviderError with the given status.
func IsStatus(err error, status int) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.StatusCode == status
}

// classify turns an oauth2/transport failure into a ProviderError or ErrUnavailable.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		pe := &ProviderError{Code: re.ErrorCode, Description: re.ErrorDescription}
		if re.Response != nil {
			pe.StatusCode = re.Response.StatusCode
		}
		return pe
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
