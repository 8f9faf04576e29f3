package ecos

import (
	"errors"
	"fmt"
)

var (
	// ErrConnection marks transport level failures, the API could not be reached
	ErrConnection = errors.New("cannot connect to ecos api")
	// ErrAuthentication marks rejected credentials and expired tokens
	ErrAuthentication = errors.New("ecos authentication failed")
	// ErrNotAuthenticated is returned when a call needs a token and none is held
	ErrNotAuthenticated = errors.New("ecos client is not authenticated")
)

// APIError is a response envelope that did not report success
type APIError struct {
	Path    string
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ecos api %s: code %d: %s", e.Path, e.Code, e.Message)
}

// IsEcosError reports whether err originated in this client
func IsEcosError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) ||
		errors.Is(err, ErrConnection) ||
		errors.Is(err, ErrAuthentication) ||
		errors.Is(err, ErrNotAuthenticated)
}
