package oauth

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ProviderError is a non-success response from a token or registration
// endpoint. Code and Description carry the RFC 6749 error fields when the
// provider sent them.
type ProviderError struct {
	StatusCode  int
	Code        string
	Description string
}

func (e *ProviderError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("provider returned status %d", e.StatusCode)
	}
	if e.Description == "" {
		return fmt.Sprintf("provider returned status %d: %s", e.StatusCode, e.Code)
	}
	return fmt.Sprintf("provider returned status %d: %s (%s)", e.StatusCode, e.Code, e.Description)
}

// IsInvalidGrant reports whether err is an invalid_grant rejection, which
// means the code or refresh token can no longer be used.
func IsInvalidGrant(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Code == "invalid_grant"
}

func newProviderError(status int, body []byte) *ProviderError {
	pe := &ProviderError{StatusCode: status}
	var payload struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	if json.Unmarshal(body, &payload) == nil {
		pe.Code = payload.Error
		pe.Description = payload.ErrorDescription
	}
	return pe
}
