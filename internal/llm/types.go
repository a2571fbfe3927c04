package llm

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Completion is a provider-neutral completion result.
type Completion struct {
	Text         string
	Model        string
	FinishReason string

	// Token usage as reported by the provider.
	InputTokens  int
	OutputTokens int

	Elapsed time.Duration
}

// ErrorKind classifies a provider failure. The names follow the
// completion API's own error classes and appear in the placeholder
// turn stored when a completion fails.
type ErrorKind string

// Provider error kinds.
const (
	KindRateLimit     ErrorKind = "RateLimitError"
	KindTimeout       ErrorKind = "Timeout"
	KindAuth          ErrorKind = "AuthenticationError"
	KindBadRequest    ErrorKind = "InvalidRequestError"
	KindServer        ErrorKind = "APIError"
	KindConnection    ErrorKind = "APIConnectionError"
	KindEmptyResponse ErrorKind = "EmptyResponseError"
	KindDecode        ErrorKind = "DecodeError"
)

// ProviderError is a failed completion.
type ProviderError struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (status %d): %s", e.Kind, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// KindOf returns the kind of a *ProviderError anywhere in err's chain,
// or KindServer for any other error.
func KindOf(err error) ErrorKind {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindServer
}

// kindForStatus maps an HTTP status to an error kind.
func kindForStatus(code int) ErrorKind {
	switch {
	case code == http.StatusTooManyRequests:
		return KindRateLimit
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return KindAuth
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return KindTimeout
	case code >= 400 && code < 500:
		return KindBadRequest
	default:
		return KindServer
	}
}
