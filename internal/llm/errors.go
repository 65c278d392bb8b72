package llm

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Error is the unified error interface returned by provider adapters.
type Error interface {
	error
	Provider() string
	StatusCode() int
	Retryable() bool
	RetryAfter() *time.Duration
}

type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + strings.TrimSpace(e.Message)
}
func (e *ConfigurationError) Provider() string           { return "" }
func (e *ConfigurationError) StatusCode() int            { return 0 }
func (e *ConfigurationError) Retryable() bool            { return false }
func (e *ConfigurationError) RetryAfter() *time.Duration { return nil }

type httpErrorBase struct {
	provider    string
	statusCode  int
	message     string
	retryable   bool
	retryAfter  *time.Duration
	rawResponse any
}

func (e *httpErrorBase) Error() string {
	msg := strings.TrimSpace(e.message)
	if msg == "" {
		msg = "request failed"
	}
	return fmt.Sprintf("%s error (status=%d): %s", e.provider, e.statusCode, msg)
}
func (e *httpErrorBase) Provider() string           { return e.provider }
func (e *httpErrorBase) StatusCode() int            { return e.statusCode }
func (e *httpErrorBase) Retryable() bool            { return e.retryable }
func (e *httpErrorBase) RetryAfter() *time.Duration { return e.retryAfter }

type InvalidRequestError struct{ httpErrorBase }
type AuthenticationError struct{ httpErrorBase }
type AccessDeniedError struct{ httpErrorBase }
type NotFoundError struct{ httpErrorBase }
type RateLimitError struct{ httpErrorBase }
type ServerError struct{ httpErrorBase }
type UnknownHTTPError struct{ httpErrorBase }

// ErrorFromHTTPStatus maps a non-2xx upstream status to the error hierarchy.
// Only 429 and 5xx are retryable; every other status is terminal.
func ErrorFromHTTPStatus(provider string, statusCode int, message string, raw any, retryAfter *time.Duration) error {
	base := httpErrorBase{
		provider:    strings.TrimSpace(provider),
		statusCode:  statusCode,
		message:     message,
		retryAfter:  retryAfter,
		rawResponse: raw,
	}
	switch {
	case statusCode == http.StatusTooManyRequests:
		base.retryable = true
		return &RateLimitError{base}
	case statusCode >= 500:
		base.retryable = true
		return &ServerError{base}
	case statusCode == 400 || statusCode == 422:
		// Gemini reports a bad API key as 400 INVALID_ARGUMENT.
		if isCredentialMessage(base.message) {
			return &AuthenticationError{base}
		}
		return &InvalidRequestError{base}
	case statusCode == 401:
		return &AuthenticationError{base}
	case statusCode == 403:
		return &AccessDeniedError{base}
	case statusCode == 404:
		return &NotFoundError{base}
	case statusCode >= 400:
		return &InvalidRequestError{base}
	default:
		return &UnknownHTTPError{base}
	}
}

func isCredentialMessage(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "api key not valid") ||
		strings.Contains(lower, "api_key_invalid") ||
		strings.Contains(lower, "invalid key") ||
		strings.Contains(lower, "unauthorized")
}

// NetworkError is a transport-level failure: DNS, connection reset, or the
// per-call timeout firing before a response arrived.
type NetworkError struct {
	provider string
	timeout  bool
	err      error
}

func NewNetworkError(provider string, err error, timeout bool) *NetworkError {
	return &NetworkError{provider: strings.TrimSpace(provider), err: err, timeout: timeout}
}

func (e *NetworkError) Error() string {
	if e.timeout {
		return fmt.Sprintf("%s request timed out: %v", e.provider, e.err)
	}
	return fmt.Sprintf("%s network error: %v", e.provider, e.err)
}
func (e *NetworkError) Unwrap() error              { return e.err }
func (e *NetworkError) Timeout() bool              { return e.timeout }
func (e *NetworkError) Provider() string           { return e.provider }
func (e *NetworkError) StatusCode() int            { return 0 }
func (e *NetworkError) Retryable() bool            { return true }
func (e *NetworkError) RetryAfter() *time.Duration { return nil }

// MalformedResponseError reports a 2xx response whose body could not be used.
// It is terminal, like a 4xx, but distinguishable from one.
type MalformedResponseError struct {
	provider string
	reason   string
	body     []byte
}

func NewMalformedResponseError(provider, reason string, body []byte) *MalformedResponseError {
	return &MalformedResponseError{provider: strings.TrimSpace(provider), reason: reason, body: body}
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("%s malformed response: %s", e.provider, e.reason)
}
func (e *MalformedResponseError) Body() []byte               { return e.body }
func (e *MalformedResponseError) Provider() string           { return e.provider }
func (e *MalformedResponseError) StatusCode() int            { return http.StatusOK }
func (e *MalformedResponseError) Retryable() bool            { return false }
func (e *MalformedResponseError) RetryAfter() *time.Duration { return nil }

// Kind is the coarse classification the escalation ladder acts on.
type Kind int

const (
	KindSuccess Kind = iota
	KindRateLimited
	KindServerError
	KindClientError
	KindNetworkError
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindRateLimited:
		return "rate_limited"
	case KindServerError:
		return "server_error"
	case KindClientError:
		return "client_error"
	case KindNetworkError:
		return "network_error"
	default:
		return "unknown"
	}
}

// KindOf classifies err. A nil error is KindSuccess; anything outside the
// hierarchy is treated as a terminal client-class failure.
func KindOf(err error) Kind {
	if err == nil {
		return KindSuccess
	}
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return KindRateLimited
	}
	var se *ServerError
	if errors.As(err, &se) {
		return KindServerError
	}
	var ne *NetworkError
	if errors.As(err, &ne) {
		return KindNetworkError
	}
	return KindClientError
}

// IsCredentialError reports whether err indicates the credential itself was
// rejected, which makes switching to another credential worthwhile.
func IsCredentialError(err error) bool {
	var ae *AuthenticationError
	if errors.As(err, &ae) {
		return true
	}
	var de *AccessDeniedError
	return errors.As(err, &de)
}

func IsMalformedResponse(err error) bool {
	var me *MalformedResponseError
	return errors.As(err, &me)
}

func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// RetryAfterOf returns the server-supplied retry hint carried by err, if any.
func RetryAfterOf(err error) *time.Duration {
	var e Error
	if errors.As(err, &e) {
		return e.RetryAfter()
	}
	return nil
}

// ParseRetryAfter parses the Retry-After header value.
// Supported forms:
// - integer seconds
// - HTTP-date (RFC 7231)
func ParseRetryAfter(v string, now time.Time) *time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		d := time.Duration(secs) * time.Second
		return &d
	}
	if t, err := http.ParseTime(v); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return &d
	}
	return nil
}
