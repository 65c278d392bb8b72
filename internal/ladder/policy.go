package ladder

import (
	"fmt"
	"strings"
	"time"

	"github.com/danshapiro/groundpulse/internal/llm"
)

// RateLimitMode selects how a 429 is handled inside the ladder.
type RateLimitMode string

const (
	// RateLimitAbort propagates the first 429 immediately; no further calls are made.
	RateLimitAbort RateLimitMode = "abort"
	// RateLimitEscalate waits, switches to the next model (and credential, when
	// allowed) and only reports the rate limit once the ladder is exhausted.
	RateLimitEscalate RateLimitMode = "escalate"
)

// FailoverTrigger names a failure class that justifies moving to the next credential.
type FailoverTrigger string

const (
	FailoverOnRateLimited     FailoverTrigger = "rate_limited"
	FailoverOnServerError     FailoverTrigger = "server_error"
	FailoverOnNetworkError    FailoverTrigger = "network_error"
	FailoverOnCredentialError FailoverTrigger = "credential_error"
	FailoverOnClientError     FailoverTrigger = "client_error"
)

func ParseFailoverTrigger(s string) (FailoverTrigger, error) {
	switch t := FailoverTrigger(strings.ToLower(strings.TrimSpace(s))); t {
	case FailoverOnRateLimited, FailoverOnServerError, FailoverOnNetworkError, FailoverOnCredentialError, FailoverOnClientError:
		return t, nil
	default:
		return "", fmt.Errorf("unknown failover trigger %q", s)
	}
}

// Policy is everything besides the prompt and credentials that shapes one Attempt.
type Policy struct {
	// Models is the model ladder, most capable first.
	Models        []string
	RetryBudget   int
	Backoff       BackoffConfig
	CallTimeout   time.Duration
	RateLimitMode RateLimitMode
	FailoverOn    []FailoverTrigger
	Grounding     bool
}

func DefaultPolicy() Policy {
	return Policy{
		Models:        []string{"gemini-2.5-pro", "gemini-2.5-flash"},
		RetryBudget:   3,
		Backoff:       DefaultBackoffConfig(),
		CallTimeout:   30 * time.Second,
		RateLimitMode: RateLimitAbort,
		FailoverOn:    DefaultFailoverTriggers(),
		Grounding:     true,
	}
}

func DefaultFailoverTriggers() []FailoverTrigger {
	return []FailoverTrigger{
		FailoverOnRateLimited,
		FailoverOnServerError,
		FailoverOnNetworkError,
		FailoverOnCredentialError,
	}
}

func (p Policy) Validate() error {
	if len(p.Models) == 0 {
		return &llm.ConfigurationError{Message: "model ladder must not be empty"}
	}
	for i, m := range p.Models {
		if strings.TrimSpace(m) == "" {
			return &llm.ConfigurationError{Message: fmt.Sprintf("model ladder entry %d is empty", i)}
		}
	}
	if p.RetryBudget < 1 {
		return &llm.ConfigurationError{Message: fmt.Sprintf("retry budget must be >= 1 (got %d)", p.RetryBudget)}
	}
	if p.Backoff.InitialDelay < 0 || p.Backoff.JitterBound < 0 || p.Backoff.MaxDelay < 0 {
		return &llm.ConfigurationError{Message: "backoff durations must not be negative"}
	}
	if p.Backoff.Factor < 0 {
		return &llm.ConfigurationError{Message: "backoff factor must not be negative"}
	}
	switch p.RateLimitMode {
	case "", RateLimitAbort, RateLimitEscalate:
	default:
		return &llm.ConfigurationError{Message: fmt.Sprintf("unknown rate limit mode %q", p.RateLimitMode)}
	}
	for _, t := range p.FailoverOn {
		if _, err := ParseFailoverTrigger(string(t)); err != nil {
			return &llm.ConfigurationError{Message: err.Error()}
		}
	}
	return nil
}

func (p Policy) rateLimitMode() RateLimitMode {
	if p.RateLimitMode == "" {
		return RateLimitAbort
	}
	return p.RateLimitMode
}

func (p Policy) failsOverOn(t FailoverTrigger) bool {
	for _, x := range p.FailoverOn {
		if x == t {
			return true
		}
	}
	return false
}

// failsOverAfter reports whether err, the last failure seen under a
// credential, justifies trying the next credential.
func (p Policy) failsOverAfter(err error) bool {
	if err == nil {
		return false
	}
	switch llm.KindOf(err) {
	case llm.KindRateLimited:
		return p.failsOverOn(FailoverOnRateLimited)
	case llm.KindServerError:
		return p.failsOverOn(FailoverOnServerError)
	case llm.KindNetworkError:
		return p.failsOverOn(FailoverOnNetworkError)
	case llm.KindClientError:
		if llm.IsCredentialError(err) && p.failsOverOn(FailoverOnCredentialError) {
			return true
		}
		return p.failsOverOn(FailoverOnClientError)
	default:
		return false
	}
}

// Credentials is the ordered credential set; earlier entries are preferred.
type Credentials []llm.Credential

func (c Credentials) Validate() error {
	if len(c) == 0 {
		return &llm.ConfigurationError{Message: "at least one credential is required"}
	}
	seen := map[string]struct{}{}
	for i, cred := range c {
		label := strings.TrimSpace(cred.Label)
		if label == "" {
			return &llm.ConfigurationError{Message: fmt.Sprintf("credential %d has no label", i)}
		}
		if _, ok := seen[label]; ok {
			return &llm.ConfigurationError{Message: fmt.Sprintf("duplicate credential label %q", label)}
		}
		seen[label] = struct{}{}
		if strings.TrimSpace(cred.APIKey) == "" {
			return &llm.ConfigurationError{Message: fmt.Sprintf("credential %q has an empty key", label)}
		}
	}
	return nil
}
