package ladder

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/danshapiro/groundpulse/internal/llm"
)

// Caller performs one bounded outbound call. *llm.Client satisfies it.
type Caller interface {
	GenerateWithTimeout(ctx context.Context, req llm.Request, timeout time.Duration) (llm.Response, error)
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func contextSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Engine runs the escalation ladder: retries per (credential, model) pair,
// model fallback and credential failover.
type Engine struct {
	caller Caller
	logger *log.Logger
	sleep  SleepFunc
	jitter JitterFunc
}

type Option func(*Engine)

func WithLogger(l *log.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

func WithSleep(fn SleepFunc) Option {
	return func(e *Engine) {
		if fn != nil {
			e.sleep = fn
		}
	}
}

func WithJitter(fn JitterFunc) Option {
	return func(e *Engine) {
		if fn != nil {
			e.jitter = fn
		}
	}
}

func NewEngine(caller Caller, opts ...Option) *Engine {
	e := &Engine{
		caller: caller,
		logger: log.New(io.Discard, "", 0),
		sleep:  contextSleep,
		jitter: uniformJitter,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Attempt asks for a grounded answer to prompt, walking credentials (outer),
// then models, then up to RetryBudget tries per pair.
//
// A success returns at once. A 429 ends the ladder in abort mode. A
// non-credential client error always ends it. Server and network errors are
// retried with backoff until the pair's budget runs out. Any failed run that
// saw a 429 reports RateLimited.
func (e *Engine) Attempt(ctx context.Context, prompt string, creds Credentials, p Policy) Outcome {
	var out Outcome
	if err := creds.Validate(); err != nil {
		out.Tag, out.LastError = Exhausted, err
		return out
	}
	if err := p.Validate(); err != nil {
		out.Tag, out.LastError = Exhausted, err
		return out
	}
	if strings.TrimSpace(prompt) == "" {
		out.Tag, out.LastError = Exhausted, &llm.ConfigurationError{Message: "prompt is required"}
		return out
	}

	mode := p.rateLimitMode()
	var lastErr, rateLimitErr error

credentials:
	for ci, cred := range creds {
		hasNextCred := ci < len(creds)-1
		var credErr error

	models:
		for mi, model := range p.Models {
			hasNextModel := mi < len(p.Models)-1

			for i := 0; i < p.RetryBudget; i++ {
				req := llm.Request{Model: model, Prompt: prompt, Credential: cred, Grounding: p.Grounding}
				resp, err := e.caller.GenerateWithTimeout(ctx, req, p.CallTimeout)
				rec := AttemptRecord{CredentialLabel: cred.Label, Model: model, Index: i, Kind: llm.KindOf(err), Err: err}

				if err == nil {
					out.Attempts = append(out.Attempts, rec)
					e.logger.Printf("success credential=%s model=%s attempt=%d", cred.Label, model, i+1)
					out.Tag = Success
					out.Response = resp
					out.Model = model
					out.CredentialLabel = cred.Label
					out.LastError = lastErr
					return out
				}
				if ctxErr := ctx.Err(); ctxErr != nil {
					out.Attempts = append(out.Attempts, rec)
					return e.interrupted(out, rateLimitErr, ctxErr)
				}

				switch rec.Kind {
				case llm.KindRateLimited:
					rateLimitErr, credErr = err, err
					if mode == RateLimitAbort {
						out.Attempts = append(out.Attempts, rec)
						e.logger.Printf("rate limited credential=%s model=%s; aborting ladder: %v", cred.Label, model, err)
						out.Tag = RateLimited
						out.RateLimitErr = err
						out.LastError = lastErr
						return out
					}
					if hasNextModel || (hasNextCred && p.failsOverAfter(err)) {
						rec.Delay = rateLimitDelay(err, p.Backoff, e.jitter)
					}
					out.Attempts = append(out.Attempts, rec)
					e.logger.Printf("rate limited credential=%s model=%s; escalating after %v: %v", cred.Label, model, rec.Delay, err)
					if rec.Delay > 0 {
						if err := e.sleep(ctx, rec.Delay); err != nil {
							return e.interrupted(out, rateLimitErr, err)
						}
					}
					continue models

				case llm.KindClientError:
					lastErr, credErr = err, err
					out.Attempts = append(out.Attempts, rec)
					if hasNextCred && p.failsOverAfter(err) {
						e.logger.Printf("credential %s rejected (%v); failing over to %s", cred.Label, err, creds[ci+1].Label)
						continue credentials
					}
					e.logger.Printf("non-retryable failure credential=%s model=%s: %v", cred.Label, model, err)
					out.Tag = tagFor(rateLimitErr)
					out.LastError = err
					out.RateLimitErr = rateLimitErr
					return out

				default:
					lastErr, credErr = err, err
					if i < p.RetryBudget-1 {
						rec.Delay = DelayForAttempt(i, p.Backoff, e.jitter)
					}
					out.Attempts = append(out.Attempts, rec)
					if i < p.RetryBudget-1 {
						e.logger.Printf("retryable failure credential=%s model=%s attempt=%d/%d backoff=%v: %v",
							cred.Label, model, i+1, p.RetryBudget, rec.Delay, err)
						if rec.Delay > 0 {
							if err := e.sleep(ctx, rec.Delay); err != nil {
								return e.interrupted(out, rateLimitErr, err)
							}
						}
					} else {
						e.logger.Printf("retry budget exhausted credential=%s model=%s: %v", cred.Label, model, err)
					}
				}
			}
		}

		if !hasNextCred {
			break
		}
		if !p.failsOverAfter(credErr) {
			e.logger.Printf("credential %s exhausted; failover not allowed after %v", cred.Label, llm.KindOf(credErr))
			break credentials
		}
		e.logger.Printf("credential %s exhausted (%v); failing over to %s", cred.Label, llm.KindOf(credErr), creds[ci+1].Label)
	}

	if rateLimitErr != nil {
		out.Tag = RateLimited
		out.RateLimitErr = rateLimitErr
		out.LastError = lastErr
		return out
	}
	out.Tag = Exhausted
	out.LastError = lastErr
	return out
}

// interrupted ends the ladder early. A 429 already seen still reports
// RateLimited so the caller installs a cooldown.
func (e *Engine) interrupted(out Outcome, rateLimitErr, err error) Outcome {
	e.logger.Printf("ladder interrupted: %v", err)
	out.Tag = tagFor(rateLimitErr)
	out.RateLimitErr = rateLimitErr
	out.LastError = fmt.Errorf("ladder interrupted: %w", err)
	return out
}

func tagFor(rateLimitErr error) Tag {
	if rateLimitErr != nil {
		return RateLimited
	}
	return Exhausted
}

// rateLimitDelay honours a Retry-After hint, bounded by the backoff cap, and
// otherwise uses the first backoff step.
func rateLimitDelay(err error, cfg BackoffConfig, jitter JitterFunc) time.Duration {
	if ra := llm.RetryAfterOf(err); ra != nil {
		d := *ra
		if cfg.MaxDelay > 0 && d > cfg.MaxDelay {
			d = cfg.MaxDelay
		}
		return d
	}
	return DelayForAttempt(0, cfg, jitter)
}
