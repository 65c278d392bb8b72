// Package heartbeat runs one grounded-answer invocation end to end: cooldown
// check, prompt selection, the escalation ladder and persistence.
package heartbeat

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/zeebo/blake3"

	"github.com/danshapiro/groundpulse/internal/ladder"
	"github.com/danshapiro/groundpulse/internal/llm"
	"github.com/danshapiro/groundpulse/internal/storage"
)

type Status string

const (
	StatusSuccess Status = "success"
	StatusSkipped Status = "skipped"
	StatusError   Status = "error"
)

// Result is what one invocation reports to its caller.
type Result struct {
	InvocationID      string          `json:"invocation_id"`
	Status            Status          `json:"status"`
	Outcome           string          `json:"outcome,omitempty"`
	HTTPStatus        int             `json:"http_status"`
	Prompt            string          `json:"prompt,omitempty"`
	Response          string          `json:"response,omitempty"`
	GroundingMetadata json.RawMessage `json:"grounding_metadata,omitempty"`
	ModelUsed         string          `json:"model_used,omitempty"`
	CredentialLabel   string          `json:"credential_label,omitempty"`
	Error             string          `json:"error,omitempty"`
	CooldownUntil     *time.Time      `json:"cooldown_until,omitempty"`
	Attempts          int             `json:"attempts"`
}

// CredentialSource yields the ordered credential set for one invocation.
type CredentialSource func() ([]llm.Credential, error)

type Attempter interface {
	Attempt(ctx context.Context, prompt string, creds ladder.Credentials, p ladder.Policy) ladder.Outcome
}

type Gate interface {
	IsInCooldown(ctx context.Context) bool
	SetCooldown(ctx context.Context) (time.Time, error)
}

type PromptPicker interface {
	Pick() string
}

type Orchestrator struct {
	engine      Attempter
	policy      ladder.Policy
	credentials CredentialSource
	prompts     PromptPicker
	gate        Gate
	responses   storage.ResponseLogStore
	health      storage.HealthCheckStore
	logger      *log.Logger
	now         func() time.Time
	newID       func() string
}

type Option func(*Orchestrator)

// WithGate enables the cooldown check and cooldown recording.
func WithGate(g Gate) Option {
	return func(o *Orchestrator) { o.gate = g }
}

func WithPrompts(p PromptPicker) Option {
	return func(o *Orchestrator) {
		if p != nil {
			o.prompts = p
		}
	}
}

func WithResponseLog(s storage.ResponseLogStore) Option {
	return func(o *Orchestrator) { o.responses = s }
}

func WithHealthChecks(s storage.HealthCheckStore) Option {
	return func(o *Orchestrator) { o.health = s }
}

func WithLogger(l *log.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

func WithIDGenerator(fn func() string) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.newID = fn
		}
	}
}

func NewOrchestrator(engine Attempter, policy ladder.Policy, creds CredentialSource, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		engine:      engine,
		policy:      policy,
		credentials: creds,
		logger:      log.New(io.Discard, "", 0),
		now:         time.Now,
		newID:       func() string { return ulid.Make().String() },
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Invoke runs one invocation. It never panics on persistence failures; those
// are logged and the AI outcome is reported unchanged. Rows and cooldowns are
// written even after ctx is cancelled.
func (o *Orchestrator) Invoke(ctx context.Context) Result {
	res := Result{InvocationID: o.newID()}

	if o.credentials == nil {
		return o.fail(ctx, res, &llm.ConfigurationError{Message: "no credential source configured"})
	}
	creds, err := o.credentials()
	if err != nil {
		return o.fail(ctx, res, err)
	}

	if o.gate != nil && o.gate.IsInCooldown(ctx) {
		o.logger.Printf("invocation %s skipped: cooldown in effect", res.InvocationID)
		res.Status = StatusSkipped
		res.HTTPStatus = http.StatusTooManyRequests
		res.Error = "rate limited: cooldown in effect"
		o.recordHealth(ctx, res.InvocationID, false)
		return res
	}

	if o.prompts == nil {
		return o.fail(ctx, res, &llm.ConfigurationError{Message: "no prompt library configured"})
	}
	res.Prompt = o.prompts.Pick()

	out := o.engine.Attempt(ctx, res.Prompt, creds, o.policy)
	res.Outcome = out.Tag.String()
	res.Attempts = len(out.Attempts)

	switch out.Tag {
	case ladder.Success:
		res.Status = StatusSuccess
		res.HTTPStatus = http.StatusOK
		res.Response = out.Response.Text
		res.GroundingMetadata = out.Response.GroundingMetadata
		res.ModelUsed = out.Model
		res.CredentialLabel = out.CredentialLabel
		o.logger.Printf("invocation %s succeeded: model=%s credential=%s attempts=%d", res.InvocationID, res.ModelUsed, res.CredentialLabel, res.Attempts)
	case ladder.RateLimited:
		res.Status = StatusError
		res.HTTPStatus = http.StatusTooManyRequests
		res.Error = errString(out.Err())
		o.logger.Printf("invocation %s rate limited after %d attempts: %s", res.InvocationID, res.Attempts, res.Error)
		if o.gate != nil {
			until, err := o.gate.SetCooldown(context.WithoutCancel(ctx))
			if err != nil {
				o.logger.Printf("invocation %s: %v", res.InvocationID, err)
			} else {
				res.CooldownUntil = &until
			}
		}
	default:
		res.Status = StatusError
		res.HTTPStatus = http.StatusInternalServerError
		res.Error = errString(out.Err())
		o.logger.Printf("invocation %s failed after %d attempts: %s", res.InvocationID, res.Attempts, res.Error)
	}

	o.recordResponse(ctx, res)
	o.recordHealth(ctx, res.InvocationID, res.Status == StatusSuccess)
	return res
}

func (o *Orchestrator) fail(ctx context.Context, res Result, err error) Result {
	res.Status = StatusError
	res.HTTPStatus = http.StatusInternalServerError
	res.Error = errString(err)
	o.logger.Printf("invocation %s: %s", res.InvocationID, res.Error)
	o.recordHealth(ctx, res.InvocationID, false)
	return res
}

func (o *Orchestrator) recordResponse(ctx context.Context, res Result) {
	if o.responses == nil {
		return
	}
	text := res.Response
	if res.Status != StatusSuccess {
		text = res.Error
	}
	rec := storage.ResponseLogRecord{
		InvocationID:      res.InvocationID,
		Prompt:            res.Prompt,
		PromptHash:        PromptHash(res.Prompt),
		Response:          text,
		GroundingMetadata: string(res.GroundingMetadata),
		ModelUsed:         res.ModelUsed,
		CredentialLabel:   res.CredentialLabel,
		Succeeded:         res.Status == StatusSuccess,
		Attempts:          res.Attempts,
		CreatedAt:         o.now(),
	}
	if err := o.responses.RecordResponse(context.WithoutCancel(ctx), rec); err != nil {
		o.logger.Printf("invocation %s: record response: %v", res.InvocationID, err)
	}
}

func (o *Orchestrator) recordHealth(ctx context.Context, id string, ok bool) {
	if o.health == nil {
		return
	}
	rec := storage.HealthCheckRecord{InvocationID: id, IsSuccessful: ok, CreatedAt: o.now()}
	if err := o.health.RecordHealthCheck(context.WithoutCancel(ctx), rec); err != nil {
		o.logger.Printf("invocation %s: record health check: %v", id, err)
	}
}

// PromptHash is the hex BLAKE3-256 digest of prompt.
func PromptHash(prompt string) string {
	sum := blake3.Sum256([]byte(prompt))
	return hex.EncodeToString(sum[:])
}

func errString(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
