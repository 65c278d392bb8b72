package ladder

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/danshapiro/groundpulse/internal/llm"
)

type scriptedCaller struct {
	calls  []llm.Request
	script func(n int, req llm.Request) (llm.Response, error)
}

func (s *scriptedCaller) GenerateWithTimeout(ctx context.Context, req llm.Request, timeout time.Duration) (llm.Response, error) {
	n := len(s.calls)
	s.calls = append(s.calls, req)
	return s.script(n, req)
}

func (s *scriptedCaller) callsFor(label, model string) int {
	n := 0
	for _, c := range s.calls {
		if c.Credential.Label == label && (model == "" || c.Model == model) {
			n++
		}
	}
	return n
}

type sleepRecorder struct {
	delays []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return ctx.Err()
}

func serverErr() error { return llm.ErrorFromHTTPStatus("google", 500, "internal", nil, nil) }
func badRequest() error {
	return llm.ErrorFromHTTPStatus("google", 400, "invalid argument", nil, nil)
}
func authErr() error { return llm.ErrorFromHTTPStatus("google", 401, "unauthenticated", nil, nil) }
func rateLimited(retryAfter *time.Duration) error {
	return llm.ErrorFromHTTPStatus("google", 429, "quota", nil, retryAfter)
}
func ok(req llm.Request) (llm.Response, error) {
	return llm.Response{Model: req.Model, Text: "answer from " + req.Model}, nil
}

var twoCreds = Credentials{
	{Label: "primary", APIKey: "pk"},
	{Label: "backup", APIKey: "bk"},
}

func testPolicy() Policy {
	p := DefaultPolicy()
	p.Models = []string{"model-a", "model-b"}
	p.RetryBudget = 3
	p.Backoff = BackoffConfig{InitialDelay: 10 * time.Millisecond, Factor: 2, MaxDelay: time.Second}
	return p
}

func newTestEngine(c Caller, rec *sleepRecorder) *Engine {
	return NewEngine(c, WithSleep(rec.sleep), WithJitter(noJitter))
}

func TestAttempt_FirstTrySuccess(t *testing.T) {
	c := &scriptedCaller{script: func(n int, req llm.Request) (llm.Response, error) { return ok(req) }}
	rec := &sleepRecorder{}
	out := newTestEngine(c, rec).Attempt(context.Background(), "q", twoCreds, testPolicy())

	if out.Tag != Success {
		t.Fatalf("tag: got %v want success (err=%v)", out.Tag, out.Err())
	}
	if out.Model != "model-a" || out.CredentialLabel != "primary" {
		t.Fatalf("pair: %s/%s", out.CredentialLabel, out.Model)
	}
	if len(c.calls) != 1 || len(rec.delays) != 0 {
		t.Fatalf("calls=%d sleeps=%d", len(c.calls), len(rec.delays))
	}
	if !c.calls[0].Grounding {
		t.Fatalf("grounding should be requested")
	}
}

func TestAttempt_ServerErrorsRespectRetryBudgetPerPair(t *testing.T) {
	c := &scriptedCaller{script: func(n int, req llm.Request) (llm.Response, error) { return llm.Response{}, serverErr() }}
	rec := &sleepRecorder{}
	p := testPolicy()
	out := newTestEngine(c, rec).Attempt(context.Background(), "q", twoCreds, p)

	if out.Tag != Exhausted {
		t.Fatalf("tag: got %v want exhausted", out.Tag)
	}
	if llm.KindOf(out.LastError) != llm.KindServerError {
		t.Fatalf("last error: %v", out.LastError)
	}
	for _, label := range []string{"primary", "backup"} {
		for _, model := range p.Models {
			if got := c.callsFor(label, model); got != p.RetryBudget {
				t.Fatalf("%s/%s: calls=%d want %d", label, model, got, p.RetryBudget)
			}
		}
	}
	if len(out.Attempts) != len(c.calls) {
		t.Fatalf("attempt records=%d calls=%d", len(out.Attempts), len(c.calls))
	}
}

func TestAttempt_BackoffRestartsForEachPair(t *testing.T) {
	c := &scriptedCaller{script: func(n int, req llm.Request) (llm.Response, error) { return llm.Response{}, serverErr() }}
	rec := &sleepRecorder{}
	out := newTestEngine(c, rec).Attempt(context.Background(), "q", twoCreds[:1], testPolicy())
	if out.Tag != Exhausted {
		t.Fatalf("tag: %v", out.Tag)
	}
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 10 * time.Millisecond, 20 * time.Millisecond}
	if len(rec.delays) != len(want) {
		t.Fatalf("delays: got %v want %v", rec.delays, want)
	}
	for i := range want {
		if rec.delays[i] != want[i] {
			t.Fatalf("delay %d: got %v want %v", i, rec.delays[i], want[i])
		}
	}
}

func TestAttempt_ServerErrorsThenFallbackModelSucceeds(t *testing.T) {
	c := &scriptedCaller{script: func(n int, req llm.Request) (llm.Response, error) {
		if req.Model == "model-a" {
			return llm.Response{}, serverErr()
		}
		return ok(req)
	}}
	rec := &sleepRecorder{}
	out := newTestEngine(c, rec).Attempt(context.Background(), "q", twoCreds, testPolicy())

	if out.Tag != Success {
		t.Fatalf("tag: got %v (err=%v)", out.Tag, out.Err())
	}
	if out.Model != "model-b" || out.CredentialLabel != "primary" {
		t.Fatalf("pair: %s/%s want primary/model-b", out.CredentialLabel, out.Model)
	}
	if out.Response.Model != "model-b" {
		t.Fatalf("response model: %s", out.Response.Model)
	}
	if got := c.callsFor("primary", "model-b"); got != 1 {
		t.Fatalf("model-b calls=%d want 1", got)
	}
	if c.callsFor("backup", "") != 0 {
		t.Fatalf("backup should not be used")
	}
}

func TestAttempt_ClientErrorAbortsImmediately(t *testing.T) {
	c := &scriptedCaller{script: func(n int, req llm.Request) (llm.Response, error) {
		if n == 0 {
			return llm.Response{}, serverErr()
		}
		return llm.Response{}, badRequest()
	}}
	rec := &sleepRecorder{}
	out := newTestEngine(c, rec).Attempt(context.Background(), "q", twoCreds, testPolicy())

	if out.Tag != Exhausted {
		t.Fatalf("tag: %v", out.Tag)
	}
	var ire *llm.InvalidRequestError
	if !errors.As(out.LastError, &ire) {
		t.Fatalf("last error: %T %v", out.LastError, out.LastError)
	}
	if len(c.calls) != 2 {
		t.Fatalf("calls after client error must be zero; total calls=%d want 2", len(c.calls))
	}
}

func TestAttempt_MalformedResponseAbortsImmediately(t *testing.T) {
	c := &scriptedCaller{script: func(n int, req llm.Request) (llm.Response, error) {
		return llm.Response{}, llm.NewMalformedResponseError("google", "no text", []byte(`{}`))
	}}
	rec := &sleepRecorder{}
	out := newTestEngine(c, rec).Attempt(context.Background(), "q", twoCreds, testPolicy())
	if out.Tag != Exhausted || !llm.IsMalformedResponse(out.LastError) {
		t.Fatalf("tag=%v err=%v", out.Tag, out.LastError)
	}
	if len(c.calls) != 1 {
		t.Fatalf("calls=%d want 1", len(c.calls))
	}
}

func TestAttempt_RateLimitAbortMode_NoFurtherCalls(t *testing.T) {
	c := &scriptedCaller{script: func(n int, req llm.Request) (llm.Response, error) {
		if req.Credential.Label == "primary" {
			return llm.Response{}, rateLimited(nil)
		}
		return ok(req)
	}}
	rec := &sleepRecorder{}
	out := newTestEngine(c, rec).Attempt(context.Background(), "q", twoCreds, testPolicy())

	if out.Tag != RateLimited {
		t.Fatalf("tag: got %v want rate_limited", out.Tag)
	}
	if len(c.calls) != 1 {
		t.Fatalf("calls after 429 must be zero; total=%d", len(c.calls))
	}
	if out.CallsTo("backup") != 0 {
		t.Fatalf("backup credential must not be attempted")
	}
	if llm.KindOf(out.RateLimitErr) != llm.KindRateLimited {
		t.Fatalf("rate limit err: %v", out.RateLimitErr)
	}
}

func TestAttempt_RateLimitAfterServerErrorKeepsLastError(t *testing.T) {
	c := &scriptedCaller{script: func(n int, req llm.Request) (llm.Response, error) {
		if n == 0 {
			return llm.Response{}, serverErr()
		}
		return llm.Response{}, rateLimited(nil)
	}}
	rec := &sleepRecorder{}
	out := newTestEngine(c, rec).Attempt(context.Background(), "q", twoCreds, testPolicy())
	if out.Tag != RateLimited {
		t.Fatalf("tag: %v", out.Tag)
	}
	if llm.KindOf(out.LastError) != llm.KindServerError {
		t.Fatalf("last non-rate-limit error: %v", out.LastError)
	}
}

func TestAttempt_RateLimitEscalateMode_SwitchesModelThenCredential(t *testing.T) {
	ra := 5 * time.Second
	c := &scriptedCaller{script: func(n int, req llm.Request) (llm.Response, error) {
		if req.Credential.Label == "backup" && req.Model == "model-b" {
			return ok(req)
		}
		return llm.Response{}, rateLimited(&ra)
	}}
	rec := &sleepRecorder{}
	p := testPolicy()
	p.RateLimitMode = RateLimitEscalate
	out := newTestEngine(c, rec).Attempt(context.Background(), "q", twoCreds, p)

	if out.Tag != Success {
		t.Fatalf("tag: %v (err=%v)", out.Tag, out.Err())
	}
	if out.CredentialLabel != "backup" || out.Model != "model-b" {
		t.Fatalf("pair: %s/%s", out.CredentialLabel, out.Model)
	}
	for _, pair := range [][2]string{{"primary", "model-a"}, {"primary", "model-b"}, {"backup", "model-a"}} {
		if got := c.callsFor(pair[0], pair[1]); got != 1 {
			t.Fatalf("%s/%s calls=%d want 1 (no same-pair retry on 429)", pair[0], pair[1], got)
		}
	}
	// Retry-After of 5s is capped at the 1s backoff ceiling.
	for _, d := range rec.delays {
		if d != time.Second {
			t.Fatalf("delays: %v", rec.delays)
		}
	}
	if len(rec.delays) != 3 {
		t.Fatalf("delays: got %d want 3", len(rec.delays))
	}
}

func TestAttempt_RateLimitEscalateMode_ReportsRateLimitWhenExhausted(t *testing.T) {
	c := &scriptedCaller{script: func(n int, req llm.Request) (llm.Response, error) {
		return llm.Response{}, rateLimited(nil)
	}}
	rec := &sleepRecorder{}
	p := testPolicy()
	p.RateLimitMode = RateLimitEscalate
	out := newTestEngine(c, rec).Attempt(context.Background(), "q", twoCreds, p)
	if out.Tag != RateLimited {
		t.Fatalf("tag: %v", out.Tag)
	}
	if len(c.calls) != 4 {
		t.Fatalf("calls=%d want 4 (one per pair)", len(c.calls))
	}
	// No wait after the final pair.
	if len(rec.delays) != 3 {
		t.Fatalf("delays=%v", rec.delays)
	}
}

func TestAttempt_RateLimitEscalateMode_ThenClientErrorStillRateLimited(t *testing.T) {
	c := &scriptedCaller{script: func(n int, req llm.Request) (llm.Response, error) {
		if n == 0 {
			return llm.Response{}, rateLimited(nil)
		}
		return llm.Response{}, badRequest()
	}}
	rec := &sleepRecorder{}
	p := testPolicy()
	p.RateLimitMode = RateLimitEscalate
	out := newTestEngine(c, rec).Attempt(context.Background(), "q", Credentials{twoCreds[0]}, p)

	if out.Tag != RateLimited {
		t.Fatalf("tag: %v (err=%v)", out.Tag, out.LastError)
	}
	if llm.KindOf(out.RateLimitErr) != llm.KindRateLimited {
		t.Fatalf("rate limit err: %v", out.RateLimitErr)
	}
	if llm.KindOf(out.LastError) != llm.KindClientError {
		t.Fatalf("last err: %v", out.LastError)
	}
	if len(c.calls) != 2 || c.callsFor("primary", "model-b") != 1 {
		t.Fatalf("calls=%d", len(c.calls))
	}
}

func TestAttempt_RateLimitEscalateMode_CancelledStillRateLimited(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := &scriptedCaller{script: func(n int, req llm.Request) (llm.Response, error) {
		return llm.Response{}, rateLimited(nil)
	}}
	e := NewEngine(c, WithJitter(noJitter), WithSleep(func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}))
	p := testPolicy()
	p.RateLimitMode = RateLimitEscalate
	out := e.Attempt(ctx, "q", twoCreds, p)

	if out.Tag != RateLimited || out.RateLimitErr == nil {
		t.Fatalf("tag=%v rate limit err=%v", out.Tag, out.RateLimitErr)
	}
	if !errors.Is(out.LastError, context.Canceled) {
		t.Fatalf("last err: %v", out.LastError)
	}
	if len(c.calls) != 1 {
		t.Fatalf("calls=%d want 1", len(c.calls))
	}
}

func TestAttempt_PrimaryExhaustedFailsOverToBackup(t *testing.T) {
	c := &scriptedCaller{script: func(n int, req llm.Request) (llm.Response, error) {
		if req.Credential.Label == "primary" {
			return llm.Response{}, llm.NewNetworkError("google", context.DeadlineExceeded, true)
		}
		return ok(req)
	}}
	rec := &sleepRecorder{}
	p := testPolicy()
	out := newTestEngine(c, rec).Attempt(context.Background(), "q", twoCreds, p)

	if out.Tag != Success || out.CredentialLabel != "backup" || out.Model != "model-a" {
		t.Fatalf("outcome: tag=%v pair=%s/%s", out.Tag, out.CredentialLabel, out.Model)
	}
	if got := c.callsFor("primary", ""); got != len(p.Models)*p.RetryBudget {
		t.Fatalf("primary calls=%d want full ladder %d", got, len(p.Models)*p.RetryBudget)
	}
}

func TestAttempt_CredentialErrorFailsOverWithoutRetry(t *testing.T) {
	c := &scriptedCaller{script: func(n int, req llm.Request) (llm.Response, error) {
		if req.Credential.Label == "primary" {
			return llm.Response{}, authErr()
		}
		return ok(req)
	}}
	rec := &sleepRecorder{}
	out := newTestEngine(c, rec).Attempt(context.Background(), "q", twoCreds, testPolicy())
	if out.Tag != Success || out.CredentialLabel != "backup" {
		t.Fatalf("outcome: tag=%v cred=%s", out.Tag, out.CredentialLabel)
	}
	if got := c.callsFor("primary", ""); got != 1 {
		t.Fatalf("primary calls=%d want 1", got)
	}
}

func TestAttempt_CredentialErrorOnLastCredentialAborts(t *testing.T) {
	c := &scriptedCaller{script: func(n int, req llm.Request) (llm.Response, error) {
		return llm.Response{}, authErr()
	}}
	rec := &sleepRecorder{}
	out := newTestEngine(c, rec).Attempt(context.Background(), "q", twoCreds, testPolicy())
	if out.Tag != Exhausted || !llm.IsCredentialError(out.LastError) {
		t.Fatalf("tag=%v err=%v", out.Tag, out.LastError)
	}
	if len(c.calls) != 2 {
		t.Fatalf("calls=%d want 2", len(c.calls))
	}
}

func TestAttempt_FailoverDisabled(t *testing.T) {
	c := &scriptedCaller{script: func(n int, req llm.Request) (llm.Response, error) { return llm.Response{}, serverErr() }}
	rec := &sleepRecorder{}
	p := testPolicy()
	p.FailoverOn = nil
	out := newTestEngine(c, rec).Attempt(context.Background(), "q", twoCreds, p)
	if out.Tag != Exhausted {
		t.Fatalf("tag: %v", out.Tag)
	}
	if c.callsFor("backup", "") != 0 {
		t.Fatalf("backup must not be attempted when failover is disabled")
	}
}

func TestAttempt_CancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := &scriptedCaller{script: func(n int, req llm.Request) (llm.Response, error) { return llm.Response{}, serverErr() }}
	e := NewEngine(c, WithJitter(noJitter), WithSleep(func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}))
	out := e.Attempt(ctx, "q", twoCreds, testPolicy())
	if out.Tag != Exhausted || !errors.Is(out.LastError, context.Canceled) {
		t.Fatalf("tag=%v err=%v", out.Tag, out.LastError)
	}
	if len(c.calls) != 1 {
		t.Fatalf("calls=%d want 1", len(c.calls))
	}
}

func TestAttempt_InvalidInputsMakeNoCalls(t *testing.T) {
	c := &scriptedCaller{script: func(n int, req llm.Request) (llm.Response, error) { return ok(req) }}
	rec := &sleepRecorder{}
	e := newTestEngine(c, rec)

	cases := []struct {
		name   string
		prompt string
		creds  Credentials
		policy func(p *Policy)
	}{
		{name: "no credentials", prompt: "q", creds: nil},
		{name: "duplicate labels", prompt: "q", creds: Credentials{{Label: "a", APIKey: "1"}, {Label: "a", APIKey: "2"}}},
		{name: "empty key", prompt: "q", creds: Credentials{{Label: "a"}}},
		{name: "empty prompt", prompt: "  ", creds: twoCreds},
		{name: "no models", prompt: "q", creds: twoCreds, policy: func(p *Policy) { p.Models = nil }},
		{name: "zero budget", prompt: "q", creds: twoCreds, policy: func(p *Policy) { p.RetryBudget = 0 }},
		{name: "bad mode", prompt: "q", creds: twoCreds, policy: func(p *Policy) { p.RateLimitMode = "sometimes" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := testPolicy()
			if tc.policy != nil {
				tc.policy(&p)
			}
			out := e.Attempt(context.Background(), tc.prompt, tc.creds, p)
			if out.Tag != Exhausted || !llm.IsConfigurationError(out.LastError) {
				t.Fatalf("tag=%v err=%v", out.Tag, out.LastError)
			}
		})
	}
	if len(c.calls) != 0 {
		t.Fatalf("calls=%d want 0", len(c.calls))
	}
}
