package llm

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeAdapter struct {
	name  string
	calls int
	fn    func(ctx context.Context, req Request) (Response, error)
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Generate(ctx context.Context, req Request) (Response, error) {
	f.calls++
	return f.fn(ctx, req)
}

func validRequest() Request {
	return Request{Model: "m", Prompt: "p", Credential: Credential{Label: "primary", APIKey: "k"}}
}

func TestClient_Generate_RoutesToDefaultProvider(t *testing.T) {
	a := &fakeAdapter{name: "google", fn: func(ctx context.Context, req Request) (Response, error) {
		return Response{Provider: req.Provider, Model: req.Model, Text: "ok"}, nil
	}}
	c := NewClient()
	c.Register(a)

	resp, err := c.Generate(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Provider != "google" || resp.Text != "ok" {
		t.Fatalf("resp: %+v", resp)
	}
}

func TestClient_Generate_GeminiAliasResolves(t *testing.T) {
	a := &fakeAdapter{name: "google", fn: func(ctx context.Context, req Request) (Response, error) {
		return Response{Text: "ok"}, nil
	}}
	c := NewClient()
	c.Register(a)
	req := validRequest()
	req.Provider = "Gemini"
	if _, err := c.Generate(context.Background(), req); err != nil {
		t.Fatalf("Generate: %v", err)
	}
}

func TestClient_Generate_ValidationFailsBeforeCall(t *testing.T) {
	a := &fakeAdapter{name: "google", fn: func(ctx context.Context, req Request) (Response, error) {
		return Response{}, nil
	}}
	c := NewClient()
	c.Register(a)

	req := validRequest()
	req.Credential.APIKey = ""
	_, err := c.Generate(context.Background(), req)
	if !IsConfigurationError(err) {
		t.Fatalf("expected configuration error, got %T (%v)", err, err)
	}
	if a.calls != 0 {
		t.Fatalf("adapter should not be called, calls=%d", a.calls)
	}
}

func TestClient_Generate_UnknownProvider(t *testing.T) {
	c := NewClient()
	req := validRequest()
	req.Provider = "nope"
	_, err := c.Generate(context.Background(), req)
	if !IsConfigurationError(err) {
		t.Fatalf("expected configuration error, got %T (%v)", err, err)
	}
}

func TestCallWithTimeout_DeadlineBecomesTimedOutNetworkError(t *testing.T) {
	a := &fakeAdapter{name: "google", fn: func(ctx context.Context, req Request) (Response, error) {
		<-ctx.Done()
		return Response{}, ctx.Err()
	}}
	_, err := CallWithTimeout(context.Background(), a, validRequest(), 10*time.Millisecond)
	var ne *NetworkError
	if !errors.As(err, &ne) || !ne.Timeout() {
		t.Fatalf("expected timed-out NetworkError, got %T (%v)", err, err)
	}
}

func TestCallWithTimeout_ParentCancellationPassesThrough(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	a := &fakeAdapter{name: "google", fn: func(ctx context.Context, req Request) (Response, error) {
		cancel()
		return Response{}, NewNetworkError("google", ctx.Err(), false)
	}}
	_, err := CallWithTimeout(ctx, a, validRequest(), time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestCallWithTimeout_HierarchyErrorsUnchanged(t *testing.T) {
	want := ErrorFromHTTPStatus("google", 503, "down", nil, nil)
	a := &fakeAdapter{name: "google", fn: func(ctx context.Context, req Request) (Response, error) {
		return Response{}, want
	}}
	_, err := CallWithTimeout(context.Background(), a, validRequest(), time.Second)
	if err != want {
		t.Fatalf("got %v want %v", err, want)
	}
}
