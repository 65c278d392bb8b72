package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

type ProviderAdapter interface {
	Name() string
	Generate(ctx context.Context, req Request) (Response, error)
}

// Client routes requests to registered provider adapters and bounds every
// call with a hard timeout.
type Client struct {
	providers       map[string]ProviderAdapter
	defaultProvider string
	timeout         time.Duration
}

func NewClient() *Client {
	return &Client{providers: map[string]ProviderAdapter{}}
}

func (c *Client) Register(adapter ProviderAdapter) {
	if c.providers == nil {
		c.providers = map[string]ProviderAdapter{}
	}
	c.providers[normalizeProviderName(adapter.Name())] = adapter
	if c.defaultProvider == "" {
		c.defaultProvider = normalizeProviderName(adapter.Name())
	}
}

func (c *Client) SetDefaultProvider(name string) {
	c.defaultProvider = normalizeProviderName(name)
}

// SetTimeout sets the per-call timeout used when the caller does not pass one.
func (c *Client) SetTimeout(d time.Duration) {
	c.timeout = d
}

func (c *Client) Generate(ctx context.Context, req Request) (Response, error) {
	return c.GenerateWithTimeout(ctx, req, c.timeout)
}

func (c *Client) GenerateWithTimeout(ctx context.Context, req Request, timeout time.Duration) (Response, error) {
	if err := req.Validate(); err != nil {
		return Response{}, err
	}
	prov := normalizeProviderName(req.Provider)
	if prov == "" {
		prov = c.defaultProvider
	}
	if prov == "" {
		return Response{}, &ConfigurationError{Message: "no provider specified and no default provider configured"}
	}
	adapter, ok := c.providers[prov]
	if !ok {
		return Response{}, &ConfigurationError{Message: fmt.Sprintf("unknown provider: %s", prov)}
	}
	req.Provider = prov
	return CallWithTimeout(ctx, adapter, req, timeout)
}

// CallWithTimeout performs exactly one adapter call. When timeout > 0 the call
// is bounded by it and an expired deadline is reported as a timed-out
// NetworkError. Cancellation of the parent context is returned as-is.
func CallWithTimeout(ctx context.Context, adapter ProviderAdapter, req Request, timeout time.Duration) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	resp, err := adapter.Generate(callCtx, req)
	if err == nil {
		return resp, nil
	}
	if ctx.Err() != nil {
		return Response{}, ctx.Err()
	}
	var le Error
	if errors.As(err, &le) {
		return Response{}, err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return Response{}, NewNetworkError(adapter.Name(), err, true)
	}
	return Response{}, err
}

func normalizeProviderName(name string) string {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "gemini" {
		return "google"
	}
	return key
}
