package google

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/danshapiro/groundpulse/internal/llm"
)

const DefaultBaseURL = "https://generativelanguage.googleapis.com"

// maxResponseBytes bounds how much of an upstream body is read.
var maxResponseBytes int64 = 8 << 20

type Adapter struct {
	Provider string
	BaseURL  string
	Client   *http.Client
}

func New(baseURL string) *Adapter {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	return &Adapter{
		Provider: "google",
		BaseURL:  base,
		// Avoid client-level timeouts; the caller bounds each call with a context deadline.
		Client: &http.Client{Timeout: 0},
	}
}

func (a *Adapter) Name() string {
	if p := strings.ToLower(strings.TrimSpace(a.Provider)); p != "" {
		return p
	}
	return "google"
}

// Generate performs one generateContent call and classifies the result.
func (a *Adapter) Generate(ctx context.Context, req llm.Request) (llm.Response, error) {
	if a.Client == nil {
		a.Client = &http.Client{Timeout: 0}
	}
	base := strings.TrimRight(strings.TrimSpace(a.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}

	b, err := json.Marshal(requestBody(req))
	if err != nil {
		return llm.Response{}, err
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent", base, url.PathEscape(req.Model))
	u, err := url.Parse(endpoint)
	if err != nil {
		return llm.Response{}, &llm.ConfigurationError{Message: fmt.Sprintf("invalid base url: %v", err)}
	}
	q := u.Query()
	q.Set("key", req.Credential.APIKey)
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(b))
	if err != nil {
		return llm.Response{}, &llm.ConfigurationError{Message: fmt.Sprintf("build request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.Client.Do(httpReq)
	if err != nil {
		return llm.Response{}, llm.NewNetworkError(a.Name(), redactKey(err), isTimeout(err))
	}
	defer func() { _ = resp.Body.Close() }()

	rawBytes, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return llm.Response{}, llm.NewNetworkError(a.Name(), err, isTimeout(err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var raw map[string]any
		_ = json.Unmarshal(rawBytes, &raw)
		ra := llm.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		msg := fmt.Sprintf("generateContent failed: %s", errorMessage(raw, rawBytes))
		return llm.Response{}, llm.ErrorFromHTTPStatus(a.Name(), resp.StatusCode, msg, raw, ra)
	}
	if int64(len(rawBytes)) > maxResponseBytes {
		return llm.Response{}, llm.NewMalformedResponseError(a.Name(), fmt.Sprintf("response exceeds %d byte limit", maxResponseBytes), nil)
	}

	return fromGeminiResponse(a.Name(), rawBytes, req.Model)
}

func requestBody(req llm.Request) map[string]any {
	body := map[string]any{
		"contents": []map[string]any{{
			"parts": []map[string]any{{"text": req.Prompt}},
		}},
	}
	if req.Grounding {
		body["tools"] = []map[string]any{{"google_search": map[string]any{}}}
	}
	return body
}

// fromGeminiResponse extracts candidates[0].content.parts[0].text and the
// optional candidates[0].groundingMetadata. A body that does not carry the text
// is a malformed response.
func fromGeminiResponse(provider string, body []byte, requestedModel string) (llm.Response, error) {
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return llm.Response{}, llm.NewMalformedResponseError(provider, fmt.Sprintf("decode body: %v", err), body)
	}
	var parsed struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
			FinishReason      string          `json:"finishReason"`
			GroundingMetadata json.RawMessage `json:"groundingMetadata"`
		} `json:"candidates"`
		UsageMetadata struct {
			PromptTokenCount     int `json:"promptTokenCount"`
			CandidatesTokenCount int `json:"candidatesTokenCount"`
			TotalTokenCount      int `json:"totalTokenCount"`
		} `json:"usageMetadata"`
		ModelVersion string `json:"modelVersion"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return llm.Response{}, llm.NewMalformedResponseError(provider, fmt.Sprintf("decode candidates: %v", err), body)
	}
	if len(parsed.Candidates) == 0 {
		return llm.Response{}, llm.NewMalformedResponseError(provider, "no candidates", body)
	}
	c0 := parsed.Candidates[0]
	if len(c0.Content.Parts) == 0 || strings.TrimSpace(c0.Content.Parts[0].Text) == "" {
		return llm.Response{}, llm.NewMalformedResponseError(provider, "candidates[0].content.parts[0].text is missing", body)
	}

	r := llm.Response{
		Provider:     provider,
		Model:        requestedModel,
		Text:         c0.Content.Parts[0].Text,
		FinishReason: strings.ToLower(c0.FinishReason),
		Usage: llm.Usage{
			InputTokens:  parsed.UsageMetadata.PromptTokenCount,
			OutputTokens: parsed.UsageMetadata.CandidatesTokenCount,
			TotalTokens:  parsed.UsageMetadata.TotalTokenCount,
		},
		Raw: raw,
	}
	if len(c0.GroundingMetadata) > 0 && string(c0.GroundingMetadata) != "null" {
		r.GroundingMetadata = c0.GroundingMetadata
	}
	return r, nil
}

func errorMessage(raw map[string]any, body []byte) string {
	if e, ok := raw["error"].(map[string]any); ok {
		msg, _ := e["message"].(string)
		status, _ := e["status"].(string)
		if strings.TrimSpace(msg) != "" {
			if status != "" {
				return status + ": " + msg
			}
			return msg
		}
	}
	return strings.TrimSpace(string(body))
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// redactKey strips the request URL (which carries the API key as a query
// parameter) from transport errors before they are logged or persisted.
func redactKey(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		return fmt.Errorf("%s: %w", ue.Op, ue.Err)
	}
	return err
}
