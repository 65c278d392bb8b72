package llm

import (
	"encoding/json"
	"strings"
)

// Credential is one API key with the label it is reported under
// ("primary", "backup", ...).
type Credential struct {
	Label  string
	APIKey string
}

// Request is a single grounded text-generation call.
type Request struct {
	Provider   string
	Model      string
	Prompt     string
	Credential Credential
	// Grounding asks the upstream to augment generation with web search.
	Grounding bool
}

func (r Request) Validate() error {
	if strings.TrimSpace(r.Model) == "" {
		return &ConfigurationError{Message: "model is required"}
	}
	if strings.TrimSpace(r.Prompt) == "" {
		return &ConfigurationError{Message: "prompt is required"}
	}
	if strings.TrimSpace(r.Credential.APIKey) == "" {
		return &ConfigurationError{Message: "api key is required"}
	}
	return nil
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Response is the parsed upstream answer. GroundingMetadata is kept opaque.
type Response struct {
	Provider          string          `json:"provider"`
	Model             string          `json:"model"`
	Text              string          `json:"text"`
	GroundingMetadata json.RawMessage `json:"grounding_metadata,omitempty"`
	FinishReason      string          `json:"finish_reason,omitempty"`
	Usage             Usage           `json:"usage"`
	Raw               map[string]any  `json:"-"`
}
