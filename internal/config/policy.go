package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/danshapiro/groundpulse/internal/ladder"
	"github.com/danshapiro/groundpulse/internal/llm"
)

//go:embed policy.schema.json
var policySchemaJSON string

var compilePolicySchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("policy.schema.json", strings.NewReader(policySchemaJSON)); err != nil {
		return nil, err
	}
	return c.Compile("policy.schema.json")
})

type BackoffFile struct {
	InitialDelayMS *int     `json:"initial_delay_ms,omitempty" yaml:"initial_delay_ms,omitempty"`
	Factor         *float64 `json:"factor,omitempty" yaml:"factor,omitempty"`
	JitterMS       *int     `json:"jitter_ms,omitempty" yaml:"jitter_ms,omitempty"`
	MaxDelayMS     *int     `json:"max_delay_ms,omitempty" yaml:"max_delay_ms,omitempty"`
}

type CooldownFile struct {
	Enabled       *bool `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	WindowMinutes int   `json:"window_minutes,omitempty" yaml:"window_minutes,omitempty"`
}

// PolicyFile is the on-disk retry and scheduling policy.
type PolicyFile struct {
	Version       int          `json:"version" yaml:"version"`
	Models        []string     `json:"models,omitempty" yaml:"models,omitempty"`
	RetryBudget   int          `json:"retry_budget,omitempty" yaml:"retry_budget,omitempty"`
	Backoff       BackoffFile  `json:"backoff,omitempty" yaml:"backoff,omitempty"`
	CallTimeoutMS int          `json:"call_timeout_ms,omitempty" yaml:"call_timeout_ms,omitempty"`
	RateLimitMode string       `json:"rate_limit_mode,omitempty" yaml:"rate_limit_mode,omitempty"`
	FailoverOn    []string     `json:"failover_on,omitempty" yaml:"failover_on,omitempty"`
	Grounding     *bool        `json:"grounding,omitempty" yaml:"grounding,omitempty"`
	Cooldown      CooldownFile `json:"cooldown,omitempty" yaml:"cooldown,omitempty"`

	Prompts     []string `json:"prompts,omitempty" yaml:"prompts,omitempty"`
	PromptsDir  string   `json:"prompts_dir,omitempty" yaml:"prompts_dir,omitempty"`
	PromptsGlob string   `json:"prompts_glob,omitempty" yaml:"prompts_glob,omitempty"`

	HealthRetentionHours int `json:"health_retention_hours,omitempty" yaml:"health_retention_hours,omitempty"`
	PruneIntervalMinutes int `json:"prune_interval_minutes,omitempty" yaml:"prune_interval_minutes,omitempty"`
}

// DefaultPolicyFile returns the policy used when no file is configured.
func DefaultPolicyFile() *PolicyFile {
	cfg := &PolicyFile{}
	applyPolicyDefaults(cfg)
	return cfg
}

// LoadPolicyFile reads a YAML or JSON policy (by extension), validates it
// against the embedded schema and applies defaults.
func LoadPolicyFile(path string) (*PolicyFile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := ParsePolicy(b, strings.ToLower(filepath.Ext(path)) == ".json")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func ParsePolicy(b []byte, isJSON bool) (*PolicyFile, error) {
	if len(bytes.TrimSpace(b)) == 0 {
		return nil, fmt.Errorf("policy file is empty")
	}
	var (
		cfg PolicyFile
		doc any
	)
	if isJSON {
		if err := decodeJSONStrict(b, &cfg); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(b, &doc); err != nil {
			return nil, err
		}
	} else {
		if err := decodeYAMLStrict(b, &cfg); err != nil {
			return nil, err
		}
		var err error
		if doc, err = yamlToJSONValue(b); err != nil {
			return nil, err
		}
	}
	schema, err := compilePolicySchema()
	if err != nil {
		return nil, fmt.Errorf("compile policy schema: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("policy schema: %w", err)
	}
	applyPolicyDefaults(&cfg)
	if err := cfg.LadderPolicy().Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeJSONStrict(b []byte, cfg *PolicyFile) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("json: multiple top-level values are not allowed")
		}
		return err
	}
	return nil
}

func decodeYAMLStrict(b []byte, cfg *PolicyFile) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}

// yamlToJSONValue re-encodes a YAML document into the generic JSON shape the
// schema validator expects.
func yamlToJSONValue(b []byte) (any, error) {
	var raw any
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, err
	}
	j, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}
	var doc any
	if err := json.Unmarshal(j, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func applyPolicyDefaults(cfg *PolicyFile) {
	if cfg == nil {
		return
	}
	def := ladder.DefaultPolicy()
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	cfg.Models = trimNonEmpty(cfg.Models)
	if len(cfg.Models) == 0 {
		cfg.Models = append([]string(nil), def.Models...)
	}
	if cfg.RetryBudget == 0 {
		cfg.RetryBudget = def.RetryBudget
	}
	if cfg.Backoff.InitialDelayMS == nil {
		v := int(def.Backoff.InitialDelay / time.Millisecond)
		cfg.Backoff.InitialDelayMS = &v
	}
	if cfg.Backoff.Factor == nil {
		v := def.Backoff.Factor
		cfg.Backoff.Factor = &v
	}
	if cfg.Backoff.JitterMS == nil {
		v := int(def.Backoff.JitterBound / time.Millisecond)
		cfg.Backoff.JitterMS = &v
	}
	if cfg.Backoff.MaxDelayMS == nil {
		v := int(def.Backoff.MaxDelay / time.Millisecond)
		cfg.Backoff.MaxDelayMS = &v
	}
	if cfg.CallTimeoutMS == 0 {
		cfg.CallTimeoutMS = int(def.CallTimeout / time.Millisecond)
	}
	cfg.RateLimitMode = strings.ToLower(strings.TrimSpace(cfg.RateLimitMode))
	if cfg.RateLimitMode == "" {
		cfg.RateLimitMode = string(def.RateLimitMode)
	}
	if cfg.FailoverOn == nil {
		for _, t := range def.FailoverOn {
			cfg.FailoverOn = append(cfg.FailoverOn, string(t))
		}
	}
	if cfg.Grounding == nil {
		v := def.Grounding
		cfg.Grounding = &v
	}
	if cfg.Cooldown.Enabled == nil {
		v := true
		cfg.Cooldown.Enabled = &v
	}
	if cfg.Cooldown.WindowMinutes == 0 {
		cfg.Cooldown.WindowMinutes = 45
	}
	cfg.Prompts = trimNonEmpty(cfg.Prompts)
	cfg.PromptsDir = strings.TrimSpace(cfg.PromptsDir)
	cfg.PromptsGlob = strings.TrimSpace(cfg.PromptsGlob)
	if cfg.PromptsDir != "" && cfg.PromptsGlob == "" {
		cfg.PromptsGlob = "**/*.txt"
	}
	if cfg.HealthRetentionHours == 0 {
		cfg.HealthRetentionHours = 7 * 24
	}
}

// LadderPolicy converts the file into the engine's policy. It assumes
// defaults have been applied.
func (cfg *PolicyFile) LadderPolicy() ladder.Policy {
	p := ladder.Policy{
		Models:        append([]string(nil), cfg.Models...),
		RetryBudget:   cfg.RetryBudget,
		CallTimeout:   time.Duration(cfg.CallTimeoutMS) * time.Millisecond,
		RateLimitMode: ladder.RateLimitMode(cfg.RateLimitMode),
		Grounding:     cfg.Grounding != nil && *cfg.Grounding,
	}
	if cfg.Backoff.InitialDelayMS != nil {
		p.Backoff.InitialDelay = time.Duration(*cfg.Backoff.InitialDelayMS) * time.Millisecond
	}
	if cfg.Backoff.Factor != nil {
		p.Backoff.Factor = *cfg.Backoff.Factor
	}
	if cfg.Backoff.JitterMS != nil {
		p.Backoff.JitterBound = time.Duration(*cfg.Backoff.JitterMS) * time.Millisecond
	}
	if cfg.Backoff.MaxDelayMS != nil {
		p.Backoff.MaxDelay = time.Duration(*cfg.Backoff.MaxDelayMS) * time.Millisecond
	}
	p.FailoverOn = []ladder.FailoverTrigger{}
	for _, t := range cfg.FailoverOn {
		p.FailoverOn = append(p.FailoverOn, ladder.FailoverTrigger(strings.ToLower(strings.TrimSpace(t))))
	}
	return p
}

func (cfg *PolicyFile) CooldownEnabled() bool {
	return cfg.Cooldown.Enabled == nil || *cfg.Cooldown.Enabled
}

func (cfg *PolicyFile) CooldownWindow() time.Duration {
	return time.Duration(cfg.Cooldown.WindowMinutes) * time.Minute
}

func (cfg *PolicyFile) HealthRetention() time.Duration {
	return time.Duration(cfg.HealthRetentionHours) * time.Hour
}

func (cfg *PolicyFile) PruneInterval() time.Duration {
	return time.Duration(cfg.PruneIntervalMinutes) * time.Minute
}

// LoadPolicy loads path, or returns the defaults when path is empty.
func LoadPolicy(path string) (*PolicyFile, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultPolicyFile(), nil
	}
	cfg, err := LoadPolicyFile(path)
	if err != nil {
		if llm.IsConfigurationError(err) {
			return nil, err
		}
		return nil, &llm.ConfigurationError{Message: fmt.Sprintf("load policy: %v", err)}
	}
	return cfg, nil
}

func trimNonEmpty(parts []string) []string {
	if len(parts) == 0 {
		return nil
	}
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
