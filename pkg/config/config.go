// Package config loads and validates the world configuration. Every knob the
// kernel exposes lives here; unknown keys are an error, not a warning, so a
// typo never silently runs a default.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/genesis"
	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/ledger"
	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/llm"
	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/ratelimit"
	"gopkg.in/yaml.v3"
)

// Config is the full world configuration tree.
type Config struct {
	World         World                    `yaml:"world" json:"world"`
	Resources     map[string]ledger.Policy `yaml:"resources" json:"resources"`
	Contracts     Contracts                `yaml:"contracts" json:"contracts"`
	Agents        Agents                   `yaml:"agents" json:"agents"`
	Mint          Mint                     `yaml:"mint" json:"mint"`
	LLM           LLM                      `yaml:"llm" json:"llm"`
	Observability Observability            `yaml:"observability" json:"observability"`
	Genesis       genesis.Config           `yaml:"genesis" json:"genesis"`
}

// World holds kernel-wide knobs.
type World struct {
	// Name labels logs, metrics, and checkpoints.
	Name string `yaml:"name" json:"name"`
	// EventLogPath is the JSONL event sink; empty disables it.
	EventLogPath string `yaml:"event_log_path" json:"event_log_path"`
	// EventDBPath is the SQLite event journal; empty disables it.
	EventDBPath string `yaml:"event_db_path" json:"event_db_path"`
	// CheckpointDBPath is where `eris checkpoint` snapshots land.
	CheckpointDBPath string `yaml:"checkpoint_db_path" json:"checkpoint_db_path"`
	// MaxContentBytes caps one artifact's serialized content; zero disables.
	MaxContentBytes int64 `yaml:"max_content_bytes" json:"max_content_bytes"`
	// InvokeTimeoutSeconds bounds one sandbox method run.
	InvokeTimeoutSeconds int `yaml:"invoke_timeout_seconds" json:"invoke_timeout_seconds"`
	// RequireExplicitContractOnWrite rejects creates without an
	// access_contract_id instead of applying DefaultAccessContract.
	RequireExplicitContractOnWrite bool   `yaml:"require_explicit_contract_on_write" json:"require_explicit_contract_on_write"`
	DefaultAccessContract          string `yaml:"default_access_contract" json:"default_access_contract"`
	// MaxDurationSeconds stops the world after this much wall time; zero
	// runs until interrupted.
	MaxDurationSeconds int `yaml:"max_duration_seconds" json:"max_duration_seconds"`
	// MaxIterations stops the world after this many agent turns summed
	// across all agents; zero is unlimited.
	MaxIterations int64 `yaml:"max_iterations" json:"max_iterations"`
	// SnapshotIntervalSeconds is how often a balance snapshot event is
	// appended to the log; zero disables it.
	SnapshotIntervalSeconds int `yaml:"snapshot_interval_seconds" json:"snapshot_interval_seconds"`
}

// Contracts holds the permission engine knobs.
type Contracts struct {
	MaxDepth           int    `yaml:"max_depth" json:"max_depth"`
	FallbackContractID string `yaml:"fallback_contract_id" json:"fallback_contract_id"`
	// DanglingOpen makes a missing access contract default-allow (with a
	// warning) instead of failing closed.
	DanglingOpen       bool `yaml:"dangling_open" json:"dangling_open"`
	EvalTimeoutSeconds int  `yaml:"eval_timeout_seconds" json:"eval_timeout_seconds"`
	// CacheTTLSeconds bounds contract decision caching for contracts that
	// opt in; zero disables caching entirely.
	CacheTTLSeconds int `yaml:"cache_ttl_seconds" json:"cache_ttl_seconds"`
}

// Agents holds the scheduler knobs.
type Agents struct {
	HistorySize            int              `yaml:"history_size" json:"history_size"`
	FailureBufferSize      int              `yaml:"failure_buffer_size" json:"failure_buffer_size"`
	MaxParseRetries        int              `yaml:"max_parse_retries" json:"max_parse_retries"`
	OODA                   bool             `yaml:"ooda" json:"ooda"`
	GlobalActionsPerSecond float64          `yaml:"global_actions_per_second" json:"global_actions_per_second"`
	Policy                 ratelimit.Policy `yaml:"policy" json:"policy"`
	SuspendedPollSeconds   int              `yaml:"suspended_poll_seconds" json:"suspended_poll_seconds"`
	// Limiter selects the bucket backend: "memory" or "redis".
	Limiter       string `yaml:"limiter" json:"limiter"`
	RedisAddr     string `yaml:"redis_addr" json:"redis_addr"`
	RedisPassword string `yaml:"redis_password" json:"redis_password"`
	RedisDB       int    `yaml:"redis_db" json:"redis_db"`
	// DisabledSections turns prompt sections off by name.
	DisabledSections []string `yaml:"disabled_sections" json:"disabled_sections"`
}

// Mint holds the mint engine knobs.
type Mint struct {
	// TestTimeoutSeconds bounds one candidate test run.
	TestTimeoutSeconds int `yaml:"test_timeout_seconds" json:"test_timeout_seconds"`
}

// LLM holds the model client knobs.
type LLM struct {
	// Provider selects the client: "openai" or "scripted" (replay, no
	// network).
	Provider        string      `yaml:"provider" json:"provider"`
	Model           string      `yaml:"model" json:"model"`
	APIKeyEnv       string      `yaml:"api_key_env" json:"api_key_env"`
	BaseURL         string      `yaml:"base_url" json:"base_url"`
	ReasoningEffort string      `yaml:"reasoning_effort" json:"reasoning_effort"`
	Pricing         llm.Pricing `yaml:"pricing" json:"pricing"`
}

// Observability holds the metrics knobs.
type Observability struct {
	// Enabled turns on the OTLP metrics exporter.
	Enabled bool `yaml:"enabled" json:"enabled"`
	// OTLPEndpoint is the collector address, e.g. "localhost:4317".
	OTLPEndpoint string `yaml:"otlp_endpoint" json:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure" json:"insecure"`
	// ExportIntervalSeconds is the periodic reader interval.
	ExportIntervalSeconds int `yaml:"export_interval_seconds" json:"export_interval_seconds"`
}

// Default returns the configuration a fresh world runs with before any file
// is applied.
func Default() *Config {
	return &Config{
		World: World{
			Name:                    "eris",
			InvokeTimeoutSeconds:    5,
			DefaultAccessContract:   "freeware",
			SnapshotIntervalSeconds: 300,
		},
		Resources: map[string]ledger.Policy{
			"disk_bytes":        {Limit: 1 << 20},
			"compute_ms":        {Limit: 60_000, WindowSeconds: 3600},
			"llm_tokens":        {Limit: 200_000, WindowSeconds: 3600},
			"llm_micro_dollars": {Limit: 5_000_000},
		},
		Contracts: Contracts{
			MaxDepth:           10,
			FallbackContractID: "freeware",
			EvalTimeoutSeconds: 5,
		},
		Agents: Agents{
			HistorySize:       15,
			FailureBufferSize: 5,
			MaxParseRetries:   2,
			Policy:            ratelimit.Policy{APM: 30, Burst: 3},
			Limiter:           "memory",
		},
		Mint: Mint{TestTimeoutSeconds: 10},
		Observability: Observability{
			OTLPEndpoint:          "localhost:4317",
			Insecure:              true,
			ExportIntervalSeconds: 15,
		},
		LLM: LLM{
			Provider:        "openai",
			Model:           "gpt-4o-mini",
			APIKeyEnv:       "OPENAI_API_KEY",
			ReasoningEffort: llm.EffortNone,
		},
	}
}

// Load reads the default tree, then applies each file in order. Later files
// override earlier ones key by key; unknown keys anywhere are an error.
func Load(paths ...string) (*Config, error) {
	merged := map[string]any{}
	base, err := asMap(Default())
	if err != nil {
		return nil, err
	}
	deepMerge(merged, base)

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		// Strict-decode the layer on its own first so the error names the
		// offending file.
		var probe Config
		if err := strictDecode(data, &probe); err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
		var layer map[string]any
		if err := yaml.Unmarshal(data, &layer); err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
		deepMerge(merged, layer)
	}

	raw, err := yaml.Marshal(merged)
	if err != nil {
		return nil, err
	}
	var out Config
	if err := strictDecode(raw, &out); err != nil {
		return nil, err
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return &out, nil
}

func strictDecode(data []byte, out *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	return nil
}

func asMap(c *Config) (map[string]any, error) {
	raw, err := yaml.Marshal(c)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// deepMerge overlays src onto dst. Maps merge recursively; everything else
// (scalars, lists) replaces wholesale.
func deepMerge(dst, src map[string]any) {
	for k, v := range src {
		if sv, ok := v.(map[string]any); ok {
			if dv, ok := dst[k].(map[string]any); ok {
				deepMerge(dv, sv)
				continue
			}
		}
		dst[k] = v
	}
}

// Validate rejects configurations the kernel cannot run with.
func (c *Config) Validate() error {
	if !llm.ValidEffort(c.LLM.ReasoningEffort) {
		return fmt.Errorf("llm.reasoning_effort %q invalid, valid: none, low, medium, high",
			c.LLM.ReasoningEffort)
	}
	switch c.LLM.Provider {
	case "", "openai", "scripted":
	default:
		return fmt.Errorf("llm.provider %q invalid, valid: openai, scripted", c.LLM.Provider)
	}
	switch c.Agents.Limiter {
	case "", "memory", "redis":
	default:
		return fmt.Errorf("agents.limiter %q invalid, valid: memory, redis", c.Agents.Limiter)
	}
	if c.Agents.Limiter == "redis" && c.Agents.RedisAddr == "" {
		return fmt.Errorf("agents.limiter redis requires agents.redis_addr")
	}
	for name, pol := range c.Resources {
		if pol.Limit < 0 {
			return fmt.Errorf("resources.%s.limit %d is negative", name, pol.Limit)
		}
		if pol.WindowSeconds < 0 {
			return fmt.Errorf("resources.%s.window_seconds %d is negative", name, pol.WindowSeconds)
		}
	}
	if c.Contracts.MaxDepth < 1 {
		return fmt.Errorf("contracts.max_depth must be at least 1")
	}
	if c.World.MaxDurationSeconds < 0 {
		return fmt.Errorf("world.max_duration_seconds %d is negative", c.World.MaxDurationSeconds)
	}
	if c.World.MaxIterations < 0 {
		return fmt.Errorf("world.max_iterations %d is negative", c.World.MaxIterations)
	}
	for _, agent := range c.Genesis.Agents {
		if agent.ID == "" {
			return fmt.Errorf("genesis agent with empty id")
		}
		if agent.Scrip < 0 {
			return fmt.Errorf("genesis agent %s has negative scrip", agent.ID)
		}
	}
	return nil
}

// InvokeTimeout returns the world invoke timeout as a duration.
func (c *Config) InvokeTimeout() time.Duration {
	return time.Duration(c.World.InvokeTimeoutSeconds) * time.Second
}
