package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all cascade configuration. It is loaded once at startup and
// treated as immutable afterwards; every session receives a copy of the
// Engine section at creation time.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Engine thresholds and budgets
	Engine EngineConfig `yaml:"engine"`

	// Model invocation backend
	LLM LLMConfig `yaml:"llm"`

	// Context snippet retrieval
	Retrieval RetrievalConfig `yaml:"retrieval"`

	// Session persistence
	Store StoreConfig `yaml:"store"`

	// Domain vocabulary for the ambiguity detector
	Vocabulary VocabularyConfig `yaml:"vocabulary"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// EngineConfig names every threshold the engine consumes. Values live in one
// place so a profile can swap the whole bundle at session start.
type EngineConfig struct {
	// Ambiguity detection
	ConfidenceThreshold float64 `yaml:"confidence_threshold"` // below: flag for clarification
	MaxInterpretations  int     `yaml:"max_interpretations"`  // candidates per flagged term (2-4)

	// Clarification
	QuestionBudget    int      `yaml:"question_budget"`    // interactive rounds per session
	QuestionTimeout   Duration `yaml:"question_timeout"`   // per-question answer deadline
	FallbackThreshold float64  `yaml:"fallback_threshold"` // min confidence for timeout fallback

	// Feasibility
	MinFeasibilityThreshold       float64 `yaml:"min_feasibility_threshold"`       // below: infeasible
	ConfidentFeasibilityThreshold float64 `yaml:"confident_feasibility_threshold"` // below: degraded quality
	SeverityCap                   float64 `yaml:"severity_cap"`                    // any single violation above forces infeasible

	// Path generation
	MaxPaths int `yaml:"max_paths"` // alternative approaches per session

	// Planning
	StageBudgetChars int `yaml:"stage_budget_chars"` // per-stage prompt budget

	// Execution
	MaxRetries          int      `yaml:"max_retries"`           // per stage
	StageTimeout        Duration `yaml:"stage_timeout"`         // per model invocation
	MaxConcurrentStages int      `yaml:"max_concurrent_stages"` // dispatch ceiling

	// Obstacle detection
	StallWindow      Duration `yaml:"stall_window"`      // no success within window => stall
	ConfidenceWindow int      `yaml:"confidence_window"` // moving window of stage confidences
	ConfidenceFloor  float64  `yaml:"confidence_floor"`  // window mean below => decay obstacle
}

// LLMConfig configures the model invocation backend.
type LLMConfig struct {
	Provider string   `yaml:"provider"` // gemini, openai-compatible, mock
	APIKey   string   `yaml:"api_key"`
	Model    string   `yaml:"model"`
	BaseURL  string   `yaml:"base_url"`
	Timeout  Duration `yaml:"timeout"`
}

// RetrievalConfig configures the context snippet retriever.
type RetrievalConfig struct {
	TopK       int      `yaml:"top_k"`
	CorpusPath string   `yaml:"corpus_path"` // optional snippet corpus to preload
	CacheSize  int      `yaml:"cache_size"`
	CacheTTL   Duration `yaml:"cache_ttl"`
}

// StoreConfig configures session persistence.
type StoreConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// VocabularyConfig configures the domain vocabulary source.
type VocabularyConfig struct {
	Path      string `yaml:"path"`       // yaml vocabulary file; empty uses built-ins
	HotReload bool   `yaml:"hot_reload"` // watch the file and reload on change
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level     string `yaml:"level"`  // debug, info, warn, error
	Format    string `yaml:"format"` // json, text
	Directory string `yaml:"directory"`
}

// Duration wraps time.Duration so yaml values like "30s" decode directly.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "cascade",
		Version: "0.3.0",
		Engine: EngineConfig{
			ConfidenceThreshold:           0.75,
			MaxInterpretations:            4,
			QuestionBudget:                3,
			QuestionTimeout:               Duration(60 * time.Second),
			FallbackThreshold:             0.5,
			MinFeasibilityThreshold:       0.4,
			ConfidentFeasibilityThreshold: 0.7,
			SeverityCap:                   0.8,
			MaxPaths:                      4,
			StageBudgetChars:              4096,
			MaxRetries:                    3,
			StageTimeout:                  Duration(120 * time.Second),
			MaxConcurrentStages:           4,
			StallWindow:                   Duration(5 * time.Minute),
			ConfidenceWindow:              3,
			ConfidenceFloor:               0.4,
		},
		LLM: LLMConfig{
			Provider: "gemini",
			Model:    "gemini-2.0-flash",
			Timeout:  Duration(120 * time.Second),
		},
		Retrieval: RetrievalConfig{
			TopK:      5,
			CacheSize: 1000,
			CacheTTL:  Duration(5 * time.Minute),
		},
		Store: StoreConfig{
			DatabasePath: ".cascade/sessions.db",
		},
		Vocabulary: VocabularyConfig{
			HotReload: false,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfig reads configuration from a yaml file, layering it over the
// defaults. A missing file is not an error; the defaults apply.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides lets credentials and endpoints come from the environment
// so they stay out of config files.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CASCADE_LLM_PROVIDER"); v != "" {
		cfg.LLM.Provider = v
	}
	if v := os.Getenv("CASCADE_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("CASCADE_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("CASCADE_LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("CASCADE_DB_PATH"); v != "" {
		cfg.Store.DatabasePath = v
	}
}

// Validate rejects out-of-range thresholds. Unit-interval values are a
// validation failure when outside [0,1], never silently clamped.
func (c *Config) Validate() error {
	e := c.Engine
	for _, check := range []struct {
		name  string
		value float64
	}{
		{"confidence_threshold", e.ConfidenceThreshold},
		{"fallback_threshold", e.FallbackThreshold},
		{"min_feasibility_threshold", e.MinFeasibilityThreshold},
		{"confident_feasibility_threshold", e.ConfidentFeasibilityThreshold},
		{"severity_cap", e.SeverityCap},
		{"confidence_floor", e.ConfidenceFloor},
	} {
		if check.value < 0 || check.value > 1 {
			return fmt.Errorf("engine.%s must be in [0,1], got %v", check.name, check.value)
		}
	}
	if e.MinFeasibilityThreshold > e.ConfidentFeasibilityThreshold {
		return fmt.Errorf("engine.min_feasibility_threshold (%v) must not exceed confident_feasibility_threshold (%v)",
			e.MinFeasibilityThreshold, e.ConfidentFeasibilityThreshold)
	}
	if e.MaxInterpretations < 2 || e.MaxInterpretations > 4 {
		return fmt.Errorf("engine.max_interpretations must be in [2,4], got %d", e.MaxInterpretations)
	}
	if e.QuestionBudget < 0 {
		return fmt.Errorf("engine.question_budget must be >= 0, got %d", e.QuestionBudget)
	}
	if e.MaxRetries < 0 {
		return fmt.Errorf("engine.max_retries must be >= 0, got %d", e.MaxRetries)
	}
	if e.MaxConcurrentStages < 1 {
		return fmt.Errorf("engine.max_concurrent_stages must be >= 1, got %d", e.MaxConcurrentStages)
	}
	if e.StageBudgetChars < 256 {
		return fmt.Errorf("engine.stage_budget_chars must be >= 256, got %d", e.StageBudgetChars)
	}
	if e.ConfidenceWindow < 1 {
		return fmt.Errorf("engine.confidence_window must be >= 1, got %d", e.ConfidenceWindow)
	}
	return nil
}
