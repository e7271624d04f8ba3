package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/kiln/internal/inference"
)

// Config represents the kiln configuration file (~/.config/kiln/config.yaml).
// All fields are pointers so we can distinguish "not set" from zero values.
type Config struct {
	ModelDir    *string `yaml:"model_dir"`
	ModelsDir   *string `yaml:"models_dir"`
	MaxContext  *int64  `yaml:"max_context"`
	MaxSessions *int64  `yaml:"max_sessions"`
	MaxTokens   *int64  `yaml:"max_tokens"`

	// Sampling defaults
	Temperature   *float64 `yaml:"temperature"`
	TopK          *int64   `yaml:"top_k"`
	TopP          *float64 `yaml:"top_p"`
	MinP          *float64 `yaml:"min_p"`
	RepeatPenalty *float64 `yaml:"repeat_penalty"`
	RepeatLastN   *int64   `yaml:"repeat_last_n"`
	Seed          *uint64  `yaml:"seed"`

	// Output
	LogLevel  *string `yaml:"log_level"`
	LogFormat *string `yaml:"log_format"`

	// Server
	ServerAddress *string `yaml:"server_address"`
}

var logFormats = []string{"pretty", "json", "text", "console"}

// Validate reports every out-of-range field.
func (c Config) Validate() error {
	var errs []error
	negative := func(name string, v *int64) {
		if v != nil && *v < 0 {
			errs = append(errs, fmt.Errorf("%s must be >= 0, got %d", name, *v))
		}
	}
	negative("max_context", c.MaxContext)
	negative("max_sessions", c.MaxSessions)
	negative("top_k", c.TopK)
	negative("repeat_last_n", c.RepeatLastN)
	if c.MaxTokens != nil && *c.MaxTokens < 1 {
		errs = append(errs, fmt.Errorf("max_tokens must be >= 1, got %d", *c.MaxTokens))
	}
	if c.Temperature != nil && *c.Temperature < 0 {
		errs = append(errs, fmt.Errorf("temperature must be >= 0, got %g", *c.Temperature))
	}
	if c.TopP != nil && (*c.TopP < 0 || *c.TopP > 1) {
		errs = append(errs, fmt.Errorf("top_p must be in [0, 1], got %g", *c.TopP))
	}
	if c.MinP != nil && (*c.MinP < 0 || *c.MinP > 1) {
		errs = append(errs, fmt.Errorf("min_p must be in [0, 1], got %g", *c.MinP))
	}
	if c.RepeatPenalty != nil && *c.RepeatPenalty < 0 {
		errs = append(errs, fmt.Errorf("repeat_penalty must be >= 0, got %g", *c.RepeatPenalty))
	}
	if c.LogFormat != nil && !slices.Contains(logFormats, *c.LogFormat) {
		errs = append(errs, fmt.Errorf("log_format must be one of %v, got %q", logFormats, *c.LogFormat))
	}
	return errors.Join(errs...)
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "kiln", "config.yaml")
}

// LoadConfig reads the config file at path, or the default location when
// path is empty. A missing default file yields a zero Config; a missing
// explicit file is an error.
func LoadConfig(path string) (Config, error) {
	explicit := path != ""
	if !explicit {
		path = configPath()
		if path == "" {
			return Config{}, nil
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// applyModelConfig applies config file defaults to the shared model flags
// when the corresponding CLI flag was not explicitly set.
func applyModelConfig(c *cli.Command, cfg Config) {
	if cfg.ModelDir != nil && !c.IsSet("model") {
		modelPath = *cfg.ModelDir
	}
	if cfg.ModelsDir != nil && !c.IsSet("models-path") {
		modelsPath = *cfg.ModelsDir
	}
	if cfg.MaxContext != nil && !c.IsSet("max-context") {
		maxContext = *cfg.MaxContext
	}
}

// samplingOptions merges explicitly set flags over config file values.
// Anything left nil falls back to generation_config.json.
func (f *samplingFlags) samplingOptions(c *cli.Command, cfg Config) inference.SamplingOptions {
	var opts inference.SamplingOptions
	opts.Temperature = pick(c, "temp", f.temp, cfg.Temperature)
	opts.TopK = toInt(pick(c, "top-k", f.topK, cfg.TopK))
	opts.TopP = pick(c, "top-p", f.topP, cfg.TopP)
	opts.MinP = pick(c, "min-p", f.minP, cfg.MinP)
	opts.RepeatPenalty = pick(c, "repeat-penalty", f.repeatPenalty, cfg.RepeatPenalty)
	opts.RepeatLastN = toInt(pick(c, "repeat-last-n", f.repeatLastN, cfg.RepeatLastN))
	opts.Seed = pick(c, "seed", f.seed, cfg.Seed)
	n := int(f.n)
	opts.N = &n
	return opts
}

// maxTokensFor resolves the generation budget from the flag and config.
func (f *samplingFlags) maxTokensFor(c *cli.Command, cfg Config) int {
	if cfg.MaxTokens != nil && !c.IsSet("max-tokens") {
		return int(*cfg.MaxTokens)
	}
	return int(f.maxTokens)
}

func pick[T any](c *cli.Command, name string, flag T, fromConfig *T) *T {
	if c.IsSet(name) {
		return &flag
	}
	return fromConfig
}

func toInt(v *int64) *int {
	if v == nil {
		return nil
	}
	n := int(*v)
	return &n
}
