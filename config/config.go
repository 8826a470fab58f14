// Package config loads quill settings from YAML files and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/zoobzio/quill"
	"gopkg.in/yaml.v3"
)

// Config is the complete quill configuration.
type Config struct {
	Provider      string              `json:"provider" yaml:"provider" validate:"required,oneof=gemini openai anthropic"`
	Model         string              `json:"model" yaml:"model" validate:"required"`
	BaseURL       string              `json:"base_url" yaml:"base_url" validate:"omitempty,url"`
	APIKeys       []string            `json:"-" yaml:"api_keys" validate:"required,min=1,dive,required"`
	Mode          string              `json:"mode" yaml:"mode" validate:"required,oneof=fast balanced deep"`
	Execution     ExecutionConfig     `json:"execution" yaml:"execution"`
	Pacing        PacingConfig        `json:"pacing" yaml:"pacing"`
	Negotiation   NegotiationConfig   `json:"negotiation" yaml:"negotiation"`
	Synthesis     SynthesisConfig     `json:"synthesis" yaml:"synthesis"`
	Archive       ArchiveConfig       `json:"archive" yaml:"archive"`
	Observability ObservabilityConfig `json:"observability" yaml:"observability"`
}

// ExecutionConfig controls retries and backoff.
type ExecutionConfig struct {
	RetriesPerCredential int           `json:"retries_per_credential" yaml:"retries_per_credential" validate:"gte=1,lte=10"`
	AttemptTimeout       time.Duration `json:"attempt_timeout" yaml:"attempt_timeout" validate:"gt=0"`
	ServerErrorBaseDelay time.Duration `json:"server_error_base_delay" yaml:"server_error_base_delay" validate:"gt=0"`
	BaseDelay            time.Duration `json:"base_delay" yaml:"base_delay" validate:"gt=0"`
	MaxJitter            time.Duration `json:"max_jitter" yaml:"max_jitter" validate:"gte=0"`
	RetryAfterBuffer     time.Duration `json:"retry_after_buffer" yaml:"retry_after_buffer" validate:"gte=0"`
	MaxBackoff           time.Duration `json:"max_backoff" yaml:"max_backoff" validate:"gt=0"`
	RateLimit            float64       `json:"rate_limit" yaml:"rate_limit" validate:"gte=0"` // Attempts per second, 0 disables
	RateBurst            int           `json:"rate_burst" yaml:"rate_burst" validate:"gte=0"`
}

// PacingConfig controls the rate-adaptation tracker.
type PacingConfig struct {
	BaseDelay       time.Duration `json:"base_delay" yaml:"base_delay" validate:"gt=0"`
	FastMultiplier  float64       `json:"fast_multiplier" yaml:"fast_multiplier" validate:"gt=0"`
	BalancedMult    float64       `json:"balanced_multiplier" yaml:"balanced_multiplier" validate:"gt=0"`
	DeepMultiplier  float64       `json:"deep_multiplier" yaml:"deep_multiplier" validate:"gt=0"`
	ErrorThreshold  int           `json:"error_threshold" yaml:"error_threshold" validate:"gte=1"`
	ErrorMultiplier float64       `json:"error_multiplier" yaml:"error_multiplier" validate:"gte=1"`
	Window          time.Duration `json:"window" yaml:"window" validate:"gt=0"`
	MaxDelay        time.Duration `json:"max_delay" yaml:"max_delay" validate:"gt=0"`
	Capacity        int           `json:"capacity" yaml:"capacity" validate:"gte=1"`
}

// NegotiationConfig controls the outline debate.
type NegotiationConfig struct {
	MaxRounds        int             `json:"max_rounds" yaml:"max_rounds" validate:"gte=1,lte=50"`
	ParseRetries     int             `json:"parse_retries" yaml:"parse_retries" validate:"gte=0,lte=10"`
	ParseRetryDelays []time.Duration `json:"parse_retry_delays" yaml:"parse_retry_delays" validate:"dive,gte=0"`
	Temperature      float32         `json:"temperature" yaml:"temperature" validate:"gte=0,lte=2"`
}

// SynthesisConfig controls document generation.
type SynthesisConfig struct {
	SectionDelay time.Duration `json:"section_delay" yaml:"section_delay" validate:"gte=0"`
	Temperature  float32       `json:"temperature" yaml:"temperature" validate:"gte=0,lte=2"`
}

// ArchiveConfig locates the report archive.
type ArchiveConfig struct {
	Path string `json:"path" yaml:"path"` // Empty disables archiving
}

// ObservabilityConfig controls metrics exposure and event output.
type ObservabilityConfig struct {
	MetricsAddr string `json:"metrics_addr" yaml:"metrics_addr" validate:"omitempty,hostname_port"`
	Verbose     bool   `json:"verbose" yaml:"verbose"`
}

// validate is shared; validator instances cache struct metadata.
var validate = validator.New()

// Default returns the built-in configuration without credentials.
func Default() Config {
	exec := quill.DefaultExecutorConfig()
	delay := quill.DefaultDelayConfig()
	neg := quill.DefaultNegotiationConfig()
	syn := quill.DefaultSynthesisConfig()

	return Config{
		Provider: "gemini",
		Model:    "gemini-2.5-flash",
		Mode:     string(quill.ModeBalanced),
		Execution: ExecutionConfig{
			RetriesPerCredential: exec.RetriesPerCredential,
			AttemptTimeout:       exec.AttemptTimeout,
			ServerErrorBaseDelay: exec.ServerErrorBaseDelay,
			BaseDelay:            exec.BaseDelay,
			MaxJitter:            exec.MaxJitter,
			RetryAfterBuffer:     exec.RetryAfterBuffer,
			MaxBackoff:           exec.MaxBackoff,
		},
		Pacing: PacingConfig{
			BaseDelay:       delay.BaseDelay,
			FastMultiplier:  delay.ModeMultipliers[quill.ModeFast],
			BalancedMult:    delay.ModeMultipliers[quill.ModeBalanced],
			DeepMultiplier:  delay.ModeMultipliers[quill.ModeDeep],
			ErrorThreshold:  delay.ErrorThreshold,
			ErrorMultiplier: delay.ErrorMultiplier,
			Window:          delay.Window,
			MaxDelay:        delay.MaxDelay,
			Capacity:        delay.Capacity,
		},
		Negotiation: NegotiationConfig{
			MaxRounds:        neg.MaxRounds,
			ParseRetries:     neg.ParseRetries,
			ParseRetryDelays: neg.ParseRetryDelays,
			Temperature:      neg.Temperature,
		},
		Synthesis: SynthesisConfig{
			SectionDelay: syn.SectionDelay,
			Temperature:  syn.Temperature,
		},
	}
}

// Load builds the configuration with priority env > file > defaults.
// A missing file is not an error; a malformed one is.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}

	if err := loadEnv(&cfg); err != nil {
		return cfg, fmt.Errorf("load config env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func loadEnv(cfg *Config) error {
	if v := os.Getenv("QUILL_API_KEYS"); v != "" {
		cfg.APIKeys = splitKeys(v)
	}
	if v := os.Getenv("QUILL_PROVIDER"); v != "" {
		cfg.Provider = strings.ToLower(v)
	}
	if v := os.Getenv("QUILL_MODEL"); v != "" {
		cfg.Model = v
	}
	if v := os.Getenv("QUILL_BASE_URL"); v != "" {
		cfg.BaseURL = v
	}
	if v := os.Getenv("QUILL_MODE"); v != "" {
		cfg.Mode = strings.ToLower(v)
	}
	if v := os.Getenv("QUILL_MAX_ROUNDS"); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("QUILL_MAX_ROUNDS: %w", err)
		}
		cfg.Negotiation.MaxRounds = i
	}
	if v := os.Getenv("QUILL_ATTEMPT_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("QUILL_ATTEMPT_TIMEOUT: %w", err)
		}
		cfg.Execution.AttemptTimeout = d
	}
	if v := os.Getenv("QUILL_ARCHIVE_PATH"); v != "" {
		cfg.Archive.Path = v
	}
	if v := os.Getenv("QUILL_METRICS_ADDR"); v != "" {
		cfg.Observability.MetricsAddr = v
	}
	return nil
}

// splitKeys parses a comma-separated key list, dropping blanks.
func splitKeys(v string) []string {
	var keys []string
	for _, k := range strings.Split(v, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

// Validate checks the configuration against its field rules.
func (c Config) Validate() error {
	return validate.Struct(c)
}

// ModeValue returns the configured operating mode.
func (c Config) ModeValue() quill.Mode {
	return quill.Mode(c.Mode)
}

// ExecutorConfig converts the execution settings.
func (c Config) ExecutorConfig() quill.ExecutorConfig {
	return quill.ExecutorConfig{
		RetriesPerCredential: c.Execution.RetriesPerCredential,
		AttemptTimeout:       c.Execution.AttemptTimeout,
		ServerErrorBaseDelay: c.Execution.ServerErrorBaseDelay,
		BaseDelay:            c.Execution.BaseDelay,
		MaxJitter:            c.Execution.MaxJitter,
		RetryAfterBuffer:     c.Execution.RetryAfterBuffer,
		MaxBackoff:           c.Execution.MaxBackoff,
	}
}

// DelayConfig converts the pacing settings.
func (c Config) DelayConfig() quill.DelayConfig {
	return quill.DelayConfig{
		BaseDelay: c.Pacing.BaseDelay,
		ModeMultipliers: map[quill.Mode]float64{
			quill.ModeFast:     c.Pacing.FastMultiplier,
			quill.ModeBalanced: c.Pacing.BalancedMult,
			quill.ModeDeep:     c.Pacing.DeepMultiplier,
		},
		ErrorThreshold:  c.Pacing.ErrorThreshold,
		ErrorMultiplier: c.Pacing.ErrorMultiplier,
		Window:          c.Pacing.Window,
		MaxDelay:        c.Pacing.MaxDelay,
		Capacity:        c.Pacing.Capacity,
	}
}

// NegotiationConfig converts the negotiation settings.
func (c Config) NegotiationConfig() quill.NegotiationConfig {
	return quill.NegotiationConfig{
		Model:            c.Model,
		MaxRounds:        c.Negotiation.MaxRounds,
		ParseRetries:     c.Negotiation.ParseRetries,
		ParseRetryDelays: c.Negotiation.ParseRetryDelays,
		Temperature:      c.Negotiation.Temperature,
	}
}

// SynthesisConfig converts the synthesis settings. A zero section delay
// disables the pause.
func (c Config) SynthesisConfig() quill.SynthesisConfig {
	delay := c.Synthesis.SectionDelay
	if delay == 0 {
		delay = -1
	}
	return quill.SynthesisConfig{
		Model:        c.Model,
		SectionDelay: delay,
		Temperature:  c.Synthesis.Temperature,
	}
}

// SessionConfig assembles a session configuration, including the attempt
// rate limiter when one is configured.
func (c Config) SessionConfig(opts ...quill.Option) quill.SessionConfig {
	creds := make([]quill.Credential, 0, len(c.APIKeys))
	for _, k := range c.APIKeys {
		creds = append(creds, quill.Credential(k))
	}
	if c.Execution.RateLimit > 0 {
		burst := c.Execution.RateBurst
		if burst <= 0 {
			burst = 1
		}
		opts = append(opts, quill.WithRateLimit(c.Execution.RateLimit, burst))
	}
	return quill.SessionConfig{
		Credentials: creds,
		Executor:    c.ExecutorConfig(),
		Delay:       c.DelayConfig(),
		Negotiation: c.NegotiationConfig(),
		Synthesis:   c.SynthesisConfig(),
		Options:     opts,
	}
}
