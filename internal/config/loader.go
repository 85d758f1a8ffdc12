package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known LLM provider names. Used by [Validate] to
// warn about unrecognised names.
var ValidProviderNames = []string{
	"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq",
	"llamacpp", "llamafile",
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Decoding starts from [Default], so omitted fields keep their documented
// defaults while fields present in the document — including explicit zeros
// and explicit false — always stick. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// API server
	if cfg.APIServer.LogLevel != "" && !cfg.APIServer.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("api_server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.APIServer.LogLevel))
	}
	if cfg.APIServer.Port < 0 || cfg.APIServer.Port > 65535 {
		errs = append(errs, fmt.Errorf("api_server.port %d is out of range [0, 65535]", cfg.APIServer.Port))
	}

	// Sliding window
	if cfg.SlidingWindow.WindowSize < 0 {
		errs = append(errs, fmt.Errorf("sliding_window.window_size %d must not be negative", cfg.SlidingWindow.WindowSize))
	}
	if cfg.SlidingWindow.ProcessingDelay < 0 {
		errs = append(errs, fmt.Errorf("sliding_window.processing_delay %d must not be negative", cfg.SlidingWindow.ProcessingDelay))
	}
	if cfg.SlidingWindow.WindowSize > 0 && cfg.SlidingWindow.ProcessingDelay >= cfg.SlidingWindow.WindowSize {
		errs = append(errs, fmt.Errorf("sliding_window.processing_delay %d must be smaller than window_size %d",
			cfg.SlidingWindow.ProcessingDelay, cfg.SlidingWindow.WindowSize))
	}

	// Memory
	if cfg.Memory.HotMemorySize < 0 {
		errs = append(errs, fmt.Errorf("memory.hot_memory_size %d must not be negative", cfg.Memory.HotMemorySize))
	}

	// LLM
	validateProviderName(cfg.LLM.Provider)
	if cfg.SlidingWindow.EnableEnhancedAgent && cfg.LLM.Provider == "" {
		errs = append(errs, errors.New("sliding_window.enable_enhanced_agent requires llm.provider to be configured"))
	}
	if cfg.LLM.Temperature < 0 || cfg.LLM.Temperature > 2 {
		errs = append(errs, fmt.Errorf("llm.temperature %.2f is out of range [0, 2]", cfg.LLM.Temperature))
	}
	if cfg.LLM.Provider != "" && cfg.LLM.Model == "" {
		slog.Warn("llm.model is empty; the provider default model will be used",
			"provider", cfg.LLM.Provider)
	}

	// Storage
	if cfg.Storage.DataDir == "" && cfg.Storage.PostgresDSN == "" {
		errs = append(errs, errors.New("storage requires data_dir or postgres_dsn"))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// [ValidProviderNames].
func validateProviderName(name string) {
	if name == "" || slices.Contains(ValidProviderNames, name) {
		return
	}
	slog.Warn("unknown llm provider name — may be a typo or third-party provider",
		"name", name,
		"known", ValidProviderNames,
	)
}
