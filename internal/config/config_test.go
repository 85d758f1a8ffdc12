package config_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/duiywegkl/EchoGraph/internal/config"
	"github.com/duiywegkl/EchoGraph/pkg/provider/llm"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
api_server:
  host: 127.0.0.1
  port: 9543
  log_level: info

sliding_window:
  window_size: 6
  processing_delay: 2
  enable_enhanced_agent: true

memory:
  hot_memory_size: 20

llm:
  provider: deepseek
  api_key: sk-test
  base_url: https://api.deepseek.com
  model: deepseek-chat
  max_tokens: 2048
  temperature: 0.3
  request_timeout: 90s

storage:
  data_dir: /var/lib/echograph
`

// ── YAML loading ──────────────────────────────────────────────────────────────

func TestLoadFromReader_Valid(t *testing.T) {
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.APIServer.Host != "127.0.0.1" {
		t.Errorf("api_server.host: got %q, want %q", cfg.APIServer.Host, "127.0.0.1")
	}
	if cfg.APIServer.Port != 9543 {
		t.Errorf("api_server.port: got %d, want 9543", cfg.APIServer.Port)
	}
	if cfg.APIServer.LogLevel != config.LogInfo {
		t.Errorf("api_server.log_level: got %q, want %q", cfg.APIServer.LogLevel, config.LogInfo)
	}
	if cfg.SlidingWindow.WindowSize != 6 {
		t.Errorf("sliding_window.window_size: got %d, want 6", cfg.SlidingWindow.WindowSize)
	}
	if cfg.SlidingWindow.ProcessingDelay != 2 {
		t.Errorf("sliding_window.processing_delay: got %d, want 2", cfg.SlidingWindow.ProcessingDelay)
	}
	if !cfg.SlidingWindow.EnableEnhancedAgent {
		t.Error("sliding_window.enable_enhanced_agent: got false, want true")
	}
	if cfg.Memory.HotMemorySize != 20 {
		t.Errorf("memory.hot_memory_size: got %d, want 20", cfg.Memory.HotMemorySize)
	}
	if cfg.LLM.Provider != "deepseek" {
		t.Errorf("llm.provider: got %q, want %q", cfg.LLM.Provider, "deepseek")
	}
	if cfg.LLM.Model != "deepseek-chat" {
		t.Errorf("llm.model: got %q", cfg.LLM.Model)
	}
	if cfg.LLM.RequestTimeout.Std() != 90*time.Second {
		t.Errorf("llm.request_timeout: got %v, want 90s", cfg.LLM.RequestTimeout.Std())
	}
	if cfg.Storage.DataDir != "/var/lib/echograph" {
		t.Errorf("storage.data_dir: got %q", cfg.Storage.DataDir)
	}
}

func TestLoadFromReader_EmptyGetsDefaults(t *testing.T) {
	// An empty config should succeed and come back fully defaulted.
	cfg, err := config.LoadFromReader(strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("unexpected error for empty config: %v", err)
	}
	if cfg.APIServer.Port != config.DefaultPort {
		t.Errorf("api_server.port: got %d, want %d", cfg.APIServer.Port, config.DefaultPort)
	}
	if cfg.APIServer.LogLevel != config.LogInfo {
		t.Errorf("api_server.log_level: got %q, want %q", cfg.APIServer.LogLevel, config.LogInfo)
	}
	if cfg.SlidingWindow.WindowSize != 4 {
		t.Errorf("sliding_window.window_size: got %d, want 4", cfg.SlidingWindow.WindowSize)
	}
	if cfg.SlidingWindow.ProcessingDelay != 1 {
		t.Errorf("sliding_window.processing_delay: got %d, want 1", cfg.SlidingWindow.ProcessingDelay)
	}
	if !cfg.SlidingWindow.EnableEnhancedAgent {
		t.Error("sliding_window.enable_enhanced_agent: got false, want true")
	}
	if cfg.Memory.HotMemorySize != 10 {
		t.Errorf("memory.hot_memory_size: got %d, want 10", cfg.Memory.HotMemorySize)
	}
	if cfg.LLM.RequestTimeout.Std() != 60*time.Second {
		t.Errorf("llm.request_timeout: got %v, want 60s", cfg.LLM.RequestTimeout.Std())
	}
	if cfg.Storage.DataDir != "data" {
		t.Errorf("storage.data_dir: got %q, want %q", cfg.Storage.DataDir, "data")
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	yaml := `
api_server:
  listen_addr: ":8080"
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestDefault_IsValid(t *testing.T) {
	cfg := config.Default()
	if err := config.Validate(cfg); err != nil {
		t.Fatalf("Default() should validate, got: %v", err)
	}
	if cfg.APIServer.Port != config.DefaultPort {
		t.Errorf("port: got %d, want %d", cfg.APIServer.Port, config.DefaultPort)
	}
	if !cfg.SlidingWindow.EnableEnhancedAgent {
		t.Error("enable_enhanced_agent: got false, want true")
	}
	if cfg.SlidingWindow.ProcessingDelay >= cfg.SlidingWindow.WindowSize {
		t.Errorf("processing_delay %d should be smaller than window_size %d",
			cfg.SlidingWindow.ProcessingDelay, cfg.SlidingWindow.WindowSize)
	}
}

// ── Registry ─────────────────────────────────────────────────────────────────

func TestRegistry_UnknownLLM(t *testing.T) {
	reg := config.NewRegistry()
	_, err := reg.CreateLLM(config.LLMConfig{Provider: "nonexistent"})
	if err == nil {
		t.Fatal("expected error for unknown LLM provider")
	}
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("expected ErrProviderNotRegistered, got: %v", err)
	}
}

func TestRegistry_RegisteredLLM(t *testing.T) {
	reg := config.NewRegistry()
	want := &stubLLM{}
	reg.RegisterLLM("stub", func(c config.LLMConfig) (llm.Provider, error) {
		return want, nil
	})
	got, err := reg.CreateLLM(config.LLMConfig{Provider: "stub"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != want {
		t.Error("returned provider is not the expected instance")
	}
}

func TestRegistry_FactoryReceivesConfig(t *testing.T) {
	reg := config.NewRegistry()
	var gotCfg config.LLMConfig
	reg.RegisterLLM("stub", func(c config.LLMConfig) (llm.Provider, error) {
		gotCfg = c
		return &stubLLM{}, nil
	})
	in := config.LLMConfig{Provider: "stub", APIKey: "sk-test", Model: "m1"}
	if _, err := reg.CreateLLM(in); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotCfg != in {
		t.Errorf("factory config: got %+v, want %+v", gotCfg, in)
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	reg := config.NewRegistry()
	wantErr := errors.New("factory boom")
	reg.RegisterLLM("broken", func(c config.LLMConfig) (llm.Provider, error) {
		return nil, wantErr
	})
	_, err := reg.CreateLLM(config.LLMConfig{Provider: "broken"})
	if !errors.Is(err, wantErr) {
		t.Errorf("expected factory error %v, got %v", wantErr, err)
	}
}

func TestRegistry_RegisteredLLMs(t *testing.T) {
	reg := config.NewRegistry()
	reg.RegisterLLM("a", func(c config.LLMConfig) (llm.Provider, error) { return &stubLLM{}, nil })
	reg.RegisterLLM("b", func(c config.LLMConfig) (llm.Provider, error) { return &stubLLM{}, nil })
	names := reg.RegisteredLLMs()
	if len(names) != 2 {
		t.Fatalf("expected 2 registered names, got %d: %v", len(names), names)
	}
}

// ── Stub implementation (satisfies the interface for the compiler) ────────────

// stubLLM implements llm.Provider with no-op methods.
type stubLLM struct{}

func (s *stubLLM) Complete(_ context.Context, _ llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return &llm.CompletionResponse{}, nil
}
