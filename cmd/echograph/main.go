// Command echograph is the main entry point for the EchoGraph memory server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"

	"github.com/duiywegkl/EchoGraph/internal/app"
	"github.com/duiywegkl/EchoGraph/internal/channel"
	"github.com/duiywegkl/EchoGraph/internal/config"
	"github.com/duiywegkl/EchoGraph/internal/engine"
	"github.com/duiywegkl/EchoGraph/internal/extract"
	"github.com/duiywegkl/EchoGraph/internal/gateway"
	"github.com/duiywegkl/EchoGraph/internal/health"
	"github.com/duiywegkl/EchoGraph/internal/observe"
	"github.com/duiywegkl/EchoGraph/internal/resilience"
	"github.com/duiywegkl/EchoGraph/internal/server"
	"github.com/duiywegkl/EchoGraph/internal/storage"
	"github.com/duiywegkl/EchoGraph/internal/window"
	"github.com/duiywegkl/EchoGraph/pkg/graph"
	"github.com/duiywegkl/EchoGraph/pkg/graph/postgres"
	"github.com/duiywegkl/EchoGraph/pkg/provider/llm"
	"github.com/duiywegkl/EchoGraph/pkg/provider/llm/anyllm"
	"github.com/duiywegkl/EchoGraph/pkg/provider/llm/openai"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "echograph: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "echograph: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logLevel := new(slog.LevelVar)
	logLevel.Set(slogLevel(cfg.APIServer.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	slog.Info("echograph starting",
		"version", version,
		"config", *configPath,
		"port", cfg.APIServer.Port,
		"log_level", cfg.APIServer.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── LLM provider + gateway ────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	gw, err := buildGateway(cfg, reg)
	if err != nil {
		slog.Error("failed to build llm gateway", "err", err)
		return 1
	}

	// ── Storage ───────────────────────────────────────────────────────────────
	store, err := storage.NewManager(cfg.Storage.DataDir)
	if err != nil {
		slog.Error("failed to initialise storage", "err", err)
		return 1
	}

	var pgStore *postgres.Store
	if cfg.Storage.PostgresDSN != "" {
		pgStore, err = postgres.NewStore(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			slog.Error("failed to connect to postgres", "err", err)
			return 1
		}
		defer pgStore.Close()
		slog.Info("graph persistence backend", "backend", "postgres")
	} else {
		slog.Info("graph persistence backend", "backend", "file", "data_dir", cfg.Storage.DataDir)
	}

	// ── Session manager ───────────────────────────────────────────────────────
	manager := app.NewManager(app.Config{
		Storage:       store,
		Bootstrapper:  buildBootstrapper(cfg, gw),
		NewExtractor:  extractorFactory(cfg, gw),
		NewPersister:  persisterFactory(store, pgStore),
		LoadGraph:     graphLoader(store, pgStore),
		WindowSize:    cfg.SlidingWindow.WindowSize,
		Delay:         cfg.SlidingWindow.ProcessingDelay,
		HotMemorySize: cfg.Memory.HotMemorySize,
	})

	hub := channel.NewHub(manager)

	// ── Health checks ─────────────────────────────────────────────────────────
	healthHandler := health.New(buildCheckers(cfg, pgStore)...)

	// ── Config watcher (log-level hot reload) ─────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		d := config.Diff(old, new)
		if d.LogLevelChanged {
			logLevel.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		if d.LLMChanged || d.StorageChanged {
			slog.Warn("llm or storage configuration changed — restart required to apply")
		}
		if d.WindowChanged {
			slog.Info("sliding window configuration changed — applies to new sessions only")
		}
	})
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	printStartupSummary(cfg)

	srv := server.New(server.Config{
		Manager:        manager,
		Socket:         hub.Handler(),
		Health:         healthHandler,
		MetricsHandler: promhttp.Handler(),
		Metrics:        metrics,
		Version:        version,
	})

	addr := fmt.Sprintf("%s:%d", cfg.APIServer.Host, cfg.APIServer.Port)
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server ready — press Ctrl+C to shut down", "addr", addr)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			return 1
		}
	case <-ctx.Done():
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")

	hub.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── LLM wiring ────────────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in LLM provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// openai uses the native SDK client.
	reg.RegisterLLM("openai", func(c config.LLMConfig) (llm.Provider, error) {
		var opts []openai.Option
		if c.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(c.BaseURL))
		}
		if c.RequestTimeout > 0 {
			opts = append(opts, openai.WithTimeout(c.RequestTimeout.Std()))
		}
		return openai.New(c.APIKey, c.Model, opts...)
	})

	// anthropic, gemini, deepseek, mistral, groq, llamacpp, llamafile all
	// share the same pattern: optional APIKey + optional BaseURL.
	for _, providerName := range []string{
		"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(providerName, func(c config.LLMConfig) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if c.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(c.APIKey))
			}
			if c.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(c.BaseURL))
			}
			return anyllm.New(providerName, c.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(c config.LLMConfig) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if c.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(c.BaseURL))
		}
		return anyllm.New("ollama", c.Model, opts...)
	})

	for _, name := range reg.RegisteredLLMs() {
		slog.Debug("registered llm provider", "name", name)
	}
}

// buildGateway creates the LLM gateway from the configured provider, wrapped
// in a circuit breaker. Returns nil when no provider is configured, which
// disables LLM bootstrap and agent extraction.
func buildGateway(cfg *config.Config, reg *config.Registry) (*gateway.Gateway, error) {
	name := cfg.LLM.Provider
	if name == "" {
		slog.Warn("no llm provider configured — sessions run on local rules only")
		return nil, nil
	}

	p, err := reg.CreateLLM(cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("create llm provider %q: %w", name, err)
	}
	slog.Info("llm provider created", "name", name, "model", cfg.LLM.Model)

	guarded := resilience.NewLLMFallback(p, name, resilience.FallbackConfig{})

	opts := []gateway.Option{gateway.WithJSONOnly(true), gateway.WithProviderName(name)}
	if cfg.LLM.RequestTimeout > 0 {
		opts = append(opts, gateway.WithTimeout(cfg.LLM.RequestTimeout.Std()))
	}
	if cfg.LLM.MaxTokens > 0 {
		opts = append(opts, gateway.WithMaxTokens(cfg.LLM.MaxTokens))
	}
	if cfg.LLM.Temperature > 0 {
		opts = append(opts, gateway.WithTemperature(cfg.LLM.Temperature))
	}
	return gateway.New(guarded, opts...), nil
}

// buildBootstrapper returns the LLM card analyser, or nil when LLM bootstrap
// is unavailable.
func buildBootstrapper(cfg *config.Config, gw *gateway.Gateway) engine.Bootstrapper {
	if gw == nil || !cfg.SlidingWindow.EnableEnhancedAgent {
		return nil
	}
	return extract.NewAgent(gw)
}

// extractorFactory builds the per-session extraction chain. The LLM agent is
// the primary when enabled; the deterministic rule extractor always sits at
// the tail so extraction never fails outright.
func extractorFactory(cfg *config.Config, gw *gateway.Gateway) func(g *graph.Graph) window.Extractor {
	useAgent := gw != nil && cfg.SlidingWindow.EnableEnhancedAgent
	return func(g *graph.Graph) window.Extractor {
		rules := extract.NewLocalRules(g.ActiveNodes)
		if !useAgent {
			return resilience.NewExtractorChain(rules, "local_rules", resilience.FallbackConfig{})
		}
		chain := resilience.NewExtractorChain(extract.NewAgent(gw), "llm_agent", resilience.FallbackConfig{})
		chain.AddFallback("local_rules", rules)
		return chain
	}
}

// persisterFactory selects the per-session persistence backend: PostgreSQL
// when a DSN is configured, flat files otherwise.
func persisterFactory(store *storage.Manager, pg *postgres.Store) func(sessionID string, isTest bool) engine.Persister {
	return func(sessionID string, isTest bool) engine.Persister {
		if pg != nil {
			return pg
		}
		return &engine.FilePersister{
			GraphPath:    store.GraphPath(sessionID, isTest),
			EntitiesPath: store.EntitiesPath(sessionID, isTest),
		}
	}
}

// graphLoader restores a previously persisted graph. A miss is not an error;
// the session starts empty.
func graphLoader(store *storage.Manager, pg *postgres.Store) func(ctx context.Context, sessionID string, isTest bool) (*graph.Graph, bool) {
	return func(ctx context.Context, sessionID string, isTest bool) (*graph.Graph, bool) {
		if pg != nil {
			g, err := pg.LoadGraph(ctx, sessionID)
			if err != nil || g.Stats().Nodes == 0 {
				return nil, false
			}
			return g, true
		}
		g := graph.New()
		if err := g.Load(store.GraphPath(sessionID, isTest)); err != nil {
			return nil, false
		}
		return g, true
	}
}

// ── Health checks ─────────────────────────────────────────────────────────────

func buildCheckers(cfg *config.Config, pg *postgres.Store) []health.Checker {
	checkers := []health.Checker{
		{
			Name: "storage",
			Check: func(ctx context.Context) error {
				probe := filepath.Join(cfg.Storage.DataDir, ".readiness_probe")
				if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
					return fmt.Errorf("data dir not writable: %w", err)
				}
				return os.Remove(probe)
			},
		},
	}
	if pg != nil {
		checkers = append(checkers, health.Checker{
			Name:  "postgres",
			Check: pg.Ping,
		})
	}
	return checkers
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       EchoGraph — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("LLM", providerLabel(cfg.LLM))
	if cfg.Storage.PostgresDSN != "" {
		printRow("Storage", "postgres")
	} else {
		printRow("Storage", cfg.Storage.DataDir)
	}
	printRow("Window", fmt.Sprintf("%d turns / delay %d", cfg.SlidingWindow.WindowSize, cfg.SlidingWindow.ProcessingDelay))
	if cfg.SlidingWindow.EnableEnhancedAgent {
		printRow("Extraction", "llm agent + rules")
	} else {
		printRow("Extraction", "local rules")
	}
	printRow("Listen", fmt.Sprintf("%s:%d", cfg.APIServer.Host, cfg.APIServer.Port))
	fmt.Println("╚═══════════════════════════════════════╝")
}

func providerLabel(c config.LLMConfig) string {
	if c.Provider == "" {
		return "(not configured)"
	}
	if c.Model != "" {
		return c.Provider + " / " + c.Model
	}
	return c.Provider
}

func printRow(kind, value string) {
	if len([]rune(value)) > 23 {
		value = string([]rune(value)[:22]) + "…"
	}
	fmt.Printf("║  %-10s : %-23s ║\n", kind, value)
}

// ── Logger ────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
