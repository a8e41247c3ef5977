package main

import (
	"context"
	"fmt"
	"os"

	"github.com/loomhq/loom/internal/config"
	"github.com/loomhq/loom/internal/engine"
	"github.com/loomhq/loom/internal/observability"
	"github.com/loomhq/loom/internal/providers"
	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/internal/threads"
	"github.com/loomhq/loom/internal/tools"
	"github.com/loomhq/loom/internal/usage"
)

// runtime holds the wired components every command needs. Build it once
// per process; the metrics collectors register on the default registry.
type runtime struct {
	cfg       *config.Config
	logger    *observability.Logger
	metrics   *observability.Metrics
	tracer    *observability.Tracer
	store     store.Store
	threads   *threads.Engine
	engine    *engine.Engine
	registry  *engine.Registry
	approvals *engine.ApprovalRequestStore
	usage     *usage.Recorder
	events    observability.EventStore

	closers []func(context.Context) error
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func buildRuntime(configPath string) (*runtime, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}

	r := &runtime{cfg: cfg}
	r.logger = observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: os.Stderr,
	})
	r.metrics = observability.NewMetrics()

	if cfg.Observability.Tracing.Enabled {
		tracer, shutdown := observability.NewTracer(observability.TraceConfig{
			ServiceName:    cfg.Observability.Tracing.ServiceName,
			ServiceVersion: version,
			Endpoint:       cfg.Observability.Tracing.Endpoint,
			SamplingRate:   cfg.Observability.Tracing.SampleRate,
		})
		r.tracer = tracer
		r.closers = append(r.closers, shutdown)
	}

	if err := r.buildStore(); err != nil {
		return nil, err
	}

	r.threads = threads.NewEngine(r.store, r.logger, r.metrics, r.tracer)

	r.registry = engine.NewRegistry()
	r.registry.Register(tools.NewClockTool())
	if cfg.Tools.Workspace != "" {
		r.registry.Register(tools.NewReadFileTool(cfg.Tools.Workspace, cfg.Tools.MaxReadBytes))
	}
	if cfg.Tools.HTTPFetch.Enabled {
		r.registry.Register(tools.NewHTTPFetchTool(cfg.Tools.HTTPFetch.MaxBytes, cfg.Tools.HTTPFetch.ReturnDirect))
	}

	r.events = observability.NewMemoryEventStore(0)
	recorder := observability.NewEventRecorder(r.events, r.logger)

	r.approvals = engine.NewApprovalRequestStore()
	gate := engine.NewPolicyGate(&cfg.Approval, r.approvals)
	executor := engine.NewExecutor(r.registry, gate, &engine.ExecutorConfig{
		MaxConcurrency: cfg.Engine.MaxConcurrency,
		DefaultTimeout: cfg.Engine.ToolTimeout,
		DefaultRetries: cfg.Engine.ToolRetries,
		RetryBackoff:   cfg.Engine.RetryBackoff,
	})
	executor.SetEvents(recorder)

	r.engine = engine.New(engine.Options{
		Threads:  r.threads,
		Store:    r.store,
		Registry: r.registry,
		Executor: executor,
		Gate:     gate,
		Usage:    r.usage,
		Logger:   r.logger,
		Metrics:  r.metrics,
		Tracer:   r.tracer,
		Events:   recorder,
		Config:   &engine.Config{MaxRounds: cfg.Engine.MaxRounds},
	})

	return r, nil
}

func (r *runtime) buildStore() error {
	switch r.cfg.Store.Backend {
	case "memory":
		r.store = store.NewMemoryStore()
		r.usage = usage.NewRecorder(usage.NewMemoryStore(), r.logger, r.metrics)
		return nil
	case "sqlite":
		st, err := store.NewSQLiteStore(r.cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		r.store = st
		r.closers = append(r.closers, func(context.Context) error { return st.Close() })

		ustore, err := usage.NewSQLiteStore(st.DB())
		if err != nil {
			return fmt.Errorf("open usage store: %w", err)
		}
		r.usage = usage.NewRecorder(ustore, r.logger, r.metrics)
		return nil
	default:
		return fmt.Errorf("unknown store backend %q", r.cfg.Store.Backend)
	}
}

// registerProviders wires every provider that has credentials, from config
// or from the conventional environment variables.
func (r *runtime) registerProviders(ctx context.Context) error {
	registered := 0

	if key := firstNonEmpty(r.cfg.Providers.Anthropic.APIKey, os.Getenv("ANTHROPIC_API_KEY")); key != "" {
		p, err := providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:       key,
			BaseURL:      r.cfg.Providers.Anthropic.BaseURL,
			DefaultModel: r.cfg.Providers.Anthropic.DefaultModel,
		})
		if err != nil {
			return fmt.Errorf("anthropic provider: %w", err)
		}
		r.engine.RegisterProvider(p)
		registered++
	}

	if key := firstNonEmpty(r.cfg.Providers.OpenAI.APIKey, os.Getenv("OPENAI_API_KEY")); key != "" {
		p, err := providers.NewOpenAIProvider(providers.OpenAIConfig{
			APIKey:       key,
			BaseURL:      r.cfg.Providers.OpenAI.BaseURL,
			DefaultModel: r.cfg.Providers.OpenAI.DefaultModel,
		})
		if err != nil {
			return fmt.Errorf("openai provider: %w", err)
		}
		r.engine.RegisterProvider(p)
		registered++
	}

	if key := firstNonEmpty(r.cfg.Providers.Google.APIKey, os.Getenv("GEMINI_API_KEY")); key != "" {
		p, err := providers.NewGoogleProvider(ctx, providers.GoogleConfig{
			APIKey:       key,
			DefaultModel: r.cfg.Providers.Google.DefaultModel,
			XMLTools:     r.cfg.Providers.Google.XMLTools,
		})
		if err != nil {
			return fmt.Errorf("google provider: %w", err)
		}
		r.engine.RegisterProvider(p)
		registered++
	}

	if registered == 0 {
		return fmt.Errorf("no provider credentials found; set an API key in the config or environment")
	}
	return nil
}

func (r *runtime) Close(ctx context.Context) {
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](ctx); err != nil {
			r.logger.Warn(ctx, "shutdown step failed", "error", err)
		}
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
