// Package kernel wires storyloom's long-lived services from configuration:
// the checkpoint store, backend clients, pipeline stages, orchestrator,
// metrics and the HTTP server. The serve and play commands share it.
package kernel

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"storyloom/pkg/agent"
	"storyloom/pkg/agent/llm"
	llmmetrics "storyloom/pkg/agent/middleware/metrics"
	"storyloom/pkg/config"
	"storyloom/pkg/logx"
	"storyloom/pkg/metrics"
	"storyloom/pkg/orchestrator"
	"storyloom/pkg/persistence"
	"storyloom/pkg/pipeline"
	"storyloom/pkg/state"
	"storyloom/pkg/templates"
	"storyloom/pkg/webui"
)

// Options adjust kernel construction.
type Options struct {
	// RawClient replaces the provider SDK constructors. Tests use it to
	// inject scripted clients while keeping the middleware chain.
	RawClient agent.RawClientFunc
	// SkipBackends builds only the store, for inspection commands.
	SkipBackends bool
}

// Kernel owns every long-lived service and their lifecycle.
type Kernel struct {
	ctx    context.Context //nolint:containedctx // Required for kernel lifecycle management
	cancel context.CancelFunc

	Config *config.Config
	Logger *logx.Logger

	Store        persistence.CheckpointStore
	Registry     *prometheus.Registry
	Usage        *llmmetrics.InternalRecorder
	UsageSource  metrics.UsageSource
	LLMFactory   *agent.LLMClientFactory
	Orchestrator *orchestrator.Orchestrator
	WebServer    *webui.Server

	webDone <-chan error
}

// NewKernel creates a kernel with all services constructed but not started.
func NewKernel(parent context.Context, cfg *config.Config, opts Options) (*Kernel, error) {
	ctx, cancel := context.WithCancel(parent)

	k := &Kernel{
		ctx:    ctx,
		cancel: cancel,
		Config: cfg,
		Logger: logx.NewLogger("kernel"),
	}

	if err := k.initializeServices(opts); err != nil {
		cancel()
		if k.Store != nil {
			_ = k.Store.Close()
		}
		return nil, fmt.Errorf("failed to initialize kernel services: %w", err)
	}
	return k, nil
}

func (k *Kernel) initializeServices(opts Options) error {
	var err error
	k.Store, err = OpenStore(k.Config.Store)
	if err != nil {
		return err
	}
	if opts.SkipBackends {
		return nil
	}

	k.initializeMetrics()

	recorder := llmmetrics.Recorder(k.Usage)
	var turnRecorder metrics.TurnRecorder = metrics.NopTurnRecorder{}
	if k.Registry != nil {
		recorder = llmmetrics.Multi(k.Usage, llmmetrics.NewPrometheusRecorder(k.Registry, k.Config.Metrics.Namespace))
		turnRecorder = metrics.NewTurnMetrics(k.Registry, k.Config.Metrics.Namespace)
	}

	k.LLMFactory = agent.NewLLMClientFactory(*k.Config, recorder)
	if opts.RawClient != nil {
		k.LLMFactory.WithRawClient(opts.RawClient)
	}
	creative, err := k.LLMFactory.CreateClient(llm.TierCreative)
	if err != nil {
		return fmt.Errorf("failed to create creative client: %w", err)
	}
	fast, err := k.LLMFactory.CreateClient(llm.TierFast)
	if err != nil {
		return fmt.Errorf("failed to create fast client: %w", err)
	}

	renderer, err := templates.NewRenderer()
	if err != nil {
		return fmt.Errorf("failed to load prompt templates: %w", err)
	}

	storyCfg := k.Config.Story
	extractor, err := pipeline.NewExtractor(storyCfg.PatchShape, fast, renderer, storyCfg.ExtractMaxTokens)
	if err != nil {
		return fmt.Errorf("failed to create extractor: %w", err)
	}

	k.Orchestrator, err = orchestrator.New(orchestrator.Deps{
		Store:        k.Store,
		WorldBuilder: pipeline.NewWorldBuilder(creative, renderer, storyCfg.WorldMaxTokens),
		Storyteller: pipeline.NewStoryteller(creative, renderer, pipeline.StorytellerConfig{
			TailChars:           storyCfg.ProseTailChars,
			SegmentMaxTokens:    storyCfg.SegmentMaxTokens,
			ResolutionMaxTokens: storyCfg.ResolutionMaxTokens,
			ResolveOpenTension:  storyCfg.ShouldResolveOpenTension(),
		}),
		Extractor: extractor,
		Recorder:  turnRecorder,
		OnDelete:  k.Usage.Forget,
	}, orchestrator.Config{
		MaxTurns:    storyCfg.MaxTurns,
		LockTimeout: k.Config.Orchestrator.LockTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}

	webOpts := webui.Options{
		CORSOrigins: k.Config.Server.CORSOrigins,
		Password:    config.GetServerPassword(k.Config),
	}
	if k.Registry != nil {
		webOpts.MetricsHandler = promhttp.HandlerFor(k.Registry, promhttp.HandlerOpts{Registry: k.Registry})
	}
	k.WebServer = webui.NewServer(k.Orchestrator, k.UsageSource, webOpts)

	k.Logger.Info("Kernel services initialized (creative=%s fast=%s store=%s patch_shape=%s max_turns=%d)",
		creative.GetModelName(), fast.GetModelName(), k.Config.Store.Driver, storyCfg.PatchShape, storyCfg.MaxTurns)
	return nil
}

// initializeMetrics sets up the in-process usage recorder and, when enabled,
// a dedicated Prometheus registry.
func (k *Kernel) initializeMetrics() {
	k.Usage = llmmetrics.NewInternalRecorder()
	k.UsageSource = metrics.NewInternalUsage(k.Usage)

	if k.Config.Metrics.Enabled {
		k.Registry = prometheus.NewRegistry()
		k.Registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	if url := k.Config.Metrics.PrometheusURL; url != "" {
		query, err := metrics.NewQueryService(url, k.Config.Metrics.Namespace)
		if err != nil {
			k.Logger.Warn("Prometheus usage queries disabled, falling back to in-process totals: %v", err)
			return
		}
		k.UsageSource = query
	}
}

// OpenStore opens the configured checkpoint store, creating parent directories.
func OpenStore(cfg config.StoreConfig) (persistence.CheckpointStore, error) {
	switch cfg.Driver {
	case config.StoreDriverFile:
		store, err := state.NewStore(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open file store %s: %w", cfg.Path, err)
		}
		return store, nil
	case config.StoreDriverSQLite, "":
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		store, err := persistence.Open(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open database %s: %w", cfg.Path, err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// StartWebUI starts the HTTP server on the configured address. The returned
// channel reports a serve failure and closes when the server stops.
func (k *Kernel) StartWebUI() (<-chan error, error) {
	if k.WebServer == nil {
		return nil, fmt.Errorf("web server not initialized")
	}
	done, err := k.WebServer.StartServer(k.ctx, k.Config.Server.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to start web server: %w", err)
	}
	k.webDone = done
	return done, nil
}

// Handler returns the HTTP handler without binding a port.
func (k *Kernel) Handler() http.Handler {
	return k.WebServer.Handler()
}

// Context returns the kernel's lifecycle context.
func (k *Kernel) Context() context.Context {
	return k.ctx
}

// Stop cancels the kernel context, waits for the web server to drain
// in-flight requests, then closes the store.
func (k *Kernel) Stop() error {
	k.Logger.Info("Stopping kernel services...")
	k.cancel()
	if k.webDone != nil {
		for range k.webDone { //nolint:revive // drain until closed
		}
	}

	if k.Store != nil {
		if err := k.Store.Close(); err != nil {
			return fmt.Errorf("failed to close store: %w", err)
		}
	}
	k.Logger.Info("Kernel services stopped")
	return nil
}
