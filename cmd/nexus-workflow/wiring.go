package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/haasonsaas/nexus-workflow/internal/observability"
	"github.com/haasonsaas/nexus-workflow/internal/orchestrator"
	"github.com/haasonsaas/nexus-workflow/internal/retrieval"
	"github.com/haasonsaas/nexus-workflow/internal/toolregistry"
	"github.com/haasonsaas/nexus-workflow/internal/wfcache"
	"github.com/haasonsaas/nexus-workflow/internal/wfconfig"
	"github.com/haasonsaas/nexus-workflow/internal/wfmetrics"
	"github.com/haasonsaas/nexus-workflow/internal/wftemplates"
)

// runTimeout bounds a single Chat/ChatStream call when the loaded
// configuration doesn't say otherwise.
const runTimeout = 2 * time.Minute

// eventTimelineCapacity bounds the in-memory run/tool/cache event timeline
// kept for debugging and replay; oldest events are evicted once exceeded.
const eventTimelineCapacity = 10000

// buildOrchestrator loads configPath and wires every dependency
// internal/orchestrator.Config needs. The returned shutdown func flushes
// the tracer and should be deferred by the caller.
func buildOrchestrator(configPath string) (*orchestrator.Orchestrator, func(context.Context) error, error) {
	cfg, err := wfconfig.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	store, err := wfconfig.BuildConversationStore(cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("build conversation store: %w", err)
	}

	providerRegistry, err := wfconfig.BuildProviders(*cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("build providers: %w", err)
	}

	security := wfconfig.BuildSecurity(cfg.Security)

	templates := wftemplates.NewRegistry()
	wfconfig.ApplyTemplates(templates, cfg.Templates)

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: os.Stderr,
	})

	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: cfg.Tracing.ServiceVersion,
		Environment:    cfg.Tracing.Environment,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
	})

	eventStore := observability.NewMemoryEventStore(eventTimelineCapacity)

	orch := orchestrator.New(orchestrator.Config{
		Conversations:   store,
		Providers:       providerRegistry,
		Tools:           toolregistry.New(),
		Security:        security,
		Cache:           wfcache.New(cfg.Cache.Capacity),
		Templates:       templates,
		Retrievers:      retrieval.NewRegistry(),
		Metrics:         wfmetrics.New(),
		Logger:          logger,
		Tracer:          tracer,
		ObsMetrics:      observability.NewMetrics(),
		Events:          observability.NewEventRecorder(eventStore, logger),
		DefaultProvider: cfg.DefaultProvider,
		RunTimeout:      runTimeout,
	})

	return orch, shutdown, nil
}

// defaultConfigPath is tried by every subcommand's --config flag when the
// caller doesn't override it.
const defaultConfigPath = "nexus-workflow.yaml"
