package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/bagtrail/bagtrail/pkg/agents"
	"github.com/bagtrail/bagtrail/pkg/config"
	"github.com/bagtrail/bagtrail/pkg/engine"
	"github.com/bagtrail/bagtrail/pkg/events"
	"github.com/bagtrail/bagtrail/pkg/policy"
	"github.com/bagtrail/bagtrail/pkg/stores"
	"github.com/bagtrail/bagtrail/pkg/telemetry"
)

// runtime bundles the wired subsystems behind every command.
type runtime struct {
	cfg          *config.Config
	logger       *telemetry.Logger
	metrics      *telemetry.Metrics
	tracer       *telemetry.Tracer
	store        *stores.SQLiteStore
	policies     *policy.Engine
	invoker      *agents.StaticInvoker
	orchestrator *engine.Orchestrator
	processor    *events.Processor
}

// newRuntime loads the configuration and wires the store, telemetry, policy
// engine and orchestrator. Close must be called when the command finishes.
func newRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	tc := cfg.ToTelemetry("dev")
	if verbose {
		tc.Logging.Level = "debug"
	}

	logger, err := telemetry.NewLogger(tc.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	var metrics *telemetry.Metrics
	if tc.Metrics.Enabled {
		metrics, err = telemetry.NewMetrics(tc.Metrics)
		if err != nil {
			return nil, fmt.Errorf("failed to create metrics: %w", err)
		}
	}

	tracer, err := telemetry.NewTracer(tc.Tracing, tc.ServiceName, tc.ServiceVersion, tc.Environment)
	if err != nil {
		return nil, fmt.Errorf("failed to create tracer: %w", err)
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Store.Path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, err
	}

	policies, err := policy.NewEngine(logger.Zerolog())
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to create policy engine: %w", err)
	}
	if len(cfg.Approval.PolicyPaths) > 0 {
		if err := policies.LoadPolicies(ctx, cfg.Approval.PolicyPaths); err != nil {
			store.Close()
			return nil, err
		}
	}

	invoker := agents.NewStaticInvoker()

	orchestrator, err := engine.NewOrchestrator(store, invoker, policies, logger, metrics, tracer, engine.Options{
		AgentTimeout:         cfg.Engine.AgentTimeout(),
		ApprovalPollInterval: cfg.Engine.ApprovalPollInterval(),
		MaxSteps:             cfg.Engine.MaxSteps,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	processor := events.NewProcessor(store, invoker, nil, logger, metrics)

	return &runtime{
		cfg:          cfg,
		logger:       logger,
		metrics:      metrics,
		tracer:       tracer,
		store:        store,
		policies:     policies,
		invoker:      invoker,
		orchestrator: orchestrator,
		processor:    processor,
	}, nil
}

func (r *runtime) Close(ctx context.Context) {
	if r.tracer != nil {
		if err := r.tracer.Shutdown(ctx); err != nil {
			r.logger.WithError(err).Warn("Tracer shutdown failed")
		}
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.WithError(err).Warn("Store close failed")
		}
	}
}

func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.Load(configPath)
}

// printJSON writes v as indented JSON to stdout.
func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
