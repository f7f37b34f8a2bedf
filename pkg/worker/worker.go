// Package worker is the public SDK surface embedding applications import:
// register processor/criterion implementations and entity models at
// startup, then hand control to Run for the lifetime of the process.
//
// Everything under internal/ is wired together here exactly once, the same
// composition-root role the teacher's cmd/fx.go plays for its own
// service/store/handler graph — except this module exposes the wiring as a
// plain constructor + method pair rather than an fx.App, since the thing
// being embedded is a library, not a standalone binary.
package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cyoda-platform/cyoda-worker-go/config"
	"github.com/cyoda-platform/cyoda-worker-go/internal/auth"
	"github.com/cyoda-platform/cyoda-worker-go/internal/codec"
	"github.com/cyoda-platform/cyoda-worker-go/internal/dispatcher"
	"github.com/cyoda-platform/cyoda-worker-go/internal/domain/model"
	"github.com/cyoda-platform/cyoda-worker-go/internal/entityservice"
	"github.com/cyoda-platform/cyoda-worker-go/internal/outbox"
	"github.com/cyoda-platform/cyoda-worker-go/internal/registry"
	"github.com/cyoda-platform/cyoda-worker-go/internal/session"
	"github.com/cyoda-platform/cyoda-worker-go/internal/supervisor"
	"github.com/cyoda-platform/cyoda-worker-go/internal/telemetry"
)

// version is stamped into the OTLP resource's service.version attribute.
// Overridden at link time with -ldflags "-X .../pkg/worker.version=...".
var version = "dev"

// Worker collects processor/criterion/model registrations ahead of Run.
// Build one with New, register everything the embedding application needs,
// then call Run; Run blocks until ctx is cancelled or the connection is
// torn down in a way spec.md §7 treats as fatal.
type Worker struct {
	reg *registry.Registry
	cod *codec.Codec

	entities *entityservice.Client
}

// New returns an empty Worker ready for registration.
func New() *Worker {
	return &Worker{
		reg: registry.New(),
		cod: codec.New(),
	}
}

// RegisterProcessor registers a processor implementation under (name,
// version). name must exactly match the processorName the platform sends
// in an EntityProcessorCalculationRequest frame.
func (w *Worker) RegisterProcessor(name string, version int32, key model.ModelKey, fn model.ProcessorFunc) error {
	return w.reg.RegisterProcessor(name, version, key, fn)
}

// RegisterCriterion registers a criterion implementation under (name,
// version).
func (w *Worker) RegisterCriterion(name string, version int32, key model.ModelKey, fn model.CriterionFunc) error {
	return w.reg.RegisterCriterion(name, version, key, fn)
}

// RegisterModel registers the entity descriptor the codec decodes and
// encodes payloads against for one (modelName, modelVersion) pair. Must be
// called for every model a registered processor or criterion addresses.
func (w *Worker) RegisterModel(d model.EntityDescriptor) error {
	return w.cod.Register(d)
}

// EntityService returns the platform's entity REST client, available to
// registered handlers once Run has started. Returns nil if cfg.EntityServiceBaseURL
// was left blank.
func (w *Worker) EntityService() *entityservice.Client {
	return w.entities
}

// Run builds the full runtime graph from cfg (Auth Provider, gRPC Dialer,
// Codec, Registry, Dispatcher, Outbox, Stream Session, Supervisor) and
// drives it until ctx is cancelled or a fatal condition (spec.md §7) ends
// it. Run freezes the Registry and Codec, so RegisterProcessor/
// RegisterCriterion/RegisterModel panic if called once Run has reached that
// point.
func (w *Worker) Run(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := telemetry.NewLogger(telemetry.LoggerConfig{Level: cfg.LogLevel, Format: cfg.LogFormat})
	metrics := telemetry.NewMetrics()

	if cfg.TracingEndpoint != "" {
		tp, err := telemetry.NewTracerProvider(ctx, telemetry.TracerConfig{
			ServiceName:    cfg.WorkerSource,
			ServiceVersion: version,
			Endpoint:       cfg.TracingEndpoint,
			Insecure:       cfg.TracingInsecure,
		})
		if err != nil {
			return fmt.Errorf("worker: start tracing: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout)
			defer cancel()
			_ = tp.Shutdown(shutdownCtx)
		}()
	}

	if cfg.EntityServiceBaseURL != "" {
		ecfg := entityservice.DefaultConfig()
		ecfg.BaseURL = cfg.EntityServiceBaseURL
		if cfg.EntityCacheSize > 0 {
			ecfg.CacheSize = cfg.EntityCacheSize
		}
		w.entities = entityservice.New(ecfg)
	}

	w.reg.Freeze()
	w.cod.Freeze()

	authProvider := auth.New(auth.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.AuthTokenURL,
	})

	ob := outbox.New(cfg.OutboxCapacity, logger, nil)
	ob.SetMetrics(metrics)
	sink := session.NewDispatchSink(ob, cfg.WorkerSource)

	dispCfg := dispatcher.Config{
		ProcessorConcurrency:     cfg.ProcessorConcurrency,
		CriterionConcurrency:     cfg.CriterionConcurrency,
		InboundQueueDepth:        cfg.InboundQueueDepth,
		ProcessorDefaultTimeout:  cfg.ProcessorDefaultTimeout,
		CriterionDefaultTimeout:  cfg.CriterionDefaultTimeout,
		GraceTimeout:             cfg.GraceTimeout,
		OverloadRetryAfterMillis: cfg.OverloadRetryAfterMillis,
	}
	disp := dispatcher.New(dispCfg, w.reg, w.cod, sink, logger)
	disp.SetMetrics(metrics)

	if err := config.WatchTuning(cfg.TuningFilePath, func(reloaded *config.Config) {
		disp.UpdateTuning(dispatcher.Config{
			ProcessorConcurrency:     reloaded.ProcessorConcurrency,
			CriterionConcurrency:     reloaded.CriterionConcurrency,
			InboundQueueDepth:        reloaded.InboundQueueDepth,
			ProcessorDefaultTimeout:  reloaded.ProcessorDefaultTimeout,
			CriterionDefaultTimeout:  reloaded.CriterionDefaultTimeout,
			GraceTimeout:             reloaded.GraceTimeout,
			OverloadRetryAfterMillis: reloaded.OverloadRetryAfterMillis,
		})
	}); err != nil {
		return fmt.Errorf("worker: watch tuning file: %w", err)
	}

	dialer, closeDialer, err := newGRPCDialer(cfg, logger)
	if err != nil {
		return fmt.Errorf("worker: dial setup: %w", err)
	}
	defer closeDialer()

	sessCfg := session.Config{
		Source:             cfg.WorkerSource,
		ProcessID:          cfg.ProcessID,
		HandshakeTimeout:   cfg.HandshakeTimeout,
		KeepAliveInterval:  cfg.KeepAliveInterval,
		TokenRenewalMargin: cfg.TokenRenewalMargin,
		DrainTimeout:       cfg.DrainTimeout,
	}

	newSession := func() *session.Session {
		sess := session.New(sessCfg, dialer, authProvider, w.reg, disp, ob, logger)
		sess.SetMetrics(metrics)
		ob.SetResetFn(session.NewOutboxResetFn(sess))
		return sess
	}

	svCfg := supervisor.Config{
		BackoffMin:      cfg.ReconnectBackoffMin,
		BackoffMax:      cfg.ReconnectBackoffMax,
		MaxAuthAttempts: cfg.MaxAuthAttempts,
	}
	sv := supervisor.New(svCfg, newSession, logger)
	sv.SetMetrics(metrics)

	logger.Info("WORKER_STARTING",
		slog.String("grpc_endpoint", cfg.GRPCEndpoint),
		slog.String("worker_source", cfg.WorkerSource),
	)
	return sv.Run(ctx)
}
