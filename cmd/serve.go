package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/zjrosen/maestro/internal/log"
	"github.com/zjrosen/maestro/internal/orchestration/health"
	"github.com/zjrosen/maestro/internal/orchestration/mcp"
	"github.com/zjrosen/maestro/internal/orchestration/mux"
	"github.com/zjrosen/maestro/internal/orchestration/phase"
	"github.com/zjrosen/maestro/internal/orchestration/registry"
	"github.com/zjrosen/maestro/internal/orchestration/snapshot"
	"github.com/zjrosen/maestro/internal/orchestration/supervisor"
	"github.com/zjrosen/maestro/internal/orchestration/workflow"
)

// shutdownFlushTimeout bounds the final trace flush on exit.
const shutdownFlushTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestration daemon",
	Long: `Start the maestro daemon: the tool server coordinator agents connect to,
the background health scan, and the registry snapshot reconciler.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := setupLogging(); err != nil {
		return err
	}
	defer log.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := registry.NewStore(cfg.WorkspaceBase)
	adapter := mux.NewTmux(cfg.Agent.MuxBinary)
	sup := supervisor.New(store, adapter, &cfg)
	defer sup.Close()
	engine := phase.NewEngine(store, sup, &cfg)

	templates, err := workflow.NewRegistry(cfg.Orchestration.TemplateDir)
	if err != nil {
		return fmt.Errorf("loading phase templates: %w", err)
	}

	reconciler, err := snapshot.NewReconciler(store)
	if err != nil {
		return fmt.Errorf("starting snapshot reconciler: %w", err)
	}
	if err := trackExistingTasks(store, reconciler); err != nil {
		return err
	}
	log.SafeGo("snapshot.reconciler", func() {
		reconciler.Run(ctx)
	})

	daemon := health.New(health.Config{
		Store:         store,
		Mux:           adapter,
		Supervisor:    sup,
		Engine:        engine,
		ScanInterval:  cfg.Orchestration.HealthScanInterval,
		ReviewTimeout: cfg.Orchestration.ReviewTimeout,
	})
	if err := daemon.Start(ctx); err != nil {
		return fmt.Errorf("starting health daemon: %w", err)
	}
	defer daemon.Stop()

	server := mcp.NewCoordinatorServer(store, sup, engine, daemon, templates)

	shutdown, err := setupTracing(ctx, server)
	if err != nil {
		return err
	}
	defer shutdown()

	log.Info(log.CatConfig, "Maestro daemon starting",
		"addr", cfg.ListenAddr, "workspace", cfg.WorkspaceBase)
	return server.Serve(ctx, cfg.ListenAddr)
}

// trackExistingTasks registers every non-terminal task with the snapshot
// reconciler so their query databases stay warm across daemon restarts.
func trackExistingTasks(store *registry.Store, reconciler *snapshot.Reconciler) error {
	entries, err := store.ListTasks()
	if err != nil {
		return fmt.Errorf("listing tasks: %w", err)
	}
	for _, entry := range entries {
		if entry.Status.IsTerminal() {
			continue
		}
		if err := reconciler.Track(entry.ID); err != nil {
			log.ErrorErr(log.CatSnapshot, "Failed to track task snapshot", err, "taskID", entry.ID)
		}
	}
	return nil
}

// setupTracing configures span export per config and hands the tracer to
// the tool server. The returned func flushes the provider on shutdown.
func setupTracing(ctx context.Context, server *mcp.CoordinatorServer) (func(), error) {
	var exporter sdktrace.SpanExporter
	var err error

	switch cfg.Tracing.Exporter {
	case "", "none":
		return func() {}, nil
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "otlp":
		exporter, err = otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.Tracing.OTLPEndpoint),
			otlptracegrpc.WithInsecure())
	default:
		return nil, fmt.Errorf("unknown tracing exporter %q", cfg.Tracing.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("creating trace exporter: %w", err)
	}

	provider := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	server.SetTracer(provider.Tracer("maestro"))

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownFlushTimeout)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			log.ErrorErr(log.CatConfig, "Trace provider shutdown failed", err)
		}
	}, nil
}
