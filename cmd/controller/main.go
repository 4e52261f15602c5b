package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/automaxprocs/maxprocs"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ahrav/analysis-armada/internal/app/analysis"
	"github.com/ahrav/analysis-armada/internal/app/cluster"
	"github.com/ahrav/analysis-armada/internal/config"
	domain "github.com/ahrav/analysis-armada/internal/domain/analysis"
	"github.com/ahrav/analysis-armada/internal/domain/events"
	"github.com/ahrav/analysis-armada/internal/infra/cluster/kubernetes"
	"github.com/ahrav/analysis-armada/internal/infra/cluster/standalone"
	eventdispatcher "github.com/ahrav/analysis-armada/internal/infra/event_dispatcher"
	"github.com/ahrav/analysis-armada/internal/infra/eventbus/kafka"
	"github.com/ahrav/analysis-armada/internal/infra/eventbus/memory"
	"github.com/ahrav/analysis-armada/internal/infra/eventbus/reliability"
	"github.com/ahrav/analysis-armada/internal/infra/eventbus/serialization"
	"github.com/ahrav/analysis-armada/internal/infra/executors/worker"
	"github.com/ahrav/analysis-armada/internal/infra/storage"
	memstore "github.com/ahrav/analysis-armada/internal/infra/storage/analysis/memory"
	pgstore "github.com/ahrav/analysis-armada/internal/infra/storage/analysis/postgres"
	"github.com/ahrav/analysis-armada/internal/infra/subjects"
	"github.com/ahrav/analysis-armada/pkg/common"
	"github.com/ahrav/analysis-armada/pkg/common/logger"
	"github.com/ahrav/analysis-armada/pkg/common/otel"
	"github.com/ahrav/analysis-armada/pkg/common/timeutil"
)

const (
	serviceType = "controller"
)

func main() {
	_, _ = maxprocs.Set()

	hostname, err := os.Hostname()
	if err != nil {
		log.Fatalf("failed to get hostname: %v", err)
	}

	cfg, err := config.Load(os.Getenv("ANALYSIS_CONFIG_FILE"))
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}
			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}
			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n", r.Message, errorAttrsJSON)
		},
	}

	svcName := fmt.Sprintf("ANALYSIS-CONTROLLER-%s", hostname)
	metadata := map[string]string{
		"service":   svcName,
		"hostname":  hostname,
		"pod":       os.Getenv("POD_NAME"),
		"namespace": os.Getenv("POD_NAMESPACE"),
		"app":       serviceType,
	}
	logr := logger.NewWithMetadata(os.Stdout, logger.ParseLevel(cfg.LogLevel), svcName, otel.GetTraceID, logEvents, metadata)

	if err := run(logr, cfg, hostname, svcName); err != nil {
		logr.Error(context.Background(), "controller stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(log *logger.Logger, cfg *config.Config, hostname, svcName string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// -------------------------------------------------------------------------
	// Telemetry

	var traceProvider trace.TracerProvider = tracenoop.NewTracerProvider()
	if cfg.Telemetry.ExporterEndpoint != "" {
		tp, telemetryTeardown, err := otel.InitTelemetry(log, otel.Config{
			ServiceName:      cfg.Telemetry.ServiceName,
			ExporterEndpoint: cfg.Telemetry.ExporterEndpoint,
			ExcludedRoutes: map[string]struct{}{
				"/v1/health":    {},
				"/v1/readiness": {},
			},
			Probability: cfg.Telemetry.SamplingRatio,
			ResourceAttributes: map[string]string{
				"library.language": "go",
				"k8s.pod.name":     os.Getenv("POD_NAME"),
				"k8s.namespace":    os.Getenv("POD_NAMESPACE"),
				"k8s.container.id": hostname,
			},
			InsecureExporter: cfg.Telemetry.Insecure,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize telemetry: %w", err)
		}
		defer telemetryTeardown(context.Background())
		traceProvider = tp
	}
	tracer := traceProvider.Tracer(cfg.Telemetry.ServiceName)
	mp := otel.GetMeterProvider()

	// -------------------------------------------------------------------------
	// Health, metrics and gRPC health

	ready := &atomic.Bool{}
	healthServer := common.NewHealthServer(cfg.Server.HealthAddr, ready)
	healthServer.Server().ErrorLog = logger.NewStdLogger(log, logger.LevelError)
	serverErrors := make(chan error, 3)
	go func() {
		log.Info(ctx, "startup", "status", "http health server started", "host", cfg.Server.HealthAddr)
		if err := healthServer.Server().ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- fmt.Errorf("health server: %w", err)
		}
	}()

	var metricsServer *http.Server
	if cfg.Server.MetricsAddr != "" {
		srv, err := common.NewMetricsServer(cfg.Server.MetricsAddr)
		if err != nil {
			return fmt.Errorf("failed to create metrics server: %w", err)
		}
		metricsServer = srv
		go func() {
			log.Info(ctx, "startup", "status", "metrics server started", "host", cfg.Server.MetricsAddr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErrors <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	var grpcServer *grpc.Server
	grpcHealth := health.NewServer()
	if cfg.Server.GRPCAddr != "" {
		grpcServer = grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler(
			otelgrpc.WithTracerProvider(traceProvider),
			otelgrpc.WithMeterProvider(mp),
		)))
		grpcHealth.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		healthpb.RegisterHealthServer(grpcServer, grpcHealth)

		grpcListener, err := net.Listen("tcp", cfg.Server.GRPCAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on gRPC port: %w", err)
		}
		go func() {
			log.Info(ctx, "startup", "status", "gRPC health server started", "host", cfg.Server.GRPCAddr)
			if err := grpcServer.Serve(grpcListener); err != nil {
				serverErrors <- fmt.Errorf("grpc server: %w", err)
			}
		}()
	}

	// -------------------------------------------------------------------------
	// Storage

	stores, closeStores, err := openStores(ctx, log, cfg, tracer)
	if err != nil {
		return err
	}
	defer closeStores()

	// -------------------------------------------------------------------------
	// Events

	bus, err := openEventBus(ctx, log, cfg, svcName, mp, tracer)
	if err != nil {
		return err
	}
	defer func() {
		if err := bus.Close(); err != nil {
			log.Error(context.Background(), "Failed to close event bus", "error", err)
		}
	}()
	publisher := reliability.NewRetryingPublisher(kafka.NewDomainEventPublisher(bus), cfg.Kafka.PublishRetry, log)

	// -------------------------------------------------------------------------
	// Leader election

	coord, err := newCoordinator(hostname, cfg, log, tracer)
	if err != nil {
		return err
	}

	// -------------------------------------------------------------------------
	// Analysis engine

	catalog, err := subjects.NewCatalog(cfg.Subjects.CatalogPath, cfg.Subjects.DemoPatterns)
	if err != nil {
		return fmt.Errorf("failed to load subject catalog: %w", err)
	}
	log.Info(ctx, "Subject catalog loaded", "subjects", catalog.Len(), "path", cfg.Subjects.CatalogPath)

	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)
	defer signal.Stop(reload)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-reload:
				if err := catalog.Reload(ctx); err != nil {
					log.Error(ctx, "Failed to reload subject catalog", "error", err)
					continue
				}
				log.Info(ctx, "Subject catalog reloaded", "subjects", catalog.Len())
			}
		}
	}()

	policy := cfg.AnalysisPolicy()
	if err := policy.Validate(); err != nil {
		return fmt.Errorf("invalid analysis policy: %w", err)
	}

	metricCollector, err := analysis.NewAnalysisMetrics(mp)
	if err != nil {
		return fmt.Errorf("failed to create metrics collector: %w", err)
	}

	clock := timeutil.Default()
	executorCfg := worker.DefaultConfig()
	executorCfg.TaskTimeout = cfg.Executor.TaskTimeout
	executorCfg.StateRetries = cfg.Executor.StateRetries
	executor := worker.NewExecutor(stores.workerTasks, executorCfg, clock, log, tracer)

	factory := analysis.NewStateMachineFactory(catalog, policy, clock, log, tracer)
	stateMachines := analysis.NewStateMachineService(
		stores.machines,
		worker.NewExecutorRegistry(executor),
		publisher,
		cfg.RetryPolicy(),
		clock,
		log,
		metricCollector,
		tracer,
	)
	orchestration := analysis.NewOrchestrationService(
		stores.orchestrators,
		stores.machines,
		factory,
		stateMachines,
		publisher,
		policy,
		clock,
		log,
		metricCollector,
		tracer,
	)

	// Requests and lifecycle events share one dispatcher; subscribing waits
	// until the orchestration service exists to receive requests.
	dispatcher := eventdispatcher.New(tracer, log)
	auditor := analysis.NewLifecycleAuditor(log)
	for _, et := range auditor.EventTypes() {
		dispatcher.RegisterHandler(ctx, et, auditor.HandleEvent)
	}
	requests := analysis.NewRequestHandler(orchestration, log, tracer)
	for _, et := range requests.EventTypes() {
		dispatcher.RegisterHandler(ctx, et, requests.HandleEvent)
	}
	if err := bus.Subscribe(ctx, dispatcher.EventTypes(), dispatcher.Dispatch); err != nil {
		return fmt.Errorf("failed to subscribe to analysis events: %w", err)
	}

	scheduler := analysis.NewScheduler(
		hostname,
		coord,
		stores.orchestrators,
		orchestration,
		stores.locker,
		cfg.SchedulerConfig(),
		clock,
		log,
		metricCollector,
		tracer,
	)

	log.Info(ctx, "Analysis controller initialized")
	ready.Store(true)
	grpcHealth.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	schedulerErr := make(chan error, 1)
	go func() { schedulerErr <- scheduler.Run(ctx) }()

	// -------------------------------------------------------------------------
	// Shutdown

	var runErr error
	select {
	case <-ctx.Done():
		log.Info(ctx, "shutdown", "status", "shutdown started")
	case err := <-schedulerErr:
		runErr = err
	case err := <-serverErrors:
		runErr = err
	}
	stop()

	ready.Store(false)
	grpcHealth.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := scheduler.Stop(); err != nil {
		log.Error(shutdownCtx, "Failed to stop scheduler", "error", err)
	}
	if err := healthServer.Server().Shutdown(shutdownCtx); err != nil {
		log.Error(shutdownCtx, "Error shutting down health server", "error", err)
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Error(shutdownCtx, "Error shutting down metrics server", "error", err)
		}
	}
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}

	log.Info(shutdownCtx, "shutdown", "status", "shutdown complete")
	return runErr
}

type repositories struct {
	machines      domain.StateMachineRepository
	orchestrators domain.OrchestratorRepository
	workerTasks   domain.WorkerTaskRepository
	locker        analysis.SubjectLocker
}

// openStores connects to Postgres when a database URL is configured and
// falls back to in-memory stores otherwise.
func openStores(
	ctx context.Context,
	log *logger.Logger,
	cfg *config.Config,
	tracer trace.Tracer,
) (repositories, func(), error) {
	if cfg.Database.URL == "" {
		log.Warn(ctx, "No database configured; analysis state is kept in memory")
		store := memstore.NewStore()
		return repositories{
			machines:      store,
			orchestrators: store,
			workerTasks:   memstore.NewWorkerTaskStore(),
			locker:        memstore.NewSubjectLocker(),
		}, func() {}, nil
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		return repositories{}, nil, fmt.Errorf("failed to parse db config: %w", err)
	}
	poolCfg.MinConns = cfg.Database.MinConns
	poolCfg.MaxConns = cfg.Database.MaxConns
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	var pool *pgxpool.Pool
	connect := func(ctx context.Context) error {
		p, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return err
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			return err
		}
		pool = p
		return nil
	}
	if err := common.ConnectWithRetry(ctx, log, "postgres", cfg.Database.ConnectTimeout, connect); err != nil {
		return repositories{}, nil, fmt.Errorf("failed to open db: %w", err)
	}

	if cfg.Database.MigrateOnStart {
		if err := storage.RunMigrations(pool); err != nil {
			pool.Close()
			return repositories{}, nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		log.Info(ctx, "Migrations applied successfully")
	}

	var locker analysis.SubjectLocker = memstore.NewSubjectLocker()
	if cfg.Database.UseAdvisoryLock {
		locker = pgstore.NewSubjectLocker(pool, tracer)
	}

	return repositories{
		machines:      pgstore.NewStateMachineStore(pool, tracer),
		orchestrators: pgstore.NewOrchestratorStore(pool, tracer),
		workerTasks:   pgstore.NewWorkerTaskStore(pool, tracer),
		locker:        locker,
	}, pool.Close, nil
}

// openEventBus connects to Kafka when brokers are configured and falls back
// to an in-process bus otherwise.
func openEventBus(
	ctx context.Context,
	log *logger.Logger,
	cfg *config.Config,
	clientID string,
	mp metric.MeterProvider,
	tracer trace.Tracer,
) (events.EventBus, error) {
	if len(cfg.Kafka.Brokers) == 0 {
		log.Warn(ctx, "No Kafka brokers configured; lifecycle events stay in-process")
		return memory.NewBus(log), nil
	}

	busMetrics, err := kafka.NewEventBusMetrics(mp)
	if err != nil {
		return nil, fmt.Errorf("failed to create event bus metrics: %w", err)
	}

	bus, err := kafka.ConnectEventBus(ctx, &kafka.Config{
		Brokers:        cfg.Kafka.Brokers,
		QueueTopic:     cfg.Kafka.QueueTopic,
		LifecycleTopic: cfg.Kafka.LifecycleTopic,
		RequestTopic:   cfg.Kafka.RequestTopic,
		GroupID:        cfg.Kafka.GroupID,
		ClientID:       clientID,
		ServiceType:    serviceType,
	}, serialization.NewAnalysisRegistry(), cfg.Kafka.ConnectTimeout, log, busMetrics, tracer)
	if err != nil {
		return nil, fmt.Errorf("failed to connect event bus: %w", err)
	}
	return bus, nil
}

func newCoordinator(
	hostname string,
	cfg *config.Config,
	log *logger.Logger,
	tracer trace.Tracer,
) (cluster.Coordinator, error) {
	if cfg.Cluster.Mode != "kubernetes" {
		return standalone.NewCoordinator(log), nil
	}

	k8sCfg := cfg.Cluster.Kubernetes
	coord, err := kubernetes.NewCoordinator(hostname, &k8sCfg, log, tracer)
	if err != nil {
		return nil, fmt.Errorf("failed to create coordinator: %w", err)
	}
	return coord, nil
}
