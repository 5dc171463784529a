// Command reactor connects the configured sessions and dispatches their events to role callbacks.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/sourcegraph/conc"

	dbmigrations "github.com/coachpo/reactor/db/migrations"
	"github.com/coachpo/reactor/internal/app/handlers"
	"github.com/coachpo/reactor/internal/app/reactor"
	"github.com/coachpo/reactor/internal/infra/config"
	"github.com/coachpo/reactor/internal/infra/persistence"
	"github.com/coachpo/reactor/internal/infra/persistence/migrations"
	pgstore "github.com/coachpo/reactor/internal/infra/persistence/postgres"
	httpserver "github.com/coachpo/reactor/internal/infra/server/http"
	"github.com/coachpo/reactor/internal/infra/statestore"
	redisstore "github.com/coachpo/reactor/internal/infra/statestore/redis"
	"github.com/coachpo/reactor/internal/infra/telemetry"
	"github.com/coachpo/reactor/internal/infra/transport/ws"
	"github.com/coachpo/reactor/internal/observability"
	"github.com/coachpo/reactor/lib/async"
)

const (
	defaultConfigPath            = "config/app.yaml"
	reactorLoggerPrefix          = "reactor "
	shutdownTimeout              = 30 * time.Second
	controlServerShutdownTimeout = 5 * time.Second
	lifecycleShutdownTimeout     = 10 * time.Second
	workerPoolShutdownTimeout    = 5 * time.Second
	storeShutdownTimeout         = 2 * time.Second
	telemetryShutdownTimeout     = 5 * time.Second
	controlReadHeaderTimeout     = 5 * time.Second
	migrationTimeout             = 30 * time.Second
)

func main() {
	cfgPathFlag := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newReactorLogger()

	configPath := resolveConfigPath(cfgPathFlag)
	appCfg, err := config.LoadOrDefault(ctx, configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	logger.Printf("configuration initialised: env=%s, sessions=%d", appCfg.Environment, len(appCfg.Sessions))

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg.Environment, appCfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	workers, err := async.NewPool(appCfg.Router.OffloadWorkers.Count(), appCfg.Router.OffloadQueue,
		async.WithErrorHandler(func(err error) {
			logger.Printf("worker pool: %v", err)
		}))
	if err != nil {
		logger.Fatalf("initialise worker pool: %v", err)
	}

	database, journal, err := initPersistence(ctx, logger, appCfg.Database)
	if err != nil {
		logger.Fatalf("initialise persistence: %v", err)
	}

	stateStore, err := initStateStore(ctx, logger, appCfg.StateStore)
	if err != nil {
		logger.Fatalf("initialise state store: %v", err)
	}

	dlq := observability.NewDeadLetterQueue(appCfg.Router.DiagnosticsCapacity)
	routerOpts := []reactor.Option{
		reactor.WithLogger(logger),
		reactor.WithDeadLetterQueue(dlq),
		reactor.WithTransitionObserver(statestore.NewMirror(stateStore, workers, logger)),
	}
	if journal != nil {
		recorder := pgstore.NewRecorder(journal, workers, logger)
		routerOpts = append(routerOpts,
			reactor.WithTransitionObserver(recorder),
			reactor.WithFailureObserver(recorder))
	}
	router := reactor.NewRouter(reactor.Config{
		QueueSize:           appCfg.Router.QueueSize,
		DedupeWindow:        appCfg.Router.DedupeWindow,
		DedupeCapacity:      appCfg.Router.DedupeCapacity,
		DiagnosticsCapacity: appCfg.Router.DiagnosticsCapacity,
		HandlerTimeout:      appCfg.Router.HandlerTimeout,
	}, reactor.NewRegistry(), routerOpts...)

	var lifecycle conc.WaitGroup

	routerErrs := router.Start(ctx)
	lifecycle.Go(func() {
		for err := range routerErrs {
			logger.Printf("router: %v", err)
		}
	})

	binder := handlers.NewBinder(router, workers, logger)
	manager, err := buildTransports(logger, appCfg, router, binder)
	if err != nil {
		logger.Fatalf("initialise transports: %v", err)
	}
	lifecycle.Go(func() {
		if err := manager.Run(ctx); err != nil {
			logger.Printf("transports: %v", err)
		}
	})
	logger.Printf("endpoints started: %d", len(appCfg.Sessions))

	apiOpts := []httpserver.Option{
		httpserver.WithEnvironment(appCfg.Environment),
		httpserver.WithEndpoints(manager),
		httpserver.WithStateStore(stateStore),
	}
	if journal != nil {
		apiOpts = append(apiOpts, httpserver.WithHistory(journal))
	}
	apiServer := buildAPIServer(appCfg.APIServer, httpserver.NewHandler(router, apiOpts...))
	startAPIServer(&lifecycle, logger, apiServer)
	logger.Printf("control API listening on %s", apiServer.Addr)

	logger.Print("reactor started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	steps := []shutdownStep{
		{"stopping control server", controlServerShutdownTimeout, apiServer.Shutdown},
		{"cancelling main context", 0, func(context.Context) error { cancel(); return nil }},
		{"waiting for lifecycle goroutines", lifecycleShutdownTimeout, waitFor(&lifecycle)},
		{"draining offload pool", workerPoolShutdownTimeout, func(stepCtx context.Context) error {
			err := workers.Shutdown(stepCtx)
			stats := workers.Stats()
			logger.Printf("offload pool: completed=%d failed=%d rejected=%d", stats.Completed, stats.Failed, stats.Rejected)
			return err
		}},
		{"closing state store", storeShutdownTimeout, func(context.Context) error { return stateStore.Close() }},
	}
	if database != nil {
		steps = append(steps, shutdownStep{"closing journal database", storeShutdownTimeout, func(context.Context) error {
			database.Close()
			return nil
		}})
	}
	steps = append(steps, shutdownStep{"flushing telemetry", telemetryShutdownTimeout, telemetryProvider.Shutdown})

	started := time.Now()
	if err := performGracefulShutdown(shutdownCtx, logger, steps); err != nil {
		logger.Printf("shutdown finished with errors after %v", time.Since(started))
		return
	}
	logger.Printf("shutdown finished in %v", time.Since(started))
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newReactorLogger() *log.Logger {
	return log.New(os.Stdout, reactorLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func initTelemetry(ctx context.Context, logger *log.Logger, env config.Environment, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}
	telemetryCfg.Environment = string(env)
	telemetryCfg.OTLPInsecure = cfg.OTLPInsecure
	telemetryCfg.EnableMetrics = cfg.EnableMetrics

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}

	if provider.Exporting() {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

// initPersistence opens the journal database when a DSN is configured.
func initPersistence(ctx context.Context, logger *log.Logger, cfg config.DatabaseConfig) (*persistence.Store, *pgstore.Journal, error) {
	if !cfg.Enabled() {
		logger.Print("persistence disabled; session journal off")
		return nil, nil, nil
	}
	if cfg.RunMigrations {
		migrateCtx, cancel := context.WithTimeout(ctx, migrationTimeout)
		err := runMigrations(migrateCtx, logger, cfg)
		cancel()
		if err != nil {
			return nil, nil, err
		}
	}
	store, err := persistence.Open(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	pgstore.ObservePoolMetrics(store.Pool(), "journal")
	logger.Printf("session journal enabled: maxConns=%d", cfg.MaxConns)
	return store, pgstore.New(store.Pool()).Journal(), nil
}

// runMigrations applies migrations from the configured directory when it exists and
// from the embedded copy otherwise.
func runMigrations(ctx context.Context, logger *log.Logger, cfg config.DatabaseConfig) error {
	if info, err := os.Stat(cfg.MigrationsPath); err == nil && info.IsDir() {
		return migrations.Apply(ctx, cfg.DSN, cfg.MigrationsPath, logger)
	}
	logger.Printf("migrations directory %q not found; using embedded migrations", cfg.MigrationsPath)
	return migrations.ApplyFS(ctx, cfg.DSN, dbmigrations.Files, logger)
}

func initStateStore(ctx context.Context, logger *log.Logger, cfg config.StateStoreConfig) (statestore.Store, error) {
	if cfg.Backend != config.StateBackendRedis {
		logger.Print("state store: memory")
		return statestore.NewMemoryStore(cfg.ClosedTTL), nil
	}
	client := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.RedisAddr, err)
	}
	store, err := redisstore.New(redisstore.Config{
		Client:    client,
		KeyPrefix: cfg.KeyPrefix,
		ClosedTTL: cfg.ClosedTTL,
	})
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	logger.Printf("state store: redis addr=%s prefix=%s", cfg.RedisAddr, cfg.KeyPrefix)
	return store, nil
}

func buildTransports(logger *log.Logger, appCfg config.AppConfig, router *reactor.Router, binder *handlers.Binder) (*ws.Manager, error) {
	transportCfg := ws.Config{
		HandshakeTimeout:     appCfg.Transport.HandshakeTimeout,
		MaxReconnectInterval: appCfg.Transport.MaxReconnectInterval,
		ReadLimit:            appCfg.Transport.ReadLimit,
		SendRate:             appCfg.Transport.SendRate,
		SendBurst:            appCfg.Transport.SendBurst,
		PingInterval:         appCfg.Transport.PingInterval,
	}
	conns := make([]*ws.Connection, 0, len(appCfg.Sessions))
	for _, endpoint := range appCfg.Sessions {
		bind := func(ctx context.Context, sessionID string, sender ws.Sender) (func(), error) {
			return binder.Attach(ctx, endpoint, sessionID, sender)
		}
		conn, err := ws.NewConnection(ws.Endpoint{
			Name: endpoint.Name,
			URL:  endpoint.URL,
			Role: endpoint.Role,
		}, transportCfg, router, bind, ws.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("endpoint %s: %w", endpoint.Name, err)
		}
		conns = append(conns, conn)
	}
	return ws.NewManager(conns...), nil
}

func buildAPIServer(cfg config.APIServerConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: controlReadHeaderTimeout,
	}
}

func startAPIServer(lifecycle *conc.WaitGroup, logger *log.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("control server: %v", err)
		}
	})
}

// shutdownStep is one stage of the teardown. A zero timeout runs fn with the overall
// shutdown context.
type shutdownStep struct {
	name    string
	timeout time.Duration
	fn      func(context.Context) error
}

// performGracefulShutdown runs steps in order. A failed step is logged and the
// remaining steps still run.
func performGracefulShutdown(ctx context.Context, logger *log.Logger, steps []shutdownStep) error {
	failures := make([]error, 0, len(steps))
	for _, step := range steps {
		stepCtx, cancel := ctx, context.CancelFunc(func() {})
		if step.timeout > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, step.timeout)
		}
		logger.Printf("shutdown: %s", step.name)
		if err := step.fn(stepCtx); err != nil {
			failures = append(failures, fmt.Errorf("%s: %w", step.name, err))
		}
		cancel()
	}
	return observability.AggregateErrors(logger, "shutdown", failures)
}

// waitFor adapts a WaitGroup to a shutdown step bounded by the step context.
func waitFor(wg *conc.WaitGroup) func(context.Context) error {
	return func(ctx context.Context) error {
		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return fmt.Errorf("goroutines still running: %w", ctx.Err())
		}
	}
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}
