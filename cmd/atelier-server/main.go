package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"atelier/internal/agent"
	"atelier/internal/config"
	"atelier/internal/credit"
	"atelier/internal/durable"
	"atelier/internal/flow"
	"atelier/internal/logging"
	"atelier/internal/materialize"
	"atelier/internal/observability"
	"atelier/internal/provider"
	"atelier/internal/server"
	"atelier/internal/session"
	"atelier/internal/task"
	"atelier/internal/tools"
	"atelier/internal/tools/builtin"
)

func main() {
	var (
		cfgFile string
		listen  string
		debug   bool
	)

	root := &cobra.Command{
		Use:   "atelier-server",
		Short: "Generation task orchestrator and tool dispatch service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.ListenAddr = listen
			}
			return run(cfg, debug)
		},
	}
	root.Flags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	root.Flags().StringVarP(&listen, "listen", "l", "", "listen address (overrides config)")
	root.Flags().BoolVar(&debug, "debug", false, "verbose request logging")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, debug bool) error {
	logger := logging.NewComponentLogger("Main")
	ctx := context.Background()

	catalog, err := config.LoadCatalog(cfg.CatalogPath, cfg.PollTimeout, cfg.PollRetryDelay)
	if err != nil {
		return err
	}
	logger.Info("catalog loaded: %d model(s)", len(catalog.Models()))

	deps, cleanup, err := buildDependencies(ctx, cfg, catalog, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	limiter, err := flow.NewLimiter(cfg.MaxPerOrg, logging.NewComponentLogger("Flow"))
	if err != nil {
		return err
	}

	machine := task.NewMachine(
		deps.tasks, deps.gateway, deps.materializer, deps.ledger,
		logging.NewComponentLogger("TaskMachine"),
		task.WithLimiter(limiter),
		task.WithMetrics(observability.Default()),
	)

	registry := tools.NewRegistry(logging.NewComponentLogger("ToolRegistry"))
	builtin.Register(registry, builtin.NewService(
		deps.tasks, machine, deps.backends, catalog, logging.NewComponentLogger("Builtin"),
	))

	guard := session.NewGuard(deps.sessions, logging.NewComponentLogger("SessionGuard"))
	loop := agent.NewLoop(guard, registry, logging.NewComponentLogger("AgentLoop"),
		agent.WithTerminalTools("client_generate"))

	srv := server.New(server.Options{Addr: cfg.ListenAddr, Debug: debug},
		deps.tasks, machine, deps.backends, catalog, deps.sessions, loop,
		logging.NewComponentLogger("HTTP"))

	errc := make(chan error, 1)
	go func() { errc <- srv.Run() }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errc:
		return err
	case sig := <-stop:
		logger.Info("received %s, shutting down", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// dependencies bundles the swappable collaborators. Each external backend
// is selected by config presence and falls back to the in-memory
// implementation for local runs.
type dependencies struct {
	tasks        task.Store
	sessions     session.Store
	ledger       task.Ledger
	materializer task.Materializer
	gateway      provider.Gateway
	backends     func(taskID string) task.Backend
}

func buildDependencies(ctx context.Context, cfg *config.Config, catalog *config.Catalog, logger logging.Logger) (*dependencies, func(), error) {
	deps := &dependencies{}
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	if cfg.PostgresDSN != "" {
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		cleanups = append(cleanups, pool.Close)

		tasks := task.NewPGStore(pool)
		sessions := session.NewPGStore(pool)
		ledger := credit.NewPGLedger(pool, catalog)
		for _, ensure := range []func(context.Context) error{
			tasks.EnsureSchema, sessions.EnsureSchema, ledger.EnsureSchema,
		} {
			if err := ensure(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("ensure schema: %w", err)
			}
		}
		deps.tasks = tasks
		deps.sessions = sessions
		deps.ledger = ledger
		logger.Info("postgres connected")
	} else {
		deps.tasks = task.NewMemoryStore()
		deps.sessions = session.NewMemoryStore()
		deps.ledger = credit.NewMemoryLedger(catalog, logger)
		logger.Warn("no postgres configured, using in-memory stores")
	}

	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		cleanups = append(cleanups, func() { _ = client.Close() })
		backendLogger := logging.NewComponentLogger("Durable")
		deps.backends = func(taskID string) task.Backend {
			return durable.NewRedisBackend(client, taskID, backendLogger)
		}
		logger.Info("redis connected, task runs are durable")
	} else {
		deps.backends = task.NewInlineBackends().For
		logger.Warn("no redis configured, task runs are in-process only")
	}

	if cfg.Minio.Endpoint != "" {
		m, err := materialize.NewMinio(ctx, materialize.MinioConfig{
			Endpoint:  cfg.Minio.Endpoint,
			AccessKey: cfg.Minio.AccessKey,
			SecretKey: cfg.Minio.SecretKey,
			Bucket:    cfg.Minio.Bucket,
			UseSSL:    cfg.Minio.UseSSL,
		}, logging.NewComponentLogger("Materializer"))
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		deps.materializer = m
	} else {
		deps.materializer = materialize.NewMemory(nil, logger)
		logger.Warn("no object store configured, artifacts held in memory")
	}

	vendors := make(map[string]provider.Gateway, len(cfg.Providers))
	for name, vendor := range cfg.Providers {
		vendors[name] = provider.NewHTTPGateway(provider.HTTPGatewayConfig{
			BaseURL: vendor.BaseURL,
			APIKey:  vendor.APIKey,
		}, logging.NewComponentLogger("Gateway:"+name))
	}
	deps.gateway = provider.NewRouter(func(model string) (string, error) {
		spec, err := catalog.Lookup(model)
		if err != nil {
			return "", err
		}
		return spec.Provider, nil
	}, vendors)

	return deps, cleanup, nil
}
