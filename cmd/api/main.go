package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/covibes/internal/app/migrate"
	"github.com/splax/covibes/internal/docker"
	httpx "github.com/splax/covibes/internal/http"
	"github.com/splax/covibes/internal/proxy"
	"github.com/splax/covibes/internal/repository/postgres"
	"github.com/splax/covibes/internal/service/preview"
	"github.com/splax/covibes/internal/terminal"
	"github.com/splax/covibes/internal/terminal/ptyexec"
	"github.com/splax/covibes/pkg/config"
	"github.com/splax/covibes/pkg/logger"
)

func main() {
	cfg := config.LoadAPIConfig()
	log := logger.New("api", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := httpx.NewMetrics(nil)

	var (
		registry preview.Registry
		dbHealth func(context.Context) error
	)
	switch cfg.PreviewRegistry {
	case config.PreviewRegistryFile:
		fileRegistry, err := preview.NewFileRegistry(cfg.PreviewRegistryFile, log)
		if err != nil {
			log.Error("failed to load preview registry file", "path", cfg.PreviewRegistryFile, "error", err)
			os.Exit(1)
		}
		go func() {
			if err := fileRegistry.Watch(ctx); err != nil {
				log.Error("preview registry watch stopped", "error", err)
			}
		}()
		registry = fileRegistry
	case config.PreviewRegistryPostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
		if err != nil {
			log.Error("failed to configure migrations", "error", err)
			os.Exit(1)
		}
		defer runner.Close()
		if err := runner.Ping(ctx); err != nil {
			log.Error("database ping failed", "error", err)
			os.Exit(1)
		}
		if err := runner.Ensure(ctx); err != nil {
			log.Error("migrations failed", "error", err)
			os.Exit(1)
		}

		repo := postgres.New(pool)
		var provisioner preview.Provisioner
		dockerClient, err := docker.New(cfg.DockerHost)
		if err == nil {
			err = dockerClient.Ping(ctx)
		}
		if err != nil {
			log.Warn("docker unavailable, stopped previews will not be started", "error", err)
		} else {
			defer dockerClient.Close()
			provisioner = docker.NewProvisioner(dockerClient.Containers(), docker.ProvisionerConfig{
				ContainerPrefix: cfg.PreviewContainerPrefix,
				ContainerPort:   cfg.PreviewContainerPort,
				PublishHost:     cfg.PreviewPublishHost,
			}, log)
		}
		registry = preview.NewStoreRegistry(repo, provisioner, log)
		if monitor := preview.NewMonitor(repo, log, cfg.PreviewHealthInterval); monitor != nil {
			go monitor.Run(ctx)
		}
		dbHealth = pool.Ping
	default:
		log.Error("unsupported preview registry", "registry", cfg.PreviewRegistry)
		os.Exit(1)
	}

	resolver := preview.NewResolver(registry, log, cfg.PreviewEnsureTimeout)
	previewProxy := proxy.New(resolver, log, proxy.Config{
		DialTimeout:     cfg.PreviewDialTimeout,
		ResponseTimeout: cfg.PreviewResponseTimeout,
		WSQueue:         cfg.PreviewWSQueue,
		Metrics:         metrics,
	})

	backend := ptyexec.New(ptyexec.Config{
		Command:       cfg.AgentCommand,
		WorkspaceRoot: cfg.AgentWorkspaceRoot,
	}, log)
	terminals := terminal.NewRegistry(backend, log, terminal.Options{
		ScrollbackBytes: cfg.TerminalScrollbackBytes,
		Retention:       cfg.TerminalRetention,
		TombstoneTTL:    cfg.TerminalTombstoneTTL,
		SpawnTimeout:    cfg.TerminalSpawnTimeout,
		Metrics:         metrics,
	})
	relay := terminal.NewRelay(terminals, log, cfg.TerminalSubscriberQueue)

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter.Close()
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, httpx.Dependencies{
		Proxy:              previewProxy,
		Deployments:        resolver,
		Terminals:          terminals,
		Relay:              relay,
		Limiter:            limiter,
		Metrics:            metrics,
		JWTSecret:          cfg.JWTSecret,
		PreviewRequireAuth: cfg.PreviewRequireAuth,
		DBHealth:           dbHealth,
	})
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr, "preview_registry", cfg.PreviewRegistry)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		if err := terminals.Shutdown(shutdownCtx); err != nil {
			log.Error("terminal shutdown incomplete", "error", err)
		}
		log.Info("api server stopped")
	case err := <-errorCh:
		_ = terminals.Shutdown(context.Background())
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
