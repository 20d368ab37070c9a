package main

import (
	"context"
	"fmt"
	"time"

	"github.com/alecthomas/kong"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/cloudbrowser/controlplane/config"
	httpserver "github.com/cloudbrowser/controlplane/http"
	"github.com/cloudbrowser/controlplane/http/handlers"
	"github.com/cloudbrowser/controlplane/logger"
	"github.com/cloudbrowser/controlplane/services/admin"
	"github.com/cloudbrowser/controlplane/services/admissionqueue"
	"github.com/cloudbrowser/controlplane/services/containerpool"
	"github.com/cloudbrowser/controlplane/services/metrics"
	"github.com/cloudbrowser/controlplane/services/realtime"
	"github.com/cloudbrowser/controlplane/services/sessionmanager"
	"github.com/cloudbrowser/controlplane/services/shutdown"
)

// cli names the flags that override config, applied after the
// koanf/env layers via Config.ApplyOverrides.
var cli struct {
	ListenAddr string `help:"HTTP listen address." name:"listen-addr"`
	PoolSize   int    `help:"Warm container pool size." name:"pool-size"`
	LogLevel   string `help:"Log level (debug|info|warn|error)." name:"log-level"`
}

func main() {
	kong.Parse(&cli, kong.Name("cloud-browser-server"), kong.Description("Ephemeral cloud-browser control plane"))

	cfg, err := config.Load()
	if err != nil {
		fmt.Println("failed to load config:", err)
		return
	}
	if err := applyCLIOverrides(cfg); err != nil {
		fmt.Println("invalid CLI overrides:", err)
		return
	}

	logger.InitLogger(cfg.Logger.Level, cfg.Logger.Format)
	logger.Info("starting cloud browser control plane", zap.String("listenAddr", cfg.ListenAddr))

	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		logger.Warn("docker client unavailable, starting in degraded mode", zap.Error(err))
		docker = nil
	}

	pool := containerpool.New(cfg, docker)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := pool.Start(ctx); err != nil {
		logger.Error("container pool failed to start", zap.Error(err))
	}

	sessions := sessionmanager.New(pool, cfg.SessionDuration, cfg.RateLimitPerDay)
	sessions.StartExpiryLoop()

	queue := admissionqueue.New(pool, sessions)
	queue.StartWorker()

	hub := realtime.New(sessions, queue)
	hub.StartTimerBroadcast()

	adminSvc := admin.New(pool, sessions, queue, hub)
	sessions.OnSessionEnded(adminSvc.RecordEnded)
	registry := metrics.NewRegistry()

	server := httpserver.NewServer(cfg, httpserver.Handlers{
		Session: handlers.NewSessionHandler(sessions, queue, hub),
		Queue:   handlers.NewQueueHandler(queue),
		Health:  handlers.NewHealthHandler(pool, sessions, queue, registry),
		Admin:   handlers.NewAdminHandler(adminSvc),
		Realtime: hub,
		Metrics:  registry,
	})

	coordinator := shutdown.NewCoordinator(20 * time.Second)
	coordinator.RegisterHandler("container-pool", shutdown.CreatePoolShutdown(pool))
	coordinator.RegisterHandler("session-manager", shutdown.CreateSessionManagerShutdown(sessions))
	coordinator.RegisterHandler("admission-queue", shutdown.CreateQueueShutdown(queue))
	coordinator.RegisterHandler("realtime-hub", shutdown.CreateRealtimeShutdown(hub))
	coordinator.Start()

	errCh := make(chan error, 1)
	go func() { errCh <- server.Listen(cfg.ListenAddr) }()
	coordinator.RegisterHandler("http-server", shutdown.CreateHTTPServerShutdown(server))

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("http server exited", zap.Error(err))
		}
	case <-waitForShutdown(coordinator):
	}
}

func waitForShutdown(c *shutdown.Coordinator) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		c.WaitForShutdown()
		close(done)
	}()
	return done
}

func applyCLIOverrides(cfg *config.Config) error {
	overrides := map[string]any{}
	if cli.ListenAddr != "" {
		overrides["listen_addr"] = cli.ListenAddr
	}
	if cli.PoolSize != 0 {
		overrides["pool_size"] = cli.PoolSize
	}
	if cli.LogLevel != "" {
		overrides["logger"] = map[string]any{"level": cli.LogLevel}
	}
	if len(overrides) == 0 {
		return nil
	}
	return cfg.ApplyOverrides(overrides)
}
