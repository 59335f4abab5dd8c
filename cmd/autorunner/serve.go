package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/codex-autorunner/autorunner/internal/common/config"
	"github.com/codex-autorunner/autorunner/internal/common/logger"
	"github.com/codex-autorunner/autorunner/internal/common/tracing"
	"github.com/codex-autorunner/autorunner/internal/delivery"
	"github.com/codex-autorunner/autorunner/internal/destination"
	"github.com/codex-autorunner/autorunner/internal/events/bus"
	"github.com/codex-autorunner/autorunner/internal/flows"
	"github.com/codex-autorunner/autorunner/internal/server"
	"github.com/codex-autorunner/autorunner/internal/state"
	"github.com/codex-autorunner/autorunner/internal/supervisor"
)

func serveCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the hub server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "directory containing config.yaml (default: search the working directory)")
	return cmd
}

func runServe(configPath string) error {
	// 1. Configuration
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadWithPath(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	// 2. Logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting autorunner hub", zap.String("hub_root", cfg.Hub.Root))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Event bus: in-memory unless a NATS URL is configured.
	var eventBus bus.EventBus
	if cfg.EventBus.URL != "" {
		log.Info("connecting to NATS", zap.String("url", cfg.EventBus.URL))
		natsBus, err := bus.NewNATSEventBus(cfg.EventBus, log)
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		defer natsBus.Close()
		eventBus = natsBus
	} else {
		log.Info("using in-memory event bus")
		memBus := bus.NewMemoryEventBus(log)
		defer memBus.Close()
		eventBus = memBus
	}

	// 4. Docker client. Without one, docker destinations fail preflight and
	// the affected runs go to failed; local destinations are unaffected.
	dockerClient, err := destination.NewDockerClient(cfg.Docker, log)
	if err != nil {
		log.Warn("docker client unavailable, docker destinations disabled", zap.Error(err))
		dockerClient = nil
	} else if err := dockerClient.Ping(ctx); err != nil {
		log.Warn("docker daemon not reachable, docker destinations disabled", zap.Error(err))
		dockerClient.Close()
		dockerClient = nil
	} else {
		defer dockerClient.Close()
		log.Info("connected to docker daemon")
	}

	// 5. Hub store
	hub, err := state.Open(cfg.Hub.Root, log)
	if err != nil {
		return fmt.Errorf("open hub root %q: %w", cfg.Hub.Root, err)
	}

	// 6. Agent supervisor
	sup := supervisor.New(hub, eventBus, dockerClient, cfg.Supervisor, log)

	// 7. Delivery: the router fans PMA output out to targets, the manager
	// bridges chat surfaces back in.
	adapters := []delivery.Adapter{
		delivery.NewWebAdapter(eventBus),
		delivery.NewLocalAdapter(hub),
	}
	var chatAdapters []delivery.ChatAdapter
	if cfg.Chat.Telegram.Enabled && cfg.Chat.Telegram.Token != "" {
		tg, err := delivery.NewTelegramAdapter(cfg.Chat.Telegram.Token, log)
		if err != nil {
			return fmt.Errorf("telegram adapter: %w", err)
		}
		adapters = append(adapters, tg)
		chatAdapters = append(chatAdapters, tg)
		log.Info("telegram adapter enabled")
	}
	if cfg.Chat.Discord.Enabled && cfg.Chat.Discord.Token != "" {
		dc, err := delivery.NewDiscordAdapter(cfg.Chat.Discord.Token, log)
		if err != nil {
			return fmt.Errorf("discord adapter: %w", err)
		}
		adapters = append(adapters, dc)
		chatAdapters = append(chatAdapters, dc)
		log.Info("discord adapter enabled")
	}
	router := delivery.NewRouter(hub, cfg.Delivery.ChunkSize, log, adapters...)

	// 8. Flow runtime, with a ticket watcher per registered repo.
	rt := flows.New(hub, sup, eventBus, cfg.Flow, router, log)
	manifest, err := hub.Manifest()
	if err != nil {
		return fmt.Errorf("load manifest: %w", err)
	}
	for _, repo := range manifest.Repos {
		if err := rt.WatchRepo(repo.RepoID); err != nil {
			log.Warn("ticket watcher not started",
				zap.String("repo_id", repo.RepoID),
				zap.Error(err))
		}
	}

	manager := delivery.NewManager(hub, eventBus, rt.ActiveRunStore, log, chatAdapters...)
	manager.Start()

	// 9. HTTP server
	srv := server.New(hub, rt, &supervisorSessions{sup: sup}, &supervisorTerminals{sup: sup}, router, eventBus, log)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      srv.Router(),
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}
	go func() {
		log.Info("hub listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}
	manager.Stop()
	rt.Shutdown(shutdownCtx)
	sup.Shutdown(shutdownCtx)
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("tracing shutdown error", zap.Error(err))
	}

	log.Info("hub stopped")
	return nil
}
