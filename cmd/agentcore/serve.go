package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"agentcore/internal/infra/config"
	"agentcore/internal/infra/logger"
	"agentcore/internal/infra/tracer"
	"agentcore/internal/usecase/coordinator"
	"agentcore/internal/usecase/eventbus"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordination core until interrupted",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	// 1. Config
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx := context.Background()
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(ctx)

	// 3. Event bus and coordinator
	bus := eventbus.New(log)
	core := coordinator.New(cfg.Coordinator, bus, log)

	if err := core.Start(ctx); err != nil {
		return fmt.Errorf("coordinator: %w", err)
	}

	log.Info("agentcore started",
		"version", version,
		"max_concurrent_agents", cfg.Coordinator.MaxConcurrentAgents,
		"heartbeat_interval", cfg.Coordinator.HeartbeatInterval,
	)

	// 4. Block until interrupted, then drain
	sigCtx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	<-sigCtx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	core.Shutdown(shutdownCtx)

	fmt.Fprintln(os.Stderr, "agentcore stopped")
	return nil
}
