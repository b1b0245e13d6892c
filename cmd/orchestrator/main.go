package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/neutrino-sh/neutrino-go/internal/asgi"
	"github.com/neutrino-sh/neutrino-go/internal/config"
	"github.com/neutrino-sh/neutrino-go/internal/metrics"
	"github.com/neutrino-sh/neutrino-go/internal/orchestrator"
	"github.com/neutrino-sh/neutrino-go/internal/rpc"
)

var version = "v0.0.0-dev"

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	rootCmd := &cobra.Command{
		Use:   "neutrino-orchestrator",
		Short: "Neutrino node orchestrator",
		Long:  "neutrino-orchestrator spawns and dispatches tasks to a node's worker process pool.",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("neutrino-orchestrator %s\n", version)
		},
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestrator HTTP server and worker pool",
		RunE:  runServe,
	}
	serveCmd.Flags().String("config", "", "path to config file")

	rootCmd.AddCommand(versionCmd, serveCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.LoadOrchestratorConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	specs := make([]orchestrator.PoolSpec, 0, len(cfg.Pools))
	for _, p := range cfg.Pools {
		specs = append(specs, orchestrator.PoolSpec{
			Name:       p.Name,
			Count:      p.Count,
			AppModule:  p.AppModule,
			BinaryPath: cfg.BinaryPath,
			Capabilities: rpc.ResourceCapabilities{
				NumCPUs:  p.NumCPUs,
				NumGPUs:  p.NumGPUs,
				MemoryGB: p.MemoryGB,
			},
			GPUDevices: p.GPUDevices,
		})
	}

	orch := orchestrator.New(specs, cfg.SocketDir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log.Info().Int("pools", len(specs)).Str("version", version).Msg("starting neutrino orchestrator")
	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}

	thresholds := orchestrator.RecycleThresholds{
		MaxTasksPerWorker: cfg.Worker.MaxTasksPerWorker,
		MaxMemoryMB:       cfg.Worker.MaxMemoryMB,
		MaxLifetime:       cfg.Worker.MaxLifetime,
	}
	recycler := orchestrator.NewRecycler(orch, thresholds, cfg.Worker.MemoryCheckInterval)
	go recycler.Run(ctx)

	var fallback http.Handler
	if cfg.ASGI.Enabled {
		supervisor := asgi.New(asgi.Config{Port: cfg.ASGI.Port, Workers: cfg.ASGI.Workers, AppCommand: cfg.ASGI.AppCommand})
		if err := supervisor.Start(ctx); err != nil {
			log.Error().Err(err).Msg("asgi supervisor failed to start, continuing without fallback")
		} else {
			defer supervisor.Shutdown()
			target := fmt.Sprintf("http://127.0.0.1:%d", cfg.ASGI.Port)
			fallback = asgi.NewReverseProxy(target)
		}
	}

	srv := orchestrator.NewServer(orch, metrics.Default(), time.Duration(cfg.Tasks.DefaultTimeoutSecs)*time.Second, fallback)
	httpSrv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.HTTPPort), Handler: srv}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.HTTPPort).Msg("orchestrator http server listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("http server error")
	}

	cancel()
	recycler.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	orch.Shutdown(shutdownCtx)

	return nil
}
