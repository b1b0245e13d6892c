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
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"github.com/neutrino-sh/neutrino-go/internal/config"
	"github.com/neutrino-sh/neutrino-go/internal/gateway"
	"github.com/neutrino-sh/neutrino-go/internal/metrics"
)

var version = "v0.0.0-dev"

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	rootCmd := &cobra.Command{
		Use:   "neutrino-gateway",
		Short: "Neutrino cluster gateway",
		Long:  "neutrino-gateway is the stateless HTTP front door that routes task requests to node orchestrators.",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("neutrino-gateway %s\n", version)
		},
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway HTTP server",
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

	cfg, err := config.LoadGatewayConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	pool, err := buildBackendPool(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log.Info().Str("mode", cfg.DiscoveryMode).Str("version", version).Msg("starting neutrino gateway")
	if err := pool.Start(ctx); err != nil {
		return fmt.Errorf("start backend pool: %w", err)
	}

	logger, err := gateway.NewDBLogger(ctx, cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("start db logger: %w", err)
	}

	proxy := gateway.NewProxy(pool, logger)

	m := metrics.Default()
	go watchBackendHealth(ctx, pool, m)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/", proxy)

	httpSrv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.GatewayPort), Handler: mux}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.GatewayPort).Msg("gateway http server listening")
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

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)

	return nil
}

func buildBackendPool(cfg *config.GatewayConfig) (*gateway.BackendPool, error) {
	switch cfg.DiscoveryMode {
	case "cluster-api", "kubernetes":
		restCfg, err := rest.InClusterConfig()
		if err != nil {
			return nil, fmt.Errorf("gateway: load in-cluster kubeconfig: %w", err)
		}
		clientset, err := kubernetes.NewForConfig(restCfg)
		if err != nil {
			return nil, fmt.Errorf("gateway: build kubernetes client: %w", err)
		}
		return gateway.NewClusterAPI(gateway.ClusterAPIConfig{
			Clientset:     clientset,
			Namespace:     cfg.KubernetesNamespace,
			LabelSelector: cfg.KubernetesLabel,
			Port:          cfg.KubernetesPort,
			PollInterval:  cfg.UpdateInterval,
		}, cfg.UpdateInterval, cfg.Timeout), nil
	default:
		return gateway.NewStatic(cfg.StaticBackends, cfg.UpdateInterval, cfg.Timeout), nil
	}
}

// watchBackendHealth mirrors the pool's per-backend health into the shared
// metrics registry so an operator's dashboard doesn't need its own poller.
func watchBackendHealth(ctx context.Context, pool *gateway.BackendPool, m *metrics.Metrics) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, b := range pool.Backends() {
				m.SetBackendHealth(b.URL, b.Healthy)
			}
		}
	}
}
