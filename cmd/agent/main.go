package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"tunneling/internal/agent"
	"tunneling/internal/config"
	"tunneling/internal/logging"
	"tunneling/internal/metrics"
)

// Version is set via -ldflags at build time.
var Version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "agent",
		Short: "Reverse HTTP tunnel agent",
	}

	var configPath string
	var gatewayURL string
	var serviceURL string
	var gatewayProxyURL string
	var metricsAddr string
	var reconnectDelay time.Duration
	var logLevel string
	var logFormat string
	var logFile string

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to a gateway and proxy requests to a local service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(configPath, func(cfg *config.Agent) {
				if cmd.Flags().Changed("gateway-url") {
					cfg.GatewayURL = gatewayURL
				}
				if cmd.Flags().Changed("service-url") {
					cfg.ServiceURL = serviceURL
				}
				if cmd.Flags().Changed("gateway-proxy-url") {
					cfg.GatewayProxyURL = gatewayProxyURL
				}
				if cmd.Flags().Changed("metrics-addr") {
					cfg.MetricsAddr = metricsAddr
				}
				if cmd.Flags().Changed("reconnect-delay") {
					cfg.ReconnectDelay = reconnectDelay
				}
				if cmd.Flags().Changed("log-level") {
					cfg.Logging.Level = logLevel
				}
				if cmd.Flags().Changed("log-format") {
					cfg.Logging.Format = logFormat
				}
				if cmd.Flags().Changed("log-file") {
					cfg.Logging.File = logFile
				}
			})
		},
	}
	runCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	runCmd.Flags().StringVar(&gatewayURL, "gateway-url", "", "gateway websocket URL, e.g. wss://tunnel.example.com/_ws")
	runCmd.Flags().StringVar(&serviceURL, "service-url", "", "local service base URL, e.g. http://127.0.0.1:8080")
	runCmd.Flags().StringVar(&gatewayProxyURL, "gateway-proxy-url", "", "optional HTTP proxy URL used when dialing the gateway")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "127.0.0.1:7001", "address serving /metrics")
	runCmd.Flags().DurationVar(&reconnectDelay, "reconnect-delay", 10*time.Second, "delay before redialing the gateway after a disconnect")
	runCmd.Flags().StringVar(&logLevel, "log-level", "info", "debug|info|warn|error")
	runCmd.Flags().StringVar(&logFormat, "log-format", "json", "json|text")
	runCmd.Flags().StringVar(&logFile, "log-file", "", "log file path (empty = stdout)")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("wsrtunnel agent %s\n", Version)
		},
	}

	root.AddCommand(runCmd, versionCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runAgent(configPath string, applyFlags func(*config.Agent)) error {
	cfg, err := config.LoadAgent(configPath)
	if err != nil {
		return err
	}
	applyFlags(cfg)
	if cfg.GatewayURL == "" {
		return fmt.Errorf("gateway-url is required")
	}
	if cfg.ServiceURL == "" {
		return fmt.Errorf("service-url is required")
	}

	log, logFile := logging.Setup(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
	})
	if logFile != nil {
		defer logFile.Close()
	}

	m := metrics.NewAgent()
	svc, err := agent.New(agent.Config{
		GatewayURL:      cfg.GatewayURL,
		ServiceURL:      cfg.ServiceURL,
		GatewayProxyURL: cfg.GatewayProxyURL,
		ReconnectDelay:  cfg.ReconnectDelay,
		Logger:          log,
		Metrics:         m,
	})
	if err != nil {
		return fmt.Errorf("constructing agent: %w", err)
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info("metrics listener started", "addr", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", "error", err)
		}
	}()

	runErr := make(chan error, 1)
	go func() { runErr <- svc.Run(ctx) }()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-runErr:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)

	return nil
}
