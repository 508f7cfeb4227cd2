package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"

	"tunneling/internal/config"
	"tunneling/internal/gateway"
	"tunneling/internal/logging"
	"tunneling/internal/metrics"
)

// Version is set via -ldflags at build time.
var Version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "gateway",
		Short: "Reverse HTTP tunnel gateway",
	}

	var configPath string
	var socketPath string
	var adminAddr string
	var requestTimeout time.Duration
	var logLevel string
	var logFormat string
	var logFile string

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGateway(configPath, func(cfg *config.Gateway) {
				if cmd.Flags().Changed("path") {
					cfg.SocketPath = socketPath
				}
				if cmd.Flags().Changed("admin-addr") {
					cfg.AdminAddr = adminAddr
				}
				if cmd.Flags().Changed("request-timeout") {
					cfg.RequestTimeout = requestTimeout
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
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	serveCmd.Flags().StringVar(&socketPath, "path", "/tmp/wsrtunnel.sock", "unix socket path for the public listener")
	serveCmd.Flags().StringVar(&adminAddr, "admin-addr", "127.0.0.1:7000", "loopback address serving /healthz, /readyz, /metrics, /debug/state")
	serveCmd.Flags().DurationVar(&requestTimeout, "request-timeout", 600*time.Second, "how long to wait for an agent response before failing a proxied request")
	serveCmd.Flags().StringVar(&logLevel, "log-level", "info", "debug|info|warn|error")
	serveCmd.Flags().StringVar(&logFormat, "log-format", "json", "json|text")
	serveCmd.Flags().StringVar(&logFile, "log-file", "", "log file path (empty = stdout)")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("wsrtunnel gateway %s\n", Version)
		},
	}

	root.AddCommand(serveCmd, versionCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runGateway(configPath string, applyFlags func(*config.Gateway)) error {
	cfg, err := config.LoadGateway(configPath)
	if err != nil {
		return err
	}
	applyFlags(cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log, logFile := logging.Setup(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
	})
	if logFile != nil {
		defer logFile.Close()
	}

	m := metrics.NewGateway()
	gw := gateway.New(gateway.Config{
		RequestTimeout: cfg.RequestTimeout,
		Logger:         log,
		Metrics:        m,
	})

	publicRouter := mux.NewRouter()
	gw.Routes(publicRouter)

	if err := os.Remove(cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing stale socket %s: %w", cfg.SocketPath, err)
	}
	publicListener, err := net.Listen("unix", cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listen on unix socket %s: %w", cfg.SocketPath, err)
	}
	publicServer := &http.Server{Handler: publicRouter}

	adminServer := &http.Server{Addr: cfg.AdminAddr, Handler: gw.AdminHandler()}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errs := make(chan error, 2)
	go func() {
		log.Info("public gateway listening", "socket", cfg.SocketPath)
		if err := publicServer.Serve(publicListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- fmt.Errorf("public server: %w", err)
			return
		}
		errs <- nil
	}()
	go func() {
		log.Info("admin listener started", "addr", cfg.AdminAddr)
		if err := adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- fmt.Errorf("admin server: %w", err)
			return
		}
		errs <- nil
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errs:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = publicServer.Shutdown(shutdownCtx)
	_ = adminServer.Shutdown(shutdownCtx)
	_ = os.Remove(cfg.SocketPath)

	return nil
}
