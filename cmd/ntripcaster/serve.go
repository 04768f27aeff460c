package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zbum/ntripcaster/internal/caster"
	"github.com/zbum/ntripcaster/internal/config"
	"github.com/zbum/ntripcaster/internal/credentials"
	"github.com/zbum/ntripcaster/internal/logging"
	"github.com/zbum/ntripcaster/internal/metrics"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the caster and accept source/client connections",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("bind-addr", "", "override bind_addr from the config file")
	serveCmd.Flags().Int("bind-port", 0, "override bind_port from the config file")
}

func runServe(cmd *cobra.Command, args []string) error {
	printBanner()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logLevel := slog.LevelInfo
	if cfg.IsDebug() {
		logLevel = slog.LevelDebug
	}
	writer := logging.SetupWriter(cfg.LogDir(), cfg.LogRotationEnabled(), cfg.LogKeepDays())
	slog.SetDefault(slog.New(slog.NewTextHandler(writer, &slog.HandlerOptions{Level: logLevel})))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if rw, ok := writer.(*logging.RotatingWriter); ok {
		rw.Start(ctx)
		defer func() {
			rw.Close()
			if n := rw.FailedWrites(); n > 0 {
				slog.Warn("log file writes failed during this run, check disk/log_dir", "count", n)
			}
		}()
	}

	config.Watch(ctx.Done())

	bindAddr := cfg.BindAddr()
	bindPort := cfg.BindPort()
	if v, _ := cmd.Flags().GetString("bind-addr"); v != "" {
		bindAddr = v
	}
	if v, _ := cmd.Flags().GetInt("bind-port"); v != 0 {
		bindPort = v
	}

	creds, err := credentials.Load(cfg.CredentialFile())
	if err != nil {
		return fmt.Errorf("load credentials: %w", err)
	}
	creds.Watch(ctx.Done())

	var sink caster.MetricsSink
	if cfg.MetricsEnabled() {
		s, handler := metrics.New()
		sink = s
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsAddr(), handler); err != nil {
				slog.Error("metrics server error", "error", err)
			}
		}()
	}

	c := caster.New(caster.Options{
		Limits: caster.Limits{
			MaxPending: cfg.MaxPending(),
			MaxClient:  cfg.MaxClient(),
			MaxSource:  cfg.MaxSource(),
		},
		IdleTimeout:       cfg.IdleTimeout(),
		SweepInterval:     cfg.SweepInterval(),
		SweepInitialDelay: cfg.SweepInitialDelay(),
		Credentials:       creds,
		Metrics:           sink,
	})

	addr := net.JoinHostPort(bindAddr, strconv.Itoa(bindPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	slog.Info("ntripcaster listening", "addr", addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		ln.Close() // stop accepting before tearing down live connections
		cancel()
	}()

	c.Run(ctx, ln)
	slog.Info("ntripcaster stopped")
	return nil
}

func printBanner() {
	fmt.Printf(`ntripcaster %s (built %s)
Runtime: %s %s/%s

`, Version, BuildTime, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
