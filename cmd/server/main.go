package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"fenrir/api/ctl"
	"fenrir/config"
	"fenrir/jobs/broadcaster"
	"fenrir/service"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:           "fenrir",
		Short:         "cooperative concurrency runtime",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "fenrir.yaml", "path to config file")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "run the runtime and control API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	root.AddCommand(serve)
	return root
}

func newLogger(cfg config.Logging) (*zap.Logger, error) {
	var zc zap.Config
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", cfg.Level, err)
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func run(ctx context.Context, cfg config.Config) error {
	log, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := service.New(cfg, log)
	if err != nil {
		return err
	}
	defer rt.Close()

	if cfg.Kafka.Enabled {
		b, err := broadcaster.New(rt.Journal(), cfg.Kafka.Brokers, cfg.Kafka.TelemetryTopic, log)
		if err != nil {
			return fmt.Errorf("connect broker: %w", err)
		}
		defer b.Close()
		b.SetInterval(cfg.Kafka.ReplayInterval.Std())
		b.Start(ctx)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rt.Run(ctx) })
	g.Go(func() error {
		return ctl.NewServer(rt, log).Serve(ctx, cfg.Server.GRPCAddr)
	})

	log.Info("fenrir started", zap.String("grpc", cfg.Server.GRPCAddr))
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
