package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/acme/outbound-dialer/internal/app"
	"github.com/acme/outbound-dialer/internal/telemetry"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	configPath := flag.String("config", getEnv("CONFIG_FILE", "configs/config.yaml"), "path to configuration file")
	flag.Parse()

	container, err := app.Build(ctx, *configPath)
	if err != nil {
		log.Fatalf("failed to bootstrap application: %v", err)
	}
	defer container.Close(context.Background())
	lg := container.Logger.Named("dialer")

	shutdown, err := telemetry.Setup(ctx, container.Config.Telemetry, container.Config.App, "dialer")
	if err != nil {
		lg.Fatal("failed to initialize telemetry", zap.Error(err))
	}
	defer func() { _ = shutdown(context.Background()) }()

	if err := container.EnsureTopics(ctx); err != nil {
		lg.Fatal("failed to ensure kafka topics", zap.Error(err))
	}
	if err := container.Telephony.Connect(ctx); err != nil {
		lg.Fatal("failed to connect to media server", zap.Error(err))
	}

	rt := container.Runtime()
	lg.Info("dialer: starting",
		zap.String("instance", container.Config.App.InstanceID),
		zap.String("telephony", container.Config.Telephony.Driver),
		zap.Int("themes", len(rt.Themes.Names())),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rt.Dispatcher.Run(gctx) })
	g.Go(func() error { return rt.Runner.Run(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		lg.Error("dialer: terminated", zap.Error(err))
		os.Exit(1)
	}
	lg.Info("dialer: stopped")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
