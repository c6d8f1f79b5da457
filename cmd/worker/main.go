package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mohammed-shakir/offline-tile-cache/internal/api"
	"github.com/mohammed-shakir/offline-tile-cache/internal/config"
	"github.com/mohammed-shakir/offline-tile-cache/internal/downloader"
	"github.com/mohammed-shakir/offline-tile-cache/internal/httpclient"
	"github.com/mohammed-shakir/offline-tile-cache/internal/invalidation/kafkaconsumer"
	"github.com/mohammed-shakir/offline-tile-cache/internal/logger"
	"github.com/mohammed-shakir/offline-tile-cache/internal/metrics"
	"github.com/mohammed-shakir/offline-tile-cache/internal/observability"
	"github.com/mohammed-shakir/offline-tile-cache/internal/partition"
	"github.com/mohammed-shakir/offline-tile-cache/internal/routestore"
	"github.com/mohammed-shakir/offline-tile-cache/internal/strategy"
	"github.com/mohammed-shakir/offline-tile-cache/internal/worker"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.FromEnv()

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   strings.ToLower(os.Getenv("LOG_CONSOLE")) == "true",
		Component: "worker",
	}, os.Stdout)
	appLog := logger.NewSlog(&zl)

	appLog.Info("starting offline cache worker",
		"addr", cfg.Addr,
		"version", Version,
		"shell", cfg.ShellPartition(),
		"redis", cfg.RedisAddr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider := metrics.Init(metrics.Config{
		Build: metrics.BuildInfo{
			Version:   os.Getenv("BUILD_VERSION"),
			Revision:  os.Getenv("BUILD_REVISION"),
			Branch:    os.Getenv("BUILD_BRANCH"),
			BuildDate: os.Getenv("BUILD_DATE"),
		},
	})
	observability.Init(provider.Registerer())

	parts, err := partition.New(ctx, cfg.RedisAddr,
		partition.WithTTL(partition.Runtime, cfg.RuntimeTTL),
		partition.WithTTL(partition.Tiles, cfg.TileTTL),
		partition.WithOpTimeout(cfg.CacheOpTimeout),
	)
	if err != nil {
		appLog.Error("partition store setup failed", "err", err)
		return 1
	}
	defer func() { _ = parts.Close() }()

	routes, err := routestore.Open(cfg.RoutesDBPath)
	if err != nil {
		appLog.Error("route store setup failed", "path", cfg.RoutesDBPath, "err", err)
		return 1
	}
	defer func() { _ = routes.Close() }()

	client := httpclient.NewOutbound()

	dl := downloader.New(appLog, client, parts, downloader.Config{
		URLTemplate: cfg.TileURLTemplate,
		BatchSize:   cfg.DownloadBatchSize,
		BatchDelay:  cfg.DownloadBatchDelay,
	})

	w := worker.New(appLog, parts, routes, dl, client, worker.Config{
		ShellPartition:    cfg.ShellPartition(),
		ShellUpstreamURL:  cfg.ShellUpstreamURL,
		StorageQuotaBytes: cfg.StorageQuotaBytes,
	})

	if err := w.Install(ctx); err != nil {
		appLog.Error("install failed", "err", err)
		return 1
	}
	if err := w.Activate(ctx); err != nil {
		appLog.Error("activation failed", "err", err)
		return 1
	}

	if cfg.Invalidation.Enabled {
		consumer := kafkaconsumer.New(kafkaconsumer.Config{
			Brokers:             splitCSV(cfg.Invalidation.Brokers),
			Topic:               cfg.Invalidation.Topic,
			GroupID:             cfg.Invalidation.GroupID,
			InitialOffsetOldest: true,
		}, appLog, parts)
		go func() {
			if err := consumer.Start(ctx); err != nil {
				appLog.Error("activation consumer exited", "err", err)
			}
		}()
	}

	front, err := strategy.New(appLog, parts, client, strategy.Config{
		TileHostPattern: cfg.TileHostPattern,
		APIPrefixes:     cfg.APIPrefixes,
		UpstreamURL:     cfg.UpstreamURL,
		TileMemEntries:  cfg.TileMemEntries,
		TileTTL:         cfg.TileTTL,
	})
	if err != nil {
		appLog.Error("strategy engine setup failed", "err", err)
		return 1
	}

	router := api.Routes(appLog, w, front, provider.Handler())
	if err := api.Run(ctx, cfg.Addr, appLog, router); err != nil {
		appLog.Error("server exited with error", "err", err)
		return 1
	}
	appLog.Info("worker stopped")
	return 0
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
