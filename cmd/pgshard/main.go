package main

import (
	"flag"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/user/pgshard/internal/admin"
	"github.com/user/pgshard/internal/config"
	"github.com/user/pgshard/internal/listener"
	"github.com/user/pgshard/internal/metrics"
	"github.com/user/pgshard/internal/pool"
	"github.com/user/pgshard/internal/proxy"
	"github.com/user/pgshard/internal/router"
	"github.com/user/pgshard/internal/stats"
)

const statsInterval = 15 * time.Second

func main() {
	configPath := flag.String("config", "pgshard.yaml", "path to the configuration file")
	metricsAddr := flag.String("metrics-addr", ":8080", "prometheus metrics listen address")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	log := slog.Default().With("component", "main")

	store, err := config.NewStore(*configPath)
	if err != nil {
		log.Error("failed to load configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}
	cfg := store.Current()

	registry, err := pool.NewRegistry(cfg)
	if err != nil {
		log.Error("failed to build topology", "error", err)
		os.Exit(1)
	}

	aggregator := stats.NewAggregator()
	stopAveraging := aggregator.StartAveraging(statsInterval)
	defer stopAveraging()

	p := proxy.NewProxy(registry, router.NewRouter(), aggregator)
	clientSrv := listener.NewServer(listener.ListenerConfig{
		Name:           "client",
		Address:        net.JoinHostPort(cfg.General.Host, strconv.Itoa(cfg.General.Port)),
		MaxConnections: cfg.General.MaxConnections,
	}, p)

	adminHandler := admin.NewHandler(registry, store, aggregator)
	adminSrv := listener.NewServer(listener.ListenerConfig{
		Name:           "admin",
		Address:        net.JoinHostPort(cfg.General.Host, strconv.Itoa(cfg.General.AdminPort)),
		MaxConnections: 16,
	}, listener.HandlerFunc(adminHandler.ServeConn))

	go func() {
		if err := clientSrv.Start(); err != nil {
			log.Error("client listener failed", "error", err)
			os.Exit(1)
		}
	}()
	go func() {
		if err := adminSrv.Start(); err != nil {
			log.Error("admin listener failed", "error", err)
			os.Exit(1)
		}
	}()
	go func() {
		log.Info("metrics server listening", "address", *metricsAddr)
		if err := metrics.Serve(*metricsAddr); err != nil {
			log.Warn("metrics server failed", "error", err)
		}
	}()

	log.Info("pgshard started",
		"shards", registry.ShardCount(),
		"port", cfg.General.Port,
		"admin_port", cfg.General.AdminPort,
		"pool_mode", cfg.General.PoolMode)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-sigChan
		if sig == syscall.SIGHUP {
			log.Info("reloading configuration", "path", store.Path())
			if err := store.Reload(); err != nil {
				metrics.ConfigReloadsTotal.WithLabelValues("error").Inc()
				log.Error("reload failed, keeping current configuration", "error", err)
				continue
			}
			if err := registry.Rebuild(store.Current()); err != nil {
				metrics.ConfigReloadsTotal.WithLabelValues("error").Inc()
				log.Error("topology rebuild failed", "error", err)
				continue
			}
			metrics.ConfigReloadsTotal.WithLabelValues("ok").Inc()
			log.Info("configuration reloaded", "version", store.Current().Version)
			continue
		}

		log.Info("shutting down", "signal", sig.String())
		break
	}

	clientSrv.Stop()
	adminSrv.Stop()
	registry.Close()
	log.Info("shutdown complete")
}
