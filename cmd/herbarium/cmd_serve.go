package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/HerbHall/herbarium/internal/config"
	"github.com/HerbHall/herbarium/internal/event"
	"github.com/HerbHall/herbarium/internal/lifecycle"
	"github.com/HerbHall/herbarium/internal/metrics"
	"github.com/HerbHall/herbarium/internal/notify"
	"github.com/HerbHall/herbarium/internal/records"
	"github.com/HerbHall/herbarium/internal/repository"
	"github.com/HerbHall/herbarium/internal/server"
	"github.com/HerbHall/herbarium/internal/store"
	"github.com/HerbHall/herbarium/internal/version"
	"github.com/HerbHall/herbarium/internal/worker"
)

const shutdownTimeout = 10 * time.Second

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to configuration file")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	settings, err := loadSettings(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}
	logger, err := newLogger(settings.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	if err := serve(settings, logger); err != nil {
		logger.Error("server stopped with error", zap.Error(err))
		return 1
	}
	return 0
}

func serve(settings config.Settings, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Herbarium server starting", zap.String("version", version.Short()))

	bus := event.NewBus(logger.Named("event"))
	rs, closeStore, err := openStore(ctx, settings.Database, bus)
	if err != nil {
		return err
	}
	defer closeStore()

	pool, err := worker.New(settings.Worker, logger.Named("worker"))
	if err != nil {
		return fmt.Errorf("worker pool: %w", err)
	}
	m := metrics.New()
	m.RegisterPool(pool)

	hub := notify.NewHub(logger.Named("notify"))
	repo := repository.New(rs, pool, hub, settings.Paging, logger.Named("repository"), repository.WithObserver(m))
	srv := server.New(settings.Server, repo, m, logger.Named("http"))

	reg := lifecycle.NewRegistry(logger)
	components, err := bridges(settings.Notify, hub, bus, logger.Named("notify"))
	if err != nil {
		return err
	}
	for _, c := range append(components, srv) {
		if err := reg.Register(c); err != nil {
			return err
		}
	}

	if err := reg.StartAll(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	logger.Info("Herbarium server ready", zap.String("addr", srv.ListenAddr()))

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case serveErr = <-srv.Err():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	stopErr := reg.StopAll(shutdownCtx)
	if err := pool.Stop(shutdownCtx); err != nil {
		stopErr = errors.Join(stopErr, fmt.Errorf("worker pool: %w", err))
	}

	logger.Info("Herbarium server stopped")
	return errors.Join(serveErr, stopErr)
}

// bridges builds the change notification components. The in-process bus
// bridge is always present; MQTT and Redis are enabled by their addresses.
func bridges(cfg config.Notify, hub *notify.Hub, bus *event.Bus, logger *zap.Logger) ([]lifecycle.Component, error) {
	out := []lifecycle.Component{notify.NewBusBridge(bus, hub, logger)}
	if cfg.MQTT.Broker != "" {
		b, err := notify.NewMQTTBridge(cfg.MQTT, hub, bus, logger.Named("mqtt"))
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	if cfg.Redis.Addr != "" {
		b, err := notify.NewRedisBridge(cfg.Redis, hub, bus, logger.Named("redis"))
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// openStore opens the configured record backend and returns a function that
// releases it.
func openStore(ctx context.Context, db config.Database, bus event.Publisher) (records.Store, func(), error) {
	switch db.Driver {
	case config.DriverPostgres:
		pool, err := records.NewPool(ctx, db.DSN)
		if err != nil {
			return nil, nil, err
		}
		ps := records.NewPostgresStore(pool, bus)
		if err := ps.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("migrate postgres: %w", err)
		}
		return ps, pool.Close, nil
	default:
		s, err := store.New(db.Path)
		if err != nil {
			return nil, nil, err
		}
		rs, err := records.NewSQLiteStore(ctx, s, bus)
		if err != nil {
			s.Close()
			return nil, nil, err
		}
		return rs, func() { s.Close() }, nil
	}
}

func loadSettings(path string) (config.Settings, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Settings{}, err
	}
	return cfg.Settings()
}

func newLogger(cfg config.Log) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		zc.Level = level
	}
	return zc.Build()
}
