package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/swarm-dev/swarm/internal/config"
	"github.com/swarm-dev/swarm/internal/events"
	"github.com/swarm-dev/swarm/internal/gates"
	"github.com/swarm-dev/swarm/internal/lifecycle"
	"github.com/swarm-dev/swarm/internal/storage"
	"github.com/swarm-dev/swarm/internal/telemetry"
)

// app is everything a command needs, wired from one Config
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	store  storage.Storage
	bus    *events.Bus
	engine *lifecycle.Engine
	gate   *gates.Gate
	nats   *events.NATSPublisher
}

func newLogger(c config.LogConfig, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

// newApp opens the store and wires the engine to the notification sinks:
// transition metrics, the deploy gate and, when configured, NATS.
func newApp(ctx context.Context, cfg *config.Config, logw io.Writer) (*app, error) {
	logger, err := newLogger(cfg.Log, logw)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	if err := telemetry.Init(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		Stdout:         cfg.Telemetry.Stdout,
		Writer:         logw,
		ServiceName:    "swarm",
		ServiceVersion: Version,
	}); err != nil {
		return nil, err
	}

	store, err := storage.NewStorage(ctx, cfg.StorageConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, store: store}
	a.bus = events.NewBus(
		events.WithMaxConcurrent(cfg.Events.MaxConcurrentDeliveries),
		events.WithLogger(logger),
	)

	counter, err := telemetry.TransitionCounter(nil)
	if err != nil {
		_ = a.Close(ctx)
		return nil, err
	}
	a.bus.Subscribe("metrics", counter)

	a.gate = gates.New(store, logger)
	a.bus.Subscribe("deploy-gate", a.gate.OnDone(nil))

	if cfg.Events.NATSURL != "" {
		a.nats, err = events.ConnectNATS(cfg.Events.NATSURL, cfg.Events.NATSSubjectPrefix)
		if err != nil {
			_ = a.Close(ctx)
			return nil, err
		}
		a.bus.Subscribe("nats", a.nats.Handle)
	}

	a.engine, err = lifecycle.New(lifecycle.Config{
		Store:                    store,
		Notifier:                 a.bus,
		Logger:                   logger,
		DefaultMaxReviewAttempts: cfg.Claim.DefaultMaxReviewAttempts,
	})
	if err != nil {
		_ = a.Close(ctx)
		return nil, err
	}
	return a, nil
}

// Close waits for in-flight notifications, then releases every resource
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.bus != nil {
		a.bus.Wait()
		if n := a.bus.Dropped(); n > 0 {
			a.logger.Warn("state change notifications dropped", "count", n)
		}
	}
	if a.nats != nil {
		if err := a.nats.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close NATS: %w", err))
		}
	}
	if err := telemetry.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown telemetry: %w", err))
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close storage: %w", err))
		}
	}
	return errors.Join(errs...)
}
