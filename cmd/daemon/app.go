package main

import (
	"context"

	"github.com/coreos/go-systemd/v22/daemon"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/genricoloni/mprisence/internal/config"
	"github.com/genricoloni/mprisence/internal/coverart"
	"github.com/genricoloni/mprisence/internal/domain"
	"github.com/genricoloni/mprisence/internal/engine"
	"github.com/genricoloni/mprisence/internal/monitor"
	"github.com/genricoloni/mprisence/internal/presence"
)

// appOptions wires the daemon for an already loaded configuration
func appOptions(cfg *config.Config) fx.Option {
	return fx.Options(
		fx.Supply(cfg),

		// Logger configuration
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),

		// Provide dependencies
		fx.Provide(
			newLogger,
			fx.Annotate(monitor.NewMprisMonitor, fx.As(new(domain.BusClient))),
			fx.Annotate(presence.NewIPCClient, fx.As(new(domain.PresenceClient))),
			fx.Annotate(presence.NewPublisher, fx.As(new(domain.PresenceSink))),
			newArtResolver,
			config.NewWatcher,
			newEngine,
		),

		// Lifecycle hooks
		fx.Invoke(registerHooks),
	)
}

// newLogger creates the production logger at the configured level
func newLogger(cfg *config.Config) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(cfg.LogLevel)
	logger, err := zcfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.Named(config.AppName), nil
}

// newArtResolver always builds the resolver; cover-art.enabled gates its use
// in the engine so that a reload can switch lookups on.
func newArtResolver(logger *zap.Logger, cfg *config.Config) domain.ArtResolver {
	return coverart.NewMusicBrainzResolver(logger.Named("coverart"), cfg)
}

func newEngine(
	logger *zap.Logger,
	cfg *config.Config,
	bus domain.BusClient,
	sink domain.PresenceSink,
	art domain.ArtResolver,
	watcher *config.Watcher,
) *engine.Engine {
	return engine.NewEngine(logger.Named("engine"), cfg, bus, sink, art, watcher)
}

// sdNotify reports state to systemd; it is a no-op outside a notify unit
func sdNotify(logger *zap.Logger, state string) {
	if _, err := daemon.SdNotify(false, state); err != nil {
		logger.Warn("Failed to notify systemd", zap.String("state", state), zap.Error(err))
	}
}

// registerHooks sets up application lifecycle hooks
func registerHooks(
	lc fx.Lifecycle,
	shutdowner fx.Shutdowner,
	logger *zap.Logger,
	eng *engine.Engine,
	watcher *config.Watcher,
) {
	stopped := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			// The watcher outlives the start context
			if err := watcher.Start(context.Background()); err != nil {
				logger.Warn("Config hot reload unavailable", zap.Error(err))
			}
			if err := eng.Start(ctx); err != nil {
				return err
			}

			go func() {
				select {
				case err := <-eng.Fatal():
					logger.Error("Fatal error, shutting down", zap.Error(err))
					if err := shutdowner.Shutdown(fx.ExitCode(1)); err != nil {
						logger.Error("Failed to request shutdown", zap.Error(err))
					}
				case <-stopped:
				}
			}()

			sdNotify(logger, daemon.SdNotifyReady)
			logger.Info("mprisence daemon started", zap.String("version", config.AppVersion))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("Shutting down")
			sdNotify(logger, daemon.SdNotifyStopping)
			close(stopped)

			err := eng.Stop(ctx)
			watcher.Stop()
			_ = logger.Sync()
			return err
		},
	})
}
