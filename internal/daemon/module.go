package daemon

import (
	"context"
	"os"

	"github.com/mfigueiredo/msgsync/internal/bus"
	"github.com/mfigueiredo/msgsync/internal/config"
	"github.com/mfigueiredo/msgsync/internal/datadir"
	"github.com/mfigueiredo/msgsync/internal/gateway"
	"github.com/mfigueiredo/msgsync/internal/lock"
	"github.com/mfigueiredo/msgsync/internal/logging"
	"github.com/mfigueiredo/msgsync/internal/outbox"
	"github.com/mfigueiredo/msgsync/internal/status"
	"github.com/mfigueiredo/msgsync/internal/store"
	intsync "github.com/mfigueiredo/msgsync/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds what the host application must supply: where durable state
// lives and the concrete gateway to its messaging server. Namer is
// optional and only improves warning texts.
type Params struct {
	DataDir string
	Gateway gateway.RemoteGateway
	Namer   intsync.Namer
}

// Module returns the fx module composing the reconciliation subsystem:
// store, connectivity tracker, sync engine, submitter, poller factory and
// the reconnect trigger.
func Module(p Params) fx.Option {
	return fx.Module("msgsync",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideTracker,
			provideLock,
			provideStore,
			provideGateway,
			provideEngine,
			provideSubmitter,
			providePollers,
			provideTrigger,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	path := datadir.ConfigPath(p.DataDir)
	if _, err := os.Stat(path); err != nil {
		return config.Default(), nil
	}
	return config.Load(path)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(datadir.LogPath(p.DataDir))
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideTracker(b *bus.Bus) *status.Tracker {
	return status.NewTracker(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := datadir.Ensure(p.DataDir); err != nil {
		return nil, err
	}
	logger.Info("acquiring data dir lock", zap.String("dir", p.DataDir))
	l, err := lock.Acquire(p.DataDir)
	if err != nil {
		return nil, err
	}
	logger.Info("data dir lock acquired")
	return l, nil
}

func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := datadir.DBPath(p.DataDir)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideGateway(p Params) gateway.RemoteGateway {
	return p.Gateway
}

func provideEngine(p Params, db *store.DB, gw gateway.RemoteGateway, tracker *status.Tracker, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, gw, tracker, b, p.Namer, logger, intsync.Config{
		SelfUserID:        cfg.SelfUserID,
		RequestTimeout:    cfg.RequestTimeout(),
		DedupSafetyMargin: cfg.DedupSafetyMargin(),
		LegacySendDelay:   cfg.LegacySendDelay(),
	})
}

func provideSubmitter(db *store.DB, gw gateway.RemoteGateway, tracker *status.Tracker, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *outbox.Submitter {
	return outbox.NewSubmitter(db, gw, tracker, b, logger, cfg.SelfUserID)
}

func providePollers(gw gateway.RemoteGateway, engine *intsync.Engine, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *Pollers {
	return NewPollers(gw, engine, b, cfg, logger)
}

func provideTrigger(engine *intsync.Engine, b *bus.Bus, logger *zap.Logger) *ReconnectTrigger {
	return NewReconnectTrigger(engine, b, logger)
}

func registerLifecycle(lc fx.Lifecycle, trigger *ReconnectTrigger, db *store.DB, lk *lock.Lock, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			trigger.Start(context.Background())
			logger.Info("reconciliation subsystem started")
			return nil
		},
		OnStop: func(_ context.Context) error {
			trigger.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("reconciliation subsystem stopped")
			return nil
		},
	})
}
