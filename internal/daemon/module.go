// Package daemon composes the account daemon out of its components via fx.
package daemon

import (
	"context"
	"fmt"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/macaw-im/macaw/internal/account"
	"github.com/macaw-im/macaw/internal/archive"
	"github.com/macaw-im/macaw/internal/bus"
	"github.com/macaw-im/macaw/internal/config"
	"github.com/macaw-im/macaw/internal/lock"
	"github.com/macaw-im/macaw/internal/logging"
	"github.com/macaw-im/macaw/internal/resume"
	"github.com/macaw-im/macaw/internal/status"
	"github.com/macaw-im/macaw/internal/store"
	intsync "github.com/macaw-im/macaw/internal/sync"
	"github.com/macaw-im/macaw/internal/xmpp"
)

// Params holds the resolved account configuration passed to the fx module.
type Params struct {
	AccountName string
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideAccountConfig,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideAdapter,
			provideResumeManager,
			provideArchiveManager,
			provideSyncEngine,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(account.LogPath(p.AccountName), p.AccountName)
}

func provideAccountConfig(p Params) (config.Account, error) {
	cfg, err := config.Load(account.ConfigPath())
	if err != nil {
		return config.Account{}, fmt.Errorf("load config: %w", err)
	}
	acct, ok := cfg.Account(p.AccountName)
	if !ok {
		return config.Account{}, fmt.Errorf("account %q not configured", p.AccountName)
	}
	if acct.JID == "" {
		return config.Account{}, fmt.Errorf("account %q has no jid", p.AccountName)
	}
	return acct, nil
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := account.EnsureDir(p.AccountName); err != nil {
		return nil, err
	}
	logger.Info("acquiring account lock", zap.String("account", p.AccountName))
	l, err := lock.Acquire(account.Dir(p.AccountName))
	if err != nil {
		return nil, err
	}
	logger.Info("account lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := account.DBPath(p.AccountName)
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

func provideAdapter(acct config.Account, b *bus.Bus, logger *zap.Logger) (*xmpp.Adapter, error) {
	return xmpp.NewAdapter(acct, b, logger)
}

func provideResumeManager(adapter *xmpp.Adapter, db *store.DB, b *bus.Bus, logger *zap.Logger) *resume.Manager {
	return resume.NewManager(adapter.Self(), db, b, logger)
}

func provideArchiveManager(acct config.Account, adapter *xmpp.Adapter, b *bus.Bus, logger *zap.Logger) *archive.Manager {
	return archive.NewManager(adapter, b, logger, archive.Options{
		PageSize:     acct.PageSize,
		HistoryLimit: acct.HistoryLimit,
	})
}

func provideSyncEngine(am *archive.Manager, rm *resume.Manager, machine *status.Machine, adapter *xmpp.Adapter, db *store.DB, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(am, rm, machine, adapter, db, b, logger)
}

func registerLifecycle(lc fx.Lifecycle, acct config.Account, lk *lock.Lock, db *store.DB, adapter *xmpp.Adapter, rm *resume.Manager, engine *intsync.Engine, machine *status.Machine, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			if err := rm.Restore(); err != nil {
				logger.Warn("failed to restore session state", zap.Error(err))
			}
			// Seed the room snapshot with the configured rooms so the
			// first cold reconnect joins them.
			for _, r := range acct.Rooms {
				rm.RoomJoined(resume.Room{JID: r.JID, Nick: r.Nick, Password: r.Password})
			}

			engine.Start(context.Background())

			_ = machine.Transition(status.Connecting)
			adapter.Start(context.Background())

			logger.Info("daemon started", zap.String("jid", adapter.Self()))
			return nil
		},
		OnStop: func(_ context.Context) error {
			adapter.Stop()
			engine.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
