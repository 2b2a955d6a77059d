package daemon

import (
	"context"
	"os"
	"time"

	"github.com/matfraga/pigeon/internal/bus"
	"github.com/matfraga/pigeon/internal/config"
	"github.com/matfraga/pigeon/internal/dedup"
	"github.com/matfraga/pigeon/internal/endpoint"
	"github.com/matfraga/pigeon/internal/lock"
	"github.com/matfraga/pigeon/internal/logging"
	"github.com/matfraga/pigeon/internal/reconcile"
	"github.com/matfraga/pigeon/internal/roster"
	"github.com/matfraga/pigeon/internal/session"
	"github.com/matfraga/pigeon/internal/status"
	"github.com/matfraga/pigeon/internal/store"
	"github.com/matfraga/pigeon/internal/transport"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string // optional override for testing; empty = use default
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideConfig,
			provideStore,
			provideResolver,
			provideManager,
			provideDedupCache,
			NewGateway,
			provideEngine,
			provideRoster,
			NewService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideConfig(logger *zap.Logger) *config.Config {
	cfg, err := config.Load(session.ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("config unreadable, using defaults", zap.Error(err))
		}
		return config.Default()
	}
	return cfg
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.SessionName)
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

func provideResolver(db *store.DB, cfg *config.Config, logger *zap.Logger) *endpoint.Resolver {
	return endpoint.NewResolver(db, cfg.Endpoints, cfg.ProbeTimeout(), logger)
}

func provideManager(resolver *endpoint.Resolver, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *transport.Manager {
	return transport.NewManager(resolver, b, cfg, logger)
}

func provideDedupCache() *dedup.Cache {
	return dedup.New()
}

func provideEngine(db *store.DB, b *bus.Bus, cache *dedup.Cache, gateway *Gateway, manager *transport.Manager, logger *zap.Logger) *reconcile.Engine {
	return reconcile.NewEngine(db, b, cache, gateway, manager, logger)
}

func provideRoster(db *store.DB, b *bus.Bus, logger *zap.Logger) *roster.Aggregator {
	return roster.NewAggregator(db, b, logger)
}

// rosterRefreshInterval paces the fallback full-roster fetch that materializes
// conversations the event stream could not synthesize locally.
const rosterRefreshInterval = 5 * time.Minute

func registerLifecycle(lc fx.Lifecycle, srv *Server, svc *Service, lk *lock.Lock, db *store.DB, b *bus.Bus, manager *transport.Manager, gateway *Gateway, engine *reconcile.Engine, agg *roster.Aggregator, machine *status.Machine, logger *zap.Logger) {
	var stopDriver context.CancelFunc

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Warm start: logs and roster come back from the store
			// before any network activity.
			if err := engine.Hydrate(); err != nil {
				logger.Warn("engine hydrate failed", zap.Error(err))
			}
			if err := agg.Hydrate(); err != nil {
				logger.Warn("roster hydrate failed", zap.Error(err))
			}
			if profile, err := db.GetProfile(); err == nil && profile != nil {
				engine.SetLocalUser(profile.UserID)
				agg.SetLocalUser(profile.UserID)
			}

			engine.Start(context.Background())
			agg.Start(context.Background())

			var driverCtx context.Context
			driverCtx, stopDriver = context.WithCancel(context.Background())
			go driveStateMachine(driverCtx, b, machine, engine, agg, db, logger)
			go refreshRosterLoop(driverCtx, gateway, agg, manager, logger)

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("control server error", zap.Error(err))
				}
			}()

			// Auto-connect when a credential survives from a previous run.
			token, err := db.GetKV(store.KeyCredential)
			if err != nil {
				return err
			}
			if token == "" {
				logger.Info("no credential stored, auth required")
				_ = machine.Transition(status.AuthRequired)
				return nil
			}
			go func() {
				if err := svc.connect(context.Background(), token); err != nil {
					logger.Error("auto-connect failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if stopDriver != nil {
				stopDriver()
			}
			agg.Stop()
			engine.Stop()
			manager.Disconnect()
			srv.Stop(ctx)
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}

// driveStateMachine folds transport connection transitions into the session
// state machine and re-binds identity after automatic reconnects.
func driveStateMachine(ctx context.Context, b *bus.Bus, machine *status.Machine, engine *reconcile.Engine, agg *roster.Aggregator, db *store.DB, logger *zap.Logger) {
	ch, unsub := b.Subscribe("conn.", 64)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			switch evt.Kind {
			case bus.KindConnUp:
				_ = machine.Transition(status.Connecting)
				_ = machine.Transition(status.Ready)
				if id, ok := evt.Payload.(*transport.AuthenticatedPayload); ok && id != nil {
					engine.SetLocalUser(id.UserID)
					agg.SetLocalUser(id.UserID)
					if err := db.SetProfile(&store.Profile{UserID: id.UserID, Username: id.Username, DisplayName: id.DisplayName}); err != nil {
						logger.Warn("persist profile", zap.Error(err))
					}
				}
			case bus.KindConnDown:
				_ = machine.Transition(status.Reconnecting)
			case bus.KindConnFailed:
				_ = machine.Transition(status.Offline)
				logger.Warn("reconnect budget exhausted, explicit retry required")
			}
		case <-ctx.Done():
			return
		}
	}
}

// refreshRosterLoop periodically re-fetches the full roster while connected.
func refreshRosterLoop(ctx context.Context, gateway *Gateway, agg *roster.Aggregator, manager *transport.Manager, logger *zap.Logger) {
	ticker := time.NewTicker(rosterRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if manager.State() != transport.StateConnected {
				continue
			}
			convs, err := gateway.FetchRoster(ctx)
			if err != nil {
				logger.Debug("roster refresh failed", zap.Error(err))
				continue
			}
			seed := make([]*store.Conversation, 0, len(convs))
			for i := range convs {
				seed = append(seed, &convs[i])
			}
			agg.Seed(seed)
		case <-ctx.Done():
			return
		}
	}
}
