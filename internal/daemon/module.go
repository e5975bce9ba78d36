package daemon

import (
	"context"
	"time"

	"github.com/pioner22/client-web-sub000/internal/api"
	"github.com/pioner22/client-web-sub000/internal/bus"
	"github.com/pioner22/client-web-sub000/internal/config"
	"github.com/pioner22/client-web-sub000/internal/lifecycle"
	"github.com/pioner22/client-web-sub000/internal/lock"
	"github.com/pioner22/client-web-sub000/internal/logging"
	"github.com/pioner22/client-web-sub000/internal/outbox"
	"github.com/pioner22/client-web-sub000/internal/persist"
	"github.com/pioner22/client-web-sub000/internal/session"
	"github.com/pioner22/client-web-sub000/internal/status"
	"github.com/pioner22/client-web-sub000/internal/store"
	intsync "github.com/pioner22/client-web-sub000/internal/sync"
	"github.com/pioner22/client-web-sub000/internal/userstate"
	"github.com/pioner22/client-web-sub000/internal/wire"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string // optional override for testing; empty = use default
	ConfigPath  string // optional override; empty = ~/.chatsync/config.toml
}

func (p Params) socketPath() string {
	if p.SocketPath != "" {
		return p.SocketPath
	}
	return p.paths().Socket
}

func (p Params) paths() session.Paths {
	return session.For(p.SessionName)
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideGateway,
			provideTransport,
			provideReconciler,
			provideHistory,
			provideOutbox,
			provideUserState,
			provideCoordinator,
			provideSyncEngine,
			provideEngineService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = session.ConfigPath()
	}
	return config.LoadOrDefault(path)
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	return logging.New(p.paths().LogFile(), p.SessionName, cfg.Log)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := p.paths().Ensure(); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(p.paths().Dir, p.socketPath())
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

// provideStore depends on the lock so the database is only opened by the
// process holding the session.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := p.paths().State
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
		logger.Info("migrations applied", zap.Uint("from", result.From), zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	entries, err := db.Keys(persist.KeyPrefix)
	if err != nil {
		logger.Warn("listing persisted state failed", zap.Error(err))
	}
	logger.Info("store initialized", zap.String("path", db.Path()), zap.Int("entries", len(entries)))
	return db, nil
}

func provideGateway(db *store.DB, logger *zap.Logger) *persist.Gateway {
	return persist.NewGateway(db, logger.Named("persist"))
}

func provideTransport(cfg *config.Config, b *bus.Bus, logger *zap.Logger) *wire.Transport {
	return wire.New(wire.Config{URL: cfg.Server.URL}, b, logger.Named("wire"))
}

func provideReconciler(cfg *config.Config, b *bus.Bus, logger *zap.Logger) *intsync.Reconciler {
	return intsync.NewReconciler(b, cfg.Limits.EffectiveTrimCap(), logger.Named("reconciler"))
}

func provideHistory(rec *intsync.Reconciler, tr *wire.Transport, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *intsync.History {
	return intsync.NewHistory(rec, tr, b, cfg.Limits.HistoryTimeout(), logger.Named("history"))
}

func provideOutbox(rec *intsync.Reconciler, tr *wire.Transport, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *outbox.Manager {
	return outbox.NewManager(rec, tr, b, outbox.Config{
		Batch:         cfg.Limits.DrainBatch,
		RetryInterval: cfg.Limits.RetryInterval(),
		DrainInterval: cfg.Limits.DrainInterval(),
	}, logger.Named("outbox"))
}

func provideUserState(b *bus.Bus, logger *zap.Logger) *userstate.State {
	return userstate.New(b, logger.Named("userstate"))
}

func provideCoordinator(
	cfg *config.Config,
	machine *status.Machine,
	tr *wire.Transport,
	rec *intsync.Reconciler,
	history *intsync.History,
	ob *outbox.Manager,
	user *userstate.State,
	gw *persist.Gateway,
	logger *zap.Logger,
) *lifecycle.Coordinator {
	c := lifecycle.New(machine, tr, rec, history, ob, user, gw, logger.Named("lifecycle"))
	c.SetCredential(lifecycle.Credential{UserID: cfg.Account.UserID, Token: cfg.Account.Token})
	return c
}

func provideSyncEngine(rec *intsync.Reconciler, history *intsync.History, ob *outbox.Manager, user *userstate.State, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(rec, history, ob, user, logger.Named("sync"))
}

func provideEngineService(
	p Params,
	coord *lifecycle.Coordinator,
	rec *intsync.Reconciler,
	history *intsync.History,
	ob *outbox.Manager,
	user *userstate.State,
	b *bus.Bus,
) *api.EngineService {
	return api.NewEngineService(p.SessionName, coord, rec, history, ob, user, b)
}

func registerLifecycle(
	lc fx.Lifecycle,
	srv *Server,
	lk *lock.Lock,
	db *store.DB,
	tr *wire.Transport,
	engine *intsync.Engine,
	coord *lifecycle.Coordinator,
	ob *outbox.Manager,
	logger *zap.Logger,
) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Inbound frames reach the engine before the coordinator sees
			// the same event; both run on the transport's read goroutine.
			tr.RegisterHandler(engine.Handle)
			tr.RegisterHandler(coord.Handle)

			coord.Boot()

			// Start gRPC server in background.
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			ob.Start(context.Background())
			tr.Start(context.Background())
			return nil
		},
		OnStop: func(ctx context.Context) error {
			tr.Stop()
			ob.Stop()
			stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			srv.Stop(stopCtx)
			cancel()
			coord.Flush()
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
