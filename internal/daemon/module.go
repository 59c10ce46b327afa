package daemon

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/mimir-im/mimir/internal/bus"
	"github.com/mimir-im/mimir/internal/config"
	"github.com/mimir-im/mimir/internal/cursor"
	"github.com/mimir-im/mimir/internal/engine"
	"github.com/mimir-im/mimir/internal/lock"
	"github.com/mimir-im/mimir/internal/logging"
	"github.com/mimir-im/mimir/internal/mirror"
	"github.com/mimir-im/mimir/internal/outbox"
	"github.com/mimir-im/mimir/internal/profile"
	"github.com/mimir-im/mimir/internal/roster"
	"github.com/mimir-im/mimir/internal/store"
	"github.com/mimir-im/mimir/internal/transport"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
	SocketPath  string // optional override for testing; empty = use default
}

// localIdentity is the device pubkey decoded from config.
type localIdentity []byte

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideIdentity,
			provideServer,
			provideSubmitter,
			provideMirror,
			provideReconciler,
			provideCursor,
			provideReplayer,
			provideEngine,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(profile.Dir(p.ProfileName))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.DBPath(p.ProfileName)
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

func provideIdentity() (localIdentity, error) {
	cfg, err := config.Load(profile.ConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.IdentityPubkey == "" {
		return nil, fmt.Errorf("identity_pubkey missing from %s", profile.ConfigPath())
	}
	pub, err := hex.DecodeString(cfg.IdentityPubkey)
	if err != nil {
		return nil, fmt.Errorf("decode identity_pubkey: %w", err)
	}
	return localIdentity(pub), nil
}

func provideServer(p Params, logger *zap.Logger) (*Server, error) {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = profile.SocketPath(p.ProfileName)
	}
	return NewServer(socketPath, logger)
}

func provideSubmitter(srv *Server) transport.Submitter {
	return srv
}

func provideMirror(db *store.DB, b *bus.Bus, id localIdentity, logger *zap.Logger) *mirror.Mirror {
	return mirror.New(db, b, id, logger)
}

func provideReconciler(db *store.DB, b *bus.Bus, logger *zap.Logger) *roster.Reconciler {
	return roster.New(db, b, nil, logger)
}

func provideCursor(db *store.DB, logger *zap.Logger) *cursor.Cursor {
	return cursor.New(db, logger)
}

func provideReplayer(db *store.DB, sub transport.Submitter, m *mirror.Mirror, c *cursor.Cursor, b *bus.Bus, logger *zap.Logger) *outbox.Replayer {
	return outbox.NewReplayer(db, sub, m, c, b, logger)
}

func provideEngine(db *store.DB, m *mirror.Mirror, r *roster.Reconciler, c *cursor.Cursor, o *outbox.Replayer, sub transport.Submitter, b *bus.Bus, id localIdentity, logger *zap.Logger) *engine.Engine {
	return engine.New(db, m, r, c, o, sub, b, id, logger)
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, eng *engine.Engine, replayer *outbox.Replayer, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			srv.Attach(eng)

			// Serve the transport bridge in the background.
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("bridge server error", zap.Error(err))
				}
			}()

			// Replay queued operations whenever the transport is up.
			replayer.Start(context.Background())
			return nil
		},
		OnStop: func(ctx context.Context) error {
			replayer.Stop()
			srv.Stop(ctx)
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
