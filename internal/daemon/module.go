package daemon

import (
	"context"
	"path/filepath"

	"github.com/matheus3301/convsync/internal/bus"
	"github.com/matheus3301/convsync/internal/config"
	"github.com/matheus3301/convsync/internal/lock"
	"github.com/matheus3301/convsync/internal/logging"
	"github.com/matheus3301/convsync/internal/metrics"
	"github.com/matheus3301/convsync/internal/remote"
	"github.com/matheus3301/convsync/internal/store"
	intsync "github.com/matheus3301/convsync/internal/sync"
	"github.com/matheus3301/convsync/internal/workspace"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Params holds the resolved workspace configuration passed to the fx module.
type Params struct {
	Workspace string
	Config    *config.Config
	Dir       string // optional override for testing; empty = workspace.Dir
}

func (p Params) dir() string {
	if p.Dir != "" {
		return p.Dir
	}
	return workspace.Dir(p.Workspace)
}

func (p Params) socketPath() string {
	if p.Dir == "" {
		return workspace.SocketPath(p.Workspace)
	}
	return filepath.Join(p.Dir, "daemon.sock")
}

func (p Params) dbPath() string {
	if p.Dir == "" {
		return workspace.DBPath(p.Workspace)
	}
	return filepath.Join(p.Dir, "convsync.db")
}

func (p Params) logPath() string {
	if p.Dir == "" {
		return workspace.LogPath(p.Workspace)
	}
	return filepath.Join(p.Dir, "logs", "convsyncd.log")
}

func (p Params) config() *config.Config {
	if p.Config == nil {
		return config.Default()
	}
	return p.Config
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideRegistry,
			provideMetrics,
			provideBus,
			provideLock,
			provideStore,
			provideSyncEngine,
			provideService,
			NewServer,
			NewHTTPServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(p.logPath(), p.Workspace, zapcore.InfoLevel)
}

func provideRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func provideMetrics(reg *prometheus.Registry) *metrics.Metrics {
	return metrics.New(reg)
}

func provideBus(m *metrics.Metrics) *bus.Bus {
	return bus.New(bus.WithDropHook(m.BusDropped))
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring workspace lock", zap.String("dir", p.dir()))
	l, err := lock.Acquire(p.dir())
	if err != nil {
		return nil, err
	}
	logger.Info("workspace lock acquired")
	return l, nil
}

// closingStore is a store the daemon owns and must close on stop.
type closingStore interface {
	store.Store
	Close() error
}

// provideStore opens the configured backend and runs its migrations. The
// lock parameter orders it after lock acquisition.
func provideStore(lc fx.Lifecycle, p Params, _ *lock.Lock, b *bus.Bus, logger *zap.Logger) (store.Store, error) {
	cfg := p.config().Store
	var (
		st     closingStore
		result *store.MigrateResult
		err    error
	)
	switch cfg.Driver {
	case config.DriverPostgres:
		if result, err = store.MigratePostgres(cfg.DSN); err != nil {
			return nil, err
		}
		if st, err = store.OpenPostgres(context.Background(), cfg.DSN, b, logger); err != nil {
			return nil, err
		}
	default:
		path := cfg.DSN
		if path == "" {
			path = p.dbPath()
		}
		db, openErr := store.OpenSQLite(path, b, logger)
		if openErr != nil {
			return nil, openErr
		}
		if result, err = db.Migrate(); err != nil {
			_ = db.Close()
			return nil, err
		}
		st = db
	}

	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("driver", cfg.Driver))

	lc.Append(fx.Hook{OnStop: func(context.Context) error { return st.Close() }})
	return st, nil
}

func provideSyncEngine(b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(b, m, logger)
}

func provideService(st store.Store, logger *zap.Logger) *remote.Service {
	return remote.NewService(st, logger)
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, httpSrv *HTTPServer, lk *lock.Lock, engine *intsync.Engine, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// The engine must be subscribed before clients can write.
			engine.Start(context.Background())

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()
			httpSrv.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			httpSrv.Stop(ctx)
			srv.Stop(ctx)
			engine.Stop()
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
