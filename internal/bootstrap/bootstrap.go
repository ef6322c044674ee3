// Package bootstrap wires configuration, storage and application handlers
// into one Ledger shared by the server and worker binaries.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"

	goredis "github.com/redis/go-redis/v9"

	"github.com/civicquest/xp-ledger/config"
	"github.com/civicquest/xp-ledger/internal/application/command"
	"github.com/civicquest/xp-ledger/internal/application/eventhandler"
	"github.com/civicquest/xp-ledger/internal/application/query"
	"github.com/civicquest/xp-ledger/internal/application/saga"
	"github.com/civicquest/xp-ledger/internal/domain/mission"
	"github.com/civicquest/xp-ledger/internal/domain/season"
	"github.com/civicquest/xp-ledger/internal/domain/shared"
	"github.com/civicquest/xp-ledger/internal/domain/xp"
	"github.com/civicquest/xp-ledger/internal/infrastructure/messaging"
	"github.com/civicquest/xp-ledger/internal/infrastructure/persistence/memory"
	"github.com/civicquest/xp-ledger/internal/infrastructure/persistence/postgres"
	"github.com/civicquest/xp-ledger/internal/infrastructure/persistence/redis"
	"github.com/civicquest/xp-ledger/internal/infrastructure/persistence/sqlite"
	apihttp "github.com/civicquest/xp-ledger/internal/interface/http"
	"github.com/civicquest/xp-ledger/internal/interface/http/handlers"
	"github.com/civicquest/xp-ledger/pkg/circuitbreaker"
	"github.com/civicquest/xp-ledger/pkg/logger"
	"github.com/civicquest/xp-ledger/pkg/retry"
)

// NewLogger builds the process logger from configuration.
func NewLogger(cfg *config.Config) *logger.Logger {
	return logger.New(logger.Options{
		Output:    os.Stdout,
		Level:     logger.ParseLevel(cfg.Log.Level),
		Format:    logger.Format(cfg.Log.Format),
		AddCaller: !cfg.IsDevelopment(),
	})
}

// Ledger holds every wired component.
type Ledger struct {
	Store    xp.Store
	Seasons  season.Resolver
	Missions mission.Lookup
	Catalog  mission.Writer
	Events   *messaging.InMemoryEventBus

	// Ranks and RankIndex are nil when redis is disabled or unreachable.
	Ranks     *redis.GuardedRankCache
	RankIndex *eventhandler.RankIndexHandler

	GrantXP         *command.GrantXPHandler
	GrantBatch      *command.GrantBatchHandler
	Rebuild         *command.RebuildBalanceHandler
	MarkLevelUpSeen *command.MarkLevelUpSeenHandler

	GetUserLevel *query.GetUserLevelHandler
	GetXPHistory *query.GetXPHistoryHandler
	GetXPBonus   *query.GetXPBonusHandler
	GetUserRank  *query.GetUserRankHandler
	CheckLevelUp *query.CheckLevelUpHandler

	Achievements *saga.AchievementFlowSaga

	Health *handlers.CompositeHealthChecker

	log     *logger.Logger
	closers []func() error
}

// storage is the driver-specific part of the wiring.
type storage struct {
	store     xp.Store
	seasons   season.Resolver
	missions  mission.Lookup
	catalog   mission.Writer
	transient func(error) bool
	ping      handlers.HealthCheckFunc
	activate  func(ctx context.Context, s season.Season) error
	close     func() error
}

// Open connects storage, applies migrations and builds every handler.
// On error everything opened so far is closed.
func Open(ctx context.Context, cfg *config.Config, log *logger.Logger) (_ *Ledger, err error) {
	l := &Ledger{
		log:    log.With(logger.Component("bootstrap")),
		Health: handlers.NewCompositeHealthChecker(cfg.App.Version),
	}
	defer func() {
		if err != nil {
			_ = l.Close()
		}
	}()

	st, err := openStorage(ctx, cfg, l.log)
	if err != nil {
		return nil, err
	}
	l.closers = append(l.closers, st.close)
	l.Health.AddCheck("ledger", st.ping)

	l.Store, l.Missions, l.Catalog = st.store, st.missions, st.catalog
	l.Seasons = st.seasons
	if cfg.App.Season != "" {
		if st.activate != nil {
			if err := st.activate(ctx, season.Season{ID: cfg.App.Season, Name: cfg.App.Season}); err != nil {
				return nil, fmt.Errorf("activate season %q: %w", cfg.App.Season, err)
			}
		} else {
			l.Seasons = season.Static(cfg.App.Season)
		}
		l.log.Info("season pinned by configuration", logger.SeasonID(cfg.App.Season))
	}

	l.Ranks = openRanks(ctx, cfg, l)

	l.Events = messaging.NewInMemoryEventBus(messaging.InMemoryEventBusConfig{
		AsyncMode:      true,
		WorkerPoolSize: cfg.Ledger.EventWorkers,
		Logger:         log,
		EnableMetrics:  true,
	})
	l.closers = append(l.closers, l.Events.Close)
	if err := eventhandler.NewOnLevelUpHandler(log).Register(l.Events); err != nil {
		return nil, fmt.Errorf("register level up handler: %w", err)
	}
	if l.Ranks != nil {
		l.RankIndex = eventhandler.NewRankIndexHandler(l.Store, l.Seasons, l.Ranks, log)
		l.loadRanks(ctx)
	}
	if l.RankIndex != nil {
		if err := l.RankIndex.Register(l.Events); err != nil {
			return nil, fmt.Errorf("register rank handler: %w", err)
		}
	}

	opts := command.Options{
		Events:  l.Events,
		Retrier: retry.DatabaseRetrier(cfg.Ledger.RetryAttempts, st.transient),
		Logger:  log,
	}
	l.GrantXP = command.NewGrantXPHandler(l.Store, l.Seasons, opts)
	l.GrantBatch = command.NewGrantBatchHandler(l.Store, l.Seasons, cfg.Ledger.BatchChunkSize, opts)
	l.Rebuild = command.NewRebuildBalanceHandler(l.Store, l.Seasons, opts)
	l.MarkLevelUpSeen = command.NewMarkLevelUpSeenHandler(l.Store, l.Seasons, log)

	l.GetUserLevel = query.NewGetUserLevelHandler(l.Store, l.Seasons)
	l.GetXPHistory = query.NewGetXPHistoryHandler(l.Store)
	l.GetXPBonus = query.NewGetXPBonusHandler(l.Store)
	l.CheckLevelUp = query.NewCheckLevelUpHandler(l.Store, l.Seasons)
	if l.Ranks != nil {
		l.GetUserRank = query.NewGetUserRankHandler(l.Store, l.Seasons, l.Ranks, log)
	} else {
		l.GetUserRank = query.NewGetUserRankHandler(l.Store, l.Seasons, nil, log)
	}

	l.Achievements, err = saga.NewAchievementFlowSagaBuilder().
		WithMissions(l.Missions).
		WithSeasons(l.Seasons).
		WithGranter(l.GrantXP).
		WithBonusReader(l.GetXPBonus).
		WithBonusRules(cfg.Ledger.BonusRules()).
		WithLogger(log).
		Build()
	if err != nil {
		return nil, fmt.Errorf("build achievement flow: %w", err)
	}

	return l, nil
}

func openStorage(ctx context.Context, cfg *config.Config, log *logger.Logger) (*storage, error) {
	switch cfg.Database.Driver {
	case config.DriverPostgres:
		log.Info("connecting to postgres")
		conn, err := postgres.NewConnectionFromURL(ctx, cfg.Database.URL, cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if cfg.Database.Migrate {
			applied, err := postgres.NewMigrator(conn).Migrate(ctx)
			if err != nil {
				conn.Close()
				return nil, fmt.Errorf("migrate postgres: %w", err)
			}
			if len(applied) > 0 {
				log.Info("postgres migrations applied", logger.Any("versions", applied))
			}
		}
		seasons := postgres.NewSeasonRepository(conn)
		missions := postgres.NewMissionRepository(conn)
		return &storage{
			store:     postgres.NewLedgerStore(conn),
			seasons:   seasons,
			missions:  missions,
			catalog:   missions,
			transient: postgres.IsTransient,
			ping:      handlers.NewDatabaseCheck(conn),
			activate:  seasons.Activate,
			close:     func() error { conn.Close(); return nil },
		}, nil

	case config.DriverSQLite:
		log.Info("opening sqlite database", logger.String("path", cfg.Database.SQLitePath))
		db, err := sqlite.Open(ctx, cfg.Database.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		seasons, missions := db.Seasons(), db.Missions()
		return &storage{
			store:     db,
			seasons:   seasons,
			missions:  missions,
			catalog:   missions,
			transient: sqlite.IsTransient,
			ping:      handlers.NewDatabaseCheck(db),
			activate:  seasons.Activate,
			close:     db.Close,
		}, nil

	case config.DriverMemory:
		log.Warn("using in-memory ledger, data is lost on exit")
		missions := memory.NewMissions()
		return &storage{
			store:     memory.NewStore(),
			seasons:   season.Static(""),
			missions:  missions,
			catalog:   missions,
			transient: func(error) bool { return false },
			ping:      func(context.Context) error { return nil },
			close:     func() error { return nil },
		}, nil
	}
	return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
}

// openRanks connects the optional redis rank index behind a circuit
// breaker. Failures degrade to ranking from the store.
func openRanks(ctx context.Context, cfg *config.Config, l *Ledger) *redis.GuardedRankCache {
	if cfg.Redis.Disabled {
		return nil
	}
	rcfg := redis.DefaultConfig()
	rcfg.Host = cfg.Redis.Host
	rcfg.Port = cfg.Redis.Port
	rcfg.Password = cfg.Redis.Password
	rcfg.DB = cfg.Redis.DB
	rcfg.PoolSize = cfg.Redis.PoolSize
	rcfg.KeyPrefix = cfg.Redis.KeyPrefix
	rcfg.Timeout = cfg.Redis.Timeout

	client, err := redis.Connect(ctx, rcfg)
	if err != nil {
		l.log.Warn("redis unavailable, ranking from the store", logger.Err(err), logger.String("addr", rcfg.Addr()))
		return nil
	}
	l.closers = append(l.closers, client.Close)
	l.Health.AddCheck("redis", handlers.NewCacheCheck(func(ctx context.Context) *goredis.StatusCmd {
		return client.Ping(ctx)
	}))
	l.log.Info("redis rank index connected", logger.String("addr", rcfg.Addr()))

	breaker := circuitbreaker.RankIndexBreaker(func(name string, from, to circuitbreaker.State) {
		l.log.Warn("rank index circuit changed state",
			logger.String("breaker", name),
			logger.String("from", from.String()),
			logger.String("to", to.String()),
		)
	})
	return redis.NewGuardedRankCache(redis.NewRankCache(client, rcfg.KeyPrefix), breaker)
}

// loadRanks fills the rank index before it serves lookups. Balances written
// while redis was down or flushed would otherwise be missing from it. On
// failure the index is dropped and ranks come from the store.
func (l *Ledger) loadRanks(ctx context.Context) {
	_, err := l.RankIndex.Reload(ctx)
	switch {
	case err == nil:
	case errors.Is(err, shared.ErrNoActiveSeason):
		l.log.Info("no active season, rank index starts empty")
	default:
		l.log.Warn("rank index load failed, ranking from the store", logger.Err(err))
		l.Ranks, l.RankIndex = nil, nil
	}
}

// HTTPDependencies returns the handlers served by the API.
func (l *Ledger) HTTPDependencies(log *logger.Logger) apihttp.Dependencies {
	return apihttp.Dependencies{
		GrantXP:         l.GrantXP,
		GrantBatch:      l.GrantBatch,
		Rebuild:         l.Rebuild,
		MarkLevelUpSeen: l.MarkLevelUpSeen,
		GetUserLevel:    l.GetUserLevel,
		GetXPHistory:    l.GetXPHistory,
		GetUserRank:     l.GetUserRank,
		CheckLevelUp:    l.CheckLevelUp,
		Achievements:    l.Achievements,
		Health:          l.Health,
		Logger:          log,
	}
}

// Close releases resources in reverse order of acquisition.
func (l *Ledger) Close() error {
	var errs []error
	for i := len(l.closers) - 1; i >= 0; i-- {
		if err := l.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	l.closers = nil
	return errors.Join(errs...)
}
