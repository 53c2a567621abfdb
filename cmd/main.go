// Command balancewatch snapshots wallet balances on a schedule and infers
// swaps, card payments and internal transfers from the changes.
//
// Usage:
//
//	balancewatch -config config.yaml
//	balancewatch -setup (interactive wizard, writes config.gen.yaml)
//
// Secrets are never stored in the config: wallets reference env var names,
// which may also come from a .env file in the working directory.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/vadiminshakov/balancewatch/config"
	"github.com/vadiminshakov/balancewatch/internal/app"
	"github.com/vadiminshakov/balancewatch/internal/metrics"
	"github.com/vadiminshakov/balancewatch/internal/services/balances"
	"github.com/vadiminshakov/balancewatch/internal/services/monitor"
	"github.com/vadiminshakov/balancewatch/internal/services/onchain"
	"github.com/vadiminshakov/balancewatch/internal/services/patterns"
	"github.com/vadiminshakov/balancewatch/internal/setup"
	"github.com/vadiminshakov/balancewatch/internal/storage/balancesnapshots"
	"github.com/vadiminshakov/balancewatch/internal/storage/passlock"
	patternstore "github.com/vadiminshakov/balancewatch/internal/storage/patterns"
	"github.com/vadiminshakov/balancewatch/internal/storage/postgres"
	"github.com/vadiminshakov/balancewatch/internal/storage/transactions"
	"github.com/vadiminshakov/balancewatch/internal/storage/wallets"
	"github.com/vadiminshakov/balancewatch/internal/web"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("failed to read .env: %v", err)
	}

	flags := config.ParseFlags()
	if flags.Setup {
		if err := setup.RunTUI(); err != nil {
			log.Fatal(err)
		}
		flags.ConfigPath = setup.OutputFile
	}

	logger, err := newLogger(flags.Debug)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	cfg, err := config.Load(flags.ConfigPath)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, cfg); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("balancewatch stopped", zap.Error(err))
	}
	logger.Info("balancewatch stopped")
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

type snapshotStore interface {
	monitor.SnapshotStore
	app.SnapshotPruner
}

func run(ctx context.Context, l *zap.Logger, cfg config.Config) error {
	collectors := metrics.New()

	var (
		store  snapshotStore
		walLog *balancesnapshots.WALStore
		pgLook *transactions.PGLookup
		lookup patterns.TransactionLookup = transactions.NoopLookup{}
	)
	switch cfg.Storage.Backend {
	case config.StoragePostgres:
		db, err := postgres.Open(ctx, config.Secret(cfg.Storage.DatabaseURLEnv))
		if err != nil {
			return err
		}
		defer db.Close()
		if err := postgres.Migrate(db, cfg.Storage.MigrationsDir); err != nil {
			return err
		}
		store = balancesnapshots.NewPGStore(db)
		pgLook = transactions.NewPGLookup(db)
		lookup = pgLook
		l.Info("using postgres storage")
	default:
		s, err := balancesnapshots.NewWALStore(cfg.Storage.WALDir)
		if err != nil {
			return err
		}
		defer s.Close()
		store, walLog = s, s
		l.Info("using write-ahead log storage, card payments are inferred without on-chain lookup",
			zap.String("dir", cfg.Storage.WALDir))
	}

	outbox, err := patternstore.NewWALStore(cfg.Storage.OutboxDir)
	if err != nil {
		return err
	}
	defer outbox.Close()

	domainWallets, inactive := walletsFromConfig(cfg.Wallets)
	registry := wallets.NewRegistry(domainWallets, inactive...)

	router, chains, err := buildSources(ctx, l, cfg.Wallets)
	if err != nil {
		return err
	}
	source := balances.NewGuarded(l, router, limits(cfg.RateLimit), balances.BreakerSettings(cfg.Breaker), collectors)

	lock, closeLock, err := newPassLock(ctx, l, cfg.Lock)
	if err != nil {
		return err
	}
	defer closeLock()

	mon := monitor.New(l, source, store, registry, monitor.Config{
		MinChange:   cfg.Monitor.MinChange,
		Concurrency: cfg.Monitor.Concurrency,
		Retry:       cfg.Retry,
	}, monitor.WithMetrics(collectors))

	detector := patterns.NewDetector(l, patterns.Config{
		SwapWindow:      cfg.Detector.SwapWindow,
		TransferWindow:  cfg.Detector.TransferWindow,
		LookupWindow:    cfg.Detector.LookupWindow,
		AmountTolerance: cfg.Detector.AmountTolerance,
		SwapCurrencies:  cfg.Detector.StableCurrencies,
		CardCurrencies:  cfg.Detector.CardCurrencies,
		AllowOverlap:    cfg.Detector.AllowOverlap,
		Strategy:        patterns.Strategy(cfg.Detector.Strategy),
	}, lookup, patterns.WithOwners(registry), patterns.WithMetrics(collectors))

	matcher := patterns.NewSwapMatcher(l, patterns.MatcherConfig{
		Window:          cfg.Matcher.Window,
		AmountTolerance: cfg.Matcher.AmountTolerance,
		OutCurrency:     cfg.Matcher.OutCurrency,
		InCurrency:      cfg.Matcher.InCurrency,
		Strategy:        patterns.Strategy(cfg.Matcher.Strategy),
	})

	watcherOpts := []app.WatcherOption{app.WithCycleObserver(collectors)}
	if pgLook != nil && len(chains) > 0 {
		indexers := make(onchain.Group, 0, len(chains))
		for _, c := range chains {
			indexers = append(indexers, onchain.NewIndexer(l, c.client, pgLook, c.wallets))
		}
		watcherOpts = append(watcherOpts, app.WithTransactionSync(indexers))
	}

	watcher := app.NewWatcher(l, mon, detector, matcher, outbox, lock, registry, app.WatcherConfig{
		Window: cfg.Monitor.Window,
		Loop:   monitor.LoopConfig{Interval: cfg.Monitor.Interval, Backoff: cfg.Monitor.Backoff},
	}, watcherOpts...)

	published, err := outbox.EventsAfter(0)
	if err != nil {
		return err
	}
	watcher.Restore(published)

	retention := app.NewRetention(l, store, cfg.Storage.RetentionDays)
	if err := retention.Start(cfg.Storage.RetentionCron); err != nil {
		return err
	}
	defer retention.Stop()

	server := web.NewServer(l, cfg.Web.Addr, nil, outbox, mon, collectors.Handler())
	if walLog != nil {
		server.Snapshots = walLog
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return watcher.Run(ctx)
	})
	g.Go(func() error {
		if len(cfg.Web.Domains) > 0 {
			return server.StartWithAutoTLS(ctx, cfg.Web.Domains, cfg.Web.CacheDir)
		}
		return server.Start(ctx)
	})

	l.Info("balancewatch started",
		zap.Int("wallets", len(domainWallets)-len(inactive)),
		zap.Int("users", len(registry.Users())),
		zap.Duration("interval", cfg.Monitor.Interval))

	return g.Wait()
}

func newPassLock(ctx context.Context, l *zap.Logger, cfg config.LockConfig) (app.PassLock, func(), error) {
	if cfg.RedisAddr == "" {
		return passlock.NewLocalLock(), func() {}, nil
	}
	lock, err := passlock.NewRedisLock(ctx, l, cfg.RedisAddr, config.Secret(cfg.RedisPasswordEnv), cfg.RedisDB, cfg.TTL)
	if err != nil {
		return nil, nil, err
	}
	return lock, func() {
		if err := lock.Close(); err != nil {
			l.Warn("close redis lock", zap.Error(err))
		}
	}, nil
}
