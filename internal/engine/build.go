package engine

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ducminhle1904/signal-risk-engine/internal/cache"
	"github.com/ducminhle1904/signal-risk-engine/internal/config"
	"github.com/ducminhle1904/signal-risk-engine/internal/errors"
	"github.com/ducminhle1904/signal-risk-engine/internal/logger"
	"github.com/ducminhle1904/signal-risk-engine/internal/monitoring"
	"github.com/ducminhle1904/signal-risk-engine/internal/notifications"
	"github.com/ducminhle1904/signal-risk-engine/internal/portfolio"
	"github.com/ducminhle1904/signal-risk-engine/internal/recovery"
	"github.com/ducminhle1904/signal-risk-engine/internal/risk"
	"github.com/ducminhle1904/signal-risk-engine/internal/safety"
	"github.com/ducminhle1904/signal-risk-engine/internal/state"
)

// Store is a record store that also holds the breaker snapshot.
type Store interface {
	state.RecordStore
	safety.BreakerStore
}

// App is a fully wired engine with its background services.
type App struct {
	Config     *config.Config
	Engine     *Engine
	Store      Store
	Writer     *state.Writer
	Dispatcher *notifications.Dispatcher
	Hub        *notifications.Hub
	Health     *monitoring.HealthChecker
	Prices     *PriceBook
	Cache      *cache.DecisionCache

	log     *logger.Logger
	closers []io.Closer
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Build assembles an App from configuration. A breaker whose state cannot be
// loaded still yields an App; it starts Open and the error is logged.
func Build(ctx context.Context, cfg *config.Config, log *logger.Logger) (*App, error) {
	app := &App{Config: cfg, log: log}

	store, err := OpenStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	app.Store = store
	if c, ok := store.(io.Closer); ok {
		app.closers = append(app.closers, c)
	}

	breaker, err := safety.NewCircuitBreaker(safety.BreakerConfigFrom(cfg), store, log.For("breaker"))
	if err != nil {
		if breaker == nil {
			app.close()
			return nil, err
		}
		log.Root().Error().Err(err).Msg("starting with trading halted")
	}

	app.Cache, err = cache.New(cache.Config{
		TTL:        cfg.Cache.TTL,
		MaxEntries: cfg.Cache.MaxEntries,
	}, log.For("cache"))
	if err != nil {
		app.close()
		return nil, err
	}
	if cfg.Cache.RedisMirror && cfg.Storage.RedisAddr != "" {
		client, err := cache.DialRedis(ctx, cfg.Storage.RedisAddr, cfg.Storage.RedisPassword, cfg.Storage.RedisDB)
		if err != nil {
			log.Root().Warn().Err(err).Msg("redis unavailable, decision cache stays local")
		} else {
			app.Cache.SetMirror(cache.NewRedisMirror(client, "risk-engine:decision:"))
			app.closers = append(app.closers, client)
		}
	}

	app.Writer = state.NewWriter(store, state.WriterConfig{
		QueueSize: cfg.Storage.QueueSize,
		Retry: recovery.RetryConfig{
			MaxRetries: map[errors.ErrorCategory]int{
				errors.ErrorCategoryPersistence: cfg.Storage.RetryAttempts,
				errors.ErrorCategoryNetwork:     cfg.Storage.RetryAttempts,
				errors.ErrorCategoryTimeout:     cfg.Storage.RetryAttempts,
				errors.ErrorCategoryTemporary:   cfg.Storage.RetryAttempts,
			},
			BaseDelay:  cfg.Storage.RetryBaseDelay,
			MaxDelay:   10 * time.Second,
			Multiplier: 2,
			Jitter:     true,
		},
	}, log.For("writer"))

	app.Hub = notifications.NewHub(log.For("hub"))
	sinks := []notifications.Sink{app.Hub}
	if cfg.Notifications.TelegramToken != "" && cfg.Notifications.TelegramChatID != "" {
		sinks = append(sinks, notifications.NewTelegramNotifier(
			cfg.Notifications.TelegramToken,
			cfg.Notifications.TelegramChatID,
			notifications.ParseLevel(cfg.Notifications.MinLevel),
			cfg.Notifications.RateLimit,
		))
	}
	app.Dispatcher = notifications.NewDispatcher(cfg.Notifications.BufferSize, log.For("notifications"), sinks...)
	app.Health = monitoring.NewHealthChecker(cfg.Trading.MonitorInterval)
	app.Prices = NewPriceBook(cfg.Signals.MaxAge, nil)

	volatility := risk.NewVolatilityTracker(20, cfg.Risk.DefaultVolatility)
	performance := risk.NewPerformanceTracker(cfg.Risk.SuccessWindow)
	leverage := portfolio.NewLeverageCalculator(portfolio.LeverageConfigFrom(cfg))
	manager := risk.NewManager(risk.ConfigFrom(cfg), breaker, leverage, volatility, performance, log.For("risk"))
	positions := portfolio.NewPositionManager(portfolio.PositionConfigFrom(cfg), log.For("positions"))

	var limiter *safety.SourceLimiter
	if cfg.Signals.PerSourceRate > 0 {
		limiter = safety.NewSourceLimiter(cfg.Signals.PerSourceRate, cfg.Signals.PerSourceBurst)
	}

	app.Engine, err = New(Dependencies{
		Validator:   safety.NewValidator(safety.ValidatorConfigFrom(cfg), log.For("validator")),
		Limiter:     limiter,
		Cache:       app.Cache,
		Breaker:     breaker,
		Risk:        manager,
		Positions:   positions,
		Volatility:  volatility,
		Performance: performance,
		Executor:    NewPaperExecutor(nil),
		Prices:      app.Prices,
		Writer:      app.Writer,
		Events:      app.Dispatcher,
		Health:      app.Health,
	}, OptionsFrom(cfg), log.For("engine"))
	if err != nil {
		app.close()
		return nil, err
	}

	if err := app.Engine.Restore(ctx, store); err != nil {
		log.Root().Warn().Err(err).Msg("account state not restored, starting from configured balance")
	}
	return app, nil
}

// OpenStore opens the Postgres record store when a DSN is configured and the
// file store otherwise. Postgres schemas are migrated on open.
func OpenStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (Store, error) {
	if cfg.Storage.PostgresDSN != "" {
		pg, err := state.OpenPostgres(ctx, cfg.Storage.PostgresDSN, 5*time.Second)
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			_ = pg.Close()
			return nil, err
		}
		log.Root().Info().Msg("using postgres record store")
		return pg, nil
	}
	fs, err := state.NewFileStore(cfg.Storage.StateDir, log.For("store"))
	if err != nil {
		return nil, err
	}
	log.Root().Info().Str("dir", cfg.Storage.StateDir).Msg("using file record store")
	return fs, nil
}

// Start launches persistence, notifications and the position monitor.
func (a *App) Start(ctx context.Context) {
	// writer and dispatcher outlive ctx so Close can flush them
	a.Writer.Start(context.WithoutCancel(ctx))
	a.Dispatcher.Start(context.WithoutCancel(ctx))

	ctx, a.cancel = context.WithCancel(ctx)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		_ = a.Engine.Run(ctx)
	}()
}

// Close stops background work, flushes pending records and releases
// connections.
func (a *App) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	a.Engine.Close()
	a.Writer.Close()
	a.Dispatcher.Close()
	a.Hub.Close()
	a.close()
}

func (a *App) close() {
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			a.log.Root().Warn().Err(err).Msg("close failed")
		}
	}
	a.closers = nil
}

// Logger returns the component logger for name.
func (a *App) Logger(name string) zerolog.Logger {
	return a.log.For(name)
}
