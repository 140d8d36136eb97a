package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kirinyoku/raffle-go/internal/clock"
	"github.com/kirinyoku/raffle-go/internal/config"
	"github.com/kirinyoku/raffle-go/internal/notify"
	"github.com/kirinyoku/raffle-go/internal/payment"
	"github.com/kirinyoku/raffle-go/internal/postgres"
	"github.com/kirinyoku/raffle-go/internal/redis"
	postgresrepo "github.com/kirinyoku/raffle-go/internal/repository/postgres"
	redisrepo "github.com/kirinyoku/raffle-go/internal/repository/redis"
	"github.com/kirinyoku/raffle-go/internal/service"
	"github.com/kirinyoku/raffle-go/internal/service/charge"
	"github.com/kirinyoku/raffle-go/internal/service/expiry"
	"github.com/kirinyoku/raffle-go/internal/service/feed"
	"github.com/kirinyoku/raffle-go/internal/service/hold"
	"github.com/kirinyoku/raffle-go/internal/service/reconcile"
	httpgin "github.com/kirinyoku/raffle-go/internal/transport/http/gin"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const (
	ticketsCacheTTL    = 30 * time.Second
	idempotencyTTL     = 2 * time.Hour
	webhookMaxSkew     = 5 * time.Minute
	timerSweepInterval = time.Minute
	shutdownTimeout    = 5 * time.Second
)

type App struct {
	cfg    *config.Config
	logger *slog.Logger

	pool *pgxpool.Pool
	rdb  *goredis.Client

	services   *service.Services
	httpServer *http.Server

	// asynq backend
	asynqClient    *asynq.Client
	asynqInspector *asynq.Inspector
	asynqServer    *asynq.Server
	asynqScheduler *asynq.Scheduler
	asynqMux       *asynq.ServeMux

	// timer backend
	timers *expiry.TimerScheduler
}

func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	ctx := context.Background()

	pool, err := postgres.New(ctx, postgres.Config{DSN: cfg.Postgres.DSN()})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize postgres: %w", err)
	}

	redisCfg := redis.Config{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB}
	rdb, err := redis.New(ctx, redisCfg)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize redis: %w", err)
	}

	a := &App{cfg: cfg, logger: logger, pool: pool, rdb: rdb}

	clk := clock.NewSystem()

	// Repositories
	store := postgresrepo.NewStore(pool)
	ledger := store.Ledger()
	charges := store.Charges()
	raffles := store.Raffles()

	cache := redisrepo.NewCache(rdb)
	feedBus := redisrepo.NewFeedPubSub(rdb)
	limiter := redisrepo.NewSlidingWindowLimiter(rdb, clk, "hold", cfg.Reservation.HoldRateLimit, time.Minute)
	idem := redisrepo.NewIdempotencyStore(rdb, idempotencyTTL)

	// Side channels
	notifier, err := newNotifier(cfg.PubNub, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	announcer := feed.NewAnnouncer(feedBus, cache, clk, logger)

	provider := payment.NewClient(payment.Config{
		BaseURL:         cfg.Payment.BaseURL,
		AccessToken:     cfg.Payment.AccessToken,
		NotificationURL: cfg.Payment.NotificationURL,
	})
	if cfg.Payment.AccessToken == "" {
		logger.Warn("PAYMENT_ACCESS_TOKEN is not set; charges will fail with config_error")
	}

	// Services
	expirer := expiry.NewExpirer(ledger, charges, store, announcer, notifier, clk, logger)

	var sched interface {
		hold.Scheduler
		reconcile.Canceler
	}
	switch cfg.Reservation.ExpiryBackend {
	case config.ExpiryBackendTimer:
		a.timers = expiry.NewTimerScheduler(expirer, clk, logger)
		sched = a.timers
	default:
		redisOpt := redis.AsynqOpt(redisCfg)
		a.asynqClient = asynq.NewClient(redisOpt)
		a.asynqInspector = asynq.NewInspector(redisOpt)
		a.asynqServer = asynq.NewServer(redisOpt, asynq.Config{
			Concurrency: 10,
			Queues:      map[string]int{expiry.QueueExpiry: 1},
			// Early deliveries are rescheduled, not failures.
			IsFailure: func(err error) bool { return !errors.Is(err, expiry.ErrNotElapsed) },
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, t *asynq.Task, err error) {
				logger.WarnContext(ctx, "expiry task failed", slog.String("type", t.Type()), slog.Any("err", err))
			}),
		})
		a.asynqScheduler = asynq.NewScheduler(redisOpt, nil)
		if _, err := expiry.RegisterSweep(a.asynqScheduler, cfg.Reservation.SweepCron, expiry.DefaultSweepLimit); err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to register sweep: %w", err)
		}
		a.asynqMux = asynq.NewServeMux()
		expiry.NewHandlers(expirer, logger, expiry.DefaultSweepLimit).Register(a.asynqMux)
		sched = expiry.NewTaskScheduler(a.asynqClient, a.asynqInspector)
	}

	rec := reconcile.New(ledger, charges, store, provider, sched, announcer, notifier, clk, logger, cfg.Reservation.PollInterval)

	a.services = &service.Services{
		Hold:       hold.New(ledger, raffles, sched, limiter, announcer, clk, logger, hold.Config{TTL: cfg.Reservation.HoldTTL}),
		Expiry:     expirer,
		Charges:    charge.New(ledger, charges, raffles, provider, rec, clk, logger),
		Reconciler: rec,
		Feed: feed.NewService(ledger, raffles, feedBus, redisrepo.NewTicketsCache(cache, ticketsCacheTTL),
			clk, logger, feed.Options{}),
	}

	verifier := payment.NewVerifier(cfg.Payment.WebhookSecret, webhookMaxSkew)
	if !verifier.Enabled() {
		logger.Warn("PAYMENT_WEBHOOK_SECRET is not set; webhook signatures are not verified")
	}

	router := httpgin.NewRouter(a.services, idem, verifier, clk, logger)

	a.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return a, nil
}

func newNotifier(cfg config.PubNubConfig, logger *slog.Logger) (notify.Notifier, error) {
	if !cfg.Enabled() {
		logger.Info("PubNub keys not set; buyer notifications are logged only")
		return notify.NewLogNotifier(logger), nil
	}

	n, err := notify.NewPubNubNotifier(notify.PubNubConfig{
		PublishKey:   cfg.PublishKey,
		SubscribeKey: cfg.SubscribeKey,
		SecretKey:    cfg.SecretKey,
		UserID:       cfg.UserID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize pubnub: %w", err)
	}

	return n, nil
}

// Run serves HTTP and runs the background components until SIGINT/SIGTERM.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	defer a.Close()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("HTTP server listening", "host", a.cfg.Server.Host, "port", a.cfg.Server.Port)
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start HTTP server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return a.services.Reconciler.Run(gCtx)
	})

	if a.asynqServer != nil {
		g.Go(func() error {
			if err := a.asynqServer.Start(a.asynqMux); err != nil {
				return fmt.Errorf("failed to start asynq server: %w", err)
			}
			if err := a.asynqScheduler.Start(); err != nil {
				return fmt.Errorf("failed to start asynq scheduler: %w", err)
			}
			a.logger.Info("expiry workers started", "backend", config.ExpiryBackendAsynq, "sweep", a.cfg.Reservation.SweepCron)

			<-gCtx.Done()
			a.asynqScheduler.Shutdown()
			a.asynqServer.Shutdown()
			return nil
		})
	}

	if a.timers != nil {
		g.Go(func() error {
			a.logger.Info("expiry timers started", "backend", config.ExpiryBackendTimer)
			a.sweepLoop(gCtx)
			a.timers.Close()
			return nil
		})
	}

	// Graceful shutdown
	g.Go(func() error {
		<-gCtx.Done()
		a.logger.Info("shutting down HTTP server")
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return a.httpServer.Shutdown(ctx)
	})

	return g.Wait()
}

// sweepLoop stands in for the asynq cron sweep. It also recovers holds
// whose in-process timer was lost in a restart.
func (a *App) sweepLoop(ctx context.Context) {
	t := time.NewTicker(timerSweepInterval)
	defer t.Stop()

	for {
		if _, err := a.Sweep(ctx, expiry.DefaultSweepLimit); err != nil && ctx.Err() == nil {
			a.logger.Warn("expiry sweep failed", slog.Any("err", err))
		}

		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// Sweep expires every lapsed hold group, up to limit groups.
func (a *App) Sweep(ctx context.Context, limit int) (int, error) {
	return a.services.Expiry.Sweep(ctx, limit)
}

// Close releases connections. Safe to call more than once.
func (a *App) Close() {
	if a.services != nil {
		a.services.Reconciler.Close()
	}
	if a.asynqClient != nil {
		_ = a.asynqClient.Close()
		a.asynqClient = nil
	}
	if a.asynqInspector != nil {
		_ = a.asynqInspector.Close()
		a.asynqInspector = nil
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
		a.rdb = nil
	}
	if a.pool != nil {
		a.pool.Close()
		a.pool = nil
	}
}
