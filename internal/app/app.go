// Package app wires the drip engine's components from configuration. Every
// binary under cmd/ builds one App and starts the parts it serves.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/ignite/drip-engine/internal/api"
	"github.com/ignite/drip-engine/internal/config"
	"github.com/ignite/drip-engine/internal/mailing"
	"github.com/ignite/drip-engine/internal/pkg/distlock"
	"github.com/ignite/drip-engine/internal/pkg/logger"
	"github.com/ignite/drip-engine/internal/repository/memory"
	"github.com/ignite/drip-engine/internal/repository/postgres"
	"github.com/ignite/drip-engine/internal/service/counters"
	"github.com/ignite/drip-engine/internal/service/ledger"
	"github.com/ignite/drip-engine/internal/service/sending"
	"github.com/ignite/drip-engine/internal/service/sequence"
	"github.com/ignite/drip-engine/internal/tracking"
	"github.com/ignite/drip-engine/internal/transport"
	"github.com/ignite/drip-engine/internal/worker"
)

var log = logger.New("app")

// App holds the wired engine.
type App struct {
	Config     *config.Config
	DB         *sql.DB
	Redis      *redis.Client
	Queue      *worker.RedisQueue
	Requests   sending.RequestRepository
	Ledger     *ledger.Service
	Projector  *counters.Projector
	Dispatcher *sending.Dispatcher
	Sequencer  *sequence.Sequencer
}

// New connects to the configured stores and wires the services. Without a
// database URL the in-memory store is used; without a Redis URL the queue is
// disabled and due requests run inline.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	logger.SetLevel(logger.ParseLevel(cfg.Log.Level))
	logger.SetRedactPII(!cfg.Log.ShowPII)

	a := &App{Config: cfg}

	var (
		campaigns sending.CampaignStore
		projRepo  counters.Repository
		ledgerRep ledger.Repository
		directory sending.RecipientDirectory
		profiles  sending.ProfileStore
	)
	if cfg.Database.URL != "" {
		db, err := OpenDB(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		a.DB = db
		cr := postgres.NewCampaignRepo(db)
		campaigns, projRepo = cr, cr
		a.Requests = postgres.NewRequestRepo(db)
		ledgerRep = postgres.NewLedgerRepo(db)
		directory = postgres.NewDirectoryRepo(db)
		profiles = postgres.NewProfileRepo(db)
	} else {
		log.Warn("no database configured, using in-memory store")
		store := memory.New()
		campaigns, projRepo = store.Campaigns, store.Campaigns
		a.Requests = store.Requests
		ledgerRep = store.Ledger
		directory = store.Directory
		profiles = store.Profiles
	}

	if cfg.Redis.URL != "" {
		client, err := OpenRedis(ctx, cfg.Redis.URL)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Redis = client
		a.Queue = worker.NewRedisQueue(client, cfg.Queue.Key)
	} else {
		log.Warn("no redis configured, send requests run inline")
	}

	tr, err := newTransport(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	urls, err := mailing.NewTrackingURLs(cfg.Tracking.BaseURL)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("tracking base url: %w", err)
	}

	a.Projector = counters.NewProjector(projRepo, nil)
	a.Ledger = ledger.NewService(ledgerRep, a.Projector)
	a.Projector.SetLedger(a.Ledger)

	locker := distlock.NewLocker(a.Redis, a.DB, cfg.Delivery.LockTTL)

	deps := sending.Deps{
		Requests:    a.Requests,
		Campaigns:   campaigns,
		Ledger:      a.Ledger,
		Directory:   directory,
		Profiles:    profiles,
		Transport:   tr,
		Locker:      locker,
		Transformer: mailing.NewTransformer(urls, cfg.Delivery.PromoHTML),
	}
	if a.Queue != nil {
		deps.Queue = a.Queue
	}
	a.Dispatcher = sending.NewDispatcher(deps, sending.Config{
		EnqueueTimeout:       cfg.Queue.EnqueueTimeout,
		TransportTimeout:     cfg.Delivery.TransportTimeout,
		PreferSync:           cfg.Queue.PreferSync,
		LedgerAfterTransport: cfg.Delivery.LedgerAfterTransport,
		SystemSender:         cfg.Delivery.SystemSender,
	})
	a.Sequencer = sequence.NewSequencer(campaigns, a.Requests, a.Ledger, a.Dispatcher, locker)
	a.Dispatcher.SetSequencer(a.Sequencer)
	return a, nil
}

func newTransport(ctx context.Context, cfg *config.Config) (sending.Transport, error) {
	if cfg.Delivery.DryRun {
		log.Warn("dry run enabled, messages are logged and not delivered")
		return transport.DryRun{}, nil
	}
	return transport.NewSESTransport(ctx, transport.SESConfig{
		Region:           cfg.SES.Region,
		AccessKey:        cfg.SES.AccessKey,
		SecretKey:        cfg.SES.SecretKey,
		ConfigurationSet: cfg.SES.ConfigurationSet,
	})
}

// OpenDB opens and pings the PostgreSQL pool.
func OpenDB(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	log.Info("connected to database")
	return db, nil
}

// OpenRedis parses url and pings the server.
func OpenRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	log.Info("connected to redis", "addr", opts.Addr)
	return client, nil
}

// APIHandler returns the owner-facing router with health routes.
func (a *App) APIHandler() http.Handler {
	var depth api.QueueDepth
	if a.Queue != nil {
		depth = a.Queue
	}
	hc := api.NewHealthChecker(a.DB, a.Redis, depth)
	h := api.NewHandlers(a.Dispatcher, a.Sequencer, a.Projector)
	return api.SetupRoutes(h, hc, api.RouteConfig{
		AllowedOrigins: a.Config.Server.AllowedOrigins,
		APIToken:       a.Config.Server.APIToken,
	})
}

// TrackingHandler returns the public tracking router.
func (a *App) TrackingHandler() http.Handler {
	webhook := tracking.NewSESWebhook(a.Dispatcher, a.Config.Tracking.WebhookToken)
	return tracking.NewHandler(a.Ledger, a.Dispatcher, webhook).Routes()
}

// Pool returns a worker pool over the queue, or nil when Redis is not
// configured.
func (a *App) Pool() *worker.Pool {
	if a.Queue == nil {
		return nil
	}
	return worker.NewPool(a.Queue, a.Dispatcher, worker.PoolConfig{
		Workers:      a.Config.Queue.Workers,
		PollInterval: a.Config.Queue.PollInterval,
		ExecTimeout:  a.Config.Delivery.ExecTimeout,
		ClaimBatch:   a.Config.Queue.ClaimBatch,
	})
}

// Sweeper returns the pending sweeper.
func (a *App) Sweeper() *worker.PendingSweeper {
	var q sending.TaskQueue
	if a.Queue != nil {
		q = a.Queue
	}
	return worker.NewPendingSweeper(a.Requests, a.Dispatcher, q, a.Config.Queue.SweepInterval, a.Config.Queue.StaleAge)
}

// Close releases the store connections.
func (a *App) Close() {
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			log.Warn("close redis", "error", err)
		}
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			log.Warn("close database", "error", err)
		}
	}
}
