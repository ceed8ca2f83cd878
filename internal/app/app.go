// Package app wires the stores, the message gateway and the services shared
// by every process.
package app

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ariefcatur/unitrade-orders/internal/cache"
	"github.com/ariefcatur/unitrade-orders/internal/cart"
	"github.com/ariefcatur/unitrade-orders/internal/catalog"
	"github.com/ariefcatur/unitrade-orders/internal/config"
	"github.com/ariefcatur/unitrade-orders/internal/inventory"
	kafkax "github.com/ariefcatur/unitrade-orders/internal/kafka"
	"github.com/ariefcatur/unitrade-orders/internal/metrics"
	"github.com/ariefcatur/unitrade-orders/internal/orders"
	"github.com/ariefcatur/unitrade-orders/internal/payment"
	"github.com/ariefcatur/unitrade-orders/internal/postgres"
	"github.com/ariefcatur/unitrade-orders/internal/redisx"
)

type App struct {
	Config   config.Config
	Log      *zap.Logger
	DB       *pgxpool.Pool
	Redis    *redis.Client
	Metrics  *metrics.Metrics
	Producer *kafkax.Producer
	Delay    *kafkax.DelayQueue
	Cache    *cache.Client
	Stock    *inventory.StockCache
	Catalog  *catalog.Service
	Orders   *orders.Service
	Payments *payment.Service
	Carts    *cart.Service
}

// New connects to Postgres and Redis and builds the services. reg may be nil
// for processes that export no metrics.
func New(ctx context.Context, cfg config.Config, log *zap.Logger, reg prometheus.Registerer) (*App, error) {
	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}
	rdb := redisx.New(cfg.RedisAddr)
	if err := redisx.Ping(ctx, rdb); err != nil {
		db.Close()
		_ = rdb.Close()
		return nil, err
	}

	a := &App{Config: cfg, Log: log, DB: db, Redis: rdb, Metrics: metrics.New(reg)}

	locker := redisx.NewLocker(rdb, log)
	ids := redisx.NewIDWorker(rdb)
	a.Stock = inventory.NewStockCache(rdb)
	a.Cache = cache.New(rdb, locker, log, a.Metrics, cfg.CacheRebuildWorkers)

	a.Producer = kafkax.NewProducer(kafkax.NewWriter(cfg.KafkaBrokers), 1024, log, a.Metrics,
		kafkax.WithWorkers(cfg.ProducerWorkers))
	a.Delay = kafkax.NewDelayQueue(rdb, redisx.KeyDelayQueue, a.Producer, cfg.DelayPollInterval, log)
	gateway := kafkax.NewGateway(a.Producer, a.Delay)

	payRepo := &payment.Repo{DB: db}
	a.Catalog = catalog.NewService(&catalog.Repo{DB: db}, a.Cache, a.Stock, cfg.ItemCacheTTL)
	a.Orders = orders.NewService(&orders.Repo{DB: db}, ids, locker, a.Stock, a.Catalog, payLookup{payRepo},
		gateway, a.Cache, a.Metrics, orders.Options{
			Producer:       cfg.ServiceName,
			LockWait:       cfg.OrderLockWait,
			PayTimeout:     cfg.PayTimeout,
			ConfirmRetries: cfg.ConfirmRetries,
		})
	gateway.OnExhausted(orders.DestOrderCreate, a.Orders.ReleaseUndelivered)
	a.Payments = payment.NewService(payRepo, ids, a.Orders, gateway, cfg.ServiceName, cfg.ConfirmRetries)
	a.Carts = cart.NewService(&cart.Repo{DB: db}, a.Cache)
	return a, nil
}

// Close flushes queued messages, then releases the connections.
func (a *App) Close() {
	a.Producer.Close()
	a.Producer.WaitClosed()
	a.Cache.Close()
	if err := a.Redis.Close(); err != nil {
		a.Log.Warn("redis_close_failed", zap.Error(err))
	}
	a.DB.Close()
}

// payLookup reads payment state straight from the pay order store, so order
// reconciliation does not depend on the payment service that depends on it.
type payLookup struct{ repo *payment.Repo }

func (p payLookup) QueryByBizOrder(ctx context.Context, bizOrderNo int64) (*payment.PayOrder, error) {
	return p.repo.GetByBizOrder(ctx, bizOrderNo)
}

// Ready reports whether the stores answer.
func (a *App) Ready(ctx context.Context) error {
	if err := a.DB.Ping(ctx); err != nil {
		return errors.Wrap(err, "ping postgres")
	}
	return redisx.Ping(ctx, a.Redis)
}
