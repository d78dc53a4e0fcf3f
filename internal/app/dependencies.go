package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	validator "github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	limiter "github.com/ulule/limiter/v3"
	"go.opentelemetry.io/otel/metric"

	"github.com/noah-isme/toko-paygate/internal/auth"
	"github.com/noah-isme/toko-paygate/internal/cart"
	"github.com/noah-isme/toko-paygate/internal/common"
	"github.com/noah-isme/toko-paygate/internal/config"
	"github.com/noah-isme/toko-paygate/internal/events"
	"github.com/noah-isme/toko-paygate/internal/lock"
	"github.com/noah-isme/toko-paygate/internal/notify"
	"github.com/noah-isme/toko-paygate/internal/obs"
	"github.com/noah-isme/toko-paygate/internal/order"
	"github.com/noah-isme/toko-paygate/internal/payment"
	"github.com/noah-isme/toko-paygate/internal/ratelimit"
	"github.com/noah-isme/toko-paygate/internal/repo"
	"github.com/noah-isme/toko-paygate/internal/resilience"
)

// ApplicationName tags database sessions and traces.
const ApplicationName = "toko-paygate"

// EventStore persists order notes and lists them back to operators.
type EventStore interface {
	events.EventStore
	events.Lister
}

// Stores bundles the persistence the gateway runs on.
type Stores struct {
	Orders order.Store
	Events EventStore
}

// PostgresStores returns the Postgres-backed stores over pool.
func PostgresStores(pool *pgxpool.Pool) Stores {
	return Stores{
		Orders: repo.OrderStore{DB: pool},
		Events: repo.EventStore{DB: pool},
	}
}

// Dependencies enumerates the services the HTTP layer is assembled from.
type Dependencies struct {
	Config      *config.Config
	Logger      zerolog.Logger
	DB          *pgxpool.Pool
	Redis       *redis.Client
	Stores      Stores
	Validator   *validator.Validate
	Limiter     *limiter.Limiter
	Breaker     *resilience.Breaker
	Orders      *order.Coordinator
	Gateway     *payment.Service
	Auth        *auth.Service
	HTTPMetrics *obs.HTTPMetrics
	Metrics     http.Handler
}

// NewPool opens the Postgres pool with query tracing enabled.
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = ApplicationName

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// NewRedis connects to Redis and instruments the client for tracing. Client metrics are recorded on
// meters when it is non-nil.
func NewRedis(ctx context.Context, redisURL string, meters metric.MeterProvider, logger zerolog.Logger) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := redisotel.InstrumentTracing(client); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if meters != nil {
		if err := redisotel.InstrumentMetrics(client, redisotel.WithMeterProvider(meters)); err != nil {
			logger.Error().Err(err).Msg("instrument redis metrics")
		}
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// NewDependencies wires the payment flows over the given stores and Redis client. A nil registry
// uses the Prometheus default registerer.
func NewDependencies(cfg *config.Config, logger zerolog.Logger, rdb *redis.Client, stores Stores, reg *prometheus.Registry) (*Dependencies, error) {
	if cfg == nil {
		return nil, fmt.Errorf("app: config is required")
	}
	if rdb == nil {
		return nil, fmt.Errorf("app: redis client is required")
	}
	if stores.Orders == nil || stores.Events == nil {
		return nil, fmt.Errorf("app: order and event stores are required")
	}

	d := &Dependencies{
		Config:    cfg,
		Logger:    logger,
		Redis:     rdb,
		Stores:    stores,
		Validator: validator.New(),
	}

	var registerer prometheus.Registerer = prometheus.DefaultRegisterer
	d.Metrics = promhttp.Handler()
	if reg != nil {
		registerer = reg
		d.Metrics = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}
	if cfg.MetricsEnabled {
		obs.MustRegisterDomainMetrics(cfg.MetricsNamespace, registerer)
		resilience.MustRegisterMetrics(cfg.MetricsNamespace, registerer)
		d.HTTPMetrics = obs.NewHTTPMetrics(cfg.MetricsNamespace, nil, registerer)
	} else {
		d.Metrics = nil
	}

	store, err := ratelimit.NewRedisStore(rdb, "ratelimit:callback")
	if err != nil {
		return nil, err
	}
	if d.Limiter, err = ratelimit.New(store, cfg.CallbackRateLimit); err != nil {
		return nil, err
	}

	bus := &events.Bus{Store: stores.Events, Notifiers: notifiers(cfg, logger, rdb)}
	d.Orders = order.NewCoordinator(stores.Orders, bus, logger.With().Str("component", "orders").Logger())

	d.Breaker = resilience.NewBreaker(cfg.BreakerMinRequests, cfg.BreakerFailureRatio, cfg.BreakerOpenFor).
		WithTarget(payment.ProviderPayPal).
		WithLogger(logger)
	if d.Gateway, err = NewGateway(cfg, logger, rdb, d.Orders, d.Breaker); err != nil {
		return nil, err
	}

	if d.Auth, err = auth.NewService(auth.Options{
		Secret:    cfg.OperatorJWTSecret,
		Issuer:    cfg.OperatorJWTIssuer,
		Audience:  cfg.OperatorAudience,
		ClockSkew: 30 * time.Second,
	}); err != nil {
		return nil, err
	}
	return d, nil
}

func notifiers(cfg *config.Config, logger zerolog.Logger, rdb redis.Cmdable) []events.Notifier {
	out := []events.Notifier{events.LogNotifier{Logger: logger.With().Str("component", "order_notes").Logger()}}
	if cfg.WebhookURL != "" {
		out = append(out, notify.Webhook{
			URL:       cfg.WebhookURL,
			Secret:    cfg.WebhookSecret,
			Client:    notify.HTTPClient(cfg.WebhookTimeout),
			Delivered: notify.RedisDeliveries{R: rdb, Prefix: "paygate:webhook:", TTL: 24 * time.Hour},
		})
	}
	return out
}

// NewGateway assembles the payment service. Missing credentials do not stop the server: every
// payment operation reports the configuration error until they are provided.
func NewGateway(cfg *config.Config, logger zerolog.Logger, rdb redis.Cmdable, orders *order.Coordinator, breaker *resilience.Breaker) (*payment.Service, error) {
	settings := cfg.Gateway
	log := logger.With().Str("component", "payment").Logger()

	var client payment.Client
	paypal, err := payment.NewPayPal(settings, payment.PayPalOptions{
		BaseURL: cfg.PayPalAPIBase,
		Timeout: cfg.PayPalTimeout,
		Breaker: breaker,
		Logger:  log,
	})
	switch {
	case err == nil:
		client = paypal
	case common.IsKind(err, common.KindConfiguration):
		log.Warn().Err(err).Bool("enabled", settings.Enabled).Msg("paypal credentials missing, payments disabled")
	default:
		return nil, err
	}

	locker := lock.Locker{R: rdb, RetryBackoff: 100 * time.Millisecond, MaxWait: cfg.CallbackLockTTL}
	return &payment.Service{
		Builder: &payment.Builder{
			Orders:   orders,
			Client:   client,
			Settings: settings,
			Logger:   log,
		},
		Callbacks: &payment.CallbackHandler{
			Orders:   orders,
			Client:   client,
			Settings: settings,
			Locker:   locker,
			LockTTL:  cfg.CallbackLockTTL,
			Logger:   log,
		},
		Refunds: &payment.RefundProcessor{
			Orders:   orders,
			Client:   client,
			Settings: settings,
			Locker:   locker,
			LockTTL:  cfg.CallbackLockTTL,
			Logger:   log,
		},
		Config: settings,
	}, nil
}

// Carts returns the storefront cart resolver.
func (d *Dependencies) Carts() cart.Carts {
	return cart.Carts{R: d.Redis, Prefix: d.Config.CartKeyPrefix}
}
