package livemq

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/edgeflare/livemq/pkg/broker/mqtt"
	"github.com/edgeflare/livemq/pkg/broker/nats"
	"github.com/edgeflare/livemq/pkg/config"
	"github.com/edgeflare/livemq/pkg/gateway"
	"github.com/edgeflare/livemq/pkg/httputil"
	mw "github.com/edgeflare/livemq/pkg/httputil/middleware"
	"github.com/edgeflare/livemq/pkg/live/cache"
	"github.com/edgeflare/livemq/pkg/live/ingest"
	"github.com/edgeflare/livemq/pkg/live/registry"
	"github.com/edgeflare/livemq/pkg/metrics"
	"github.com/edgeflare/livemq/pkg/store"
	"go.uber.org/zap"
)

// backend is a broker connection usable for ingest and publishing.
type backend interface {
	ingest.Broker
	ingest.Publisher
	Connect() error
	IsConnected() bool
	Disconnect()
}

func newBackend(cfg *config.Config, logger *zap.Logger) (backend, error) {
	switch cfg.Broker.Type {
	case config.BrokerNATS:
		return nats.New(cfg.Broker.NATS, logger.Named("nats")), nil
	case config.BrokerMQTT:
		return mqtt.New(cfg.Broker.MQTT, logger.Named("mqtt"))
	default:
		return nil, fmt.Errorf("unsupported broker type %q", cfg.Broker.Type)
	}
}

// openStore connects to PostgreSQL when configured, retrying while the
// database comes up. Without a connection string the topic list lives in
// memory, seeded from registry.topics.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.TopicStore, error) {
	if cfg.Postgres.ConnString == "" {
		logger.Warn("postgres.connString not set, topic list changes are not persisted")
		return store.NewMemoryStore(cfg.Registry.Topics...), nil
	}

	var s *store.PGStore
	open := func() error {
		var err error
		s, err = store.NewPGStore(ctx, store.PGOptions{
			ConnString: cfg.Postgres.ConnString,
			Table:      cfg.Postgres.Table,
		})
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 30 * time.Second
	notify := func(err error, next time.Duration) {
		logger.Warn("database not ready, retrying", zap.Error(err), zap.Duration("next", next))
	}
	if err := backoff.RetryNotify(open, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, fmt.Errorf("open topic store: %w", err)
	}
	return s, nil
}

// app wires the cache, ingest adapter, registry and HTTP surface around one
// broker backend and topic store.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	backend backend
	store   store.TopicStore

	cache    *cache.Cache
	adapter  *ingest.Adapter
	registry *registry.Registry
	ws       *gateway.Server
	router   *httputil.Router
}

// tlsOptions loads the server key pair when server.tls is enabled.
func tlsOptions(cfg *config.Config, logger *zap.Logger) ([]httputil.RouterOptions, error) {
	if !cfg.Server.TLS.Enabled {
		return nil, nil
	}
	cert, err := httputil.LoadOrGenerateCert(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load server certificate: %w", err)
	}
	logger.Info("serving TLS", zap.String("cert_file", cfg.Server.TLS.CertFile))
	return []httputil.RouterOptions{httputil.WithTLS(cert)}, nil
}

func newApp(cfg *config.Config, logger *zap.Logger, b backend, st store.TopicStore, opts ...httputil.RouterOptions) *app {
	a := &app{
		cfg:     cfg,
		logger:  logger,
		backend: b,
		store:   st,
		cache:   cache.New(),
	}

	a.adapter = ingest.NewAdapter(b, a.cache, ingest.Options{
		Logger:               logger.Named("ingest"),
		InitialRetryInterval: cfg.Broker.Retry.InitialInterval,
		MaxRetryInterval:     cfg.Broker.Retry.MaxInterval,
	})
	// clean sessions lose their subscriptions on reconnect
	if oc, ok := b.(interface{ OnConnect(func()) }); ok {
		oc.OnConnect(a.adapter.Resync)
	}

	a.registry = registry.New(a.adapter, registry.Options{
		Logger: logger.Named("registry"),
		Strict: cfg.Registry.Strict,
	})

	a.ws = gateway.NewServer(a.cache, a.registry, gateway.Options{
		Logger:       logger.Named("ws"),
		Interval:     cfg.Delivery.Interval,
		StaleAfter:   cfg.Delivery.StaleAfter,
		SendBuffer:   cfg.Server.SendBuffer,
		WriteTimeout: cfg.Server.WriteTimeout,
		PingInterval: cfg.Server.PingInterval,
		ReadLimit:    cfg.Server.ReadLimit,
		CheckOrigin:  mw.AllowOrigin(cfg.Server.CORSOrigins),
	})

	a.router = httputil.NewRouter(append([]httputil.RouterOptions{
		httputil.WithLogger(logger),
		httputil.WithServerOptions(func(s *http.Server) {
			s.ReadHeaderTimeout = 5 * time.Second
		}),
	}, opts...)...)
	a.router.Use(
		mw.RequestID,
		mw.CORSWithOptions(&mw.CORSOptions{
			AllowedOrigins: cfg.Server.CORSOrigins,
			AllowedMethods: mw.DefaultCORSOptions().AllowedMethods,
			AllowedHeaders: mw.DefaultCORSOptions().AllowedHeaders,
		}),
	)
	if cfg.Log.Level != "none" {
		a.router.Use(mw.LoggerWithOptions(&mw.LoggerOptions{Logger: logger.Named("http")}))
	}

	api := a.router.Group(cfg.Server.BasePath)
	api.Handle("GET /ws", a.ws)
	api.HandleFunc("GET /healthz", gateway.Health(b.IsConnected))
	(&gateway.API{
		Registry:  a.registry,
		Store:     st,
		Cache:     a.cache,
		Broker:    a.adapter,
		Publisher: b,
	}).Register(api.Group("/mqtt"))

	return a
}

// seed pins the persisted topics together with registry.topics.
func (a *app) seed(ctx context.Context) int {
	topics, err := a.store.ListAll(ctx)
	if err != nil {
		a.logger.Error("failed to load persisted topics", zap.Error(err))
	}
	return a.registry.Seed(append(topics, a.cfg.Registry.Topics...))
}

// applyChange mirrors a topic list change made through any replica.
func (a *app) applyChange(c store.Change) {
	switch c.Op {
	case store.ChangeAdded:
		if err := a.registry.Pin(c.Topic); err != nil {
			a.logger.Warn("failed to pin topic", zap.String("topic", c.Topic), zap.Error(err))
		}
	case store.ChangeRemoved:
		a.registry.Unpin(c.Topic)
	default:
		a.logger.Debug("ignoring topic change", zap.String("op", string(c.Op)), zap.String("topic", c.Topic))
	}
}

// watch follows a shared store until ctx is canceled, re-listening with
// backoff when the listen connection breaks.
func (a *app) watch(ctx context.Context, w store.Watcher) {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	notify := func(err error, next time.Duration) {
		a.logger.Warn("topic watch interrupted, retrying", zap.Error(err), zap.Duration("next", next))
	}
	_ = backoff.RetryNotify(func() error {
		return w.Watch(ctx, a.applyChange)
	}, backoff.WithContext(b, ctx), notify)
}

// run serves until ctx is canceled or the HTTP server fails, then shuts down
// in reverse order of startup.
func (a *app) run(ctx context.Context) error {
	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(ctx)
	defer wg.Wait()
	defer cancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.adapter.Run(ctx)
	}()

	if err := a.backend.Connect(); err != nil {
		return fmt.Errorf("connect to broker: %w", err)
	}
	defer a.backend.Disconnect()

	a.seed(ctx)

	if w, ok := a.store.(store.Watcher); ok {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.watch(ctx, w)
		}()
	}

	if a.cfg.Metrics.Enabled {
		metrics.StartPrometheusServer(ctx, &wg, &metrics.PromServerOpts{
			Logger: a.logger.Named("metrics"),
			Addr:   a.cfg.Metrics.Addr,
			Path:   a.cfg.Metrics.Path,
		})
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- a.router.ListenAndServe(a.cfg.Server.ListenAddr)
	}()

	var err error
	select {
	case <-ctx.Done():
		a.logger.Info("received termination signal, shutting down gracefully")
	case err = <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if serr := a.router.Shutdown(shutdownCtx); serr != nil {
		a.logger.Error("server shutdown error", zap.Error(serr))
	}
	a.ws.Close()
	cancel()
	a.logger.Info("shutdown complete")
	return err
}
