package metrics

import (
	"cmp"
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "livemq_active_sessions",
			Help: "Number of connected websocket clients",
		},
	)

	ActiveDeliveryLoops = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "livemq_active_delivery_loops",
			Help: "Number of running (client, topic) delivery loops",
		},
	)

	BrokerSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "livemq_broker_subscriptions",
			Help: "Number of topics currently subscribed at the broker",
		},
	)

	ReferencedTopics = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "livemq_referenced_topics",
			Help: "Number of topics held by the subscription registry",
		},
	)

	IngestedMessages = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "livemq_ingested_messages_total",
			Help: "Total number of broker messages written to the topic cache",
		},
	)

	EmittedEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livemq_emitted_events_total",
			Help: "Total number of events sent to clients by event name",
		},
		[]string{"event"},
	)

	DroppedEvents = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "livemq_dropped_events_total",
			Help: "Total number of events dropped because a client send buffer was full",
		},
	)

	BrokerErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livemq_broker_errors_total",
			Help: "Total number of failed broker operations by operation",
		},
		[]string{"op"},
	)

	InvariantViolations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livemq_invariant_violations_total",
			Help: "Total number of clamped programming errors by kind",
		},
		[]string{"kind"},
	)
)

type PromServerOpts struct {
	Logger            *zap.Logger
	Addr              string
	Path              string        // Path for metrics endpoint, defaults to "/metrics"
	ShutdownTimeout   time.Duration // Timeout for server shutdown, defaults to 5 seconds
	ReadHeaderTimeout time.Duration // Timeout for reading request headers, defaults to 3 seconds
}

func defaultPrometheusServerOptions() PromServerOpts {
	return PromServerOpts{
		Addr:              ":9100",
		Path:              "/metrics",
		ShutdownTimeout:   5 * time.Second,
		ReadHeaderTimeout: 3 * time.Second,
	}
}

// StartPrometheusServer starts a Prometheus metrics server with the given options.
// The server shuts down gracefully when ctx is canceled.
func StartPrometheusServer(ctx context.Context, wg *sync.WaitGroup, opts *PromServerOpts) {
	effectiveOpts := defaultPrometheusServerOptions()
	if opts != nil {
		effectiveOpts.Logger = opts.Logger
		effectiveOpts.Addr = cmp.Or(opts.Addr, effectiveOpts.Addr)
		effectiveOpts.Path = cmp.Or(opts.Path, effectiveOpts.Path)
		effectiveOpts.ShutdownTimeout = cmp.Or(opts.ShutdownTimeout, effectiveOpts.ShutdownTimeout)
		effectiveOpts.ReadHeaderTimeout = cmp.Or(opts.ReadHeaderTimeout, effectiveOpts.ReadHeaderTimeout)
	}
	logger := effectiveOpts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	mux := http.NewServeMux()
	mux.Handle(effectiveOpts.Path, promhttp.Handler())
	server := &http.Server{
		Addr:              effectiveOpts.Addr,
		Handler:           mux,
		ReadHeaderTimeout: effectiveOpts.ReadHeaderTimeout,
	}

	serverClosed := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("starting prometheus metrics server", zap.String("addr", effectiveOpts.Addr))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
		close(serverClosed)
	}()

	go func() {
		<-ctx.Done()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), effectiveOpts.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("error shutting down metrics server", zap.Error(err))
		}

		select {
		case <-serverClosed:
			logger.Info("metrics server shutdown complete")
		case <-shutdownCtx.Done():
			logger.Warn("metrics server shutdown timed out")
		}
	}()
}
