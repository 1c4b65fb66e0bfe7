// Package ingest keeps broker-level subscriptions in line with what the
// subscription registry asks for, and writes every arriving payload into the
// topic cache.
//
// Subscribe and Unsubscribe only record the desired state and wake the
// reconcile worker started by Run, so callers never block on broker I/O.
// Failed broker operations stay pending and are retried with exponential
// backoff; a reconnect triggers Resync, which re-issues every desired topic.
package ingest

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/edgeflare/livemq/pkg/live/cache"
	"github.com/edgeflare/livemq/pkg/metrics"
	"go.uber.org/zap"
)

var ErrBrokerUnavailable = errors.New("ingest: broker unavailable")

// Broker is the broker connection consumed by the adapter.
type Broker interface {
	// Subscribe ensures a broker-level subscription for topic and delivers every
	// inbound message on it to onMessage.
	Subscribe(topic string, onMessage func(topic string, payload []byte)) error
	// Unsubscribe tears down the broker-level subscription for topic.
	Unsubscribe(topic string) error
}

// Publisher sends a payload to the broker.
type Publisher interface {
	Publish(topic string, payload []byte, retained bool) error
}

// Options configures an Adapter.
type Options struct {
	Logger *zap.Logger
	// InitialRetryInterval is the first delay before a failed broker operation is retried.
	InitialRetryInterval time.Duration
	// MaxRetryInterval caps the exponential retry delay.
	MaxRetryInterval time.Duration
}

// Adapter maps desired topic subscriptions onto a Broker and feeds the cache.
type Adapter struct {
	broker Broker
	cache  *cache.Cache
	logger *zap.Logger
	opts   Options

	mu      sync.Mutex
	desired map[string]struct{}
	actual  map[string]struct{}
	// gen is bumped by Resync. A subscribe acknowledged under an older
	// generation belongs to a session the broker has already dropped.
	gen uint64

	// opMu serializes broker calls made by Reconcile.
	opMu sync.Mutex
	kick chan struct{}
}

// NewAdapter returns an Adapter writing into c. Run must be started for
// subscriptions to reach the broker.
func NewAdapter(broker Broker, c *cache.Cache, opts Options) *Adapter {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.InitialRetryInterval <= 0 {
		opts.InitialRetryInterval = 500 * time.Millisecond
	}
	if opts.MaxRetryInterval <= 0 {
		opts.MaxRetryInterval = 30 * time.Second
	}

	return &Adapter{
		broker:  broker,
		cache:   c,
		logger:  opts.Logger,
		opts:    opts,
		desired: make(map[string]struct{}),
		actual:  make(map[string]struct{}),
		kick:    make(chan struct{}, 1),
	}
}

// Subscribe marks topic as wanted at the broker. It is idempotent.
func (a *Adapter) Subscribe(topic string) {
	a.mu.Lock()
	a.desired[topic] = struct{}{}
	a.mu.Unlock()
	a.wake()
}

// Unsubscribe marks topic as no longer wanted at the broker. It is safe to call
// while the broker connection is down; the teardown stays pending until it succeeds.
func (a *Adapter) Unsubscribe(topic string) {
	a.mu.Lock()
	delete(a.desired, topic)
	a.mu.Unlock()
	a.wake()
}

// Resync forgets which topics are subscribed at the broker and re-issues every
// desired subscription. Called after the broker connection is re-established.
func (a *Adapter) Resync() {
	a.mu.Lock()
	a.actual = make(map[string]struct{})
	a.gen++
	a.mu.Unlock()
	metrics.BrokerSubscriptions.Set(0)
	a.wake()
}

// Subscribed reports whether topic is currently subscribed at the broker.
func (a *Adapter) Subscribed(topic string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.actual[topic]
	return ok
}

// Pending returns the number of topics whose broker state differs from the desired one.
func (a *Adapter) Pending() int {
	return len(a.diff())
}

func (a *Adapter) wake() {
	select {
	case a.kick <- struct{}{}:
	default:
	}
}

// Run reconciles desired and actual subscriptions until ctx is canceled.
func (a *Adapter) Run(ctx context.Context) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = a.opts.InitialRetryInterval
	b.MaxInterval = a.opts.MaxRetryInterval
	b.MaxElapsedTime = 0

	var retry <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.kick:
		case <-retry:
		}

		if pending := a.Reconcile(); pending == 0 {
			b.Reset()
			retry = nil
			continue
		}

		delay := b.NextBackOff()
		if delay == backoff.Stop {
			delay = a.opts.MaxRetryInterval
		}
		a.logger.Debug("broker operations pending, retrying", zap.Duration("delay", delay))
		retry = time.After(delay)
	}
}

type op struct {
	topic     string
	subscribe bool
}

func (a *Adapter) diff() []op {
	a.mu.Lock()
	defer a.mu.Unlock()

	var ops []op
	for topic := range a.desired {
		if _, ok := a.actual[topic]; !ok {
			ops = append(ops, op{topic: topic, subscribe: true})
		}
	}
	for topic := range a.actual {
		if _, ok := a.desired[topic]; !ok {
			ops = append(ops, op{topic: topic})
		}
	}

	sort.Slice(ops, func(i, j int) bool { return ops[i].topic < ops[j].topic })
	return ops
}

// Reconcile applies pending broker operations once and returns how many of them
// failed. Failures on one topic do not prevent the others from being applied.
func (a *Adapter) Reconcile() int {
	a.opMu.Lock()
	defer a.opMu.Unlock()

	failed := 0
	for _, o := range a.diff() {
		if o.subscribe {
			a.mu.Lock()
			gen := a.gen
			a.mu.Unlock()

			if err := a.broker.Subscribe(o.topic, a.onMessage(o.topic)); err != nil {
				failed++
				metrics.BrokerErrors.WithLabelValues("subscribe").Inc()
				a.logger.Error("broker subscribe failed", zap.String("topic", o.topic), zap.Error(err))
				continue
			}

			a.mu.Lock()
			current := a.gen == gen
			if current {
				a.actual[o.topic] = struct{}{}
			}
			a.mu.Unlock()
			if !current {
				failed++
				a.logger.Warn("broker reconnected during subscribe, re-issuing", zap.String("topic", o.topic))
				continue
			}
			a.logger.Info("subscribed to topic", zap.String("topic", o.topic))
			continue
		}

		if err := a.broker.Unsubscribe(o.topic); err != nil {
			failed++
			metrics.BrokerErrors.WithLabelValues("unsubscribe").Inc()
			a.logger.Error("broker unsubscribe failed", zap.String("topic", o.topic), zap.Error(err))
			continue
		}
		a.mu.Lock()
		delete(a.actual, o.topic)
		a.mu.Unlock()
		a.logger.Info("unsubscribed from topic", zap.String("topic", o.topic))
	}

	a.mu.Lock()
	metrics.BrokerSubscriptions.Set(float64(len(a.actual)))
	a.mu.Unlock()
	return failed
}

// onMessage returns the broker callback for a subscription. Messages are cached
// under the subscribed topic, so a wildcard subscription holds the latest
// message of any topic it matches.
func (a *Adapter) onMessage(subscribed string) func(topic string, payload []byte) {
	return func(topic string, payload []byte) {
		a.cache.Put(subscribed, payload)
		metrics.IngestedMessages.Inc()
		if ce := a.logger.Check(zap.DebugLevel, "message received"); ce != nil {
			ce.Write(zap.String("topic", topic), zap.String("subscription", subscribed), zap.Int("bytes", len(payload)))
		}
	}
}
