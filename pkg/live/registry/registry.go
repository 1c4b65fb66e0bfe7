// Package registry reference-counts client interest per topic so that at most
// one broker-level subscription exists per topic, however many clients watch it.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/edgeflare/livemq/pkg/metrics"
	"go.uber.org/zap"
)

var (
	// ErrInvariantViolation reports a programming error such as a reference
	// count underflow. In strict mode it is raised as a panic.
	ErrInvariantViolation = errors.New("registry: invariant violation")
	ErrEmptyTopic         = errors.New("registry: topic must not be empty")
)

// Subscriber is the broker side driven by the registry, usually an *ingest.Adapter.
type Subscriber interface {
	Subscribe(topic string)
	Unsubscribe(topic string)
}

// Ref is the registry entry for a topic. An entry exists while Count > 0,
// while it is Sticky, or while it is Pinned.
//
// Sticky marks a topic seeded at startup; the first client reference clears
// it. Pinned marks a topic added at runtime; only Unpin clears it.
type Ref struct {
	Topic  string `json:"topic"`
	Count  int    `json:"refCount"`
	Sticky bool   `json:"sticky"`
	Pinned bool   `json:"pinned"`
}

func (ref *Ref) held() bool {
	return ref.Count > 0 || ref.Sticky || ref.Pinned
}

type Options struct {
	Logger *zap.Logger
	// Strict panics on invariant violations instead of logging and clamping.
	Strict bool
}

// Registry tracks subscribers per topic. It is safe for concurrent use; every
// read-modify-write of a count, including the resulting broker instruction,
// happens under one lock.
type Registry struct {
	mu     sync.Mutex
	refs   map[string]*Ref
	broker Subscriber
	logger *zap.Logger
	strict bool
}

func New(broker Subscriber, opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Registry{
		refs:   make(map[string]*Ref),
		broker: broker,
		logger: opts.Logger,
		strict: opts.Strict,
	}
}

// AddSubscriber increments the count for topic. The first reference subscribes
// at the broker. A client reference on a sticky topic clears the sticky flag,
// after which the topic follows ordinary reference counting.
func (r *Registry) AddSubscriber(topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ref, ok := r.refs[topic]
	if !ok {
		ref = &Ref{Topic: topic}
		r.refs[topic] = ref
		r.broker.Subscribe(topic)
	}
	ref.Count++
	ref.Sticky = false

	metrics.ReferencedTopics.Set(float64(len(r.refs)))
	r.logger.Debug("subscriber added", zap.String("topic", topic), zap.Int("refCount", ref.Count))
}

// RemoveSubscriber decrements the count for topic; the last reference
// unsubscribes at the broker. Removing more references than were added is an
// invariant violation and leaves the registry unchanged.
func (r *Registry) RemoveSubscriber(topic string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ref, ok := r.refs[topic]
	if !ok || ref.Count == 0 {
		return r.violation("refcount_underflow", fmt.Errorf("%w: reference count underflow for topic %q", ErrInvariantViolation, topic))
	}

	ref.Count--
	r.logger.Debug("subscriber removed", zap.String("topic", topic), zap.Int("refCount", ref.Count))
	if !ref.held() {
		delete(r.refs, topic)
		r.broker.Unsubscribe(topic)
	}

	metrics.ReferencedTopics.Set(float64(len(r.refs)))
	return nil
}

// Pin subscribes topic without a client reference and keeps it subscribed
// until Unpin, whatever clients do in between.
func (r *Registry) Pin(topic string) error {
	return r.hold(topic, func(ref *Ref) { ref.Pinned = true })
}

func (r *Registry) seedTopic(topic string) error {
	return r.hold(topic, func(ref *Ref) {
		if ref.Count == 0 {
			ref.Sticky = true
		}
	})
}

func (r *Registry) hold(topic string, mark func(*Ref)) error {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return ErrEmptyTopic
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ref, ok := r.refs[topic]
	if !ok {
		ref = &Ref{Topic: topic}
		mark(ref)
		if !ref.held() {
			return nil
		}
		r.refs[topic] = ref
		r.broker.Subscribe(topic)
		metrics.ReferencedTopics.Set(float64(len(r.refs)))
		return nil
	}
	mark(ref)
	return nil
}

// Unpin drops the seeded and pinned marks of topic and unsubscribes it if no
// client holds a reference. It reports whether topic was known.
func (r *Registry) Unpin(topic string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	ref, ok := r.refs[topic]
	if !ok {
		return false
	}
	ref.Sticky = false
	ref.Pinned = false
	if !ref.held() {
		delete(r.refs, topic)
		r.broker.Unsubscribe(topic)
		metrics.ReferencedTopics.Set(float64(len(r.refs)))
	}
	return true
}

// Seed subscribes every topic of a persisted subscription list, sticky until
// the first client reference. Invalid items are
// logged and skipped; they never prevent the remaining topics from being
// subscribed. It returns the number of topics pinned.
func (r *Registry) Seed(topics []string) int {
	seeded := 0
	for _, topic := range topics {
		if err := r.seedTopic(topic); err != nil {
			r.logger.Error("skipping persisted topic", zap.String("topic", topic), zap.Error(err))
			continue
		}
		seeded++
	}
	r.logger.Info("seeded persisted topics", zap.Int("count", seeded), zap.Int("total", len(topics)))
	return seeded
}

// RefCount returns the number of client references held on topic.
func (r *Registry) RefCount(topic string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ref, ok := r.refs[topic]; ok {
		return ref.Count
	}
	return 0
}

// Snapshot returns a copy of all entries ordered by topic.
func (r *Registry) Snapshot() []Ref {
	r.mu.Lock()
	refs := make([]Ref, 0, len(r.refs))
	for _, ref := range r.refs {
		refs = append(refs, *ref)
	}
	r.mu.Unlock()

	sort.Slice(refs, func(i, j int) bool { return refs[i].Topic < refs[j].Topic })
	return refs
}

func (r *Registry) violation(kind string, err error) error {
	if r.strict {
		panic(err)
	}
	metrics.InvariantViolations.WithLabelValues(kind).Inc()
	r.logger.Error("invariant violation", zap.Error(err), zap.Stack("stack"))
	return err
}
