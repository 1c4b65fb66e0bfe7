package delivery

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/edgeflare/livemq/pkg/metrics"
	"go.uber.org/zap"
)

var (
	ErrTopicRequired = errors.New("delivery: topic is required")
	ErrSessionClosed = errors.New("delivery: session closed")
)

// Registrar is the subscription registry as seen by a session.
type Registrar interface {
	AddSubscriber(topic string)
	RemoveSubscriber(topic string) error
}

type SessionOptions struct {
	ID         string
	Logger     *zap.Logger
	Interval   time.Duration
	StaleAfter time.Duration
}

// Session is one client connection. It owns at most one delivery loop per
// topic and holds exactly one registry reference for each of them.
type Session struct {
	ctx      context.Context
	reader   Reader
	registry Registrar
	emitter  Emitter
	logger   *zap.Logger
	opts     SessionOptions

	mu     sync.Mutex
	loops  map[string]*Handle
	closed bool
}

// NewSession returns a session whose loops read from reader and emit through
// emitter. Canceling ctx stops the loops but does not release their registry
// references; Close does both.
func NewSession(ctx context.Context, reader Reader, registry Registrar, emitter Emitter, opts SessionOptions) *Session {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Session{
		ctx:      ctx,
		reader:   reader,
		registry: registry,
		emitter:  emitter,
		logger:   opts.Logger.With(zap.String("session", opts.ID)),
		opts:     opts,
		loops:    make(map[string]*Handle),
	}
}

// Subscribe starts live delivery of topic. An empty topic emits an error event
// to this client and returns ErrTopicRequired without touching the registry.
// Subscribing to a topic that is already being delivered is a no-op.
func (s *Session) Subscribe(topic string) error {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		s.EmitError(msgTopicRequired)
		return ErrTopicRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	if _, ok := s.loops[topic]; ok {
		s.logger.Debug("already subscribed", zap.String("topic", topic))
		return nil
	}

	s.registry.AddSubscriber(topic)
	s.loops[topic] = Start(s.ctx, topic, s.reader, s.emitter, LoopOptions{
		Interval:   s.opts.Interval,
		StaleAfter: s.opts.StaleAfter,
		OnStop:     s.loopFailed,
	})
	s.logger.Info("subscribed", zap.String("topic", topic))
	return nil
}

// Unsubscribe stops delivery of topic. An empty topic stops every loop of the
// session. It returns the number of loops stopped.
func (s *Session) Unsubscribe(topic string) int {
	topic = strings.TrimSpace(topic)

	s.mu.Lock()
	var stopped []*Handle
	if topic == "" {
		stopped = s.takeAllLocked()
	} else if h, ok := s.loops[topic]; ok {
		delete(s.loops, topic)
		stopped = append(stopped, h)
	}
	s.mu.Unlock()

	s.stopAndRelease(stopped)
	return len(stopped)
}

// Close stops every loop synchronously and releases one registry reference per
// topic. Later calls are no-ops.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	stopped := s.takeAllLocked()
	s.mu.Unlock()

	s.stopAndRelease(stopped)
	s.logger.Debug("session closed", zap.Int("released", len(stopped)))
}

// Topics returns the topics with an active loop.
func (s *Session) Topics() []string {
	s.mu.Lock()
	topics := make([]string, 0, len(s.loops))
	for topic := range s.loops {
		topics = append(topics, topic)
	}
	s.mu.Unlock()

	sort.Strings(topics)
	return topics
}

func (s *Session) takeAllLocked() []*Handle {
	handles := make([]*Handle, 0, len(s.loops))
	for topic, h := range s.loops {
		handles = append(handles, h)
		delete(s.loops, topic)
	}
	return handles
}

func (s *Session) stopAndRelease(handles []*Handle) {
	for _, h := range handles {
		h.Stop()
		s.release(h.Topic())
	}
}

// loopFailed runs on the loop goroutine after an emission error. The reference
// is released only if the loop is still owned, so a concurrent Close or
// Unsubscribe cannot release it twice.
func (s *Session) loopFailed(h *Handle, err error) {
	s.mu.Lock()
	current, ok := s.loops[h.Topic()]
	owned := ok && current == h
	if owned {
		delete(s.loops, h.Topic())
	}
	s.mu.Unlock()

	if !owned {
		return
	}
	s.logger.Warn("delivery loop stopped", zap.String("topic", h.Topic()), zap.Error(err))
	s.release(h.Topic())
}

func (s *Session) release(topic string) {
	if err := s.registry.RemoveSubscriber(topic); err != nil {
		s.logger.Error("failed to release subscription", zap.String("topic", topic), zap.Error(err))
	}
}

// EmitError sends an error event to this session's client.
func (s *Session) EmitError(message string) {
	ev := ErrorEvent(message)
	if err := s.emitter.Emit(s.ctx, ev); err != nil {
		s.logger.Debug("failed to emit error event", zap.Error(err))
		return
	}
	metrics.EmittedEvents.WithLabelValues(string(ev.Name)).Inc()
}
