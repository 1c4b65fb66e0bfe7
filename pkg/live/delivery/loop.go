// Package delivery pushes the latest cached message of a topic to a client on
// a fixed cadence.
//
// A loop is started with Start and stopped only through its Handle. A Session
// owns the loops of one client connection and keeps the subscription registry
// in step with them.
package delivery

import (
	"context"
	"encoding/json"
	"time"

	"github.com/edgeflare/livemq/pkg/live/cache"
	"github.com/edgeflare/livemq/pkg/metrics"
)

// DefaultInterval is the tick period of a delivery loop.
const DefaultInterval = 100 * time.Millisecond

const (
	msgNoData        = "No live message available"
	msgTopicRequired = "Topic is required"
)

type EventName string

const (
	EventLiveMessage EventName = "liveMessage"
	EventNoData      EventName = "noData"
	EventError       EventName = "error"
)

// Response is the payload of every server to client event.
type Response struct {
	Success    bool       `json:"success"`
	Message    any        `json:"message"`
	ReceivedAt *time.Time `json:"receivedAt,omitempty"`
	Stale      bool       `json:"stale,omitempty"`
}

// Event is one server to client emission.
type Event struct {
	Name  EventName `json:"event"`
	Topic string    `json:"topic,omitempty"`
	Data  Response  `json:"data"`
}

// Emitter sends events to a single client. An error means the client can no
// longer be reached and stops the emitting loop.
type Emitter interface {
	Emit(ctx context.Context, ev Event) error
}

// Reader is the read side of the topic cache.
type Reader interface {
	Get(topic string) (cache.Message, bool)
}

type LoopOptions struct {
	Interval time.Duration
	// StaleAfter marks liveMessage events whose message is older than this. Zero disables it.
	StaleAfter time.Duration
	// OnStop is called from the loop goroutine when the loop ends because Emit failed.
	OnStop func(h *Handle, err error)
}

// Handle controls a running delivery loop.
type Handle struct {
	topic  string
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Start runs a delivery loop for topic until the returned Handle is stopped,
// ctx is canceled, or an emission fails. The first tick fires one interval
// after Start.
func Start(ctx context.Context, topic string, reader Reader, emitter Emitter, opts LoopOptions) *Handle {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}

	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{
		topic:  topic,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go h.run(ctx, reader, emitter, opts)
	return h
}

// Topic returns the topic the loop delivers.
func (h *Handle) Topic() string { return h.topic }

// Err returns the emission error that stopped the loop, if any. Only valid after Done.
func (h *Handle) Err() error {
	<-h.done
	return h.err
}

// Stop cancels the loop and waits for it to exit. No emission happens after
// Stop returns. It must not be called from the loop's own Emitter or OnStop.
func (h *Handle) Stop() {
	h.cancel()
	<-h.done
}

func (h *Handle) run(ctx context.Context, reader Reader, emitter Emitter, opts LoopOptions) {
	defer close(h.done)
	defer h.cancel()

	metrics.ActiveDeliveryLoops.Inc()
	defer metrics.ActiveDeliveryLoops.Dec()

	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		ev := Poll(reader, h.topic, opts.StaleAfter, time.Now())
		if err := emitter.Emit(ctx, ev); err != nil {
			if ctx.Err() != nil {
				return
			}
			h.err = err
			if opts.OnStop != nil {
				opts.OnStop(h, err)
			}
			return
		}
		metrics.EmittedEvents.WithLabelValues(string(ev.Name)).Inc()
	}
}

// Poll reads the cache once and builds the event a loop would emit for topic.
func Poll(reader Reader, topic string, staleAfter time.Duration, now time.Time) Event {
	msg, ok := reader.Get(topic)
	if !ok {
		return Event{
			Name:  EventNoData,
			Topic: topic,
			Data:  Response{Success: false, Message: msgNoData},
		}
	}

	receivedAt := msg.ReceivedAt
	return Event{
		Name:  EventLiveMessage,
		Topic: topic,
		Data: Response{
			Success:    true,
			Message:    payloadValue(msg.Payload),
			ReceivedAt: &receivedAt,
			Stale:      staleAfter > 0 && msg.Age(now) > staleAfter,
		},
	}
}

// payloadValue embeds JSON payloads as JSON and anything else as a string.
func payloadValue(payload []byte) any {
	if len(payload) > 0 && json.Valid(payload) {
		return json.RawMessage(payload)
	}
	return string(payload)
}

// ErrorEvent builds an error event for a single client.
func ErrorEvent(message string) Event {
	return Event{
		Name: EventError,
		Data: Response{Success: false, Message: message},
	}
}
