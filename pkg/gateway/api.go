package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/edgeflare/livemq/pkg/httputil"
	"github.com/edgeflare/livemq/pkg/httputil/middleware"
	"github.com/edgeflare/livemq/pkg/live/cache"
	"github.com/edgeflare/livemq/pkg/live/ingest"
	"github.com/edgeflare/livemq/pkg/live/registry"
	"github.com/edgeflare/livemq/pkg/store"
	"go.uber.org/zap"
)

// Registry is the part of the subscription registry used by the REST API.
type Registry interface {
	Snapshot() []registry.Ref
	Pin(topic string) error
	Unpin(topic string) bool
}

// BrokerState reports whether a topic is currently subscribed at the broker.
type BrokerState interface {
	Subscribed(topic string) bool
}

type MessageReader interface {
	Get(topic string) (cache.Message, bool)
}

// API serves topic management, latest-message lookup and publishing.
type API struct {
	Registry  Registry
	Store     store.TopicStore
	Cache     MessageReader
	Broker    BrokerState
	Publisher ingest.Publisher
}

// TopicStatus is one entry of GET /topics.
type TopicStatus struct {
	registry.Ref
	Subscribed bool `json:"subscribed"`
	HasMessage bool `json:"hasMessage"`
}

type MessageResponse struct {
	Topic      string    `json:"topic"`
	Message    any       `json:"message"`
	ReceivedAt time.Time `json:"receivedAt"`
}

type topicRequest struct {
	Topic string `json:"topic"`
}

type publishRequest struct {
	Topic    string          `json:"topic"`
	Payload  json.RawMessage `json:"payload"`
	Retained bool            `json:"retained"`
}

// Register mounts the routes on r, which is expected to be the {basePath}/mqtt group.
func (a *API) Register(r *httputil.Router) {
	r.HandleFunc("GET /topics", a.listTopics)
	r.HandleFunc("POST /topics", a.addTopic)
	r.HandleFunc("DELETE /topics/{topic...}", a.removeTopic)
	r.HandleFunc("GET /messages/{topic...}", a.latestMessage)
	if a.Publisher != nil {
		r.HandleFunc("POST /publish", a.publish)
	}
}

func (a *API) listTopics(w http.ResponseWriter, r *http.Request) {
	refs := a.Registry.Snapshot()
	out := make([]TopicStatus, 0, len(refs))
	for _, ref := range refs {
		_, cached := a.Cache.Get(ref.Topic)
		out = append(out, TopicStatus{
			Ref:        ref,
			Subscribed: a.Broker != nil && a.Broker.Subscribed(ref.Topic),
			HasMessage: cached,
		})
	}
	httputil.JSON(w, http.StatusOK, out)
}

func (a *API) addTopic(w http.ResponseWriter, r *http.Request) {
	var req topicRequest
	if err := httputil.BindOrError(r, w, &req); err != nil {
		return
	}

	topic, err := store.NormalizeTopic(req.Topic)
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, "Topic is required")
		return
	}
	if err := a.Store.Add(r.Context(), topic); err != nil {
		middleware.LoggerFromContext(r.Context()).Error("failed to persist topic", zap.String("topic", topic), zap.Error(err))
		httputil.Error(w, http.StatusInternalServerError, "failed to persist topic")
		return
	}
	if err := a.Registry.Pin(topic); err != nil {
		httputil.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	httputil.JSON(w, http.StatusCreated, topicRequest{Topic: topic})
}

func (a *API) removeTopic(w http.ResponseWriter, r *http.Request) {
	topic := strings.TrimSpace(r.PathValue("topic"))

	err := a.Store.Remove(r.Context(), topic)
	switch {
	case errors.Is(err, store.ErrInvalidTopic):
		httputil.Error(w, http.StatusBadRequest, "Topic is required")
		return
	case errors.Is(err, store.ErrTopicNotFound):
		httputil.Error(w, http.StatusNotFound, "topic not found")
		return
	case err != nil:
		middleware.LoggerFromContext(r.Context()).Error("failed to remove topic", zap.String("topic", topic), zap.Error(err))
		httputil.Error(w, http.StatusInternalServerError, "failed to remove topic")
		return
	}

	a.Registry.Unpin(topic)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) latestMessage(w http.ResponseWriter, r *http.Request) {
	topic := r.PathValue("topic")
	msg, ok := a.Cache.Get(topic)
	if !ok {
		httputil.Error(w, http.StatusNotFound, "No live message available")
		return
	}

	var message any = string(msg.Payload)
	if len(msg.Payload) > 0 && json.Valid(msg.Payload) {
		message = json.RawMessage(msg.Payload)
	}
	httputil.JSON(w, http.StatusOK, MessageResponse{
		Topic:      msg.Topic,
		Message:    message,
		ReceivedAt: msg.ReceivedAt,
	})
}

// publish accepts a JSON payload; a JSON string is published as its raw text.
func (a *API) publish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := httputil.BindOrError(r, w, &req); err != nil {
		return
	}
	topic := strings.TrimSpace(req.Topic)
	if topic == "" {
		httputil.Error(w, http.StatusBadRequest, "Topic is required")
		return
	}

	payload := []byte(req.Payload)
	var s string
	if err := json.Unmarshal(req.Payload, &s); err == nil {
		payload = []byte(s)
	}

	if err := a.Publisher.Publish(topic, payload, req.Retained); err != nil {
		middleware.LoggerFromContext(r.Context()).Warn("publish failed", zap.String("topic", topic), zap.Error(err))
		status := http.StatusBadGateway
		if errors.Is(err, ingest.ErrBrokerUnavailable) {
			status = http.StatusServiceUnavailable
		}
		httputil.Error(w, status, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// Health reports whether the broker connection is up.
func Health(connected func() bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if connected != nil && !connected() {
			httputil.JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "broker disconnected"})
			return
		}
		httputil.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
