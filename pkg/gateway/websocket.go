// Package gateway exposes live topic delivery to browsers over websockets and
// a small REST API for topic management.
package gateway

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/edgeflare/livemq/pkg/live/delivery"
	"github.com/edgeflare/livemq/pkg/metrics"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap"
)

// Client to server events.
const (
	EventSubscribe   = "subscribeToTopic"
	EventUnsubscribe = "unsubscribeFromTopic"
	EventDisconnect  = "disconnect"
)

const (
	msgMalformed    = "Malformed message"
	msgUnknownEvent = "Unknown event"
)

// Envelope is a client to server message. Data carries the topic either as a
// string or as {"topic": "..."}; Topic may be used instead.
type Envelope struct {
	Event string          `json:"event"`
	Topic string          `json:"topic,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// TopicArg returns the topic argument of the envelope, or "" when none was given.
func (e Envelope) TopicArg() string {
	if e.Topic != "" {
		return strings.TrimSpace(e.Topic)
	}
	if len(e.Data) == 0 {
		return ""
	}

	var data any
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return ""
	}
	switch v := data.(type) {
	case string:
		return strings.TrimSpace(v)
	case map[string]any:
		var arg struct {
			Topic string `mapstructure:"topic"`
		}
		if err := mapstructure.WeakDecode(v, &arg); err != nil {
			return ""
		}
		return strings.TrimSpace(arg.Topic)
	default:
		return ""
	}
}

type Options struct {
	Logger     *zap.Logger
	Interval   time.Duration
	StaleAfter time.Duration
	// SendBuffer is the number of events queued per connection before dropping.
	SendBuffer   int
	WriteTimeout time.Duration
	PingInterval time.Duration
	ReadLimit    int64
	// CheckOrigin is passed to the websocket upgrader. Nil accepts every origin.
	CheckOrigin func(r *http.Request) bool
}

func (o *Options) setDefaults() {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	o.Interval = cmp.Or(o.Interval, delivery.DefaultInterval)
	o.SendBuffer = cmp.Or(o.SendBuffer, 64)
	o.WriteTimeout = cmp.Or(o.WriteTimeout, 10*time.Second)
	o.PingInterval = cmp.Or(o.PingInterval, 30*time.Second)
	o.ReadLimit = cmp.Or(o.ReadLimit, int64(64<<10))
	if o.CheckOrigin == nil {
		o.CheckOrigin = func(*http.Request) bool { return true }
	}
}

// Server upgrades HTTP requests to websockets and runs one delivery session
// per connection.
type Server struct {
	reader   delivery.Reader
	registry delivery.Registrar
	opts     Options
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	conns   map[string]*conn
	closing bool
	wg      sync.WaitGroup
}

func NewServer(reader delivery.Reader, registry delivery.Registrar, opts Options) *Server {
	opts.setDefaults()
	return &Server{
		reader:   reader,
		registry: registry,
		opts:     opts,
		logger:   opts.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     opts.CheckOrigin,
		},
		conns: make(map[string]*conn),
	}
}

// Sessions returns the number of connected clients.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("failed to upgrade websocket connection", zap.Error(err))
		return
	}

	id := uuid.NewString()
	logger := s.logger.With(zap.String("session", id), zap.String("remote_addr", ws.RemoteAddr().String()))
	c := newConn(ws, s.opts, logger)

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		c.close(websocket.CloseGoingAway)
		return
	}
	s.conns[id] = c
	s.mu.Unlock()

	metrics.ActiveSessions.Inc()
	logger.Info("client connected")

	ctx, cancel := context.WithCancel(context.Background())
	session := delivery.NewSession(ctx, s.reader, s.registry, c, delivery.SessionOptions{
		ID:         id,
		Logger:     logger,
		Interval:   s.opts.Interval,
		StaleAfter: s.opts.StaleAfter,
	})

	go c.writeLoop()
	code := s.readLoop(ws, session, logger)

	session.Close()
	cancel()
	c.close(code)

	s.mu.Lock()
	delete(s.conns, id)
	s.mu.Unlock()
	metrics.ActiveSessions.Dec()
	logger.Info("client disconnected")
}

// readLoop handles client events until the client disconnects or the socket
// fails. It returns the close code to send.
func (s *Server) readLoop(ws *websocket.Conn, session *delivery.Session, logger *zap.Logger) int {
	pongWait := s.opts.PingInterval * 2
	ws.SetReadLimit(s.opts.ReadLimit)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				logger.Warn("websocket connection closed unexpectedly", zap.Error(err))
			}
			return websocket.CloseAbnormalClosure
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))

		if messageType != websocket.TextMessage {
			continue
		}

		var env Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			session.EmitError(msgMalformed)
			continue
		}

		switch env.Event {
		case EventSubscribe:
			if err := session.Subscribe(env.TopicArg()); err != nil {
				logger.Debug("subscribe rejected", zap.Error(err))
			}
		case EventUnsubscribe:
			n := session.Unsubscribe(env.TopicArg())
			logger.Debug("unsubscribed", zap.String("topic", env.TopicArg()), zap.Int("stopped", n))
		case EventDisconnect:
			return websocket.CloseNormalClosure
		default:
			session.EmitError(fmt.Sprintf("%s: %q", msgUnknownEvent, env.Event))
		}
	}
}

// Close disconnects every client and waits until their sessions are released.
// New upgrade requests are refused afterwards.
func (s *Server) Close() {
	s.mu.Lock()
	s.closing = true
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.close(websocket.CloseGoingAway)
	}
	s.wg.Wait()
}
