package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/edgeflare/livemq/pkg/live/delivery"
	"github.com/edgeflare/livemq/pkg/metrics"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrConnectionClosed is returned by Emit once the websocket is gone. It stops
// the delivery loop that tried to emit.
var ErrConnectionClosed = errors.New("gateway: connection closed")

// conn is the outbound half of one websocket. Delivery loops enqueue encoded
// events with Emit; a single writer goroutine drains the queue, since a
// gorilla connection supports one concurrent writer.
type conn struct {
	ws     *websocket.Conn
	send   chan []byte
	done   chan struct{}
	logger *zap.Logger

	writeTimeout time.Duration
	pingInterval time.Duration

	closeOnce sync.Once
}

func newConn(ws *websocket.Conn, opts Options, logger *zap.Logger) *conn {
	return &conn{
		ws:           ws,
		send:         make(chan []byte, opts.SendBuffer),
		done:         make(chan struct{}),
		logger:       logger,
		writeTimeout: opts.WriteTimeout,
		pingInterval: opts.PingInterval,
	}
}

// Emit queues ev for the writer. When the queue is full a tick event is
// dropped, since the next tick carries a newer value anyway. Error events are
// sent once, so they wait up to the write timeout for room in the queue.
func (c *conn) Emit(ctx context.Context, ev delivery.Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", ev.Name, err)
	}

	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}

	if ev.Name == delivery.EventError {
		timer := time.NewTimer(c.writeTimeout)
		defer timer.Stop()
		select {
		case c.send <- b:
			return nil
		case <-c.done:
			return ErrConnectionClosed
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			c.drop(ev)
			return nil
		}
	}

	select {
	case c.send <- b:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
		c.drop(ev)
		return nil
	}
}

func (c *conn) drop(ev delivery.Event) {
	metrics.DroppedEvents.Inc()
	c.logger.Debug("send buffer full, dropping event", zap.String("event", string(ev.Name)), zap.String("topic", ev.Topic))
}

func (c *conn) writeLoop() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case b := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
				c.logger.Debug("websocket write failed", zap.Error(err))
				c.close(websocket.CloseAbnormalClosure)
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(c.writeTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Debug("websocket ping failed", zap.Error(err))
				c.close(websocket.CloseAbnormalClosure)
				return
			}
		}
	}
}

// close marks the connection closed, sends a close frame when possible and
// closes the socket, which also ends the read loop.
func (c *conn) close(code int) {
	c.closeOnce.Do(func() {
		close(c.done)
		if code != websocket.CloseAbnormalClosure {
			msg := websocket.FormatCloseMessage(code, "")
			_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		}
		_ = c.ws.Close()
	})
}
