package mqtt

import (
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/edgeflare/livemq/pkg/live/ingest"
	"go.uber.org/zap"
)

var errOperationTimeout = errors.New("mqtt: operation timed out")

// Client wraps a paho client as an ingest.Broker and ingest.Publisher.
type Client struct {
	opts      *mqtt.ClientOptions
	client    mqtt.Client
	logger    *zap.Logger
	qos       byte
	timeout   time.Duration
	onConnect func()
}

// NewClient creates a new MQTT client with the given paho options and logger.
func NewClient(opts *mqtt.ClientOptions, qos byte, timeout time.Duration, logger ...*zap.Logger) *Client {
	c := &Client{
		opts:    opts,
		qos:     qos,
		timeout: timeout,
	}
	if len(logger) > 0 && logger[0] != nil {
		c.logger = logger[0]
	} else {
		c.logger = zap.NewNop()
	}
	if c.timeout <= 0 {
		c.timeout = 10 * time.Second
	}

	brokers := getBrokerStrings(opts)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		c.logger.Info("connected to MQTT broker", zap.Strings("brokers", brokers))
		if c.onConnect != nil {
			c.onConnect()
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.logger.Error("MQTT connection lost", zap.Error(err))
	})
	opts.SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
		c.logger.Warn("reconnecting to MQTT broker")
	})

	return c
}

// OnConnect registers fn to run after every successful (re)connect. It must be
// set before Connect.
func (c *Client) OnConnect(fn func()) {
	c.onConnect = fn
}

// Connect establishes a connection to the MQTT broker. With connect retry
// enabled, an unreachable broker is not an error: attempts continue in the
// background and OnConnect fires once they succeed.
func (c *Client) Connect() error {
	c.client = mqtt.NewClient(c.opts)
	token := c.client.Connect()

	if c.opts.ConnectRetry {
		if !token.WaitTimeout(c.opts.ConnectTimeout) {
			c.logger.Warn("MQTT broker not reachable yet, retrying in background",
				zap.Strings("brokers", getBrokerStrings(c.opts)))
			return nil
		}
	} else {
		token.Wait()
	}

	if err := token.Error(); err != nil {
		return fmt.Errorf("broker connection error: %w", err)
	}
	return nil
}

// IsConnected reports whether the connection to the broker is currently up.
func (c *Client) IsConnected() bool {
	return c.client != nil && c.client.IsConnectionOpen()
}

// Subscribe registers onMessage for messages on topic.
func (c *Client) Subscribe(topic string, onMessage func(topic string, payload []byte)) error {
	if !c.IsConnected() {
		return fmt.Errorf("subscribe %q: %w", topic, ingest.ErrBrokerUnavailable)
	}

	token := c.client.Subscribe(topic, c.qos, func(_ mqtt.Client, msg mqtt.Message) {
		onMessage(msg.Topic(), msg.Payload())
	})
	if err := c.wait(token); err != nil {
		return fmt.Errorf("subscribe %q: %w", topic, err)
	}
	c.logger.Debug("subscribed to topic", zap.String("topic", topic), zap.Uint8("qos", c.qos))
	return nil
}

// Unsubscribe removes the subscription on topic.
func (c *Client) Unsubscribe(topic string) error {
	if !c.IsConnected() {
		return fmt.Errorf("unsubscribe %q: %w", topic, ingest.ErrBrokerUnavailable)
	}

	if err := c.wait(c.client.Unsubscribe(topic)); err != nil {
		return fmt.Errorf("unsubscribe %q: %w", topic, err)
	}
	c.logger.Debug("unsubscribed from topic", zap.String("topic", topic))
	return nil
}

// Publish sends a message to the specified MQTT topic.
func (c *Client) Publish(topic string, payload []byte, retained bool) error {
	if !c.IsConnected() {
		return fmt.Errorf("publish %q: %w", topic, ingest.ErrBrokerUnavailable)
	}

	if err := c.wait(c.client.Publish(topic, c.qos, retained, payload)); err != nil {
		c.logger.Error("publish error", zap.String("topic", topic), zap.Error(err))
		return fmt.Errorf("publish %q: %w", topic, err)
	}
	c.logger.Debug("message published", zap.String("topic", topic))
	return nil
}

// Disconnect closes the connection to the MQTT broker.
func (c *Client) Disconnect() {
	if c.client == nil {
		return
	}
	c.client.Disconnect(250)
	c.logger.Info("disconnected from MQTT broker")
}

func (c *Client) wait(token mqtt.Token) error {
	if !token.WaitTimeout(c.timeout) {
		return errOperationTimeout
	}
	return token.Error()
}

func getBrokerStrings(opts *mqtt.ClientOptions) []string {
	brokers := make([]string, len(opts.Servers))
	for i, server := range opts.Servers {
		brokers[i] = server.String()
	}
	return brokers
}
