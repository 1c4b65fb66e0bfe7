// Package nats is the NATS backend of the gateway. Topics use the MQTT style
// separator and wildcards and are mapped onto NATS subjects.
package nats

import (
	"cmp"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/edgeflare/livemq/pkg/live/ingest"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Config represents NATS configuration
type Config struct {
	Servers       []string      `mapstructure:"servers" json:"servers"`
	Name          string        `mapstructure:"name" json:"name,omitempty"`
	Username      string        `mapstructure:"username" json:"username,omitempty"`
	Password      string        `mapstructure:"password" json:"password,omitempty"`
	Token         string        `mapstructure:"token" json:"token,omitempty"`
	ReconnectWait time.Duration `mapstructure:"reconnectWait" json:"reconnectWait,omitempty"`
	TLS           struct {
		Enabled  bool   `mapstructure:"enabled" json:"enabled"`
		CertFile string `mapstructure:"certFile" json:"certFile,omitempty"`
		KeyFile  string `mapstructure:"keyFile" json:"keyFile,omitempty"`
		CAFile   string `mapstructure:"caFile" json:"caFile,omitempty"`
	} `mapstructure:"tls" json:"tls,omitempty"`
}

// Client implements ingest.Broker and ingest.Publisher on a core NATS connection.
// The NATS client restores subscriptions after a reconnect by itself.
type Client struct {
	cfg    Config
	nc     *nats.Conn
	logger *zap.Logger

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

func New(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(cfg.Servers) == 0 {
		cfg.Servers = []string{nats.DefaultURL}
	}
	cfg.Name = cmp.Or(cfg.Name, "livemq")

	return &Client{
		cfg:    cfg,
		logger: logger,
		subs:   make(map[string]*nats.Subscription),
	}
}

// Connect establishes a connection to the NATS servers.
func (c *Client) Connect() error {
	nc, err := nats.Connect(strings.Join(c.cfg.Servers, ","), c.options()...)
	if err != nil {
		return fmt.Errorf("connect to NATS server: %w", err)
	}
	c.nc = nc
	return nil
}

// IsConnected reports whether the connection to the server is currently up.
func (c *Client) IsConnected() bool {
	return c.nc != nil && c.nc.IsConnected()
}

// Subscribe subscribes to the subject mapped from topic. Subscribing twice to
// the same topic keeps the first subscription.
func (c *Client) Subscribe(topic string, onMessage func(topic string, payload []byte)) error {
	if !c.IsConnected() {
		return fmt.Errorf("subscribe %q: %w", topic, ingest.ErrBrokerUnavailable)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.subs[topic]; ok {
		return nil
	}

	subject := TopicToSubject(topic)
	sub, err := c.nc.Subscribe(subject, func(m *nats.Msg) {
		onMessage(SubjectToTopic(m.Subject), m.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %q: %w", subject, err)
	}
	c.subs[topic] = sub
	c.logger.Debug("subscribed to subject", zap.String("topic", topic), zap.String("subject", subject))
	return nil
}

// Unsubscribe removes the subscription for topic. Unknown topics are ignored.
func (c *Client) Unsubscribe(topic string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	sub, ok := c.subs[topic]
	if !ok {
		return nil
	}
	if !c.IsConnected() {
		return fmt.Errorf("unsubscribe %q: %w", topic, ingest.ErrBrokerUnavailable)
	}
	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("unsubscribe %q: %w", sub.Subject, err)
	}
	delete(c.subs, topic)
	return nil
}

// Publish sends payload on the subject mapped from topic. Core NATS has no
// retained messages, so retained is ignored.
func (c *Client) Publish(topic string, payload []byte, _ bool) error {
	if !c.IsConnected() {
		return fmt.Errorf("publish %q: %w", topic, ingest.ErrBrokerUnavailable)
	}
	if err := c.nc.Publish(TopicToSubject(topic), payload); err != nil {
		return fmt.Errorf("publish message: %w", err)
	}
	return nil
}

// Disconnect closes the NATS connection
func (c *Client) Disconnect() {
	if c.nc != nil {
		c.nc.Close()
	}
}

func (c *Client) options() []nats.Option {
	opts := []nats.Option{
		nats.Name(c.cfg.Name),
		nats.Timeout(5 * time.Second),
		nats.PingInterval(10 * time.Second),
		nats.MaxPingsOutstanding(3),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cmp.Or(c.cfg.ReconnectWait, 2*time.Second)),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.logger.Error("NATS connection lost", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.logger.Info("reconnected to NATS server", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			c.logger.Info("NATS connection closed")
		}),
	}

	if c.cfg.Username != "" && c.cfg.Password != "" {
		opts = append(opts, nats.UserInfo(c.cfg.Username, c.cfg.Password))
	}
	if c.cfg.Token != "" {
		opts = append(opts, nats.Token(c.cfg.Token))
	}
	if c.cfg.TLS.Enabled {
		if c.cfg.TLS.CAFile != "" {
			opts = append(opts, nats.RootCAs(c.cfg.TLS.CAFile))
		}
		if c.cfg.TLS.CertFile != "" && c.cfg.TLS.KeyFile != "" {
			opts = append(opts, nats.ClientCert(c.cfg.TLS.CertFile, c.cfg.TLS.KeyFile))
		}
	}
	return opts
}

// TopicToSubject maps an MQTT style topic (sensor/+/temp, sensor/#) onto a
// NATS subject (sensor.*.temp, sensor.>).
func TopicToSubject(topic string) string {
	parts := strings.Split(strings.Trim(topic, "/"), "/")
	for i, p := range parts {
		switch p {
		case "+":
			parts[i] = "*"
		case "#":
			parts[i] = ">"
		default:
			parts[i] = strings.ReplaceAll(p, ".", "_")
		}
	}
	return strings.Join(parts, ".")
}

// SubjectToTopic is the inverse of TopicToSubject for concrete subjects.
func SubjectToTopic(subject string) string {
	return strings.ReplaceAll(subject, ".", "/")
}
