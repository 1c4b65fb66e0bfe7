package config

import (
	"cmp"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/edgeflare/livemq/pkg/broker/mqtt"
	"github.com/edgeflare/livemq/pkg/broker/nats"
	"github.com/edgeflare/livemq/pkg/logging"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Version is set at build time with -ldflags "-X github.com/edgeflare/livemq/pkg/config.Version=..."
var Version = "dev"

const EnvPrefix = "LIVEMQ"

const (
	BrokerMQTT = "mqtt"
	BrokerNATS = "nats"
)

// Config holds application-wide configuration
type Config struct {
	Server   ServerConfig    `mapstructure:"server"`
	Delivery DeliveryConfig  `mapstructure:"delivery"`
	Broker   BrokerConfig    `mapstructure:"broker"`
	Registry RegistryConfig  `mapstructure:"registry"`
	Postgres PostgresConfig  `mapstructure:"postgres"`
	Metrics  MetricsConfig   `mapstructure:"metrics"`
	Log      logging.Options `mapstructure:"log"`

	// File is the config file that was read, empty when none was found.
	File string `mapstructure:"-"`
}

type ServerConfig struct {
	ListenAddr      string        `mapstructure:"listenAddr"`
	BasePath        string        `mapstructure:"basePath"`
	CORSOrigins     []string      `mapstructure:"corsOrigins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdownTimeout"`
	// SendBuffer is the number of outbound events queued per websocket connection.
	SendBuffer   int           `mapstructure:"sendBuffer"`
	WriteTimeout time.Duration `mapstructure:"writeTimeout"`
	PingInterval time.Duration `mapstructure:"pingInterval"`
	// ReadLimit is the largest client message accepted, in bytes.
	ReadLimit int64     `mapstructure:"readLimit"`
	TLS       TLSConfig `mapstructure:"tls"`
}

// TLSConfig enables HTTPS and wss. A missing key pair is generated
// self-signed at CertFile and KeyFile.
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"certFile"`
	KeyFile  string `mapstructure:"keyFile"`
}

type DeliveryConfig struct {
	Interval   time.Duration `mapstructure:"interval"`
	StaleAfter time.Duration `mapstructure:"staleAfter"`
}

type BrokerConfig struct {
	Type  string      `mapstructure:"type"`
	MQTT  mqtt.Config `mapstructure:"mqtt"`
	NATS  nats.Config `mapstructure:"nats"`
	Retry RetryConfig `mapstructure:"retry"`
}

type RetryConfig struct {
	InitialInterval time.Duration `mapstructure:"initialInterval"`
	MaxInterval     time.Duration `mapstructure:"maxInterval"`
}

type RegistryConfig struct {
	// Strict panics on reference count underflow instead of clamping.
	Strict bool `mapstructure:"strict"`
	// Topics are subscribed at startup when no database is configured.
	Topics []string `mapstructure:"topics"`
}

type PostgresConfig struct {
	ConnString string `mapstructure:"connString"`
	Table      string `mapstructure:"table"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	Path    string `mapstructure:"path"`
}

// SetDefaults registers every default on v. Registering all keys also lets
// LIVEMQ_* environment variables override them.
func SetDefaults(v *viper.Viper) {
	m := mqtt.DefaultConfig()
	l := logging.DefaultOptions()

	defaults := map[string]any{
		"server.listenAddr":      ":" + cmp.Or(os.Getenv("PORT"), "5000"),
		"server.basePath":        "/api/v1",
		"server.corsOrigins":     []string{"*"},
		"server.shutdownTimeout": 10 * time.Second,
		"server.sendBuffer":      64,
		"server.writeTimeout":    10 * time.Second,
		"server.pingInterval":    30 * time.Second,
		"server.readLimit":       64 << 10,
		"server.tls.enabled":     false,
		"server.tls.certFile":    "./tls/tls.crt",
		"server.tls.keyFile":     "./tls/tls.key",

		"delivery.interval":   100 * time.Millisecond,
		"delivery.staleAfter": time.Duration(0),

		"broker.type":                      BrokerMQTT,
		"broker.retry.initialInterval":     500 * time.Millisecond,
		"broker.retry.maxInterval":         30 * time.Second,
		"broker.mqtt.servers":              m.Servers,
		"broker.mqtt.clientID":             "",
		"broker.mqtt.username":             "",
		"broker.mqtt.password":             "",
		"broker.mqtt.qos":                  m.QoS,
		"broker.mqtt.cleanSession":         m.CleanSession,
		"broker.mqtt.keepAlive":            m.KeepAlive,
		"broker.mqtt.connectTimeout":       m.ConnectTimeout,
		"broker.mqtt.connectRetryInterval": m.ConnectRetryInterval,
		"broker.mqtt.maxReconnectInterval": m.MaxReconnectInterval,
		"broker.mqtt.operationTimeout":     m.OperationTimeout,
		"broker.nats.servers":              []string{"nats://127.0.0.1:4222"},
		"broker.nats.name":                 "livemq",
		"broker.nats.reconnectWait":        2 * time.Second,

		"registry.strict": false,
		"registry.topics": []string{},

		"postgres.connString": "",
		"postgres.table":      "subscribed_topics",

		"metrics.enabled": true,
		"metrics.addr":    ":9100",
		"metrics.path":    "/metrics",

		"log.level":            l.Level,
		"log.encoding":         l.Encoding,
		"log.development":      l.Development,
		"log.outputPaths":      l.OutputPaths,
		"log.errorOutputPaths": l.ErrorOutputPaths,
	}
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
}

// Load reads config from file, environment and the given flags, in increasing
// order of precedence over the defaults.
func Load(cfgFile string, flags ...*pflag.FlagSet) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("livemq")
		v.SetConfigType("yaml")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config"))
		}
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for _, f := range flags {
		if f == nil {
			continue
		}
		if err := v.BindPFlags(f); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	hooks := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hooks); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Broker.Type {
	case BrokerMQTT:
		if c.Broker.MQTT.QoS > 2 {
			return fmt.Errorf("broker.mqtt.qos must be 0, 1 or 2, got %d", c.Broker.MQTT.QoS)
		}
	case BrokerNATS:
	default:
		return fmt.Errorf("broker.type must be %q or %q, got %q", BrokerMQTT, BrokerNATS, c.Broker.Type)
	}
	if c.Delivery.Interval <= 0 {
		return fmt.Errorf("delivery.interval must be positive, got %s", c.Delivery.Interval)
	}
	if c.Delivery.StaleAfter < 0 {
		return fmt.Errorf("delivery.staleAfter must not be negative, got %s", c.Delivery.StaleAfter)
	}
	if !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("server.basePath must start with /, got %q", c.Server.BasePath)
	}
	if c.Server.SendBuffer <= 0 {
		return fmt.Errorf("server.sendBuffer must be positive, got %d", c.Server.SendBuffer)
	}
	if c.Server.ReadLimit <= 0 {
		return fmt.Errorf("server.readLimit must be positive, got %d", c.Server.ReadLimit)
	}
	return nil
}
