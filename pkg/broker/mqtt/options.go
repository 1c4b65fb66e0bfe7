package mqtt

import (
	"cmp"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TLSOptions holds TLS configuration that can be read from the config file.
type TLSOptions struct {
	InsecureSkipVerify bool   `mapstructure:"insecureSkipVerify" json:"insecureSkipVerify"`
	ServerName         string `mapstructure:"serverName" json:"serverName,omitempty"`
	CAFile             string `mapstructure:"caFile" json:"caFile,omitempty"`
	CertFile           string `mapstructure:"certFile" json:"certFile,omitempty"`
	KeyFile            string `mapstructure:"keyFile" json:"keyFile,omitempty"`
	CACert             string `mapstructure:"caCert" json:"caCert,omitempty"`
	ClientCert         string `mapstructure:"clientCert" json:"clientCert,omitempty"`
	ClientKey          string `mapstructure:"clientKey" json:"clientKey,omitempty"`
}

// Config is the MQTT section of the gateway configuration.
type Config struct {
	TLS                  *TLSOptions   `mapstructure:"tls" json:"tls,omitempty"`
	ClientID             string        `mapstructure:"clientID" json:"clientID"`
	Username             string        `mapstructure:"username" json:"username"`
	Password             string        `mapstructure:"password" json:"password"`
	Servers              []string      `mapstructure:"servers" json:"servers"`
	KeepAlive            time.Duration `mapstructure:"keepAlive" json:"keepAlive"`
	PingTimeout          time.Duration `mapstructure:"pingTimeout" json:"pingTimeout"`
	ConnectTimeout       time.Duration `mapstructure:"connectTimeout" json:"connectTimeout"`
	ConnectRetryInterval time.Duration `mapstructure:"connectRetryInterval" json:"connectRetryInterval"`
	MaxReconnectInterval time.Duration `mapstructure:"maxReconnectInterval" json:"maxReconnectInterval"`
	WriteTimeout         time.Duration `mapstructure:"writeTimeout" json:"writeTimeout"`
	// OperationTimeout bounds how long subscribe, unsubscribe and publish wait for the broker.
	OperationTimeout time.Duration `mapstructure:"operationTimeout" json:"operationTimeout"`
	QoS              byte          `mapstructure:"qos" json:"qos"`
	CleanSession     bool          `mapstructure:"cleanSession" json:"cleanSession"`
}

// DefaultConfig returns the settings used when the config file leaves them out.
func DefaultConfig() Config {
	return Config{
		Servers:              []string{"tcp://127.0.0.1:1883"},
		KeepAlive:            30 * time.Second,
		ConnectTimeout:       10 * time.Second,
		ConnectRetryInterval: 5 * time.Second,
		MaxReconnectInterval: time.Minute,
		OperationTimeout:     10 * time.Second,
		CleanSession:         true,
	}
}

// New builds a Client from cfg. The connection is not opened until Connect.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.QoS > 2 {
		return nil, fmt.Errorf("invalid MQTT qos %d", cfg.QoS)
	}

	opts, err := convertToPahoOptions(&cfg)
	if err != nil {
		return nil, err
	}
	setDefaultOptions(opts)

	return NewClient(opts, cfg.QoS, cfg.OperationTimeout, logger), nil
}

func convertToPahoOptions(cfg *Config) (*mqtt.ClientOptions, error) {
	pahoOpts := mqtt.NewClientOptions()

	for _, server := range cfg.Servers {
		pahoOpts.AddBroker(server)
	}

	if cfg.ClientID != "" {
		pahoOpts.SetClientID(cfg.ClientID)
	}
	if cfg.Username != "" {
		pahoOpts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		pahoOpts.SetPassword(cfg.Password)
	}
	if cfg.TLS != nil {
		tlsConfig, err := createTLSConfig(cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		pahoOpts.SetTLSConfig(tlsConfig)
	}
	if cfg.KeepAlive > 0 {
		pahoOpts.SetKeepAlive(cfg.KeepAlive)
	}
	if cfg.PingTimeout > 0 {
		pahoOpts.SetPingTimeout(cfg.PingTimeout)
	}
	if cfg.ConnectTimeout > 0 {
		pahoOpts.SetConnectTimeout(cfg.ConnectTimeout)
	}
	if cfg.MaxReconnectInterval > 0 {
		pahoOpts.SetMaxReconnectInterval(cfg.MaxReconnectInterval)
	}
	if cfg.ConnectRetryInterval > 0 {
		pahoOpts.SetConnectRetryInterval(cfg.ConnectRetryInterval)
	}
	if cfg.WriteTimeout > 0 {
		pahoOpts.SetWriteTimeout(cfg.WriteTimeout)
	}

	pahoOpts.SetCleanSession(cfg.CleanSession)
	// handlers only touch the cache; keep delivery order so the newest message wins
	pahoOpts.SetOrderMatters(true)
	pahoOpts.SetAutoReconnect(true)
	pahoOpts.SetConnectRetry(true)
	// subscriptions are re-issued by the ingest adapter after a reconnect
	pahoOpts.SetResumeSubs(false)

	return pahoOpts, nil
}

func setDefaultOptions(opts *mqtt.ClientOptions) {
	if len(opts.Servers) == 0 {
		opts.AddBroker(cmp.Or(os.Getenv("LIVEMQ_MQTT_BROKER"), "tcp://127.0.0.1:1883"))
	}
	if opts.Username == "" {
		opts.SetUsername(os.Getenv("LIVEMQ_MQTT_USERNAME"))
	}
	if opts.Password == "" {
		opts.SetPassword(os.Getenv("LIVEMQ_MQTT_PASSWORD"))
	}
	if opts.ClientID == "" {
		opts.SetClientID("livemq-" + uuid.NewString()[:8])
	}
}

func createTLSConfig(tlsOpts *TLSOptions) (*tls.Config, error) {
	config := &tls.Config{
		InsecureSkipVerify: tlsOpts.InsecureSkipVerify,
		ServerName:         tlsOpts.ServerName,
		MinVersion:         tls.VersionTLS12,
	}

	caPEM, err := pemSource(tlsOpts.CAFile, tlsOpts.CACert)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA file: %w", err)
	}
	if caPEM != nil {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, errors.New("failed to parse CA certificate")
		}
		config.RootCAs = pool
	}

	var cert tls.Certificate
	switch {
	case tlsOpts.CertFile != "" && tlsOpts.KeyFile != "":
		cert, err = tls.LoadX509KeyPair(tlsOpts.CertFile, tlsOpts.KeyFile)
	case tlsOpts.ClientCert != "" && tlsOpts.ClientKey != "":
		cert, err = tls.X509KeyPair([]byte(tlsOpts.ClientCert), []byte(tlsOpts.ClientKey))
	default:
		return config, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load client certificate: %w", err)
	}
	config.Certificates = []tls.Certificate{cert}

	return config, nil
}

// pemSource returns the PEM bytes from file when set, else from inline.
func pemSource(file, inline string) ([]byte, error) {
	if file != "" {
		return os.ReadFile(file)
	}
	if inline != "" {
		return []byte(inline), nil
	}
	return nil, nil
}
