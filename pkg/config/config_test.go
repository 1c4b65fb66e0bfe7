package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "livemq.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	cfg, err := Load(writeConfig(t, "{}\n"))
	require.NoError(t, err)

	assert.Equal(t, ":5000", cfg.Server.ListenAddr)
	assert.Equal(t, "/api/v1", cfg.Server.BasePath)
	assert.False(t, cfg.Server.TLS.Enabled)
	assert.Equal(t, "./tls/tls.crt", cfg.Server.TLS.CertFile)
	assert.Equal(t, int64(64<<10), cfg.Server.ReadLimit)
	assert.Equal(t, 100*time.Millisecond, cfg.Delivery.Interval)
	assert.Equal(t, BrokerMQTT, cfg.Broker.Type)
	assert.Equal(t, []string{"tcp://127.0.0.1:1883"}, cfg.Broker.MQTT.Servers)
	assert.Equal(t, byte(0), cfg.Broker.MQTT.QoS)
	assert.True(t, cfg.Broker.MQTT.CleanSession)
	assert.Equal(t, ":9100", cfg.Metrics.Addr)
	assert.Equal(t, "subscribed_topics", cfg.Postgres.Table)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.False(t, cfg.Registry.Strict)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
server:
  listenAddr: ":8080"
  basePath: /live
delivery:
  interval: 250ms
  staleAfter: 5s
broker:
  type: nats
  nats:
    servers: ["nats://nats:4222"]
registry:
  strict: true
  topics: ["sensor/1", "sensor/2"]
log:
  level: debug
  outputPaths: [combined.log]
  errorOutputPaths: [error.log]
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, path, cfg.File)
	assert.Equal(t, ":8080", cfg.Server.ListenAddr)
	assert.Equal(t, "/live", cfg.Server.BasePath)
	assert.Equal(t, 250*time.Millisecond, cfg.Delivery.Interval)
	assert.Equal(t, 5*time.Second, cfg.Delivery.StaleAfter)
	assert.Equal(t, BrokerNATS, cfg.Broker.Type)
	assert.Equal(t, []string{"nats://nats:4222"}, cfg.Broker.NATS.Servers)
	assert.True(t, cfg.Registry.Strict)
	assert.Equal(t, []string{"sensor/1", "sensor/2"}, cfg.Registry.Topics)
	assert.Equal(t, []string{"combined.log"}, cfg.Log.OutputPaths)
	assert.Equal(t, []string{"error.log"}, cfg.Log.ErrorOutputPaths)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("LIVEMQ_DELIVERY_INTERVAL", "1s")
	t.Setenv("LIVEMQ_BROKER_MQTT_SERVERS", "tcp://a:1883,tcp://b:1883")
	t.Setenv("LIVEMQ_REGISTRY_TOPICS", "x,y")

	cfg, err := Load(writeConfig(t, "{}\n"))
	require.NoError(t, err)

	assert.Equal(t, time.Second, cfg.Delivery.Interval)
	assert.Equal(t, []string{"tcp://a:1883", "tcp://b:1883"}, cfg.Broker.MQTT.Servers)
	assert.Equal(t, []string{"x", "y"}, cfg.Registry.Topics)
}

func TestLoadPortEnv(t *testing.T) {
	t.Setenv("PORT", "7000")
	cfg, err := Load(writeConfig(t, "{}\n"))
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Server.ListenAddr)
}

func TestLoadFlags(t *testing.T) {
	f := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	f.String("server.listenAddr", "", "")
	require.NoError(t, f.Parse([]string{"--server.listenAddr=:9000"}))

	cfg, err := Load(writeConfig(t, "server:\n  listenAddr: \":8080\"\n"), f)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Server.ListenAddr)
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"broker type", "broker:\n  type: kafka\n"},
		{"qos", "broker:\n  mqtt:\n    qos: 3\n"},
		{"interval", "delivery:\n  interval: 0s\n"},
		{"base path", "server:\n  basePath: api\n"},
		{"send buffer", "server:\n  sendBuffer: 0\n"},
		{"read limit", "server:\n  readLimit: 0\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
