package livemq

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCmd(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"s"},
		Short:   "Start the websocket gateway",
		Long:    `Connects to the broker, subscribes the persisted topics and serves live topic values over websockets`,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return o.load(cmd)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, o)
		},
	}

	f := cmd.Flags()
	f.StringP("server.listenAddr", "l", "", "listen address (default :5000, or :$PORT)")
	f.String("server.basePath", "", "base path of the websocket and REST endpoints (default /api/v1)")
	f.Bool("server.tls.enabled", false, "serve HTTPS and wss, generating a self-signed key pair if none exists")
	f.String("broker.type", "", "broker backend: mqtt or nats")
	f.StringSlice("broker.mqtt.servers", nil, "MQTT broker URLs")
	f.StringSlice("broker.nats.servers", nil, "NATS server URLs")
	f.Duration("delivery.interval", 0, "live delivery interval per topic (default 100ms)")
	f.String("postgres.connString", "", "PostgreSQL connection string for the persisted topic list")
	f.Bool("metrics.enabled", true, "Enable Prometheus metrics server")
	f.String("metrics.addr", "", "Prometheus metrics server address (default :9100)")
	return cmd
}

func runServe(ctx context.Context, o *rootOptions) error {
	logger := o.logger
	defer logger.Sync()

	routerOpts, err := tlsOptions(o.cfg, logger)
	if err != nil {
		return err
	}

	b, err := newBackend(o.cfg, logger)
	if err != nil {
		return err
	}

	st, err := openStore(ctx, o.cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	logger.Info("starting livemq",
		zap.String("broker", o.cfg.Broker.Type),
		zap.String("listen_addr", o.cfg.Server.ListenAddr),
		zap.String("base_path", o.cfg.Server.BasePath),
		zap.Duration("interval", o.cfg.Delivery.Interval),
	)
	return newApp(o.cfg, logger, b, st, routerOpts...).run(ctx)
}
