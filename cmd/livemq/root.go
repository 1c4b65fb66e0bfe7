package livemq

import (
	"fmt"
	"os"

	"github.com/edgeflare/livemq/pkg/config"
	"github.com/edgeflare/livemq/pkg/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type rootOptions struct {
	cfgFile  string
	logLevel string
	cfg      *config.Config
	logger   *zap.Logger
}

// NewRootCmd returns the livemq command tree.
func NewRootCmd() *cobra.Command {
	o := &rootOptions{}

	cmd := &cobra.Command{
		Use:          "livemq",
		Short:        "livemq streams live MQTT topic values to websocket clients",
		Long:         `livemq keeps the latest message of every subscribed broker topic and pushes it to browsers over websockets at a fixed interval`,
		SilenceUsage: true,
		Run: func(cmd *cobra.Command, args []string) {
			if v, _ := cmd.Flags().GetBool("version"); v {
				fmt.Fprintln(cmd.OutOrStdout(), config.Version)
				return
			}
			cmd.Help()
		},
	}

	f := cmd.PersistentFlags()
	f.StringVar(&o.cfgFile, "config", "", "config file (default is $HOME/.config/livemq.yaml)")
	f.StringVarP(&o.logLevel, "log-level", "L", "info", "log at this level (debug, info, warn, error, fatal, none)")
	cmd.Flags().BoolP("version", "v", false, "Print the version number")

	cmd.AddCommand(newServeCmd(o), newTopicsCmd(o))
	return cmd
}

// load reads the configuration and builds the logger for cmd. Flags of cmd
// named after config keys override file and environment values.
func (o *rootOptions) load(cmd *cobra.Command) error {
	cfg, err := config.Load(o.cfgFile, cmd.Flags())
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level = o.logLevel
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	if cfg.File != "" {
		logger.Info("using config file", zap.String("file", cfg.File))
	}

	o.cfg = cfg
	o.logger = logger
	return nil
}

func Main() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
