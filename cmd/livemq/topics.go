package livemq

import (
	"context"
	"errors"
	"fmt"

	"github.com/edgeflare/livemq/pkg/config"
	"github.com/edgeflare/livemq/pkg/store"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var errNoDatabase = errors.New("postgres.connString is required to manage persisted topics")

// openTopicStore is replaced in tests.
var openTopicStore = func(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.TopicStore, error) {
	if cfg.Postgres.ConnString == "" {
		return nil, errNoDatabase
	}
	return openStore(ctx, cfg, logger)
}

func newTopicsCmd(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "topics",
		Aliases: []string{"t"},
		Short:   "Manage the persisted topic list",
		Long:    `Topics in the persisted list are subscribed when the gateway starts, whether or not a client asks for them`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return o.load(cmd)
		},
	}
	cmd.PersistentFlags().String("postgres.connString", "", "PostgreSQL connection string")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List persisted topics",
			Args:  cobra.NoArgs,
			RunE: withStore(o, func(cmd *cobra.Command, st store.TopicStore, _ []string) error {
				topics, err := st.ListAll(cmd.Context())
				if err != nil {
					return err
				}
				for _, t := range topics {
					fmt.Fprintln(cmd.OutOrStdout(), t)
				}
				return nil
			}),
		},
		&cobra.Command{
			Use:   "add TOPIC...",
			Short: "Add topics to the persisted list",
			Args:  cobra.MinimumNArgs(1),
			RunE: withStore(o, func(cmd *cobra.Command, st store.TopicStore, args []string) error {
				for _, t := range args {
					if err := st.Add(cmd.Context(), t); err != nil {
						return fmt.Errorf("add %q: %w", t, err)
					}
				}
				return nil
			}),
		},
		&cobra.Command{
			Use:     "remove TOPIC...",
			Aliases: []string{"rm"},
			Short:   "Remove topics from the persisted list",
			Args:    cobra.MinimumNArgs(1),
			RunE: withStore(o, func(cmd *cobra.Command, st store.TopicStore, args []string) error {
				var errs []error
				for _, t := range args {
					if err := st.Remove(cmd.Context(), t); err != nil {
						errs = append(errs, err)
					}
				}
				return errors.Join(errs...)
			}),
		},
	)
	return cmd
}

func withStore(o *rootOptions, fn func(cmd *cobra.Command, st store.TopicStore, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		st, err := openTopicStore(cmd.Context(), o.cfg, o.logger)
		if err != nil {
			return err
		}
		defer st.Close()
		return fn(cmd, st, args)
	}
}
