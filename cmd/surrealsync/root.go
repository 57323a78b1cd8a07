package main

import (
	"github.com/spf13/cobra"

	"github.com/surrealdb/surrealsync/pkg/config"
)

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "surrealsync",
		Short: "Bidirectional replication between a local store and SurrealDB",
		Long: `surrealsync keeps a local primary store and a remote SurrealDB database
consistent in both directions. Local writes are queued and pushed to the
remote; remote changes are read from table changefeeds and applied locally.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "",
		"YAML configuration file (SURREALSYNC_* variables override it)")

	cmd.AddCommand(newRunCmd(opts), newQueueCmd(opts), newTokenCmd(opts))
	return cmd
}

// loadConfig reads the file named by --config, when given, then applies the
// environment.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg := config.NewConfig()
	if o.configPath != "" {
		var err error
		if cfg, err = config.Load(o.configPath); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
