package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"hdlc-rpc/config"
	"hdlc-rpc/logging"
)

type rootOptions struct {
	configPath string
	endpoint   string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "hdlcrpc",
		Short:         "HDLC framed RPC tools",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "TOML config file")
	cmd.PersistentFlags().StringVar(&opts.endpoint, "endpoint", "", "override the configured endpoint")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override the configured log level")

	cmd.AddCommand(newDecodeCmd(opts), newServeCmd(opts), newCallCmd(opts))
	return cmd
}

// load resolves the configuration and logger shared by every subcommand.
func (o *rootOptions) load() (config.Config, *zap.Logger, error) {
	cfg := config.Default()
	if o.configPath != "" {
		var err error
		if cfg, err = config.Load(o.configPath); err != nil {
			return config.Config{}, nil, err
		}
	}
	if o.endpoint != "" {
		cfg.Endpoint = o.endpoint
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger.Named(cfg.Name), nil
}
