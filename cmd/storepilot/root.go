package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/Strob0t/storepilot/internal/config"
)

// rootOptions holds the global flags. Flags only override the loaded
// configuration when set explicitly.
type rootOptions struct {
	configPath string
	port       string
	logLevel   string
	dsn        string
	natsURL    string
	mode       string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "storepilot",
		Short:         "Automation run engine for store catalog metadata",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	opts.bind(cmd.PersistentFlags())

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newWorkerCommand(opts))
	cmd.AddCommand(newMigrateCommand(opts))

	return cmd
}

func (o *rootOptions) bind(flags *pflag.FlagSet) {
	flags.StringVarP(&o.configPath, "config", "c", config.DefaultConfigFile, "path to the YAML config file")
	flags.StringVar(&o.port, "port", "", "HTTP listen port")
	flags.StringVar(&o.logLevel, "log-level", "", "log level (debug|info|warn|error)")
	flags.StringVar(&o.dsn, "dsn", "", "PostgreSQL connection string")
	flags.StringVar(&o.natsURL, "nats-url", "", "NATS server URL")
	flags.StringVar(&o.mode, "mode", "", "run execution mode (queue|inline)")
}

// load reads the configuration and applies the flags the user set.
func (o *rootOptions) load(cmd *cobra.Command) (*config.Config, error) {
	var ov config.Overrides
	flags := cmd.Flags()
	if flags.Changed("port") {
		ov.Port = &o.port
	}
	if flags.Changed("log-level") {
		ov.LogLevel = &o.logLevel
	}
	if flags.Changed("dsn") {
		ov.DSN = &o.dsn
	}
	if flags.Changed("nats-url") {
		ov.NatsURL = &o.natsURL
	}
	if flags.Changed("mode") {
		ov.Mode = &o.mode
	}

	cfg, err := config.LoadWithOverrides(o.configPath, ov)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}
