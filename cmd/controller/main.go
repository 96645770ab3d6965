package main

import (
	"os"

	"github.com/spf13/cobra"

	"wirtbot/pkg/config"
	"wirtbot/pkg/logging"
	"wirtbot/pkg/version"
)

var (
	cfgFile string
	v       = config.New()
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "controller",
		Short: "WirtBot controller: owns the VPN topology and pushes its configs.",
		Long: `The controller keeps the server, device and DNS settings of a WirtBot
network, derives the WireGuard and CoreDNS configs from them and pushes the
server config and Corefile to the agent running on the WirtBot.`,
		Version:      version.Build,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./wirtbot.yaml, then the user config dir, then /etc/wirtbot)")
	cmd.PersistentFlags().String("log-level", "info", "debug, info, warn or error")
	cmd.PersistentFlags().String("store", "sqlite", "snapshot backend: memory, sqlite, mysql or consul (requires build tag consul)")
	cmd.PersistentFlags().String("store-path", "wirtbot.db", "sqlite database path")
	cmd.PersistentFlags().String("consul-addr", "127.0.0.1:8500", "consul address (when store=consul)")
	cmd.PersistentFlags().String("mysql-dsn", "", "mysql dsn (when store=mysql; defaults to MYSQL_* env)")

	cmd.AddCommand(newServeCmd(), newExportCmd(), newImportCmd(), newSigningKeyCmd())
	return cmd
}

// loadConfig merges file, env and the flags of cmd.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	if err := config.BindFlags(v, cmd.Flags()); err != nil {
		return config.Config{}, err
	}
	c, err := config.Load(v, cfgFile)
	if err != nil {
		return config.Config{}, err
	}
	logging.SetLevel(c.LogLevel)
	if used := v.ConfigFileUsed(); used != "" {
		logging.Debugf("using config file %s", used)
	}
	return c, nil
}
