package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/faultline-systems/faultline/common/config"
	"github.com/faultline-systems/faultline/common/logging"
)

var (
	cfgFile string
	cfg     *config.Config
	logger  *logging.Logger
)

var rootCmd = &cobra.Command{
	Use:   "core",
	Short: "Faultline error processing core",
	Long: `core ingests error reports, groups them by fingerprint and keeps
per-group statistics current.

Run "core serve" for the HTTP API, "core worker" to consume workflows from
JetStream, and "core migrate up" before first start.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfgFile != "" {
			cfg, err = config.LoadFile(cfgFile)
		} else {
			cfg, err = config.Load()
		}
		if err != nil {
			return err
		}
		logger = logging.New(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format).
			With(logging.Service("core"))
		logging.SetDefault(logger)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $FAULTLINE_CONFIG_DIR/config.yaml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
