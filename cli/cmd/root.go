package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/faultline-systems/faultline/cli/internal/client"
	"github.com/faultline-systems/faultline/cli/pkg/output"
	"github.com/faultline-systems/faultline/common/config"
)

var (
	cfgFile string
	cfg     *config.CLIConfig
)

var rootCmd = &cobra.Command{
	Use:   "faultctl",
	Short: "Faultline CLI",
	Long: `faultctl is the command-line interface for Faultline.

Send error reports, seed test traffic, and inspect or triage error groups
from your terminal.`,
	Version:      "0.1.0",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("output")
		return output.ValidFormat(format)
	},
}

func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		output.Error("%v", err)
	}
	return err
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.SilenceErrors = true

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $HOME/.faultline/cli.yaml)")
	rootCmd.PersistentFlags().String("profile", "", "profile to use (default: current profile)")
	rootCmd.PersistentFlags().String("server", "", "core server URL, overrides the profile")
	rootCmd.PersistentFlags().StringP("project", "p", "", "project, overrides the profile")
	rootCmd.PersistentFlags().StringP("output", "o", output.FormatTable, "output format: table, json, yaml")
}

func initConfig() {
	var err error
	if cfgFile != "" {
		cfg, err = config.LoadCLIFile(cfgFile)
	} else {
		cfg, err = config.LoadCLI()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not load config: %v\n", err)
		cfg = config.DefaultCLI()
	}
}

// newClient resolves server and project from flags, then the profile, then defaults.
func newClient(cmd *cobra.Command) *client.Client {
	profile, _ := cmd.Flags().GetString("profile")
	server, _ := cmd.Flags().GetString("server")
	project, _ := cmd.Flags().GetString("project")

	if server == "" {
		server = cfg.ServerURL(profile)
	}
	if project == "" {
		project = cfg.Project(profile)
	}
	return client.New(server, project)
}

func outputFormat(cmd *cobra.Command) string {
	format, _ := cmd.Flags().GetString("output")
	return format
}
