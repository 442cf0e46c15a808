package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/faultline-systems/faultline/cli/internal/client"
	"github.com/faultline-systems/faultline/cli/pkg/output"
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send one error report",
	Long: `Send a single error report to the core ingestion endpoint.

Examples:
  faultctl send --service checkout --type PaymentError --value "card declined"
  faultctl send --service api --message "cache miss storm" --level warning`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient(cmd)

		service, _ := cmd.Flags().GetString("service")
		env, _ := cmd.Flags().GetString("environment")
		level, _ := cmd.Flags().GetString("level")
		message, _ := cmd.Flags().GetString("message")
		excType, _ := cmd.Flags().GetString("type")
		excValue, _ := cmd.Flags().GetString("value")
		userID, _ := cmd.Flags().GetString("user")
		release, _ := cmd.Flags().GetString("release")

		report := &client.ErrorReport{
			Service:     service,
			Environment: env,
			Level:       level,
			Message:     message,
			Release:     release,
		}
		if excType != "" {
			report.Exception = &client.Exception{Type: excType, Value: excValue}
			if report.Message == "" {
				report.Message = excValue
			}
		}
		if userID != "" {
			report.User = &client.User{ID: userID}
		}

		res, err := c.SendError(cmd.Context(), report)
		if err != nil {
			return fmt.Errorf("failed to send report: %w", err)
		}

		if outputFormat(cmd) != output.FormatTable {
			return output.Print(outputFormat(cmd), res, nil)
		}
		output.Success("Accepted raw error %s", res.RawErrorID)
		output.Info("  workflow: %s (run %s)", res.WorkflowID, res.RunID)
		return nil
	},
}

var workflowCmd = &cobra.Command{
	Use:   "workflow <workflow-id>",
	Short: "Show the processing state of a report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		wf, err := newClient(cmd).Workflow(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("failed to get workflow: %w", err)
		}
		return output.Print(outputFormat(cmd), wf, func() *output.Table {
			table := output.NewTable([]string{"Workflow", "Run", "Status", "State", "Runs", "Error"})
			table.AddRow([]string{wf.WorkflowID, wf.RunID, wf.Status, wf.State, fmt.Sprint(wf.Runs), wf.Error})
			return table
		})
	},
}

func init() {
	sendCmd.Flags().String("service", "", "service that raised the error (required)")
	sendCmd.Flags().String("environment", "", "environment (server default: production)")
	sendCmd.Flags().String("level", "error", "level: debug, info, warning, error, fatal")
	sendCmd.Flags().String("message", "", "error message")
	sendCmd.Flags().String("type", "", "exception type")
	sendCmd.Flags().String("value", "", "exception value")
	sendCmd.Flags().String("user", "", "affected user id")
	sendCmd.Flags().String("release", "", "release version")
	_ = sendCmd.MarkFlagRequired("service")

	rootCmd.AddCommand(sendCmd, workflowCmd)
}
