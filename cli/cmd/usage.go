package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/faultline-systems/faultline/cli/pkg/output"
)

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show ingest volume for the project",
	RunE: func(cmd *cobra.Command, args []string) error {
		u, err := newClient(cmd).Usage(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to get usage: %w", err)
		}
		return output.Print(outputFormat(cmd), u, func() *output.Table {
			last := "-"
			if u.LastReportAt != nil {
				last = u.LastReportAt.Local().Format(time.DateTime)
			}
			table := output.NewTable([]string{"Project", "Total", "Last Hour", "Last 24h", "Pending", "Last Report", "Services Today"})
			table.AddRow([]string{
				u.ProjectID,
				fmt.Sprint(u.TotalReports),
				fmt.Sprint(u.ReportsLastHour),
				fmt.Sprint(u.ReportsLast24h),
				fmt.Sprint(u.Pending),
				last,
				strings.Join(u.ServicesToday, ","),
			})
			return table
		})
	},
}

func init() {
	rootCmd.AddCommand(usageCmd)
}
