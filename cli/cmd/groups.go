package cmd

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/faultline-systems/faultline/cli/internal/client"
	"github.com/faultline-systems/faultline/cli/pkg/output"
)

var groupsCmd = &cobra.Command{
	Use:     "groups",
	Aliases: []string{"group"},
	Short:   "Inspect and triage error groups",
}

var groupsListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List error groups, most recently seen first",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient(cmd)

		service, _ := cmd.Flags().GetString("service")
		env, _ := cmd.Flags().GetString("environment")
		status, _ := cmd.Flags().GetString("status")
		since, _ := cmd.Flags().GetDuration("since")
		limit, _ := cmd.Flags().GetInt("limit")

		filter := client.GroupFilter{Service: service, Environment: env, Status: status, Limit: limit}
		if since > 0 {
			filter.Since = time.Now().Add(-since)
		}

		groups, err := c.ListGroups(cmd.Context(), filter)
		if err != nil {
			return fmt.Errorf("failed to list groups: %w", err)
		}

		if outputFormat(cmd) == output.FormatTable && len(groups) == 0 {
			output.Info("No groups found in project %s", c.Project())
			return nil
		}

		return output.Print(outputFormat(cmd), groups, func() *output.Table {
			table := output.NewTable([]string{"Fingerprint", "Title", "Service", "Status", "Health", "Events", "Users", "Last Seen"})
			for _, g := range groups {
				table.AddRow([]string{
					g.Fingerprint,
					output.Truncate(g.Title, 50),
					g.Service,
					g.Status,
					output.Health(deref(g.Health)),
					strconv.FormatInt(g.Occurrences, 10),
					strconv.FormatInt(g.UsersAffected, 10),
					g.LastSeen.Local().Format(time.DateTime),
				})
			}
			return table
		})
	},
}

var groupsShowCmd = &cobra.Command{
	Use:   "show <fingerprint>",
	Short: "Show a group and its most recent events",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient(cmd)
		events, _ := cmd.Flags().GetInt("events")

		g, err := c.GetGroup(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("failed to get group: %w", err)
		}
		recent, err := c.GroupEvents(cmd.Context(), args[0], events)
		if err != nil {
			return fmt.Errorf("failed to list events: %w", err)
		}

		switch outputFormat(cmd) {
		case output.FormatJSON:
			return output.JSON(map[string]any{"group": g, "events": recent})
		case output.FormatYAML:
			return output.YAML(map[string]any{"group": g, "events": recent})
		}

		output.Info("%s", g.Title)
		fmt.Fprintf(output.Out, "  Fingerprint:    %s\n", g.Fingerprint)
		fmt.Fprintf(output.Out, "  Culprit:        %s\n", g.Culprit)
		fmt.Fprintf(output.Out, "  Service:        %s (%s)\n", g.Service, g.Environment)
		fmt.Fprintf(output.Out, "  Status:         %s\n", g.Status)
		fmt.Fprintf(output.Out, "  Health:         %s\n", output.Health(deref(g.Health)))
		if g.Frequency != nil {
			fmt.Fprintf(output.Out, "  Frequency:      %.2f events/hour\n", *g.Frequency)
		}
		fmt.Fprintf(output.Out, "  Occurrences:    %d\n", g.Occurrences)
		fmt.Fprintf(output.Out, "  Users affected: %d\n", g.UsersAffected)
		fmt.Fprintf(output.Out, "  First seen:     %s\n", g.FirstSeen.Local().Format(time.DateTime))
		fmt.Fprintf(output.Out, "  Last seen:      %s\n\n", g.LastSeen.Local().Format(time.DateTime))

		if len(recent) == 0 {
			return nil
		}
		table := output.NewTable([]string{"Event", "Time", "Level", "Duplicate Of", "Message"})
		for _, e := range recent {
			table.AddRow([]string{
				e.ID,
				e.Timestamp.Local().Format(time.DateTime),
				e.Level,
				deref(e.DuplicateOf),
				output.Truncate(e.Message, 60),
			})
		}
		table.Render()
		return nil
	},
}

func statusCommand(use, status, verb string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <fingerprint>...",
		Short: "Mark groups as " + status,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(cmd)
			var failed int
			for _, fp := range args {
				if _, err := c.SetStatus(cmd.Context(), fp, status); err != nil {
					output.Error("%s: %v", fp, err)
					failed++
					continue
				}
				output.Success("%s %s", verb, fp)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d groups not updated", failed, len(args))
			}
			return nil
		},
	}
}

var groupsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Count groups by lifecycle status",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient(cmd)
		service, _ := cmd.Flags().GetString("service")

		counts, err := c.GroupStats(cmd.Context(), client.GroupFilter{Service: service})
		if err != nil {
			return fmt.Errorf("failed to get group stats: %w", err)
		}
		return output.Print(outputFormat(cmd), counts, func() *output.Table {
			table := output.NewTable([]string{"Total", "Unresolved", "Resolved", "Ignored"})
			table.AddRow([]string{
				strconv.FormatInt(counts.Total, 10),
				strconv.FormatInt(counts.Unresolved, 10),
				strconv.FormatInt(counts.Resolved, 10),
				strconv.FormatInt(counts.Ignored, 10),
			})
			return table
		})
	},
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func init() {
	groupsListCmd.Flags().String("service", "", "filter by service")
	groupsListCmd.Flags().String("environment", "", "filter by environment")
	groupsListCmd.Flags().String("status", "", "filter by status (unresolved, resolved, ignored)")
	groupsListCmd.Flags().Duration("since", 0, "only groups seen within this duration")
	groupsListCmd.Flags().Int("limit", 50, "maximum groups to list")

	groupsShowCmd.Flags().Int("events", 10, "number of recent events to show")
	groupsStatsCmd.Flags().String("service", "", "filter by service")

	groupsCmd.AddCommand(
		groupsListCmd,
		groupsShowCmd,
		groupsStatsCmd,
		statusCommand("resolve", "resolved", "Resolved"),
		statusCommand("ignore", "ignored", "Ignored"),
		statusCommand("reopen", "unresolved", "Reopened"),
	)
	rootCmd.AddCommand(groupsCmd)
}
