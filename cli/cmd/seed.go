package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/faultline-systems/faultline/cli/internal/seeder"
	"github.com/faultline-systems/faultline/cli/pkg/output"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Send generated error reports",
	Long: `Generate realistic error reports with fake users and send them to the core
at a bounded rate. Reports cluster into a small number of groups, which makes
this useful for checking grouping, deduplication and health classification.

Examples:
  faultctl seed --count 500 --rate 50
  faultctl seed --count 2000 --services api,checkout --spread 24h --seed 1`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient(cmd)

		count, _ := cmd.Flags().GetInt("count")
		rate, _ := cmd.Flags().GetFloat64("rate")
		concurrency, _ := cmd.Flags().GetInt("concurrency")
		services, _ := cmd.Flags().GetString("services")
		envs, _ := cmd.Flags().GetString("environments")
		templates, _ := cmd.Flags().GetInt("templates")
		users, _ := cmd.Flags().GetInt("users")
		spread, _ := cmd.Flags().GetDuration("spread")
		seed, _ := cmd.Flags().GetInt64("seed")

		if count <= 0 {
			return fmt.Errorf("--count must be positive")
		}
		if seed == 0 {
			seed = time.Now().UnixNano()
		}

		gen := seeder.NewGenerator(seed)
		if list := splitList(services); len(list) > 0 {
			gen.Services = list
		}
		if list := splitList(envs); len(list) > 0 {
			gen.Environments = list
		}
		gen.Templates = templates
		gen.Users = users
		gen.Spread = spread

		output.Info("Seeding %d reports into project %s (rate %.0f/s, seed %d)", count, c.Project(), rate, seed)

		step := int64(max(count/10, 1))
		runner := seeder.NewRunner(c, gen, seeder.Config{Count: count, Rate: rate, Concurrency: concurrency},
			func(sent, failed int64) {
				if done := sent + failed; done%step == 0 {
					output.Info("  %d/%d sent (%d failed)", done, count, failed)
				}
			})

		res, err := runner.Run(cmd.Context())
		if err != nil {
			return fmt.Errorf("seeding stopped: %w", err)
		}

		if outputFormat(cmd) != output.FormatTable {
			return output.Print(outputFormat(cmd), res, nil)
		}
		output.Success("Sent %d reports in %s", res.Sent, res.Duration.Round(time.Millisecond))
		if res.Failed > 0 {
			output.Warn("%d reports failed", res.Failed)
		}
		return nil
	},
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func init() {
	seedCmd.Flags().Int("count", 100, "number of reports to send")
	seedCmd.Flags().Float64("rate", 20, "reports per second (0 for unlimited)")
	seedCmd.Flags().Int("concurrency", 4, "concurrent senders")
	seedCmd.Flags().String("services", "api,checkout,worker", "comma separated services")
	seedCmd.Flags().String("environments", "production", "comma separated environments")
	seedCmd.Flags().Int("templates", 8, "distinct exception templates to draw from")
	seedCmd.Flags().Int("users", 50, "size of the affected user pool")
	seedCmd.Flags().Duration("spread", 0, "back-date timestamps across this duration")
	seedCmd.Flags().Int64("seed", 0, "random seed (default: time based)")

	rootCmd.AddCommand(seedCmd)
}
