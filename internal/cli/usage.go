package cli

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/xaenox/sandbot/internal/budget"
)

func newUsageCmd(app *app) *cobra.Command {
	var day string

	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show the spend of one budget day",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			breaker, err := budget.NewBreaker(app.store, app.cfg.Budget, app.logger.Named("budget"))
			if err != nil {
				return err
			}
			at := time.Now()
			if day != "" {
				at, err = time.Parse(time.DateOnly, day)
				if err != nil {
					return fmt.Errorf("invalid --day %q: %w", day, err)
				}
				// noon keeps the date inside the budget day in any timezone offset below 12h
				at = at.Add(12 * time.Hour)
			}

			report, err := breaker.SpendOn(cmd.Context(), at)
			if err != nil {
				return err
			}
			printReport(cmd, report)
			return nil
		},
	}

	cmd.Flags().StringVar(&day, "day", "", "Budget day as YYYY-MM-DD (default: today)")

	return cmd
}

func printReport(cmd *cobra.Command, r *budget.Report) {
	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "day: %s\n", r.Day.Format(time.DateOnly))
	if r.LimitUSD > 0 {
		_, _ = fmt.Fprintf(out, "spend: $%.4f of $%.2f\n", r.SpendUSD, r.LimitUSD)
	} else {
		_, _ = fmt.Fprintf(out, "spend: $%.4f (no limit)\n", r.SpendUSD)
	}
	_, _ = fmt.Fprintf(out, "invocations: %d\n", r.Invocations)
	printBreakdown(cmd, "by model", r.ByModel)
	printBreakdown(cmd, "by chat", r.ByChat)
}

func printBreakdown(cmd *cobra.Command, title string, costs map[string]float64) {
	if len(costs) == 0 {
		return
	}
	keys := make([]string, 0, len(costs))
	for k := range costs {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if costs[keys[i]] != costs[keys[j]] {
			return costs[keys[i]] > costs[keys[j]]
		}
		return keys[i] < keys[j]
	})

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "%s:\n", title)
	for _, k := range keys {
		_, _ = fmt.Fprintf(out, "  %s\t$%.4f\n", k, costs[k])
	}
}
