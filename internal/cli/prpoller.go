package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jakekausler/stagehand/internal/prpoller"
)

var prPollerCmd = &cobra.Command{
	Use:   "pr-poller",
	Short: "run the PR comment poller reconciliation cycle",
}

var prPollerRunCmd = &cobra.Command{
	Use:   "run",
	Short: "poll the PR of every PR Created stage that has a pr_url and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()
		if a.db == nil {
			return fmt.Errorf("pr-poller run: no database configured")
		}

		maxStages, _ := cmd.Flags().GetInt("max-stages-per-cycle")
		poller := prpoller.NewPoller(a.st, a.db, a.host, a.gate, a.log, maxStages)
		results := poller.Poll(cmd.Context(), a.repo)

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			return writeJSON(cmd, results)
		}

		if len(results) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No PRs to poll.")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "STAGE\tPR\tACTION\tPREV_UNRESOLVED\tNEW_UNRESOLVED")
		for _, r := range results {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\n", r.StageID, r.PRURL, r.Action, r.PreviousUnresolved, r.NewUnresolvedCount)
		}
		return w.Flush()
	},
}

func init() {
	prPollerRunCmd.Flags().String("format", "text", "output format: text or json")
	prPollerRunCmd.Flags().Int("max-stages-per-cycle", 20, "maximum stages reconciled per cycle")
	prPollerCmd.AddCommand(prPollerRunCmd)
}
