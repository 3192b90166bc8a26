package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jakekausler/stagehand/internal/mrchain"
	"github.com/jakekausler/stagehand/internal/orchestrator"
)

var mrChainCmd = &cobra.Command{
	Use:   "mr-chain",
	Short: "run the MR chain manager reconciliation cycle",
}

var mrChainRunCmd = &cobra.Command{
	Use:   "run",
	Short: "reconcile every active parent-branch tracking row against the code host and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()
		if a.db == nil {
			return fmt.Errorf("mr-chain run: no database configured")
		}

		defaultBranch, _ := cmd.Flags().GetString("default-branch")
		manager := mrChainSessionLauncher(cmd, a, defaultBranch)
		results := manager.CheckParentChains(cmd.Context(), a.repo)

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			return writeJSON(cmd, results)
		}

		if len(results) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No active parent-branch tracking rows.")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "CHILD\tPARENT\tEVENT\tREBASE_SPAWNED\tRETARGETED\tPROMOTED")
		for _, r := range results {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				r.ChildStageID, r.ParentStageID, r.Event, boolStr(r.RebaseSpawned), boolStr(r.Retargeted), boolStr(r.PromotedToReady))
		}
		return w.Flush()
	},
}

// mrChainSessionLauncher builds a Manager with the orchestrator itself
// (the one true LaunchRebase implementation) as its session launcher, so
// a one-shot "mr-chain run" invocation spawns real rebase workers exactly
// as the long-lived orchestrator would.
func mrChainSessionLauncher(cmd *cobra.Command, a *app, defaultBranch string) *mrchain.Manager {
	logDir, _ := cmd.Flags().GetString("session-log-dir")
	model, _ := cmd.Flags().GetString("model")
	o := a.buildOrchestrator(orchestrator.Settings{SessionLogDir: logDir, DefaultModel: model}, defaultBranch)
	return mrchain.NewManager(a.db, a.host, a.st, a.locks, o, a.log, defaultBranch)
}

func init() {
	mrChainRunCmd.Flags().String("format", "text", "output format: text or json")
	mrChainRunCmd.Flags().String("session-log-dir", "./session-logs", "directory session transcripts are written to")
	mrChainRunCmd.Flags().String("model", "", "model name passed to rebase worker subprocesses")
	mrChainCmd.AddCommand(mrChainRunCmd)
}
