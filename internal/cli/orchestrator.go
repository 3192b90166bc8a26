package cli

import (
	"time"

	"github.com/spf13/cobra"
)

var orchestratorCmd = &cobra.Command{
	Use:   "orchestrator",
	Short: "run the orchestrator loop",
}

var orchestratorRunCmd = &cobra.Command{
	Use:   "run",
	Short: "run the orchestrator continuously until signalled to stop",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		defaultBranch, _ := cmd.Flags().GetString("default-branch")
		o := a.buildOrchestrator(orchestratorSettingsFromFlags(cmd), defaultBranch)
		return withSignalShutdown(cmd.Context(), o)
	},
}

var orchestratorOnceCmd = &cobra.Command{
	Use:   "once",
	Short: "run a single foreground tick cycle to completion, then exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		defaultBranch, _ := cmd.Flags().GetString("default-branch")
		o := a.buildOrchestrator(orchestratorSettingsFromFlags(cmd), defaultBranch)
		return o.Start(cmd.Context(), true)
	},
}

func init() {
	for _, c := range []*cobra.Command{orchestratorRunCmd, orchestratorOnceCmd} {
		c.Flags().Int("max-parallel", 4, "maximum concurrent worker subprocesses")
		c.Flags().Duration("tick-interval", 5*time.Second, "idle delay between discovery ticks")
		c.Flags().Duration("resolver-interval", 30*time.Second, "interval between resolver reconciliation cycles")
		c.Flags().Duration("pr-poll-interval", time.Minute, "interval between PR comment poll cycles")
		c.Flags().Duration("mr-chain-interval", time.Minute, "interval between MR chain reconciliation cycles")
		c.Flags().Duration("drain-timeout", 30*time.Second, "grace period for in-flight sessions before SIGTERM")
		c.Flags().Duration("graceful-kill-timeout", 15*time.Second, "grace period after SIGTERM before SIGKILL")
		c.Flags().Int("max-stages-per-cycle", 20, "maximum stages reconciled per PR-poll cycle")
		c.Flags().String("session-log-dir", "./session-logs", "directory session transcripts are written to")
		c.Flags().String("model", "", "model name passed to worker subprocesses")
	}

	orchestratorCmd.AddCommand(orchestratorRunCmd)
	orchestratorCmd.AddCommand(orchestratorOnceCmd)
}
