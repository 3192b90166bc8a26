// Package cli implements the cobra wiring (§2 AMBIENT STACK): thin
// subcommands over the reconciliation loops and the orchestrator, exactly
// continuing the teacher's internal/cli/root.go shape (package-level
// cobra.Command vars registered from init(), SetVersion/Execute entry
// points) generalized from the issue-pipeline command surface to
// orchestrator run|once, resolver run, pr-poller run, mr-chain run, and
// stage status|list.
package cli

import (
	"github.com/spf13/cobra"
)

var version = "dev"

// SetVersion records the build-time version string, set from main via
// ldflags.
func SetVersion(v string) {
	version = v
}

var rootCmd = &cobra.Command{
	Use:   "stagehand",
	Short: "stagehand — a work-orchestration daemon",
	Long: `stagehand discovers ready stages in a stage/ticket/epic hierarchy,
runs worker subprocesses against them under a bounded worktree pool, and
reconciles PR and merge-chain state on independent timers.

State lives on disk as stage/ticket/epic markdown files with YAML
frontmatter, plus a Postgres-backed tracking/event log. Repeated
invocations of the reconciliation subcommands are safe to run from cron;
"orchestrator run" is the long-lived foreground loop.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().String("store", ".", "root directory of the stage/ticket/epic store")
	rootCmd.PersistentFlags().String("config", "pipeline.yaml", "path to the workflow pipeline.yaml")
	rootCmd.PersistentFlags().String("repo", "", "repository identifier passed to the code host and sync collaborators")
	rootCmd.PersistentFlags().String("db-url", "", "Postgres DSN; defaults to db.DefaultDSN()")
	rootCmd.PersistentFlags().String("default-branch", "main", "branch a fully-promoted stacked PR retargets onto")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(orchestratorCmd)
	rootCmd.AddCommand(resolverCmd)
	rootCmd.AddCommand(prPollerCmd)
	rootCmd.AddCommand(mrChainCmd)
	rootCmd.AddCommand(stageCmd)
}
