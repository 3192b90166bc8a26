package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jakekausler/stagehand/internal/pipeline"
)

var stageCmd = &cobra.Command{
	Use:   "stage",
	Short: "inspect stage state",
}

var stageListCmd = &cobra.Command{
	Use:   "list",
	Short: "list every stage file under the store root",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		paths, err := a.st.ListStageFiles()
		if err != nil {
			return fmt.Errorf("list stage files: %w", err)
		}

		var stages []*pipeline.Stage
		for _, p := range paths {
			stage, _, err := a.st.ReadStage(p)
			if err != nil {
				a.log.Warn("stage list: read stage failed", "path", p, "err", err)
				continue
			}
			stages = append(stages, stage)
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			return writeJSON(cmd, stages)
		}

		if len(stages) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No stages found.")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "STAGE\tTICKET\tEPIC\tSTATUS\tSESSION_ACTIVE\tPR")
		for _, s := range stages {
			pr := s.PRURL
			if pr == "" {
				pr = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", s.ID, s.TicketID, s.EpicID, s.Status, boolStr(s.SessionActive), pr)
		}
		return w.Flush()
	},
}

var stageStatusCmd = &cobra.Command{
	Use:   "status <stage-id>",
	Short: "show one stage's frontmatter",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		path, err := a.st.FindStageFile(args[0])
		if err != nil {
			return fmt.Errorf("find stage %s: %w", args[0], err)
		}
		stage, _, err := a.st.ReadStage(path)
		if err != nil {
			return fmt.Errorf("read stage %s: %w", args[0], err)
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			return writeJSON(cmd, stage)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "id\t%s\n", stage.ID)
		fmt.Fprintf(w, "ticket\t%s\n", stage.TicketID)
		fmt.Fprintf(w, "epic\t%s\n", stage.EpicID)
		fmt.Fprintf(w, "status\t%s\n", stage.Status)
		fmt.Fprintf(w, "session_active\t%s\n", boolStr(stage.SessionActive))
		fmt.Fprintf(w, "worktree_branch\t%s\n", stage.WorktreeBranch)
		fmt.Fprintf(w, "pr_url\t%s\n", stage.PRURL)
		fmt.Fprintf(w, "is_draft\t%s\n", boolStr(stage.IsDraft))
		fmt.Fprintf(w, "rebase_conflict\t%s\n", boolStr(stage.RebaseConflict))
		return w.Flush()
	},
}

func init() {
	stageListCmd.Flags().String("format", "text", "output format: text or json")
	stageStatusCmd.Flags().String("format", "text", "output format: text or json")
	stageCmd.AddCommand(stageListCmd)
	stageCmd.AddCommand(stageStatusCmd)
}
