package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jakekausler/stagehand/internal/resolver"
)

var resolverCmd = &cobra.Command{
	Use:   "resolver",
	Short: "run the resolver reconciliation cycle",
}

var resolverRunCmd = &cobra.Command{
	Use:   "run",
	Short: "run one resolver checkAll cycle over every stage file and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		registry := resolver.NewRegistry()
		runner := resolver.NewRunner(a.st, a.model, registry, a.locks, a.gate, a.log)
		results := runner.CheckAll(a.repo, resolver.Context{CodeHost: a.host})

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			return writeJSON(cmd, results)
		}

		if len(results) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No stages to reconcile.")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "STAGE\tRESOLVER\tFROM\tTO\tPROPAGATED")
		for _, r := range results {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.StageID, r.ResolverName, r.PreviousStatus, r.NewStatus, boolStr(r.Propagated))
		}
		return w.Flush()
	},
}

func init() {
	resolverRunCmd.Flags().String("format", "text", "output format: text or json")
	resolverCmd.AddCommand(resolverRunCmd)
}
