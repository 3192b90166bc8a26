package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

// writeJSON marshals v as indented JSON to the command's stdout, matching
// the teacher's analytics.go helper of the same name.
func writeJSON(cmd *cobra.Command, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

func boolStr(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
