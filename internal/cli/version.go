package cli

import (
	"fmt"

	"github.com/jasonkneen/claudesky/pkg/runtime"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version and the available runtimes",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "claudesky version %s\n", version)
		fmt.Fprintf(cmd.OutOrStdout(), "runtimes: %v\n", runtime.Names())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
