package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/tanq16/fragdl/internal/output"
	"github.com/tanq16/fragdl/internal/utils"
)

func newCleanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clean [path]",
		Short: "Remove partial downloads and resume state",
		Args:  cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			root := "."
			if len(args) > 0 {
				root = args[0]
			}
			removed, err := utils.CleanLeftovers(root)
			for _, path := range removed {
				output.PrintDetail(path)
			}
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error cleaning %s: %v\n", root, err)
				os.Exit(1)
			}
			if len(removed) == 0 {
				output.PrintInfo("Nothing to clean in " + root)
				return
			}
			output.PrintSuccess(fmt.Sprintf("Removed %d leftover file(s)", len(removed)))
		},
	}
}
