package cmd

import (
	"github.com/spf13/cobra"

	"github.com/kestrel-dl/kestrel/internal/output"
	"github.com/kestrel-dl/kestrel/internal/utils"
)

func newCleanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clean [path]",
		Short: "Clean up temporary download files",
		Args:  cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			var err error
			if len(args) == 0 {
				err = utils.CleanLocal()
			} else {
				err = utils.CleanFunction(args[0])
			}
			if err != nil {
				output.PrintError("Error cleaning up temporary files")
				return
			}
			output.PrintSuccess("Temporary files cleaned up")
		},
	}
}
