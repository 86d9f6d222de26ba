package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/tanq16/segget/internal/output"
	"github.com/tanq16/segget/internal/utils"
)

func newCleanCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "clean [path]",
		Short: "Clean up part files and saved state",
		Long: `Remove the part files and saved state of an interrupted download.

With --all, path is a directory and its whole .segget-temp folder is removed.`,
		Args: cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			path := "."
			if len(args) > 0 {
				path = args[0]
			}
			var err error
			if all {
				err = utils.CleanAll(path)
			} else {
				err = utils.Clean(path)
			}
			if err != nil {
				output.PrintError("Error cleaning up temporary files: " + err.Error())
				os.Exit(1)
			}
			output.PrintSuccess("Temporary files cleaned up")
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Remove every temporary file under the directory")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the segget version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println(SeggetVersion)
		},
	}
}
