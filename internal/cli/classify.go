package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"previewd/internal/filetype"
)

func newClassifyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "classify <type>...",
		Short: "Show the preview category of declared content types",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TYPE\tCATEGORY\tCSV")
			for _, declared := range args {
				fmt.Fprintf(tw, "%s\t%s\t%t\n", declared, filetype.Classify(declared), filetype.IsCSV(declared))
			}
			return tw.Flush()
		},
	}
}
