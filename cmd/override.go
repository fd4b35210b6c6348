package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var overrideCmd = &cobra.Command{
	Use:   "override <folder> <file> <label>",
	Short: "Set the label of one frame by hand",
	Long:  "Stores a manual decision for one frame. A background label marks the frame empty; any other label marks it present.",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		svc, err := initService(ctx, "cache")
		if err != nil {
			return err
		}
		defer svc.Close() //nolint:errcheck

		row, err := svc.Override(ctx, args[0], args[1], args[2])
		if err != nil {
			return eris.Wrap(err, "override")
		}
		fmt.Fprintf(os.Stdout, "%s: %s %s (manual)\n", row.Frame.RelPath, row.Decision.Kind, row.Decision.Label)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(overrideCmd)
}
