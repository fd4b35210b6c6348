package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/trapscan/internal/cache"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or clear cached scan results",
}

var cacheListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cached folders",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("cache"); err != nil {
			return err
		}
		c, err := initCache(ctx)
		if err != nil {
			return err
		}
		defer c.Close() //nolint:errcheck

		entries, err := c.List(ctx)
		if err != nil {
			return eris.Wrap(err, "cache list")
		}
		if len(entries) == 0 {
			fmt.Fprintln(os.Stderr, "No cached folders.")
			return nil
		}
		formatCacheList(os.Stdout, entries)
		return nil
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear <folder>",
	Short: "Remove the cached results of a folder",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("cache"); err != nil {
			return err
		}
		c, err := initCache(ctx)
		if err != nil {
			return err
		}
		defer c.Close() //nolint:errcheck

		if err := c.Delete(ctx, args[0]); err != nil {
			return eris.Wrap(err, "cache clear")
		}
		fmt.Fprintf(os.Stdout, "Cleared %s\n", args[0])
		return nil
	},
}

func formatCacheList(out io.Writer, entries []cache.Summary) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FOLDER\tFRAMES\tMODEL\tGENERATED")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", e.Folder, e.Frames, e.ModelVersion, e.GeneratedAt.Local().Format("2006-01-02 15:04"))
	}
	w.Flush()
}

func init() {
	cacheCmd.AddCommand(cacheListCmd, cacheClearCmd)
	rootCmd.AddCommand(cacheCmd)
}
