package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/trapscan/internal/export"
	"github.com/sells-group/trapscan/internal/scan"
)

var (
	scanRecursive bool
	scanForce     bool
	scanKeep      bool
	scanCSV       string
	scanXLSX      string
)

var scanCmd = &cobra.Command{
	Use:   "scan <folder>",
	Short: "Classify every frame in a folder",
	Long:  "Lists the images in a folder, runs the model over frames not already cached, and prints per-decision counts.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		svc, err := initService(ctx, "scan")
		if err != nil {
			return err
		}
		defer svc.Close() //nolint:errcheck

		recursive := scanRecursive || cfg.Scan.Recursive
		res, err := runScan(ctx, svc, scan.Request{
			Folder:        args[0],
			Recursive:     recursive,
			Force:         scanForce,
			KeepOverrides: scanKeep,
		})
		if err != nil {
			return eris.Wrap(err, "scan")
		}

		formatResult(os.Stdout, res)
		return writeExports(res, scanCSV, scanXLSX)
	},
}

// runScan starts a job and logs progress at most once a second.
func runScan(ctx context.Context, svc *scan.Service, req scan.Request) (*scan.Result, error) {
	job, err := svc.Start(ctx, req)
	if err != nil {
		return nil, err
	}
	every := rate.Sometimes{Interval: time.Second}
	for p := range job.Progress() {
		every.Do(func() {
			zap.L().Info("scan progress", zap.Int("done", p.Done), zap.Int("total", p.Total))
		})
	}
	return job.Wait()
}

func writeExports(res *scan.Result, csvPath, xlsxPath string) error {
	if csvPath == "" && xlsxPath == "" {
		return nil
	}
	if len(res.Rows) == 0 {
		return export.ErrNothingToExport
	}
	if csvPath != "" {
		f, err := os.Create(csvPath)
		if err != nil {
			return eris.Wrap(err, "create csv")
		}
		if err := export.WriteCSV(f, res.Rows); err != nil {
			_ = f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return eris.Wrap(err, "close csv")
		}
		zap.L().Info("wrote csv", zap.String("path", csvPath), zap.Int("rows", len(res.Rows)))
	}
	if xlsxPath != "" {
		if err := export.WriteXLSX(xlsxPath, res.Rows); err != nil {
			return err
		}
		zap.L().Info("wrote xlsx", zap.String("path", xlsxPath), zap.Int("rows", len(res.Rows)))
	}
	return nil
}

func formatResult(out io.Writer, res *scan.Result) {
	if res.Empty {
		fmt.Fprintf(out, "No images found in %s\n", res.Folder)
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Folder:\t%s\n", res.Folder)
	fmt.Fprintf(w, "Model:\t%s\n", res.ModelVersion)
	source := "model"
	if res.FromCache {
		source = "cache"
	}
	fmt.Fprintf(w, "Source:\t%s\n", source)
	fmt.Fprintf(w, "Frames:\t%d\n", len(res.Rows))
	fmt.Fprintf(w, "Present:\t%d\n", res.Counts.Present)
	fmt.Fprintf(w, "Uncertain:\t%d\n", res.Counts.Uncertain)
	fmt.Fprintf(w, "Empty:\t%d\n", res.Counts.Empty)
	fmt.Fprintf(w, "Unclassified:\t%d\n", res.Counts.Unclassified)
	if res.Counts.Manual > 0 {
		fmt.Fprintf(w, "Manual:\t%d\n", res.Counts.Manual)
	}
	if len(res.Warnings) > 0 {
		fmt.Fprintf(w, "Warnings:\t%d\n", len(res.Warnings))
	}
	w.Flush()
}

func init() {
	scanCmd.Flags().BoolVar(&scanRecursive, "recursive", false, "include subfolders")
	scanCmd.Flags().BoolVar(&scanForce, "force", false, "ignore cached results and recompute every frame")
	scanCmd.Flags().BoolVar(&scanKeep, "keep-overrides", false, "with --force, keep manual labels on unchanged frames")
	scanCmd.Flags().StringVar(&scanCSV, "csv", "", "write results to this CSV file")
	scanCmd.Flags().StringVar(&scanXLSX, "xlsx", "", "write results to this XLSX file")
	rootCmd.AddCommand(scanCmd)
}
