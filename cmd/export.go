package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/trapscan/internal/export"
	"github.com/sells-group/trapscan/internal/scan"
)

var (
	exportCSV          string
	exportXLSX         string
	exportObservations string
	exportFrames       string
	exportUncertain    bool
	exportEmpty        bool
)

var exportCmd = &cobra.Command{
	Use:   "export <folder>",
	Short: "Export cached results for a folder",
	Long:  "Writes the stored results of a scanned folder as CSV, XLSX or an observation list, and optionally copies frames into per-species folders.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if exportCSV == "" && exportXLSX == "" && exportObservations == "" && exportFrames == "" {
			return eris.New("export: choose at least one of --csv, --xlsx, --observations, --frames")
		}

		svc, err := initService(ctx, "cache")
		if err != nil {
			return err
		}
		defer svc.Close() //nolint:errcheck

		rows, err := svc.Rows(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "export")
		}
		if err := writeExports(&scan.Result{Rows: rows}, exportCSV, exportXLSX); err != nil {
			return err
		}

		if exportObservations != "" {
			f, err := os.Create(exportObservations)
			if err != nil {
				return eris.Wrap(err, "create observations")
			}
			if err := export.WriteObservations(f, rows); err != nil {
				_ = f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return eris.Wrap(err, "close observations")
			}
			zap.L().Info("wrote observations", zap.String("path", exportObservations))
		}

		if exportFrames != "" {
			n, err := export.CopyFrames(rows, exportFrames, export.FrameOptions{
				Present:   true,
				Uncertain: exportUncertain,
				Empty:     exportEmpty,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "Copied %d frames to %s\n", n, exportFrames)
		}
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportCSV, "csv", "", "write results to this CSV file")
	exportCmd.Flags().StringVar(&exportXLSX, "xlsx", "", "write results to this XLSX file")
	exportCmd.Flags().StringVar(&exportObservations, "observations", "", "write one line per present frame (date,time,species,path)")
	exportCmd.Flags().StringVar(&exportFrames, "frames", "", "copy present frames into per-species folders under this directory")
	exportCmd.Flags().BoolVar(&exportUncertain, "uncertain", false, "with --frames, also copy uncertain frames")
	exportCmd.Flags().BoolVar(&exportEmpty, "empty", false, "with --frames, also copy empty frames")
	rootCmd.AddCommand(exportCmd)
}
