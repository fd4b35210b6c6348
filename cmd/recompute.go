package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var (
	recomputeThreshold  float64
	recomputeBackground []string
)

var recomputeCmd = &cobra.Command{
	Use:   "recompute <folder>",
	Short: "Re-apply decision settings to cached results",
	Long:  "Recomputes present/uncertain/empty decisions from the stored classifications without running the model. Manual overrides are kept.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		svc, err := initService(ctx, "cache")
		if err != nil {
			return err
		}
		defer svc.Close() //nolint:errcheck

		dc := svc.DecisionConfig()
		if cmd.Flags().Changed("threshold") {
			dc.Threshold = recomputeThreshold
		}
		if cmd.Flags().Changed("background") {
			dc.Background = recomputeBackground
		}

		res, err := svc.Recompute(ctx, args[0], dc)
		if err != nil {
			return eris.Wrap(err, "recompute")
		}
		formatResult(os.Stdout, res)
		return nil
	},
}

func init() {
	recomputeCmd.Flags().Float64Var(&recomputeThreshold, "threshold", 0.5, "presence threshold in [0,1]")
	recomputeCmd.Flags().StringSliceVar(&recomputeBackground, "background", nil, "background labels")
	rootCmd.AddCommand(recomputeCmd)
}
