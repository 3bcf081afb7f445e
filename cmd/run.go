package main

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/recon-engine/internal/model"
)

var (
	runMetric      string
	runSystemA     string
	runSystemB     string
	runReportedA   float64
	runReportedB   float64
	runConstraints []string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Reconcile one metric between two systems",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		constraints, err := parseConstraints(runConstraints)
		if err != nil {
			return err
		}

		req := model.ReconcileRequest{
			Metric:      runMetric,
			SystemA:     runSystemA,
			SystemB:     runSystemB,
			ReportedA:   runReportedA,
			ReportedB:   runReportedB,
			Constraints: constraints,
		}

		result, err := e.Pipeline.Run(ctx, req)
		if err != nil {
			return eris.Wrap(err, "reconcile run")
		}

		zap.L().Info("reconciliation complete",
			zap.String("run_id", result.RunID),
			zap.Int("explanations", len(result.Explanations)),
			zap.Bool("verified", result.Verification != nil && result.Verification.OK),
		)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	},
}

// parseConstraints turns repeated --where table.column=value flags into
// filter specs.
func parseConstraints(raw []string) ([]model.FilterSpec, error) {
	var out []model.FilterSpec
	for _, c := range raw {
		ref, value, ok := strings.Cut(c, "=")
		if !ok {
			return nil, eris.Errorf("invalid constraint %q, want table.column=value", c)
		}
		table, column, ok := strings.Cut(ref, ".")
		if !ok {
			return nil, eris.Errorf("invalid constraint column %q, want table.column", ref)
		}
		out = append(out, model.FilterSpec{
			Table:  table,
			Column: column,
			Op:     model.OpEq,
			Value:  value,
		})
	}
	return out, nil
}

func init() {
	runCmd.Flags().StringVar(&runMetric, "metric", "", "metric to reconcile (required)")
	runCmd.Flags().StringVar(&runSystemA, "system-a", "", "left system (required)")
	runCmd.Flags().StringVar(&runSystemB, "system-b", "", "right system (required)")
	runCmd.Flags().Float64Var(&runReportedA, "reported-a", 0, "aggregate the left system reports")
	runCmd.Flags().Float64Var(&runReportedB, "reported-b", 0, "aggregate the right system reports")
	runCmd.Flags().StringArrayVar(&runConstraints, "where", nil, "constraint as table.column=value, repeatable")
	_ = runCmd.MarkFlagRequired("metric")
	_ = runCmd.MarkFlagRequired("system-a")
	_ = runCmd.MarkFlagRequired("system-b")
	rootCmd.AddCommand(runCmd)
}
