package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/recon-engine/internal/model"
)

var (
	probeMetric      string
	probeSystemA     string
	probeSystemB     string
	probeKnown       int
	probeConstraints []string
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Traverse the metric graph to find the root cause of a known row discrepancy",
	Long:  "Builds a knowledge graph of tables, rules, joins, and filters behind a metric, then probes it node by node until a finding explains the known discrepancy or the graph is exhausted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		constraints, err := parseConstraints(probeConstraints)
		if err != nil {
			return err
		}

		req := model.ReconcileRequest{
			Metric:      probeMetric,
			SystemA:     probeSystemA,
			SystemB:     probeSystemB,
			Constraints: constraints,
		}

		ts, err := e.Pipeline.Probe(ctx, req, probeKnown)
		if err != nil {
			return eris.Wrap(err, "probe")
		}

		zap.L().Info("probe concluded",
			zap.Bool("root_cause_found", ts.RootCauseFound),
			zap.Int("nodes_visited", len(ts.VisitedPath)),
			zap.Int("findings", len(ts.Findings)),
		)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(ts)
	},
}

func init() {
	probeCmd.Flags().StringVar(&probeMetric, "metric", "", "metric to investigate (required)")
	probeCmd.Flags().StringVar(&probeSystemA, "system-a", "", "left system (required)")
	probeCmd.Flags().StringVar(&probeSystemB, "system-b", "", "right system (required)")
	probeCmd.Flags().IntVar(&probeKnown, "known-discrepancy", 0, "known row-count discrepancy to explain")
	probeCmd.Flags().StringArrayVar(&probeConstraints, "where", nil, "constraint as table.column=value, repeatable")
	_ = probeCmd.MarkFlagRequired("metric")
	_ = probeCmd.MarkFlagRequired("system-a")
	_ = probeCmd.MarkFlagRequired("system-b")
	rootCmd.AddCommand(probeCmd)
}
