package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/heron/internal/domain"
)

var (
	saveRuns      bool
	failOnAnomaly bool
	summaryDays   int
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze [model...]",
	Short: "Run models once and print their reports",
	Long:  "Run the named models, or every model when none is named, and print the reports as JSON.",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cfg, saveRuns)
		if err != nil {
			return err
		}
		defer a.Close()

		specs := a.catalog.List()
		if len(args) > 0 {
			specs = specs[:0]
			for _, name := range args {
				spec, err := a.model(name)
				if err != nil {
					return err
				}
				specs = append(specs, spec)
			}
		}

		reports, runErr := a.runner.RunAll(cmd.Context(), specs)

		failed := 0
		for _, report := range reports {
			if report == nil {
				continue
			}
			if a.repo != nil {
				if err := a.repo.SaveRun(cmd.Context(), cfg.Target, report); err != nil {
					slog.Error("failed to save run", "run_id", report.ID, "error", err)
				}
			}
			if !report.Passed {
				failed++
			}
		}

		if err := printJSON(cmd.OutOrStdout(), reports); err != nil {
			return err
		}
		if runErr != nil {
			return runErr
		}
		if failOnAnomaly && failed > 0 {
			return fmt.Errorf("%d of %d models did not pass", failed, len(reports))
		}
		return nil
	},
}

var importanceCmd = &cobra.Command{
	Use:   "importance <model>",
	Short: "Rank a model's multivariate features",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cfg, false)
		if err != nil {
			return err
		}
		defer a.Close()

		spec, err := a.model(args[0])
		if err != nil {
			return err
		}
		weights, err := a.runner.FeatureImportance(cmd.Context(), spec)
		if err != nil {
			return err
		}

		features := make([]string, 0, len(weights))
		for f := range weights {
			features = append(features, f)
		}
		sort.Slice(features, func(i, j int) bool {
			if weights[features[i]] != weights[features[j]] {
				return weights[features[i]] > weights[features[j]]
			}
			return features[i] < features[j]
		})

		out := cmd.OutOrStdout()
		for _, f := range features {
			fmt.Fprintf(out, "%-32s %.4f\n", f, weights[f])
		}
		return nil
	},
}

var segmentsCmd = &cobra.Command{
	Use:   "segments <model>",
	Short: "Summarize a model's segments and check their weekly drift",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cfg, false)
		if err != nil {
			return err
		}
		defer a.Close()

		spec, err := a.model(args[0])
		if err != nil {
			return err
		}
		summary, err := a.runner.SegmentSummary(cmd.Context(), spec, summaryDays)
		if err != nil {
			return err
		}
		drift, err := a.runner.SegmentDrift(cmd.Context(), spec)
		if err != nil {
			return err
		}

		return printJSON(cmd.OutOrStdout(), struct {
			Summary any                    `json:"summary"`
			Drift   *domain.AnalysisResult `json:"drift"`
		}{summary, drift})
	},
}

func init() {
	analyzeCmd.Flags().BoolVar(&saveRuns, "save", false, "Store reports in the result store")
	analyzeCmd.Flags().BoolVar(&failOnAnomaly, "fail-on-anomaly", false, "Exit non-zero when any model does not pass")
	segmentsCmd.Flags().IntVar(&summaryDays, "days", 30, "Days covered by the segment summary")
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
