package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/portfolio"
)

var (
	planTopN           int
	planMaxPerStrategy int
	planMaxPerDataset  int
	planBucketBy       []string
	planMaxWeight      float64
	planMinWeight      float64
	planWrite          bool
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Build and inspect portfolio plans over season exports",
}

var planBuildCmd = &cobra.Command{
	Use:   "build [season]",
	Short: "Build a plan package from a season export",
	Long: `Selects candidates from the export in canonical order under the
configured caps, assigns bucket-equal weights with clip/renormalize, and
writes the four-file plan package. Rebuilding on identical inputs is a
byte-level no-op.`,
	Args: cobra.ExactArgs(1),
	RunE: runPlanBuild,
}

var planListCmd = &cobra.Command{
	Use:   "list",
	Short: "List plan ids",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		ids, err := a.planner.ListPlans()
		if err != nil {
			return err
		}
		for _, id := range ids {
			fmt.Println(id)
		}
		return nil
	},
}

var planShowCmd = &cobra.Command{
	Use:   "show [plan-id]",
	Short: "Print a plan's weights",
	Args:  cobra.ExactArgs(1),
	RunE:  runPlanShow,
}

var planQualityCmd = &cobra.Command{
	Use:   "quality [plan-id]",
	Short: "Grade a plan (GREEN/YELLOW/RED)",
	Args:  cobra.ExactArgs(1),
	RunE:  runPlanQuality,
}

var planViewCmd = &cobra.Command{
	Use:   "view [plan-id]",
	Short: "Render a plan's markdown view",
	Args:  cobra.ExactArgs(1),
	RunE:  runPlanView,
}

func runPlanBuild(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	season := args[0]
	if err := a.policy.Enforce("plan_build", season); err != nil {
		return err
	}
	res, err := a.planner.Build(season, portfolio.Config{
		TopN:           planTopN,
		MaxPerStrategy: planMaxPerStrategy,
		MaxPerDataset:  planMaxPerDataset,
		Weighting:      portfolio.WeightingBucketEqual,
		BucketBy:       planBucketBy,
		MaxWeight:      planMaxWeight,
		MinWeight:      planMinWeight,
	})
	if err != nil {
		return err
	}
	if !res.Written {
		fmt.Printf("plan %s already exists and is identical\n", res.Plan.PlanID)
		return nil
	}
	fmt.Printf("plan %s: %d candidates -> %s\n", res.Plan.PlanID, len(res.Plan.Weights), res.PlanDir)
	return nil
}

func runPlanShow(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	plan, err := a.planner.LoadPlan(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("plan %s  season %s  weighting %s over %s\n",
		plan.PlanID, plan.Season, plan.Config.Weighting, strings.Join(plan.Config.BucketBy, ","))
	for _, w := range plan.Weights {
		fmt.Printf("  %-20s %-14s %-24s %.12f\n", w.CandidateID, w.StrategyID, w.DatasetID, w.Weight)
	}
	if n := len(plan.Clipping.ClippedCandidates); n > 0 {
		fmt.Printf("  clipped: %d candidates in %d iterations\n", n, plan.Clipping.Iterations)
	}
	return nil
}

func runPlanQuality(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	compute := a.planner.ComputeQuality
	if planWrite {
		compute = a.planner.WriteQuality
	}
	q, err := compute(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("plan %s  grade %s\n", q.PlanID, q.Grade)
	fmt.Printf("  top1_score           %.12f\n", q.Top1Score)
	fmt.Printf("  effective_n          %.12f\n", q.EffectiveN)
	fmt.Printf("  bucket_coverage      %.12f\n", q.BucketCoverage)
	fmt.Printf("  constraints_pressure %.12f\n", q.ConstraintsPressure)
	return nil
}

func runPlanView(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	var view *portfolio.View
	if planWrite {
		view, err = a.planner.WriteView(args[0])
	} else {
		view, err = a.planner.RenderPlanView(args[0])
	}
	if err != nil {
		return err
	}
	fmt.Print(view.Markdown)
	return nil
}

func init() {
	planBuildCmd.Flags().IntVar(&planTopN, "top-n", 10, "max candidates admitted")
	planBuildCmd.Flags().IntVar(&planMaxPerStrategy, "max-per-strategy", 0, "per-strategy cap (0 = unlimited)")
	planBuildCmd.Flags().IntVar(&planMaxPerDataset, "max-per-dataset", 0, "per-dataset cap (0 = unlimited)")
	planBuildCmd.Flags().StringSliceVar(&planBucketBy, "bucket-by", []string{"dataset_id"}, "bucket fields")
	planBuildCmd.Flags().Float64Var(&planMaxWeight, "max-weight", 1.0, "per-candidate weight ceiling")
	planBuildCmd.Flags().Float64Var(&planMinWeight, "min-weight", 0, "per-candidate weight floor (0 = none)")

	planQualityCmd.Flags().BoolVar(&planWrite, "write", false, "persist the package instead of printing only")
	planViewCmd.Flags().BoolVar(&planWrite, "write", false, "persist the package instead of printing only")

	planCmd.AddCommand(planBuildCmd, planListCmd, planShowCmd, planQualityCmd, planViewCmd)
	rootCmd.AddCommand(planCmd)
}
