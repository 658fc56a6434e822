package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/bars"
	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/features"
	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/governance"
	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/runner"
	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/wfs"
)

var batchParallel int

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Submit and run walk-forward study batches",
}

var batchSubmitCmd = &cobra.Command{
	Use:   "submit [spec.yaml...]",
	Short: "Validate batch specs without running them",
	Long: `Parses each spec, checks the dataset fingerprints against the registry
and the strategy ids against the strategy registry, and reports what a run
would execute. Nothing is written.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runBatchSubmit,
}

var batchRunCmd = &cobra.Command{
	Use:   "run [spec.yaml...]",
	Short: "Execute batches through the full pipeline",
	Long: `Runs each batch: fingerprint precheck, feature resolution (building the
bars and feature caches when the job allows it), walk-forward execution,
and artifact emission. Batches fan out over a bounded worker pool; jobs
inside a batch stay sequential.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runBatchRun,
}

// batchFile is the YAML shape of a batch spec on disk.
type batchFile struct {
	BatchID string `yaml:"batch_id"`
	Season  string `yaml:"season"`
	Jobs    []struct {
		JobID           string         `yaml:"job_id"`
		DatasetID       string         `yaml:"dataset_id"`
		StrategyID      string         `yaml:"strategy_id"`
		DataFingerprint string         `yaml:"data_fingerprint"`
		AllowBuild      bool           `yaml:"allow_build"`
		TxtPath         string         `yaml:"txt_path"`
		Params          map[string]any `yaml:"params"`
		ISBars          int            `yaml:"is_bars"`
		OOSBars         int            `yaml:"oos_bars"`
		TopK            int            `yaml:"top_k"`
	} `yaml:"jobs"`
}

func loadBatchSpec(path string) (runner.BatchSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return runner.BatchSpec{}, fmt.Errorf("reading batch spec: %w", err)
	}
	var f batchFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return runner.BatchSpec{}, fmt.Errorf("parsing batch spec %s: %w", path, err)
	}
	spec := runner.BatchSpec{BatchID: f.BatchID, Season: f.Season}
	for _, j := range f.Jobs {
		spec.Jobs = append(spec.Jobs, runner.JobSpec{
			Job: wfs.Job{
				JobID:      j.JobID,
				Season:     f.Season,
				DatasetID:  j.DatasetID,
				StrategyID: j.StrategyID,
				Params:     j.Params,
				Config: wfs.Config{
					Splits: wfs.SplitConfig{ISBars: j.ISBars, OOSBars: j.OOSBars},
					TopK:   j.TopK,
				},
			},
			DataFingerprint: j.DataFingerprint,
			AllowBuild:      j.AllowBuild,
			TxtPath:         j.TxtPath,
		})
	}
	return spec, nil
}

// newRunner wires the pipeline for batch execution.
func (a *app) newRunner() (*runner.Runner, *wfs.Registry, error) {
	strategies := wfs.NewRegistry()
	if err := strategies.Bootstrap(wfs.BuiltinStrategies()...); err != nil {
		return nil, nil, err
	}
	resolver := &features.Resolver{
		Root: a.root,
		Bank: features.NewBank(),
		Bars: &bars.Builder{Root: a.root, Ingest: bars.JSONIngestor{}, Session: bars.DefaultSession()},
	}
	r := runner.NewRunner(a.root, a.registry, resolver,
		&wfs.Engine{Registry: strategies}, a.seasons, governance.NewBatchStore())
	return r, strategies, nil
}

func runBatchSubmit(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	_, strategies, err := a.newRunner()
	if err != nil {
		return err
	}
	for _, path := range args {
		spec, err := loadBatchSpec(path)
		if err != nil {
			return err
		}
		if err := a.policy.Enforce("batch_submit", spec.Season); err != nil {
			return err
		}
		for _, job := range spec.Jobs {
			if _, err := strategies.Get(job.Job.StrategyID); err != nil {
				return fmt.Errorf("batch %s job %s: %w", spec.BatchID, job.Job.JobID, err)
			}
			entry, err := a.registry.Get(job.Job.DatasetID)
			if err != nil {
				return fmt.Errorf("batch %s job %s: %w", spec.BatchID, job.Job.JobID, err)
			}
			if entry.Fingerprint != job.DataFingerprint {
				return fmt.Errorf("batch %s job %s: fingerprint does not match registry", spec.BatchID, job.Job.JobID)
			}
		}
		fmt.Printf("batch %s: %d jobs valid\n", spec.BatchID, len(spec.Jobs))
	}
	return nil
}

func runBatchRun(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	r, _, err := a.newRunner()
	if err != nil {
		return err
	}

	specs := make([]runner.BatchSpec, 0, len(args))
	for _, path := range args {
		spec, err := loadBatchSpec(path)
		if err != nil {
			return err
		}
		if err := a.policy.Enforce("batch_run", spec.Season); err != nil {
			return err
		}
		specs = append(specs, spec)
	}

	parallel := batchParallel
	if parallel <= 0 {
		parallel = a.cfg.Runner.MaxParallelBatches
	}
	pool := &runner.Pool{Runner: r, Parallelism: parallel}
	results, err := pool.Run(cmd.Context(), specs)
	if err != nil {
		return err
	}
	for _, res := range results {
		logger.Info("batch completed",
			zap.String("batch_id", res.BatchID),
			zap.Int("candidates", len(res.Summary.TopK)))
		fmt.Printf("batch %s: %d jobs, %d top candidates -> %s\n",
			res.BatchID, len(res.Execution.Jobs), len(res.Summary.TopK), res.Dir)
	}
	return nil
}

func init() {
	batchRunCmd.Flags().IntVar(&batchParallel, "parallel", 0, "max concurrent batches (0 = config default)")
	batchCmd.AddCommand(batchSubmitCmd, batchRunCmd)
	rootCmd.AddCommand(batchCmd)
}
