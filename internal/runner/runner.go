// Package runner wires the pipeline end to end: fingerprint precheck,
// feature resolution, walk-forward execution, artifact emission, season
// index update. It owns no algorithm of its own; every stage is a
// collaborator, and the runner touches the filesystem only through the
// batch write scope.
package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/errs"
	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/features"
	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/fsio"
	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/governance"
	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/layout"
	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/logging"
	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/snapshot"
	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/wfs"
)

// JobSpec is one submitted job: the study definition plus the dataset
// fingerprint claim and build permission.
type JobSpec struct {
	Job wfs.Job `json:"job"`

	// DataFingerprint must be non-empty and must match the registry's
	// entry for the job's dataset.
	DataFingerprint string `json:"data_fingerprint"`

	AllowBuild bool   `json:"allow_build"`
	TxtPath    string `json:"txt_path,omitempty"`
}

// BatchSpec groups jobs under one batch id and season.
type BatchSpec struct {
	BatchID string    `json:"batch_id"`
	Season  string    `json:"season"`
	Jobs    []JobSpec `json:"jobs"`
}

// JobExecution is one job's execution record. It carries the wall-clock
// facts that are deliberately kept out of the deterministic artifacts.
type JobExecution struct {
	JobID          string `json:"job_id"`
	RunID          string `json:"run_id"`
	State          string `json:"state"`
	BuildPerformed bool   `json:"build_performed"`
	WallMillis     int64  `json:"wall_millis"`
	Error          string `json:"error,omitempty"`
}

// Execution is the batch-level execution record, artifacts/{batch}/execution.json.
type Execution struct {
	SchemaVersion int            `json:"schema_version"`
	BatchID       string         `json:"batch_id"`
	Season        string         `json:"season"`
	StartedAt     string         `json:"started_at"`
	FinishedAt    string         `json:"finished_at"`
	State         string         `json:"state"`
	Jobs          []JobExecution `json:"jobs"`
}

// Job execution states.
const (
	StateCompleted = "completed"
	StateFailed    = "failed"
)

// BatchResult reports a completed batch.
type BatchResult struct {
	BatchID   string
	Summary   *wfs.Summary
	Index     *wfs.Index
	Execution *Execution
	Dir       string
}

// Runner executes batches against the shared caches and artifact tree.
type Runner struct {
	Root     layout.Root
	Registry *snapshot.Registry
	Resolver *features.Resolver
	Engine   *wfs.Engine
	Seasons  *governance.SeasonStore
	Batches  *governance.BatchStore

	// indexMu serializes the freeze-and-rebuild step when batches run in
	// parallel; everything else a batch touches is batch-private.
	indexMu sync.Mutex

	now   func() time.Time
	runID func() string
}

// NewRunner assembles a runner over the given collaborators.
func NewRunner(root layout.Root, reg *snapshot.Registry, res *features.Resolver, eng *wfs.Engine, seasons *governance.SeasonStore, batches *governance.BatchStore) *Runner {
	return &Runner{
		Root:     root,
		Registry: reg,
		Resolver: res,
		Engine:   eng,
		Seasons:  seasons,
		Batches:  batches,
		now:      func() time.Time { return time.Now().UTC() },
		runID:    uuid.NewString,
	}
}

// precheck validates a job's fingerprint claim against the dataset
// registry before any stage runs.
func (r *Runner) precheck(spec JobSpec) error {
	if spec.DataFingerprint == "" {
		return &errs.ContractViolation{Field: "data_fingerprint", Reason: "missing or empty"}
	}
	entry, err := r.Registry.Get(spec.Job.DatasetID)
	if err != nil {
		return err
	}
	if entry.Fingerprint != spec.DataFingerprint {
		return &errs.ContractViolation{
			Field:  "data_fingerprint",
			Reason: fmt.Sprintf("claim does not match registry entry for %s", spec.Job.DatasetID),
		}
	}
	return nil
}

// runJob drives one job through resolve and the engine. Jobs inside a
// batch are strictly sequential.
func (r *Runner) runJob(ctx context.Context, spec BatchSpec, job JobSpec) (*wfs.JobResult, bool, error) {
	if err := r.precheck(job); err != nil {
		return nil, false, err
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	strat, err := r.Engine.Registry.Get(job.Job.StrategyID)
	if err != nil {
		return nil, false, err
	}
	var bctx *features.BuildContext
	if job.TxtPath != "" {
		bctx = &features.BuildContext{TxtPath: job.TxtPath}
	}
	bundle, built, err := r.Resolver.Resolve(ctx, spec.Season, job.Job.DatasetID,
		strat.FeatureRequirements(), job.AllowBuild, bctx)
	if err != nil {
		return nil, false, err
	}
	if err := ctx.Err(); err != nil {
		return nil, built, err
	}

	res, err := r.Engine.RunJob(job.Job, spec.BatchID, bundle)
	if err != nil {
		return nil, built, err
	}
	return res, built, nil
}

// RunBatch executes a batch's jobs sequentially, writes the four batch
// artifacts, and folds the batch into the season index. A failed job
// terminates the batch; the execution record still lands, but summary and
// index are only written for a fully completed batch.
func (r *Runner) RunBatch(ctx context.Context, spec BatchSpec) (*BatchResult, error) {
	if spec.BatchID == "" || spec.Season == "" {
		return nil, &errs.ContractViolation{Field: "batch", Reason: "batch_id and season are required"}
	}
	if len(spec.Jobs) == 0 {
		return nil, &errs.ContractViolation{Field: "jobs", Reason: "batch carries no jobs"}
	}
	if frozen, err := r.Seasons.Frozen(spec.Season); err != nil {
		return nil, err
	} else if frozen {
		return nil, &errs.FrozenViolation{Season: spec.Season, Action: "batch_run"}
	}
	if _, err := r.Batches.Register(spec.BatchID, spec.Season); err != nil {
		return nil, err
	}

	log := logging.Get(logging.CategoryRunner)
	exec := &Execution{
		SchemaVersion: 1,
		BatchID:       spec.BatchID,
		Season:        spec.Season,
		StartedAt:     r.now().Format(time.RFC3339),
		State:         StateCompleted,
	}

	results := make([]*wfs.JobResult, 0, len(spec.Jobs))
	var jobErr error
	for _, job := range spec.Jobs {
		start := r.now()
		res, built, err := r.runJob(ctx, spec, job)
		rec := JobExecution{
			JobID:          job.Job.JobID,
			RunID:          r.runID(),
			State:          StateCompleted,
			BuildPerformed: built,
			WallMillis:     r.now().Sub(start).Milliseconds(),
		}
		if err != nil {
			rec.State = StateFailed
			rec.Error = err.Error()
			exec.State = StateFailed
			exec.Jobs = append(exec.Jobs, rec)
			jobErr = fmt.Errorf("job %s: %w", job.Job.JobID, err)
			log.Error("batch %s job %s failed: %v", spec.BatchID, job.Job.JobID, err)
			break
		}
		exec.Jobs = append(exec.Jobs, rec)
		results = append(results, res)
	}
	exec.FinishedAt = r.now().Format(time.RFC3339)

	dir := r.Root.ArtifactsDir(spec.BatchID)
	scope, err := fsio.NewScope(dir, []string{
		layout.BatchMetadataFile, layout.BatchIndexFile,
		layout.BatchSummaryFile, layout.BatchExecutionFile,
	}, nil)
	if err != nil {
		return nil, err
	}

	if jobErr != nil {
		// the execution record is the only artifact a failed batch leaves
		if _, werr := scope.WriteCanonicalJSON(layout.BatchExecutionFile, exec); werr != nil {
			return nil, fmt.Errorf("recording failed batch: %w", werr)
		}
		return nil, jobErr
	}

	summary, index := wfs.Summarize(spec.BatchID, results, topK(spec))
	if err := r.writeArtifacts(ctx, scope, spec, summary, index, exec); err != nil {
		return nil, err
	}

	r.indexMu.Lock()
	_, err = r.Batches.Freeze(spec.BatchID)
	if err == nil {
		err = r.Seasons.RebuildIndex(spec.Season, r.Batches.BySeason(spec.Season))
	}
	r.indexMu.Unlock()
	if err != nil {
		return nil, err
	}

	log.Info("batch %s: %d jobs completed, %d candidates",
		spec.BatchID, len(results), len(summary.TopK))
	return &BatchResult{
		BatchID: spec.BatchID, Summary: summary, Index: index, Execution: exec, Dir: dir,
	}, nil
}

// topK picks the largest explicit top-K across the batch's jobs, falling
// back to the engine default.
func topK(spec BatchSpec) int {
	k := 0
	for _, j := range spec.Jobs {
		if j.Job.Config.TopK > k {
			k = j.Job.Config.TopK
		}
	}
	return k
}

// writeArtifacts lands metadata, index and summary (the deterministic
// set), then the execution record.
func (r *Runner) writeArtifacts(ctx context.Context, scope *fsio.Scope, spec BatchSpec, summary *wfs.Summary, index *wfs.Index, exec *Execution) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	jobs := make([]map[string]any, 0, len(spec.Jobs))
	for _, j := range spec.Jobs {
		jobs = append(jobs, map[string]any{
			"job_id":      j.Job.JobID,
			"dataset_id":  j.Job.DatasetID,
			"strategy_id": j.Job.StrategyID,
		})
	}
	metadata := map[string]any{
		"schema_version": 1,
		"batch_id":       spec.BatchID,
		"season":         spec.Season,
		"job_count":      len(spec.Jobs),
		"jobs":           jobs,
	}
	if _, err := scope.WriteCanonicalJSON(layout.BatchMetadataFile, metadata); err != nil {
		return err
	}
	if _, err := scope.WriteCanonicalJSON(layout.BatchIndexFile, index); err != nil {
		return err
	}
	if _, err := scope.WriteCanonicalJSON(layout.BatchSummaryFile, summary); err != nil {
		return err
	}
	_, err := scope.WriteCanonicalJSON(layout.BatchExecutionFile, exec)
	return err
}
