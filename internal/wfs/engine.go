package wfs

import (
	"fmt"
	"math"
	"sort"

	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/candidate"
	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/canonical"
	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/errs"
	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/features"
	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/logging"
)

// Config parameterizes one study.
type Config struct {
	Splits SplitConfig `json:"splits"`
	TopK   int         `json:"top_k"`
}

// DefaultTopK bounds the summary when a job does not say otherwise.
const DefaultTopK = 10

// Job is one unit of work: a strategy over a dataset's feature bundle.
type Job struct {
	JobID      string         `json:"job_id"`
	Season     string         `json:"season"`
	DatasetID  string         `json:"dataset_id"`
	StrategyID string         `json:"strategy_id"`
	Params     map[string]any `json:"params"`
	Config     Config         `json:"config"`
}

// WindowMetrics is one window's outcome.
type WindowMetrics struct {
	Window
	Score   float64 `json:"score"`
	Trades  int     `json:"trades"`
	Intents int     `json:"intents"`
}

// JobResult carries the per-window metrics and the scored candidate a job
// produced.
type JobResult struct {
	JobID     string          `json:"job_id"`
	Candidate *candidate.Candidate `json:"candidate"`
	Windows   []WindowMetrics `json:"windows"`
}

// Engine runs studies. It is pure in-memory: no clock, no filesystem.
type Engine struct {
	Registry *Registry
	Screen   *candidate.Screen
}

// RunJob checks the strategy's feature contract against the bundle, walks
// every window, and folds the out-of-sample metrics into one candidate.
func (e *Engine) RunJob(job Job, batchID string, bundle *features.Bundle) (*JobResult, error) {
	strat, err := e.Registry.Get(job.StrategyID)
	if err != nil {
		return nil, err
	}
	req := strat.FeatureRequirements()
	var missing []errs.FeatureRef
	for _, ref := range req.Required {
		if _, ok := bundle.Columns[ref]; !ok {
			missing = append(missing, ref)
		}
	}
	if len(missing) > 0 {
		return nil, &errs.MissingFeatures{Missing: missing}
	}

	timeline := studyTimeline(bundle, req.Required)
	windows, err := BuildWindows(len(timeline), job.Config.Splits)
	if err != nil {
		return nil, err
	}

	params := mergeParams(strat.ParamDefaults(), job.Params)
	metrics := make([]WindowMetrics, 0, len(windows))
	for _, w := range windows {
		res, err := strat.Run(Input{
			Season:    job.Season,
			DatasetID: job.DatasetID,
			Bundle:    bundle,
			Window:    w,
			Ts:        timeline[w.OOSStart:w.OOSEnd],
		}, params)
		if err != nil {
			return nil, fmt.Errorf("strategy %s window %d: %w", job.StrategyID, w.Index, err)
		}
		if math.IsNaN(res.Score) || math.IsInf(res.Score, 0) {
			return nil, &errs.ContractViolation{
				Field:  "score",
				Reason: fmt.Sprintf("strategy %s window %d returned a non-finite score", job.StrategyID, w.Index),
			}
		}
		metrics = append(metrics, WindowMetrics{
			Window: w, Score: res.Score, Trades: res.Trades, Intents: len(res.Intents),
		})
	}

	agg := aggregate(metrics)
	cand, err := candidate.New(e.Screen, job.StrategyID, job.DatasetID, batchID,
		canonical.Quantize(agg.meanScore), params, map[string]any{
			"strategy_version": strat.Version(),
			"windows":          len(metrics),
			"pass_rate":        canonical.Quantize(agg.passRate),
			"stability":        canonical.Quantize(agg.stability),
			"total_trades":     agg.trades,
		})
	if err != nil {
		return nil, err
	}

	logging.Get(logging.CategoryWFS).Info("job %s: strategy %s on %s, %d windows, score %.6f",
		job.JobID, job.StrategyID, job.DatasetID, len(metrics), cand.Score)
	return &JobResult{JobID: job.JobID, Candidate: cand, Windows: metrics}, nil
}

type aggregates struct {
	meanScore float64
	passRate  float64
	stability float64
	trades    int
}

// aggregate folds window metrics: mean out-of-sample score, fraction of
// positive windows, and a trade-weighted positive fraction so thin windows
// do not dominate.
func aggregate(metrics []WindowMetrics) aggregates {
	var a aggregates
	var positive int
	var weightedPositive, totalWeight float64
	for _, m := range metrics {
		a.meanScore += m.Score
		a.trades += m.Trades
		weight := math.Max(float64(m.Trades), 1)
		totalWeight += weight
		if m.Score > 0 {
			positive++
			weightedPositive += weight
		}
	}
	n := float64(len(metrics))
	a.meanScore /= n
	a.passRate = float64(positive) / n
	a.stability = weightedPositive / totalWeight
	return a
}

// studyTimeline picks the timeline every window indexes into: the finest
// required timeframe, name ascending on ties, so the choice never depends
// on map iteration order.
func studyTimeline(bundle *features.Bundle, required []errs.FeatureRef) []int64 {
	refs := append([]errs.FeatureRef(nil), required...)
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].TimeframeMin != refs[j].TimeframeMin {
			return refs[i].TimeframeMin < refs[j].TimeframeMin
		}
		return refs[i].Name < refs[j].Name
	})
	return bundle.Columns[refs[0]].Ts
}

func mergeParams(defaults, overrides map[string]any) map[string]any {
	merged := make(map[string]any, len(defaults)+len(overrides))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}

// Summary is a batch's scored outcome: the top-K candidates plus batch
// aggregates.
type Summary struct {
	SchemaVersion int                    `json:"schema_version"`
	BatchID       string                 `json:"batch_id"`
	TopK          []*candidate.Candidate `json:"top_k"`
	Aggregates    map[string]any         `json:"aggregates"`
}

// IndexEntry maps one job to the candidates it produced.
type IndexEntry struct {
	JobID        string   `json:"job_id"`
	CandidateIDs []string `json:"candidate_ids"`
}

// Index identifies which jobs produced which candidates.
type Index struct {
	SchemaVersion int          `json:"schema_version"`
	BatchID       string       `json:"batch_id"`
	Jobs          []IndexEntry `json:"jobs"`
}

// Summarize folds a batch's job results into its summary and index. The
// top-K uses the canonical candidate ordering; index entries are sorted by
// job id.
func Summarize(batchID string, results []*JobResult, topK int) (*Summary, *Index) {
	if topK <= 0 {
		topK = DefaultTopK
	}
	cands := make([]*candidate.Candidate, 0, len(results))
	entries := make([]IndexEntry, 0, len(results))
	best := math.Inf(-1)
	var sum float64
	for _, r := range results {
		cands = append(cands, r.Candidate)
		entries = append(entries, IndexEntry{
			JobID:        r.JobID,
			CandidateIDs: []string{r.Candidate.CandidateID},
		})
		if r.Candidate.Score > best {
			best = r.Candidate.Score
		}
		sum += r.Candidate.Score
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].JobID < entries[j].JobID })

	agg := map[string]any{
		"jobs":       len(results),
		"candidates": len(cands),
	}
	if len(cands) > 0 {
		agg["best_score"] = canonical.Quantize(best)
		agg["mean_score"] = canonical.Quantize(sum / float64(len(cands)))
	}
	return &Summary{
			SchemaVersion: 1,
			BatchID:       batchID,
			TopK:          candidate.TopK(cands, topK),
			Aggregates:    agg,
		}, &Index{
			SchemaVersion: 1,
			BatchID:       batchID,
			Jobs:          entries,
		}
}
