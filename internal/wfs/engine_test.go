package wfs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/errs"
	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/features"
)

// dummyStrategy scores each window by the mean of its required feature
// over the out-of-sample slice, scaled by a "gain" param.
type dummyStrategy struct {
	id       string
	required []errs.FeatureRef
	fail     error
}

func (d dummyStrategy) ID() string                 { return d.id }
func (d dummyStrategy) Version() string            { return "1.0.0" }
func (d dummyStrategy) ParamDefaults() map[string]any { return map[string]any{"gain": 1.0} }

func (d dummyStrategy) FeatureRequirements() features.Requirements {
	return features.Requirements{Required: d.required}
}

func (d dummyStrategy) Run(in Input, params map[string]any) (*RunResult, error) {
	if d.fail != nil {
		return nil, d.fail
	}
	gain, _ := params["gain"].(float64)
	col := in.Bundle.Columns[d.required[0]]
	var sum float64
	var intents []Intent
	for i := in.Window.OOSStart; i < in.Window.OOSEnd; i++ {
		sum += col.Values[i]
		if col.Values[i] > 0 {
			intents = append(intents, Intent{Ts: col.Ts[i], Action: "enter_long", Strength: col.Values[i]})
		}
	}
	n := float64(in.Window.OOSEnd - in.Window.OOSStart)
	return &RunResult{Intents: intents, Score: gain * sum / n, Trades: len(intents)}, nil
}

func testRef() errs.FeatureRef { return errs.FeatureRef{Name: "momentum_10", TimeframeMin: 15} }

// testBundle carries one feature alternating +1.0 and -0.5, so every
// out-of-sample slice of even length has mean 0.25 and five positive bars.
func testBundle(n int) *features.Bundle {
	ts := make([]int64, n)
	vals := make([]float64, n)
	for i := range ts {
		ts[i] = 1_680_000_000 + int64(i)*900
		if i%2 == 0 {
			vals[i] = 1.0
		} else {
			vals[i] = -0.5
		}
	}
	return &features.Bundle{
		Columns: map[errs.FeatureRef]features.Column{
			testRef(): {Ts: ts, Values: vals},
		},
		TsDtype:      "datetime64[s]",
		BreaksPolicy: "drop",
	}
}

func testEngine(strategies ...Strategy) *Engine {
	reg := NewRegistry()
	_ = reg.Bootstrap(strategies...)
	return &Engine{Registry: reg}
}

func testJob(strategyID string) Job {
	return Job{
		JobID: "job-1", Season: "2026Q1", DatasetID: "ds1", StrategyID: strategyID,
		Config: Config{Splits: SplitConfig{ISBars: 20, OOSBars: 10}},
	}
}

func TestRegistryLifecycle(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Get("anything")
	assert.ErrorIs(t, err, errs.ErrNotPrimed)
	_, err = reg.List()
	assert.ErrorIs(t, err, errs.ErrNotPrimed)

	require.NoError(t, reg.Bootstrap(dummyStrategy{id: "b"}, dummyStrategy{id: "a"}))
	require.NoError(t, reg.Bootstrap(dummyStrategy{id: "a"}), "re-bootstrap is idempotent")

	ids, err := reg.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)

	_, err = reg.Get("ghost")
	var nf *errs.NotFound
	assert.True(t, errors.As(err, &nf))
}

func TestBuildWindowsTiling(t *testing.T) {
	windows, err := BuildWindows(100, SplitConfig{ISBars: 20, OOSBars: 10})
	require.NoError(t, err)
	require.Len(t, windows, 8)
	for i, w := range windows {
		assert.Equal(t, i, w.Index)
		assert.Equal(t, w.ISEnd, w.OOSStart)
		assert.Equal(t, 20, w.ISEnd-w.ISStart)
		assert.Equal(t, 10, w.OOSEnd-w.OOSStart)
		if i > 0 {
			assert.Equal(t, windows[i-1].OOSEnd, w.OOSEnd-10, "out-of-sample slices tile")
		}
	}
	assert.LessOrEqual(t, windows[len(windows)-1].OOSEnd, 100)
}

func TestBuildWindowsTooShort(t *testing.T) {
	_, err := BuildWindows(25, SplitConfig{ISBars: 20, OOSBars: 10})
	var cv *errs.ContractViolation
	assert.True(t, errors.As(err, &cv))
}

func TestRunJobProducesCandidate(t *testing.T) {
	e := testEngine(dummyStrategy{id: "dummy", required: []errs.FeatureRef{testRef()}})
	res, err := e.RunJob(testJob("dummy"), "b1", testBundle(60))
	require.NoError(t, err)

	require.Len(t, res.Windows, 4)
	for _, w := range res.Windows {
		assert.InDelta(t, 0.25, w.Score, 1e-12)
		assert.Equal(t, 5, w.Trades)
	}
	require.NotNil(t, res.Candidate)
	assert.Equal(t, "dummy", res.Candidate.StrategyID)
	assert.Equal(t, "ds1", res.Candidate.DatasetID)
	assert.Equal(t, "b1", res.Candidate.SourceBatch)
	assert.InDelta(t, 0.25, res.Candidate.Score, 1e-12)
	assert.Equal(t, 4, res.Candidate.Metadata["windows"])
	assert.InDelta(t, 1.0, res.Candidate.Metadata["pass_rate"].(float64), 1e-12)
	assert.Equal(t, 1.0, res.Candidate.Params["gain"], "defaults merged in")
}

func TestRunJobIsDeterministic(t *testing.T) {
	e := testEngine(dummyStrategy{id: "dummy", required: []errs.FeatureRef{testRef()}})
	a, err := e.RunJob(testJob("dummy"), "b1", testBundle(60))
	require.NoError(t, err)
	b, err := e.RunJob(testJob("dummy"), "b1", testBundle(60))
	require.NoError(t, err)
	assert.Equal(t, a.Candidate.CandidateID, b.Candidate.CandidateID)
	assert.Equal(t, a.Candidate.Score, b.Candidate.Score)
	assert.Equal(t, a.Windows, b.Windows)
}

func TestRunJobParamsOverrideDefaults(t *testing.T) {
	e := testEngine(dummyStrategy{id: "dummy", required: []errs.FeatureRef{testRef()}})
	job := testJob("dummy")
	job.Params = map[string]any{"gain": 2.0}
	res, err := e.RunJob(job, "b1", testBundle(60))
	require.NoError(t, err)
	assert.InDelta(t, 0.5, res.Candidate.Score, 1e-12)
}

func TestRunJobMissingFeatureFailsContract(t *testing.T) {
	absent := errs.FeatureRef{Name: "atr_14", TimeframeMin: 30}
	e := testEngine(dummyStrategy{id: "dummy", required: []errs.FeatureRef{testRef(), absent}})
	_, err := e.RunJob(testJob("dummy"), "b1", testBundle(60))
	var mf *errs.MissingFeatures
	require.True(t, errors.As(err, &mf))
	assert.Equal(t, []errs.FeatureRef{absent}, mf.Missing)
}

func TestRunJobPropagatesStrategyFailure(t *testing.T) {
	boom := fmt.Errorf("bad params")
	e := testEngine(dummyStrategy{id: "dummy", required: []errs.FeatureRef{testRef()}, fail: boom})
	_, err := e.RunJob(testJob("dummy"), "b1", testBundle(60))
	require.ErrorIs(t, err, boom)
}

func TestSummarizeOrdersAndIndexes(t *testing.T) {
	e := testEngine(
		dummyStrategy{id: "alpha", required: []errs.FeatureRef{testRef()}},
		dummyStrategy{id: "beta", required: []errs.FeatureRef{testRef()}},
	)
	jobA := testJob("alpha")
	jobA.JobID = "job-b"
	jobB := testJob("beta")
	jobB.JobID = "job-a"
	jobB.Params = map[string]any{"gain": 2.0}

	resA, err := e.RunJob(jobA, "b1", testBundle(60))
	require.NoError(t, err)
	resB, err := e.RunJob(jobB, "b1", testBundle(60))
	require.NoError(t, err)

	summary, index := Summarize("b1", []*JobResult{resA, resB}, 0)
	require.Len(t, summary.TopK, 2)
	assert.Equal(t, "beta", summary.TopK[0].StrategyID, "higher score first")
	assert.Equal(t, "alpha", summary.TopK[1].StrategyID)
	assert.Equal(t, 2, summary.Aggregates["jobs"])
	assert.InDelta(t, 0.5, summary.Aggregates["best_score"].(float64), 1e-12)

	require.Len(t, index.Jobs, 2)
	assert.Equal(t, "job-a", index.Jobs[0].JobID, "index sorted by job id")
	assert.Equal(t, []string{resB.Candidate.CandidateID}, index.Jobs[0].CandidateIDs)
}

func TestSummarizeTiesUseCanonicalOrder(t *testing.T) {
	e := testEngine(
		dummyStrategy{id: "zeta", required: []errs.FeatureRef{testRef()}},
		dummyStrategy{id: "alpha", required: []errs.FeatureRef{testRef()}},
	)
	resZ, err := e.RunJob(testJob("zeta"), "b1", testBundle(60))
	require.NoError(t, err)
	resA, err := e.RunJob(testJob("alpha"), "b1", testBundle(60))
	require.NoError(t, err)

	summary, _ := Summarize("b1", []*JobResult{resZ, resA}, 5)
	require.Len(t, summary.TopK, 2)
	assert.Equal(t, resZ.Candidate.Score, resA.Candidate.Score, "scores tie")
	assert.Equal(t, "alpha", summary.TopK[0].StrategyID, "tie broken by strategy id")
}
