package candidate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/canonical"
	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/errs"
	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/layout"
)

// Delta is one (strategy, dataset) pair present in both compared seasons.
type Delta struct {
	Key    string  `json:"key"`
	ScoreA float64 `json:"score_a"`
	ScoreB float64 `json:"score_b"`
	Change float64 `json:"change"`
}

// SeasonDiff compares two seasons' exported candidate sets keyed by
// (strategy_id, dataset_id). Scores are each key's best in its season.
type SeasonDiff struct {
	SeasonA string   `json:"season_a"`
	SeasonB string   `json:"season_b"`
	OnlyA   []string `json:"only_a"`
	OnlyB   []string `json:"only_b"`
	Common  []Delta  `json:"common"`
}

// CompareSeasons is a pure read over both export trees.
func (r *Replay) CompareSeasons(seasonA, seasonB string) (*SeasonDiff, error) {
	bestA, err := r.bestByKey(seasonA)
	if err != nil {
		return nil, err
	}
	bestB, err := r.bestByKey(seasonB)
	if err != nil {
		return nil, err
	}

	diff := &SeasonDiff{SeasonA: seasonA, SeasonB: seasonB}
	for key, a := range bestA {
		b, ok := bestB[key]
		if !ok {
			diff.OnlyA = append(diff.OnlyA, key)
			continue
		}
		diff.Common = append(diff.Common, Delta{
			Key: key, ScoreA: a, ScoreB: b,
			Change: canonical.Quantize(b - a),
		})
	}
	for key := range bestB {
		if _, ok := bestA[key]; !ok {
			diff.OnlyB = append(diff.OnlyB, key)
		}
	}
	sort.Strings(diff.OnlyA)
	sort.Strings(diff.OnlyB)
	sort.Slice(diff.Common, func(i, j int) bool { return diff.Common[i].Key < diff.Common[j].Key })
	return diff, nil
}

// bestByKey folds a season's exported candidates into best score per
// (strategy_id, dataset_id).
func (r *Replay) bestByKey(season string) (map[string]float64, error) {
	path := filepath.Join(r.Root.ExportDir(season), layout.ExportCandidatesFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &errs.NotFound{Path: path}
		}
		return nil, fmt.Errorf("reading season candidates: %w", err)
	}
	var doc struct {
		Candidates []*Candidate `json:"candidates"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing season candidates: %w", err)
	}
	best := map[string]float64{}
	for _, c := range doc.Candidates {
		key := c.StrategyID + "|" + c.DatasetID
		if cur, ok := best[key]; !ok || c.Score > cur {
			best[key] = c.Score
		}
	}
	return best, nil
}
