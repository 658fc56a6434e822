package candidate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/errs"
	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/layout"
)

// Replay serves read-only views over a season's export tree. Every method
// is a pure read: the tree is never created, touched or rewritten here.
type Replay struct {
	Root layout.Root
}

// replayIndex mirrors the on-disk replay_index.json shape.
type replayIndex struct {
	Season  string `json:"season"`
	Batches []struct {
		BatchID string `json:"batch_id"`
		Summary struct {
			TopK       []*Candidate   `json:"top_k"`
			Aggregates map[string]any `json:"aggregates"`
		} `json:"summary"`
		Index struct {
			Jobs []struct {
				JobID        string   `json:"job_id"`
				CandidateIDs []string `json:"candidate_ids"`
			} `json:"jobs"`
		} `json:"index"`
	} `json:"batches"`
}

// BatchCard is one batch's replay summary line.
type BatchCard struct {
	BatchID        string         `json:"batch_id"`
	CandidateCount int            `json:"candidate_count"`
	JobCount       int            `json:"job_count"`
	BestScore      float64        `json:"best_score"`
	Aggregates     map[string]any `json:"aggregates,omitempty"`
}

// LeaderboardRow is one group's aggregate across a season's candidates.
type LeaderboardRow struct {
	Group     string  `json:"group"`
	Count     int     `json:"count"`
	BestScore float64 `json:"best_score"`
	MeanScore float64 `json:"mean_score"`
}

func (r *Replay) load(season string) (*replayIndex, error) {
	path := filepath.Join(r.Root.ExportDir(season), layout.ReplayIndexFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &errs.NotFound{Path: path}
		}
		return nil, fmt.Errorf("reading replay index: %w", err)
	}
	var idx replayIndex
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &idx, nil
}

// TopK returns the season's best k candidates across all exported batches,
// under the canonical ordering.
func (r *Replay) TopK(season string, k int) ([]*Candidate, error) {
	idx, err := r.load(season)
	if err != nil {
		return nil, err
	}
	var all []*Candidate
	for _, b := range idx.Batches {
		all = append(all, b.Summary.TopK...)
	}
	return TopK(all, k), nil
}

// Batches returns per-batch cards ordered by batch_id ascending.
func (r *Replay) Batches(season string) ([]BatchCard, error) {
	idx, err := r.load(season)
	if err != nil {
		return nil, err
	}
	cards := make([]BatchCard, 0, len(idx.Batches))
	for _, b := range idx.Batches {
		card := BatchCard{
			BatchID:        b.BatchID,
			CandidateCount: len(b.Summary.TopK),
			JobCount:       len(b.Index.Jobs),
			Aggregates:     b.Summary.Aggregates,
		}
		for i, c := range b.Summary.TopK {
			if i == 0 || c.Score > card.BestScore {
				card.BestScore = c.Score
			}
		}
		cards = append(cards, card)
	}
	sort.Slice(cards, func(i, j int) bool { return cards[i].BatchID < cards[j].BatchID })
	return cards, nil
}

// Leaderboard groups the season's candidates by strategy_id or dataset_id
// and returns rows ordered by best score descending, group ascending on
// ties.
func (r *Replay) Leaderboard(season, groupBy string) ([]LeaderboardRow, error) {
	if groupBy != "strategy_id" && groupBy != "dataset_id" {
		return nil, &errs.ContractViolation{Field: "group_by", Reason: "must be strategy_id or dataset_id"}
	}
	idx, err := r.load(season)
	if err != nil {
		return nil, err
	}
	type acc struct {
		count int
		best  float64
		sum   float64
	}
	groups := map[string]*acc{}
	for _, b := range idx.Batches {
		for _, c := range b.Summary.TopK {
			key := c.StrategyID
			if groupBy == "dataset_id" {
				key = c.DatasetID
			}
			a, ok := groups[key]
			if !ok {
				a = &acc{best: c.Score}
				groups[key] = a
			}
			a.count++
			a.sum += c.Score
			if c.Score > a.best {
				a.best = c.Score
			}
		}
	}
	rows := make([]LeaderboardRow, 0, len(groups))
	for g, a := range groups {
		rows = append(rows, LeaderboardRow{
			Group: g, Count: a.count, BestScore: a.best,
			MeanScore: a.sum / float64(a.count),
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].BestScore != rows[j].BestScore {
			return rows[i].BestScore > rows[j].BestScore
		}
		return rows[i].Group < rows[j].Group
	})
	return rows, nil
}
