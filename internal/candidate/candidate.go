// Package candidate holds the research-output unit of the pipeline: scored
// strategy/dataset pairs, the research/execution metadata boundary, the
// canonical ordering every surface shares, and the frozen-season export
// tree with its replay reads.
package candidate

import (
	"fmt"
	"sort"
	"strings"

	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/canonical"
	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/errs"
)

// DefaultForbiddenKeys are metadata keys that leak execution concerns into
// research artifacts. Matching is case-insensitive.
var DefaultForbiddenKeys = []string{
	"symbol", "timeframe", "session_profile", "market", "exchange", "trading",
}

// Candidate is one scored research result.
type Candidate struct {
	CandidateID string         `json:"candidate_id"`
	StrategyID  string         `json:"strategy_id"`
	DatasetID   string         `json:"dataset_id"`
	SourceBatch string         `json:"source_batch"`
	Score       float64        `json:"score"`
	Params      map[string]any `json:"params"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Screen rejects metadata whose keys match the forbidden set, case
// insensitively. A nil forbidden list means DefaultForbiddenKeys.
type Screen struct {
	forbidden map[string]bool
}

// NewScreen builds a screen over the given keys (defaults when empty).
func NewScreen(keys []string) *Screen {
	if len(keys) == 0 {
		keys = DefaultForbiddenKeys
	}
	s := &Screen{forbidden: make(map[string]bool, len(keys))}
	for _, k := range keys {
		s.forbidden[strings.ToLower(k)] = true
	}
	return s
}

// Check returns a ContractViolation naming the first forbidden key found,
// in sorted key order so the failure is deterministic.
func (s *Screen) Check(metadata map[string]any) error {
	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if s.forbidden[strings.ToLower(k)] {
			return &errs.ContractViolation{
				Field:  k,
				Reason: "metadata key crosses the research/execution boundary",
			}
		}
	}
	return nil
}

// New screens the metadata and derives the deterministic candidate id from
// the identity fields and canonical params.
func New(screen *Screen, strategyID, datasetID, sourceBatch string, score float64, params, metadata map[string]any) (*Candidate, error) {
	if screen == nil {
		screen = NewScreen(nil)
	}
	if err := screen.Check(metadata); err != nil {
		return nil, err
	}
	if strategyID == "" || datasetID == "" {
		return nil, &errs.ContractViolation{Field: "strategy_id/dataset_id", Reason: "must be non-empty"}
	}
	id, err := deriveID(strategyID, datasetID, sourceBatch, params)
	if err != nil {
		return nil, err
	}
	return &Candidate{
		CandidateID: id,
		StrategyID:  strategyID,
		DatasetID:   datasetID,
		SourceBatch: sourceBatch,
		Score:       score,
		Params:      params,
		Metadata:    metadata,
	}, nil
}

func deriveID(strategyID, datasetID, sourceBatch string, params map[string]any) (string, error) {
	sha, err := canonical.SHA256Hex(map[string]any{
		"strategy_id":  strategyID,
		"dataset_id":   datasetID,
		"source_batch": sourceBatch,
		"params":       params,
	})
	if err != nil {
		return "", fmt.Errorf("deriving candidate id: %w", err)
	}
	return "cand_" + sha[:16], nil
}

// paramsKey is the canonical byte rendering of params, used only as a sort
// component.
func paramsKey(c *Candidate) string {
	b, err := canonical.Encode(c.Params)
	if err != nil {
		// params that survived candidate construction always encode
		return ""
	}
	return string(b)
}

// Less is the one ordering every output surface uses: score descending,
// then strategy_id, dataset_id, source_batch, canonical params and
// candidate_id all ascending.
func Less(a, b *Candidate) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.StrategyID != b.StrategyID {
		return a.StrategyID < b.StrategyID
	}
	if a.DatasetID != b.DatasetID {
		return a.DatasetID < b.DatasetID
	}
	if a.SourceBatch != b.SourceBatch {
		return a.SourceBatch < b.SourceBatch
	}
	if pa, pb := paramsKey(a), paramsKey(b); pa != pb {
		return pa < pb
	}
	return a.CandidateID < b.CandidateID
}

// Sort orders candidates in place by the canonical key.
func Sort(cands []*Candidate) {
	sort.SliceStable(cands, func(i, j int) bool { return Less(cands[i], cands[j]) })
}

// TopK returns the best k candidates under the canonical ordering without
// mutating the input.
func TopK(cands []*Candidate, k int) []*Candidate {
	out := append([]*Candidate(nil), cands...)
	Sort(out)
	if k >= 0 && k < len(out) {
		out = out[:k]
	}
	return out
}
