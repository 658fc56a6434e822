// Package portfolio turns a frozen season's export into a weighted plan
// package, grades plan quality, and renders plan views. Plans are
// content-addressed and never rewritten; every write stays inside the plan
// directory scope.
package portfolio

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/candidate"
	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/canonical"
	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/errs"
	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/fsio"
	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/layout"
	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/logging"
)

// Plan package files.
const (
	PlanFile          = "portfolio_plan.json"
	PlanMetadataFile  = "plan_metadata.json"
	PlanChecksumsFile = "plan_checksums.json"
	PlanManifestFile  = "plan_manifest.json"
)

// PlanManifestHashField is the plan manifest's self-hash field.
const PlanManifestHashField = "manifest_sha256"

// WeightingBucketEqual is the only supported weighting scheme.
const WeightingBucketEqual = "bucket_equal"

// ClipIterationCap bounds the clip/renormalize loop.
const ClipIterationCap = 100

// Config parameterizes plan selection and weighting.
type Config struct {
	TopN           int      `json:"top_n"`
	MaxPerStrategy int      `json:"max_per_strategy"`
	MaxPerDataset  int      `json:"max_per_dataset"`
	Weighting      string   `json:"weighting"`
	BucketBy       []string `json:"bucket_by"`
	MaxWeight      float64  `json:"max_weight"`
	MinWeight      float64  `json:"min_weight"`
}

func (c Config) withDefaults() Config {
	if c.Weighting == "" {
		c.Weighting = WeightingBucketEqual
	}
	if len(c.BucketBy) == 0 {
		c.BucketBy = []string{"dataset_id"}
	}
	if c.MaxWeight <= 0 {
		c.MaxWeight = 1.0
	}
	return c
}

// Weight is one candidate's plan allocation.
type Weight struct {
	CandidateID string  `json:"candidate_id"`
	StrategyID  string  `json:"strategy_id"`
	DatasetID   string  `json:"dataset_id"`
	Bucket      string  `json:"bucket"`
	Weight      float64 `json:"weight"`
}

// Clipping records what the clip/renormalize loop did.
type Clipping struct {
	ClippedCandidates []string  `json:"clipped_candidates,omitempty"`
	Renormalizations  []float64 `json:"renormalizations,omitempty"`
	Iterations        int       `json:"iterations"`
}

// Plan is the in-memory form of portfolio_plan.json.
type Plan struct {
	PlanID   string         `json:"plan_id"`
	Season   string         `json:"season"`
	Source   map[string]any `json:"source"`
	Config   Config         `json:"config"`
	Universe []string       `json:"universe"`
	Weights  []Weight       `json:"weights"`
	Clipping Clipping       `json:"clipping"`
}

// BuildResult reports a plan build.
type BuildResult struct {
	Plan    *Plan
	PlanDir string

	// Written is false when an identical plan already existed.
	Written bool
}

// Planner builds plan packages from season exports.
type Planner struct {
	Root layout.Root
}

// Build reads the export's manifest and candidates file, selects and
// weights the universe, and writes the four-file plan package. Rebuilding
// with identical inputs returns the existing plan untouched; a plan id
// collision with different content is a Duplicate.
func (p *Planner) Build(season string, cfg Config) (*BuildResult, error) {
	cfg = cfg.withDefaults()
	if cfg.Weighting != WeightingBucketEqual {
		return nil, &errs.ContractViolation{Field: "weighting", Reason: "unsupported scheme " + cfg.Weighting}
	}
	for _, b := range cfg.BucketBy {
		switch b {
		case "dataset_id", "strategy_id", "source_batch":
		default:
			return nil, &errs.ContractViolation{Field: "bucket_by", Reason: "unknown bucket field " + b}
		}
	}

	exportDir := p.Root.ExportDir(season)
	manifestBytes, err := readExportFile(filepath.Join(exportDir, layout.ExportManifestFile))
	if err != nil {
		return nil, err
	}
	candBytes, err := readExportFile(filepath.Join(exportDir, layout.ExportCandidatesFile))
	if err != nil {
		return nil, err
	}
	manifestSHA := canonical.HashBytes(manifestBytes)
	candidatesSHA := canonical.HashBytes(candBytes)

	cands, err := decodeCandidates(candBytes)
	if err != nil {
		return nil, err
	}
	universe := selectUniverse(cands, cfg)
	if len(universe) == 0 {
		return nil, &errs.ContractViolation{Field: "candidates", Reason: "selection produced an empty universe"}
	}
	weights, clipping := weigh(universe, cfg)

	planID, err := derivePlanID(manifestSHA, candidatesSHA, cfg)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(universe))
	for i, c := range universe {
		ids[i] = c.CandidateID
	}
	plan := &Plan{
		PlanID: planID,
		Season: season,
		Source: map[string]any{
			"export_manifest_sha256": manifestSHA,
			"candidates_sha256":      candidatesSHA,
		},
		Config:   cfg,
		Universe: ids,
		Weights:  weights,
		Clipping: clipping,
	}
	return p.write(plan)
}

func readExportFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &errs.NotFound{Path: path}
		}
		return nil, fmt.Errorf("reading export input: %w", err)
	}
	return data, nil
}

func decodeCandidates(data []byte) ([]*candidate.Candidate, error) {
	var doc struct {
		Candidates []*candidate.Candidate `json:"candidates"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing candidates file: %w", err)
	}
	return doc.Candidates, nil
}

// selectUniverse walks candidates in canonical order and admits while the
// global and per-group caps hold.
func selectUniverse(cands []*candidate.Candidate, cfg Config) []*candidate.Candidate {
	sorted := append([]*candidate.Candidate(nil), cands...)
	candidate.Sort(sorted)

	perStrategy := map[string]int{}
	perDataset := map[string]int{}
	var universe []*candidate.Candidate
	for _, c := range sorted {
		if cfg.TopN > 0 && len(universe) >= cfg.TopN {
			break
		}
		if cfg.MaxPerStrategy > 0 && perStrategy[c.StrategyID] >= cfg.MaxPerStrategy {
			continue
		}
		if cfg.MaxPerDataset > 0 && perDataset[c.DatasetID] >= cfg.MaxPerDataset {
			continue
		}
		universe = append(universe, c)
		perStrategy[c.StrategyID]++
		perDataset[c.DatasetID]++
	}
	return universe
}

func bucketKey(c *candidate.Candidate, by []string) string {
	parts := make([]string, len(by))
	for i, f := range by {
		switch f {
		case "dataset_id":
			parts[i] = c.DatasetID
		case "strategy_id":
			parts[i] = c.StrategyID
		case "source_batch":
			parts[i] = c.SourceBatch
		}
	}
	return strings.Join(parts, "|")
}

// weigh assigns bucket-equal weights in universe order, then runs the
// clip/renormalize loop until stable or the iteration cap.
func weigh(universe []*candidate.Candidate, cfg Config) ([]Weight, Clipping) {
	bucketSize := map[string]int{}
	for _, c := range universe {
		bucketSize[bucketKey(c, cfg.BucketBy)]++
	}
	bucketWeight := 1.0 / float64(len(bucketSize))

	weights := make([]Weight, 0, len(universe))
	for _, c := range universe {
		key := bucketKey(c, cfg.BucketBy)
		weights = append(weights, Weight{
			CandidateID: c.CandidateID,
			StrategyID:  c.StrategyID,
			DatasetID:   c.DatasetID,
			Bucket:      key,
			Weight:      bucketWeight / float64(bucketSize[key]),
		})
	}

	var clip Clipping
	clippedSet := map[string]bool{}
	for iter := 0; iter < ClipIterationCap; iter++ {
		clip.Iterations = iter + 1
		clipped := false
		for i := range weights {
			w := weights[i].Weight
			if w > cfg.MaxWeight {
				weights[i].Weight = cfg.MaxWeight
				clippedSet[weights[i].CandidateID] = true
				clipped = true
			} else if cfg.MinWeight > 0 && w < cfg.MinWeight {
				weights[i].Weight = cfg.MinWeight
				clippedSet[weights[i].CandidateID] = true
				clipped = true
			}
		}
		if !clipped {
			break
		}
		var sum float64
		for i := range weights {
			sum += weights[i].Weight
		}
		if math.Abs(sum-1.0) > 1e-12 {
			factor := 1.0 / sum
			for i := range weights {
				weights[i].Weight *= factor
			}
			clip.Renormalizations = append(clip.Renormalizations, canonical.Quantize(factor))
		} else {
			break
		}
	}
	for i := range weights {
		weights[i].Weight = canonical.Quantize(weights[i].Weight)
	}
	for id := range clippedSet {
		clip.ClippedCandidates = append(clip.ClippedCandidates, id)
	}
	sort.Strings(clip.ClippedCandidates)
	return weights, clip
}

func derivePlanID(manifestSHA, candidatesSHA string, cfg Config) (string, error) {
	sha, err := canonical.SHA256Hex(map[string]any{
		"export_manifest_sha256": manifestSHA,
		"candidates_sha256":      candidatesSHA,
		"config":                 cfg,
	})
	if err != nil {
		return "", err
	}
	return "plan_" + sha[:16], nil
}

// write renders the four package files and finalizes with the manifest. An
// existing identical package is left untouched.
func (p *Planner) write(plan *Plan) (*BuildResult, error) {
	planBytes := canonical.MustEncode(plan)
	metadata := map[string]any{
		"schema_version": 1,
		"plan_id":        plan.PlanID,
		"season":         plan.Season,
		"candidates":     len(plan.Universe),
		"buckets":        countBuckets(plan.Weights),
		"weighting":      plan.Config.Weighting,
	}
	metadataBytes := canonical.MustEncode(metadata)

	checksums := map[string]any{
		PlanFile:         canonical.HashBytes(planBytes),
		PlanMetadataFile: canonical.HashBytes(metadataBytes),
	}
	checksumsBytes := canonical.MustEncode(checksums)

	files := map[string]any{
		PlanFile:          canonical.HashBytes(planBytes),
		PlanMetadataFile:  canonical.HashBytes(metadataBytes),
		PlanChecksumsFile: canonical.HashBytes(checksumsBytes),
	}
	filesSHA, err := canonical.SHA256Hex(files)
	if err != nil {
		return nil, err
	}
	manifest, err := canonical.StampSelfHash(map[string]any{
		"schema_version": 1,
		"plan_id":        plan.PlanID,
		"season":         plan.Season,
		"files":          files,
		"files_sha256":   filesSHA,
	}, PlanManifestHashField)
	if err != nil {
		return nil, err
	}

	dir := p.Root.PlanDir(plan.PlanID)
	existingPath := filepath.Join(dir, PlanManifestFile)
	if existing, err := os.ReadFile(existingPath); err == nil {
		doc, err := canonical.DecodeJSONObject(existing)
		if err != nil {
			return nil, fmt.Errorf("existing plan manifest: %w", err)
		}
		if got, _ := doc[PlanManifestHashField].(string); got == manifest[PlanManifestHashField].(string) {
			return &BuildResult{Plan: plan, PlanDir: dir, Written: false}, nil
		}
		return nil, &errs.Duplicate{ID: "plans/" + plan.PlanID}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("checking existing plan: %w", err)
	}

	scope, err := fsio.PlanScope(dir)
	if err != nil {
		return nil, err
	}
	if err := scope.WriteBytes(PlanFile, planBytes); err != nil {
		return nil, err
	}
	if err := scope.WriteBytes(PlanMetadataFile, metadataBytes); err != nil {
		return nil, err
	}
	if err := scope.WriteBytes(PlanChecksumsFile, checksumsBytes); err != nil {
		return nil, err
	}
	if _, err := scope.WriteCanonicalJSON(PlanManifestFile, manifest); err != nil {
		return nil, err
	}

	logging.Get(logging.CategoryPortfolio).Info("plan %s: %d candidates over %d buckets",
		plan.PlanID, len(plan.Universe), countBuckets(plan.Weights))
	return &BuildResult{Plan: plan, PlanDir: dir, Written: true}, nil
}

func countBuckets(weights []Weight) int {
	seen := map[string]bool{}
	for _, w := range weights {
		seen[w.Bucket] = true
	}
	return len(seen)
}

// LoadPlan reads a plan package's main file.
func (p *Planner) LoadPlan(planID string) (*Plan, error) {
	path := filepath.Join(p.Root.PlanDir(planID), PlanFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &errs.NotFound{Path: path}
		}
		return nil, fmt.Errorf("reading plan: %w", err)
	}
	var plan Plan
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("plan %s: %w", planID, err)
	}
	return &plan, nil
}

// ListPlans returns plan ids that carry a manifest, sorted ascending. Pure
// read.
func (p *Planner) ListPlans() ([]string, error) {
	entries, err := os.ReadDir(p.Root.PlansDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing plans: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(p.Root.PlansDir(), e.Name(), PlanManifestFile)); err == nil {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}
