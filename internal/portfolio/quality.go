package portfolio

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/candidate"
	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/canonical"
	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/errs"
	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/fsio"
	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/layout"
)

// Quality package files.
const (
	QualityFile          = "plan_quality.json"
	QualityChecksumsFile = "plan_quality_checksums.json"
	QualityManifestFile  = "plan_quality_manifest.json"
)

// QualityManifestHashField is the quality manifest's self-hash field.
const QualityManifestHashField = "manifest_sha256"

// Grade levels.
const (
	GradeGreen  = "GREEN"
	GradeYellow = "YELLOW"
	GradeRed    = "RED"
)

// Grading thresholds.
const (
	greenEffectiveN  = 3.0
	greenCoverage    = 0.5
	greenPressureMax = 0.5
	redEffectiveN    = 1.5
	redCoverage      = 0.25
)

// Quality is the computed plan-quality record.
type Quality struct {
	PlanID              string  `json:"plan_id"`
	Top1Score           float64 `json:"top1_score"`
	EffectiveN          float64 `json:"effective_n"`
	BucketCoverage      float64 `json:"bucket_coverage"`
	ConstraintsPressure float64 `json:"constraints_pressure"`
	Grade               string  `json:"grade"`
}

// ComputeQuality grades a plan from its package and the export it was
// built from. Pure read: nothing is written here.
func (p *Planner) ComputeQuality(planID string) (*Quality, error) {
	plan, err := p.LoadPlan(planID)
	if err != nil {
		return nil, err
	}

	var sumSq float64
	for _, w := range plan.Weights {
		sumSq += w.Weight * w.Weight
	}
	effectiveN := 0.0
	if sumSq > 0 {
		effectiveN = 1.0 / sumSq
	}

	coverage, top1, err := p.exportCoverage(plan)
	if err != nil {
		return nil, err
	}

	pressure := 0.0
	if len(plan.Universe) > 0 {
		pressure = float64(len(plan.Clipping.ClippedCandidates)) / float64(len(plan.Universe))
	}

	q := &Quality{
		PlanID:              plan.PlanID,
		Top1Score:           canonical.Quantize(top1),
		EffectiveN:          canonical.Quantize(effectiveN),
		BucketCoverage:      canonical.Quantize(coverage),
		ConstraintsPressure: canonical.Quantize(pressure),
	}
	q.Grade = grade(q)
	return q, nil
}

// exportCoverage reads the plan's source candidates file and computes the
// fraction of available buckets the plan occupies, plus the best admitted
// score.
func (p *Planner) exportCoverage(plan *Plan) (coverage, top1 float64, err error) {
	candBytes, err := readExportFile(filepath.Join(p.Root.ExportDir(plan.Season), layout.ExportCandidatesFile))
	if err != nil {
		return 0, 0, err
	}
	if sha := canonical.HashBytes(candBytes); sha != plan.Source["candidates_sha256"] {
		return 0, 0, &errs.TamperDetected{Reason: "candidates file changed since the plan was built"}
	}
	all, err := decodeCandidates(candBytes)
	if err != nil {
		return 0, 0, err
	}

	available := map[string]bool{}
	byID := map[string]*candidate.Candidate{}
	for _, c := range all {
		available[bucketKey(c, plan.Config.BucketBy)] = true
		byID[c.CandidateID] = c
	}
	used := map[string]bool{}
	for _, w := range plan.Weights {
		used[w.Bucket] = true
	}
	if len(available) > 0 {
		coverage = float64(len(used)) / float64(len(available))
	}
	for i, id := range plan.Universe {
		c, ok := byID[id]
		if !ok {
			return 0, 0, &errs.TamperDetected{Reason: "plan universe references unknown candidate " + id}
		}
		if i == 0 || c.Score > top1 {
			top1 = c.Score
		}
	}
	return coverage, top1, nil
}

func grade(q *Quality) string {
	if q.EffectiveN >= greenEffectiveN && q.BucketCoverage >= greenCoverage && q.ConstraintsPressure <= greenPressureMax {
		return GradeGreen
	}
	if q.EffectiveN < redEffectiveN || q.BucketCoverage < redCoverage {
		return GradeRed
	}
	return GradeYellow
}

// WriteQuality computes the grade and persists the three-file quality
// package inside the plan scope. Re-running with unchanged inputs leaves
// every byte and mtime as it was.
func (p *Planner) WriteQuality(planID string) (*Quality, error) {
	q, err := p.ComputeQuality(planID)
	if err != nil {
		return nil, err
	}
	qualityBytes := canonical.MustEncode(map[string]any{
		"schema_version": 1,
		"quality":        q,
	})
	checksums := map[string]any{
		QualityFile: canonical.HashBytes(qualityBytes),
	}
	checksumsBytes := canonical.MustEncode(checksums)
	files := map[string]any{
		QualityFile:          canonical.HashBytes(qualityBytes),
		QualityChecksumsFile: canonical.HashBytes(checksumsBytes),
	}
	filesSHA, err := canonical.SHA256Hex(files)
	if err != nil {
		return nil, err
	}
	manifest, err := canonical.StampSelfHash(map[string]any{
		"schema_version": 1,
		"plan_id":        planID,
		"files":          files,
		"files_sha256":   filesSHA,
	}, QualityManifestHashField)
	if err != nil {
		return nil, err
	}
	manifestBytes := canonical.MustEncode(manifest)

	dir := p.Root.PlanDir(planID)
	out := []struct {
		name string
		data []byte
	}{
		{QualityFile, qualityBytes},
		{QualityChecksumsFile, checksumsBytes},
		{QualityManifestFile, manifestBytes},
	}
	var scope *fsio.Scope
	for _, f := range out {
		existing, err := os.ReadFile(filepath.Join(dir, f.name))
		if err == nil && bytes.Equal(existing, f.data) {
			continue
		}
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("checking %s: %w", f.name, err)
		}
		if scope == nil {
			if scope, err = fsio.PlanScope(dir); err != nil {
				return nil, err
			}
		}
		if err := scope.WriteBytes(f.name, f.data); err != nil {
			return nil, err
		}
	}
	return q, nil
}
