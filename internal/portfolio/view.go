package portfolio

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/canonical"
	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/fsio"
)

// View package files.
const (
	ViewFile          = "plan_view.json"
	ViewMarkdownFile  = "plan_view.md"
	ViewChecksumsFile = "plan_view_checksums.json"
	ViewManifestFile  = "plan_view_manifest.json"
)

// ViewManifestHashField is the view manifest's self-hash field.
const ViewManifestHashField = "manifest_sha256"

// View is the rendered form of a plan: a structured document plus its
// human-readable markdown.
type View struct {
	Doc      map[string]any
	Markdown string
}

// RenderPlanView renders a plan into its view forms. Pure read: nothing is
// written, and the output depends only on the plan package.
func (p *Planner) RenderPlanView(planID string) (*View, error) {
	plan, err := p.LoadPlan(planID)
	if err != nil {
		return nil, err
	}

	rows := make([]any, 0, len(plan.Weights))
	for _, w := range plan.Weights {
		rows = append(rows, map[string]any{
			"candidate_id": w.CandidateID,
			"strategy_id":  w.StrategyID,
			"dataset_id":   w.DatasetID,
			"bucket":       w.Bucket,
			"weight":       w.Weight,
		})
	}
	doc := map[string]any{
		"schema_version": 1,
		"plan_id":        plan.PlanID,
		"season":         plan.Season,
		"weighting":      plan.Config.Weighting,
		"candidates":     len(plan.Weights),
		"buckets":        countBuckets(plan.Weights),
		"clipped":        len(plan.Clipping.ClippedCandidates),
		"rows":           rows,
	}

	var md strings.Builder
	fmt.Fprintf(&md, "# Portfolio plan %s\n\n", plan.PlanID)
	fmt.Fprintf(&md, "Season: %s  \n", plan.Season)
	fmt.Fprintf(&md, "Weighting: %s over %s  \n", plan.Config.Weighting, strings.Join(plan.Config.BucketBy, ", "))
	fmt.Fprintf(&md, "Candidates: %d in %d buckets", len(plan.Weights), countBuckets(plan.Weights))
	if n := len(plan.Clipping.ClippedCandidates); n > 0 {
		fmt.Fprintf(&md, " (%d clipped)", n)
	}
	md.WriteString("\n\n")
	md.WriteString("| candidate | strategy | dataset | weight |\n")
	md.WriteString("|---|---|---|---|\n")
	for _, w := range plan.Weights {
		fmt.Fprintf(&md, "| %s | %s | %s | %.12f |\n", w.CandidateID, w.StrategyID, w.DatasetID, w.Weight)
	}

	return &View{Doc: doc, Markdown: md.String()}, nil
}

// WriteView renders the plan and persists the four view files inside the
// plan scope, leaving already-identical files untouched.
func (p *Planner) WriteView(planID string) (*View, error) {
	view, err := p.RenderPlanView(planID)
	if err != nil {
		return nil, err
	}
	viewBytes := canonical.MustEncode(view.Doc)
	mdBytes := []byte(view.Markdown)

	checksums := map[string]any{
		ViewFile:         canonical.HashBytes(viewBytes),
		ViewMarkdownFile: canonical.HashBytes(mdBytes),
	}
	checksumsBytes := canonical.MustEncode(checksums)
	files := map[string]any{
		ViewFile:          canonical.HashBytes(viewBytes),
		ViewMarkdownFile:  canonical.HashBytes(mdBytes),
		ViewChecksumsFile: canonical.HashBytes(checksumsBytes),
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
	}, ViewManifestHashField)
	if err != nil {
		return nil, err
	}
	manifestBytes := canonical.MustEncode(manifest)

	dir := p.Root.PlanDir(planID)
	out := []struct {
		name string
		data []byte
	}{
		{ViewFile, viewBytes},
		{ViewMarkdownFile, mdBytes},
		{ViewChecksumsFile, checksumsBytes},
		{ViewManifestFile, manifestBytes},
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
	return view, nil
}
