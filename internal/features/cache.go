package features

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/bars"
	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/canonical"
	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/errs"
	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/fsio"
	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/layout"
	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/logging"
)

// FeaturesManifestHashField is the self-hash field of the features manifest.
const FeaturesManifestHashField = "features_manifest_sha256"

// TimeframeFile names the per-timeframe feature array file.
func TimeframeFile(tfMin int) string {
	return fmt.Sprintf("features_%dm.json", tfMin)
}

// Column is one computed feature: timestamps of its timeframe plus float64
// values, with NaN marking the warm-up prefix and DIV0 results.
type Column struct {
	Ts     []int64
	Values []float64
}

// Bundle is the resolved mapping from feature reference to column, plus the
// session policy metadata the manifest fixed.
type Bundle struct {
	Columns      map[errs.FeatureRef]Column
	TsDtype      string
	BreaksPolicy string
}

// Refs lists the bundle's feature references in deterministic order.
func (b *Bundle) Refs() []errs.FeatureRef {
	refs := make([]errs.FeatureRef, 0, len(b.Columns))
	for r := range b.Columns {
		refs = append(refs, r)
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Name != refs[j].Name {
			return refs[i].Name < refs[j].Name
		}
		return refs[i].TimeframeMin < refs[j].TimeframeMin
	})
	return refs
}

// Builder computes and persists the feature cache. It consumes only the
// bars cache; there is deliberately no way to hand it a raw-input reader.
type Builder struct {
	Root    layout.Root
	Bank    *Bank
	Session bars.SessionSpec
}

// BuildInput names the cache target and the features to build.
type BuildInput struct {
	Season    string
	DatasetID string
	Refs      []errs.FeatureRef

	// Incremental, when true, splices from RewindTs per timeframe instead
	// of rewriting history it can prove unchanged.
	Incremental bool

	// AppendFromTs is the bars splice timestamp of the append decision
	// (incremental only).
	AppendFromTs int64
}

// BuildResult reports what a build wrote.
type BuildResult struct {
	Mode             string
	ManifestSHA      string
	LookbackRewind   map[string]int64
	TimeframesBuilt  []int
}

func (b *Builder) scope(season, datasetID string) (*fsio.Scope, error) {
	return fsio.NewScope(b.Root.SharedDir(season, datasetID),
		[]string{layout.FeaturesManifestFile, layout.SharedManifestFile},
		[]string{"features_"},
	)
}

// Build computes every requested feature over the bars cache and writes the
// per-timeframe arrays plus the features manifest. Incremental builds
// recompute only [rewind_idx:end] per timeframe, where rewind_idx =
// max(0, append_start_idx - max_lookback_in_tf), and splice.
func (b *Builder) Build(ctx context.Context, in BuildInput) (*BuildResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	specs, byTf, err := b.resolveSpecs(in.Refs)
	if err != nil {
		return nil, err
	}
	scope, err := b.scope(in.Season, in.DatasetID)
	if err != nil {
		return nil, err
	}

	mode := bars.ModeFull
	if in.Incremental {
		mode = bars.ModeIncremental
	}
	rewinds := map[string]int64{}
	files := map[string]any{}
	tfs := sortedTfs(byTf)
	for _, tf := range tfs {
		series, err := bars.LoadSeries(filepath.Join(b.Root.BarsDir(in.Season, in.DatasetID), bars.ResampledFile(tf)))
		if err != nil {
			return nil, fmt.Errorf("feature build needs the bars cache: %w", err)
		}
		doc, rewindTs, err := b.buildTimeframe(in, tf, byTf[tf], series)
		if err != nil {
			return nil, err
		}
		sha, err := scope.WriteCanonicalJSON(filepath.Join("features", TimeframeFile(tf)), doc)
		if err != nil {
			return nil, err
		}
		files[TimeframeFile(tf)] = sha
		if in.Incremental {
			rewinds[strconv.Itoa(tf)] = rewindTs
		}
	}

	specDocs := make([]any, len(specs))
	for i, sp := range specs {
		specDocs[i] = sp.asManifest()
	}
	manifest := map[string]any{
		"schema_version": 1,
		"season":         in.Season,
		"dataset_id":     in.DatasetID,
		"mode":           mode,
		"ts_dtype":       bars.TsDtype,
		"breaks_policy":  bars.BreaksPolicyDrop,
		"features":       specDocs,
		"files":          files,
	}
	if in.Incremental {
		rw := make(map[string]any, len(rewinds))
		for k, v := range rewinds {
			rw[k] = v
		}
		manifest["lookback_rewind_by_tf"] = rw
	}
	manifestSHA, err := writeStampedManifest(scope, filepath.Join("features", layout.FeaturesManifestFile), manifest)
	if err != nil {
		return nil, err
	}
	if err := bars.UpdateSharedManifest(scope, map[string]any{
		FeaturesManifestHashField: manifestSHA,
	}); err != nil {
		return nil, err
	}

	logging.Get(logging.CategoryFeatures).Info("%s feature build for %s/%s: %d specs over %d timeframes",
		mode, in.Season, in.DatasetID, len(specs), len(tfs))
	return &BuildResult{Mode: mode, ManifestSHA: manifestSHA, LookbackRewind: rewinds, TimeframesBuilt: tfs}, nil
}

// buildTimeframe computes (or splices) all columns of one timeframe and
// renders the array document.
func (b *Builder) buildTimeframe(in BuildInput, tf int, specs []Spec, series *bars.Series) (map[string]any, int64, error) {
	maxLookback := 0
	for _, sp := range specs {
		if sp.LookbackBars > maxLookback {
			maxLookback = sp.LookbackBars
		}
	}

	rewindTs := int64(0)
	rewindIdx := 0
	var old map[string][]float64
	if in.Incremental {
		appendIdx := sort.Search(series.Len(), func(i int) bool { return series.Ts[i] >= in.AppendFromTs })
		rewindIdx = appendIdx - maxLookback
		if rewindIdx < 0 {
			rewindIdx = 0
		}
		if rewindIdx < series.Len() {
			rewindTs = series.Ts[rewindIdx]
		}
		existing, err := b.loadColumns(in.Season, in.DatasetID, tf)
		if err != nil {
			return nil, 0, fmt.Errorf("incremental feature build needs an existing cache: %w", err)
		}
		old = existing
	}

	featureVals := map[string]any{}
	for _, sp := range specs {
		fresh := sp.compute(series, b.Session)
		if len(fresh) != series.Len() {
			return nil, 0, fmt.Errorf("feature %s produced %d values for %d bars", sp.Name, len(fresh), series.Len())
		}
		if in.Incremental {
			prev, ok := old[sp.Name]
			if ok && len(prev) >= rewindIdx {
				spliced := make([]float64, series.Len())
				copy(spliced[:rewindIdx], prev[:rewindIdx])
				copy(spliced[rewindIdx:], fresh[rewindIdx:])
				fresh = spliced
			}
		}
		featureVals[sp.Name] = floatsAsJSON(fresh)
	}

	doc := map[string]any{
		"ts":       series.Ts,
		"features": featureVals,
	}
	return doc, rewindTs, nil
}

// loadColumns reads the existing per-timeframe array file as raw columns.
func (b *Builder) loadColumns(season, datasetID string, tf int) (map[string][]float64, error) {
	path := filepath.Join(b.Root.FeaturesDir(season, datasetID), TimeframeFile(tf))
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc struct {
		Ts       []int64               `json:"ts"`
		Features map[string][]*float64 `json:"features"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	out := make(map[string][]float64, len(doc.Features))
	for name, vals := range doc.Features {
		out[name] = jsonAsFloats(vals)
	}
	return out, nil
}

func (b *Builder) resolveSpecs(refs []errs.FeatureRef) ([]Spec, map[int][]Spec, error) {
	seen := map[errs.FeatureRef]bool{}
	var specs []Spec
	byTf := map[int][]Spec{}
	for _, ref := range refs {
		if seen[ref] {
			continue
		}
		seen[ref] = true
		sp, err := b.Bank.Resolve(ref)
		if err != nil {
			return nil, nil, err
		}
		specs = append(specs, sp)
		byTf[ref.TimeframeMin] = append(byTf[ref.TimeframeMin], sp)
	}
	sort.Slice(specs, func(i, j int) bool {
		if specs[i].Name != specs[j].Name {
			return specs[i].Name < specs[j].Name
		}
		return specs[i].TimeframeMin < specs[j].TimeframeMin
	})
	for tf := range byTf {
		sort.Slice(byTf[tf], func(i, j int) bool { return byTf[tf][i].Name < byTf[tf][j].Name })
	}
	return specs, byTf, nil
}

// writeStampedManifest self-hash-stamps the manifest and writes it under the
// scope; the stored hash is returned.
func writeStampedManifest(scope *fsio.Scope, rel string, m map[string]any) (string, error) {
	stamped, err := canonical.StampSelfHash(m, FeaturesManifestHashField)
	if err != nil {
		return "", err
	}
	if _, err := scope.WriteCanonicalJSON(rel, stamped); err != nil {
		return "", err
	}
	return stamped[FeaturesManifestHashField].(string), nil
}

func sortedTfs(byTf map[int][]Spec) []int {
	tfs := make([]int, 0, len(byTf))
	for tf := range byTf {
		tfs = append(tfs, tf)
	}
	sort.Ints(tfs)
	return tfs
}

// floatsAsJSON renders a column with NaN encoded as null; canonical JSON has
// no NaN literal.
func floatsAsJSON(vals []float64) []any {
	out := make([]any, len(vals))
	for i, v := range vals {
		if math.IsNaN(v) {
			out[i] = nil
		} else {
			out[i] = v
		}
	}
	return out
}

func jsonAsFloats(vals []*float64) []float64 {
	out := make([]float64, len(vals))
	for i, v := range vals {
		if v == nil {
			out[i] = math.NaN()
		} else {
			out[i] = *v
		}
	}
	return out
}
