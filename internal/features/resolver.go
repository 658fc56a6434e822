package features

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/bars"
	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/canonical"
	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/errs"
	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/fingerprint"
	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/layout"
)

// Requirements is a strategy's declared feature surface.
type Requirements struct {
	Required         []errs.FeatureRef
	Optional         []errs.FeatureRef
	MinSchemaVersion int
}

// BuildContext carries what a conditional build needs beyond the cache
// itself: the raw input location handed to the bars collaborator. The
// resolver itself never opens it.
type BuildContext struct {
	TxtPath string
}

// Resolver serves feature bundles from the cache, optionally building the
// missing parts. It reads manifests and arrays only; raw input stays behind
// the bars builder.
type Resolver struct {
	Root layout.Root
	Bank *Bank
	Bars *bars.Builder
}

// Resolve loads the features manifest, validates its policy fields, computes
// the missing set, conditionally builds, and returns the bundle plus whether
// a build was performed.
func (r *Resolver) Resolve(ctx context.Context, season, datasetID string, req Requirements, allowBuild bool, bctx *BuildContext) (*Bundle, bool, error) {
	manifest, err := r.loadManifest(season, datasetID)
	if err != nil {
		return nil, false, err
	}
	if manifest == nil && !allowBuild {
		return nil, false, &errs.MissingFeatures{Missing: append([]errs.FeatureRef(nil), req.Required...)}
	}

	if manifest != nil {
		if err := validatePolicy(manifest); err != nil {
			return nil, false, err
		}
	}

	missing := missingRefs(manifest, req.Required)
	if len(missing) == 0 && manifest != nil {
		bundle, err := r.loadBundle(season, datasetID, req)
		if err != nil {
			return nil, false, err
		}
		return bundle, false, nil
	}
	if !allowBuild {
		return nil, false, &errs.MissingFeatures{Missing: missing}
	}
	if bctx == nil || bctx.TxtPath == "" {
		return nil, false, &errs.BuildNotAllowed{Reason: "missing features require a build context with a txt_path"}
	}

	if err := r.build(ctx, season, datasetID, req, bctx); err != nil {
		return nil, false, err
	}

	// re-resolve off the fresh cache; a second miss is a hard failure
	manifest, err = r.loadManifest(season, datasetID)
	if err != nil {
		return nil, false, err
	}
	if manifest == nil {
		return nil, false, fmt.Errorf("feature build completed but manifest is absent")
	}
	if err := validatePolicy(manifest); err != nil {
		return nil, false, err
	}
	if still := missingRefs(manifest, req.Required); len(still) > 0 {
		return nil, false, &errs.MissingFeatures{Missing: still}
	}
	bundle, err := r.loadBundle(season, datasetID, req)
	if err != nil {
		return nil, false, err
	}
	return bundle, true, nil
}

// build runs the bars pipeline under the fingerprint gate, then the feature
// builder over the refreshed cache.
func (r *Resolver) build(ctx context.Context, season, datasetID string, req Requirements, bctx *BuildContext) error {
	if r.Bars == nil {
		return fmt.Errorf("resolver has no bars builder")
	}
	barsOut, err := r.Bars.BuildIncremental(ctx, bars.BuildInput{
		Season: season, DatasetID: datasetID, RawPath: bctx.TxtPath,
	})
	if err != nil {
		return err
	}

	builder := &Builder{Root: r.Root, Bank: r.Bank, Session: r.Bars.Session}
	in := BuildInput{
		Season:    season,
		DatasetID: datasetID,
		Refs:      append(append([]errs.FeatureRef(nil), req.Required...), req.Optional...),
	}
	if barsOut.Decision.Kind == fingerprint.AppendOnly {
		dayTs, err := dayToTs(barsOut.Decision.AppendFrom)
		if err != nil {
			return err
		}
		in.Incremental = true
		in.AppendFromTs = r.Bars.Session.DaySessionStart(dayTs)
		// splice only works against an existing feature cache
		if _, err := os.Stat(filepath.Join(r.Root.FeaturesDir(season, datasetID), layout.FeaturesManifestFile)); err != nil {
			in.Incremental = false
		}
	}
	_, err = builder.Build(ctx, in)
	return err
}

func dayToTs(day string) (int64, error) {
	t, err := time.Parse("2006-01-02", day)
	if err != nil {
		return 0, fmt.Errorf("bad day %q: %w", day, err)
	}
	return t.Unix(), nil
}

// loadManifest returns nil when the features manifest does not exist yet.
func (r *Resolver) loadManifest(season, datasetID string) (map[string]any, error) {
	path := filepath.Join(r.Root.FeaturesDir(season, datasetID), layout.FeaturesManifestFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading features manifest: %w", err)
	}
	return canonical.DecodeJSONObject(data)
}

// validatePolicy enforces the fixed session policy on a loaded manifest and
// names the offending field on mismatch.
func validatePolicy(manifest map[string]any) error {
	if got, _ := manifest["ts_dtype"].(string); got != bars.TsDtype {
		return &errs.ManifestMismatch{Field: "ts_dtype", Want: bars.TsDtype, Got: got}
	}
	if got, _ := manifest["breaks_policy"].(string); got != bars.BreaksPolicyDrop {
		return &errs.ManifestMismatch{Field: "breaks_policy", Want: bars.BreaksPolicyDrop, Got: got}
	}
	return nil
}

// missingRefs lists the required refs absent from the manifest's feature
// list. A nil manifest misses everything.
func missingRefs(manifest map[string]any, required []errs.FeatureRef) []errs.FeatureRef {
	present := map[errs.FeatureRef]bool{}
	if manifest != nil {
		if specs, ok := manifest["features"].([]any); ok {
			for _, raw := range specs {
				sp, ok := raw.(map[string]any)
				if !ok {
					continue
				}
				name, _ := sp["name"].(string)
				tf := numToInt(sp["timeframe_min"])
				present[errs.FeatureRef{Name: name, TimeframeMin: tf}] = true
			}
		}
	}
	var missing []errs.FeatureRef
	for _, ref := range required {
		if !present[ref] {
			missing = append(missing, ref)
		}
	}
	return missing
}

// loadBundle reads the per-timeframe array files for every requested ref.
// Optional refs that are absent are skipped silently.
func (r *Resolver) loadBundle(season, datasetID string, req Requirements) (*Bundle, error) {
	bundle := &Bundle{
		Columns:      map[errs.FeatureRef]Column{},
		TsDtype:      bars.TsDtype,
		BreaksPolicy: bars.BreaksPolicyDrop,
	}
	byTf := map[int][]errs.FeatureRef{}
	for _, ref := range append(append([]errs.FeatureRef(nil), req.Required...), req.Optional...) {
		byTf[ref.TimeframeMin] = append(byTf[ref.TimeframeMin], ref)
	}
	for tf, refs := range byTf {
		path := filepath.Join(r.Root.FeaturesDir(season, datasetID), TimeframeFile(tf))
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("reading feature arrays: %w", err)
		}
		var doc struct {
			Ts       []int64               `json:"ts"`
			Features map[string][]*float64 `json:"features"`
		}
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		for _, ref := range refs {
			vals, ok := doc.Features[ref.Name]
			if !ok {
				continue
			}
			bundle.Columns[ref] = Column{Ts: doc.Ts, Values: jsonAsFloats(vals)}
		}
	}
	// required refs must all be present after a successful resolve
	for _, ref := range req.Required {
		if _, ok := bundle.Columns[ref]; !ok {
			return nil, &errs.MissingFeatures{Missing: []errs.FeatureRef{ref}}
		}
	}
	return bundle, nil
}

func numToInt(v any) int {
	switch t := v.(type) {
	case float64:
		return int(t)
	case int:
		return t
	case int64:
		return int(t)
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return int(i)
		}
	}
	return 0
}
