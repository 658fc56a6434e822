package bars

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/fingerprint"
	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/fsio"
	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/layout"
	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/logging"
)

// BarsManifestHashField is the self-hash field of the bars manifest.
const BarsManifestHashField = "bars_manifest_sha256"

// NormalizedFile is the on-disk name of the normalized 1-minute array.
const NormalizedFile = "normalized_1m.json"

// ResampledFile names the resampled array for a timeframe.
func ResampledFile(tfMin int) string {
	return fmt.Sprintf("resampled_%dm.json", tfMin)
}

// Builder builds the per-(season,dataset) bars cache.
type Builder struct {
	Root    layout.Root
	Ingest  Ingestor
	Session SessionSpec

	// Timeframes defaults to ResampleTimeframes when nil.
	Timeframes []int
}

// BuildInput names the cache target and the raw source file.
type BuildInput struct {
	Season    string
	DatasetID string
	RawPath   string
}

// BuildOutput is the in-memory result of a cache build.
type BuildOutput struct {
	Mode        string
	Decision    fingerprint.Decision
	Normalized  *Series
	Resampled   map[int]*Series
	ManifestSHA string

	// Written is false when the build was a no-op (no_change decision).
	Written bool
}

func (b *Builder) timeframes() []int {
	if len(b.Timeframes) > 0 {
		return b.Timeframes
	}
	return ResampleTimeframes
}

// sharedScope opens the write scope for the (season,dataset) shared dir.
func (b *Builder) sharedScope(season, datasetID string) (*fsio.Scope, error) {
	return fsio.NewScope(b.Root.SharedDir(season, datasetID),
		[]string{"bars/" + layout.BarsManifestFile, layout.FingerprintIndexFile, layout.SharedManifestFile},
		[]string{"normalized_", "resampled_"},
	)
}

// BuildFull ingests, normalizes, resamples and writes the whole cache.
func (b *Builder) BuildFull(ctx context.Context, in BuildInput) (*BuildOutput, error) {
	norm, err := b.ingestNormalized(ctx, in)
	if err != nil {
		return nil, err
	}
	out, err := b.write(ctx, in, norm, ModeFull, fingerprint.Decision{Kind: fingerprint.IsNew}, nil)
	if err != nil {
		return nil, err
	}
	logging.Get(logging.CategoryBars).Info("full bars build for %s/%s: %d bars", in.Season, in.DatasetID, norm.Len())
	return out, nil
}

// BuildIncremental rebuilds only under an is_new or append_only fingerprint
// decision. A historical change rejects the build with IncrementalRejected
// before anything is written; a no_change decision is a filesystem no-op.
func (b *Builder) BuildIncremental(ctx context.Context, in BuildInput) (*BuildOutput, error) {
	stored, err := fingerprint.Load(b.Root.FingerprintIndexPath(in.Season, in.DatasetID))
	if err != nil {
		return nil, err
	}
	norm, err := b.ingestNormalized(ctx, in)
	if err != nil {
		return nil, err
	}
	fresh := fingerprint.Build(norm.Rows())
	decision := fingerprint.Compare(stored, fresh)
	if err := fingerprint.Gate(decision); err != nil {
		return nil, err
	}

	log := logging.Get(logging.CategoryBars)
	switch decision.Kind {
	case fingerprint.NoChange:
		log.Info("incremental bars build for %s/%s: no change", in.Season, in.DatasetID)
		return &BuildOutput{Mode: ModeIncremental, Decision: decision, Normalized: norm,
			Resampled: b.resampleAll(norm), Written: false}, nil
	case fingerprint.IsNew:
		out, err := b.write(ctx, in, norm, ModeIncremental, decision, nil)
		if err != nil {
			return nil, err
		}
		log.Info("incremental bars build for %s/%s: new history, %d bars", in.Season, in.DatasetID, norm.Len())
		return out, nil
	}

	// append_only: recompute from the session start of the bar containing
	// the first appended timestamp, splice with the existing arrays.
	spliceTs, err := b.spliceTs(decision.AppendFrom)
	if err != nil {
		return nil, err
	}
	old, err := LoadSeries(filepath.Join(b.Root.BarsDir(in.Season, in.DatasetID), NormalizedFile))
	if err != nil {
		return nil, fmt.Errorf("incremental build needs an existing cache: %w", err)
	}
	spliced := concat(old.sliceBeforeTs(spliceTs), norm.sliceFromTs(spliceTs))
	if err := spliced.Validate(); err != nil {
		return nil, fmt.Errorf("splice: %w", err)
	}
	out, err := b.write(ctx, in, spliced, ModeIncremental, decision, map[string]any{
		"from_day": decision.AppendFrom,
		"from_ts":  spliceTs,
	})
	if err != nil {
		return nil, err
	}
	log.Info("incremental bars build for %s/%s: appended %s..%s", in.Season, in.DatasetID, decision.AppendFrom, decision.AppendTo)
	return out, nil
}

func (b *Builder) ingestNormalized(ctx context.Context, in BuildInput) (*Series, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if b.Ingest == nil {
		return nil, fmt.Errorf("bars builder has no ingestor")
	}
	raw, err := b.Ingest.Ingest(in.RawPath)
	if err != nil {
		return nil, err
	}
	return Normalize(raw, b.Session)
}

// spliceTs converts an appended day to its session-open timestamp, which is
// the start of the resample bar containing the first appended bar.
func (b *Builder) spliceTs(day string) (int64, error) {
	t, err := time.Parse("2006-01-02", day)
	if err != nil {
		return 0, fmt.Errorf("bad append day %q: %w", day, err)
	}
	return b.Session.DaySessionStart(t.Unix()), nil
}

func (b *Builder) resampleAll(norm *Series) map[int]*Series {
	out := make(map[int]*Series, len(b.timeframes()))
	for _, tf := range b.timeframes() {
		out[tf] = Resample(norm, b.Session, tf)
	}
	return out
}

// spliceResampled splices existing resampled arrays with a recompute of the
// appended window, so an incremental result is byte-identical to a full one.
func (b *Builder) spliceResampled(in BuildInput, norm *Series, spliceTs int64) (map[int]*Series, error) {
	out := make(map[int]*Series, len(b.timeframes()))
	window := norm.sliceFromTs(spliceTs)
	for _, tf := range b.timeframes() {
		old, err := LoadSeries(filepath.Join(b.Root.BarsDir(in.Season, in.DatasetID), ResampledFile(tf)))
		if err != nil {
			return nil, err
		}
		out[tf] = concat(old.sliceBeforeTs(spliceTs), Resample(window, b.Session, tf))
	}
	return out, nil
}

// write emits arrays, the fingerprint index, the bars manifest and the
// shared manifest, in that order; the manifests land last so a partial write
// is never self-consistent.
func (b *Builder) write(ctx context.Context, in BuildInput, norm *Series, mode string, decision fingerprint.Decision, appendWindow map[string]any) (*BuildOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	scope, err := b.sharedScope(in.Season, in.DatasetID)
	if err != nil {
		return nil, err
	}

	var resampled map[int]*Series
	if appendWindow != nil {
		resampled, err = b.spliceResampled(in, norm, appendWindow["from_ts"].(int64))
		if err != nil {
			return nil, err
		}
	} else {
		resampled = b.resampleAll(norm)
	}

	files := map[string]any{}
	sha, err := scope.WriteCanonicalJSON(filepath.Join("bars", NormalizedFile), norm)
	if err != nil {
		return nil, err
	}
	files[NormalizedFile] = sha
	for _, tf := range b.timeframes() {
		sha, err := scope.WriteCanonicalJSON(filepath.Join("bars", ResampledFile(tf)), resampled[tf])
		if err != nil {
			return nil, err
		}
		files[ResampledFile(tf)] = sha
	}

	idx := fingerprint.Build(norm.Rows())
	if err := idx.Save(scope, layout.FingerprintIndexFile); err != nil {
		return nil, err
	}

	startDay, endDay := norm.CoveredDays()
	manifest := map[string]any{
		"schema_version": 1,
		"season":         in.Season,
		"dataset_id":     in.DatasetID,
		"mode":           mode,
		"ts_dtype":       TsDtype,
		"breaks_policy":  BreaksPolicyDrop,
		"session":        b.Session.asManifest(),
		"timeframes":     intsAsAny(b.timeframes()),
		"covered_days":   map[string]any{"start": startDay, "end": endDay},
		"files":          files,
	}
	if appendWindow != nil {
		manifest["append_window"] = appendWindow
	}
	manifestSHA, err := writeStamped(scope, filepath.Join("bars", layout.BarsManifestFile), manifest, BarsManifestHashField)
	if err != nil {
		return nil, err
	}

	if err := UpdateSharedManifest(scope, map[string]any{
		BarsManifestHashField:      manifestSHA,
		"fingerprint_index_sha256": mustHash(map[string]any{"days": idx.Days}),
	}); err != nil {
		return nil, err
	}

	return &BuildOutput{
		Mode: mode, Decision: decision, Normalized: norm,
		Resampled: resampled, ManifestSHA: manifestSHA, Written: true,
	}, nil
}

func intsAsAny(xs []int) []any {
	out := make([]any, len(xs))
	for i, x := range xs {
		out[i] = x
	}
	return out
}
