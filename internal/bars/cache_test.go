package bars

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/errs"
	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/fingerprint"
	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/layout"
)

// synthDays renders n trading days of 1-minute bars at 09:30..09:34 UTC,
// 5 bars per day, starting 2023-01-01.
func synthDays(t *testing.T, n int, priceShift float64) []map[string]any {
	t.Helper()
	var rows []map[string]any
	base := time.Date(2023, 1, 1, 9, 30, 0, 0, time.UTC)
	for d := 0; d < n; d++ {
		for m := 0; m < 5; m++ {
			ts := base.AddDate(0, 0, d).Add(time.Duration(m) * time.Minute).Unix()
			px := 100.0 + float64(d) + 0.1*float64(m) + priceShift
			rows = append(rows, map[string]any{
				"ts": ts, "open": px, "high": px + 0.5, "low": px - 0.5,
				"close": px + 0.25, "volume": 10.0 + float64(m),
			})
		}
	}
	return rows
}

func writeRaw(t *testing.T, dir string, rows []map[string]any) string {
	t.Helper()
	data, err := json.Marshal(rows)
	require.NoError(t, err)
	path := filepath.Join(dir, "raw_bars.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func newBuilder(t *testing.T) (*Builder, layout.Root) {
	t.Helper()
	root := layout.Root{Dir: t.TempDir()}
	return &Builder{Root: root, Ingest: JSONIngestor{}, Session: DefaultSession()}, root
}

func TestBuildFullWritesCache(t *testing.T) {
	b, root := newBuilder(t)
	raw := writeRaw(t, t.TempDir(), synthDays(t, 3, 0))

	out, err := b.BuildFull(context.Background(), BuildInput{Season: "2026Q1", DatasetID: "ds1", RawPath: raw})
	require.NoError(t, err)
	assert.Equal(t, ModeFull, out.Mode)
	assert.Equal(t, 15, out.Normalized.Len())
	assert.True(t, out.Written)

	barsDir := root.BarsDir("2026Q1", "ds1")
	for _, name := range []string{NormalizedFile, "resampled_15m.json", "resampled_240m.json", layout.BarsManifestFile} {
		_, err := os.Stat(filepath.Join(barsDir, name))
		assert.NoError(t, err, name)
	}
	_, err = os.Stat(root.FingerprintIndexPath("2026Q1", "ds1"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(root.SharedDir("2026Q1", "ds1"), layout.SharedManifestFile))
	assert.NoError(t, err)
}

// Incremental identity: a full build over 12 days must be byte-identical to
// a full build over 10 days followed by an incremental append of days 11-12.
func TestIncrementalIdentity(t *testing.T) {
	rawDir := t.TempDir()

	// Reference: FULL over all 12 days in a separate tree.
	ref, refRoot := newBuilder(t)
	refRaw := writeRaw(t, rawDir, synthDays(t, 12, 0))
	_, err := ref.BuildFull(context.Background(), BuildInput{Season: "s", DatasetID: "d", RawPath: refRaw})
	require.NoError(t, err)

	// Subject: FULL over 10 days, then INCREMENTAL with days 11-12 appended.
	sub, subRoot := newBuilder(t)
	baseRaw := writeRaw(t, t.TempDir(), synthDays(t, 10, 0))
	_, err = sub.BuildFull(context.Background(), BuildInput{Season: "s", DatasetID: "d", RawPath: baseRaw})
	require.NoError(t, err)

	out, err := sub.BuildIncremental(context.Background(), BuildInput{Season: "s", DatasetID: "d", RawPath: refRaw})
	require.NoError(t, err)
	require.Equal(t, fingerprint.AppendOnly, out.Decision.Kind)
	assert.Equal(t, "2023-01-11", out.Decision.AppendFrom)
	assert.Equal(t, "2023-01-12", out.Decision.AppendTo)

	full, err := LoadSeries(filepath.Join(refRoot.BarsDir("s", "d"), ResampledFile(15)))
	require.NoError(t, err)
	inc, err := LoadSeries(filepath.Join(subRoot.BarsDir("s", "d"), ResampledFile(15)))
	require.NoError(t, err)

	require.Equal(t, full.Len(), inc.Len())
	assert.Equal(t, full.Ts, inc.Ts)
	assert.Equal(t, full.Volume, inc.Volume)
	for i := range full.Ts {
		assert.InDelta(t, full.Open[i], inc.Open[i], 1e-10)
		assert.InDelta(t, full.High[i], inc.High[i], 1e-10)
		assert.InDelta(t, full.Low[i], inc.Low[i], 1e-10)
		assert.InDelta(t, full.Close[i], inc.Close[i], 1e-10)
	}

	// Byte identity of every array file.
	for _, name := range append([]string{NormalizedFile}, resampledNames()...) {
		a, err := os.ReadFile(filepath.Join(refRoot.BarsDir("s", "d"), name))
		require.NoError(t, err)
		b, err := os.ReadFile(filepath.Join(subRoot.BarsDir("s", "d"), name))
		require.NoError(t, err)
		if diff := cmp.Diff(string(a), string(b)); diff != "" {
			t.Fatalf("array %s differs between full and incremental builds:\n%s", name, diff)
		}
	}
}

func resampledNames() []string {
	names := make([]string, len(ResampleTimeframes))
	for i, tf := range ResampleTimeframes {
		names[i] = ResampledFile(tf)
	}
	return names
}

// Historical change: altering an already-recorded day rejects the
// incremental build and leaves the cache untouched.
func TestIncrementalRejectsHistoricalChange(t *testing.T) {
	b, root := newBuilder(t)
	baseRaw := writeRaw(t, t.TempDir(), synthDays(t, 2, 0))
	_, err := b.BuildFull(context.Background(), BuildInput{Season: "s", DatasetID: "d", RawPath: baseRaw})
	require.NoError(t, err)

	before, err := os.ReadFile(filepath.Join(root.BarsDir("s", "d"), NormalizedFile))
	require.NoError(t, err)

	// Alter day 2023-01-02 (second day) prices.
	altered := synthDays(t, 2, 0)
	for _, row := range altered[5:] {
		row["close"] = row["close"].(float64) + 1.0
	}
	alteredRaw := writeRaw(t, t.TempDir(), altered)

	_, err = b.BuildIncremental(context.Background(), BuildInput{Season: "s", DatasetID: "d", RawPath: alteredRaw})
	var ir *errs.IncrementalRejected
	require.True(t, errors.As(err, &ir))
	assert.Equal(t, "2023-01-02", ir.EarliestChangedDay)

	after, err := os.ReadFile(filepath.Join(root.BarsDir("s", "d"), NormalizedFile))
	require.NoError(t, err)
	assert.Equal(t, before, after, "rejected build must not write")
}

func TestIncrementalRejectsInsertedDay(t *testing.T) {
	b, root := newBuilder(t)
	full := synthDays(t, 3, 0)
	gapped := append(append([]map[string]any{}, full[:5]...), full[10:]...) // 01-01 and 01-03 only
	_, err := b.BuildFull(context.Background(), BuildInput{Season: "s", DatasetID: "d", RawPath: writeRaw(t, t.TempDir(), gapped)})
	require.NoError(t, err)

	before, err := os.ReadFile(filepath.Join(root.BarsDir("s", "d"), NormalizedFile))
	require.NoError(t, err)

	// The fresh history fills in 2023-01-02 between the two known days.
	_, err = b.BuildIncremental(context.Background(), BuildInput{Season: "s", DatasetID: "d", RawPath: writeRaw(t, t.TempDir(), full)})
	var ir *errs.IncrementalRejected
	require.True(t, errors.As(err, &ir))
	assert.Equal(t, "2023-01-02", ir.EarliestChangedDay)

	after, err := os.ReadFile(filepath.Join(root.BarsDir("s", "d"), NormalizedFile))
	require.NoError(t, err)
	assert.Equal(t, before, after, "rejected build must not write")
}

func TestIncrementalNoChangeIsNoOp(t *testing.T) {
	b, root := newBuilder(t)
	raw := writeRaw(t, t.TempDir(), synthDays(t, 3, 0))
	_, err := b.BuildFull(context.Background(), BuildInput{Season: "s", DatasetID: "d", RawPath: raw})
	require.NoError(t, err)

	manifestPath := filepath.Join(root.BarsDir("s", "d"), layout.BarsManifestFile)
	stat, err := os.Stat(manifestPath)
	require.NoError(t, err)

	out, err := b.BuildIncremental(context.Background(), BuildInput{Season: "s", DatasetID: "d", RawPath: raw})
	require.NoError(t, err)
	assert.Equal(t, fingerprint.NoChange, out.Decision.Kind)
	assert.False(t, out.Written)

	stat2, err := os.Stat(manifestPath)
	require.NoError(t, err)
	assert.Equal(t, stat.ModTime(), stat2.ModTime())
}

func TestIncrementalOnEmptyCacheBehavesLikeFull(t *testing.T) {
	b, _ := newBuilder(t)
	raw := writeRaw(t, t.TempDir(), synthDays(t, 2, 0))

	out, err := b.BuildIncremental(context.Background(), BuildInput{Season: "s", DatasetID: "d", RawPath: raw})
	require.NoError(t, err)
	assert.Equal(t, fingerprint.IsNew, out.Decision.Kind)
	assert.Equal(t, ModeIncremental, out.Mode)
	assert.True(t, out.Written)
}

func TestManifestSelfHash(t *testing.T) {
	b, root := newBuilder(t)
	raw := writeRaw(t, t.TempDir(), synthDays(t, 1, 0))
	_, err := b.BuildFull(context.Background(), BuildInput{Season: "s", DatasetID: "d", RawPath: raw})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(root.BarsDir("s", "d"), layout.BarsManifestFile))
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Contains(t, m, BarsManifestHashField)
	assert.Equal(t, "datetime64[s]", m["ts_dtype"])
	assert.Equal(t, "drop", m["breaks_policy"])

	data, err = os.ReadFile(filepath.Join(root.SharedDir("s", "d"), layout.SharedManifestFile))
	require.NoError(t, err)
	var shared map[string]any
	require.NoError(t, json.Unmarshal(data, &shared))
	assert.Contains(t, shared, SharedManifestHashField)
	assert.Contains(t, shared, BarsManifestHashField)
}
