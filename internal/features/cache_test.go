package features

import (
	"context"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/bars"
	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/canonical"
	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/errs"
	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/layout"
)

func builtCache(t *testing.T, days int) layout.Root {
	t.Helper()
	root := layout.Root{Dir: t.TempDir()}
	bb := &bars.Builder{Root: root, Ingest: bars.JSONIngestor{}, Session: bars.DefaultSession()}
	_, err := bb.BuildFull(context.Background(), bars.BuildInput{
		Season: "s", DatasetID: "d", RawPath: synthRaw(t, days),
	})
	require.NoError(t, err)
	return root
}

func TestBuildWritesArraysAndManifest(t *testing.T) {
	root := builtCache(t, 3)
	fb := &Builder{Root: root, Bank: NewBank(), Session: bars.DefaultSession()}
	res, err := fb.Build(context.Background(), BuildInput{
		Season: "s", DatasetID: "d",
		Refs: []errs.FeatureRef{refFor("atr_14", 15), refFor("momentum_10", 30)},
	})
	require.NoError(t, err)
	assert.Equal(t, bars.ModeFull, res.Mode)
	assert.Equal(t, []int{15, 30}, res.TimeframesBuilt)

	dir := root.FeaturesDir("s", "d")
	for _, tf := range []int{15, 30} {
		_, err := os.Stat(filepath.Join(dir, TimeframeFile(tf)))
		assert.NoError(t, err, "tf %d array file", tf)
	}

	data, err := os.ReadFile(filepath.Join(dir, layout.FeaturesManifestFile))
	require.NoError(t, err)
	m, err := canonical.DecodeJSONObject(data)
	require.NoError(t, err)
	assert.Equal(t, bars.TsDtype, m["ts_dtype"])
	assert.Equal(t, bars.BreaksPolicyDrop, m["breaks_policy"])
	ok, err := canonical.VerifySelfHash(m, FeaturesManifestHashField)
	require.NoError(t, err)
	assert.True(t, ok)

	// shared manifest carries the features hash alongside the bars hash
	shared, err := os.ReadFile(filepath.Join(root.SharedDir("s", "d"), layout.SharedManifestFile))
	require.NoError(t, err)
	sm, err := canonical.DecodeJSONObject(shared)
	require.NoError(t, err)
	assert.Equal(t, m[FeaturesManifestHashField], sm[FeaturesManifestHashField])
	assert.Contains(t, sm, bars.BarsManifestHashField)
}

func TestWarmupSerializesAsNull(t *testing.T) {
	root := builtCache(t, 3)
	fb := &Builder{Root: root, Bank: NewBank(), Session: bars.DefaultSession()}
	_, err := fb.Build(context.Background(), BuildInput{
		Season: "s", DatasetID: "d",
		Refs: []errs.FeatureRef{refFor("zscore_20", 15)},
	})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(root.FeaturesDir("s", "d"), TimeframeFile(15)))
	require.NoError(t, err)
	require.True(t, strings.Contains(string(data), "null"), "warm-up prefix must encode as null")
	assert.False(t, strings.Contains(string(data), "NaN"))

	var doc struct {
		Features map[string][]*float64 `json:"features"`
	}
	require.NoError(t, json.Unmarshal(data, &doc))
	vals := jsonAsFloats(doc.Features["zscore_20"])
	require.NotEmpty(t, vals)
	assert.True(t, math.IsNaN(vals[0]))
	assert.False(t, math.IsNaN(vals[len(vals)-1]))
}

func TestBuildFailsWithoutBarsCache(t *testing.T) {
	root := layout.Root{Dir: t.TempDir()}
	fb := &Builder{Root: root, Bank: NewBank(), Session: bars.DefaultSession()}
	_, err := fb.Build(context.Background(), BuildInput{
		Season: "s", DatasetID: "d",
		Refs: []errs.FeatureRef{refFor("momentum_10", 15)},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bars cache")
}

func TestBuildRejectsUnknownFeature(t *testing.T) {
	root := builtCache(t, 2)
	fb := &Builder{Root: root, Bank: NewBank(), Session: bars.DefaultSession()}
	_, err := fb.Build(context.Background(), BuildInput{
		Season: "s", DatasetID: "d",
		Refs: []errs.FeatureRef{{Name: "no_such_feature", TimeframeMin: 15}},
	})
	require.Error(t, err)
}

func TestIncrementalBuildRequiresExistingArrays(t *testing.T) {
	root := builtCache(t, 2)
	fb := &Builder{Root: root, Bank: NewBank(), Session: bars.DefaultSession()}
	_, err := fb.Build(context.Background(), BuildInput{
		Season: "s", DatasetID: "d",
		Refs:        []errs.FeatureRef{refFor("momentum_10", 15)},
		Incremental: true,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "existing cache")
}

func TestIncrementalManifestRecordsRewind(t *testing.T) {
	root := builtCache(t, 4)
	fb := &Builder{Root: root, Bank: NewBank(), Session: bars.DefaultSession()}
	refs := []errs.FeatureRef{refFor("momentum_10", 15)}
	_, err := fb.Build(context.Background(), BuildInput{Season: "s", DatasetID: "d", Refs: refs})
	require.NoError(t, err)

	series, err := bars.LoadSeries(filepath.Join(root.BarsDir("s", "d"), bars.ResampledFile(15)))
	require.NoError(t, err)
	appendFrom := series.Ts[series.Len()-1]

	res, err := fb.Build(context.Background(), BuildInput{
		Season: "s", DatasetID: "d", Refs: refs,
		Incremental: true, AppendFromTs: appendFrom,
	})
	require.NoError(t, err)
	assert.Equal(t, bars.ModeIncremental, res.Mode)
	require.Contains(t, res.LookbackRewind, "15")

	data, err := os.ReadFile(filepath.Join(root.FeaturesDir("s", "d"), layout.FeaturesManifestFile))
	require.NoError(t, err)
	m, err := canonical.DecodeJSONObject(data)
	require.NoError(t, err)
	rw, ok := m["lookback_rewind_by_tf"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, rw, "15")
}
