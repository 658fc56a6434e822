package features

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

	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/bars"
	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/errs"
	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/layout"
)

// faultIngestor fails the test the moment anything touches raw input.
type faultIngestor struct{ t *testing.T }

func (f faultIngestor) Ingest(string) (*bars.Series, error) {
	f.t.Fatal("raw ingest called on a path that must not read raw input")
	return nil, nil
}

func synthRaw(t *testing.T, days int) string {
	t.Helper()
	var rows []map[string]any
	base := time.Date(2023, 1, 1, 9, 30, 0, 0, time.UTC)
	for d := 0; d < days; d++ {
		for m := 0; m < 60; m++ {
			ts := base.AddDate(0, 0, d).Add(time.Duration(m) * time.Minute).Unix()
			px := 100.0 + float64(d) + 0.01*float64(m)
			rows = append(rows, map[string]any{
				"ts": ts, "open": px, "high": px + 0.5, "low": px - 0.5,
				"close": px + 0.1, "volume": 5.0,
			})
		}
	}
	data, err := json.Marshal(rows)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "raw_bars.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func newResolver(t *testing.T, ing bars.Ingestor) (*Resolver, layout.Root) {
	t.Helper()
	root := layout.Root{Dir: t.TempDir()}
	return &Resolver{
		Root: root,
		Bank: NewBank(),
		Bars: &bars.Builder{Root: root, Ingest: ing, Session: bars.DefaultSession()},
	}, root
}

func requirements(refs ...errs.FeatureRef) Requirements {
	return Requirements{Required: refs}
}

func TestResolveMissingManifestWithoutBuild(t *testing.T) {
	r, _ := newResolver(t, faultIngestor{t})
	_, _, err := r.Resolve(context.Background(), "s", "d",
		requirements(refFor("momentum_10", 15)), false, nil)

	var mf *errs.MissingFeatures
	require.True(t, errors.As(err, &mf))
	assert.Equal(t, []errs.FeatureRef{{Name: "momentum_10", TimeframeMin: 15}}, mf.Missing)
}

func TestResolveBuildWithoutContextRejected(t *testing.T) {
	r, _ := newResolver(t, faultIngestor{t})
	_, _, err := r.Resolve(context.Background(), "s", "d",
		requirements(refFor("momentum_10", 15)), true, nil)

	var bna *errs.BuildNotAllowed
	assert.True(t, errors.As(err, &bna))
}

func TestResolveBuildsThenServes(t *testing.T) {
	raw := synthRaw(t, 3)
	root := layout.Root{Dir: t.TempDir()}
	r := &Resolver{
		Root: root,
		Bank: NewBank(),
		Bars: &bars.Builder{Root: root, Ingest: bars.JSONIngestor{}, Session: bars.DefaultSession()},
	}
	req := requirements(refFor("momentum_10", 15), refFor("vwap_session", 30))

	bundle, built, err := r.Resolve(context.Background(), "s", "d", req, true, &BuildContext{TxtPath: raw})
	require.NoError(t, err)
	assert.True(t, built)
	require.Len(t, bundle.Columns, 2)
	assert.Equal(t, "datetime64[s]", bundle.TsDtype)
	assert.Equal(t, "drop", bundle.BreaksPolicy)

	col := bundle.Columns[refFor("momentum_10", 15)]
	require.NotEmpty(t, col.Ts)
	require.Equal(t, len(col.Ts), len(col.Values))

	// second resolve serves from cache without building and without ingest
	r.Bars.Ingest = faultIngestor{t}
	bundle2, built2, err := r.Resolve(context.Background(), "s", "d", req, false, nil)
	require.NoError(t, err)
	assert.False(t, built2)
	assert.Equal(t, col.Ts, bundle2.Columns[refFor("momentum_10", 15)].Ts)
}

func TestResolveManifestMismatch(t *testing.T) {
	raw := synthRaw(t, 2)
	root := layout.Root{Dir: t.TempDir()}
	r := &Resolver{
		Root: root,
		Bank: NewBank(),
		Bars: &bars.Builder{Root: root, Ingest: bars.JSONIngestor{}, Session: bars.DefaultSession()},
	}
	req := requirements(refFor("momentum_10", 15))
	_, _, err := r.Resolve(context.Background(), "s", "d", req, true, &BuildContext{TxtPath: raw})
	require.NoError(t, err)

	// corrupt the manifest's breaks_policy to the unsupported "keep" mode
	path := filepath.Join(root.FeaturesDir("s", "d"), layout.FeaturesManifestFile)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	m["breaks_policy"] = "keep"
	out, err := json.Marshal(m)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, out, 0o644))

	_, _, err = r.Resolve(context.Background(), "s", "d", req, false, nil)
	var mm *errs.ManifestMismatch
	require.True(t, errors.As(err, &mm))
	assert.Equal(t, "breaks_policy", mm.Field)
	assert.Equal(t, "keep", mm.Got)
}

// Full-vs-incremental identity at the feature level: building over 5 days in
// one shot matches a 4-day build followed by a 1-day append.
func TestFeatureIncrementalIdentity(t *testing.T) {
	fullRaw := synthRaw(t, 5)

	req := requirements(refFor("momentum_10", 15), refFor("atr_14", 15), refFor("zscore_20", 30))

	refRoot := layout.Root{Dir: t.TempDir()}
	refResolver := &Resolver{
		Root: refRoot, Bank: NewBank(),
		Bars: &bars.Builder{Root: refRoot, Ingest: bars.JSONIngestor{}, Session: bars.DefaultSession()},
	}
	_, _, err := refResolver.Resolve(context.Background(), "s", "d", req, true, &BuildContext{TxtPath: fullRaw})
	require.NoError(t, err)

	// subject: 4 days, then resolve again against the 5-day file
	subRoot := layout.Root{Dir: t.TempDir()}
	subResolver := &Resolver{
		Root: subRoot, Bank: NewBank(),
		Bars: &bars.Builder{Root: subRoot, Ingest: bars.JSONIngestor{}, Session: bars.DefaultSession()},
	}
	baseRaw := synthRaw(t, 4)
	_, _, err = subResolver.Resolve(context.Background(), "s", "d", req, true, &BuildContext{TxtPath: baseRaw})
	require.NoError(t, err)

	// force a rebuild by requiring a feature not yet in the cache
	req2 := requirements(refFor("momentum_10", 15), refFor("atr_14", 15),
		refFor("zscore_20", 30), refFor("pctrank_50", 15))
	_, built, err := subResolver.Resolve(context.Background(), "s", "d", req2, true, &BuildContext{TxtPath: fullRaw})
	require.NoError(t, err)
	assert.True(t, built)

	for _, tf := range []int{15, 30} {
		refData, err := os.ReadFile(filepath.Join(refRoot.FeaturesDir("s", "d"), TimeframeFile(tf)))
		require.NoError(t, err)
		subData, err := os.ReadFile(filepath.Join(subRoot.FeaturesDir("s", "d"), TimeframeFile(tf)))
		require.NoError(t, err)

		var refDoc, subDoc map[string]any
		require.NoError(t, json.Unmarshal(refData, &refDoc))
		require.NoError(t, json.Unmarshal(subData, &subDoc))

		// compare only the columns both requests share
		refFeats := refDoc["features"].(map[string]any)
		subFeats := subDoc["features"].(map[string]any)
		assert.Equal(t, refDoc["ts"], subDoc["ts"], "tf %d timestamps", tf)
		for name := range refFeats {
			if diff := cmp.Diff(refFeats[name], subFeats[name]); diff != "" {
				t.Errorf("tf %d feature %s differs between full and incremental builds:\n%s", tf, name, diff)
			}
		}
	}
}
