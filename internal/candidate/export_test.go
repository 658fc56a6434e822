package candidate

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/canonical"
	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/errs"
	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/layout"
)

type fakeSeasons struct{ frozen bool }

func (f fakeSeasons) Frozen(string) (bool, error) { return f.frozen, nil }

func writeBatchArtifacts(t *testing.T, root layout.Root, batchID string, cands []*Candidate) {
	t.Helper()
	dir := root.ArtifactsDir(batchID)
	require.NoError(t, os.MkdirAll(dir, 0o755))

	jobs := []any{}
	ids := make([]string, len(cands))
	for i, c := range cands {
		ids[i] = c.CandidateID
	}
	jobs = append(jobs, map[string]any{"job_id": batchID + "-job-1", "candidate_ids": ids})

	docs := map[string]any{
		layout.BatchMetadataFile: map[string]any{"schema_version": 1, "batch_id": batchID},
		layout.BatchIndexFile:    map[string]any{"schema_version": 1, "batch_id": batchID, "jobs": jobs},
		layout.BatchSummaryFile: map[string]any{
			"schema_version": 1, "batch_id": batchID,
			"top_k":      cands,
			"aggregates": map[string]any{"jobs": 1},
		},
	}
	for name, doc := range docs {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), canonical.MustEncode(doc), 0o644))
	}
}

func exportFixture(t *testing.T) (layout.Root, *Exporter) {
	t.Helper()
	root := layout.Root{Dir: t.TempDir()}
	writeBatchArtifacts(t, root, "b1", []*Candidate{
		mustCandidate(t, "alpha", "ds1", "b1", 0.9, nil),
		mustCandidate(t, "alpha", "ds2", "b1", 0.8, nil),
	})
	writeBatchArtifacts(t, root, "b2", []*Candidate{
		mustCandidate(t, "beta", "ds1", "b2", 0.95, nil),
	})
	return root, &Exporter{Root: root, Seasons: fakeSeasons{frozen: true}}
}

func TestExportRequiresFrozenSeason(t *testing.T) {
	root := layout.Root{Dir: t.TempDir()}
	e := &Exporter{Root: root, Seasons: fakeSeasons{frozen: false}}
	_, err := e.Export("2026Q1", []string{"b1"})
	var pd *errs.PolicyDenied
	require.True(t, errors.As(err, &pd))
	assert.Equal(t, "season_export", pd.Action)
}

func TestExportWritesTreeAndManifest(t *testing.T) {
	root, e := exportFixture(t)
	res, err := e.Export("2026Q1", []string{"b2", "b1"})
	require.NoError(t, err)
	assert.True(t, res.Written)
	assert.Equal(t, []string{"b1", "b2"}, res.Batches, "batch ids ascending")

	dir := root.ExportDir("2026Q1")
	for _, rel := range []string{
		layout.ExportManifestFile, layout.SeasonIndexFile, layout.ReplayIndexFile,
		layout.ExportCandidatesFile,
		filepath.Join("batches", "b1", layout.BatchSummaryFile),
		filepath.Join("batches", "b2", layout.BatchIndexFile),
	} {
		_, err := os.Stat(filepath.Join(dir, rel))
		assert.NoError(t, err, rel)
	}

	// copied batch artifacts are byte-identical to the originals
	src, err := os.ReadFile(filepath.Join(root.ArtifactsDir("b1"), layout.BatchSummaryFile))
	require.NoError(t, err)
	dst, err := os.ReadFile(filepath.Join(dir, "batches", "b1", layout.BatchSummaryFile))
	require.NoError(t, err)
	assert.Equal(t, src, dst)

	data, err := os.ReadFile(filepath.Join(dir, layout.ExportManifestFile))
	require.NoError(t, err)
	m, err := canonical.DecodeJSONObject(data)
	require.NoError(t, err)
	ok, err := canonical.VerifySelfHash(m, ExportManifestHashField)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Contains(t, m, "files_sha256")

	// the aggregated candidates file is sorted by the canonical key
	candData, err := os.ReadFile(filepath.Join(dir, layout.ExportCandidatesFile))
	require.NoError(t, err)
	var candDoc struct {
		Candidates []*Candidate `json:"candidates"`
	}
	require.NoError(t, json.Unmarshal(candData, &candDoc))
	require.Len(t, candDoc.Candidates, 3)
	assert.Equal(t, "beta", candDoc.Candidates[0].StrategyID)
	assert.InDelta(t, 0.95, candDoc.Candidates[0].Score, 1e-12)
}

func TestExportIsIdempotentOnIdenticalState(t *testing.T) {
	root, e := exportFixture(t)
	_, err := e.Export("2026Q1", []string{"b1", "b2"})
	require.NoError(t, err)

	before := treeStamps(t, root.ExportDir("2026Q1"))
	res, err := e.Export("2026Q1", []string{"b1", "b2"})
	require.NoError(t, err)
	assert.False(t, res.Written)
	assert.Equal(t, before, treeStamps(t, root.ExportDir("2026Q1")), "identical re-export leaves the tree untouched")
}

func TestExportNeverOverwrites(t *testing.T) {
	root, e := exportFixture(t)
	_, err := e.Export("2026Q1", []string{"b1"})
	require.NoError(t, err)

	_, err = e.Export("2026Q1", []string{"b1", "b2"})
	var dup *errs.Duplicate
	require.True(t, errors.As(err, &dup))

	// the original export is intact
	data, err := os.ReadFile(filepath.Join(root.ExportDir("2026Q1"), layout.ExportManifestFile))
	require.NoError(t, err)
	m, err := canonical.DecodeJSONObject(data)
	require.NoError(t, err)
	assert.Equal(t, []any{"b1"}, m["batches"].([]any))
}

func TestExportMissingBatchArtifact(t *testing.T) {
	root := layout.Root{Dir: t.TempDir()}
	e := &Exporter{Root: root, Seasons: fakeSeasons{frozen: true}}
	_, err := e.Export("2026Q1", []string{"ghost"})
	var nf *errs.NotFound
	assert.True(t, errors.As(err, &nf))
}

func TestReplayTopK(t *testing.T) {
	root, e := exportFixture(t)
	_, err := e.Export("2026Q1", []string{"b1", "b2"})
	require.NoError(t, err)

	r := &Replay{Root: root}
	top, err := r.TopK("2026Q1", 2)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, "beta", top[0].StrategyID)
	assert.InDelta(t, 0.95, top[0].Score, 1e-12)
	assert.Equal(t, "alpha", top[1].StrategyID)
	assert.Equal(t, "ds1", top[1].DatasetID)
}

func TestReplayBatchesOrderedByID(t *testing.T) {
	root, e := exportFixture(t)
	_, err := e.Export("2026Q1", []string{"b2", "b1"})
	require.NoError(t, err)

	r := &Replay{Root: root}
	cards, err := r.Batches("2026Q1")
	require.NoError(t, err)
	require.Len(t, cards, 2)
	assert.Equal(t, "b1", cards[0].BatchID)
	assert.Equal(t, 2, cards[0].CandidateCount)
	assert.InDelta(t, 0.9, cards[0].BestScore, 1e-12)
	assert.Equal(t, "b2", cards[1].BatchID)
}

func TestReplayLeaderboard(t *testing.T) {
	root, e := exportFixture(t)
	_, err := e.Export("2026Q1", []string{"b1", "b2"})
	require.NoError(t, err)

	r := &Replay{Root: root}
	rows, err := r.Leaderboard("2026Q1", "dataset_id")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "ds1", rows[0].Group)
	assert.Equal(t, 2, rows[0].Count)
	assert.InDelta(t, 0.95, rows[0].BestScore, 1e-12)
	assert.Equal(t, "ds2", rows[1].Group)

	_, err = r.Leaderboard("2026Q1", "color")
	var cv *errs.ContractViolation
	assert.True(t, errors.As(err, &cv))
}

func TestReplayMissingSeason(t *testing.T) {
	r := &Replay{Root: layout.Root{Dir: t.TempDir()}}
	_, err := r.TopK("nope", 5)
	var nf *errs.NotFound
	assert.True(t, errors.As(err, &nf))
}

// treeStamps captures every file's size and mtime under dir.
func treeStamps(t *testing.T, dir string) map[string]string {
	t.Helper()
	out := map[string]string{}
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(dir, path)
		out[rel] = info.ModTime().Format(time.RFC3339Nano) + "|" + canonical.HashBytes(mustRead(t, path))
		return nil
	})
	require.NoError(t, err)
	return out
}

func mustRead(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}
