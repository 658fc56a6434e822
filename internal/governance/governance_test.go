package governance

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/errs"
	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/layout"
)

func testStore(t *testing.T) (*SeasonStore, layout.Root) {
	t.Helper()
	root := layout.Root{Dir: t.TempDir()}
	s, err := NewSeasonStore(root)
	require.NoError(t, err)
	s.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return s, root
}

func TestSeasonCreateAndDuplicate(t *testing.T) {
	s, root := testStore(t)
	meta, err := s.Create("2026Q1")
	require.NoError(t, err)
	assert.Equal(t, "2026-03-01T12:00:00Z", meta.CreatedAt)
	assert.False(t, meta.Frozen)

	_, err = os.Stat(filepath.Join(root.SeasonIndexDir("2026Q1"), layout.SeasonMetadataFile))
	assert.NoError(t, err)

	_, err = s.Create("2026Q1")
	var dup *errs.Duplicate
	assert.True(t, errors.As(err, &dup))
}

func TestSeasonMetadataMissingIsNil(t *testing.T) {
	s, _ := testStore(t)
	meta, err := s.Metadata("ghost")
	require.NoError(t, err)
	assert.Nil(t, meta)

	frozen, err := s.Frozen("ghost")
	require.NoError(t, err)
	assert.False(t, frozen)
}

func TestFreezeIsOneWay(t *testing.T) {
	s, _ := testStore(t)
	_, err := s.Create("2026Q1")
	require.NoError(t, err)

	meta, err := s.Freeze("2026Q1")
	require.NoError(t, err)
	assert.True(t, meta.Frozen)
	assert.NotEmpty(t, meta.FrozenAt)

	again, err := s.Freeze("2026Q1")
	require.NoError(t, err)
	assert.Equal(t, meta.FrozenAt, again.FrozenAt)

	_, err = s.Freeze("ghost")
	var nf *errs.NotFound
	assert.True(t, errors.As(err, &nf))
}

func TestTagAndNoteRejectFrozenSeason(t *testing.T) {
	s, _ := testStore(t)
	_, err := s.Create("2026Q1")
	require.NoError(t, err)

	meta, err := s.Tag("2026Q1", "baseline")
	require.NoError(t, err)
	assert.Equal(t, []string{"baseline"}, meta.Tags)

	meta, err = s.SetNote("2026Q1", "first pass")
	require.NoError(t, err)
	assert.Equal(t, "first pass", meta.Note)

	_, err = s.Freeze("2026Q1")
	require.NoError(t, err)

	_, err = s.Tag("2026Q1", "late")
	var fv *errs.FrozenViolation
	require.True(t, errors.As(err, &fv))
	assert.Equal(t, "2026Q1", fv.Season)
	_, err = s.SetNote("2026Q1", "late")
	assert.True(t, errors.As(err, &fv))
}

func TestRebuildIndexBlockedAfterFreeze(t *testing.T) {
	s, root := testStore(t)
	_, err := s.Create("2026Q1")
	require.NoError(t, err)

	batches := NewBatchStore()
	_, err = batches.Register("b1", "2026Q1")
	require.NoError(t, err)
	require.NoError(t, s.RebuildIndex("2026Q1", batches.BySeason("2026Q1")))

	idxPath := filepath.Join(root.SeasonIndexDir("2026Q1"), layout.SeasonIndexFile)
	before, err := os.ReadFile(idxPath)
	require.NoError(t, err)
	info, err := os.Stat(idxPath)
	require.NoError(t, err)

	_, err = s.Freeze("2026Q1")
	require.NoError(t, err)

	_, err = batches.Register("b2", "2026Q1")
	require.NoError(t, err)
	err = s.RebuildIndex("2026Q1", batches.BySeason("2026Q1"))
	var fv *errs.FrozenViolation
	require.True(t, errors.As(err, &fv))

	after, err := os.ReadFile(idxPath)
	require.NoError(t, err)
	assert.Equal(t, before, after, "index untouched after rejected rebuild")
	info2, err := os.Stat(idxPath)
	require.NoError(t, err)
	assert.Equal(t, info.ModTime(), info2.ModTime())
}

func TestSeasonIndexRead(t *testing.T) {
	s, _ := testStore(t)
	_, err := s.Index("ghost")
	var nf *errs.NotFound
	require.True(t, errors.As(err, &nf))

	_, err = s.Create("2026Q1")
	require.NoError(t, err)
	require.NoError(t, s.RebuildIndex("2026Q1", []BatchRecord{{BatchID: "b1", Season: "2026Q1"}}))
	idx, err := s.Index("2026Q1")
	require.NoError(t, err)
	assert.Equal(t, "2026Q1", idx["season"])
}

func TestBatchStore(t *testing.T) {
	bs := NewBatchStore()
	_, err := bs.Register("b1", "2026Q1")
	require.NoError(t, err)
	_, err = bs.Register("b1", "2026Q1")
	var dup *errs.Duplicate
	assert.True(t, errors.As(err, &dup))

	_, err = bs.Register("b0", "2026Q1")
	require.NoError(t, err)
	_, err = bs.Register("other", "2025Q4")
	require.NoError(t, err)

	rec, err := bs.Freeze("b1")
	require.NoError(t, err)
	assert.True(t, rec.Frozen)
	rec, err = bs.Get("b1")
	require.NoError(t, err)
	assert.True(t, rec.Frozen, "freeze persists")

	_, err = bs.Freeze("ghost")
	var nf *errs.NotFound
	assert.True(t, errors.As(err, &nf))

	recs := bs.BySeason("2026Q1")
	require.Len(t, recs, 2)
	assert.Equal(t, "b0", recs[0].BatchID)
	assert.Equal(t, "b1", recs[1].BatchID)
}

func TestClassifyUnknownFailsSafe(t *testing.T) {
	assert.Equal(t, LevelReadOnly, Classify("plan_list"))
	assert.Equal(t, LevelResearchMutate, Classify("batch_submit"))
	assert.Equal(t, LevelLiveExecute, Classify("order_submit"))
	assert.Equal(t, LevelLiveExecute, Classify("brand_new_action"))
}

func TestPolicyReadOnlyAlwaysAllowed(t *testing.T) {
	s, _ := testStore(t)
	p := &Policy{Seasons: s}
	d, err := p.Decide("plan_list", "ghost")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, "low", d.Risk)
}

func TestPolicyResearchMutateHonorsFreeze(t *testing.T) {
	s, _ := testStore(t)
	p := &Policy{Seasons: s}
	_, err := s.Create("2026Q1")
	require.NoError(t, err)

	d, err := p.Decide("batch_submit", "2026Q1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	_, err = s.Freeze("2026Q1")
	require.NoError(t, err)
	d, err = p.Decide("batch_submit", "2026Q1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, "medium", d.Risk)

	err = p.Enforce("batch_submit", "2026Q1")
	var fv *errs.FrozenViolation
	assert.True(t, errors.As(err, &fv))
}

func TestPolicyLiveExecuteArming(t *testing.T) {
	s, _ := testStore(t)
	token := filepath.Join(t.TempDir(), "live.token")

	p := &Policy{Seasons: s}
	d, err := p.Decide("order_submit", "")
	require.NoError(t, err)
	assert.False(t, d.Allowed, "disabled flag blocks live")

	p.EnableLive = true
	p.TokenPath = token
	d, err = p.Decide("order_submit", "")
	require.NoError(t, err)
	assert.False(t, d.Allowed, "missing token file blocks live")

	require.NoError(t, os.WriteFile(token, []byte("wrong"), 0o600))
	d, err = p.Decide("order_submit", "")
	require.NoError(t, err)
	assert.False(t, d.Allowed, "wrong token content blocks live")

	require.NoError(t, os.WriteFile(token, []byte(LiveToken+"\n"), 0o600))
	d, err = p.Decide("order_submit", "")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, "high", d.Risk)

	err = p.Enforce("unclassified_thing", "")
	var pd *errs.PolicyDenied
	assert.False(t, errors.As(err, &pd), "armed live allows even unknown actions")
	assert.NoError(t, err)
}
