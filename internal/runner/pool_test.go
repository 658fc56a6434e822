package runner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestPoolRunsBatches(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t)
	// prime the shared cache once so parallel batches only read it
	_, err := f.runner.RunBatch(context.Background(), f.batch("b0", "stub"))
	require.NoError(t, err)

	pool := &Pool{Runner: f.runner, Parallelism: 2}
	specs := []BatchSpec{f.batch("b1", "stub"), f.batch("b2", "stub"), f.batch("b3", "stub")}
	results, err := pool.Run(context.Background(), specs)
	require.NoError(t, err)

	require.Len(t, results, 3)
	for i, res := range results {
		require.NotNil(t, res, "result %d", i)
		assert.Equal(t, specs[i].BatchID, res.BatchID)
		assert.Len(t, res.Summary.TopK, 1)
	}

	idx, err := f.seasons.Index("2026Q1")
	require.NoError(t, err)
	assert.Len(t, idx["batches"], 4)
}

func TestPoolStopsOnFailure(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t, stubStrategy{id: "stub"}, stubStrategy{id: "broken", fail: true})
	pool := &Pool{Runner: f.runner}
	_, err := pool.Run(context.Background(), []BatchSpec{
		f.batch("b1", "broken"),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "strategy blew up")
}

func TestPoolHonorsCancellation(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := (&Pool{Runner: f.runner}).Run(ctx, []BatchSpec{f.batch("b1", "stub")})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
