package runner

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/logging"
)

// DefaultParallelism bounds the pool when the caller does not.
const DefaultParallelism = 2

// Pool executes independent batches concurrently. Jobs inside a batch stay
// sequential; only whole batches fan out.
type Pool struct {
	Runner      *Runner
	Parallelism int
}

// Run executes every batch and returns results positionally aligned with
// specs. The first batch failure cancels the remaining batches through the
// group context.
func (p *Pool) Run(ctx context.Context, specs []BatchSpec) ([]*BatchResult, error) {
	limit := p.Parallelism
	if limit <= 0 {
		limit = DefaultParallelism
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	logging.Get(logging.CategoryRunner).Info("running %d batches, parallelism %d", len(specs), limit)
	results := make([]*BatchResult, len(specs))
	for i, spec := range specs {
		i, spec := i, spec
		g.Go(func() error {
			res, err := p.Runner.RunBatch(ctx, spec)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
