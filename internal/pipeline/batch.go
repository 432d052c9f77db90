package pipeline

import (
	"context"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/scanalign/scanalign/internal/common/scanerrors"
	"github.com/scanalign/scanalign/internal/common/util"
	"github.com/scanalign/scanalign/internal/vision"
)

// RegionResult is the measurement for one region. Results are always
// returned in input order, whatever the batch size.
type RegionResult struct {
	Index   int
	Region  vision.Region
	Density float64
	// Ok is false when evaluating this region failed; Density is zero then.
	Ok bool
}

// RegionScope holds whatever buffers the evaluator needs for one batch of
// regions. Release frees them; it must be called exactly once, before the
// next batch is opened, so peak memory stays bounded by one batch regardless
// of garbage collector timing.
type RegionScope interface {
	Evaluate(region vision.Region) (float64, error)
	Release()
}

// RegionEvaluator opens per-batch scopes over an image.
type RegionEvaluator interface {
	OpenScope(img vision.Image) (RegionScope, error)
}

// BatchedRegionExecutor evaluates a fixed set of independent regions in
// consecutive batches. Batch size bounds peak memory and latency only; it
// never changes the content or order of the results, and a batch size of
// len(regions) behaves identically to no batching at all.
type BatchedRegionExecutor struct {
	evaluator RegionEvaluator
}

func NewBatchedRegionExecutor(evaluator RegionEvaluator) *BatchedRegionExecutor {
	return &BatchedRegionExecutor{evaluator: evaluator}
}

// EvaluateAll measures every region, batchSize at a time. Per-region
// failures are collected into the returned multierror and marked on the
// corresponding result; they do not abort the remaining regions.
func (e *BatchedRegionExecutor) EvaluateAll(ctx context.Context, img vision.Image, regions []vision.Region, batchSize int) ([]RegionResult, error) {
	if batchSize <= 0 {
		return nil, errors.WithStack(&scanerrors.ErrInvalidArgument{
			Name:    "batchSize",
			Value:   batchSize,
			Message: "must be positive",
		})
	}

	results := make([]RegionResult, 0, len(regions))
	var regionErrors *multierror.Error

	index := 0
	for _, batch := range util.Batch(regions, batchSize) {
		if err := ctx.Err(); err != nil {
			return nil, errors.WithStack(err)
		}
		batchResults, err := e.evaluateBatch(img, batch, index)
		if err != nil {
			return nil, err
		}
		for _, r := range batchResults {
			if !r.Ok {
				regionErrors = multierror.Append(regionErrors,
					errors.Errorf("region %d at (%d,%d) could not be evaluated", r.Index, r.Region.X, r.Region.Y))
			}
		}
		results = append(results, batchResults...)
		index += len(batch)
	}

	return results, regionErrors.ErrorOrNil()
}

// evaluateBatch opens one scope, measures the batch in order and releases
// the scope before returning.
func (e *BatchedRegionExecutor) evaluateBatch(img vision.Image, batch []vision.Region, startIndex int) ([]RegionResult, error) {
	scope, err := e.evaluator.OpenScope(img)
	if err != nil {
		return nil, errors.WithMessage(err, "opening region scope")
	}
	defer scope.Release()

	results := make([]RegionResult, 0, len(batch))
	for i, region := range batch {
		result := RegionResult{Index: startIndex + i, Region: region}
		density, err := scope.Evaluate(region)
		if err == nil {
			result.Density = density
			result.Ok = true
		}
		results = append(results, result)
	}
	return results, nil
}
