package pipeline

import (
	"context"
	"testing"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scanalign/scanalign/internal/common/scanerrors"
	"github.com/scanalign/scanalign/internal/vision"
)

// recordingEvaluator measures a deterministic density per region and tracks
// the scope lifecycle so batching invariants can be asserted.
type recordingEvaluator struct {
	failOn        map[int]bool
	openCount     int
	openScopes    int
	maxOpenScopes int
	releaseCount  int
}

func (e *recordingEvaluator) OpenScope(img vision.Image) (RegionScope, error) {
	e.openCount++
	e.openScopes++
	if e.openScopes > e.maxOpenScopes {
		e.maxOpenScopes = e.openScopes
	}
	return &recordingScope{evaluator: e}, nil
}

type recordingScope struct {
	evaluator *recordingEvaluator
	released  bool
}

func (s *recordingScope) Evaluate(region vision.Region) (float64, error) {
	if s.evaluator.failOn[region.X] {
		return 0, assert.AnError
	}
	return float64(region.X) / 100, nil
}

func (s *recordingScope) Release() {
	if !s.released {
		s.released = true
		s.evaluator.openScopes--
		s.evaluator.releaseCount++
	}
}

func testRegions(n int) []vision.Region {
	regions := make([]vision.Region, n)
	for i := range regions {
		regions[i] = vision.Region{X: i, Y: i * 2, Width: 10, Height: 10}
	}
	return regions
}

func TestBatchedRegionExecutor_BatchSizeDoesNotChangeResults(t *testing.T) {
	regions := testRegions(17)
	img := &fakeImage{w: 1000, h: 1414}

	evaluateWith := func(batchSize int) []RegionResult {
		executor := NewBatchedRegionExecutor(&recordingEvaluator{})
		results, err := executor.EvaluateAll(context.Background(), img, regions, batchSize)
		require.NoError(t, err)
		return results
	}

	unbatched := evaluateWith(len(regions))
	for _, batchSize := range []int{1, 4, 5, 16, 100} {
		assert.Equal(t, unbatched, evaluateWith(batchSize), "batch size %d", batchSize)
	}

	for i, r := range unbatched {
		assert.Equal(t, i, r.Index)
		assert.Equal(t, regions[i], r.Region)
		assert.True(t, r.Ok)
		assert.InDelta(t, float64(i)/100, r.Density, 1e-9)
	}
}

func TestBatchedRegionExecutor_OneScopePerBatch(t *testing.T) {
	evaluator := &recordingEvaluator{}
	executor := NewBatchedRegionExecutor(evaluator)

	_, err := executor.EvaluateAll(context.Background(), &fakeImage{w: 100, h: 100}, testRegions(10), 4)
	require.NoError(t, err)

	// 10 regions in batches of 4 is three scopes, each released before the
	// next is opened.
	assert.Equal(t, 3, evaluator.openCount)
	assert.Equal(t, 3, evaluator.releaseCount)
	assert.Equal(t, 1, evaluator.maxOpenScopes)
	assert.Equal(t, 0, evaluator.openScopes)
}

func TestBatchedRegionExecutor_RegionFailuresDoNotAbort(t *testing.T) {
	evaluator := &recordingEvaluator{failOn: map[int]bool{3: true, 7: true}}
	executor := NewBatchedRegionExecutor(evaluator)

	results, err := executor.EvaluateAll(context.Background(), &fakeImage{w: 100, h: 100}, testRegions(10), 4)
	require.Error(t, err)
	require.Len(t, results, 10)

	var merr *multierror.Error
	require.ErrorAs(t, err, &merr)
	assert.Len(t, merr.Errors, 2)

	for i, r := range results {
		if i == 3 || i == 7 {
			assert.False(t, r.Ok)
			assert.Zero(t, r.Density)
		} else {
			assert.True(t, r.Ok, "region %d", i)
		}
	}
}

func TestBatchedRegionExecutor_RejectsNonPositiveBatchSize(t *testing.T) {
	executor := NewBatchedRegionExecutor(&recordingEvaluator{})

	_, err := executor.EvaluateAll(context.Background(), &fakeImage{w: 100, h: 100}, testRegions(3), 0)
	var invalidArg *scanerrors.ErrInvalidArgument
	require.ErrorAs(t, err, &invalidArg)
}

func TestBatchedRegionExecutor_HonoursCancellation(t *testing.T) {
	executor := NewBatchedRegionExecutor(&recordingEvaluator{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := executor.EvaluateAll(ctx, &fakeImage{w: 100, h: 100}, testRegions(3), 1)
	assert.ErrorIs(t, err, context.Canceled)
}
