package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scanalign/scanalign/internal/common/scanerrors"
	"github.com/scanalign/scanalign/internal/vision"
)

// A mildly projective ground truth; strong enough that a transform fit at
// the wrong scale would miss probe points by many pixels.
func testTruthTransform() *vision.Transform {
	return vision.NewTransform([]float64{
		0.92, 0.03, 14,
		-0.02, 1.05, -8,
		0.00002, 0.00001, 1,
	})
}

func assertTransformsAgree(t *testing.T, expected, actual *vision.Transform, probes []vision.Point, tolerance float64) {
	t.Helper()
	for _, p := range probes {
		want := expected.Apply(p)
		got := actual.Apply(p)
		assert.InDelta(t, want.X, got.X, tolerance, "probe %+v x", p)
		assert.InDelta(t, want.Y, got.Y, tolerance, "probe %+v y", p)
	}
}

func TestWorkingParamsFor(t *testing.T) {
	tests := map[string]struct {
		longerEdge               int
		expectedMaxFeatures      int
		expectedWorkingDimension int
	}{
		"small input uses the lightest tier":   {500, 150, 800},
		"boundary of the lightest tier":        {800, 150, 800},
		"medium input":                         {1000, 200, 900},
		"large input":                          {1200, 250, 1000},
		"anything larger hits the catch all":   {4000, 300, 1000},
		"just past a boundary moves up a tier": {801, 200, 900},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			tier := workingParamsFor(defaultWorkingTiers, tc.longerEdge)
			assert.Equal(t, tc.expectedMaxFeatures, tier.maxFeatures)
			assert.Equal(t, tc.expectedWorkingDimension, tier.workingDimension)
		})
	}
}

func TestFeatureAligner_RecoversFullResolutionTransform(t *testing.T) {
	engine := newFakeEngine()
	engine.truth = testTruthTransform()
	aligner := NewFeatureAligner(engine, 10)

	source := &fakeImage{w: 2000, h: 1500}
	reference := &fakeImage{w: 1000, h: 1414}
	output := Dimensions{Width: 1000, Height: 1414}

	result, err := aligner.Align(context.Background(), source, reference, output)
	require.NoError(t, err)
	assert.Equal(t, StrategyFeature, result.Strategy)
	assert.Equal(t, 50, result.MatchCount)
	assert.Equal(t, output.Width, result.Image.Width())
	assert.Equal(t, output.Height, result.Image.Height())

	// The transform used for warping must be valid at full resolution even
	// though the fit happened on downsampled copies.
	probes := []vision.Point{{X: 0, Y: 0}, {X: 1999, Y: 0}, {X: 1999, Y: 1499}, {X: 317, Y: 911}}
	assertTransformsAgree(t, engine.truth, result.Transform, probes, 1e-6)
	assertTransformsAgree(t, engine.truth, engine.warpedTransform, probes, 1e-6)
}

func TestFeatureAligner_WarpsTheOriginalImage(t *testing.T) {
	engine := newFakeEngine()
	engine.truth = testTruthTransform()
	aligner := NewFeatureAligner(engine, 10)

	source := &fakeImage{w: 2000, h: 1500}
	reference := &fakeImage{w: 1000, h: 1414}

	_, err := aligner.Align(context.Background(), source, reference, Dimensions{Width: 1000, Height: 1414})
	require.NoError(t, err)

	// The downsampled copy exists only for matching; the warp consumes the
	// image the caller passed in.
	assert.Same(t, source, engine.warpedImage)
}

func TestFeatureAligner_WorkingResolutionDoesNotChangeTheResult(t *testing.T) {
	probes := []vision.Point{{X: 12, Y: 34}, {X: 1800, Y: 200}, {X: 990, Y: 1400}}

	alignAt := func(workingDimension int) *vision.Transform {
		engine := newFakeEngine()
		engine.truth = testTruthTransform()
		aligner := NewFeatureAligner(engine, 10)
		aligner.WorkingDimension = workingDimension

		result, err := aligner.Align(context.Background(),
			&fakeImage{w: 2000, h: 1500}, &fakeImage{w: 1000, h: 1414}, Dimensions{Width: 1000, Height: 1414})
		require.NoError(t, err)
		return result.Transform
	}

	coarse := alignAt(500)
	fine := alignAt(1000)
	assertTransformsAgree(t, fine, coarse, probes, 1e-6)
}

func TestFeatureAligner_FeatureBudgetFollowsInputSize(t *testing.T) {
	tests := map[string]struct {
		sourceWidth         int
		sourceHeight        int
		expectedMaxFeatures int
	}{
		"small":  {800, 600, 150},
		"medium": {1000, 700, 200},
		"large":  {900, 1200, 250},
		"huge":   {3000, 2000, 300},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			engine := newFakeEngine()
			engine.truth = testTruthTransform()
			aligner := NewFeatureAligner(engine, 10)

			_, err := aligner.Align(context.Background(),
				&fakeImage{w: tc.sourceWidth, h: tc.sourceHeight},
				&fakeImage{w: 1000, h: 1414},
				Dimensions{Width: 1000, Height: 1414})
			require.NoError(t, err)
			assert.Equal(t, tc.expectedMaxFeatures, engine.requestedMaxFeatures)
		})
	}
}

func TestFeatureAligner_FailsOnInsufficientMatches(t *testing.T) {
	engine := newFakeEngine()
	engine.truth = testTruthTransform()
	engine.matchCount = 7
	aligner := NewFeatureAligner(engine, 10)

	_, err := aligner.Align(context.Background(),
		&fakeImage{w: 2000, h: 1500}, &fakeImage{w: 1000, h: 1414}, Dimensions{Width: 1000, Height: 1414})
	require.Error(t, err)
	var alignmentErr *scanerrors.ErrAlignmentFailed
	require.ErrorAs(t, err, &alignmentErr)
	assert.Equal(t, string(StrategyFeature), alignmentErr.Strategy)
	assert.Equal(t, 7, alignmentErr.Matches)
}

func TestFeatureAligner_RequiresReference(t *testing.T) {
	engine := newFakeEngine()
	aligner := NewFeatureAligner(engine, 10)

	_, err := aligner.Align(context.Background(), &fakeImage{w: 2000, h: 1500}, nil, Dimensions{Width: 1000, Height: 1414})
	var invalidArg *scanerrors.ErrInvalidArgument
	require.ErrorAs(t, err, &invalidArg)
}

func TestFeatureAligner_HonoursCancellation(t *testing.T) {
	engine := newFakeEngine()
	engine.truth = testTruthTransform()
	aligner := NewFeatureAligner(engine, 10)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := aligner.Align(ctx, &fakeImage{w: 2000, h: 1500}, &fakeImage{w: 1000, h: 1414}, Dimensions{Width: 1000, Height: 1414})
	assert.ErrorIs(t, err, context.Canceled)
}
