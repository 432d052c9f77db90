// Package pipeline contains the execution strategies invoked for an admitted
// job: scale adaptive geometric alignment, batched region evaluation and the
// facade composing them.
package pipeline

import (
	"context"

	"github.com/scanalign/scanalign/internal/vision"
)

type Strategy string

const (
	// StrategyFeature aligns against a reference image using matched
	// distinctive points.
	StrategyFeature Strategy = "feature"
	// StrategyContour aligns from the detected document boundary, without a
	// reference image.
	StrategyContour Strategy = "contour"
)

func (s Strategy) Valid() bool {
	return s == StrategyFeature || s == StrategyContour
}

// Dimensions is an output coordinate space, in pixels.
type Dimensions struct {
	Width  int
	Height int
}

// AlignResult is the outcome of a successful alignment.
type AlignResult struct {
	// Image is the source warped into the reference coordinate space, at
	// full output resolution.
	Image vision.Image
	// Transform maps full resolution source coordinates onto the output
	// space.
	Transform *vision.Transform
	// MatchCount is the number of correspondences (feature strategy) or the
	// number of boundary corners (contour strategy) the transform was fit
	// from.
	MatchCount int
	Strategy   Strategy
}

// Aligner is the single alignment capability both strategies implement.
// Selection between strategies is by configuration or automatic fallback,
// never by inspecting concrete types.
type Aligner interface {
	Strategy() Strategy
	// Align warps source into the reference coordinate space at output
	// resolution. reference may be nil for strategies that do not use one.
	Align(ctx context.Context, source, reference vision.Image, output Dimensions) (*AlignResult, error)
}
