// Package vision defines the contract between the processing pipeline and
// the external vision collaborator. Feature extraction, matching, contour
// detection and warping are black boxes behind the Engine interface; the
// pipeline only reasons about dimensions, scale factors and transforms.
package vision

import (
	"context"
)

// Image is an opaque handle on decoded pixel data held by the vision engine.
// The core never inspects pixel contents, only the shape and approximate
// in-memory size needed for scaling and admission decisions.
type Image interface {
	Width() int
	Height() int
	// SizeBytes is the approximate in-memory size of the decoded pixels.
	SizeBytes() uint64
}

type Point struct {
	X float64
	Y float64
}

// Correspondence pairs a point in the source image with its matched point in
// the reference image, both in the coordinate space the match was computed in.
type Correspondence struct {
	Source    Point
	Reference Point
}

// Quad is the four corners of a document boundary, ordered top-left,
// top-right, bottom-right, bottom-left.
type Quad [4]Point

// Region is a rectangular area of an image, in pixels.
type Region struct {
	X      int
	Y      int
	Width  int
	Height int
}

// Engine is the external vision collaborator. Implementations are expected to
// be safe for use by one pipeline slot at a time; the admission queue
// guarantees no more than maxConcurrency jobs call into the engine
// simultaneously.
type Engine interface {
	// Decode decodes image bytes, downscaling so the longer edge does not
	// exceed maxDimension (0 means no limit).
	Decode(data []byte, maxDimension int) (Image, error)

	// Encode serialises an image. Format is an extension such as ".jpg";
	// quality applies to lossy formats.
	Encode(img Image, format string, quality int) ([]byte, error)

	// Downsample resizes so the longer edge equals longerEdge, preserving
	// aspect ratio. Images already within the bound are returned unchanged.
	Downsample(img Image, longerEdge int) (Image, error)

	// MatchFeatures extracts up to maxFeatures distinctive points from each
	// image and returns ratio-test filtered correspondences between them.
	// The call may block for a long time; implementations should respect ctx
	// where they can, but cancellation is cooperative only.
	MatchFeatures(ctx context.Context, source, reference Image, maxFeatures int) ([]Correspondence, error)

	// EstimateProjection fits a robust projective transform mapping source
	// points onto reference points. Returns the transform and the number of
	// inlier correspondences.
	EstimateProjection(correspondences []Correspondence) (*Transform, int, error)

	// DetectDocumentQuad finds the dominant rectangular boundary in the
	// image and returns its ordered corners. Returns false when no suitable
	// boundary exists.
	DetectDocumentQuad(img Image) (Quad, bool, error)

	// WarpPerspective applies t to img, producing an image of the given
	// output dimensions.
	WarpPerspective(img Image, t *Transform, width, height int) (Image, error)

	// EvaluateRegion measures the dark-pixel density of a region after
	// binarisation, in [0, 1]. Used for mark detection.
	EvaluateRegion(img Image, region Region) (float64, error)
}

// OrderQuad orders four arbitrary corner points top-left, top-right,
// bottom-right, bottom-left. The top-left corner has the smallest coordinate
// sum and the bottom-right the largest; the remaining two are separated by
// the sign of x-y.
func OrderQuad(pts [4]Point) Quad {
	var q Quad
	minSum, maxSum := pts[0], pts[0]
	minDiff, maxDiff := pts[0], pts[0]
	for _, p := range pts[1:] {
		if p.X+p.Y < minSum.X+minSum.Y {
			minSum = p
		}
		if p.X+p.Y > maxSum.X+maxSum.Y {
			maxSum = p
		}
		if p.Y-p.X < minDiff.Y-minDiff.X {
			minDiff = p
		}
		if p.Y-p.X > maxDiff.Y-maxDiff.X {
			maxDiff = p
		}
	}
	q[0] = minSum
	q[1] = minDiff
	q[2] = maxSum
	q[3] = maxDiff
	return q
}
