package pipeline

import (
	"context"

	"github.com/pkg/errors"

	"github.com/scanalign/scanalign/internal/common/scanerrors"
	"github.com/scanalign/scanalign/internal/vision"
)

// ContourAligner aligns by detecting the document boundary in the source
// image and mapping it onto the output rectangle. No reference image is
// needed; it serves as the fallback when feature matching finds too few
// correspondences.
type ContourAligner struct {
	engine vision.Engine
	// WorkingDimension caps the resolution boundary detection runs at.
	WorkingDimension int
}

func NewContourAligner(engine vision.Engine, workingDimension int) *ContourAligner {
	return &ContourAligner{
		engine:           engine,
		WorkingDimension: workingDimension,
	}
}

func (a *ContourAligner) Strategy() Strategy {
	return StrategyContour
}

func (a *ContourAligner) Align(ctx context.Context, source, _ vision.Image, output Dimensions) (*AlignResult, error) {
	small, scale, err := downsampleRecordingScale(a.engine, source, a.WorkingDimension)
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, errors.WithStack(err)
	}

	quad, found, err := a.engine.DetectDocumentQuad(small)
	if err != nil {
		return nil, errors.WithMessage(err, "boundary detection")
	}
	if !found {
		return nil, &scanerrors.ErrAlignmentFailed{
			Strategy: string(StrategyContour),
			Reason:   "no suitable boundary found",
		}
	}

	// The quad was detected in the working space; project its corners back
	// to full resolution before fitting the output transform.
	var fullQuad vision.Quad
	for i, p := range quad {
		fullQuad[i] = vision.Point{X: p.X / scale.X, Y: p.Y / scale.Y}
	}

	target := vision.Quad{
		{X: 0, Y: 0},
		{X: float64(output.Width - 1), Y: 0},
		{X: float64(output.Width - 1), Y: float64(output.Height - 1)},
		{X: 0, Y: float64(output.Height - 1)},
	}
	transform, err := vision.QuadToQuadTransform(fullQuad, target)
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, errors.WithStack(err)
	}

	warped, err := a.engine.WarpPerspective(source, transform, output.Width, output.Height)
	if err != nil {
		return nil, errors.WithMessage(err, "perspective warp")
	}

	return &AlignResult{
		Image:      warped,
		Transform:  transform,
		MatchCount: len(fullQuad),
		Strategy:   StrategyContour,
	}, nil
}
