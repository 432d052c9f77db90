package pipeline

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/scanalign/scanalign/internal/common/scanerrors"
	"github.com/scanalign/scanalign/internal/vision"
)

// workingTier maps an input size to the feature budget and working
// resolution used for correspondence finding. Fitting at reduced resolution
// is what keeps the pipeline inside its memory ceiling; the resulting
// transform is projected back to full resolution afterwards.
type workingTier struct {
	maxLongerEdge    int
	maxFeatures      int
	workingDimension int
}

var defaultWorkingTiers = []workingTier{
	{maxLongerEdge: 800, maxFeatures: 150, workingDimension: 800},
	{maxLongerEdge: 1000, maxFeatures: 200, workingDimension: 900},
	{maxLongerEdge: 1200, maxFeatures: 250, workingDimension: 1000},
	{maxLongerEdge: 0, maxFeatures: 300, workingDimension: 1000},
}

// workingParamsFor picks the tier for an image whose longer edge is the given
// size. The last tier (maxLongerEdge 0) is the catch-all.
func workingParamsFor(tiers []workingTier, longerEdge int) workingTier {
	for _, tier := range tiers {
		if tier.maxLongerEdge != 0 && longerEdge <= tier.maxLongerEdge {
			return tier
		}
	}
	return tiers[len(tiers)-1]
}

// FeatureAligner is the scale adaptive, feature based alignment strategy. It
// downsamples both images to a working resolution, delegates correspondence
// finding to the vision engine at that resolution, conjugates the fitted
// transform back into full resolution coordinates and warps the original
// full resolution source. The downsampled copies are never warped.
type FeatureAligner struct {
	engine vision.Engine
	// Minimum correspondences below which alignment fails.
	MinMatches int
	// WorkingDimension overrides the tier table when non-zero.
	WorkingDimension int

	tiers []workingTier
}

func NewFeatureAligner(engine vision.Engine, minMatches int) *FeatureAligner {
	return &FeatureAligner{
		engine:     engine,
		MinMatches: minMatches,
		tiers:      defaultWorkingTiers,
	}
}

func (a *FeatureAligner) Strategy() Strategy {
	return StrategyFeature
}

func (a *FeatureAligner) Align(ctx context.Context, source, reference vision.Image, output Dimensions) (*AlignResult, error) {
	if reference == nil {
		return nil, errors.WithStack(&scanerrors.ErrInvalidArgument{
			Name:    "reference",
			Value:   nil,
			Message: "the feature strategy requires a reference image",
		})
	}

	tier := workingParamsFor(a.tiers, longerEdgeOf(source))
	workingDimension := tier.workingDimension
	if a.WorkingDimension > 0 {
		workingDimension = a.WorkingDimension
	}

	sourceSmall, sourceScale, err := downsampleRecordingScale(a.engine, source, workingDimension)
	if err != nil {
		return nil, err
	}
	referenceSmall, referenceScale, err := downsampleRecordingScale(a.engine, reference, workingDimension)
	if err != nil {
		return nil, err
	}
	log.Debugf("Working resolution %dx%d for source %dx%d",
		sourceSmall.Width(), sourceSmall.Height(), source.Width(), source.Height())

	if err := ctx.Err(); err != nil {
		return nil, errors.WithStack(err)
	}

	correspondences, err := a.engine.MatchFeatures(ctx, sourceSmall, referenceSmall, tier.maxFeatures)
	if err != nil {
		return nil, errors.WithMessage(err, "feature matching")
	}
	if len(correspondences) < a.MinMatches {
		return nil, &scanerrors.ErrAlignmentFailed{
			Strategy: string(StrategyFeature),
			Reason:   "insufficient matches",
			Matches:  len(correspondences),
		}
	}

	working, inliers, err := a.engine.EstimateProjection(correspondences)
	if err != nil {
		return nil, errors.WithMessage(err, "projection estimation")
	}

	// The transform was fit in the working space; conjugate it by the
	// recorded scale factors so it is valid at full resolution.
	full := working.RescaleBetween(sourceScale, referenceScale)

	if err := ctx.Err(); err != nil {
		return nil, errors.WithStack(err)
	}

	warped, err := a.engine.WarpPerspective(source, full, output.Width, output.Height)
	if err != nil {
		return nil, errors.WithMessage(err, "perspective warp")
	}

	return &AlignResult{
		Image:      warped,
		Transform:  full,
		MatchCount: inliers,
		Strategy:   StrategyFeature,
	}, nil
}

// downsampleRecordingScale resizes img so its longer edge is at most
// workingDimension and returns the per-axis factors relating full resolution
// coordinates to the working space.
func downsampleRecordingScale(engine vision.Engine, img vision.Image, workingDimension int) (vision.Image, vision.Scale, error) {
	small, err := engine.Downsample(img, workingDimension)
	if err != nil {
		return nil, vision.Scale{}, errors.WithMessage(err, "downsample")
	}
	scale := vision.Scale{
		X: float64(small.Width()) / float64(img.Width()),
		Y: float64(small.Height()) / float64(img.Height()),
	}
	return small, scale, nil
}

func longerEdgeOf(img vision.Image) int {
	if img.Width() > img.Height() {
		return img.Width()
	}
	return img.Height()
}
