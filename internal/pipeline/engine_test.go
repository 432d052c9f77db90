package pipeline

import (
	"context"
	"math"

	"github.com/pkg/errors"

	"github.com/scanalign/scanalign/internal/vision"
)

type fakeImage struct {
	w int
	h int
}

func (i *fakeImage) Width() int  { return i.w }
func (i *fakeImage) Height() int { return i.h }
func (i *fakeImage) SizeBytes() uint64 {
	return uint64(i.w) * uint64(i.h) * 3
}

// fakeEngine synthesises geometrically consistent vision results from a
// known ground truth transform, so the aligners' scale handling can be
// checked against exact expected coordinates.
type fakeEngine struct {
	// truth maps full resolution source points onto full resolution
	// reference points; MatchFeatures derives its correspondences from it.
	truth *vision.Transform

	matchCount int
	matchErr   error

	quad      vision.Quad
	quadFound bool

	evaluate func(call int, region vision.Region) (float64, error)

	decodeSizes map[string]fakeImage

	// Observations for assertions.
	scaleOf              map[vision.Image]vision.Scale
	origOf               map[vision.Image]vision.Image
	requestedMaxFeatures int
	warpedImage          vision.Image
	warpedTransform      *vision.Transform
	evaluateCalls        int
	encoded              [][]byte
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		truth:       vision.IdentityTransform(),
		matchCount:  50,
		decodeSizes: map[string]fakeImage{},
		scaleOf:     map[vision.Image]vision.Scale{},
		origOf:      map[vision.Image]vision.Image{},
	}
}

func (e *fakeEngine) Decode(data []byte, maxDimension int) (vision.Image, error) {
	size, ok := e.decodeSizes[string(data)]
	if !ok {
		return nil, errors.Errorf("unknown image payload %q", string(data))
	}
	img := &fakeImage{w: size.w, h: size.h}
	if maxDimension > 0 {
		return e.Downsample(img, maxDimension)
	}
	return img, nil
}

func (e *fakeEngine) Encode(img vision.Image, format string, quality int) ([]byte, error) {
	encoded := []byte("encoded")
	e.encoded = append(e.encoded, encoded)
	return encoded, nil
}

func (e *fakeEngine) Downsample(img vision.Image, longerEdge int) (vision.Image, error) {
	longer := img.Width()
	if img.Height() > longer {
		longer = img.Height()
	}
	if longer <= longerEdge {
		e.scaleOf[img] = vision.Scale{X: 1, Y: 1}
		e.origOf[img] = img
		return img, nil
	}
	factor := float64(longerEdge) / float64(longer)
	small := &fakeImage{
		w: int(math.Round(float64(img.Width()) * factor)),
		h: int(math.Round(float64(img.Height()) * factor)),
	}
	e.scaleOf[small] = vision.Scale{
		X: float64(small.w) / float64(img.Width()),
		Y: float64(small.h) / float64(img.Height()),
	}
	e.origOf[small] = img
	return small, nil
}

// MatchFeatures emits correspondences consistent with the ground truth: a
// full resolution source point is projected into the working source space,
// its partner through truth and into the working reference space. The first
// four points are the source corners so a projective fit is well posed.
func (e *fakeEngine) MatchFeatures(ctx context.Context, source, reference vision.Image, maxFeatures int) ([]vision.Correspondence, error) {
	if e.matchErr != nil {
		return nil, e.matchErr
	}
	e.requestedMaxFeatures = maxFeatures

	sourceScale := e.scaleOf[source]
	referenceScale := e.scaleOf[reference]
	orig := e.origOf[source]
	w, h := float64(orig.Width()-1), float64(orig.Height()-1)

	fullPoints := []vision.Point{
		{X: 0, Y: 0},
		{X: w, Y: 0},
		{X: w, Y: h},
		{X: 0, Y: h},
	}
	for i := len(fullPoints); i < e.matchCount; i++ {
		fullPoints = append(fullPoints, vision.Point{
			X: float64((i * 97) % orig.Width()),
			Y: float64((i * 57) % orig.Height()),
		})
	}
	if len(fullPoints) > e.matchCount {
		fullPoints = fullPoints[:e.matchCount]
	}

	correspondences := make([]vision.Correspondence, 0, len(fullPoints))
	for _, p := range fullPoints {
		mapped := e.truth.Apply(p)
		correspondences = append(correspondences, vision.Correspondence{
			Source:    vision.Point{X: p.X * sourceScale.X, Y: p.Y * sourceScale.Y},
			Reference: vision.Point{X: mapped.X * referenceScale.X, Y: mapped.Y * referenceScale.Y},
		})
	}
	return correspondences, nil
}

// EstimateProjection fits from the first four correspondences, which the
// fake guarantees are the source corners.
func (e *fakeEngine) EstimateProjection(correspondences []vision.Correspondence) (*vision.Transform, int, error) {
	if len(correspondences) < 4 {
		return nil, 0, errors.Errorf("%d correspondences cannot constrain a projection", len(correspondences))
	}
	var src, dst vision.Quad
	for i := 0; i < 4; i++ {
		src[i] = correspondences[i].Source
		dst[i] = correspondences[i].Reference
	}
	transform, err := vision.QuadToQuadTransform(src, dst)
	if err != nil {
		return nil, 0, err
	}
	return transform, len(correspondences), nil
}

func (e *fakeEngine) DetectDocumentQuad(img vision.Image) (vision.Quad, bool, error) {
	return e.quad, e.quadFound, nil
}

func (e *fakeEngine) WarpPerspective(img vision.Image, t *vision.Transform, width, height int) (vision.Image, error) {
	e.warpedImage = img
	e.warpedTransform = t
	return &fakeImage{w: width, h: height}, nil
}

func (e *fakeEngine) EvaluateRegion(img vision.Image, region vision.Region) (float64, error) {
	call := e.evaluateCalls
	e.evaluateCalls++
	if e.evaluate != nil {
		return e.evaluate(call, region)
	}
	return 0, nil
}
