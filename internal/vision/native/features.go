package native

import (
	"context"
	"image"
	"math"
	"math/rand"
	"sort"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/scanalign/scanalign/internal/common/scanerrors"
	"github.com/scanalign/scanalign/internal/vision"
)

const (
	patchRadius    = 5
	cornerCellSize = 16
	// Lowe style ratio between best and second best descriptor distances.
	matchRatio = 0.8
)

type corner struct {
	x, y     int
	response float64
}

type feature struct {
	point      vision.Point
	descriptor []float64
}

// MatchFeatures detects Harris corners in both images, describes them with
// normalised intensity patches and matches by ratio tested nearest
// neighbour search.
func (e *Engine) MatchFeatures(ctx context.Context, source, reference vision.Image, maxFeatures int) ([]vision.Correspondence, error) {
	sourceNative, err := asNative(source)
	if err != nil {
		return nil, err
	}
	referenceNative, err := asNative(reference)
	if err != nil {
		return nil, err
	}

	sourceFeatures := extractFeatures(sourceNative.Gray(), maxFeatures)
	if err := ctx.Err(); err != nil {
		return nil, errors.WithStack(err)
	}
	referenceFeatures := extractFeatures(referenceNative.Gray(), maxFeatures)
	if err := ctx.Err(); err != nil {
		return nil, errors.WithStack(err)
	}

	var correspondences []vision.Correspondence
	for _, sf := range sourceFeatures {
		bestIndex, best, second := -1, math.MaxFloat64, math.MaxFloat64
		for i, rf := range referenceFeatures {
			d := descriptorDistance(sf.descriptor, rf.descriptor)
			if d < best {
				second = best
				best = d
				bestIndex = i
			} else if d < second {
				second = d
			}
		}
		if bestIndex < 0 {
			continue
		}
		if second > 0 && best/second > matchRatio {
			continue
		}
		correspondences = append(correspondences, vision.Correspondence{
			Source:    sf.point,
			Reference: referenceFeatures[bestIndex].point,
		})
	}
	return correspondences, nil
}

// extractFeatures finds up to maxFeatures corners spread over a cell grid so
// matches are not all clustered in one busy area.
func extractFeatures(gray *image.Gray, maxFeatures int) []feature {
	corners := detectCorners(gray, maxFeatures)

	features := make([]feature, 0, len(corners))
	for _, c := range corners {
		descriptor := describePatch(gray, c.x, c.y)
		if descriptor == nil {
			continue
		}
		features = append(features, feature{
			point:      vision.Point{X: float64(c.x), Y: float64(c.y)},
			descriptor: descriptor,
		})
	}
	return features
}

func detectCorners(gray *image.Gray, maxFeatures int) []corner {
	w, h := gray.Rect.Dx(), gray.Rect.Dy()
	border := patchRadius + 1
	if w <= 2*border || h <= 2*border {
		return nil
	}

	at := func(x, y int) float64 {
		return float64(gray.Pix[y*gray.Stride+x])
	}

	// Harris response from central difference gradients summed over a 3x3
	// window.
	response := make([]float64, w*h)
	for y := border; y < h-border; y++ {
		for x := border; x < w-border; x++ {
			var sxx, syy, sxy float64
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					px, py := x+dx, y+dy
					ix := (at(px+1, py) - at(px-1, py)) / 2
					iy := (at(px, py+1) - at(px, py-1)) / 2
					sxx += ix * ix
					syy += iy * iy
					sxy += ix * iy
				}
			}
			det := sxx*syy - sxy*sxy
			trace := sxx + syy
			response[y*w+x] = det - 0.04*trace*trace
		}
	}

	// One candidate per cell keeps the corners spread across the sheet.
	var candidates []corner
	for cellY := 0; cellY < h; cellY += cornerCellSize {
		for cellX := 0; cellX < w; cellX += cornerCellSize {
			best := corner{response: 0}
			for y := cellY; y < cellY+cornerCellSize && y < h; y++ {
				for x := cellX; x < cellX+cornerCellSize && x < w; x++ {
					if r := response[y*w+x]; r > best.response {
						best = corner{x: x, y: y, response: r}
					}
				}
			}
			if best.response > 1 {
				candidates = append(candidates, best)
			}
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].response > candidates[j].response
	})
	if len(candidates) > maxFeatures {
		candidates = candidates[:maxFeatures]
	}
	return candidates
}

// describePatch samples the square around a corner and normalises it to zero
// mean, unit magnitude, so matching tolerates brightness differences between
// the scan and the template.
func describePatch(gray *image.Gray, cx, cy int) []float64 {
	w, h := gray.Rect.Dx(), gray.Rect.Dy()
	if cx < patchRadius || cy < patchRadius || cx >= w-patchRadius || cy >= h-patchRadius {
		return nil
	}

	side := 2*patchRadius + 1
	descriptor := make([]float64, 0, side*side)
	var sum float64
	for dy := -patchRadius; dy <= patchRadius; dy++ {
		for dx := -patchRadius; dx <= patchRadius; dx++ {
			v := float64(gray.Pix[(cy+dy)*gray.Stride+cx+dx])
			descriptor = append(descriptor, v)
			sum += v
		}
	}

	mean := sum / float64(len(descriptor))
	var norm float64
	for i := range descriptor {
		descriptor[i] -= mean
		norm += descriptor[i] * descriptor[i]
	}
	norm = math.Sqrt(norm)
	if norm < 1e-9 {
		// A flat patch carries no information to match on.
		return nil
	}
	for i := range descriptor {
		descriptor[i] /= norm
	}
	return descriptor
}

func descriptorDistance(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

// EstimateProjection fits a projective transform to the correspondences with
// a RANSAC loop over four point samples, then refines on the inlier set by
// least squares.
func (e *Engine) EstimateProjection(correspondences []vision.Correspondence) (*vision.Transform, int, error) {
	if len(correspondences) < 4 {
		return nil, 0, errors.WithStack(&scanerrors.ErrAlignmentFailed{
			Strategy: "feature",
			Reason:   "too few correspondences to constrain a projection",
			Matches:  len(correspondences),
		})
	}

	// Deterministic sampling keeps results reproducible across runs.
	rng := rand.New(rand.NewSource(1))

	var bestTransform *vision.Transform
	var bestInliers []int
	for iteration := 0; iteration < e.MaxRansacIterations; iteration++ {
		sample := sampleFour(rng, len(correspondences))
		var src, dst vision.Quad
		for i, index := range sample {
			src[i] = correspondences[index].Source
			dst[i] = correspondences[index].Reference
		}
		candidate, err := vision.QuadToQuadTransform(src, dst)
		if err != nil {
			continue
		}

		var inliers []int
		for i, c := range correspondences {
			mapped := candidate.Apply(c.Source)
			if math.Hypot(mapped.X-c.Reference.X, mapped.Y-c.Reference.Y) <= e.InlierThreshold {
				inliers = append(inliers, i)
			}
		}
		if len(inliers) > len(bestInliers) {
			bestInliers = inliers
			bestTransform = candidate
		}
	}

	if len(bestInliers) < 4 {
		return nil, 0, errors.WithStack(&scanerrors.ErrAlignmentFailed{
			Strategy: "feature",
			Reason:   "no consistent projection found",
			Matches:  len(correspondences),
		})
	}

	if refined, err := fitProjection(correspondences, bestInliers); err == nil {
		bestTransform = refined
	}
	return bestTransform, len(bestInliers), nil
}

func sampleFour(rng *rand.Rand, n int) [4]int {
	var sample [4]int
	seen := map[int]bool{}
	for i := 0; i < 4; {
		index := rng.Intn(n)
		if !seen[index] {
			seen[index] = true
			sample[i] = index
			i++
		}
	}
	return sample
}

// fitProjection solves the overdetermined direct linear system for the eight
// transform parameters from every inlier.
func fitProjection(correspondences []vision.Correspondence, inliers []int) (*vision.Transform, error) {
	a := mat.NewDense(2*len(inliers), 8, nil)
	b := mat.NewVecDense(2*len(inliers), nil)

	for row, index := range inliers {
		sx, sy := correspondences[index].Source.X, correspondences[index].Source.Y
		dx, dy := correspondences[index].Reference.X, correspondences[index].Reference.Y

		a.SetRow(2*row, []float64{sx, sy, 1, 0, 0, 0, -sx * dx, -sy * dx})
		a.SetRow(2*row+1, []float64{0, 0, 0, sx, sy, 1, -sx * dy, -sy * dy})
		b.SetVec(2*row, dx)
		b.SetVec(2*row+1, dy)
	}

	var coeffs mat.VecDense
	if err := coeffs.SolveVec(a, b); err != nil {
		return nil, errors.WithMessage(err, "projection refinement")
	}

	values := make([]float64, 9)
	copy(values, coeffs.RawVector().Data)
	values[8] = 1
	return vision.NewTransform(values), nil
}

// DetectDocumentQuad finds the bright page against a darker background by
// taking the extreme corners of the binarised foreground. Cheap, and
// adequate for flatbed and phone scans where the page dominates the frame.
func (e *Engine) DetectDocumentQuad(img vision.Image) (vision.Quad, bool, error) {
	native, err := asNative(img)
	if err != nil {
		return vision.Quad{}, false, err
	}

	gray := native.Gray()
	threshold := native.binarisationThreshold()
	w, h := gray.Rect.Dx(), gray.Rect.Dy()

	bright := 0
	first := true
	var topLeft, topRight, bottomRight, bottomLeft vision.Point
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if gray.Pix[y*gray.Stride+x] <= threshold {
				continue
			}
			bright++
			p := vision.Point{X: float64(x), Y: float64(y)}
			if first {
				topLeft, topRight, bottomRight, bottomLeft = p, p, p, p
				first = false
				continue
			}
			if p.X+p.Y < topLeft.X+topLeft.Y {
				topLeft = p
			}
			if p.X+p.Y > bottomRight.X+bottomRight.Y {
				bottomRight = p
			}
			if p.X-p.Y > topRight.X-topRight.Y {
				topRight = p
			}
			if p.X-p.Y < bottomLeft.X-bottomLeft.Y {
				bottomLeft = p
			}
		}
	}

	quad := vision.Quad{topLeft, topRight, bottomRight, bottomLeft}
	imageArea := float64(w * h)
	if first || float64(bright) < 0.2*imageArea || quadArea(quad) < 0.25*imageArea {
		return vision.Quad{}, false, nil
	}
	return quad, true, nil
}

// quadArea is the shoelace area of an ordered quad.
func quadArea(q vision.Quad) float64 {
	var area float64
	for i := 0; i < 4; i++ {
		j := (i + 1) % 4
		area += q[i].X*q[j].Y - q[j].X*q[i].Y
	}
	return math.Abs(area) / 2
}
