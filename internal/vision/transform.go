package vision

import (
	"gonum.org/v1/gonum/mat"

	"github.com/scanalign/scanalign/internal/common/scanerrors"
)

// Transform is a 3x3 projective matrix mapping points of one image coordinate
// space onto another.
type Transform struct {
	m *mat.Dense
}

func NewTransform(values []float64) *Transform {
	if len(values) != 9 {
		panic("transform requires 9 values")
	}
	return &Transform{m: mat.NewDense(3, 3, values)}
}

func IdentityTransform() *Transform {
	return NewTransform([]float64{
		1, 0, 0,
		0, 1, 0,
		0, 0, 1,
	})
}

// Values returns the matrix in row-major order.
func (t *Transform) Values() []float64 {
	out := make([]float64, 9)
	copy(out, t.m.RawMatrix().Data)
	return out
}

// Apply maps a point through the transform, performing the homogeneous
// divide.
func (t *Transform) Apply(p Point) Point {
	v := mat.NewVecDense(3, []float64{p.X, p.Y, 1})
	var out mat.VecDense
	out.MulVec(t.m, v)
	w := out.AtVec(2)
	return Point{X: out.AtVec(0) / w, Y: out.AtVec(1) / w}
}

// Compose returns the transform equivalent to applying other first, then t.
func (t *Transform) Compose(other *Transform) *Transform {
	var out mat.Dense
	out.Mul(t.m, other.m)
	return &Transform{m: &out}
}

// Invert returns the inverse mapping. Fails on singular transforms, which
// only arise from degenerate fits.
func (t *Transform) Invert() (*Transform, error) {
	var out mat.Dense
	if err := out.Inverse(t.m); err != nil {
		return nil, &scanerrors.ErrAlignmentFailed{
			Reason: "transform is not invertible",
		}
	}
	return &Transform{m: &out}, nil
}

// Scale is the per-axis factor relating a full resolution coordinate space to
// a reduced working space: working = full * factor.
type Scale struct {
	X float64
	Y float64
}

// RescaleBetween projects a transform fit in a downsampled working space back
// into full resolution coordinates. A transform fit at one resolution does
// not directly apply at another; it must be conjugated by the diagonal scale
// matrices relating the two spaces:
//
//	M_full = inv(S_ref) * M_working * S_src
//
// where S_src maps full resolution source points into the working space the
// transform was fit in, and S_ref does the same for the reference image.
func (t *Transform) RescaleBetween(src Scale, ref Scale) *Transform {
	srcScale := mat.NewDense(3, 3, []float64{
		src.X, 0, 0,
		0, src.Y, 0,
		0, 0, 1,
	})
	refScaleInv := mat.NewDense(3, 3, []float64{
		1 / ref.X, 0, 0,
		0, 1 / ref.Y, 0,
		0, 0, 1,
	})

	var out mat.Dense
	out.Mul(t.m, srcScale)
	out.Mul(refScaleInv, &out)
	return &Transform{m: &out}
}

// QuadToQuadTransform computes the projective transform mapping the corners
// of src onto the corners of dst, by solving the standard 8x8 linear system.
func QuadToQuadTransform(src Quad, dst Quad) (*Transform, error) {
	a := mat.NewDense(8, 8, nil)
	b := mat.NewVecDense(8, nil)

	for i := 0; i < 4; i++ {
		sx, sy := src[i].X, src[i].Y
		dx, dy := dst[i].X, dst[i].Y

		a.SetRow(2*i, []float64{sx, sy, 1, 0, 0, 0, -sx * dx, -sy * dx})
		a.SetRow(2*i+1, []float64{0, 0, 0, sx, sy, 1, -sx * dy, -sy * dy})
		b.SetVec(2*i, dx)
		b.SetVec(2*i+1, dy)
	}

	var coeffs mat.VecDense
	if err := coeffs.SolveVec(a, b); err != nil {
		return nil, &scanerrors.ErrAlignmentFailed{
			Strategy: "contour",
			Reason:   "degenerate document boundary",
		}
	}

	values := make([]float64, 9)
	copy(values, coeffs.RawVector().Data)
	values[8] = 1
	return NewTransform(values), nil
}
