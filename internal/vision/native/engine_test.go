package native

import (
	"image"
	"math/rand"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scanalign/scanalign/internal/common/scanerrors"
	"github.com/scanalign/scanalign/internal/vision"
)

func solidImage(w, h int, level uint8) *Image {
	rgba := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(rgba.Pix); i += 4 {
		rgba.Pix[i] = level
		rgba.Pix[i+1] = level
		rgba.Pix[i+2] = level
		rgba.Pix[i+3] = 255
	}
	return &Image{rgba: rgba}
}

func setPixel(img *Image, x, y int, level uint8) {
	offset := img.rgba.PixOffset(x, y)
	img.rgba.Pix[offset] = level
	img.rgba.Pix[offset+1] = level
	img.rgba.Pix[offset+2] = level
}

func fillRect(img *Image, x0, y0, x1, y1 int, level uint8) {
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			setPixel(img, x, y, level)
		}
	}
}

// blockNoiseImage builds a textured image from seeded random 4x4 blocks, so
// corner detection finds distinctive, matchable structure everywhere.
func blockNoiseImage(w, h int, seed int64) *Image {
	rng := rand.New(rand.NewSource(seed))
	blocks := make([][]uint8, (h+3)/4)
	for by := range blocks {
		blocks[by] = make([]uint8, (w+3)/4)
		for bx := range blocks[by] {
			blocks[by][bx] = uint8(rng.Intn(256))
		}
	}
	img := solidImage(w, h, 0)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			setPixel(img, x, y, blocks[y/4][x/4])
		}
	}
	return img
}

func cropImage(img *Image, x0, y0, w, h int) *Image {
	out := solidImage(w, h, 0)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			offset := img.rgba.PixOffset(x0+x, y0+y)
			setPixel(out, x, y, img.rgba.Pix[offset])
		}
	}
	return out
}

func TestDownsample(t *testing.T) {
	engine := NewEngine()

	small, err := engine.Downsample(solidImage(2000, 1500, 128), 1000)
	require.NoError(t, err)
	assert.Equal(t, 1000, small.Width())
	assert.Equal(t, 750, small.Height())

	// Already within the bound, returned untouched.
	img := solidImage(800, 600, 128)
	same, err := engine.Downsample(img, 1000)
	require.NoError(t, err)
	assert.Same(t, vision.Image(img), same)
}

func TestEncodeAndDecode(t *testing.T) {
	engine := NewEngine()

	img := solidImage(120, 80, 200)
	fillRect(img, 10, 10, 50, 40, 30)

	encoded, err := engine.Encode(img, ".jpg", 90)
	require.NoError(t, err)
	require.NotEmpty(t, encoded)

	decoded, err := engine.Decode(encoded, 0)
	require.NoError(t, err)
	assert.Equal(t, 120, decoded.Width())
	assert.Equal(t, 80, decoded.Height())

	// The decode cap downsamples on the way in.
	capped, err := engine.Decode(encoded, 60)
	require.NoError(t, err)
	assert.Equal(t, 60, capped.Width())
	assert.Equal(t, 40, capped.Height())
}

func TestDecode_RejectsGarbage(t *testing.T) {
	engine := NewEngine()
	_, err := engine.Decode([]byte("not an image"), 0)
	var invalidArg *scanerrors.ErrInvalidArgument
	require.ErrorAs(t, err, &invalidArg)
}

func TestOtsuThreshold_SeparatesBimodalHistogram(t *testing.T) {
	img := solidImage(100, 100, 200)
	fillRect(img, 0, 0, 100, 50, 40)

	// The returned level closes the dark class, so it sits at or above the
	// dark mode and strictly below the bright one.
	threshold := otsuThreshold(img.Gray())
	assert.GreaterOrEqual(t, threshold, uint8(40))
	assert.Less(t, threshold, uint8(200))
}

func TestBinarisationThreshold_ComputedOncePerFrame(t *testing.T) {
	img := solidImage(100, 100, 220)
	fillRect(img, 0, 0, 100, 50, 20)

	first := img.binarisationThreshold()
	// Wipe the grayscale buffer; the cached level must survive.
	for i := range img.Gray().Pix {
		img.Gray().Pix[i] = 0
	}
	assert.Equal(t, first, img.binarisationThreshold())
}

func TestEvaluateRegion_DoesNotRetainImages(t *testing.T) {
	engine := NewEngine()

	collected := make(chan struct{})
	func() {
		img := solidImage(200, 280, 230)
		fillRect(img, 40, 40, 80, 80, 20)
		runtime.SetFinalizer(img, func(*Image) { close(collected) })

		density, err := engine.EvaluateRegion(img, vision.Region{X: 40, Y: 40, Width: 40, Height: 40})
		require.NoError(t, err)
		assert.Equal(t, 1.0, density)
	}()

	// Once the job-local reference is gone nothing should keep the frame
	// alive, so the finalizer must run within a few collection cycles.
	deadline := time.After(5 * time.Second)
	for {
		runtime.GC()
		select {
		case <-collected:
			return
		case <-deadline:
			t.Fatal("frame still reachable after its evaluation finished")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestEvaluateRegion(t *testing.T) {
	engine := NewEngine()
	img := solidImage(200, 200, 230)
	fillRect(img, 40, 40, 80, 80, 20)

	dark, err := engine.EvaluateRegion(img, vision.Region{X: 40, Y: 40, Width: 40, Height: 40})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, dark, 0.01)

	clean, err := engine.EvaluateRegion(img, vision.Region{X: 120, Y: 120, Width: 40, Height: 40})
	require.NoError(t, err)
	assert.InDelta(t, 0.0, clean, 0.01)

	half, err := engine.EvaluateRegion(img, vision.Region{X: 40, Y: 60, Width: 40, Height: 40})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, half, 0.05)
}

func TestEvaluateRegion_RejectsBadRegions(t *testing.T) {
	engine := NewEngine()
	img := solidImage(100, 100, 230)

	var invalidArg *scanerrors.ErrInvalidArgument
	_, err := engine.EvaluateRegion(img, vision.Region{X: 0, Y: 0, Width: 0, Height: 10})
	require.ErrorAs(t, err, &invalidArg)

	_, err = engine.EvaluateRegion(img, vision.Region{X: 500, Y: 500, Width: 10, Height: 10})
	require.ErrorAs(t, err, &invalidArg)
}

func TestWarpPerspective_IdentityPreservesPixels(t *testing.T) {
	engine := NewEngine()
	img := blockNoiseImage(64, 48, 7)

	warped, err := engine.WarpPerspective(img, vision.IdentityTransform(), 64, 48)
	require.NoError(t, err)

	out := warped.(*Image)
	assert.Equal(t, img.rgba.Pix, out.rgba.Pix)
}

func TestWarpPerspective_Translation(t *testing.T) {
	engine := NewEngine()
	img := solidImage(100, 100, 255)
	fillRect(img, 20, 20, 24, 24, 0)

	shift := vision.NewTransform([]float64{
		1, 0, 10,
		0, 1, 5,
		0, 0, 1,
	})
	warped, err := engine.WarpPerspective(img, shift, 100, 100)
	require.NoError(t, err)

	out := warped.(*Image)
	assert.Equal(t, uint8(0), out.rgba.Pix[out.rgba.PixOffset(31, 26)])
	assert.Equal(t, uint8(255), out.rgba.Pix[out.rgba.PixOffset(21, 21)])
}

func TestEstimateProjection_RejectsOutliers(t *testing.T) {
	engine := NewEngine()
	truth := vision.NewTransform([]float64{
		0.95, 0.05, 20,
		-0.03, 1.02, -10,
		0.00001, 0.00002, 1,
	})

	var correspondences []vision.Correspondence
	for x := 0; x <= 800; x += 160 {
		for y := 0; y <= 600; y += 120 {
			p := vision.Point{X: float64(x), Y: float64(y)}
			correspondences = append(correspondences, vision.Correspondence{
				Source:    p,
				Reference: truth.Apply(p),
			})
		}
	}
	clean := len(correspondences)

	// Gross outliers, far beyond the inlier threshold.
	for i := 0; i < 6; i++ {
		p := vision.Point{X: float64(i * 100), Y: float64(i * 80)}
		mapped := truth.Apply(p)
		correspondences = append(correspondences, vision.Correspondence{
			Source:    p,
			Reference: vision.Point{X: mapped.X + 50, Y: mapped.Y - 70},
		})
	}

	transform, inliers, err := engine.EstimateProjection(correspondences)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, inliers, clean)
	assert.Less(t, inliers, len(correspondences))

	for _, probe := range []vision.Point{{X: 17, Y: 23}, {X: 799, Y: 599}, {X: 400, Y: 100}} {
		want := truth.Apply(probe)
		got := transform.Apply(probe)
		assert.InDelta(t, want.X, got.X, 0.1)
		assert.InDelta(t, want.Y, got.Y, 0.1)
	}
}

func TestEstimateProjection_TooFewCorrespondences(t *testing.T) {
	engine := NewEngine()
	_, _, err := engine.EstimateProjection([]vision.Correspondence{
		{Source: vision.Point{X: 1, Y: 1}, Reference: vision.Point{X: 2, Y: 2}},
	})
	var alignmentErr *scanerrors.ErrAlignmentFailed
	require.ErrorAs(t, err, &alignmentErr)
}

func TestDetectDocumentQuad(t *testing.T) {
	engine := NewEngine()
	img := solidImage(500, 600, 10)
	fillRect(img, 50, 40, 450, 560, 240)

	quad, found, err := engine.DetectDocumentQuad(img)
	require.NoError(t, err)
	require.True(t, found)

	expected := vision.Quad{
		{X: 50, Y: 40},
		{X: 449, Y: 40},
		{X: 449, Y: 559},
		{X: 50, Y: 559},
	}
	for i := range expected {
		assert.InDelta(t, expected[i].X, quad[i].X, 2, "corner %d x", i)
		assert.InDelta(t, expected[i].Y, quad[i].Y, 2, "corner %d y", i)
	}
}

func TestDetectDocumentQuad_NotFoundOnUniformImage(t *testing.T) {
	engine := NewEngine()

	_, found, err := engine.DetectDocumentQuad(solidImage(400, 400, 0))
	require.NoError(t, err)
	assert.False(t, found)
}
