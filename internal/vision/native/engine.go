// Package native is a pure Go vision engine. It trades the accuracy of a
// dedicated computer vision library for zero native dependencies, which is
// enough for scanned forms: high contrast, mostly planar, roughly axis
// aligned input. Deployments needing stronger matching can plug in another
// vision.Engine implementation without touching the pipeline.
package native

import (
	"bytes"
	"image"
	"image/jpeg"
	"image/png"
	"math"
	"sync"

	"github.com/pkg/errors"
	xdraw "golang.org/x/image/draw"

	"github.com/scanalign/scanalign/internal/common/scanerrors"
	"github.com/scanalign/scanalign/internal/vision"
)

// Image is a decoded frame with a lazily derived grayscale view and
// binarisation threshold. Both live on the frame itself so they are
// reclaimed with it once the job is done.
type Image struct {
	rgba *image.NRGBA

	grayOnce sync.Once
	gray     *image.Gray

	thresholdOnce sync.Once
	threshold     uint8
}

func (i *Image) Width() int  { return i.rgba.Rect.Dx() }
func (i *Image) Height() int { return i.rgba.Rect.Dy() }

func (i *Image) SizeBytes() uint64 {
	return uint64(len(i.rgba.Pix))
}

// Gray returns the grayscale view, computing it on first use.
func (i *Image) Gray() *image.Gray {
	i.grayOnce.Do(func() {
		bounds := i.rgba.Rect
		gray := image.NewGray(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
		for y := 0; y < bounds.Dy(); y++ {
			for x := 0; x < bounds.Dx(); x++ {
				offset := i.rgba.PixOffset(bounds.Min.X+x, bounds.Min.Y+y)
				r := int(i.rgba.Pix[offset])
				g := int(i.rgba.Pix[offset+1])
				b := int(i.rgba.Pix[offset+2])
				// BT.601 luma.
				gray.Pix[y*gray.Stride+x] = uint8((299*r + 587*g + 114*b) / 1000)
			}
		}
		i.gray = gray
	})
	return i.gray
}

// binarisationThreshold returns the Otsu level for this frame, computing it
// on first use so all regions of a sheet are judged consistently.
func (i *Image) binarisationThreshold() uint8 {
	i.thresholdOnce.Do(func() {
		i.threshold = otsuThreshold(i.Gray())
	})
	return i.threshold
}

func fromImage(src image.Image) *Image {
	bounds := src.Bounds()
	rgba := image.NewNRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	xdraw.Draw(rgba, rgba.Rect, src, bounds.Min, xdraw.Src)
	return &Image{rgba: rgba}
}

// Engine implements vision.Engine on the standard image packages.
type Engine struct {
	// MaxRansacIterations bounds projection fitting work.
	MaxRansacIterations int
	// InlierThreshold is the reprojection distance, in working space pixels,
	// under which a correspondence supports a candidate transform.
	InlierThreshold float64
}

func NewEngine() *Engine {
	return &Engine{
		MaxRansacIterations: 500,
		InlierThreshold:     3,
	}
}

func (e *Engine) Decode(data []byte, maxDimension int) (vision.Image, error) {
	decoded, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, errors.WithStack(&scanerrors.ErrInvalidArgument{
			Name:    "image",
			Value:   len(data),
			Message: "not a decodable image",
		})
	}
	img := fromImage(decoded)
	if maxDimension > 0 {
		return e.Downsample(img, maxDimension)
	}
	return img, nil
}

func (e *Engine) Encode(img vision.Image, format string, quality int) ([]byte, error) {
	native, err := asNative(img)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	switch format {
	case ".png":
		err = png.Encode(&buf, native.rgba)
	default:
		if quality <= 0 || quality > 100 {
			quality = jpeg.DefaultQuality
		}
		err = jpeg.Encode(&buf, native.rgba, &jpeg.Options{Quality: quality})
	}
	if err != nil {
		return nil, errors.WithMessage(err, "encoding image")
	}
	return buf.Bytes(), nil
}

func (e *Engine) Downsample(img vision.Image, longerEdge int) (vision.Image, error) {
	native, err := asNative(img)
	if err != nil {
		return nil, err
	}
	longer := native.Width()
	if native.Height() > longer {
		longer = native.Height()
	}
	if longer <= longerEdge {
		return native, nil
	}

	factor := float64(longerEdge) / float64(longer)
	w := int(math.Round(float64(native.Width()) * factor))
	h := int(math.Round(float64(native.Height()) * factor))
	small := image.NewNRGBA(image.Rect(0, 0, w, h))
	xdraw.ApproxBiLinear.Scale(small, small.Rect, native.rgba, native.rgba.Rect, xdraw.Src, nil)
	return &Image{rgba: small}, nil
}

// WarpPerspective maps output pixels back through the inverse transform and
// samples the source bilinearly. Pixels falling outside the source are white,
// matching the paper background of scanned sheets.
func (e *Engine) WarpPerspective(img vision.Image, t *vision.Transform, width, height int) (vision.Image, error) {
	native, err := asNative(img)
	if err != nil {
		return nil, err
	}
	inverse, err := t.Invert()
	if err != nil {
		return nil, err
	}

	out := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			src := inverse.Apply(vision.Point{X: float64(x), Y: float64(y)})
			offset := out.PixOffset(x, y)
			r, g, b := sampleBilinear(native.rgba, src.X, src.Y)
			out.Pix[offset] = r
			out.Pix[offset+1] = g
			out.Pix[offset+2] = b
			out.Pix[offset+3] = 255
		}
	}
	return &Image{rgba: out}, nil
}

func sampleBilinear(img *image.NRGBA, x, y float64) (uint8, uint8, uint8) {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	if x < 0 || y < 0 || x > float64(w-1) || y > float64(h-1) {
		return 255, 255, 255
	}
	x0, y0 := int(x), int(y)
	x1, y1 := x0+1, y0+1
	if x1 >= w {
		x1 = w - 1
	}
	if y1 >= h {
		y1 = h - 1
	}
	fx, fy := x-float64(x0), y-float64(y0)

	channel := func(c int) uint8 {
		p00 := float64(img.Pix[img.PixOffset(x0, y0)+c])
		p10 := float64(img.Pix[img.PixOffset(x1, y0)+c])
		p01 := float64(img.Pix[img.PixOffset(x0, y1)+c])
		p11 := float64(img.Pix[img.PixOffset(x1, y1)+c])
		top := p00 + (p10-p00)*fx
		bottom := p01 + (p11-p01)*fx
		return uint8(math.Round(top + (bottom-top)*fy))
	}
	return channel(0), channel(1), channel(2)
}

// EvaluateRegion measures the dark pixel fraction of a region against the
// image's global binarisation threshold. The threshold is computed once per
// image so all bubbles of a sheet are judged consistently.
func (e *Engine) EvaluateRegion(img vision.Image, region vision.Region) (float64, error) {
	native, err := asNative(img)
	if err != nil {
		return 0, err
	}
	if region.Width <= 0 || region.Height <= 0 {
		return 0, errors.WithStack(&scanerrors.ErrInvalidArgument{
			Name:    "region",
			Value:   region,
			Message: "region must have positive size",
		})
	}

	gray := native.Gray()
	threshold := native.binarisationThreshold()

	dark, total := 0, 0
	for y := region.Y; y < region.Y+region.Height; y++ {
		if y < 0 || y >= native.Height() {
			continue
		}
		for x := region.X; x < region.X+region.Width; x++ {
			if x < 0 || x >= native.Width() {
				continue
			}
			total++
			// Otsu's level is the top of the dark class, inclusive.
			if gray.Pix[y*gray.Stride+x] <= threshold {
				dark++
			}
		}
	}
	if total == 0 {
		return 0, errors.WithStack(&scanerrors.ErrInvalidArgument{
			Name:    "region",
			Value:   region,
			Message: "region lies outside the image",
		})
	}
	return float64(dark) / float64(total), nil
}

// otsuThreshold picks the binarisation level maximising between class
// variance of the grayscale histogram.
func otsuThreshold(gray *image.Gray) uint8 {
	var histogram [256]int
	w, h := gray.Rect.Dx(), gray.Rect.Dy()
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			histogram[gray.Pix[y*gray.Stride+x]]++
		}
	}

	total := w * h
	var sum float64
	for level, count := range histogram {
		sum += float64(level) * float64(count)
	}

	var background, backgroundSum float64
	best, bestVariance := 127, 0.0
	for level := 0; level < 256; level++ {
		background += float64(histogram[level])
		if background == 0 {
			continue
		}
		foreground := float64(total) - background
		if foreground == 0 {
			break
		}
		backgroundSum += float64(level) * float64(histogram[level])

		meanB := backgroundSum / background
		meanF := (sum - backgroundSum) / foreground
		variance := background * foreground * (meanB - meanF) * (meanB - meanF)
		if variance > bestVariance {
			bestVariance = variance
			best = level
		}
	}
	return uint8(best)
}

func asNative(img vision.Image) (*Image, error) {
	native, ok := img.(*Image)
	if !ok {
		return nil, errors.WithStack(&scanerrors.ErrInternal{
			Message: "image was not produced by this engine",
		})
	}
	return native, nil
}
