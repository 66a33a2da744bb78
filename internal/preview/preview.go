// Package preview renders coadd planes as grayscale PNGs for quick inspection.
package preview

import (
	"fmt"
	"image"
	"image/color"
	"io"
	"math"
	"sort"

	"github.com/fogleman/gg"
	"gonum.org/v1/gonum/stat"

	"github.com/cwbudde/coadd/internal/coadd"
)

// NoDataColor is used for NaN pixels, which a finalized coadd produces where
// no image contributed.
var NoDataColor = color.RGBA64{R: 0x8000, A: 0xFFFF}

// Options control the stretch and annotation of a preview.
type Options struct {
	Title string

	// Low and High select the stretch range as percentiles of the finite
	// pixels, in [0, 1]. Zero values mean the full range.
	Low, High float64
}

// Render maps img onto gray levels between the selected percentiles with an
// sRGB gamma curve and draws the title in the top left corner.
func Render[T coadd.Pixel](img *coadd.Image[T], opts Options) (image.Image, error) {
	dc, err := render(img, opts)
	if err != nil {
		return nil, err
	}
	return dc.Image(), nil
}

// Encode writes the rendered preview to w as PNG.
func Encode[T coadd.Pixel](w io.Writer, img *coadd.Image[T], opts Options) error {
	dc, err := render(img, opts)
	if err != nil {
		return err
	}
	return dc.EncodePNG(w)
}

// Save writes the rendered preview to a PNG file.
func Save[T coadd.Pixel](path string, img *coadd.Image[T], opts Options) error {
	dc, err := render(img, opts)
	if err != nil {
		return err
	}
	if err := dc.SavePNG(path); err != nil {
		return fmt.Errorf("save preview %s: %w", path, err)
	}
	return nil
}

func render[T coadd.Pixel](img *coadd.Image[T], opts Options) (*gg.Context, error) {
	if img == nil || img.Width <= 0 || img.Height <= 0 {
		return nil, fmt.Errorf("cannot render an empty image")
	}
	if opts.High == 0 {
		opts.High = 1
	}
	if opts.Low < 0 || opts.High > 1 || opts.Low >= opts.High {
		return nil, fmt.Errorf("invalid stretch percentiles [%g, %g]", opts.Low, opts.High)
	}

	lo, hi := Stretch(img, opts.Low, opts.High)
	span := hi - lo
	if span <= 0 {
		span = 1
	}

	rgba := image.NewRGBA64(image.Rect(0, 0, img.Width, img.Height))
	for y := 0; y < img.Height; y++ {
		for x := 0; x < img.Width; x++ {
			v := float64(img.At(x, y))
			if math.IsNaN(v) {
				rgba.SetRGBA64(x, y, NoDataColor)
				continue
			}
			f := math.Min(math.Max((v-lo)/span, 0), 1)
			g := uint16(GammaExpand(f) * 65535)
			rgba.SetRGBA64(x, y, color.RGBA64{R: g, G: g, B: g, A: 0xFFFF})
		}
	}

	dc := gg.NewContextForImage(rgba)
	if opts.Title != "" {
		dc.SetRGB(1, 1, 0)
		dc.DrawString(opts.Title, 4, 14)
	}
	return dc, nil
}

// Stretch returns the values at the low and high percentiles of the finite
// pixels of img. An image without finite pixels yields (0, 0).
func Stretch[T coadd.Pixel](img *coadd.Image[T], low, high float64) (float64, float64) {
	vals := make([]float64, 0, len(img.Pix))
	for _, p := range img.Pix {
		v := float64(p)
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			vals = append(vals, v)
		}
	}
	if len(vals) == 0 {
		return 0, 0
	}
	sort.Float64s(vals)

	clamp := func(p float64) float64 { return math.Max(0, math.Min(1, p)) }
	return stat.Quantile(clamp(low), stat.Empirical, vals, nil),
		stat.Quantile(clamp(high), stat.Empirical, vals, nil)
}

// GammaExpand applies the sRGB transfer curve to a linear value in [0, 1].
func GammaExpand(f float64) float64 {
	if f <= 0.0031308 {
		return 12.92 * f
	}
	return 1.055*math.Pow(f, 1.0/2.4) - 0.055
}
