// Package ingest turns detector frames on disk into masked exposures that can
// be added to a coadd.
package ingest

import (
	"fmt"
	"image"
	"image/color"
	_ "image/png" // register PNG decoder
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/rwcarlsen/goexif/exif"
	"golang.org/x/image/tiff"

	"github.com/cwbudde/coadd/internal/coadd"
)

// Options describe the detector that produced a frame.
type Options struct {
	Gain       float64 // electrons per DN
	ReadNoise  float64 // DN
	Saturation float64 // DN at or above which a pixel is flagged; 0 disables

	// SaturatedBits are OR-ed into the mask of saturated pixels.
	SaturatedBits coadd.MaskPixel
}

// Validate reports whether the detector parameters are usable.
func (o Options) Validate() error {
	if o.Gain <= 0 {
		return fmt.Errorf("gain must be positive, got %g", o.Gain)
	}
	if o.ReadNoise < 0 {
		return fmt.Errorf("read noise cannot be negative, got %g", o.ReadNoise)
	}
	if o.Saturation < 0 {
		return fmt.Errorf("saturation cannot be negative, got %g", o.Saturation)
	}
	return nil
}

// Exposure is a decoded frame together with what we know about where it came from.
type Exposure struct {
	Image        *coadd.MaskedImage[float32]
	Source       string
	ExposureTime float64 // seconds, 0 when the file carries no EXIF timing
}

// Load decodes a PNG or TIFF file into an exposure.
func Load(path string, opts Options) (*Exposure, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".png", ".tif", ".tiff":
	default:
		return nil, fmt.Errorf("unsupported image format %q (want .png, .tif or .tiff)", ext)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var img image.Image
	if ext == ".png" {
		img, _, err = image.Decode(f)
	} else {
		img, err = tiff.Decode(f)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	mi, err := FromImage(img, opts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	exp := &Exposure{Image: mi, Source: path}
	if ext != ".png" {
		if t, err := exposureTime(path); err != nil {
			slog.Debug("No EXIF exposure time", "path", path, "error", err)
		} else {
			exp.ExposureTime = t
		}
	}
	return exp, nil
}

// Decode reads a PNG or TIFF stream and converts it with FromImage.
func Decode(r io.Reader, opts Options) (*coadd.MaskedImage[float32], error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return FromImage(img, opts)
}

// FromImage builds a masked exposure from the luminance of img.
// The variance follows a Poisson-plus-read-noise model: DN/gain + readNoise².
func FromImage(img image.Image, opts Options) (*coadd.MaskedImage[float32], error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return nil, fmt.Errorf("empty image")
	}

	mi := coadd.NewMaskedImage[float32](w, h)
	rn2 := opts.ReadNoise * opts.ReadNoise
	saturated := 0

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dn := sample(img, b.Min.X+x, b.Min.Y+y)
			i := mi.Image.Offset(x, y)
			mi.Image.Pix[i] = float32(dn)
			mi.Variance.Pix[i] = float32(dn/opts.Gain + rn2)
			if opts.Saturation > 0 && dn >= opts.Saturation {
				mi.Mask.Pix[i] |= opts.SaturatedBits
				saturated++
			}
		}
	}

	slog.Debug("Converted frame", "width", w, "height", h, "saturated", saturated)
	return mi, nil
}

// sample returns the raw DN at (x, y). 8- and 16-bit gray images keep their
// native scale; everything else is reduced to 16-bit luminance.
func sample(img image.Image, x, y int) float64 {
	switch im := img.(type) {
	case *image.Gray:
		return float64(im.GrayAt(x, y).Y)
	case *image.Gray16:
		return float64(im.Gray16At(x, y).Y)
	default:
		return float64(color.Gray16Model.Convert(img.At(x, y)).(color.Gray16).Y)
	}
}

func exposureTime(path string) (float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	ex, err := exif.Decode(f)
	if err != nil {
		return 0, fmt.Errorf("exif parsing: %w", err)
	}
	tag, err := ex.Get(exif.ExposureTime)
	if err != nil {
		return 0, fmt.Errorf("exif ExposureTime: %w", err)
	}
	num, denom, err := tag.Rat2(0)
	if err != nil {
		return 0, fmt.Errorf("exif ExposureTime: %w", err)
	}
	if denom == 0 {
		return 0, fmt.Errorf("exif ExposureTime has zero denominator")
	}
	return float64(num) / float64(denom), nil
}
