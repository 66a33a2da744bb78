package coadd

import (
	"fmt"
	"runtime"
	"strings"

	"golang.org/x/sync/errgroup"
)

// Mode selects what a contributing pixel adds to the value and variance planes.
type Mode int

const (
	// ModeWeightedMean adds weight*value and weight²*variance.
	ModeWeightedMean Mode = iota
	// ModeChiSquared adds weight*value²/variance and weight²*2, building a sum of
	// (counts/noise)² that follows a χ² distribution on pure-noise pixels.
	ModeChiSquared
)

func (m Mode) String() string {
	switch m {
	case ModeWeightedMean:
		return "weighted-mean"
	case ModeChiSquared:
		return "chi-squared"
	default:
		return "unknown"
	}
}

// ParseMode maps a flag or metadata value to a Mode
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "weighted-mean", "mean":
		return ModeWeightedMean, nil
	case "chi-squared", "chisquared", "chisq":
		return ModeChiSquared, nil
	default:
		return ModeWeightedMean, fmt.Errorf("unknown coadd mode %q", s)
	}
}

// Options controls how Accumulate runs the kernel. The zero value is the
// weighted-mean rule on the naive backend in the calling goroutine.
type Options struct {
	Mode    Mode
	Backend Backend
	// Workers is the number of goroutines that share the grid. Values below 2
	// keep the whole call on the calling goroutine; use runtime.GOMAXPROCS(0)
	// for one per CPU.
	Workers int
}

// rowsPerTile is the height of one row band handed to a worker.
const rowsPerTile = 64

// AddToCoadd folds one masked, weighted image into coadd and weightMap.
//
// For every pixel whose input mask does not intersect badPixelMask:
//
//	coadd.Image    += weight * in.Image
//	coadd.Variance += weight² * in.Variance
//	coadd.Mask     |= in.Mask
//	weightMap      += weight
//
// Excluded pixels are left untouched in all four planes. If the planes do not
// share one geometry a *DimensionMismatchError is returned and nothing is
// modified. Pixel values are not validated; NaN and Inf propagate.
func AddToCoadd[T, W Pixel](coadd *MaskedImage[T], weightMap *Image[W], in *MaskedImage[T],
	badPixelMask MaskPixel, weight W) error {
	return Accumulate(coadd, weightMap, in, badPixelMask, weight, Options{Backend: ActiveBackend()})
}

// AddToCoaddParallel is AddToCoadd with the grid split into disjoint row bands
// processed by up to workers goroutines.
func AddToCoaddParallel[T, W Pixel](coadd *MaskedImage[T], weightMap *Image[W], in *MaskedImage[T],
	badPixelMask MaskPixel, weight W, workers int) error {
	return Accumulate(coadd, weightMap, in, badPixelMask, weight, Options{
		Backend: ActiveBackend(),
		Workers: workers,
	})
}

// AddToChiSquaredCoadd folds in the squared signal-to-noise of each pixel,
// weight*value²/variance, with the same exclusion, mask and weight-map rules as
// AddToCoadd. The variance plane receives weight²*2 per contribution. Pixels
// with zero variance yield Inf or NaN; they are not filtered.
func AddToChiSquaredCoadd[T, W Pixel](coadd *MaskedImage[T], weightMap *Image[W], in *MaskedImage[T],
	badPixelMask MaskPixel, weight W) error {
	return Accumulate(coadd, weightMap, in, badPixelMask, weight, Options{
		Mode:    ModeChiSquared,
		Backend: ActiveBackend(),
	})
}

// Accumulate is the general entry point behind AddToCoadd. The geometry check
// runs once, before any pixel or worker is touched.
func Accumulate[T, W Pixel](coadd *MaskedImage[T], weightMap *Image[W], in *MaskedImage[T],
	badPixelMask MaskPixel, weight W, opts Options) error {
	if err := checkGeometry(coadd, weightMap, in); err != nil {
		return err
	}

	k := newKernel(coadd, weightMap, in, badPixelMask, weight, opts.Mode)
	d := coadd.Dims()

	if opts.Workers < 2 || d.Height <= rowsPerTile {
		k.run(opts.Backend, 0, d.Len())
		return nil
	}

	var g errgroup.Group
	g.SetLimit(opts.Workers)
	for y0 := 0; y0 < d.Height; y0 += rowsPerTile {
		y1 := min(y0+rowsPerTile, d.Height)
		lo, hi := y0*d.Width, y1*d.Width
		g.Go(func() error {
			k.run(opts.Backend, lo, hi)
			return nil
		})
	}
	return g.Wait()
}

// DefaultWorkers is the worker count used when a caller asks for "all CPUs".
func DefaultWorkers() int {
	return runtime.GOMAXPROCS(0)
}

func checkGeometry[T, W Pixel](coadd *MaskedImage[T], weightMap *Image[W], in *MaskedImage[T]) error {
	if err := coadd.Validate(); err != nil {
		return fmt.Errorf("coadd: %w", err)
	}
	d := coadd.Dims()

	if weightMap == nil {
		return fmt.Errorf("weight map is nil")
	}
	if weightMap.Dims() != d || len(weightMap.Pix) != d.Len() {
		return &DimensionMismatchError{What: "weight map", Want: d, Got: weightMap.Dims()}
	}

	if in == nil || in.Image == nil || in.Variance == nil || in.Mask == nil {
		return fmt.Errorf("input masked image is missing a plane")
	}
	for _, p := range []struct {
		what string
		dims Dims
		n    int
	}{
		{"input image", in.Image.Dims(), len(in.Image.Pix)},
		{"input variance", in.Variance.Dims(), len(in.Variance.Pix)},
		{"input mask", in.Mask.Dims(), len(in.Mask.Pix)},
	} {
		if p.dims != d || p.n != d.Len() {
			return &DimensionMismatchError{What: p.what, Want: d, Got: p.dims}
		}
	}
	return nil
}

// kernel carries the plane slices for one call so the loop drivers index flat
// buffers instead of going through the image accessors.
type kernel[T, W Pixel] struct {
	value, variance     []T
	mask                []MaskPixel
	weights             []W
	inValue, inVariance []T
	inMask              []MaskPixel

	bad    MaskPixel
	w, w2  T
	weight W
	chiSq  bool
}

func newKernel[T, W Pixel](coadd *MaskedImage[T], weightMap *Image[W], in *MaskedImage[T],
	bad MaskPixel, weight W, mode Mode) *kernel[T, W] {
	w := T(weight)
	return &kernel[T, W]{
		value:      coadd.Image.Pix,
		variance:   coadd.Variance.Pix,
		mask:       coadd.Mask.Pix,
		weights:    weightMap.Pix,
		inValue:    in.Image.Pix,
		inVariance: in.Variance.Pix,
		inMask:     in.Mask.Pix,
		bad:        bad,
		w:          w,
		w2:         w * w,
		weight:     weight,
		chiSq:      mode == ModeChiSquared,
	}
}

// add updates the value, variance, mask and weight record of pixel i together.
func (k *kernel[T, W]) add(i int) {
	m := k.inMask[i]
	if m&k.bad != 0 {
		return
	}
	if k.chiSq {
		v := k.inValue[i]
		k.value[i] += k.w * (v * v / k.inVariance[i])
		k.variance[i] += k.w2 * 2
	} else {
		k.value[i] += k.w * k.inValue[i]
		k.variance[i] += k.w2 * k.inVariance[i]
	}
	k.mask[i] |= m
	k.weights[i] += k.weight
}

// run processes the flat pixel range [lo, hi).
func (k *kernel[T, W]) run(b Backend, lo, hi int) {
	switch b {
	case BackendUnrolled4:
		k.unrolled4(lo, hi)
	case BackendUnrolled8:
		k.unrolled8(lo, hi)
	default:
		k.naive(lo, hi)
	}
}

func (k *kernel[T, W]) naive(lo, hi int) {
	for i := lo; i < hi; i++ {
		k.add(i)
	}
}

func (k *kernel[T, W]) unrolled4(lo, hi int) {
	i := lo
	end := lo + ((hi-lo)/4)*4
	for ; i < end; i += 4 {
		k.add(i)
		k.add(i + 1)
		k.add(i + 2)
		k.add(i + 3)
	}
	for ; i < hi; i++ {
		k.add(i)
	}
}

func (k *kernel[T, W]) unrolled8(lo, hi int) {
	i := lo
	end := lo + ((hi-lo)/8)*8
	for ; i < end; i += 8 {
		k.add(i)
		k.add(i + 1)
		k.add(i + 2)
		k.add(i + 3)
		k.add(i + 4)
		k.add(i + 5)
		k.add(i + 6)
		k.add(i + 7)
	}
	for ; i < hi; i++ {
		k.add(i)
	}
}

// CountExcluded returns how many pixels of mask intersect badPixelMask.
func CountExcluded(mask *Mask, badPixelMask MaskPixel) int {
	return mask.CountSet(badPixelMask)
}
