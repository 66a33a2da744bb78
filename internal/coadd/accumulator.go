package coadd

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
)

// Contribution summarises one image folded into an Accumulator
type Contribution struct {
	Seq      int     `json:"seq"`
	Weight   float64 `json:"weight"`
	Included int     `json:"included"`
	Excluded int     `json:"excluded"`
}

// Accumulator owns a coadd and its weight map for one accumulation session.
// Add calls are serialized, so several goroutines may feed the same session;
// each call may still spread its own pixels over Workers goroutines.
type Accumulator[T, W Pixel] struct {
	mu      sync.Mutex
	coadd   *MaskedImage[T]
	weights *Image[W]
	opts    Options
	count   int
}

// NewAccumulator creates a zero-initialized coadd and weight map of the given size.
func NewAccumulator[T, W Pixel](width, height int, opts Options) *Accumulator[T, W] {
	return &Accumulator[T, W]{
		coadd:   NewMaskedImage[T](width, height),
		weights: NewImage[W](width, height),
		opts:    opts,
	}
}

// ResumeAccumulator wraps previously accumulated planes, e.g. a session loaded
// from disk. count is the number of contributions already folded in.
func ResumeAccumulator[T, W Pixel](coadd *MaskedImage[T], weights *Image[W], count int, opts Options) (*Accumulator[T, W], error) {
	if err := coadd.Validate(); err != nil {
		return nil, fmt.Errorf("coadd: %w", err)
	}
	if weights == nil || weights.Dims() != coadd.Dims() {
		var got Dims
		if weights != nil {
			got = weights.Dims()
		}
		return nil, &DimensionMismatchError{What: "weight map", Want: coadd.Dims(), Got: got}
	}
	return &Accumulator[T, W]{coadd: coadd, weights: weights, opts: opts, count: count}, nil
}

// Add folds one input image into the session. Negative or NaN weights are
// rejected with ErrInvalidWeight; a geometry mismatch returns a
// *DimensionMismatchError. In both cases the session is unchanged.
func (a *Accumulator[T, W]) Add(in *MaskedImage[T], badPixelMask MaskPixel, weight W) (Contribution, error) {
	wf := float64(weight)
	if math.IsNaN(wf) || wf < 0 {
		return Contribution{}, fmt.Errorf("%w: got %v", ErrInvalidWeight, wf)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := Accumulate(a.coadd, a.weights, in, badPixelMask, weight, a.opts); err != nil {
		return Contribution{}, err
	}

	a.count++
	excluded := CountExcluded(in.Mask, badPixelMask)
	c := Contribution{
		Seq:      a.count,
		Weight:   wf,
		Included: a.coadd.Dims().Len() - excluded,
		Excluded: excluded,
	}

	slog.Debug("Folded image into coadd",
		"seq", c.Seq, "weight", wf, "excluded", excluded, "mode", a.opts.Mode.String())
	return c, nil
}

// Count returns the number of images folded in so far
func (a *Accumulator[T, W]) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}

// Dims returns the session geometry
func (a *Accumulator[T, W]) Dims() Dims {
	return a.coadd.Dims()
}

// Mode returns the accumulation rule of the session
func (a *Accumulator[T, W]) Mode() Mode {
	return a.opts.Mode
}

// Snapshot returns deep copies of the coadd and weight map taken under the
// session lock, so no Add is observed half-applied.
func (a *Accumulator[T, W]) Snapshot() (*MaskedImage[T], *Image[W]) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.coadd.Clone(), a.weights.Clone()
}

// SnapshotWithCount is Snapshot plus the number of contributions folded into
// the copies, all taken under one lock acquisition.
func (a *Accumulator[T, W]) SnapshotWithCount() (*MaskedImage[T], *Image[W], int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.coadd.Clone(), a.weights.Clone(), a.count
}
