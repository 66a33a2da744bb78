// Package chisq checks a chi-squared coadd against the distribution it should
// follow. For N input images of pure noise each finalized pixel, multiplied back
// by N, is χ²-distributed with N degrees of freedom; sources show up as an
// excess in the tail.
package chisq

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/cwbudde/coadd/internal/coadd"
)

const (
	// DefaultBins is the number of histogram bins.
	DefaultBins = 500

	// DefaultMaxValue drops the bright tail before binning.
	DefaultMaxValue = 50

	// iqrToSigma converts an inter-quartile range to a Gaussian sigma.
	iqrToSigma = 0.741

	clipSigmas = 4
)

// ErrNoData is returned when no finite pixels remain to be binned.
var ErrNoData = errors.New("no finite values to histogram")

// Options control histogram construction.
type Options struct {
	Bins     int
	Order    float64 // degrees of freedom, usually the number of images
	MaxValue float64 // values >= MaxValue are dropped; 0 means DefaultMaxValue
}

// Histogram is a normalized histogram of χ² values with the matching
// reference distribution evaluated at the left bin edges.
type Histogram struct {
	Edges    []float64 // len(Freq)+1
	Freq     []float64 // sums to 1
	Expected []float64 // χ²(Order) density at Edges[i], sums to 1
	Order    float64
	Samples  int
}

// Values extracts the finite pixels of a finalized chi-squared coadd, undoing
// the division by order, and keeps those below maxValue.
func Values[T coadd.Pixel](img *coadd.Image[T], order, maxValue float64) []float64 {
	if maxValue <= 0 {
		maxValue = DefaultMaxValue
	}
	out := make([]float64, 0, len(img.Pix))
	for _, p := range img.Pix {
		v := float64(p) * order
		if math.IsNaN(v) || math.IsInf(v, 0) || v >= maxValue {
			continue
		}
		out = append(out, v)
	}
	return out
}

// ClipOutliers returns the values within four sigma of the median, with sigma
// estimated from the inter-quartile range. The result is sorted; vals is not
// modified.
func ClipOutliers(vals []float64) []float64 {
	if len(vals) == 0 {
		return nil
	}
	sorted := append([]float64(nil), vals...)
	sort.Float64s(sorted)

	n := len(sorted)
	iqr := sorted[n*3/4] - sorted[n/4]
	limit := clipSigmas * iqr * iqrToSigma
	median := sorted[n/2]

	lo := sort.SearchFloat64s(sorted, median-limit)
	hi := sort.Search(n, func(i int) bool { return sorted[i] > median+limit })
	return sorted[lo:hi]
}

// Build bins values and evaluates the reference distribution.
func Build(values []float64, opts Options) (*Histogram, error) {
	if opts.Bins <= 0 {
		opts.Bins = DefaultBins
	}
	if opts.Order <= 0 {
		return nil, fmt.Errorf("chi-squared order must be positive, got %g", opts.Order)
	}

	x := make([]float64, 0, len(values))
	for _, v := range values {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			x = append(x, v)
		}
	}
	if len(x) == 0 {
		return nil, ErrNoData
	}
	sort.Float64s(x)

	lo, hi := x[0], x[len(x)-1]
	if lo == hi {
		lo, hi = lo-0.5, hi+0.5
	}
	edges := floats.Span(make([]float64, opts.Bins+1), lo, hi)

	// stat.Histogram bins are half-open; widen the last divider so the
	// maximum lands in the final bin.
	dividers := append([]float64(nil), edges...)
	dividers[opts.Bins] = math.Nextafter(hi, math.Inf(1))

	freq := stat.Histogram(nil, dividers, x, nil)
	floats.Scale(1/floats.Sum(freq), freq)

	h := &Histogram{
		Edges:   edges,
		Freq:    freq,
		Order:   opts.Order,
		Samples: len(x),
	}
	h.Expected = reference(edges[:opts.Bins], opts.Order)
	return h, nil
}

// reference evaluates the χ² density at xs and normalizes it to sum 1.
// Points where the density is not finite (x=0 for order < 2) are zeroed.
func reference(xs []float64, order float64) []float64 {
	dist := distuv.ChiSquared{K: order}
	out := make([]float64, len(xs))
	for i, x := range xs {
		p := dist.Prob(x)
		if math.IsNaN(p) || math.IsInf(p, 0) {
			p = 0
		}
		out[i] = p
	}
	if sum := floats.Sum(out); sum > 0 {
		floats.Scale(1/sum, out)
	}
	return out
}

// Series returns the plot coordinates: left bin edges (optionally square
// rooted), histogram frequency and reference frequency (optionally log10).
func (h *Histogram) Series(logY, sqrtX bool) (xs, ys, ref []float64) {
	n := len(h.Freq)
	xs = make([]float64, n)
	ys = make([]float64, n)
	ref = make([]float64, n)
	for i := 0; i < n; i++ {
		xs[i] = h.Edges[i]
		ys[i] = h.Freq[i]
		ref[i] = h.Expected[i]
		if sqrtX {
			xs[i] = math.Sqrt(xs[i])
		}
		if logY {
			ys[i] = math.Log10(ys[i])
			ref[i] = math.Log10(ref[i])
		}
	}
	return xs, ys, ref
}

// XLimit returns the x value past the peak of ys where ys first falls below
// 1% of its finite range. It returns the last x when that never happens.
func XLimit(xs, ys []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	minY, maxY := math.Inf(1), math.Inf(-1)
	peak := -1
	for i, y := range ys {
		if math.IsNaN(y) || math.IsInf(y, 0) {
			continue
		}
		if y > maxY {
			maxY, peak = y, i
		}
		minY = math.Min(minY, y)
	}
	if peak < 0 {
		return xs[len(xs)-1]
	}

	end := minY + (maxY-minY)*0.01
	for i := peak + 1; i < len(ys); i++ {
		if !math.IsNaN(ys[i]) && !math.IsInf(ys[i], 0) && ys[i] < end {
			return xs[i]
		}
	}
	return xs[len(xs)-1]
}

// YRange returns the finite minimum and maximum of ys.
func YRange(ys []float64) (lo, hi float64, ok bool) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, y := range ys {
		if math.IsNaN(y) || math.IsInf(y, 0) {
			continue
		}
		lo, hi, ok = math.Min(lo, y), math.Max(hi, y), true
	}
	return lo, hi, ok
}
