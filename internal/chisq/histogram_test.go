package chisq

import (
	"errors"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/cwbudde/coadd/internal/coadd"
)

func TestClipOutliers(t *testing.T) {
	vals := make([]float64, 0, 101)
	for i := 100; i >= 1; i-- {
		vals = append(vals, float64(i))
	}
	vals = append(vals, 1e6)

	clipped := ClipOutliers(vals)
	assert.Len(t, clipped, 100)
	assert.Equal(t, 1.0, clipped[0])
	assert.Equal(t, 100.0, clipped[99])
	assert.Equal(t, 1e6, vals[100], "input must not be modified")

	assert.Nil(t, ClipOutliers(nil))
}

func TestValues(t *testing.T) {
	img := coadd.NewImage[float32](5, 1)
	copy(img.Pix, []float32{0.5, float32(math.NaN()), float32(math.Inf(1)), 30, 2})

	got := Values(img, 2, 0)
	assert.Equal(t, []float64{1, 4}, got)
}

func TestBuild(t *testing.T) {
	h, err := Build([]float64{0.5, 1.5, 1.5, 2.5, math.NaN()}, Options{Bins: 2, Order: 2})
	require.NoError(t, err)

	assert.Equal(t, []float64{0.5, 1.5, 2.5}, h.Edges)
	assert.Equal(t, []float64{0.25, 0.75}, h.Freq)
	assert.Equal(t, 4, h.Samples)

	// χ²(2) density is exp(-x/2)/2.
	require.Len(t, h.Expected, 2)
	assert.InDelta(t, 1.0, floats.Sum(h.Expected), 1e-12)
	assert.InDelta(t, math.Exp(-0.5), h.Expected[1]/h.Expected[0], 1e-12)
}

func TestBuildSingleValue(t *testing.T) {
	h, err := Build([]float64{3, 3, 3}, Options{Bins: 4, Order: 3})
	require.NoError(t, err)
	assert.Equal(t, 2.5, h.Edges[0])
	assert.Equal(t, 3.5, h.Edges[4])
	assert.InDelta(t, 1.0, floats.Sum(h.Freq), 1e-12)
}

func TestBuildErrors(t *testing.T) {
	_, err := Build([]float64{math.NaN()}, Options{Order: 1})
	assert.True(t, errors.Is(err, ErrNoData))

	_, err = Build([]float64{1}, Options{Order: 0})
	assert.Error(t, err)
}

func TestReferenceLowOrder(t *testing.T) {
	// Order 1 has an infinite density at zero; that point is dropped.
	ref := reference([]float64{0, 1, 2}, 1)
	assert.Equal(t, 0.0, ref[0])
	assert.InDelta(t, 1.0, floats.Sum(ref), 1e-12)
}

func TestSeries(t *testing.T) {
	h := &Histogram{
		Edges:    []float64{0, 4, 9},
		Freq:     []float64{1, 0},
		Expected: []float64{0.1, 0.9},
	}
	xs, ys, ref := h.Series(true, true)
	assert.Equal(t, []float64{0, 2}, xs)
	assert.Equal(t, 0.0, ys[0])
	assert.True(t, math.IsInf(ys[1], -1))
	assert.InDelta(t, -1.0, ref[0], 1e-12)
}

func TestXLimit(t *testing.T) {
	xs := []float64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	ys := []float64{0, 5, 10, 8, 4, 1, 0.05, 0, 0, 0}
	assert.Equal(t, 6.0, XLimit(xs, ys))

	// Never drops low enough: last x.
	assert.Equal(t, 2.0, XLimit([]float64{0, 1, 2}, []float64{1, 3, 2}))

	// Non-finite values are ignored when locating the range.
	inf := math.Inf(-1)
	assert.Equal(t, 3.0, XLimit([]float64{0, 1, 2, 3}, []float64{inf, 0, -1, -3}))
}

// chiSquaredCoadd accumulates n images of unit-variance Gaussian noise.
func chiSquaredCoadd(t *testing.T, n, size int) *coadd.MaskedImage[float32] {
	t.Helper()
	rng := rand.New(rand.NewPCG(1, 2))
	acc := coadd.NewAccumulator[float32, float32](size, size, coadd.Options{Mode: coadd.ModeChiSquared})
	for i := 0; i < n; i++ {
		in := coadd.NewMaskedImage[float32](size, size)
		in.Variance.Fill(1)
		for j := range in.Image.Pix {
			in.Image.Pix[j] = float32(rng.NormFloat64())
		}
		_, err := acc.Add(in, 0, 1)
		require.NoError(t, err)
	}
	sum, weights := acc.Snapshot()
	out, err := coadd.FinalizeChiSquared(sum, weights, float64(n), 0)
	require.NoError(t, err)
	return out
}

func TestNoiseFollowsChiSquared(t *testing.T) {
	const order = 6
	out := chiSquaredCoadd(t, order, 64)

	vals := Values(out.Image, order, 0)
	require.NotEmpty(t, vals)
	// χ²(k) has mean k and variance 2k.
	assert.InDelta(t, order, stat.Mean(vals, nil), 0.3)
	assert.InDelta(t, 2*order, stat.Variance(vals, nil), 2)

	h, err := Build(ClipOutliers(vals), Options{Bins: 50, Order: order})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, floats.Sum(h.Freq), 1e-9)
}

func TestSavePlot(t *testing.T) {
	out := chiSquaredCoadd(t, 4, 32)
	h, err := Build(Values(out.Image, 4, 0), Options{Bins: 40, Order: 4})
	require.NoError(t, err)

	for _, opts := range []PlotOptions{{LogY: true}, {SqrtX: true, Title: "noise"}} {
		path := filepath.Join(t.TempDir(), "hist.png")
		require.NoError(t, h.Save(path, opts))

		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Greater(t, info.Size(), int64(0))
	}
}
