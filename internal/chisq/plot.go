package chisq

import (
	"fmt"
	"image/color"
	"math"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// PlotOptions control how a histogram is drawn.
type PlotOptions struct {
	Title string
	LogY  bool
	SqrtX bool
}

// Plot draws the histogram as a step line with the χ² reference curve on top.
func (h *Histogram) Plot(opts PlotOptions) (*plot.Plot, error) {
	xs, ys, ref := h.Series(opts.LogY, opts.SqrtX)

	p := plot.New()
	p.Title.Text = opts.Title
	if p.Title.Text == "" {
		p.Title.Text = fmt.Sprintf("χ² coadd, order %g, %d pixels", h.Order, h.Samples)
	}
	if opts.LogY {
		p.Y.Label.Text = "log10 frequency"
	} else {
		p.Y.Label.Text = "frequency"
	}
	if opts.SqrtX {
		p.X.Label.Text = "sqrt of sum of (counts/noise)^2"
	} else {
		p.X.Label.Text = "sum of (counts/noise)^2"
	}

	data, err := plotter.NewLine(finitePoints(xs, ys))
	if err != nil {
		return nil, fmt.Errorf("histogram line: %w", err)
	}
	data.StepStyle = plotter.PreStep
	data.Width = vg.Points(1)
	data.Color = color.RGBA{R: 31, G: 119, B: 180, A: 255}

	expected, err := plotter.NewLine(finitePoints(xs, ref))
	if err != nil {
		return nil, fmt.Errorf("reference line: %w", err)
	}
	expected.Width = vg.Points(1)
	expected.Color = color.RGBA{R: 255, G: 127, B: 14, A: 255}

	p.Add(data, expected)
	p.Legend.Add("coadd", data)
	p.Legend.Add(fmt.Sprintf("χ²(%g)", h.Order), expected)
	p.Legend.Top = true
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10

	p.X.Min = 0
	p.X.Max = XLimit(xs, ys)
	if lo, hi, ok := YRange(ys); ok {
		p.Y.Min = lo
		p.Y.Max = hi + (hi-lo)*0.05
	}
	return p, nil
}

// Save renders the plot to path. The format follows the file extension
// (.png, .svg, .pdf).
func (h *Histogram) Save(path string, opts PlotOptions) error {
	p, err := h.Plot(opts)
	if err != nil {
		return err
	}
	if err := p.Save(10*vg.Inch, 6*vg.Inch, path); err != nil {
		return fmt.Errorf("failed to save histogram plot: %w", err)
	}
	return nil
}

// finitePoints drops points the plotter cannot draw, such as log10(0).
func finitePoints(xs, ys []float64) plotter.XYs {
	pts := make(plotter.XYs, 0, len(xs))
	for i := range xs {
		if math.IsNaN(ys[i]) || math.IsInf(ys[i], 0) {
			continue
		}
		pts = append(pts, plotter.XY{X: xs[i], Y: ys[i]})
	}
	return pts
}
