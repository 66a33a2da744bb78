package coadd

import "math"

// Finalize normalizes an accumulated weighted-mean coadd by its weight map.
// Pixels with positive weight get value/w and variance/w². Pixels that never
// received weight are set to NaN and flagged with noDataBits. The inputs are
// not modified.
func Finalize[T, W Pixel](coadd *MaskedImage[T], weightMap *Image[W], noDataBits MaskPixel) (*MaskedImage[T], error) {
	if err := checkFinalize(coadd, weightMap); err != nil {
		return nil, err
	}

	d := coadd.Dims()
	out := NewMaskedImage[T](d.Width, d.Height)
	nan := T(math.NaN())
	for i, wp := range weightMap.Pix {
		m := coadd.Mask.Pix[i]
		if wp <= 0 {
			out.Image.Pix[i] = nan
			out.Variance.Pix[i] = nan
			out.Mask.Pix[i] = m | noDataBits
			continue
		}
		w := T(wp)
		out.Image.Pix[i] = coadd.Image.Pix[i] / w
		out.Variance.Pix[i] = coadd.Variance.Pix[i] / (w * w)
		out.Mask.Pix[i] = m
	}
	return out, nil
}

// FinalizeChiSquared divides a chi-squared coadd by order, usually the number
// of contributing images, so the value plane becomes a reduced χ².
// Pixels with no weight are flagged with noDataBits and set to NaN.
func FinalizeChiSquared[T, W Pixel](coadd *MaskedImage[T], weightMap *Image[W], order float64, noDataBits MaskPixel) (*MaskedImage[T], error) {
	if err := checkFinalize(coadd, weightMap); err != nil {
		return nil, err
	}
	if order <= 0 {
		order = 1
	}

	d := coadd.Dims()
	out := NewMaskedImage[T](d.Width, d.Height)
	nan := T(math.NaN())
	n := T(order)
	for i, wp := range weightMap.Pix {
		m := coadd.Mask.Pix[i]
		if wp <= 0 {
			out.Image.Pix[i] = nan
			out.Variance.Pix[i] = nan
			out.Mask.Pix[i] = m | noDataBits
			continue
		}
		out.Image.Pix[i] = coadd.Image.Pix[i] / n
		out.Variance.Pix[i] = coadd.Variance.Pix[i] / (n * n)
		out.Mask.Pix[i] = m
	}
	return out, nil
}

func checkFinalize[T, W Pixel](coadd *MaskedImage[T], weightMap *Image[W]) error {
	if err := coadd.Validate(); err != nil {
		return err
	}
	if weightMap == nil || weightMap.Dims() != coadd.Dims() || len(weightMap.Pix) != coadd.Dims().Len() {
		var got Dims
		if weightMap != nil {
			got = weightMap.Dims()
		}
		return &DimensionMismatchError{What: "weight map", Want: coadd.Dims(), Got: got}
	}
	return nil
}
