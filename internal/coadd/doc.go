// Package coadd accumulates masked, weighted images into a running co-addition.
//
// A coadd is a MaskedImage (value, variance and mask planes of one geometry)
// paired with a weight map. AddToCoadd folds one aligned input image into that
// pair in place; pixels whose mask intersects the bad-pixel mask are skipped in
// every plane. The package never resamples or aligns inputs: callers hand it
// images already on the coadd grid.
//
// Key types: Image, Mask, MaskedImage, Accumulator.
//
// Mask bits are opaque here. Their meaning (saturated, cosmic ray, ...) is a
// convention of the caller, see internal/config.
package coadd
