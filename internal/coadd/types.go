package coadd

import "fmt"

// Pixel is the set of real-valued pixel types a coadd or weight plane may hold.
type Pixel interface {
	~float32 | ~float64
}

// MaskPixel is the bit field stored in every mask plane.
type MaskPixel uint16

// Dims is the width and height of a pixel grid
type Dims struct {
	Width, Height int
}

func (d Dims) String() string {
	return fmt.Sprintf("%dx%d", d.Width, d.Height)
}

// Len returns the number of pixels in the grid
func (d Dims) Len() int {
	return d.Width * d.Height
}

// Image is a dense row-major plane of pixels
type Image[T Pixel] struct {
	Pix    []T
	Width  int
	Height int
}

// NewImage creates a zero-filled image
func NewImage[T Pixel](width, height int) *Image[T] {
	return &Image[T]{
		Pix:    make([]T, width*height),
		Width:  width,
		Height: height,
	}
}

// Dims returns the image geometry
func (im *Image[T]) Dims() Dims { return Dims{im.Width, im.Height} }

// Offset returns the index of (x, y) in Pix
func (im *Image[T]) Offset(x, y int) int { return y*im.Width + x }

// At returns the pixel at (x, y)
func (im *Image[T]) At(x, y int) T { return im.Pix[y*im.Width+x] }

// Set stores v at (x, y)
func (im *Image[T]) Set(x, y int, v T) { im.Pix[y*im.Width+x] = v }

// Clone returns a deep copy of the image
func (im *Image[T]) Clone() *Image[T] {
	out := &Image[T]{Pix: make([]T, len(im.Pix)), Width: im.Width, Height: im.Height}
	copy(out.Pix, im.Pix)
	return out
}

// Fill sets every pixel to v
func (im *Image[T]) Fill(v T) {
	for i := range im.Pix {
		im.Pix[i] = v
	}
}

// Mask is a dense row-major plane of mask bits
type Mask struct {
	Pix    []MaskPixel
	Width  int
	Height int
}

// NewMask creates a mask with no bits set
func NewMask(width, height int) *Mask {
	return &Mask{
		Pix:    make([]MaskPixel, width*height),
		Width:  width,
		Height: height,
	}
}

func (m *Mask) Dims() Dims { return Dims{m.Width, m.Height} }
func (m *Mask) At(x, y int) MaskPixel { return m.Pix[y*m.Width+x] }
func (m *Mask) Set(x, y int, v MaskPixel) { m.Pix[y*m.Width+x] = v }
func (m *Mask) Or(x, y int, bits MaskPixel) { m.Pix[y*m.Width+x] |= bits }

func (m *Mask) Clone() *Mask {
	out := &Mask{Pix: make([]MaskPixel, len(m.Pix)), Width: m.Width, Height: m.Height}
	copy(out.Pix, m.Pix)
	return out
}

// CountSet returns how many pixels have at least one bit of bits set
func (m *Mask) CountSet(bits MaskPixel) int {
	n := 0
	for _, v := range m.Pix {
		if v&bits != 0 {
			n++
		}
	}
	return n
}

// MaskedImage bundles a value plane, a variance plane and a mask plane of one geometry.
type MaskedImage[T Pixel] struct {
	Image    *Image[T]
	Variance *Image[T]
	Mask     *Mask
}

// NewMaskedImage creates a zero-filled masked image
func NewMaskedImage[T Pixel](width, height int) *MaskedImage[T] {
	return &MaskedImage[T]{
		Image:    NewImage[T](width, height),
		Variance: NewImage[T](width, height),
		Mask:     NewMask(width, height),
	}
}

// Dims returns the geometry of the value plane.
func (mi *MaskedImage[T]) Dims() Dims { return mi.Image.Dims() }

// Validate checks that all three planes are present, agree in geometry and are
// backed by slices of the right length.
func (mi *MaskedImage[T]) Validate() error {
	if mi == nil || mi.Image == nil || mi.Variance == nil || mi.Mask == nil {
		return fmt.Errorf("masked image is missing a plane")
	}
	d := mi.Image.Dims()
	if mi.Variance.Dims() != d {
		return &DimensionMismatchError{What: "variance plane", Want: d, Got: mi.Variance.Dims()}
	}
	if mi.Mask.Dims() != d {
		return &DimensionMismatchError{What: "mask plane", Want: d, Got: mi.Mask.Dims()}
	}
	n := d.Len()
	if len(mi.Image.Pix) != n || len(mi.Variance.Pix) != n || len(mi.Mask.Pix) != n {
		return fmt.Errorf("%w: pixel buffer length does not match %s", ErrDimensionMismatch, d)
	}
	return nil
}

// Clone returns a deep copy of all three planes
func (mi *MaskedImage[T]) Clone() *MaskedImage[T] {
	return &MaskedImage[T]{
		Image:    mi.Image.Clone(),
		Variance: mi.Variance.Clone(),
		Mask:     mi.Mask.Clone(),
	}
}
