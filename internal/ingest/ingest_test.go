package ingest

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/tiff"

	"github.com/cwbudde/coadd/internal/coadd"
)

const satBit coadd.MaskPixel = 1 << 1

func testOptions() Options {
	return Options{Gain: 2, ReadNoise: 3, Saturation: 1000, SaturatedBits: satBit}
}

// gradient returns a 4x3 16-bit frame with one saturated pixel at (3, 2).
func gradient() *image.Gray16 {
	img := image.NewGray16(image.Rect(0, 0, 4, 3))
	for y := 0; y < 3; y++ {
		for x := 0; x < 4; x++ {
			img.SetGray16(x, y, color.Gray16{Y: uint16(100*y + 10*x)})
		}
	}
	img.SetGray16(3, 2, color.Gray16{Y: 1200})
	return img
}

func checkGradient(t *testing.T, mi *coadd.MaskedImage[float32]) {
	t.Helper()
	require.Equal(t, coadd.Dims{Width: 4, Height: 3}, mi.Dims())

	assert.Equal(t, float32(120), mi.Image.At(2, 1))
	assert.Equal(t, float32(120.0/2+9), mi.Variance.At(2, 1))
	assert.Equal(t, coadd.MaskPixel(0), mi.Mask.At(2, 1))

	assert.Equal(t, float32(1200), mi.Image.At(3, 2))
	assert.Equal(t, satBit, mi.Mask.At(3, 2))
	assert.Equal(t, 1, mi.Mask.CountSet(satBit))
}

func TestFromImage(t *testing.T) {
	mi, err := FromImage(gradient(), testOptions())
	require.NoError(t, err)
	checkGradient(t, mi)
}

func TestFromImageOffsetBounds(t *testing.T) {
	img := gradient().SubImage(image.Rect(1, 1, 4, 3))

	mi, err := FromImage(img, testOptions())
	require.NoError(t, err)
	require.Equal(t, coadd.Dims{Width: 3, Height: 2}, mi.Dims())
	assert.Equal(t, float32(110), mi.Image.At(0, 0))
	assert.Equal(t, float32(1200), mi.Image.At(2, 1))
}

func TestFromImage8Bit(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 2, 1))
	img.SetGray(1, 0, color.Gray{Y: 255})

	mi, err := FromImage(img, Options{Gain: 1, Saturation: 255, SaturatedBits: satBit})
	require.NoError(t, err)
	assert.Equal(t, float32(255), mi.Image.At(1, 0))
	assert.Equal(t, satBit, mi.Mask.At(1, 0))
	assert.Equal(t, coadd.MaskPixel(0), mi.Mask.At(0, 0))
}

func TestFromImageSaturationDisabled(t *testing.T) {
	opts := testOptions()
	opts.Saturation = 0

	mi, err := FromImage(gradient(), opts)
	require.NoError(t, err)
	assert.Equal(t, 0, mi.Mask.CountSet(satBit))
}

func TestLoadPNGAndTIFF(t *testing.T) {
	dir := t.TempDir()

	var pngBuf bytes.Buffer
	require.NoError(t, png.Encode(&pngBuf, gradient()))
	pngPath := filepath.Join(dir, "frame.png")
	require.NoError(t, os.WriteFile(pngPath, pngBuf.Bytes(), 0644))

	var tiffBuf bytes.Buffer
	require.NoError(t, tiff.Encode(&tiffBuf, gradient(), nil))
	tiffPath := filepath.Join(dir, "frame.TIF")
	require.NoError(t, os.WriteFile(tiffPath, tiffBuf.Bytes(), 0644))

	for _, path := range []string{pngPath, tiffPath} {
		t.Run(filepath.Base(path), func(t *testing.T) {
			exp, err := Load(path, testOptions())
			require.NoError(t, err)
			assert.Equal(t, path, exp.Source)
			assert.Zero(t, exp.ExposureTime)
			checkGradient(t, exp.Image)
		})
	}

	t.Run("stream", func(t *testing.T) {
		mi, err := Decode(bytes.NewReader(tiffBuf.Bytes()), testOptions())
		require.NoError(t, err)
		checkGradient(t, mi)
	})
}

// timedTIFF returns a little-endian 2x1 8-bit gray TIFF whose first IFD
// carries an ExposureTime of num/denom seconds.
func timedTIFF(num, denom uint32, pix [2]byte) []byte {
	type entry struct {
		tag, typ uint16
		value    uint32
	}
	const (
		short    = 3
		long     = 4
		rational = 5

		ifdOffset      = 8
		nEntries       = 10
		rationalOffset = ifdOffset + 2 + nEntries*12 + 4
		pixelOffset    = rationalOffset + 8
	)
	entries := []entry{
		{256, short, 2}, // ImageWidth
		{257, short, 1}, // ImageLength
		{258, short, 8}, // BitsPerSample
		{259, short, 1}, // Compression: none
		{262, short, 1}, // PhotometricInterpretation: BlackIsZero
		{273, long, pixelOffset},
		{277, short, 1}, // SamplesPerPixel
		{278, short, 1}, // RowsPerStrip
		{279, long, 2},  // StripByteCounts
		{0x829A, rational, rationalOffset},
	}

	le := binary.LittleEndian
	buf := []byte("II")
	buf = le.AppendUint16(buf, 42)
	buf = le.AppendUint32(buf, ifdOffset)
	buf = le.AppendUint16(buf, nEntries)
	for _, e := range entries {
		buf = le.AppendUint16(buf, e.tag)
		buf = le.AppendUint16(buf, e.typ)
		buf = le.AppendUint32(buf, 1)
		buf = le.AppendUint32(buf, e.value)
	}
	buf = le.AppendUint32(buf, 0) // no further IFD
	buf = le.AppendUint32(buf, num)
	buf = le.AppendUint32(buf, denom)
	return append(buf, pix[:]...)
}

func TestLoadTIFFExposureTime(t *testing.T) {
	path := filepath.Join(t.TempDir(), "timed.tif")
	require.NoError(t, os.WriteFile(path, timedTIFF(1, 2, [2]byte{7, 200}), 0644))

	exp, err := Load(path, Options{Gain: 1, Saturation: 255, SaturatedBits: satBit})
	require.NoError(t, err)
	assert.Equal(t, 0.5, exp.ExposureTime)
	require.Equal(t, coadd.Dims{Width: 2, Height: 1}, exp.Image.Dims())
	assert.Equal(t, float32(7), exp.Image.Image.At(0, 0))
	assert.Equal(t, float32(200), exp.Image.Image.At(1, 0))
	assert.Equal(t, float32(200), exp.Image.Variance.At(1, 0))
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	garbage := filepath.Join(dir, "garbage.png")
	require.NoError(t, os.WriteFile(garbage, []byte("not a png"), 0644))

	tests := []struct {
		name string
		path string
		opts Options
	}{
		{"unsupported extension", filepath.Join(dir, "frame.jpg"), testOptions()},
		{"missing file", filepath.Join(dir, "missing.png"), testOptions()},
		{"undecodable", garbage, testOptions()},
		{"zero gain", garbage, Options{Gain: 0, Saturation: 1}},
		{"negative read noise", garbage, Options{Gain: 1, ReadNoise: -1, Saturation: 1}},
		{"negative saturation", garbage, Options{Gain: 1, Saturation: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(tt.path, tt.opts)
			assert.Error(t, err)
		})
	}
}
