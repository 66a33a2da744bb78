package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwbudde/coadd/internal/coadd"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	// BAD(0) | SAT(1) | CR(3) | NO_DATA(8)
	assert.Equal(t, coadd.MaskPixel(0x010B), cfg.BadPixelMask())
	assert.Equal(t, coadd.MaskPixel(0x0100), cfg.NoDataMask())
}

func TestParse_PartialKeepsDefaults(t *testing.T) {
	cfg, err := Parse([]byte("workers: 3\nimport:\n  gain: 2.5\n"))
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Workers)
	assert.Equal(t, 2.5, cfg.Import.Gain)
	assert.Equal(t, "./data", cfg.DataDir)
	assert.Equal(t, 500, cfg.Histogram.Bins)
	assert.Equal(t, DefaultMaskPlanes(), cfg.MaskPlanes)
}

func TestParse_MaskPlanesReplaceDefaults(t *testing.T) {
	yml := `
maskPlanes:
  BAD: 2
  SATURATED: 5
badMaskPlanes: [bad, saturated]
noDataPlane: ""
`
	cfg, err := Parse([]byte(yml))
	require.NoError(t, err)

	assert.Len(t, cfg.MaskPlanes, 2)
	assert.Equal(t, coadd.MaskPixel(0x24), cfg.BadPixelMask())
	assert.Equal(t, coadd.MaskPixel(0), cfg.NoDataMask())
}

func TestParse_Invalid(t *testing.T) {
	cases := []struct {
		name  string
		yaml  string
		field string
	}{
		{"negative workers", "workers: -1", "workers"},
		{"unknown backend", "backend: gpu", "backend"},
		{"bit out of range", "maskPlanes: {BAD: 16}\nbadMaskPlanes: [BAD]\nnoDataPlane: ''", "maskPlanes.BAD"},
		{"shared bit", "maskPlanes: {A: 1, B: 1}\nbadMaskPlanes: []\nnoDataPlane: ''", "maskPlanes.B"},
		{"unknown bad plane", "badMaskPlanes: [GHOST]", "badMaskPlanes"},
		{"zero gain", "import: {gain: 0}", "import.gain"},
		{"too few bins", "histogram: {bins: 1}", "histogram.bins"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			require.Error(t, err)

			var ve *ValidationError
			require.True(t, errors.As(err, &ve), "got %v", err)
			assert.Equal(t, tc.field, ve.Field)
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	good := filepath.Join(dir, "coadd.yaml")
	require.NoError(t, os.WriteFile(good, []byte("dataDir: /tmp/sessions\nbackend: naive\n"), 0644))
	cfg, err := Load(good)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/sessions", cfg.DataDir)
	assert.Equal(t, "naive", cfg.Backend)

	wrongExt := filepath.Join(dir, "coadd.json")
	require.NoError(t, os.WriteFile(wrongExt, []byte("{}"), 0644))
	_, err = Load(wrongExt)
	assert.Error(t, err)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestMaskDictionary(t *testing.T) {
	d := DefaultMaskPlanes()

	m, err := d.BitMask("sat", "EDGE")
	require.NoError(t, err)
	assert.Equal(t, coadd.MaskPixel(0x12), m)
	assert.Equal(t, []string{"SAT", "EDGE"}, d.Describe(m))

	_, err = d.BitMask("NOPE")
	assert.Error(t, err)

	assert.Equal(t, []string{"BAD", "SAT", "INTRP", "CR", "EDGE", "DETECTED", "NO_DATA"}, d.Names())
}

func TestAsYAML_RoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Workers = 6
	out, err := cfg.AsYAML()
	require.NoError(t, err)

	back, err := Parse([]byte(out))
	require.NoError(t, err)
	assert.Equal(t, cfg, back)
}
