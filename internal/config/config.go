package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cwbudde/coadd/internal/coadd"
)

/* Example config file ...

dataDir: ./data
workers: 8
backend: auto
maskPlanes:
  BAD: 0
  SAT: 1
  CR: 3
badMaskPlanes: [BAD, SAT, CR]
noDataPlane: NO_DATA
import:
  gain: 1.5
  readNoise: 4.2
  saturation: 60000
histogram:
  bins: 500
  logY: true
  sqrtX: false

*/

// maxConfigSize bounds the config file read from disk.
const maxConfigSize = 1 << 20

// Config holds everything the CLI and server need beyond per-command flags.
type Config struct {
	DataDir       string          `yaml:"dataDir"`
	Workers       int             `yaml:"workers"` // 0 = one per CPU
	Backend       string          `yaml:"backend"` // auto, naive, unrolled4, unrolled8
	MaskPlanes    MaskDictionary  `yaml:"maskPlanes"`
	BadMaskPlanes []string        `yaml:"badMaskPlanes"`
	NoDataPlane   string          `yaml:"noDataPlane"`
	Import        ImportConfig    `yaml:"import"`
	Histogram     HistogramConfig `yaml:"histogram"`
}

// ImportConfig is the detector model used to derive variance and saturation
// flags when converting plain images into exposures.
type ImportConfig struct {
	Gain       float64 `yaml:"gain"`       // electrons per DN
	ReadNoise  float64 `yaml:"readNoise"`  // DN RMS
	Saturation float64 `yaml:"saturation"` // DN at or above which SAT is set; 0 disables
}

// HistogramConfig mirrors the knobs of the chi-squared histogram plot
type HistogramConfig struct {
	Bins  int  `yaml:"bins"`
	LogY  bool `yaml:"logY"`
	SqrtX bool `yaml:"sqrtX"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		DataDir:       "./data",
		Workers:       0,
		Backend:       "auto",
		MaskPlanes:    DefaultMaskPlanes(),
		BadMaskPlanes: []string{"BAD", "SAT", "CR", "NO_DATA"},
		NoDataPlane:   "NO_DATA",
		Import: ImportConfig{
			Gain:       1.0,
			ReadNoise:  0,
			Saturation: 65535,
		},
		Histogram: HistogramConfig{
			Bins:  500,
			LogY:  true,
			SqrtX: false,
		},
	}
}

// Parse decodes a YAML payload on top of Default, so omitted fields keep
// their defaults, and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if len(bytes.TrimSpace(data)) == 0 {
		return cfg, nil
	}
	// A maskPlanes section replaces the default layout instead of merging into it.
	cfg.MaskPlanes = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if cfg.MaskPlanes == nil {
		cfg.MaskPlanes = DefaultMaskPlanes()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads and validates a YAML config file.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	switch ext := filepath.Ext(cleanPath); ext {
	case ".yaml", ".yml":
	default:
		return nil, fmt.Errorf("config: file must have .yaml or .yml extension, got %q", ext)
	}

	info, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("config: stat %s: %w", cleanPath, err)
	}
	if info.Size() > maxConfigSize {
		return nil, fmt.Errorf("config: file too large: %d bytes (max %d)", info.Size(), maxConfigSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", cleanPath, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cleanPath, err)
	}
	return cfg, nil
}

// Validate checks every field and returns the first problem found.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return &ValidationError{Field: "dataDir", Reason: "cannot be empty"}
	}
	if c.Workers < 0 {
		return &ValidationError{Field: "workers", Reason: fmt.Sprintf("must be non-negative, got %d", c.Workers)}
	}
	if _, err := coadd.ParseBackend(c.Backend); err != nil {
		return &ValidationError{Field: "backend", Reason: err.Error()}
	}
	if err := c.MaskPlanes.Validate(); err != nil {
		return err
	}
	if _, err := c.MaskPlanes.BitMask(c.BadMaskPlanes...); err != nil {
		return &ValidationError{Field: "badMaskPlanes", Reason: err.Error()}
	}
	if c.NoDataPlane != "" {
		if _, err := c.MaskPlanes.BitMask(c.NoDataPlane); err != nil {
			return &ValidationError{Field: "noDataPlane", Reason: err.Error()}
		}
	}
	if c.Import.Gain <= 0 {
		return &ValidationError{Field: "import.gain", Reason: fmt.Sprintf("must be positive, got %g", c.Import.Gain)}
	}
	if c.Import.ReadNoise < 0 {
		return &ValidationError{Field: "import.readNoise", Reason: fmt.Sprintf("must be non-negative, got %g", c.Import.ReadNoise)}
	}
	if c.Import.Saturation < 0 {
		return &ValidationError{Field: "import.saturation", Reason: fmt.Sprintf("must be non-negative, got %g", c.Import.Saturation)}
	}
	if c.Histogram.Bins < 2 {
		return &ValidationError{Field: "histogram.bins", Reason: fmt.Sprintf("must be at least 2, got %d", c.Histogram.Bins)}
	}
	return nil
}

// BadPixelMask returns the OR of the configured bad mask planes.
func (c *Config) BadPixelMask() coadd.MaskPixel {
	m, _ := c.MaskPlanes.BitMask(c.BadMaskPlanes...)
	return m
}

// NoDataMask returns the bit set on pixels that never received weight.
func (c *Config) NoDataMask() coadd.MaskPixel {
	if c.NoDataPlane == "" {
		return 0
	}
	m, _ := c.MaskPlanes.BitMask(c.NoDataPlane)
	return m
}

// AsYAML renders the effective configuration
func (c *Config) AsYAML() (string, error) {
	b, err := yaml.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("config: encode: %w", err)
	}
	return string(b), nil
}

// ValidationError reports a config field that failed validation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "config: invalid " + e.Field + ": " + e.Reason
}

// MaskDictionary maps mask plane names to bit indices.
type MaskDictionary map[string]uint

// DefaultMaskPlanes returns the standard plane layout
func DefaultMaskPlanes() MaskDictionary {
	return MaskDictionary{
		"BAD":      0,
		"SAT":      1,
		"INTRP":    2,
		"CR":       3,
		"EDGE":     4,
		"DETECTED": 5,
		"NO_DATA":  8,
	}
}

// Validate rejects bit indices that do not fit a MaskPixel and planes sharing a bit.
func (d MaskDictionary) Validate() error {
	const bits = 16
	seen := map[uint]string{}
	for _, name := range d.Names() {
		bit := d[name]
		if bit >= bits {
			return &ValidationError{Field: "maskPlanes." + name, Reason: fmt.Sprintf("bit %d does not fit in %d bits", bit, bits)}
		}
		if other, ok := seen[bit]; ok {
			return &ValidationError{Field: "maskPlanes." + name, Reason: fmt.Sprintf("bit %d already used by %s", bit, other)}
		}
		seen[bit] = name
	}
	return nil
}

// BitMask ORs together the bits of the named planes. Names are matched
// case-insensitively.
func (d MaskDictionary) BitMask(names ...string) (coadd.MaskPixel, error) {
	var m coadd.MaskPixel
	for _, name := range names {
		bit, ok := d.lookup(name)
		if !ok {
			return 0, fmt.Errorf("unknown mask plane %q", name)
		}
		m |= coadd.MaskPixel(1) << bit
	}
	return m, nil
}

// Describe lists the plane names whose bits are set in m.
func (d MaskDictionary) Describe(m coadd.MaskPixel) []string {
	var out []string
	for _, name := range d.Names() {
		if m&(coadd.MaskPixel(1)<<d[name]) != 0 {
			out = append(out, name)
		}
	}
	return out
}

// Names returns plane names ordered by bit index
func (d MaskDictionary) Names() []string {
	names := make([]string, 0, len(d))
	for name := range d {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if d[names[i]] != d[names[j]] {
			return d[names[i]] < d[names[j]]
		}
		return names[i] < names[j]
	})
	return names
}

func (d MaskDictionary) lookup(name string) (uint, bool) {
	if bit, ok := d[name]; ok {
		return bit, true
	}
	upper := strings.ToUpper(strings.TrimSpace(name))
	for k, bit := range d {
		if strings.ToUpper(k) == upper {
			return bit, true
		}
	}
	return 0, false
}
