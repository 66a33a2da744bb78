package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/cwbudde/coadd/internal/coadd"
)

// PixelType is recorded in metadata so files written by a build with a
// different plane type are refused instead of misread.
const PixelType = "float32"

// SessionMeta is the JSON metadata of a stored session (session.json).
type SessionMeta struct {
	ID         string    `json:"id"`
	Name       string    `json:"name,omitempty"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	Mode       string    `json:"mode"` // weighted-mean, chi-squared
	PixelType  string    `json:"pixelType"`
	Count      int       `json:"count"`      // contributions folded in
	Generation int       `json:"generation"` // plane files to read, bumped by every save
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Session is a coadd accumulator at rest: metadata plus planes.
type Session struct {
	Meta    SessionMeta
	Coadd   *coadd.MaskedImage[float32]
	Weights *coadd.Image[float32]
}

// NewSession creates an empty, zero-filled session.
func NewSession(id, name string, width, height int, mode coadd.Mode) *Session {
	now := time.Now()
	return &Session{
		Meta: SessionMeta{
			ID:        id,
			Name:      name,
			Width:     width,
			Height:    height,
			Mode:      mode.String(),
			PixelType: PixelType,
			CreatedAt: now,
			UpdatedAt: now,
		},
		Coadd:   coadd.NewMaskedImage[float32](width, height),
		Weights: coadd.NewImage[float32](width, height),
	}
}

// SessionInfo is the listing view of a session.
type SessionInfo struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Width     int       `json:"width"`
	Height    int       `json:"height"`
	Mode      string    `json:"mode"`
	Count     int       `json:"count"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ToInfo converts metadata to its listing view
func (m *SessionMeta) ToInfo() SessionInfo {
	return SessionInfo{
		ID:        m.ID,
		Name:      m.Name,
		Width:     m.Width,
		Height:    m.Height,
		Mode:      m.Mode,
		Count:     m.Count,
		UpdatedAt: m.UpdatedAt,
	}
}

// Validate checks if the metadata has valid data.
func (m *SessionMeta) Validate() error {
	if m.ID == "" {
		return &ValidationError{Field: "ID", Reason: "cannot be empty"}
	}
	if m.Width <= 0 {
		return &ValidationError{Field: "Width", Reason: "must be positive"}
	}
	if m.Height <= 0 {
		return &ValidationError{Field: "Height", Reason: "must be positive"}
	}
	if _, err := coadd.ParseMode(m.Mode); err != nil {
		return &ValidationError{Field: "Mode", Reason: err.Error()}
	}
	if m.PixelType != PixelType {
		return &ValidationError{Field: "PixelType", Reason: fmt.Sprintf("expected %s, got %q", PixelType, m.PixelType)}
	}
	if m.Count < 0 {
		return &ValidationError{Field: "Count", Reason: "cannot be negative"}
	}
	if m.Generation < 0 {
		return &ValidationError{Field: "Generation", Reason: "cannot be negative"}
	}
	if m.CreatedAt.IsZero() {
		return &ValidationError{Field: "CreatedAt", Reason: "cannot be zero"}
	}
	return nil
}

// Validate checks the metadata and that the planes match its geometry.
func (s *Session) Validate() error {
	if err := s.Meta.Validate(); err != nil {
		return err
	}
	if s.Coadd == nil || s.Weights == nil {
		return &ValidationError{Field: "planes", Reason: "cannot be nil"}
	}
	if err := s.Coadd.Validate(); err != nil {
		return err
	}
	want := coadd.Dims{Width: s.Meta.Width, Height: s.Meta.Height}
	if s.Coadd.Dims() != want {
		return &coadd.DimensionMismatchError{What: "stored coadd", Want: want, Got: s.Coadd.Dims()}
	}
	if s.Weights.Dims() != want || len(s.Weights.Pix) != want.Len() {
		return &coadd.DimensionMismatchError{What: "stored weight map", Want: want, Got: s.Weights.Dims()}
	}
	return nil
}

// ExposureMeta describes an input masked image on disk (exposure.json).
type ExposureMeta struct {
	Source       string    `json:"source,omitempty"`
	ExposureTime float64   `json:"exposureTime,omitempty"` // seconds, from EXIF; 0 when unknown
	Width        int       `json:"width"`
	Height       int       `json:"height"`
	PixelType    string    `json:"pixelType"`
	CreatedAt    time.Time `json:"createdAt"`
}

// ErrNoExposureTime is returned when an exposure-time weight is requested for
// an exposure that does not record one.
var ErrNoExposureTime = errors.New("exposure has no recorded exposure time")

// ScaledWeight returns weight multiplied by the exposure time, for weighting
// contributions by integration time.
func (m *ExposureMeta) ScaledWeight(weight float64) (float64, error) {
	if m.ExposureTime <= 0 {
		return 0, ErrNoExposureTime
	}
	return weight * m.ExposureTime, nil
}

// ValidationError represents a metadata validation error.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation error: " + e.Field + " " + e.Reason
}
