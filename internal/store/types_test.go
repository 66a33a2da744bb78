package store

import (
	"errors"
	"testing"
	"time"

	"github.com/cwbudde/coadd/internal/coadd"
)

func validMeta() SessionMeta {
	return SessionMeta{
		ID:        "s1",
		Width:     4,
		Height:    3,
		Mode:      "chi-squared",
		PixelType: PixelType,
		CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestSessionMetaValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(m *SessionMeta)
		field  string // empty when valid
	}{
		{"valid", func(m *SessionMeta) {}, ""},
		{"empty id", func(m *SessionMeta) { m.ID = "" }, "ID"},
		{"zero width", func(m *SessionMeta) { m.Width = 0 }, "Width"},
		{"negative height", func(m *SessionMeta) { m.Height = -1 }, "Height"},
		{"unknown mode", func(m *SessionMeta) { m.Mode = "median" }, "Mode"},
		{"float64 planes", func(m *SessionMeta) { m.PixelType = "float64" }, "PixelType"},
		{"negative count", func(m *SessionMeta) { m.Count = -2 }, "Count"},
		{"zero created", func(m *SessionMeta) { m.CreatedAt = time.Time{} }, "CreatedAt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := validMeta()
			tt.mutate(&m)
			err := m.Validate()

			if tt.field == "" {
				if err != nil {
					t.Fatalf("expected valid metadata, got %v", err)
				}
				return
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if verr.Field != tt.field {
				t.Errorf("Field = %q, want %q", verr.Field, tt.field)
			}
		})
	}
}

func TestSessionValidatePlanes(t *testing.T) {
	s := NewSession("s1", "", 4, 3, coadd.ModeWeightedMean)
	if err := s.Validate(); err != nil {
		t.Fatalf("new session should be valid: %v", err)
	}

	s.Weights.Pix = s.Weights.Pix[:5]
	if err := s.Validate(); !errors.Is(err, coadd.ErrDimensionMismatch) {
		t.Errorf("short weight buffer: expected dimension mismatch, got %v", err)
	}

	s = NewSession("s1", "", 4, 3, coadd.ModeWeightedMean)
	s.Meta.Width = 5
	if err := s.Validate(); !errors.Is(err, coadd.ErrDimensionMismatch) {
		t.Errorf("metadata/plane mismatch: expected dimension mismatch, got %v", err)
	}

	s = NewSession("s1", "", 4, 3, coadd.ModeWeightedMean)
	s.Coadd = nil
	var verr *ValidationError
	if err := s.Validate(); !errors.As(err, &verr) || verr.Field != "planes" {
		t.Errorf("expected planes validation error, got %v", err)
	}
}

func TestToInfo(t *testing.T) {
	m := validMeta()
	m.Name = "deep field"
	m.Count = 7
	m.UpdatedAt = m.CreatedAt.Add(time.Hour)

	info := m.ToInfo()
	if info.ID != "s1" || info.Name != "deep field" || info.Count != 7 || info.Mode != "chi-squared" {
		t.Errorf("unexpected info %+v", info)
	}
	if info.Width != 4 || info.Height != 3 || !info.UpdatedAt.Equal(m.UpdatedAt) {
		t.Errorf("unexpected geometry or timestamp in %+v", info)
	}
}
