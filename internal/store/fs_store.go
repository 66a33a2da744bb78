package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cwbudde/coadd/internal/coadd"
)

const (
	metaFile      = "session.json"
	exposureFile  = "exposure.json"
	imagePlane    = "image"
	variancePlane = "variance"
	maskPlane     = "mask"
	weightPlane   = "weight"
	planeExt      = ".bin.gz"
)

var sessionPlanes = []string{imagePlane, variancePlane, maskPlane, weightPlane}

// planePath names a plane file. Sessions keep one generation of planes per
// save (image.3.bin.gz); generation 0 is the unversioned name used by
// exposures (image.bin.gz).
func planePath(dir, plane string, gen int) string {
	if gen == 0 {
		return filepath.Join(dir, plane+planeExt)
	}
	return filepath.Join(dir, plane+"."+strconv.Itoa(gen)+planeExt)
}

// planeGeneration parses a file name written by planePath.
func planeGeneration(name string) (int, bool) {
	for _, plane := range sessionPlanes {
		rest, ok := strings.CutPrefix(name, plane+".")
		if !ok {
			continue
		}
		rest = strings.TrimSuffix(rest, ".tmp")
		if "."+rest == planeExt {
			return 0, true
		}
		num, ok := strings.CutSuffix(rest, planeExt)
		if !ok {
			continue
		}
		gen, err := strconv.Atoi(num)
		if err != nil || gen <= 0 {
			continue
		}
		return gen, true
	}
	return 0, false
}

// FSStore implements the Store interface using filesystem-based persistence.
// Sessions are stored in a directory structure: <baseDir>/sessions/<id>/
//
// Every save writes a new generation of plane files and then renames
// session.json into place; session.json names the generation to read, so a
// save that fails part way leaves the previous generation intact. Two writers
// saving the same session concurrently race; callers serialize writes per
// session.
type FSStore struct {
	baseDir string // Root directory for all session data (e.g., "./data")
}

// NewFSStore creates a new filesystem-based store.
// The baseDir will be created if it doesn't exist.
func NewFSStore(baseDir string) (*FSStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &FSStore{
		baseDir: baseDir,
	}, nil
}

// BaseDir returns the root directory of the store
func (fs *FSStore) BaseDir() string {
	return fs.baseDir
}

// SessionDir returns the directory path for a given session ID.
func (fs *FSStore) SessionDir(id string) string {
	return filepath.Join(fs.baseDir, "sessions", id)
}

func (fs *FSStore) metaPath(id string) string {
	return filepath.Join(fs.SessionDir(id), metaFile)
}

// SaveSession atomically saves the metadata and planes of a session.
// The planes of the next generation are written first; renaming session.json
// commits them, after which older generations are removed.
func (fs *FSStore) SaveSession(s *Session) error {
	if s == nil {
		return fmt.Errorf("session cannot be nil")
	}
	if err := s.Validate(); err != nil {
		return fmt.Errorf("invalid session: %w", err)
	}

	dir := fs.SessionDir(s.Meta.ID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}

	gen := s.Meta.Generation
	if prev, err := fs.LoadMeta(s.Meta.ID); err == nil && prev.Generation > gen {
		gen = prev.Generation
	}
	gen++

	if err := writeSessionPlanes(dir, gen, s); err != nil {
		removeGeneration(dir, gen)
		return err
	}

	meta := s.Meta
	meta.Generation = gen
	meta.UpdatedAt = time.Now()
	if err := writeJSON(fs.metaPath(s.Meta.ID), meta); err != nil {
		removeGeneration(dir, gen)
		return err
	}
	s.Meta = meta

	if err := removeStaleGenerations(dir, gen); err != nil {
		slog.Warn("Failed to remove old plane files", "session_id", meta.ID, "error", err)
	}

	slog.Debug("Session saved", "session_id", meta.ID, "count", meta.Count, "generation", gen, "path", dir)
	return nil
}

func writeSessionPlanes(dir string, gen int, s *Session) error {
	if err := writeMaskedImage(dir, gen, s.Coadd); err != nil {
		return err
	}
	return writePlane(planePath(dir, weightPlane, gen), s.Weights.Pix)
}

// removeGeneration deletes the plane files of one uncommitted generation.
func removeGeneration(dir string, gen int) {
	for _, plane := range sessionPlanes {
		os.Remove(planePath(dir, plane, gen))
	}
}

// removeStaleGenerations deletes plane files of every generation except keep.
func removeStaleGenerations(dir string, keep int) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var errs []error
	for _, e := range entries {
		gen, ok := planeGeneration(e.Name())
		if !ok || gen == keep {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LoadSession retrieves the session with the given ID.
func (fs *FSStore) LoadSession(id string) (*Session, error) {
	meta, err := fs.LoadMeta(id)
	if err != nil {
		return nil, err
	}

	dir := fs.SessionDir(id)
	mi, err := readMaskedImage(dir, meta.Generation, meta.Width, meta.Height)
	if err != nil {
		return nil, err
	}
	weights := coadd.NewImage[float32](meta.Width, meta.Height)
	if err := readPlane(planePath(dir, weightPlane, meta.Generation), weights.Pix); err != nil {
		return nil, err
	}

	s := &Session{Meta: *meta, Coadd: mi, Weights: weights}
	slog.Debug("Session loaded", "session_id", id, "count", meta.Count)
	return s, nil
}

// LoadMeta reads only the metadata of a session.
func (fs *FSStore) LoadMeta(id string) (*SessionMeta, error) {
	if id == "" {
		return nil, fmt.Errorf("session id cannot be empty")
	}

	path := fs.metaPath(id)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, &NotFoundError{ID: id}
	} else if err != nil {
		return nil, fmt.Errorf("failed to stat session metadata: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read session metadata: %w", err)
	}

	var meta SessionMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to deserialize session metadata: %w", err)
	}
	if err := meta.Validate(); err != nil {
		return nil, fmt.Errorf("session %s: %w", id, err)
	}
	return &meta, nil
}

// ListSessions returns metadata for all stored sessions.
func (fs *FSStore) ListSessions() ([]SessionInfo, error) {
	sessionsDir := filepath.Join(fs.baseDir, "sessions")

	if _, err := os.Stat(sessionsDir); os.IsNotExist(err) {
		return []SessionInfo{}, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to stat sessions directory: %w", err)
	}

	entries, err := os.ReadDir(sessionsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read sessions directory: %w", err)
	}

	infos := []SessionInfo{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		id := entry.Name()
		if _, err := os.Stat(fs.metaPath(id)); os.IsNotExist(err) {
			continue // half-created session, planes only
		}

		meta, err := fs.LoadMeta(id)
		if err != nil {
			slog.Warn("Failed to load session for listing", "session_id", id, "error", err)
			continue
		}
		infos = append(infos, meta.ToInfo())
	}

	slog.Debug("Listed sessions", "count", len(infos))
	return infos, nil
}

// DeleteSession removes the session and all associated artifacts.
func (fs *FSStore) DeleteSession(id string) error {
	if id == "" {
		return fmt.Errorf("session id cannot be empty")
	}

	dir := fs.SessionDir(id)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return &NotFoundError{ID: id}
	} else if err != nil {
		return fmt.Errorf("failed to stat session directory: %w", err)
	}

	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove session directory: %w", err)
	}

	slog.Debug("Session deleted", "session_id", id, "path", dir)
	return nil
}

// SaveExposure writes an input masked image to dir (exposure.json plus
// planes). Geometry, pixel type and creation time of meta are filled in here;
// Source and ExposureTime are recorded as given.
func SaveExposure(dir string, mi *coadd.MaskedImage[float32], meta ExposureMeta) error {
	if err := mi.Validate(); err != nil {
		return fmt.Errorf("invalid exposure: %w", err)
	}
	if meta.ExposureTime < 0 || math.IsNaN(meta.ExposureTime) {
		return &ValidationError{Field: "ExposureTime", Reason: "must be a non-negative number"}
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create exposure directory: %w", err)
	}
	if err := writeMaskedImage(dir, 0, mi); err != nil {
		return err
	}

	d := mi.Dims()
	meta.Width = d.Width
	meta.Height = d.Height
	meta.PixelType = PixelType
	meta.CreatedAt = time.Now()
	return writeJSON(filepath.Join(dir, exposureFile), meta)
}

// LoadExposure reads an input masked image written by SaveExposure.
func LoadExposure(dir string) (*coadd.MaskedImage[float32], *ExposureMeta, error) {
	path := filepath.Join(dir, exposureFile)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil, &NotFoundError{ID: dir}
	} else if err != nil {
		return nil, nil, fmt.Errorf("failed to read exposure metadata: %w", err)
	}

	var meta ExposureMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, nil, fmt.Errorf("failed to deserialize exposure metadata: %w", err)
	}
	if meta.PixelType != PixelType {
		return nil, nil, &ValidationError{Field: "PixelType", Reason: fmt.Sprintf("expected %s, got %q", PixelType, meta.PixelType)}
	}
	if meta.Width <= 0 || meta.Height <= 0 {
		return nil, nil, &ValidationError{Field: "Width/Height", Reason: "must be positive"}
	}

	mi, err := readMaskedImage(dir, 0, meta.Width, meta.Height)
	if err != nil {
		return nil, nil, err
	}
	return mi, &meta, nil
}

func writeMaskedImage(dir string, gen int, mi *coadd.MaskedImage[float32]) error {
	if err := writePlane(planePath(dir, imagePlane, gen), mi.Image.Pix); err != nil {
		return err
	}
	if err := writePlane(planePath(dir, variancePlane, gen), mi.Variance.Pix); err != nil {
		return err
	}
	return writePlane(planePath(dir, maskPlane, gen), mi.Mask.Pix)
}

func readMaskedImage(dir string, gen, width, height int) (*coadd.MaskedImage[float32], error) {
	mi := coadd.NewMaskedImage[float32](width, height)
	if err := readPlane(planePath(dir, imagePlane, gen), mi.Image.Pix); err != nil {
		return nil, err
	}
	if err := readPlane(planePath(dir, variancePlane, gen), mi.Variance.Pix); err != nil {
		return nil, err
	}
	if err := readPlane(planePath(dir, maskPlane, gen), mi.Mask.Pix); err != nil {
		return nil, err
	}
	return mi, nil
}

// writeJSON serializes v and writes it with the temp file + rename pattern.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize %s: %w", filepath.Base(path), err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename %s: %w", filepath.Base(path), err)
	}
	return nil
}
