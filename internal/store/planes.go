package store

import (
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// Plane files are gzip-compressed little-endian arrays with no header; the
// geometry comes from the accompanying JSON metadata.

// writePlane atomically writes data to path via a temp file and rename.
func writePlane[E any](path string, data []E) error {
	tempPath := path + ".tmp"
	f, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create plane file: %w", err)
	}

	zw := gzip.NewWriter(f)
	if err := binary.Write(zw, binary.LittleEndian, data); err != nil {
		zw.Close()
		f.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to encode plane: %w", err)
	}
	if err := zw.Close(); err != nil {
		f.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to flush plane: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to close plane file: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename plane file: %w", err)
	}
	return nil
}

// readPlane fills data from path. The file must hold exactly len(data) elements.
func readPlane[E any](path string, data []E) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open plane file: %w", err)
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("failed to open gzip stream: %w", err)
	}
	defer zr.Close()

	if err := binary.Read(zr, binary.LittleEndian, data); err != nil {
		return fmt.Errorf("failed to decode plane %s: %w", path, err)
	}

	// Reading to EOF also verifies the gzip checksum.
	var extra [1]byte
	n, err := zr.Read(extra[:])
	if n != 0 {
		return fmt.Errorf("plane %s has trailing data", path)
	}
	if err != nil && err != io.EOF {
		return fmt.Errorf("failed to verify plane %s: %w", path, err)
	}
	return nil
}
