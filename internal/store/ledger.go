package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const ledgerFile = "contributions.jsonl"

// LedgerEntry records one image folded into a session.
// Each entry is serialized as a JSON line in contributions.jsonl.
type LedgerEntry struct {
	Seq          int       `json:"seq"`
	Source       string    `json:"source"`
	Weight       float64   `json:"weight"`
	BadPixelMask uint16    `json:"badPixelMask"`
	Included     int       `json:"included"`
	Excluded     int       `json:"excluded"`
	Timestamp    time.Time `json:"timestamp"`
}

// LedgerWriter appends entries to a session's contribution ledger.
// It uses buffered I/O and is safe for concurrent use.
type LedgerWriter struct {
	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
	path   string
}

// NewLedgerWriter opens the ledger at <baseDir>/sessions/<id>/contributions.jsonl,
// creating it if needed. Existing entries are kept.
func NewLedgerWriter(baseDir, sessionID string) (*LedgerWriter, error) {
	dir := filepath.Join(baseDir, "sessions", sessionID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}

	path := filepath.Join(dir, ledgerFile)
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}

	return &LedgerWriter{
		file:   file,
		writer: bufio.NewWriterSize(file, 16*1024),
		path:   path,
	}, nil
}

// Write appends an entry. It is buffered until Flush or Close.
func (lw *LedgerWriter) Write(entry LedgerEntry) error {
	lw.mu.Lock()
	defer lw.mu.Unlock()

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal ledger entry: %w", err)
	}
	if _, err := lw.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write ledger entry: %w", err)
	}
	if err := lw.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	return nil
}

// Flush writes buffered entries and syncs the file.
func (lw *LedgerWriter) Flush() error {
	lw.mu.Lock()
	defer lw.mu.Unlock()

	if err := lw.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush ledger: %w", err)
	}
	if err := lw.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync ledger: %w", err)
	}
	return nil
}

// Close flushes buffered data and closes the ledger file.
func (lw *LedgerWriter) Close() error {
	lw.mu.Lock()
	defer lw.mu.Unlock()

	if err := lw.writer.Flush(); err != nil {
		lw.file.Close()
		return fmt.Errorf("failed to flush on close: %w", err)
	}
	if err := lw.file.Close(); err != nil {
		return fmt.Errorf("failed to close ledger: %w", err)
	}
	return nil
}

// Path returns the filesystem path to the ledger
func (lw *LedgerWriter) Path() string {
	return lw.path
}

// AppendLedger writes entries to the ledger and closes it again. Nothing is
// created when entries is empty.
func AppendLedger(baseDir, sessionID string, entries ...LedgerEntry) error {
	if len(entries) == 0 {
		return nil
	}
	lw, err := NewLedgerWriter(baseDir, sessionID)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := lw.Write(e); err != nil {
			lw.Close()
			return fmt.Errorf("ledger entry %d: %w", e.Seq, err)
		}
	}
	return lw.Close()
}

// LedgerReader reads entries back from a session's ledger.
type LedgerReader struct {
	file    *os.File
	scanner *bufio.Scanner
}

// NewLedgerReader opens the ledger of the given session.
func NewLedgerReader(baseDir, sessionID string) (*LedgerReader, error) {
	path := filepath.Join(baseDir, "sessions", sessionID, ledgerFile)

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &NotFoundError{ID: sessionID}
		}
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}

	return &LedgerReader{
		file:    file,
		scanner: bufio.NewScanner(file),
	}, nil
}

// Read returns the next entry, or io.EOF when the ledger is exhausted.
func (lr *LedgerReader) Read() (*LedgerEntry, error) {
	if !lr.scanner.Scan() {
		if err := lr.scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to scan ledger line: %w", err)
		}
		return nil, io.EOF
	}

	var entry LedgerEntry
	if err := json.Unmarshal(lr.scanner.Bytes(), &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal ledger entry: %w", err)
	}
	return &entry, nil
}

// ReadAll reads all remaining entries.
func (lr *LedgerReader) ReadAll() ([]LedgerEntry, error) {
	var entries []LedgerEntry
	for {
		entry, err := lr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, nil
}

// Close closes the ledger file.
func (lr *LedgerReader) Close() error {
	if err := lr.file.Close(); err != nil {
		return fmt.Errorf("failed to close ledger: %w", err)
	}
	return nil
}
