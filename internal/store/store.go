package store

// Store defines the interface for coadd session persistence.
// Implementations must be safe for concurrent use by different sessions; writes
// to one session are expected to be serialized by its owner.
//
// Error handling conventions:
//   - Return nil error on success
//   - Return a *NotFoundError (matches ErrNotFound) if the session doesn't exist
//   - Wrap underlying errors with context using fmt.Errorf("context: %w", err)
type Store interface {
	// SaveSession writes the metadata and all four planes of a session as one
	// unit: after a failed save the previously stored state still loads.
	// An existing session with the same ID is overwritten.
	SaveSession(s *Session) error

	// LoadSession reads a session back. The planes are checked against the
	// geometry recorded in the metadata.
	LoadSession(id string) (*Session, error)

	// ListSessions returns metadata for all stored sessions without loading planes.
	ListSessions() ([]SessionInfo, error)

	// DeleteSession removes the session directory including its contribution ledger.
	DeleteSession(id string) error
}

// ErrNotFound is returned when a requested session or exposure does not exist.
// Use errors.Is(err, ErrNotFound) to check for this error.
var ErrNotFound = &NotFoundError{}

// NotFoundError represents a missing session or exposure.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	if e.ID != "" {
		return "not found: " + e.ID
	}
	return "not found"
}

func (e *NotFoundError) Is(target error) bool {
	_, ok := target.(*NotFoundError)
	return ok
}
