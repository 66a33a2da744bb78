package server

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cwbudde/coadd/internal/coadd"
	"github.com/cwbudde/coadd/internal/store"
)

// Session is an open accumulation session held in memory
type Session struct {
	ID        string
	Name      string
	CreatedAt time.Time

	acc *coadd.Accumulator[float32, float32]

	saveMu sync.Mutex // serializes saves

	mu        sync.Mutex // guards the fields below
	updatedAt time.Time
	last      *coadd.Contribution
	dirty     bool
	pending   []store.LedgerEntry // contributions not yet in a saved generation
}

// SessionStatus is the JSON view of a session
type SessionStatus struct {
	ID        string              `json:"id"`
	Name      string              `json:"name,omitempty"`
	Mode      string              `json:"mode"`
	Width     int                 `json:"width"`
	Height    int                 `json:"height"`
	Count     int                 `json:"count"`
	Dirty     bool                `json:"dirty"`
	Last      *coadd.Contribution `json:"last,omitempty"`
	CreatedAt time.Time           `json:"createdAt"`
	UpdatedAt time.Time           `json:"updatedAt"`
}

// Status returns a consistent snapshot of the session's bookkeeping
func (s *Session) Status() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.acc.Dims()
	st := SessionStatus{
		ID:        s.ID,
		Name:      s.Name,
		Mode:      s.acc.Mode().String(),
		Width:     d.Width,
		Height:    d.Height,
		Count:     s.acc.Count(),
		Dirty:     s.dirty,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.updatedAt,
	}
	if s.last != nil {
		last := *s.last
		st.Last = &last
	}
	return st
}

// Snapshot returns copies of the accumulated planes
func (s *Session) Snapshot() (*coadd.MaskedImage[float32], *coadd.Image[float32]) {
	return s.acc.Snapshot()
}

// SessionManager manages open sessions. Sessions not in memory are loaded
// from the store on first access.
type SessionManager struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	store       *store.FSStore // nil keeps sessions in memory only
	opts        coadd.Options
	broadcaster *EventBroadcaster
}

// NewSessionManager creates a new SessionManager
func NewSessionManager(st *store.FSStore, opts coadd.Options) *SessionManager {
	return &SessionManager{
		sessions:    make(map[string]*Session),
		store:       st,
		opts:        opts,
		broadcaster: NewEventBroadcaster(),
	}
}

// CreateSession creates an empty session of the given size
func (sm *SessionManager) CreateSession(name string, width, height int, mode coadd.Mode) (*Session, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid session size %dx%d", width, height)
	}

	opts := sm.opts
	opts.Mode = mode
	now := time.Now()
	s := &Session{
		ID:        uuid.New().String(),
		Name:      name,
		CreatedAt: now,
		acc:       coadd.NewAccumulator[float32, float32](width, height, opts),
		updatedAt: now,
		dirty:     true,
	}

	sm.mu.Lock()
	sm.sessions[s.ID] = s
	sm.mu.Unlock()

	slog.Info("Session created", "session_id", s.ID, "width", width, "height", height, "mode", mode)
	return s, nil
}

// GetSession retrieves a session by ID, loading it from the store if needed.
// Missing sessions return an error matching store.ErrNotFound.
func (sm *SessionManager) GetSession(id string) (*Session, error) {
	sm.mu.RLock()
	s, ok := sm.sessions[id]
	sm.mu.RUnlock()
	if ok {
		return s, nil
	}
	if sm.store == nil {
		return nil, &store.NotFoundError{ID: id}
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	// Another request may have loaded it meanwhile.
	if s, ok := sm.sessions[id]; ok {
		return s, nil
	}

	stored, err := sm.store.LoadSession(id)
	if err != nil {
		return nil, err
	}
	s, err = sm.resume(stored)
	if err != nil {
		return nil, err
	}
	sm.sessions[id] = s
	slog.Info("Session resumed", "session_id", id, "count", stored.Meta.Count)
	return s, nil
}

func (sm *SessionManager) resume(stored *store.Session) (*Session, error) {
	mode, err := coadd.ParseMode(stored.Meta.Mode)
	if err != nil {
		return nil, err
	}
	opts := sm.opts
	opts.Mode = mode
	acc, err := coadd.ResumeAccumulator(stored.Coadd, stored.Weights, stored.Meta.Count, opts)
	if err != nil {
		return nil, fmt.Errorf("resume session %s: %w", stored.Meta.ID, err)
	}
	return &Session{
		ID:        stored.Meta.ID,
		Name:      stored.Meta.Name,
		CreatedAt: stored.Meta.CreatedAt,
		acc:       acc,
		updatedAt: stored.Meta.UpdatedAt,
	}, nil
}

// ListSessions returns the open sessions plus any stored ones not loaded yet,
// sorted by ID.
func (sm *SessionManager) ListSessions() ([]SessionStatus, error) {
	sm.mu.RLock()
	out := make([]SessionStatus, 0, len(sm.sessions))
	seen := make(map[string]bool, len(sm.sessions))
	for id, s := range sm.sessions {
		out = append(out, s.Status())
		seen[id] = true
	}
	sm.mu.RUnlock()

	if sm.store != nil {
		infos, err := sm.store.ListSessions()
		if err != nil {
			return nil, err
		}
		for _, info := range infos {
			if seen[info.ID] {
				continue
			}
			out = append(out, SessionStatus{
				ID:        info.ID,
				Name:      info.Name,
				Mode:      info.Mode,
				Width:     info.Width,
				Height:    info.Height,
				Count:     info.Count,
				UpdatedAt: info.UpdatedAt,
			})
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Contribute adds one exposure to a session and notifies stream subscribers.
// The contribution reaches the session's ledger with the next successful save.
func (sm *SessionManager) Contribute(id, source string, in *coadd.MaskedImage[float32], bad coadd.MaskPixel, weight float32) (coadd.Contribution, error) {
	s, err := sm.GetSession(id)
	if err != nil {
		return coadd.Contribution{}, err
	}

	// s.mu is held across Add so a save never sees planes without the
	// matching pending ledger entry.
	s.mu.Lock()
	c, err := s.acc.Add(in, bad, weight)
	if err != nil {
		s.mu.Unlock()
		return coadd.Contribution{}, err
	}
	now := time.Now()
	s.last = &c
	s.dirty = true
	s.updatedAt = now
	if sm.store != nil {
		s.pending = append(s.pending, store.LedgerEntry{
			Seq:          c.Seq,
			Source:       source,
			Weight:       c.Weight,
			BadPixelMask: uint16(bad),
			Included:     c.Included,
			Excluded:     c.Excluded,
			Timestamp:    now,
		})
	}
	s.mu.Unlock()

	sm.broadcaster.Broadcast(ContributionEvent{
		SessionID: id,
		Seq:       c.Seq,
		Source:    source,
		Weight:    c.Weight,
		Included:  c.Included,
		Excluded:  c.Excluded,
		Count:     c.Seq,
		Timestamp: now,
	})
	return c, nil
}

// SaveSession persists a session's planes and metadata, then appends the
// contributions they contain to the ledger.
func (sm *SessionManager) SaveSession(id string) error {
	if sm.store == nil {
		return errors.New("no store configured")
	}
	s, err := sm.GetSession(id)
	if err != nil {
		return err
	}

	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.Lock()
	coaddPlanes, weights, count := s.acc.SnapshotWithCount()
	pending := s.pending
	s.mu.Unlock()

	d := coaddPlanes.Dims()
	stored := &store.Session{
		Meta: store.SessionMeta{
			ID:        s.ID,
			Name:      s.Name,
			Width:     d.Width,
			Height:    d.Height,
			Mode:      s.acc.Mode().String(),
			PixelType: store.PixelType,
			Count:     count,
			CreatedAt: s.CreatedAt,
		},
		Coadd:   coaddPlanes,
		Weights: weights,
	}
	if err := sm.store.SaveSession(stored); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	ledgerErr := store.AppendLedger(sm.store.BaseDir(), id, pending...)

	s.mu.Lock()
	if ledgerErr == nil {
		s.pending = s.pending[len(pending):]
	}
	// Contributions that arrived after the snapshot keep the session dirty.
	if s.acc.Count() == count && ledgerErr == nil {
		s.dirty = false
	}
	s.mu.Unlock()

	if ledgerErr != nil {
		return fmt.Errorf("session saved but ledger update failed: %w", ledgerErr)
	}
	slog.Info("Session saved", "session_id", id, "count", count)
	return nil
}

// SaveDirty saves every open session with unsaved contributions and returns
// how many were written.
func (sm *SessionManager) SaveDirty() (int, error) {
	sm.mu.RLock()
	var ids []string
	for id, s := range sm.sessions {
		if s.Status().Dirty {
			ids = append(ids, id)
		}
	}
	sm.mu.RUnlock()

	var errs []error
	saved := 0
	for _, id := range ids {
		if err := sm.SaveSession(id); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", id, err))
			continue
		}
		saved++
	}
	return saved, errors.Join(errs...)
}

// DeleteSession closes a session and removes it from the store
func (sm *SessionManager) DeleteSession(id string) error {
	sm.mu.Lock()
	_, inMemory := sm.sessions[id]
	delete(sm.sessions, id)
	sm.mu.Unlock()

	sm.broadcaster.CleanupSession(id)

	if sm.store == nil {
		if !inMemory {
			return &store.NotFoundError{ID: id}
		}
		return nil
	}

	err := sm.store.DeleteSession(id)
	if errors.Is(err, store.ErrNotFound) && inMemory {
		return nil // never saved
	}
	return err
}
