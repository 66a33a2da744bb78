package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// ContributionEvent is sent to stream subscribers after each contribution
type ContributionEvent struct {
	SessionID string    `json:"sessionId"`
	Seq       int       `json:"seq"`
	Source    string    `json:"source,omitempty"`
	Weight    float64   `json:"weight"`
	Included  int       `json:"included"`
	Excluded  int       `json:"excluded"`
	Count     int       `json:"count"`
	Timestamp time.Time `json:"timestamp"`
}

// EventBroadcaster fans contribution events out to SSE clients per session
type EventBroadcaster struct {
	mu        sync.Mutex
	clients   map[string]map[chan ContributionEvent]bool // sessionID -> set of client channels
	lastEvent map[string]ContributionEvent               // sessionID -> last event for new clients
}

// NewEventBroadcaster creates a new event broadcaster
func NewEventBroadcaster() *EventBroadcaster {
	return &EventBroadcaster{
		clients:   make(map[string]map[chan ContributionEvent]bool),
		lastEvent: make(map[string]ContributionEvent),
	}
}

// Subscribe adds a client to receive events for a session
func (eb *EventBroadcaster) Subscribe(sessionID string) chan ContributionEvent {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	ch := make(chan ContributionEvent, 16)

	if eb.clients[sessionID] == nil {
		eb.clients[sessionID] = make(map[chan ContributionEvent]bool)
	}
	eb.clients[sessionID][ch] = true

	// Replay the last event for reconnecting clients
	if last, ok := eb.lastEvent[sessionID]; ok {
		ch <- last
	}

	slog.Debug("SSE client subscribed", "session_id", sessionID, "total_clients", len(eb.clients[sessionID]))
	return ch
}

// Unsubscribe removes a client. It is a no-op if the session was cleaned up
// in the meantime.
func (eb *EventBroadcaster) Unsubscribe(sessionID string, ch chan ContributionEvent) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	clients, ok := eb.clients[sessionID]
	if !ok || !clients[ch] {
		return
	}
	delete(clients, ch)
	close(ch)
	if len(clients) == 0 {
		delete(eb.clients, sessionID)
	}

	slog.Debug("SSE client unsubscribed", "session_id", sessionID)
}

// Broadcast sends an event to all subscribers of its session. Slow clients
// whose buffer is full miss the event.
func (eb *EventBroadcaster) Broadcast(event ContributionEvent) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.lastEvent[event.SessionID] = event

	clients := eb.clients[event.SessionID]
	for ch := range clients {
		select {
		case ch <- event:
		default:
			slog.Warn("SSE channel full, skipping event", "session_id", event.SessionID, "seq", event.Seq)
		}
	}
}

// Subscribers returns the number of clients subscribed to a session
func (eb *EventBroadcaster) Subscribers(sessionID string) int {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	return len(eb.clients[sessionID])
}

// CleanupSession closes all client channels and forgets the cached event
func (eb *EventBroadcaster) CleanupSession(sessionID string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	for ch := range eb.clients[sessionID] {
		close(ch)
	}
	delete(eb.clients, sessionID)
	delete(eb.lastEvent, sessionID)
	slog.Debug("Cleaned up SSE resources", "session_id", sessionID)
}

// handleSessionStream handles SSE connections for session contributions
func (s *Server) handleSessionStream(w http.ResponseWriter, r *http.Request, sessionID string) {
	sess, err := s.sessions.GetSession(sessionID)
	if err != nil {
		writeError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	events := s.sessions.broadcaster.Subscribe(sessionID)
	defer s.sessions.broadcaster.Unsubscribe(sessionID, events)

	// Initial status so clients can render without waiting for a contribution
	if err := writeSSE(w, "status", sess.Status()); err != nil {
		slog.Error("Failed to write initial SSE event", "error", err)
		return
	}
	flusher.Flush()

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			slog.Debug("SSE client disconnected", "session_id", sessionID)
			return

		case event, ok := <-events:
			if !ok {
				return
			}
			if err := writeSSE(w, "contribution", event); err != nil {
				slog.Error("Failed to write SSE event", "error", err)
				return
			}
			flusher.Flush()

		case <-pingTicker.C:
			fmt.Fprintf(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

// writeSSE writes one named event in SSE format
func writeSSE(w http.ResponseWriter, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
	return err
}
