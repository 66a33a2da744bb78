package server

import (
	"context"
	"log/slog"
	"time"
)

// runAutosave periodically writes sessions with unsaved contributions
func (s *Server) runAutosave(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.sessions.SaveDirty()
			if err != nil {
				slog.Error("Autosave failed", "error", err)
			}
			if n > 0 {
				slog.Info("Autosaved sessions", "count", n)
			}
		}
	}
}
