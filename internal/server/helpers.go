package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/cwbudde/coadd/internal/coadd"
	"github.com/cwbudde/coadd/internal/store"
)

// finalizeSnapshot normalizes a copy of the session's planes according to
// its mode. Chi-squared sessions are reduced by the number of contributions.
func finalizeSnapshot(sess *Session, noData coadd.MaskPixel) (*coadd.MaskedImage[float32], error) {
	planes, weights := sess.Snapshot()
	if sess.acc.Mode() == coadd.ModeChiSquared {
		return coadd.FinalizeChiSquared(planes, weights, float64(sess.acc.Count()), noData)
	}
	return coadd.Finalize(planes, weights, noData)
}

// writeJSON encodes v with the given status code
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError maps domain errors to HTTP status codes
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, coadd.ErrDimensionMismatch), errors.Is(err, coadd.ErrInvalidWeight):
		status = http.StatusUnprocessableEntity
	}
	if status == http.StatusInternalServerError {
		slog.Error("Request failed", "error", err)
	}
	http.Error(w, err.Error(), status)
}
