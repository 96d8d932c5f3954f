package serverapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ilovenuclearpower/flowstate/pkg/rseserrors"
)

// writeJSON writes a JSON response with the given status code. Encoding
// failures are logged rather than surfaced, since headers are already sent.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("serverapi: failed to write JSON response", slog.Any("error", err))
	}
}

// writeError writes a JSON error envelope.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeErr maps a domain error to the status code spec.md §6 assigns it:
// 400 invalid input, 404 not found, 401 auth, 5xx everything else.
func writeErr(w http.ResponseWriter, err error) {
	var notFound *rseserrors.NotFoundError
	var invalid *rseserrors.InvalidInputError
	var auth *rseserrors.AuthError
	switch {
	case errors.As(err, &notFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &invalid):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &auth):
		writeError(w, http.StatusUnauthorized, err.Error())
	default:
		slog.Error("serverapi: internal error", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
