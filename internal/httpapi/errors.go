package httpapi

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/aureuma/botctl/core/apperr"
)

// writeError maps an apperr.Code to an HTTP status in one place, the Go
// mapping of spec §7's error propagation policy. Unknown/wrapped errors
// default to Internal and are logged before a generic message reaches
// the caller.
func writeError(w http.ResponseWriter, logger *log.Logger, err error) {
	ae, ok := apperr.As(err)
	if !ok {
		logger.Printf("unhandled error: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	status := http.StatusInternalServerError
	switch ae.Code {
	case apperr.ValidationError, apperr.UnsupportedRuntime:
		status = http.StatusBadRequest
	case apperr.NotFound, apperr.SandboxMissing:
		status = http.StatusNotFound
	case apperr.Forbidden:
		status = http.StatusForbidden
	case apperr.Conflict:
		status = http.StatusConflict
	case apperr.SandboxCreate, apperr.SandboxOp, apperr.Internal:
		status = http.StatusInternalServerError
	}

	if status == http.StatusInternalServerError {
		logger.Printf("internal error: %v", ae)
	}
	writeJSON(w, status, map[string]string{"error": ae.Message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
