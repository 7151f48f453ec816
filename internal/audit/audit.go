// Package audit is a thin read-only wrapper over the audit log table,
// used by the non-core admin-facing listing endpoint. No admin RBAC is
// implemented here; role-based admin endpoints remain out of scope.
package audit

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/aureuma/botctl/internal/store"
)

// Reader lists recorded audit entries.
type Reader interface {
	ListAudit(ctx context.Context, limit int) ([]store.AuditLog, error)
}

// Handler serves GET /admin/audit.
type Handler struct {
	store Reader
}

func NewHandler(r Reader) *Handler {
	return &Handler{store: r}
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	entries, err := h.store.ListAudit(r.Context(), limit)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{"entries": entries, "total": len(entries)})
}
