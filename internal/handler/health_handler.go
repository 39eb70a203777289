package handler

import (
	"context"
	"net/http"

	"campo-sync/internal/domain"
	"campo-sync/pkg/response"
)

type Pinger interface {
	PingContext(ctx context.Context) error
}

type HealthHandler struct {
	db     Pinger
	status func() domain.ReplicationStatus
}

func NewHealthHandler(db Pinger, status func() domain.ReplicationStatus) *HealthHandler {
	return &HealthHandler{db: db, status: status}
}

// Health only fails when the local store is unusable; a remote outage is
// reported but the daemon stays healthy.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.db.PingContext(r.Context()); err != nil {
		response.ServiceUnavailable(w, "local store unavailable")
		return
	}

	body := map[string]any{
		"status":  "healthy",
		"service": "campo-sync",
	}
	if h.status != nil {
		body["replication"] = h.status().State
	}
	response.Success(w, body)
}
