package httpserver

import (
	"errors"
	"net/http"
	"time"

	"github.com/talerforge/merchant/internal/storage"
	"github.com/talerforge/merchant/pkg/responders"
)

// health reports service health: database reachability, the number of
// suspended long-poll connections, and uptime.
func (s *handlers) health(w http.ResponseWriter, r *http.Request) {
	now := time.Now()

	// Any reply from the store, ErrNotFound included, proves it answers.
	dbHealthy := true
	if _, err := s.store.FindContractTerms(r.Context(), "", ""); err != nil && !errors.Is(err, storage.ErrNotFound) {
		dbHealthy = false
	}

	status := "ok"
	statusCode := http.StatusOK
	if !dbHealthy {
		status = "degraded"
		statusCode = http.StatusServiceUnavailable
	}

	responders.JSON(w, statusCode, map[string]any{
		"status":    status,
		"uptime":    now.Sub(serverStartTime).String(),
		"timestamp": now.UTC(),
		"suspended": s.hub.Len(),
	})
}
