package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"tenantgate.dev/internal/audit"
	"tenantgate.dev/internal/authz"
)

func (a *API) handleListAudit(w http.ResponseWriter, r *http.Request) {
	ctx, _, ok := a.authorize(w, r, authz.ActionRead, authz.Target{Type: authz.ResourceAudit})
	if !ok {
		return
	}
	filter, err := parseAuditFilter(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), 0, 1, 200)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "limit "+err.Error())
		return
	}
	filter.Limit = limit

	entries, err := a.audit.List(ctx, filter)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": entries})
}

// handleAuditStream sends audit entries as Server-Sent Events as they are
// recorded. The query filters of handleListAudit apply, except limit.
func (a *API) handleAuditStream(w http.ResponseWriter, r *http.Request) {
	ctx, _, ok := a.authorize(w, r, authz.ActionRead, authz.Target{Type: authz.ResourceAudit})
	if !ok {
		return
	}
	if a.stream == nil {
		writeError(w, r, http.StatusServiceUnavailable, "streaming disabled")
		return
	}
	filter, err := parseAuditFilter(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	rc := http.NewResponseController(w)
	// The server write timeout would otherwise cut the stream.
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		a.logger.Warn("clear write deadline", zap.Error(err))
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ch := a.stream.Subscribe(ctx, filter)

	_, _ = w.Write([]byte(": stream started\n\n"))
	if err := rc.Flush(); err != nil {
		return
	}

	for entry := range ch {
		payload, err := json.Marshal(entry)
		if err != nil {
			continue
		}
		if _, err := fmt.Fprintf(w, "id: %s\nevent: audit\ndata: %s\n\n", entry.ID, payload); err != nil {
			return
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

func parseAuditFilter(r *http.Request) (audit.Filter, error) {
	values := r.URL.Query()
	filter := audit.Filter{
		ActorID:    strings.TrimSpace(values.Get("actor_id")),
		Action:     strings.TrimSpace(values.Get("action")),
		EntityType: strings.TrimSpace(values.Get("entity_type")),
		EntityID:   strings.TrimSpace(values.Get("entity_id")),
	}
	for key, dst := range map[string]*time.Time{"since": &filter.Since, "until": &filter.Until} {
		raw := strings.TrimSpace(values.Get(key))
		if raw == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return audit.Filter{}, fmt.Errorf("%s must be RFC3339", key)
		}
		*dst = ts
	}
	return filter, nil
}
