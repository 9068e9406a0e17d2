package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ckoons/argo/internal/log"
)

// handleGlobalEvents streams every formatted log line as it is written, a
// diagnostic surface additive to the named HTTP routes.
func (h *Handler) handleGlobalEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := prepareSSE(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	lines := log.Subscribe(r.Context())
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			_, _ = fmt.Fprintf(w, ": heartbeat\n\n")
			flusher.Flush()
		case line, ok := <-lines:
			if !ok {
				return
			}
			_, _ = fmt.Fprintf(w, "event: log\ndata: %s\n\n", mustJSON(line))
			flusher.Flush()
		}
	}
}

// handleWorkflowEvents streams state-transition events for a single
// workflow, filtered from the registry's broker by workflow_name.
func (h *Handler) handleWorkflowEvents(w http.ResponseWriter, r *http.Request) {
	id := workflowID(r)
	if id == "" {
		writeError(w, http.StatusBadRequest, "workflow_name is required")
		return
	}

	flusher, ok := prepareSSE(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	events := h.reg.Subscribe(r.Context())
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			_, _ = fmt.Fprintf(w, ": heartbeat\n\n")
			flusher.Flush()
		case evt, ok := <-events:
			if !ok {
				return
			}
			if evt.WorkflowID != id {
				continue
			}
			_, _ = fmt.Fprintf(w, "event: state\ndata: %s\n\n", mustJSON(map[string]any{
				"workflow_id": evt.WorkflowID,
				"state":       string(evt.State),
				"timestamp":   evt.Timestamp,
			}))
			flusher.Flush()
		}
	}
}

func prepareSSE(w http.ResponseWriter) (http.Flusher, bool) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if ok {
		_, _ = fmt.Fprintf(w, "event: connected\ndata: {}\n\n")
		flusher.Flush()
	}
	return flusher, ok
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte(`"marshal error"`)
	}
	return b
}
