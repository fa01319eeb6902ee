package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"jobsengine/internal/job"
)

// streamKeepAliveInterval bounds how long an idle SSE connection goes
// without traffic, so intermediate proxies do not drop it.
const streamKeepAliveInterval = 15 * time.Second

// StreamLogs handles GET /v1/jobs/{jobId}/stream. It serves the job's log
// stream as server-sent events: history from the since cursor first, then
// live entries until the job reaches a terminal state or the client
// disconnects. Each event's id field carries the entry sequence number so
// clients can resume with ?since=.
func (h *Handler) StreamLogs(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	since := int64(intParam(r.URL.Query().Get("since"), 0))

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Streaming not supported")
		return
	}

	// Subscribe before replaying history so no entry falls in the gap
	// between the two. Live entries already covered by the replay are
	// dropped by the sequence cursor below.
	live, cancel, err := h.svc.Subscribe(r.Context(), jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	defer cancel()

	history, err := h.svc.Logs(r.Context(), jobID, since)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	lastSeq := since
	for _, entry := range history {
		if err := writeEvent(w, entry); err != nil {
			return
		}
		lastSeq = entry.Sequence
	}
	flusher.Flush()

	keepAlive := time.NewTicker(streamKeepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case entry, open := <-live:
			if !open {
				// Terminal job or dropped subscriber; either way the
				// stream is complete from the server's point of view.
				fmt.Fprint(w, "event: end\ndata: {}\n\n")
				flusher.Flush()
				return
			}
			if entry.Sequence <= lastSeq {
				continue
			}
			if err := writeEvent(w, entry); err != nil {
				return
			}
			lastSeq = entry.Sequence
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, entry job.LogEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		slog.Error("Failed to encode log entry", "jobId", entry.JobID, "seq", entry.Sequence, "error", err)
		return nil
	}
	_, err = fmt.Fprintf(w, "id: %d\ndata: %s\n\n", entry.Sequence, data)
	return err
}
