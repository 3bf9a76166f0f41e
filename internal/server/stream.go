package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/ashita-ai/kanri/internal/model"
)

// streamRetryHint is the reconnect base delay advertised to SSE clients.
const streamRetryHint = time.Second

// HandleStream handles GET /v1/runs/{run_id}/stream (SSE).
//
// Resume: the Last-Event-ID header (set automatically by EventSource and by
// the SDK on reconnect) names the last event the client processed; the
// last_event_id query parameter is a fallback for clients that cannot set
// headers. The header wins when both are present. Replay starts strictly
// after that id.
//
// Ordering: the handler subscribes to the live broker before reading
// history, so no event can fall between replay and live delivery. Events
// arriving on both paths are deduplicated by id, which is safe because ids
// are globally ordered and never reused.
func (h *Handlers) HandleStream(w http.ResponseWriter, r *http.Request) {
	runID, ok := pathUUID(w, r, "run_id")
	if !ok {
		return
	}
	if _, err := h.store.GetRun(r.Context(), runID); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	lastEventID := int64(0)
	if v := r.URL.Query().Get("last_event_id"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil || parsed < 0 {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid last_event_id")
			return
		}
		lastEventID = parsed
	}
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil || parsed < 0 {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid Last-Event-ID header")
			return
		}
		lastEventID = parsed
	}

	rc := http.NewResponseController(w)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// Advertise the reconnect base delay before any event.
	if _, err := w.Write([]byte("retry: " + strconv.FormatInt(streamRetryHint.Milliseconds(), 10) + "\n\n")); err != nil {
		return
	}
	if err := rc.Flush(); err != nil {
		return
	}

	// Idle SSE connections must outlive the server's WriteTimeout.
	_ = rc.SetWriteDeadline(time.Time{})

	// Subscribe before replay so nothing falls in the gap.
	live := h.broker.Subscribe(runID)
	defer h.broker.Unsubscribe(runID, live)

	history, err := h.store.Events(r.Context(), runID, lastEventID, 0)
	if err != nil {
		h.logger.Error("stream: load history", "run_id", runID, "error", err)
		h.writeStreamError(w, rc, "failed to load event history")
		return
	}

	lastSent := lastEventID
	for _, ev := range history {
		if ev.ID <= lastSent {
			continue
		}
		if err := writeSSE(w, rc, ev); err != nil {
			return
		}
		lastSent = ev.ID
	}

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		case ev, ok := <-live:
			if !ok {
				return
			}
			// Drop anything already covered by replay or the other
			// delivery path.
			if ev.ID <= lastSent {
				continue
			}
			if err := writeSSE(w, rc, ev); err != nil {
				return
			}
			lastSent = ev.ID
		}
	}
}

// writeSSE writes one event as an SSE frame:
//
//	id: <event id>
//	event: <event type>
//	data: <event JSON>
func writeSSE(w http.ResponseWriter, rc *http.ResponseController, ev model.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	frame := "id: " + strconv.FormatInt(ev.ID, 10) + "\n" +
		"event: " + string(ev.Type) + "\n" +
		"data: " + string(data) + "\n\n"
	if _, err := w.Write([]byte(frame)); err != nil {
		return err
	}
	return rc.Flush()
}

// writeStreamError emits a terminal stream_error frame. It carries no id so
// the client's resume position is untouched; the gap is recovered on
// reconnect.
func (h *Handlers) writeStreamError(w http.ResponseWriter, rc *http.ResponseController, message string) {
	payload, _ := json.Marshal(map[string]string{"message": message})
	frame := "event: " + string(model.EventStreamError) + "\n" +
		"data: " + string(payload) + "\n\n"
	if _, err := w.Write([]byte(frame)); err != nil {
		return
	}
	_ = rc.Flush()
}
