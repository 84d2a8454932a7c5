package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/luhtfiimanal/serial-bridge/internal/device"
)

// connectionPayload is the data of a "connection" event.
type connectionPayload struct {
	State device.ConnectionState `json:"state"`
	Error string                 `json:"error,omitempty"`
}

// sseNewlines folds every line ending an EventSource recognizes into '\n'.
var sseNewlines = strings.NewReplacer("\r\n", "\n", "\r", "\n")

// writeSSE frames one server-sent event. An empty event name produces an
// unnamed event; every line of data gets its own "data: " prefix.
func writeSSE(w io.Writer, event, data string) error {
	var b strings.Builder
	if event != "" {
		b.WriteString("event: ")
		b.WriteString(event)
		b.WriteByte('\n')
	}
	for _, line := range strings.Split(sseNewlines.Replace(data), "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	_, err := io.WriteString(w, b.String())
	return err
}

// writeSSEEvent renders a device event.
func writeSSEEvent(w io.Writer, ev device.Event) error {
	switch ev.Kind {
	case device.EventData:
		return writeSSE(w, "", ev.Line)
	case device.EventConnection:
		data, err := json.Marshal(connectionPayload{State: ev.State, Error: ev.Err})
		if err != nil {
			return err
		}
		return writeSSE(w, "connection", string(data))
	case device.EventKeepalive:
		_, err := io.WriteString(w, ":\n\n")
		return err
	default:
		return nil
	}
}

// handleRead streams a device's lines as server-sent events until the
// client goes away or the device closes.
func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "streaming unsupported"})
		return
	}

	sink := newStreamSink(s.opts.SinkBuffer)
	sess, err := s.devices.Attach(r.Context(), id, sink, clientOrigin(r, "sse"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer sess.Close()
	defer sink.disconnect()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	log := s.logger.With().Str("device", id).Str("session", sess.ID).Logger()
	log.Debug().Msg("SSE stream started")

	for {
		select {
		case <-r.Context().Done():
			log.Debug().Msg("SSE client went away")
			return
		case <-s.stopping:
			return
		case <-sink.done:
			log.Warn().Msg("SSE client dropped")
			return
		case ev := <-sink.events:
			if err := writeSSEEvent(w, ev); err != nil {
				return
			}
			flusher.Flush()
		case <-sink.closed:
			_ = sink.drain(func(ev device.Event) error { return writeSSEEvent(w, ev) })
			flusher.Flush()
			log.Debug().Msg("SSE stream ended by device")
			return
		}
	}
}
