package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/luhtfiimanal/serial-bridge/internal/device"
)

const wsWriteWait = 10 * time.Second

// wsMessage is every frame the server sends on a device websocket.
type wsMessage struct {
	Type   string                 `json:"type"` // data, connection or write
	Line   string                 `json:"line,omitempty"`
	State  device.ConnectionState `json:"state,omitempty"`
	Status int                    `json:"status,omitempty"`
	Error  string                 `json:"error,omitempty"`
}

func wsEventMessage(ev device.Event) (wsMessage, bool) {
	switch ev.Kind {
	case device.EventData:
		return wsMessage{Type: "data", Line: ev.Line}, true
	case device.EventConnection:
		return wsMessage{Type: "connection", State: ev.State, Error: ev.Err}, true
	default:
		return wsMessage{}, false
	}
}

// handleWebSocket streams device lines like handleRead and accepts text
// frames as write payloads. Each payload is answered with a "write" message
// carrying the HTTP status the write route would have returned.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	origin := clientOrigin(r, "ws")

	sink := newStreamSink(s.opts.SinkBuffer)
	sess, err := s.devices.Attach(r.Context(), id, sink, origin)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer sess.Close()
	defer sink.disconnect()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Str("device", id).Msg("Failed to upgrade connection")
		return
	}
	defer conn.Close()

	log := s.logger.With().Str("device", id).Str("session", sess.ID).Logger()
	log.Info().Str("ip", r.RemoteAddr).Msg("WebSocket client connected")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	results := make(chan wsMessage, 1)

	go func() {
		defer sink.disconnect()
		for {
			mt, payload, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Error().Err(err).Msg("WebSocket error")
				}
				return
			}
			if mt != websocket.TextMessage {
				continue
			}

			res := wsMessage{Type: "write", Status: http.StatusOK}
			if err := s.devices.Write(ctx, id, string(payload), origin); err != nil {
				res.Status = statusFor(err)
				res.Error = err.Error()
			}
			select {
			case results <- res:
			case <-ctx.Done():
				return
			}
		}
	}()

	send := func(msg wsMessage) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(msg)
	}
	sendEvent := func(ev device.Event) error {
		if ev.Kind == device.EventKeepalive {
			return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
		}
		if msg, ok := wsEventMessage(ev); ok {
			return send(msg)
		}
		return nil
	}
	closeWith := func(code int, text string) {
		msg := websocket.FormatCloseMessage(code, text)
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
	}

	for {
		select {
		case <-sink.done:
			log.Info().Msg("WebSocket client disconnected")
			return
		case <-s.stopping:
			closeWith(websocket.CloseGoingAway, "server shutting down")
			return
		case ev := <-sink.events:
			if err := sendEvent(ev); err != nil {
				return
			}
		case res := <-results:
			if err := send(res); err != nil {
				return
			}
		case <-sink.closed:
			if err := sink.drain(sendEvent); err == nil {
				closeWith(websocket.CloseNormalClosure, "device closed")
			}
			log.Info().Msg("WebSocket stream ended by device")
			return
		}
	}
}
