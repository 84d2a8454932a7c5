package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/luhtfiimanal/serial-bridge/internal/device"
)

const maxPayloadBytes = 1 << 20

type errorBody struct {
	Error string `json:"error"`
}

type writeRequest struct {
	Command string `json:"command"`
}

type baudRequest struct {
	BaudRate int `json:"baud_rate"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	infos, err := s.devices.Enumerate(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, infos)
}

// handleWrite accepts a plain-text payload or a JSON {"command": ...} body.
func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	payload, err := readPayload(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := s.devices.Write(r.Context(), id, payload, clientOrigin(r, "http")); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func readPayload(r *http.Request) (string, error) {
	body, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, maxPayloadBytes))
	if err != nil {
		return "", fmt.Errorf("%w: %v", device.ErrInvalidPayload, err)
	}
	if !isJSON(r) {
		return string(body), nil
	}
	var req writeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return "", fmt.Errorf("%w: %v", device.ErrInvalidPayload, err)
	}
	return req.Command, nil
}

// handleBaud takes {"baud_rate": N} or ?rate=N.
func (s *Server) handleBaud(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var rate int
	if q := r.URL.Query().Get("rate"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil {
			s.writeError(w, r, fmt.Errorf("%w: %q", device.ErrInvalidBaudRate, q))
			return
		}
		rate = n
	} else {
		var req baudRequest
		if err := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxPayloadBytes)).Decode(&req); err != nil {
			s.writeError(w, r, fmt.Errorf("%w: %v", device.ErrInvalidBaudRate, err))
			return
		}
		rate = req.BaudRate
	}

	if err := s.devices.Configure(r.Context(), id, rate); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "baud_rate": rate})
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.devices.ForceClose(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

// statusFor maps device errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, device.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, device.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, device.ErrInvalidPayload), errors.Is(err, device.ErrInvalidBaudRate):
		return http.StatusBadRequest
	case errors.Is(err, device.ErrUnavailable), errors.Is(err, device.ErrNotHolder),
		errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	ev := s.logger.Warn()
	if status == http.StatusInternalServerError {
		ev = s.logger.Error()
	}
	ev.Err(err).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Int("status", status).
		Msg("Request failed")
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func isJSON(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mt == "application/json"
}

// clientOrigin labels a session or write for diagnostics.
func clientOrigin(r *http.Request, via string) string {
	return via + ":" + r.RemoteAddr
}
