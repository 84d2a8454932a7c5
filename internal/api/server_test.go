package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/luhtfiimanal/serial-bridge/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func post(t *testing.T, url, contentType, body string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Post(url, contentType, strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestNewServer_RequiresDevices(t *testing.T) {
	_, err := NewServer(Options{})
	require.Error(t, err)
}

func TestListDevices(t *testing.T) {
	env := newTestEnv(t, &memOpener{})

	resp, err := http.Get(env.http.URL + "/api/devices")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var infos []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&infos))
	require.Len(t, infos, 2)
	assert.Equal(t, "ttyACM0", infos[0]["id"])
	assert.Equal(t, "ttyUSB0", infos[1]["id"])
	assert.Equal(t, "/dev/ttyUSB0", infos[1]["path"])
	assert.Equal(t, "closed", infos[1]["state"])
	assert.Equal(t, map[string]any{"usb": "true"}, infos[1]["metadata"])
}

func TestWrite_PlainText(t *testing.T) {
	env := newTestEnv(t, &memOpener{})

	status, body := post(t, env.http.URL+"/api/devices/ttyUSB0/write", "text/plain", "AT\nATI\n")
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, []string{"AT", "ATI"}, env.opener.last("/dev/ttyUSB0").lines())
}

func TestWrite_JSONCommand(t *testing.T) {
	env := newTestEnv(t, &memOpener{})

	status, _ := post(t, env.http.URL+"/api/devices/ttyACM0/write",
		"application/json; charset=utf-8", `{"command":"AT+CSQ\nsleep 1\nAT+CREG?"}`)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, []string{"AT+CSQ", "AT+CREG?"}, env.opener.last("/dev/ttyACM0").lines())
}

func TestWrite_Errors(t *testing.T) {
	env := newTestEnv(t, &memOpener{})
	base := env.http.URL + "/api/devices"

	tests := []struct {
		name        string
		url         string
		contentType string
		body        string
		want        int
	}{
		{"unknown device", base + "/ttyUSB9/write", "text/plain", "AT", http.StatusNotFound},
		{"empty payload", base + "/ttyUSB0/write", "text/plain", "\n\n", http.StatusBadRequest},
		{"sleep too long", base + "/ttyUSB0/write", "text/plain", "sleep 600000", http.StatusBadRequest},
		{"malformed json", base + "/ttyUSB0/write", "application/json", `{"command":`, http.StatusBadRequest},
		{"json without command", base + "/ttyUSB0/write", "application/json", `{}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := post(t, tt.url, tt.contentType, tt.body)
			assert.Equal(t, tt.want, status)
			assert.NotEmpty(t, body["error"])
		})
	}
	assert.Nil(t, env.opener.last("/dev/ttyUSB0"), "rejected payloads never open the device")
}

func TestWrite_Conflict(t *testing.T) {
	hold := make(chan struct{})
	env := newTestEnv(t, &memOpener{hold: hold})
	url := env.http.URL + "/api/devices/ttyUSB0/write"

	first := make(chan int, 1)
	go func() {
		resp, err := http.Post(url, "text/plain", strings.NewReader("ATZ"))
		if err != nil {
			first <- 0
			return
		}
		resp.Body.Close()
		first <- resp.StatusCode
	}()

	m, err := env.registry.Get(context.Background(), "ttyUSB0")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return m.Info().Writing }, time.Second, time.Millisecond)

	status, body := post(t, url, "text/plain", "AT")
	assert.Equal(t, http.StatusConflict, status)
	assert.Contains(t, body["error"], "busy")

	close(hold)
	assert.Equal(t, http.StatusOK, <-first)
	assert.Equal(t, []string{"ATZ"}, env.opener.last("/dev/ttyUSB0").lines())
}

func TestWrite_Unavailable(t *testing.T) {
	env := newTestEnv(t, &memOpener{err: errors.New("permission denied")})

	status, body := post(t, env.http.URL+"/api/devices/ttyUSB0/write", "text/plain", "AT")
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Contains(t, body["error"], "permission denied")
}

func TestBaud(t *testing.T) {
	env := newTestEnv(t, &memOpener{})
	base := env.http.URL + "/api/devices"

	status, body := post(t, base+"/ttyUSB0/baud", "application/json", `{"baud_rate": 9600}`)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(9600), body["baud_rate"])

	status, _ = post(t, base+"/ttyUSB0/baud?rate=57600", "text/plain", "")
	require.Equal(t, http.StatusOK, status)

	m, err := env.registry.Get(context.Background(), "ttyUSB0")
	require.NoError(t, err)
	assert.Equal(t, 57600, m.Info().BaudRate)

	for _, tc := range []struct {
		url, body string
		want      int
	}{
		{base + "/ttyUSB0/baud?rate=fast", "", http.StatusBadRequest},
		{base + "/ttyUSB0/baud", `{"baud_rate": 0}`, http.StatusBadRequest},
		{base + "/ttyUSB0/baud", `not json`, http.StatusBadRequest},
		{base + "/ttyUSB7/baud", `{"baud_rate": 9600}`, http.StatusNotFound},
	} {
		status, body := post(t, tc.url, "application/json", tc.body)
		assert.Equal(t, tc.want, status, tc.url)
		assert.NotEmpty(t, body["error"])
	}
}

func TestClose(t *testing.T) {
	env := newTestEnv(t, &memOpener{})
	base := env.http.URL + "/api/devices"

	status, _ := post(t, base+"/ttyUSB0/write", "text/plain", "AT")
	require.Equal(t, http.StatusOK, status)
	m, err := env.registry.Get(context.Background(), "ttyUSB0")
	require.NoError(t, err)
	require.Equal(t, device.StateOpen, m.State())

	status, body := post(t, base+"/ttyUSB0/close", "", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "closed", body["status"])
	assert.Equal(t, device.StateClosed, m.State())

	status, _ = post(t, base+"/nope/close", "", "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestHealthzAndMetrics(t *testing.T) {
	env := newTestEnv(t, &memOpener{})

	resp, err := http.Get(env.http.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	status, _ := post(t, env.http.URL+"/api/devices/ttyUSB0/write", "text/plain", "AT")
	require.Equal(t, http.StatusOK, status)

	resp, err = http.Get(env.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	text, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(text), `serial_bridge_writes_total{status="success"} 1`)
	assert.Contains(t, string(text), "serial_bridge_lines_written_total 1")
}

func TestMetricsDisabled(t *testing.T) {
	env := newTestEnv(t, &memOpener{}, func(o *Options, _ *device.Options) { o.Metrics = nil })

	resp, err := http.Get(env.http.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStaticFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<h1>bridge</h1>"), 0644))
	env := newTestEnv(t, &memOpener{}, func(o *Options, _ *device.Options) { o.StaticDir = dir })

	resp, err := http.Get(env.http.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "bridge")
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{device.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("x: %w", device.ErrConflict), http.StatusConflict},
		{device.ErrInvalidPayload, http.StatusBadRequest},
		{device.ErrInvalidBaudRate, http.StatusBadRequest},
		{fmt.Errorf("%w: gone", device.ErrUnavailable), http.StatusServiceUnavailable},
		{device.ErrNotHolder, http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestServeLifecycle(t *testing.T) {
	env := newTestEnv(t, &memOpener{})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.server.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/healthz"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
