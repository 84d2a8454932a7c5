//go:build linux

package simulator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/luhtfiimanal/serial-bridge/internal/device"
	"github.com/luhtfiimanal/serial-bridge/internal/transport"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startModem(t *testing.T, opts Options) *Modem {
	t.Helper()
	opts.Logger = zerolog.Nop()
	m, err := Start(opts)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestReply(t *testing.T) {
	m := &Modem{opts: Options{Model: "Quectel EC25"}}

	assert.Equal(t, []string{"OK"}, m.Reply("AT"))
	assert.Equal(t, []string{"OK"}, m.Reply(" at "))
	assert.Equal(t, []string{"Quectel EC25", "OK"}, m.Reply("AT+CGMM"))
	assert.Equal(t, []string{"Quectel EC25", "OK"}, m.Reply("ati"))
	assert.Equal(t, []string{"ECHO hello"}, m.Reply("hello"))
	assert.Nil(t, m.Reply("   "))
}

func readLines(t *testing.T, port transport.Port) <-chan string {
	t.Helper()
	lines := make(chan string, 32)
	go port.ReadLinesLoop(
		func(line string) {
			if line != "" {
				lines <- line
			}
		},
		func(error) {},
	)
	return lines
}

func expectLine(t *testing.T, lines <-chan string, want string) {
	t.Helper()
	select {
	case got := <-lines:
		assert.Equal(t, want, got)
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for %q", want)
	}
}

func TestModem_AnswersOverPty(t *testing.T) {
	m := startModem(t, Options{})

	port, err := transport.OpenLinux(transport.Config{Device: m.Path()})
	require.NoError(t, err)
	t.Cleanup(func() { port.Close() })
	lines := readLines(t, port)

	require.NoError(t, port.WriteLine("AT"))
	expectLine(t, lines, "OK")

	require.NoError(t, port.WriteLine("AT+CGMM"))
	expectLine(t, lines, DefaultModel)
	expectLine(t, lines, "OK")
}

func TestModem_Unsolicited(t *testing.T) {
	m := startModem(t, Options{Unsolicited: "RING", Interval: 20 * time.Millisecond})

	port, err := transport.OpenLinux(transport.Config{Device: m.Path()})
	require.NoError(t, err)
	t.Cleanup(func() { port.Close() })

	expectLine(t, readLines(t, port), "RING")
}

func TestModem_Link(t *testing.T) {
	link := filepath.Join(t.TempDir(), "vmodem0")
	m, err := Start(Options{Link: link, Logger: zerolog.Nop()})
	require.NoError(t, err)

	assert.Equal(t, link, m.Path())
	target, err := os.Readlink(link)
	require.NoError(t, err)
	assert.Contains(t, target, "/dev/pts/")

	require.NoError(t, m.Close())
	_, err = os.Lstat(link)
	assert.True(t, os.IsNotExist(err), "link removed on close")
}

func TestModem_LinkRefusesRegularFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "precious")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0644))

	_, err := Start(Options{Link: path, Logger: zerolog.Nop()})
	require.Error(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "data", string(data))
}

// chanSink forwards data lines to a channel.
type chanSink struct {
	lines  chan string
	done   chan struct{}
	closed chan struct{}
}

func newChanSink() *chanSink {
	return &chanSink{lines: make(chan string, 64), done: make(chan struct{}), closed: make(chan struct{})}
}

func (s *chanSink) Send(ev device.Event) error {
	if ev.Kind == device.EventData && ev.Line != "" {
		select {
		case s.lines <- ev.Line:
		default:
		}
	}
	return nil
}

func (s *chanSink) Done() <-chan struct{} { return s.done }

func (s *chanSink) Close() {
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
}

func TestBridgeEndToEnd(t *testing.T) {
	modem := startModem(t, Options{Model: "SIM7600"})

	mgr := device.NewManager(
		device.Device{ID: "vmodem", Path: modem.Path()},
		device.Options{
			Opener:            transport.LinuxOpener{},
			DefaultBaudRate:   115200,
			IdleTimeout:       200 * time.Millisecond,
			KeepaliveInterval: -1,
			Logger:            zerolog.Nop(),
		},
	)
	t.Cleanup(mgr.ForceClose)

	sink := newChanSink()
	mgr.Attach(sink, "test")
	require.Eventually(t, func() bool { return mgr.State() == device.StateOpen }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, mgr.Write(context.Background(), "AT\nAT+CGMM\nsleep 10\nhello", "test"))

	expectLine(t, sink.lines, "OK")
	expectLine(t, sink.lines, "SIM7600")
	expectLine(t, sink.lines, "OK")
	expectLine(t, sink.lines, "ECHO hello")

	close(sink.done)
	require.Eventually(t, func() bool { return mgr.State() == device.StateClosed }, 2*time.Second, 5*time.Millisecond)

	// Reopens on demand after going idle.
	require.NoError(t, mgr.Write(context.Background(), "AT", "test"))
	assert.Equal(t, device.StateOpen, mgr.State())
}
