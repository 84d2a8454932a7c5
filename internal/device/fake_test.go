package device

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/luhtfiimanal/serial-bridge/internal/transport"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// fakePort is an in-memory transport.Port.
type fakePort struct {
	mu       sync.Mutex
	written  []string
	writeErr map[int]error // error returned by the n-th write (0-based)
	gate     chan struct{} // when set, each write waits for a receive
	events   chan func(onLine func(string), onError func(error))
	closed   chan struct{}
	once     sync.Once
}

func newFakePort() *fakePort {
	return &fakePort{
		writeErr: map[int]error{},
		events:   make(chan func(func(string), func(error)), 16),
		closed:   make(chan struct{}),
	}
}

func (p *fakePort) WriteLine(line string) error {
	if p.gate != nil {
		<-p.gate
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.closed:
		return transport.ErrClosed
	default:
	}
	if err, ok := p.writeErr[len(p.written)]; ok {
		p.written = append(p.written, "!"+line)
		return err
	}
	p.written = append(p.written, line)
	return nil
}

func (p *fakePort) ReadLinesLoop(onLine func(string), onError func(error)) {
	for {
		select {
		case <-p.closed:
			return
		case ev := <-p.events:
			ev(onLine, onError)
		}
	}
}

func (p *fakePort) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *fakePort) emit(line string) {
	p.events <- func(onLine func(string), _ func(error)) { onLine(line) }
}

func (p *fakePort) fail(err error) {
	p.events <- func(_ func(string), onError func(error)) { onError(err) }
}

func (p *fakePort) lines() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.written...)
}

func (p *fakePort) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

// fakeOpener hands out fakePorts and records every open.
type fakeOpener struct {
	mu      sync.Mutex
	configs []transport.Config
	ports   []*fakePort
	err     error
	hold    chan struct{} // when set, Open blocks until it is closed
	prepare func(*fakePort)
}

func (o *fakeOpener) Open(_ context.Context, cfg transport.Config) (transport.Port, error) {
	if o.hold != nil {
		<-o.hold
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.configs = append(o.configs, cfg)
	if o.err != nil {
		return nil, o.err
	}
	p := newFakePort()
	if o.prepare != nil {
		o.prepare(p)
	}
	o.ports = append(o.ports, p)
	return p, nil
}

func (o *fakeOpener) opens() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.configs)
}

func (o *fakeOpener) port(i int) *fakePort {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ports[i]
}

func (o *fakeOpener) config(i int) transport.Config {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.configs[i]
}

// fakeSink records events. disconnect simulates the client going away.
type fakeSink struct {
	mu     sync.Mutex
	events []Event
	done   chan struct{}
	gone   sync.Once
	closed chan struct{}
	cOnce  sync.Once
}

func newFakeSink() *fakeSink {
	return &fakeSink{done: make(chan struct{}), closed: make(chan struct{})}
}

func (s *fakeSink) Send(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.closed:
		return errors.New("sink closed")
	default:
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *fakeSink) Done() <-chan struct{} { return s.done }

func (s *fakeSink) Close() {
	s.cOnce.Do(func() { close(s.closed) })
}

func (s *fakeSink) disconnect() {
	s.gone.Do(func() { close(s.done) })
}

func (s *fakeSink) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *fakeSink) snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func (s *fakeSink) dataLines() []string {
	var out []string
	for _, ev := range s.snapshot() {
		if ev.Kind == EventData {
			out = append(out, ev.Line)
		}
	}
	return out
}

func (s *fakeSink) states() []ConnectionState {
	var out []ConnectionState
	for _, ev := range s.snapshot() {
		if ev.Kind == EventConnection {
			out = append(out, ev.State)
		}
	}
	return out
}

func (s *fakeSink) hasState(state ConnectionState) bool {
	for _, st := range s.states() {
		if st == state {
			return true
		}
	}
	return false
}

func testOptions(opener transport.Opener) Options {
	return Options{
		Opener:            opener,
		IdleTimeout:       80 * time.Millisecond,
		KeepaliveInterval: -1,
		OpenTimeout:       time.Second,
		Logger:            zerolog.Nop(),
	}
}

func newTestManager(t *testing.T, opener *fakeOpener, tweak ...func(*Options)) *Manager {
	t.Helper()
	opts := testOptions(opener)
	for _, f := range tweak {
		f(&opts)
	}
	m := NewManager(Device{ID: "ttyUSB0", Path: "/dev/ttyUSB0"}, opts)
	t.Cleanup(m.ForceClose)
	return m
}

func waitState(t *testing.T, m *Manager, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return m.State() == want }, time.Second, 5*time.Millisecond,
		"device never reached %s (now %s)", want, m.State())
}
