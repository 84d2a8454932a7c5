package api

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/luhtfiimanal/serial-bridge/internal/device"
	"github.com/luhtfiimanal/serial-bridge/internal/metrics"
	"github.com/luhtfiimanal/serial-bridge/internal/transport"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// memPort is an in-memory transport.Port fed through a channel.
type memPort struct {
	mu       sync.Mutex
	written  []string
	incoming chan string
	closed   chan struct{}
	once     sync.Once
}

func (p *memPort) WriteLine(line string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.written = append(p.written, line)
	return nil
}

func (p *memPort) ReadLinesLoop(onLine func(string), _ func(error)) {
	for {
		select {
		case <-p.closed:
			return
		case line := <-p.incoming:
			onLine(line)
		}
	}
}

func (p *memPort) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *memPort) lines() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.written...)
}

// memOpener opens memPorts, one per Open call.
type memOpener struct {
	mu    sync.Mutex
	ports map[string][]*memPort
	err   error
	hold  chan struct{}
}

func (o *memOpener) Open(_ context.Context, cfg transport.Config) (transport.Port, error) {
	if o.hold != nil {
		<-o.hold
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return nil, o.err
	}
	if o.ports == nil {
		o.ports = make(map[string][]*memPort)
	}
	p := &memPort{incoming: make(chan string, 16), closed: make(chan struct{})}
	o.ports[cfg.Device] = append(o.ports[cfg.Device], p)
	return p, nil
}

// last returns the most recent port opened for path, or nil.
func (o *memOpener) last(path string) *memPort {
	o.mu.Lock()
	defer o.mu.Unlock()
	ps := o.ports[path]
	if len(ps) == 0 {
		return nil
	}
	return ps[len(ps)-1]
}

func (o *memOpener) waitPort(t *testing.T, path string) *memPort {
	t.Helper()
	var p *memPort
	require.Eventually(t, func() bool {
		p = o.last(path)
		return p != nil
	}, time.Second, time.Millisecond)
	return p
}

type testEnv struct {
	server   *Server
	http     *httptest.Server
	registry *device.Registry
	opener   *memOpener
	metrics  *metrics.Metrics
}

func newTestEnv(t *testing.T, opener *memOpener, tweak ...func(*Options, *device.Options)) *testEnv {
	t.Helper()
	m := metrics.NewMetrics()
	devOpts := device.Options{
		Opener:            opener,
		IdleTimeout:       time.Second,
		KeepaliveInterval: -1,
		OpenTimeout:       time.Second,
		Logger:            zerolog.Nop(),
		Metrics:           m,
	}
	apiOpts := Options{
		Metrics:    m,
		SinkBuffer: 64,
		Logger:     zerolog.Nop(),
	}
	for _, f := range tweak {
		f(&apiOpts, &devOpts)
	}

	enumerate := func() ([]transport.PortInfo, error) {
		return []transport.PortInfo{
			{Path: "/dev/ttyUSB0", Metadata: map[string]string{"usb": "true"}},
			{Path: "/dev/ttyACM0"},
		}, nil
	}
	reg := device.NewRegistry(enumerate, devOpts, nil)
	apiOpts.Devices = reg

	srv, err := NewServer(apiOpts)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		reg.Close()
		_ = srv.Stop()
		ts.Close()
	})

	return &testEnv{server: srv, http: ts, registry: reg, opener: opener, metrics: m}
}
