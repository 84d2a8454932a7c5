package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/luhtfiimanal/serial-bridge/internal/metrics"
	"github.com/luhtfiimanal/serial-bridge/internal/transport"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

// Defaults applied by Options.withDefaults.
const (
	DefaultIdleTimeout       = 5 * time.Second
	DefaultKeepaliveInterval = 15 * time.Second
	DefaultOpenTimeout       = 10 * time.Second
)

var errClosedWhileOpening = errors.New("device closed while opening")

// Options configures a Manager.
type Options struct {
	Opener            transport.Opener
	DefaultBaudRate   int
	Delimiter         string
	IdleTimeout       time.Duration
	KeepaliveInterval time.Duration // negative disables the heartbeat
	OpenTimeout       time.Duration
	MaxSleep          time.Duration
	Logger            zerolog.Logger
	Metrics           *metrics.Metrics
}

func (o Options) withDefaults() Options {
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
	if o.KeepaliveInterval == 0 {
		o.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if o.OpenTimeout <= 0 {
		o.OpenTimeout = DefaultOpenTimeout
	}
	if o.MaxSleep <= 0 {
		o.MaxSleep = DefaultMaxSleep
	}
	return o
}

// connection is one open attempt and, if it succeeds, the open port.
type connection struct {
	port    transport.Port
	ready   chan struct{} // closed once the attempt has settled
	settled bool
	err     error
	cancel  context.CancelFunc
	stop    chan struct{} // stops the keepalive ticker
	closed  chan struct{} // closed on teardown
}

func (c *connection) settle(err error) {
	if c.settled {
		return
	}
	c.settled = true
	c.err = err
	close(c.ready)
}

// Manager owns one device: its connection state machine, write lock, read
// sessions and timers. Every state change happens under mu, so operations on
// one device are serialized while different devices run independently.
type Manager struct {
	opts   Options
	logger zerolog.Logger

	mu       sync.Mutex
	device   Device
	state    State
	conn     *connection
	sessions map[string]*Session
	lock     writeLock
	idle     *time.Timer
	idleGen  uint64
}

// NewManager creates a manager for dev in the Closed state.
func NewManager(dev Device, opts Options) *Manager {
	opts = opts.withDefaults()
	dev.Metadata = copyMetadata(dev.Metadata)
	return &Manager{
		opts:     opts,
		logger:   opts.Logger.With().Str("device", dev.ID).Logger(),
		device:   dev,
		sessions: make(map[string]*Session),
	}
}

// ID returns the device id.
func (m *Manager) ID() string {
	return m.device.ID
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Info returns a snapshot of the device.
func (m *Manager) Info() Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Info{
		ID:       m.device.ID,
		Path:     m.device.Path,
		BaudRate: m.device.BaudRate,
		Metadata: copyMetadata(m.device.Metadata),
		State:    m.state,
		Sessions: len(m.sessions),
		Writing:  m.lock.held(),
	}
}

func (m *Manager) setMetadata(meta map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.device.Metadata = copyMetadata(meta)
}

// Attach registers a read session. A closed device is opened on demand. The
// session is removed when sink.Done is closed or Session.Close is called.
func (m *Manager) Attach(sink Sink, origin string) *Session {
	id, err := gonanoid.New()
	if err != nil {
		id = fmt.Sprintf("s%d", time.Now().UnixNano())
	}
	s := &Session{
		ID:         id,
		Origin:     origin,
		AttachedAt: time.Now(),
		sink:       sink,
		manager:    m,
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.stopIdleLocked()
	switch m.state {
	case StateClosed:
		m.openLocked()
	case StateOpening:
		s.send(connectionEvent(ConnConnecting, nil))
	case StateOpen:
		s.send(connectionEvent(ConnConnected, nil))
	}
	count := len(m.sessions)
	m.mu.Unlock()

	m.opts.Metrics.SessionAttached()
	m.opts.Metrics.SetSessions(m.device.ID, count)
	m.logger.Info().
		Str("session", s.ID).
		Str("origin", origin).
		Int("sessions", count).
		Msg("Session attached")

	go func() {
		<-sink.Done()
		m.detach(s)
	}()

	return s
}

func (m *Manager) detach(s *Session) {
	m.mu.Lock()
	if _, ok := m.sessions[s.ID]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, s.ID)
	s.sink.Close()
	count := len(m.sessions)
	if count == 0 && m.state != StateClosed {
		m.armIdleLocked()
	}
	m.mu.Unlock()

	m.opts.Metrics.SetSessions(m.device.ID, count)
	m.logger.Info().
		Str("session", s.ID).
		Str("origin", s.Origin).
		Int("sessions", count).
		Msg("Session detached")
}

// Configure sets the baud rate used by the next open. An open connection
// keeps its current rate until it is closed and reopened.
func (m *Manager) Configure(baudRate int) error {
	if baudRate <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidBaudRate, baudRate)
	}
	m.mu.Lock()
	m.device.BaudRate = baudRate
	m.mu.Unlock()

	m.logger.Info().Int("baud_rate", baudRate).Msg("Baud rate configured")
	return nil
}

// ForceClose drives the device to Closed: every session is ended, the write
// lock is cleared and timers are cancelled. It is idempotent.
func (m *Manager) ForceClose() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeLocked("forced", true)
}

// Write runs a newline-delimited payload as one write sequence. It returns
// ErrConflict without side effects when another writer holds the lock.
func (m *Manager) Write(ctx context.Context, payload, origin string) error {
	steps, err := ParseScript(payload, m.opts.MaxSleep)
	if err != nil {
		m.opts.Metrics.Write("invalid", 0)
		return err
	}
	return m.writeSteps(ctx, steps, origin)
}

func (m *Manager) writeSteps(ctx context.Context, steps []Step, origin string) error {
	tok, err := m.Acquire(origin)
	if err != nil {
		return err
	}

	start := time.Now()
	err = m.run(ctx, tok, steps)
	// After a failure the close already cleared the lock.
	_ = m.Release(tok)

	if err != nil {
		m.opts.Metrics.Write("failed", time.Since(start))
		return err
	}
	m.opts.Metrics.Write("success", time.Since(start))
	return nil
}

// Acquire claims the write lock. It never blocks: if another token holds the
// lock it returns ErrConflict.
func (m *Manager) Acquire(origin string) (LockToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tok, ok := m.lock.acquire(origin)
	if !ok {
		m.opts.Metrics.Write("conflict", 0)
		return LockToken{}, fmt.Errorf("%w: %s is writing to %s", ErrConflict, m.lock.origin, m.device.ID)
	}
	m.stopIdleLocked()
	return tok, nil
}

// WriteLines sends lines under a token obtained from Acquire, opening the
// device first if needed. The token stays held afterwards.
func (m *Manager) WriteLines(ctx context.Context, tok LockToken, lines []string) error {
	steps, err := ParseLines(lines, m.opts.MaxSleep)
	if err != nil {
		return err
	}
	return m.run(ctx, tok, steps)
}

// Release gives up the write lock and arms the idle timer if nobody is
// reading.
func (m *Manager) Release(tok LockToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.lock.release(tok) {
		return ErrNotHolder
	}
	if len(m.sessions) == 0 && m.state != StateClosed {
		m.armIdleLocked()
	}
	return nil
}

func (m *Manager) run(ctx context.Context, tok LockToken, steps []Step) error {
	c, err := m.awaitOpen(ctx, tok)
	if err != nil {
		return err
	}

	for _, step := range steps {
		if step.Line == "" {
			if !pause(c, step.Sleep) {
				return fmt.Errorf("%w: %s closed during write", ErrUnavailable, m.device.ID)
			}
			continue
		}
		if !m.stillHolding(c, tok) {
			return fmt.Errorf("%w: %s closed during write", ErrUnavailable, m.device.ID)
		}
		if err := c.port.WriteLine(step.Line); err != nil {
			m.fail(c, fmt.Errorf("write: %w", err))
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		m.opts.Metrics.LineWritten()
		m.logger.Debug().Str("line", step.Line).Msg("Line written")
	}
	return nil
}

// pause waits d unless the connection closes first.
func pause(c *connection, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-c.closed:
		return false
	}
}

// awaitOpen returns the open connection, starting an open if there is none.
// The caller's token stays held while waiting so no other writer can slip in.
func (m *Manager) awaitOpen(ctx context.Context, tok LockToken) (*connection, error) {
	m.mu.Lock()
	if !m.lock.holds(tok) {
		m.mu.Unlock()
		return nil, ErrNotHolder
	}
	c := m.conn
	if c == nil {
		c = m.openLocked()
	}
	m.mu.Unlock()

	select {
	case <-c.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c.err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, c.err)
	}
	if m.conn != c || !m.lock.holds(tok) {
		return nil, fmt.Errorf("%w: %s closed while opening", ErrUnavailable, m.device.ID)
	}
	return c, nil
}

func (m *Manager) stillHolding(c *connection, tok LockToken) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn == c && m.lock.holds(tok)
}

// openLocked moves Closed -> Opening and dials in the background.
func (m *Manager) openLocked() *connection {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.OpenTimeout)
	c := &connection{ready: make(chan struct{}), closed: make(chan struct{}), cancel: cancel}
	m.conn = c
	m.state = StateOpening

	baud := m.device.BaudRate
	if baud <= 0 {
		baud = m.opts.DefaultBaudRate
	}
	cfg := transport.Config{
		Device:    m.device.Path,
		BaudRate:  baud,
		Delimiter: m.opts.Delimiter,
	}

	m.logger.Info().Str("path", cfg.Device).Int("baud_rate", cfg.BaudRate).Msg("Opening device")
	m.broadcastLocked(connectionEvent(ConnConnecting, nil))

	go m.dial(ctx, c, cfg)
	return c
}

func (m *Manager) dial(ctx context.Context, c *connection, cfg transport.Config) {
	port, err := m.opts.Opener.Open(ctx, cfg)
	c.cancel()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn != c {
		// Force-closed while we were dialing.
		if port != nil {
			_ = port.Close()
		}
		return
	}
	if err != nil {
		c.settle(err)
		m.opts.Metrics.Connection("failed")
		m.failLocked(fmt.Errorf("open %s: %w", cfg.Device, err))
		return
	}

	c.port = port
	m.state = StateOpen
	c.settle(nil)
	m.opts.Metrics.Connection("opened")
	m.logger.Info().Msg("Device connected")
	m.broadcastLocked(connectionEvent(ConnConnected, nil))

	if m.opts.KeepaliveInterval > 0 {
		c.stop = make(chan struct{})
		go m.keepalive(c, c.stop)
	}
	go m.readLoop(c)

	// Every session may have left while the open was in flight.
	if len(m.sessions) == 0 && !m.lock.held() {
		m.armIdleLocked()
	}
}

func (m *Manager) readLoop(c *connection) {
	c.port.ReadLinesLoop(
		func(line string) {
			m.mu.Lock()
			defer m.mu.Unlock()
			if m.conn != c {
				return
			}
			m.opts.Metrics.LineRead()
			m.broadcastLocked(dataEvent(line))
		},
		func(err error) {
			if errors.Is(err, io.EOF) {
				m.mu.Lock()
				defer m.mu.Unlock()
				if m.conn == c {
					m.closeLocked("dropped", true)
				}
				return
			}
			m.fail(c, fmt.Errorf("read: %w", err))
		},
	)
}

func (m *Manager) keepalive(c *connection, stop <-chan struct{}) {
	ticker := time.NewTicker(m.opts.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.mu.Lock()
			if m.conn == c {
				m.broadcastLocked(Event{Kind: EventKeepalive})
			}
			m.mu.Unlock()
		}
	}
}

func (m *Manager) fail(c *connection, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != c {
		return
	}
	m.failLocked(err)
}

// failLocked reports err to every session and tears the device down. Adapter
// errors are never retried automatically.
func (m *Manager) failLocked(err error) {
	m.logger.Error().Err(err).Msg("Device error")
	m.broadcastLocked(connectionEvent(ConnError, err))
	m.closeLocked("error", false)
}

func (m *Manager) closeLocked(reason string, notify bool) {
	if m.state == StateClosed && m.conn == nil && len(m.sessions) == 0 && !m.lock.held() {
		m.stopIdleLocked()
		return
	}

	m.state = StateClosing
	if notify {
		m.broadcastLocked(connectionEvent(ConnClosed, nil))
	}

	ended := len(m.sessions)
	for id, s := range m.sessions {
		s.sink.Close()
		delete(m.sessions, id)
	}
	m.lock.clear()
	m.stopIdleLocked()

	if c := m.conn; c != nil {
		m.conn = nil
		c.cancel()
		c.settle(errClosedWhileOpening)
		close(c.closed)
		if c.stop != nil {
			close(c.stop)
		}
		if c.port != nil {
			if err := c.port.Close(); err != nil {
				m.logger.Warn().Err(err).Msg("Failed to close port")
			}
			m.opts.Metrics.Connection("closed")
		}
	}

	m.state = StateClosed
	m.opts.Metrics.SetSessions(m.device.ID, 0)
	m.logger.Info().Str("reason", reason).Int("sessions_ended", ended).Msg("Device closed")
}

func (m *Manager) broadcastLocked(ev Event) {
	for _, s := range m.sessions {
		s.send(ev)
	}
}

func (m *Manager) armIdleLocked() {
	m.stopIdleLocked()
	gen := m.idleGen
	m.idle = time.AfterFunc(m.opts.IdleTimeout, func() { m.idleFired(gen) })
}

func (m *Manager) stopIdleLocked() {
	m.idleGen++
	if m.idle != nil {
		m.idle.Stop()
		m.idle = nil
	}
}

// idleFired closes the device only if, right now, nobody reads or writes.
func (m *Manager) idleFired(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.idleGen {
		return
	}
	m.idle = nil
	if len(m.sessions) > 0 || m.lock.held() || m.state == StateClosed {
		return
	}
	m.closeLocked("idle", true)
}
