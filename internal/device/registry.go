package device

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/luhtfiimanal/serial-bridge/internal/transport"
	"github.com/rs/zerolog"
)

// Registry maps device ids to their managers. Managers are created lazily from
// enumeration and pruned when their device disappears.
type Registry struct {
	enumerate transport.Enumerator
	static    []string
	opts      Options
	logger    zerolog.Logger

	mu       sync.Mutex
	managers map[string]*Manager
}

// NewRegistry creates a registry. staticPaths are always present, whether or
// not the enumerator reports them (ptys, socat links).
func NewRegistry(enumerate transport.Enumerator, opts Options, staticPaths []string) *Registry {
	return &Registry{
		enumerate: enumerate,
		static:    staticPaths,
		opts:      opts,
		logger:    opts.Logger.With().Str("component", "registry").Logger(),
		managers:  make(map[string]*Manager),
	}
}

// Enumerate rescans the host, creates managers for new devices, force-closes
// and drops managers whose device is gone, and returns the devices sorted by
// id.
func (r *Registry) Enumerate(ctx context.Context) ([]Info, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ports, err := r.enumerate()
	if err != nil {
		return nil, err
	}
	ports = r.withStatic(ports)

	r.mu.Lock()
	seen := make(map[string]bool, len(ports))
	for _, p := range ports {
		id := DeriveID(p.Path)
		if seen[id] {
			continue
		}
		seen[id] = true

		if m, ok := r.managers[id]; ok {
			m.setMetadata(p.Metadata)
			continue
		}
		r.managers[id] = NewManager(Device{ID: id, Path: p.Path, Metadata: p.Metadata}, r.opts)
		r.logger.Info().Str("device", id).Str("path", p.Path).Msg("Device discovered")
	}

	var removed []*Manager
	for id, m := range r.managers {
		if !seen[id] {
			removed = append(removed, m)
			delete(r.managers, id)
		}
	}
	infos := r.snapshotLocked()
	r.mu.Unlock()

	for _, m := range removed {
		r.logger.Info().Str("device", m.ID()).Msg("Device disappeared")
		m.ForceClose()
	}
	r.opts.Metrics.SetDevices(len(infos))

	return infos, nil
}

func (r *Registry) withStatic(ports []transport.PortInfo) []transport.PortInfo {
	if len(r.static) == 0 {
		return ports
	}
	have := make(map[string]bool, len(ports))
	for _, p := range ports {
		have[p.Path] = true
	}
	for _, path := range r.static {
		if !have[path] {
			ports = append(ports, transport.PortInfo{Path: path, Metadata: map[string]string{"static": "true"}})
		}
	}
	return ports
}

// List returns the known devices without rescanning.
func (r *Registry) List() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Registry) snapshotLocked() []Info {
	infos := make([]Info, 0, len(r.managers))
	for _, m := range r.managers {
		infos = append(infos, m.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Get returns the manager for id. An unknown id triggers one rescan before
// ErrNotFound is returned.
func (r *Registry) Get(ctx context.Context, id string) (*Manager, error) {
	if m := r.lookup(id); m != nil {
		return m, nil
	}
	if _, err := r.Enumerate(ctx); err != nil {
		r.logger.Warn().Err(err).Msg("Rescan for unknown device failed")
	}
	if m := r.lookup(id); m != nil {
		return m, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

func (r *Registry) lookup(id string) *Manager {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.managers[id]
}

// Attach registers a read session on device id.
func (r *Registry) Attach(ctx context.Context, id string, sink Sink, origin string) (*Session, error) {
	m, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.Attach(sink, origin), nil
}

// Write runs payload on device id.
func (r *Registry) Write(ctx context.Context, id, payload, origin string) error {
	m, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	return m.Write(ctx, payload, origin)
}

// Configure sets the baud rate device id uses on its next open.
func (r *Registry) Configure(ctx context.Context, id string, baudRate int) error {
	m, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	return m.Configure(baudRate)
}

// ForceClose closes device id.
func (r *Registry) ForceClose(ctx context.Context, id string) error {
	m, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	m.ForceClose()
	return nil
}

// Close force-closes every device.
func (r *Registry) Close() {
	r.mu.Lock()
	managers := make([]*Manager, 0, len(r.managers))
	for _, m := range r.managers {
		managers = append(managers, m)
	}
	r.mu.Unlock()

	for _, m := range managers {
		m.ForceClose()
	}
}
