package hotplug

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/luhtfiimanal/serial-bridge/internal/device"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultDebounce collapses a burst of device node events into one rescan.
const DefaultDebounce = 250 * time.Millisecond

// Rescanner refreshes the set of known devices.
type Rescanner interface {
	Enumerate(ctx context.Context) ([]device.Info, error)
}

// Options configures a Watcher.
type Options struct {
	// Dir is watched for device nodes appearing and disappearing. Empty
	// disables the filesystem watch.
	Dir string
	// Prefixes select the entries of Dir that are serial devices.
	// Defaults to "tty".
	Prefixes []string
	Debounce time.Duration
	// Schedule drives periodic rescans. Nil disables them.
	Schedule cron.Schedule
	Logger   zerolog.Logger
}

// Watcher keeps a Rescanner current by rescanning on hotplug events and on
// a schedule.
type Watcher struct {
	target Rescanner
	opts   Options
	logger zerolog.Logger

	scanMu sync.Mutex
	scans  int
}

// New creates a watcher. Nothing happens until Run.
func New(target Rescanner, opts Options) *Watcher {
	if len(opts.Prefixes) == 0 {
		opts.Prefixes = []string{"tty"}
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	return &Watcher{
		target: target,
		opts:   opts,
		logger: opts.Logger.With().Str("component", "hotplug").Logger(),
	}
}

// Run scans once, then watches until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	w.rescan(ctx, "startup")

	if w.opts.Schedule != nil {
		c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
		c.Schedule(w.opts.Schedule, cron.FuncJob(func() { w.rescan(ctx, "schedule") }))
		c.Start()
		defer func() { <-c.Stop().Done() }()
	}

	if w.opts.Dir == "" {
		<-ctx.Done()
		return nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(w.opts.Dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.opts.Dir, err)
	}
	w.logger.Info().Str("dir", w.opts.Dir).Msg("Hotplug watcher started")

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("Hotplug watcher stopped")
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !w.relevant(event) {
				continue
			}
			w.logger.Debug().Str("path", event.Name).Str("op", event.Op.String()).Msg("Device node changed")
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.opts.Debounce, func() { w.rescan(ctx, "hotplug") })

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return false
	}
	name := filepath.Base(event.Name)
	for _, p := range w.opts.Prefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

func (w *Watcher) rescan(ctx context.Context, reason string) {
	if ctx.Err() != nil {
		return
	}
	w.scanMu.Lock()
	defer w.scanMu.Unlock()

	w.scans++
	infos, err := w.target.Enumerate(ctx)
	if err != nil {
		w.logger.Warn().Err(err).Str("reason", reason).Msg("Device rescan failed")
		return
	}
	w.logger.Debug().Str("reason", reason).Int("devices", len(infos)).Msg("Devices rescanned")
}

// Scans reports how many rescans have run.
func (w *Watcher) Scans() int {
	w.scanMu.Lock()
	defer w.scanMu.Unlock()
	return w.scans
}
