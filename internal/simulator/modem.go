// Package simulator provides a virtual AT modem on a pseudo-terminal, so the
// bridge can be exercised without hardware.
package simulator

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/rs/zerolog"
)

// DefaultModel is returned for AT+CGMM and ATI.
const DefaultModel = "SIM800 R14.18"

// Options configures a Modem.
type Options struct {
	Model string
	// Link, when set, is a symlink to the pty created on Start and removed
	// on Close, giving the modem a stable path.
	Link string
	// Unsolicited is sent every Interval when both are set.
	Unsolicited string
	Interval    time.Duration
	Logger      zerolog.Logger
}

// Modem answers AT commands on the slave side of a pty.
type Modem struct {
	opts   Options
	logger zerolog.Logger

	master *os.File
	slave  *os.File

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Start opens a pty pair and starts answering. The bridge talks to Path().
func Start(opts Options) (*Modem, error) {
	if opts.Model == "" {
		opts.Model = DefaultModel
	}

	master, slave, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("open pty: %w", err)
	}
	if err := makeRaw(slave); err != nil {
		master.Close()
		slave.Close()
		return nil, fmt.Errorf("raw mode: %w", err)
	}

	if opts.Link != "" {
		if err := relink(slave.Name(), opts.Link); err != nil {
			master.Close()
			slave.Close()
			return nil, err
		}
	}

	m := &Modem{
		opts:   opts,
		logger: opts.Logger.With().Str("component", "simulator").Str("pty", slave.Name()).Logger(),
		master: master,
		slave:  slave,
		done:   make(chan struct{}),
	}

	m.wg.Add(1)
	go m.serve()
	if opts.Unsolicited != "" && opts.Interval > 0 {
		m.wg.Add(1)
		go m.announce()
	}

	m.logger.Info().Str("path", m.Path()).Str("model", opts.Model).Msg("Simulated modem started")
	return m, nil
}

// relink points link at target, replacing a stale symlink.
func relink(target, link string) error {
	if fi, err := os.Lstat(link); err == nil {
		if fi.Mode()&os.ModeSymlink == 0 {
			return fmt.Errorf("%s exists and is not a symlink", link)
		}
		if err := os.Remove(link); err != nil {
			return fmt.Errorf("remove stale link: %w", err)
		}
	}
	if err := os.Symlink(target, link); err != nil {
		return fmt.Errorf("link %s: %w", link, err)
	}
	return nil
}

// Path is the device path clients should open.
func (m *Modem) Path() string {
	if m.opts.Link != "" {
		return m.opts.Link
	}
	return m.slave.Name()
}

// Close stops the modem and removes its link.
func (m *Modem) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.done)
		err = m.master.Close()
		m.slave.Close()
		m.wg.Wait()
		if m.opts.Link != "" {
			os.Remove(m.opts.Link)
		}
		m.logger.Info().Msg("Simulated modem stopped")
	})
	return err
}

// Reply returns the response lines for one command line.
func (m *Modem) Reply(cmd string) []string {
	cmd = strings.TrimSpace(cmd)
	switch strings.ToUpper(cmd) {
	case "":
		return nil
	case "AT":
		return []string{"OK"}
	case "AT+CGMM", "ATI":
		return []string{m.opts.Model, "OK"}
	default:
		return []string{"ECHO " + cmd}
	}
}

func (m *Modem) serve() {
	defer m.wg.Done()

	scanner := bufio.NewScanner(m.master)
	for scanner.Scan() {
		cmd := scanner.Text()
		m.logger.Debug().Str("line", cmd).Msg("Command received")
		for _, line := range m.Reply(cmd) {
			if err := m.send(line); err != nil {
				m.logger.Warn().Err(err).Msg("Failed to reply")
				return
			}
		}
	}

	select {
	case <-m.done:
	default:
		if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
			m.logger.Error().Err(err).Msg("Modem read failed")
		}
	}
}

func (m *Modem) announce() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			if err := m.send(m.opts.Unsolicited); err != nil {
				return
			}
		}
	}
}

func (m *Modem) send(line string) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_, err := m.master.Write([]byte(line + "\r\n"))
	return err
}
