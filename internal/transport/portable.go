package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	serial "go.bug.st/serial"
)

// portableReadTimeout bounds each blocking read so ReadLinesLoop notices Close
// on platforms where closing does not interrupt a pending read.
const portableReadTimeout = 200 * time.Millisecond

// PortableOpener opens ports with go.bug.st/serial.
type PortableOpener struct{}

// Open implements Opener.
func (PortableOpener) Open(ctx context.Context, cfg Config) (Port, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	p, err := serial.Open(cfg.Device, &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Device, err)
	}

	timeout := cfg.ReadTimeout
	if timeout <= 0 {
		timeout = portableReadTimeout
	}
	if err := p.SetReadTimeout(timeout); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("set read timeout: %w", err)
	}

	return &portablePort{port: p, delimiter: cfg.Delimiter, done: make(chan struct{})}, nil
}

type portablePort struct {
	port      serial.Port
	delimiter string
	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func (p *portablePort) WriteLine(line string) error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if _, err := p.port.Write([]byte(line + p.delimiter)); err != nil {
		return err
	}
	return p.port.Drain()
}

func (p *portablePort) ReadLinesLoop(onLine func(string), onError func(error)) {
	buf := make([]byte, 1024)
	var lines lineBuffer
	for {
		n, err := p.port.Read(buf)
		select {
		case <-p.done:
			return
		default:
		}
		if err != nil {
			onError(err)
			return
		}
		// n == 0 without an error is a read timeout
		if n > 0 {
			lines.feed(buf[:n], onLine)
		}
	}
}

func (p *portablePort) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		err = p.port.Close()
	})
	return err
}
