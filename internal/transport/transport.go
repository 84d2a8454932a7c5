package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultDelimiter terminates every written line unless Config says otherwise.
const DefaultDelimiter = "\r\n"

// DefaultBaudRate is used when a device has no configured rate.
const DefaultBaudRate = 115200

var (
	// ErrClosed is returned by WriteLine after Close.
	ErrClosed = errors.New("port closed")

	// ErrUnsupportedBaudRate is returned by drivers that only accept the
	// standard rates.
	ErrUnsupportedBaudRate = errors.New("unsupported baud rate")
)

// Config holds configuration parameters for opening a serial port.
type Config struct {
	Device      string
	BaudRate    int
	Delimiter   string // written after each line, default "\r\n"
	ReadTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.BaudRate <= 0 {
		c.BaudRate = DefaultBaudRate
	}
	if c.Delimiter == "" {
		c.Delimiter = DefaultDelimiter
	}
	return c
}

// Port is one open serial connection.
type Port interface {
	// WriteLine writes line plus the delimiter and returns once the output
	// has been drained to the device.
	WriteLine(line string) error

	// ReadLinesLoop invokes onLine for every complete line until the port is
	// closed. If reading fails, onError is called and the loop exits. Closing
	// the port makes the loop return without calling onError.
	ReadLinesLoop(onLine func(string), onError func(error))

	// Close releases the port and unblocks ReadLinesLoop. Safe to call more
	// than once.
	Close() error
}

// Opener opens ports. Implementations must be safe for concurrent use.
type Opener interface {
	Open(ctx context.Context, cfg Config) (Port, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(ctx context.Context, cfg Config) (Port, error)

// Open calls f(ctx, cfg).
func (f OpenerFunc) Open(ctx context.Context, cfg Config) (Port, error) {
	return f(ctx, cfg)
}

// NewOpener returns the driver registered under name ("linux" or "portable").
func NewOpener(name string) (Opener, error) {
	switch name {
	case "", "portable":
		return PortableOpener{}, nil
	case "linux":
		return newLinuxOpener()
	default:
		return nil, fmt.Errorf("unknown serial driver %q", name)
	}
}
