//go:build linux

package transport

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// LinuxOpener opens ports through raw termios and poll(2).
type LinuxOpener struct{}

func newLinuxOpener() (Opener, error) {
	return LinuxOpener{}, nil
}

// Open implements Opener.
func (LinuxOpener) Open(ctx context.Context, cfg Config) (Port, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return OpenLinux(cfg)
}

// LinuxPort provides low-latency, killable, line-oriented access to a Linux
// serial port. It is safe for concurrent use by multiple goroutines.
type LinuxPort struct {
	fd        int
	file      *os.File
	done      chan struct{}
	closeOnce sync.Once
	writeMu   sync.Mutex
	config    Config
	pipeR     int // self-pipe read fd
	pipeW     int // self-pipe write fd
}

// OpenLinux opens a serial port and configures it for raw, non-buffered
// operation at cfg.BaudRate.
func OpenLinux(cfg Config) (*LinuxPort, error) {
	cfg = cfg.withDefaults()

	baud, err := baudToUnix(cfg.BaudRate)
	if err != nil {
		return nil, err
	}

	fd, err := syscall.Open(cfg.Device, syscall.O_RDWR|syscall.O_NOCTTY|syscall.O_NONBLOCK, 0666)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Device, err)
	}

	termios, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("get termios: %w", err)
	}

	// Raw mode
	termios.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	termios.Oflag &^= unix.OPOST
	termios.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	termios.Cflag &^= unix.CSIZE | unix.PARENB
	termios.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL

	termios.Cflag &^= unix.CBAUD
	termios.Cflag |= baud
	termios.Ispeed = baud
	termios.Ospeed = baud

	// VMIN=1, VTIME=0: a read returns as soon as one byte is there
	termios.Cc[unix.VMIN] = 1
	termios.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, termios); err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("set termios: %w", err)
	}

	if err := syscall.SetNonblock(fd, false); err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("set blocking: %w", err)
	}

	pipeFds := make([]int, 2)
	if err := unix.Pipe(pipeFds); err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("pipe: %w", err)
	}

	return &LinuxPort{
		fd:     fd,
		file:   os.NewFile(uintptr(fd), cfg.Device),
		done:   make(chan struct{}),
		config: cfg,
		pipeR:  pipeFds[0],
		pipeW:  pipeFds[1],
	}, nil
}

// WriteLine writes line plus the configured delimiter and waits for the
// kernel to transmit it (tcdrain).
func (s *LinuxPort) WriteLine(line string) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.file.WriteString(line + s.config.Delimiter); err != nil {
		return err
	}
	return s.drain()
}

func (s *LinuxPort) drain() error {
	// TCSBRK with a non-zero argument is tcdrain(3) on Linux.
	err := unix.IoctlSetInt(s.fd, unix.TCSBRK, 1)
	if errors.Is(err, unix.ENOTTY) || errors.Is(err, unix.EINVAL) {
		return nil
	}
	return err
}

// ReadLinesLoop reads with poll and a plain buffer, handing out each complete
// line as soon as it arrives.
func (s *LinuxPort) ReadLinesLoop(onLine func(string), onError func(error)) {
	buf := make([]byte, 4096)
	var lines lineBuffer
	for {
		pfd := []unix.PollFd{
			{Fd: int32(s.fd), Events: unix.POLLIN},
			{Fd: int32(s.pipeR), Events: unix.POLLIN},
		}
		_, err := unix.Poll(pfd, -1)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			s.reportUnlessClosed(onError, err)
			return
		}
		select {
		case <-s.done:
			return
		default:
		}
		if pfd[1].Revents&unix.POLLIN != 0 {
			return
		}
		if pfd[0].Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
			n, err := s.file.Read(buf)
			if n > 0 {
				lines.feed(buf[:n], onLine)
			}
			if err != nil {
				s.reportUnlessClosed(onError, err)
				return
			}
		}
	}
}

func (s *LinuxPort) reportUnlessClosed(onError func(error), err error) {
	select {
	case <-s.done:
	default:
		onError(err)
	}
}

// Close closes the serial port and unblocks any ReadLinesLoop call.
// Safe to call multiple times; subsequent calls are no-ops.
func (s *LinuxPort) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		// Wake up poll using self-pipe
		unix.Write(s.pipeW, []byte{1})
		err = s.file.Close()
		unix.Close(s.pipeR)
		unix.Close(s.pipeW)
	})
	return err
}

func baudToUnix(baud int) (uint32, error) {
	switch baud {
	case 1200:
		return unix.B1200, nil
	case 2400:
		return unix.B2400, nil
	case 4800:
		return unix.B4800, nil
	case 9600:
		return unix.B9600, nil
	case 19200:
		return unix.B19200, nil
	case 38400:
		return unix.B38400, nil
	case 57600:
		return unix.B57600, nil
	case 115200:
		return unix.B115200, nil
	case 230400:
		return unix.B230400, nil
	case 460800:
		return unix.B460800, nil
	case 921600:
		return unix.B921600, nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrUnsupportedBaudRate, baud)
	}
}
