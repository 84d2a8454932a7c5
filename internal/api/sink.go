package api

import (
	"errors"
	"sync"

	"github.com/luhtfiimanal/serial-bridge/internal/device"
)

// DefaultSinkBuffer is how many events a client may lag before it is dropped.
const DefaultSinkBuffer = 256

var (
	errSinkClosed   = errors.New("stream closed")
	errSinkOverflow = errors.New("client too slow, stream dropped")
)

// streamSink queues device events for one streaming client. The device
// manager feeds it under its own lock, so Send never blocks: a client that
// falls a full buffer behind is disconnected instead.
type streamSink struct {
	events chan device.Event
	done   chan struct{} // client gone
	closed chan struct{} // device ended the feed

	doneOnce  sync.Once
	closeOnce sync.Once
}

func newStreamSink(buffer int) *streamSink {
	if buffer < 1 {
		buffer = DefaultSinkBuffer
	}
	return &streamSink{
		events: make(chan device.Event, buffer),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
}

func (s *streamSink) Send(ev device.Event) error {
	select {
	case <-s.closed:
		return errSinkClosed
	case <-s.done:
		return errSinkClosed
	default:
	}

	select {
	case s.events <- ev:
		return nil
	default:
		s.disconnect()
		return errSinkOverflow
	}
}

func (s *streamSink) Done() <-chan struct{} {
	return s.done
}

func (s *streamSink) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

func (s *streamSink) disconnect() {
	s.doneOnce.Do(func() { close(s.done) })
}

// drain hands every queued event to fn.
func (s *streamSink) drain(fn func(device.Event) error) error {
	for {
		select {
		case ev := <-s.events:
			if err := fn(ev); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}
