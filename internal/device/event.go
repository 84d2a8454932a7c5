package device

// EventKind distinguishes what a session receives.
type EventKind int

const (
	// EventData carries one line read from the device.
	EventData EventKind = iota
	// EventConnection reports a connection state change.
	EventConnection
	// EventKeepalive is a periodic no-op used to detect dead clients.
	EventKeepalive
)

// ConnectionState is the state reported in connection events.
type ConnectionState string

const (
	ConnConnecting ConnectionState = "connecting"
	ConnConnected  ConnectionState = "connected"
	ConnClosed     ConnectionState = "closed"
	ConnError      ConnectionState = "error"
)

// Event is one item of a session's push feed.
type Event struct {
	Kind  EventKind
	Line  string
	State ConnectionState
	Err   string
}

func dataEvent(line string) Event {
	return Event{Kind: EventData, Line: line}
}

func connectionEvent(state ConnectionState, err error) Event {
	ev := Event{Kind: EventConnection, State: state}
	if err != nil {
		ev.Err = err.Error()
	}
	return ev
}

// Sink is the output side of a read session.
//
// The manager calls Send and Close while holding its own lock, so neither may
// block or call back into the manager. A sink that cannot keep up should drop
// itself (close Done) rather than stall the device.
type Sink interface {
	// Send queues ev for delivery.
	Send(ev Event) error
	// Done is closed when the client has gone away.
	Done() <-chan struct{}
	// Close ends the feed from the manager's side.
	Close()
}
