package device

import "time"

// Session is one client's subscription to a device's read stream. It is owned
// by the Manager that created it.
type Session struct {
	ID         string
	Origin     string
	AttachedAt time.Time

	sink    Sink
	manager *Manager
}

// Close detaches the session from its device. Safe to call more than once.
func (s *Session) Close() {
	s.manager.detach(s)
}

func (s *Session) send(ev Event) {
	if err := s.sink.Send(ev); err != nil {
		s.manager.logger.Debug().
			Err(err).
			Str("session", s.ID).
			Str("origin", s.Origin).
			Msg("Dropped event for session")
	}
}
