package device

import "github.com/google/uuid"

// LockToken identifies one write operation holding a device's write lock.
// The zero value holds nothing.
type LockToken struct {
	id uuid.UUID
}

// IsZero reports whether t is the zero token.
func (t LockToken) IsZero() bool {
	return t.id == uuid.Nil
}

func (t LockToken) String() string {
	return t.id.String()
}

// writeLock is a single slot: unlocked, or the token currently writing.
// It is guarded by the owning manager's mutex.
type writeLock struct {
	holder LockToken
	origin string
}

func (l *writeLock) held() bool {
	return !l.holder.IsZero()
}

func (l *writeLock) holds(t LockToken) bool {
	return !t.IsZero() && l.holder == t
}

// acquire claims the lock for a fresh token. It never waits.
func (l *writeLock) acquire(origin string) (LockToken, bool) {
	if l.held() {
		return LockToken{}, false
	}
	l.holder = LockToken{id: uuid.New()}
	l.origin = origin
	return l.holder, true
}

func (l *writeLock) release(t LockToken) bool {
	if !l.holds(t) {
		return false
	}
	l.clear()
	return true
}

func (l *writeLock) clear() {
	l.holder = LockToken{}
	l.origin = ""
}
