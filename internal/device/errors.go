package device

import "errors"

var (
	// ErrNotFound reports an unknown device id.
	ErrNotFound = errors.New("device not found")

	// ErrConflict reports that another writer holds the device's write lock.
	// The caller should retry later.
	ErrConflict = errors.New("device is busy with another write")

	// ErrUnavailable reports that the device could not be opened or failed
	// while a write was in progress.
	ErrUnavailable = errors.New("device unavailable")

	// ErrInvalidPayload reports a write payload that cannot be executed.
	ErrInvalidPayload = errors.New("invalid write payload")

	// ErrInvalidBaudRate reports a non-positive baud rate.
	ErrInvalidBaudRate = errors.New("invalid baud rate")

	// ErrNotHolder is returned when a lock token is no longer the active one.
	ErrNotHolder = errors.New("write lock not held by token")
)
