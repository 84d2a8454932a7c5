package device

import "strings"

// Device identifies one physical serial endpoint.
type Device struct {
	ID       string
	Path     string
	BaudRate int // 0 means the adapter default
	Metadata map[string]string
}

// DeriveID maps a device path to its stable identifier: the path without a
// leading "/dev/", with every character outside [A-Za-z0-9._-] replaced by
// '_'. "/dev/serial/by-id/usb-FTDI" becomes "serial_by-id_usb-FTDI".
func DeriveID(path string) string {
	trimmed := strings.TrimPrefix(path, "/dev/")
	trimmed = strings.TrimLeft(trimmed, "/\\")
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, trimmed)
}

// Info is a point-in-time view of a device and its manager.
type Info struct {
	ID       string            `json:"id"`
	Path     string            `json:"path"`
	BaudRate int               `json:"baud_rate,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	State    State             `json:"state"`
	Sessions int               `json:"sessions"`
	Writing  bool              `json:"writing"`
}

func copyMetadata(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
