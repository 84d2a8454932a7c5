package transport

import "strings"

// lineBuffer accumulates raw reads and hands out complete lines.
type lineBuffer struct {
	pending string
}

// feed appends chunk and calls onLine for every '\n' terminated line in the
// buffer, without the terminator and without a trailing '\r'.
func (b *lineBuffer) feed(chunk []byte, onLine func(string)) {
	b.pending += string(chunk)
	for {
		idx := strings.IndexByte(b.pending, '\n')
		if idx < 0 {
			return
		}
		line := strings.TrimSuffix(b.pending[:idx], "\r")
		b.pending = b.pending[idx+1:]
		onLine(line)
	}
}
