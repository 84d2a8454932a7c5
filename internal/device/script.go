package device

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// DefaultMaxSleep caps the "sleep N" directive.
const DefaultMaxSleep = 10 * time.Second

var sleepDirective = regexp.MustCompile(`^sleep\s+(\d+)$`)

// Step is one unit of a write sequence: a line to send, or a pause.
type Step struct {
	Line  string
	Sleep time.Duration
}

// ParseScript splits a payload on line boundaries and parses each line.
func ParseScript(payload string, maxSleep time.Duration) ([]Step, error) {
	return ParseLines(strings.Split(payload, "\n"), maxSleep)
}

// ParseLines turns command lines into steps. Blank lines are dropped and
// "sleep N" becomes an N millisecond pause, which must not exceed maxSleep.
func ParseLines(lines []string, maxSleep time.Duration) ([]Step, error) {
	if maxSleep <= 0 {
		maxSleep = DefaultMaxSleep
	}

	steps := make([]Step, 0, len(lines))
	for _, raw := range lines {
		line := strings.TrimSuffix(raw, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		if m := sleepDirective.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			ms, err := strconv.ParseInt(m[1], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: bad sleep %q", ErrInvalidPayload, line)
			}
			// Compare in milliseconds so huge values cannot wrap the Duration.
			if ms > int64(maxSleep/time.Millisecond) {
				return nil, fmt.Errorf("%w: sleep %dms exceeds maximum %s", ErrInvalidPayload, ms, maxSleep)
			}
			steps = append(steps, Step{Sleep: time.Duration(ms) * time.Millisecond})
			continue
		}
		steps = append(steps, Step{Line: line})
	}

	if len(steps) == 0 {
		return nil, fmt.Errorf("%w: no commands", ErrInvalidPayload)
	}
	return steps, nil
}
