package transport

import "strings"

// DefaultMaxLineLen caps a buffered line. Firmware lines are far shorter.
const DefaultMaxLineLen = 512

// LineFramer splits a byte stream into trimmed, non-empty lines. Partial
// reads are buffered until '\n'; '\r' is ignored. A line longer than the cap
// is discarded up to its terminator.
type LineFramer struct {
	buf        []byte
	max        int
	discarding bool
}

func NewLineFramer(max int) *LineFramer {
	if max <= 0 {
		max = DefaultMaxLineLen
	}
	return &LineFramer{buf: make([]byte, 0, 128), max: max}
}

// Push consumes p and returns the completed lines plus the number of
// overlong lines dropped while doing so.
func (f *LineFramer) Push(p []byte) (lines []string, dropped int) {
	for _, b := range p {
		switch b {
		case '\n':
			if f.discarding {
				f.discarding = false
				continue
			}
			line := strings.TrimSpace(string(f.buf))
			f.buf = f.buf[:0]
			if line != "" {
				lines = append(lines, line)
			}
		case '\r':
		default:
			if f.discarding {
				continue
			}
			if len(f.buf) >= f.max {
				f.discarding = true
				f.buf = f.buf[:0]
				dropped++
				continue
			}
			f.buf = append(f.buf, b)
		}
	}
	return lines, dropped
}

// Pending returns the number of buffered bytes without a terminator yet.
func (f *LineFramer) Pending() int { return len(f.buf) }
