package sandbox

import "bytes"

// DefaultMaxOutputBytes caps each of stdout and stderr. A whole snapshot
// travels as one JSON line; even fully escaped (six bytes per control
// character) it stays under the client's 4MiB line limit.
const DefaultMaxOutputBytes = 512 << 10

// OutputTruncatedMarker ends a stream that hit its cap.
const OutputTruncatedMarker = "\n[output truncated]\n"

// LimitedBuffer keeps the first Limit bytes written to it and drops the rest.
// Writes always report full success so the producer keeps draining.
// A Limit of zero or less keeps everything.
type LimitedBuffer struct {
	Limit int

	buf       bytes.Buffer
	truncated bool
}

func (b *LimitedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if b.Limit > 0 {
		room := b.Limit - b.buf.Len()
		if room < len(p) {
			b.truncated = b.truncated || n > 0
			p = p[:max(room, 0)]
		}
	}
	b.buf.Write(p)
	return n, nil
}

// Truncated reports whether anything was dropped.
func (b *LimitedBuffer) Truncated() bool {
	return b.truncated
}

// String returns the kept output, followed by the marker when truncated.
func (b *LimitedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + OutputTruncatedMarker
	}
	return b.buf.String()
}
