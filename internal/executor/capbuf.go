package executor

import (
	"bytes"
	"fmt"
)

// cappedBuffer keeps the first max bytes written and counts the rest.
// Writes never fail so a chatty child is never blocked on a full pipe.
type cappedBuffer struct {
	buf     bytes.Buffer
	max     int
	dropped int
}

func newCappedBuffer(max int) *cappedBuffer {
	return &cappedBuffer{max: max}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.max - b.buf.Len()
	if room >= len(p) {
		b.buf.Write(p)
		return len(p), nil
	}
	if room > 0 {
		b.buf.Write(p[:room])
	}
	b.dropped += len(p) - max(room, 0)
	return len(p), nil
}

func (b *cappedBuffer) Truncated() bool {
	return b.dropped > 0
}

func (b *cappedBuffer) String() string {
	if b.dropped == 0 {
		return b.buf.String()
	}
	return b.buf.String() + fmt.Sprintf("\n...[truncated %d bytes]", b.dropped)
}
