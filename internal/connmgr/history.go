package connmgr

import (
	"bytes"
	"sync"
)

// DefaultHistoryLines bounds a connection's output history when no size is
// configured.
const DefaultHistoryLines = 1000

// History is an in-memory, line-bounded copy of the output received on one
// connection, used to repaint a terminal when a viewer reattaches. It is never
// persisted.
type History struct {
	mu   sync.Mutex
	data []byte
	// end counts every byte ever written, so offsets survive trimming.
	end      int64
	maxLines int
	changed  chan struct{}
}

// NewHistory creates a history keeping at most maxLines lines.
// If maxLines <= 0, DefaultHistoryLines is used.
func NewHistory(maxLines int) *History {
	if maxLines <= 0 {
		maxLines = DefaultHistoryLines
	}
	return &History{
		maxLines: maxLines,
		changed:  make(chan struct{}),
	}
}

// Write appends p and drops whole lines from the front beyond the limit.
func (h *History) Write(p []byte) {
	h.mu.Lock()
	h.data = append(h.data, p...)
	h.end += int64(len(p))
	h.trim()
	close(h.changed)
	h.changed = make(chan struct{})
	h.mu.Unlock()
}

// trim keeps the last maxLines lines; a trailing partial line counts as one.
func (h *History) trim() {
	lines := bytes.Count(h.data, []byte{'\n'})
	if len(h.data) > 0 && h.data[len(h.data)-1] != '\n' {
		lines++
	}
	for lines > h.maxLines {
		i := bytes.IndexByte(h.data, '\n')
		if i < 0 {
			return
		}
		h.data = h.data[i+1:]
		lines--
	}
	if cap(h.data) > 4*len(h.data)+4096 {
		h.data = append([]byte(nil), h.data...)
	}
}

// ReadFrom returns the output written after offset off, the offset to read
// from next and a channel closed by the next Write. Output already trimmed
// away is skipped, so ReadFrom(0) returns everything retained.
func (h *History) ReadFrom(off int64) ([]byte, int64, <-chan struct{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	start := h.end - int64(len(h.data))
	if off < start {
		off = start
	}
	if off > h.end {
		off = h.end
	}
	return append([]byte(nil), h.data[off-start:]...), h.end, h.changed
}
