package terminal

import "unicode/utf8"

// DefaultScrollbackBytes is the per-session history retained for late joiners.
const DefaultScrollbackBytes = 64 * 1024

// Scrollback is a fixed-size circular buffer of raw terminal output. New
// writes overwrite the oldest bytes once the buffer is full. Escape sequences
// are kept as-is so a replay renders like the original stream.
//
// Scrollback is not safe for concurrent use; Session serializes access.
type Scrollback struct {
	data     []byte
	capacity int
	// writePosition is the next index to write within data.
	writePosition int
	// totalWritten counts every byte ever written.
	totalWritten uint64
}

// NewScrollback creates a buffer holding at most capacity bytes.
func NewScrollback(capacity int) *Scrollback {
	if capacity <= 0 {
		capacity = DefaultScrollbackBytes
	}
	return &Scrollback{data: make([]byte, capacity), capacity: capacity}
}

// Write appends p, evicting the oldest bytes when needed.
func (s *Scrollback) Write(p []byte) {
	// Only the tail of an oversized write can survive.
	if len(p) > s.capacity {
		s.totalWritten += uint64(len(p) - s.capacity)
		p = p[len(p)-s.capacity:]
	}
	for offset := 0; offset < len(p); {
		available := s.capacity - s.writePosition
		n := len(p) - offset
		if n > available {
			n = available
		}
		copy(s.data[s.writePosition:s.writePosition+n], p[offset:offset+n])
		s.writePosition = (s.writePosition + n) % s.capacity
		offset += n
	}
	s.totalWritten += uint64(len(p))
}

// Len reports how many bytes are currently retained.
func (s *Scrollback) Len() int {
	if s.totalWritten > uint64(s.capacity) {
		return s.capacity
	}
	return int(s.totalWritten)
}

// Offset is the total number of bytes ever written.
func (s *Scrollback) Offset() uint64 {
	return s.totalWritten
}

// Snapshot copies the retained bytes in write order. When eviction cut a
// multi-byte rune in half the orphaned continuation bytes are skipped.
func (s *Scrollback) Snapshot() []byte {
	stored := s.Len()
	if stored == 0 {
		return nil
	}
	out := make([]byte, stored)
	start := (s.writePosition - stored + s.capacity) % s.capacity
	n := copy(out, s.data[start:min(start+stored, s.capacity)])
	copy(out[n:], s.data[:stored-n])

	if s.totalWritten > uint64(s.capacity) {
		skip := 0
		for skip < len(out) && skip < utf8.UTFMax-1 && !utf8.RuneStart(out[skip]) {
			skip++
		}
		out = out[skip:]
	}
	return out
}

// splitIncompleteUTF8 separates a trailing partial rune from p so it can be
// completed by the next chunk.
func splitIncompleteUTF8(p []byte) (complete, tail []byte) {
	for i := len(p) - 1; i >= 0 && i >= len(p)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(p[i]) {
			continue
		}
		if !utf8.FullRune(p[i:]) {
			return p[:i], p[i:]
		}
		break
	}
	return p, nil
}
