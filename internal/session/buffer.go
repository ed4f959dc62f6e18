package session

import "bytes"

// OutputBuffer accumulates one stream's bytes under a hard size cap.
//
// When an append pushes the length past Cap, the buffer keeps only the most
// recent Retain bytes. OutputBuffer is not safe for concurrent use; the
// multiplexer loop is its only writer.
type OutputBuffer struct {
	buf    []byte
	cap    int
	retain int
}

// NewOutputBuffer creates a buffer that never holds more than capacity bytes
// and truncates to the last retain bytes when that limit is crossed.
func NewOutputBuffer(capacity, retain int) *OutputBuffer {
	if retain > capacity {
		retain = capacity
	}
	return &OutputBuffer{
		cap:    capacity,
		retain: retain,
	}
}

// Append adds a chunk to the buffer, truncating if the cap is exceeded.
func (b *OutputBuffer) Append(chunk []byte) {
	b.buf = append(b.buf, chunk...)
	if len(b.buf) <= b.cap {
		return
	}

	keep := b.retain
	if keep > len(b.buf) {
		keep = len(b.buf)
	}
	// Copy into a fresh slice so the dropped prefix can be collected.
	trimmed := make([]byte, keep, max(keep, b.retain+4096))
	copy(trimmed, b.buf[len(b.buf)-keep:])
	b.buf = trimmed
}

// Len returns the number of bytes currently held.
func (b *OutputBuffer) Len() int {
	return len(b.buf)
}

// Bytes returns a copy of the retained bytes.
func (b *OutputBuffer) Bytes() []byte {
	return bytes.Clone(b.buf)
}

// Tail returns the last n retained bytes without copying.
// The returned slice is only valid until the next Append.
func (b *OutputBuffer) Tail(n int) []byte {
	if n >= len(b.buf) {
		return b.buf
	}
	if n <= 0 {
		return nil
	}
	return b.buf[len(b.buf)-n:]
}

// ContainsSentinel reports whether sentinel occurs anywhere in buf.
// The match is a plain substring search. An empty sentinel never matches.
func ContainsSentinel(buf []byte, sentinel string) bool {
	if sentinel == "" {
		return false
	}
	return bytes.Contains(buf, []byte(sentinel))
}

// sentinelWindow is the number of trailing buffer bytes that can hold a match
// not already seen before the latest chunk was appended.
func sentinelWindow(chunkLen int, sentinel string) int {
	if sentinel == "" {
		return 0
	}
	return chunkLen + len(sentinel) - 1
}
