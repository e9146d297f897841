package runtime

import (
	"bufio"
	"io"
	"strings"
	"sync"
)

// maxBufferedLines bounds each output buffer. Old lines are dropped once
// the bound is reached; completion detection only ever needs the recent
// window of one exchange.
const maxBufferedLines = 10000

// maxLineBytes bounds a single drained line (agents can emit very long
// JSON result objects).
const maxLineBytes = 10 * 1024 * 1024

func newLineScanner(r io.Reader) *bufio.Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	return s
}

// lineBuffer is a bounded, thread-safe line queue drained by a reader
// goroutine and consumed by the exchange wait loop.
//
// Indices are absolute: dropped lines keep their positions so a caller
// holding a pre-exchange offset still reads only post-exchange output.
type lineBuffer struct {
	mu       sync.Mutex
	lines    []string
	dropped  int // count of lines discarded from the front
	finished bool
}

func newLineBuffer() *lineBuffer {
	return &lineBuffer{lines: make([]string, 0, 64)}
}

func (b *lineBuffer) append(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.lines) >= maxBufferedLines {
		n := len(b.lines) / 2
		b.lines = append(b.lines[:0], b.lines[n:]...)
		b.dropped += n
	}
	b.lines = append(b.lines, line)
}

// len returns the absolute count of lines ever appended.
func (b *lineBuffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped + len(b.lines)
}

// linesFrom returns a copy of the lines at absolute index from onward.
func (b *lineBuffer) linesFrom(from int) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx := from - b.dropped
	if idx < 0 {
		idx = 0
	}
	if idx >= len(b.lines) {
		return nil
	}
	out := make([]string, len(b.lines)-idx)
	copy(out, b.lines[idx:])
	return out
}

// joinFrom returns the lines at absolute index from onward as one string.
func (b *lineBuffer) joinFrom(from int) string {
	return strings.Join(b.linesFrom(from), "\n")
}

// tail returns up to n of the most recent lines as one string.
func (b *lineBuffer) tail(n int) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	start := len(b.lines) - n
	if start < 0 {
		start = 0
	}
	return strings.Join(b.lines[start:], "\n")
}

// markDone records that the reader goroutine has exited.
func (b *lineBuffer) markDone() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.finished = true
}

// done reports whether the reader goroutine has exited.
func (b *lineBuffer) done() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.finished
}

// maxBufferedBytes bounds the remote channel's raw text buffer.
const maxBufferedBytes = 4 * 1024 * 1024

// byteBuffer is the raw-text counterpart of lineBuffer for channels that
// stream unstructured output. Offsets are absolute, surviving trims.
type byteBuffer struct {
	mu       sync.Mutex
	data     []byte
	start    int // absolute offset of data[0]
	finished bool
}

func newByteBuffer() *byteBuffer {
	return &byteBuffer{data: make([]byte, 0, 4096)}
}

func (b *byteBuffer) write(p []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = append(b.data, p...)
	if len(b.data) > maxBufferedBytes {
		drop := len(b.data) / 2
		b.data = append(b.data[:0], b.data[drop:]...)
		b.start += drop
	}
}

// total returns the absolute count of bytes ever written.
func (b *byteBuffer) total() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.start + len(b.data)
}

// stringFrom returns everything written at or after the absolute offset.
func (b *byteBuffer) stringFrom(offset int) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	rel := offset - b.start
	if rel < 0 {
		rel = 0
	}
	if rel >= len(b.data) {
		return ""
	}
	return string(b.data[rel:])
}

func (b *byteBuffer) markDone() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.finished = true
}

func (b *byteBuffer) isDone() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.finished
}
