// Package ring implements the fixed-capacity, chronologically ordered log
// buffer kept for every supervised child process.
package ring

import (
	"strings"
	"sync"
)

// Capacity is the number of lines retained per child. LineMax is the maximum
// length of a single stored line; longer lines are truncated.
const (
	Capacity = 1024
	LineMax  = 1024
)

// Buffer is a thread-safe circular buffer of output lines with O(1) append
// and O(N) snapshot, adapted from the teacher's single-purpose log buffer.
type Buffer struct {
	mu      sync.RWMutex
	entries [Capacity]string
	head    int // next write position
	size    int // number of valid entries
	full    bool
}

// New returns an empty buffer.
func New() *Buffer {
	return &Buffer{}
}

// Append records a line, overwriting the oldest entry once the buffer is
// full. Lines longer than LineMax are truncated, never rejected.
func (b *Buffer) Append(line string) {
	if len(line) > LineMax {
		line = line[:LineMax]
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries[b.head] = line
	b.head = (b.head + 1) % Capacity

	if b.full {
		return
	}
	b.size++
	if b.size == Capacity {
		b.full = true
	}
}

// Snapshot returns the lines currently held, oldest first.
//
// If fromHint is empty, the full retained history is returned. Otherwise
// fromHint is treated as the last line a reader has already seen (or a
// prefix thereof still being streamed): the buffer is scanned oldest to
// newest for a stored line that is itself a prefix of fromHint, and the
// lines strictly after that match are returned. If no stored line is a
// prefix of fromHint, the full history is returned — this can duplicate
// lines the caller already has, which is expected: see the resume-on-
// restart testable property for why this isn't treated as a bug to fix.
func (b *Buffer) Snapshot(fromHint string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.size == 0 {
		return nil
	}

	oldest := 0
	if b.full {
		oldest = b.head
	}

	lines := make([]string, b.size)
	for i := 0; i < b.size; i++ {
		lines[i] = b.entries[(oldest+i)%Capacity]
	}

	if fromHint == "" {
		return lines
	}

	for i, l := range lines {
		if l != "" && strings.HasPrefix(fromHint, l) {
			rest := make([]string, len(lines)-i-1)
			copy(rest, lines[i+1:])
			return rest
		}
	}

	return lines
}

// Len reports the number of lines currently retained.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}
