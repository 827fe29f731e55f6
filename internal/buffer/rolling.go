// Package buffer holds the byte accumulators fed by a stream download:
// a capped, non-consuming Rolling buffer for snapshots and a Consuming
// buffer that hands out exact-length reads.
package buffer

import "sync"

// Rolling keeps the most recent chunks of a stream under a byte cap.
// Eviction works on whole chunks: after every Append the oldest chunks are
// dropped while the total exceeds the cap. The newest chunk is never
// dropped, so Len never exceeds cap + one chunk.
type Rolling struct {
	mu     sync.Mutex
	chunks [][]byte
	size   int
	cap    int
}

// NewRolling creates a rolling buffer holding roughly capBytes bytes.
func NewRolling(capBytes int) *Rolling {
	return &Rolling{cap: capBytes}
}

// Append adds a chunk and evicts the oldest chunks until the buffer is back
// under its cap. The chunk is retained, callers must not modify it afterwards.
func (b *Rolling) Append(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.chunks = append(b.chunks, chunk)
	b.size += len(chunk)

	drop := 0
	for b.size > b.cap && drop < len(b.chunks)-1 {
		b.size -= len(b.chunks[drop])
		b.chunks[drop] = nil
		drop++
	}
	if drop > 0 {
		b.chunks = b.chunks[drop:]
	}
}

// Snapshot returns a copy of the current contents without removing them.
func (b *Rolling) Snapshot() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]byte, 0, b.size)
	for _, c := range b.chunks {
		out = append(out, c...)
	}
	return out
}

// Len returns the number of buffered bytes.
func (b *Rolling) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Chunks returns the number of buffered chunks.
func (b *Rolling) Chunks() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.chunks)
}

// Cap returns the configured byte cap.
func (b *Rolling) Cap() int {
	return b.cap
}

// Reset drops all buffered chunks.
func (b *Rolling) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chunks = nil
	b.size = 0
}
