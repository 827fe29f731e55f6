package buffer

import "sync"

// Consuming accumulates stream chunks and serves exact-length reads from
// the front. A read either returns the full requested length or nothing.
// A bounded buffer drops its oldest whole chunks once it holds more than
// its cap, so a read longer than the cap may never succeed.
type Consuming struct {
	mu      sync.Mutex
	chunks  [][]byte
	head    int // read offset into chunks[0]
	size    int
	cap     int // 0 for unbounded
	dropped int64
}

// NewConsuming creates an empty, unbounded consuming buffer.
func NewConsuming() *Consuming {
	return &Consuming{}
}

// NewBoundedConsuming creates a consuming buffer holding roughly capBytes.
// Like Rolling, the newest chunk is always kept.
func NewBoundedConsuming(capBytes int) *Consuming {
	return &Consuming{cap: capBytes}
}

// Append adds a chunk to the tail. The chunk is retained, callers must not
// modify it afterwards.
func (b *Consuming) Append(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chunks = append(b.chunks, chunk)
	b.size += len(chunk)

	if b.cap <= 0 {
		return
	}
	drop := 0
	for b.size > b.cap && drop < len(b.chunks)-1 {
		n := len(b.chunks[drop])
		if drop == 0 {
			n -= b.head
			b.head = 0
		}
		b.size -= n
		b.dropped += int64(n)
		b.chunks[drop] = nil
		drop++
	}
	if drop > 0 {
		b.chunks = b.chunks[drop:]
	}
}

// Consume removes and returns exactly n bytes. It returns false and leaves
// the buffer untouched when fewer than n bytes are available.
func (b *Consuming) Consume(n int) ([]byte, bool) {
	if n < 0 {
		return nil, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if n > b.size {
		return nil, false
	}

	out := make([]byte, 0, n)
	for len(out) < n {
		c := b.chunks[0][b.head:]
		take := n - len(out)
		if take >= len(c) {
			out = append(out, c...)
			b.chunks[0] = nil
			b.chunks = b.chunks[1:]
			b.head = 0
			continue
		}
		out = append(out, c[:take]...)
		b.head += take
	}
	b.size -= n
	return out, true
}

// Len returns the number of bytes available to Consume.
func (b *Consuming) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Dropped returns the number of bytes evicted by the cap so far.
func (b *Consuming) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Reset drops all buffered bytes.
func (b *Consuming) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chunks = nil
	b.head = 0
	b.size = 0
}
