package buffer

import (
	"bytes"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func filled(n int, b byte) []byte {
	return bytes.Repeat([]byte{b}, n)
}

func TestRolling_SnapshotUnderCap(t *testing.T) {
	b := NewRolling(1000)
	b.Append([]byte("abc"))
	b.Append([]byte("defg"))
	b.Append([]byte("hi"))

	assert.Equal(t, []byte("abcdefghi"), b.Snapshot())
	// non-consuming: a second snapshot sees the same bytes
	assert.Equal(t, []byte("abcdefghi"), b.Snapshot())
	assert.Equal(t, 3, b.Chunks())
	assert.Equal(t, 9, b.Len())
}

func TestRolling_EvictsOldestWholeChunk(t *testing.T) {
	b := NewRolling(1000)
	first := filled(600, 'a')
	second := filled(600, 'b')

	b.Append(first)
	b.Append(second)

	assert.Equal(t, 1, b.Chunks())
	assert.Equal(t, second, b.Snapshot())
}

func TestRolling_KeepsOversizedNewestChunk(t *testing.T) {
	b := NewRolling(100)
	b.Append(filled(50, 'a'))
	b.Append(filled(250, 'b'))

	assert.Equal(t, 250, b.Len())
	assert.Equal(t, filled(250, 'b'), b.Snapshot())
}

func TestRolling_SizeBound(t *testing.T) {
	const capBytes = 4096
	rng := rand.New(rand.NewSource(7))
	b := NewRolling(capBytes)

	for i := 0; i < 2000; i++ {
		n := 1 + rng.Intn(2048)
		b.Append(filled(n, byte(i)))
		assert.LessOrEqual(t, b.Len(), capBytes+n, "append %d", i)
		if b.Chunks() > 1 {
			assert.LessOrEqual(t, b.Len(), capBytes, "append %d", i)
		}
	}
}

func TestRolling_SnapshotIsACopy(t *testing.T) {
	b := NewRolling(100)
	b.Append([]byte("abc"))
	snap := b.Snapshot()
	snap[0] = 'z'
	assert.Equal(t, []byte("abc"), b.Snapshot())
}

func TestRolling_Reset(t *testing.T) {
	b := NewRolling(100)
	b.Append([]byte("abc"))
	b.Append(nil)
	b.Reset()
	assert.Zero(t, b.Len())
	assert.Empty(t, b.Snapshot())
}

func TestConsuming_NotEnoughBytes(t *testing.T) {
	b := NewConsuming()
	b.Append([]byte("abc"))

	out, ok := b.Consume(4)
	assert.False(t, ok)
	assert.Nil(t, out)
	assert.Equal(t, 3, b.Len())
}

func TestConsuming_ExactAcrossChunks(t *testing.T) {
	b := NewConsuming()
	b.Append([]byte("abc"))
	b.Append([]byte("defg"))
	b.Append([]byte("hij"))

	out, ok := b.Consume(5)
	require.True(t, ok)
	assert.Equal(t, []byte("abcde"), out)

	out, ok = b.Consume(2)
	require.True(t, ok)
	assert.Equal(t, []byte("fg"), out)

	out, ok = b.Consume(3)
	require.True(t, ok)
	assert.Equal(t, []byte("hij"), out)
	assert.Zero(t, b.Len())

	out, ok = b.Consume(0)
	assert.True(t, ok)
	assert.Empty(t, out)
}

func TestConsuming_ReconstructsStream(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	var want, got bytes.Buffer
	b := NewConsuming()

	for i := 0; i < 500; i++ {
		chunk := make([]byte, 1+rng.Intn(700))
		rng.Read(chunk)
		want.Write(chunk)
		b.Append(chunk)

		for {
			n := 1 + rng.Intn(900)
			out, ok := b.Consume(n)
			if !ok {
				break
			}
			require.Len(t, out, n)
			got.Write(out)
		}
	}
	rest, ok := b.Consume(b.Len())
	require.True(t, ok)
	got.Write(rest)

	assert.Equal(t, want.Bytes(), got.Bytes())
}

func TestConsuming_ConcurrentAppendAndConsume(t *testing.T) {
	b := NewConsuming()
	const chunks = 200
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < chunks; i++ {
			b.Append([]byte{byte(i), byte(i)})
		}
	}()

	var got []byte
	for len(got) < chunks*2 {
		if out, ok := b.Consume(2); ok {
			got = append(got, out...)
		}
	}
	wg.Wait()

	for i := 0; i < chunks; i++ {
		assert.Equal(t, byte(i), got[2*i])
		assert.Equal(t, byte(i), got[2*i+1])
	}
}

func TestConsuming_BoundedDropsOldestChunks(t *testing.T) {
	b := NewBoundedConsuming(8)
	b.Append([]byte("abcd"))
	b.Append([]byte("efgh"))

	out, ok := b.Consume(1)
	require.True(t, ok)
	assert.Equal(t, []byte("a"), out)

	// "bcd" is the partly read front chunk and goes first
	b.Append([]byte("ijkl"))
	assert.Equal(t, 8, b.Len())
	assert.EqualValues(t, 3, b.Dropped())

	for i := 0; i < 100; i++ {
		b.Append([]byte("mnop"))
		assert.LessOrEqual(t, b.Len(), 8)
	}

	out, ok = b.Consume(8)
	require.True(t, ok)
	assert.Equal(t, []byte("mnopmnop"), out)
}

func TestConsuming_BoundedKeepsOversizedNewestChunk(t *testing.T) {
	b := NewBoundedConsuming(4)
	b.Append([]byte("ab"))
	b.Append([]byte("cdefgh"))
	assert.Equal(t, 6, b.Len())

	out, ok := b.Consume(6)
	require.True(t, ok)
	assert.Equal(t, []byte("cdefgh"), out)
}
