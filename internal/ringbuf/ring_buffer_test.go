package ringbuf

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestRingBuffer_AddGet(t *testing.T) {
	rb := New(8, "test")

	require.True(t, rb.AddData([]byte{1, 2, 3, 4, 5}))
	assert.Equal(t, 5, rb.DataSize())
	assert.Equal(t, 3, rb.FreeSpace())

	assert.False(t, rb.AddData([]byte{6, 7, 8, 9}), "should refuse data that does not fit")
	assert.Equal(t, uint64(1), rb.Overflows())

	out := make([]byte, 3)
	require.True(t, rb.GetData(out))
	assert.Equal(t, []byte{1, 2, 3}, out)

	// Wraps around the end of the backing array
	require.True(t, rb.AddData([]byte{6, 7, 8, 9, 10}))
	out = make([]byte, 7)
	require.True(t, rb.GetData(out))
	assert.Equal(t, []byte{4, 5, 6, 7, 8, 9, 10}, out)
	assert.False(t, rb.HasData())
}

func TestRingBuffer_GetDataInsufficient(t *testing.T) {
	rb := New(8, "test")
	rb.AddData([]byte{1, 2})

	out := make([]byte, 3)
	assert.False(t, rb.GetData(out))
	assert.Equal(t, 2, rb.DataSize(), "failed read must not consume")
}

func TestRingBuffer_Peek(t *testing.T) {
	rb := New(4, "test")
	rb.AddData([]byte{9, 8})

	out := make([]byte, 2)
	require.True(t, rb.Peek(out))
	assert.Equal(t, []byte{9, 8}, out)
	assert.Equal(t, 2, rb.DataSize())
}

func TestRingBuffer_Records(t *testing.T) {
	rb := New(32, "records")

	require.True(t, rb.AddLength([]byte("abc")))
	require.True(t, rb.AddLength(nil))
	require.True(t, rb.AddLength([]byte("defgh")))

	buf := make([]byte, 16)
	n, ok := rb.GetLength(buf)
	require.True(t, ok)
	assert.Equal(t, "abc", string(buf[:n]))

	n, ok = rb.GetLength(buf)
	require.True(t, ok)
	assert.Zero(t, n)

	small := make([]byte, 2)
	_, ok = rb.GetLength(small)
	assert.False(t, ok, "record larger than the destination stays queued")

	n, ok = rb.GetLength(buf)
	require.True(t, ok)
	assert.Equal(t, "defgh", string(buf[:n]))

	_, ok = rb.GetLength(buf)
	assert.False(t, ok)
}

func TestRingBuffer_RecordAllOrNothing(t *testing.T) {
	rb := New(6, "records")

	require.True(t, rb.AddLength([]byte{1, 2}))
	assert.False(t, rb.AddLength([]byte{3}), "prefix would fit but the record would not")
	assert.Equal(t, 4, rb.DataSize())
}

func TestRingBuffer_Clear(t *testing.T) {
	rb := New(4, "test")
	rb.AddData([]byte{1, 2, 3})
	rb.Clear()

	assert.Zero(t, rb.DataSize())
	assert.Equal(t, 4, rb.FreeSpace())
}

func TestRingBuffer_FIFO_Property(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		capacity := rapid.IntRange(1, 64).Draw(t, "capacity")
		rb := New(capacity, "prop")
		var model []byte

		steps := rapid.IntRange(1, 50).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			if rapid.Bool().Draw(t, "write") {
				data := rapid.SliceOfN(rapid.Byte(), 0, capacity).Draw(t, "data")
				ok := rb.AddData(data)
				if ok != (len(model)+len(data) <= capacity) {
					t.Fatalf("AddData(%d bytes) = %v with %d/%d used", len(data), ok, len(model), capacity)
				}
				if ok {
					model = append(model, data...)
				}
			} else {
				n := rapid.IntRange(0, capacity).Draw(t, "n")
				out := make([]byte, n)
				ok := rb.GetData(out)
				if ok != (n <= len(model)) {
					t.Fatalf("GetData(%d) = %v with %d buffered", n, ok, len(model))
				}
				if ok {
					if !bytes.Equal(out, model[:n]) {
						t.Fatalf("GetData = %v, want %v", out, model[:n])
					}
					model = model[n:]
				}
			}
		}
	})
}
