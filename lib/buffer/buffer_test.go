package buffer

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAndConsume(t *testing.T) {
	b := New(8)

	n, err := b.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, []byte("hello"), b.Bytes())

	assert.Equal(t, 2, b.Consume(2))
	assert.Equal(t, []byte("llo"), b.Bytes())

	// consuming more than available is clamped and resets the cursors
	assert.Equal(t, 3, b.Consume(10))
	assert.Equal(t, 0, b.Len())
	assert.Equal(t, 8, b.Free())
}

func TestExtendReclaimsBeforeGrowing(t *testing.T) {
	b := New(8)
	_, _ = b.Write([]byte("abcdefgh"))
	b.Consume(6)

	// six consumed bytes are enough for four more, no reallocation
	b.Extend(4)
	assert.Equal(t, 8, b.Cap())
	assert.Equal(t, []byte("gh"), b.Bytes())
	assert.GreaterOrEqual(t, b.Free(), 4)

	b.Extend(100)
	assert.GreaterOrEqual(t, b.Free(), 100)
	assert.Equal(t, []byte("gh"), b.Bytes())
}

func TestTailCommit(t *testing.T) {
	b := New(0)
	b.Extend(16)

	n := copy(b.Tail(), "framebytes")
	b.Commit(n)
	assert.Equal(t, []byte("framebytes"), b.Bytes())

	// commit cannot run past the backing slice
	b.Commit(b.Free() + 100)
	assert.Equal(t, b.Cap(), b.Len())
}

func TestRead(t *testing.T) {
	b := New(4)
	_, _ = b.Write([]byte("payload"))

	p := make([]byte, 3)
	n, err := b.Read(p)
	require.NoError(t, err)
	assert.Equal(t, "pay", string(p[:n]))

	rest, err := io.ReadAll(b)
	require.NoError(t, err)
	assert.Equal(t, "load", string(rest))

	_, err = b.Read(p)
	assert.ErrorIs(t, err, io.EOF)
}

func TestManySmallWritesKeepOrder(t *testing.T) {
	b := New(2)
	var want bytes.Buffer
	for i := 0; i < 1000; i++ {
		chunk := []byte{byte(i), byte(i >> 8)}
		_, _ = b.Write(chunk)
		want.Write(chunk)
		if i%7 == 0 {
			b.Consume(3)
			want.Next(3)
		}
	}
	assert.Equal(t, want.Bytes(), b.Bytes())
}
