package jt808

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestByteQueue_FIFOOrder(t *testing.T) {
	t.Parallel()

	q := newByteQueue(3)
	q.Push([]byte("a"))
	q.Push([]byte("b"))

	v, ok := q.Pop()
	require.True(t, ok)
	require.Equal(t, "a", string(v))
	require.Equal(t, 1, q.Len())
}

func TestByteQueue_DropsOldestOnOverflow(t *testing.T) {
	t.Parallel()

	q := newByteQueue(2)
	q.Push([]byte("a"))
	q.Push([]byte("b"))
	q.Push([]byte("c")) // "a" is dropped

	v1, ok := q.Pop()
	require.True(t, ok)
	require.Equal(t, "b", string(v1))

	v2, ok := q.Pop()
	require.True(t, ok)
	require.Equal(t, "c", string(v2))

	_, ok = q.Pop()
	require.False(t, ok)
}

func TestByteQueue_PopEmpty(t *testing.T) {
	t.Parallel()

	q := newByteQueue(1)
	_, ok := q.Pop()
	require.False(t, ok)
}
