package source

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySource_ReadAt(t *testing.T) {
	s := NewMemorySource([]byte("hello world"))
	require.EqualValues(t, 11, s.Len())

	buf := make([]byte, 5)
	n, err := s.ReadAt(buf, 6)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "world", string(buf[:n]))
}

func TestMemorySource_ShortReadPastEnd(t *testing.T) {
	s := NewMemorySource([]byte("abc"))
	buf := make([]byte, 10)
	n, err := s.ReadAt(buf, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "bc", string(buf[:n]))
}

func TestMemorySource_ReadFullyPastEnd(t *testing.T) {
	s := NewMemorySource([]byte("abc"))
	buf := make([]byte, 4)
	n, err := s.ReadAt(buf, 5)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSub_ComposesByOffsetAddition(t *testing.T) {
	s := NewMemorySource([]byte("0123456789"))
	sub := s.Sub(2, 6) // "234567"
	subSub := sub.Sub(1, 3)

	buf := make([]byte, 3)
	n, err := subSub.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "345", string(buf[:n]))

	// Equivalent to parent.Sub(base+a, b).
	equiv := s.Sub(3, 3)
	equivBuf := make([]byte, 3)
	n, err = equiv.ReadAt(equivBuf, 0)
	require.NoError(t, err)
	assert.Equal(t, string(buf[:n]), string(equivBuf[:n]))
}

func TestSub_IndependentCursorsDoNotInterfere(t *testing.T) {
	s := NewMemorySource([]byte("0123456789"))
	a := s.Sub(0, 5)
	b := s.Sub(5, 5)

	bufA := make([]byte, 5)
	bufB := make([]byte, 5)

	na, errA := a.ReadAt(bufA, 0)
	nb, errB := b.ReadAt(bufB, 0)
	require.NoError(t, errA)
	require.NoError(t, errB)

	assert.Equal(t, "01234", string(bufA[:na]))
	assert.Equal(t, "56789", string(bufB[:nb]))
}

func TestSub_LengthClampedToParent(t *testing.T) {
	s := NewMemorySource([]byte("01234"))
	sub := s.Sub(3, 100)
	assert.EqualValues(t, 2, sub.Len())
}
