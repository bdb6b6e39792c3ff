package compartment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMemoryGrowWithinMax(t *testing.T) {
	c := New(zap.NewNop())
	m := c.AddMemory(4)

	prev, ok := m.Grow(2)
	require.True(t, ok)
	assert.Equal(t, uint32(0), prev)
	assert.Equal(t, uint32(2), m.Size())
	assert.Len(t, m.Bytes(), int(2*PageSize))
}

func TestMemoryGrowPastMaxFails(t *testing.T) {
	c := New(zap.NewNop())
	m := c.AddMemory(1)

	_, ok := m.Grow(2)
	assert.False(t, ok)
	assert.Equal(t, uint32(0), m.Size())
}

func TestMemoryGrowPreservesContents(t *testing.T) {
	c := New(zap.NewNop())
	m := c.AddMemory(4)
	_, ok := m.Grow(1)
	require.True(t, ok)
	copy(m.Bytes(), []byte("payload"))

	_, ok = m.Grow(1)
	require.True(t, ok)
	assert.Equal(t, []byte("payload"), m.Bytes()[:7])
}

func TestMemoryBasePointerTracksGrowth(t *testing.T) {
	c := New(zap.NewNop())
	m := c.AddMemory(4)
	assert.Equal(t, uintptr(0), m.BasePointer())

	_, ok := m.Grow(1)
	require.True(t, ok)
	assert.NotEqual(t, uintptr(0), m.BasePointer())
}
