package jitcompiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSandboxZeroExtendsNeverSignExtends(t *testing.T) {
	// addr32's top bit is set; a sign-extending implementation would
	// produce a huge 64-bit value (0xffffffff80000000 + offset), while
	// zero-extension keeps it in the low 32 bits.
	got := Sandbox(0x80000000, 4)
	assert.Equal(t, uint64(0x80000004), got)
}

func TestChooseCopyDirectionReverseWhenSrcBeforeDst(t *testing.T) {
	assert.Equal(t, copyReverse, ChooseCopyDirection(10, 20))
}

func TestChooseCopyDirectionForwardWhenDstBeforeOrEqualSrc(t *testing.T) {
	assert.Equal(t, copyForward, ChooseCopyDirection(20, 10))
	assert.Equal(t, copyForward, ChooseCopyDirection(10, 10))
}

func TestMemoryCopyOverlappingForward(t *testing.T) {
	buf := []byte("ABCDEFGH")
	MemoryCopy(buf, 0, 2, 4) // dst=0 < src=2: forward copy is safe
	require.Equal(t, "CDEFEFGH", string(buf))
}

func TestMemoryCopyOverlappingReverse(t *testing.T) {
	buf := []byte("ABCDEFGH")
	MemoryCopy(buf, 2, 0, 4) // dst=2 > src=0: must copy backward
	require.Equal(t, "ABABCDGH", string(buf))
}

func TestMemoryCopyZeroLengthIsNoop(t *testing.T) {
	buf := []byte("ABCD")
	MemoryCopy(buf, 0, 2, 0)
	assert.Equal(t, "ABCD", string(buf))
}

func TestMemoryCopySameAddressIsNoop(t *testing.T) {
	buf := []byte("ABCD")
	MemoryCopy(buf, 1, 1, 3)
	assert.Equal(t, "ABCD", string(buf))
}

func TestMemoryFill(t *testing.T) {
	buf := []byte("AAAAAAAA")
	MemoryFill(buf, 2, 'x', 3)
	assert.Equal(t, "AAxxxAAA", string(buf))
}
