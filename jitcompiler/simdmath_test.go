package jitcompiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vavrusa/wavm/memir"
)

// vec builds a 16-byte vector whose lane-width-8 lanes are consecutive
// bytes starting at start, so DeinterleaveLoad/InterleaveStore output can
// be checked by simple arithmetic on lane values.
func vec(start byte) []byte {
	out := make([]byte, memir.VectorWidth)
	for i := range out {
		out[i] = start + byte(i)
	}
	return out
}

func TestDeinterleaveLoadK2Lanes8(t *testing.T) {
	inputs := [][]byte{vec(0), vec(100)}
	outputs := DeinterleaveLoad(inputs, 2, memir.Lanes8)
	require.Len(t, outputs, 2)

	// linear = j*2+k, srcVec = linear/16, srcLane = linear%16.
	// out[0] lane0: linear=0 -> vec0 lane0 = 0.
	// out[0] lane1: linear=2 -> vec0 lane2 = 2.
	assert.Equal(t, byte(0), outputs[0][0])
	assert.Equal(t, byte(2), outputs[0][1])
	// out[1] lane0: linear=1 -> vec0 lane1 = 1.
	assert.Equal(t, byte(1), outputs[1][0])
}

func TestInterleaveStoreIsInverseOfDeinterleaveLoad(t *testing.T) {
	for _, k := range []int{2, 3, 4} {
		for _, lane := range []memir.LaneWidth{memir.Lanes8, memir.Lanes16, memir.Lanes32, memir.Lanes64} {
			inputs := make([][]byte, k)
			for v := 0; v < k; v++ {
				inputs[v] = vec(byte(v * 17))
			}
			deinterleaved := DeinterleaveLoad(inputs, k, lane)
			reinterleaved := InterleaveStore(deinterleaved, k, lane)
			for v := 0; v < k; v++ {
				assert.Equal(t, inputs[v], reinterleaved[v], "k=%d lane=%d vec=%d", k, lane, v)
			}
		}
	}
}
