package jitcompiler

import "github.com/vavrusa/wavm/memir"

// DeinterleaveLoad implements the reference semantics for spec §4.E's
// load-interleaved-K operation. inputs holds K contiguous vectors as read
// from memory (inputs[v] is vector v, a 16-byte slice); it returns the K
// deinterleaved output vectors in push order (out[0] is pushed first).
//
// For each output vector out_k and lane j, the value is the lane at
// position ((j*K+k) mod lanes) of input vector ((j*K+k) / lanes).
func DeinterleaveLoad(inputs [][]byte, k int, lane memir.LaneWidth) [][]byte {
	laneBytes := int(lane) / 8
	lanes := memir.VectorWidth / laneBytes
	outputs := make([][]byte, k)
	for outIdx := 0; outIdx < k; outIdx++ {
		out := make([]byte, memir.VectorWidth)
		for j := 0; j < lanes; j++ {
			linear := j*k + outIdx
			srcVec := linear / lanes
			srcLane := linear % lanes
			copy(out[j*laneBytes:(j+1)*laneBytes], inputs[srcVec][srcLane*laneBytes:(srcLane+1)*laneBytes])
		}
		outputs[outIdx] = out
	}
	return outputs
}

// InterleaveStore implements the reference semantics for spec §4.E's
// store-interleaved-K operation. inputs[k] is the vector with the same
// k-index a matching load-interleaved-K would have produced as its k-th
// pushed result, NOT raw pop order. Because the operand stack is LIFO,
// a caller that pops K values off the stack gets them with k reversed
// (the last-pushed, i.e. out_{K-1}, comes off first) and MUST reindex
// before calling this function; see amd64.go/arm64.go's
// EmitStoreInterleaved for where that reindexing happens. It returns
// the K output vectors in the order they are stored to memory
// (outputs[0] is stored first, at the lowest address).
//
// For each output vector o and lane j, the value is lane (o*lanes+j)/K
// of input vector (o*lanes+j) mod K.
func InterleaveStore(inputs [][]byte, k int, lane memir.LaneWidth) [][]byte {
	laneBytes := int(lane) / 8
	lanes := memir.VectorWidth / laneBytes
	outputs := make([][]byte, k)
	for o := 0; o < k; o++ {
		out := make([]byte, memir.VectorWidth)
		for j := 0; j < lanes; j++ {
			linear := o*lanes + j
			srcVec := linear % k
			srcLane := linear / k
			copy(out[j*laneBytes:(j+1)*laneBytes], inputs[srcVec][srcLane*laneBytes:(srcLane+1)*laneBytes])
		}
		outputs[o] = out
	}
	return outputs
}
