package mutate

import (
	"covfuzz/internal/types"
	"math/rand"
)

const (
	// HeadMargin bytes at the start of the buffer are never touched by the
	// positional mutators (file magic).
	HeadMargin = 8
	// TailMargin bytes at the end of the buffer are never touched by the
	// positional mutators (end-of-file marker).
	TailMargin = 6

	flipRatio = 0.01
)

var magicValues = [][]byte{
	{0xFF},
	{0x7F},
	{0x00},
	{0xFF, 0xFF},             // 0xFFFF
	{0x00, 0x00},             // 0x0000
	{0xFF, 0xFF, 0xFF, 0xFF}, // 0xFFFFFFFF
	{0x00, 0x00, 0x00, 0x00}, // 0x00000000
	{0x00, 0x00, 0x00, 0x80}, // 0x80000000
	{0x00, 0x00, 0x00, 0x40}, // 0x40000000
	{0xFF, 0xFF, 0xFF, 0x7F}, // 0x7FFFFFFF
}

// Apply runs the strategy named by kind on a copy of data. The input is never modified.
func Apply(r *rand.Rand, kind types.MutationKind, data []byte) []byte {
	buf := make([]byte, len(data))
	copy(buf, data)

	switch kind {
	case types.BitFlip:
		return BitFlip(r, buf)
	case types.Magic:
		return ApplyMagic(r, buf)
	case types.LengthCorrupt:
		return CorruptLength(r, buf)
	default:
		return buf
	}
}

// Pick returns a strategy chosen uniformly at random.
func Pick(r *rand.Rand) types.MutationKind {
	return types.MutationKinds[r.Intn(len(types.MutationKinds))]
}

// BitFlip flips a single random bit at each of a few distinct positions inside
// the margins. It mutates data in place and returns it.
func BitFlip(r *rand.Rand, data []byte) []byte {
	for _, pos := range positions(r, len(data)) {
		data[pos] ^= 1 << uint(r.Intn(8))
	}
	return data
}

// ApplyMagic overwrites a few distinct positions inside the margins with a
// boundary integer pattern. Patterns are truncated at the end of the buffer.
func ApplyMagic(r *rand.Rand, data []byte) []byte {
	for _, pos := range positions(r, len(data)) {
		magic := magicValues[r.Intn(len(magicValues))]
		for offset, val := range magic {
			if pos+offset >= len(data) {
				break
			}
			data[pos+offset] = val
		}
	}
	return data
}

// flipCount is the number of positions touched in a buffer of the given size.
func flipCount(size int) int {
	return max(1, int(float64(size-HeadMargin-TailMargin)*flipRatio))
}

// positions samples distinct offsets from [HeadMargin, size-TailMargin).
// Buffers with an empty range yield no positions.
func positions(r *rand.Rand, size int) []int {
	span := size - HeadMargin - TailMargin
	if span <= 0 {
		return nil
	}
	n := min(flipCount(size), span)

	// Floyd's algorithm keeps sampling proportional to n rather than span.
	picked := make(map[int]struct{}, n)
	out := make([]int, 0, n)
	for j := span - n; j < span; j++ {
		t := r.Intn(j + 1)
		if _, ok := picked[t]; ok {
			t = j
		}
		picked[t] = struct{}{}
		out = append(out, HeadMargin+t)
	}
	return out
}
