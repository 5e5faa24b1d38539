package mutate

import (
	"math"
	"math/rand"
	"regexp"
	"slices"
	"strconv"
)

// lengthPattern matches a "/Length N" entry followed by the start of its stream.
var lengthPattern = regexp.MustCompile(`(?s)/Length\s+(\d+)\s+.*?stream[\r\n]`)

// CorruptLength rewrites the value of a random subset of "/Length N" stream
// entries with boundary values. Buffers without such an entry are returned as is.
//
// Matches are applied from the last offset to the first, so a replacement
// that changes the width of a number never shifts a match still to be edited.
func CorruptLength(r *rand.Rand, data []byte) []byte {
	matches := lengthPattern.FindAllSubmatchIndex(data, -1)
	if len(matches) == 0 {
		return data
	}

	count := min(len(matches), 1+r.Intn(max(1, len(matches)/2)))
	chosen := r.Perm(len(matches))[:count]
	slices.Sort(chosen)

	for i := len(chosen) - 1; i >= 0; i-- {
		m := matches[chosen[i]]
		start, end := m[2], m[3]
		current, err := strconv.ParseInt(string(data[start:end]), 10, 64)
		if err != nil {
			continue
		}
		replacement := []byte(strconv.FormatInt(newLength(r, current), 10))
		data = slices.Replace(data, start, end, replacement...)
	}
	return data
}

// newLength returns one of ten boundary values derived from current.
func newLength(r *rand.Rand, current int64) int64 {
	switch r.Intn(10) {
	case 0:
		return 0
	case 1:
		return -(1 + r.Int63n(1000))
	case 2:
		if current == 0 {
			return 0
		}
		return max(0, current-(1+r.Int63n(min(100, current))))
	case 3:
		return saturatingAdd(current, 1+r.Int63n(100))
	case 4:
		factor := 2 + r.Int63n(999)
		if current > math.MaxInt64/factor {
			return math.MaxInt64
		}
		return current * factor
	case 5:
		return math.MaxInt32
	case 6:
		return math.MaxUint16
	case 7:
		return saturatingAdd(current, 1)
	case 8:
		return math.MinInt32
	default:
		upper := int64(1000)
		if current > upper/2 {
			upper = saturatingAdd(current, current)
		}
		if upper == math.MaxInt64 {
			return r.Int63()
		}
		return r.Int63n(upper + 1)
	}
}

func saturatingAdd(a, b int64) int64 {
	if a > math.MaxInt64-b {
		return math.MaxInt64
	}
	return a + b
}
