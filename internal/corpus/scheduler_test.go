package corpus

import (
	"bytes"
	"covfuzz/internal/coverage"
	"covfuzz/internal/types"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestScheduler(t *testing.T, core [][]byte, poolSize, multiplier int) *Scheduler {
	t.Helper()
	return NewScheduler(rand.New(rand.NewSource(1)), zap.NewNop(), core, poolSize, multiplier)
}

func seedOf(n int) []byte {
	return bytes.Repeat([]byte{byte(n)}, 64)
}

func coverageOf(locs ...int) coverage.Set {
	s := coverage.NewSet()
	for _, l := range locs {
		s.Add(coverage.Location(l))
	}
	return s
}

func containsSeed(pool []Entry, seed []byte) bool {
	for _, e := range pool {
		if bytes.Equal(e.Seed, seed) {
			return true
		}
	}
	return false
}

func TestFitPoolAlwaysKeepsCoreSeeds(t *testing.T) {
	core := [][]byte{seedOf(1), seedOf(2)}
	s := newTestScheduler(t, core, 100, 10)

	s.FitPool()
	require.Len(t, s.pool, 2)
	for _, seed := range core {
		assert.True(t, containsSeed(s.pool, seed))
	}
	for _, e := range s.pool {
		assert.Equal(t, 0, e.Coverage.Len(), "core seeds carry no coverage")
	}

	s.pool = nil
	s.baseline.Merge(coverageOf(1, 2, 3))
	s.Retain(seedOf(3), coverageOf(1, 2))
	s.FitPool()
	for _, seed := range core {
		assert.True(t, containsSeed(s.pool, seed))
	}
}

func TestFitPoolTakesNovelEntries(t *testing.T) {
	s := newTestScheduler(t, [][]byte{seedOf(0)}, 2, 10)
	s.baseline.Merge(coverageOf(1, 2, 3))

	s.Retain(seedOf(1), coverageOf(1, 2))    // stale
	s.Retain(seedOf(2), coverageOf(3, 4))    // novel
	s.Retain(seedOf(3), coverageOf(1, 5, 6)) // novel

	s.FitPool()
	assert.True(t, containsSeed(s.pool, seedOf(2)))
	assert.True(t, containsSeed(s.pool, seedOf(3)))
	assert.Len(t, s.pool, 3, "pool already above target, no filling")
	assert.Empty(t, s.corpus)

	// every leftover entry's coverage is folded into the baseline
	assert.True(t, coverageOf(1, 2, 3, 4, 5, 6).SubsetOf(s.baseline))
}

func TestFitPoolFillsFromRichestEntries(t *testing.T) {
	s := newTestScheduler(t, nil, 5, 1)
	for i := range 50 {
		locs := make([]int, i+1)
		for j := range locs {
			locs[j] = j
		}
		s.Retain(seedOf(i), coverageOf(locs...))
	}
	// make everything stale so only the biased fill selects entries
	s.baseline.Merge(coverageOf(func() []int {
		all := make([]int, 50)
		for i := range all {
			all[i] = i
		}
		return all
	}()...))

	s.FitPool()
	require.Len(t, s.pool, 5)
	assert.Empty(t, s.corpus)
}

func TestFitPoolBiasFavoursCoverage(t *testing.T) {
	draws := make(map[int]int)
	for round := range 400 {
		s := NewScheduler(rand.New(rand.NewSource(int64(round))), zap.NewNop(), nil, 1, 1)
		for i := range 20 {
			locs := make([]int, i+1)
			for j := range locs {
				locs[j] = j
			}
			s.Retain(seedOf(i), coverageOf(locs...))
		}
		s.baseline.Merge(coverageOf(func() []int {
			all := make([]int, 20)
			for i := range all {
				all[i] = i
			}
			return all
		}()...))
		s.FitPool()
		require.Len(t, s.pool, 1)
		draws[int(s.pool[0].Seed[0])]++
	}
	assert.Greater(t, draws[19], draws[0], "the richest entry is drawn more often than the poorest")
	assert.Greater(t, draws[19]+draws[18]+draws[17], 100)
}

func TestMutatePoolDrainsPool(t *testing.T) {
	core := [][]byte{seedOf(1), seedOf(2), seedOf(3)}
	s := newTestScheduler(t, core, 100, 10)
	s.Retain(seedOf(4), coverageOf(10))

	s.FitPool()
	before := len(s.pool)
	require.Equal(t, 4, before)

	s.MutatePool()
	assert.Empty(t, s.pool)
	assert.Len(t, s.samples, before*10)
	for _, sample := range s.samples {
		assert.True(t, sample.Kind.Valid())
		assert.Len(t, sample.Data, 64)
	}

	// seeds themselves are never mutated in place
	assert.Equal(t, seedOf(1), s.core[0])
}

func TestNextRefillsQueue(t *testing.T) {
	s := newTestScheduler(t, [][]byte{seedOf(7)}, 100, 3)

	kinds := make(map[types.MutationKind]bool)
	for range 9 {
		sample, ok := s.Next()
		require.True(t, ok)
		kinds[sample.Kind] = true
	}
	assert.NotEmpty(t, kinds)
	assert.Equal(t, 0, s.QueueSize())
}

func TestNextWithoutSeeds(t *testing.T) {
	s := newTestScheduler(t, nil, 100, 10)
	_, ok := s.Next()
	assert.False(t, ok)
}

func TestObserveAndRetainFeedback(t *testing.T) {
	s := newTestScheduler(t, [][]byte{seedOf(1)}, 100, 1)

	assert.Equal(t, 3, s.Observe(coverageOf(1, 2, 3)))
	assert.Equal(t, 1, s.Observe(coverageOf(2, 3, 4)))
	assert.Equal(t, 0, s.Observe(coverageOf(1, 4)))
	assert.Equal(t, 4, s.GlobalSize())

	s.Retain(seedOf(9), coverageOf(2, 3, 4))
	assert.Equal(t, 1, s.CorpusSize())

	_, ok := s.Next()
	require.True(t, ok)
	assert.Equal(t, 0, s.CorpusSize(), "corpus is consumed by the breeding round")
	assert.Equal(t, 1, s.QueueSize(), "core seed and retained entry each bred once, one popped")
}

func TestInboxSeedsJoinCore(t *testing.T) {
	s := newTestScheduler(t, [][]byte{seedOf(1)}, 100, 1)
	inbox := make(chan []byte, 2)
	inbox <- seedOf(2)
	inbox <- seedOf(3)
	s.AttachInbox(inbox)

	s.FitPool()
	assert.Equal(t, 3, s.CoreSize())
	assert.Len(t, s.pool, 3)

	close(inbox)
	s.FitPool()
	assert.Nil(t, s.inbox)
}

func ExampleScheduler_Next() {
	s := NewScheduler(rand.New(rand.NewSource(42)), zap.NewNop(), [][]byte{[]byte("%PDF-1.4 minimal seed document %%EOF")}, 1, 2)
	_, ok := s.Next()
	fmt.Println(ok, s.QueueSize())
	// Output: true 1
}
