package corpus

import (
	"covfuzz/internal/coverage"
	"covfuzz/internal/mutate"
	"covfuzz/internal/types"
	"math/rand"
	"slices"

	"go.uber.org/zap"
)

const (
	DefaultPoolSize   = 100
	DefaultMultiplier = 10
)

// Entry is a seed together with the coverage it produced.
type Entry struct {
	Seed     []byte
	Coverage coverage.Set
}

// Sample is a mutant waiting to be executed.
type Sample struct {
	Data []byte
	Kind types.MutationKind
}

// Scheduler keeps the evolving corpus and breeds it into batches of samples.
//
// global is every location observed during the run and only ever grows.
// baseline is the coverage already folded in by previous breeding rounds and
// decides which corpus entries are new this round.
type Scheduler struct {
	rnd        *rand.Rand
	logger     *zap.Logger
	poolSize   int
	multiplier int

	core     [][]byte
	corpus   []Entry
	pool     []Entry
	samples  []Sample
	global   coverage.Set
	baseline coverage.Set

	inbox <-chan []byte
}

func NewScheduler(rnd *rand.Rand, logger *zap.Logger, core [][]byte, poolSize, multiplier int) *Scheduler {
	if poolSize <= 0 {
		poolSize = DefaultPoolSize
	}
	if multiplier <= 0 {
		multiplier = DefaultMultiplier
	}
	return &Scheduler{
		rnd:        rnd,
		logger:     logger,
		poolSize:   poolSize,
		multiplier: multiplier,
		core:       slices.Clone(core),
		global:     coverage.NewSet(),
		baseline:   coverage.NewSet(),
	}
}

// AttachInbox makes every seed received on ch a core seed from the next breeding round on.
func (s *Scheduler) AttachInbox(ch <-chan []byte) {
	s.inbox = ch
}

// Next pops the next sample, breeding a new batch when the queue is empty.
// It returns false only when there is nothing to breed from.
func (s *Scheduler) Next() (Sample, bool) {
	if len(s.samples) == 0 {
		s.FitPool()
		s.MutatePool()
		s.logger.Debug("bred new samples", zap.Int("samples", len(s.samples)))
	}
	if len(s.samples) == 0 {
		return Sample{}, false
	}
	sample := s.samples[0]
	s.samples = s.samples[1:]
	return sample, true
}

// Observe merges cov into the global coverage and returns how many locations were new.
func (s *Scheduler) Observe(cov coverage.Set) int {
	return s.global.Merge(cov)
}

// Retain adds an executed mutant to the corpus of the next breeding round.
func (s *Scheduler) Retain(seed []byte, cov coverage.Set) {
	s.corpus = append(s.corpus, Entry{Seed: seed, Coverage: cov})
}

// FitPool rebuilds the breeding pool:
//
//   - every core seed, with empty coverage;
//   - every corpus entry with a location missing from the baseline;
//   - stale entries drawn from the rest of the corpus, sorted by coverage
//     size, with an index skewed towards the richest ones, until the pool
//     reaches its target size.
//
// The coverage of the whole corpus is then folded into the baseline and the
// corpus is cleared.
func (s *Scheduler) FitPool() {
	s.drainInbox()

	s.pool = s.pool[:0]
	for _, seed := range s.core {
		s.pool = append(s.pool, Entry{Seed: seed, Coverage: coverage.NewSet()})
	}

	var stale []Entry
	for _, entry := range s.corpus {
		if entry.Coverage.SubsetOf(s.baseline) {
			stale = append(stale, entry)
		} else {
			s.pool = append(s.pool, entry)
		}
	}

	if len(stale) > 0 && len(s.pool) < s.poolSize {
		slices.SortStableFunc(stale, func(a, b Entry) int {
			return b.Coverage.Len() - a.Coverage.Len()
		})
		needed := min(s.poolSize-len(s.pool), len(stale))
		for range needed {
			idx := int(s.rnd.Float64() * s.rnd.Float64() * float64(len(stale)))
			s.pool = append(s.pool, stale[idx])
			stale = slices.Delete(stale, idx, idx+1)
		}
	}

	for _, entry := range s.corpus {
		s.baseline.Merge(entry.Coverage)
	}
	s.corpus = nil
}

// MutatePool drains the pool, breeding multiplier mutants from every entry.
func (s *Scheduler) MutatePool() {
	s.samples = make([]Sample, 0, len(s.pool)*s.multiplier)
	for len(s.pool) > 0 {
		last := len(s.pool) - 1
		entry := s.pool[last]
		s.pool = s.pool[:last]

		for range s.multiplier {
			kind := mutate.Pick(s.rnd)
			s.samples = append(s.samples, Sample{
				Data: mutate.Apply(s.rnd, kind, entry.Seed),
				Kind: kind,
			})
		}
	}
}

func (s *Scheduler) drainInbox() {
	if s.inbox == nil {
		return
	}
	for {
		select {
		case seed, ok := <-s.inbox:
			if !ok {
				s.inbox = nil
				return
			}
			s.core = append(s.core, seed)
			s.logger.Info("new core seed from inbox",
				zap.Int("size", len(seed)),
				zap.Int("core_seeds", len(s.core)))
		default:
			return
		}
	}
}

func (s *Scheduler) GlobalSize() int { return s.global.Len() }
func (s *Scheduler) CorpusSize() int { return len(s.corpus) }
func (s *Scheduler) QueueSize() int  { return len(s.samples) }
func (s *Scheduler) CoreSize() int   { return len(s.core) }
