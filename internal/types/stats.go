package types

import (
	"maps"
	"sync"
)

// SignatureSet holds every distinct crash signature seen during a run,
// remembering the order in which they were first observed.
type SignatureSet struct {
	seen  map[string]struct{}
	order []string
}

func NewSignatureSet() *SignatureSet {
	return &SignatureSet{seen: make(map[string]struct{})}
}

// Add inserts sig and reports whether it was new.
func (s *SignatureSet) Add(sig string) bool {
	if _, ok := s.seen[sig]; ok {
		return false
	}
	s.seen[sig] = struct{}{}
	s.order = append(s.order, sig)
	return true
}

func (s *SignatureSet) Has(sig string) bool {
	_, ok := s.seen[sig]
	return ok
}

func (s *SignatureSet) Len() int { return len(s.order) }

// List returns the signatures in first-seen order.
func (s *SignatureSet) List() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// RunStats accumulates crash and timeout counters for one run. The record
// methods and Snapshot may be called from different goroutines.
type RunStats struct {
	mu sync.Mutex

	TotalCrashes int
	Unique       int
	Repeated     int
	Timeouts     int
	ByKind       map[MutationKind]int
	Signatures   *SignatureSet
}

func NewRunStats() *RunStats {
	return &RunStats{
		ByKind:     make(map[MutationKind]int),
		Signatures: NewSignatureSet(),
	}
}

// AddSignature remembers sig and reports whether it was new.
func (r *RunStats) AddSignature(sig string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Signatures.Add(sig)
}

// RecordCrash counts one triaged crash.
func (r *RunStats) RecordCrash(kind MutationKind, repeated bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.TotalCrashes++
	if repeated {
		r.Repeated++
	} else {
		r.Unique++
	}
	r.ByKind[kind]++
}

func (r *RunStats) RecordTimeout() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Timeouts++
}

// Snapshot returns a copy that is safe to hand to other goroutines.
func (r *RunStats) Snapshot() StatsSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return StatsSnapshot{
		TotalCrashes: r.TotalCrashes,
		Unique:       r.Unique,
		Repeated:     r.Repeated,
		Timeouts:     r.Timeouts,
		ByKind:       maps.Clone(r.ByKind),
		Signatures:   r.Signatures.List(),
	}
}

// StatsSnapshot is an immutable view of RunStats.
type StatsSnapshot struct {
	TotalCrashes int                  `json:"total_crashes"`
	Unique       int                  `json:"total_unique"`
	Repeated     int                  `json:"total_repeated"`
	Timeouts     int                  `json:"total_timeout"`
	ByKind       map[MutationKind]int `json:"-"`
	Signatures   []string             `json:"crash_functions"`
}

// KindCounts renders ByKind keyed by strategy name.
func (s StatsSnapshot) KindCounts() map[string]int {
	out := make(map[string]int, len(MutationKinds))
	for _, k := range MutationKinds {
		out[k.String()] = s.ByKind[k]
	}
	return out
}
