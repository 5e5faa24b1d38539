package coverage

import "slices"

// Location identifies one executed basic block by its address.
type Location uint64

// Set is a set of code locations.
type Set map[Location]struct{}

func NewSet(locs ...Location) Set {
	s := make(Set, len(locs))
	for _, loc := range locs {
		s[loc] = struct{}{}
	}
	return s
}

func (s Set) Add(loc Location) { s[loc] = struct{}{} }

func (s Set) Has(loc Location) bool {
	_, ok := s[loc]
	return ok
}

func (s Set) Len() int { return len(s) }

// NewIn counts the locations of s that are missing from base.
func (s Set) NewIn(base Set) int {
	n := 0
	for loc := range s {
		if _, ok := base[loc]; !ok {
			n++
		}
	}
	return n
}

// SubsetOf reports whether every location of s is in base.
func (s Set) SubsetOf(base Set) bool {
	for loc := range s {
		if _, ok := base[loc]; !ok {
			return false
		}
	}
	return true
}

// Merge adds every location of other to s and returns how many were new.
func (s Set) Merge(other Set) int {
	added := 0
	for loc := range other {
		if _, ok := s[loc]; !ok {
			s[loc] = struct{}{}
			added++
		}
	}
	return added
}

func (s Set) Clone() Set {
	out := make(Set, len(s))
	for loc := range s {
		out[loc] = struct{}{}
	}
	return out
}

// Sorted returns the locations in ascending order.
func (s Set) Sorted() []Location {
	out := make([]Location, 0, len(s))
	for loc := range s {
		out = append(out, loc)
	}
	slices.Sort(out)
	return out
}
