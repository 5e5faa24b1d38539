package types

// MutationKind names one of the mutation strategies a sample was bred with.
type MutationKind int

const (
	BitFlip       MutationKind = iota // flip one random bit at a few positions
	Magic                             // overwrite a few positions with boundary integers
	LengthCorrupt                     // rewrite the value of "/Length N" stream fields
)

// MutationKinds lists every strategy in index order.
var MutationKinds = []MutationKind{BitFlip, Magic, LengthCorrupt}

func (k MutationKind) String() string {
	switch k {
	case BitFlip:
		return "bit_flip"
	case Magic:
		return "magic"
	case LengthCorrupt:
		return "length"
	default:
		return "unknown"
	}
}

// Valid reports whether k is one of the known strategies.
func (k MutationKind) Valid() bool {
	return k >= BitFlip && k <= LengthCorrupt
}

func (k MutationKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}
