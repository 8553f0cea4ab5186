package xorname

import (
	"fmt"
	"sort"
	"strings"
)

// Prefix is a variable length bit prefix of the address space. A section is
// responsible for every name matching its prefix.
type Prefix struct {
	Bits Name `cbor:"bits" json:"bits"`
	Len  int  `cbor:"len" json:"len"`
}

// RootPrefix matches every name
var RootPrefix = Prefix{}

// NewPrefix builds a prefix of the given length from the leading bits of
// name. Bits beyond the length are cleared so equal prefixes compare equal.
func NewPrefix(name Name, length int) Prefix {
	if length < 0 {
		length = 0
	}
	if length > Bits {
		length = Bits
	}
	p := Prefix{Len: length}
	for i := 0; i < length; i++ {
		p.Bits = p.Bits.withBit(i, name.Bit(i))
	}
	return p
}

// ParsePrefix parses a string of '0' and '1' characters
func ParsePrefix(s string) (Prefix, error) {
	if len(s) > Bits {
		return Prefix{}, fmt.Errorf("prefix longer than %d bits", Bits)
	}
	p := Prefix{Len: len(s)}
	for i, c := range s {
		switch c {
		case '0':
		case '1':
			p.Bits = p.Bits.withBit(i, true)
		default:
			return Prefix{}, fmt.Errorf("invalid prefix character %q", c)
		}
	}
	return p, nil
}

// MustParsePrefix is ParsePrefix for literals in tests and tables
func MustParsePrefix(s string) Prefix {
	p, err := ParsePrefix(s)
	if err != nil {
		panic(err)
	}
	return p
}

// Matches reports whether name lies within the prefix
func (p Prefix) Matches(name Name) bool {
	return p.Bits.CommonPrefixLen(name) >= p.Len
}

// Bit returns the i-th bit of the prefix
func (p Prefix) Bit(i int) bool {
	return p.Bits.Bit(i)
}

// Pushed returns the prefix extended by one bit
func (p Prefix) Pushed(bit bool) Prefix {
	if p.Len >= Bits {
		return p
	}
	return Prefix{Bits: p.Bits.withBit(p.Len, bit), Len: p.Len + 1}
}

// Popped returns the prefix shortened by one bit
func (p Prefix) Popped() Prefix {
	if p.Len == 0 {
		return p
	}
	return NewPrefix(p.Bits, p.Len-1)
}

// Sibling returns the prefix differing only in its last bit. The root
// prefix is its own sibling.
func (p Prefix) Sibling() Prefix {
	if p.Len == 0 {
		return p
	}
	return Prefix{Bits: p.Bits.withBit(p.Len-1, !p.Bit(p.Len-1)), Len: p.Len}
}

// IsAncestorOf reports whether other extends p (or equals it)
func (p Prefix) IsAncestorOf(other Prefix) bool {
	return p.Len <= other.Len && p.Matches(other.Bits)
}

// IsCompatible reports whether one prefix is an ancestor of the other,
// i.e. the two address ranges overlap
func (p Prefix) IsCompatible(other Prefix) bool {
	return p.IsAncestorOf(other) || other.IsAncestorOf(p)
}

// Equal compares two prefixes
func (p Prefix) Equal(other Prefix) bool {
	return p.Len == other.Len && p.Bits == other.Bits
}

// Less orders prefixes by bits then by length
func (p Prefix) Less(other Prefix) bool {
	if p.Bits != other.Bits {
		return p.Bits.Less(other.Bits)
	}
	return p.Len < other.Len
}

// String renders the prefix as a bit string, e.g. "01" or "" for the root
func (p Prefix) String() string {
	var b strings.Builder
	for i := 0; i < p.Len; i++ {
		if p.Bit(i) {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
	}
	return b.String()
}

// Display is String with the root rendered visibly for logs
func (p Prefix) Display() string {
	if p.Len == 0 {
		return "()"
	}
	return "(" + p.String() + ")"
}

// SortPrefixes sorts prefixes in place into a deterministic order
func SortPrefixes(prefixes []Prefix) {
	sort.Slice(prefixes, func(i, j int) bool {
		return prefixes[i].Less(prefixes[j])
	})
}

// IsPartition reports whether the prefixes cover the whole address space
// with no overlaps and no gaps.
func IsPartition(prefixes []Prefix) bool {
	for i := range prefixes {
		for j := i + 1; j < len(prefixes); j++ {
			if prefixes[i].IsCompatible(prefixes[j]) {
				return false
			}
		}
	}
	return covers(prefixes, RootPrefix)
}

// covers reports whether the union of prefixes contains every name under p.
// Callers have already ruled out overlaps.
func covers(prefixes []Prefix, p Prefix) bool {
	deeper := false
	for _, q := range prefixes {
		if q.IsAncestorOf(p) {
			return true
		}
		if p.IsAncestorOf(q) {
			deeper = true
		}
	}
	if !deeper || p.Len >= Bits {
		return false
	}
	return covers(prefixes, p.Pushed(false)) && covers(prefixes, p.Pushed(true))
}
