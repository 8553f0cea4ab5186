// Package xorname implements the 256-bit XOR address space shared by nodes,
// clients and data, and the bit prefixes that carve it into sections.
package xorname

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"lukechampine.com/blake3"
)

// Len is the number of bytes in a Name
const Len = 32

// Bits is the number of bits in a Name
const Bits = Len * 8

// Name is a position in the XOR address space
type Name [Len]byte

// FromBytes derives a Name by hashing arbitrary bytes with BLAKE3
func FromBytes(data []byte) Name {
	return Name(blake3.Sum256(data))
}

// Parse decodes a hex encoded Name
func Parse(s string) (Name, error) {
	var n Name
	raw, err := hex.DecodeString(s)
	if err != nil {
		return n, fmt.Errorf("invalid name: %w", err)
	}
	if len(raw) != Len {
		return n, fmt.Errorf("invalid name length: expected %d bytes, got %d", Len, len(raw))
	}
	copy(n[:], raw)
	return n, nil
}

// Distance calculates the XOR distance between two names
func (n Name) Distance(other Name) Name {
	var result Name
	for i := 0; i < Len; i++ {
		result[i] = n[i] ^ other[i]
	}
	return result
}

// Bit returns the i-th bit of the name, counting from the most significant
func (n Name) Bit(i int) bool {
	return (n[i/8]>>(7-uint(i%8)))&1 == 1
}

// withBit returns a copy of the name with the i-th bit set to v
func (n Name) withBit(i int, v bool) Name {
	mask := byte(1) << (7 - uint(i%8))
	if v {
		n[i/8] |= mask
	} else {
		n[i/8] &^= mask
	}
	return n
}

// CommonPrefixLen returns the number of leading bits that are the same
func (n Name) CommonPrefixLen(other Name) int {
	for i := 0; i < Len; i++ {
		xor := n[i] ^ other[i]
		if xor == 0 {
			continue
		}
		for j := 7; j >= 0; j-- {
			if (xor>>j)&1 == 1 {
				return i*8 + (7 - j)
			}
		}
	}
	return Bits
}

// Less returns true if this name sorts before the other
func (n Name) Less(other Name) bool {
	return bytes.Compare(n[:], other[:]) < 0
}

// Closer reports whether a is closer to n than b in XOR distance
func (n Name) Closer(a, b Name) bool {
	return n.Distance(a).Less(n.Distance(b))
}

// IsZero returns true if the name is all zeros
func (n Name) IsZero() bool {
	return n == Name{}
}

// String returns the full hex representation
func (n Name) String() string {
	return hex.EncodeToString(n[:])
}

// Short returns an abbreviated hex form for logs
func (n Name) Short() string {
	return hex.EncodeToString(n[:4]) + ".."
}

// MarshalText implements encoding.TextMarshaler
func (n Name) MarshalText() ([]byte, error) {
	return []byte(n.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (n *Name) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*n = parsed
	return nil
}
