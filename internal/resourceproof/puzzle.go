// Package resourceproof implements the admission puzzle a joining candidate
// must solve before a section will vote on accepting it. Solving takes work
// proportional to 2^difficulty hash evaluations; verifying takes one.
package resourceproof

import (
	"context"
	"encoding/binary"
	"math/bits"

	"github.com/WebFirstLanguage/beevault/pkg/constants"
	"github.com/WebFirstLanguage/beevault/pkg/xorname"
	"lukechampine.com/blake3"
)

// solveCheckInterval is how many nonces Solve tries between context checks
const solveCheckInterval = 1 << 12

// puzzleHash computes BLAKE3(seed || candidate || nonce)
func puzzleHash(seed []byte, candidate xorname.Name, nonce uint64) [32]byte {
	buf := make([]byte, 0, len(seed)+xorname.Len+8)
	buf = append(buf, seed...)
	buf = append(buf, candidate[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, nonce)
	return blake3.Sum256(buf)
}

// leadingZeroBits counts the leading zero bits of a hash
func leadingZeroBits(h [32]byte) int {
	for i, b := range h {
		if b != 0 {
			return i*8 + bits.LeadingZeros8(b)
		}
	}
	return len(h) * 8
}

// Check reports whether nonce solves the puzzle at the given difficulty
func Check(seed []byte, candidate xorname.Name, nonce uint64, difficulty uint8) bool {
	if difficulty == 0 {
		return true
	}
	return leadingZeroBits(puzzleHash(seed, candidate, nonce)) >= int(difficulty)
}

// Solve searches for a nonce solving the puzzle. It is what a joining
// candidate runs; the search stops when ctx is done.
func Solve(ctx context.Context, seed []byte, candidate xorname.Name, difficulty uint8) (uint64, error) {
	for nonce := uint64(0); ; nonce++ {
		if nonce%solveCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return 0, err
			}
		}
		if Check(seed, candidate, nonce, difficulty) {
			return nonce, nil
		}
	}
}

// Params bounds the difficulty calibration
type Params struct {
	BaseBits uint8
	MinBits  uint8
	MaxBits  uint8
}

// DefaultParams returns the calibration bounds from the protocol defaults
func DefaultParams() Params {
	return Params{
		BaseBits: constants.DefaultProofBaseBits,
		MinBits:  constants.DefaultProofMinBits,
		MaxBits:  constants.DefaultProofMaxBits,
	}
}

// Calibrate derives the difficulty from the section's health. Each doubling
// of the section above min_section_size adds one bit; each member missing
// below it removes two; an under-resourced section drops two more so that
// joiners are admitted sooner.
func Calibrate(p Params, sectionSize, minSectionSize int, utilization float64) uint8 {
	if minSectionSize < 1 {
		minSectionSize = 1
	}

	difficulty := int(p.BaseBits)
	if sectionSize >= minSectionSize {
		difficulty += bits.Len(uint(sectionSize/minSectionSize)) - 1
	} else {
		difficulty -= 2 * (minSectionSize - sectionSize)
	}

	if utilization >= constants.UnderResourcedUtilization {
		difficulty -= 2
	}

	if difficulty < int(p.MinBits) {
		difficulty = int(p.MinBits)
	}
	if difficulty > int(p.MaxBits) {
		difficulty = int(p.MaxBits)
	}
	return uint8(difficulty)
}
