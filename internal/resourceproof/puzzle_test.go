package resourceproof

import (
	"context"
	"testing"

	"github.com/WebFirstLanguage/beevault/pkg/xorname"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLeadingZeroBits(t *testing.T) {
	var h [32]byte
	assert.Equal(t, 256, leadingZeroBits(h))

	h[0] = 0x80
	assert.Equal(t, 0, leadingZeroBits(h))

	h[0] = 0x01
	assert.Equal(t, 7, leadingZeroBits(h))

	h[0] = 0
	h[2] = 0x10
	assert.Equal(t, 19, leadingZeroBits(h))
}

func TestSolveAndCheck(t *testing.T) {
	seed := []byte("seed-seed-seed")
	candidate := xorname.FromBytes([]byte("joiner"))

	nonce, err := Solve(context.Background(), seed, candidate, 8)
	require.NoError(t, err)
	assert.True(t, Check(seed, candidate, nonce, 8))

	// The solution is bound to the candidate
	other := xorname.FromBytes([]byte("someone else"))
	h := puzzleHash(seed, other, nonce)
	assert.Equal(t, leadingZeroBits(h) >= 8, Check(seed, other, nonce, 8))
}

func TestSolveCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Solve(ctx, []byte("s"), xorname.Name{}, 64)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCalibrate(t *testing.T) {
	p := Params{BaseBits: 20, MinBits: 8, MaxBits: 28}

	tests := []struct {
		name        string
		size        int
		min         int
		utilization float64
		want        uint8
	}{
		{"at minimum", 8, 8, 0, 20},
		{"double", 16, 8, 0, 21},
		{"quadruple", 32, 8, 0, 22},
		{"just under double", 15, 8, 0, 20},
		{"one missing", 7, 8, 0, 18},
		{"many missing clamps", 1, 8, 0, 8},
		{"under-resourced", 8, 8, 0.85, 18},
		{"huge clamps", 1 << 20, 1, 0, 28},
		{"zero min treated as one", 4, 0, 0, 22},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Calibrate(p, tt.size, tt.min, tt.utilization))
		})
	}
}
