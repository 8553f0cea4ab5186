package resourceproof

import (
	"context"
	"testing"
	"time"

	"github.com/WebFirstLanguage/beevault/pkg/xorname"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) (*Engine, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	e := New(&Config{
		Params:  Params{BaseBits: 4, MinBits: 1, MaxBits: 8},
		Timeout: time.Minute,
		Clock:   clk,
	})
	return e, clk
}

func solve(t *testing.T, ch *Challenge) uint64 {
	t.Helper()
	nonce, err := Solve(context.Background(), ch.Seed, ch.Candidate, ch.Difficulty)
	require.NoError(t, err)
	return nonce
}

// wrongNonce finds a nonce that does not solve the challenge
func wrongNonce(t *testing.T, ch *Challenge) uint64 {
	t.Helper()
	for n := uint64(0); n < 1<<16; n++ {
		if !Check(ch.Seed, ch.Candidate, n, ch.Difficulty) {
			return n
		}
	}
	t.Fatal("no failing nonce found")
	return 0
}

func TestEngine_AcceptOnce(t *testing.T) {
	e, _ := newTestEngine(t)
	candidate := xorname.FromBytes([]byte("candidate"))

	ch, err := e.IssueChallenge(candidate)
	require.NoError(t, err)
	assert.Equal(t, uint8(4), ch.Difficulty)
	assert.Equal(t, 1, e.Outstanding(candidate))

	nonce := solve(t, ch)
	res, err := e.Verify(ch.Seed, candidate, nonce)
	require.NoError(t, err)
	assert.Equal(t, VerdictAccept, res.Verdict)
	assert.Equal(t, 0, e.Outstanding(candidate))

	// Resubmission is a no-op
	res, err = e.Verify(ch.Seed, candidate, nonce)
	require.NoError(t, err)
	assert.Equal(t, VerdictDuplicate, res.Verdict)
}

func TestEngine_RejectIsOneShot(t *testing.T) {
	e, _ := newTestEngine(t)
	candidate := xorname.FromBytes([]byte("candidate"))

	ch, err := e.IssueChallenge(candidate)
	require.NoError(t, err)

	res, err := e.Verify(ch.Seed, candidate, wrongNonce(t, ch))
	require.NoError(t, err)
	assert.Equal(t, VerdictReject, res.Verdict)

	// The challenge was discarded; even a correct answer needs a new one
	_, err = e.Verify(ch.Seed, candidate, solve(t, ch))
	assert.ErrorIs(t, err, ErrUnknownChallenge)
}

func TestEngine_Expired(t *testing.T) {
	e, clk := newTestEngine(t)
	candidate := xorname.FromBytes([]byte("slow"))

	ch, err := e.IssueChallenge(candidate)
	require.NoError(t, err)
	nonce := solve(t, ch)

	clk.Add(time.Minute + time.Second)
	_, err = e.Verify(ch.Seed, candidate, nonce)
	assert.ErrorIs(t, err, ErrExpired)

	// Reissue succeeds
	ch2, err := e.IssueChallenge(candidate)
	require.NoError(t, err)
	res, err := e.Verify(ch2.Seed, candidate, solve(t, ch2))
	require.NoError(t, err)
	assert.Equal(t, VerdictAccept, res.Verdict)
}

func TestEngine_WrongCandidate(t *testing.T) {
	e, _ := newTestEngine(t)
	alice := xorname.FromBytes([]byte("alice"))
	mallory := xorname.FromBytes([]byte("mallory"))

	ch, err := e.IssueChallenge(alice)
	require.NoError(t, err)

	res, err := e.Verify(ch.Seed, mallory, 0)
	require.NoError(t, err)
	assert.Equal(t, VerdictReject, res.Verdict)

	// Alice's challenge is still open
	assert.Equal(t, 1, e.Outstanding(alice))
	res, err = e.Verify(ch.Seed, alice, solve(t, ch))
	require.NoError(t, err)
	assert.Equal(t, VerdictAccept, res.Verdict)
}

func TestEngine_OutstandingLimit(t *testing.T) {
	e, _ := newTestEngine(t)
	candidate := xorname.FromBytes([]byte("greedy"))

	for i := 0; i < 2; i++ {
		_, err := e.IssueChallenge(candidate)
		require.NoError(t, err)
	}
	_, err := e.IssueChallenge(candidate)
	assert.ErrorIs(t, err, ErrThrottled)

	// Others are unaffected
	_, err = e.IssueChallenge(xorname.FromBytes([]byte("polite")))
	assert.NoError(t, err)
}

func TestEngine_BanAfterFailures(t *testing.T) {
	e, clk := newTestEngine(t)
	candidate := xorname.FromBytes([]byte("cheater"))

	for i := 0; i < 3; i++ {
		ch, err := e.IssueChallenge(candidate)
		require.NoError(t, err)
		res, err := e.Verify(ch.Seed, candidate, wrongNonce(t, ch))
		require.NoError(t, err)
		require.Equal(t, VerdictReject, res.Verdict)
	}

	assert.True(t, e.IsBanned(candidate))
	_, err := e.IssueChallenge(candidate)
	assert.ErrorIs(t, err, ErrThrottled)

	clk.Add(11 * time.Minute)
	assert.False(t, e.IsBanned(candidate))
	_, err = e.IssueChallenge(candidate)
	assert.NoError(t, err)
}

func TestEngine_Sweep(t *testing.T) {
	e, clk := newTestEngine(t)
	candidate := xorname.FromBytes([]byte("idle"))

	_, err := e.IssueChallenge(candidate)
	require.NoError(t, err)

	assert.Equal(t, 0, e.Sweep())
	clk.Add(2 * time.Minute)
	assert.Equal(t, 1, e.Sweep())
	assert.Equal(t, 0, e.Outstanding(candidate))
}

func TestEngine_Disabled(t *testing.T) {
	e := New(&Config{Disabled: true, Clock: clock.NewMock()})
	assert.True(t, e.Disabled())

	candidate := xorname.FromBytes([]byte("anyone"))
	ch, err := e.IssueChallenge(candidate)
	require.NoError(t, err)
	assert.Zero(t, ch.Difficulty)

	res, err := e.Verify(ch.Seed, candidate, 12345)
	require.NoError(t, err)
	assert.Equal(t, VerdictAccept, res.Verdict)
}

func TestEngine_Recalibrate(t *testing.T) {
	e, _ := newTestEngine(t)
	assert.Equal(t, uint8(4), e.Difficulty())

	assert.Equal(t, uint8(6), e.Recalibrate(32, 8, 0.1))
	assert.Equal(t, uint8(6), e.Difficulty())

	ch, err := e.IssueChallenge(xorname.FromBytes([]byte("x")))
	require.NoError(t, err)
	assert.Equal(t, uint8(6), ch.Difficulty)
}
