package vault

import (
	"context"
	"testing"
	"time"

	"github.com/WebFirstLanguage/beevault/pkg/identity"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSupervised(t *testing.T) (*Vault, *Supervisor, *clock.Mock) {
	t.Helper()
	n := newMemnet()
	id, err := identity.GenerateIdentity()
	require.NoError(t, err)
	v, _ := n.add(t, id, testSettings())

	cfg := DefaultSupervisorConfig()
	cfg.Clock = n.clock
	// Checks are driven by the tests
	cfg.HealthCheckInterval = time.Hour
	return v, NewSupervisorWithConfig(v, cfg), n.clock
}

func TestSupervisor_StartStop(t *testing.T) {
	v, s, _ := newSupervised(t)
	ctx := context.Background()

	require.NoError(t, s.Start(ctx))
	assert.True(t, s.IsRunning())
	assert.Equal(t, StateRunning, v.State())
	assert.Error(t, s.Start(ctx))

	require.NoError(t, s.Stop(ctx))
	assert.False(t, s.IsRunning())
	assert.Equal(t, StateStopped, v.State())
	assert.Error(t, s.Stop(ctx))
}

func TestSupervisor_RestartsStoppedVault(t *testing.T) {
	v, s, clk := newSupervised(t)
	ctx := context.Background()

	require.NoError(t, s.Start(ctx))
	defer s.Stop(ctx)

	require.NoError(t, v.Stop(ctx))
	s.Check()
	assert.Equal(t, StateRunning, v.State())
	assert.Equal(t, 1, s.RetryCount())

	// A healthy check clears the count
	clk.Add(time.Second)
	s.Check()
	assert.Zero(t, s.RetryCount())
}

func TestSupervisor_GivesUp(t *testing.T) {
	v, s, clk := newSupervised(t)
	ctx := context.Background()
	s.config.MaxRetries = 2

	require.NoError(t, s.Start(ctx))
	defer s.Stop(ctx)

	for i := 0; i < 3; i++ {
		require.NoError(t, v.Stop(ctx))
		s.Check()
		clk.Add(s.config.RetryDelay)
		// Stop it again without letting a healthy check reset the count
	}
	assert.Equal(t, 2, s.RetryCount())
	assert.True(t, s.GaveUp())
	assert.Equal(t, StateStopped, v.State())
}

func TestSupervisor_RespectsRetryDelay(t *testing.T) {
	v, s, _ := newSupervised(t)
	ctx := context.Background()

	require.NoError(t, s.Start(ctx))
	defer s.Stop(ctx)

	require.NoError(t, v.Stop(ctx))
	s.Check()
	require.Equal(t, StateRunning, v.State())

	require.NoError(t, v.Stop(ctx))
	s.Check()
	assert.Equal(t, StateStopped, v.State(), "second attempt waits for the retry delay")
	assert.Equal(t, 1, s.RetryCount())
}
