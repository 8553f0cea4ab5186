// Package integration runs vaults against each other over real transports.
package integration

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/WebFirstLanguage/beevault/pkg/config"
	"github.com/WebFirstLanguage/beevault/pkg/identity"
	"github.com/WebFirstLanguage/beevault/pkg/vault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// freePort finds a local TCP port nobody listens on
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func startVault(t *testing.T, transport string, contacts ...string) (*vault.Vault, string) {
	t.Helper()
	id, err := identity.GenerateIdentity()
	require.NoError(t, err)

	settings := config.Default()
	settings.NetworkName = "integration"
	settings.Transport = transport
	settings.ListenPort = freePort(t)
	settings.ServiceDiscoveryPort = 0
	settings.Contacts = contacts
	settings.DisableResourceProof = true
	settings.TickInterval = 50 * time.Millisecond
	settings.ProposalTimeout = time.Second
	endpoint := fmt.Sprintf("127.0.0.1:%d", settings.ListenPort)

	v, err := vault.New(&vault.Config{Identity: id, Settings: settings, Endpoint: endpoint})
	require.NoError(t, err)
	t.Cleanup(func() { v.Close() })

	// The run loop lives as long as the context passed to Start
	require.NoError(t, v.Start(context.Background()))
	return v, endpoint
}

func testJoin(t *testing.T, transport string) {
	founder, founderEP := startVault(t, transport)
	joiner, _ := startVault(t, transport, founderEP)

	require.Eventually(t, joiner.IsMember, 15*time.Second, 50*time.Millisecond, "joiner never became a member")
	require.Eventually(t, func() bool {
		return founder.View().Contains(joiner.Self().Name)
	}, 10*time.Second, 50*time.Millisecond)

	assert.Equal(t, founder.View().Members, joiner.View().Members)
	assert.Equal(t, 2, founder.View().Size())
}

func TestVaultJoinOverTCP(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping network test in short mode")
	}
	testJoin(t, "tcp")
}

func TestVaultJoinOverQUIC(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping network test in short mode")
	}
	testJoin(t, "quic")
}
