package quic

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"testing"
	"time"

	"github.com/WebFirstLanguage/beevault/pkg/constants"
	"github.com/WebFirstLanguage/beevault/pkg/identity"
	"github.com/WebFirstLanguage/beevault/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTLS(t *testing.T) *tls.Config {
	t.Helper()
	id, err := identity.GenerateIdentity()
	require.NoError(t, err)
	cfg, err := transport.TLSConfig(id)
	require.NoError(t, err)
	return cfg
}

func TestQUICTransport_Basics(t *testing.T) {
	tr := New(nil)
	assert.Equal(t, "quic", tr.Name())
	assert.Equal(t, constants.DefaultListenPort, tr.DefaultPort())

	registry := transport.NewRegistry()
	Register(registry)
	tr2, err := registry.New("quic", nil)
	require.NoError(t, err)
	assert.Equal(t, "quic", tr2.Name())
}

func TestQUICTransport_RoundTrip(t *testing.T) {
	tr := New(transport.DefaultConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	listener, err := tr.Listen(ctx, "127.0.0.1:0", testTLS(t))
	require.NoError(t, err)
	defer listener.Close()
	_, ok := listener.Addr().(*net.UDPAddr)
	require.True(t, ok)

	received := make(chan string, 1)
	go func() {
		conn, err := listener.Accept(ctx)
		if err != nil {
			received <- err.Error()
			return
		}
		defer conn.Close()
		buf := make([]byte, 5)
		if _, err := io.ReadFull(conn, buf); err != nil {
			received <- err.Error()
			return
		}
		received <- string(buf)
	}()

	conn, err := tr.Dial(ctx, listener.Addr().String(), testTLS(t))
	require.NoError(t, err)
	defer conn.Close()

	// The stream becomes visible to the listener with its first bytes
	_, err = conn.Write([]byte("hello"))
	require.NoError(t, err)

	select {
	case got := <-received:
		assert.Equal(t, "hello", got)
	case <-ctx.Done():
		t.Fatal("timed out waiting for the stream")
	}

	state := conn.ConnectionState()
	assert.True(t, state.HandshakeComplete)
	assert.Equal(t, constants.ALPN, state.NegotiatedProtocol)
}

func TestQUICTransport_CanceledContext(t *testing.T) {
	tr := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := tr.Listen(ctx, "127.0.0.1:0", nil)
	assert.Error(t, err)
	_, err = tr.Dial(ctx, "127.0.0.1:1", nil)
	assert.Error(t, err)
}
