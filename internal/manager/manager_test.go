package manager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suhailpatel/realm-core/internal/protocol"
	"github.com/suhailpatel/realm-core/internal/transport"
)

type fakeTransport struct {
	acceptedProtocol string
	closed           bool
}

func (f *fakeTransport) Dial(ctx context.Context, url string, offered []string) (string, error) {
	return f.acceptedProtocol, nil
}

func (f *fakeTransport) Read(ctx context.Context) (transport.FrameType, []byte, error) {
	<-ctx.Done()
	return transport.FrameText, nil, ctx.Err()
}

func (f *fakeTransport) Write(ctx context.Context, typ transport.FrameType, data []byte) error {
	return nil
}

func (f *fakeTransport) Close(code int, reason string) error {
	f.closed = true
	return nil
}

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	if cfg.OldestSupportedVersion == 0 && cfg.CurrentVersion == 0 {
		cfg.OldestSupportedVersion, cfg.CurrentVersion = 1, 2
	}
	m := New(context.Background(), cfg, func() transport.Transport {
		return &fakeTransport{acceptedProtocol: "pbs_sync#1"}
	})
	t.Cleanup(m.CloseAll)
	return m
}

func TestAcquireConnection_SameEndpointUserSharesOneConnection(t *testing.T) {
	m := newTestManager(t, Config{})
	endpoint := protocol.Endpoint{Envelope: protocol.EnvelopeTLS, Host: "sync.example.com", Port: 443}

	a, err := m.AcquireConnection(context.Background(), endpoint, "user-1", 1, protocol.ModePBS)
	require.NoError(t, err)
	b, err := m.AcquireConnection(context.Background(), endpoint, "user-1", 2, protocol.ModePBS)
	require.NoError(t, err)

	assert.Same(t, a, b, "same (endpoint, user) must share one connection when one-connection-per-session is false")
}

func TestAcquireConnection_OneConnectionPerSessionGivesDistinctConnections(t *testing.T) {
	m := newTestManager(t, Config{OneConnectionPerSession: true})
	endpoint := protocol.Endpoint{Envelope: protocol.EnvelopeTLS, Host: "sync.example.com", Port: 443}

	a, err := m.AcquireConnection(context.Background(), endpoint, "user-1", 1, protocol.ModePBS)
	require.NoError(t, err)
	b, err := m.AcquireConnection(context.Background(), endpoint, "user-1", 2, protocol.ModePBS)
	require.NoError(t, err)

	assert.NotSame(t, a, b)
}

func TestAcquireConnection_DifferentUsersGetDistinctConnections(t *testing.T) {
	m := newTestManager(t, Config{})
	endpoint := protocol.Endpoint{Envelope: protocol.EnvelopeTLS, Host: "sync.example.com", Port: 443}

	a, err := m.AcquireConnection(context.Background(), endpoint, "user-1", 1, protocol.ModePBS)
	require.NoError(t, err)
	b, err := m.AcquireConnection(context.Background(), endpoint, "user-2", 2, protocol.ModePBS)
	require.NoError(t, err)

	assert.NotSame(t, a, b)
}

func TestReleaseConnection_SchedulesLingerDisconnect(t *testing.T) {
	m := newTestManager(t, Config{LingerTime: 10 * time.Millisecond})
	endpoint := protocol.Endpoint{Envelope: protocol.EnvelopeTLS, Host: "sync.example.com", Port: 443}

	_, err := m.AcquireConnection(context.Background(), endpoint, "user-1", 1, protocol.ModePBS)
	require.NoError(t, err)

	m.ReleaseConnection(endpoint, "user-1", 1)

	key := m.poolKey(endpoint, "user-1", 1)
	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		_, stillPooled := m.pool[key]
		return !stillPooled
	}, time.Second, 5*time.Millisecond, "connection must be closed and evicted after linger_time elapses")
}

func TestReleaseConnection_ReacquireBeforeLingerCancelsDisconnect(t *testing.T) {
	m := newTestManager(t, Config{LingerTime: 100 * time.Millisecond})
	endpoint := protocol.Endpoint{Envelope: protocol.EnvelopeTLS, Host: "sync.example.com", Port: 443}

	first, err := m.AcquireConnection(context.Background(), endpoint, "user-1", 1, protocol.ModePBS)
	require.NoError(t, err)
	m.ReleaseConnection(endpoint, "user-1", 1)

	second, err := m.AcquireConnection(context.Background(), endpoint, "user-1", 2, protocol.ModePBS)
	require.NoError(t, err)
	assert.Same(t, first, second, "reacquiring before linger_time elapses must reuse the same connection")

	time.Sleep(150 * time.Millisecond)
	key := m.poolKey(endpoint, "user-1", 1)
	m.mu.Lock()
	_, stillPooled := m.pool[key]
	m.mu.Unlock()
	assert.True(t, stillPooled, "linger timer must have been cancelled by the reacquire")
}
