// Package manager implements the Sync Manager (spec §3 "Lifecycle"):
// it binds sessions to connections, keeps an endpoint/user-keyed
// connection pool, and schedules a disconnect after linger_time once a
// connection's last active session leaves.
//
// Grounded on the teacher's main.go errgroup supervision of the sync
// and MCP long-running loops, generalized here to supervise one
// goroutine per pooled connection; golang.org/x/sync/singleflight
// coalesces concurrent first-session-for-an-endpoint dial attempts the
// way the teacher's token refresh would if it used singleflight (it
// doesn't — this is an enrichment grounded in the rest of the pack).
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/suhailpatel/realm-core/internal/connection"
	"github.com/suhailpatel/realm-core/internal/protocol"
	"github.com/suhailpatel/realm-core/internal/transport"
)

// TransportFactory builds a fresh Transport for a new connection dial.
type TransportFactory func() transport.Transport

// Config configures the Manager.
type Config struct {
	LingerTime          time.Duration
	OneConnectionPerSession bool
	OldestSupportedVersion int
	CurrentVersion      int
	Logger              *slog.Logger

	// OnSessionAction is forwarded to every dialed connection's
	// connection.Config.OnSessionAction, letting the manager's owner
	// react to server-requested actions (spec §7) surfaced by
	// connection.Connection.ReadLoop.
	OnSessionAction func(ctx context.Context, sessionIdent connection.SessionID, action protocol.ServerRequestedAction)
}

type pooledConnection struct {
	conn        *connection.Connection
	refcount    int
	lingerTimer *time.Timer
	cancel      context.CancelFunc
}

// Manager owns the endpoint/user-keyed connection pool.
type Manager struct {
	cfg Config
	newTransport TransportFactory
	logger *slog.Logger

	mu    sync.Mutex
	pool  map[string]*pooledConnection
	group *errgroup.Group
	gctx  context.Context

	dialGroup singleflight.Group
}

// New constructs a Manager supervised by ctx; connection pump
// goroutines are collected under an errgroup.Group so a fatal error on
// any one connection can be observed by the caller.
func New(ctx context.Context, cfg Config, newTransport TransportFactory) *Manager {
	if cfg.LingerTime == 0 {
		cfg.LingerTime = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	g, gctx := errgroup.WithContext(ctx)
	return &Manager{
		cfg:          cfg,
		newTransport: newTransport,
		logger:       logger,
		pool:         make(map[string]*pooledConnection),
		group:        g,
		gctx:         gctx,
	}
}

// poolKey returns the pool map key for an (endpoint, user, mode)
// triple, honoring one-connection-per-session when enabled (spec §3
// invariant: "Exactly one connection per (endpoint, user) in
// one-connection-per-session=false mode; exactly one per session
// otherwise").
func (m *Manager) poolKey(endpoint protocol.Endpoint, userID string, sessionID int64) string {
	if m.cfg.OneConnectionPerSession {
		return fmt.Sprintf("%s|%s|session:%d", endpoint.Key(), userID, sessionID)
	}
	return fmt.Sprintf("%s|%s", endpoint.Key(), userID)
}

// AcquireConnection returns the pooled connection for this
// (endpoint, user, session) key, dialing a new one if none exists, and
// increments its session refcount. The caller must call
// ReleaseConnection when the session deactivates.
func (m *Manager) AcquireConnection(ctx context.Context, endpoint protocol.Endpoint, userID string, sessionID int64, mode protocol.Mode) (*connection.Connection, error) {
	key := m.poolKey(endpoint, userID, sessionID)

	m.mu.Lock()
	if pc, ok := m.pool[key]; ok {
		pc.refcount++
		if pc.lingerTimer != nil {
			pc.lingerTimer.Stop()
			pc.lingerTimer = nil
		}
		m.mu.Unlock()
		return pc.conn, nil
	}
	m.mu.Unlock()

	result, err, _ := m.dialGroup.Do(key, func() (interface{}, error) {
		conn := connection.New(connection.Config{
			URL:                    endpoint.Key(),
			Mode:                   mode,
			OldestSupportedVersion: m.cfg.OldestSupportedVersion,
			CurrentVersion:         m.cfg.CurrentVersion,
			Logger:                 m.logger,
			OnSessionAction:        m.cfg.OnSessionAction,
		}, m.newTransport())

		if err := conn.Connect(ctx); err != nil {
			return nil, fmt.Errorf("connecting pooled connection: %w", err)
		}

		pumpCtx, cancel := context.WithCancel(m.gctx)
		pc := &pooledConnection{conn: conn, cancel: cancel}

		m.mu.Lock()
		m.pool[key] = pc
		m.mu.Unlock()

		m.group.Go(func() error {
			return m.pump(pumpCtx, key, conn)
		})

		return conn, nil
	})
	if err != nil {
		return nil, err
	}
	// Every caller takes its own reference, including callers whose
	// dial was coalesced into another caller's by dialGroup.
	m.mu.Lock()
	if pc, ok := m.pool[key]; ok {
		pc.refcount++
	}
	m.mu.Unlock()
	return result.(*connection.Connection), nil
}

// pump runs the connection's send-side drain and its inbound read loop
// side by side until its context is cancelled or either side fails
// (spec §4.2 "Multiplex write queue", "Inbound dispatch"). Grounded on
// the teacher's Listen event loop, generalized from one fixed
// operation type and one direction to polling whatever sessions are
// enlisted to send while a second goroutine reads whatever the server
// sends back.
func (m *Manager) pump(ctx context.Context, key string, conn *connection.Connection) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return m.sendPump(gctx, conn)
	})
	g.Go(func() error {
		return conn.ReadLoop(gctx)
	})

	err := g.Wait()
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	m.logger.Warn("connection pump error", slog.String("key", key), slog.String("error", err.Error()))
	return err
}

// sendPump drains the connection's multiplex send queue on a fixed
// tick until ctx is cancelled.
func (m *Manager) sendPump(ctx context.Context, conn *connection.Connection) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for {
				sent, err := conn.PumpSendQueue(ctx)
				if err != nil {
					return err
				}
				if !sent {
					break
				}
			}
		}
	}
}

// ReleaseConnection decrements the refcount for the connection a
// session was using; once it reaches zero, a disconnect is scheduled
// after linger_time (spec §3: "On last active session, a connection
// schedules a disconnect after linger_time").
func (m *Manager) ReleaseConnection(endpoint protocol.Endpoint, userID string, sessionID int64) {
	key := m.poolKey(endpoint, userID, sessionID)

	m.mu.Lock()
	defer m.mu.Unlock()

	pc, ok := m.pool[key]
	if !ok {
		return
	}
	pc.refcount--
	if pc.refcount > 0 {
		return
	}

	pc.lingerTimer = time.AfterFunc(m.cfg.LingerTime, func() {
		m.closeIfStillIdle(key)
	})
}

func (m *Manager) closeIfStillIdle(key string) {
	m.mu.Lock()
	pc, ok := m.pool[key]
	if !ok || pc.refcount > 0 {
		m.mu.Unlock()
		return
	}
	delete(m.pool, key)
	m.mu.Unlock()

	pc.cancel()
	pc.conn.ForceClose()
}

// Wait blocks until every pooled connection's pump goroutine has
// exited, returning the first error encountered (or ctx cancellation).
func (m *Manager) Wait() error {
	return m.group.Wait()
}

// CloseAll force-closes every pooled connection immediately, used on
// manager shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	keys := make([]string, 0, len(m.pool))
	for k := range m.pool {
		keys = append(keys, k)
	}
	m.mu.Unlock()

	for _, k := range keys {
		m.mu.Lock()
		pc, ok := m.pool[k]
		if ok {
			delete(m.pool, k)
		}
		m.mu.Unlock()
		if ok {
			pc.cancel()
			pc.conn.ForceClose()
		}
	}
}
