// Package connection implements the Connection state machine (spec
// §4.2): transport lifecycle, PING/PONG keepalive with RTT tracking,
// the multiplexed FIFO write queue across enlisted sessions, and
// sub-protocol handshake validation.
//
// Grounded on the teacher's SyncClient.Listen reconnect loop and its
// pingAfter/heartbeatCheckAt/disconnectAfter tickers in obsidian/sync.go,
// generalized from a single always-one-session connection to the
// spec's multiplexed FIFO of enlisted sessions. A Connection holds an
// internal/reconnect Policy (see Policy) and confirms a scheduled reset
// on each PONG; it does not itself reconnect after a disconnect, wait
// out a reconnect delay, or offer cancel_reconnect_delay.
package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/suhailpatel/realm-core/internal/connstate"
	"github.com/suhailpatel/realm-core/internal/protocol"
	"github.com/suhailpatel/realm-core/internal/reconnect"
	"github.com/suhailpatel/realm-core/internal/syncerr"
	"github.com/suhailpatel/realm-core/internal/transport"
)

const (
	// defaultPingKeepalivePeriod and defaultPongKeepaliveTimeout mirror the teacher's
	// pingAfter/disconnectAfter constants, generalized into configurable
	// fields below with these as defaults.
	defaultPingKeepalivePeriod = 10 * time.Second
	defaultPongKeepaliveTimeout = 120 * time.Second
)

// Enlistable is the subset of session behavior the connection needs in
// order to drive the multiplex write queue and inbound dispatch,
// satisfied by *session.Session without importing that package (which
// itself would need to import connection for the reverse direction).
type Enlistable interface {
	IsEnlistedToSend() bool
	BuildOutboundMessage(ctx context.Context) (msg interface{}, ok bool, err error)

	// HandleInbound decodes and dispatches one frame already classified
	// as belonging to this session. A non-empty action return value
	// means the session's handling of the frame produced a
	// server-requested action (spec §7) the connection's owner should
	// act on, e.g. driving the client-reset coordinator.
	HandleInbound(ctx context.Context, msgType protocol.MessageType, data []byte) (action protocol.ServerRequestedAction, err error)
}

// SessionID identifies a session on the wire.
type SessionID = int64

// Config configures one Connection.
type Config struct {
	URL                 string
	Mode                protocol.Mode
	OldestSupportedVersion int
	CurrentVersion      int
	PingKeepalivePeriod time.Duration
	PongKeepaliveTimeout time.Duration
	Logger              *slog.Logger

	// OnSessionAction is invoked from ReadLoop whenever a session's
	// HandleInbound reports a server-requested action, letting the
	// connection's owner (internal/manager, cmd/synccored) drive the
	// client-reset coordinator without this package importing it.
	OnSessionAction func(ctx context.Context, sessionIdent SessionID, action protocol.ServerRequestedAction)
}

// Connection owns one transport and multiplexes it across enlisted
// sessions (spec §3 "Connection").
type Connection struct {
	cfg     Config
	tr      transport.Transport
	policy  *reconnect.Policy
	notify  *connstate.Notifier
	logger  *slog.Logger

	mu               sync.Mutex
	sessions         map[SessionID]Enlistable
	historicalIdents map[SessionID]bool
	sendQueue        []SessionID

	forceClosed bool
	waitingForPong bool
	lastPingSent   time.Time
	rtt            time.Duration

	writeMu sync.Mutex
}

// New constructs a Connection over the given transport implementation.
func New(cfg Config, tr transport.Transport) *Connection {
	if cfg.PingKeepalivePeriod == 0 {
		cfg.PingKeepalivePeriod = defaultPingKeepalivePeriod
	}
	if cfg.PongKeepaliveTimeout == 0 {
		cfg.PongKeepaliveTimeout = defaultPongKeepaliveTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Connection{
		cfg:              cfg,
		tr:               tr,
		policy:           reconnect.NewPolicy(reconnect.DefaultConfig()),
		notify:           connstate.New(),
		logger:           logger,
		sessions:         make(map[SessionID]Enlistable),
		historicalIdents: make(map[SessionID]bool),
	}
}

// Notifier exposes the connection-state notifier for external registration.
func (c *Connection) Notifier() *connstate.Notifier { return c.notify }

// ActivateSession registers a session by identifier (spec §4.2
// "activate_session"). If the connection is already connected, the
// caller should immediately call EnlistToSend to give it a send turn.
func (c *Connection) ActivateSession(id SessionID, s Enlistable) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[id] = s
	delete(c.historicalIdents, id)
}

// InitiateSessionDeactivation removes a session from active bookkeeping
// once its UNBIND/UNBOUND exchange completes, retaining its identifier
// as historical for late-message classification (spec §3 "historical
// identifiers").
func (c *Connection) InitiateSessionDeactivation(id SessionID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, id)
	c.historicalIdents[id] = true
}

// EnlistToSend appends a session identifier to the FIFO write queue if
// not already present.
func (c *Connection) EnlistToSend(id SessionID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.sendQueue {
		if existing == id {
			return
		}
	}
	c.sendQueue = append(c.sendQueue, id)
}

// Connect dials the transport, performs the sub-protocol handshake,
// and transitions the connection-state notifier to Connected.
func (c *Connection) Connect(ctx context.Context) error {
	c.notify.Transition(connstate.Connecting)

	offered := protocol.OfferedProtocols(c.cfg.Mode, c.cfg.OldestSupportedVersion, c.cfg.CurrentVersion)
	accepted, err := c.tr.Dial(ctx, c.cfg.URL, offered)
	if err != nil {
		c.notify.Transition(connstate.Disconnected)
		return fmt.Errorf("dialing transport: %w", err)
	}

	if _, err := protocol.AcceptProtocol(accepted, c.cfg.Mode, c.cfg.OldestSupportedVersion, c.cfg.CurrentVersion); err != nil {
		_ = c.tr.Close(transport.CloseProtocolError, "bad protocol from server")
		c.notify.Transition(connstate.Disconnected)
		return fmt.Errorf("%w: %v", syncerr.ErrBadProtocolFromServer, err)
	}

	c.notify.Transition(connstate.Connected)
	return nil
}

// ForceClose unconditionally tears down the transport (spec §4.2
// "force_close").
func (c *Connection) ForceClose() {
	c.mu.Lock()
	c.forceClosed = true
	c.mu.Unlock()
	_ = c.tr.Close(transport.CloseGoingAway, "force close")
	c.notify.Transition(connstate.Disconnected)
}

// PumpSendQueue gives the head enlisted session an opportunity to
// build and send a frame; if it declines, the next session in FIFO
// order is tried (spec §4.2 "Multiplex write queue"). Returns false if
// no session had anything to send.
func (c *Connection) PumpSendQueue(ctx context.Context) (bool, error) {
	c.mu.Lock()
	queue := append([]SessionID(nil), c.sendQueue...)
	c.mu.Unlock()

	for _, id := range queue {
		c.mu.Lock()
		s, live := c.sessions[id]
		c.mu.Unlock()
		if !live {
			c.removeFromQueue(id)
			continue
		}
		if !s.IsEnlistedToSend() {
			c.removeFromQueue(id)
			continue
		}

		msg, ok, err := s.BuildOutboundMessage(ctx)
		if err != nil {
			return false, err
		}
		if !ok {
			c.removeFromQueue(id)
			continue
		}

		if err := c.writeFrame(ctx, msg); err != nil {
			return false, err
		}
		if !s.IsEnlistedToSend() {
			c.removeFromQueue(id)
		}
		return true, nil
	}
	return false, nil
}

func (c *Connection) removeFromQueue(id SessionID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.sendQueue[:0]
	for _, existing := range c.sendQueue {
		if existing != id {
			out = append(out, existing)
		}
	}
	c.sendQueue = out
}

// writeFrame is the connection's single writer; the invariant "at most
// one outbound write is in flight" is enforced by writeMu (spec §3).
func (c *Connection) writeFrame(ctx context.Context, msg interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	return c.tr.Write(ctx, transport.FrameText, data)
}

// SendPing emits a keepalive PING and arms the pong-timeout watchdog
// (spec §4.2 "Keepalive").
func (c *Connection) SendPing(ctx context.Context, now time.Time) error {
	c.mu.Lock()
	c.waitingForPong = true
	c.lastPingSent = now
	c.mu.Unlock()

	return c.writeFrame(ctx, protocol.PingMessage{Type: protocol.MsgPing, Timestamp: now.UnixMilli()})
}

// HandlePong clears the pong-timeout watchdog and records the RTT
// (spec §4.2: "A received PONG clears the watchdog, records RTT").
func (c *Connection) HandlePong(pong protocol.PongMessage, now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.waitingForPong || pong.Timestamp != c.lastPingSent.UnixMilli() {
		return fmt.Errorf("%w: unexpected PONG timestamp", syncerr.ErrBadSyntax)
	}
	c.waitingForPong = false
	c.rtt = now.Sub(c.lastPingSent)
	c.policy.ConfirmHealthy()
	return nil
}

// PongOverdue reports whether the pong-timeout watchdog has expired.
func (c *Connection) PongOverdue(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waitingForPong && now.Sub(c.lastPingSent) >= c.cfg.PongKeepaliveTimeout
}

// RTT returns the most recently measured round-trip time.
func (c *Connection) RTT() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rtt
}

// DispatchInbound routes one decoded frame to its target session by
// identifier (spec §4.2 "Inbound dispatch"). liveDispatch is called
// when the identifier refers to a currently-live session; historical
// idents are dropped silently, and unknown idents are a fatal
// bad_session_ident protocol violation.
func (c *Connection) DispatchInbound(sessionIdent SessionID, liveDispatch func(Enlistable) error) error {
	c.mu.Lock()
	s, live := c.sessions[sessionIdent]
	historical := c.historicalIdents[sessionIdent]
	c.mu.Unlock()

	if live {
		return liveDispatch(s)
	}
	if historical {
		c.logger.Debug("dropping frame for historical session", slog.Int64("session_ident", sessionIdent))
		return nil
	}
	return fmt.Errorf("%w: unknown session ident %d", syncerr.ErrBadSessionIdent, sessionIdent)
}

// Policy exposes the reconnect policy driving this connection's
// post-disconnect wait.
func (c *Connection) Policy() *reconnect.Policy { return c.policy }

// ReadLoop is the connection's single reader: it blocks on the
// transport, classifies each frame by protocol.PeekType, handles
// PING/PONG at the connection level, and dispatches everything else
// through DispatchInbound to the owning session (spec §4.2 "Inbound
// dispatch"). It returns nil on context cancellation and an error for
// any decode or dispatch failure, mirroring PumpSendQueue's contract
// so both can be supervised by the same caller.
func (c *Connection) ReadLoop(ctx context.Context) error {
	for {
		_, data, err := c.tr.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reading frame: %w", err)
		}

		msgType := protocol.PeekType(data)
		if msgType == protocol.MsgPong {
			var pong protocol.PongMessage
			if err := json.Unmarshal(data, &pong); err != nil {
				return fmt.Errorf("%w: decoding pong: %v", syncerr.ErrBadSyntax, err)
			}
			if err := c.HandlePong(pong, time.Now()); err != nil {
				return err
			}
			continue
		}
		if msgType == "" {
			return fmt.Errorf("%w: frame carries no recognizable message type", syncerr.ErrBadSyntax)
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return fmt.Errorf("%w: decoding envelope: %v", syncerr.ErrBadSyntax, err)
		}

		err = c.DispatchInbound(env.Session, func(s Enlistable) error {
			action, herr := s.HandleInbound(ctx, msgType, data)
			if herr != nil {
				return herr
			}
			if action != protocol.ActionNone && c.cfg.OnSessionAction != nil {
				c.cfg.OnSessionAction(ctx, env.Session, action)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
}
