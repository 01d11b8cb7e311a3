package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/suhailpatel/realm-core/internal/clientreset"
	"github.com/suhailpatel/realm-core/internal/config"
	"github.com/suhailpatel/realm-core/internal/connection"
	"github.com/suhailpatel/realm-core/internal/facade"
	"github.com/suhailpatel/realm-core/internal/logging"
	"github.com/suhailpatel/realm-core/internal/manager"
	"github.com/suhailpatel/realm-core/internal/progress"
	"github.com/suhailpatel/realm-core/internal/protocol"
	"github.com/suhailpatel/realm-core/internal/replication"
	"github.com/suhailpatel/realm-core/internal/session"
	"github.com/suhailpatel/realm-core/internal/store"
	"github.com/suhailpatel/realm-core/internal/syncerr"
	"github.com/suhailpatel/realm-core/internal/transport"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the manager, activate configured sessions, and block until shutdown",
	RunE:  runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

// sessionKeyForPath derives a stable store session key from a string
// (the configured server URL, or a fresh side-database path), so the
// same string always maps to the same bbolt bucket.
func sessionKeyForPath(path string) string {
	sum := sha256.Sum256([]byte(path))
	return hex.EncodeToString(sum[:8])
}

// resetMarkerPath is where `synccored reset <server-url>` leaves its marker
// for `run` to pick up at startup (spec §10.4).
func resetMarkerPath(stateDir, sessionKey string) string {
	return filepath.Join(stateDir, "reset", sessionKey+".json")
}

type resetMarker struct {
	Kind string `json:"kind"`
}

// siblingSession adapts a temporary *session.Session dialed against a
// fresh side database into the clientreset.SiblingSession surface
// (spec §4.4 step 2): Activate enlists it to bootstrap-download,
// WaitForDownloadComplete blocks on its own download-completion
// callback, and Close releases its connection back to the manager's
// pool rather than tearing the pool down.
type siblingSession struct {
	sess      *session.Session
	mgr       *manager.Manager
	endpoint  protocol.Endpoint
	userID    string
	sessionID int64
	done      chan syncerr.Status
}

func (s *siblingSession) Activate() { s.sess.Activate() }

func (s *siblingSession) WaitForDownloadComplete(ctx context.Context) error {
	select {
	case st := <-s.done:
		if !st.OK() {
			return fmt.Errorf("fresh side database download finished with status: %w", st.Err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *siblingSession) Close() error {
	s.sess.Deactivate()
	s.mgr.ReleaseConnection(s.endpoint, s.userID, s.sessionID)
	return nil
}

// freshSessionFactory returns a clientreset.FreshSessionFactory that
// dials (or reuses, per one-connection-per-session) a pooled connection
// and opens a throwaway session bound to the fresh side database path
// (spec §4.4 step 2: "download a fresh copy of the realm").
func freshSessionFactory(mgr *manager.Manager, endpoint protocol.Endpoint, cfg *config.Config, mode protocol.Mode, st *store.Store, engine *replication.Engine) clientreset.FreshSessionFactory {
	var nextSiblingID int64 = 1 << 32 // disjoint from real session ids, which start at 1
	return func(ctx context.Context, freshPath string) (clientreset.SiblingSession, error) {
		nextSiblingID++
		siblingID := nextSiblingID

		conn, err := mgr.AcquireConnection(ctx, endpoint, cfg.DeviceName, siblingID, mode)
		if err != nil {
			return nil, fmt.Errorf("acquiring sibling connection: %w", err)
		}

		freshSess, err := session.New(session.Config{
			SessionID:           siblingID,
			Mode:                mode,
			ServerPathOrJSON:    cfg.ServerURL,
			NeedClientFileIdent: true,
		}, st, engine, progress.New(), sessionKeyForPath(freshPath))
		if err != nil {
			mgr.ReleaseConnection(endpoint, cfg.DeviceName, siblingID)
			return nil, fmt.Errorf("constructing sibling session: %w", err)
		}

		done := make(chan syncerr.Status, 1)
		freshSess.RegisterCompletion(progress.Download, func(st syncerr.Status) {
			select {
			case done <- st:
			default:
			}
		})

		conn.ActivateSession(siblingID, freshSess)
		conn.EnlistToSend(siblingID)

		return &siblingSession{
			sess:      freshSess,
			mgr:       mgr,
			endpoint:  endpoint,
			userID:    cfg.DeviceName,
			sessionID: siblingID,
			done:      done,
		}, nil
	}
}

func consumeResetMarker(stateDir, sessionKey string, st *store.Store, logger *slog.Logger) error {
	path := resetMarkerPath(stateDir, sessionKey)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading reset marker: %w", err)
	}

	var marker resetMarker
	if err := json.Unmarshal(data, &marker); err != nil {
		return fmt.Errorf("parsing reset marker: %w", err)
	}

	logger.Info("applying pending client reset marker", slog.String("session_key", sessionKey), slog.String("kind", marker.Kind))
	if err := st.DropSession(sessionKey); err != nil {
		return fmt.Errorf("dropping session state for reset: %w", err)
	}
	return os.Remove(path)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.New(logging.Config{Environment: cfg.Environment, FilePath: cfg.LogFilePath})
	logger.Info("synccored starting", slog.String("version", Version), slog.String("server_url", cfg.ServerURL))

	mode, err := cfg.Mode()
	if err != nil {
		return err
	}
	resetMode, err := cfg.ResetMode()
	if err != nil {
		return err
	}

	st, err := store.Open(filepath.Join(cfg.StateDir, "sync.db"))
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	sessionKey := sessionKeyForPath(cfg.ServerURL)
	if err := consumeResetMarker(cfg.StateDir, sessionKey, st, logger); err != nil {
		logger.Warn("failed to apply reset marker", slog.String("error", err.Error()))
	}

	endpoint, err := protocol.ParseServerURL(cfg.ServerURL, false)
	if err != nil {
		return fmt.Errorf("parsing server url: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// handleSessionAction is assigned below once the primary session's
	// facade and the reset coordinator exist; the manager needs a
	// non-nil callback value up front to forward into every connection
	// it dials, so it indirects through this variable.
	var handleSessionAction func(ctx context.Context, sessionIdent connection.SessionID, action protocol.ServerRequestedAction)

	mgr := manager.New(ctx, manager.Config{
		LingerTime:             cfg.LingerTime,
		OneConnectionPerSession: cfg.OneConnectionPerSession,
		OldestSupportedVersion: cfg.OldestSupportedProtocolVersion,
		CurrentVersion:         cfg.CurrentProtocolVersion,
		Logger:                 logger,
		OnSessionAction: func(ctx context.Context, sessionIdent connection.SessionID, action protocol.ServerRequestedAction) {
			if handleSessionAction != nil {
				handleSessionAction(ctx, sessionIdent, action)
			}
		},
	}, func() transport.Transport {
		return transport.NewWebSocketTransport("synccored", "synccored/"+Version, 16<<20)
	})

	conn, err := mgr.AcquireConnection(ctx, endpoint, cfg.DeviceName, 1, mode)
	if err != nil {
		return fmt.Errorf("acquiring connection: %w", err)
	}

	engine := replication.New()
	notifier := progress.New()

	sess, err := session.New(session.Config{
		SessionID:           1,
		Mode:                mode,
		ServerPathOrJSON:    cfg.ServerURL,
		NeedClientFileIdent: true,
	}, st, engine, notifier, sessionKey)
	if err != nil {
		return fmt.Errorf("constructing session: %w", err)
	}

	syncSession, _ := facade.New(sess)

	conn.ActivateSession(1, sess)
	conn.EnlistToSend(1)

	// primaryPath is the local file this daemon's single managed
	// session owns; RECOVERY_FILE_PATH (spec §8 scenario 3) is derived
	// from it under cfg.RecoveryDirectory.
	primaryPath := filepath.Join(cfg.StateDir, sessionKey+".realm")

	resetCoordinator := clientreset.New(st, engine, freshSessionFactory(mgr, endpoint, cfg, mode, st, engine), logger)

	handleSessionAction = func(ctx context.Context, sessionIdent connection.SessionID, action protocol.ServerRequestedAction) {
		kind, ok := clientreset.ActionFromError(action)
		if !ok {
			return
		}
		logger.Warn("server requested action, running client reset coordinator",
			slog.Int64("session", sessionIdent), slog.String("action", string(action)))

		req := clientreset.Request{
			Kind:        kind,
			Mode:        resetMode,
			PrimaryPath: primaryPath,
			RecoveryDir: cfg.RecoveryDirectory,
			SessionKey:  sessionKey,
		}
		if err := resetCoordinator.Run(ctx, req, syncSession.SwapAsideCallbacks, syncSession.RestoreCallbacks); err != nil {
			logger.Error("client reset coordinator failed", slog.String("error", err.Error()))
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return mgr.Wait() })
	g.Go(func() error { return keepalivePump(gctx, conn, cfg, logger) })

	<-ctx.Done()
	logger.Info("shutdown signal received, closing session")
	_ = syncSession.Close(facade.CloseAfterChangesUploaded)
	mgr.CloseAll()

	return g.Wait()
}

// keepalivePump sends PING at the configured period and fails the
// group if a PONG is overdue, matching the teacher's heartbeat ticker
// in obsidian.SyncClient.Listen.
func keepalivePump(ctx context.Context, conn *connection.Connection, cfg *config.Config, logger *slog.Logger) error {
	ticker := time.NewTicker(cfg.PingKeepalivePeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if conn.PongOverdue(now) {
				logger.Warn("pong overdue, forcing reconnect")
				conn.ForceClose()
				return fmt.Errorf("pong keepalive timeout exceeded")
			}
			if err := conn.SendPing(ctx, now); err != nil {
				logger.Warn("failed to send ping", slog.String("error", err.Error()))
			}
		}
	}
}
