// Package clientreset implements the client-reset / PBS<->FLX
// migration coordinator (spec §4.4): downloading a fresh side
// database, persisting PBS<->FLX migration state, swapping aside
// pending completion callbacks during the transient Inactive window,
// and recovery-backup file naming. It does not mirror or create FLX
// subscriptions; the only subscription change it makes is clearing
// the subscription on a revert to PBS.
//
// Grounded on the teacher's Reconciler three-phase flow
// (obsidian/reconcile.go Phase1/Phase2And3), generalized from
// local/server note reconciliation to fresh-copy download plus
// recovery; the diagnostic diff below reuses the same
// github.com/sergi/go-diff/diffmatchpatch dependency the teacher uses
// for conflict-merge text diffing, repurposed here to produce a
// human-readable summary of what the recovery discarded.
package clientreset

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/suhailpatel/realm-core/internal/protocol"
	"github.com/suhailpatel/realm-core/internal/store"
	"github.com/suhailpatel/realm-core/internal/syncerr"
)

// Mode controls what happens when a reset is requested (spec §4.4 step 1).
type Mode int

const (
	// ModeDiscardLocal performs the fresh-download-and-recover flow
	// automatically.
	ModeDiscardLocal Mode = iota
	// ModeManual surfaces an error carrying a computed recovery backup
	// path instead of recovering automatically. The local file is not
	// moved, copied or marked.
	ModeManual
)

// Kind distinguishes the server-requested action driving a reset (spec §7).
type Kind int

const (
	KindClientReset Kind = iota
	KindClientResetNoRecovery
	KindMigrateToFLX
	KindRevertToPBS
)

// SiblingSession is the minimal surface the coordinator needs from a
// temporary downloading session; satisfied by a session.Session
// configured against the fresh side database.
type SiblingSession interface {
	Activate()
	WaitForDownloadComplete(ctx context.Context) error
	Close() error
}

// ReplicationEngine is the subset of the local database's recovery
// surface the coordinator drives (spec §4.4 step 4).
type ReplicationEngine interface {
	RecoverFromFresh(ctx context.Context, freshPath string, discard bool) (summary string, err error)
}

// FreshSessionFactory opens a temporary sibling session against a
// fresh side database at the given path.
type FreshSessionFactory func(ctx context.Context, freshPath string) (SiblingSession, error)

// Request describes one reset/migration invocation.
type Request struct {
	Kind          Kind
	Mode          Mode
	PrimaryPath   string
	RecoveryDir   string
	SessionKey    string
	QueryString   string // for MigrateToFLX
	Partition     string // for RevertToPBS
	SavedConfigJSON string
}

// Coordinator drives the fresh-download-and-recover sequence.
type Coordinator struct {
	store       *store.Store
	engine      ReplicationEngine
	newSibling  FreshSessionFactory
	logger      *slog.Logger

	// nowFunc and existsFunc are overridable in tests; they default to
	// time.Now and a real os.Stat-backed collision check.
	nowFunc    func() time.Time
	existsFunc func(path string) bool
}

// New constructs a Coordinator.
func New(st *store.Store, engine ReplicationEngine, newSibling FreshSessionFactory, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:      st,
		engine:     engine,
		newSibling: newSibling,
		logger:     logger,
		nowFunc:    time.Now,
		existsFunc: func(path string) bool {
			_, err := os.Stat(path)
			return err == nil
		},
	}
}

// FreshPath derives the conceptual "<primary>.fresh" side-database path
// (spec §6 "Persisted state").
func FreshPath(primaryPath string) string {
	return primaryPath + ".fresh"
}

// RecoveryBackupPath derives recovery_directory/recovered_realm_<date>_<n>,
// bumping n until a non-colliding name is found (spec §6, §4.4 step 1).
// exists is injected so callers (and tests) control collision behavior
// without touching the filesystem from this package.
func RecoveryBackupPath(recoveryDir string, when time.Time, exists func(path string) bool) string {
	base := fmt.Sprintf("%s/recovered_realm_%04d_%02d_%02d", recoveryDir, when.Year(), when.Month(), when.Day())
	candidate := base
	for n := 1; exists(candidate); n++ {
		candidate = fmt.Sprintf("%s_%d", base, n)
	}
	return candidate
}

// Run executes the coordinator sequence for one request (spec §4.4).
// onSwapAsideCallbacks/onRestoreCallbacks let the caller (the facade)
// temporarily move pending completion callbacks aside so the transient
// Inactive state does not drain them, re-registering on the next Active
// (spec §4.4 step 5, §4.3 "Completion-callback semantics").
func (c *Coordinator) Run(ctx context.Context, req Request, onSwapAsideCallbacks, onRestoreCallbacks func()) error {
	if req.Kind == KindClientReset || req.Kind == KindClientResetNoRecovery {
		if req.Mode == ModeManual {
			c.logger.Warn("client reset requires manual recovery", slog.String("primary_path", req.PrimaryPath))
			return c.buildSyncError(req, fmt.Errorf("client reset: manual recovery required"))
		}
	}

	onSwapAsideCallbacks()
	defer onRestoreCallbacks()

	freshPath := FreshPath(req.PrimaryPath)
	sibling, err := c.newSibling(ctx, freshPath)
	if err != nil {
		return c.fail(req, fmt.Errorf("opening fresh side database: %w", err))
	}

	switch req.Kind {
	case KindMigrateToFLX:
		if err := c.store.SetMigration(req.SessionKey, store.Migration{
			InProgress: true, ToFLX: true, QueryString: req.QueryString, SavedConfigJSON: req.SavedConfigJSON,
		}); err != nil {
			return c.fail(req, fmt.Errorf("persisting migration state: %w", err))
		}
	case KindRevertToPBS:
		if err := c.store.SetMigration(req.SessionKey, store.Migration{
			InProgress: true, ToFLX: false, Partition: req.Partition, SavedConfigJSON: req.SavedConfigJSON,
		}); err != nil {
			return c.fail(req, fmt.Errorf("persisting migration state: %w", err))
		}
	}

	sibling.Activate()
	if err := sibling.WaitForDownloadComplete(ctx); err != nil {
		_ = sibling.Close()
		return c.fail(req, fmt.Errorf("sibling download: %w", err))
	}
	if err := sibling.Close(); err != nil {
		return c.fail(req, fmt.Errorf("closing sibling session: %w", err))
	}

	discard := req.Kind == KindClientResetNoRecovery
	summary, err := c.engine.RecoverFromFresh(ctx, freshPath, discard)
	if err != nil {
		return c.fail(req, fmt.Errorf("recovering from fresh copy: %w", err))
	}
	c.logger.Info("client reset recovery complete",
		slog.String("primary_path", req.PrimaryPath),
		slog.String("summary", summary),
	)

	if req.Kind == KindMigrateToFLX || req.Kind == KindRevertToPBS {
		m, err := c.store.GetMigration(req.SessionKey)
		if err == nil {
			m.InProgress = false
			_ = c.store.SetMigration(req.SessionKey, m)
		}
		if req.Kind == KindRevertToPBS {
			_ = c.store.SetSubscription(req.SessionKey, store.Subscription{})
		}
	}

	return nil
}

func (c *Coordinator) fail(req Request, cause error) error {
	c.logger.Error("auto client reset failure",
		slog.String("primary_path", req.PrimaryPath),
		slog.String("error", cause.Error()),
	)
	return c.buildSyncError(req, fmt.Errorf("auto_client_reset_failure: %w", cause))
}

// buildSyncError wraps cause with the user_info surface applications
// inspect after a client reset (spec §8 scenario 3):
// ORIGINAL_FILE_PATH names the on-disk primary file, RECOVERY_FILE_PATH
// names where its backup lives (or will live) under RecoveryDir.
func (c *Coordinator) buildSyncError(req Request, cause error) *syncerr.SyncError {
	return syncerr.NewSyncError(cause, map[string]string{
		"ORIGINAL_FILE_PATH": req.PrimaryPath,
		"RECOVERY_FILE_PATH": RecoveryBackupPath(req.RecoveryDir, c.nowFunc(), c.existsFunc),
	})
}

// DiagnoseRecoveryDiff produces a human-readable unified diff between
// the discarded local history's textual summary and the recovered
// server state, for inclusion in logs or a recovery backup's sidecar
// file. Grounded on the teacher's conflict-merge use of the same
// diffmatchpatch library for note-content merging.
func DiagnoseRecoveryDiff(discardedSummary, recoveredSummary string) string {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(discardedSummary, recoveredSummary, false)
	diffs = dmp.DiffCleanupSemantic(diffs)
	return dmp.DiffPrettyText(diffs)
}

// ActionFromError maps a server-requested action to the Kind this
// coordinator understands, or false if the action does not drive a
// reset/migration (spec §7 "Server-requested action").
func ActionFromError(action protocol.ServerRequestedAction) (Kind, bool) {
	switch action {
	case protocol.ActionClientReset:
		return KindClientReset, true
	case protocol.ActionClientResetNoRecovery:
		return KindClientResetNoRecovery, true
	case protocol.ActionMigrateToFLX:
		return KindMigrateToFLX, true
	case protocol.ActionRevertToPBS:
		return KindRevertToPBS, true
	default:
		return 0, false
	}
}
