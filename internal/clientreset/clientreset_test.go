package clientreset

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suhailpatel/realm-core/internal/store"
	"github.com/suhailpatel/realm-core/internal/syncerr"
)

type fakeSibling struct {
	downloadErr error
	closed      bool
}

func (f *fakeSibling) Activate() {}
func (f *fakeSibling) WaitForDownloadComplete(ctx context.Context) error { return f.downloadErr }
func (f *fakeSibling) Close() error {
	f.closed = true
	return nil
}

type fakeEngine struct {
	recoverErr error
	calledWith string
	discard    bool
}

func (f *fakeEngine) RecoverFromFresh(ctx context.Context, freshPath string, discard bool) (string, error) {
	f.calledWith = freshPath
	f.discard = discard
	if f.recoverErr != nil {
		return "", f.recoverErr
	}
	return "recovered 3 tables", nil
}

func newTestCoordinator(t *testing.T, sibling SiblingSession, engine ReplicationEngine) *Coordinator {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "sync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	return New(st, engine, func(ctx context.Context, freshPath string) (SiblingSession, error) {
		return sibling, nil
	}, nil)
}

func TestRun_ManualModeRefusesAutomaticRecovery(t *testing.T) {
	c := newTestCoordinator(t, &fakeSibling{}, &fakeEngine{})
	err := c.Run(context.Background(), Request{Kind: KindClientReset, Mode: ModeManual}, func() {}, func() {})
	assert.Error(t, err)
}

// TestRun_ManualModeSurfacesSyncErrorUserInfo pins spec §8 scenario 3:
// a bad_client_file_ident-driven ClientReset in manual mode must
// surface a SyncError carrying ORIGINAL_FILE_PATH and
// RECOVERY_FILE_PATH in its user_info.
func TestRun_ManualModeSurfacesSyncErrorUserInfo(t *testing.T) {
	c := newTestCoordinator(t, &fakeSibling{}, &fakeEngine{})
	c.nowFunc = func() time.Time { return time.Date(2026, 8, 2, 0, 0, 0, 0, time.UTC) }
	c.existsFunc = func(string) bool { return false }

	err := c.Run(context.Background(), Request{
		Kind:        KindClientReset,
		Mode:        ModeManual,
		PrimaryPath: "/data/vault.realm",
		RecoveryDir: "/data/recovery",
	}, func() {}, func() {})

	require.Error(t, err)
	var syncErr *syncerr.SyncError
	require.True(t, errors.As(err, &syncErr))
	assert.Equal(t, "/data/vault.realm", syncErr.UserInfo["ORIGINAL_FILE_PATH"])
	assert.Contains(t, syncErr.UserInfo["RECOVERY_FILE_PATH"], "recovered_realm")
	assert.True(t, strings.Contains(syncErr.UserInfo["RECOVERY_FILE_PATH"], "/data/recovery"))
	assert.Contains(t, syncErr.UserInfo["RECOVERY_FILE_PATH"], "2026_08_02")
}

func TestRun_HappyPathRecoversFromFresh(t *testing.T) {
	sibling := &fakeSibling{}
	engine := &fakeEngine{}
	c := newTestCoordinator(t, sibling, engine)

	var sweptAside, restored bool
	err := c.Run(context.Background(), Request{
		Kind:        KindClientReset,
		PrimaryPath: "/data/vault.realm",
	}, func() { sweptAside = true }, func() { restored = true })

	require.NoError(t, err)
	assert.True(t, sibling.closed)
	assert.Equal(t, "/data/vault.realm.fresh", engine.calledWith)
	assert.False(t, engine.discard)
	assert.True(t, sweptAside)
	assert.True(t, restored)
}

func TestRun_NoRecoveryVariantDiscards(t *testing.T) {
	engine := &fakeEngine{}
	c := newTestCoordinator(t, &fakeSibling{}, engine)

	err := c.Run(context.Background(), Request{Kind: KindClientResetNoRecovery, PrimaryPath: "/data/vault.realm"}, func() {}, func() {})
	require.NoError(t, err)
	assert.True(t, engine.discard)
}

func TestRun_SiblingDownloadFailureIsFatal(t *testing.T) {
	c := newTestCoordinator(t, &fakeSibling{downloadErr: assert.AnError}, &fakeEngine{})
	err := c.Run(context.Background(), Request{Kind: KindClientReset, PrimaryPath: "/data/vault.realm"}, func() {}, func() {})
	assert.Error(t, err)
}

func TestRun_MigrateToFLXPersistsMigrationState(t *testing.T) {
	c := newTestCoordinator(t, &fakeSibling{}, &fakeEngine{})
	err := c.Run(context.Background(), Request{
		Kind:        KindMigrateToFLX,
		PrimaryPath: "/data/vault.realm",
		SessionKey:  "session-a",
		QueryString: `{"Task":"TRUEPREDICATE"}`,
	}, func() {}, func() {})
	require.NoError(t, err)

	m, err := c.store.GetMigration("session-a")
	require.NoError(t, err)
	assert.False(t, m.InProgress, "migration finalizes in_progress=false on success")
	assert.True(t, m.ToFLX)
}

func TestRecoveryBackupPath_BumpsOnCollision(t *testing.T) {
	when := time.Date(2026, 8, 2, 0, 0, 0, 0, time.UTC)
	taken := map[string]bool{
		"/backups/recovered_realm_2026_08_02": true,
	}
	path := RecoveryBackupPath("/backups", when, func(p string) bool { return taken[p] })
	assert.Equal(t, "/backups/recovered_realm_2026_08_02_1", path)
}

func TestRecoveryBackupPath_NoCollisionKeepsBaseName(t *testing.T) {
	when := time.Date(2026, 8, 2, 0, 0, 0, 0, time.UTC)
	path := RecoveryBackupPath("/backups", when, func(p string) bool { return false })
	assert.Equal(t, "/backups/recovered_realm_2026_08_02", path)
}

func TestDiagnoseRecoveryDiff_ProducesNonEmptyOutput(t *testing.T) {
	out := DiagnoseRecoveryDiff("old state: 3 objects", "new state: 5 objects")
	assert.NotEmpty(t, out)
}
