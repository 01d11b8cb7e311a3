package facade

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suhailpatel/realm-core/internal/progress"
	"github.com/suhailpatel/realm-core/internal/session"
	"github.com/suhailpatel/realm-core/internal/syncerr"
)

type fakeUnderlying struct {
	activated   int
	deactivated int
	pending     []func(syncerr.Status)
}

func (f *fakeUnderlying) Activate()   { f.activated++ }
func (f *fakeUnderlying) Deactivate() { f.deactivated++ }
func (f *fakeUnderlying) RegisterCompletion(direction progress.Direction, cb session.CompletionCallback) int64 {
	f.pending = append(f.pending, cb)
	return int64(len(f.pending))
}

func (f *fakeUnderlying) fireAll(status syncerr.Status) {
	for _, cb := range f.pending {
		cb(status)
	}
	f.pending = nil
}

func TestNew_StartsActiveWithOneRef(t *testing.T) {
	u := &fakeUnderlying{}
	s, ref := New(u)
	assert.Equal(t, Active, s.State())
	assert.Equal(t, 1, u.activated)
	require.NotNil(t, ref)
}

func TestClose_Immediately_GoesInactive(t *testing.T) {
	u := &fakeUnderlying{}
	s, _ := New(u)
	require.NoError(t, s.Close(CloseImmediately))
	assert.Equal(t, Inactive, s.State())
	assert.Equal(t, 1, u.deactivated)
}

func TestClose_LiveIndefinitely_IsNoOp(t *testing.T) {
	u := &fakeUnderlying{}
	s, _ := New(u)
	require.NoError(t, s.Close(CloseLiveIndefinitely))
	assert.Equal(t, Active, s.State())
}

func TestClose_AfterChangesUploaded_WaitsForUploadCompletion(t *testing.T) {
	u := &fakeUnderlying{}
	s, _ := New(u)
	require.NoError(t, s.Close(CloseAfterChangesUploaded))
	assert.Equal(t, Dying, s.State())

	u.fireAll(syncerr.StatusOK)
	assert.Equal(t, Inactive, s.State())
}

func TestClose_AfterChangesUploaded_ReviveBeforeCompletionPreventsStaleFinalize(t *testing.T) {
	u := &fakeUnderlying{}
	s, _ := New(u)
	require.NoError(t, s.Close(CloseAfterChangesUploaded))
	oldCompletion := u.pending[0]
	u.pending = nil

	require.NoError(t, s.Revive())
	require.NoError(t, s.Close(CloseAfterChangesUploaded))

	// The stale completion from the first death cycle must not finalize
	// the session now on its second death_count.
	oldCompletion(syncerr.StatusOK)
	assert.Equal(t, Dying, s.State())
}

func TestPause_ThenResume(t *testing.T) {
	u := &fakeUnderlying{}
	s, _ := New(u)
	require.NoError(t, s.Pause())
	assert.Equal(t, Paused, s.State())

	err := s.Close(CloseImmediately)
	assert.Error(t, err, "close is not a valid exit from Paused per the transition table")

	require.NoError(t, s.Resume())
	assert.Equal(t, Active, s.State())
}

func TestTokenExpired_ThenRevive(t *testing.T) {
	u := &fakeUnderlying{}
	s, _ := New(u)
	require.NoError(t, s.TokenExpired())
	assert.Equal(t, WaitingForAccessToken, s.State())

	require.NoError(t, s.Revive())
	assert.Equal(t, Active, s.State())
}

func TestWaitForUploadCompletion_FiresWhenActive(t *testing.T) {
	u := &fakeUnderlying{}
	s, _ := New(u)

	var got syncerr.Status
	s.WaitForUploadCompletion(func(st syncerr.Status) { got = st })
	require.Len(t, u.pending, 1)

	u.fireAll(syncerr.StatusOK)
	assert.Equal(t, syncerr.StatusOK, got)
}

func TestWaitForDownloadCompletion_DeferredUntilActiveAgain(t *testing.T) {
	u := &fakeUnderlying{}
	s, _ := New(u)
	require.NoError(t, s.Pause())

	var fired bool
	s.WaitForDownloadCompletion(func(st syncerr.Status) { fired = true })
	assert.Empty(t, u.pending, "paused facade must not register against the underlying session yet")

	require.NoError(t, s.Resume())
	require.Len(t, u.pending, 1)

	u.fireAll(syncerr.StatusOK)
	assert.True(t, fired)
}

func TestWaitForUploadCompletion_KeepsSingleRegistrationAcrossReviveCycle(t *testing.T) {
	u := &fakeUnderlying{}
	s, _ := New(u)

	var fireCount int
	s.WaitForUploadCompletion(func(st syncerr.Status) { fireCount++ })
	require.Len(t, u.pending, 1)

	require.NoError(t, s.Close(CloseImmediately))
	require.NoError(t, s.Revive())
	require.Len(t, u.pending, 1, "wait must stay registered exactly once against the underlying session across close and revive")

	u.fireAll(syncerr.StatusOK)
	assert.Equal(t, 1, fireCount)
}

func TestWaitForUploadCompletion_RemovedFromTableOnceFired(t *testing.T) {
	u := &fakeUnderlying{}
	s, _ := New(u)

	s.WaitForUploadCompletion(func(syncerr.Status) {})
	u.fireAll(syncerr.StatusOK)

	require.NoError(t, s.Close(CloseImmediately))
	require.NoError(t, s.Revive())
	assert.Empty(t, u.pending, "a completed wait must not be re-registered")
}

func TestSwapAsideCallbacks_ThenRestoreCallbacks_Reregisters(t *testing.T) {
	u := &fakeUnderlying{}
	s, _ := New(u)

	var fired bool
	s.WaitForUploadCompletion(func(st syncerr.Status) { fired = true })
	require.Len(t, u.pending, 1)

	s.SwapAsideCallbacks()
	u.pending = nil

	s.RestoreCallbacks()
	require.Len(t, u.pending, 1, "restore must re-register the swapped-aside wait")

	u.fireAll(syncerr.StatusOK)
	assert.True(t, fired)
}

func TestExternalReference_DropClosesOnLastRef(t *testing.T) {
	u := &fakeUnderlying{}
	s, ref := New(u)
	extra := s.AddRef()

	ref.Drop()
	assert.Equal(t, Active, s.State(), "still one outstanding reference")

	extra.Drop()
	assert.Equal(t, Inactive, s.State())
}
