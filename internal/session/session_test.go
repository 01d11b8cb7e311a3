package session

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suhailpatel/realm-core/internal/progress"
	"github.com/suhailpatel/realm-core/internal/protocol"
	"github.com/suhailpatel/realm-core/internal/store"
	"github.com/suhailpatel/realm-core/internal/syncerr"
)

type fakeEngine struct {
	mu                sync.Mutex
	uploadable        []protocol.Changeset
	integrated        [][]protocol.Changeset
	localVersion      int64
	clientResetPending bool
	integrateErr      error
}

func (f *fakeEngine) UploadableChangesets(ctx context.Context, from, upTo int64) ([]protocol.Changeset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.uploadable, nil
}

func (f *fakeEngine) Integrate(ctx context.Context, changesets []protocol.Changeset) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.integrateErr != nil {
		return 0, f.integrateErr
	}
	f.integrated = append(f.integrated, changesets)
	f.localVersion += int64(len(changesets))
	return f.localVersion, nil
}

func (f *fakeEngine) HistoryStatus(ctx context.Context) (bool, error) {
	return f.clientResetPending, nil
}

func newTestSession(t *testing.T, mode protocol.Mode, engine *fakeEngine) *Session {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "sync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cfg := Config{
		SessionID:           1,
		Mode:                mode,
		ServerPathOrJSON:    "/default/test",
		NeedClientFileIdent: true,
	}
	s, err := New(cfg, st, engine, progress.New(), "session-a")
	require.NoError(t, err)
	s.Activate()
	return s
}

func TestBuildOutboundMessage_SendsBindFirst(t *testing.T) {
	s := newTestSession(t, protocol.ModePBS, &fakeEngine{})

	msg, ok, err := s.BuildOutboundMessage(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	bind, isBind := msg.(protocol.BindMessage)
	require.True(t, isBind)
	assert.True(t, bind.NeedClientFileIdent)

	// Until IDENT is known, nothing else is sent (client file ident unset).
	_, ok, err = s.BuildOutboundMessage(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHandleIdent_RejectsBeforeBind(t *testing.T) {
	s := newTestSession(t, protocol.ModePBS, &fakeEngine{})
	err := s.HandleIdent(context.Background(), 5, 99)
	assert.Error(t, err)
}

func TestHandleIdent_RejectsZeroSalt(t *testing.T) {
	s := newTestSession(t, protocol.ModePBS, &fakeEngine{})
	_, _, _ = s.BuildOutboundMessage(context.Background()) // sends BIND
	err := s.HandleIdent(context.Background(), 5, 0)
	assert.Error(t, err)
}

func TestHandleIdent_ThenSendsIdentMessage(t *testing.T) {
	s := newTestSession(t, protocol.ModePBS, &fakeEngine{})
	_, _, _ = s.BuildOutboundMessage(context.Background()) // BIND

	require.NoError(t, s.HandleIdent(context.Background(), 5, 99))

	msg, ok, err := s.BuildOutboundMessage(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	ident, isIdent := msg.(protocol.IdentMessage)
	require.True(t, isIdent)
	assert.EqualValues(t, 5, ident.ClientFileIdent)
	assert.EqualValues(t, 99, ident.ClientFileIdentSalt)
}

func TestHandleDownload_SteadyStateIntegratesImmediately(t *testing.T) {
	engine := &fakeEngine{}
	s := newTestSession(t, protocol.ModePBS, engine)
	_, _, _ = s.BuildOutboundMessage(context.Background())
	require.NoError(t, s.HandleIdent(context.Background(), 5, 99))

	err := s.HandleDownload(context.Background(), protocol.DownloadMessage{
		Type:                  protocol.MsgDownload,
		Session:                1,
		ProgressServerVersion: 10,
		BatchState:            protocol.BatchSteadyState,
		Changesets: []protocol.Changeset{
			{RemoteVersion: 10, LastIntegratedLocalVersion: 0, OriginFileIdent: 2},
		},
	})
	require.NoError(t, err)
	assert.Len(t, engine.integrated, 1)
}

func TestHandleDownload_RejectsOwnOriginFileIdent(t *testing.T) {
	engine := &fakeEngine{}
	s := newTestSession(t, protocol.ModePBS, engine)
	_, _, _ = s.BuildOutboundMessage(context.Background())
	require.NoError(t, s.HandleIdent(context.Background(), 5, 99))

	err := s.HandleDownload(context.Background(), protocol.DownloadMessage{
		BatchState: protocol.BatchSteadyState,
		Changesets: []protocol.Changeset{
			{RemoteVersion: 10, OriginFileIdent: 5},
		},
	})
	assert.Error(t, err)
}

func TestHandleDownload_BootstrapAccumulatesUntilLastInBatch(t *testing.T) {
	engine := &fakeEngine{}
	s := newTestSession(t, protocol.ModeFLX, engine)
	_, _, _ = s.BuildOutboundMessage(context.Background())
	require.NoError(t, s.HandleIdent(context.Background(), 5, 99))

	err := s.HandleDownload(context.Background(), protocol.DownloadMessage{
		BatchState: protocol.BatchMoreToCome,
		Changesets: []protocol.Changeset{{RemoteVersion: 1, OriginFileIdent: 2}},
	})
	require.NoError(t, err)
	assert.Empty(t, engine.integrated, "MoreToCome batch must not integrate yet")

	err = s.HandleDownload(context.Background(), protocol.DownloadMessage{
		ProgressServerVersion: 2,
		BatchState:            protocol.BatchLastInBatch,
		Changesets:            []protocol.Changeset{{RemoteVersion: 2, OriginFileIdent: 2}},
	})
	require.NoError(t, err)
	require.Len(t, engine.integrated, 1)
	assert.Len(t, engine.integrated[0], 2, "terminal batch integrates the whole accumulated buffer")
}

func TestHandleDownload_RejectsEmptyMoreToComeBatch(t *testing.T) {
	s := newTestSession(t, protocol.ModeFLX, &fakeEngine{})
	_, _, _ = s.BuildOutboundMessage(context.Background())
	require.NoError(t, s.HandleIdent(context.Background(), 5, 99))

	err := s.HandleDownload(context.Background(), protocol.DownloadMessage{
		BatchState: protocol.BatchMoreToCome,
		Changesets: nil,
	})
	assert.Error(t, err)
}

func TestHandleMark_RejectsOutOfOrder(t *testing.T) {
	s := newTestSession(t, protocol.ModePBS, &fakeEngine{})
	err := s.HandleMark(1)
	assert.Error(t, err)
}

func TestHandleUnbound_RejectsBeforeUnbind(t *testing.T) {
	s := newTestSession(t, protocol.ModePBS, &fakeEngine{})
	err := s.HandleUnbound()
	assert.Error(t, err)
}

func TestDeactivate_SendsUnbindThenUnboundCompletes(t *testing.T) {
	s := newTestSession(t, protocol.ModePBS, &fakeEngine{})
	s.Deactivate()

	msg, ok, err := s.BuildOutboundMessage(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	_, isUnbind := msg.(protocol.UnbindMessage)
	require.True(t, isUnbind)

	require.NoError(t, s.HandleUnbound())
	assert.Equal(t, Deactivated, s.State())
}

func TestRegisterCompletion_AbortsImmediatelyWhenDeactivated(t *testing.T) {
	s := newTestSession(t, protocol.ModePBS, &fakeEngine{})
	s.Deactivate()
	_, _, _ = s.BuildOutboundMessage(context.Background())
	require.NoError(t, s.HandleUnbound())

	done := make(chan syncerr.Status, 1)
	s.RegisterCompletion(progress.Upload, func(st syncerr.Status) { done <- st })

	status := <-done
	assert.False(t, status.OK())
}

func TestHandleError_CompensatingWriteIsDeferredNotSurfacedImmediately(t *testing.T) {
	s := newTestSession(t, protocol.ModePBS, &fakeEngine{})

	action, err := s.HandleError(protocol.ErrorMessage{
		Type: protocol.MsgError, Session: 1,
		LogMessageSeq: 10,
		Info:          "compensating write for a disallowed change",
	})
	require.NoError(t, err)
	assert.Equal(t, protocol.ActionNone, action)
	assert.Empty(t, s.DrainReportedCompensatingWrites(), "not due until download_progress reaches version 10")
}

func TestHandleError_CompensatingWriteReportedOnceCarryingVersionDownloads(t *testing.T) {
	engine := &fakeEngine{}
	s := newTestSession(t, protocol.ModePBS, engine)
	_, _, _ = s.BuildOutboundMessage(context.Background())
	require.NoError(t, s.HandleIdent(context.Background(), 5, 99))

	_, err := s.HandleError(protocol.ErrorMessage{
		Type: protocol.MsgError, Session: 1,
		LogMessageSeq: 10,
		Info:          "compensating write",
	})
	require.NoError(t, err)

	require.NoError(t, s.HandleDownload(context.Background(), protocol.DownloadMessage{
		Type: protocol.MsgDownload, Session: 1,
		ProgressServerVersion: 10,
		BatchState:            protocol.BatchSteadyState,
		Changesets: []protocol.Changeset{
			{RemoteVersion: 10, OriginFileIdent: 2},
		},
	}))

	reported := s.DrainReportedCompensatingWrites()
	require.Len(t, reported, 1)
	assert.Equal(t, "compensating write", reported[0].Info)
	assert.Empty(t, s.DrainReportedCompensatingWrites(), "draining clears the queue")
}

func TestHandleError_BadAuthenticationSuspendsAndLogsOut(t *testing.T) {
	s := newTestSession(t, protocol.ModePBS, &fakeEngine{})

	done := make(chan syncerr.Status, 1)
	s.RegisterCompletion(progress.Upload, func(st syncerr.Status) { done <- st })

	_, err := s.HandleError(protocol.ErrorMessage{
		Type: protocol.MsgError, Session: 1,
		Code: int(protocol.ErrCodeBadAuthentication),
		Info: "token expired",
	})
	assert.Error(t, err)

	status := <-done
	assert.False(t, status.OK())
}

func TestHandleError_ServerRequestsClientResetReturnsAction(t *testing.T) {
	s := newTestSession(t, protocol.ModePBS, &fakeEngine{})

	action, err := s.HandleError(protocol.ErrorMessage{
		Type: protocol.MsgError, Session: 1,
		Action: protocol.ActionClientReset,
	})
	require.NoError(t, err)
	assert.Equal(t, protocol.ActionClientReset, action)
}

func TestHandleError_TransientIsSwallowed(t *testing.T) {
	s := newTestSession(t, protocol.ModePBS, &fakeEngine{})

	action, err := s.HandleError(protocol.ErrorMessage{
		Type: protocol.MsgError, Session: 1,
		Action: protocol.ActionTransient,
	})
	require.NoError(t, err)
	assert.Equal(t, protocol.ActionTransient, action)
}

func TestHandleError_FatalNonActionSuspendsAndDrains(t *testing.T) {
	s := newTestSession(t, protocol.ModePBS, &fakeEngine{})

	done := make(chan syncerr.Status, 1)
	s.RegisterCompletion(progress.Download, func(st syncerr.Status) { done <- st })

	_, err := s.HandleError(protocol.ErrorMessage{
		Type: protocol.MsgError, Session: 1,
		IsFatal: true,
		Info:    "unrecoverable",
	})
	assert.Error(t, err)

	status := <-done
	assert.False(t, status.OK())
}

func TestHandleQueryError_PersistsErrorAgainstSubscription(t *testing.T) {
	s := newTestSession(t, protocol.ModeFLX, &fakeEngine{})

	err := s.HandleQueryError(protocol.QueryErrorMessage{
		Type: protocol.MsgQueryError, Session: 1,
		Code: 1, Info: "bad query", QueryVersion: 3,
	})
	require.NoError(t, err)

	sub, err := s.store.GetSubscription("session-a")
	require.NoError(t, err)
	assert.EqualValues(t, 3, sub.ErrorQueryVersion)
	assert.Equal(t, "bad query", sub.ErrorMessage)
}

func TestSendTestCommand_ThenBuildOutboundMessageSendsIt(t *testing.T) {
	s := newTestSession(t, protocol.ModePBS, &fakeEngine{})
	_, _, _ = s.BuildOutboundMessage(context.Background()) // BIND
	require.NoError(t, s.HandleIdent(context.Background(), 5, 99))
	_, _, _ = s.BuildOutboundMessage(context.Background()) // IDENT

	waiter := s.SendTestCommand(`{"command":"echo"}`)

	msg, ok, err := s.BuildOutboundMessage(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	cmd, isCmd := msg.(protocol.TestCommandMessage)
	require.True(t, isCmd)

	require.NoError(t, s.HandleTestCommandResponse(protocol.TestCommandResponseMessage{
		Type: protocol.MsgTestCommandResponse, ID: cmd.ID, Body: "done",
	}))
	assert.Equal(t, "done", <-waiter)
}

func TestHandleTestCommandResponse_RejectsUnknownID(t *testing.T) {
	s := newTestSession(t, protocol.ModePBS, &fakeEngine{})
	err := s.HandleTestCommandResponse(protocol.TestCommandResponseMessage{ID: 99, Body: "x"})
	assert.Error(t, err)
}

func TestHandleInbound_DispatchesIdentByType(t *testing.T) {
	s := newTestSession(t, protocol.ModePBS, &fakeEngine{})
	_, _, _ = s.BuildOutboundMessage(context.Background()) // BIND

	data, err := json.Marshal(protocol.IdentMessage{Type: protocol.MsgIdent, Session: 1, ClientFileIdent: 5, ClientFileIdentSalt: 99})
	require.NoError(t, err)

	action, err := s.HandleInbound(context.Background(), protocol.MsgIdent, data)
	require.NoError(t, err)
	assert.Equal(t, protocol.ActionNone, action)
}

func TestHandleInbound_UnknownMessageTypeIsBadMessageOrder(t *testing.T) {
	s := newTestSession(t, protocol.ModePBS, &fakeEngine{})
	_, err := s.HandleInbound(context.Background(), protocol.MsgBind, []byte(`{}`))
	assert.Error(t, err)
}
