// Package session implements the per-local-file Session state machine
// and protocol session logic (spec §4.3, §3): BIND/IDENT/UPLOAD/
// DOWNLOAD/MARK/UNBIND/QUERY/ERROR/TEST_COMMAND message sequencing,
// FLX bootstrap assembly, and the completion-callback table.
//
// Grounded on the teacher's SyncClient event loop in obsidian/sync.go:
// a single goroutine drains inbound messages and owns all writes
// (eventLoop/handleInbound/readResponse), generalized here from the
// teacher's fixed push/pull protocol to the spec's richer per-message
// ordering rules, and from a single always-uploading model to one
// gated by an explicit upload_target_version cursor.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/suhailpatel/realm-core/internal/progress"
	"github.com/suhailpatel/realm-core/internal/protocol"
	"github.com/suhailpatel/realm-core/internal/store"
	"github.com/suhailpatel/realm-core/internal/syncerr"
)

// State is the low-level session lifecycle (spec §3's Session data
// model), distinct from the user-facing facade states in internal/facade.
type State int

const (
	Unactivated State = iota
	Active
	Deactivating
	Deactivated
)

func (s State) String() string {
	switch s {
	case Unactivated:
		return "unactivated"
	case Active:
		return "active"
	case Deactivating:
		return "deactivating"
	case Deactivated:
		return "deactivated"
	default:
		return "unknown"
	}
}

// ReplicationEngine is the external local-database collaborator (spec
// §1: "consumed ... as an externally supplied collaborator"). Sessions
// never touch file bytes directly; they ask the engine for uploadable
// changesets and hand it downloaded changesets to integrate.
type ReplicationEngine interface {
	// UploadableChangesets returns changesets strictly after
	// fromClientVersion up to and including upToClientVersion.
	UploadableChangesets(ctx context.Context, fromClientVersion, upToClientVersion int64) ([]protocol.Changeset, error)

	// Integrate applies downloaded changesets in a single write
	// transaction and returns the resulting local version.
	Integrate(ctx context.Context, changesets []protocol.Changeset) (int64, error)

	// HistoryStatus reports whether a client reset has left the
	// history in a state requiring the caller to re-derive
	// upload_target_version from last_version_available.
	HistoryStatus(ctx context.Context) (clientResetPending bool, err error)
}

// CompletionCallback is invoked exactly once with a terminal status
// (spec §3 "Completion Callback Table").
type CompletionCallback func(syncerr.Status)

type pendingCompletion struct {
	requestID int64
	direction progress.Direction
	cb        CompletionCallback
}

// Config is the immutable-per-bind configuration snapshot for a session.
type Config struct {
	SessionID         int64
	Mode              protocol.Mode
	IsSubserver       bool
	ServerPathOrJSON  string
	PartitionOrQuery  string
	NeedClientFileIdent bool
}

// Session is one local-database file's protocol session.
type Session struct {
	mu sync.Mutex

	cfg     Config
	store   *store.Store
	engine  ReplicationEngine
	notify  *progress.Notifier

	sessionKey string
	state      State
	suspended  bool

	enlistedToSend bool

	bindMessageSent        bool
	identMessageSent       bool
	identMessageReceived   bool
	unbindMessageSent      bool
	unboundMessageReceived bool
	errorMessageReported   bool

	clientFileIdent int64
	clientFileSalt  int64

	cursor store.Cursor

	uploadAllowed bool

	lastDownloadMarkSent     int64
	lastDownloadMarkReceived int64
	nextMarkRequestIdent     int64

	pendingQueryVersion int64
	pendingQueryBody    string
	querySent           bool

	// FLX bootstrap accumulation buffer.
	bootstrapActive      bool
	bootstrapChangesets  []protocol.Changeset
	bootstrapQueryVer    int64

	// compensatingWrites defers ERROR frames carrying a
	// compensating_write_server_version until download_progress has
	// reached that version, keyed by the carrying version (spec
	// §7 "Compensating writes"). reportedCompensatingWrites holds the
	// ones that have become due for the caller to drain and surface.
	compensatingWrites         map[int64][]protocol.ErrorMessage
	reportedCompensatingWrites []protocol.ErrorMessage

	// pendingTestCommands/testCommandWaiters implement spec §4.3 step 3
	// ("Service pending test-command send"): SendTestCommand enqueues a
	// TEST_COMMAND and registers a waiter keyed by request id, resolved
	// when the matching TEST_COMMAND_RESPONSE arrives.
	pendingTestCommands  []protocol.TestCommandMessage
	testCommandWaiters   map[int64]chan string
	nextTestCommandID    int64

	nextRequestID  int64
	completions    []*pendingCompletion

	// fatalErr is a client-detected integration failure this session
	// still owes the server an ERROR report for (spec §4.3 "ERROR
	// report"). remoteFatalErr is a server-originated fatal condition
	// (spec §7) that suspends the session without being echoed back.
	fatalErr       error
	remoteFatalErr error
}

// New constructs a session bound to the given store key. The session
// starts Unactivated; call Activate to begin sending BIND.
func New(cfg Config, st *store.Store, engine ReplicationEngine, notify *progress.Notifier, sessionKey string) (*Session, error) {
	if err := st.InitSession(sessionKey); err != nil {
		return nil, fmt.Errorf("initializing session store: %w", err)
	}
	cursor, err := st.GetCursor(sessionKey)
	if err != nil {
		return nil, fmt.Errorf("loading cursor: %w", err)
	}
	ident, found, err := st.GetClientFileIdent(sessionKey)
	if err != nil {
		return nil, fmt.Errorf("loading client file ident: %w", err)
	}

	s := &Session{
		cfg:        cfg,
		store:      st,
		engine:     engine,
		notify:     notify,
		sessionKey: sessionKey,
		state:      Unactivated,
		cursor:     cursor,
		compensatingWrites: make(map[int64][]protocol.ErrorMessage),
		testCommandWaiters: make(map[int64]chan string),
	}
	if found {
		s.clientFileIdent = ident.Ident
		s.clientFileSalt = ident.Salt
		s.cfg.NeedClientFileIdent = false
	} else {
		s.cfg.NeedClientFileIdent = true
	}
	return s, nil
}

// Activate transitions Unactivated -> Active and enlists the session
// to send its BIND message.
func (s *Session) Activate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Unactivated {
		return
	}
	s.state = Active
	s.enlistedToSend = true
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Suspend marks the session suspended following a session-level
// protocol violation (spec §7); it stops sending UPLOAD/MARK/QUERY
// until the application resumes via reconnect.
func (s *Session) Suspend(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suspended = true
	s.fatalErr = err
}

// Deactivate transitions the session toward Deactivating; it will send
// UNBIND on its next send opportunity and complete to Deactivated once
// UNBOUND is received (spec §4.3 step 8, §3 invariant "Deactivating
// never re-enters Active").
func (s *Session) Deactivate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Deactivated {
		return
	}
	s.state = Deactivating
	s.enlistedToSend = true
}

// IsEnlistedToSend reports whether the connection should give this
// session an opportunity to build an outbound frame.
func (s *Session) IsEnlistedToSend() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enlistedToSend
}

// BuildOutboundMessage implements the send-phase ordering of spec
// §4.3: BIND, then IDENT, then pending test-command, then ERROR
// report, then MARK, then QUERY, then UPLOAD, then UNBIND. Returns
// (nil, false) if nothing to send this turn, in which case the
// connection should try the next enlisted session (spec §4.2
// "Multiplex write queue").
func (s *Session) BuildOutboundMessage(ctx context.Context) (interface{}, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Deactivating && !s.unbindMessageSent {
		s.unbindMessageSent = true
		s.enlistedToSend = false
		return protocol.UnbindMessage{Type: protocol.MsgUnbind, Session: s.cfg.SessionID}, true, nil
	}

	if s.state != Active {
		s.enlistedToSend = false
		return nil, false, nil
	}

	if !s.bindMessageSent {
		s.bindMessageSent = true
		return protocol.BindMessage{
			Type:                protocol.MsgBind,
			Session:             s.cfg.SessionID,
			NeedClientFileIdent: s.cfg.NeedClientFileIdent,
			IsSubserver:         s.cfg.IsSubserver,
			PathOrJSON:          s.cfg.ServerPathOrJSON,
		}, true, nil
	}

	if s.clientFileIdent != 0 && !s.identMessageSent {
		s.identMessageSent = true
		msg := protocol.IdentMessage{
			Type:                    protocol.MsgIdent,
			Session:                 s.cfg.SessionID,
			ClientFileIdent:         s.clientFileIdent,
			ClientFileIdentSalt:     s.clientFileSalt,
			DownloadServerVersion:   s.cursor.DownloadServerVersion,
			DownloadClientVersion:   s.cursor.DownloadLastIntegratedClientVersion,
			LatestServerVersion:     s.cursor.LatestServerVersion,
			LatestServerVersionSalt: s.cursor.LatestServerVersionSalt,
		}
		if s.cfg.Mode == protocol.ModeFLX {
			msg.QueryVersion = s.pendingQueryVersion
			msg.QueryBody = s.pendingQueryBody
		}
		return msg, true, nil
	}

	if len(s.pendingTestCommands) > 0 {
		cmd := s.pendingTestCommands[0]
		s.pendingTestCommands = s.pendingTestCommands[1:]
		return cmd, true, nil
	}

	if s.fatalErr != nil && !s.errorMessageReported {
		s.errorMessageReported = true
		s.suspended = true
		return protocol.ErrorMessage{
			Type:    protocol.MsgError,
			Session: s.cfg.SessionID,
			Info:    s.fatalErr.Error(),
		}, true, nil
	}

	if s.suspended {
		s.enlistedToSend = false
		return nil, false, nil
	}

	if s.lastDownloadMarkSent < s.nextMarkRequestIdent {
		s.lastDownloadMarkSent = s.nextMarkRequestIdent
		return protocol.MarkMessage{Type: protocol.MsgMark, Session: s.cfg.SessionID, RequestIdent: s.nextMarkRequestIdent}, true, nil
	}

	if s.uploadAllowed && s.cfg.Mode == protocol.ModeFLX && s.pendingQueryVersion > 0 && !s.querySent &&
		s.cursor.UploadClientVersion >= s.bootstrapQueryVer {
		s.querySent = true
		return protocol.QueryMessage{
			Type:         protocol.MsgQuery,
			Session:      s.cfg.SessionID,
			QueryVersion: s.pendingQueryVersion,
			QueryBody:    s.pendingQueryBody,
		}, true, nil
	}

	if s.uploadAllowed && s.cursor.LatestServerVersion > s.cursor.UploadClientVersion {
		upTo := s.cursor.LatestServerVersion
		if s.cfg.Mode == protocol.ModeFLX && s.pendingQueryVersion > 0 {
			// Clip the upload to the pending query's snapshot so the
			// QUERY that follows is atomic with respect to the data
			// boundary it claims (spec §4.3 "Upload message construction").
			if s.bootstrapQueryVer > 0 && s.bootstrapQueryVer < upTo {
				upTo = s.bootstrapQueryVer
			}
		}
		changesets, err := s.engine.UploadableChangesets(ctx, s.cursor.UploadClientVersion, upTo)
		if err != nil {
			return nil, false, fmt.Errorf("collecting uploadable changesets: %w", err)
		}
		if len(changesets) == 0 {
			s.enlistedToSend = false
			return nil, false, nil
		}
		return protocol.UploadMessage{
			Type:                  protocol.MsgUpload,
			Session:               s.cfg.SessionID,
			ProgressClientVersion: s.cursor.UploadClientVersion,
			ProgressServerVersion: s.cursor.UploadLastIntegratedServerVersion,
			LockedServerVersion:   s.cursor.LatestServerVersion,
			Changesets:            changesets,
		}, true, nil
	}

	s.enlistedToSend = false
	return nil, false, nil
}

// HandleIdent implements the IDENT receive-phase handler (spec §4.3):
// legal only after BIND and while no client file ident is held (none
// loaded from the store, no prior IDENT received); reinitializes upload
// eligibility from last_version_available once any pending client
// reset has been finalized.
func (s *Session) HandleIdent(ctx context.Context, ident, salt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.bindMessageSent {
		return fmt.Errorf("%w: IDENT before BIND", syncerr.ErrBadMessageOrder)
	}
	if s.clientFileIdent != 0 {
		return fmt.Errorf("%w: IDENT when a client file ident is already held", syncerr.ErrBadMessageOrder)
	}
	if salt == 0 || ident < 1 {
		return fmt.Errorf("%w: invalid client file ident/salt", syncerr.ErrBadSessionIdent)
	}

	s.identMessageReceived = true
	s.clientFileIdent = ident
	s.clientFileSalt = salt
	if err := s.store.SetClientFileIdent(s.sessionKey, store.ClientFileIdent{Ident: ident, Salt: salt}); err != nil {
		return fmt.Errorf("persisting client file ident: %w", err)
	}

	resetPending, err := s.engine.HistoryStatus(ctx)
	if err != nil {
		return fmt.Errorf("reading history status: %w", err)
	}
	if resetPending {
		s.cursor.UploadClientVersion = 0
		s.cursor.UploadLastIntegratedServerVersion = 0
	}

	s.cursor.LatestServerVersion = s.cursor.DownloadServerVersion
	s.uploadAllowed = true
	return s.persistCursorLocked()
}

// HandleDownload implements the DOWNLOAD receive-phase handler (spec
// §4.3). For a SteadyState (non-bootstrap) batch, each changeset is
// integrated immediately; for FLX bootstrap batches (MoreToCome /
// LastInBatch) changesets accumulate in a side buffer and integrate
// atomically only on the terminal batch (spec §4.3 "FLX bootstrap").
func (s *Session) HandleDownload(ctx context.Context, msg protocol.DownloadMessage) error {
	s.mu.Lock()
	if !s.identMessageSent && !s.identMessageReceived {
		s.mu.Unlock()
		return fmt.Errorf("%w: DOWNLOAD before IDENT", syncerr.ErrBadMessageOrder)
	}

	prev := s.cursor.DownloadLastIntegratedClientVersion
	for _, cs := range msg.Changesets {
		if cs.OriginFileIdent == s.clientFileIdent || cs.OriginFileIdent <= 0 {
			s.mu.Unlock()
			return fmt.Errorf("%w: bad origin file ident", syncerr.ErrBadSyntax)
		}
		if cs.LastIntegratedLocalVersion < prev || cs.LastIntegratedLocalVersion > msg.ProgressClientVersion {
			s.mu.Unlock()
			return fmt.Errorf("%w: changeset last-integrated-local-version out of range", syncerr.ErrBadSyntax)
		}
	}

	switch msg.BatchState {
	case protocol.BatchMoreToCome, protocol.BatchLastInBatch:
		if msg.BatchState == protocol.BatchMoreToCome && len(msg.Changesets) == 0 {
			s.mu.Unlock()
			return fmt.Errorf("%w: empty MoreToCome bootstrap batch", syncerr.ErrBadSyntax)
		}
		s.bootstrapActive = true
		s.bootstrapChangesets = append(s.bootstrapChangesets, msg.Changesets...)
		s.bootstrapQueryVer = msg.QueryVersion
		if msg.BatchState == protocol.BatchMoreToCome {
			s.mu.Unlock()
			return nil
		}
		// Terminal batch: take the whole accumulated buffer and
		// integrate it in one Integrate call, after releasing the mutex.
		changesets := s.bootstrapChangesets
		s.bootstrapChangesets = nil
		s.bootstrapActive = false
		s.mu.Unlock()

		localVersion, err := s.engine.Integrate(ctx, changesets)
		if err != nil {
			s.suspendForBootstrapFailure(err)
			return fmt.Errorf("%w: %v", syncerr.ErrBootstrapFailed, err)
		}
		return s.afterIntegrate(ctx, msg, localVersion)

	default: // BatchSteadyState
		s.mu.Unlock()
		localVersion, err := s.engine.Integrate(ctx, msg.Changesets)
		if err != nil {
			return fmt.Errorf("integrating changesets: %w", err)
		}
		return s.afterIntegrate(ctx, msg, localVersion)
	}
}

func (s *Session) suspendForBootstrapFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fatalErr = err
	s.suspended = true
}

func (s *Session) afterIntegrate(ctx context.Context, msg protocol.DownloadMessage, localVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cursor.DownloadServerVersion = msg.ProgressServerVersion
	s.cursor.DownloadLastIntegratedClientVersion = localVersion
	s.cursor.LatestServerVersion = msg.ProgressServerVersion

	if !s.uploadAllowed {
		s.uploadAllowed = true
	}

	s.notify.Update(progress.Update{
		Downloaded:      uint64(msg.ProgressServerVersion),
		Downloadable:    uint64(msg.DownloadableBytes),
		DownloadVersion: msg.ProgressServerVersion,
		SnapshotVersion: s.cursor.UploadClientVersion,
	})

	if err := s.persistCursorLocked(); err != nil {
		return err
	}
	s.promoteDueCompensatingWritesLocked(msg.ProgressServerVersion)
	s.evaluateDownloadCompletionLocked(msg.ProgressServerVersion)
	return nil
}

// promoteDueCompensatingWritesLocked moves any deferred compensating
// write whose carrying server version has now been downloaded into
// reportedCompensatingWrites, ready for DrainReportedCompensatingWrites
// to hand to the caller (spec §7 "Compensating writes"). Must be
// called with mu held.
func (s *Session) promoteDueCompensatingWritesLocked(downloadedServerVersion int64) {
	for version, msgs := range s.compensatingWrites {
		if version > downloadedServerVersion {
			continue
		}
		s.reportedCompensatingWrites = append(s.reportedCompensatingWrites, msgs...)
		delete(s.compensatingWrites, version)
	}
}

// DrainReportedCompensatingWrites returns and clears the compensating
// writes whose carrying server version has been downloaded, for the
// caller to log/surface (spec §7 "Compensating writes").
func (s *Session) DrainReportedCompensatingWrites() []protocol.ErrorMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.reportedCompensatingWrites
	s.reportedCompensatingWrites = nil
	return out
}

// HandleMark implements the MARK receive-phase handler.
func (s *Session) HandleMark(requestIdent int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if requestIdent <= s.lastDownloadMarkReceived || requestIdent > s.lastDownloadMarkSent {
		return fmt.Errorf("%w: MARK request ident out of order", syncerr.ErrBadMessageOrder)
	}
	s.lastDownloadMarkReceived = requestIdent
	s.evaluateDownloadCompletionLocked(s.cursor.DownloadServerVersion)
	return nil
}

// HandleUnbound implements the UNBOUND receive-phase handler,
// completing deactivation once the UNBIND write has drained.
func (s *Session) HandleUnbound() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.unbindMessageSent {
		return fmt.Errorf("%w: UNBOUND before UNBIND was sent", syncerr.ErrBadMessageOrder)
	}
	s.unboundMessageReceived = true
	s.state = Deactivated
	s.drainCompletionsLocked(syncerr.AbortStatus("session deactivated"))
	return nil
}

// HandleError implements the ERROR receive-phase handler (spec §4.3,
// §7's taxonomy). Compensating writes are deferred until their
// carrying server version downloads; bad_authentication suspends the
// session toward logout; a server_requests_action is returned for the
// caller to drive the client-reset coordinator; anything else fatal
// suspends the session and drains its pending completions.
func (s *Session) HandleError(msg protocol.ErrorMessage) (protocol.ServerRequestedAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.Code == int(protocol.ErrCodeCompensatingWrite) || msg.LogMessageSeq > 0 {
		s.compensatingWrites[msg.LogMessageSeq] = append(s.compensatingWrites[msg.LogMessageSeq], msg)
		return protocol.ActionNone, nil
	}

	if msg.Code == int(protocol.ErrCodeBadAuthentication) {
		s.remoteFatalErr = fmt.Errorf("%w: bad authentication, logging out", syncerr.ErrSessionSuspended)
		s.suspended = true
		s.drainCompletionsLocked(syncerr.Status{Err: s.remoteFatalErr})
		return protocol.ActionNone, s.remoteFatalErr
	}

	switch msg.Action {
	case protocol.ActionClientReset, protocol.ActionClientResetNoRecovery,
		protocol.ActionMigrateToFLX, protocol.ActionRevertToPBS, protocol.ActionDeleteRealm:
		s.suspended = true
		return msg.Action, nil

	case protocol.ActionTransient:
		// Transient errors are swallowed; the connection's reconnect
		// policy is what actually recovers from them.
		return msg.Action, nil

	case protocol.ActionWarning:
		return msg.Action, nil

	case protocol.ActionApplicationBug, protocol.ActionProtocolViolation:
		s.remoteFatalErr = fmt.Errorf("%w: %s", syncerr.ErrSessionSuspended, msg.Info)
		s.suspended = true
		s.drainCompletionsLocked(syncerr.Status{Err: s.remoteFatalErr})
		return msg.Action, s.remoteFatalErr
	}

	if msg.IsFatal {
		s.remoteFatalErr = fmt.Errorf("%w: %s", syncerr.ErrSessionSuspended, msg.Info)
		s.suspended = true
		s.drainCompletionsLocked(syncerr.Status{Err: s.remoteFatalErr})
		return protocol.ActionNone, s.remoteFatalErr
	}

	// Session-level protocol violation: suspend without reporting an
	// error, and don't tear down pending completions for a condition
	// the server may clear on reconnect.
	s.suspended = true
	return protocol.ActionNone, nil
}

// HandleQueryError implements the QUERY_ERROR receive-phase handler
// (spec §4.3): the error is recorded against the affected query
// version in the FLX subscription store for the application to
// inspect.
func (s *Session) HandleQueryError(msg protocol.QueryErrorMessage) error {
	s.mu.Lock()
	sessionKey := s.sessionKey
	s.mu.Unlock()
	return s.store.SetSubscriptionError(sessionKey, msg.QueryVersion, msg.Code, msg.Info)
}

// SendTestCommand enqueues a TEST_COMMAND for the next send
// opportunity and returns a channel that receives the server's
// response body once the matching TEST_COMMAND_RESPONSE arrives (spec
// §4.3 step 3, "Service pending test-command send").
func (s *Session) SendTestCommand(body string) <-chan string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextTestCommandID++
	id := s.nextTestCommandID
	ch := make(chan string, 1)
	s.testCommandWaiters[id] = ch
	s.pendingTestCommands = append(s.pendingTestCommands, protocol.TestCommandMessage{
		Type:    protocol.MsgTestCommand,
		Session: s.cfg.SessionID,
		ID:      id,
		Body:    body,
	})
	s.enlistedToSend = true
	return ch
}

// HandleTestCommandResponse resolves the waiter registered by
// SendTestCommand for the response's request id.
func (s *Session) HandleTestCommandResponse(msg protocol.TestCommandResponseMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.testCommandWaiters[msg.ID]
	if !ok {
		return fmt.Errorf("%w: unexpected test_command_response id %d", syncerr.ErrBadMessageOrder, msg.ID)
	}
	delete(s.testCommandWaiters, msg.ID)
	ch <- msg.Body
	close(ch)
	return nil
}

// HandleInbound decodes one frame already classified by type and
// dispatches it to the matching receive-phase handler, satisfying
// connection.Enlistable so Connection.ReadLoop can drive every session
// receive path without internal/connection importing this package.
func (s *Session) HandleInbound(ctx context.Context, msgType protocol.MessageType, data []byte) (protocol.ServerRequestedAction, error) {
	switch msgType {
	case protocol.MsgIdent:
		var m protocol.IdentMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return protocol.ActionNone, fmt.Errorf("%w: decoding ident: %v", syncerr.ErrBadSyntax, err)
		}
		return protocol.ActionNone, s.HandleIdent(ctx, m.ClientFileIdent, m.ClientFileIdentSalt)

	case protocol.MsgDownload:
		var m protocol.DownloadMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return protocol.ActionNone, fmt.Errorf("%w: decoding download: %v", syncerr.ErrBadSyntax, err)
		}
		return protocol.ActionNone, s.HandleDownload(ctx, m)

	case protocol.MsgMark:
		var m protocol.MarkMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return protocol.ActionNone, fmt.Errorf("%w: decoding mark: %v", syncerr.ErrBadSyntax, err)
		}
		return protocol.ActionNone, s.HandleMark(m.RequestIdent)

	case protocol.MsgUnbound:
		return protocol.ActionNone, s.HandleUnbound()

	case protocol.MsgError:
		var m protocol.ErrorMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return protocol.ActionNone, fmt.Errorf("%w: decoding error: %v", syncerr.ErrBadSyntax, err)
		}
		return s.HandleError(m)

	case protocol.MsgQueryError:
		var m protocol.QueryErrorMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return protocol.ActionNone, fmt.Errorf("%w: decoding query_error: %v", syncerr.ErrBadSyntax, err)
		}
		return protocol.ActionNone, s.HandleQueryError(m)

	case protocol.MsgTestCommandResponse:
		var m protocol.TestCommandResponseMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return protocol.ActionNone, fmt.Errorf("%w: decoding test_command_response: %v", syncerr.ErrBadSyntax, err)
		}
		return protocol.ActionNone, s.HandleTestCommandResponse(m)

	default:
		return protocol.ActionNone, fmt.Errorf("%w: unexpected message type %q for a session", syncerr.ErrBadMessageOrder, msgType)
	}
}

// SetPendingQuery records a new FLX query version and body to be sent
// as the next QUERY, and updates the persisted subscription store
// (spec §3 "Subscription Store").
func (s *Session) SetPendingQuery(queryVersion int64, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingQueryVersion = queryVersion
	s.pendingQueryBody = body
	s.querySent = false
	return s.store.SetSubscription(s.sessionKey, store.Subscription{
		LatestQueryVersion:  s.pendingQueryVersion,
		PendingQueryVersion: queryVersion,
		PendingQueryBody:    body,
	})
}

// RegisterCompletion enqueues a completion callback identified by a
// monotonically increasing request id (spec §4.3 "Completion-callback
// semantics"). If the session is already Deactivated, the callback is
// invoked immediately with an abort status.
func (s *Session) RegisterCompletion(direction progress.Direction, cb CompletionCallback) int64 {
	s.mu.Lock()
	s.nextRequestID++
	id := s.nextRequestID
	if s.state == Deactivated {
		s.mu.Unlock()
		cb(syncerr.AbortStatus("session deactivated"))
		return id
	}
	s.completions = append(s.completions, &pendingCompletion{requestID: id, direction: direction, cb: cb})
	s.mu.Unlock()
	return id
}

// evaluateDownloadCompletionLocked fires every pending download
// completion callback once each MARK sent has been answered. A
// callback does not record a target server version, so
// downloadedServerVersion is not consulted. Must be called with mu held.
func (s *Session) evaluateDownloadCompletionLocked(downloadedServerVersion int64) {
	if s.lastDownloadMarkReceived < s.lastDownloadMarkSent {
		return
	}
	remaining := s.completions[:0]
	var fired []*pendingCompletion
	for _, c := range s.completions {
		if c.direction == progress.Download {
			fired = append(fired, c)
			continue
		}
		remaining = append(remaining, c)
	}
	s.completions = remaining
	for _, c := range fired {
		go c.cb(syncerr.StatusOK)
	}
}

// drainCompletionsLocked aborts every pending completion callback.
// Must be called with mu held.
func (s *Session) drainCompletionsLocked(status syncerr.Status) {
	pending := s.completions
	s.completions = nil
	for _, c := range pending {
		go c.cb(status)
	}
}

func (s *Session) persistCursorLocked() error {
	return s.store.SetCursor(s.sessionKey, s.cursor)
}

// RequestMark arranges for a MARK to be sent on the next send
// opportunity, used when the target download position advances (spec
// §4.3 step 5).
func (s *Session) RequestMark() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextMarkRequestIdent++
	s.enlistedToSend = true
}
