// Package syncerr defines the sentinel errors and status codes used
// throughout the sync session core, grouped by the taxonomy in spec §7.
package syncerr

import "errors"

// Connection-level protocol violations. These are fatal to every
// session enlisted on the connection; the connection closes and
// reconnects (or not, depending on the backoff classification).
var (
	ErrBadSessionIdent      = errors.New("sync: bad session ident")
	ErrBadMessageOrder      = errors.New("sync: bad message order")
	ErrBadSyntax            = errors.New("sync: bad syntax")
	ErrBadErrorCode         = errors.New("sync: bad error code")
	ErrBadProtocolFromServer = errors.New("sync: bad protocol from server")
)

// Session-level errors. These suspend the owning session without
// affecting the connection or its other sessions.
var (
	ErrSessionSuspended = errors.New("sync: session suspended")
	ErrClientReset       = errors.New("sync: client reset required")
	ErrBootstrapFailed   = errors.New("sync: flx bootstrap failed")
)

// Facade-level completion statuses, matching the completion-callback
// contract in spec §6.
var (
	ErrAborted         = errors.New("sync: operation aborted")
	ErrSessionInactive = errors.New("sync: sync session became inactive")
)

// Status is the value delivered to a completion callback (spec §6:
// "Completion callback contract"). OK is the zero value so a
// successfully-drained callback needs no sentinel comparison.
type Status struct {
	Err error
}

// OK reports whether the status represents success.
func (s Status) OK() bool {
	return s.Err == nil
}

func (s Status) Error() string {
	if s.Err == nil {
		return "ok"
	}
	return s.Err.Error()
}

// StatusOK is the canonical success status.
var StatusOK = Status{}

// AbortStatus builds a Status wrapping ErrAborted with additional context.
func AbortStatus(reason string) Status {
	if reason == "" {
		return Status{Err: ErrAborted}
	}
	return Status{Err: errors.Join(ErrAborted, errors.New(reason))}
}

// SyncError is a client-reset/migration error surfaced to the
// application (spec §8 scenario 3): a wrapped cause plus the
// user_info map applications inspect for recovery-file locations.
type SyncError struct {
	Err      error
	UserInfo map[string]string
}

func (e *SyncError) Error() string {
	return e.Err.Error()
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// NewSyncError builds a SyncError with a copy of the given user_info map.
func NewSyncError(err error, userInfo map[string]string) *SyncError {
	info := make(map[string]string, len(userInfo))
	for k, v := range userInfo {
		info[k] = v
	}
	return &SyncError{Err: err, UserInfo: info}
}
