// Package protocol defines the wire message types exchanged between a
// session and the sync server (spec §6) and a small codec helper for
// peeking a frame's type before committing to a full typed decode.
//
// Grounded on the teacher's obsidian/types.go (flat JSON-tagged structs
// per message) and its gjson.GetBytes(data, "op") peek-before-decode
// idiom used throughout obsidian/sync.go.
package protocol

import "github.com/tidwall/gjson"

// MessageType names the wire messages named in spec §6.
type MessageType string

const (
	MsgBind         MessageType = "bind"
	MsgIdent        MessageType = "ident"
	MsgUpload       MessageType = "upload"
	MsgDownload     MessageType = "download"
	MsgMark         MessageType = "mark"
	MsgUnbind       MessageType = "unbind"
	MsgUnbound      MessageType = "unbound"
	MsgQuery        MessageType = "query"
	MsgError        MessageType = "error"
	MsgQueryError   MessageType = "query_error"
	MsgPing         MessageType = "ping"
	MsgPong         MessageType = "pong"
	MsgTestCommand  MessageType = "test_command"
	MsgTestCommandResponse MessageType = "test_command_response"
)

// Envelope is decoded first to dispatch on Type/Session before the full
// typed payload is unmarshalled, matching the teacher's "op" peek.
type Envelope struct {
	Type    MessageType `json:"message"`
	Session int64       `json:"session_ident,omitempty"`
}

// PeekType extracts just the message type from a raw frame without a
// full unmarshal, the way the teacher peeks "op" with gjson before
// deciding which typed struct to decode into.
func PeekType(data []byte) MessageType {
	result := gjson.GetBytes(data, "message")
	if !result.Exists() {
		return ""
	}
	return MessageType(result.String())
}

// BindMessage is the first message a session sends on a connection.
type BindMessage struct {
	Type            MessageType `json:"message"`
	Session         int64       `json:"session_ident"`
	NeedClientFileIdent bool    `json:"need_client_file_ident"`
	IsSubserver     bool        `json:"is_subserver"`
	PathOrJSON      string      `json:"path"`
}

// IdentMessage carries the client's file identity and download cursor.
type IdentMessage struct {
	Type              MessageType `json:"message"`
	Session           int64       `json:"session_ident"`
	ClientFileIdent   int64       `json:"client_file_ident"`
	ClientFileIdentSalt int64     `json:"client_file_ident_salt"`
	DownloadServerVersion int64   `json:"download_server_version"`
	DownloadClientVersion int64   `json:"download_client_version"`
	LatestServerVersion   int64   `json:"latest_server_version"`
	LatestServerVersionSalt int64 `json:"latest_server_version_salt"`
	QueryVersion      int64       `json:"query_version,omitempty"`
	QueryBody         string      `json:"query_body,omitempty"`
}

// Changeset is an ordered batch of local mutations (glossary).
type Changeset struct {
	RemoteVersion        int64  `json:"remote_version"`
	LastIntegratedLocalVersion int64 `json:"last_integrated_local_version"`
	OriginTimestamp      int64  `json:"origin_timestamp"`
	OriginFileIdent      int64  `json:"origin_file_ident"`
	Data                 []byte `json:"data"`
}

// UploadMessage carries local changesets toward upload_target_version.
type UploadMessage struct {
	Type                MessageType  `json:"message"`
	Session             int64        `json:"session_ident"`
	ProgressClientVersion int64      `json:"progress_client_version"`
	ProgressServerVersion int64      `json:"progress_server_version"`
	LockedServerVersion int64        `json:"locked_server_version"`
	Changesets          []Changeset  `json:"changesets"`
}

// BatchState describes where a DOWNLOAD message sits in an FLX
// bootstrap sequence (spec §4.3 "FLX bootstrap").
type BatchState int

const (
	BatchSteadyState BatchState = iota
	BatchMoreToCome
	BatchLastInBatch
)

// DownloadMessage carries server changesets toward the client.
type DownloadMessage struct {
	Type                  MessageType `json:"message"`
	Session               int64       `json:"session_ident"`
	ProgressServerVersion int64       `json:"progress_server_version"`
	ProgressClientVersion int64       `json:"progress_client_version"`
	DownloadableBytes     int64       `json:"downloadable_bytes"`
	BatchState            BatchState  `json:"batch_state"`
	QueryVersion          int64       `json:"query_version,omitempty"`
	Changesets            []Changeset `json:"changesets"`
}

// MarkMessage is an explicit download-completion probe (glossary:
// "Mark request").
type MarkMessage struct {
	Type          MessageType `json:"message"`
	Session       int64       `json:"session_ident"`
	RequestIdent  int64       `json:"request_ident"`
}

// UnbindMessage signals the client is done with the session.
type UnbindMessage struct {
	Type    MessageType `json:"message"`
	Session int64       `json:"session_ident"`
}

// UnboundMessage is the server's acknowledgement of UNBIND.
type UnboundMessage struct {
	Type    MessageType `json:"message"`
	Session int64       `json:"session_ident"`
}

// QueryMessage carries a new FLX subscription query version/body.
type QueryMessage struct {
	Type         MessageType `json:"message"`
	Session      int64       `json:"session_ident"`
	QueryVersion int64       `json:"query_version"`
	QueryBody    string      `json:"query_body"`
}

// ServerRequestedAction enumerates the actions a server ERROR message
// may request, per spec §4.3/§7.
type ServerRequestedAction string

const (
	ActionNone                  ServerRequestedAction = ""
	ActionClientReset           ServerRequestedAction = "client_reset"
	ActionClientResetNoRecovery ServerRequestedAction = "client_reset_no_recovery"
	ActionMigrateToFLX          ServerRequestedAction = "migrate_to_flx"
	ActionRevertToPBS           ServerRequestedAction = "revert_to_pbs"
	ActionDeleteRealm           ServerRequestedAction = "delete_realm"
	ActionTransient             ServerRequestedAction = "transient"
	ActionWarning               ServerRequestedAction = "warning"
	ActionApplicationBug        ServerRequestedAction = "application_bug"
	ActionProtocolViolation     ServerRequestedAction = "protocol_violation"
)

// ErrorCode names the server error codes this core classifies by
// symbol instead of magic number (spec §7). Wire-level assignment of
// the numeric value is a codec-layer concern this spec delegates
// elsewhere; these constants exist only so HandleError can switch on
// a name rather than a bare int.
type ErrorCode int

const (
	ErrCodeBadClientFileIdent ErrorCode = 101
	ErrCodeBadAuthentication  ErrorCode = 120
	ErrCodeCompensatingWrite  ErrorCode = 231
)

// ErrorMessage is a server-originated ERROR frame.
type ErrorMessage struct {
	Type        MessageType           `json:"message"`
	Session     int64                 `json:"session_ident,omitempty"`
	Code        int                   `json:"error_code"`
	Info        string                `json:"message_text"`
	IsFatal     bool                  `json:"is_fatal"`
	TryAgain    bool                  `json:"try_again"`
	Action      ServerRequestedAction `json:"action,omitempty"`
	LogMessageSeq int64               `json:"compensating_write_server_version,omitempty"`
	Unrecognized bool                 `json:"unrecognized_by_client,omitempty"`
}

// QueryErrorMessage reports an FLX subscription-set error.
type QueryErrorMessage struct {
	Type         MessageType `json:"message"`
	Session      int64       `json:"session_ident"`
	Code         int         `json:"error_code"`
	Info         string      `json:"message_text"`
	QueryVersion int64       `json:"query_version"`
}

// PingMessage and PongMessage implement the connection keepalive.
type PingMessage struct {
	Type      MessageType `json:"message"`
	Timestamp int64       `json:"timestamp"`
	RTT       int64       `json:"rtt,omitempty"`
}

type PongMessage struct {
	Type      MessageType `json:"message"`
	Timestamp int64       `json:"timestamp"`
}

// TestCommandMessage and its response support out-of-band test hooks.
type TestCommandMessage struct {
	Type    MessageType `json:"message"`
	Session int64       `json:"session_ident"`
	ID      int64       `json:"id"`
	Body    string      `json:"body"`
}

type TestCommandResponseMessage struct {
	Type MessageType `json:"message"`
	ID   int64       `json:"id"`
	Body string      `json:"body"`
}
