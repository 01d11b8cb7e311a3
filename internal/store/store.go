// Package store persists per-session replication history cursors, the
// FLX subscription store, and the PBS<->FLX migration store to a local
// bbolt database (spec §3 "Persisted state", §6).
//
// Grounded on the teacher's internal/state package: bucket-per-concern,
// JSON-encoded values, 0600/0700 permission constants, and a bounded
// open timeout against lock contention. Buckets here are keyed by
// session (local database file identity) instead of by vault ID.
package store

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	dirPerm  = fs.FileMode(0o700)
	filePerm = fs.FileMode(0o600)

	openTimeout = 5 * time.Second
)

var (
	cursorKey       = []byte("cursor")
	clientIdentKey  = []byte("client_file_ident")
	subscriptionKey = []byte("subscription")
	migrationKey    = []byte("migration")
)

func sessionBucket(sessionKey string) []byte {
	return []byte("session:" + sessionKey)
}

// Cursor is the persisted progress cursor pair (spec §3 "Progress Cursor").
type Cursor struct {
	UploadClientVersion           int64 `json:"upload_client_version"`
	UploadLastIntegratedServerVersion int64 `json:"upload_last_integrated_server_version"`
	DownloadServerVersion         int64 `json:"download_server_version"`
	DownloadLastIntegratedClientVersion int64 `json:"download_last_integrated_client_version"`
	LatestServerVersion           int64 `json:"latest_server_version"`
	LatestServerVersionSalt       int64 `json:"latest_server_version_salt"`
}

// ClientFileIdent is the (ident, salt) pair assigned by the server the
// first time a local database file synchronizes (glossary).
type ClientFileIdent struct {
	Ident int64 `json:"ident"`
	Salt  int64 `json:"salt"`
}

// Subscription is the FLX subscription-store bookkeeping this core
// keeps itself (spec §3 "Subscription Store (FLX)"): the latest query
// version sent, the pending query set's version, an optional migration
// sentinel version, and the most recent QUERY_ERROR surfaced against
// this subscription (spec §4.3 "QUERY_ERROR ... reported against the
// affected query version").
type Subscription struct {
	LatestQueryVersion int64  `json:"latest_query_version"`
	PendingQueryVersion int64 `json:"pending_query_version"`
	PendingQueryBody    string `json:"pending_query_body"`
	SentinelVersion     int64  `json:"sentinel_version,omitempty"`

	ErrorQueryVersion int64  `json:"error_query_version,omitempty"`
	ErrorCode         int    `json:"error_code,omitempty"`
	ErrorMessage      string `json:"error_message,omitempty"`
}

// Migration records which side of a PBS<->FLX migration this session
// is on and the saved post-migration config, per spec §4.4.
type Migration struct {
	InProgress      bool   `json:"in_progress"`
	ToFLX           bool   `json:"to_flx"`
	QueryString     string `json:"query_string,omitempty"`
	Partition       string `json:"partition,omitempty"`
	SavedConfigJSON string `json:"saved_config_json,omitempty"`
}

// Store wraps a bbolt database for all persistent sync-core state.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if needed) a Store at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	db, err := bolt.Open(path, filePerm, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// InitSession ensures the bucket for a session exists. Call once after
// a session is created.
func (s *Store) InitSession(sessionKey string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(sessionBucket(sessionKey))
		return err
	})
}

// DropSession removes all persisted state for a session, used when a
// client reset discards the old history entirely.
func (s *Store) DropSession(sessionKey string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.DeleteBucket(sessionBucket(sessionKey))
	})
}

// ListSessionKeys returns the session keys with persisted state, for
// the `status` CLI command to enumerate without a running daemon.
func (s *Store) ListSessionKeys() ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			const prefix = "session:"
			if len(name) > len(prefix) && string(name[:len(prefix)]) == prefix {
				keys = append(keys, string(name[len(prefix):]))
			}
			return nil
		})
	})
	return keys, err
}

func (s *Store) getJSON(sessionKey string, key []byte, out interface{}) (bool, error) {
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(sessionBucket(sessionKey))
		if b == nil {
			return nil
		}
		v := b.Get(key)
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, out)
	})
	return found, err
}

func (s *Store) putJSON(sessionKey string, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(sessionBucket(sessionKey))
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

// GetCursor returns the persisted cursor for a session, or the zero
// value if none is stored yet.
func (s *Store) GetCursor(sessionKey string) (Cursor, error) {
	var c Cursor
	_, err := s.getJSON(sessionKey, cursorKey, &c)
	return c, err
}

// SetCursor persists the cursor for a session.
func (s *Store) SetCursor(sessionKey string, c Cursor) error {
	return s.putJSON(sessionKey, cursorKey, c)
}

// GetClientFileIdent returns the persisted client file identity, and
// whether one has been assigned yet.
func (s *Store) GetClientFileIdent(sessionKey string) (ClientFileIdent, bool, error) {
	var id ClientFileIdent
	found, err := s.getJSON(sessionKey, clientIdentKey, &id)
	return id, found, err
}

// SetClientFileIdent persists the client file identity assigned by the
// server, per spec §4.3 ("IDENT ... legal only after BIND").
func (s *Store) SetClientFileIdent(sessionKey string, id ClientFileIdent) error {
	return s.putJSON(sessionKey, clientIdentKey, id)
}

// GetSubscription returns the persisted FLX subscription bookkeeping.
func (s *Store) GetSubscription(sessionKey string) (Subscription, error) {
	var sub Subscription
	_, err := s.getJSON(sessionKey, subscriptionKey, &sub)
	return sub, err
}

// SetSubscription persists FLX subscription bookkeeping.
func (s *Store) SetSubscription(sessionKey string, sub Subscription) error {
	return s.putJSON(sessionKey, subscriptionKey, sub)
}

// SetSubscriptionError records a QUERY_ERROR against the existing
// subscription bookkeeping without disturbing the latest/pending query
// fields, so the FLX subscription store can surface the error
// alongside whatever query it belongs to.
func (s *Store) SetSubscriptionError(sessionKey string, queryVersion int64, code int, message string) error {
	sub, err := s.GetSubscription(sessionKey)
	if err != nil {
		return fmt.Errorf("loading subscription: %w", err)
	}
	sub.ErrorQueryVersion = queryVersion
	sub.ErrorCode = code
	sub.ErrorMessage = message
	return s.SetSubscription(sessionKey, sub)
}

// GetMigration returns the persisted migration bookkeeping.
func (s *Store) GetMigration(sessionKey string) (Migration, error) {
	var m Migration
	_, err := s.getJSON(sessionKey, migrationKey, &m)
	return m, err
}

// SetMigration persists migration bookkeeping.
func (s *Store) SetMigration(sessionKey string, m Migration) error {
	return s.putJSON(sessionKey, migrationKey, m)
}
