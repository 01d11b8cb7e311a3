// Package replication provides an in-memory stand-in for the local
// database's replication surface (spec §1: "the local database ... is
// an external collaborator"). It satisfies session.ReplicationEngine
// and clientreset.ReplicationEngine so the session/connection/facade
// machinery can be exercised end to end without a real embedded
// database.
//
// Grounded on the teacher's internal/vault.Vault: where that package
// turns filesystem reads/writes/edits into index entries, this engine
// turns the same kind of local object mutation into an ordered log of
// changesets keyed by path, generalizing vault.Vault's single-root
// object store into the changeset log the sync protocol moves back and
// forth.
package replication

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/suhailpatel/realm-core/internal/protocol"
)

// object is one logical record the engine tracks, addressed by path
// the way vault.Vault addresses a note by its vault-relative path.
type object struct {
	path    string
	data    []byte
	version int64 // local version this object was last written at
}

// Engine is an in-memory local database: a append-only local changeset
// log plus the latest value for each path, mirroring what a real
// embedded object-store's history table and live object table would
// hold.
type Engine struct {
	mu sync.Mutex

	localVersion int64 // local_version of the last committed local change
	uploaded     int64 // highest local version already uploaded

	pending   []protocol.Changeset // changesets not yet uploaded
	integrated []protocol.Changeset // changesets returned by the server and applied

	objects map[string]*object

	clientResetPending bool
}

// New constructs an empty Engine.
func New() *Engine {
	return &Engine{objects: make(map[string]*object)}
}

// Write records a local mutation to path, appending a new changeset to
// the pending log (grounded on vault.Vault.Write's whole-file
// overwrite semantics).
func (e *Engine) Write(path string, data []byte, originFileIdent int64, originTimestamp int64) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.localVersion++
	e.objects[path] = &object{path: path, data: data, version: e.localVersion}
	e.pending = append(e.pending, protocol.Changeset{
		RemoteVersion:              0,
		LastIntegratedLocalVersion: e.localVersion,
		OriginTimestamp:            originTimestamp,
		OriginFileIdent:            originFileIdent,
		Data:                       encodeChange(path, data),
	})
	return e.localVersion
}

// Read returns the current value at path, or (nil, false) if absent.
func (e *Engine) Read(path string) ([]byte, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	obj, ok := e.objects[path]
	if !ok {
		return nil, false
	}
	return obj.data, true
}

// List returns every known path in sorted order, mirroring
// vault.Vault's directory listing.
func (e *Engine) List() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	paths := make([]string, 0, len(e.objects))
	for p := range e.objects {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// UploadableChangesets implements session.ReplicationEngine: returns
// pending changesets whose LastIntegratedLocalVersion falls within
// (fromClientVersion, upToClientVersion].
func (e *Engine) UploadableChangesets(ctx context.Context, fromClientVersion, upToClientVersion int64) ([]protocol.Changeset, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []protocol.Changeset
	for _, cs := range e.pending {
		if cs.LastIntegratedLocalVersion > fromClientVersion && cs.LastIntegratedLocalVersion <= upToClientVersion {
			out = append(out, cs)
		}
	}
	return out, nil
}

// Integrate implements session.ReplicationEngine: applies
// server-originated changesets to local object state and returns the
// local version they integrated at.
func (e *Engine) Integrate(ctx context.Context, changesets []protocol.Changeset) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, cs := range changesets {
		path, data, err := decodeChange(cs.Data)
		if err != nil {
			return 0, fmt.Errorf("integrating changeset: %w", err)
		}
		e.localVersion++
		e.objects[path] = &object{path: path, data: data, version: e.localVersion}
		e.integrated = append(e.integrated, cs)
	}
	return e.localVersion, nil
}

// HistoryStatus implements session.ReplicationEngine.
func (e *Engine) HistoryStatus(ctx context.Context) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.clientResetPending, nil
}

// MarkClientResetPending flags the next HistoryStatus call as pending,
// simulating the real engine detecting a file-ident mismatch.
func (e *Engine) MarkClientResetPending() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clientResetPending = true
}

// RecoverFromFresh implements clientreset.ReplicationEngine: in this
// in-memory stand-in it clears the client-reset-pending flag and either
// drops every pending local changeset (discard=true) or keeps them
// (discard=false). It does not read the fresh side database at
// freshPath or take any changesets from it; freshPath only appears in
// the returned summary.
func (e *Engine) RecoverFromFresh(ctx context.Context, freshPath string, discard bool) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if discard {
		e.pending = nil
		e.clientResetPending = false
		return fmt.Sprintf("discarded local history, recovered from %s", freshPath), nil
	}

	e.clientResetPending = false
	return fmt.Sprintf("merged local history with recovery snapshot at %s (%d pending changesets preserved)", freshPath, len(e.pending)), nil
}

func encodeChange(path string, data []byte) []byte {
	out := make([]byte, 0, len(path)+1+len(data))
	out = append(out, []byte(path)...)
	out = append(out, 0)
	out = append(out, data...)
	return out
}

func decodeChange(raw []byte) (string, []byte, error) {
	for i, b := range raw {
		if b == 0 {
			return string(raw[:i]), raw[i+1:], nil
		}
	}
	return "", nil, fmt.Errorf("malformed changeset payload: missing path separator")
}
