// Package facade implements the user-visible Sync-Session Facade (spec
// §4.7): the public state machine (Active/Dying/Inactive/Paused/
// WaitingForAccessToken), external-reference refcount-to-close
// semantics, and the three fine-grained mutexes the spec requires
// (§5): state_mutex, config_mutex, external_reference_mutex.
//
// Grounded on the teacher's SyncClient public surface
// (Push/Connected/Close in obsidian/sync.go) being the only
// goroutine-safe entry points into an otherwise single-threaded
// engine; this facade generalizes that shape into the five-state
// machine the spec names.
package facade

import (
	"fmt"
	"sync"

	"github.com/suhailpatel/realm-core/internal/progress"
	"github.com/suhailpatel/realm-core/internal/session"
	"github.com/suhailpatel/realm-core/internal/syncerr"
)

// State is the user-visible sync-session lifecycle state (spec §4.7).
type State int

const (
	Active State = iota
	Dying
	Inactive
	Paused
	WaitingForAccessToken
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Dying:
		return "dying"
	case Inactive:
		return "inactive"
	case Paused:
		return "paused"
	case WaitingForAccessToken:
		return "waiting_for_access_token"
	default:
		return "unknown"
	}
}

// CloseMode selects how Close behaves (spec §4.7 "Key rules").
type CloseMode int

const (
	// CloseImmediately moves straight to Inactive.
	CloseImmediately CloseMode = iota
	// CloseAfterChangesUploaded moves to Dying and waits for the
	// upload-completion callback before finalizing to Inactive.
	CloseAfterChangesUploaded
	// CloseLiveIndefinitely is a no-op; the facade stays Active.
	CloseLiveIndefinitely
)

// Underlying is the lower-level session this facade wraps, satisfied
// by *session.Session.
type Underlying interface {
	Activate()
	Deactivate()
	RegisterCompletion(direction progress.Direction, cb session.CompletionCallback) int64
}

// ExternalReference is a weak handle the application holds; when the
// last reference is dropped, Close(CloseImmediately) runs
// automatically (spec §4.7 "External references").
type ExternalReference struct {
	mu      sync.Mutex
	session *SyncSession
	live    bool
}

// Drop releases this reference, closing the owning session if it was
// the last live one.
func (r *ExternalReference) Drop() {
	r.mu.Lock()
	wasLive := r.live
	r.live = false
	session := r.session
	r.mu.Unlock()

	if wasLive && session != nil {
		session.decrementRefcount()
	}
}

// pendingWait is one entry in the facade's own completion-callback
// table (spec §3 "Sync-Session Facade ... owns pending completion
// callbacks: an ordered mapping from request-id to (direction,
// callback)"), distinct from the underlying session's own completions
// table. registered tracks whether it currently has a live
// registration against the underlying session; SwapAsideCallbacks
// clears it without discarding the entry so RestoreCallbacks can
// re-register it against whatever session comes back.
type pendingWait struct {
	id         int64
	direction  progress.Direction
	cb         session.CompletionCallback
	registered bool
}

// SyncSession is the public, goroutine-safe facade over one Session.
type SyncSession struct {
	stateMu    sync.Mutex
	configMu   sync.Mutex
	externalRefMu sync.Mutex

	state      State
	deathCount int64
	refcount   int

	underlying Underlying

	waitMu     sync.Mutex
	nextWaitID int64
	waits      []*pendingWait
}

// New constructs a facade wrapping an activated-on-demand Underlying
// session, starting Active with one external reference outstanding.
func New(underlying Underlying) (*SyncSession, *ExternalReference) {
	s := &SyncSession{state: Active, underlying: underlying, refcount: 1}
	underlying.Activate()
	ref := &ExternalReference{session: s, live: true}
	return s, ref
}

// State returns the current facade state.
func (s *SyncSession) State() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

// WaitForUploadCompletion registers cb against the facade's own
// completion-callback table for the upload direction, parallel to
// Close/Pause/Resume/register-notifier as a public sync-session
// operation (spec §5). If the facade is Active, the callback is
// registered against the underlying session immediately; otherwise it
// is deferred until the next Active transition (spec §4.3
// "Completion-callback semantics").
func (s *SyncSession) WaitForUploadCompletion(cb session.CompletionCallback) int64 {
	return s.waitForCompletion(progress.Upload, cb)
}

// WaitForDownloadCompletion is WaitForUploadCompletion for the
// download direction.
func (s *SyncSession) WaitForDownloadCompletion(cb session.CompletionCallback) int64 {
	return s.waitForCompletion(progress.Download, cb)
}

func (s *SyncSession) waitForCompletion(direction progress.Direction, cb session.CompletionCallback) int64 {
	s.waitMu.Lock()
	s.nextWaitID++
	id := s.nextWaitID
	w := &pendingWait{id: id, direction: direction}
	w.cb = func(st syncerr.Status) {
		s.waitMu.Lock()
		s.removeWaitLocked(id)
		s.waitMu.Unlock()
		cb(st)
	}
	s.waits = append(s.waits, w)
	s.waitMu.Unlock()

	s.stateMu.Lock()
	active := s.state == Active
	s.stateMu.Unlock()
	if active {
		s.registerWait(w)
	}
	return id
}

func (s *SyncSession) removeWaitLocked(id int64) {
	out := s.waits[:0]
	for _, w := range s.waits {
		if w.id != id {
			out = append(out, w)
		}
	}
	s.waits = out
}

func (s *SyncSession) registerWait(w *pendingWait) {
	s.waitMu.Lock()
	if w.registered {
		s.waitMu.Unlock()
		return
	}
	w.registered = true
	s.waitMu.Unlock()
	s.underlying.RegisterCompletion(w.direction, w.cb)
}

// reregisterPendingWaits re-registers every wait in the facade's table
// that isn't currently registered against the underlying session,
// called whenever the facade transitions (back) into Active.
func (s *SyncSession) reregisterPendingWaits() {
	s.waitMu.Lock()
	pending := make([]*pendingWait, 0, len(s.waits))
	for _, w := range s.waits {
		if !w.registered {
			pending = append(pending, w)
		}
	}
	s.waitMu.Unlock()
	for _, w := range pending {
		s.registerWait(w)
	}
}

// SwapAsideCallbacks marks every currently-registered wait as pending
// re-registration without invoking or discarding it. Passed directly
// as clientreset.Coordinator.Run's onSwapAsideCallbacks parameter so a
// client reset's transient session churn does not drain application
// completion callbacks with an abort status (spec §4.4 step 5, §4.3
// "Completion-callback semantics").
func (s *SyncSession) SwapAsideCallbacks() {
	s.waitMu.Lock()
	defer s.waitMu.Unlock()
	for _, w := range s.waits {
		w.registered = false
	}
}

// RestoreCallbacks re-registers every swapped-aside wait against the
// (possibly new) underlying session. Passed directly as
// clientreset.Coordinator.Run's onRestoreCallbacks parameter.
func (s *SyncSession) RestoreCallbacks() {
	s.reregisterPendingWaits()
}

// Close transitions the facade per the table in spec §4.7.
func (s *SyncSession) Close(mode CloseMode) error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	switch mode {
	case CloseLiveIndefinitely:
		return nil

	case CloseImmediately:
		switch s.state {
		case Active, Dying, WaitingForAccessToken:
			s.state = Inactive
			s.underlying.Deactivate()
			return nil
		case Inactive:
			return nil
		}

	case CloseAfterChangesUploaded:
		switch s.state {
		case Active:
			s.state = Dying
			s.deathCount++
			myDeath := s.deathCount
			s.underlying.RegisterCompletion(progress.Upload, func(st syncerr.Status) {
				s.finalizeDying(myDeath)
			})
			return nil
		case Dying, Inactive:
			return nil
		}
	}

	return fmt.Errorf("close: unsupported transition from %s", s.state)
}

// finalizeDying completes a Dying->Inactive transition once the
// upload-completion callback fires, guarded by death_count so a
// revive+redie cycle does not finalize a stale death (spec §4.7 "Key
// rules": "Dying uses a per-session death_count").
func (s *SyncSession) finalizeDying(myDeath int64) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.state != Dying || s.deathCount != myDeath {
		return
	}
	s.state = Inactive
	s.underlying.Deactivate()
}

// Revive brings a Dying or Inactive facade back to Active.
func (s *SyncSession) Revive() error {
	s.stateMu.Lock()
	switch s.state {
	case Dying, Inactive:
		s.state = Active
		s.underlying.Activate()
		s.stateMu.Unlock()
		s.reregisterPendingWaits()
		return nil
	case WaitingForAccessToken:
		// "revive with stale token": allow the caller to retry the
		// refresh cycle rather than staying stuck.
		s.state = Active
		s.underlying.Activate()
		s.stateMu.Unlock()
		s.reregisterPendingWaits()
		return nil
	default:
		s.stateMu.Unlock()
		return fmt.Errorf("revive: unsupported from %s", s.state)
	}
}

// Pause moves the facade to Paused from any non-Paused state (spec
// §4.7: "pause() may be called from any non-Paused state").
func (s *SyncSession) Pause() error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.state == Paused {
		return nil
	}
	s.state = Paused
	s.underlying.Deactivate()
	return nil
}

// Resume is the only valid exit from Paused (spec §4.7: "only resume()
// exits Paused").
func (s *SyncSession) Resume() error {
	s.stateMu.Lock()
	if s.state != Paused {
		s.stateMu.Unlock()
		return fmt.Errorf("resume: not paused")
	}
	s.state = Active
	s.underlying.Activate()
	s.stateMu.Unlock()
	s.reregisterPendingWaits()
	return nil
}

// TokenExpired transitions Active/Dying to WaitingForAccessToken (spec
// §4.7 table).
func (s *SyncSession) TokenExpired() error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	switch s.state {
	case Active, Dying:
		s.state = WaitingForAccessToken
		return nil
	default:
		return fmt.Errorf("token expired: unsupported from %s", s.state)
	}
}

// decrementRefcount drops the facade's external reference count,
// calling Close(CloseImmediately) once it reaches zero (spec §4.7:
// "on drop, close() is called").
func (s *SyncSession) decrementRefcount() {
	s.externalRefMu.Lock()
	s.refcount--
	last := s.refcount == 0
	s.externalRefMu.Unlock()

	if last {
		_ = s.Close(CloseImmediately)
	}
}

// AddRef creates another external reference to this facade.
func (s *SyncSession) AddRef() *ExternalReference {
	s.externalRefMu.Lock()
	s.refcount++
	s.externalRefMu.Unlock()
	return &ExternalReference{session: s, live: true}
}
