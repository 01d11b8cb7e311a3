// Package progress implements the upload/download progress notifier
// described in spec §4.5. It has no direct analogue in the teacher (the
// vault-sync client has no byte-level progress API); it is built in the
// teacher's style — a plain struct guarded by a mutex with a registered-
// callback slice, the same shape internal/connstate uses for connection
// state fan-out.
package progress

import "sync"

// Direction distinguishes an upload registration from a download one.
type Direction int

const (
	Upload Direction = iota
	Download
)

// Update is the state fed to the notifier on each integration or
// progress change (spec §4.5).
type Update struct {
	Downloaded      uint64
	Downloadable    uint64
	Uploaded        uint64
	Uploadable      uint64
	DownloadVersion int64
	SnapshotVersion int64
}

// Callback receives transferred/transferrable byte counts.
type Callback func(transferred, transferrable uint64)

type registration struct {
	id           uint64
	dir          Direction
	streaming    bool
	cb           Callback
	regSnapshot  int64 // snapshot_version at registration time, for upload non-streaming skip rule
	initialized  bool
	transferrable uint64 // captured value, possibly reduced by later compaction
}

// Notifier tracks upload/download byte counters and dispatches
// per-registration callbacks with streaming vs. one-shot semantics.
type Notifier struct {
	mu    sync.Mutex
	regs  map[uint64]*registration
	nextID uint64
	last  Update
}

// New creates an empty Notifier.
func New() *Notifier {
	return &Notifier{regs: make(map[uint64]*registration)}
}

// Register adds a callback and returns a token usable with Unregister.
// snapshotVersion is the current upload snapshot version at registration
// time, used by the non-streaming upload skip rule.
func (n *Notifier) Register(dir Direction, streaming bool, snapshotVersion int64, cb Callback) uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.nextID++
	id := n.nextID
	n.regs[id] = &registration{
		id:          id,
		dir:         dir,
		streaming:   streaming,
		cb:          cb,
		regSnapshot: snapshotVersion,
	}
	return id
}

// Unregister removes a registration. Safe to call from within a
// dispatched callback.
func (n *Notifier) Unregister(id uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.regs, id)
}

// Update feeds a new progress reading to the notifier and dispatches
// eligible callbacks. Callbacks are invoked with the lock released, per
// spec §4.5 ("Callbacks are invoked with the lock released").
func (n *Notifier) Update(u Update) {
	if u.DownloadVersion == 0 {
		// "Updates with download_version == 0 are ignored (prior to
		// first DOWNLOAD)."
		return
	}

	n.mu.Lock()
	n.last = u

	type dispatch struct {
		cb                       Callback
		transferred, transferrable uint64
		expire                   bool
		id                       uint64
	}
	var toDispatch []dispatch

	for id, r := range n.regs {
		var transferred, live uint64
		switch r.dir {
		case Upload:
			if !r.streaming && u.SnapshotVersion < r.regSnapshot {
				// "If not streaming and direction is upload and the
				// snapshot at registration time exceeds the current
				// snapshot, skip this round (upload count not yet
				// reflective)."
				continue
			}
			transferred, live = u.Uploaded, u.Uploadable
		case Download:
			transferred, live = u.Downloaded, u.Downloadable
		}

		if !r.initialized {
			r.transferrable = live
			r.initialized = true
		} else if live < r.transferrable {
			// Server compaction: reduce the captured value.
			r.transferrable = live
		}

		expire := !r.streaming && transferred >= r.transferrable

		toDispatch = append(toDispatch, dispatch{
			cb:            r.cb,
			transferred:   transferred,
			transferrable: r.transferrable,
			expire:        expire,
			id:            id,
		})

		if expire {
			delete(n.regs, id)
		}
	}
	n.mu.Unlock()

	for _, d := range toDispatch {
		d.cb(d.transferred, d.transferrable)
	}
}

// Last returns the most recent Update fed to the notifier.
func (n *Notifier) Last() Update {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.last
}
