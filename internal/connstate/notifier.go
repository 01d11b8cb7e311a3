// Package connstate implements the connection-state notifier of spec
// §4.6: a fan-out of connection state transitions to registered
// observers, safe against reentrant unregistration.
package connstate

import "sync"

// State is the value surfaced to observers, matching spec §6.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// Callback observes a state transition.
type Callback func(old, new State)

type entry struct {
	token uint64
	cb    Callback
}

// Notifier is a list of (callback, token) registrations. InvokeCallbacks
// iterates over a snapshot of the registered tokens and looks each one
// up before calling it, so callbacks may safely unregister themselves
// or others during dispatch.
type Notifier struct {
	mu      sync.Mutex
	entries []entry
	nextTok uint64
	current State
}

// New creates a Notifier starting in Disconnected.
func New() *Notifier {
	return &Notifier{current: Disconnected}
}

// Register adds an observer and returns a token usable with Unregister.
func (n *Notifier) Register(cb Callback) uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextTok++
	tok := n.nextTok
	n.entries = append(n.entries, entry{token: tok, cb: cb})
	return tok
}

// Unregister removes an observer by token. Safe to call during dispatch.
func (n *Notifier) Unregister(token uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, e := range n.entries {
		if e.token == token {
			n.entries = append(n.entries[:i], n.entries[i+1:]...)
			return
		}
	}
}

// Current returns the last-announced state.
func (n *Notifier) Current() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.current
}

// InvokeCallbacks announces a transition from old to new to every
// registered observer, in registration order. Iterates by index over a
// snapshot of tokens so that an observer unregistering itself or a
// later observer during dispatch does not skip or double-invoke
// surviving entries.
func (n *Notifier) InvokeCallbacks(old, new State) {
	n.mu.Lock()
	n.current = new
	tokens := make([]uint64, len(n.entries))
	for i, e := range n.entries {
		tokens[i] = e.token
	}
	n.mu.Unlock()

	for _, tok := range tokens {
		n.mu.Lock()
		var cb Callback
		found := false
		for _, e := range n.entries {
			if e.token == tok {
				cb = e.cb
				found = true
				break
			}
		}
		n.mu.Unlock()

		if found {
			cb(old, new)
		}
	}
}

// Transition is a convenience that invokes InvokeCallbacks(Current(), new),
// which sets Current() to new before dispatching — the common case
// where the caller does not already know the prior state.
func (n *Notifier) Transition(new State) {
	old := n.Current()
	n.InvokeCallbacks(old, new)
}
