package connstate

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransition_InvokesInOrder(t *testing.T) {
	n := New()
	var order []string
	n.Register(func(old, new State) { order = append(order, "first:"+new.String()) })
	n.Register(func(old, new State) { order = append(order, "second:"+new.String()) })

	n.Transition(Connecting)

	assert.Equal(t, []string{"first:connecting", "second:connecting"}, order)
	assert.Equal(t, Connecting, n.Current())
}

func TestUnregister_RemovesObserver(t *testing.T) {
	n := New()
	var calls int
	tok := n.Register(func(old, new State) { calls++ })
	n.Unregister(tok)

	n.Transition(Connected)
	assert.Equal(t, 0, calls)
}

func TestInvokeCallbacks_ReentrantUnregisterSelf(t *testing.T) {
	n := New()
	var aCalls, bCalls int
	var tokA uint64
	tokA = n.Register(func(old, new State) {
		aCalls++
		n.Unregister(tokA)
	})
	n.Register(func(old, new State) { bCalls++ })

	n.Transition(Connecting)
	n.Transition(Connected)

	assert.Equal(t, 1, aCalls, "self-unregistering observer should fire exactly once")
	assert.Equal(t, 2, bCalls)
}

func TestInvokeCallbacks_ReentrantUnregisterLaterEntry(t *testing.T) {
	n := New()
	var aCalls, bCalls, cCalls int
	var tokB uint64
	n.Register(func(old, new State) { aCalls++ })
	tokB = n.Register(func(old, new State) { bCalls++ })
	n.Register(func(old, new State) { cCalls++ })

	// Overwrite the first entry's callback so it unregisters tokB (the
	// second entry) during the same dispatch pass.
	n.mu.Lock()
	n.entries[0].cb = func(old, new State) {
		aCalls++
		n.Unregister(tokB)
	}
	n.mu.Unlock()

	n.Transition(Connecting)

	assert.Equal(t, 1, aCalls)
	assert.Equal(t, 0, bCalls, "entry unregistered mid-dispatch should not fire")
	assert.Equal(t, 1, cCalls, "entry after the unregistered one should still fire")
}
