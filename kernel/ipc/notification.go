package ipc

import (
	"sync"

	"github.com/SH-XiaoXiu/xnix-sub000/kernel/sched"
)

// Notification is a broadcast-atomic 32-bit pending-bits word: Signal ORs
// bits in; if threads are already waiting, the combined bits are delivered
// to all of them and pending is cleared. If nobody is waiting, the bits sit
// in pending for the next Wait call to pick up immediately — Signal only
// clears pending at the moment it actually hands bits to a waiter.
type Notification struct {
	mu      sync.Mutex
	pending uint32
	waiters []*sched.Thread
	refs    int
}

func NewNotification() *Notification { return &Notification{} }

func (n *Notification) Ref()   { n.mu.Lock(); n.refs++; n.mu.Unlock() }
func (n *Notification) Unref() { n.mu.Lock(); n.refs--; n.mu.Unlock() }

// Signal ORs bits into the pending word and wakes every current waiter with
// the combined value. A zero bits is a no-op.
func (n *Notification) Signal(sys *System, bits uint32) {
	if bits == 0 {
		return
	}
	n.mu.Lock()
	n.pending |= bits

	if len(n.waiters) == 0 {
		n.mu.Unlock()
		return
	}

	delivered := n.pending
	n.pending = 0
	waiters := n.waiters
	n.waiters = nil
	n.mu.Unlock()

	for _, w := range waiters {
		w.NotifiedBits = delivered
		sys.Sched.WakeupThread(w)
	}
}

// Wait returns pending bits immediately if any are set, consuming them.
// Otherwise it joins the wait list and blocks until a Signal delivers bits.
func (n *Notification) Wait(sys *System, caller *sched.Thread) uint32 {
	n.mu.Lock()
	if n.pending != 0 {
		bits := n.pending
		n.pending = 0
		n.mu.Unlock()
		return bits
	}
	n.waiters = append(n.waiters, caller)
	n.mu.Unlock()

	sys.Sched.Block(caller.RunningOn, n)

	bits := caller.NotifiedBits
	caller.NotifiedBits = 0
	return bits
}
