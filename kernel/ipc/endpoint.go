// Package ipc implements synchronous rendezvous IPC: endpoints (Send/Call/
// Receive/Reply), broadcast notifications, and the deep-copied Message
// payload that crosses between them. Blocking is real: Send/Call/Receive
// park the calling goroutine on the scheduler until a matching Reply or
// Wakeup releases it, exactly mirroring how a blocked kernel thread would
// not resume until rescheduled.
package ipc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/SH-XiaoXiu/xnix-sub000/kernel/capability"
	"github.com/SH-XiaoXiu/xnix-sub000/kernel/kmsg"
	"github.com/SH-XiaoXiu/xnix-sub000/kernel/sched"
)

var (
	ErrInvalid    = errors.New("ipc: invalid")
	ErrTimeout    = errors.New("ipc: timed out")
	ErrWouldBlock = errors.New("ipc: would block")
)

// HandleOwner is implemented by whatever owns a thread's capability table
// (the process package's Process). ipc needs it only to resolve handle
// transfers during a deep copy; it never touches process lifecycle.
type HandleOwner interface {
	Handles() *capability.Table
}

// System bundles the scheduler IPC operations block and wake against, the
// kernel message log they report through, and the IRQ-to-notification
// binding table the interrupt path signals drivers through.
type System struct {
	Sched *sched.Scheduler
	Log   *kmsg.Ring

	irqMu sync.Mutex
	irqs  map[uint32]irqBinding
}

func handlesOf(t *sched.Thread) *capability.Table {
	if t == nil || t.Process == nil {
		return nil
	}
	owner, ok := t.Process.(HandleOwner)
	if !ok {
		return nil
	}
	return owner.Handles()
}

// transferHandles duplicates each handle named in src.Handles from the
// sender's table into the receiver's, requiring GRANT on the source handle
// per the capability package's Duplicate rule. A handle the sender is not
// permitted to transfer is silently dropped from dst.Handles rather than
// failing the whole message — the rest of the payload still needs to land.
func transferHandles(sys *System, from, to *sched.Thread, src *Message, dst *Message) {
	dst.Handles = dst.Handles[:0]
	if len(src.Handles) == 0 {
		return
	}
	srcTbl, dstTbl := handlesOf(from), handlesOf(to)
	if srcTbl == nil || dstTbl == nil {
		return
	}
	for _, h := range src.Handles {
		rights, err := srcTbl.Rights(h)
		if err != nil {
			continue
		}
		nh, err := srcTbl.Duplicate(h, dstTbl, rights, "")
		if err != nil {
			if sys.Log != nil {
				sys.Log.Write(kmsg.LevelWarn, "ipc", "handle %d not transferred from tid %d: %v", h, from.TID, err)
			}
			continue
		}
		dst.Handles = append(dst.Handles, nh)
	}
}

// deliver performs the single, canonical deep copy from src (sender's
// buffer) into dst (receiver's buffer): registers, inline data, and handle
// transfer. Every path that hands a message off calls this exactly once,
// so a double copy (and with it a double handle transfer) is structurally
// impossible.
func deliver(sys *System, from, to *sched.Thread, src, dst *Message) {
	copyMessage(dst, src)
	transferHandles(sys, from, to, src, dst)
}

// TypeEndpoint and TypeNotification are the capability.Type values that
// endpoint and notification handles are installed under.
const (
	TypeEndpoint     capability.Type = 1
	TypeNotification capability.Type = 2
)

// Endpoint is the rendezvous object: a send-queue and a recv-queue, at most
// one non-empty at a time.
type Endpoint struct {
	mu    sync.Mutex
	sendQ []*sched.Thread
	recvQ []*sched.Thread
	refs  int
}

func NewEndpoint() *Endpoint { return &Endpoint{} }

func (e *Endpoint) Ref()   { e.mu.Lock(); e.refs++; e.mu.Unlock() }
func (e *Endpoint) Unref() { e.mu.Lock(); e.refs--; e.mu.Unlock() }

// Send is the blocking half of the rendezvous: a plain Send is a Call
// whose caller discards the reply. The caller always blocks until
// Reply (or ReplyTo) wakes it, whether or not a receiver was immediately
// available.
func (e *Endpoint) Send(sys *System, caller *sched.Thread, req, reply *Message) error {
	return e.send(sys, caller, req, reply, 0)
}

// SendTimeout is Send with a deadline, in scheduler ticks. 0 means no
// deadline. A caller still queued (or already delivered but not yet
// replied to) when the deadline fires is removed from the send-queue and
// gets ErrTimeout; a late Reply addressed to it fails with ErrInvalid.
func (e *Endpoint) SendTimeout(sys *System, caller *sched.Thread, req, reply *Message, timeoutTicks uint64) error {
	return e.send(sys, caller, req, reply, timeoutTicks)
}

func (e *Endpoint) send(sys *System, caller *sched.Thread, req, reply *Message, timeoutTicks uint64) error {
	// Stamped before the endpoint lock is touched: once caller is visible on
	// either queue, a concurrent Receive/Reply must already see these.
	caller.IPCRequest = req
	caller.IPCReply = reply
	caller.IPCErr = nil

	e.mu.Lock()
	if len(e.recvQ) > 0 {
		r := e.recvQ[0]
		e.recvQ = e.recvQ[1:]
		e.mu.Unlock()

		dst, _ := r.IPCReply.(*Message) // Receive stashes its destination buffer here while queued
		deliver(sys, caller, r, req, dst)
		r.IPCPeer = caller.TID

		sys.Sched.WakeupThread(r)
	} else {
		e.sendQ = append(e.sendQ, caller)
		e.mu.Unlock()
	}

	if timeoutTicks > 0 {
		if !sys.Sched.BlockTimeout(caller.RunningOn, caller, timeoutTicks) {
			e.removeSender(caller)
			return ErrTimeout
		}
	} else {
		sys.Sched.Block(caller.RunningOn, caller)
	}

	if caller.IPCErr != nil {
		return caller.IPCErr
	}
	return nil
}

func (e *Endpoint) removeSender(t *sched.Thread) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, q := range e.sendQ {
		if q == t {
			e.sendQ = append(e.sendQ[:i], e.sendQ[i+1:]...)
			return
		}
	}
}

func (e *Endpoint) removeReceiver(t *sched.Thread) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, q := range e.recvQ {
		if q == t {
			e.recvQ = append(e.recvQ[:i], e.recvQ[i+1:]...)
			return
		}
	}
}

// Call sends a request and blocks until the receiver replies, the common
// RPC shape.
func (e *Endpoint) Call(sys *System, caller *sched.Thread, request, reply *Message) error {
	return e.send(sys, caller, request, reply, 0)
}

// CallTimeout is Call with a deadline, in scheduler ticks.
func (e *Endpoint) CallTimeout(sys *System, caller *sched.Thread, request, reply *Message, timeoutTicks uint64) error {
	return e.send(sys, caller, request, reply, timeoutTicks)
}

// SendAsync hands the message to a waiting receiver without blocking the
// caller and without setting up a reply slot (ipc_peer is left invalid on
// the receiver, so a Reply against it fails). If no receiver is waiting, it
// fails immediately rather than queuing — this kernel does not buffer
// undelivered async messages.
func (e *Endpoint) SendAsync(sys *System, caller *sched.Thread, msg *Message) error {
	e.mu.Lock()
	if len(e.recvQ) == 0 {
		e.mu.Unlock()
		return fmt.Errorf("%w: no receiver waiting", ErrWouldBlock)
	}
	r := e.recvQ[0]
	e.recvQ = e.recvQ[1:]
	e.mu.Unlock()

	dst, _ := r.IPCReply.(*Message)
	deliver(sys, caller, r, msg, dst)
	r.IPCPeer = InvalidTID

	sys.Sched.WakeupThread(r)
	return nil
}

// Receive implements ipc_receive: if a sender is already queued, the
// message is copied immediately and the sender is left blocked awaiting
// Reply (popping it off the send-queue does not wake it). Otherwise the
// caller queues itself and blocks until a Send delivers into dst.
func (e *Endpoint) Receive(sys *System, caller *sched.Thread, dst *Message) error {
	return e.receive(sys, caller, dst, 0)
}

// ReceiveTimeout is Receive with a deadline, in scheduler ticks. 0 means no
// deadline.
func (e *Endpoint) ReceiveTimeout(sys *System, caller *sched.Thread, dst *Message, timeoutTicks uint64) error {
	return e.receive(sys, caller, dst, timeoutTicks)
}

func (e *Endpoint) receive(sys *System, caller *sched.Thread, dst *Message, timeoutTicks uint64) error {
	e.mu.Lock()
	if len(e.sendQ) > 0 {
		s := e.sendQ[0]
		e.sendQ = e.sendQ[1:]
		e.mu.Unlock()

		req, _ := s.IPCRequest.(*Message)
		deliver(sys, s, caller, req, dst)
		caller.IPCPeer = s.TID
		return nil
	}

	caller.IPCReply = dst // reused as "the buffer Send should fill in" while queued
	e.recvQ = append(e.recvQ, caller)
	e.mu.Unlock()

	if timeoutTicks > 0 {
		if !sys.Sched.BlockTimeout(caller.RunningOn, caller, timeoutTicks) {
			e.removeReceiver(caller)
			return ErrTimeout
		}
	} else {
		sys.Sched.Block(caller.RunningOn, caller)
	}
	return nil
}

// Reply implements ipc_reply: deep-copies reply into the sender named by
// current.IPCPeer and wakes it. A sender that is no longer blocked (already
// woken, killed, or timed out) fails with ErrInvalid and no side effects.
func Reply(sys *System, current *sched.Thread, reply *Message) error {
	return ReplyTo(sys, current, current.IPCPeer, reply)
}

// ReplyTo is Reply with an explicit sender tid, letting a server answer
// requests out of arrival order.
func ReplyTo(sys *System, current *sched.Thread, senderTID sched.TID, reply *Message) error {
	if senderTID == InvalidTID {
		return ErrInvalid
	}
	sender := sys.Sched.LookupBlocked(senderTID)
	if sender == nil {
		return fmt.Errorf("%w: sender %d is not blocked awaiting reply", ErrInvalid, senderTID)
	}

	if dst, ok := sender.IPCReply.(*Message); ok && dst != nil {
		deliver(sys, current, sender, reply, dst)
	}
	sender.IPCErr = nil
	sys.Sched.WakeupThread(sender)
	return nil
}

// InvalidTID marks a thread slot with no peer (e.g. after SendAsync).
const InvalidTID sched.TID = 0
