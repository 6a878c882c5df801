// Package loopback implements port.Port as an in-memory duplex FIFO
// connecting two Endpoints in one process, standing in for the two
// CPUs sharing one hardware channel. It exists for tests; it has no
// relation to real hardware timing.
package loopback

import "sync"

type wordQueue struct {
	mu  sync.Mutex
	buf []uint32
	cap int
}

func newWordQueue(capacity int) *wordQueue {
	return &wordQueue{cap: capacity}
}

func (q *wordQueue) push(w uint32) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.buf) >= q.cap {
		return false
	}
	q.buf = append(q.buf, w)
	return true
}

func (q *wordQueue) pop() (uint32, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.buf) == 0 {
		return 0, false
	}
	w := q.buf[0]
	q.buf = q.buf[1:]
	return w, len(q.buf) >= 0 // always true when we got here; kept for symmetry with push
}

func (q *wordQueue) full() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf) >= q.cap
}

func (q *wordQueue) empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf) == 0
}

func (q *wordQueue) clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.buf = q.buf[:0]
}

type syncRegister struct {
	mu         sync.Mutex
	outA, outB uint32
}

// Endpoint is one CPU's view of the loopback FIFO. The zero value is
// not usable; construct pairs with NewPair.
type Endpoint struct {
	out  *wordQueue // words pushed by this side, popped by the peer
	in   *wordQueue // alias of peer's out
	sr   *syncRegister
	isA  bool
	pair *Endpoint // the other Endpoint of the pair, wired by NewPair

	mu           sync.Mutex
	sendArmed    bool
	sendHandler  func()
	recvHandler  func()
	recvReady    bool
	resetHandler func()
	resetCount   int
}

// NewPair builds two connected Endpoints, each able to push up to
// capacity words before the peer must drain them. capacity mirrors
// the hardware FIFO depth (spec.md treats it as opaque; 16 is a
// realistic depth for the reference hardware).
func NewPair(capacity int) (a, b *Endpoint) {
	qAB := newWordQueue(capacity)
	qBA := newWordQueue(capacity)
	sr := &syncRegister{}
	a = &Endpoint{out: qAB, in: qBA, sr: sr, isA: true}
	b = &Endpoint{out: qBA, in: qAB, sr: sr, isA: false}
	a.pair = b
	b.pair = a
	return a, b
}

// PushWord implements port.Fifo.
func (e *Endpoint) PushWord(w uint32) {
	e.out.push(w)
	go e.firePeerRecv()
}

// PopWord implements port.Fifo.
func (e *Endpoint) PopWord() uint32 {
	w, _ := e.in.pop()
	if e.in.empty() {
		go e.fireOwnerSendEmpty(e.in)
	}
	return w
}

// SendFull implements port.Fifo.
func (e *Endpoint) SendFull() bool { return e.out.full() }

// RecvEmpty implements port.Fifo.
func (e *Endpoint) RecvEmpty() bool { return e.in.empty() }

// ArmSendIRQ implements port.Fifo.
func (e *Endpoint) ArmSendIRQ() {
	e.mu.Lock()
	e.sendArmed = true
	e.mu.Unlock()
}

// DisarmSendIRQ implements port.Fifo.
func (e *Endpoint) DisarmSendIRQ() {
	e.mu.Lock()
	e.sendArmed = false
	e.mu.Unlock()
}

// Clear implements port.Fifo: discards this side's unsent words.
func (e *Endpoint) Clear() { e.out.clear() }

// SetSendEmptyHandler implements port.IRQs.
func (e *Endpoint) SetSendEmptyHandler(fn func()) {
	e.mu.Lock()
	e.sendHandler = fn
	e.mu.Unlock()
}

// SetRecvReadyHandler implements port.IRQs.
func (e *Endpoint) SetRecvReadyHandler(fn func()) {
	e.mu.Lock()
	e.recvHandler = fn
	e.mu.Unlock()
}

// EnableRecvReady implements port.IRQs.
func (e *Endpoint) EnableRecvReady() {
	e.mu.Lock()
	e.recvReady = true
	e.mu.Unlock()
}

// WriteSync implements port.PeerSync: sets this CPU's half of the
// shared peer-sync register.
func (e *Endpoint) WriteSync(v uint32) {
	e.sr.mu.Lock()
	defer e.sr.mu.Unlock()
	if e.isA {
		e.sr.outA = v
	} else {
		e.sr.outB = v
	}
}

// ReadSync implements port.PeerSync. Real IPC-sync hardware mirrors
// the remote CPU's upper nibble (bits 8..11) into this CPU's low
// nibble on read; ReadSync reproduces that mirroring so callers can
// compare directly against the low-nibble patterns spec.md 4.6 names
// (0x100 written appears here as 1).
func (e *Endpoint) ReadSync() uint32 {
	e.sr.mu.Lock()
	defer e.sr.mu.Unlock()
	var remote uint32
	if e.isA {
		remote = e.sr.outB
	} else {
		remote = e.sr.outA
	}
	return (remote >> 8) & 0x0F
}

// SetResetHandler registers a callback invoked when this Endpoint's own
// SoftReset is called; the peer's SoftReset does not invoke it. Not
// part of port.Port — it is test/example
// scaffolding specific to the loopback double, used to observe that
// the rendezvous completed instead of actually tearing down a process.
func (e *Endpoint) SetResetHandler(fn func()) {
	e.mu.Lock()
	e.resetHandler = fn
	e.mu.Unlock()
}

// SoftReset implements port.PeerSync.
func (e *Endpoint) SoftReset() {
	e.mu.Lock()
	e.resetCount++
	h := e.resetHandler
	e.mu.Unlock()
	if h != nil {
		h()
	}
}

// ResetCount reports how many times SoftReset has been called, for
// test assertions.
func (e *Endpoint) ResetCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resetCount
}

func (e *Endpoint) firePeerRecv() {
	peer := e.peerEndpoint()
	peer.mu.Lock()
	enabled := peer.recvReady
	h := peer.recvHandler
	peer.mu.Unlock()
	if enabled && h != nil {
		h()
	}
}

func (e *Endpoint) fireOwnerSendEmpty(q *wordQueue) {
	owner := e.ownerOf(q)
	owner.mu.Lock()
	armed := owner.sendArmed
	h := owner.sendHandler
	owner.mu.Unlock()
	if armed && h != nil {
		h()
	}
}

// peerEndpoint and ownerOf resolve the other side of the pair through
// the pair pointer NewPair sets.
func (e *Endpoint) peerEndpoint() *Endpoint { return e.pair }
func (e *Endpoint) ownerOf(q *wordQueue) *Endpoint {
	if q == e.out {
		return e
	}
	return e.pair
}
