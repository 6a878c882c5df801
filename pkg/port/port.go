// Package port defines the boundary between the IPC engine and the
// four external facilities spec.md calls out: the hardware FIFO, IRQ
// registration for its two vectors, and the peer-sync/soft-reset
// primitive used by the reset rendezvous. Interrupt masking itself is
// not part of this boundary — see pkg/ipc's Core, which owns the
// mutex standing in for "interrupts disabled" (documented in
// SPEC_FULL.md §5).
package port

// Fifo is the narrow 32-bit hardware channel: push/pop one word at a
// time, report fill-level stalls, and arm/disarm the send-empty IRQ.
type Fifo interface {
	// PushWord enqueues one word for the peer. Callers must check
	// SendFull first; pushing into a full FIFO is a caller bug, not a
	// condition this interface reports.
	PushWord(w uint32)
	// PopWord dequeues one word sent by the peer. Callers must check
	// RecvEmpty first.
	PopWord() uint32
	SendFull() bool
	RecvEmpty() bool
	// ArmSendIRQ requests a send-empty interrupt once space frees up.
	ArmSendIRQ()
	// DisarmSendIRQ stops send-empty interrupts until next armed.
	DisarmSendIRQ()
	// Clear discards any buffered words and stall state.
	Clear()
}

// IRQs registers the two interrupt vectors the engine depends on:
// "FIFO send-empty" and "FIFO receive-not-empty". A real
// implementation wires these to actual hardware vectors; the loopback
// implementation calls them from goroutines it starts when a word is
// pushed (receive-ready, on the peer) or when a pop empties the FIFO
// (send-empty, on the sending side).
type IRQs interface {
	SetSendEmptyHandler(fn func())
	SetRecvReadyHandler(fn func())
	EnableRecvReady()
}

// PeerSync is the two-write handshake register plus soft-reset
// primitive used by the reset rendezvous (spec.md 4.6).
type PeerSync interface {
	WriteSync(v uint32)
	ReadSync() uint32
	SoftReset()
}

// Port bundles the three facilities a Core depends on.
type Port interface {
	Fifo
	IRQs
	PeerSync
}
