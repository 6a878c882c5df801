package ipc

import (
	"runtime"

	"github.com/sillysagiri/dsipc/pkg/wire"
)

// SetPeerResetHandler installs fn to run when this CPU observes the
// peer's PEER_REQUESTS_RESET special command over the normal word
// stream (spec.md 4.6). Typically fn joins the rendezvous from this
// side by calling JoinReset.
func (c *Core) SetPeerResetHandler(fn func()) {
	c.mu.Lock()
	c.peerResetHandler = fn
	c.mu.Unlock()
}

// RequestReset initiates the two-CPU soft-reset rendezvous (spec.md
// 4.6): announces intent to the peer over the normal message stream,
// then joins the low-level handshake. A peer whose PeerResetHandler
// calls JoinReset in response completes the rendezvous symmetrically,
// without re-announcing.
func (c *Core) RequestReset() {
	c.mu.Lock()
	c.enqueueSendLocked(wire.PackSpecial(wire.PeerRequestsReset))
	c.mu.Unlock()
	c.JoinReset()
}

// JoinReset runs the peer-sync register handshake and soft reset
// without announcing intent first: write 0x100, busy-wait for the
// peer's low nibble to read back 1 (meaning it has also written
// 0x100), write 0, then soft reset. Call this directly from a
// PeerResetHandler; call RequestReset to initiate the rendezvous.
func (c *Core) JoinReset() {
	c.log.Debug("ipc: joining reset rendezvous")
	c.port.WriteSync(0x100)
	for c.port.ReadSync()&0x0F != 1 {
		runtime.Gosched()
	}
	c.port.WriteSync(0)
	c.port.SoftReset()
}
