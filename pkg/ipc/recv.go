package ipc

import (
	"github.com/sillysagiri/dsipc/pkg/pool"
	"github.com/sillysagiri/dsipc/pkg/wire"
)

// drainLocked pulls words currently available from the hardware FIFO
// into the receive staging queue, one block per word, stopping as soon
// as the pool cannot supply a block (spec.md 4.3 Drain phase). It never
// blocks: wait_alloc is the sender-side suspension point only (spec.md
// 5), so a receiver whose pool is full of pending messages must leave
// the unread word sitting in the hardware FIFO for a later IRQ's drain
// to pick up once the parser has made room, rather than stalling this
// IRQ handler waiting for a broadcast that a receive-only CPU never
// produces.
func (c *Core) drainLocked() {
	for !c.port.RecvEmpty() {
		idx, ok := c.pool.Alloc()
		if !ok {
			return
		}
		w := c.port.PopWord()
		c.pool.SetData(idx, w)
		c.recvStaging = c.pool.PushBack(c.recvStaging, idx)
		c.recvStagingLen++
	}
}

func (c *Core) cutStagingLocked(n int) (head, tail uint16) {
	rest, head, tail := c.pool.Cut(c.recvStaging, n)
	c.recvStaging = rest
	c.recvStagingLen -= n
	return head, tail
}

// onRecvReady is the receive-not-empty IRQ handler (spec.md 4.3): a
// two-phase drain-then-parse pump guarded by c.processing so that a
// recv interrupt arriving while a handler callback has this Core's
// mutex unlocked only drains (appending words for the outer call to
// parse) instead of re-entering the parser itself — single-level
// reentrancy, matching the original's interrupt-masking discipline
// (SPEC_FULL.md §5).
func (c *Core) onRecvReady() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.processing {
		c.drainLocked()
		return
	}
	c.processing = true
	c.drainLocked()
	c.parseAvailableLocked()
	c.processing = false
}

// parseAvailableLocked classifies and delivers every complete message
// currently sitting in the staging queue, stopping (without blocking)
// as soon as the head of the queue names a message whose remaining
// words have not arrived yet — the next recv interrupt's drain phase
// will supply them.
func (c *Core) parseAvailableLocked() {
	for {
		if c.recvStaging.Empty() {
			return
		}
		w := c.pool.Data(c.recvStaging.Head)

		switch {
		case wire.IsSpecial(w):
			head, _ := c.cutStagingLocked(1)
			c.pool.Free(head)
			c.handleSpecialLocked(wire.UnpackSpecial(w))

		case wire.IsAddress(w):
			ch := wire.Channel(w)
			addr := wire.UnpackAddress(w)
			head, _ := c.cutStagingLocked(1)
			c.deliverAddressLocked(ch, addr, head)

		case wire.IsValue32(w) && !wire.Value32HeaderNeedsExtra(w):
			ch := wire.Channel(w)
			v := wire.UnpackValue32Inline(w)
			head, _ := c.cutStagingLocked(1)
			c.deliverValue32Locked(ch, v, head)

		case wire.IsValue32(w):
			if c.recvStagingLen < 2 {
				return
			}
			ch := wire.Channel(w)
			headerBlk, _ := c.cutStagingLocked(1)
			c.pool.Free(headerBlk)
			valBlk, _ := c.cutStagingLocked(1)
			v := c.pool.Data(valBlk)
			c.deliverValue32Locked(ch, v, valBlk)

		case wire.IsDatamsgHeader(w):
			n := wire.UnpackDatamsgLength(w)
			need := wire.WordsForBytes(n)
			if c.recvStagingLen < 1+need {
				return
			}
			ch := wire.Channel(w)
			headerBlk, _ := c.cutStagingLocked(1)
			c.pool.Free(headerBlk)
			if need == 0 {
				idx := c.waitAllocLocked(1)[0]
				c.pool.SetControl(idx, pool.Term, pool.DataStart, uint16(n))
				c.deliverDatamsgLocked(ch, idx, idx, n)
				continue
			}
			runHead, runTail := c.cutStagingLocked(need)
			c.pool.SetControl(runHead, c.pool.Next(runHead), pool.DataStart, uint16(n))
			c.deliverDatamsgLocked(ch, runHead, runTail, n)
		}
	}
}

// deliverAddressLocked either hands addr straight to the installed
// handler (unlocking around the call, modeling "interrupts re-enabled
// during callback") or queues blk for CheckAddress/GetAddress polling.
func (c *Core) deliverAddressLocked(ch uint8, addr uint32, blk uint16) {
	cs := &c.channels[ch]
	if h := cs.addrHandler; h != nil {
		c.pool.Free(blk)
		c.mu.Unlock()
		h(addr)
		c.mu.Lock()
		return
	}
	c.pool.SetData(blk, addr)
	cs.addrQ = c.pool.PushBack(cs.addrQ, blk)
}

func (c *Core) deliverValue32Locked(ch uint8, v uint32, blk uint16) {
	cs := &c.channels[ch]
	if h := cs.val32Handler; h != nil {
		c.pool.Free(blk)
		c.mu.Unlock()
		h(v)
		c.mu.Lock()
		return
	}
	c.pool.SetData(blk, v)
	cs.val32Q = c.pool.PushBack(cs.val32Q, blk)
}

// deliverDatamsgLocked either reconstructs the byte payload and hands
// it to the installed handler, or splices the block run directly into
// the channel's ready queue for later polling. The caller has already
// detached the run from c.recvStaging (via cutStagingLocked) without
// releasing c.mu, and the handler path copies the bytes out and frees
// the run before unlocking, so no block is reachable from two queues
// at once or freed while a handler still reads it.
func (c *Core) deliverDatamsgLocked(ch uint8, head, tail uint16, n int) {
	cs := &c.channels[ch]
	if h := cs.dataHandler; h != nil {
		data := c.reconstructBytesLocked(head, n)
		c.pool.FreeList(head)
		c.mu.Unlock()
		h(data)
		c.mu.Lock()
		return
	}
	cs.dataQ = c.pool.Splice(cs.dataQ, head, tail)
}

func (c *Core) reconstructBytesLocked(head uint16, n int) []byte {
	out := make([]byte, 0, n)
	remaining := n
	for idx := head; idx != pool.Term && remaining > 0; idx = c.pool.Next(idx) {
		take := remaining
		if take > 4 {
			take = 4
		}
		out = append(out, wire.UnpackDataWord(c.pool.Data(idx), take)...)
		remaining -= take
	}
	return out
}

// reconstructIntoLocked copies min(n, len(buf)) bytes of the run
// starting at head into buf, walking no further than needed to fill
// that many bytes — it does not read the whole run when buf is
// smaller than n. Returns the number of bytes copied. Used by
// GetDatamsgInto to implement spec.md 4.4's cap/truncation contract;
// the caller still frees the whole run itself afterward.
func (c *Core) reconstructIntoLocked(head uint16, n int, buf []byte) int {
	limit := n
	if len(buf) < limit {
		limit = len(buf)
	}
	copied := 0
	remaining := limit
	for idx := head; idx != pool.Term && remaining > 0; idx = c.pool.Next(idx) {
		take := remaining
		if take > 4 {
			take = 4
		}
		b := wire.UnpackDataWord(c.pool.Data(idx), take)
		copy(buf[copied:], b)
		copied += len(b)
		remaining -= take
	}
	return copied
}

func (c *Core) handleSpecialLocked(cmd wire.SpecialCommand) {
	switch cmd {
	case wire.PeerRequestsReset:
		c.log.Debug("ipc: received peer reset request")
		h := c.peerResetHandler
		if h != nil {
			c.mu.Unlock()
			h()
			c.mu.Lock()
		}
	default:
		c.log.WithField("cmd", cmd).Debug("ipc: ignoring unrecognized special command")
	}
}

// CheckAddress reports whether channel ch has a queued address ready
// for GetAddress (spec.md 4.4).
func (c *Core) CheckAddress(ch uint8) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.channels[ch].addrQ.Empty()
}

// GetAddress pops the oldest queued address on channel ch.
func (c *Core) GetAddress(ch uint8) (uint32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cs := &c.channels[ch]
	if cs.addrQ.Empty() {
		return 0, false
	}
	var v uint32
	cs.addrQ, v = c.pool.PopFront(cs.addrQ)
	return v, true
}

// CheckValue32 reports whether channel ch has a queued value32.
func (c *Core) CheckValue32(ch uint8) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.channels[ch].val32Q.Empty()
}

// GetValue32 pops the oldest queued value32 on channel ch.
func (c *Core) GetValue32(ch uint8) (uint32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cs := &c.channels[ch]
	if cs.val32Q.Empty() {
		return 0, false
	}
	var v uint32
	cs.val32Q, v = c.pool.PopFront(cs.val32Q)
	return v, true
}

// CheckDatamsg reports whether channel ch has a complete data message
// ready for GetDatamsg.
func (c *Core) CheckDatamsg(ch uint8) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.channels[ch].dataQ.Empty()
}

// CheckDatamsgLength reports the byte length of the next queued data
// message on channel ch, if any.
func (c *Core) CheckDatamsgLength(ch uint8) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cs := &c.channels[ch]
	if cs.dataQ.Empty() {
		return 0, false
	}
	return int(c.pool.Extra(cs.dataQ.Head)), true
}

// GetDatamsg pops the oldest queued data message on channel ch in
// full, as a freshly allocated slice. Callers that want spec.md 4.4's
// cap/truncation behavior (get_datamsg(channel, buf[..cap])) should
// use GetDatamsgInto instead.
func (c *Core) GetDatamsg(ch uint8) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cs := &c.channels[ch]
	if cs.dataQ.Empty() {
		return nil, false
	}
	n := int(c.pool.Extra(cs.dataQ.Head))
	blockCount := wire.WordsForBytes(n)
	if blockCount == 0 {
		blockCount = 1
	}
	rest, head, _ := c.pool.Cut(cs.dataQ, blockCount)
	cs.dataQ = rest
	data := c.reconstructBytesLocked(head, n)
	c.pool.FreeList(head)
	return data, true
}

// GetDatamsgInto pops the oldest queued data message on channel ch
// into buf, copying min(L, len(buf)) bytes where L is the message's
// byte length (spec.md 4.4 get_datamsg). If L exceeds len(buf), the
// remaining bytes are discarded along with the freed blocks — the
// "Truncated data read" error mode of spec.md 7 — and the returned
// count is len(buf), disambiguated from "no message" by the second
// return value exactly as CheckDatamsg does.
func (c *Core) GetDatamsgInto(ch uint8, buf []byte) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cs := &c.channels[ch]
	if cs.dataQ.Empty() {
		return 0, false
	}
	n := int(c.pool.Extra(cs.dataQ.Head))
	blockCount := wire.WordsForBytes(n)
	if blockCount == 0 {
		blockCount = 1
	}
	rest, head, _ := c.pool.Cut(cs.dataQ, blockCount)
	cs.dataQ = rest
	copied := c.reconstructIntoLocked(head, n, buf)
	c.pool.FreeList(head)
	return copied, true
}

// SetAddressHandler installs fn as channel ch's address callback,
// replaying any already-queued addresses into it first so messages
// received before the handler was installed are not stranded behind
// it. Passing nil uninstalls the handler and leaves the poll queue
// alone.
func (c *Core) SetAddressHandler(ch uint8, fn func(addr uint32)) {
	c.mu.Lock()
	c.channels[ch].addrHandler = fn
	if fn == nil {
		c.mu.Unlock()
		return
	}
	for !c.channels[ch].addrQ.Empty() {
		var v uint32
		c.channels[ch].addrQ, v = c.pool.PopFront(c.channels[ch].addrQ)
		c.mu.Unlock()
		fn(v)
		c.mu.Lock()
	}
	c.mu.Unlock()
}

// SetValue32Handler installs fn as channel ch's value32 callback,
// replaying any already-queued values first.
func (c *Core) SetValue32Handler(ch uint8, fn func(v uint32)) {
	c.mu.Lock()
	c.channels[ch].val32Handler = fn
	if fn == nil {
		c.mu.Unlock()
		return
	}
	for !c.channels[ch].val32Q.Empty() {
		var v uint32
		c.channels[ch].val32Q, v = c.pool.PopFront(c.channels[ch].val32Q)
		c.mu.Unlock()
		fn(v)
		c.mu.Lock()
	}
	c.mu.Unlock()
}

// SetDatamsgHandler installs fn as channel ch's data-message callback,
// replaying any already-queued messages first.
func (c *Core) SetDatamsgHandler(ch uint8, fn func(data []byte)) {
	c.mu.Lock()
	c.channels[ch].dataHandler = fn
	if fn == nil {
		c.mu.Unlock()
		return
	}
	for !c.channels[ch].dataQ.Empty() {
		cs := &c.channels[ch]
		n := int(c.pool.Extra(cs.dataQ.Head))
		blockCount := wire.WordsForBytes(n)
		if blockCount == 0 {
			blockCount = 1
		}
		rest, head, _ := c.pool.Cut(cs.dataQ, blockCount)
		cs.dataQ = rest
		data := c.reconstructBytesLocked(head, n)
		c.pool.FreeList(head)
		c.mu.Unlock()
		fn(data)
		c.mu.Lock()
	}
	c.mu.Unlock()
}
