package ipc

import (
	"github.com/sillysagiri/dsipc/pkg/pool"
	"github.com/sillysagiri/dsipc/pkg/wire"
)

// waitAllocLocked blocks until n blocks are free, returning their
// indices already allocated. Must be called with c.mu held; it
// releases the lock while waiting on c.cond, exactly the "wait for
// send-empty IRQ to signal space freed" pattern of spec.md 4.2's
// wait_alloc, realized here as a condition variable (SPEC_FULL.md 4.1).
func (c *Core) waitAllocLocked(n int) []uint16 {
	if c.pool.FreeWords() < n {
		c.log.WithFields(map[string]interface{}{
			"free": c.pool.FreeWords(),
			"need": n,
		}).Warn("ipc: block pool exhausted, sender blocking")
	}
	for c.pool.FreeWords() < n {
		c.cond.Wait()
	}
	idxs := make([]uint16, n)
	for i := 0; i < n; i++ {
		idx, ok := c.pool.Alloc()
		if !ok {
			panic("ipc: waitAllocLocked: Alloc failed after FreeWords satisfied")
		}
		idxs[i] = idx
	}
	return idxs
}

// enqueueSendLocked appends one block carrying word w to the send
// queue, then attempts an immediate drain so a non-stalled FIFO never
// waits for an interrupt that may not come until later.
func (c *Core) enqueueSendLocked(w uint32) {
	idx := c.waitAllocLocked(1)[0]
	c.pool.SetData(idx, w)
	c.sendQ = c.pool.PushBack(c.sendQ, idx)
	c.drainSendLocked()
	if !c.sendQ.Empty() {
		c.port.ArmSendIRQ()
	}
}

// drainSendLocked pushes queued words into the hardware FIFO until it
// is full or the send queue is empty.
func (c *Core) drainSendLocked() {
	for !c.port.SendFull() && !c.sendQ.Empty() {
		var w uint32
		c.sendQ, w = c.pool.PopFront(c.sendQ)
		c.port.PushWord(w)
	}
}

// onSendEmpty is the send-empty IRQ handler (spec.md 4.2). It is
// invoked by the port whenever hardware send capacity frees up while
// the send IRQ is armed.
func (c *Core) onSendEmpty() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.drainSendLocked()
	if c.sendQ.Empty() {
		c.port.DisarmSendIRQ()
	}
	c.cond.Broadcast()
}

// SendAddress sends addr on channel ch (spec.md 4.2 send_address).
// addr must lie in wire.AddressBase's 16-MiB window. Blocks if the
// pool is exhausted.
func (c *Core) SendAddress(ch uint8, addr uint32) bool {
	if !validChannel(ch) || !wire.IsAddressCompatible(addr) {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enqueueSendLocked(wire.PackAddress(ch, addr))
	return true
}

// SendValue32 sends v on channel ch (spec.md 4.2 send_value32),
// choosing the inline or extra-word encoding automatically. Blocks if
// the pool is exhausted.
func (c *Core) SendValue32(ch uint8, v uint32) bool {
	if !validChannel(ch) {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if wire.Value32NeedsExtra(v) {
		// Allocate both blocks before queueing either, so a concurrent
		// sender cannot slip a word between the header and the value.
		idxs := c.waitAllocLocked(2)
		c.pool.SetData(idxs[0], wire.PackValue32ExtraHeader(ch))
		c.pool.SetData(idxs[1], v)
		for _, idx := range idxs {
			c.sendQ = c.pool.PushBack(c.sendQ, idx)
		}
		c.drainSendLocked()
		if !c.sendQ.Empty() {
			c.port.ArmSendIRQ()
		}
	} else {
		c.enqueueSendLocked(wire.PackValue32Inline(ch, v))
	}
	return true
}

// SendDatamsg sends data on channel ch as one DATAMSG_HEADER followed
// by ceil(len(data)/4) data words (spec.md 4.2 send_datamsg). Rejects
// messages of length >= the configured maximum, matching the
// reference's `>=` check (SPEC_FULL.md 9), not `>`. Blocks if the pool
// is exhausted; allocates all blocks for the run up front so a
// concurrent sender cannot interleave a partial message onto the wire.
func (c *Core) SendDatamsg(ch uint8, data []byte) bool {
	if !validChannel(ch) || len(data) >= c.maxDataBytes {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	numWords := wire.WordsForBytes(len(data))
	idxs := c.waitAllocLocked(1 + numWords)

	c.pool.SetData(idxs[0], wire.PackDatamsgHeader(ch, len(data)))
	for i := 0; i < numWords; i++ {
		start := i * 4
		end := start + 4
		if end > len(data) {
			end = len(data)
		}
		c.pool.SetData(idxs[1+i], wire.PackDataWord(data[start:end]))
	}

	for _, idx := range idxs {
		c.pool.SetNext(idx, pool.Term)
		c.sendQ = c.pool.PushBack(c.sendQ, idx)
	}
	c.drainSendLocked()
	if !c.sendQ.Empty() {
		c.port.ArmSendIRQ()
	}
	return true
}

// FreeWords reports the number of blocks currently on the free list,
// for callers implementing their own backoff against ErrPoolExhausted.
func (c *Core) FreeWords() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pool.FreeWords()
}

// precheckLocked implements spec.md §4.2's internal_send precheck:
// "free_words >= 1+|extra| ...; if either fails, return would-block
// (false)". SendAddress/SendValue32/SendDatamsg do not use this check
// themselves — S6 (spec.md §8) requires them to block the caller until
// the pool drains, and that is what they do. TrySend* call this first
// so callers who explicitly asked for an error return, rather than a
// blocking one, get ErrPoolExhausted instead of stalling their
// goroutine (DESIGN.md Open Question 4 records this resolution).
func (c *Core) precheckLocked(words int) bool {
	return c.pool.FreeWords() >= words
}

// TrySendAddress is SendAddress with an idiomatic error return
// (SPEC_FULL.md §7), for callers that prefer errors.Is over booleans.
// Returns ErrPoolExhausted instead of blocking when the pool cannot
// satisfy the send immediately.
func (c *Core) TrySendAddress(ch uint8, addr uint32) error {
	if !validChannel(ch) {
		return ErrBadChannel
	}
	if !wire.IsAddressCompatible(addr) {
		return ErrAddressWindow
	}
	c.mu.Lock()
	ok := c.precheckLocked(1)
	c.mu.Unlock()
	if !ok {
		return ErrPoolExhausted
	}
	c.SendAddress(ch, addr)
	return nil
}

// TrySendValue32 is SendValue32 with an idiomatic error return.
// Returns ErrPoolExhausted instead of blocking when the pool cannot
// satisfy the send immediately.
func (c *Core) TrySendValue32(ch uint8, v uint32) error {
	if !validChannel(ch) {
		return ErrBadChannel
	}
	needed := 1
	if wire.Value32NeedsExtra(v) {
		needed = 2
	}
	c.mu.Lock()
	ok := c.precheckLocked(needed)
	c.mu.Unlock()
	if !ok {
		return ErrPoolExhausted
	}
	c.SendValue32(ch, v)
	return nil
}

// TrySendDatamsg is SendDatamsg with an idiomatic error return.
// Returns ErrPoolExhausted instead of blocking when the pool cannot
// satisfy the whole message up front.
func (c *Core) TrySendDatamsg(ch uint8, data []byte) error {
	if !validChannel(ch) {
		return ErrBadChannel
	}
	if len(data) >= c.maxDataBytes {
		return ErrDatamsgTooLarge
	}
	needed := 1 + wire.WordsForBytes(len(data))
	c.mu.Lock()
	ok := c.precheckLocked(needed)
	c.mu.Unlock()
	if !ok {
		return ErrPoolExhausted
	}
	c.SendDatamsg(ch, data)
	return nil
}
