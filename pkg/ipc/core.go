// Package ipc implements the send engine, receive engine, channel
// registry and reset rendezvous of the dual-CPU FIFO message-passing
// engine: one Core per CPU, talking to its peer's Core over a
// port.Port.
package ipc

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/sillysagiri/dsipc/pkg/pool"
	"github.com/sillysagiri/dsipc/pkg/port"
	"github.com/sillysagiri/dsipc/pkg/wire"
)

// channelState holds one channel's ready queues and optional handlers.
// addrQ and val32Q hold single-value blocks (one block per queued
// value); dataQ holds one or more complete data-message runs spliced
// together, each run's head block carrying pool.DataStart with Extra
// set to that message's byte length.
type channelState struct {
	addrQ, val32Q, dataQ pool.Queue

	addrHandler  func(addr uint32)
	val32Handler func(v uint32)
	dataHandler  func(data []byte)

	userMu sync.Mutex // Acquire/Release: cooperative lock for callers sharing a channel
}

// Core is the per-CPU engine singleton: pool, port, per-channel state
// and the single mutex standing in for interrupt masking (spec.md §5;
// SPEC_FULL.md §5). One Core exists per CPU; two Cores talk to each
// other across a port.Port (loopback, in tests, or real hardware).
type Core struct {
	mu   sync.Mutex
	cond *sync.Cond

	pool         *pool.Pool
	port         port.Port
	log          *logrus.Logger
	maxDataBytes int

	sendQ          pool.Queue
	recvStaging    pool.Queue
	recvStagingLen int
	processing     bool

	channels [wire.NumChannels]channelState

	peerResetHandler func()
}

// New builds a Core bound to p. Call Init before sending or receiving.
func New(p port.Port, opts ...Option) *Core {
	cfg := defaultConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	c := &Core{
		pool:         pool.New(cfg.numBlocks),
		port:         p,
		log:          cfg.logger,
		maxDataBytes: cfg.maxDataBytes,
	}
	c.cond = sync.NewCond(&c.mu)
	for i := range c.channels {
		c.channels[i].addrQ = pool.Queue{Head: pool.Term, Tail: pool.Term}
		c.channels[i].val32Q = pool.Queue{Head: pool.Term, Tail: pool.Term}
		c.channels[i].dataQ = pool.Queue{Head: pool.Term, Tail: pool.Term}
	}
	c.sendQ = pool.Queue{Head: pool.Term, Tail: pool.Term}
	c.recvStaging = pool.Queue{Head: pool.Term, Tail: pool.Term}
	return c
}

// Init resets the pool and all queues, then arms interrupt delivery on
// the port (spec.md §4.5). Call once before any Send/receive traffic.
func (c *Core) Init() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pool.Reset()
	for i := range c.channels {
		c.channels[i].addrQ = pool.Queue{Head: pool.Term, Tail: pool.Term}
		c.channels[i].val32Q = pool.Queue{Head: pool.Term, Tail: pool.Term}
		c.channels[i].dataQ = pool.Queue{Head: pool.Term, Tail: pool.Term}
	}
	c.sendQ = pool.Queue{Head: pool.Term, Tail: pool.Term}
	c.recvStaging = pool.Queue{Head: pool.Term, Tail: pool.Term}
	c.recvStagingLen = 0
	c.processing = false

	c.port.Clear()
	c.port.SetSendEmptyHandler(c.onSendEmpty)
	c.port.SetRecvReadyHandler(c.onRecvReady)
	c.port.EnableRecvReady()
}

func validChannel(ch uint8) bool { return int(ch) < wire.NumChannels }

// Acquire takes the cooperative per-channel lock used by callers that
// share a channel across goroutines on the same CPU. It has no effect
// on the internal engine mutex and is purely a convenience for users.
func (c *Core) Acquire(ch uint8) {
	c.channels[ch].userMu.Lock()
}

// Release releases the lock taken by Acquire.
func (c *Core) Release(ch uint8) {
	c.channels[ch].userMu.Unlock()
}
