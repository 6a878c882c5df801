package ipc

import (
	"github.com/sirupsen/logrus"

	"github.com/sillysagiri/dsipc/pkg/wire"
)

// config holds the sizing constants New applies before Init links the
// pool. NumChannels is fixed at wire.NumChannels (the wire format's
// 4-bit channel field has no room to grow) and is not configurable.
type config struct {
	numBlocks    int
	maxDataBytes int
	logger       *logrus.Logger
}

var defaultConfig = config{
	numBlocks:    256,
	maxDataBytes: wire.FifoMaxDataBytes,
	logger:       logrus.StandardLogger(),
}

// Option configures a Core at construction time.
type Option func(*config)

// WithBlocks overrides the block pool size (default 256).
func WithBlocks(n int) Option {
	return func(c *config) { c.numBlocks = n }
}

// WithMaxDataBytes overrides the data-message length limit: sends of n
// or more bytes are rejected (default wire.FifoMaxDataBytes, 128).
// Must not exceed 128, since the wire format's 7-bit length field
// carries at most 127.
func WithMaxDataBytes(n int) Option {
	return func(c *config) { c.maxDataBytes = n }
}

// WithLogger overrides the logger used for pool-exhaustion warnings and
// protocol debug tracing (default logrus.StandardLogger()).
func WithLogger(l *logrus.Logger) Option {
	return func(c *config) { c.logger = l }
}
