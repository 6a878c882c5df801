package ipc

import "errors"

// Sentinel errors backing the TrySend* family. The boolean-returning
// methods (SendAddress, SendValue32, SendDatamsg) remain the primary
// hot-path contract; these exist for callers that prefer errors.Is.
var (
	ErrBadChannel      = errors.New("ipc: channel out of range")
	ErrAddressWindow   = errors.New("ipc: address outside the permitted window")
	ErrDatamsgTooLarge = errors.New("ipc: data message at or above the maximum length")
	ErrPoolExhausted   = errors.New("ipc: block pool exhausted and non-blocking send requested")
)
