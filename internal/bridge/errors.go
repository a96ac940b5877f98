package bridge

import "errors"

// Sentinel error kinds the core produces, checked with errors.Is by
// callers that need to distinguish startup failures (which abort)
// from runtime failures (which close one client, tear down one
// bridge, or just drop a frame).
var (
	ErrConfigInvalid         = errors.New("bridge: invalid configuration")
	ErrDeviceOpenFailed      = errors.New("bridge: serial device open failed")
	ErrBindFailed            = errors.New("bridge: TCP listener bind failed")
	ErrFrameOverflow         = errors.New("bridge: frame exceeded maximum size before closing FEND")
	ErrFrameMalformed        = errors.New("bridge: malformed escape sequence")
	ErrXkissChecksumMismatch = errors.New("bridge: XKISS checksum mismatch")
	ErrTcpToTcpBlocked       = errors.New("bridge: non-KISS buffer blocked on TCP-to-TCP bridge")
	ErrClientSlotFull        = errors.New("bridge: client slot vector full")
	ErrBufferOverflowDropped = errors.New("bridge: XKISS RX buffer full, oldest frame dropped")
	ErrPeerDisconnected      = errors.New("bridge: peer disconnected")
)
