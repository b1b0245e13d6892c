package rpc

import "errors"

// ErrProtocol marks a frame that decoded but violates the tagged-variant
// contract (wrong/missing payload for its tag, or a reserved tag).
var ErrProtocol = errors.New("protocol error")
