package sync

import "sync/atomic"

// OnceGuard detects repeated invocations of initialization code that must
// run exactly once per boot.
type OnceGuard struct {
	called uint32
}

// FirstCall returns true the first time it is invoked and false on every
// subsequent call.
func (g *OnceGuard) FirstCall() bool {
	return atomic.SwapUint32(&g.called, 1) == 0
}
