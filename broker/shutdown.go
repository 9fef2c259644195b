package broker

import "sync/atomic"

// ShutdownSignal is the cooperative cancellation token handed to each feed
// loop. Signal may be called any number of times from any goroutine; the
// loop polls IsSignaled at a bounded interval and exits on its own. There is
// no forcible interruption: a loop stuck inside a provider call simply never
// observes the signal, which the supervisor reports as a leak.
type ShutdownSignal struct {
	signaled atomic.Bool
}

// NewShutdownSignal allocates an unsignaled token.
func NewShutdownSignal() *ShutdownSignal {
	return &ShutdownSignal{}
}

// Signal requests shutdown. Idempotent.
func (s *ShutdownSignal) Signal() {
	s.signaled.Store(true)
}

// IsSignaled reports whether shutdown has been requested. Non-blocking.
func (s *ShutdownSignal) IsSignaled() bool {
	return s.signaled.Load()
}
