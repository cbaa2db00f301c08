// ABOUTME: Process-wide one-shot shutdown signal shared by every long-running loop.
// ABOUTME: Monotonic: once triggered it stays triggered, and late subscribers resolve immediately.

package shutdown

import (
	"context"
	"sync"
)

// Signal is a one-shot cooperative cancellation broadcaster.
// Trigger may be called any number of times from any goroutine; only the
// first call has an effect. Done returns a channel that is closed once the
// signal has fired, so arbitrarily many subscribers (including ones that
// arrive after the fact) observe it.
type Signal struct {
	once sync.Once
	done chan struct{}
}

// New creates an untriggered Signal.
func New() *Signal {
	return &Signal{done: make(chan struct{})}
}

// Trigger fires the signal. Idempotent.
func (s *Signal) Trigger() {
	s.once.Do(func() { close(s.done) })
}

// Done returns a channel closed when the signal has fired.
func (s *Signal) Done() <-chan struct{} {
	return s.done
}

// Triggered reports whether the signal has fired.
func (s *Signal) Triggered() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Context derives a context from parent that is additionally canceled when
// the signal fires. The returned cancel func must be called to release the
// watcher goroutine.
func (s *Signal) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// Bind triggers the signal when ctx is canceled. It returns immediately.
func (s *Signal) Bind(ctx context.Context) {
	go func() {
		<-ctx.Done()
		s.Trigger()
	}()
}
