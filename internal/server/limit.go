package server

import "context"

// sessionLimiter caps concurrent relay sessions. A nil channel (from
// newSessionLimiter(0)) imposes no limit.
type sessionLimiter struct {
	ch chan struct{}
}

func newSessionLimiter(max int) *sessionLimiter {
	if max <= 0 {
		return &sessionLimiter{}
	}
	return &sessionLimiter{ch: make(chan struct{}, max)}
}

// tryAcquire reserves a session slot without blocking.
func (l *sessionLimiter) tryAcquire(ctx context.Context) bool {
	if l.ch == nil {
		return true
	}
	select {
	case <-ctx.Done():
		return false
	default:
	}
	select {
	case l.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

func (l *sessionLimiter) release() {
	if l.ch == nil {
		return
	}
	<-l.ch
}

// inUse returns the number of reserved slots, or 0 when unlimited.
func (l *sessionLimiter) inUse() int {
	return len(l.ch)
}
