package worker

import "sync"

// entityLocks is an in-process advisory lock keyed by kind:entityID. It backs
// the deterministic job ids when the same entity reaches both the durable
// consumer and the local fallback of one process.
type entityLocks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func newEntityLocks() *entityLocks {
	return &entityLocks{held: make(map[string]struct{})}
}

func (l *entityLocks) tryAcquire(key string) (release func(), ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[key]; busy {
		return nil, false
	}
	l.held[key] = struct{}{}
	return func() {
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
	}, true
}
