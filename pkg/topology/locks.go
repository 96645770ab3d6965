package topology

import (
	"context"
	"sync"
)

// entityLocks serializes intents per entity (a device id, "server", "dns")
// while leaving unrelated entities free. Holders may block on key generation.
type entityLocks struct {
	mu sync.Mutex
	m  map[string]*entityLock
}

type entityLock struct {
	sem  chan struct{}
	refs int
}

func newEntityLocks() *entityLocks {
	return &entityLocks{m: make(map[string]*entityLock)}
}

// lock blocks until key is free or ctx is done.
func (l *entityLocks) lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	e, ok := l.m[key]
	if !ok {
		e = &entityLock{sem: make(chan struct{}, 1)}
		l.m[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
		return func() { l.release(key, e, true) }, nil
	case <-ctx.Done():
		l.release(key, e, false)
		return nil, ctx.Err()
	}
}

func (l *entityLocks) release(key string, e *entityLock, held bool) {
	if held {
		<-e.sem
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.m, key)
	}
}
