package dispatcher

import (
	"context"
	"sync"
)

// channelLock is a single-token semaphore, pre-filled.
type channelLock struct {
	ch   chan struct{}
	refs int
}

// channelLocks serializes attempt sequences per channel inside one process.
// Entries are dropped once nobody holds or waits on them.
type channelLocks struct {
	mu sync.Mutex
	m  map[string]*channelLock
}

func newChannelLocks() *channelLocks {
	return &channelLocks{m: map[string]*channelLock{}}
}

func (l *channelLocks) acquire(ctx context.Context, key string) (release func(), err error) {
	l.mu.Lock()
	e := l.m[key]
	if e == nil {
		e = &channelLock{ch: make(chan struct{}, 1)}
		e.ch <- struct{}{}
		l.m[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case <-e.ch:
		var once sync.Once
		return func() {
			once.Do(func() {
				e.ch <- struct{}{}
				l.unref(key, e)
			})
		}, nil
	case <-ctx.Done():
		l.unref(key, e)
		return nil, ctx.Err()
	}
}

func (l *channelLocks) unref(key string, e *channelLock) {
	l.mu.Lock()
	e.refs--
	if e.refs <= 0 && l.m[key] == e {
		delete(l.m, key)
	}
	l.mu.Unlock()
}

func (l *channelLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}
