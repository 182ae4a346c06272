package billing

import "sync"

// ChatLocks serializes "resolve period -> mutate -> resync" per chat.
// Locks are reference counted and released once no caller holds or waits
// on them, so the map stays bounded by the number of in-flight chats.
type ChatLocks struct {
	mu    sync.Mutex
	locks map[ChatKey]*chatLock
}

type chatLock struct {
	mu   sync.Mutex
	refs int
}

func NewChatLocks() *ChatLocks {
	return &ChatLocks{locks: make(map[ChatKey]*chatLock)}
}

// Lock blocks until the chat is free and returns its unlock function.
func (l *ChatLocks) Lock(key ChatKey) (unlock func()) {
	l.mu.Lock()
	cl, ok := l.locks[key]
	if !ok {
		cl = &chatLock{}
		l.locks[key] = cl
	}
	cl.refs++
	l.mu.Unlock()

	cl.mu.Lock()
	return func() {
		cl.mu.Unlock()
		l.mu.Lock()
		cl.refs--
		if cl.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}

// Held returns how many chats currently have a holder or waiter.
func (l *ChatLocks) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
