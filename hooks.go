package realtime

import "sync"

// subscribers is a multi-subscriber callback list kept in registration
// order. Callbacks run on the emitting goroutine, outside any owner lock.
type subscribers[T any] struct {
	mu      sync.RWMutex
	nextID  int
	entries []subscriber[T]
}

type subscriber[T any] struct {
	id int
	fn func(T)
}

// add registers fn and returns its unsubscribe func.
func (s *subscribers[T]) add(fn func(T)) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.entries = append(s.entries, subscriber[T]{id: id, fn: fn})
	s.mu.Unlock()
	return func() { s.remove(id) }
}

func (s *subscribers[T]) remove(id int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.entries {
		if e.id == id {
			s.entries = append(s.entries[:i:i], s.entries[i+1:]...)
			return true
		}
	}
	return false
}

func (s *subscribers[T]) emit(v T) {
	s.mu.RLock()
	entries := append([]subscriber[T](nil), s.entries...)
	s.mu.RUnlock()
	for _, e := range entries {
		e.fn(v)
	}
}
