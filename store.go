package realtime

import (
	"sync"
)

// conversationStore holds the in-memory state of open conversations. Each
// conversation has its own lock, so writes are serialized per conversation
// while different conversations proceed independently.
type conversationStore struct {
	mu       sync.RWMutex
	convs    map[string]*conversation
	onChange func(chatID string)
}

func newConversationStore() *conversationStore {
	return &conversationStore{convs: make(map[string]*conversation)}
}

// open returns the conversation for id, creating it if needed.
func (s *conversationStore) open(id string) (*conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.convs[id]; ok {
		return c, false
	}
	c := &conversation{
		store:   s,
		session: ChatSession{ID: id, Active: true},
	}
	s.convs[id] = c
	return c, true
}

func (s *conversationStore) get(id string) *conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.convs[id]
}

// drop discards a conversation from memory. In-flight results for it are
// ignored from then on.
func (s *conversationStore) drop(id string) {
	s.mu.Lock()
	c := s.convs[id]
	delete(s.convs, id)
	s.mu.Unlock()
	if c != nil {
		c.mu.Lock()
		c.closed = true
		c.epoch++
		c.messages = nil
		c.mu.Unlock()
	}
}

// conversation is one open chat: its gate state and its message buffer.
type conversation struct {
	store *conversationStore

	mu       sync.Mutex
	session  ChatSession
	messages []Message
	// epoch changes whenever the message list is replaced wholesale (load,
	// clear, drop); fetches started under an older epoch must not apply.
	epoch  uint64
	closed bool
}

// currentEpoch returns the epoch for a fetch about to start.
func (c *conversation) currentEpoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// bumpEpoch starts a new epoch and returns it.
func (c *conversation) bumpEpoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	return c.epoch
}

// update applies fn under the conversation lock. fn reports whether the
// message list changed; subscribers are notified after the lock is released.
func (c *conversation) update(fn func(c *conversation) bool) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	changed := fn(c)
	id := c.session.ID
	c.mu.Unlock()
	if changed && c.store.onChange != nil {
		c.store.onChange(id)
	}
	return changed
}

// updateIf is update guarded by epoch.
func (c *conversation) updateIf(epoch uint64, fn func(c *conversation) bool) bool {
	return c.update(func(c *conversation) bool {
		if c.epoch != epoch {
			return false
		}
		return fn(c)
	})
}

func (c *conversation) snapshot() (ChatSession, []Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session, append([]Message(nil), c.messages...)
}

func (c *conversation) sessionState() ChatSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *conversation) find(key string) (Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i := indexByKey(c.messages, key); i >= 0 {
		return c.messages[i], true
	}
	return Message{}, false
}
