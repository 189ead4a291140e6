package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// maxReconcileFailures is how many consecutive reconcile failures are
// tolerated silently before the error is surfaced.
const maxReconcileFailures = 3

// ConversationUpdate carries the visible message list of a conversation after
// it changed.
type ConversationUpdate struct {
	ChatID   string
	Messages []Message
}

// ChatError is an error surfaced for one conversation.
type ChatError struct {
	ChatID string
	Err    error
}

func (e *ChatError) Error() string { return fmt.Sprintf("chat %s: %v", e.ChatID, e.Err) }

func (e *ChatError) Unwrap() error { return e.Err }

// Messenger sends messages and keeps open conversations current. It picks
// the push channel when it is open and the REST endpoint otherwise, never
// both for the same message.
type Messenger struct {
	api     *Client
	sup     *Supervisor
	gate    *ConversationGate
	history *HistoryReconciler
	store   *conversationStore
	sched   *Scheduler
	log     *slog.Logger

	userID            string
	echoTimeout       time.Duration
	reconcileInterval time.Duration
	newTempID         func() string

	updates subscribers[ConversationUpdate]
	errors  subscribers[error]

	mu       sync.Mutex
	open     map[string]*openChat
	selected string
}

// openChat is the runtime attached to an open conversation.
type openChat struct {
	ctx       context.Context
	cancel    context.CancelFunc
	unsubs    []func()
	reconcile *Task
	echoes    map[string]*Task
	failures  int
}

func newMessenger(cfg Config, api *Client, sup *Supervisor, gate *ConversationGate, history *HistoryReconciler, store *conversationStore) *Messenger {
	m := &Messenger{
		api:               api,
		sup:               sup,
		gate:              gate,
		history:           history,
		store:             store,
		sched:             NewScheduler(cfg.Clock),
		log:               cfg.Logger,
		userID:            cfg.UserID,
		echoTimeout:       cfg.EchoTimeout,
		reconcileInterval: cfg.ReconcileInterval,
		newTempID:         func() string { return "local-" + uuid.NewString() },
		open:              make(map[string]*openChat),
	}
	store.onChange = m.notify
	return m
}

// OnUpdate registers a handler called with the visible list whenever a
// conversation changes. The returned func unsubscribes.
func (m *Messenger) OnUpdate(fn func(ConversationUpdate)) func() {
	return m.updates.add(fn)
}

// OnError registers a handler for persistent failures, delivered as *ChatError.
func (m *Messenger) OnError(fn func(error)) func() {
	return m.errors.add(fn)
}

func (m *Messenger) notify(chatID string) {
	m.updates.emit(ConversationUpdate{ChatID: chatID, Messages: m.Messages(chatID)})
}

func (m *Messenger) surface(chatID string, err error) {
	m.errors.emit(&ChatError{ChatID: chatID, Err: err})
}

// ============================================================================
// Lifecycle
// ============================================================================

// Open starts tracking chatID: it reads the gate state, connects the push
// channel, loads history and starts periodic reconciliation. Opening an open
// conversation is a no-op. Only credential errors are returned, and they
// leave the conversation closed so Open can be retried with a fresh token;
// other failures are logged and recovered by reconnects and reconciliation.
func (m *Messenger) Open(ctx context.Context, chatID string) error {
	if strings.TrimSpace(chatID) == "" {
		return invalidInput("chat id is required")
	}
	spec := ChatChannel(chatID)
	ch := m.sup.Channel(spec)

	m.mu.Lock()
	if _, ok := m.open[chatID]; ok {
		m.mu.Unlock()
		return nil
	}
	m.store.open(chatID)
	runCtx, cancel := context.WithCancel(context.Background())
	oc := &openChat{ctx: runCtx, cancel: cancel, echoes: make(map[string]*Task)}
	oc.unsubs = append(oc.unsubs,
		ch.OnMessage(func(data []byte) { m.handleFrame(chatID, data) }),
		ch.OnError(func(err error) { m.surface(chatID, err) }),
	)
	oc.reconcile = m.sched.Every(m.reconcileInterval, func() { m.reconcileTick(chatID, oc) })
	m.open[chatID] = oc
	m.mu.Unlock()

	// Closing the conversation cancels whatever is still loading.
	ctx, stop := context.WithCancel(ctx)
	defer stop()
	unwatch := context.AfterFunc(runCtx, stop)
	defer unwatch()

	log := m.log.With("chat_id", chatID)
	abort := func(err error) error {
		log.Warn("open aborted", "err", err)
		m.mu.Lock()
		current := m.open[chatID] == oc
		m.mu.Unlock()
		if current {
			m.Close(chatID)
		}
		return err
	}
	if _, err := m.gate.Refresh(ctx, chatID); err != nil {
		if isAuthError(err) {
			return abort(err)
		}
		log.Warn("gate refresh failed", "err", err)
	}
	if err := ch.Connect(ctx); err != nil {
		if isAuthError(err) {
			return abort(err)
		}
		log.Warn("push channel unavailable, REST fallback", "err", err)
	}
	if err := m.history.Load(ctx, chatID); err != nil {
		if isAuthError(err) {
			return abort(err)
		}
		log.Warn("initial history load failed", "err", err)
	}
	return nil
}

// Close stops tracking chatID, disconnects its channel and discards its
// in-memory state. Results still in flight for it are dropped.
func (m *Messenger) Close(chatID string) {
	m.mu.Lock()
	oc, ok := m.open[chatID]
	delete(m.open, chatID)
	if m.selected == chatID {
		m.selected = ""
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	oc.cancel()
	oc.reconcile.Cancel()
	for _, t := range oc.echoes {
		t.Cancel()
	}
	for _, unsub := range oc.unsubs {
		unsub()
	}
	m.sup.Disconnect(ChatChannel(chatID).Key)
	m.store.drop(chatID)
}

// Select makes chatID the conversation on screen, closing the previous one.
func (m *Messenger) Select(ctx context.Context, chatID string) error {
	m.mu.Lock()
	prev := m.selected
	m.selected = chatID
	m.mu.Unlock()
	if prev != "" && prev != chatID {
		m.Close(prev)
	}
	return m.Open(ctx, chatID)
}

// Selected returns the conversation on screen, if any.
func (m *Messenger) Selected() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selected
}

// CloseAll closes every open conversation.
func (m *Messenger) CloseAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.open))
	for id := range m.open {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Close(id)
	}
}

// ============================================================================
// Reading
// ============================================================================

// Messages returns the visible messages of chatID in order. Blocked
// conversations show nothing even if pushes keep arriving.
func (m *Messenger) Messages(chatID string) []Message {
	conv := m.store.get(chatID)
	if conv == nil {
		return nil
	}
	session, msgs := conv.snapshot()
	if !session.Active {
		return []Message{}
	}
	return msgs
}

func (m *Messenger) handleFrame(chatID string, data []byte) {
	var frame chatFrame
	if err := json.Unmarshal(data, &frame); err != nil || len(frame.Message) == 0 {
		m.log.Debug("ignoring frame", "chat_id", chatID, "err", err)
		return
	}
	var rec MessageRecord
	if err := json.Unmarshal(frame.Message, &rec); err != nil {
		m.log.Debug("ignoring frame", "chat_id", chatID, "err", err)
		return
	}
	msg := rec.ToMessage(m.userID)
	if msg.ID == "" {
		return
	}
	conv := m.store.get(chatID)
	if conv == nil {
		return
	}
	changed := conv.update(func(c *conversation) bool {
		var changed bool
		c.messages, changed = insertMessage(c.messages, msg)
		return changed
	})
	if changed && msg.SenderIsSelf {
		m.settleEchoes(chatID, conv)
	}
}

func (m *Messenger) reconcileTick(chatID string, oc *openChat) {
	ctx, cancel := context.WithTimeout(oc.ctx, DefaultTimeout)
	defer cancel()
	changed, err := m.history.Reconcile(ctx, chatID)
	if changed {
		if conv := m.store.get(chatID); conv != nil {
			m.settleEchoes(chatID, conv)
		}
	}

	m.mu.Lock()
	if err == nil || oc.ctx.Err() != nil {
		oc.failures = 0
		m.mu.Unlock()
		return
	}
	oc.failures++
	failures := oc.failures
	m.mu.Unlock()

	m.log.Warn("reconcile failed", "chat_id", chatID, "attempt", failures, "err", err)
	if isAuthError(err) || failures == maxReconcileFailures {
		m.surface(chatID, err)
	}
}

// ============================================================================
// Sending
// ============================================================================

// Send delivers content to chatID and returns the entry as it stands after
// the attempt. Empty content, an unknown chat or a blocked conversation are
// rejected without network I/O.
func (m *Messenger) Send(ctx context.Context, chatID, content string) (Message, error) {
	content = strings.TrimSpace(content)
	if chatID == "" {
		return Message{}, invalidInput("chat id is required")
	}
	if content == "" {
		return Message{}, invalidInput("message content is empty")
	}
	conv := m.store.get(chatID)
	if conv == nil {
		return Message{}, invalidInput("conversation %q is not open", chatID)
	}
	if !m.gate.IsActive(chatID) {
		return Message{}, ErrConversationBlocked
	}

	entry := Message{
		TempID:       m.newTempID(),
		Content:      content,
		SenderID:     m.userID,
		SenderIsSelf: true,
		SentAt:       m.sched.Now().UTC(),
		State:        StateSending,
	}

	ch := m.sup.Lookup(ChatChannel(chatID).Key)
	if ch != nil && ch.Status() == StatusOpen {
		return m.sendPush(ctx, conv, ch, entry)
	}
	return m.sendREST(ctx, conv, entry)
}

func (m *Messenger) sendPush(ctx context.Context, conv *conversation, ch *Channel, entry Message) (Message, error) {
	chatID := ch.Key()
	conv.update(func(c *conversation) bool {
		c.messages = append(c.messages, entry)
		return true
	})
	if err := ch.SendJSON(ctx, map[string]string{"message": entry.Content}); err != nil {
		m.log.Warn("push send failed", "chat_id", chatID, "err", err)
		return m.markFailed(conv, entry, err), err
	}
	m.armEcho(chatID, conv, entry)
	return entry, nil
}

// armEcho fails the entry if the server has not echoed it within the echo
// timeout.
func (m *Messenger) armEcho(chatID string, conv *conversation, entry Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	oc, ok := m.open[chatID]
	if !ok {
		return
	}
	tempID := entry.TempID
	oc.echoes[tempID] = m.sched.After(m.echoTimeout, func() {
		m.mu.Lock()
		delete(oc.echoes, tempID)
		m.mu.Unlock()
		conv.update(func(c *conversation) bool {
			i := indexByKey(c.messages, tempID)
			if i < 0 || c.messages[i].State != StateSending {
				return false
			}
			c.messages[i].State = StateFailed
			c.messages[i].Error = "no confirmation from server"
			return true
		})
	})
}

// settleEchoes cancels the echo timers of entries that are no longer
// waiting for the server.
func (m *Messenger) settleEchoes(chatID string, conv *conversation) {
	m.mu.Lock()
	oc, ok := m.open[chatID]
	if !ok || len(oc.echoes) == 0 {
		m.mu.Unlock()
		return
	}
	waiting := make([]string, 0, len(oc.echoes))
	for tempID := range oc.echoes {
		waiting = append(waiting, tempID)
	}
	m.mu.Unlock()

	var settled []string
	for _, tempID := range waiting {
		if msg, ok := conv.find(tempID); !ok || msg.State != StateSending {
			settled = append(settled, tempID)
		}
	}
	if len(settled) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tempID := range settled {
		if t, ok := oc.echoes[tempID]; ok {
			t.Cancel()
			delete(oc.echoes, tempID)
		}
	}
}

func (m *Messenger) sendREST(ctx context.Context, conv *conversation, entry Message) (Message, error) {
	chatID := conv.sessionState().ID
	rec, err := m.api.SendMessage(ctx, chatID, entry.Content)
	if err != nil {
		m.log.Warn("rest send failed", "chat_id", chatID, "err", err)
		entry.State = StateFailed
		entry.Error = err.Error()
		conv.update(func(c *conversation) bool {
			c.messages = append(c.messages, entry)
			return true
		})
		return entry, err
	}

	msg := rec.ToMessage(m.userID)
	if rec.IsMine == nil && rec.SenderID == nil {
		msg.SenderIsSelf = true
		msg.SenderID = m.userID
		if msg.State == StateDeliveredRemote {
			msg.State = StateSent
		}
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = entry.SentAt
	}
	if msg.ID == "" {
		// Stored without an id in the reply; the next reconcile finalizes it.
		conv.update(func(c *conversation) bool {
			c.messages = append(c.messages, entry)
			return true
		})
		return entry, nil
	}
	msg.TempID = entry.TempID
	conv.update(func(c *conversation) bool {
		var changed bool
		c.messages, changed = insertMessage(c.messages, msg)
		return changed
	})
	return msg, nil
}

func (m *Messenger) markFailed(conv *conversation, entry Message, err error) Message {
	entry.State = StateFailed
	entry.Error = err.Error()
	conv.update(func(c *conversation) bool {
		i := indexByKey(c.messages, entry.TempID)
		if i < 0 || !c.messages[i].Pending() {
			return false
		}
		c.messages[i] = entry
		return true
	})
	return entry
}

// Retry re-sends a failed local entry, replacing it with the new attempt.
func (m *Messenger) Retry(ctx context.Context, chatID, tempID string) (Message, error) {
	conv := m.store.get(chatID)
	if conv == nil {
		return Message{}, invalidInput("conversation %q is not open", chatID)
	}
	failed, ok := conv.find(tempID)
	if !ok || !failed.Pending() || failed.State != StateFailed {
		return Message{}, invalidInput("no failed message %q in chat %q", tempID, chatID)
	}
	if !m.gate.IsActive(chatID) {
		return Message{}, ErrConversationBlocked
	}
	m.Discard(chatID, tempID)
	return m.Send(ctx, chatID, failed.Content)
}

// Discard removes a failed local entry. It reports whether one was removed.
func (m *Messenger) Discard(chatID, tempID string) bool {
	conv := m.store.get(chatID)
	if conv == nil {
		return false
	}
	return conv.update(func(c *conversation) bool {
		i := indexByKey(c.messages, tempID)
		if i < 0 || !c.messages[i].Pending() || c.messages[i].State != StateFailed {
			return false
		}
		c.messages = append(c.messages[:i], c.messages[i+1:]...)
		return true
	})
}

// Clear empties the conversation on the server and locally.
func (m *Messenger) Clear(ctx context.Context, chatID string) error {
	conv := m.store.get(chatID)
	if conv == nil {
		return invalidInput("conversation %q is not open", chatID)
	}
	if err := m.api.ClearChat(ctx, chatID); err != nil {
		return err
	}
	conv.update(func(c *conversation) bool {
		c.messages = nil
		c.epoch++
		return true
	})
	return nil
}
