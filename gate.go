package realtime

import (
	"context"
	"log/slog"
)

// ConversationGate tracks whether a conversation accepts messages and applies
// block and unblock actions.
type ConversationGate struct {
	api     *Client
	store   *conversationStore
	history *HistoryReconciler
	userID  string
	log     *slog.Logger
}

func newConversationGate(api *Client, store *conversationStore, history *HistoryReconciler, userID string, log *slog.Logger) *ConversationGate {
	return &ConversationGate{api: api, store: store, history: history, userID: userID, log: log}
}

// IsActive reports whether chatID accepts outbound messages. Conversations
// that are not open are assumed active.
func (g *ConversationGate) IsActive(chatID string) bool {
	conv := g.store.get(chatID)
	if conv == nil {
		return true
	}
	return conv.sessionState().Active
}

// State returns the known session state of an open conversation.
func (g *ConversationGate) State(chatID string) (ChatSession, bool) {
	conv := g.store.get(chatID)
	if conv == nil {
		return ChatSession{}, false
	}
	return conv.sessionState(), true
}

// Refresh reloads the gate state from the server. Turning inactive clears the
// in-memory message list.
func (g *ConversationGate) Refresh(ctx context.Context, chatID string) (ChatSession, error) {
	session, err := g.api.Session(ctx, chatID)
	if err != nil {
		return ChatSession{}, err
	}
	if conv := g.store.get(chatID); conv != nil {
		conv.update(func(c *conversation) bool {
			wasActive := c.session.Active
			c.session = *session
			if wasActive && !session.Active {
				c.messages = nil
				c.epoch++
				return true
			}
			return false
		})
	}
	return *session, nil
}

// Block blocks the counterpart of chatID. On success the conversation turns
// inactive and its messages are cleared; the realtime connection stays up.
func (g *ConversationGate) Block(ctx context.Context, chatID string) error {
	if chatID == "" {
		return invalidInput("chat id is required")
	}
	if err := g.api.BlockChat(ctx, chatID); err != nil {
		g.log.Warn("block failed", "chat_id", chatID, "err", err)
		return err
	}
	if conv := g.store.get(chatID); conv != nil {
		conv.update(func(c *conversation) bool {
			c.session.Active = false
			c.session.BlockedBy = g.userID
			c.messages = nil
			c.epoch++
			return true
		})
	}
	g.log.Info("conversation blocked", "chat_id", chatID)
	return nil
}

// Unblock lifts a block placed by the viewer and reloads history. Only the
// participant who blocked may unblock.
func (g *ConversationGate) Unblock(ctx context.Context, chatID string) error {
	if chatID == "" {
		return invalidInput("chat id is required")
	}
	state, ok := g.State(chatID)
	if !ok {
		session, err := g.api.Session(ctx, chatID)
		if err != nil {
			return err
		}
		state = *session
	}
	if state.Active && state.BlockedBy == "" {
		return nil
	}
	if state.BlockedBy != g.userID {
		return ErrUnblockNotAllowed
	}
	if err := g.api.UnblockChat(ctx, chatID); err != nil {
		g.log.Warn("unblock failed", "chat_id", chatID, "err", err)
		return err
	}
	conv := g.store.get(chatID)
	if conv == nil {
		return nil
	}
	conv.update(func(c *conversation) bool {
		c.session.Active = true
		c.session.BlockedBy = ""
		return false
	})
	g.log.Info("conversation unblocked", "chat_id", chatID)
	return g.history.Load(ctx, chatID)
}
