package realtime

import (
	"context"
	"log/slog"
	"sort"
	"strconv"

	"github.com/spf13/cast"
	"golang.org/x/sync/singleflight"
)

// ============================================================================
// Merge
// ============================================================================

// mergeMessages folds the authoritative remote list into local. Messages whose
// id is already present are left untouched; a remote self-authored message
// finalizes the oldest pending "sending" entry with the same content;
// everything else is appended. The result is ordered by send time then id.
// Merging the same remote list twice changes nothing the second time.
func mergeMessages(local []Message, remote []Message) ([]Message, bool) {
	out := append([]Message(nil), local...)
	changed := false
	for _, m := range remote {
		var ok bool
		out, ok = insertInto(out, m)
		changed = changed || ok
	}
	if changed {
		sortMessages(out)
	}
	return out, changed
}

// insertMessage adds one server message to list with the same rules as
// mergeMessages.
func insertMessage(list []Message, m Message) ([]Message, bool) {
	out, changed := insertInto(list, m)
	if changed {
		sortMessages(out)
	}
	return out, changed
}

func insertInto(list []Message, m Message) ([]Message, bool) {
	if m.ID == "" {
		return list, false
	}
	for _, existing := range list {
		if existing.ID == m.ID {
			return list, false
		}
	}
	if m.SenderIsSelf {
		if i := oldestSending(list, m.Content); i >= 0 {
			m.TempID = list[i].TempID
			list[i] = m
			return list, true
		}
	}
	return append(list, m), true
}

func oldestSending(list []Message, content string) int {
	idx := -1
	for i, m := range list {
		if !m.Pending() || m.State != StateSending || m.Content != content {
			continue
		}
		if idx < 0 || m.SentAt.Before(list[idx].SentAt) {
			idx = i
		}
	}
	return idx
}

func indexByKey(list []Message, key string) int {
	for i, m := range list {
		if m.Key() == key {
			return i
		}
	}
	return -1
}

func sortMessages(list []Message) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if !a.SentAt.Equal(b.SentAt) {
			return a.SentAt.Before(b.SentAt)
		}
		return lessID(a.Key(), b.Key())
	})
}

// lessID orders numeric ids numerically and before any non-numeric id.
func lessID(a, b string) bool {
	na, errA := cast.ToInt64E(a)
	nb, errB := cast.ToInt64E(b)
	switch {
	case errA == nil && errB == nil:
		return na < nb
	case errA == nil:
		return true
	case errB == nil:
		return false
	}
	return a < b
}

func pendingOnly(list []Message) []Message {
	var out []Message
	for _, m := range list {
		if m.Pending() {
			out = append(out, m)
		}
	}
	return out
}

// ============================================================================
// HistoryReconciler
// ============================================================================

// HistoryReconciler loads and periodically re-syncs conversation history from
// the REST backend.
type HistoryReconciler struct {
	api    *Client
	store  *conversationStore
	userID string
	group  singleflight.Group
	log    *slog.Logger
}

func newHistoryReconciler(api *Client, store *conversationStore, userID string, log *slog.Logger) *HistoryReconciler {
	return &HistoryReconciler{api: api, store: store, userID: userID, log: log}
}

// fetch coalesces concurrent fetches of chatID started under the same epoch.
// A fetch begun before a load or clear is never shared with one begun after.
func (h *HistoryReconciler) fetch(ctx context.Context, chatID string, epoch uint64) ([]Message, error) {
	key := chatID + "@" + strconv.FormatUint(epoch, 10)
	v, err, shared := h.group.Do(key, func() (any, error) {
		records, err := h.api.History(ctx, chatID)
		if err != nil {
			return nil, err
		}
		msgs := make([]Message, 0, len(records))
		for _, r := range records {
			msgs = append(msgs, r.ToMessage(h.userID))
		}
		return msgs, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		h.log.Debug("history fetch shared", "chat_id", chatID)
	}
	// Callers sharing a fetch each get their own copy.
	return append([]Message(nil), v.([]Message)...), nil
}

// Load replaces the conversation's messages with the server's list. Local
// entries still waiting for a server id are kept and re-matched. A load that
// loses a race with a newer load, a clear or a close is discarded.
func (h *HistoryReconciler) Load(ctx context.Context, chatID string) error {
	conv := h.store.get(chatID)
	if conv == nil {
		return invalidInput("conversation %q is not open", chatID)
	}
	epoch := conv.bumpEpoch()
	remote, err := h.fetch(ctx, chatID, epoch)
	if err != nil {
		h.log.Warn("history load failed", "chat_id", chatID, "err", err)
		return err
	}
	conv.updateIf(epoch, func(c *conversation) bool {
		c.messages, _ = mergeMessages(pendingOnly(c.messages), remote)
		return true
	})
	h.log.Debug("history loaded", "chat_id", chatID, "count", len(remote))
	return nil
}

// Reconcile re-fetches history and merges it into the current list. It
// reports whether anything changed.
func (h *HistoryReconciler) Reconcile(ctx context.Context, chatID string) (bool, error) {
	conv := h.store.get(chatID)
	if conv == nil {
		return false, invalidInput("conversation %q is not open", chatID)
	}
	epoch := conv.currentEpoch()
	remote, err := h.fetch(ctx, chatID, epoch)
	if err != nil {
		return false, err
	}
	changed := conv.updateIf(epoch, func(c *conversation) bool {
		var changed bool
		c.messages, changed = mergeMessages(c.messages, remote)
		return changed
	})
	if changed {
		h.log.Debug("history reconciled", "chat_id", chatID)
	}
	return changed, nil
}
