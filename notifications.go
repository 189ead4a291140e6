package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"

	"github.com/patrickmn/go-cache"
)

// FeedChange describes what happened to the feed.
type FeedChange string

const (
	FeedAdded   FeedChange = "added"
	FeedUpdated FeedChange = "updated"
	FeedRemoved FeedChange = "removed"
)

// FeedUpdate is delivered to feed listeners.
type FeedUpdate struct {
	Change FeedChange
	Event  NotificationEvent
	Unread int
}

// NotificationFeed is the viewer's live notification list. Push frames and
// REST listings go through the same filter, so each notification id is shown
// at most once and a dismissed id does not come back.
type NotificationFeed struct {
	api  *Client
	sup  *Supervisor
	spec ChannelSpec
	log  *slog.Logger

	// dismissed remembers removed ids so a late re-delivery is not shown again.
	dismissed *cache.Cache

	mu     sync.Mutex
	events []NotificationEvent
	loaded bool
	wired  bool
	unsubs []func()

	subs    subscribers[FeedUpdate]
	errs    subscribers[error]
	subMu   sync.Mutex
	subByID map[int]func()
	nextSub int
}

func newNotificationFeed(cfg Config, api *Client, sup *Supervisor) *NotificationFeed {
	return &NotificationFeed{
		api:       api,
		sup:       sup,
		spec:      NotificationChannel(cfg.UserID),
		log:       cfg.Logger.With("channel", "notifications"),
		dismissed: cache.New(cfg.NotificationDismissTTL, cfg.NotificationDismissTTL/2),
		subByID:   make(map[int]func()),
	}
}

// Subscribe registers a listener and returns its id for Unsubscribe.
func (f *NotificationFeed) Subscribe(fn func(FeedUpdate)) int {
	unsub := f.subs.add(fn)
	f.subMu.Lock()
	defer f.subMu.Unlock()
	f.nextSub++
	f.subByID[f.nextSub] = unsub
	return f.nextSub
}

// Unsubscribe removes the listener with id. Unknown ids are ignored.
func (f *NotificationFeed) Unsubscribe(id int) {
	f.subMu.Lock()
	unsub, ok := f.subByID[id]
	delete(f.subByID, id)
	f.subMu.Unlock()
	if ok {
		unsub()
	}
}

// OnError registers a handler for channel errors that need attention.
func (f *NotificationFeed) OnError(fn func(error)) func() {
	return f.errs.add(fn)
}

// Connect opens the push channel and loads the current list. Calling it
// again while connected only re-syncs the list.
func (f *NotificationFeed) Connect(ctx context.Context) error {
	ch := f.sup.Channel(f.spec)
	f.mu.Lock()
	if !f.wired {
		f.unsubs = append(f.unsubs,
			ch.OnMessage(f.handleFrame),
			ch.OnStatusChange(f.handleStatus),
			ch.OnError(f.errs.emit),
		)
		f.wired = true
	}
	f.mu.Unlock()

	if err := ch.Connect(ctx); err != nil {
		if isAuthError(err) {
			return err
		}
		f.log.Warn("push channel unavailable", "err", err)
	}
	return f.Refresh(ctx)
}

// Disconnect closes the push channel. Events already received stay.
func (f *NotificationFeed) Disconnect() {
	f.mu.Lock()
	unsubs := f.unsubs
	f.unsubs, f.wired = nil, false
	f.mu.Unlock()
	for _, unsub := range unsubs {
		unsub()
	}
	f.sup.Disconnect(f.spec.Key)
}

// Status returns the push channel status.
func (f *NotificationFeed) Status() ConnStatus {
	return f.sup.Status(f.spec.Key)
}

// Refresh fetches the REST list and ingests anything not in the feed yet.
func (f *NotificationFeed) Refresh(ctx context.Context) error {
	events, err := f.api.Notifications(ctx)
	if err != nil {
		f.log.Warn("notification refresh failed", "err", err)
		return err
	}
	added := 0
	for _, ev := range events {
		if f.ingest(ev) {
			added++
		}
	}
	f.mu.Lock()
	f.loaded = true
	f.mu.Unlock()
	f.log.Debug("notifications refreshed", "fetched", len(events), "added", added)
	return nil
}

// handleStatus re-syncs after a reconnect, catching whatever was pushed while
// the channel was down.
func (f *NotificationFeed) handleStatus(s ConnStatus) {
	if s != StatusOpen {
		return
	}
	f.mu.Lock()
	loaded := f.loaded
	f.mu.Unlock()
	if !loaded {
		return
	}
	f.resync()
}

// resync refreshes the list in the background.
func (f *NotificationFeed) resync() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
		defer cancel()
		_ = f.Refresh(ctx)
	}()
}

func (f *NotificationFeed) handleFrame(data []byte) {
	var rec notificationRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		f.log.Debug("ignoring frame", "err", err)
		return
	}
	if rec.ID == nil {
		var wrapped struct {
			Notification *notificationRecord `json:"notification"`
		}
		if json.Unmarshal(data, &wrapped) == nil && wrapped.Notification != nil {
			rec = *wrapped.Notification
		}
	}
	ev := rec.toEvent()
	if ev.ID == "" {
		if rec.Tipo == "" && rec.Mensaje == "" {
			f.log.Debug("ignoring frame without notification")
			return
		}
		// Frames may omit the id; the REST listing carries it.
		f.log.Debug("push without id, refreshing", "tipo", rec.Tipo)
		f.resync()
		return
	}
	f.ingest(ev)
}

// ingest adds ev unless its id is already in the feed or was dismissed. It
// reports whether ev was added.
func (f *NotificationFeed) ingest(ev NotificationEvent) bool {
	if ev.ID == "" {
		return false
	}
	if _, gone := f.dismissed.Get(ev.ID); gone {
		return false
	}
	f.mu.Lock()
	if f.indexLocked(ev.ID) >= 0 {
		f.mu.Unlock()
		return false
	}
	f.events = append(f.events, ev)
	sortEvents(f.events)
	unread := f.unreadLocked()
	f.mu.Unlock()
	f.subs.emit(FeedUpdate{Change: FeedAdded, Event: ev, Unread: unread})
	return true
}

// sortEvents orders newest first; ties keep arrival order.
func sortEvents(events []NotificationEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].CreatedAt.After(events[j].CreatedAt)
	})
}

// Events returns the feed, newest first.
func (f *NotificationFeed) Events() []NotificationEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]NotificationEvent(nil), f.events...)
}

// UnreadCount returns how many events are unread.
func (f *NotificationFeed) UnreadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unreadLocked()
}

func (f *NotificationFeed) unreadLocked() int {
	n := 0
	for _, ev := range f.events {
		if !ev.Read {
			n++
		}
	}
	return n
}

func (f *NotificationFeed) indexLocked(id string) int {
	for i, ev := range f.events {
		if ev.ID == id {
			return i
		}
	}
	return -1
}

// MarkAsRead marks id read locally, then on the server. The local change is
// rolled back if the server call fails.
func (f *NotificationFeed) MarkAsRead(ctx context.Context, id string) error {
	f.mu.Lock()
	i := f.indexLocked(id)
	if i < 0 {
		f.mu.Unlock()
		return invalidInput("unknown notification %q", id)
	}
	if f.events[i].Read {
		f.mu.Unlock()
		return nil
	}
	f.events[i].Read = true
	ev, unread := f.events[i], f.unreadLocked()
	f.mu.Unlock()
	f.subs.emit(FeedUpdate{Change: FeedUpdated, Event: ev, Unread: unread})

	if err := f.api.MarkNotificationRead(ctx, id); err != nil {
		f.log.Warn("mark read failed, rolling back", "id", id, "err", err)
		f.mu.Lock()
		if j := f.indexLocked(id); j >= 0 {
			f.events[j].Read = false
			ev = f.events[j]
		}
		unread = f.unreadLocked()
		f.mu.Unlock()
		f.subs.emit(FeedUpdate{Change: FeedUpdated, Event: ev, Unread: unread})
		return err
	}
	return nil
}

// MarkAllAsRead marks every event read, rolling back on failure.
func (f *NotificationFeed) MarkAllAsRead(ctx context.Context) error {
	f.mu.Lock()
	var changed []string
	for i := range f.events {
		if !f.events[i].Read {
			f.events[i].Read = true
			changed = append(changed, f.events[i].ID)
		}
	}
	updated := f.pickLocked(changed)
	f.mu.Unlock()
	if len(changed) == 0 {
		return nil
	}
	for _, ev := range updated {
		f.subs.emit(FeedUpdate{Change: FeedUpdated, Event: ev, Unread: 0})
	}

	if err := f.api.MarkAllNotificationsRead(ctx); err != nil {
		f.log.Warn("mark all read failed, rolling back", "count", len(changed), "err", err)
		f.mu.Lock()
		for _, id := range changed {
			if j := f.indexLocked(id); j >= 0 {
				f.events[j].Read = false
			}
		}
		reverted := f.pickLocked(changed)
		unread := f.unreadLocked()
		f.mu.Unlock()
		for _, ev := range reverted {
			f.subs.emit(FeedUpdate{Change: FeedUpdated, Event: ev, Unread: unread})
		}
		return err
	}
	return nil
}

func (f *NotificationFeed) pickLocked(ids []string) []NotificationEvent {
	out := make([]NotificationEvent, 0, len(ids))
	for _, id := range ids {
		if j := f.indexLocked(id); j >= 0 {
			out = append(out, f.events[j])
		}
	}
	return out
}

// Dismiss removes id locally, then deletes it on the server. On failure the
// event is put back.
func (f *NotificationFeed) Dismiss(ctx context.Context, id string) error {
	f.mu.Lock()
	i := f.indexLocked(id)
	if i < 0 {
		f.mu.Unlock()
		return invalidInput("unknown notification %q", id)
	}
	ev := f.events[i]
	f.events = append(f.events[:i], f.events[i+1:]...)
	f.dismissed.SetDefault(id, struct{}{})
	unread := f.unreadLocked()
	f.mu.Unlock()
	f.subs.emit(FeedUpdate{Change: FeedRemoved, Event: ev, Unread: unread})

	if err := f.api.DismissNotification(ctx, id); err != nil {
		f.log.Warn("dismiss failed, rolling back", "id", id, "err", err)
		f.mu.Lock()
		f.dismissed.Delete(id)
		if f.indexLocked(id) < 0 {
			f.events = append(f.events, ev)
			sortEvents(f.events)
		}
		unread = f.unreadLocked()
		f.mu.Unlock()
		f.subs.emit(FeedUpdate{Change: FeedAdded, Event: ev, Unread: unread})
		return err
	}
	return nil
}

// Reset forgets every event and dismissed id, e.g. on logout.
func (f *NotificationFeed) Reset() {
	f.mu.Lock()
	f.events = nil
	f.loaded = false
	f.mu.Unlock()
	f.dismissed.Flush()
}
