package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Fake clock
// ============================================================================

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// Advance moves time forward and runs due timers on the calling goroutine.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	sort.SliceStable(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.f()
	}
}

// pending counts armed timers.
func (c *fakeClock) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// ============================================================================
// Fake transport
// ============================================================================

type readResult struct {
	data []byte
	err  error
}

type fakeConn struct {
	in chan readResult

	mu        sync.Mutex
	written   [][]byte
	writeErr  error
	onWrite   func(data []byte)
	closed    bool
	closeCode int
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan readResult, 16)}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case r := <-c.in:
		return r.data, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(ctx context.Context, data []byte) error {
	c.mu.Lock()
	if c.writeErr != nil {
		err := c.writeErr
		c.mu.Unlock()
		return err
	}
	c.written = append(c.written, append([]byte(nil), data...))
	hook := c.onWrite
	c.mu.Unlock()
	if hook != nil {
		hook(data)
	}
	return nil
}

func (c *fakeConn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.closeCode = code
	return nil
}

func (c *fakeConn) push(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	c.in <- readResult{data: data}
}

func (c *fakeConn) closeWith(code int) {
	c.in <- readResult{err: &CloseError{Code: code, Reason: "test"}}
}

func (c *fakeConn) frames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.written...)
}

type fakeDialer struct {
	mu    sync.Mutex
	urls  []string
	queue []dialResult
	conns []*fakeConn
	// fail, when set, is returned once the queue is empty.
	fail error
	// gate, when set, blocks dials until it is closed.
	gate chan struct{}
}

type dialResult struct {
	conn *fakeConn
	err  error
}

func (d *fakeDialer) Dial(ctx context.Context, rawURL string) (Conn, error) {
	d.mu.Lock()
	gate := d.gate
	d.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, rawURL)
	var r dialResult
	switch {
	case len(d.queue) > 0:
		r, d.queue = d.queue[0], d.queue[1:]
	case d.fail != nil:
		r.err = d.fail
	}
	if r.err != nil {
		return nil, r.err
	}
	if r.conn == nil {
		r.conn = newFakeConn()
	}
	d.conns = append(d.conns, r.conn)
	return r.conn, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func (d *fakeDialer) lastConn() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

var errDialRefused = errors.New("connection refused")

// ============================================================================
// Fake backend
// ============================================================================

const (
	testToken  = "test-token"
	testUserID = "7"
)

var testEpoch = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type fakeBackend struct {
	mu            sync.Mutex
	nextID        int
	messages      map[string][]map[string]any
	sessions      map[string]map[string]any
	notifications []map[string]any
	calls         map[string]int
	// failures maps "METHOD path" to a status returned instead of handling.
	failures map[string]int
	// onRequest runs before routing, outside the lock.
	onRequest func(r *http.Request)

	srv *httptest.Server
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	b := &fakeBackend{
		nextID:   100,
		messages: make(map[string][]map[string]any),
		sessions: make(map[string]map[string]any),
		calls:    make(map[string]int),
		failures: make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /chat/{id}/{$}", b.handleSession)
	mux.HandleFunc("GET /chat/{id}/mensajes/{$}", b.handleHistory)
	mux.HandleFunc("POST /chat/{id}/enviar/{$}", b.handleSend)
	mux.HandleFunc("POST /chat/{id}/vaciar/{$}", b.handleClear)
	mux.HandleFunc("POST /chat/{id}/bloquear/{$}", b.handleBlock)
	mux.HandleFunc("POST /chat/{id}/desbloquear/{$}", b.handleUnblock)
	mux.HandleFunc("GET /api/notifications/{$}", b.handleNotifications)
	mux.HandleFunc("POST /api/notifications/mark_all_read/{$}", b.handleMarkAll)
	mux.HandleFunc("POST /api/notifications/{id}/mark_read/{$}", b.handleMarkRead)
	mux.HandleFunc("DELETE /api/notifications/{id}/{$}", b.handleDismiss)

	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hook := b.hook(); hook != nil {
			hook(r)
		}
		key := r.Method + " " + r.URL.Path
		b.mu.Lock()
		b.calls[key]++
		status := b.failures[key]
		b.mu.Unlock()

		if r.Header.Get("Authorization") != "Bearer "+testToken {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "invalid token"})
			return
		}
		if status != 0 {
			writeJSON(w, status, map[string]string{"detail": http.StatusText(status)})
			return
		}
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *fakeBackend) hook() func(*http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.onRequest
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (b *fakeBackend) callCount(method, path string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[method+" "+path]
}

func (b *fakeBackend) failWith(method, path string, status int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if status == 0 {
		delete(b.failures, method+" "+path)
		return
	}
	b.failures[method+" "+path] = status
}

// addMessage stores a message as if another client had posted it.
func (b *fakeBackend) addMessage(chatID, senderID, content string) map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.addMessageLocked(chatID, senderID, content)
}

func (b *fakeBackend) addMessageLocked(chatID, senderID, content string) map[string]any {
	b.nextID++
	rec := map[string]any{
		"id":        b.nextID,
		"content":   content,
		"sender_id": senderID,
		"timestamp": testEpoch.Add(time.Duration(b.nextID) * time.Second).Format(time.RFC3339),
		"read":      false,
	}
	b.messages[chatID] = append(b.messages[chatID], rec)
	return rec
}

func (b *fakeBackend) setSession(chatID string, active bool, blockedBy string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessions[chatID] = map[string]any{"id": chatID, "counterpart_id": "99", "active": active, "blocked_by": blockedBy}
}

func (b *fakeBackend) addNotification(id int, tipo, mensaje string, minutes int) map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec := map[string]any{
		"id":          id,
		"tipo":        tipo,
		"mensaje":     mensaje,
		"estado":      "no_leido",
		"fecha_envio": testEpoch.Add(time.Duration(minutes) * time.Minute).Format(time.RFC3339),
	}
	b.notifications = append(b.notifications, rec)
	return rec
}

func (b *fakeBackend) handleSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[id]
	if !ok {
		s = map[string]any{"id": id, "counterpart_id": "99", "active": true, "blocked_by": nil}
	}
	writeJSON(w, http.StatusOK, s)
}

func (b *fakeBackend) handleHistory(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.messages[r.PathValue("id")]
	if list == nil {
		list = []map[string]any{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (b *fakeBackend) handleSend(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": err.Error()})
		return
	}
	b.mu.Lock()
	rec := b.addMessageLocked(r.PathValue("id"), testUserID, body.Content)
	b.mu.Unlock()
	writeJSON(w, http.StatusCreated, rec)
}

func (b *fakeBackend) handleClear(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	delete(b.messages, r.PathValue("id"))
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (b *fakeBackend) handleBlock(w http.ResponseWriter, r *http.Request) {
	b.setSession(r.PathValue("id"), false, testUserID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "blocked"})
}

func (b *fakeBackend) handleUnblock(w http.ResponseWriter, r *http.Request) {
	b.setSession(r.PathValue("id"), true, "")
	writeJSON(w, http.StatusOK, map[string]string{"status": "unblocked"})
}

func (b *fakeBackend) handleNotifications(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.notifications
	if list == nil {
		list = []map[string]any{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (b *fakeBackend) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	b.mu.Lock()
	for _, n := range b.notifications {
		if fmt.Sprint(n["id"]) == id {
			n["estado"] = "leido"
		}
	}
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (b *fakeBackend) handleMarkAll(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	for _, n := range b.notifications {
		n["estado"] = "leido"
	}
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (b *fakeBackend) handleDismiss(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	b.mu.Lock()
	kept := b.notifications[:0]
	for _, n := range b.notifications {
		if fmt.Sprint(n["id"]) != id {
			kept = append(kept, n)
		}
	}
	b.notifications = kept
	b.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

// ============================================================================
// Core fixture
// ============================================================================

type fixture struct {
	core    *Core
	backend *fakeBackend
	dialer  *fakeDialer
	clock   *fakeClock
	tokens  *StaticToken
}

func newFixture(t *testing.T, mutate ...func(*Config)) *fixture {
	t.Helper()
	f := &fixture{
		backend: newFakeBackend(t),
		dialer:  &fakeDialer{},
		clock:   newFakeClock(),
		tokens:  NewStaticToken(testToken),
	}
	cfg := Config{
		APIBaseURL: f.backend.srv.URL,
		UserID:     testUserID,
		Tokens:     f.tokens,
		Dialer:     f.dialer,
		Clock:      f.clock,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	core, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(core.Close)
	f.core = core
	return f
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func contents(msgs []Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Content)
	}
	return out
}
