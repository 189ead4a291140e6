package realtime

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *StaticToken, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	tokens := NewStaticToken(testToken)
	return NewClient(srv.URL, tokens, srv.Client(), nil), tokens, &hits
}

func TestClientHistory(t *testing.T) {
	client, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/17/mensajes/" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer "+testToken {
			t.Errorf("Authorization = %q", got)
		}
		w.Write([]byte(`[
			{"id": 1, "content": "hola", "sender_id": 7, "timestamp": "2026-03-01T10:00:00Z", "read": true},
			{"id": "2", "content": "que tal", "sender_id": "99", "is_mine": false, "timestamp": "2026-03-01T10:01:00.123456", "read": false}
		]`))
	})

	records, err := client.History(context.Background(), "17")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}

	first := records[0].ToMessage(testUserID)
	if first.ID != "1" || !first.SenderIsSelf || first.State != StateRead {
		t.Errorf("first = %+v", first)
	}
	second := records[1].ToMessage(testUserID)
	if second.ID != "2" || second.SenderIsSelf || second.State != StateDeliveredRemote {
		t.Errorf("second = %+v", second)
	}
	if second.SentAt.IsZero() {
		t.Error("timestamp without zone not parsed")
	}
}

func TestClientErrors(t *testing.T) {
	t.Run("401 is an auth rejection", func(t *testing.T) {
		client, tokens, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Token expired"})
		})
		var invalidated error
		tokens.OnInvalidate = func(reason error) { invalidated = reason }

		_, err := client.History(context.Background(), "1")
		if !errors.Is(err, ErrAuthRejected) {
			t.Fatalf("expected ErrAuthRejected, got %v", err)
		}
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.Message != "Token expired" {
			t.Fatalf("expected APIError with server message, got %v", err)
		}
		if invalidated == nil {
			t.Error("token was not invalidated")
		}
	})

	t.Run("403 is a refused action", func(t *testing.T) {
		client, tokens, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "chat bloqueado"})
		})
		tokens.OnInvalidate = func(error) { t.Error("403 must not invalidate the token") }

		_, err := client.SendMessage(context.Background(), "1", "hola")
		if !errors.Is(err, ErrServerRejected) || errors.Is(err, ErrAuthRejected) {
			t.Fatalf("expected ErrServerRejected only, got %v", err)
		}
	})

	t.Run("5xx is transient", func(t *testing.T) {
		client, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})

		err := client.ClearChat(context.Background(), "1")
		if !errors.Is(err, ErrTransientNetwork) {
			t.Fatalf("expected ErrTransientNetwork, got %v", err)
		}
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.Status != http.StatusServiceUnavailable {
			t.Fatalf("expected wrapped APIError, got %v", err)
		}
	})

	t.Run("missing token never hits the network", func(t *testing.T) {
		client, tokens, hits := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
		tokens.SetToken("")

		_, err := client.Notifications(context.Background())
		if !errors.Is(err, ErrAuthRequired) {
			t.Fatalf("expected ErrAuthRequired, got %v", err)
		}
		if hits.Load() != 0 {
			t.Fatal("request was sent without a token")
		}
	})

	t.Run("unreachable server is transient", func(t *testing.T) {
		client := NewClient("http://127.0.0.1:1", NewStaticToken(testToken), nil, nil)
		err := client.BlockChat(context.Background(), "1")
		if !errors.Is(err, ErrTransientNetwork) {
			t.Fatalf("expected ErrTransientNetwork, got %v", err)
		}
	})
}

func TestClientSession(t *testing.T) {
	client, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id": 17, "counterpart_id": 99, "active": false, "blocked_by": 7}`))
	})

	s, err := client.Session(context.Background(), "17")
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	want := ChatSession{ID: "17", CounterpartID: "99", Active: false, BlockedBy: "7"}
	if *s != want {
		t.Fatalf("session = %+v, want %+v", *s, want)
	}
}

func TestClientNotifications(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bare list", `[{"id": 5, "tipo": "match", "mensaje": "Nuevo match", "estado": "no_leido", "fecha_envio": "2026-03-01T10:00:00Z", "chat_id": 17}]`},
		{"paginated", `{"count": 1, "results": [{"id": 5, "tipo": "match", "mensaje": "Nuevo match", "estado": false, "fecha_envio": "2026-03-01T10:00:00Z", "chat_id": "17"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tt.body))
			})
			events, err := client.Notifications(context.Background())
			if err != nil {
				t.Fatalf("Notifications: %v", err)
			}
			if len(events) != 1 {
				t.Fatalf("events = %d", len(events))
			}
			ev := events[0]
			if ev.ID != "5" || ev.Kind != KindMatch || ev.Read || ev.RelatedChatID != "17" {
				t.Fatalf("event = %+v", ev)
			}
		})
	}
}

func TestParseRead(t *testing.T) {
	tests := []struct {
		in   any
		want bool
	}{
		{"leido", true},
		{"LEIDA", true},
		{"no_leido", false},
		{"", false},
		{true, true},
		{false, false},
		{nil, false},
		{"true", true},
	}
	for _, tt := range tests {
		if got := parseRead(tt.in); got != tt.want {
			t.Errorf("parseRead(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
