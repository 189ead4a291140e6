package realtime

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/spf13/cast"
)

// ============================================================================
// Messages
// ============================================================================

// DeliveryState is the lifecycle state of a message.
type DeliveryState string

const (
	// StateSending and StateFailed are local-only states for self-authored
	// messages that have no server id yet.
	StateSending DeliveryState = "sending"
	StateFailed  DeliveryState = "failed"

	StateSent            DeliveryState = "sent"
	StateDeliveredRemote DeliveryState = "delivered-remote"
	StateRead            DeliveryState = "read"
)

// Message is one entry of a conversation as seen by the viewer.
type Message struct {
	ID              string        `json:"id,omitempty"`
	TempID          string        `json:"tempId,omitempty"`
	Content         string        `json:"content"`
	SenderID        string        `json:"senderId,omitempty"`
	SenderIsSelf    bool          `json:"senderIsSelf"`
	SentAt          time.Time     `json:"sentAt"`
	ReadByRecipient bool          `json:"readByRecipient"`
	State           DeliveryState `json:"state"`
	Error           string        `json:"error,omitempty"`
}

// Pending reports whether the message is a local entry without a server id.
func (m Message) Pending() bool {
	return m.ID == ""
}

// Key returns the server id, or the temporary id for local entries.
func (m Message) Key() string {
	if m.ID != "" {
		return m.ID
	}
	return m.TempID
}

// MessageRecord is the wire shape of a message on REST and push frames.
type MessageRecord struct {
	ID        any    `json:"id"`
	Content   string `json:"content"`
	SenderID  any    `json:"sender_id,omitempty"`
	IsMine    *bool  `json:"is_mine,omitempty"`
	Timestamp string `json:"timestamp"`
	Read      bool   `json:"read"`
}

// ToMessage converts a record into a Message relative to viewerID. The
// server's is_mine flag wins over comparing sender ids.
func (r MessageRecord) ToMessage(viewerID string) Message {
	m := Message{
		ID:              cast.ToString(r.ID),
		Content:         r.Content,
		SenderID:        cast.ToString(r.SenderID),
		SentAt:          parseTime(r.Timestamp),
		ReadByRecipient: r.Read,
	}
	if r.IsMine != nil {
		m.SenderIsSelf = *r.IsMine
	} else {
		m.SenderIsSelf = viewerID != "" && m.SenderID == viewerID
	}
	switch {
	case r.Read:
		m.State = StateRead
	case m.SenderIsSelf:
		m.State = StateSent
	default:
		m.State = StateDeliveredRemote
	}
	return m
}

// chatFrame is the push frame on a conversation channel in both directions:
// outbound carries the content string, inbound the echoed record.
type chatFrame struct {
	Message json.RawMessage `json:"message"`
}

// ============================================================================
// Conversations
// ============================================================================

// ChatSession is the gate-relevant state of a conversation.
type ChatSession struct {
	ID            string `json:"id"`
	CounterpartID string `json:"counterpartId,omitempty"`
	Active        bool   `json:"active"`
	BlockedBy     string `json:"blockedBy,omitempty"`
}

type sessionRecord struct {
	ID            any   `json:"id"`
	CounterpartID any   `json:"counterpart_id"`
	Active        *bool `json:"active"`
	BlockedBy     any   `json:"blocked_by"`
}

func (r sessionRecord) toSession() ChatSession {
	s := ChatSession{
		ID:            cast.ToString(r.ID),
		CounterpartID: cast.ToString(r.CounterpartID),
		Active:        true,
		BlockedBy:     cast.ToString(r.BlockedBy),
	}
	if r.Active != nil {
		s.Active = *r.Active
	}
	return s
}

// ============================================================================
// Notifications
// ============================================================================

// NotificationKind classifies a notification.
type NotificationKind string

const (
	KindLike    NotificationKind = "like"
	KindMatch   NotificationKind = "match"
	KindMessage NotificationKind = "message"
	KindReport  NotificationKind = "report"
	KindOther   NotificationKind = "other"
)

// NotificationEvent is one entry in the notification feed.
type NotificationEvent struct {
	ID            string           `json:"id"`
	Kind          NotificationKind `json:"kind"`
	Message       string           `json:"message"`
	Read          bool             `json:"read"`
	CreatedAt     time.Time        `json:"createdAt"`
	RelatedChatID string           `json:"relatedChatId,omitempty"`
	FromUserID    string           `json:"fromUserId,omitempty"`
}

// notificationRecord is the shape shared by the push frame and the REST list.
type notificationRecord struct {
	ID         any    `json:"id"`
	Tipo       string `json:"tipo"`
	Mensaje    string `json:"mensaje"`
	Estado     any    `json:"estado"`
	FechaEnvio string `json:"fecha_envio"`
	FromUserID any    `json:"from_user_id,omitempty"`
	ChatID     any    `json:"chat_id,omitempty"`
}

func (r notificationRecord) toEvent() NotificationEvent {
	return NotificationEvent{
		ID:            cast.ToString(r.ID),
		Kind:          parseKind(r.Tipo),
		Message:       r.Mensaje,
		Read:          parseRead(r.Estado),
		CreatedAt:     parseTime(r.FechaEnvio),
		RelatedChatID: cast.ToString(r.ChatID),
		FromUserID:    cast.ToString(r.FromUserID),
	}
}

func parseKind(tipo string) NotificationKind {
	switch strings.ToLower(strings.TrimSpace(tipo)) {
	case "like", "me_gusta":
		return KindLike
	case "match":
		return KindMatch
	case "message", "mensaje":
		return KindMessage
	case "report", "reporte", "denuncia":
		return KindReport
	}
	return KindOther
}

// parseRead accepts the backend's estado as a bool or as a status word.
func parseRead(estado any) bool {
	if s, ok := estado.(string); ok {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "leido", "leida", "read", "visto":
			return true
		case "no_leido", "no_leida", "unread", "nuevo", "pendiente", "":
			return false
		}
	}
	return cast.ToBool(estado)
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05.999999-07:00",
	"2006-01-02 15:04:05",
}

func parseTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
