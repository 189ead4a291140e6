package realtime

import (
	"strings"
)

// Core wires the realtime components around one REST client and one
// connection supervisor.
type Core struct {
	API           *Client
	Supervisor    *Supervisor
	Gate          *ConversationGate
	History       *HistoryReconciler
	Messenger     *Messenger
	Notifications *NotificationFeed
}

// New builds a Core from cfg.
func New(cfg Config) (*Core, error) {
	if strings.TrimSpace(cfg.APIBaseURL) == "" {
		return nil, invalidInput("api base url is required")
	}
	if strings.TrimSpace(cfg.UserID) == "" {
		return nil, invalidInput("user id is required")
	}
	cfg.defaults()
	if _, err := cfg.urlBuilder().Build([]string{"probe"}, nil); err != nil {
		return nil, err
	}

	api := NewClient(cfg.APIBaseURL, cfg.Tokens, cfg.HTTPClient, cfg.Logger)
	sup := NewSupervisor(cfg)
	store := newConversationStore()
	history := newHistoryReconciler(api, store, cfg.UserID, cfg.Logger)
	gate := newConversationGate(api, store, history, cfg.UserID, cfg.Logger)

	return &Core{
		API:           api,
		Supervisor:    sup,
		Gate:          gate,
		History:       history,
		Messenger:     newMessenger(cfg, api, sup, gate, history, store),
		Notifications: newNotificationFeed(cfg, api, sup),
	}, nil
}

// Close closes every conversation and channel.
func (c *Core) Close() {
	c.Messenger.CloseAll()
	c.Notifications.Disconnect()
	c.Supervisor.Close()
}
