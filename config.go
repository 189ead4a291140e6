package realtime

import (
	"io"
	"log/slog"
	"net/http"
	"time"
)

const (
	DefaultTimeout                = 30 * time.Second
	DefaultReconnectDelay         = 3 * time.Second
	DefaultReconnectMaxDelay      = 30 * time.Second
	DefaultMaxReconnects          = 10
	DefaultReconcileInterval      = 5 * time.Second
	DefaultEchoTimeout            = 15 * time.Second
	DefaultNotificationDismissTTL = 24 * time.Hour
	DefaultRealtimeBasePath       = "ws"
)

// Config configures the realtime core. Zero values are replaced by defaults.
type Config struct {
	// APIBaseURL is the REST root, e.g. "https://api.unimatch.app".
	APIBaseURL string
	// RealtimeBaseURL is the realtime root; APIBaseURL is used when empty.
	RealtimeBaseURL string
	// Origin is the origin the client is served from, if any.
	Origin           string
	RealtimeBasePath string

	// UserID identifies the viewer.
	UserID string
	Tokens TokenGate

	// ReconnectDelay is the flat delay between reconnect attempts. With
	// ReconnectBackoff it becomes the base of an exponential schedule capped
	// at ReconnectMaxDelay.
	ReconnectDelay       time.Duration
	ReconnectBackoff     bool
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int

	ReconcileInterval time.Duration
	EchoTimeout       time.Duration
	// NotificationDismissTTL is how long a dismissed notification id is
	// remembered so a late re-delivery stays hidden.
	NotificationDismissTTL time.Duration

	HTTPClient *http.Client
	Dialer     Dialer
	Clock      Clock
	Logger     *slog.Logger
}

func (c *Config) defaults() {
	if c.RealtimeBaseURL == "" {
		c.RealtimeBaseURL = c.APIBaseURL
	}
	if c.RealtimeBasePath == "" {
		c.RealtimeBasePath = DefaultRealtimeBasePath
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnects
	}
	if c.ReconcileInterval == 0 {
		c.ReconcileInterval = DefaultReconcileInterval
	}
	if c.EchoTimeout == 0 {
		c.EchoTimeout = DefaultEchoTimeout
	}
	if c.NotificationDismissTTL == 0 {
		c.NotificationDismissTTL = DefaultNotificationDismissTTL
	}
	if c.Tokens == nil {
		c.Tokens = NewStaticToken("")
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: DefaultTimeout}
	}
	if c.Dialer == nil {
		c.Dialer = &WebsocketDialer{}
	}
	if c.Clock == nil {
		c.Clock = SystemClock
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
}

func (c *Config) urlBuilder() URLBuilder {
	return URLBuilder{Base: c.RealtimeBaseURL, Origin: c.Origin, BasePath: c.RealtimeBasePath}
}
