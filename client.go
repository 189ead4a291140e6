// Package realtime is the realtime delivery core of the Unimatch client: it
// keeps chat conversations and the notification feed in sync across a
// WebSocket push channel, REST history fetches and periodic reconciliation.
//
// Example:
//
//	core, _ := realtime.New(realtime.Config{
//		APIBaseURL: "https://api.unimatch.app",
//		UserID:     "42",
//		Tokens:     realtime.NewStaticToken(jwt),
//	})
//	defer core.Close()
//
//	core.Messenger.Open(ctx, "17")
//	core.Messenger.Send(ctx, "17", "hola!")
//	core.Notifications.Subscribe(func(u realtime.FeedUpdate) { ... })
//	core.Notifications.Connect(ctx)
package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the REST backend with the bearer credential from a TokenGate.
type Client struct {
	baseURL    string
	tokens     TokenGate
	httpClient *http.Client
	log        *slog.Logger
}

// NewClient creates a REST client rooted at baseURL.
func NewClient(baseURL string, tokens TokenGate, httpClient *http.Client, log *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		tokens:     tokens,
		httpClient: httpClient,
		log:        log,
	}
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body any) ([]byte, error) {
	token, err := c.tokens.CurrentToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthRequired, err)
	}
	if token == "" {
		return nil, ErrAuthRequired
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, invalidInput("failed to create request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, transient(method+" "+path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transient(method+" "+path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := decodeAPIError(resp.StatusCode, data)
		c.log.Debug("request rejected", "method", method, "path", path, "status", resp.StatusCode, "err", apiErr)
		if resp.StatusCode == http.StatusUnauthorized {
			c.tokens.Invalidate(apiErr)
		}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests {
			return nil, fmt.Errorf("%w: %w", ErrTransientNetwork, apiErr)
		}
		return nil, apiErr
	}
	return data, nil
}

// decodeAPIError extracts the server message from the common Django/DRF error
// shapes, falling back to the status text.
func decodeAPIError(status int, data []byte) *APIError {
	apiErr := &APIError{Status: status}
	var body struct {
		Detail  string `json:"detail"`
		Error   string `json:"error"`
		Message string `json:"message"`
		Code    string `json:"code"`
	}
	if json.Unmarshal(data, &body) == nil {
		apiErr.Code = body.Code
		for _, m := range []string{body.Detail, body.Error, body.Message} {
			if m != "" {
				apiErr.Message = m
				break
			}
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	return apiErr
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

func chatPath(chatID, action string) string {
	p := "/chat/" + url.PathEscape(chatID) + "/"
	if action != "" {
		p += action + "/"
	}
	return p
}

func notificationPath(id, action string) string {
	p := "/api/notifications/" + url.PathEscape(id) + "/"
	if action != "" {
		p += action + "/"
	}
	return p
}

// ============================================================================
// Chat API
// ============================================================================

// History returns the authoritative message list of a chat.
func (c *Client) History(ctx context.Context, chatID string) ([]MessageRecord, error) {
	data, err := c.doRequest(ctx, http.MethodGet, chatPath(chatID, "mensajes"), nil)
	if err != nil {
		return nil, err
	}
	records, err := decodeJSON[[]MessageRecord](data)
	if err != nil {
		return nil, err
	}
	return *records, nil
}

// SendMessage submits a message over REST and returns the stored record.
func (c *Client) SendMessage(ctx context.Context, chatID, content string) (*MessageRecord, error) {
	data, err := c.doRequest(ctx, http.MethodPost, chatPath(chatID, "enviar"), map[string]string{"content": content})
	if err != nil {
		return nil, err
	}
	return decodeJSON[MessageRecord](data)
}

// ClearChat empties the chat history on the server.
func (c *Client) ClearChat(ctx context.Context, chatID string) error {
	_, err := c.doRequest(ctx, http.MethodPost, chatPath(chatID, "vaciar"), nil)
	return err
}

// Session fetches the chat's gate state.
func (c *Client) Session(ctx context.Context, chatID string) (*ChatSession, error) {
	data, err := c.doRequest(ctx, http.MethodGet, chatPath(chatID, ""), nil)
	if err != nil {
		return nil, err
	}
	rec, err := decodeJSON[sessionRecord](data)
	if err != nil {
		return nil, err
	}
	s := rec.toSession()
	if s.ID == "" {
		s.ID = chatID
	}
	return &s, nil
}

// BlockChat blocks the chat's counterpart.
func (c *Client) BlockChat(ctx context.Context, chatID string) error {
	_, err := c.doRequest(ctx, http.MethodPost, chatPath(chatID, "bloquear"), nil)
	return err
}

// UnblockChat lifts a block placed by the viewer.
func (c *Client) UnblockChat(ctx context.Context, chatID string) error {
	_, err := c.doRequest(ctx, http.MethodPost, chatPath(chatID, "desbloquear"), nil)
	return err
}

// ============================================================================
// Notifications API
// ============================================================================

// Notifications lists the viewer's notifications.
func (c *Client) Notifications(ctx context.Context) ([]NotificationEvent, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/api/notifications/", nil)
	if err != nil {
		return nil, err
	}
	records, err := decodeNotificationList(data)
	if err != nil {
		return nil, err
	}
	events := make([]NotificationEvent, 0, len(records))
	for _, r := range records {
		events = append(events, r.toEvent())
	}
	return events, nil
}

// decodeNotificationList accepts a bare array or a paginated {"results": [...]}.
func decodeNotificationList(data []byte) ([]notificationRecord, error) {
	var list []notificationRecord
	if err := json.Unmarshal(data, &list); err == nil {
		return list, nil
	}
	var page struct {
		Results []notificationRecord `json:"results"`
	}
	if err := json.Unmarshal(data, &page); err != nil {
		return nil, fmt.Errorf("failed to unmarshal notifications: %w", err)
	}
	return page.Results, nil
}

// MarkNotificationRead marks one notification as read.
func (c *Client) MarkNotificationRead(ctx context.Context, id string) error {
	_, err := c.doRequest(ctx, http.MethodPost, notificationPath(id, "mark_read"), nil)
	return err
}

// MarkAllNotificationsRead marks every notification as read.
func (c *Client) MarkAllNotificationsRead(ctx context.Context) error {
	_, err := c.doRequest(ctx, http.MethodPost, "/api/notifications/mark_all_read/", nil)
	return err
}

// DismissNotification deletes one notification.
func (c *Client) DismissNotification(ctx context.Context, id string) error {
	_, err := c.doRequest(ctx, http.MethodDelete, notificationPath(id, ""), nil)
	return err
}

func isAuthError(err error) bool {
	return errors.Is(err, ErrAuthRejected) || errors.Is(err, ErrAuthRequired)
}
