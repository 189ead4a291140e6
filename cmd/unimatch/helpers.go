package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	realtime "github.com/unimatch/realtime-go"
)

// newCore builds a realtime core from the stored configuration.
func newCore() (*realtime.Core, *Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Auth.Token == "" {
		return nil, nil, fmt.Errorf("no token configured; run 'unimatch config set auth.token <token>' first")
	}
	if cfg.Default.BaseURL == "" {
		return nil, nil, fmt.Errorf("no base URL configured; run 'unimatch config set default.base_url <url>' first")
	}

	eff := resolveConfig(cfg)
	tokens := realtime.NewStaticToken(cfg.Auth.Token)
	tokens.OnInvalidate = func(reason error) {
		fmt.Fprintf(os.Stderr, "Session rejected by server (%v). Update auth.token and retry.\n", reason)
	}

	core, err := realtime.New(realtime.Config{
		APIBaseURL:      cfg.Default.BaseURL,
		RealtimeBaseURL: eff.Default.RealtimeURL,
		Origin:          cfg.Default.Origin,
		UserID:          cfg.Auth.UserID,
		Tokens:          tokens,
		Logger:          realtime.NewLogger(eff.Default.Environment, os.Stderr, parseLevel(cfg.Default.LogLevel)),
	})
	if err != nil {
		return nil, nil, err
	}
	return core, cfg, nil
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return slog.LevelWarn
	}
	return level
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func formatMessage(m realtime.Message) string {
	who := "them"
	if m.SenderIsSelf {
		who = "me"
	}
	ts := "--:--"
	if !m.SentAt.IsZero() {
		ts = m.SentAt.Local().Format("2006-01-02 15:04")
	}
	return fmt.Sprintf("[%s] %-4s %s (%s)", ts, who, m.Content, m.State)
}

func formatEvent(ev realtime.NotificationEvent) string {
	mark := "*"
	if ev.Read {
		mark = " "
	}
	return fmt.Sprintf("%s %-6s %-8s %s", mark, ev.ID, ev.Kind, ev.Message)
}

// maskKey shows the first 6 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:6] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
