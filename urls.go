package realtime

import (
	"fmt"
	"net/url"
	"strings"
)

// URLBuilder turns a channel's path segments into an absolute realtime URL.
//
// Base is the configured realtime endpoint. It may be absolute
// ("https://api.unimatch.app", "ws://localhost:8000") or a bare path ("/api")
// when only the serving origin knows the host. Origin is the origin the client
// is served from; when it is https the result is always wss.
type URLBuilder struct {
	Base     string
	Origin   string
	BasePath string
}

// Build returns <ws|wss>://<host>/<base path>/<segments...>/?<query>.
// The trailing slash before the query is always present.
func (b URLBuilder) Build(segments []string, query url.Values) (string, error) {
	if len(segments) == 0 {
		return "", invalidInput("channel segments required")
	}

	base, err := url.Parse(strings.TrimSpace(b.Base))
	if err != nil {
		return "", invalidInput("realtime base %q: %v", b.Base, err)
	}
	var origin *url.URL
	if b.Origin != "" {
		origin, err = url.Parse(b.Origin)
		if err != nil {
			return "", invalidInput("origin %q: %v", b.Origin, err)
		}
	}

	out := &url.URL{}
	switch {
	case base.Host != "":
		out.Scheme = base.Scheme
		out.Host = base.Host
	case origin != nil && origin.Host != "":
		out.Scheme = origin.Scheme
		out.Host = origin.Host
	default:
		return "", invalidInput("cannot resolve realtime host from base %q", b.Base)
	}

	switch out.Scheme {
	case "https", "wss":
		out.Scheme = "wss"
	default:
		out.Scheme = "ws"
	}
	if origin != nil && (origin.Scheme == "https" || origin.Scheme == "wss") {
		out.Scheme = "wss"
	}

	parts := splitPath(base.Path)
	parts = append(parts, splitPath(b.BasePath)...)
	for _, seg := range segments {
		seg = strings.Trim(seg, "/")
		if seg == "" {
			return "", invalidInput("empty channel segment in %v", segments)
		}
		parts = append(parts, url.PathEscape(seg))
	}
	out.RawPath = "/" + strings.Join(parts, "/") + "/"
	out.Path, _ = url.PathUnescape(out.RawPath)
	out.RawQuery = query.Encode()
	return out.String(), nil
}

func splitPath(p string) []string {
	var parts []string
	for _, s := range strings.Split(p, "/") {
		if s != "" {
			parts = append(parts, s)
		}
	}
	return parts
}

// ChannelSpec identifies one realtime channel.
type ChannelSpec struct {
	Key      string
	Segments []string
}

// ChatChannel is the channel of a single conversation.
func ChatChannel(chatID string) ChannelSpec {
	return ChannelSpec{Key: chatID, Segments: []string{"chat", chatID}}
}

// NotificationChannel is the per-user notification feed channel.
func NotificationChannel(userID string) ChannelSpec {
	return ChannelSpec{Key: "notifications:" + userID, Segments: []string{"notifications", userID}}
}

func (c ChannelSpec) String() string {
	return fmt.Sprintf("%s(%s)", c.Key, strings.Join(c.Segments, "/"))
}
