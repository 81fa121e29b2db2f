package eventsource

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// TokenSource supplies the opaque tokens the endpoint expects. They are transmitted
// as-is and never inspected.
type TokenSource interface {
	ConnectionToken(ctx context.Context) (string, error)
	SubscriptionToken(ctx context.Context, channel string) (string, error)
}

// StaticTokens serves tokens fixed in configuration.
type StaticTokens struct {
	Connection string
	Channels   map[string]string
}

func (s StaticTokens) ConnectionToken(context.Context) (string, error) {
	if s.Connection == "" {
		return "", fmt.Errorf("no connection token configured")
	}
	return s.Connection, nil
}

func (s StaticTokens) SubscriptionToken(_ context.Context, channel string) (string, error) {
	tok, ok := s.Channels[channel]
	if !ok {
		return "", fmt.Errorf("no subscription token for channel %q", channel)
	}
	return tok, nil
}

// ChannelNames returns the configured channels in a stable order.
func (s StaticTokens) ChannelNames() []string {
	names := make([]string, 0, len(s.Channels))
	for name := range s.Channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ParseChannels reads "channel=token,channel2=token2". Channel names may contain ':'
// and '$' but not '=' or ','.
func ParseChannels(raw string) (map[string]string, error) {
	out := make(map[string]string)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		channel, token, ok := strings.Cut(part, "=")
		channel = strings.TrimSpace(channel)
		if !ok || channel == "" {
			return nil, fmt.Errorf("channel binding %q: expected channel=token", part)
		}
		out[channel] = strings.TrimSpace(token)
	}
	return out, nil
}
