package twitchapi

import (
	"context"
	"fmt"
	"sync"
)

// ChannelResolver maps a channel login to its broadcaster id.
type ChannelResolver interface {
	BroadcasterID(ctx context.Context, channel string) (string, error)
}

// Banner bans users by channel name as the bot account.
type Banner struct {
	Helix    *HelixClient
	Channels ChannelResolver

	mu    sync.Mutex
	botID string
}

// BanUser bans userID in channel. The bot must moderate channel.
func (b *Banner) BanUser(ctx context.Context, channel, userID, reason string) error {
	broadcasterID, err := b.broadcasterID(ctx, channel)
	if err != nil {
		return fmt.Errorf("resolve channel %s: %w", channel, err)
	}
	botID, err := b.moderatorID(ctx)
	if err != nil {
		return fmt.Errorf("resolve bot user: %w", err)
	}
	if err := b.Helix.BanUser(ctx, broadcasterID, botID, userID, reason); err != nil {
		return fmt.Errorf("ban %s in %s: %w", userID, channel, err)
	}
	return nil
}

func (b *Banner) broadcasterID(ctx context.Context, channel string) (string, error) {
	if b.Channels != nil {
		return b.Channels.BroadcasterID(ctx, channel)
	}
	u, err := b.Helix.UserByLogin(ctx, channel)
	if err != nil {
		return "", err
	}
	return u.ID, nil
}

func (b *Banner) moderatorID(ctx context.Context) (string, error) {
	b.mu.Lock()
	id := b.botID
	b.mu.Unlock()
	if id != "" {
		return id, nil
	}
	u, err := b.Helix.TokenUser(ctx)
	if err != nil {
		return "", err
	}
	b.mu.Lock()
	b.botID = u.ID
	b.mu.Unlock()
	return u.ID, nil
}
