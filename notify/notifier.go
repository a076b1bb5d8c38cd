// Package notify delivers moderation notifications to Discord and routes
// reactions on those notifications back to the code that posted them.
package notify

import (
	"context"
	"time"
)

// Embed colors.
const (
	ColorBan      = 0xe83b3b
	ColorAbuse    = 0x8c1212
	ColorCrossban = 0x772ce8
)

// Reaction emoji used as affordances.
const (
	EmojiCrossban = "❌"
	EmojiUndo     = "↩️"
)

// Notifier is the messaging surface the router and crossban workflow use.
type Notifier interface {
	// SendDirect messages a user privately and returns the message id.
	SendDirect(ctx context.Context, userID string, p Payload) (string, error)
	// SendToChannel posts to a channel and returns the message id.
	SendToChannel(ctx context.Context, channelID string, p Payload) (string, error)
	// OnReaction registers h for emoji reactions on messageID. An empty
	// messageID matches reactions on any message.
	OnReaction(messageID, emoji string, h ReactionHandler)
}

// Payload is one message. Reactions are added by the bot after posting.
type Payload struct {
	Content   string   `json:"content,omitempty"`
	Embeds    []Embed  `json:"embeds,omitempty"`
	Reactions []string `json:"-"`
}

// Embed is a Discord rich embed.
type Embed struct {
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	URL         string       `json:"url,omitempty"`
	Color       int          `json:"color,omitempty"`
	Timestamp   *time.Time   `json:"timestamp,omitempty"`
	Author      *EmbedAuthor `json:"author,omitempty"`
	Footer      *EmbedFooter `json:"footer,omitempty"`
	Fields      []EmbedField `json:"fields,omitempty"`
}

// EmbedAuthor is the line above the title.
type EmbedAuthor struct {
	Name    string `json:"name"`
	URL     string `json:"url,omitempty"`
	IconURL string `json:"icon_url,omitempty"`
}

// EmbedFooter is the small line at the bottom of an embed.
type EmbedFooter struct {
	Text string `json:"text"`
}

// EmbedField is one titled block.
type EmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// AddField appends a field and returns e for chaining.
func (e *Embed) AddField(name, value string, inline bool) *Embed {
	e.Fields = append(e.Fields, EmbedField{Name: name, Value: value, Inline: inline})
	return e
}

// Reaction is a user adding an emoji to a message.
type Reaction struct {
	MessageID string
	ChannelID string
	GuildID   string
	UserID    string
	Emoji     string
}

// ReactionHandler handles one reaction.
type ReactionHandler func(ctx context.Context, r Reaction)

// Message is an incoming chat message, used for moderator replies.
type Message struct {
	ID        string
	ChannelID string
	GuildID   string
	AuthorID  string
	AuthorBot bool
	Content   string
	// ReferenceID is the id of the message this one replies to.
	ReferenceID string
}
