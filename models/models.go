// Package models holds the records shared by the store, the event router and
// the crossban workflow. Optional columns are plain zero values: an empty
// string means "not set".
package models

import (
	"strings"
	"time"
)

// NormalizeChannel lower-cases a channel login and strips the IRC '#' prefix.
func NormalizeChannel(name string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(name), "#"))
}

// ChatMessage is one logged chat line.
type ChatMessage struct {
	ID          string
	Channel     string
	UserID      string
	Login       string
	DisplayName string
	Color       string
	Text        string
	SentAt      time.Time
	Deleted     bool
}

// BanRecord is a ban observed in a channel.
type BanRecord struct {
	ID         int64
	Channel    string
	StreamerID string
	UserID     string
	Username   string
	Reason     string
	BannedAt   time.Time
	// NotificationID is the id of the message posted about this ban, set once
	// the notification is delivered.
	NotificationID string
	Active         bool
}

// TimeoutRecord is a timeout observed in a channel.
type TimeoutRecord struct {
	ID             int64
	Channel        string
	StreamerID     string
	UserID         string
	Username       string
	Reason         string
	Duration       time.Duration
	TimedOutAt     time.Time
	NotificationID string
	Active         bool
}

// Restriction is an active ban or timeout as loaded into the tracker.
type Restriction struct {
	Channel  string
	UserID   string
	Username string
	Duration time.Duration
}

// ChannelActivity is the last time a user chatted in a channel.
type ChannelActivity struct {
	Channel    string
	LastActive time.Time
}

// Moderator is a community member linked to both a Discord and a Twitch account.
type Moderator struct {
	ID          int64
	DiscordID   string
	TwitchID    string
	DisplayName string
}

// CrossbanState is derived from a proposal row: rows are deleted on cancel.
type CrossbanState string

const (
	CrossbanProposed  CrossbanState = "proposed"
	CrossbanFulfilled CrossbanState = "fulfilled"
)

// CrossbanProposal is one pending (or fulfilled) ban of UserID in Channel.
type CrossbanProposal struct {
	ID int64
	// BatchID groups the rows created by one proposal.
	BatchID       string
	Username      string
	UserID        string
	Channel       string
	OriginChannel string
	ModeratorID   int64
	Fulfilled     bool
	// AlertMessageID keys group cancellation; empty until the confirmation is delivered.
	AlertMessageID string
	CreatedAt      time.Time
	FulfilledAt    time.Time
}

// State reports where the proposal is in its lifecycle.
func (p CrossbanProposal) State() CrossbanState {
	if p.Fulfilled {
		return CrossbanFulfilled
	}
	return CrossbanProposed
}

// Profile is a cached Twitch user profile.
type Profile struct {
	ID              string    `json:"id"`
	Login           string    `json:"login"`
	DisplayName     string    `json:"display_name"`
	ProfileImageURL string    `json:"profile_image_url"`
	OfflineImageURL string    `json:"offline_image_url"`
	Description     string    `json:"description"`
	BroadcasterType string    `json:"broadcaster_type"`
	ViewCount       int64     `json:"view_count"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Comment is a moderator's reply to a ban notification.
type Comment struct {
	ID             int64
	ModeratorID    int64
	TargetUserID   string
	TargetUsername string
	BanID          int64
	MessageID      string
	Body           string
	CreatedAt      time.Time
}
