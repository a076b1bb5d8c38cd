package chat

import (
	"context"
	"time"
)

// EventKind classifies an incoming chat event.
type EventKind string

const (
	EventMessage        EventKind = "message"
	EventMessageDeleted EventKind = "message_deleted"
	EventBan            EventKind = "ban"
	EventTimeout        EventKind = "timeout"
	// EventMod and EventUnmod report the bot gaining or losing moderator
	// status in Channel.
	EventMod   EventKind = "mod"
	EventUnmod EventKind = "unmod"
)

// Event is one chat occurrence. Fields not meaningful for a kind are zero.
type Event struct {
	Kind        EventKind
	Channel     string
	UserID      string
	Username    string
	DisplayName string
	// MessageID is the chat message id for EventMessage and the deleted
	// message's id for EventMessageDeleted.
	MessageID string
	Text      string
	Color     string
	Reason    string
	Duration  time.Duration
	At        time.Time
	// IsMod reports whether the sender carries a moderator or broadcaster badge.
	IsMod bool
}

// Handler consumes events. It is called from the connection's reader
// goroutine and must not block for long.
type Handler func(ctx context.Context, ev Event)
