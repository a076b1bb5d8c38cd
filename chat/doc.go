// Package chat owns the Twitch chat sessions.
//
// A Pool multiplexes any number of channel subscriptions over a growing set of
// IRC connections, each holding at most Capacity channels. New connections are
// brought up with a staggered delay so a reconnect storm does not trip Twitch's
// connection rate limits, and channels added to a connection that is not yet
// open are buffered until a 1s poll sees it open.
//
// Connections are produced by a Dialer; IRCDialer is the go-twitch-irc
// implementation. Every connection delivers its events to one Handler from its
// own reader goroutine, so events of one connection arrive in order.
//
// StartCoverageJob keeps the pool listening on every channel the moderator
// community covers.
package chat
