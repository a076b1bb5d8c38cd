package chat

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"
	"golang.org/x/oauth2"

	"github.com/tmsqd/modbot/models"
)

// IRCDialer dials Twitch chat over go-twitch-irc.
type IRCDialer struct {
	Username string
	// Token is a static chat token; TokenSource, when set, is consulted on
	// every (re)connect instead so refreshed tokens are picked up.
	Token       string
	TokenSource oauth2.TokenSource
	// Backoff between reconnect attempts (default 5s).
	Backoff time.Duration
	Logger  *slog.Logger
}

// Dial returns an idle connection; call Connect to start it.
func (d *IRCDialer) Dial(h Handler) Conn {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ircConn{
		d:        d,
		handler:  h,
		logger:   logger.With(slog.String("component", "irc")),
		channels: make(map[string]struct{}),
		botMod:   make(map[string]bool),
	}
}

type ircConn struct {
	d       *IRCDialer
	handler Handler
	logger  *slog.Logger
	state   atomic.Int32

	mu       sync.Mutex
	client   *twitch.Client
	channels map[string]struct{}
	botMod   map[string]bool
	cancel   context.CancelFunc
	closed   bool
}

func (c *ircConn) State() ConnState { return ConnState(c.state.Load()) }

func (c *ircConn) setState(s ConnState) { c.state.Store(int32(s)) }

func (c *ircConn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.cancel != nil {
		c.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	c.setState(StateConnecting)
	go c.run(ctx)
	return nil
}

func (c *ircConn) run(ctx context.Context) {
	backoff := c.d.Backoff
	if backoff <= 0 {
		backoff = 5 * time.Second
	}
	for {
		client, err := c.newClient(ctx)
		if err != nil {
			c.logger.Warn("irc token unavailable", slog.Any("err", err))
		} else {
			c.setState(StateConnecting)
			errc := make(chan error, 1)
			go func() { errc <- client.Connect() }()
			select {
			case <-ctx.Done():
				_ = client.Disconnect()
				c.setState(StateClosed)
				return
			case err := <-errc:
				c.setState(StateDisconnected)
				c.logger.Warn("irc connection dropped", slog.Any("err", err), slog.Duration("retry_in", backoff))
			}
		}
		select {
		case <-ctx.Done():
			c.setState(StateClosed)
			return
		case <-time.After(backoff):
		}
	}
}

func (c *ircConn) newClient(ctx context.Context) (*twitch.Client, error) {
	token := c.d.Token
	if c.d.TokenSource != nil {
		tok, err := c.d.TokenSource.Token()
		if err != nil {
			return nil, err
		}
		token = tok.AccessToken
	}
	if !strings.HasPrefix(token, "oauth:") {
		token = "oauth:" + token
	}
	client := twitch.NewClient(c.d.Username, token)
	client.OnConnect(func() {
		c.setState(StateOpen)
		c.logger.Info("irc connected")
	})
	client.OnPrivateMessage(func(msg twitch.PrivateMessage) {
		if ev, ok := privateMessageEvent(msg, c.d.Username); ok {
			c.handler(ctx, ev)
		}
	})
	client.OnClearChatMessage(func(msg twitch.ClearChatMessage) {
		if ev, ok := clearChatEvent(msg); ok {
			c.handler(ctx, ev)
		}
	})
	client.OnClearMessage(func(msg twitch.ClearMessage) {
		c.handler(ctx, clearMessageEvent(msg))
	})
	client.OnUserStateMessage(func(msg twitch.UserStateMessage) {
		if ev, ok := c.userStateEvent(msg); ok {
			c.handler(ctx, ev)
		}
	})

	c.mu.Lock()
	c.client = client
	chans := make([]string, 0, len(c.channels))
	for ch := range c.channels {
		chans = append(chans, ch)
	}
	c.mu.Unlock()
	if len(chans) > 0 {
		client.Join(chans...)
	}
	return client, nil
}

func (c *ircConn) Join(channel string) error {
	channel = models.NormalizeChannel(channel)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.channels[channel] = struct{}{}
	client := c.client
	c.mu.Unlock()
	if client != nil {
		client.Join(channel)
	}
	return nil
}

func (c *ircConn) Part(channel string) error {
	channel = models.NormalizeChannel(channel)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	delete(c.channels, channel)
	delete(c.botMod, channel)
	client := c.client
	c.mu.Unlock()
	if client != nil {
		client.Depart(channel)
	}
	return nil
}

func (c *ircConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel, client := c.cancel, c.client
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if client != nil {
		_ = client.Disconnect()
	}
	c.setState(StateClosed)
	return nil
}

// userStateEvent reports the bot's moderator status when it changes.
func (c *ircConn) userStateEvent(msg twitch.UserStateMessage) (Event, bool) {
	ch := models.NormalizeChannel(msg.Channel)
	mod := hasModBadge(msg.User.Badges)
	c.mu.Lock()
	prev, seen := c.botMod[ch]
	c.botMod[ch] = mod
	c.mu.Unlock()
	if seen && prev == mod {
		return Event{}, false
	}
	kind := EventUnmod
	if mod {
		kind = EventMod
	}
	return Event{Kind: kind, Channel: ch, UserID: msg.User.ID, Username: msg.User.Name, IsMod: mod, At: time.Now()}, true
}

func privateMessageEvent(msg twitch.PrivateMessage, self string) (Event, bool) {
	if strings.EqualFold(msg.User.Name, self) {
		return Event{}, false
	}
	return Event{
		Kind:        EventMessage,
		Channel:     models.NormalizeChannel(msg.Channel),
		UserID:      msg.User.ID,
		Username:    msg.User.Name,
		DisplayName: msg.User.DisplayName,
		MessageID:   msg.ID,
		Text:        msg.Message,
		Color:       msg.User.Color,
		At:          eventTime(msg.Time),
		IsMod:       hasModBadge(msg.User.Badges),
	}, true
}

// clearChatEvent maps CLEARCHAT to a ban or timeout; a full chat clear has
// no target and is ignored.
func clearChatEvent(msg twitch.ClearChatMessage) (Event, bool) {
	if msg.TargetUserID == "" {
		return Event{}, false
	}
	ev := Event{
		Kind:     EventBan,
		Channel:  models.NormalizeChannel(msg.Channel),
		UserID:   msg.TargetUserID,
		Username: msg.TargetUsername,
		Reason:   msg.Tags["ban-reason"],
		At:       eventTime(msg.Time),
	}
	if msg.BanDuration > 0 {
		ev.Kind = EventTimeout
		ev.Duration = time.Duration(msg.BanDuration) * time.Second
	}
	return ev, true
}

func clearMessageEvent(msg twitch.ClearMessage) Event {
	return Event{
		Kind:      EventMessageDeleted,
		Channel:   models.NormalizeChannel(msg.Channel),
		Username:  msg.Login,
		MessageID: msg.TargetMsgID,
		Text:      msg.Message,
		At:        time.Now(),
	}
}

func hasModBadge(badges map[string]int) bool {
	_, mod := badges["moderator"]
	_, owner := badges["broadcaster"]
	return mod || owner
}

func eventTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
