package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultGatewayURL is the Discord gateway endpoint.
const DefaultGatewayURL = "wss://gateway.discord.gg/?v=10&encoding=json"

// Gateway intents.
const (
	IntentGuilds                 = 1 << 0
	IntentGuildMessages          = 1 << 9
	IntentGuildMessageReactions  = 1 << 10
	IntentDirectMessages         = 1 << 12
	IntentDirectMessageReactions = 1 << 13
	IntentMessageContent         = 1 << 15

	DefaultIntents = IntentGuilds | IntentGuildMessages | IntentGuildMessageReactions |
		IntentDirectMessages | IntentDirectMessageReactions | IntentMessageContent
)

const (
	opDispatch       = 0
	opHeartbeat      = 1
	opIdentify       = 2
	opReconnect      = 7
	opInvalidSession = 9
	opHello          = 10
	opHeartbeatAck   = 11
)

var errReconnect = errors.New("gateway asked to reconnect")

type frame struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d"`
	S  *int64          `json:"s,omitempty"`
	T  string          `json:"t,omitempty"`
}

// Gateway keeps a websocket session to Discord and feeds reactions into
// Registry and messages into OnMessage.
type Gateway struct {
	Token    string
	URL      string
	Intents  int
	Registry *Registry
	// OnMessage receives every non-bot message; nil ignores messages.
	OnMessage func(ctx context.Context, m Message)
	Backoff   time.Duration
	Dialer    *websocket.Dialer
	Logger    *slog.Logger

	mu      sync.Mutex
	selfID  string
	writeMu sync.Mutex
}

// SelfID returns the bot's user id once READY has been received.
func (g *Gateway) SelfID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.selfID
}

func (g *Gateway) logger() *slog.Logger {
	if g.Logger != nil {
		return g.Logger
	}
	return slog.Default().With(slog.String("component", "discord_gateway"))
}

// Run connects and reconnects until ctx is done.
func (g *Gateway) Run(ctx context.Context) error {
	backoff := g.Backoff
	if backoff <= 0 {
		backoff = 5 * time.Second
	}
	for {
		err := g.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, errReconnect) {
			g.logger().Info("gateway reconnecting")
		} else {
			g.logger().Warn("gateway session ended", slog.Any("err", err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
	}
}

func (g *Gateway) session(ctx context.Context) error {
	dialer := g.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	u := g.URL
	if u == "" {
		u = DefaultGatewayURL
	}
	conn, resp, err := dialer.DialContext(ctx, u, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dial gateway: %w", err)
	}
	defer func() { _ = conn.Close() }()

	var hello frame
	if err := conn.ReadJSON(&hello); err != nil {
		return fmt.Errorf("read hello: %w", err)
	}
	if hello.Op != opHello {
		return fmt.Errorf("expected hello, got op %d", hello.Op)
	}
	var h struct {
		HeartbeatInterval int64 `json:"heartbeat_interval"`
	}
	if err := json.Unmarshal(hello.D, &h); err != nil || h.HeartbeatInterval <= 0 {
		return fmt.Errorf("bad hello payload: %s", hello.D)
	}

	intents := g.Intents
	if intents == 0 {
		intents = DefaultIntents
	}
	if err := g.send(conn, opIdentify, map[string]any{
		"token":   g.Token,
		"intents": intents,
		"properties": map[string]string{
			"os":      runtime.GOOS,
			"browser": "modbot",
			"device":  "modbot",
		},
	}); err != nil {
		return fmt.Errorf("identify: %w", err)
	}

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var seq sessionSeq
	go g.heartbeat(sctx, conn, time.Duration(h.HeartbeatInterval)*time.Millisecond, &seq)
	go func() {
		<-sctx.Done()
		_ = conn.Close()
	}()

	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			if sctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		if f.S != nil {
			seq.set(*f.S)
		}
		switch f.Op {
		case opDispatch:
			g.dispatch(ctx, f)
		case opHeartbeat:
			if err := g.send(conn, opHeartbeat, seq.get()); err != nil {
				return err
			}
		case opReconnect, opInvalidSession:
			return errReconnect
		case opHeartbeatAck:
		}
	}
}

type sessionSeq struct {
	mu  sync.Mutex
	seq *int64
}

func (s *sessionSeq) set(v int64) {
	s.mu.Lock()
	s.seq = &v
	s.mu.Unlock()
}

func (s *sessionSeq) get() *int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

func (g *Gateway) send(conn *websocket.Conn, op int, d any) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return err
	}
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(frame{Op: op, D: raw})
}

func (g *Gateway) heartbeat(ctx context.Context, conn *websocket.Conn, interval time.Duration, seq *sessionSeq) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := g.send(conn, opHeartbeat, seq.get()); err != nil {
				g.logger().Warn("heartbeat failed", slog.Any("err", err))
				_ = conn.Close()
				return
			}
		}
	}
}

type readyEvent struct {
	User struct {
		ID string `json:"id"`
	} `json:"user"`
}

type reactionEvent struct {
	UserID    string `json:"user_id"`
	ChannelID string `json:"channel_id"`
	MessageID string `json:"message_id"`
	GuildID   string `json:"guild_id"`
	Emoji     struct {
		Name string `json:"name"`
	} `json:"emoji"`
}

type messageEvent struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	GuildID   string `json:"guild_id"`
	Content   string `json:"content"`
	Author    struct {
		ID  string `json:"id"`
		Bot bool   `json:"bot"`
	} `json:"author"`
	MessageReference *struct {
		MessageID string `json:"message_id"`
	} `json:"message_reference"`
}

func (g *Gateway) dispatch(ctx context.Context, f frame) {
	switch f.T {
	case "READY":
		var r readyEvent
		if err := json.Unmarshal(f.D, &r); err != nil {
			g.logger().Warn("bad READY payload", slog.Any("err", err))
			return
		}
		g.mu.Lock()
		g.selfID = r.User.ID
		g.mu.Unlock()
		g.logger().Info("discord gateway ready", slog.String("user_id", r.User.ID))
	case "MESSAGE_REACTION_ADD":
		var r reactionEvent
		if err := json.Unmarshal(f.D, &r); err != nil {
			return
		}
		if r.UserID == g.SelfID() || g.Registry == nil {
			return
		}
		rc := Reaction{MessageID: r.MessageID, ChannelID: r.ChannelID, GuildID: r.GuildID, UserID: r.UserID, Emoji: r.Emoji.Name}
		go g.Registry.Dispatch(ctx, rc)
	case "MESSAGE_CREATE":
		var m messageEvent
		if err := json.Unmarshal(f.D, &m); err != nil || g.OnMessage == nil || m.Author.Bot {
			return
		}
		msg := Message{ID: m.ID, ChannelID: m.ChannelID, GuildID: m.GuildID, AuthorID: m.Author.ID, AuthorBot: m.Author.Bot, Content: m.Content}
		if m.MessageReference != nil {
			msg.ReferenceID = m.MessageReference.MessageID
		}
		go g.OnMessage(ctx, msg)
	}
}
