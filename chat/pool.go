package chat

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/tmsqd/modbot/clock"
	"github.com/tmsqd/modbot/models"
	"github.com/tmsqd/modbot/telemetry"
)

// Pool defaults.
const (
	DefaultCapacity       = 20
	DefaultConnectTimeout = 15 * time.Second
	DefaultPollInterval   = time.Second
)

// DefaultDisallowed are names that show up as community role names but are
// not channels to join.
var DefaultDisallowed = []string{"@everyone", "admin", "server booster", "modbot", "ludwig", "tarzaned"}

// PoolConfig configures a Pool. Zero values take the defaults above.
type PoolConfig struct {
	Dialer         Dialer
	Handler        Handler
	Capacity       int
	ConnectTimeout time.Duration
	PollInterval   time.Duration
	Disallowed     []string
	Clock          clock.Clock
	Logger         *slog.Logger
}

// SessionInfo is a snapshot of one session for status reporting.
type SessionInfo struct {
	ID       int      `json:"id"`
	State    string   `json:"state"`
	Open     bool     `json:"open"`
	Channels []string `json:"channels"`
}

type session struct {
	id       int
	conn     Conn
	channels []string
	// open flips once the poll sees the connection open; from then on
	// channels are joined as they are added.
	open  bool
	timer clock.Timer
	// io orders transport joins and parts for this session.
	io sync.Mutex
}

type modKey struct {
	channel string
	userID  string
}

// Pool spreads channel subscriptions over connections of bounded capacity.
type Pool struct {
	ctx    context.Context
	cfg    PoolConfig
	clock  clock.Clock
	logger *slog.Logger

	mu         sync.Mutex
	sessions   []*session
	owner      map[string]*session
	disallowed map[string]struct{}
	suspended  map[string]struct{}
	mods       map[modKey]bool
	botMod     map[string]bool
	closed     bool
}

// NewPool returns an empty pool. Connections are created lazily by Listen and
// live until ctx is done or Close is called.
func NewPool(ctx context.Context, cfg PoolConfig) *Pool {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Disallowed == nil {
		cfg.Disallowed = DefaultDisallowed
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		ctx:        ctx,
		cfg:        cfg,
		clock:      cfg.Clock,
		logger:     logger.With(slog.String("component", "chat_pool")),
		owner:      make(map[string]*session),
		disallowed: make(map[string]struct{}, len(cfg.Disallowed)),
		suspended:  make(map[string]struct{}),
		mods:       make(map[modKey]bool),
		botMod:     make(map[string]bool),
	}
	for _, name := range cfg.Disallowed {
		p.disallowed[models.NormalizeChannel(name)] = struct{}{}
	}
	return p
}

// Listen subscribes to channel. It returns false when the channel is already
// held, disallowed, suspended, empty, or the pool is closed.
func (p *Pool) Listen(channel string) bool {
	ch := models.NormalizeChannel(channel)
	if ch == "" {
		return false
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	if _, ok := p.disallowed[ch]; ok {
		p.mu.Unlock()
		return false
	}
	if _, ok := p.suspended[ch]; ok {
		p.mu.Unlock()
		return false
	}
	if _, ok := p.owner[ch]; ok {
		p.mu.Unlock()
		return false
	}

	var s *session
	for _, cand := range p.sessions {
		if len(cand.channels) < p.cfg.Capacity {
			s = cand
			break
		}
	}
	var delay time.Duration
	created := false
	if s == nil {
		notOpen := 0
		for _, other := range p.sessions {
			if other.conn.State() != StateOpen {
				notOpen++
			}
		}
		delay = p.cfg.ConnectTimeout * time.Duration(notOpen)
		s = &session{id: len(p.sessions), conn: p.cfg.Dialer.Dial(p.dispatch)}
		p.sessions = append(p.sessions, s)
		created = true
	}
	s.channels = append(s.channels, ch)
	p.owner[ch] = s
	joinNow := s.open
	sessions, channels := len(p.sessions), len(p.owner)
	p.mu.Unlock()

	telemetry.SetPoolGauges(sessions, channels)
	if created {
		p.logger.Info("new chat session", slog.Int("session", s.id), slog.Duration("connect_in", delay))
		p.arm(s, delay, func() { p.connect(s) })
	}
	if joinNow {
		p.joinOwned(s, ch)
	}
	return true
}

// Part drops channel from whichever session holds it.
func (p *Pool) Part(channel string) bool {
	ch := models.NormalizeChannel(channel)

	p.mu.Lock()
	s, ok := p.owner[ch]
	if !ok {
		p.mu.Unlock()
		return false
	}
	delete(p.owner, ch)
	for i, c := range s.channels {
		if c == ch {
			s.channels = append(s.channels[:i], s.channels[i+1:]...)
			break
		}
	}
	for k := range p.mods {
		if k.channel == ch {
			delete(p.mods, k)
		}
	}
	delete(p.botMod, ch)
	open, conn := s.open, s.conn
	sessions, channels := len(p.sessions), len(p.owner)
	p.mu.Unlock()

	telemetry.SetPoolGauges(sessions, channels)
	if open {
		s.io.Lock()
		err := conn.Part(ch)
		s.io.Unlock()
		if err != nil {
			p.logger.Warn("part failed", slog.String("channel", ch), slog.Any("err", err))
		}
	}
	return true
}

// Suspend parts channel and makes Listen refuse it until Resume. It reports
// whether the channel was held.
func (p *Pool) Suspend(channel string) bool {
	ch := models.NormalizeChannel(channel)
	if ch == "" {
		return false
	}
	p.mu.Lock()
	p.suspended[ch] = struct{}{}
	p.mu.Unlock()
	return p.Part(ch)
}

// Resume lifts a suspension and listens on channel again.
func (p *Pool) Resume(channel string) bool {
	ch := models.NormalizeChannel(channel)
	p.mu.Lock()
	delete(p.suspended, ch)
	p.mu.Unlock()
	return p.Listen(ch)
}

// Suspended reports whether channel is suspended.
func (p *Pool) Suspended(channel string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.suspended[models.NormalizeChannel(channel)]
	return ok
}

// Has reports whether channel is currently subscribed.
func (p *Pool) Has(channel string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.owner[models.NormalizeChannel(channel)]
	return ok
}

// Sessions returns a snapshot of every session.
func (p *Pool) Sessions() []SessionInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SessionInfo, 0, len(p.sessions))
	for _, s := range p.sessions {
		chans := append([]string(nil), s.channels...)
		sort.Strings(chans)
		out = append(out, SessionInfo{ID: s.id, State: s.conn.State().String(), Open: s.open, Channels: chans})
	}
	return out
}

// IsModerator reports whether userID was last seen with a moderator or
// broadcaster badge in channel.
func (p *Pool) IsModerator(channel, userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mods[modKey{models.NormalizeChannel(channel), userID}]
}

// BotModerates reports whether the bot holds moderator status in channel.
func (p *Pool) BotModerates(channel string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.botMod[models.NormalizeChannel(channel)]
}

// Close stops pending timers and closes every connection.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	sessions := append([]*session(nil), p.sessions...)
	p.mu.Unlock()

	for _, s := range sessions {
		p.mu.Lock()
		t := s.timer
		s.timer = nil
		p.mu.Unlock()
		if t != nil {
			t.Stop()
		}
		if err := s.conn.Close(); err != nil {
			p.logger.Warn("close session", slog.Int("session", s.id), slog.Any("err", err))
		}
	}
}

// arm schedules fn on the session's timer unless the pool is closed.
func (p *Pool) arm(s *session, d time.Duration, fn func()) {
	t := p.clock.AfterFunc(d, fn)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		t.Stop()
		return
	}
	s.timer = t
}

func (p *Pool) connect(s *session) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return
	}
	if err := s.conn.Connect(p.ctx); err != nil {
		p.logger.Warn("session connect failed", slog.Int("session", s.id), slog.Any("err", err))
	}
	p.arm(s, p.cfg.PollInterval, func() { p.poll(s) })
}

// poll waits for the session to open, then flushes its buffered channels.
func (p *Pool) poll(s *session) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	if s.conn.State() != StateOpen {
		p.mu.Unlock()
		p.arm(s, p.cfg.PollInterval, func() { p.poll(s) })
		return
	}
	s.open = true
	s.timer = nil
	pending := append([]string(nil), s.channels...)
	p.mu.Unlock()

	p.logger.Info("chat session open", slog.Int("session", s.id), slog.Int("channels", len(pending)))
	for _, ch := range pending {
		p.joinOwned(s, ch)
	}
}

// joinOwned joins ch on s unless a Part has taken it away in the meantime.
// A Part racing with the join sends its transport part after the join.
func (p *Pool) joinOwned(s *session, ch string) {
	s.io.Lock()
	defer s.io.Unlock()
	p.mu.Lock()
	owned := p.owner[ch] == s
	p.mu.Unlock()
	if !owned {
		return
	}
	if err := s.conn.Join(ch); err != nil {
		p.logger.Warn("join failed", slog.String("channel", ch), slog.Any("err", err))
	}
}

// dispatch records badge state and forwards to the configured handler.
func (p *Pool) dispatch(ctx context.Context, ev Event) {
	switch ev.Kind {
	case EventMessage:
		p.mu.Lock()
		k := modKey{ev.Channel, ev.UserID}
		if ev.IsMod {
			p.mods[k] = true
		} else {
			delete(p.mods, k)
		}
		p.mu.Unlock()
	case EventMod, EventUnmod:
		p.mu.Lock()
		if ev.Kind == EventMod {
			p.botMod[ev.Channel] = true
		} else {
			delete(p.botMod, ev.Channel)
		}
		n := len(p.botMod)
		p.mu.Unlock()
		telemetry.SetModeratedChannels(n)
	}
	if p.cfg.Handler != nil {
		p.cfg.Handler(ctx, ev)
	}
}
