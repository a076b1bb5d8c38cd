package router

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tmsqd/modbot/chat"
	"github.com/tmsqd/modbot/clock"
	"github.com/tmsqd/modbot/models"
	"github.com/tmsqd/modbot/moderation"
	"github.com/tmsqd/modbot/notify"
	"github.com/tmsqd/modbot/profile"
	"github.com/tmsqd/modbot/store"
)

type fakeStore struct {
	mu            sync.Mutex
	messages      map[string]models.ChatMessage
	bans          []models.BanRecord
	timeouts      []models.TimeoutRecord
	deactivated   []string
	notifications map[int64]string
	recent        []models.ChatMessage
	activity      []models.ChannelActivity
	bannedIn      []string
	moderators    map[string]models.Moderator
	comments      []models.Comment
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		messages:      map[string]models.ChatMessage{},
		notifications: map[int64]string{},
		moderators:    map[string]models.Moderator{},
	}
}

func (s *fakeStore) InsertChatMessage(_ context.Context, m models.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[m.ID] = m
	return nil
}

func (s *fakeStore) MarkMessageDeleted(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.messages[id]; ok {
		m.Deleted = true
		s.messages[id] = m
	}
	return nil
}

func (s *fakeStore) InsertBan(_ context.Context, b models.BanRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b.ID = int64(len(s.bans) + 1)
	s.bans = append(s.bans, b)
	return b.ID, nil
}

func (s *fakeStore) InsertTimeout(_ context.Context, t models.TimeoutRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.ID = int64(len(s.timeouts) + 1)
	s.timeouts = append(s.timeouts, t)
	return t.ID, nil
}

func (s *fakeStore) AttachBanNotification(_ context.Context, banID int64, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications[banID] = id
	return nil
}

func (s *fakeStore) RecentChat(context.Context, string, string, int) ([]models.ChatMessage, error) {
	return s.recent, nil
}

func (s *fakeStore) ChannelActivity(context.Context, string, int) ([]models.ChannelActivity, error) {
	return s.activity, nil
}

func (s *fakeStore) ActiveBanChannels(context.Context, string) ([]string, error) {
	return s.bannedIn, nil
}

func (s *fakeStore) BanByNotification(_ context.Context, id string) (models.BanRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for banID, n := range s.notifications {
		if n == id {
			return s.bans[banID-1], nil
		}
	}
	return models.BanRecord{}, store.ErrNotFound
}

func (s *fakeStore) ModeratorByDiscordID(_ context.Context, id string) (models.Moderator, error) {
	if m, ok := s.moderators[id]; ok {
		return m, nil
	}
	return models.Moderator{}, store.ErrNotFound
}

func (s *fakeStore) InsertComment(_ context.Context, c models.Comment) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.comments = append(s.comments, c)
	return int64(len(s.comments)), nil
}

// moderation.Store
func (s *fakeStore) ActiveBans(context.Context) ([]models.Restriction, error) { return nil, nil }
func (s *fakeStore) ActiveTimeouts(context.Context) ([]models.Restriction, error) { return nil, nil }
func (s *fakeStore) DeactivateBans(_ context.Context, ch, uid string) error {
	s.deactivated = append(s.deactivated, "ban:"+ch+"/"+uid)
	return nil
}
func (s *fakeStore) DeactivateTimeouts(_ context.Context, ch, uid string) error {
	s.deactivated = append(s.deactivated, "timeout:"+ch+"/"+uid)
	return nil
}

type fakeNotifier struct {
	mu        sync.Mutex
	sent      []notify.Payload
	reactions map[string]notify.ReactionHandler
}

func (n *fakeNotifier) SendDirect(_ context.Context, _ string, p notify.Payload) (string, error) {
	return n.SendToChannel(context.Background(), "", p)
}

func (n *fakeNotifier) SendToChannel(_ context.Context, _ string, p notify.Payload) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, p)
	return "msg-" + string(rune('0'+len(n.sent))), nil
}

func (n *fakeNotifier) OnReaction(messageID, emoji string, h notify.ReactionHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.reactions == nil {
		n.reactions = map[string]notify.ReactionHandler{}
	}
	n.reactions[messageID+emoji] = h
}

type fakeChannels struct {
	mu        sync.Mutex
	suspended []string
	resumed   []string
}

func (c *fakeChannels) Suspend(ch string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.suspended = append(c.suspended, ch)
	return true
}

func (c *fakeChannels) Resume(ch string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resumed = append(c.resumed, ch)
	return true
}

// idleConn is a chat connection that never opens.
type idleConn struct{}

func (idleConn) Connect(context.Context) error { return nil }
func (idleConn) Join(string) error             { return nil }
func (idleConn) Part(string) error             { return nil }
func (idleConn) State() chat.ConnState         { return chat.StateConnecting }
func (idleConn) Close() error                  { return nil }

type fakeProfiles map[string]models.Profile

func (p fakeProfiles) ByLogin(_ context.Context, login string) (models.Profile, error) {
	if prof, ok := p[login]; ok {
		return prof, nil
	}
	return models.Profile{}, profile.ErrUnknown
}

type harness struct {
	router   *Router
	store    *fakeStore
	tracker  *moderation.Tracker
	notifier *fakeNotifier
	channels *fakeChannels
	clock    *clock.Fake
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := newFakeStore()
	h := &harness{
		store:    st,
		tracker:  moderation.NewTracker(st, nil),
		notifier: &fakeNotifier{},
		channels: &fakeChannels{},
		clock:    clock.NewFake(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)),
	}
	h.router = New(Config{
		Store:        st,
		Tracker:      h.tracker,
		Channels:     h.channels,
		Profiles:     fakeProfiles{"streamer": {ID: "100", Login: "streamer", DisplayName: "Streamer"}},
		Notifier:     h.notifier,
		BanChannelID: "bans",
		Clock:        h.clock,
	})
	t.Cleanup(h.router.Close)
	return h
}

func banEvent(n int, at time.Time) chat.Event {
	uid := fmt.Sprintf("u%d", n)
	return chat.Event{Kind: chat.EventBan, Channel: "#Streamer", UserID: uid, Username: "user" + uid, At: at}
}

func TestBanBurstDepartsOnceAndPersistsThirty(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	now := h.clock.Now()

	for i := 0; i < 65; i++ {
		h.router.Handle(ctx, banEvent(i, now.Add(time.Duration(i)*100*time.Millisecond)))
	}

	assert.Len(t, h.store.bans, 30)
	assert.Equal(t, []string{"streamer"}, h.channels.suspended)

	// 5 ban notifications plus one abuse alert.
	require.Len(t, h.notifier.sent, 6)
	alerts := 0
	for _, p := range h.notifier.sent {
		if p.Embeds[0].Title == "Bot Action Detected" {
			alerts++
			assert.Contains(t, p.Embeds[0].Description, "`61` bans")
		}
	}
	assert.Equal(t, 1, alerts)
	assert.Equal(t, []string{"streamer"}, h.router.PendingRejoins())

	h.clock.Advance(14 * time.Minute)
	assert.Empty(t, h.channels.resumed)
	h.clock.Advance(time.Minute)
	assert.Equal(t, []string{"streamer"}, h.channels.resumed)
	assert.Empty(t, h.router.PendingRejoins())
}

func TestBanWindowExpires(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	t0 := h.clock.Now()

	for i := 0; i < 40; i++ {
		h.router.Handle(ctx, banEvent(i, t0))
	}
	require.Len(t, h.store.bans, 30)
	h.clock.Advance(61 * time.Second)
	h.router.Handle(ctx, banEvent(99, h.clock.Now()))
	assert.Len(t, h.store.bans, 31)
	assert.Empty(t, h.channels.suspended)
}

func TestBanWindowUsesReceiptTime(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	// Server timestamps spread over an hour still arrive within one minute.
	stamp := h.clock.Now().Add(-time.Hour)
	for i := 0; i < 61; i++ {
		h.router.Handle(ctx, banEvent(i, stamp.Add(time.Duration(i)*time.Minute)))
	}
	assert.Len(t, h.store.bans, 30)
	assert.Equal(t, []string{"streamer"}, h.channels.suspended)
}

func TestFloodedChannelStaysPartedThroughCoverageRefresh(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	pool := chat.NewPool(ctx, chat.PoolConfig{
		Dialer: chat.DialerFunc(func(chat.Handler) chat.Conn { return idleConn{} }),
		Clock:  clk,
	})
	t.Cleanup(pool.Close)
	rtr := New(Config{
		Store:    newFakeStore(),
		Channels: pool,
		Profiles: fakeProfiles{"streamer": {ID: "100", Login: "streamer"}},
		Clock:    clk,
	})
	t.Cleanup(rtr.Close)
	coverage := chat.ChannelSourceFunc(func(context.Context) ([]string, error) {
		return []string{"streamer"}, nil
	})

	require.True(t, pool.Listen("streamer"))
	for i := 0; i < 61; i++ {
		rtr.Handle(ctx, banEvent(i, clk.Now()))
	}
	require.False(t, pool.Has("streamer"))

	clk.Advance(5 * time.Minute)
	added, err := chat.RefreshCoverage(ctx, pool, coverage)
	require.NoError(t, err)
	assert.Zero(t, added)
	assert.False(t, pool.Has("streamer"))
	assert.False(t, pool.Listen("streamer"))
	assert.Equal(t, []string{"streamer"}, rtr.PendingRejoins())

	clk.Advance(10 * time.Minute)
	assert.True(t, pool.Has("streamer"))
	assert.False(t, pool.Suspended("streamer"))
	assert.Empty(t, rtr.PendingRejoins())
	added, err = chat.RefreshCoverage(ctx, pool, coverage)
	require.NoError(t, err)
	assert.Zero(t, added)
}

func TestBanNotificationContent(t *testing.T) {
	h := newHarness(t)
	sent := time.Date(2024, 5, 1, 11, 58, 7, 0, time.UTC)
	h.store.recent = []models.ChatMessage{
		{DisplayName: "Spammer", Text: "buy followers", SentAt: sent},
		{Login: "spammer", Text: "cheap", SentAt: sent.Add(3 * time.Second), Deleted: true},
	}
	h.store.activity = []models.ChannelActivity{
		{Channel: "streamer", LastActive: sent},
		{Channel: "other", LastActive: sent.Add(-time.Hour)},
	}
	h.store.bannedIn = []string{"elsewhere", "streamer"}

	h.router.Handle(context.Background(), chat.Event{Kind: chat.EventBan, Channel: "streamer", UserID: "9", Username: "spammer"})

	require.Len(t, h.notifier.sent, 1)
	p := h.notifier.sent[0]
	assert.Equal(t, []string{notify.EmojiCrossban}, p.Reactions)
	e := p.Embeds[0]
	assert.Equal(t, "User was Banned!", e.Title)
	assert.Equal(t, "Streamer", e.Author.Name)
	assert.Equal(t, "Bans per Minute: 1", e.Footer.Text)
	require.Len(t, e.Fields, 3)

	assert.Equal(t, "```\n11:58:07 [Spammer]: buy followers\n11:58:10 [spammer]: cheap [❌ deleted]```", e.Fields[0].Value)

	table := e.Fields[1].Value
	assert.Contains(t, table, "\nChannel     Last Active")
	assert.Contains(t, table, "\nstreamer    Wed 05.01.2024 11:58:07 [❌ banned]")
	assert.Contains(t, table, "\nother       Wed 05.01.2024 10:58:07\n")
	assert.Contains(t, table, "\nAlso banned in:\nelsewhere   Never Active            [❌ banned]")

	assert.Equal(t, "msg-1", h.store.notifications[1])
	assert.Equal(t, []string{notify.EmojiCrossban}, h.notifier.sent[0].Reactions)
	assert.Empty(t, h.notifier.reactions)
}

func TestUnknownStreamerDropsBan(t *testing.T) {
	h := newHarness(t)
	h.router.Handle(context.Background(), chat.Event{Kind: chat.EventBan, Channel: "nobody", UserID: "1", Username: "x"})
	assert.Empty(t, h.store.bans)
	assert.Empty(t, h.notifier.sent)
}

func TestChatActivityLiftsBan(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.router.Handle(ctx, chat.Event{Kind: chat.EventBan, Channel: "streamer", UserID: "9", Username: "spammer"})
	require.True(t, h.tracker.IsBanned("streamer", "9"))

	h.router.Handle(ctx, chat.Event{Kind: chat.EventMessage, Channel: "#streamer", UserID: "9", Username: "spammer", MessageID: "m1", Text: "i'm back"})
	assert.False(t, h.tracker.IsBanned("streamer", "9"))
	assert.Equal(t, []string{"ban:streamer/9"}, h.store.deactivated)
	assert.Equal(t, "i'm back", h.store.messages["m1"].Text)

	h.router.Handle(ctx, chat.Event{Kind: chat.EventMessageDeleted, Channel: "streamer", MessageID: "m1"})
	assert.True(t, h.store.messages["m1"].Deleted)
}

func TestTimeoutIsTrackedWithoutNotification(t *testing.T) {
	h := newHarness(t)
	h.router.Handle(context.Background(), chat.Event{Kind: chat.EventTimeout, Channel: "streamer", UserID: "5", Username: "t", Duration: 10 * time.Minute})

	require.Len(t, h.store.timeouts, 1)
	assert.Equal(t, "100", h.store.timeouts[0].StreamerID)
	assert.Equal(t, 10*time.Minute, h.store.timeouts[0].Duration)
	assert.True(t, h.tracker.IsTimedOut("streamer", "5"))
	assert.Empty(t, h.notifier.sent)
}

func TestHandleReplyStoresComment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.store.moderators["d1"] = models.Moderator{ID: 3, DiscordID: "d1"}
	h.router.Handle(ctx, chat.Event{Kind: chat.EventBan, Channel: "streamer", UserID: "9", Username: "spammer"})

	h.router.HandleReply(ctx, notify.Message{ID: "r1", AuthorID: "d1", Content: "known bot", ReferenceID: "msg-1"})
	h.router.HandleReply(ctx, notify.Message{ID: "r2", AuthorID: "d1", Content: "!command", ReferenceID: "msg-1"})
	h.router.HandleReply(ctx, notify.Message{ID: "r3", AuthorID: "stranger", Content: "hi", ReferenceID: "msg-1"})
	h.router.HandleReply(ctx, notify.Message{ID: "r4", AuthorID: "d1", Content: "hi", ReferenceID: "unrelated"})

	require.Len(t, h.store.comments, 1)
	c := h.store.comments[0]
	assert.Equal(t, int64(3), c.ModeratorID)
	assert.Equal(t, "9", c.TargetUserID)
	assert.Equal(t, int64(1), c.BanID)
	assert.Equal(t, "known bot", c.Body)
}

func TestCloseCancelsRejoin(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	now := h.clock.Now()
	for i := 0; i < 61; i++ {
		h.router.Handle(ctx, banEvent(i, now))
	}
	require.Equal(t, 1, h.clock.Pending())
	h.router.Close()
	h.clock.Advance(time.Hour)
	assert.Empty(t, h.channels.resumed)
}

func TestCodeBlockTrimsOldestLines(t *testing.T) {
	line := "\n" + strings.Repeat("a", 99)
	got := codeBlock(strings.Repeat(line, 20))
	assert.LessOrEqual(t, len(got), maxFieldLength)
	assert.True(t, strings.HasPrefix(got, "```\n"))
	assert.True(t, strings.HasSuffix(got, "a```"))
}

func TestCodeBlockCutsOnRuneBoundary(t *testing.T) {
	got := codeBlock("x" + strings.Repeat("❌", 400))
	assert.LessOrEqual(t, len(got), maxFieldLength)
	assert.True(t, utf8.ValidString(got))
	assert.True(t, strings.HasSuffix(got, "❌```"))
}
