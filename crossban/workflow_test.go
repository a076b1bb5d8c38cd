package crossban

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tmsqd/modbot/clock"
	"github.com/tmsqd/modbot/models"
	"github.com/tmsqd/modbot/notify"
	"github.com/tmsqd/modbot/store"
)

// memStore mirrors the crossbans table semantics of store.Store.
type memStore struct {
	mu         sync.Mutex
	clock      clock.Clock
	nextID     int64
	rows       map[int64]*models.CrossbanProposal
	bans       map[string]models.BanRecord
	moderators map[string]models.Moderator
	channels   map[int64][]string
}

func newMemStore(c clock.Clock) *memStore {
	return &memStore{
		clock:      c,
		rows:       map[int64]*models.CrossbanProposal{},
		bans:       map[string]models.BanRecord{},
		moderators: map[string]models.Moderator{},
		channels:   map[int64][]string{},
	}
}

func (s *memStore) BanByNotification(_ context.Context, id string) (models.BanRecord, error) {
	if b, ok := s.bans[id]; ok {
		return b, nil
	}
	return models.BanRecord{}, store.ErrNotFound
}

func (s *memStore) ModeratorByDiscordID(_ context.Context, id string) (models.Moderator, error) {
	if m, ok := s.moderators[id]; ok {
		return m, nil
	}
	return models.Moderator{}, store.ErrNotFound
}

func (s *memStore) ModeratedChannels(_ context.Context, id int64) ([]string, error) {
	return s.channels[id], nil
}

func (s *memStore) InsertCrossbans(_ context.Context, rows []models.CrossbanProposal) ([]models.CrossbanProposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := fmt.Sprintf("batch-%d", s.nextID+1)
	out := make([]models.CrossbanProposal, 0, len(rows))
	for _, r := range rows {
		s.nextID++
		r.ID = s.nextID
		r.BatchID = batch
		r.CreatedAt = s.clock.Now()
		row := r
		s.rows[r.ID] = &row
		out = append(out, r)
	}
	return out, nil
}

func (s *memStore) SetCrossbanAlert(_ context.Context, batchID, alertID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rows {
		if r.BatchID == batchID {
			r.AlertMessageID = alertID
		}
	}
	return nil
}

func (s *memStore) CancelCrossbans(_ context.Context, alertID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, r := range s.rows {
		if r.AlertMessageID == alertID && !r.Fulfilled {
			delete(s.rows, id)
			n++
		}
	}
	return n, nil
}

func (s *memStore) PendingCrossbans(_ context.Context, cutoff time.Time) ([]models.CrossbanProposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.CrossbanProposal
	for _, r := range s.rows {
		if !r.Fulfilled && !r.CreatedAt.After(cutoff) {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) MarkCrossbanFulfilled(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rows[id]; ok && !r.Fulfilled {
		r.Fulfilled = true
		r.FulfilledAt = at
	}
	return nil
}

func (s *memStore) PermalinkFor(_ context.Context, userID string) (string, error) {
	return "link-" + userID, nil
}

func (s *memStore) all() []models.CrossbanProposal {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.CrossbanProposal, 0, len(s.rows))
	for _, r := range s.rows {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type banCall struct {
	Channel, UserID, Reason string
}

type fakeBanner struct {
	mu       sync.Mutex
	calls    []banCall
	failures map[string]int
}

func (b *fakeBanner) BanUser(_ context.Context, channel, userID, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, banCall{channel, userID, reason})
	if b.failures[channel] > 0 {
		b.failures[channel]--
		return errors.New("helix: 500")
	}
	return nil
}

type sent struct {
	To      string
	Direct  bool
	Payload notify.Payload
}

type fakeNotifier struct {
	mu        sync.Mutex
	sent      []sent
	dmErr     error
	reactions map[string]notify.ReactionHandler
}

func (n *fakeNotifier) SendDirect(_ context.Context, userID string, p notify.Payload) (string, error) {
	if n.dmErr != nil {
		return "", n.dmErr
	}
	return n.record(userID, true, p), nil
}

func (n *fakeNotifier) SendToChannel(_ context.Context, channelID string, p notify.Payload) (string, error) {
	return n.record(channelID, false, p), nil
}

func (n *fakeNotifier) record(to string, direct bool, p notify.Payload) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sent{To: to, Direct: direct, Payload: p})
	return fmt.Sprintf("alert-%d", len(n.sent))
}

func (n *fakeNotifier) OnReaction(messageID, emoji string, h notify.ReactionHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.reactions == nil {
		n.reactions = map[string]notify.ReactionHandler{}
	}
	n.reactions[messageID+" "+emoji] = h
}

type harness struct {
	wf       *Workflow
	store    *memStore
	banner   *fakeBanner
	notifier *fakeNotifier
	clock    *clock.Fake
	mod      models.Moderator
}

func newHarness(t *testing.T, grace time.Duration) *harness {
	t.Helper()
	c := clock.NewFake(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	st := newMemStore(c)
	mod := models.Moderator{ID: 7, DiscordID: "d7", TwitchID: "t7"}
	st.moderators["d7"] = mod
	st.channels[7] = []string{"alpha", "Bravo", "charlie", "origin"}
	h := &harness{
		store:    st,
		banner:   &fakeBanner{failures: map[string]int{}},
		notifier: &fakeNotifier{},
		clock:    c,
		mod:      mod,
	}
	h.wf = New(Config{
		Store:         st,
		Banner:        h.banner,
		Notifier:      h.notifier,
		PublicBaseURL: "https://tmsqd.co/",
		Grace:         grace,
		Clock:         c,
	})
	return h
}

func (h *harness) propose(t *testing.T) []models.CrossbanProposal {
	t.Helper()
	rows, err := h.wf.Propose(context.Background(), Request{
		UserID:            "u1",
		Username:          "spammer",
		OriginChannel:     "#origin",
		Moderator:         h.mod,
		FallbackChannelID: "bans",
	})
	require.NoError(t, err)
	return rows
}

func TestProposeCreatesOneRowPerChannelSharingAlert(t *testing.T) {
	h := newHarness(t, 0)
	rows := h.propose(t)

	require.Len(t, rows, 3)
	var channels []string
	for _, r := range rows {
		channels = append(channels, r.Channel)
		assert.Equal(t, "alert-1", r.AlertMessageID)
		assert.Equal(t, "origin", r.OriginChannel)
		assert.Equal(t, rows[0].BatchID, r.BatchID)
	}
	assert.Equal(t, []string{"alpha", "bravo", "charlie"}, channels)
	for _, r := range h.store.all() {
		assert.Equal(t, "alert-1", r.AlertMessageID)
	}

	require.Len(t, h.notifier.sent, 1)
	msg := h.notifier.sent[0]
	assert.True(t, msg.Direct)
	assert.Equal(t, "d7", msg.To)
	e := msg.Payload.Embeds[0]
	assert.Equal(t, "Attempting Crossban to 3 Channels", e.Title)
	assert.Equal(t, notify.ColorCrossban, e.Color)
	assert.Equal(t, "```\nalpha\nbravo\ncharlie```", e.Fields[0].Value)
	assert.Equal(t, "Undo", e.Fields[1].Name)
	assert.Equal(t, []string{notify.EmojiUndo}, msg.Payload.Reactions)
	assert.Empty(t, h.notifier.reactions)
}

func TestCancelRemovesWholeGroup(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	h.propose(t)

	h.wf.CancelFromReaction(ctx, notify.Reaction{MessageID: "alert-1", ChannelID: "dm", UserID: "d7", Emoji: notify.EmojiUndo})
	assert.Empty(t, h.store.all())
	require.Len(t, h.notifier.sent, 2)
	assert.Equal(t, "Cancelled Crossban", h.notifier.sent[1].Payload.Embeds[0].Title)

	n, err := h.wf.FulfillPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, h.banner.calls)

	// A second cancel is a no-op and sends nothing.
	n64, err := h.wf.Cancel(ctx, "alert-1")
	require.NoError(t, err)
	assert.Zero(t, n64)
	assert.Len(t, h.notifier.sent, 2)
}

func TestReactionsReachWorkflowAfterRestart(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	h.propose(t)
	h.store.bans["ban-msg"] = models.BanRecord{ID: 1, Channel: "origin", UserID: "u2", Username: "raider"}

	// A fresh workflow and registry over the same store, as after a restart.
	wf := New(Config{Store: h.store, Banner: h.banner, Notifier: h.notifier, Grace: time.Hour, Clock: h.clock})
	reg := notify.NewRegistry()
	wf.RegisterReactions(reg.On)
	assert.Equal(t, 2, reg.Len())

	assert.True(t, reg.Dispatch(ctx, notify.Reaction{MessageID: "alert-1", ChannelID: "dm", UserID: "d7", Emoji: notify.EmojiUndo}))
	assert.Empty(t, h.store.all())

	assert.True(t, reg.Dispatch(ctx, notify.Reaction{MessageID: "ban-msg", ChannelID: "bans", UserID: "d7", Emoji: notify.EmojiCrossban}))
	assert.Len(t, h.store.all(), 3)

	// Handling reactions does not grow the registry.
	assert.Equal(t, 2, reg.Len())
	assert.Empty(t, h.notifier.reactions)
}

func TestFulfilledRowsSurviveCancel(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	h.propose(t)
	h.banner.failures["charlie"] = 1

	n, err := h.wf.FulfillPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	removed, err := h.wf.Cancel(ctx, "alert-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	left := h.store.all()
	require.Len(t, left, 2)
	for _, r := range left {
		assert.True(t, r.Fulfilled)
		assert.Equal(t, models.CrossbanFulfilled, r.State())
	}
}

func TestFailedBansAreRetried(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	h.store.channels[7] = []string{"alpha"}
	h.propose(t)
	h.banner.failures["alpha"] = 2

	for pass := 1; pass <= 3; pass++ {
		n, err := h.wf.FulfillPending(ctx)
		require.NoError(t, err)
		if pass < 3 {
			assert.Zero(t, n, "pass %d", pass)
		} else {
			assert.Equal(t, 1, n)
		}
	}
	rows := h.store.all()
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Fulfilled)
	require.Len(t, h.banner.calls, 3)
	assert.Equal(t, "TMSQD: Crossban https://tmsqd.co/x/link-u1", h.banner.calls[0].Reason)

	n, err := h.wf.FulfillPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, h.banner.calls, 3)
}

func TestGracePeriodDelaysFulfillment(t *testing.T) {
	h := newHarness(t, time.Minute)
	ctx := context.Background()
	h.propose(t)

	h.clock.Advance(30 * time.Second)
	n, err := h.wf.FulfillPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.clock.Advance(30 * time.Second)
	n, err = h.wf.FulfillPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestConfirmationFallsBackToChannel(t *testing.T) {
	h := newHarness(t, 0)
	h.notifier.dmErr = errors.New("discord: 403")
	rows := h.propose(t)

	require.Len(t, h.notifier.sent, 1)
	assert.False(t, h.notifier.sent[0].Direct)
	assert.Equal(t, "bans", h.notifier.sent[0].To)
	assert.Equal(t, "alert-1", rows[0].AlertMessageID)
}

func TestProposeFromBanNotification(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	h.store.bans["ban-msg"] = models.BanRecord{ID: 1, Channel: "origin", UserID: "u1", Username: "spammer"}

	h.wf.ProposeFromBanNotification(ctx, notify.Reaction{MessageID: "ban-msg", ChannelID: "bans", UserID: "d7", Emoji: notify.EmojiCrossban})
	assert.Len(t, h.store.all(), 3)

	// Unlinked reactor gets a hint, no rows.
	h.wf.ProposeFromBanNotification(ctx, notify.Reaction{MessageID: "ban-msg", ChannelID: "bans", UserID: "stranger", Emoji: notify.EmojiCrossban})
	last := h.notifier.sent[len(h.notifier.sent)-1]
	assert.Equal(t, "bans", last.To)
	assert.True(t, strings.HasPrefix(last.Payload.Content, "<@stranger>"))
	assert.Len(t, h.store.all(), 3)

	// Reactions on other messages are ignored.
	before := len(h.notifier.sent)
	h.wf.ProposeFromBanNotification(ctx, notify.Reaction{MessageID: "other", ChannelID: "bans", UserID: "d7", Emoji: notify.EmojiCrossban})
	assert.Len(t, h.notifier.sent, before)
}

func TestProposeWithoutChannels(t *testing.T) {
	h := newHarness(t, 0)
	h.store.channels[7] = []string{"origin"}
	rows := h.propose(t)

	assert.Empty(t, rows)
	require.Len(t, h.notifier.sent, 1)
	p := h.notifier.sent[0].Payload
	assert.Equal(t, "Attempting Crossban to 0 Channels", p.Embeds[0].Title)
	assert.Empty(t, p.Reactions)
	assert.Empty(t, h.notifier.reactions)
}
