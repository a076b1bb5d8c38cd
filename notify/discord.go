package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/tmsqd/modbot/models"
	"github.com/tmsqd/modbot/telemetry"
)

// DefaultAPIBase is the Discord REST root.
const DefaultAPIBase = "https://discord.com/api/v10"

const maxRateLimitRetries = 3

// APIError is a non-2xx Discord response.
type APIError struct {
	StatusCode int
	Code       int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("discord: %d: %s (code %d)", e.StatusCode, e.Message, e.Code)
}

// Discord is a Notifier backed by the Discord REST API. Reactions arrive
// through a Gateway sharing the same Registry.
type Discord struct {
	Token      string
	BaseURL    string
	GuildID    string
	HTTPClient *http.Client
	Registry   *Registry
	Logger     *slog.Logger

	dmMu sync.Mutex
	dms  map[string]string
}

// NewDiscord returns a client for the bot token.
func NewDiscord(token, guildID string) *Discord {
	return &Discord{
		Token:      token,
		GuildID:    guildID,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
		Registry:   NewRegistry(),
	}
}

func (d *Discord) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default().With(slog.String("component", "discord"))
}

func (d *Discord) base() string {
	if d.BaseURL != "" {
		return strings.TrimRight(d.BaseURL, "/")
	}
	return DefaultAPIBase
}

func (d *Discord) client() *http.Client {
	if d.HTTPClient != nil {
		return d.HTTPClient
	}
	return http.DefaultClient
}

func (d *Discord) registry() *Registry {
	if d.Registry == nil {
		d.Registry = NewRegistry()
	}
	return d.Registry
}

// do sends one request, retrying after 429 responses as told by retry_after.
func (d *Discord) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		payload = b
	}
	for attempt := 0; ; attempt++ {
		var rdr io.Reader
		if payload != nil {
			rdr = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, d.base()+path, rdr)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bot "+d.Token)
		req.Header.Set("User-Agent", "modbot (https://tmsqd.co, 1.0)")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := d.client().Do(req)
		if err != nil {
			return fmt.Errorf("%s %s: %w", method, path, err)
		}
		if resp.StatusCode == http.StatusTooManyRequests && attempt < maxRateLimitRetries {
			wait := retryAfter(resp)
			_ = resp.Body.Close()
			d.logger().Debug("rate limited", slog.String("path", path), slog.Duration("retry_after", wait))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}
		err = decodeResponse(resp, out)
		_ = resp.Body.Close()
		return err
	}
}

func retryAfter(resp *http.Response) time.Duration {
	var body struct {
		RetryAfter float64 `json:"retry_after"`
	}
	if json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body) == nil && body.RetryAfter > 0 {
		return time.Duration(body.RetryAfter * float64(time.Second))
	}
	return time.Second
}

func decodeResponse(resp *http.Response, out any) error {
	if resp.StatusCode >= 300 {
		var e struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(raw, &e) != nil || e.Message == "" {
			e.Message = strings.TrimSpace(string(raw))
		}
		return &APIError{StatusCode: resp.StatusCode, Code: e.Code, Message: e.Message}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type messageRequest struct {
	Payload
	MessageReference *messageReference `json:"message_reference,omitempty"`
}

type messageReference struct {
	MessageID string `json:"message_id"`
}

// SendToChannel posts p to channelID and adds its reactions.
func (d *Discord) SendToChannel(ctx context.Context, channelID string, p Payload) (string, error) {
	return d.post(ctx, channelID, messageRequest{Payload: p})
}

// Reply posts p as a reply to messageID in channelID.
func (d *Discord) Reply(ctx context.Context, channelID, messageID string, p Payload) (string, error) {
	return d.post(ctx, channelID, messageRequest{Payload: p, MessageReference: &messageReference{MessageID: messageID}})
}

func (d *Discord) post(ctx context.Context, channelID string, req messageRequest) (string, error) {
	var msg struct {
		ID string `json:"id"`
	}
	if err := d.do(ctx, http.MethodPost, "/channels/"+channelID+"/messages", req, &msg); err != nil {
		telemetry.IncNotification("error")
		return "", err
	}
	telemetry.IncNotification("sent")
	for _, emoji := range req.Reactions {
		if err := d.React(ctx, channelID, msg.ID, emoji); err != nil {
			d.logger().Warn("add reaction failed", slog.String("message_id", msg.ID), slog.String("emoji", emoji), slog.Any("err", err))
		}
	}
	return msg.ID, nil
}

// SendDirect opens (or reuses) a DM channel with userID and posts p there.
func (d *Discord) SendDirect(ctx context.Context, userID string, p Payload) (string, error) {
	channelID, err := d.dmChannel(ctx, userID)
	if err != nil {
		telemetry.IncNotification("error")
		return "", err
	}
	return d.SendToChannel(ctx, channelID, p)
}

func (d *Discord) dmChannel(ctx context.Context, userID string) (string, error) {
	d.dmMu.Lock()
	if id, ok := d.dms[userID]; ok {
		d.dmMu.Unlock()
		return id, nil
	}
	d.dmMu.Unlock()

	var ch struct {
		ID string `json:"id"`
	}
	if err := d.do(ctx, http.MethodPost, "/users/@me/channels", map[string]string{"recipient_id": userID}, &ch); err != nil {
		return "", fmt.Errorf("open dm with %s: %w", userID, err)
	}
	d.dmMu.Lock()
	if d.dms == nil {
		d.dms = make(map[string]string)
	}
	d.dms[userID] = ch.ID
	d.dmMu.Unlock()
	return ch.ID, nil
}

// React adds the bot's emoji reaction to a message.
func (d *Discord) React(ctx context.Context, channelID, messageID, emoji string) error {
	path := fmt.Sprintf("/channels/%s/messages/%s/reactions/%s/@me", channelID, messageID, url.PathEscape(emoji))
	return d.do(ctx, http.MethodPut, path, nil, nil)
}

// OnReaction registers h on the shared registry.
func (d *Discord) OnReaction(messageID, emoji string, h ReactionHandler) {
	d.registry().On(messageID, emoji, h)
}

// Role is a guild role.
type Role struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// GuildRoles lists the roles of the configured guild.
func (d *Discord) GuildRoles(ctx context.Context) ([]Role, error) {
	if d.GuildID == "" {
		return nil, nil
	}
	var roles []Role
	if err := d.do(ctx, http.MethodGet, "/guilds/"+d.GuildID+"/roles", nil, &roles); err != nil {
		return nil, fmt.Errorf("guild roles: %w", err)
	}
	return roles, nil
}

// CoveredChannels returns the guild's role names as channel logins; the
// community names one role per covered channel.
func (d *Discord) CoveredChannels(ctx context.Context) ([]string, error) {
	roles, err := d.GuildRoles(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(roles))
	for _, r := range roles {
		name := models.NormalizeChannel(r.Name)
		if name == "" || strings.ContainsAny(name, " @") {
			continue
		}
		out = append(out, name)
	}
	return out, nil
}
