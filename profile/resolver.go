// Package profile resolves Twitch user profiles for notifications and the
// crossban workflow. Lookups go Redis, then the twitch_users table, then Helix;
// a Helix hit is written back to both layers.
package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tmsqd/modbot/models"
	"github.com/tmsqd/modbot/store"
	"github.com/tmsqd/modbot/twitchapi"
)

// DefaultTTL is how long a profile stays in Redis.
const DefaultTTL = 6 * time.Hour

// ErrUnknown is returned when no layer knows the user.
var ErrUnknown = errors.New("profile: unknown user")

// Store is the persistent profile layer.
type Store interface {
	ProfileByID(ctx context.Context, id string) (models.Profile, error)
	ProfileByLogin(ctx context.Context, login string) (models.Profile, error)
	UpsertProfile(ctx context.Context, p models.Profile) error
}

// Lookup is the Helix layer.
type Lookup interface {
	UserByLogin(ctx context.Context, login string) (twitchapi.User, error)
	UserByID(ctx context.Context, id string) (twitchapi.User, error)
}

// Resolver chains the cache layers. Redis and Helix are optional.
type Resolver struct {
	Redis *redis.Client
	Store Store
	Helix Lookup
	TTL   time.Duration
	// StaleAfter re-fetches stored rows older than this from Helix; zero
	// trusts stored rows forever.
	StaleAfter time.Duration
	Logger     *slog.Logger
}

func (r *Resolver) ttl() time.Duration {
	if r.TTL > 0 {
		return r.TTL
	}
	return DefaultTTL
}

func (r *Resolver) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default().With(slog.String("component", "profile"))
}

// ByLogin resolves a profile by login name.
func (r *Resolver) ByLogin(ctx context.Context, login string) (models.Profile, error) {
	login = models.NormalizeChannel(login)
	if login == "" {
		return models.Profile{}, ErrUnknown
	}
	return r.resolve(ctx, "login:"+login,
		func(ctx context.Context) (models.Profile, error) { return r.Store.ProfileByLogin(ctx, login) },
		func(ctx context.Context) (twitchapi.User, error) { return r.Helix.UserByLogin(ctx, login) })
}

// ByID resolves a profile by Twitch user id.
func (r *Resolver) ByID(ctx context.Context, id string) (models.Profile, error) {
	if id == "" {
		return models.Profile{}, ErrUnknown
	}
	return r.resolve(ctx, "id:"+id,
		func(ctx context.Context) (models.Profile, error) { return r.Store.ProfileByID(ctx, id) },
		func(ctx context.Context) (twitchapi.User, error) { return r.Helix.UserByID(ctx, id) })
}

// BroadcasterID returns the user id owning channel.
func (r *Resolver) BroadcasterID(ctx context.Context, channel string) (string, error) {
	p, err := r.ByLogin(ctx, channel)
	if err != nil {
		return "", err
	}
	return p.ID, nil
}

func (r *Resolver) resolve(ctx context.Context, key string,
	fromStore func(context.Context) (models.Profile, error),
	fromHelix func(context.Context) (twitchapi.User, error),
) (models.Profile, error) {
	if p, ok := r.cached(ctx, key); ok {
		return p, nil
	}

	var stale *models.Profile
	if r.Store != nil {
		p, err := fromStore(ctx)
		switch {
		case err == nil && !r.isStale(p):
			r.remember(ctx, p)
			return p, nil
		case err == nil:
			stale = &p
		case !errors.Is(err, store.ErrNotFound):
			r.logger().Warn("profile store lookup failed", slog.String("key", key), slog.Any("err", err))
		}
	}

	if r.Helix == nil {
		if stale != nil {
			return *stale, nil
		}
		return models.Profile{}, ErrUnknown
	}
	u, err := fromHelix(ctx)
	if err != nil {
		if stale != nil {
			r.logger().Debug("helix refresh failed, serving stored profile", slog.String("key", key), slog.Any("err", err))
			return *stale, nil
		}
		if errors.Is(err, twitchapi.ErrUserNotFound) {
			return models.Profile{}, ErrUnknown
		}
		return models.Profile{}, fmt.Errorf("resolve %s: %w", key, err)
	}

	p := fromUser(u)
	if r.Store != nil {
		if err := r.Store.UpsertProfile(ctx, p); err != nil {
			r.logger().Warn("profile upsert failed", slog.String("user_id", p.ID), slog.Any("err", err))
		}
	}
	r.remember(ctx, p)
	return p, nil
}

func (r *Resolver) isStale(p models.Profile) bool {
	return r.StaleAfter > 0 && !p.UpdatedAt.IsZero() && time.Since(p.UpdatedAt) > r.StaleAfter
}

func cacheKey(key string) string { return "modbot:profile:" + key }

func (r *Resolver) cached(ctx context.Context, key string) (models.Profile, bool) {
	if r.Redis == nil {
		return models.Profile{}, false
	}
	s, err := r.Redis.Get(ctx, cacheKey(key)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.logger().Debug("profile cache read failed", slog.String("key", key), slog.Any("err", err))
		}
		return models.Profile{}, false
	}
	var p models.Profile
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return models.Profile{}, false
	}
	return p, true
}

// remember caches p under both its id and login keys.
func (r *Resolver) remember(ctx context.Context, p models.Profile) {
	if r.Redis == nil || p.ID == "" {
		return
	}
	b, err := json.Marshal(p)
	if err != nil {
		return
	}
	pipe := r.Redis.Pipeline()
	pipe.Set(ctx, cacheKey("id:"+p.ID), b, r.ttl())
	if p.Login != "" {
		pipe.Set(ctx, cacheKey("login:"+strings.ToLower(p.Login)), b, r.ttl())
	}
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger().Debug("profile cache write failed", slog.String("user_id", p.ID), slog.Any("err", err))
	}
}

// Forget evicts a user from Redis, e.g. after a rename.
func (r *Resolver) Forget(ctx context.Context, p models.Profile) error {
	if r.Redis == nil {
		return nil
	}
	keys := []string{cacheKey("id:" + p.ID)}
	if p.Login != "" {
		keys = append(keys, cacheKey("login:"+strings.ToLower(p.Login)))
	}
	return r.Redis.Del(ctx, keys...).Err()
}

func fromUser(u twitchapi.User) models.Profile {
	return models.Profile{
		ID:              u.ID,
		Login:           strings.ToLower(u.Login),
		DisplayName:     u.DisplayName,
		ProfileImageURL: u.ProfileImageURL,
		OfflineImageURL: u.OfflineImageURL,
		Description:     u.Description,
		BroadcasterType: u.BroadcasterType,
		ViewCount:       u.ViewCount,
		UpdatedAt:       time.Now().UTC(),
	}
}
