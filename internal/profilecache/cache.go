// Package profilecache puts a Redis read-through cache in front of profile
// lookups.
package profilecache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/matheus3301/convsync/internal/conversation"
	"github.com/matheus3301/convsync/internal/metrics"
	"github.com/matheus3301/convsync/internal/store"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultTTL applies when New is given a non-positive ttl.
const DefaultTTL = 10 * time.Minute

// Cache implements conversation.ProfileSource over a backing source.
type Cache struct {
	client  *redis.Client
	source  conversation.ProfileSource
	ttl     time.Duration
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// Dial connects to redisURL and verifies the connection.
func Dial(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// New wraps source with a cache stored in client.
func New(client *redis.Client, source conversation.ProfileSource, ttl time.Duration, m *metrics.Metrics, logger *zap.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{client: client, source: source, ttl: ttl, metrics: m, logger: logger}
}

func profileKey(id string) string {
	return "convsync:profile:" + id
}

type entry struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// Profiles serves what it can from Redis and loads the rest from the
// backing source. Redis errors degrade to the source.
func (c *Cache) Profiles(ctx context.Context, ids []string) (map[string]conversation.Profile, error) {
	out := make(map[string]conversation.Profile, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = profileKey(id)
	}

	missing := ids
	vals, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		c.metrics.CacheLookup("error")
		c.logger.Warn("profile cache read failed", zap.Error(err))
	} else {
		missing = nil
		for i, v := range vals {
			s, ok := v.(string)
			var e entry
			if !ok || json.Unmarshal([]byte(s), &e) != nil {
				c.metrics.CacheLookup("miss")
				missing = append(missing, ids[i])
				continue
			}
			c.metrics.CacheLookup("hit")
			out[e.ID] = conversation.Profile{ID: e.ID, Username: e.Username, AvatarURL: e.AvatarURL}
		}
	}
	if len(missing) == 0 {
		return out, nil
	}

	loaded, err := c.source.Profiles(ctx, missing)
	if err != nil {
		return nil, err
	}
	pipe := c.client.Pipeline()
	for id, p := range loaded {
		out[id] = p
		data, _ := json.Marshal(entry{ID: p.ID, Username: p.Username, AvatarURL: p.AvatarURL})
		pipe.Set(ctx, profileKey(id), data, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Warn("profile cache write failed", zap.Error(err))
	}
	return out, nil
}

// Invalidate drops the cached profile of id.
func (c *Cache) Invalidate(ctx context.Context, id string) error {
	return c.client.Del(ctx, profileKey(id)).Err()
}

// Follow invalidates cached profiles as they are updated or deleted in st.
// The returned channel stops when ctx is done or the caller closes it.
func (c *Cache) Follow(ctx context.Context, st store.Store) (store.Channel, error) {
	return st.Subscribe(ctx, store.Subscription{
		Name:  "profile-cache",
		Table: store.TableProfiles,
		Ops:   []store.Op{store.OpUpdate, store.OpDelete},
		Handler: func(ch store.Change) {
			id := ch.Record.String("id")
			if id == "" {
				return
			}
			if err := c.Invalidate(ctx, id); err != nil {
				c.logger.Warn("profile cache invalidate failed", zap.String("id", id), zap.Error(err))
			}
		},
	})
}
