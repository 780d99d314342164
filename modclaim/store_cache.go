package modclaim

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

const (
	DefaultConfigCacheSize = 256
	DefaultConfigCacheTTL  = time.Minute
)

// CachedStore caches guild configs in front of another [Store].
// Config writes made through it drop the cached entry and call
// onConfigWrite, so other instances can do the same. Entries expire
// after ttl, which bounds how long a write made by another process
// (without a notifier) goes unseen.
type CachedStore struct {
	Store
	cache         *lru.Cache
	ttl           time.Duration
	onConfigWrite func(ctx context.Context, guildID string)
	logger        *slog.Logger
	now           func() time.Time

	// generations counts invalidations per guild. A fill is only
	// cached if no invalidation happened while it was being read.
	mu          sync.Mutex
	generations map[string]uint64
	purges      uint64
}

type cachedConfig struct {
	cfg     GuildConfig
	expires time.Time
}

func NewCachedStore(
	store Store,
	size int,
	ttl time.Duration,
	onConfigWrite func(ctx context.Context, guildID string),
	logger *slog.Logger,
) (*CachedStore, error) {
	if size <= 0 {
		size = DefaultConfigCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultConfigCacheTTL
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedStore{
		Store:         store,
		cache:         cache,
		ttl:           ttl,
		onConfigWrite: onConfigWrite,
		logger:        logger.With(loggerNameKey, "config_cache"),
		now:           time.Now,
		generations:   map[string]uint64{},
	}, nil
}

func copyConfig(cfg GuildConfig) GuildConfig {
	rv := GuildConfig{GuildID: cfg.GuildID, BypassRoles: slices.Clone(cfg.BypassRoles)}
	if cfg.Limit != nil {
		limit := *cfg.Limit
		rv.Limit = &limit
	}
	return rv
}

func (c *CachedStore) GetConfig(ctx context.Context, guildID string) (GuildConfig, error) {
	if v, ok := c.cache.Get(guildID); ok {
		if entry, isEntry := v.(cachedConfig); isEntry && c.now().Before(entry.expires) {
			return copyConfig(entry.cfg), nil
		}
		c.cache.Remove(guildID)
	}

	c.mu.Lock()
	gen, purges := c.generations[guildID], c.purges
	c.mu.Unlock()

	cfg, err := c.Store.GetConfig(ctx, guildID)
	if err != nil {
		return cfg, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generations[guildID] != gen || c.purges != purges {
		c.logger.DebugContext(
			ctx,
			"guild config changed during read, not caching",
			"guild_id", guildID,
		)
		return cfg, nil
	}
	c.cache.Add(
		guildID,
		cachedConfig{cfg: copyConfig(cfg), expires: c.now().Add(c.ttl)},
	)
	return cfg, nil
}

// Invalidate drops the cached config for the guild, along with any
// read of it still in flight.
func (c *CachedStore) Invalidate(guildID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generations[guildID]++
	if c.cache.Remove(guildID) {
		c.logger.Debug("dropped cached guild config", "guild_id", guildID)
	}
}

// Purge drops all cached configs
func (c *CachedStore) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purges++
	c.cache.Purge()
}

func (c *CachedStore) configWritten(ctx context.Context, guildID string) {
	c.Invalidate(guildID)
	if c.onConfigWrite != nil {
		c.onConfigWrite(ctx, guildID)
	}
}

func (c *CachedStore) SetConfig(ctx context.Context, cfg GuildConfig) error {
	err := c.Store.SetConfig(ctx, cfg)
	c.configWritten(ctx, cfg.GuildID)
	return err
}

func (c *CachedStore) SetLimit(ctx context.Context, guildID string, limit int) error {
	err := c.Store.SetLimit(ctx, guildID, limit)
	c.configWritten(ctx, guildID)
	return err
}

func (c *CachedStore) AddBypassRoles(
	ctx context.Context,
	guildID string,
	roleIDs ...string,
) (GuildConfig, error) {
	cfg, err := c.Store.AddBypassRoles(ctx, guildID, roleIDs...)
	c.configWritten(ctx, guildID)
	return cfg, err
}

func (c *CachedStore) RemoveBypassRole(
	ctx context.Context,
	guildID, roleID string,
) (GuildConfig, error) {
	cfg, err := c.Store.RemoveBypassRole(ctx, guildID, roleID)
	if err == nil {
		c.configWritten(ctx, guildID)
	}
	return cfg, err
}
