package modclaim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisKeyPrefix = "modclaim"
	redisScanCount        = 100
	redisFieldLimit       = "limit"
	redisFieldCreated     = "created"
)

// claimScript claims a thread only if its claimer set is empty.
//
// KEYS: threads index, claimer set, user's thread set, guilds index
// ARGV: thread ID, user ID, guild ID
var claimScript = redis.NewScript(`
if redis.call('SCARD', KEYS[2]) > 0 then
  return 0
end
redis.call('SADD', KEYS[1], ARGV[1])
redis.call('SADD', KEYS[2], ARGV[2])
redis.call('SADD', KEYS[3], ARGV[1])
redis.call('SADD', KEYS[4], ARGV[3])
return 1
`)

// setClaimersScript replaces a thread's claimer set.
//
// KEYS: threads index, claimer set, guilds index
// ARGV: thread ID, guild ID, user key prefix, claimer IDs...
var setClaimersScript = redis.NewScript(`
local old = redis.call('SMEMBERS', KEYS[2])
for _, u in ipairs(old) do
  redis.call('SREM', ARGV[3] .. u, ARGV[1])
end
redis.call('DEL', KEYS[2])
redis.call('SADD', KEYS[1], ARGV[1])
redis.call('SADD', KEYS[3], ARGV[2])
for i = 4, #ARGV do
  redis.call('SADD', KEYS[2], ARGV[i])
  redis.call('SADD', ARGV[3] .. ARGV[i], ARGV[1])
end
return 1
`)

// deleteRecordScript deletes a thread's record, claimers and subscribers.
//
// KEYS: threads index, claimer set, subscriber set
// ARGV: thread ID, user key prefix
var deleteRecordScript = redis.NewScript(`
local removed = redis.call('SREM', KEYS[1], ARGV[1])
local old = redis.call('SMEMBERS', KEYS[2])
for _, u in ipairs(old) do
  redis.call('SREM', ARGV[2] .. u, ARGV[1])
end
redis.call('DEL', KEYS[2], KEYS[3])
return removed
`)

// toggleScript flips set membership, returning 1 if added.
//
// KEYS: subscriber set
// ARGV: user ID
var toggleScript = redis.NewScript(`
if redis.call('SISMEMBER', KEYS[1], ARGV[1]) == 1 then
  redis.call('SREM', KEYS[1], ARGV[1])
  return 0
end
redis.call('SADD', KEYS[1], ARGV[1])
return 1
`)

// RedisStore is a [Store] backed by Redis. A thread's record exists
// while its ID is in the guild's thread index, even with no claimers.
type RedisStore struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

func NewRedisStore(client *redis.Client, prefix string, logger *slog.Logger) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisKeyPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		logger: logger.With(loggerNameKey, "redis_store"),
	}
}

// NewRedisClient connects to the redis server at the given URL, for
// example redis://localhost:6379/0
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err = client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("error connecting to redis: %w", err)
	}
	return client, nil
}

func (s *RedisStore) guildsKey() string {
	return s.prefix + ":guilds"
}

func (s *RedisStore) threadsKey(guildID string) string {
	return fmt.Sprintf("%s:%s:threads", s.prefix, guildID)
}

func (s *RedisStore) threadKey(guildID, threadID string) string {
	return fmt.Sprintf("%s:%s:thread:%s", s.prefix, guildID, threadID)
}

func (s *RedisStore) userKeyPrefix(guildID string) string {
	return fmt.Sprintf("%s:%s:user:", s.prefix, guildID)
}

func (s *RedisStore) userKey(guildID, userID string) string {
	return s.userKeyPrefix(guildID) + userID
}

func (s *RedisStore) configKey(guildID string) string {
	return fmt.Sprintf("%s:%s:config", s.prefix, guildID)
}

func (s *RedisStore) bypassKey(guildID string) string {
	return fmt.Sprintf("%s:%s:bypass", s.prefix, guildID)
}

func (s *RedisStore) subsKey(guildID, threadID string) string {
	return fmt.Sprintf("%s:%s:subs:%s", s.prefix, guildID, threadID)
}

func (s *RedisStore) GetRecord(ctx context.Context, guildID, threadID string) (
	ClaimRecord,
	error,
) {
	rec := ClaimRecord{GuildID: guildID, ThreadID: threadID}
	exists, err := s.client.SIsMember(ctx, s.threadsKey(guildID), threadID).Result()
	if err != nil {
		return rec, err
	}
	if !exists {
		return rec, ErrRecordNotFound
	}
	claimers, err := s.client.SMembers(ctx, s.threadKey(guildID, threadID)).Result()
	if err != nil {
		return rec, err
	}
	if len(claimers) > 0 {
		rec.Claimers = claimers
	}
	return rec, nil
}

func (s *RedisStore) UpsertRecord(
	ctx context.Context,
	guildID, threadID string,
	claimers []string,
) (ClaimRecord, error) {
	claimers = addUnique(nil, claimers...)
	args := []any{threadID, guildID, s.userKeyPrefix(guildID)}
	for _, c := range claimers {
		args = append(args, c)
	}
	err := setClaimersScript.Run(
		ctx,
		s.client,
		[]string{s.threadsKey(guildID), s.threadKey(guildID, threadID), s.guildsKey()},
		args...,
	).Err()
	if err != nil {
		return ClaimRecord{}, err
	}
	return s.GetRecord(ctx, guildID, threadID)
}

func (s *RedisStore) ClaimIfUnclaimed(
	ctx context.Context,
	guildID, threadID, userID string,
) (ClaimRecord, error) {
	claimed, err := claimScript.Run(
		ctx,
		s.client,
		[]string{
			s.threadsKey(guildID),
			s.threadKey(guildID, threadID),
			s.userKey(guildID, userID),
			s.guildsKey(),
		},
		threadID, userID, guildID,
	).Int()
	if err != nil {
		return ClaimRecord{}, err
	}
	if claimed == 0 {
		return ClaimRecord{}, ErrAlreadyClaimed
	}
	return ClaimRecord{GuildID: guildID, ThreadID: threadID, Claimers: []string{userID}}, nil
}

func (s *RedisStore) AddClaimer(ctx context.Context, guildID, threadID, userID string) error {
	_, err := s.client.TxPipelined(
		ctx, func(pipe redis.Pipeliner) error {
			pipe.SAdd(ctx, s.threadsKey(guildID), threadID)
			pipe.SAdd(ctx, s.threadKey(guildID, threadID), userID)
			pipe.SAdd(ctx, s.userKey(guildID, userID), threadID)
			pipe.SAdd(ctx, s.guildsKey(), guildID)
			return nil
		},
	)
	return err
}

func (s *RedisStore) RemoveClaimer(ctx context.Context, guildID, threadID, userID string) error {
	_, err := s.client.TxPipelined(
		ctx, func(pipe redis.Pipeliner) error {
			pipe.SRem(ctx, s.threadKey(guildID, threadID), userID)
			pipe.SRem(ctx, s.userKey(guildID, userID), threadID)
			return nil
		},
	)
	return err
}

func (s *RedisStore) DeleteRecord(ctx context.Context, guildID, threadID string) (bool, error) {
	removed, err := deleteRecordScript.Run(
		ctx,
		s.client,
		[]string{
			s.threadsKey(guildID),
			s.threadKey(guildID, threadID),
			s.subsKey(guildID, threadID),
		},
		threadID, s.userKeyPrefix(guildID),
	).Int()
	if err != nil {
		return false, err
	}
	return removed > 0, nil
}

func (s *RedisStore) ListRecords(
	ctx context.Context,
	guildID string,
	fn func(ClaimRecord) error,
) error {
	iter := s.client.SScan(ctx, s.threadsKey(guildID), 0, "", redisScanCount).Iterator()
	seen := map[string]struct{}{}
	for iter.Next(ctx) {
		threadID := iter.Val()
		// SSCAN may return an element more than once
		if _, ok := seen[threadID]; ok {
			continue
		}
		seen[threadID] = struct{}{}

		claimers, err := s.client.SMembers(ctx, s.threadKey(guildID, threadID)).Result()
		if err != nil {
			return err
		}
		rec := ClaimRecord{GuildID: guildID, ThreadID: threadID}
		if len(claimers) > 0 {
			rec.Claimers = claimers
		}
		if err = fn(rec); err != nil {
			return err
		}
	}
	return iter.Err()
}

func (s *RedisStore) CountClaims(ctx context.Context, guildID, userID string) (int, error) {
	n, err := s.client.SCard(ctx, s.userKey(guildID, userID)).Result()
	return int(n), err
}

func (s *RedisStore) ListGuilds(ctx context.Context) ([]string, error) {
	return s.client.SMembers(ctx, s.guildsKey()).Result()
}

func (s *RedisStore) GetConfig(ctx context.Context, guildID string) (GuildConfig, error) {
	cfg := GuildConfig{GuildID: guildID}

	var fields *redis.MapStringStringCmd
	var roles *redis.StringSliceCmd
	_, err := s.client.Pipelined(
		ctx, func(pipe redis.Pipeliner) error {
			fields = pipe.HGetAll(ctx, s.configKey(guildID))
			roles = pipe.SMembers(ctx, s.bypassKey(guildID))
			return nil
		},
	)
	if err != nil {
		return cfg, err
	}
	values := fields.Val()
	if len(values) == 0 {
		return cfg, ErrRecordNotFound
	}
	if v, ok := values[redisFieldLimit]; ok {
		limit, convErr := strconv.Atoi(v)
		if convErr != nil {
			return cfg, fmt.Errorf("invalid limit %q: %w", v, convErr)
		}
		cfg.Limit = &limit
	}
	if r := roles.Val(); len(r) > 0 {
		cfg.BypassRoles = r
	}
	return cfg, nil
}

func (s *RedisStore) SetConfig(ctx context.Context, cfg GuildConfig) error {
	if cfg.Limit != nil && *cfg.Limit < 0 {
		return errInvalidLimit
	}
	roles := addUnique(nil, cfg.BypassRoles...)
	_, err := s.client.TxPipelined(
		ctx, func(pipe redis.Pipeliner) error {
			key := s.configKey(cfg.GuildID)
			pipe.HSet(ctx, key, redisFieldCreated, "1")
			if cfg.Limit == nil {
				pipe.HDel(ctx, key, redisFieldLimit)
			} else {
				pipe.HSet(ctx, key, redisFieldLimit, *cfg.Limit)
			}
			pipe.Del(ctx, s.bypassKey(cfg.GuildID))
			if len(roles) > 0 {
				pipe.SAdd(ctx, s.bypassKey(cfg.GuildID), stringsToAny(roles)...)
			}
			return nil
		},
	)
	return err
}

func (s *RedisStore) SetLimit(ctx context.Context, guildID string, limit int) error {
	if limit < 0 {
		return errInvalidLimit
	}
	return s.client.HSet(
		ctx,
		s.configKey(guildID),
		redisFieldCreated, "1",
		redisFieldLimit, limit,
	).Err()
}

func (s *RedisStore) AddBypassRoles(
	ctx context.Context,
	guildID string,
	roleIDs ...string,
) (GuildConfig, error) {
	roles := addUnique(nil, roleIDs...)
	_, err := s.client.TxPipelined(
		ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, s.configKey(guildID), redisFieldCreated, "1")
			if len(roles) > 0 {
				pipe.SAdd(ctx, s.bypassKey(guildID), stringsToAny(roles)...)
			}
			return nil
		},
	)
	if err != nil {
		return GuildConfig{}, err
	}
	return s.GetConfig(ctx, guildID)
}

func (s *RedisStore) RemoveBypassRole(
	ctx context.Context,
	guildID, roleID string,
) (GuildConfig, error) {
	removed, err := s.client.SRem(ctx, s.bypassKey(guildID), roleID).Result()
	if err != nil {
		return GuildConfig{}, err
	}
	if removed == 0 {
		return GuildConfig{}, notInBypassList(roleID)
	}
	return s.GetConfig(ctx, guildID)
}

func (s *RedisStore) ToggleSubscription(
	ctx context.Context,
	guildID, threadID, userID string,
) (bool, error) {
	added, err := toggleScript.Run(
		ctx,
		s.client,
		[]string{s.subsKey(guildID, threadID)},
		userID,
	).Int()
	if err != nil {
		return false, err
	}
	return added == 1, nil
}

func (s *RedisStore) Subscribers(ctx context.Context, guildID, threadID string) (
	[]string,
	error,
) {
	members, err := s.client.SMembers(ctx, s.subsKey(guildID, threadID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	return members, nil
}

func (s *RedisStore) Close(context.Context) error {
	return s.client.Close()
}

func stringsToAny(items []string) []any {
	rv := make([]any, len(items))
	for i, item := range items {
		rv[i] = item
	}
	return rv
}
