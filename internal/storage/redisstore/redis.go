// Package redisstore keeps pastes in Redis hashes.
//
// Each paste lives at paste:{id} with millisecond timestamps. Insert and
// ConsumeView run as Lua scripts so the server executes each one atomically.
package redisstore

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"pastebin-lite/internal/storage"
)

const (
	keyPrefix = "paste:"
	expiryKey = "paste-expiry"
)

var insertScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	return 0
end
redis.call("HSET", KEYS[1], "content", ARGV[1], "created_at", ARGV[2], "view_count", "0")
if ARGV[3] ~= "" then
	redis.call("HSET", KEYS[1], "ttl_seconds", ARGV[3])
end
if ARGV[4] ~= "" then
	redis.call("HSET", KEYS[1], "expires_at", ARGV[4])
	redis.call("ZADD", KEYS[2], ARGV[4], ARGV[7])
end
if ARGV[5] ~= "" then
	redis.call("HSET", KEYS[1], "max_views", ARGV[5])
end
if ARGV[6] ~= "" then
	redis.call("PEXPIREAT", KEYS[1], ARGV[6])
end
return 1
`)

var consumeScript = redis.NewScript(`
local v = redis.call("HMGET", KEYS[1], "content", "created_at", "ttl_seconds", "expires_at", "max_views", "view_count")
if v[1] == false then
	return false
end
local now = tonumber(ARGV[1])
if v[4] ~= false and now > tonumber(v[4]) then
	return false
end
if v[5] ~= false and tonumber(v[6]) >= tonumber(v[5]) then
	return false
end
local count = redis.call("HINCRBY", KEYS[1], "view_count", 1)
return {v[1], v[2], v[3] or "", v[4] or "", v[5] or "", tostring(count)}
`)

// Options tunes the Redis backend.
type Options struct {
	// Timeout bounds each command.
	Timeout time.Duration
	// ReclaimGrace is added to expires_at before Redis drops the key itself.
	ReclaimGrace time.Duration
}

// Store implements storage.Store on top of a go-redis client.
//
// consumer shares the connection settings of client but never retries: a
// consume script whose reply was lost may already have counted the view, so
// re-sending it could count a second one.
type Store struct {
	client   *redis.Client
	consumer *redis.Client
	opts     Options
}

// Open parses a redis:// URL, connects and pings the server.
func Open(url string, opts Options) (*Store, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	opt.PoolSize = 50
	opt.MinIdleConns = 5
	opt.PoolTimeout = 4 * time.Second
	opt.ConnMaxIdleTime = 5 * time.Minute
	opt.MaxRetries = 3
	opt.MinRetryBackoff = 8 * time.Millisecond
	opt.MaxRetryBackoff = 512 * time.Millisecond

	client := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, storage.Unavailable(errors.Wrap(err, "ping redis"))
	}
	return New(client, opts), nil
}

// New wraps an existing client. ConsumeView runs on a second client built
// from the same options with retries disabled.
func New(client *redis.Client, opts Options) *Store {
	copt := *client.Options()
	copt.MaxRetries = -1
	return &Store{client: client, consumer: redis.NewClient(&copt), opts: opts}
}

func key(id string) string { return keyPrefix + id }

func (s *Store) Insert(ctx context.Context, paste *storage.Paste) (string, error) {
	if err := paste.Validate(); err != nil {
		return "", err
	}
	ctx, cancel := storage.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	var expiresAt, reclaimAt string
	if paste.ExpiresAt != nil {
		expiresAt = strconv.FormatInt(paste.ExpiresAt.UnixMilli(), 10)
		reclaimAt = strconv.FormatInt(paste.ExpiresAt.Add(s.opts.ReclaimGrace).UnixMilli(), 10)
	}
	created, err := insertScript.Run(ctx, s.client,
		[]string{key(paste.ID), expiryKey},
		paste.Content,
		strconv.FormatInt(paste.CreatedAt.UnixMilli(), 10),
		optionalInt(paste.TTLSeconds),
		expiresAt,
		optionalInt(paste.MaxViews),
		reclaimAt,
		paste.ID,
	).Int()
	if err != nil {
		return "", classify(err, "insert paste")
	}
	if created == 0 {
		return "", storage.ErrConflict
	}
	return paste.ID, nil
}

func (s *Store) Get(ctx context.Context, id string) (*storage.Paste, error) {
	ctx, cancel := storage.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	fields, err := s.client.HGetAll(ctx, key(id)).Result()
	if err != nil {
		return nil, classify(err, "get paste")
	}
	if len(fields) == 0 {
		return nil, storage.ErrNotFound
	}
	return decode(id, []string{
		fields["content"],
		fields["created_at"],
		fields["ttl_seconds"],
		fields["expires_at"],
		fields["max_views"],
		fields["view_count"],
	})
}

func (s *Store) ConsumeView(ctx context.Context, id string, now time.Time) (*storage.Paste, error) {
	ctx, cancel := storage.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	vals, err := consumeScript.Run(ctx, s.consumer, []string{key(id)}, now.UnixMilli()).StringSlice()
	if err == redis.Nil {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, classify(err, "consume view")
	}
	return decode(id, vals)
}

// DeleteExpired removes pastes whose expiry is strictly before the cutoff. Redis
// also drops keys on its own once the reclaim grace has passed; those only
// leave a stale index entry behind, which is cleared here too.
func (s *Store) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	ctx, cancel := storage.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	ids, err := s.client.ZRangeByScore(ctx, expiryKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(before.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, classify(err, "scan expiry index")
	}
	if len(ids) == 0 {
		return 0, nil
	}

	dels := make([]*redis.IntCmd, 0, len(ids))
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range ids {
			dels = append(dels, pipe.Del(ctx, key(id)))
		}
		members := make([]any, len(ids))
		for i, id := range ids {
			members[i] = id
		}
		pipe.ZRem(ctx, expiryKey, members...)
		return nil
	})
	if err != nil {
		return 0, classify(err, "delete expired")
	}
	removed := 0
	for _, cmd := range dels {
		removed += int(cmd.Val())
	}
	return removed, nil
}

func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := storage.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()
	if err := s.client.Ping(ctx).Err(); err != nil {
		return storage.Unavailable(errors.Wrap(err, "ping redis"))
	}
	return nil
}

func (s *Store) Close() error {
	cerr := s.consumer.Close()
	if err := s.client.Close(); err != nil {
		return err
	}
	return cerr
}

// decode turns the field list content, created_at, ttl_seconds, expires_at,
// max_views, view_count into a paste. Empty strings mean the field is unset.
func decode(id string, v []string) (*storage.Paste, error) {
	if len(v) != 6 {
		return nil, errors.Errorf("redis paste %s: expected 6 fields, got %d", id, len(v))
	}
	created, err := strconv.ParseInt(v[1], 10, 64)
	if err != nil {
		return nil, errors.Wrap(err, "parse created_at")
	}
	count, err := strconv.Atoi(v[5])
	if err != nil {
		return nil, errors.Wrap(err, "parse view_count")
	}
	p := &storage.Paste{
		ID:        id,
		Content:   v[0],
		CreatedAt: time.UnixMilli(created).UTC(),
		ViewCount: count,
	}
	if p.TTLSeconds, err = parseOptionalInt(v[2]); err != nil {
		return nil, errors.Wrap(err, "parse ttl_seconds")
	}
	if p.MaxViews, err = parseOptionalInt(v[4]); err != nil {
		return nil, errors.Wrap(err, "parse max_views")
	}
	if v[3] != "" {
		ms, err := strconv.ParseInt(v[3], 10, 64)
		if err != nil {
			return nil, errors.Wrap(err, "parse expires_at")
		}
		at := time.UnixMilli(ms).UTC()
		p.ExpiresAt = &at
	}
	return p, nil
}

func classify(err error, msg string) error {
	if errors.Is(err, redis.ErrPoolTimeout) || errors.Is(err, redis.ErrClosed) {
		return storage.Unavailable(errors.Wrap(err, msg))
	}
	return storage.Classify(err, msg)
}

func optionalInt(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}

func parseOptionalInt(s string) (*int, error) {
	if s == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return nil, err
	}
	return &n, nil
}
