package store

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// decrOrDelete runs as one script so concurrent callers never observe the
// counter between the decrement and the delete.
var decrOrDelete = redis.NewScript(`
local v = tonumber(redis.call('INCRBYFLOAT', KEYS[1], -tonumber(ARGV[1])))
if v <= 0 then
  redis.call('DEL', KEYS[1])
end
return tostring(v)
`)

// Redis is a Store backed by a redis server or cluster.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

var _ Store = (*Redis)(nil)

// NewRedis returns a Store using client. prefix is prepended to every key.
func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) key(k string) string {
	return r.prefix + k
}

func (r *Redis) IncrByFloat(ctx context.Context, key string, delta float64, ttl time.Duration) (float64, error) {
	var incr *redis.FloatCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.IncrByFloat(ctx, r.key(key), delta)
		pipe.Expire(ctx, r.key(key), ttl)
		return nil
	})
	if err != nil {
		return 0, errors.Wrapf(err, "incrbyfloat %s", key)
	}
	return incr.Val(), nil
}

func (r *Redis) DecrByFloatOrDelete(ctx context.Context, key string, delta float64) (float64, error) {
	v, err := decrOrDelete.Run(ctx, r.client, []string{r.key(key)}, strconv.FormatFloat(delta, 'f', -1, 64)).Float64()
	if err != nil {
		return 0, errors.Wrapf(err, "decrement %s", key)
	}
	return v, nil
}

func (r *Redis) GetFloats(ctx context.Context, keys ...string) ([]float64, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.key(k)
	}
	vals, err := r.client.MGet(ctx, full...).Result()
	if err != nil {
		return nil, errors.Wrap(err, "mget")
	}

	out := make([]float64, len(keys))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "parse %s", keys[i])
		}
		out[i] = f
	}
	return out, nil
}

func (r *Redis) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	var incr *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, r.key(key))
		pipe.Expire(ctx, r.key(key), ttl)
		return nil
	})
	if err != nil {
		return 0, errors.Wrapf(err, "incr %s", key)
	}
	return incr.Val(), nil
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := r.client.Get(ctx, r.key(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	} else if err != nil {
		return nil, false, errors.Wrapf(err, "get %s", key)
	}
	return b, true, nil
}

func (r *Redis) SetMulti(ctx context.Context, entries map[string][]byte, ttl time.Duration) error {
	if len(entries) == 0 {
		return nil
	}
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for k, v := range entries {
			pipe.Set(ctx, r.key(k), v, ttl)
		}
		return nil
	})
	return errors.Wrap(err, "set multi")
}

func (r *Redis) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.key(k)
	}
	return errors.Wrap(r.client.Del(ctx, full...).Err(), "del")
}
