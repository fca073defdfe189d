package backend

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	dlerrors "github.com/mirkobrombin/go-dlock/v1/errors"
)

const defaultPrefix = "dlock"

// RedisOptions configures a Redis node.
type RedisOptions struct {
	// Name identifies the node; defaults to the client's address.
	Name string
	// Prefix namespaces every key written by the node.
	Prefix string
}

// Redis implements Node on top of a Redis server.
type Redis struct {
	client redis.UniversalClient
	name   string
	prefix string
}

// NewRedis returns a Redis node using the provided client.
func NewRedis(client redis.UniversalClient, opts RedisOptions) *Redis {
	name := opts.Name
	if name == "" {
		if c, ok := client.(*redis.Client); ok {
			name = "redis://" + c.Options().Addr
		} else {
			name = "redis"
		}
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Redis{client: client, name: name, prefix: prefix}
}

// Name implements Node.Name.
func (r *Redis) Name() string { return r.name }

// keys returns the record, queue and timeout keys for key. They share a hash
// tag so a cluster keeps them in one slot.
func (r *Redis) keys(key string) []string {
	base := r.prefix + ":{" + key + "}"
	return []string{base, base + ":queue", base + ":timeouts"}
}

func (r *Redis) unavailable(err error) error {
	return fmt.Errorf("%w: %s: %w", dlerrors.ErrBackendUnavailable, r.name, err)
}

func modeArg(m Mode) string {
	if m == ModeShared {
		return "s"
	}
	return "x"
}

// Acquire implements Node.Acquire.
func (r *Redis) Acquire(ctx context.Context, req Request) (Result, error) {
	if req.Lease < MinLease {
		return Result{}, ErrInvalidLease
	}
	res, err := acquireScript.Run(ctx, r.client, r.keys(req.Key),
		req.Owner,
		req.Lease.Milliseconds(),
		modeArg(req.Mode),
		req.Queue.Milliseconds(),
		time.Now().UnixMilli(),
	).Int64()
	if err != nil {
		return Result{}, r.unavailable(err)
	}
	switch {
	case res == -1:
		return Result{Acquired: true}, nil
	case res == -2:
		return Result{}, dlerrors.ErrUpgrade
	default:
		return Result{TTL: time.Duration(res) * time.Millisecond}, nil
	}
}

// Renew implements Node.Renew.
func (r *Redis) Renew(ctx context.Context, key, owner string, lease time.Duration) (bool, error) {
	if lease < MinLease {
		return false, ErrInvalidLease
	}
	res, err := renewScript.Run(ctx, r.client, r.keys(key)[:1], owner, lease.Milliseconds()).Int64()
	if err != nil {
		return false, r.unavailable(err)
	}
	return res == 1, nil
}

// Release implements Node.Release.
func (r *Redis) Release(ctx context.Context, key, owner string, mode Mode) (Release, error) {
	res, err := releaseScript.Run(ctx, r.client, r.keys(key)[:1], owner, modeArg(mode)).Int64()
	if err != nil {
		return Release{}, r.unavailable(err)
	}
	switch res {
	case -1:
		return Release{}, nil
	case 1:
		return Release{Owned: true, Freed: true}, nil
	case 2:
		return Release{Owned: true, Downgraded: true}, nil
	default:
		return Release{Owned: true}, nil
	}
}

// Leave implements Node.Leave.
func (r *Redis) Leave(ctx context.Context, key, owner string) error {
	if err := leaveScript.Run(ctx, r.client, r.keys(key)[1:], owner).Err(); err != nil {
		return r.unavailable(err)
	}
	return nil
}

// Inspect implements Node.Inspect. Waiters whose queue slot expired are
// left out of the snapshot; the next fair acquisition removes them.
func (r *Redis) Inspect(ctx context.Context, key string) (Record, bool, error) {
	keys := r.keys(key)
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	var (
		fields *redis.MapStringStringCmd
		ttl    *redis.DurationCmd
		queue  *redis.StringSliceCmd
		live   *redis.StringSliceCmd
	)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		fields = pipe.HGetAll(ctx, keys[0])
		ttl = pipe.PTTL(ctx, keys[0])
		queue = pipe.LRange(ctx, keys[1], 0, -1)
		live = pipe.ZRangeByScore(ctx, keys[2], &redis.ZRangeBy{Min: "(" + now, Max: "+inf"})
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return Record{}, false, r.unavailable(err)
	}
	rec := Record{Key: key, Queue: liveWaiters(queue.Val(), live.Val())}
	m := fields.Val()
	if len(m) == 0 {
		return rec, false, nil
	}
	rec.Holders = make(map[string]int, len(m))
	rec.Writers = make(map[string]int)
	for f, v := range m {
		var target map[string]int
		owner, ok := strings.CutPrefix(f, "o:")
		if ok {
			target = rec.Holders
		} else if owner, ok = strings.CutPrefix(f, "w:"); ok {
			target = rec.Writers
		} else {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return Record{}, false, fmt.Errorf("dlock: corrupt hold count for %q: %w", owner, err)
		}
		target[owner] = n
	}
	if m["mode"] == "s" {
		rec.Mode = ModeShared
	}
	if d := ttl.Val(); d > 0 {
		rec.TTL = d
	}
	return rec, true, nil
}

// liveWaiters keeps the queued owners that still own a slot.
func liveWaiters(queue, live []string) []string {
	if len(queue) == 0 {
		return nil
	}
	ok := make(map[string]bool, len(live))
	for _, o := range live {
		ok[o] = true
	}
	var out []string
	for _, o := range queue {
		if ok[o] {
			out = append(out, o)
		}
	}
	return out
}
