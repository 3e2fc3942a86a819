// Package store wraps the shared key/value-and-sorted-set store that
// coordinates a fleet of dispatch engines, per spec.md §4.2. It exposes the
// handful of operations the dispatch engine needs and nothing else: no
// general-purpose command passthrough.
package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/redis/go-redis/v9"
)

const (
	queueKey   = "msgq"
	channelKey = "ndt"
	claimTTL   = 1000 * time.Millisecond
)

func contentKey(id string) string { return "msg:" + id }
func lockKey(id string) string    { return "lk:" + id }

// conn is the subset of *redis.Client's command surface the Gateway needs.
// Narrowing it to an interface, rather than depending on *redis.Client
// directly, is what lets gateway_test.go exercise Gateway against a hand-
// rolled recorder instead of a live store.
type conn interface {
	ZRangeWithScores(ctx context.Context, key string, start, stop int64) *redis.ZSliceCmd
	ZRangeByScoreWithScores(ctx context.Context, key string, opt *redis.ZRangeBy) *redis.ZSliceCmd
	ZRevRangeByScoreWithScores(ctx context.Context, key string, opt *redis.ZRangeBy) *redis.ZSliceCmd
	ZAddNX(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
	ZRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error
	Close() error
}

// Gateway is the sole point of contact with the shared store. It holds two
// logical connections: cmd for request/response and transactional work, and
// a separate subscriber connection created on demand by Subscribe, per
// spec.md §4.3.1 (a blocked SUBSCRIBE connection must never starve ordinary
// command traffic).
type Gateway struct {
	cmd conn
	sub *redis.Client
}

// New wraps an already-configured pair of clients. Callers are expected to
// construct clients (addresses, TLS, auth) via the config package and pass
// them in; Gateway does not own connection lifecycle beyond Close.
func New(cmd, sub *redis.Client) *Gateway {
	return &Gateway{cmd: cmd, sub: sub}
}

// Close releases both underlying connections.
func (g *Gateway) Close() error {
	var result *multierror.Error
	if err := g.cmd.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := g.sub.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// Entry is one member of the due-time sorted set.
type Entry struct {
	ID      string
	DueTime float64
}

// RangeMin returns the single message with the lowest due time, if any.
func (g *Gateway) RangeMin(ctx context.Context) (Entry, bool, error) {
	zs, err := g.cmd.ZRangeWithScores(ctx, queueKey, 0, 0).Result()
	if err != nil {
		return Entry{}, false, fmt.Errorf("store: range min: %w", err)
	}
	if len(zs) == 0 {
		return Entry{}, false, nil
	}
	id, ok := zs[0].Member.(string)
	if !ok {
		return Entry{}, false, fmt.Errorf("store: range min: non-string member %v", zs[0].Member)
	}
	return Entry{ID: id, DueTime: zs[0].Score}, true, nil
}

// RangeLowHigh fetches up to limit entries with due time <= cutoff. When
// descending is false entries come back ascending (lowest due time first);
// when true they come back descending (highest due time, still <= cutoff,
// first). This supports the inspection loop's alternating-ends batch scan
// (spec.md §4.3.4).
func (g *Gateway) RangeLowHigh(ctx context.Context, cutoff float64, descending bool, limit int64) ([]Entry, error) {
	by := &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatFloat(cutoff, 'f', -1, 64),
		Count: limit,
	}

	var zs []redis.Z
	var err error
	if descending {
		zs, err = g.cmd.ZRevRangeByScoreWithScores(ctx, queueKey, by).Result()
	} else {
		zs, err = g.cmd.ZRangeByScoreWithScores(ctx, queueKey, by).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("store: range low/high: %w", err)
	}

	out := make([]Entry, 0, len(zs))
	for _, z := range zs {
		id, ok := z.Member.(string)
		if !ok {
			continue
		}
		out = append(out, Entry{ID: id, DueTime: z.Score})
	}
	return out, nil
}

// WriteMessage durably records a new message: content under msg:<id>,
// due-time membership in msgq (NX: a colliding id already present is left
// untouched), and, if publish is true, a best-effort freshness notification
// on ndt. Per spec.md §4.2, a non-1 ZADD result (the id was already queued)
// is logged by the caller but is not itself an error — WriteMessage reports
// it via the added return value rather than failing the call.
func (g *Gateway) WriteMessage(ctx context.Context, id, text string, dueTimeMs float64, publish bool) (added bool, err error) {
	if err := g.cmd.Set(ctx, contentKey(id), text, 0).Err(); err != nil {
		return false, fmt.Errorf("store: write message: set content: %w", err)
	}

	n, err := g.cmd.ZAddNX(ctx, queueKey, redis.Z{Score: dueTimeMs, Member: id}).Result()
	if err != nil {
		g.rollback(ctx, id)
		return false, fmt.Errorf("store: write message: zadd: %w", err)
	}

	if publish {
		if err := g.cmd.Publish(ctx, channelKey, encodeDueTime(dueTimeMs)).Err(); err != nil {
			// The message is already durably written and queued; a failed
			// freshness notification only delays pickup until the next
			// inspection-loop wake-up or a peer's own publish, so this is
			// logged by the caller rather than rolled back.
			return n == 1, fmt.Errorf("store: write message: publish: %w", err)
		}
	}

	return n == 1, nil
}

// rollback removes a partially-written message's content and queue
// membership. Best-effort: it logs nothing itself (the caller already has
// an error to log) and swallows its own errors, since there's nothing
// further to do about a failed cleanup of a failed write.
func (g *Gateway) rollback(ctx context.Context, id string) {
	g.cmd.ZRem(ctx, queueKey, id)
	g.cmd.Del(ctx, contentKey(id))
}

// Claim attempts to acquire the short-lived processing lock for id. Returns
// true if this call acquired it.
func (g *Gateway) Claim(ctx context.Context, id string) (bool, error) {
	ok, err := g.cmd.SetNX(ctx, lockKey(id), "1", claimTTL).Result()
	if err != nil {
		return false, fmt.Errorf("store: claim %s: %w", id, err)
	}
	return ok, nil
}

// FetchContent retrieves a message's text. found is false if the key is
// absent (already dispatched and cleaned up by a racing peer).
func (g *Gateway) FetchContent(ctx context.Context, id string) (text string, found bool, err error) {
	text, err = g.cmd.Get(ctx, contentKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: fetch content %s: %w", id, err)
	}
	return text, true, nil
}

// Cleanup removes a dispatched message's queue membership, content, and
// processing lock. Best-effort: per spec.md §4.3.5 errors here are logged
// by the caller but never retried, since the message has already been
// emitted and a missed cleanup is at worst a slow leak the store's own TTL
// (on the lock) or an operator will clear.
func (g *Gateway) Cleanup(ctx context.Context, id string) error {
	var result *multierror.Error
	if err := g.cmd.ZRem(ctx, queueKey, id).Err(); err != nil {
		result = multierror.Append(result, fmt.Errorf("zrem: %w", err))
	}
	if err := g.cmd.Del(ctx, contentKey(id)).Err(); err != nil {
		result = multierror.Append(result, fmt.Errorf("del content: %w", err))
	}
	if err := g.cmd.Del(ctx, lockKey(id)).Err(); err != nil {
		result = multierror.Append(result, fmt.Errorf("del lock: %w", err))
	}
	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("store: cleanup %s: %w", id, err)
	}
	return nil
}

// WatchedRepublish re-reads the current queue minimum and republishes it on
// ndt inside an optimistic transaction watching msgq, per spec.md §4.3.3. If
// another writer mutates msgq between the read and the publish, the
// transaction aborts silently: whichever peer's write caused the conflict
// is responsible for its own publish, so no retry is needed here.
func (g *Gateway) WatchedRepublish(ctx context.Context) error {
	err := g.cmd.Watch(ctx, func(tx *redis.Tx) error {
		zs, err := tx.ZRangeWithScores(ctx, queueKey, 0, 0).Result()
		if err != nil {
			return err
		}

		var payload []byte
		if len(zs) > 0 {
			payload = encodeDueTime(zs[0].Score)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Publish(ctx, channelKey, payload)
			return nil
		})
		return err
	}, queueKey)

	if errors.Is(err, redis.TxFailedErr) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("store: watched republish: %w", err)
	}
	return nil
}
