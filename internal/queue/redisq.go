package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	rendezvous "github.com/dgryski/go-rendezvous"
	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"

	"github.com/SirClappington/deltasync/internal/domain"
)

const (
	readyPrefix = "tasks:ready:"
	delayedKey  = "tasks:delayed"
	pendingKey  = "tasks:pending:"
	pendingTTL  = time.Hour
)

// MalformedKey holds delayed payloads that could not be decoded.
const MalformedKey = "tasks:malformed"

// clearPendingScript drops the pending marker only while it names the popped
// task, so a retry of the same kind does not clear a waiting kick's marker.
var clearPendingScript = r.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

// RedisQ carries runtime tasks. Ready tasks sit in one list per lane; an
// owner always maps to the same lane so its tasks stay in order. Delayed
// tasks wait in a sorted set scored by run time until MoveDue promotes them.
type RedisQ struct {
	rdb   *r.Client
	lanes []string
	ring  *rendezvous.Rendezvous
}

func New(rdb *r.Client, lanes int) *RedisQ {
	if lanes <= 0 {
		lanes = 1
	}
	names := make([]string, lanes)
	for i := range names {
		names[i] = readyPrefix + strconv.Itoa(i)
	}
	return &RedisQ{
		rdb:   rdb,
		lanes: names,
		ring:  rendezvous.New(names, xxhash.Sum64String),
	}
}

func (q *RedisQ) laneFor(ownerID string) string {
	return q.ring.Lookup(ownerID)
}

func pendingFor(t domain.Task) string {
	return pendingKey + string(t.Kind) + ":" + t.OwnerID
}

// Push makes the task runnable at runAt.
func (q *RedisQ) Push(ctx context.Context, t domain.Task, runAt time.Time) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return errors.Wrap(err, "encode task")
	}
	if time.Until(runAt) > 0 {
		return q.rdb.ZAdd(ctx, delayedKey, r.Z{Score: float64(runAt.Unix()), Member: payload}).Err()
	}
	return q.rdb.LPush(ctx, q.laneFor(t.OwnerID), payload).Err()
}

// PushUnique pushes the task unless one of the same kind for the same owner
// is already waiting. It reports whether the task was pushed.
func (q *RedisQ) PushUnique(ctx context.Context, t domain.Task) (bool, error) {
	ok, err := q.rdb.SetNX(ctx, pendingFor(t), t.ID, pendingTTL).Result()
	if err != nil || !ok {
		return false, err
	}
	if err := q.Push(ctx, t, time.Time{}); err != nil {
		_ = q.rdb.Del(ctx, pendingFor(t)).Err()
		return false, err
	}
	return true, nil
}

// Pop blocks up to block for a task from any lane. ok is false on timeout.
func (q *RedisQ) Pop(ctx context.Context, block time.Duration) (domain.Task, bool, error) {
	res, err := q.rdb.BRPop(ctx, block, q.lanes...).Result()
	if errors.Is(err, r.Nil) {
		return domain.Task{}, false, nil
	}
	if err != nil {
		return domain.Task{}, false, err
	}
	if len(res) != 2 {
		return domain.Task{}, false, nil
	}
	var t domain.Task
	if err := json.Unmarshal([]byte(res[1]), &t); err != nil {
		return domain.Task{}, false, errors.Wrapf(domain.ErrMalformedState, "decode task: %v", err)
	}
	// The task is already off the list. A marker left behind expires with
	// pendingTTL, so a failed cleanup is not reported.
	_ = clearPendingScript.Run(ctx, q.rdb, []string{pendingFor(t)}, t.ID).Err()
	return t, true, nil
}

// MoveDue promotes up to batch delayed tasks whose time has come. Members
// that do not decode are parked under MalformedKey and reported as
// domain.ErrMalformedState; the decodable ones are still promoted.
func (q *RedisQ) MoveDue(ctx context.Context, now int64, batch int64) (int, error) {
	members, err := q.rdb.ZRangeByScore(ctx, delayedKey, &r.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%d", now), Offset: 0, Count: batch}).Result()
	if err != nil || len(members) == 0 {
		return 0, err
	}
	var (
		moved     int
		malformed []string
	)
	pipe := q.rdb.TxPipeline()
	for _, m := range members {
		var t domain.Task
		if err := json.Unmarshal([]byte(m), &t); err != nil {
			malformed = append(malformed, m)
			pipe.LPush(ctx, MalformedKey, m)
			pipe.ZRem(ctx, delayedKey, m)
			continue
		}
		pipe.LPush(ctx, q.laneFor(t.OwnerID), m)
		pipe.ZRem(ctx, delayedKey, m)
		moved++
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, errors.Wrap(err, "promote delayed tasks")
	}
	if len(malformed) > 0 {
		return moved, errors.Wrapf(domain.ErrMalformedState,
			"%d delayed tasks did not decode, parked in %s", len(malformed), MalformedKey)
	}
	return moved, nil
}

// Depth counts ready and delayed tasks.
func (q *RedisQ) Depth(ctx context.Context) (int64, error) {
	var total int64
	for _, lane := range q.lanes {
		n, err := q.rdb.LLen(ctx, lane).Result()
		if err != nil {
			return 0, err
		}
		total += n
	}
	delayed, err := q.rdb.ZCard(ctx, delayedKey).Result()
	if err != nil {
		return 0, err
	}
	return total + delayed, nil
}
