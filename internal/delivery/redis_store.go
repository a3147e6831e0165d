package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps jobs in Redis so the queue survives restarts and can be
// shared by several processes.
//
// Layout under prefix:
//
//	<prefix>:job:<id>   JSON job record
//	<prefix>:waiting    list, FIFO
//	<prefix>:active     zset scored by lease deadline (ms)
//	<prefix>:delayed    zset scored by run-at (ms)
//	<prefix>:completed  zset scored by finish time (ms)
//	<prefix>:failed     zset scored by finish time (ms)
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// DialRedis connects and pings. The caller owns the returned store.
func DialRedis(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, errors.New("redis addr is empty")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	return NewRedisStore(client, cfg.Prefix), nil
}

func NewRedisStore(rdb redis.UniversalClient, prefix string) *RedisStore {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "pulse:delivery"
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) key(name string) string { return s.prefix + ":" + name }
func (s *RedisStore) jobKey(id string) string { return s.prefix + ":job:" + id }
func (s *RedisStore) jobPrefix() string       { return s.prefix + ":job:" }

func ms(t time.Time) int64 { return t.UnixMilli() }

var addScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1])
if ARGV[4] == '1' then
  redis.call('ZADD', KEYS[3], ARGV[3], ARGV[2])
else
  redis.call('RPUSH', KEYS[2], ARGV[2])
end
return 1
`)

// claimScript promotes due delayed jobs and expired leases, then pops one waiting job.
var claimScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', ARGV[1])
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[3], id)
  redis.call('RPUSH', KEYS[1], id)
end
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', '(' .. ARGV[1])
for _, id in ipairs(expired) do
  redis.call('ZREM', KEYS[2], id)
  redis.call('RPUSH', KEYS[1], id)
end
while true do
  local id = redis.call('LPOP', KEYS[1])
  if not id then
    return false
  end
  local body = redis.call('GET', ARGV[3] .. id)
  if body then
    redis.call('ZADD', KEYS[2], ARGV[2], id)
    return {id, body}
  end
end
`)

var requeueScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[2]) == 0 then
  return 0
end
redis.call('SET', KEYS[3], ARGV[1])
redis.call('RPUSH', KEYS[2], ARGV[2])
return 1
`)

// pruneScript drops members older than ARGV[1] (ms, -1 disables) and keeps at
// most ARGV[2] newest members (-1 disables).
var pruneScript = redis.NewScript(`
local removed = 0
local function drop(ids)
  for _, id in ipairs(ids) do
    redis.call('ZREM', KEYS[1], id)
    redis.call('DEL', ARGV[3] .. id)
    removed = removed + 1
  end
end
if tonumber(ARGV[1]) >= 0 then
  drop(redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1]))
end
local keep = tonumber(ARGV[2])
if keep >= 0 then
  local n = redis.call('ZCARD', KEYS[1])
  if n > keep then
    drop(redis.call('ZRANGE', KEYS[1], 0, n - keep - 1))
  end
end
return removed
`)

func (s *RedisStore) Add(ctx context.Context, job Job) (bool, error) {
	body, err := json.Marshal(job)
	if err != nil {
		return false, err
	}
	delayed := "0"
	if job.State == StateDelayed {
		delayed = "1"
	}
	n, err := addScript.Run(ctx, s.rdb,
		[]string{s.jobKey(job.ID), s.key("waiting"), s.key("delayed")},
		body, job.ID, ms(job.RunAt), delayed,
	).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *RedisStore) Claim(ctx context.Context, now time.Time, lease time.Duration) (Job, bool, error) {
	res, err := claimScript.Run(ctx, s.rdb,
		[]string{s.key("waiting"), s.key("active"), s.key("delayed")},
		ms(now), ms(now.Add(lease)), s.jobPrefix(),
	).Slice()
	if errors.Is(err, redis.Nil) {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, err
	}
	if len(res) != 2 {
		return Job{}, false, fmt.Errorf("claim: unexpected reply %v", res)
	}
	body, _ := res[1].(string)
	var job Job
	if err := json.Unmarshal([]byte(body), &job); err != nil {
		return Job{}, false, fmt.Errorf("claim: decode job: %w", err)
	}
	job.State = StateActive
	job.LeaseUntil = now.Add(lease)
	job.UpdatedAt = now
	if err := s.put(ctx, job); err != nil {
		return Job{}, false, err
	}
	return job, true, nil
}

func (s *RedisStore) put(ctx context.Context, job Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, s.jobKey(job.ID), body, 0).Err()
}

func (s *RedisStore) Settle(ctx context.Context, job Job) error {
	job.LeaseUntil = time.Time{}
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}
	var set string
	var score int64
	switch job.State {
	case StateCompleted:
		set, score = s.key("completed"), ms(job.FinishedAt)
	case StateFailed:
		set, score = s.key("failed"), ms(job.FinishedAt)
	case StateDelayed:
		set, score = s.key("delayed"), ms(job.RunAt)
	default:
		return fmt.Errorf("settle %s: unexpected state %q", job.ID, job.State)
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, s.key("active"), job.ID)
		p.Set(ctx, s.jobKey(job.ID), body, 0)
		p.ZAdd(ctx, set, redis.Z{Score: float64(score), Member: job.ID})
		return nil
	})
	return err
}

func (s *RedisStore) Get(ctx context.Context, id string) (Job, error) {
	body, err := s.rdb.Get(ctx, s.jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, err
	}
	var job Job
	if err := json.Unmarshal(body, &job); err != nil {
		return Job{}, err
	}
	return job, nil
}

func (s *RedisStore) Requeue(ctx context.Context, id string, now time.Time) error {
	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.State != StateFailed {
		return ErrNotFailed
	}
	resetForRequeue(&job, now)
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}
	n, err := requeueScript.Run(ctx, s.rdb,
		[]string{s.key("failed"), s.key("waiting"), s.jobKey(id)},
		body, id,
	).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFailed
	}
	return nil
}

func (s *RedisStore) Counts(ctx context.Context) (Metrics, error) {
	var (
		waiting                               *redis.IntCmd
		active, delayed, completed, failedCmd *redis.IntCmd
	)
	_, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		waiting = p.LLen(ctx, s.key("waiting"))
		active = p.ZCard(ctx, s.key("active"))
		delayed = p.ZCard(ctx, s.key("delayed"))
		completed = p.ZCard(ctx, s.key("completed"))
		failedCmd = p.ZCard(ctx, s.key("failed"))
		return nil
	})
	if err != nil {
		return Metrics{}, err
	}
	return Metrics{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Delayed:   delayed.Val(),
		Completed: completed.Val(),
		Failed:    failedCmd.Val(),
	}, nil
}

func (s *RedisStore) Recent(ctx context.Context, n int) ([]Job, error) {
	if n <= 0 {
		n = 50
	}
	stop := int64(n - 1)
	var cmds []*redis.StringSliceCmd
	_, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, set := range []string{"completed", "failed", "active", "delayed"} {
			cmds = append(cmds, p.ZRevRange(ctx, s.key(set), 0, stop))
		}
		cmds = append(cmds, p.LRange(ctx, s.key("waiting"), -int64(n), -1))
		return nil
	})
	if err != nil {
		return nil, err
	}
	seen := map[string]struct{}{}
	var keys []string
	for _, c := range cmds {
		for _, id := range c.Val() {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			keys = append(keys, s.jobKey(id))
		}
	}
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Job, 0, len(vals))
	for _, v := range vals {
		body, ok := v.(string)
		if !ok {
			continue
		}
		var job Job
		if err := json.Unmarshal([]byte(body), &job); err != nil {
			continue
		}
		out = append(out, job)
	}
	sortRecent(out)
	if len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (s *RedisStore) Prune(ctx context.Context, now time.Time, r Retention) (int, error) {
	total := 0
	for _, p := range []struct {
		set  string
		keep int
		age  time.Duration
	}{
		{"completed", r.KeepCompleted, r.KeepCompletedFor},
		{"failed", r.KeepFailed, r.KeepFailedFor},
	} {
		cutoff, keep := int64(-1), -1
		if p.age > 0 {
			cutoff = ms(now.Add(-p.age))
		}
		if p.keep > 0 {
			keep = p.keep
		}
		n, err := pruneScript.Run(ctx, s.rdb, []string{s.key(p.set)}, cutoff, keep, s.jobPrefix()).Int()
		if err != nil {
			return total, fmt.Errorf("prune %s: %w", p.set, err)
		}
		total += n
	}
	return total, nil
}

func (s *RedisStore) Close() error { return s.rdb.Close() }
