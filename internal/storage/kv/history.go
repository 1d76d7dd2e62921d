package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"iam-monitor/internal/schema"

	"github.com/redis/go-redis/v9"
)

// lastSeenTTL outlives the history window so dormancy longer than the
// retention can still be measured.
const lastSeenTTL = 400 * 24 * time.Hour

// setIfNewer keeps the largest timestamp seen for a principal.
var setIfNewer = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if (not cur) or tonumber(cur) < tonumber(ARGV[1]) then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
end
return 1`)

// Record appends ev to its principal's history. It must run after the
// detectors so they observe the state before ev; a redelivered event
// rewrites the same members.
func (s *Store) Record(ctx context.Context, ev *schema.Event) error {
	body, err := json.Marshal(schema.ActivityOf(ev))
	if err != nil {
		return fmt.Errorf("kv: encode activity: %w", err)
	}
	ms := ev.EventTime.UnixMilli()
	cutoff := "(" + strconv.FormatInt(time.Now().Add(-s.cfg.HistoryRetention).UnixMilli(), 10)
	keep := int64(-(s.cfg.HistoryMaxEntries + 1))

	pipe := s.client.TxPipeline()

	ak := s.key("activity", ev.Principal)
	pipe.ZAdd(ctx, ak, redis.Z{Score: float64(ms), Member: string(body)})
	pipe.ZRemRangeByScore(ctx, ak, "-inf", cutoff)
	pipe.ZRemRangeByRank(ctx, ak, 0, keep)
	pipe.Expire(ctx, ak, s.cfg.HistoryRetention)

	if ev.SourceIP != "" {
		ik := s.key("ips", ev.Principal)
		pipe.SAdd(ctx, ik, ev.SourceIP)
		pipe.Expire(ctx, ik, s.cfg.HistoryRetention)
	}
	if ev.IsPolicyChange() {
		pk := s.key("policy", ev.Principal)
		pipe.ZAdd(ctx, pk, redis.Z{Score: float64(ms), Member: ev.EventID})
		pipe.ZRemRangeByScore(ctx, pk, "-inf", cutoff)
		pipe.Expire(ctx, pk, s.cfg.HistoryRetention)
	}
	setIfNewer.Eval(ctx, pipe, []string{s.key("lastseen", ev.Principal)}, ms, lastSeenTTL.Milliseconds())

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("kv: record %s: %w", ev.EventID, err)
	}
	return nil
}

// Activity returns the principal's entries at or after since, oldest first.
func (s *Store) Activity(ctx context.Context, principal string, since time.Time) ([]schema.Activity, error) {
	members, err := s.client.ZRangeByScore(ctx, s.key("activity", principal), &redis.ZRangeBy{
		Min: strconv.FormatInt(since.UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("kv: activity %s: %w", principal, err)
	}
	out := make([]schema.Activity, 0, len(members))
	for _, m := range members {
		var a schema.Activity
		if err := json.Unmarshal([]byte(m), &a); err != nil {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// LastSeen returns when the principal was last active.
func (s *Store) LastSeen(ctx context.Context, principal string) (time.Time, bool, error) {
	ms, err := s.client.Get(ctx, s.key("lastseen", principal)).Int64()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("kv: last seen %s: %w", principal, err)
	}
	return time.UnixMilli(ms).UTC(), true, nil
}

// SourceIPSeen reports whether ip was used by the principal before, and
// whether any source IP is on record for it at all.
func (s *Store) SourceIPSeen(ctx context.Context, principal, ip string) (seen, known bool, err error) {
	ik := s.key("ips", principal)
	pipe := s.client.Pipeline()
	member := pipe.SIsMember(ctx, ik, ip)
	card := pipe.SCard(ctx, ik)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return false, false, fmt.Errorf("kv: source ips %s: %w", principal, err)
	}
	return member.Val(), card.Val() > 0, nil
}

// PolicyChanges counts the principal's policy changes at or after since.
func (s *Store) PolicyChanges(ctx context.Context, principal string, since time.Time) (int, error) {
	n, err := s.client.ZCount(ctx, s.key("policy", principal), strconv.FormatInt(since.UnixMilli(), 10), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("kv: policy changes %s: %w", principal, err)
	}
	return int(n), nil
}

// MarkPublicExposure remembers that bucket was made public.
func (s *Store) MarkPublicExposure(ctx context.Context, bucket string) error {
	if err := s.client.SAdd(ctx, s.key("exposed"), bucket).Err(); err != nil {
		return fmt.Errorf("kv: mark exposure %s: %w", bucket, err)
	}
	return nil
}

// HadPublicExposure reports whether bucket was public before.
func (s *Store) HadPublicExposure(ctx context.Context, bucket string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, s.key("exposed"), bucket).Result()
	if err != nil {
		return false, fmt.Errorf("kv: exposure %s: %w", bucket, err)
	}
	return ok, nil
}
