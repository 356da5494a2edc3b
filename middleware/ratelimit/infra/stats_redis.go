package infra

import (
	"context"
	"fmt"
	"strings"
	"time"

	"admission-gateway/middleware/ratelimit/domain"

	"github.com/redis/go-redis/v9"
)

// RedisStatsStore grava contadores de decisão em hashes do Redis:
//
//	<prefix>:total              allowed/denied
//	<prefix>:minute:<yyyymmddhhmm>  allowed/denied (com TTL)
//	<prefix>:rule               <code>:allowed / <code>:denied
//	<prefix>:route              "<METHOD> <path>:allowed" ...
//	<prefix>:ip:<ip>            allowed/denied (opcional, com TTL)
type RedisStatsStore struct {
	rdb redis.Cmdable

	prefix string
	// ttl aplica apenas em chaves de série temporal / por IP.
	// total e rule são cumulativos e não expiram.
	ttl time.Duration

	bucket string // "minute" (padrão) ou "none"

	trackIPs bool
}

type RedisStatsOption func(*RedisStatsStore)

func WithStatsPrefix(prefix string) RedisStatsOption {
	return func(s *RedisStatsStore) {
		s.prefix = strings.Trim(prefix, ":")
	}
}

func WithStatsTTL(d time.Duration) RedisStatsOption {
	return func(s *RedisStatsStore) { s.ttl = d }
}

func WithStatsBucket(bucket string) RedisStatsOption {
	return func(s *RedisStatsStore) { s.bucket = strings.ToLower(strings.TrimSpace(bucket)) }
}

func WithStatsTrackIPs(track bool) RedisStatsOption {
	return func(s *RedisStatsStore) { s.trackIPs = track }
}

func NewRedisStatsStore(rdb redis.Cmdable, opts ...RedisStatsOption) *RedisStatsStore {
	s := &RedisStatsStore{
		rdb:    rdb,
		prefix: "admission:stats",
		ttl:    24 * time.Hour,
		bucket: "minute",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStatsStore) Record(ctx context.Context, ev domain.StatsEvent) error {
	if s == nil || s.rdb == nil {
		return nil
	}

	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}

	field := "denied"
	if ev.Allowed {
		field = "allowed"
	}

	pipe := s.rdb.Pipeline()
	pipe.HIncrBy(ctx, s.prefix+":total", field, 1)

	if s.bucket == "minute" {
		bucketKey := fmt.Sprintf("%s:minute:%s", s.prefix, at.UTC().Format("200601021504"))
		pipe.HIncrBy(ctx, bucketKey, field, 1)
		if s.ttl > 0 {
			pipe.Expire(ctx, bucketKey, s.ttl)
		}
	}

	if rule := ruleBucket(ev); rule != "" {
		pipe.HIncrBy(ctx, s.prefix+":rule", rule+":"+field, 1)
	}

	routeField := strings.TrimSpace(strings.TrimSpace(ev.Method) + " " + strings.TrimSpace(ev.Path))
	if routeField != "" {
		pipe.HIncrBy(ctx, s.prefix+":route", routeField+":"+field, 1)
	}

	if s.trackIPs {
		if ip := strings.TrimSpace(ev.IP); ip != "" {
			ipKey := s.prefix + ":ip:" + ip
			pipe.HIncrBy(ctx, ipKey, field, 1)
			if s.ttl > 0 {
				pipe.Expire(ctx, ipKey, s.ttl)
			}
		}
	}

	_, err := pipe.Exec(ctx)
	return err
}

// ByRule lê o hash <prefix>:rule e monta os contadores por regra.
func (s *RedisStatsStore) ByRule(ctx context.Context) (map[string]domain.DecisionCounters, error) {
	raw, err := s.rdb.HGetAll(ctx, s.prefix+":rule").Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]domain.DecisionCounters)
	for f, v := range raw {
		i := strings.LastIndexByte(f, ':')
		if i <= 0 {
			continue
		}
		var n int64
		if _, err := fmt.Sscan(v, &n); err != nil {
			continue
		}
		c := out[f[:i]]
		switch f[i+1:] {
		case "allowed":
			c.Allowed += n
		case "denied":
			c.Denied += n
		}
		out[f[:i]] = c
	}
	return out, nil
}
