package health

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-redis/redis/v8"
)

const (
	// DefaultMonitorSetKey holds the ids of every monitor.
	DefaultMonitorSetKey = "monitors:ids"

	// DefaultMonitorKeyPrefix prefixes each monitor hash key.
	DefaultMonitorKeyPrefix = "monitor:"
)

// RedisSource reads probe results written by an external uptime monitor into
// Redis: a set of monitor ids plus one hash per monitor with name, status
// (Active or Inactive), last_status and response_time fields.
type RedisSource struct {
	rdb       redis.Cmdable
	setKey    string
	keyPrefix string
}

// NewRedisSource creates a source over rdb using the default key layout.
func NewRedisSource(rdb redis.Cmdable) *RedisSource {
	return &RedisSource{rdb: rdb, setKey: DefaultMonitorSetKey, keyPrefix: DefaultMonitorKeyPrefix}
}

// Probes loads every active monitor in one pipelined round trip.
func (s *RedisSource) Probes(ctx context.Context) ([]ProbeResult, error) {
	ids, err := s.rdb.SMembers(ctx, s.setKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list monitors: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.StringStringMapCmd, 0, len(ids))
	for _, id := range ids {
		cmds = append(cmds, pipe.HGetAll(ctx, s.keyPrefix+id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("load monitors: %w", err)
	}

	results := make([]ProbeResult, 0, len(cmds))
	for i, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil || len(data) == 0 {
			continue
		}
		if r, ok := parseMonitorHash(ids[i], data); ok {
			results = append(results, r)
		}
	}
	return results, nil
}

// parseMonitorHash converts one monitor hash. Inactive monitors are skipped.
func parseMonitorHash(id string, data map[string]string) (ProbeResult, bool) {
	if strings.EqualFold(data["status"], "inactive") {
		return ProbeResult{}, false
	}

	name := data["name"]
	if name == "" {
		name = id
	}

	r := ProbeResult{
		Service: name,
		Status:  data["last_status"],
		Error:   data["last_error"],
	}
	if v := strings.TrimSuffix(strings.TrimSpace(data["response_time"]), "ms"); v != "" {
		if ms, err := strconv.ParseFloat(v, 64); err == nil {
			r.ResponseTimeMs = ms
		}
	}
	return r, true
}
