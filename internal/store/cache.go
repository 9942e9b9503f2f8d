package store

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// KeyPrefix namespaces every cached projection.
const KeyPrefix = "registry:cache:"

// TableCache caches read projections keyed by the tables they derive from.
// A key looks like registry:cache:|patients|treatment_hospitals|:recap:Jakarta,
// so a write to any listed table can drop it with one SCAN pattern.
type TableCache struct {
	kv     KV
	ttl    time.Duration
	logger *zap.Logger
}

func NewTableCache(kv KV, ttl time.Duration, logger *zap.Logger) *TableCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TableCache{kv: kv, ttl: ttl, logger: logger}
}

// Key builds the cache key of a projection.
func Key(name, scope string, tables []string) string {
	ts := append([]string(nil), tables...)
	sort.Strings(ts)
	return KeyPrefix + "|" + strings.Join(ts, "|") + "|:" + name + ":" + scope
}

// Invalidate drops every projection derived from any of the tables.
func (c *TableCache) Invalidate(ctx context.Context, tables ...string) error {
	var errs []error
	for _, t := range tables {
		keys, err := c.kv.ScanKeys(ctx, KeyPrefix+"*|"+t+"|*")
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := c.kv.Del(ctx, keys...); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Remember returns the cached projection or loads and stores it. Cache
// failures degrade to a direct load.
func Remember[T any](ctx context.Context, c *TableCache, name, scope string, tables []string, load func(context.Context) (T, error)) (T, error) {
	if c == nil {
		return load(ctx)
	}
	key := Key(name, scope, tables)
	if raw, err := c.kv.Get(ctx, key); err == nil {
		var v T
		if err := json.Unmarshal([]byte(raw), &v); err == nil {
			return v, nil
		}
		c.logger.Warn("discarding undecodable cache entry", zap.String("key", key))
	} else if !errors.Is(err, ErrMiss) {
		c.logger.Warn("cache read failed", zap.String("key", key), zap.Error(err))
	}

	v, err := load(ctx)
	if err != nil {
		return v, err
	}
	raw, err := json.Marshal(v)
	if err != nil {
		c.logger.Warn("cache encode failed", zap.String("key", key), zap.Error(err))
		return v, nil
	}
	if err := c.kv.Set(ctx, key, string(raw), c.ttl); err != nil {
		c.logger.Warn("cache write failed", zap.String("key", key), zap.Error(err))
	}
	return v, nil
}
