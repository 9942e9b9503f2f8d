package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *RedisKV) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, NewRedisKV(client)
}

func TestRedisKV_GetSetDel(t *testing.T) {
	_, kv := setupTestRedis(t)
	ctx := context.Background()

	_, err := kv.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrMiss)

	require.NoError(t, kv.Set(ctx, "a", "1", time.Minute))
	v, err := kv.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "1", v)

	require.NoError(t, kv.Del(ctx, "a"))
	_, err = kv.Get(ctx, "a")
	require.ErrorIs(t, err, ErrMiss)
}

func TestMemoryKV_Expiry(t *testing.T) {
	kv := NewMemoryKV()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	kv.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, kv.Set(ctx, "k", "v", time.Second))
	_, err := kv.Get(ctx, "k")
	require.NoError(t, err)

	now = now.Add(2 * time.Second)
	_, err = kv.Get(ctx, "k")
	require.ErrorIs(t, err, ErrMiss)
}

func TestKey_SortsTables(t *testing.T) {
	assert.Equal(t,
		"registry:cache:|hemo_diagnoses|patients|:recap:Jakarta",
		Key("recap", "Jakarta", []string{"patients", "hemo_diagnoses"}))
}

func testInvalidate(t *testing.T, kv KV) {
	ctx := context.Background()
	c := NewTableCache(kv, time.Minute, zap.NewNop())

	calls := 0
	load := func(context.Context) ([]string, error) {
		calls++
		return []string{"RS Harapan"}, nil
	}

	for i := 0; i < 2; i++ {
		v, err := Remember(ctx, c, "hospitals", "all", []string{"hospitals"}, load)
		require.NoError(t, err)
		assert.Equal(t, []string{"RS Harapan"}, v)
	}
	assert.Equal(t, 1, calls, "second read is served from cache")

	// a write to a table whose name contains "hospitals" must not drop it
	require.NoError(t, c.Invalidate(ctx, "treatment_hospitals"))
	_, err := Remember(ctx, c, "hospitals", "all", []string{"hospitals"}, load)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	require.NoError(t, c.Invalidate(ctx, "hospitals"))
	_, err = Remember(ctx, c, "hospitals", "all", []string{"hospitals"}, load)
	require.NoError(t, err)
	assert.Equal(t, 2, calls, "invalidated entry is reloaded")
}

func TestTableCache_InvalidateRedis(t *testing.T) {
	_, kv := setupTestRedis(t)
	testInvalidate(t, kv)
}

func TestTableCache_InvalidateMemory(t *testing.T) {
	testInvalidate(t, NewMemoryKV())
}

func testInvalidateSlashBranch(t *testing.T, kv KV) {
	ctx := context.Background()
	c := NewTableCache(kv, time.Minute, zap.NewNop())
	branch := "Jawa Barat/Bandung"

	calls := 0
	load := func(context.Context) (int, error) { calls++; return calls, nil }

	v, err := Remember(ctx, c, "patient_options", branch, []string{"patients"}, load)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	require.NoError(t, c.Invalidate(ctx, "patients"))
	v, err = Remember(ctx, c, "patient_options", branch, []string{"patients"}, load)
	require.NoError(t, err)
	assert.Equal(t, 2, v, "branch containing '/' is invalidated")
}

func TestTableCache_InvalidateSlashBranchMemory(t *testing.T) {
	testInvalidateSlashBranch(t, NewMemoryKV())
}

func TestTableCache_InvalidateSlashBranchRedis(t *testing.T) {
	_, kv := setupTestRedis(t)
	testInvalidateSlashBranch(t, kv)
}

func TestGlobMatch(t *testing.T) {
	cases := []struct {
		pattern, key string
		want         bool
	}{
		{"registry:cache:*|patients|*", "registry:cache:|patients|:patient_options:Jawa Barat/Bandung", true},
		{"registry:cache:*|patients|*", "registry:cache:|hemo_diagnoses|patients|:recap:Medan", true},
		{"registry:cache:*|hospitals|*", "registry:cache:|treatment_hospitals|:recap:Medan", false},
		{"a?c", "a/c", true},
		{"a\\*c", "a*c", true},
		{"a\\*c", "abc", false},
		{"*", "", true},
		{"abc", "ab", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, globMatch(tc.pattern, tc.key), tc.pattern+" ~ "+tc.key)
	}
}

func TestTableCache_MultiTableProjection(t *testing.T) {
	ctx := context.Background()
	c := NewTableCache(NewMemoryKV(), time.Minute, nil)
	tables := []string{"patients", "hemo_diagnoses"}

	calls := 0
	load := func(context.Context) (int, error) { calls++; return calls, nil }

	_, err := Remember(ctx, c, "recap", "Medan", tables, load)
	require.NoError(t, err)
	require.NoError(t, c.Invalidate(ctx, "hemo_diagnoses"))
	v, err := Remember(ctx, c, "recap", "Medan", tables, load)
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestRemember_LoadErrorIsNotCached(t *testing.T) {
	ctx := context.Background()
	c := NewTableCache(NewMemoryKV(), time.Minute, nil)
	boom := errors.New("db down")

	_, err := Remember(ctx, c, "x", "all", []string{"patients"}, func(context.Context) (int, error) { return 0, boom })
	require.ErrorIs(t, err, boom)

	v, err := Remember(ctx, c, "x", "all", []string{"patients"}, func(context.Context) (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestRemember_RedisDownFallsBackToLoad(t *testing.T) {
	mr, kv := setupTestRedis(t)
	mr.Close()
	c := NewTableCache(kv, time.Minute, nil)

	v, err := Remember(context.Background(), c, "x", "all", []string{"patients"}, func(context.Context) (int, error) { return 3, nil })
	require.NoError(t, err)
	assert.Equal(t, 3, v)
}
