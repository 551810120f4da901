package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/noah-isme/faceattend-api/pkg/errors"
)

type memoryCache struct {
	entries map[string][]byte
	deleted []string
}

func (m *memoryCache) Get(ctx context.Context, key string, dest interface{}) error {
	raw, ok := m.entries[key]
	if !ok {
		return appErrors.ErrCacheMiss
	}
	return json.Unmarshal(raw, dest)
}

func (m *memoryCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.entries[key] = raw
	return nil
}

func (m *memoryCache) Delete(ctx context.Context, keys ...string) error {
	for _, k := range keys {
		delete(m.entries, k)
		m.deleted = append(m.deleted, k)
	}
	return nil
}

func (m *memoryCache) DeleteByPattern(ctx context.Context, pattern string) error {
	m.entries = map[string][]byte{}
	return nil
}

type cachedStats struct {
	Enrolled int `json:"enrolled"`
}

func TestRememberLoadsOnceAndEvicts(t *testing.T) {
	repo := &memoryCache{entries: map[string][]byte{}}
	metrics := NewMetricsService()
	cache := NewCacheService(repo, metrics, time.Minute, nil, true)
	loads := 0
	load := func(ctx context.Context) (*cachedStats, error) {
		loads++
		return &cachedStats{Enrolled: loads}, nil
	}

	first, err := Remember(context.Background(), cache, cacheKeyEnrollmentStats, 0, load)
	require.NoError(t, err)
	second, err := Remember(context.Background(), cache, cacheKeyEnrollmentStats, 0, load)
	require.NoError(t, err)
	assert.Equal(t, 1, loads)
	assert.Equal(t, first.Enrolled, second.Enrolled)
	assert.EqualValues(t, 1, metrics.Snapshot().CacheHits)

	cache.Evict(context.Background(), cacheKeyEnrollmentStats)
	third, err := Remember(context.Background(), cache, cacheKeyEnrollmentStats, 0, load)
	require.NoError(t, err)
	assert.Equal(t, 2, third.Enrolled)
	assert.Contains(t, repo.deleted, cacheKeyEnrollmentStats)
}

func TestRememberDoesNotCacheErrors(t *testing.T) {
	repo := &memoryCache{entries: map[string][]byte{}}
	cache := NewCacheService(repo, nil, time.Minute, nil, true)

	_, err := Remember(context.Background(), cache, "k", 0, func(ctx context.Context) (*cachedStats, error) {
		return nil, errors.New("db down")
	})
	assert.Error(t, err)
	assert.Empty(t, repo.entries)
}

func TestNilCacheServiceAlwaysLoads(t *testing.T) {
	var cache *CacheService
	assert.False(t, cache.Enabled())
	value, err := Remember(context.Background(), cache, "k", 0, func(ctx context.Context) (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, value)
	cache.Evict(context.Background(), "k")
}
