package structure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/maltedev/catalog-enricher/internal/models"
)

// Cache holds recently built taxonomy trees per domain. It is never the
// source of truth.
type Cache interface {
	Get(ctx context.Context, domain string) ([]*models.TaxonomyNode, bool)
	Put(ctx context.Context, domain string, roots []*models.TaxonomyNode)
	Invalidate(ctx context.Context, domain string)
}

const cacheKeyPrefix = "structure:"

type RedisCache struct {
	client redis.Cmdable
	ttl    time.Duration
}

func NewRedisCache(client redis.Cmdable, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisCache{client: client, ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context, domain string) ([]*models.TaxonomyNode, bool) {
	data, err := c.client.Get(ctx, cacheKeyPrefix+domain).Bytes()
	if err != nil {
		return nil, false
	}
	var roots []*models.TaxonomyNode
	if err := json.Unmarshal(data, &roots); err != nil {
		return nil, false
	}
	return roots, true
}

func (c *RedisCache) Put(ctx context.Context, domain string, roots []*models.TaxonomyNode) {
	data, err := json.Marshal(roots)
	if err != nil {
		return
	}
	c.client.Set(ctx, cacheKeyPrefix+domain, data, c.ttl)
}

func (c *RedisCache) Invalidate(ctx context.Context, domain string) {
	c.client.Del(ctx, cacheKeyPrefix+domain)
}

type MemoryCache struct {
	mu    sync.RWMutex
	trees map[string][]*models.TaxonomyNode
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{trees: make(map[string][]*models.TaxonomyNode)}
}

func (c *MemoryCache) Get(_ context.Context, domain string) ([]*models.TaxonomyNode, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	roots, ok := c.trees[domain]
	return roots, ok
}

func (c *MemoryCache) Put(_ context.Context, domain string, roots []*models.TaxonomyNode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.trees[domain] = roots
}

func (c *MemoryCache) Invalidate(_ context.Context, domain string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.trees, domain)
}

// TaxonomyStore persists flattened trees.
type TaxonomyStore interface {
	SaveTaxonomy(ctx context.Context, domain string, rows []models.TaxonomyNode) error
	LoadTaxonomy(ctx context.Context, domain string) ([]models.TaxonomyNode, error)
	CountTaxonomy(ctx context.Context, domain string) (int, error)
}

var ErrNoTaxonomy = errors.New("no taxonomy stored for domain")

// TaxonomyService reads taxonomy trees through the cache, checking the cached
// tree against the persisted node count on every read.
type TaxonomyService struct {
	store TaxonomyStore
	cache Cache
}

func NewTaxonomyService(store TaxonomyStore, cache Cache) *TaxonomyService {
	if cache == nil {
		cache = NewMemoryCache()
	}
	return &TaxonomyService{store: store, cache: cache}
}

func (s *TaxonomyService) Get(ctx context.Context, domain string) ([]*models.TaxonomyNode, error) {
	count, err := s.store.CountTaxonomy(ctx, domain)
	if err != nil {
		return nil, fmt.Errorf("failed to count taxonomy: %w", err)
	}
	if count == 0 {
		s.cache.Invalidate(ctx, domain)
		return nil, ErrNoTaxonomy
	}
	if roots, ok := s.cache.Get(ctx, domain); ok && models.CountNodes(roots) == count {
		return roots, nil
	}

	rows, err := s.store.LoadTaxonomy(ctx, domain)
	if err != nil {
		return nil, fmt.Errorf("failed to load taxonomy: %w", err)
	}
	roots := BuildTree(rows)
	s.cache.Put(ctx, domain, roots)
	return roots, nil
}

// Save replaces the stored tree for domain. A deep rescan drops the cached
// tree before writing.
func (s *TaxonomyService) Save(ctx context.Context, domain string, roots []*models.TaxonomyNode, deep bool) error {
	if deep {
		s.cache.Invalidate(ctx, domain)
	}
	if err := s.store.SaveTaxonomy(ctx, domain, Flatten(roots)); err != nil {
		return fmt.Errorf("failed to save taxonomy: %w", err)
	}
	s.cache.Put(ctx, domain, roots)
	return nil
}
