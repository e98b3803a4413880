// Package dataset fronts the Data Storage collaborator: read-only access to
// dataset metadata and records, with a short-lived cache for record counts.
package dataset

import (
	"context"
	"fmt"
	"time"

	"tavren/internal/domain"
	"tavren/pkg/cache"
	"tavren/pkg/logger"
)

// Repository defines the storage operations the service needs.
type Repository interface {
	FindByKey(ctx context.Context, key string) (*domain.Dataset, error)
	FindAll(ctx context.Context) ([]*domain.Dataset, error)
	Exists(ctx context.Context, key string) (bool, error)
	FetchRecords(ctx context.Context, datasetKey string, filters []domain.Filter) ([]*domain.Record, error)
	CountRecords(ctx context.Context, datasetKey string) (int, error)
}

// Info is a dataset's metadata plus its current record count.
type Info struct {
	Dataset     *domain.Dataset `json:"dataset"`
	RecordCount int             `json:"record_count"`
}

// Service exposes datasets to the query processor and the HTTP surface.
type Service struct {
	repo     Repository
	cache    *cache.RedisCache
	cacheTTL time.Duration
	logger   logger.Logger
}

// NewService constructs the dataset service. The cache is optional; without
// it every count hits the store.
func NewService(repo Repository, c *cache.RedisCache, cacheTTL time.Duration, log logger.Logger) *Service {
	return &Service{
		repo:     repo,
		cache:    c,
		cacheTTL: cacheTTL,
		logger:   log,
	}
}

// DatasetExists reports whether a dataset key is registered.
func (s *Service) DatasetExists(ctx context.Context, datasetKey string) (bool, error) {
	return s.repo.Exists(ctx, datasetKey)
}

// FetchRecords returns the filtered, materialized records of a dataset.
func (s *Service) FetchRecords(ctx context.Context, datasetKey string, filters []domain.Filter) ([]*domain.Record, error) {
	return s.repo.FetchRecords(ctx, datasetKey, filters)
}

// Get returns one dataset's metadata and record count.
func (s *Service) Get(ctx context.Context, key string) (*Info, error) {
	ds, err := s.repo.FindByKey(ctx, key)
	if err != nil {
		return nil, err
	}

	count, err := s.recordCount(ctx, key)
	if err != nil {
		return nil, err
	}

	return &Info{Dataset: ds, RecordCount: count}, nil
}

// List returns every dataset with record counts.
func (s *Service) List(ctx context.Context) ([]*Info, error) {
	datasets, err := s.repo.FindAll(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]*Info, 0, len(datasets))
	for _, ds := range datasets {
		count, err := s.recordCount(ctx, ds.Key)
		if err != nil {
			return nil, err
		}
		out = append(out, &Info{Dataset: ds, RecordCount: count})
	}
	return out, nil
}

func (s *Service) recordCount(ctx context.Context, key string) (int, error) {
	cacheKey := fmt.Sprintf("dataset:count:%s", key)

	if s.cache != nil {
		var cached int
		if err := s.cache.Get(ctx, cacheKey, &cached); err == nil {
			return cached, nil
		}
	}

	count, err := s.repo.CountRecords(ctx, key)
	if err != nil {
		return 0, err
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, cacheKey, count, s.cacheTTL); err != nil {
			s.logger.Warn("Failed to cache record count", map[string]interface{}{
				"dataset": key,
				"error":   err.Error(),
			})
		}
	}

	return count, nil
}
