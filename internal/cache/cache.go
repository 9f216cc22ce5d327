package cache

import (
	"context"
	"time"

	"bonitoamor/backend/internal/domain"
)

// MetricsCache holds computed sales reports. Sale mutations invalidate per
// store, so a short TTL only bounds staleness across process restarts.
type MetricsCache interface {
	Get(ctx context.Context, key string) (*domain.SalesMetrics, bool, error)
	Set(ctx context.Context, key string, value *domain.SalesMetrics, ttl time.Duration) error
	InvalidateStore(ctx context.Context, storeID string) error
}

type NoopMetricsCache struct{}

func (NoopMetricsCache) Get(_ context.Context, _ string) (*domain.SalesMetrics, bool, error) {
	return nil, false, nil
}

func (NoopMetricsCache) Set(_ context.Context, _ string, _ *domain.SalesMetrics, _ time.Duration) error {
	return nil
}

func (NoopMetricsCache) InvalidateStore(_ context.Context, _ string) error {
	return nil
}
