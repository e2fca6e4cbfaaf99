package cache

import (
	"context"
	"time"

	"merchantstock/backend/internal/domain"
)

// MerchantCache holds merchant registry entries between lookups. A miss is
// reported as (nil, false, nil).
type MerchantCache interface {
	Get(ctx context.Context, id string) (*domain.Merchant, bool, error)
	Set(ctx context.Context, merchant domain.Merchant, ttl time.Duration) error
	Delete(ctx context.Context, id string) error
}

type NoopMerchantCache struct{}

func (NoopMerchantCache) Get(_ context.Context, _ string) (*domain.Merchant, bool, error) {
	return nil, false, nil
}

func (NoopMerchantCache) Set(_ context.Context, _ domain.Merchant, _ time.Duration) error {
	return nil
}

func (NoopMerchantCache) Delete(_ context.Context, _ string) error {
	return nil
}
