package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"merchantstock/backend/internal/cache"
	"merchantstock/backend/internal/domain"
	"merchantstock/backend/internal/store"
)

type Source interface {
	GetMerchant(ctx context.Context, id string) (*domain.Merchant, error)
	UpsertMerchant(ctx context.Context, merchant domain.Merchant) error
}

// Directory resolves merchants to their store group and legal company. Cache
// failures degrade to reading the source directly.
type Directory struct {
	source Source
	cache  cache.MerchantCache
	ttl    time.Duration
	logger *zap.Logger
	group  singleflight.Group
}

func NewDirectory(source Source, merchantCache cache.MerchantCache, ttl time.Duration, logger *zap.Logger) *Directory {
	if merchantCache == nil {
		merchantCache = cache.NoopMerchantCache{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Directory{source: source, cache: merchantCache, ttl: ttl, logger: logger}
}

func (d *Directory) Merchant(ctx context.Context, id string) (domain.Merchant, error) {
	if id == "" {
		return domain.Merchant{}, fmt.Errorf("merchant id is required: %w", store.ErrInvalidTransaction)
	}

	cached, ok, err := d.cache.Get(ctx, id)
	if err != nil {
		d.logger.Warn("merchant cache read failed", zap.String("merchant_id", id), zap.Error(err))
	}
	if ok && cached != nil {
		return *cached, nil
	}

	v, err, _ := d.group.Do(id, func() (any, error) {
		m, err := d.source.GetMerchant(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := d.cache.Set(ctx, *m, d.ttl); err != nil {
			d.logger.Warn("merchant cache write failed", zap.String("merchant_id", id), zap.Error(err))
		}
		return *m, nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return domain.Merchant{}, fmt.Errorf("merchant %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return domain.Merchant{}, err
	}
	return v.(domain.Merchant).Clone(), nil
}

// Pair resolves both sides of a transfer.
func (d *Directory) Pair(ctx context.Context, sourceID, destID string) (domain.Merchant, domain.Merchant, error) {
	source, err := d.Merchant(ctx, sourceID)
	if err != nil {
		return domain.Merchant{}, domain.Merchant{}, err
	}
	dest, err := d.Merchant(ctx, destID)
	if err != nil {
		return domain.Merchant{}, domain.Merchant{}, err
	}
	return source, dest, nil
}

// Save writes a merchant to the source and drops the cached copy.
func (d *Directory) Save(ctx context.Context, m domain.Merchant) error {
	if err := d.source.UpsertMerchant(ctx, m); err != nil {
		return err
	}
	return d.Invalidate(ctx, m.ID)
}

func (d *Directory) Invalidate(ctx context.Context, id string) error {
	if err := d.cache.Delete(ctx, id); err != nil {
		d.logger.Warn("merchant cache invalidate failed", zap.String("merchant_id", id), zap.Error(err))
		return err
	}
	return nil
}

// SameGroup reports whether both merchants belong to one non-empty store group.
func SameGroup(a, b domain.Merchant) bool {
	return a.StoreGroupID != "" && a.StoreGroupID == b.StoreGroupID
}
