package cache

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/davicafu/eventlab/internal/bus/domain"
	sharedCache "github.com/davicafu/eventlab/internal/shared/infra/platform/cache"
)

const subscriptionsKey = "eventlab:subscriptions:all"

// CachedSubscriptionRepo decora un SubscriptionRepository con cache-aside:
// el dispatcher llama a ListAll por cada mensaje y no debe pagar un
// round-trip a la base de datos cada vez. Las escrituras invalidan la clave.
type CachedSubscriptionRepo struct {
	inner   domain.SubscriptionRepository
	cache   sharedCache.Cache
	ttlSecs int
	log     *zap.Logger
}

func NewCachedSubscriptionRepo(inner domain.SubscriptionRepository, cache sharedCache.Cache, ttlSecs int, log *zap.Logger) *CachedSubscriptionRepo {
	return &CachedSubscriptionRepo{inner: inner, cache: cache, ttlSecs: ttlSecs, log: log}
}

func (r *CachedSubscriptionRepo) Save(ctx context.Context, s *domain.Subscription) error {
	if err := r.inner.Save(ctx, s); err != nil {
		return err
	}
	_ = r.cache.Delete(ctx, subscriptionsKey)
	return nil
}

func (r *CachedSubscriptionRepo) Delete(ctx context.Context, id uuid.UUID) (bool, error) {
	deleted, err := r.inner.Delete(ctx, id)
	if err != nil {
		return false, err
	}
	if deleted {
		_ = r.cache.Delete(ctx, subscriptionsKey)
	}
	return deleted, nil
}

func (r *CachedSubscriptionRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Subscription, error) {
	return r.inner.GetByID(ctx, id)
}

func (r *CachedSubscriptionRepo) ListAll(ctx context.Context) ([]*domain.Subscription, error) {
	var cached []*domain.Subscription
	if ok, _ := r.cache.Get(ctx, subscriptionsKey, &cached); ok {
		return cached, nil
	}

	subs, err := r.inner.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	// El rellenado no bloquea la respuesta y su fallo no la afecta.
	sharedCache.AsyncCacheSet(ctx, r.cache, subscriptionsKey, subs, r.ttlSecs, r.log)
	return subs, nil
}

func (r *CachedSubscriptionRepo) Statistics(ctx context.Context) (*domain.SubscriptionStatistics, error) {
	return r.inner.Statistics(ctx)
}

// Verificación estática
var _ domain.SubscriptionRepository = (*CachedSubscriptionRepo)(nil)
