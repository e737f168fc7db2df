package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/davicafu/eventlab/internal/bus/domain"
	"github.com/davicafu/eventlab/tests/mocks"
)

func TestCachedSubscriptionRepo_ListAllPopulatesCache(t *testing.T) {
	inner := mocks.NewInMemorySubscriptionRepo()
	cache := mocks.NewDummyCache()
	repo := NewCachedSubscriptionRepo(inner, cache, 60, zap.NewNop())
	ctx := context.Background()

	sub, err := domain.NewSubscription("lead.*", "analytics", "tenant-1", nil, "")
	assert.NoError(t, err)
	assert.NoError(t, inner.Save(ctx, sub))

	subs, err := repo.ListAll(ctx)
	assert.NoError(t, err)
	assert.Len(t, subs, 1)

	// El rellenado es asíncrono
	assert.Eventually(t, func() bool {
		return cache.Contains("eventlab:subscriptions:all")
	}, time.Second, 5*time.Millisecond)

	// La segunda lectura sale de la caché aunque el repo cambie por debajo
	sub2, _ := domain.NewSubscription("campaign.*", "analytics", "tenant-1", nil, "")
	assert.NoError(t, inner.Save(ctx, sub2))

	cached, err := repo.ListAll(ctx)
	assert.NoError(t, err)
	assert.Len(t, cached, 1)
}

func TestCachedSubscriptionRepo_WritesInvalidate(t *testing.T) {
	inner := mocks.NewInMemorySubscriptionRepo()
	cache := mocks.NewDummyCache()
	repo := NewCachedSubscriptionRepo(inner, cache, 60, zap.NewNop())
	ctx := context.Background()

	sub, err := domain.NewSubscription("lead.*", "analytics", "tenant-1", nil, "")
	assert.NoError(t, err)
	assert.NoError(t, repo.Save(ctx, sub))

	_, err = repo.ListAll(ctx)
	assert.NoError(t, err)
	assert.Eventually(t, func() bool {
		return cache.Contains("eventlab:subscriptions:all")
	}, time.Second, 5*time.Millisecond)

	// ✅ Delete invalida la clave
	removed, err := repo.Delete(ctx, sub.ID)
	assert.NoError(t, err)
	assert.True(t, removed)
	assert.False(t, cache.Contains("eventlab:subscriptions:all"))

	subs, err := repo.ListAll(ctx)
	assert.NoError(t, err)
	assert.Empty(t, subs)
}
