package mocks

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/davicafu/eventlab/internal/bus/domain"
)

func containsType(types []string, t string) bool {
	for _, v := range types {
		if v == t {
			return true
		}
	}
	return false
}

// InMemorySubscriptionRepo simula el registro de suscripciones.
type InMemorySubscriptionRepo struct {
	Subs map[uuid.UUID]*domain.Subscription
	mu   sync.Mutex
}

// Verificación estática
var _ domain.SubscriptionRepository = (*InMemorySubscriptionRepo)(nil)

func NewInMemorySubscriptionRepo() *InMemorySubscriptionRepo {
	return &InMemorySubscriptionRepo{Subs: make(map[uuid.UUID]*domain.Subscription)}
}

func (r *InMemorySubscriptionRepo) Save(ctx context.Context, s *domain.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *s
	r.Subs[s.ID] = &cp
	return nil
}

func (r *InMemorySubscriptionRepo) Delete(ctx context.Context, id uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.Subs[id]; !ok {
		return false, nil
	}
	delete(r.Subs, id)
	return true, nil
}

func (r *InMemorySubscriptionRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.Subs[id]
	if !ok {
		return nil, domain.ErrSubscriptionNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *InMemorySubscriptionRepo) ListAll(ctx context.Context) ([]*domain.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*domain.Subscription, 0, len(r.Subs))
	for _, s := range r.Subs {
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}

func (r *InMemorySubscriptionRepo) Statistics(ctx context.Context) (*domain.SubscriptionStatistics, error) {
	subs, _ := r.ListAll(ctx)
	stats := &domain.SubscriptionStatistics{
		ByService: make(map[string]int64),
		ByType:    make(map[string]int64),
	}
	for _, s := range subs {
		stats.Total++
		stats.ByService[s.ServiceName]++
		stats.ByType[s.EventType]++
		if s.IsGlobal() {
			stats.GlobalSubs++
		}
	}
	return stats, nil
}
