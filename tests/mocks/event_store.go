package mocks

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/davicafu/eventlab/internal/bus/domain"
)

// InMemoryEventRepo simula el outbox/event store completo.
type InMemoryEventRepo struct {
	Events map[uuid.UUID]*domain.Event
	// StoreErr fuerza el fallo de Store para probar la propagación
	// síncrona al productor.
	StoreErr error
	mu       sync.Mutex
}

// Verificación estática
var _ domain.EventRepository = (*InMemoryEventRepo)(nil)

func NewInMemoryEventRepo() *InMemoryEventRepo {
	return &InMemoryEventRepo{Events: make(map[uuid.UUID]*domain.Event)}
}

func (r *InMemoryEventRepo) Store(ctx context.Context, events []*domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.StoreErr != nil {
		return r.StoreErr
	}
	for _, e := range events {
		cp := *e
		r.Events[e.ID] = &cp
	}
	return nil
}

func (r *InMemoryEventRepo) DrainUnpublished(ctx context.Context, batchSize int) ([]*domain.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*domain.Event
	for _, e := range r.Events {
		if (e.Status == domain.StatusPending || e.Status == domain.StatusRetrying) && e.CanRetry() {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > batchSize {
		out = out[:batchSize]
	}
	return out, nil
}

func (r *InMemoryEventRepo) MarkPublished(ctx context.Context, id uuid.UUID, publishedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.Events[id]
	if !ok {
		return domain.ErrEventNotFound
	}
	e.MarkPublished(publishedAt)
	return nil
}

func (r *InMemoryEventRepo) MarkCompleted(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.Events[id]
	if !ok {
		return domain.ErrEventNotFound
	}
	e.Status = domain.StatusCompleted
	return nil
}

func (r *InMemoryEventRepo) IncrementRetry(ctx context.Context, id uuid.UUID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.Events[id]
	if !ok {
		return 0, domain.ErrEventNotFound
	}
	e.RegisterFailure()
	return e.RetryCount, nil
}

func (r *InMemoryEventRepo) GetEvent(ctx context.Context, tenantID string, id uuid.UUID) (*domain.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.Events[id]
	if !ok || e.TenantID != tenantID {
		return nil, domain.ErrEventNotFound
	}
	cp := *e
	return &cp, nil
}

func (r *InMemoryEventRepo) GetEvents(ctx context.Context, tenantID string, f domain.EventFilter) ([]*domain.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*domain.Event
	for _, e := range r.Events {
		if e.TenantID != tenantID {
			continue
		}
		if len(f.EventTypes) > 0 && !containsType(f.EventTypes, e.EventType) {
			continue
		}
		if f.Status != nil && e.Status != *f.Status {
			continue
		}
		if f.AggregateID != nil && e.AggregateID != *f.AggregateID {
			continue
		}
		if f.CorrelationID != nil && e.CorrelationID != *f.CorrelationID {
			continue
		}
		if f.From != nil && e.OccurredAt.Before(*f.From) {
			continue
		}
		if f.To != nil && e.OccurredAt.After(*f.To) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	// Los más recientes primero por defecto, como los repos reales.
	if f.Sort.Field != "" && !f.Sort.Desc {
		sort.Slice(out, func(i, j int) bool { return out[i].OccurredAt.Before(out[j].OccurredAt) })
	} else {
		sort.Slice(out, func(i, j int) bool { return out[i].OccurredAt.After(out[j].OccurredAt) })
	}
	if f.Pagination.Offset > 0 {
		if f.Pagination.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Pagination.Offset:]
	}
	if f.Pagination.Limit > 0 && len(out) > f.Pagination.Limit {
		out = out[:f.Pagination.Limit]
	}
	return out, nil
}

func (r *InMemoryEventRepo) GetEventsByAggregate(ctx context.Context, tenantID, aggregateID, aggregateType string) ([]*domain.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*domain.Event
	for _, e := range r.Events {
		if e.TenantID != tenantID || e.AggregateID != aggregateID {
			continue
		}
		if aggregateType != "" && e.AggregateType != aggregateType {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OccurredAt.Before(out[j].OccurredAt) })
	return out, nil
}

func (r *InMemoryEventRepo) GetCorrelationChain(ctx context.Context, tenantID, correlationID string) ([]*domain.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*domain.Event
	for _, e := range r.Events {
		if e.TenantID != tenantID {
			continue
		}
		if e.CorrelationID == correlationID || e.CausationID == correlationID {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OccurredAt.Before(out[j].OccurredAt) })
	return out, nil
}

func (r *InMemoryEventRepo) GetFailedEvents(ctx context.Context, limit int) ([]*domain.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*domain.Event
	for _, e := range r.Events {
		if e.Status == domain.StatusFailed {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *InMemoryEventRepo) CleanupOldEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed int64
	for id, e := range r.Events {
		if (e.Status == domain.StatusPublished || e.Status == domain.StatusCompleted) && e.CreatedAt.Before(cutoff) {
			delete(r.Events, id)
			removed++
		}
	}
	return removed, nil
}

func (r *InMemoryEventRepo) CountUnpublished(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for _, e := range r.Events {
		if e.Status == domain.StatusPending || e.Status == domain.StatusRetrying {
			n++
		}
	}
	return n, nil
}

func (r *InMemoryEventRepo) GetEventStatistics(ctx context.Context, tenantID string, tr domain.TimeRange) (*domain.EventStatistics, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := &domain.EventStatistics{StatusCounts: make(map[domain.Status]int64)}
	types := make(map[string]int64)
	for _, e := range r.Events {
		if tenantID != "" && e.TenantID != tenantID {
			continue
		}
		if tr.From != nil && e.OccurredAt.Before(*tr.From) {
			continue
		}
		if tr.To != nil && e.OccurredAt.After(*tr.To) {
			continue
		}
		stats.StatusCounts[e.Status]++
		types[e.EventType]++
		stats.Total++
	}
	for t, c := range types {
		stats.TopEventTypes = append(stats.TopEventTypes, domain.EventTypeCount{EventType: t, Count: c})
	}
	sort.Slice(stats.TopEventTypes, func(i, j int) bool {
		if stats.TopEventTypes[i].Count != stats.TopEventTypes[j].Count {
			return stats.TopEventTypes[i].Count > stats.TopEventTypes[j].Count
		}
		return strings.Compare(stats.TopEventTypes[i].EventType, stats.TopEventTypes[j].EventType) < 0
	})
	return stats, nil
}
