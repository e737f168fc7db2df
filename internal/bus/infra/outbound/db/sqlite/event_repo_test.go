package sqlite

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	_ "modernc.org/sqlite"

	"github.com/davicafu/eventlab/internal/bus/domain"
)

func setupTestDB(t *testing.T) *sql.DB {
	db, err := sql.Open("sqlite", ":memory:")
	assert.NoError(t, err)
	assert.NoError(t, InitSQLite(db))
	return db
}

func mustEvent(t *testing.T, tenant, eventType string, p domain.NewEventParams) *domain.Event {
	t.Helper()
	evt, err := domain.NewEvent(tenant, eventType, "crm", map[string]interface{}{"lead_id": "42"}, p)
	assert.NoError(t, err)
	return evt
}

func TestEventRepoSQLite_StoreAndGet(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	repo := NewEventRepoSQLite(db)
	ctx := context.Background()

	evt := mustEvent(t, "tenant-1", "lead.created", domain.NewEventParams{
		CorrelationID: "corr-1",
		AggregateID:   "lead-42",
		AggregateType: "lead",
	})
	assert.NoError(t, repo.Store(ctx, []*domain.Event{evt}))

	got, err := repo.GetEvent(ctx, "tenant-1", evt.ID)
	assert.NoError(t, err)
	assert.Equal(t, evt.ID, got.ID)
	assert.Equal(t, "lead.created", got.EventType)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Equal(t, "42", got.Data["lead_id"])

	// ✅ Otro tenant no ve el evento
	_, err = repo.GetEvent(ctx, "tenant-2", evt.ID)
	assert.ErrorIs(t, err, domain.ErrEventNotFound)

	_, err = repo.GetEvent(ctx, "tenant-1", uuid.New())
	assert.ErrorIs(t, err, domain.ErrEventNotFound)
}

func TestEventRepoSQLite_DrainAndMarkPublished(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	repo := NewEventRepoSQLite(db)
	ctx := context.Background()

	evt := mustEvent(t, "tenant-1", "lead.created", domain.NewEventParams{})
	assert.NoError(t, repo.Store(ctx, []*domain.Event{evt}))

	drained, err := repo.DrainUnpublished(ctx, 10)
	assert.NoError(t, err)
	assert.Len(t, drained, 1)

	now := time.Now().UTC()
	assert.NoError(t, repo.MarkPublished(ctx, evt.ID, now))

	// Publicado, fuera del drain
	drained, err = repo.DrainUnpublished(ctx, 10)
	assert.NoError(t, err)
	assert.Empty(t, drained)

	// ✅ Idempotente
	assert.NoError(t, repo.MarkPublished(ctx, evt.ID, now.Add(time.Minute)))
	got, _ := repo.GetEvent(ctx, "tenant-1", evt.ID)
	assert.Equal(t, domain.StatusPublished, got.Status)
	assert.NotNil(t, got.PublishedAt)
}

func TestEventRepoSQLite_IncrementRetryUntilFailed(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	repo := NewEventRepoSQLite(db)
	ctx := context.Background()

	evt := mustEvent(t, "tenant-1", "lead.created", domain.NewEventParams{})
	assert.NoError(t, repo.Store(ctx, []*domain.Event{evt}))

	for i := 1; i <= domain.DefaultMaxRetries; i++ {
		n, err := repo.IncrementRetry(ctx, evt.ID)
		assert.NoError(t, err)
		assert.Equal(t, i, n)
	}

	got, _ := repo.GetEvent(ctx, "tenant-1", evt.ID)
	assert.Equal(t, domain.StatusFailed, got.Status)

	// failed no vuelve a drenarse
	drained, err := repo.DrainUnpublished(ctx, 10)
	assert.NoError(t, err)
	assert.Empty(t, drained)

	failed, err := repo.GetFailedEvents(ctx, 10)
	assert.NoError(t, err)
	assert.Len(t, failed, 1)
}

func TestEventRepoSQLite_GetEventsFilters(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	repo := NewEventRepoSQLite(db)
	ctx := context.Background()

	created := mustEvent(t, "tenant-1", "lead.created", domain.NewEventParams{})
	updated := mustEvent(t, "tenant-1", "lead.updated", domain.NewEventParams{})
	other := mustEvent(t, "tenant-2", "lead.created", domain.NewEventParams{})
	assert.NoError(t, repo.Store(ctx, []*domain.Event{created, updated, other}))

	all, err := repo.GetEvents(ctx, "tenant-1", domain.EventFilter{})
	assert.NoError(t, err)
	assert.Len(t, all, 2)

	byType, err := repo.GetEvents(ctx, "tenant-1", domain.EventFilter{
		EventTypes: []string{"lead.created"},
	})
	assert.NoError(t, err)
	assert.Len(t, byType, 1)
	assert.Equal(t, created.ID, byType[0].ID)

	pendingStatus := domain.StatusPending
	byStatus, err := repo.GetEvents(ctx, "tenant-1", domain.EventFilter{Status: &pendingStatus})
	assert.NoError(t, err)
	assert.Len(t, byStatus, 2)

	limited, err := repo.GetEvents(ctx, "tenant-1", domain.EventFilter{
		Pagination: domain.Pagination{Limit: 1},
	})
	assert.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestEventRepoSQLite_AggregateHistoryAscending(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	repo := NewEventRepoSQLite(db)
	ctx := context.Background()

	first := mustEvent(t, "tenant-1", "lead.created", domain.NewEventParams{AggregateID: "lead-42", AggregateType: "lead"})
	first.OccurredAt = time.Now().UTC().Add(-time.Hour)
	second := mustEvent(t, "tenant-1", "lead.updated", domain.NewEventParams{AggregateID: "lead-42", AggregateType: "lead"})
	assert.NoError(t, repo.Store(ctx, []*domain.Event{second, first}))

	history, err := repo.GetEventsByAggregate(ctx, "tenant-1", "lead-42", "lead")
	assert.NoError(t, err)
	assert.Len(t, history, 2)
	// Orden de ocurrencia, el más antiguo primero
	assert.Equal(t, first.ID, history[0].ID)
	assert.Equal(t, second.ID, history[1].ID)
}

func TestEventRepoSQLite_CorrelationChain(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	repo := NewEventRepoSQLite(db)
	ctx := context.Background()

	root := mustEvent(t, "tenant-1", "lead.created", domain.NewEventParams{CorrelationID: "corr-1"})
	caused := mustEvent(t, "tenant-1", "notification.sent", domain.NewEventParams{CausationID: "corr-1"})
	unrelated := mustEvent(t, "tenant-1", "lead.created", domain.NewEventParams{CorrelationID: "corr-2"})
	assert.NoError(t, repo.Store(ctx, []*domain.Event{root, caused, unrelated}))

	chain, err := repo.GetCorrelationChain(ctx, "tenant-1", "corr-1")
	assert.NoError(t, err)
	assert.Len(t, chain, 2)
}

func TestEventRepoSQLite_CleanupKeepsFailed(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	repo := NewEventRepoSQLite(db)
	ctx := context.Background()

	old := mustEvent(t, "tenant-1", "lead.created", domain.NewEventParams{})
	old.CreatedAt = time.Now().UTC().Add(-72 * time.Hour)
	assert.NoError(t, repo.Store(ctx, []*domain.Event{old}))
	assert.NoError(t, repo.MarkPublished(ctx, old.ID, time.Now().UTC()))

	failed := mustEvent(t, "tenant-1", "lead.updated", domain.NewEventParams{})
	failed.CreatedAt = time.Now().UTC().Add(-72 * time.Hour)
	assert.NoError(t, repo.Store(ctx, []*domain.Event{failed}))
	for i := 0; i < domain.DefaultMaxRetries; i++ {
		_, err := repo.IncrementRetry(ctx, failed.ID)
		assert.NoError(t, err)
	}

	deleted, err := repo.CleanupOldEvents(ctx, time.Now().UTC().Add(-24*time.Hour))
	assert.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	// ✅ El failed sobrevive para inspección
	_, err = repo.GetEvent(ctx, "tenant-1", failed.ID)
	assert.NoError(t, err)
}

func TestEventRepoSQLite_Statistics(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	repo := NewEventRepoSQLite(db)
	ctx := context.Background()

	e1 := mustEvent(t, "tenant-1", "lead.created", domain.NewEventParams{})
	e2 := mustEvent(t, "tenant-1", "lead.created", domain.NewEventParams{})
	e3 := mustEvent(t, "tenant-2", "campaign.launched", domain.NewEventParams{})
	assert.NoError(t, repo.Store(ctx, []*domain.Event{e1, e2, e3}))
	assert.NoError(t, repo.MarkPublished(ctx, e1.ID, time.Now().UTC()))

	stats, err := repo.GetEventStatistics(ctx, "tenant-1", domain.TimeRange{})
	assert.NoError(t, err)
	assert.Equal(t, int64(2), stats.Total)
	assert.Equal(t, int64(1), stats.StatusCounts[domain.StatusPending])
	assert.Equal(t, int64(1), stats.StatusCounts[domain.StatusPublished])
	assert.Equal(t, "lead.created", stats.TopEventTypes[0].EventType)

	// tenant vacío = todos (lo protege la capa de aplicación)
	all, err := repo.GetEventStatistics(ctx, "", domain.TimeRange{})
	assert.NoError(t, err)
	assert.Equal(t, int64(3), all.Total)

	n, err := repo.CountUnpublished(ctx)
	assert.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestSubscriptionRepoSQLite_CRUD(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	repo := NewSubscriptionRepoSQLite(db)
	ctx := context.Background()

	sub, err := domain.NewSubscription("lead.*", "analytics", "tenant-1", []domain.Filter{
		{Field: "data.source", Op: domain.FilterEq, Value: "web"},
	}, "https://hooks.example.com/leads")
	assert.NoError(t, err)
	assert.NoError(t, repo.Save(ctx, sub))

	got, err := repo.GetByID(ctx, sub.ID)
	assert.NoError(t, err)
	assert.Equal(t, "lead.*", got.EventType)
	assert.Len(t, got.Filters, 1)
	assert.Equal(t, domain.FilterEq, got.Filters[0].Op)

	global, err := domain.NewSubscription("*", "audit", "", nil, "")
	assert.NoError(t, err)
	assert.NoError(t, repo.Save(ctx, global))

	all, err := repo.ListAll(ctx)
	assert.NoError(t, err)
	assert.Len(t, all, 2)

	stats, err := repo.Statistics(ctx)
	assert.NoError(t, err)
	assert.Equal(t, int64(2), stats.Total)
	assert.Equal(t, int64(1), stats.GlobalSubs)

	deleted, err := repo.Delete(ctx, sub.ID)
	assert.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = repo.Delete(ctx, sub.ID)
	assert.NoError(t, err)
	assert.False(t, deleted)

	_, err = repo.GetByID(ctx, sub.ID)
	assert.ErrorIs(t, err, domain.ErrSubscriptionNotFound)
}
