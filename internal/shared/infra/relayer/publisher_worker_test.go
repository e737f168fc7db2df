package relayer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/davicafu/eventlab/internal/bus/application"
	"github.com/davicafu/eventlab/internal/bus/domain"
	"github.com/davicafu/eventlab/tests/mocks"
)

func newTestWorker() (*Worker, *mocks.InMemoryEventRepo, *mocks.CapturingStream, *application.Metrics) {
	repo := mocks.NewInMemoryEventRepo()
	stream := mocks.NewCapturingStream()
	metrics := &application.Metrics{}
	w := NewWorker(repo, stream, 100*time.Millisecond, 10, 24*time.Hour, metrics, zap.NewNop())
	return w, repo, stream, metrics
}

func storePending(t *testing.T, repo *mocks.InMemoryEventRepo, tenant, eventType string) *domain.Event {
	t.Helper()
	evt, err := domain.NewEvent(tenant, eventType, "crm", map[string]interface{}{}, domain.NewEventParams{})
	assert.NoError(t, err)
	assert.NoError(t, repo.Store(context.Background(), []*domain.Event{evt}))
	return evt
}

func TestProcessBatch_PublishesAndMarks(t *testing.T) {
	w, repo, stream, metrics := newTestWorker()
	evt := storePending(t, repo, "tenant-1", "lead.created")

	w.ProcessBatch(context.Background())

	assert.Equal(t, 1, stream.AppendedCount())
	assert.Equal(t, int64(1), metrics.Published.Load())

	stored := repo.Events[evt.ID]
	assert.Equal(t, domain.StatusPublished, stored.Status)
	assert.NotNil(t, stored.PublishedAt)
}

func TestProcessBatch_OldestFirst(t *testing.T) {
	w, repo, stream, _ := newTestWorker()

	first := storePending(t, repo, "tenant-1", "lead.created")
	// Fuerza un orden de creación distinguible
	repo.Events[first.ID].CreatedAt = time.Now().Add(-time.Hour)
	second := storePending(t, repo, "tenant-1", "lead.updated")

	w.ProcessBatch(context.Background())

	assert.Equal(t, 2, stream.AppendedCount())
	assert.Equal(t, first.ID, stream.Appended[0].ID)
	assert.Equal(t, second.ID, stream.Appended[1].ID)
}

func TestProcessBatch_BrokerDownIncrementsRetry(t *testing.T) {
	w, repo, stream, metrics := newTestWorker()
	evt := storePending(t, repo, "tenant-1", "lead.created")
	stream.SetDown(true)

	w.ProcessBatch(context.Background())

	assert.Equal(t, int64(1), metrics.PublishErrors.Load())
	stored := repo.Events[evt.ID]
	assert.Equal(t, domain.StatusRetrying, stored.Status)
	assert.Equal(t, 1, stored.RetryCount)
	// El backoff queda armado para el siguiente ciclo
	assert.Greater(t, w.backoff, time.Duration(0))
}

func TestProcessBatch_ExhaustedRetriesGoToDeadLetter(t *testing.T) {
	w, repo, stream, metrics := newTestWorker()
	evt := storePending(t, repo, "tenant-1", "lead.created")

	stream.SetDown(true)
	for i := 0; i < domain.DefaultMaxRetries; i++ {
		w.ProcessBatch(context.Background())
	}

	stored := repo.Events[evt.ID]
	assert.Equal(t, domain.StatusFailed, stored.Status)
	assert.Equal(t, domain.DefaultMaxRetries, stored.RetryCount)
	assert.Equal(t, int64(1), metrics.DeadLettered.Load())

	// ✅ La fila failed queda fuera de futuros drains
	stream.SetDown(false)
	w.ProcessBatch(context.Background())
	assert.Equal(t, 0, stream.AppendedCount())

	// El dead-letter falló con el broker caído; la fila sigue visible
	// vía failed events
	failed, err := repo.GetFailedEvents(context.Background(), 10)
	assert.NoError(t, err)
	assert.Len(t, failed, 1)
}

func TestProcessBatch_DeadLetterCarriesReason(t *testing.T) {
	w, repo, stream, _ := newTestWorker()
	evt := storePending(t, repo, "tenant-1", "lead.created")

	// El último intento falla con el stream de datos caído pero el
	// dead-letter accesible
	repo.Events[evt.ID].RetryCount = domain.DefaultMaxRetries - 1
	stream.AppendErr = errors.New("publish timeout")

	w.ProcessBatch(context.Background())

	assert.Len(t, stream.DeadLetters, 1)
	assert.Equal(t, evt.ID, stream.DeadLetters[0].ID)
	assert.Equal(t, "publish timeout", stream.Reasons[0])
	assert.Equal(t, domain.StatusFailed, repo.Events[evt.ID].Status)
}

func TestFlushEvent_PublishesImmediately(t *testing.T) {
	w, repo, stream, _ := newTestWorker()
	evt := storePending(t, repo, "tenant-1", "payment.failed")

	err := w.FlushEvent(context.Background(), evt)
	assert.NoError(t, err)
	assert.Equal(t, 1, stream.AppendedCount())
	assert.Equal(t, domain.StatusPublished, repo.Events[evt.ID].Status)
}

func TestFlushEvent_BrokerDownReturnsError(t *testing.T) {
	w, repo, stream, _ := newTestWorker()
	evt := storePending(t, repo, "tenant-1", "payment.failed")
	stream.SetDown(true)

	err := w.FlushEvent(context.Background(), evt)
	assert.Error(t, err)
	// El evento sigue en el outbox para el polling
	assert.Equal(t, domain.StatusRetrying, repo.Events[evt.ID].Status)
}

func TestRetention_RemovesOnlyPublished(t *testing.T) {
	w, repo, _, _ := newTestWorker()
	ctx := context.Background()

	published := storePending(t, repo, "tenant-1", "lead.created")
	repo.Events[published.ID].MarkPublished(time.Now().UTC())
	repo.Events[published.ID].CreatedAt = time.Now().Add(-48 * time.Hour)

	failed := storePending(t, repo, "tenant-1", "lead.updated")
	repo.Events[failed.ID].Status = domain.StatusFailed
	repo.Events[failed.ID].CreatedAt = time.Now().Add(-48 * time.Hour)

	pending := storePending(t, repo, "tenant-1", "lead.qualified")
	repo.Events[pending.ID].CreatedAt = time.Now().Add(-48 * time.Hour)

	cutoff := time.Now().UTC().Add(-w.retention)
	deleted, err := repo.CleanupOldEvents(ctx, cutoff)
	assert.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	// ✅ failed y pending sobreviven a la retención
	assert.Len(t, repo.Events, 2)
	_, stillFailed := repo.Events[failed.ID]
	assert.True(t, stillFailed)
}
