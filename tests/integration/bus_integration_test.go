package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/davicafu/eventlab/internal/bus/application"
	"github.com/davicafu/eventlab/internal/bus/domain"
	busEvents "github.com/davicafu/eventlab/internal/bus/infra/inbound/events"
	"github.com/davicafu/eventlab/internal/bus/infra/outbound/stream"
	"github.com/davicafu/eventlab/internal/shared/infra/relayer"
	"github.com/davicafu/eventlab/tests/mocks"
)

// busFixture levanta el pipeline completo sobre el broker en memoria:
// outbox → relayer → stream → consumer group → dispatcher.
type busFixture struct {
	service    *application.BusService
	repo       *mocks.InMemoryEventRepo
	subs       *mocks.InMemorySubscriptionRepo
	broker     *stream.InMemoryStream
	worker     *relayer.Worker
	dispatcher *application.Dispatcher
}

func newBusFixture() *busFixture {
	repo := mocks.NewInMemoryEventRepo()
	subs := mocks.NewInMemorySubscriptionRepo()
	broker := stream.NewInMemoryStream("events", 1000)
	metrics := &application.Metrics{}
	log := zap.NewNop()

	svc := application.NewBusService(repo, subs, broker, metrics, log)
	worker := relayer.NewWorker(repo, broker, 50*time.Millisecond, 100, 24*time.Hour, metrics, log)
	svc.SetFlusher(worker)
	dispatcher := application.NewDispatcher(subs, nil, metrics, log)

	return &busFixture{
		service:    svc,
		repo:       repo,
		subs:       subs,
		broker:     broker,
		worker:     worker,
		dispatcher: dispatcher,
	}
}

func (f *busFixture) publish(t *testing.T, tenant, eventType string, data map[string]interface{}) *domain.Event {
	t.Helper()
	evt, err := f.service.PublishEvent(context.Background(), application.PublishParams{
		TenantID:      tenant,
		EventType:     eventType,
		SourceService: "crm",
		Data:          data,
	})
	assert.NoError(t, err)
	return evt
}

func (f *busFixture) startRunner(ctx context.Context, service string, handler domain.EventHandler) {
	f.dispatcher.RegisterHandler(service, handler)
	consumer := f.broker.Group(domain.FirehoseKey("events"), stream.GroupForService(service), "it-"+service)
	runner := busEvents.NewConsumerRunner(consumer, f.dispatcher, service, 10, 20*time.Millisecond, time.Minute, nil, zap.NewNop())
	runner.Start(ctx)
}

func TestBusEndToEnd_PublishDrainConsumeAck(t *testing.T) {
	f := newBusFixture()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler := &mocks.RecordingHandler{}
	f.startRunner(ctx, "analytics", handler)

	sub, err := f.service.Subscribe(ctx, "lead.*", "analytics", "tenant-1", nil, "")
	assert.NoError(t, err)
	assert.False(t, sub.IsGlobal())

	evt := f.publish(t, "tenant-1", "lead.created", map[string]interface{}{"lead_id": "42"})
	f.worker.ProcessBatch(ctx)

	assert.Eventually(t, func() bool { return handler.Count() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, evt.ID, handler.Received[0].ID)

	// El mensaje quedó confirmado: no hay pendientes en el grupo
	consumer := f.broker.Group(domain.FirehoseKey("events"), stream.GroupForService("analytics"), "probe")
	assert.Eventually(t, func() bool {
		pending, perr := consumer.Pending(ctx, 10)
		return perr == nil && len(pending) == 0
	}, 2*time.Second, 10*time.Millisecond)

	// Y el outbox quedó en published
	stored := f.repo.Events[evt.ID]
	assert.Equal(t, domain.StatusPublished, stored.Status)
}

func TestBusEndToEnd_TwoServicesIndependentCopies(t *testing.T) {
	f := newBusFixture()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	crm := &mocks.RecordingHandler{}
	audit := &mocks.RecordingHandler{}
	f.startRunner(ctx, "crm-sync", crm)
	f.startRunner(ctx, "audit", audit)

	_, err := f.service.Subscribe(ctx, "lead.created", "crm-sync", "tenant-1", nil, "")
	assert.NoError(t, err)
	_, err = f.service.Subscribe(ctx, "*", "audit", "", nil, "")
	assert.NoError(t, err)

	f.publish(t, "tenant-1", "lead.created", nil)
	f.worker.ProcessBatch(ctx)

	// ✅ Cada servicio recibe su propia copia del mismo evento
	assert.Eventually(t, func() bool {
		return crm.Count() == 1 && audit.Count() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBusEndToEnd_TenantIsolation(t *testing.T) {
	f := newBusFixture()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler := &mocks.RecordingHandler{}
	f.startRunner(ctx, "analytics", handler)

	_, err := f.service.Subscribe(ctx, "lead.created", "analytics", "tenant-1", nil, "")
	assert.NoError(t, err)

	f.publish(t, "tenant-1", "lead.created", nil)
	f.publish(t, "tenant-2", "lead.created", nil)
	f.worker.ProcessBatch(ctx)

	assert.Eventually(t, func() bool { return handler.Count() == 1 }, 2*time.Second, 10*time.Millisecond)

	// Un poco más de margen: no debe llegar el evento del otro tenant
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, handler.Count())
	assert.Equal(t, "tenant-1", handler.Received[0].TenantID)
}

func TestBusEndToEnd_ReplayReachesOnlyTarget(t *testing.T) {
	f := newBusFixture()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	analytics := &mocks.RecordingHandler{}
	other := &mocks.RecordingHandler{}
	f.startRunner(ctx, "analytics", analytics)
	f.startRunner(ctx, "notifier", other)

	_, err := f.service.Subscribe(ctx, "lead.created", "analytics", "tenant-1", nil, "")
	assert.NoError(t, err)
	_, err = f.service.Subscribe(ctx, "lead.created", "notifier", "tenant-1", nil, "")
	assert.NoError(t, err)

	evt := f.publish(t, "tenant-1", "lead.created", nil)
	f.worker.ProcessBatch(ctx)

	assert.Eventually(t, func() bool {
		return analytics.Count() == 1 && other.Count() == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Replay restringido a analytics: notifier no debe recibirlo de nuevo
	count, err := f.service.ReplayEvents(ctx, "tenant-1", []string{"lead.created"}, evt.OccurredAt.Add(-time.Minute), nil, "analytics")
	assert.NoError(t, err)
	assert.Equal(t, 1, count)

	assert.Eventually(t, func() bool { return analytics.Count() == 2 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, other.Count())
	assert.Equal(t, true, analytics.Received[1].Metadata["replay"])
}

func TestBusEndToEnd_FailedHandlerLeavesPending(t *testing.T) {
	f := newBusFixture()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler := &mocks.RecordingHandler{Err: assert.AnError}
	f.startRunner(ctx, "analytics", handler)

	_, err := f.service.Subscribe(ctx, "lead.created", "analytics", "tenant-1", nil, "")
	assert.NoError(t, err)

	f.publish(t, "tenant-1", "lead.created", nil)
	f.worker.ProcessBatch(ctx)

	// El mensaje queda pending en el grupo porque el handler falla
	consumer := f.broker.Group(domain.FirehoseKey("events"), stream.GroupForService("analytics"), "probe")
	assert.Eventually(t, func() bool {
		pending, perr := consumer.Pending(ctx, 10)
		return perr == nil && len(pending) == 1
	}, 2*time.Second, 10*time.Millisecond)
}
