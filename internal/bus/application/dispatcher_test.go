package application

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/davicafu/eventlab/internal/bus/domain"
	"github.com/davicafu/eventlab/tests/mocks"
)

func testEvent(t *testing.T, tenant, eventType string, data map[string]interface{}) *domain.Event {
	t.Helper()
	evt, err := domain.NewEvent(tenant, eventType, "crm", data, domain.NewEventParams{})
	assert.NoError(t, err)
	return evt
}

func TestDispatch_DeliversToMatchingHandler(t *testing.T) {
	subs := mocks.NewInMemorySubscriptionRepo()
	metrics := &Metrics{}
	d := NewDispatcher(subs, nil, metrics, zap.NewNop())

	handler := &mocks.RecordingHandler{}
	d.RegisterHandler("analytics", handler)

	sub, err := domain.NewSubscription("lead.created", "analytics", "tenant-1", nil, "")
	assert.NoError(t, err)
	assert.NoError(t, subs.Save(context.Background(), sub))

	evt := testEvent(t, "tenant-1", "lead.created", map[string]interface{}{"lead_id": "42"})
	err = d.Dispatch(context.Background(), evt, "analytics")
	assert.NoError(t, err)
	assert.Equal(t, 1, handler.Count())
	assert.Equal(t, int64(1), metrics.Delivered.Load())
}

func TestDispatch_NoSubscriberIsNotAnError(t *testing.T) {
	subs := mocks.NewInMemorySubscriptionRepo()
	metrics := &Metrics{}
	d := NewDispatcher(subs, nil, metrics, zap.NewNop())

	evt := testEvent(t, "tenant-1", "lead.created", nil)
	// ✅ Hueco de enrutado: se hace ack igualmente (nil)
	err := d.Dispatch(context.Background(), evt, "analytics")
	assert.NoError(t, err)
	assert.Equal(t, int64(1), metrics.RoutingGaps.Load())
}

func TestDispatch_TenantScopedSubscriptionIgnoresOtherTenants(t *testing.T) {
	subs := mocks.NewInMemorySubscriptionRepo()
	d := NewDispatcher(subs, nil, nil, zap.NewNop())

	handler := &mocks.RecordingHandler{}
	d.RegisterHandler("analytics", handler)

	sub, _ := domain.NewSubscription("lead.created", "analytics", "tenant-1", nil, "")
	assert.NoError(t, subs.Save(context.Background(), sub))

	evt := testEvent(t, "tenant-2", "lead.created", nil)
	err := d.Dispatch(context.Background(), evt, "analytics")
	assert.NoError(t, err) // routing gap, no entrega
	assert.Equal(t, 0, handler.Count())
}

func TestDispatch_GlobalSubscriptionSeesAllTenants(t *testing.T) {
	subs := mocks.NewInMemorySubscriptionRepo()
	d := NewDispatcher(subs, nil, nil, zap.NewNop())

	handler := &mocks.RecordingHandler{}
	d.RegisterHandler("audit", handler)

	sub, _ := domain.NewSubscription("*", "audit", "", nil, "")
	assert.NoError(t, subs.Save(context.Background(), sub))

	for _, tenant := range []string{"tenant-1", "tenant-2"} {
		evt := testEvent(t, tenant, "lead.created", nil)
		assert.NoError(t, d.Dispatch(context.Background(), evt, "audit"))
	}
	assert.Equal(t, 2, handler.Count())
}

func TestDispatch_HandlerErrorLeavesMessagePending(t *testing.T) {
	subs := mocks.NewInMemorySubscriptionRepo()
	metrics := &Metrics{}
	d := NewDispatcher(subs, nil, metrics, zap.NewNop())

	d.RegisterHandler("analytics", &mocks.RecordingHandler{Err: errors.New("boom")})

	sub, _ := domain.NewSubscription("lead.created", "analytics", "tenant-1", nil, "")
	assert.NoError(t, subs.Save(context.Background(), sub))

	evt := testEvent(t, "tenant-1", "lead.created", nil)
	err := d.Dispatch(context.Background(), evt, "analytics")
	assert.Error(t, err) // el llamante NO debe hacer ack
	assert.Equal(t, int64(1), metrics.HandlerErrors.Load())
}

func TestDispatch_PanicIsRecovered(t *testing.T) {
	subs := mocks.NewInMemorySubscriptionRepo()
	d := NewDispatcher(subs, nil, nil, zap.NewNop())

	d.RegisterHandler("analytics", domain.EventHandlerFunc(func(ctx context.Context, e *domain.Event) error {
		panic("handler bug")
	}))

	sub, _ := domain.NewSubscription("lead.created", "analytics", "tenant-1", nil, "")
	assert.NoError(t, subs.Save(context.Background(), sub))

	evt := testEvent(t, "tenant-1", "lead.created", nil)
	err := d.Dispatch(context.Background(), evt, "analytics")
	assert.ErrorContains(t, err, "handlers failed")
}

func TestDispatch_FiltersPayload(t *testing.T) {
	subs := mocks.NewInMemorySubscriptionRepo()
	d := NewDispatcher(subs, nil, nil, zap.NewNop())

	handler := &mocks.RecordingHandler{}
	d.RegisterHandler("analytics", handler)

	filters := []domain.Filter{{Field: "data.source", Op: domain.FilterEq, Value: "web"}}
	sub, err := domain.NewSubscription("lead.created", "analytics", "tenant-1", filters, "")
	assert.NoError(t, err)
	assert.NoError(t, subs.Save(context.Background(), sub))

	webEvt := testEvent(t, "tenant-1", "lead.created", map[string]interface{}{"source": "web"})
	phoneEvt := testEvent(t, "tenant-1", "lead.created", map[string]interface{}{"source": "phone"})

	assert.NoError(t, d.Dispatch(context.Background(), webEvt, "analytics"))
	assert.NoError(t, d.Dispatch(context.Background(), phoneEvt, "analytics"))
	assert.Equal(t, 1, handler.Count())
	assert.Equal(t, webEvt.ID, handler.Received[0].ID)
}

func TestDispatch_WebhookEnvelopeInjectsURL(t *testing.T) {
	subs := mocks.NewInMemorySubscriptionRepo()
	webhooks := &mocks.RecordingHandler{}
	d := NewDispatcher(subs, webhooks, nil, zap.NewNop())

	sub, _ := domain.NewSubscription("lead.created", "notifier", "tenant-1", nil, "https://hooks.example.com/leads")
	assert.NoError(t, subs.Save(context.Background(), sub))

	evt := testEvent(t, "tenant-1", "lead.created", nil)
	assert.NoError(t, d.Dispatch(context.Background(), evt, "notifier"))

	assert.Equal(t, 1, webhooks.Count())
	assert.Equal(t, "https://hooks.example.com/leads", webhooks.Received[0].Metadata["webhook_url"])
	// ✅ El evento original no se muta
	assert.Nil(t, evt.Metadata)
}
