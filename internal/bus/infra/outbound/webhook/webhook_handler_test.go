package webhook

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/davicafu/eventlab/internal/bus/domain"
)

func webhookEvent(t *testing.T, url string) *domain.Event {
	t.Helper()
	evt, err := domain.NewEvent("tenant-1", "lead.created", "crm", map[string]interface{}{"lead_id": "42"}, domain.NewEventParams{
		Metadata: map[string]interface{}{"webhook_url": url},
	})
	assert.NoError(t, err)
	return evt
}

func TestWebhookHandler_PostsEnvelope(t *testing.T) {
	var gotBody []byte
	var gotHeaders http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotHeaders = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h := NewHandler(time.Second, 1, time.Millisecond, zap.NewNop())
	evt := webhookEvent(t, srv.URL)

	err := h.Handle(context.Background(), evt)
	assert.NoError(t, err)

	decoded, err := domain.DecodeEvent(gotBody)
	assert.NoError(t, err)
	assert.Equal(t, evt.ID, decoded.ID)

	assert.Equal(t, "application/json", gotHeaders.Get("Content-Type"))
	assert.Equal(t, evt.ID.String(), gotHeaders.Get("X-Event-Id"))
	assert.Equal(t, "lead.created", gotHeaders.Get("X-Event-Type"))
	assert.Equal(t, "tenant-1", gotHeaders.Get("X-Tenant-Id"))
}

func TestWebhookHandler_RetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h := NewHandler(time.Second, 3, time.Millisecond, zap.NewNop())
	err := h.Handle(context.Background(), webhookEvent(t, srv.URL))
	assert.NoError(t, err)
	assert.Equal(t, int64(3), calls.Load())
}

func TestWebhookHandler_Non2xxIsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	h := NewHandler(time.Second, 2, time.Millisecond, zap.NewNop())
	err := h.Handle(context.Background(), webhookEvent(t, srv.URL))
	assert.ErrorContains(t, err, "status 500")
}

func TestWebhookHandler_MissingURL(t *testing.T) {
	h := NewHandler(time.Second, 1, time.Millisecond, zap.NewNop())
	evt, err := domain.NewEvent("tenant-1", "lead.created", "crm", nil, domain.NewEventParams{})
	assert.NoError(t, err)

	err = h.Handle(context.Background(), evt)
	assert.ErrorContains(t, err, "webhook_url")
}
