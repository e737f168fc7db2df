package mocks

import (
	"context"
	"sync"

	"github.com/davicafu/eventlab/internal/bus/domain"
)

// RecordingHandler captura los eventos entregados. Err != nil hace
// fallar todas las entregas.
type RecordingHandler struct {
	Received []*domain.Event
	Err      error
	mu       sync.Mutex
}

// Verificación estática
var _ domain.EventHandler = (*RecordingHandler)(nil)

func (h *RecordingHandler) Handle(ctx context.Context, e *domain.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.Err != nil {
		return h.Err
	}
	cp := *e
	h.Received = append(h.Received, &cp)
	return nil
}

func (h *RecordingHandler) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.Received)
}

// MemoryDeliveryLog captura los lotes enviados al sink analítico.
type MemoryDeliveryLog struct {
	Batches [][]*domain.Event
	mu      sync.Mutex
}

// Verificación estática
var _ domain.DeliveryLogger = (*MemoryDeliveryLog)(nil)

func (l *MemoryDeliveryLog) LogBatch(ctx context.Context, events []*domain.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Batches = append(l.Batches, events)
	return nil
}
