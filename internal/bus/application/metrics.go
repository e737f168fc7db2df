package application

import "sync/atomic"

// Metrics acumula contadores de operación del bus. Lo comparten el servicio,
// el relayer y el dispatcher; se expone tal cual por la API de métricas.
type Metrics struct {
	Accepted      atomic.Int64 // eventos aceptados en el outbox
	Published     atomic.Int64 // eventos colocados en el stream
	PublishErrors atomic.Int64 // fallos de append al broker
	DeadLettered  atomic.Int64 // eventos movidos al stream dead-letter
	Delivered     atomic.Int64 // entregas confirmadas a handlers
	HandlerErrors atomic.Int64 // handlers que devolvieron error
	RoutingGaps   atomic.Int64 // eventos sin suscriptor (no es un error)
	Replayed      atomic.Int64 // eventos reenviados por replay
}

// MetricsSnapshot es la vista serializable de los contadores.
type MetricsSnapshot struct {
	Accepted      int64 `json:"accepted"`
	Published     int64 `json:"published"`
	PublishErrors int64 `json:"publish_errors"`
	DeadLettered  int64 `json:"dead_lettered"`
	Delivered     int64 `json:"delivered"`
	HandlerErrors int64 `json:"handler_errors"`
	RoutingGaps   int64 `json:"routing_gaps"`
	Replayed      int64 `json:"replayed"`
	Backlog       int64 `json:"backlog"` // filas sin publicar en el outbox
}

func (m *Metrics) Snapshot(backlog int64) MetricsSnapshot {
	return MetricsSnapshot{
		Accepted:      m.Accepted.Load(),
		Published:     m.Published.Load(),
		PublishErrors: m.PublishErrors.Load(),
		DeadLettered:  m.DeadLettered.Load(),
		Delivered:     m.Delivered.Load(),
		HandlerErrors: m.HandlerErrors.Load(),
		RoutingGaps:   m.RoutingGaps.Load(),
		Replayed:      m.Replayed.Load(),
		Backlog:       backlog,
	}
}
