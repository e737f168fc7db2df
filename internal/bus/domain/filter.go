package domain

import "time"

// ---------------- Tipos de filtrado / paginación / ordenamiento ----------------

// Pagination describe límite y offset.
type Pagination struct {
	Limit  int
	Offset int
}

// Sort indica campo y dirección.
type Sort struct {
	Field string // ej. "occurred_at", "event_type"
	Desc  bool
}

// EventFilter agrupa criterios de búsqueda para el histórico de eventos.
// El tenant NO va aquí: es un parámetro obligatorio de cada consulta.
type EventFilter struct {
	EventTypes    []string
	AggregateID   *string
	AggregateType *string
	CorrelationID *string
	Status        *Status
	From          *time.Time
	To            *time.Time

	Pagination Pagination
	Sort       Sort
}

// TimeRange acota consultas de estadísticas.
type TimeRange struct {
	From *time.Time
	To   *time.Time
}

// ---------------- Estadísticas ----------------

// EventTypeCount es una entrada del ranking de tipos de evento.
type EventTypeCount struct {
	EventType string `json:"event_type"`
	Count     int64  `json:"count"`
}

// EventStatistics es la vista agregada de monitorización.
type EventStatistics struct {
	StatusCounts  map[Status]int64 `json:"status_counts"`
	TopEventTypes []EventTypeCount `json:"top_event_types"`
	Total         int64            `json:"total"`
}

// SubscriptionStatistics resume el registro de suscripciones.
type SubscriptionStatistics struct {
	Total      int64            `json:"total"`
	ByService  map[string]int64 `json:"by_service"`
	ByType     map[string]int64 `json:"by_event_type"`
	GlobalSubs int64            `json:"global_subscriptions"`
}
