package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ---------------- Prioridades ----------------

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// ---------------- Categorías ----------------

type Category string

const (
	CategorySystem   Category = "system"
	CategoryBusiness Category = "business"
	CategorySecurity Category = "security"
)

// ---------------- Estados ----------------

// Status representa el estado de publicación de un evento en la tabla outbox.
type Status string

const (
	StatusPending    Status = "pending"
	StatusPublishing Status = "publishing"
	StatusPublished  Status = "published"
	StatusFailed     Status = "failed"
	StatusRetrying   Status = "retrying"
	StatusCompleted  Status = "completed"
)

// DefaultMaxRetries acota los reintentos de publicación por evento.
const DefaultMaxRetries = 3

// ---------------- Evento de dominio ----------------

// Event es el sobre inmutable que viaja por el bus. El payload (Data) es
// opaco para el bus: el enrutado solo usa EventType, TenantID y los filtros
// de las suscripciones.
type Event struct {
	ID             uuid.UUID              `json:"event_id"`
	EventType      string                 `json:"event_type"` // ej. "lead.created"
	EventVersion   int                    `json:"event_version"`
	TenantID       string                 `json:"tenant_id"`
	OccurredAt     time.Time              `json:"occurred_at"`
	SourceService  string                 `json:"source_service"`
	CorrelationID  string                 `json:"correlation_id,omitempty"`
	CausationID    string                 `json:"causation_id,omitempty"`
	AggregateID    string                 `json:"aggregate_id,omitempty"`
	AggregateType  string                 `json:"aggregate_type,omitempty"`
	Priority       Priority               `json:"priority"`
	Category       Category               `json:"category"`
	Data           map[string]interface{} `json:"data"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	TargetServices []string               `json:"target_services,omitempty"` // vacío = broadcast

	Status      Status     `json:"status"`
	RetryCount  int        `json:"retry_count"`
	MaxRetries  int        `json:"max_retries"`
	CreatedAt   time.Time  `json:"created_at"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
}

// NewEventParams agrupa los campos opcionales del constructor.
type NewEventParams struct {
	EventVersion   int
	CorrelationID  string
	CausationID    string
	AggregateID    string
	AggregateType  string
	Priority       Priority
	Category       Category
	Metadata       map[string]interface{}
	TargetServices []string
	MaxRetries     int
}

// NewEvent crea un evento validado en estado pending. El tenant es
// obligatorio: un evento sin tenant no puede entrar al bus.
func NewEvent(tenantID, eventType, sourceService string, data map[string]interface{}, p NewEventParams) (*Event, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}
	if eventType == "" {
		return nil, fmt.Errorf("%w: empty event_type", ErrInvalidEvent)
	}
	if sourceService == "" {
		return nil, fmt.Errorf("%w: empty source_service", ErrInvalidEvent)
	}

	now := time.Now().UTC()
	evt := &Event{
		ID:             uuid.New(),
		EventType:      eventType,
		EventVersion:   p.EventVersion,
		TenantID:       tenantID,
		OccurredAt:     now,
		SourceService:  sourceService,
		CorrelationID:  p.CorrelationID,
		CausationID:    p.CausationID,
		AggregateID:    p.AggregateID,
		AggregateType:  p.AggregateType,
		Priority:       p.Priority,
		Category:       p.Category,
		Data:           data,
		Metadata:       p.Metadata,
		TargetServices: p.TargetServices,
		Status:         StatusPending,
		MaxRetries:     p.MaxRetries,
		CreatedAt:      now,
	}

	if evt.EventVersion == 0 {
		evt.EventVersion = 1
	}
	if evt.Priority == "" {
		evt.Priority = PriorityNormal
	}
	if evt.Category == "" {
		evt.Category = CategoryBusiness
	}
	if evt.MaxRetries == 0 {
		evt.MaxRetries = DefaultMaxRetries
	}
	return evt, nil
}

// IsCritical indica si el evento debe saltarse el polling y publicarse
// en el mismo request.
func (e *Event) IsCritical() bool {
	return e.Priority == PriorityCritical
}

// CanRetry indica si aún quedan reintentos de publicación.
func (e *Event) CanRetry() bool {
	return e.RetryCount < e.MaxRetries
}

// IsTargetedAt comprueba la allow-list de servicios destino.
// Una lista vacía significa broadcast.
func (e *Event) IsTargetedAt(service string) bool {
	if len(e.TargetServices) == 0 {
		return true
	}
	for _, s := range e.TargetServices {
		if s == service {
			return true
		}
	}
	return false
}

// MarkPublished transiciona el evento a published de forma idempotente.
func (e *Event) MarkPublished(at time.Time) {
	if e.Status == StatusPublished || e.Status == StatusCompleted {
		return
	}
	e.Status = StatusPublished
	e.PublishedAt = &at
}

// RegisterFailure incrementa el contador de reintentos y decide el estado:
// retrying mientras queden intentos, failed cuando se agotan.
func (e *Event) RegisterFailure() {
	e.RetryCount++
	if e.RetryCount >= e.MaxRetries {
		e.Status = StatusFailed
	} else {
		e.Status = StatusRetrying
	}
}

// ---------------- Streams ----------------

// StreamKey devuelve el stream por tenant. Cada tenant tiene su propio
// stream: un consumidor de tenant no puede leer eventos ajenos porque
// estructuralmente lee otra clave.
func (e *Event) StreamKey(prefix string) string {
	return fmt.Sprintf("%s:%s", prefix, e.TenantID)
}

// FirehoseKey devuelve el stream global al que solo acceden las
// suscripciones globales (servicios internos de plataforma).
func FirehoseKey(prefix string) string {
	return prefix + ":all"
}

// DeadLetterKey devuelve el stream de dead-letter asociado a un prefijo.
func DeadLetterKey(prefix string) string {
	return prefix + ":dlq"
}

// ---------------- Serialización ----------------

// Encode serializa el sobre completo para el stream.
func (e *Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEvent reconstruye un evento desde el sobre JSON del stream.
func DecodeEvent(data []byte) (*Event, error) {
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, fmt.Errorf("invalid event envelope: %w", err)
	}
	if evt.TenantID == "" {
		return nil, ErrTenantRequired
	}
	return &evt, nil
}
