package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ---------- Errores de dominio ----------

var (
	ErrInvalidEvent         = errors.New("invalid event")
	ErrEventNotFound        = errors.New("event not found")
	ErrTenantRequired       = errors.New("tenant_id is required")
	ErrTenantMismatch       = errors.New("event belongs to another tenant")
	ErrInvalidSubscription  = errors.New("invalid subscription")
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrMaxRetriesExceeded   = errors.New("max retries exceeded")
)

// ---------- Interfaces (Ports) ----------

// EventRepository es a la vez outbox y event store: la misma tabla guarda
// los eventos pendientes de publicar y el histórico completo consultable.
type EventRepository interface {
	// Store persiste los eventos en una sola transacción, en estado pending.
	// Un error aquí debe propagarse síncrono al productor: un evento que no
	// quedó almacenado nunca existió.
	Store(ctx context.Context, events []*Event) error

	// DrainUnpublished devuelve las filas no publicadas con reintentos
	// disponibles, las más antiguas primero.
	DrainUnpublished(ctx context.Context, batchSize int) ([]*Event, error)

	// MarkPublished es idempotente; llamarlo dos veces no es un error.
	MarkPublished(ctx context.Context, id uuid.UUID, publishedAt time.Time) error

	// MarkCompleted registra que todos los consumidores requeridos
	// confirmaron el evento (solo auditoría).
	MarkCompleted(ctx context.Context, id uuid.UUID) error

	// IncrementRetry suma un intento fallido y devuelve el contador nuevo.
	// Al agotar max_retries la fila queda failed y fuera de futuros drains.
	IncrementRetry(ctx context.Context, id uuid.UUID) (int, error)

	// GetEvent busca por id dentro del tenant. Debe devolver
	// ErrEventNotFound si no existe o pertenece a otro tenant.
	GetEvent(ctx context.Context, tenantID string, id uuid.UUID) (*Event, error)

	// GetEvents devuelve el histórico del tenant según el filtro,
	// por defecto los más recientes primero.
	GetEvents(ctx context.Context, tenantID string, f EventFilter) ([]*Event, error)

	// GetEventsByAggregate devuelve la historia de una entidad en orden de
	// creación (replay estilo event sourcing).
	GetEventsByAggregate(ctx context.Context, tenantID, aggregateID, aggregateType string) ([]*Event, error)

	// GetCorrelationChain devuelve todos los eventos cuyo correlation_id o
	// causation_id coincide, para reconstruir un workflow completo.
	GetCorrelationChain(ctx context.Context, tenantID, correlationID string) ([]*Event, error)

	// GetFailedEvents expone los eventos que agotaron reintentos.
	GetFailedEvents(ctx context.Context, limit int) ([]*Event, error)

	// CleanupOldEvents borra solo eventos completed/published anteriores al
	// corte; los failed nunca se borran automáticamente.
	CleanupOldEvents(ctx context.Context, cutoff time.Time) (int64, error)

	// CountUnpublished devuelve la profundidad del backlog.
	CountUnpublished(ctx context.Context) (int64, error)

	// GetEventStatistics devuelve la vista agregada de monitorización.
	// tenantID vacío = todos los tenants (operación de administración).
	GetEventStatistics(ctx context.Context, tenantID string, tr TimeRange) (*EventStatistics, error)
}

// SubscriptionRepository define el registro de suscripciones.
type SubscriptionRepository interface {
	Save(ctx context.Context, s *Subscription) error

	// Delete devuelve false si la suscripción no existía.
	Delete(ctx context.Context, id uuid.UUID) (bool, error)

	GetByID(ctx context.Context, id uuid.UUID) (*Subscription, error)

	// ListAll devuelve todas las suscripciones; el matching fino
	// (wildcard, tenant, filtros) es responsabilidad del dominio.
	ListAll(ctx context.Context) ([]*Subscription, error)

	Statistics(ctx context.Context) (*SubscriptionStatistics, error)
}

// ---------- Stream ----------

// StreamMessage es un mensaje crudo leído del stream, aún sin decodificar.
type StreamMessage struct {
	ID      string // id del broker (ej. "1526919030474-55")
	Payload []byte // sobre JSON del evento
}

// PendingMessage describe un mensaje entregado y nunca confirmado.
type PendingMessage struct {
	ID            string
	Consumer      string
	Idle          time.Duration
	DeliveryCount int64
}

// StreamPublisher añade eventos al log duradero.
type StreamPublisher interface {
	// Append añade el evento a su stream de tenant y al firehose global.
	// Devuelve el id asignado por el broker.
	Append(ctx context.Context, e *Event) (string, error)

	// AppendDeadLetter aparca un evento que agotó reintentos en el stream
	// de dead-letter para inspección manual.
	AppendDeadLetter(ctx context.Context, e *Event, reason string) error

	// Ping comprueba la salud del broker.
	Ping(ctx context.Context) error
}

// StreamConsumer lee un stream como miembro de un consumer group con
// semántica at-least-once. La exclusividad por mensaje dentro del grupo
// la garantiza el broker, no el código de aplicación.
type StreamConsumer interface {
	// Read hace long-poll de hasta count mensajes nuevos.
	Read(ctx context.Context, count int64, block time.Duration) ([]StreamMessage, error)

	// Ack confirma el mensaje; debe llamarse solo tras procesarlo de forma
	// duradera. Es idempotente.
	Ack(ctx context.Context, messageID string) error

	// Pending lista los mensajes entregados sin confirmar (crash recovery).
	Pending(ctx context.Context, count int64) ([]PendingMessage, error)

	// Claim roba mensajes pendientes con más de minIdle de inactividad
	// para reentregarlos a este consumidor.
	Claim(ctx context.Context, minIdle time.Duration, messageIDs []string) ([]StreamMessage, error)

	Close() error
}

// ---------- Handlers ----------

// EventHandler procesa un evento entregado. Debe ser idempotente:
// con at-least-once la reentrega es posible y deliberada.
type EventHandler interface {
	Handle(ctx context.Context, e *Event) error
}

// EventHandlerFunc adapta una función a EventHandler.
type EventHandlerFunc func(ctx context.Context, e *Event) error

func (f EventHandlerFunc) Handle(ctx context.Context, e *Event) error {
	return f(ctx, e)
}

// Flusher publica un evento recién almacenado sin esperar al siguiente
// ciclo de polling (fast path de eventos críticos).
type Flusher interface {
	FlushEvent(ctx context.Context, e *Event) error
}

// DeliveryLogger registra eventos entregados en un sink analítico.
type DeliveryLogger interface {
	LogBatch(ctx context.Context, events []*Event) error
}
