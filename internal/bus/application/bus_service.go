package application

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/davicafu/eventlab/internal/bus/domain"
)

// BusService define los casos de uso del bus de eventos: la única superficie
// que el resto de la plataforma (CRM, billing, analytics...) conoce.
type BusService struct {
	events  domain.EventRepository
	subs    domain.SubscriptionRepository
	stream  domain.StreamPublisher
	flusher domain.Flusher // opcional: fast path de eventos críticos
	metrics *Metrics
	log     *zap.Logger
}

// NewBusService constructor
func NewBusService(
	events domain.EventRepository,
	subs domain.SubscriptionRepository,
	stream domain.StreamPublisher,
	metrics *Metrics,
	log *zap.Logger,
) *BusService {
	if metrics == nil {
		metrics = &Metrics{}
	}
	return &BusService{
		events:  events,
		subs:    subs,
		stream:  stream,
		metrics: metrics,
		log:     log,
	}
}

// SetFlusher engancha el relayer una vez construido (dependencia circular
// resuelta en el arranque, no con singletons).
func (s *BusService) SetFlusher(f domain.Flusher) { s.flusher = f }

// Metrics expone los contadores para que relayer/dispatcher los compartan.
func (s *BusService) Metrics() *Metrics { return s.metrics }

// ---------------- Publicación ----------------

// PublishParams agrupa los argumentos de PublishEvent.
type PublishParams struct {
	TenantID       string
	EventType      string
	SourceService  string
	Data           map[string]interface{}
	Metadata       map[string]interface{}
	Priority       domain.Priority
	Category       domain.Category
	EventVersion   int
	CorrelationID  string
	CausationID    string
	AggregateID    string
	AggregateType  string
	TargetServices []string
}

// PublishEvent acepta un evento: lo valida y lo persiste en el outbox de
// forma síncrona. La entrega es asíncrona (relayer), salvo los eventos
// críticos que se intentan publicar en el propio request.
// Un error de almacenamiento se propaga al productor: si no quedó en el
// outbox, el evento no existe.
func (s *BusService) PublishEvent(ctx context.Context, p PublishParams) (*domain.Event, error) {
	evt, err := domain.NewEvent(p.TenantID, p.EventType, p.SourceService, p.Data, domain.NewEventParams{
		EventVersion:   p.EventVersion,
		CorrelationID:  p.CorrelationID,
		CausationID:    p.CausationID,
		AggregateID:    p.AggregateID,
		AggregateType:  p.AggregateType,
		Priority:       p.Priority,
		Category:       p.Category,
		Metadata:       p.Metadata,
		TargetServices: p.TargetServices,
	})
	if err != nil {
		return nil, err
	}

	if err := s.events.Store(ctx, []*domain.Event{evt}); err != nil {
		return nil, err
	}
	s.metrics.Accepted.Add(1)

	if evt.IsCritical() && s.flusher != nil {
		// El evento ya está aceptado; si el flush falla lo recoge el
		// siguiente ciclo del relayer.
		if err := s.flusher.FlushEvent(ctx, evt); err != nil {
			s.log.Warn("⚠️ Flush inmediato fallido, queda para el relayer",
				zap.String("event_id", evt.ID.String()),
				zap.Error(err),
			)
		}
	}

	return evt, nil
}

// ---------------- Suscripciones ----------------

// Subscribe registra el interés de un servicio. tenantID vacío crea una
// suscripción global: reservada a servicios internos, el handler HTTP
// exige el flag de administración para permitirla.
func (s *BusService) Subscribe(ctx context.Context, eventType, serviceName, tenantID string, filters []domain.Filter, webhookURL string) (*domain.Subscription, error) {
	sub, err := domain.NewSubscription(eventType, serviceName, tenantID, filters, webhookURL)
	if err != nil {
		return nil, err
	}
	if err := s.subs.Save(ctx, sub); err != nil {
		return nil, err
	}
	s.log.Info("📌 Suscripción registrada",
		zap.String("subscription_id", sub.ID.String()),
		zap.String("event_type", sub.EventType),
		zap.String("service", sub.ServiceName),
		zap.Bool("global", sub.IsGlobal()),
	)
	return sub, nil
}

func (s *BusService) Unsubscribe(ctx context.Context, id uuid.UUID) (bool, error) {
	return s.subs.Delete(ctx, id)
}

func (s *BusService) SubscriptionStatistics(ctx context.Context) (*domain.SubscriptionStatistics, error) {
	return s.subs.Statistics(ctx)
}

// ---------------- Consultas (event store) ----------------

func (s *BusService) GetEvent(ctx context.Context, tenantID string, id uuid.UUID) (*domain.Event, error) {
	if tenantID == "" {
		return nil, domain.ErrTenantRequired
	}
	return s.events.GetEvent(ctx, tenantID, id)
}

func (s *BusService) GetEventHistory(ctx context.Context, tenantID string, f domain.EventFilter) ([]*domain.Event, error) {
	if tenantID == "" {
		return nil, domain.ErrTenantRequired
	}
	return s.events.GetEvents(ctx, tenantID, f)
}

func (s *BusService) GetEventsByAggregate(ctx context.Context, tenantID, aggregateID, aggregateType string) ([]*domain.Event, error) {
	if tenantID == "" {
		return nil, domain.ErrTenantRequired
	}
	return s.events.GetEventsByAggregate(ctx, tenantID, aggregateID, aggregateType)
}

func (s *BusService) GetCorrelationChain(ctx context.Context, tenantID, correlationID string) ([]*domain.Event, error) {
	if tenantID == "" {
		return nil, domain.ErrTenantRequired
	}
	return s.events.GetCorrelationChain(ctx, tenantID, correlationID)
}

func (s *BusService) GetFailedEvents(ctx context.Context, limit int) ([]*domain.Event, error) {
	return s.events.GetFailedEvents(ctx, limit)
}

// GetEventStatistics devuelve la vista agregada. allTenants=true es la
// operación de administración auditada; sin ese flag el tenant es
// obligatorio (nunca se "des-escopa" en silencio).
func (s *BusService) GetEventStatistics(ctx context.Context, tenantID string, tr domain.TimeRange, allTenants bool) (*domain.EventStatistics, error) {
	if tenantID == "" && !allTenants {
		return nil, domain.ErrTenantRequired
	}
	if allTenants {
		tenantID = ""
	}
	return s.events.GetEventStatistics(ctx, tenantID, tr)
}

// ---------------- Replay ----------------

// replayPageSize acota cada consulta al histórico durante un replay.
const replayPageSize = 100

// ReplayEvents reenvía eventos históricos de un tenant al stream,
// restringidos a un servicio concreto. No toca el outbox: los eventos ya
// fueron aceptados en su día, solo se vuelven a colocar en el log. Recorre
// la ventana por páginas para cubrir el histórico completo.
func (s *BusService) ReplayEvents(ctx context.Context, tenantID string, eventTypes []string, from time.Time, to *time.Time, targetService string) (int, error) {
	if tenantID == "" {
		return 0, domain.ErrTenantRequired
	}

	filter := domain.EventFilter{
		EventTypes: eventTypes,
		From:       &from,
		To:         to,
		Sort:       domain.Sort{Field: "occurred_at", Desc: false},
		Pagination: domain.Pagination{Limit: replayPageSize},
	}

	count := 0
	for {
		history, err := s.events.GetEvents(ctx, tenantID, filter)
		if err != nil {
			return count, err
		}

		for _, evt := range history {
			replay := *evt
			if targetService != "" {
				replay.TargetServices = []string{targetService}
			}
			meta := make(map[string]interface{}, len(evt.Metadata)+2)
			for k, v := range evt.Metadata {
				meta[k] = v
			}
			meta["replay"] = true
			meta["replayed_at"] = time.Now().UTC().Format(time.RFC3339)
			replay.Metadata = meta

			if _, err := s.stream.Append(ctx, &replay); err != nil {
				s.log.Warn("⚠️ No se pudo reenviar evento en replay",
					zap.String("event_id", evt.ID.String()),
					zap.Error(err),
				)
				continue
			}
			count++
			s.metrics.Replayed.Add(1)
		}

		if len(history) < replayPageSize {
			break
		}
		filter.Pagination.Offset += replayPageSize
	}

	s.log.Info("🔁 Replay completado",
		zap.String("tenant_id", tenantID),
		zap.String("target_service", targetService),
		zap.Int("events", count),
	)
	return count, nil
}

// ---------------- Salud y métricas ----------------

// ComponentHealth describe el estado de una dependencia del bus.
type ComponentHealth struct {
	Status string `json:"status"` // "ok" | "down"
	Error  string `json:"error,omitempty"`
}

// Health comprueba el storage y el broker con timeouts acotados.
func (s *BusService) Health(ctx context.Context) (string, map[string]ComponentHealth) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	components := make(map[string]ComponentHealth, 2)
	overall := "healthy"

	if _, err := s.events.CountUnpublished(ctx); err != nil {
		components["event_store"] = ComponentHealth{Status: "down", Error: err.Error()}
		overall = "degraded"
	} else {
		components["event_store"] = ComponentHealth{Status: "ok"}
	}

	if err := s.stream.Ping(ctx); err != nil {
		components["stream"] = ComponentHealth{Status: "down", Error: err.Error()}
		overall = "degraded"
	} else {
		components["stream"] = ComponentHealth{Status: "ok"}
	}

	return overall, components
}

// GetMetrics devuelve los contadores más la profundidad del backlog.
func (s *BusService) GetMetrics(ctx context.Context) (MetricsSnapshot, error) {
	backlog, err := s.events.CountUnpublished(ctx)
	if err != nil {
		return MetricsSnapshot{}, err
	}
	return s.metrics.Snapshot(backlog), nil
}
