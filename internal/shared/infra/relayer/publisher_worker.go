package relayer

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/davicafu/eventlab/internal/bus/application"
	"github.com/davicafu/eventlab/internal/bus/domain"
)

// Worker drena el outbox y coloca los eventos en el stream. Es el único
// camino entre la tabla y el broker: el fast path de eventos críticos
// (FlushEvent) pasa por el mismo código que el polling.
type Worker struct {
	repo      domain.EventRepository
	stream    domain.StreamPublisher
	interval  time.Duration
	batchSize int
	retention time.Duration // antigüedad máxima de filas ya publicadas
	metrics   *application.Metrics
	log       *zap.Logger

	backoff time.Duration // backoff actual cuando el broker no responde
}

func NewWorker(
	repo domain.EventRepository,
	stream domain.StreamPublisher,
	interval time.Duration,
	batchSize int,
	retention time.Duration,
	metrics *application.Metrics,
	log *zap.Logger,
) *Worker {
	if metrics == nil {
		metrics = &application.Metrics{}
	}
	return &Worker{
		repo:      repo,
		stream:    stream,
		interval:  interval,
		batchSize: batchSize,
		retention: retention,
		metrics:   metrics,
		log:       log,
	}
}

// Start inicia el bucle de polling del worker. Respeta la cancelación del
// contexto: termina el lote en vuelo y sale sin dejar eventos a medias
// (o publicado y marcado, o pending para el siguiente proceso).
func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.log.Info("🚀 Publisher worker iniciado",
		zap.Duration("interval", w.interval),
		zap.Int("batch_size", w.batchSize),
	)

	for {
		select {
		case <-ctx.Done():
			w.log.Info("🛑 Publisher worker detenido.")
			return
		case <-ticker.C:
			if w.backoff > 0 {
				// Broker caído en el ciclo anterior: espera extra para
				// no machacarlo.
				select {
				case <-ctx.Done():
					return
				case <-time.After(w.backoff):
				}
			}
			w.ProcessBatch(ctx)
		}
	}
}

// ProcessBatch drena un lote de filas pendientes y las publica una a una,
// en orden de creación.
func (w *Worker) ProcessBatch(ctx context.Context) {
	events, err := w.repo.DrainUnpublished(ctx, w.batchSize)
	if err != nil {
		// Error transitorio de storage: se reintenta en el siguiente ciclo.
		w.log.Warn("⚠️ Error al drenar el outbox", zap.Error(err))
		return
	}
	if len(events) > 0 {
		w.log.Info(fmt.Sprintf("📬 %d eventos pendientes de publicar", len(events)))
	}

	brokerDown := false
	for _, evt := range events {
		if ctx.Err() != nil {
			return
		}
		if !w.publishAndMark(ctx, evt) {
			brokerDown = true
		}
	}

	if brokerDown {
		w.increaseBackoff()
	} else {
		w.backoff = 0
	}
}

// publishAndMark intenta un append con timeout acotado; devuelve false si el
// broker falló (señal para el backoff del bucle).
func (w *Worker) publishAndMark(ctx context.Context, evt *domain.Event) bool {
	ctxPub, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := w.stream.Append(ctxPub, evt); err != nil {
		w.metrics.PublishErrors.Add(1)
		w.registerFailure(ctx, evt, err)
		return false
	}

	if err := w.repo.MarkPublished(ctx, evt.ID, time.Now().UTC()); err != nil {
		// El evento SÍ está en el stream; si el mark falla se reintentará
		// y el broker deduplica por consumidor idempotente (at-least-once).
		w.log.Warn("⚠️ No se pudo marcar evento como publicado",
			zap.String("event_id", evt.ID.String()),
			zap.Error(err),
		)
		return true
	}

	w.metrics.Published.Add(1)
	return true
}

func (w *Worker) registerFailure(ctx context.Context, evt *domain.Event, cause error) {
	retries, err := w.repo.IncrementRetry(ctx, evt.ID)
	if err != nil {
		w.log.Warn("⚠️ No se pudo incrementar retry_count",
			zap.String("event_id", evt.ID.String()),
			zap.Error(err),
		)
		return
	}

	if retries >= evt.MaxRetries {
		// Reintentos agotados: la fila queda failed y el evento se aparca
		// en el stream dead-letter para revisión humana.
		w.metrics.DeadLettered.Add(1)
		w.log.Error("💀 Evento agotó reintentos, enviado a dead-letter",
			zap.String("event_id", evt.ID.String()),
			zap.String("event_type", evt.EventType),
			zap.Int("retries", retries),
			zap.Error(cause),
		)
		if dlqErr := w.stream.AppendDeadLetter(ctx, evt, cause.Error()); dlqErr != nil {
			w.log.Warn("⚠️ Append a dead-letter fallido; queda visible vía failed events",
				zap.String("event_id", evt.ID.String()),
				zap.Error(dlqErr),
			)
		}
		return
	}

	w.log.Warn("⚠️ Publicación fallida, se reintentará",
		zap.String("event_id", evt.ID.String()),
		zap.Int("retry_count", retries),
		zap.Error(cause),
	)
}

func (w *Worker) increaseBackoff() {
	if w.backoff == 0 {
		w.backoff = w.interval
	} else {
		w.backoff *= 2
	}
	if max := 2 * time.Minute; w.backoff > max {
		w.backoff = max
	}
	w.log.Warn("⏳ Broker no disponible, aplicando backoff", zap.Duration("backoff", w.backoff))
}

// ---------------- Fast path ----------------

// FlushEvent publica un evento recién almacenado sin esperar al polling.
// Lo usa el servicio para los tipos críticos (lifecycle de tenant,
// conversiones): la entrega ocurre dentro del request síncrono.
func (w *Worker) FlushEvent(ctx context.Context, evt *domain.Event) error {
	if !w.publishAndMark(ctx, evt) {
		return fmt.Errorf("immediate flush failed for event %s", evt.ID)
	}
	return nil
}

// Verificación estática
var _ domain.Flusher = (*Worker)(nil)

// ---------------- Retención ----------------

// StartRetention borra periódicamente las filas ya publicadas/completadas
// más antiguas que la ventana de retención. Los failed nunca se borran aquí.
func (w *Worker) StartRetention(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-w.retention)
			deleted, err := w.repo.CleanupOldEvents(ctx, cutoff)
			if err != nil {
				w.log.Warn("⚠️ Limpieza de retención fallida", zap.Error(err))
				continue
			}
			if deleted > 0 {
				w.log.Info("🧹 Filas de outbox purgadas",
					zap.Int64("deleted", deleted),
					zap.Time("cutoff", cutoff),
				)
			}
		}
	}
}
