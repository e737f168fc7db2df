package events

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/davicafu/eventlab/internal/bus/application"
	"github.com/davicafu/eventlab/internal/bus/domain"
)

// ConsumerRunner es el "oído" de un servicio suscriptor: lee su consumer
// group en bucle, pasa cada evento al dispatcher y confirma solo si todos
// los handlers terminaron bien. Un fallo deja el mensaje pending y el
// reclaimer lo reentrega pasado el tiempo de inactividad.
type ConsumerRunner struct {
	consumer  domain.StreamConsumer
	dispatch  *application.Dispatcher
	service   string
	readCount int64
	blockFor  time.Duration
	claimIdle time.Duration // inactividad mínima para robar pendientes

	deliveryLog domain.DeliveryLogger // sink analítico, opcional
	log         *zap.Logger
}

func NewConsumerRunner(
	consumer domain.StreamConsumer,
	dispatch *application.Dispatcher,
	service string,
	readCount int64,
	blockFor, claimIdle time.Duration,
	deliveryLog domain.DeliveryLogger,
	log *zap.Logger,
) *ConsumerRunner {
	return &ConsumerRunner{
		consumer:    consumer,
		dispatch:    dispatch,
		service:     service,
		readCount:   readCount,
		blockFor:    blockFor,
		claimIdle:   claimIdle,
		deliveryLog: deliveryLog,
		log:         log,
	}
}

// Start inicia el bucle de consumo en una goroutine.
func (r *ConsumerRunner) Start(ctx context.Context) {
	r.log.Info("🎧 Iniciando consumer runner",
		zap.String("service", r.service),
	)

	go func() {
		reclaimTicker := time.NewTicker(r.claimIdle)
		defer reclaimTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				r.log.Info("Consumer runner detenido.", zap.String("service", r.service))
				return
			case <-reclaimTicker.C:
				r.reclaimPending(ctx)
			default:
			}

			msgs, err := r.consumer.Read(ctx, r.readCount, r.blockFor)
			if err != nil {
				if ctx.Err() != nil {
					r.log.Info("Consumer runner detenido.", zap.String("service", r.service))
					return
				}
				r.log.Error("Error al leer del stream", zap.Error(err))
				time.Sleep(time.Second)
				continue
			}

			r.processMessages(ctx, msgs)
		}
	}()
}

func (r *ConsumerRunner) processMessages(ctx context.Context, msgs []domain.StreamMessage) {
	var delivered []*domain.Event

	for _, msg := range msgs {
		evt, err := domain.DecodeEvent(msg.Payload)
		if err != nil {
			// Sobre indescifrable: confirmarlo evita un bucle de
			// reentrega infinito; queda rastro en el log.
			r.log.Error("Sobre de evento inválido, descartado",
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
			_ = r.consumer.Ack(ctx, msg.ID)
			continue
		}

		if err := r.dispatch.Dispatch(ctx, evt, r.service); err != nil {
			// Sin ack: el mensaje queda pending para reentrega.
			continue
		}

		if err := r.consumer.Ack(ctx, msg.ID); err != nil {
			r.log.Warn("⚠️ Ack fallido; posible reentrega (handlers idempotentes)",
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
			continue
		}
		delivered = append(delivered, evt)
	}

	if len(delivered) > 0 && r.deliveryLog != nil {
		if err := r.deliveryLog.LogBatch(ctx, delivered); err != nil {
			r.log.Warn("⚠️ Log analítico de entregas fallido", zap.Error(err))
		}
	}
}

// reclaimPending roba mensajes entregados a consumidores caídos y los
// vuelve a procesar en este consumidor.
func (r *ConsumerRunner) reclaimPending(ctx context.Context) {
	pending, err := r.consumer.Pending(ctx, r.readCount)
	if err != nil {
		r.log.Warn("⚠️ No se pudo listar pendientes", zap.Error(err))
		return
	}

	var stale []string
	for _, p := range pending {
		if p.Idle >= r.claimIdle {
			stale = append(stale, p.ID)
		}
	}
	if len(stale) == 0 {
		return
	}

	msgs, err := r.consumer.Claim(ctx, r.claimIdle, stale)
	if err != nil {
		r.log.Warn("⚠️ Claim de pendientes fallido", zap.Error(err))
		return
	}
	if len(msgs) > 0 {
		r.log.Info("♻️ Reentregando mensajes pendientes",
			zap.String("service", r.service),
			zap.Int("count", len(msgs)),
		)
		r.processMessages(ctx, msgs)
	}
}
