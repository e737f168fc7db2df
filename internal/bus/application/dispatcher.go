package application

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/davicafu/eventlab/internal/bus/domain"
)

// Dispatcher es el "cerebro" del lado consumidor: dado un evento ya
// decodificado y el servicio que lo leyó, localiza las suscripciones que
// casan e invoca sus handlers. El error de un handler no tumba el bucle de
// lectura ni afecta a los demás handlers; solo deja el mensaje sin confirmar.
type Dispatcher struct {
	subs     domain.SubscriptionRepository
	webhooks domain.EventHandler // adapter de entrega por webhook, opcional

	mu       sync.RWMutex
	handlers map[string]domain.EventHandler // por servicio, in-process

	metrics *Metrics
	log     *zap.Logger
}

func NewDispatcher(subs domain.SubscriptionRepository, webhooks domain.EventHandler, metrics *Metrics, log *zap.Logger) *Dispatcher {
	if metrics == nil {
		metrics = &Metrics{}
	}
	return &Dispatcher{
		subs:     subs,
		webhooks: webhooks,
		handlers: make(map[string]domain.EventHandler),
		metrics:  metrics,
		log:      log,
	}
}

// RegisterHandler asocia el handler in-process de un servicio.
func (d *Dispatcher) RegisterHandler(service string, h domain.EventHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[service] = h
}

// Dispatch entrega el evento a todas las suscripciones del servicio que
// casan. Devuelve error si algún handler falló: el llamante NO debe hacer
// ack para que el mensaje quede pending y sea reentregado.
func (d *Dispatcher) Dispatch(ctx context.Context, evt *domain.Event, service string) error {
	subs, err := d.subs.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("list subscriptions: %w", err)
	}

	var matched []*domain.Subscription
	for _, sub := range subs {
		if sub.ServiceName == service && sub.Matches(evt) {
			matched = append(matched, sub)
		}
	}

	if len(matched) == 0 {
		// Hueco de enrutado: esperable en eventos broadcast sin
		// consumidores actuales. No es un error.
		d.metrics.RoutingGaps.Add(1)
		d.log.Debug("Evento sin suscriptor para el servicio",
			zap.String("event_type", evt.EventType),
			zap.String("service", service),
		)
		return nil
	}

	var failed int
	for _, sub := range matched {
		if err := d.invoke(ctx, sub, evt); err != nil {
			failed++
			d.metrics.HandlerErrors.Add(1)
			d.log.Warn("⚠️ Handler falló, mensaje quedará pending",
				zap.String("event_id", evt.ID.String()),
				zap.String("subscription_id", sub.ID.String()),
				zap.String("service", service),
				zap.Error(err),
			)
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d handlers failed for event %s", failed, len(matched), evt.ID)
	}
	d.metrics.Delivered.Add(1)
	return nil
}

// invoke ejecuta un handler aislando pánicos y con timeout propio.
func (d *Dispatcher) invoke(ctx context.Context, sub *domain.Subscription, evt *domain.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	handler := d.handlerFor(sub)
	if handler == nil {
		return fmt.Errorf("no handler registered for service %s", sub.ServiceName)
	}

	ctxHandler, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return handler.Handle(ctxHandler, evt)
}

func (d *Dispatcher) handlerFor(sub *domain.Subscription) domain.EventHandler {
	if sub.WebhookURL != "" && d.webhooks != nil {
		return webhookEnvelope{next: d.webhooks, sub: sub}
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.handlers[sub.ServiceName]
}

// webhookEnvelope inyecta la URL destino en el metadata del evento antes de
// pasarlo al adapter de webhooks, sin mutar el evento original.
type webhookEnvelope struct {
	next domain.EventHandler
	sub  *domain.Subscription
}

func (w webhookEnvelope) Handle(ctx context.Context, evt *domain.Event) error {
	clone := *evt
	meta := make(map[string]interface{}, len(evt.Metadata)+1)
	for k, v := range evt.Metadata {
		meta[k] = v
	}
	meta["webhook_url"] = w.sub.WebhookURL
	clone.Metadata = meta
	return w.next.Handle(ctx, &clone)
}
