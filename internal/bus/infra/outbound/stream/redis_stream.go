package stream

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/davicafu/eventlab/internal/bus/domain"
)

// envelopeField es la clave del sobre JSON dentro de la entrada del stream.
// event_type y tenant_id van además como campos planos para poder
// inspeccionar el stream con redis-cli sin decodificar.
const envelopeField = "envelope"

// ---------------- Publisher ----------------

// RedisStreamPublisher añade eventos a Redis Streams: al stream del tenant
// y al firehose global. El MAXLEN aproximado acota el log vivo; la fuente
// duradera para histórico/replay es el event store, no el stream.
type RedisStreamPublisher struct {
	client *redis.Client
	prefix string
	maxLen int64
	log    *zap.Logger
}

func NewRedisStreamPublisher(client *redis.Client, prefix string, maxLen int64, log *zap.Logger) *RedisStreamPublisher {
	return &RedisStreamPublisher{client: client, prefix: prefix, maxLen: maxLen, log: log}
}

func (p *RedisStreamPublisher) Append(ctx context.Context, e *domain.Event) (string, error) {
	raw, err := e.Encode()
	if err != nil {
		return "", err
	}

	values := map[string]interface{}{
		envelopeField: string(raw),
		"event_type":  e.EventType,
		"tenant_id":   e.TenantID,
	}

	id, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: e.StreamKey(p.prefix),
		MaxLen: p.maxLen,
		Approx: true,
		Values: values,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd tenant stream: %w", err)
	}

	// El stream por tenant es un log de auditoría acotado; los consumer
	// groups leen el firehose. Si la copia falla, el evento ya quedó en el
	// stream del tenant; se registra y no se bloquea.
	if err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: domain.FirehoseKey(p.prefix),
		MaxLen: p.maxLen,
		Approx: true,
		Values: values,
	}).Err(); err != nil {
		p.log.Warn("⚠️ Append al firehose fallido",
			zap.String("event_id", e.ID.String()),
			zap.Error(err),
		)
	}

	return id, nil
}

func (p *RedisStreamPublisher) AppendDeadLetter(ctx context.Context, e *domain.Event, reason string) error {
	raw, err := e.Encode()
	if err != nil {
		return err
	}
	return p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: domain.DeadLetterKey(p.prefix),
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			envelopeField: string(raw),
			"event_type":  e.EventType,
			"tenant_id":   e.TenantID,
			"reason":      reason,
		},
	}).Err()
}

func (p *RedisStreamPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Verificación estática
var _ domain.StreamPublisher = (*RedisStreamPublisher)(nil)

// ---------------- Consumer group ----------------

// RedisGroupConsumer lee un stream como miembro de un consumer group.
// Cada servicio suscriptor usa su propio grupo ("svc:<nombre>"): el broker
// garantiza que dentro del grupo cada mensaje lo recibe un solo miembro,
// y que grupos distintos reciben cada uno su copia completa.
type RedisGroupConsumer struct {
	client   *redis.Client
	stream   string
	group    string
	consumer string
	log      *zap.Logger
}

// GroupForService deriva el nombre de grupo canónico de un servicio.
func GroupForService(service string) string {
	return "svc:" + service
}

// NewRedisGroupConsumer crea el grupo si no existe (desde el inicio del
// stream, para que un servicio recién suscrito pueda consumir el backlog
// retenido) y devuelve el consumidor listo para leer.
func NewRedisGroupConsumer(ctx context.Context, client *redis.Client, stream, group, consumer string, log *zap.Logger) (*RedisGroupConsumer, error) {
	err := client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("create consumer group %s: %w", group, err)
	}
	return &RedisGroupConsumer{
		client:   client,
		stream:   stream,
		group:    group,
		consumer: consumer,
		log:      log,
	}, nil
}

func (c *RedisGroupConsumer) Read(ctx context.Context, count int64, block time.Duration) ([]domain.StreamMessage, error) {
	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.consumer,
		Streams:  []string{c.stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil // timeout sin mensajes nuevos
		}
		return nil, err
	}

	var msgs []domain.StreamMessage
	for _, s := range streams {
		for _, m := range s.Messages {
			msgs = append(msgs, toStreamMessage(m))
		}
	}
	return msgs, nil
}

// Ack confirma el mensaje en el grupo. XACK sobre un id ya confirmado
// devuelve 0 y no es un error: la confirmación es idempotente.
func (c *RedisGroupConsumer) Ack(ctx context.Context, messageID string) error {
	return c.client.XAck(ctx, c.stream, c.group, messageID).Err()
}

func (c *RedisGroupConsumer) Pending(ctx context.Context, count int64) ([]domain.PendingMessage, error) {
	entries, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: c.stream,
		Group:  c.group,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}

	pending := make([]domain.PendingMessage, 0, len(entries))
	for _, e := range entries {
		pending = append(pending, domain.PendingMessage{
			ID:            e.ID,
			Consumer:      e.Consumer,
			Idle:          e.Idle,
			DeliveryCount: e.RetryCount,
		})
	}
	return pending, nil
}

func (c *RedisGroupConsumer) Claim(ctx context.Context, minIdle time.Duration, messageIDs []string) ([]domain.StreamMessage, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	claimed, err := c.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   c.stream,
		Group:    c.group,
		Consumer: c.consumer,
		MinIdle:  minIdle,
		Messages: messageIDs,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}

	msgs := make([]domain.StreamMessage, 0, len(claimed))
	for _, m := range claimed {
		msgs = append(msgs, toStreamMessage(m))
	}
	return msgs, nil
}

func (c *RedisGroupConsumer) Close() error {
	// El cliente redis es compartido; lo cierra quien lo creó.
	return nil
}

func toStreamMessage(m redis.XMessage) domain.StreamMessage {
	var payload []byte
	if raw, ok := m.Values[envelopeField].(string); ok {
		payload = []byte(raw)
	}
	return domain.StreamMessage{ID: m.ID, Payload: payload}
}

// Verificación estática
var _ domain.StreamConsumer = (*RedisGroupConsumer)(nil)
