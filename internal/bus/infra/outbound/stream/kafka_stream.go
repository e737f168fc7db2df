package stream

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/davicafu/eventlab/internal/bus/domain"
)

// Backend alternativo sobre Kafka detrás de los mismos ports: el "stream"
// es un topic por tenant y el consumer group es el group.id de Kafka.
// Pending/Claim no existen en la API de grupos de Kafka; la reentrega la
// gobierna el broker no confirmando offsets (ver comentarios abajo).

// ---------------- Publisher ----------------

type KafkaStreamPublisher struct {
	writer  *kafka.Writer
	brokers []string
	prefix  string
	log     *zap.Logger
}

func NewKafkaStreamPublisher(brokers []string, prefix string, log *zap.Logger) *KafkaStreamPublisher {
	// Writer sin topic fijo: el topic va en cada mensaje (un topic por
	// tenant más el firehose).
	writer := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Balancer: &kafka.Hash{},
	}
	return &KafkaStreamPublisher{writer: writer, brokers: brokers, prefix: prefix, log: log}
}

func (p *KafkaStreamPublisher) Append(ctx context.Context, e *domain.Event) (string, error) {
	raw, err := e.Encode()
	if err != nil {
		return "", err
	}

	msgs := []kafka.Message{
		{
			Topic: topicName(e.StreamKey(p.prefix)),
			Key:   []byte(e.AggregateID),
			Value: raw,
		},
		{
			Topic: topicName(domain.FirehoseKey(p.prefix)),
			Key:   []byte(e.TenantID),
			Value: raw,
		},
	}

	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return "", fmt.Errorf("kafka write: %w", err)
	}
	return e.ID.String(), nil
}

func (p *KafkaStreamPublisher) AppendDeadLetter(ctx context.Context, e *domain.Event, reason string) error {
	raw, err := e.Encode()
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Topic:   topicName(domain.DeadLetterKey(p.prefix)),
		Key:     []byte(e.TenantID),
		Value:   raw,
		Headers: []kafka.Header{{Key: "reason", Value: []byte(reason)}},
	})
}

func (p *KafkaStreamPublisher) Ping(ctx context.Context) error {
	conn, err := kafka.DialContext(ctx, "tcp", p.brokers[0])
	if err != nil {
		return err
	}
	return conn.Close()
}

func (p *KafkaStreamPublisher) Close() error {
	return p.writer.Close()
}

// topicName adapta la clave de stream a un nombre de topic válido
// (Kafka no admite ':').
func topicName(streamKey string) string {
	return strings.ReplaceAll(streamKey, ":", ".")
}

// Verificación estática
var _ domain.StreamPublisher = (*KafkaStreamPublisher)(nil)

// ---------------- Consumer group ----------------

type KafkaGroupConsumer struct {
	reader *kafka.Reader
	log    *zap.Logger

	mu       sync.Mutex
	inFlight map[string]kafka.Message // mensajes leídos pendientes de commit
}

func NewKafkaGroupConsumer(brokers []string, stream, group string, log *zap.Logger) *KafkaGroupConsumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topicName(stream),
		GroupID:  group,
		MinBytes: 10e3, // 10KB
		MaxBytes: 10e6, // 10MB
	})
	return &KafkaGroupConsumer{
		reader:   reader,
		log:      log,
		inFlight: make(map[string]kafka.Message),
	}
}

// Read usa FetchMessage (sin auto-commit) para que el ack sea explícito,
// igual que XREADGROUP/XACK en redis.
func (c *KafkaGroupConsumer) Read(ctx context.Context, count int64, block time.Duration) ([]domain.StreamMessage, error) {
	ctxRead, cancel := context.WithTimeout(ctx, block)
	defer cancel()

	var msgs []domain.StreamMessage
	for int64(len(msgs)) < count {
		m, err := c.reader.FetchMessage(ctxRead)
		if err != nil {
			if ctxRead.Err() != nil {
				break // timeout del long-poll, no es un error
			}
			return msgs, err
		}
		id := fmt.Sprintf("%d-%d", m.Partition, m.Offset)
		c.mu.Lock()
		c.inFlight[id] = m
		c.mu.Unlock()
		msgs = append(msgs, domain.StreamMessage{ID: id, Payload: m.Value})
	}
	return msgs, nil
}

func (c *KafkaGroupConsumer) Ack(ctx context.Context, messageID string) error {
	c.mu.Lock()
	m, ok := c.inFlight[messageID]
	if ok {
		delete(c.inFlight, messageID)
	}
	c.mu.Unlock()
	if !ok {
		return nil // ya confirmado: idempotente
	}
	return c.reader.CommitMessages(ctx, m)
}

// Pending no tiene equivalente en la API de grupos de Kafka: un mensaje no
// confirmado se reentrega al reequilibrar el grupo. Se devuelve la vista
// local de mensajes en vuelo para diagnóstico.
func (c *KafkaGroupConsumer) Pending(ctx context.Context, count int64) ([]domain.PendingMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	pending := make([]domain.PendingMessage, 0, len(c.inFlight))
	for id := range c.inFlight {
		if int64(len(pending)) >= count {
			break
		}
		pending = append(pending, domain.PendingMessage{ID: id, Consumer: c.reader.Config().GroupID, DeliveryCount: 1})
	}
	return pending, nil
}

// Claim tampoco aplica: la reasignación la hace el rebalanceo del grupo.
func (c *KafkaGroupConsumer) Claim(ctx context.Context, minIdle time.Duration, messageIDs []string) ([]domain.StreamMessage, error) {
	return nil, nil
}

func (c *KafkaGroupConsumer) Close() error {
	return c.reader.Close()
}

// Verificación estática
var _ domain.StreamConsumer = (*KafkaGroupConsumer)(nil)
