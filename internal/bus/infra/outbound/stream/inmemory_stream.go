package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/davicafu/eventlab/internal/bus/domain"
)

// InMemoryStream emula el broker para despliegue local y tests: streams con
// nombre, consumer groups con offset propio y lista de pendientes por grupo.
// Misma semántica at-least-once que redis, sin red.
type InMemoryStream struct {
	mu      sync.Mutex
	prefix  string
	maxLen  int
	seq     int64
	streams map[string][]memEntry
	groups  map[string]*memGroup // clave "stream/group"
	down    bool                 // simula broker caído (tests)
}

type memEntry struct {
	id      string
	payload []byte
}

type memGroup struct {
	next    int // índice del siguiente mensaje no entregado
	pending map[string]*memPending
}

type memPending struct {
	entry       memEntry
	consumer    string
	deliveredAt time.Time
	deliveries  int64
}

func NewInMemoryStream(prefix string, maxLen int) *InMemoryStream {
	return &InMemoryStream{
		prefix:  prefix,
		maxLen:  maxLen,
		streams: make(map[string][]memEntry),
		groups:  make(map[string]*memGroup),
	}
}

// SetDown simula la caída del broker; todos los appends fallan.
func (s *InMemoryStream) SetDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = down
}

// ---------------- Publisher ----------------

func (s *InMemoryStream) Append(ctx context.Context, e *domain.Event) (string, error) {
	raw, err := e.Encode()
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return "", fmt.Errorf("in-memory broker is down")
	}

	id := s.appendLocked(e.StreamKey(s.prefix), raw)
	s.appendLocked(domain.FirehoseKey(s.prefix), raw)
	return id, nil
}

func (s *InMemoryStream) AppendDeadLetter(ctx context.Context, e *domain.Event, reason string) error {
	raw, err := e.Encode()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return fmt.Errorf("in-memory broker is down")
	}
	s.appendLocked(domain.DeadLetterKey(s.prefix), raw)
	return nil
}

func (s *InMemoryStream) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return fmt.Errorf("in-memory broker is down")
	}
	return nil
}

func (s *InMemoryStream) appendLocked(stream string, payload []byte) string {
	s.seq++
	id := fmt.Sprintf("%d-%d", time.Now().UnixMilli(), s.seq)
	entries := append(s.streams[stream], memEntry{id: id, payload: payload})

	// Recorte aproximado como MAXLEN ~: los grupos ajustan su offset.
	if over := len(entries) - s.maxLen; over > 0 {
		entries = entries[over:]
		for key, g := range s.groups {
			if streamOfGroupKey(key) == stream && g.next > 0 {
				g.next -= over
				if g.next < 0 {
					g.next = 0
				}
			}
		}
	}
	s.streams[stream] = entries
	return id
}

// StreamLen expone el tamaño de un stream (tests y diagnóstico).
func (s *InMemoryStream) StreamLen(stream string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams[stream])
}

// Verificación estática
var _ domain.StreamPublisher = (*InMemoryStream)(nil)

// ---------------- Consumer group ----------------

// Group devuelve un consumidor del stream dentro del grupo indicado,
// creando el grupo si no existe (desde el principio del stream).
func (s *InMemoryStream) Group(stream, group, consumer string) *InMemoryGroupConsumer {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := groupKey(stream, group)
	if _, ok := s.groups[key]; !ok {
		s.groups[key] = &memGroup{pending: make(map[string]*memPending)}
	}
	return &InMemoryGroupConsumer{broker: s, stream: stream, key: key, consumer: consumer}
}

type InMemoryGroupConsumer struct {
	broker   *InMemoryStream
	stream   string
	key      string
	consumer string
}

func (c *InMemoryGroupConsumer) Read(ctx context.Context, count int64, block time.Duration) ([]domain.StreamMessage, error) {
	deadline := time.Now().Add(block)
	for {
		msgs := c.broker.take(c.key, c.stream, c.consumer, count)
		if len(msgs) > 0 {
			return msgs, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (s *InMemoryStream) take(key, stream, consumer string, count int64) []domain.StreamMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	g := s.groups[key]
	entries := s.streams[stream]

	var msgs []domain.StreamMessage
	for int64(len(msgs)) < count && g.next < len(entries) {
		entry := entries[g.next]
		g.next++
		g.pending[entry.id] = &memPending{
			entry:       entry,
			consumer:    consumer,
			deliveredAt: time.Now(),
			deliveries:  1,
		}
		msgs = append(msgs, domain.StreamMessage{ID: entry.id, Payload: entry.payload})
	}
	return msgs
}

// Ack elimina el mensaje de pendientes; repetirlo no tiene efecto.
func (c *InMemoryGroupConsumer) Ack(ctx context.Context, messageID string) error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	delete(c.broker.groups[c.key].pending, messageID)
	return nil
}

func (c *InMemoryGroupConsumer) Pending(ctx context.Context, count int64) ([]domain.PendingMessage, error) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	var pending []domain.PendingMessage
	for id, p := range c.broker.groups[c.key].pending {
		if int64(len(pending)) >= count {
			break
		}
		pending = append(pending, domain.PendingMessage{
			ID:            id,
			Consumer:      p.consumer,
			Idle:          time.Since(p.deliveredAt),
			DeliveryCount: p.deliveries,
		})
	}
	return pending, nil
}

func (c *InMemoryGroupConsumer) Claim(ctx context.Context, minIdle time.Duration, messageIDs []string) ([]domain.StreamMessage, error) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	g := c.broker.groups[c.key]
	var msgs []domain.StreamMessage
	for _, id := range messageIDs {
		p, ok := g.pending[id]
		if !ok || time.Since(p.deliveredAt) < minIdle {
			continue
		}
		p.consumer = c.consumer
		p.deliveredAt = time.Now()
		p.deliveries++
		msgs = append(msgs, domain.StreamMessage{ID: id, Payload: p.entry.payload})
	}
	return msgs, nil
}

func (c *InMemoryGroupConsumer) Close() error { return nil }

func groupKey(stream, group string) string { return stream + "/" + group }

func streamOfGroupKey(key string) string {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == '/' {
			return key[:i]
		}
	}
	return key
}

// Verificación estática
var _ domain.StreamConsumer = (*InMemoryGroupConsumer)(nil)
