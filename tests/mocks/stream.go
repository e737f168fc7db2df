package mocks

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/davicafu/eventlab/internal/bus/domain"
)

// ErrBrokerDown simula un broker caído.
var ErrBrokerDown = errors.New("broker down")

// CapturingStream registra todos los appends para poder afirmar sobre
// ellos en los tests. Con Down=true falla como un broker caído.
type CapturingStream struct {
	Appended    []*domain.Event
	DeadLetters []*domain.Event
	Reasons     []string
	Down        bool
	// AppendErr hace fallar solo Append, dejando vivo el dead-letter.
	AppendErr error
	mu        sync.Mutex
}

// Verificación estática
var _ domain.StreamPublisher = (*CapturingStream)(nil)

func NewCapturingStream() *CapturingStream {
	return &CapturingStream{}
}

func (s *CapturingStream) SetDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Down = down
}

func (s *CapturingStream) Append(ctx context.Context, e *domain.Event) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Down {
		return "", ErrBrokerDown
	}
	if s.AppendErr != nil {
		return "", s.AppendErr
	}
	cp := *e
	s.Appended = append(s.Appended, &cp)
	return fmt.Sprintf("0-%d", len(s.Appended)), nil
}

func (s *CapturingStream) AppendDeadLetter(ctx context.Context, e *domain.Event, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Down {
		return ErrBrokerDown
	}
	cp := *e
	s.DeadLetters = append(s.DeadLetters, &cp)
	s.Reasons = append(s.Reasons, reason)
	return nil
}

func (s *CapturingStream) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Down {
		return ErrBrokerDown
	}
	return nil
}

func (s *CapturingStream) AppendedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Appended)
}
