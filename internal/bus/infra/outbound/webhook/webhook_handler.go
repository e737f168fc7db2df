package webhook

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/davicafu/eventlab/internal/bus/domain"
	sharedUtils "github.com/davicafu/eventlab/internal/shared/infra/utils"
)

// Handler entrega eventos por HTTP a suscripciones con webhook_url.
// Es un EventHandler más: la garantía de entrega del bus (ack/pending)
// se aplica igual que a los handlers in-process; este adapter solo añade
// sus propios reintentos de red.
type Handler struct {
	client   *http.Client
	attempts int
	delay    time.Duration
	log      *zap.Logger
}

func NewHandler(timeout time.Duration, attempts int, delay time.Duration, log *zap.Logger) *Handler {
	return &Handler{
		client:   &http.Client{Timeout: timeout},
		attempts: attempts,
		delay:    delay,
		log:      log,
	}
}

// Handle publica el sobre JSON en la URL que el dispatcher dejó en el
// metadata. Un 2xx es éxito; todo lo demás deja el mensaje sin confirmar.
func (h *Handler) Handle(ctx context.Context, evt *domain.Event) error {
	url, _ := evt.Metadata["webhook_url"].(string)
	if url == "" {
		return fmt.Errorf("event %s has no webhook_url in metadata", evt.ID)
	}

	body, err := evt.Encode()
	if err != nil {
		return err
	}

	err = sharedUtils.Retry(ctx, h.attempts, h.delay, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Event-Id", evt.ID.String())
		req.Header.Set("X-Event-Type", evt.EventType)
		req.Header.Set("X-Tenant-Id", evt.TenantID)

		resp, err := h.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("webhook returned status %d", resp.StatusCode)
		}
		return nil
	})
	if err != nil {
		h.log.Warn("⚠️ Entrega por webhook fallida",
			zap.String("event_id", evt.ID.String()),
			zap.String("url", url),
			zap.Error(err),
		)
		return err
	}

	h.log.Debug("Webhook entregado",
		zap.String("event_id", evt.ID.String()),
		zap.String("url", url),
	)
	return nil
}

// Verificación estática
var _ domain.EventHandler = (*Handler)(nil)
