package clickhouse

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"

	"github.com/davicafu/eventlab/internal/bus/domain"
)

// EventLogRepo implementa domain.DeliveryLogger para ClickHouse: cada
// entrega confirmada se vuelca al log analítico para dashboards offline
// (throughput por tenant, tipos más frecuentes, latencia de entrega).
type EventLogRepo struct {
	db *sql.DB
}

// NewEventLogRepo es el constructor.
func NewEventLogRepo(addr string, dbName string) (*EventLogRepo, error) {
	conn := clickhouse.OpenDB(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: dbName,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
	})

	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("could not ping clickhouse: %w", err)
	}

	return &EventLogRepo{db: conn}, nil
}

// Close cierra la conexión subyacente.
func (r *EventLogRepo) Close() error {
	return r.db.Close()
}

// LogBatch inserta un lote de eventos entregados. ClickHouse funciona
// mejor con inserciones en lotes.
func (r *EventLogRepo) LogBatch(ctx context.Context, events []*domain.Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := r.db.Begin()
	if err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO events_log (event_id, event_type, tenant_id, source_service, aggregate_id, priority, category, occurred_at, data, delivered_at)")
	if err != nil {
		return err
	}
	defer stmt.Close()

	deliveredAt := time.Now().UTC()
	for _, evt := range events {
		dataBytes, err := json.Marshal(evt.Data)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to marshal data for event %s: %w", evt.ID, err)
		}
		if _, err := stmt.ExecContext(
			ctx,
			evt.ID.String(),
			evt.EventType,
			evt.TenantID,
			evt.SourceService,
			evt.AggregateID,
			string(evt.Priority),
			string(evt.Category),
			evt.OccurredAt,
			string(dataBytes),
			deliveredAt,
		); err != nil {
			// Si un registro falla, hacemos rollback de todo el lote.
			tx.Rollback()
			return fmt.Errorf("failed to exec statement for event %s: %w", evt.ID, err)
		}
	}

	return tx.Commit()
}

// Verificación estática
var _ domain.DeliveryLogger = (*EventLogRepo)(nil)
