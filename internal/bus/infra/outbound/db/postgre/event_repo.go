package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	_ "github.com/jackc/pgx/v5/stdlib" // Driver de PostgreSQL

	"github.com/davicafu/eventlab/internal/bus/domain"
)

// EventRepoPostgres implementa domain.EventRepository para la plataforma:
// tabla events con payload JSONB, outbox y event store al mismo tiempo.
type EventRepoPostgres struct {
	db *sql.DB
}

func NewEventRepoPostgres(db *sql.DB) *EventRepoPostgres {
	return &EventRepoPostgres{db: db}
}

// InitPostgres crea las tablas e índices del bus si no existen.
func InitPostgres(db *sql.DB) error {
	_, err := db.Exec(`
        CREATE TABLE IF NOT EXISTS events (
            id UUID PRIMARY KEY,
            event_type TEXT NOT NULL,
            event_version INTEGER NOT NULL,
            tenant_id TEXT NOT NULL,
            occurred_at TIMESTAMPTZ NOT NULL,
            source_service TEXT NOT NULL,
            correlation_id TEXT,
            causation_id TEXT,
            aggregate_id TEXT,
            aggregate_type TEXT,
            priority TEXT NOT NULL,
            category TEXT NOT NULL,
            data JSONB NOT NULL,
            metadata JSONB,
            target_services JSONB,
            status TEXT NOT NULL,
            retry_count INTEGER NOT NULL DEFAULT 0,
            max_retries INTEGER NOT NULL DEFAULT 3,
            created_at TIMESTAMPTZ NOT NULL,
            published_at TIMESTAMPTZ
        )
    `)
	if err != nil {
		return err
	}

	for _, idx := range []string{
		`CREATE INDEX IF NOT EXISTS idx_events_tenant_occurred ON events (tenant_id, occurred_at)`,
		`CREATE INDEX IF NOT EXISTS idx_events_status ON events (status) WHERE status IN ('pending','retrying')`,
		`CREATE INDEX IF NOT EXISTS idx_events_aggregate ON events (tenant_id, aggregate_id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_correlation ON events (tenant_id, correlation_id)`,
	} {
		if _, err := db.Exec(idx); err != nil {
			return err
		}
	}

	_, err = db.Exec(`
        CREATE TABLE IF NOT EXISTS subscriptions (
            id UUID PRIMARY KEY,
            event_type TEXT NOT NULL,
            service_name TEXT NOT NULL,
            tenant_id TEXT,
            filters JSONB,
            webhook_url TEXT,
            created_at TIMESTAMPTZ NOT NULL
        )
    `)
	return err
}

const eventColumns = `id, event_type, event_version, tenant_id, occurred_at, source_service,
    correlation_id, causation_id, aggregate_id, aggregate_type, priority, category,
    data, metadata, target_services, status, retry_count, max_retries, created_at, published_at`

// ------------------ Escritura ------------------

func (r *EventRepoPostgres) Store(ctx context.Context, events []*domain.Event) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	for _, evt := range events {
		if err = insertEventTx(ctx, tx, evt); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// StoreTx permite al productor compartir su transacción de negocio:
// evento y escritura de negocio se confirman o se deshacen juntos.
func (r *EventRepoPostgres) StoreTx(ctx context.Context, tx *sql.Tx, events []*domain.Event) error {
	for _, evt := range events {
		if err := insertEventTx(ctx, tx, evt); err != nil {
			return err
		}
	}
	return nil
}

func insertEventTx(ctx context.Context, tx *sql.Tx, evt *domain.Event) error {
	dataBytes, err := json.Marshal(evt.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}
	metaBytes, err := json.Marshal(evt.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal event metadata: %w", err)
	}
	targetsBytes, err := json.Marshal(evt.TargetServices)
	if err != nil {
		return fmt.Errorf("failed to marshal target services: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (`+eventColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,NULL)`,
		evt.ID, evt.EventType, evt.EventVersion, evt.TenantID, evt.OccurredAt,
		evt.SourceService, evt.CorrelationID, evt.CausationID, evt.AggregateID, evt.AggregateType,
		string(evt.Priority), string(evt.Category), dataBytes, metaBytes,
		targetsBytes, string(evt.Status), evt.RetryCount, evt.MaxRetries, evt.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// ------------------ Outbox ------------------

// DrainUnpublished devuelve filas sin publicar con reintentos disponibles,
// las más antiguas primero. MarkPublished es idempotente, así que dos
// relayers drenando a la vez producen como mucho un duplicado en el stream
// (tolerado por at-least-once), nunca una pérdida.
func (r *EventRepoPostgres) DrainUnpublished(ctx context.Context, batchSize int) ([]*domain.Event, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE status IN ($1,$2) AND retry_count < max_retries
		 ORDER BY created_at
		 LIMIT $3`,
		string(domain.StatusPending), string(domain.StatusRetrying), batchSize,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (r *EventRepoPostgres) MarkPublished(ctx context.Context, id uuid.UUID, publishedAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE events SET status=$1, published_at=$2
		 WHERE id=$3 AND status NOT IN ($1,$4)`,
		string(domain.StatusPublished), publishedAt, id, string(domain.StatusCompleted),
	)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *EventRepoPostgres) MarkCompleted(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE events SET status=$1 WHERE id=$2`,
		string(domain.StatusCompleted), id,
	)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get RowsAffected: %w", err)
	}
	if rows == 0 {
		return domain.ErrEventNotFound
	}
	return nil
}

// IncrementRetry actualiza contador y estado en una sola sentencia y
// devuelve el contador nuevo.
func (r *EventRepoPostgres) IncrementRetry(ctx context.Context, id uuid.UUID) (int, error) {
	var retryCount int
	err := r.db.QueryRowContext(ctx,
		`UPDATE events
		 SET retry_count = retry_count + 1,
		     status = CASE WHEN retry_count + 1 >= max_retries THEN $1 ELSE $2 END
		 WHERE id = $3
		 RETURNING retry_count`,
		string(domain.StatusFailed), string(domain.StatusRetrying), id,
	).Scan(&retryCount)
	if err == sql.ErrNoRows {
		return 0, domain.ErrEventNotFound
	}
	if err != nil {
		return 0, err
	}
	return retryCount, nil
}

func (r *EventRepoPostgres) CountUnpublished(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE status IN ($1,$2)`,
		string(domain.StatusPending), string(domain.StatusRetrying),
	).Scan(&count)
	return count, err
}

// ------------------ Event store (consulta) ------------------

func (r *EventRepoPostgres) GetEvent(ctx context.Context, tenantID string, id uuid.UUID) (*domain.Event, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE id=$1 AND tenant_id=$2`,
		id, tenantID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, domain.ErrEventNotFound
	}
	return events[0], nil
}

func (r *EventRepoPostgres) GetEvents(ctx context.Context, tenantID string, f domain.EventFilter) ([]*domain.Event, error) {
	if tenantID == "" {
		return nil, domain.ErrTenantRequired
	}

	var sb strings.Builder
	sb.WriteString(`SELECT ` + eventColumns + ` FROM events WHERE tenant_id=$1`)
	args := []interface{}{tenantID}
	n := 1
	next := func() string {
		n++
		return fmt.Sprintf("$%d", n)
	}

	if len(f.EventTypes) > 0 {
		placeholders := make([]string, len(f.EventTypes))
		for i, et := range f.EventTypes {
			placeholders[i] = next()
			args = append(args, et)
		}
		sb.WriteString(` AND event_type IN (` + strings.Join(placeholders, ",") + `)`)
	}
	if f.AggregateID != nil {
		sb.WriteString(` AND aggregate_id=` + next())
		args = append(args, *f.AggregateID)
	}
	if f.AggregateType != nil {
		sb.WriteString(` AND aggregate_type=` + next())
		args = append(args, *f.AggregateType)
	}
	if f.CorrelationID != nil {
		sb.WriteString(` AND correlation_id=` + next())
		args = append(args, *f.CorrelationID)
	}
	if f.Status != nil {
		sb.WriteString(` AND status=` + next())
		args = append(args, string(*f.Status))
	}
	if f.From != nil {
		sb.WriteString(` AND occurred_at >= ` + next())
		args = append(args, *f.From)
	}
	if f.To != nil {
		sb.WriteString(` AND occurred_at <= ` + next())
		args = append(args, *f.To)
	}

	sortField := "occurred_at"
	if f.Sort.Field != "" {
		switch f.Sort.Field {
		case "occurred_at", "created_at", "event_type":
			sortField = f.Sort.Field
		}
	}
	direction := " DESC"
	if f.Sort.Field != "" && !f.Sort.Desc {
		direction = " ASC"
	}
	sb.WriteString(` ORDER BY ` + sortField + direction)

	limit := f.Pagination.Limit
	if limit <= 0 {
		limit = 100
	}
	sb.WriteString(` LIMIT ` + next())
	args = append(args, limit)
	sb.WriteString(` OFFSET ` + next())
	args = append(args, f.Pagination.Offset)

	rows, err := r.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (r *EventRepoPostgres) GetEventsByAggregate(ctx context.Context, tenantID, aggregateID, aggregateType string) ([]*domain.Event, error) {
	if tenantID == "" {
		return nil, domain.ErrTenantRequired
	}

	query := `SELECT ` + eventColumns + ` FROM events WHERE tenant_id=$1 AND aggregate_id=$2`
	args := []interface{}{tenantID, aggregateID}
	if aggregateType != "" {
		query += ` AND aggregate_type=$3`
		args = append(args, aggregateType)
	}
	query += ` ORDER BY occurred_at ASC, created_at ASC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (r *EventRepoPostgres) GetCorrelationChain(ctx context.Context, tenantID, correlationID string) ([]*domain.Event, error) {
	if tenantID == "" {
		return nil, domain.ErrTenantRequired
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE tenant_id=$1 AND (correlation_id=$2 OR causation_id=$2)
		 ORDER BY occurred_at ASC`,
		tenantID, correlationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (r *EventRepoPostgres) GetFailedEvents(ctx context.Context, limit int) ([]*domain.Event, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE status=$1 ORDER BY created_at LIMIT $2`,
		string(domain.StatusFailed), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (r *EventRepoPostgres) CleanupOldEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM events WHERE status IN ($1,$2) AND created_at < $3`,
		string(domain.StatusPublished), string(domain.StatusCompleted), cutoff,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *EventRepoPostgres) GetEventStatistics(ctx context.Context, tenantID string, tr domain.TimeRange) (*domain.EventStatistics, error) {
	where, args := statsWhere(tenantID, tr)

	stats := &domain.EventStatistics{StatusCounts: make(map[domain.Status]int64)}

	rows, err := r.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM events`+where+` GROUP BY status`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats.StatusCounts[domain.Status(status)] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	typeRows, err := r.db.QueryContext(ctx,
		`SELECT event_type, COUNT(*) AS c FROM events`+where+`
		 GROUP BY event_type ORDER BY c DESC LIMIT 10`, args...)
	if err != nil {
		return nil, err
	}
	defer typeRows.Close()
	for typeRows.Next() {
		var tc domain.EventTypeCount
		if err := typeRows.Scan(&tc.EventType, &tc.Count); err != nil {
			return nil, err
		}
		stats.TopEventTypes = append(stats.TopEventTypes, tc)
	}
	return stats, typeRows.Err()
}

func statsWhere(tenantID string, tr domain.TimeRange) (string, []interface{}) {
	var conds []string
	var args []interface{}
	n := 0
	next := func() string {
		n++
		return fmt.Sprintf("$%d", n)
	}
	if tenantID != "" {
		conds = append(conds, "tenant_id="+next())
		args = append(args, tenantID)
	}
	if tr.From != nil {
		conds = append(conds, "occurred_at >= "+next())
		args = append(args, *tr.From)
	}
	if tr.To != nil {
		conds = append(conds, "occurred_at <= "+next())
		args = append(args, *tr.To)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// ------------------ Scan helpers ------------------

func scanEvents(rows *sql.Rows) ([]*domain.Event, error) {
	var events []*domain.Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

func scanEvent(rows *sql.Rows) (*domain.Event, error) {
	var (
		evt           domain.Event
		priority      string
		category      string
		status        string
		dataBytes     []byte
		metaBytes     []byte
		targetsBytes  []byte
		correlationID sql.NullString
		causationID   sql.NullString
		aggregateID   sql.NullString
		aggregateType sql.NullString
		publishedAt   sql.NullTime
	)

	if err := rows.Scan(
		&evt.ID, &evt.EventType, &evt.EventVersion, &evt.TenantID, &evt.OccurredAt,
		&evt.SourceService, &correlationID, &causationID, &aggregateID, &aggregateType,
		&priority, &category, &dataBytes, &metaBytes, &targetsBytes,
		&status, &evt.RetryCount, &evt.MaxRetries, &evt.CreatedAt, &publishedAt,
	); err != nil {
		return nil, err
	}

	evt.Priority = domain.Priority(priority)
	evt.Category = domain.Category(category)
	evt.Status = domain.Status(status)
	evt.CorrelationID = correlationID.String
	evt.CausationID = causationID.String
	evt.AggregateID = aggregateID.String
	evt.AggregateType = aggregateType.String
	if publishedAt.Valid {
		t := publishedAt.Time
		evt.PublishedAt = &t
	}

	if err := json.Unmarshal(dataBytes, &evt.Data); err != nil {
		return nil, fmt.Errorf("invalid JSON data in event row %s: %w", evt.ID, err)
	}
	if len(metaBytes) > 0 && string(metaBytes) != "null" {
		if err := json.Unmarshal(metaBytes, &evt.Metadata); err != nil {
			return nil, fmt.Errorf("invalid JSON metadata in event row %s: %w", evt.ID, err)
		}
	}
	if len(targetsBytes) > 0 && string(targetsBytes) != "null" {
		if err := json.Unmarshal(targetsBytes, &evt.TargetServices); err != nil {
			return nil, fmt.Errorf("invalid target_services in event row %s: %w", evt.ID, err)
		}
	}

	return &evt, nil
}

// Verificación en tiempo de compilación.
var _ domain.EventRepository = (*EventRepoPostgres)(nil)
