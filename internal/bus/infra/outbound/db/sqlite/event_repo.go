package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	// _ "github.com/mattn/go-sqlite3" // better performance but requires gcc
	_ "modernc.org/sqlite"

	"github.com/davicafu/eventlab/internal/bus/domain"
	"github.com/davicafu/eventlab/internal/shared/infra/utils"
)

// EventRepoSQLite implementa domain.EventRepository sobre SQLite: la misma
// tabla es outbox (filas pending) y event store (histórico completo).
// Pensado para despliegue local; en plataforma se usa Postgres.
type EventRepoSQLite struct {
	db *sql.DB
}

func NewEventRepoSQLite(db *sql.DB) *EventRepoSQLite {
	return &EventRepoSQLite{db: db}
}

// InitSQLite crea las tablas del bus si no existen.
func InitSQLite(db *sql.DB) error {
	_, err := db.Exec(`
        CREATE TABLE IF NOT EXISTS events (
            id TEXT PRIMARY KEY,
            event_type TEXT NOT NULL,
            event_version INTEGER NOT NULL,
            tenant_id TEXT NOT NULL,
            occurred_at DATETIME NOT NULL,
            source_service TEXT NOT NULL,
            correlation_id TEXT,
            causation_id TEXT,
            aggregate_id TEXT,
            aggregate_type TEXT,
            priority TEXT NOT NULL,
            category TEXT NOT NULL,
            data TEXT NOT NULL,
            metadata TEXT,
            target_services TEXT,
            status TEXT NOT NULL,
            retry_count INTEGER NOT NULL DEFAULT 0,
            max_retries INTEGER NOT NULL DEFAULT 3,
            created_at DATETIME NOT NULL,
            published_at DATETIME
        )
    `)
	if err != nil {
		return err
	}

	for _, idx := range []string{
		`CREATE INDEX IF NOT EXISTS idx_events_tenant_occurred ON events (tenant_id, occurred_at)`,
		`CREATE INDEX IF NOT EXISTS idx_events_status ON events (status)`,
		`CREATE INDEX IF NOT EXISTS idx_events_aggregate ON events (tenant_id, aggregate_id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_correlation ON events (tenant_id, correlation_id)`,
	} {
		if _, err := db.Exec(idx); err != nil {
			return err
		}
	}

	_, err = db.Exec(`
        CREATE TABLE IF NOT EXISTS subscriptions (
            id TEXT PRIMARY KEY,
            event_type TEXT NOT NULL,
            service_name TEXT NOT NULL,
            tenant_id TEXT,
            filters TEXT,
            webhook_url TEXT,
            created_at DATETIME NOT NULL
        )
    `)
	return err
}

const eventColumns = `id, event_type, event_version, tenant_id, occurred_at, source_service,
    correlation_id, causation_id, aggregate_id, aggregate_type, priority, category,
    data, metadata, target_services, status, retry_count, max_retries, created_at, published_at`

// ------------------ Escritura ------------------

// Store inserta todos los eventos en una sola transacción, en pending.
// El productor puede así acoplar la escritura de negocio y el evento: si
// el commit falla, el evento nunca existió.
func (r *EventRepoSQLite) Store(ctx context.Context, events []*domain.Event) error {
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

// StoreTx inserta eventos dentro de una transacción de negocio abierta por
// el llamante: el patrón outbox completo.
func (r *EventRepoSQLite) StoreTx(ctx context.Context, tx *sql.Tx, events []*domain.Event) error {
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
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,NULL)`,
		evt.ID.String(), evt.EventType, evt.EventVersion, evt.TenantID, evt.OccurredAt,
		evt.SourceService, evt.CorrelationID, evt.CausationID, evt.AggregateID, evt.AggregateType,
		string(evt.Priority), string(evt.Category), string(dataBytes), string(metaBytes),
		string(targetsBytes), string(evt.Status), evt.RetryCount, evt.MaxRetries, evt.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// ------------------ Outbox ------------------

// DrainUnpublished devuelve las filas sin publicar con reintentos
// disponibles, las más antiguas primero (orden causal aproximado por tenant).
func (r *EventRepoSQLite) DrainUnpublished(ctx context.Context, batchSize int) ([]*domain.Event, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE status IN (?,?) AND retry_count < max_retries
		 ORDER BY created_at LIMIT ?`,
		string(domain.StatusPending), string(domain.StatusRetrying), batchSize,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// MarkPublished es idempotente: solo transiciona filas aún no publicadas.
func (r *EventRepoSQLite) MarkPublished(ctx context.Context, id uuid.UUID, publishedAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE events SET status=?, published_at=?
		 WHERE id=? AND status NOT IN (?,?)`,
		string(domain.StatusPublished), publishedAt, id.String(),
		string(domain.StatusPublished), string(domain.StatusCompleted),
	)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *EventRepoSQLite) MarkCompleted(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE events SET status=? WHERE id=?`,
		string(domain.StatusCompleted), id.String(),
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

// IncrementRetry suma un intento y fija el estado según queden o no
// reintentos. Devuelve el contador nuevo.
func (r *EventRepoSQLite) IncrementRetry(ctx context.Context, id uuid.UUID) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var retryCount, maxRetries int
	err = tx.QueryRowContext(ctx,
		`SELECT retry_count, max_retries FROM events WHERE id=?`, id.String(),
	).Scan(&retryCount, &maxRetries)
	if err == sql.ErrNoRows {
		return 0, domain.ErrEventNotFound
	}
	if err != nil {
		return 0, err
	}

	retryCount++
	status := domain.StatusRetrying
	if retryCount >= maxRetries {
		status = domain.StatusFailed
	}

	if _, err = tx.ExecContext(ctx,
		`UPDATE events SET retry_count=?, status=? WHERE id=?`,
		retryCount, string(status), id.String(),
	); err != nil {
		return 0, err
	}

	if err = tx.Commit(); err != nil {
		return 0, err
	}
	return retryCount, nil
}

func (r *EventRepoSQLite) CountUnpublished(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE status IN (?,?)`,
		string(domain.StatusPending), string(domain.StatusRetrying),
	).Scan(&count)
	return count, err
}

// ------------------ Event store (consulta) ------------------

func (r *EventRepoSQLite) GetEvent(ctx context.Context, tenantID string, id uuid.UUID) (*domain.Event, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE id=? AND tenant_id=?`,
		id.String(), tenantID,
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

// GetEvents construye la consulta del histórico a partir del filtro.
// El tenant_id va SIEMPRE en el WHERE: el aislamiento no es opcional.
func (r *EventRepoSQLite) GetEvents(ctx context.Context, tenantID string, f domain.EventFilter) ([]*domain.Event, error) {
	if tenantID == "" {
		return nil, domain.ErrTenantRequired
	}

	var sb strings.Builder
	sb.WriteString(`SELECT ` + eventColumns + ` FROM events WHERE tenant_id=?`)
	args := []interface{}{tenantID}

	if len(f.EventTypes) > 0 {
		sb.WriteString(` AND event_type IN (?` + strings.Repeat(",?", len(f.EventTypes)-1) + `)`)
		for _, et := range f.EventTypes {
			args = append(args, et)
		}
	}
	if f.AggregateID != nil {
		sb.WriteString(` AND aggregate_id=?`)
		args = append(args, *f.AggregateID)
	}
	if f.AggregateType != nil {
		sb.WriteString(` AND aggregate_type=?`)
		args = append(args, *f.AggregateType)
	}
	if f.CorrelationID != nil {
		sb.WriteString(` AND correlation_id=?`)
		args = append(args, *f.CorrelationID)
	}
	if f.Status != nil {
		sb.WriteString(` AND status=?`)
		args = append(args, string(*f.Status))
	}
	if f.From != nil {
		sb.WriteString(` AND occurred_at >= ?`)
		args = append(args, *f.From)
	}
	if f.To != nil {
		sb.WriteString(` AND occurred_at <= ?`)
		args = append(args, *f.To)
	}

	// Por defecto, los más recientes primero.
	sortField := "occurred_at"
	if f.Sort.Field != "" {
		switch f.Sort.Field {
		case "occurred_at", "created_at", "event_type":
			sortField = f.Sort.Field
		}
	}
	direction := utils.Ternary(f.Sort.Field != "" && !f.Sort.Desc, " ASC", " DESC")
	sb.WriteString(` ORDER BY ` + sortField + direction)

	limit := f.Pagination.Limit
	if limit <= 0 {
		limit = 100
	}
	sb.WriteString(` LIMIT ? OFFSET ?`)
	args = append(args, limit, f.Pagination.Offset)

	rows, err := r.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// GetEventsByAggregate devuelve la historia de una entidad en orden de
// creación, para reconstrucción estilo event sourcing.
func (r *EventRepoSQLite) GetEventsByAggregate(ctx context.Context, tenantID, aggregateID, aggregateType string) ([]*domain.Event, error) {
	if tenantID == "" {
		return nil, domain.ErrTenantRequired
	}

	query := `SELECT ` + eventColumns + ` FROM events WHERE tenant_id=? AND aggregate_id=?`
	args := []interface{}{tenantID, aggregateID}
	if aggregateType != "" {
		query += ` AND aggregate_type=?`
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

// GetCorrelationChain reconstruye un workflow completo: eventos cuyo
// correlation_id O causation_id apuntan al identificador dado.
func (r *EventRepoSQLite) GetCorrelationChain(ctx context.Context, tenantID, correlationID string) ([]*domain.Event, error) {
	if tenantID == "" {
		return nil, domain.ErrTenantRequired
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE tenant_id=? AND (correlation_id=? OR causation_id=?)
		 ORDER BY occurred_at ASC`,
		tenantID, correlationID, correlationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (r *EventRepoSQLite) GetFailedEvents(ctx context.Context, limit int) ([]*domain.Event, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE status=? ORDER BY created_at LIMIT ?`,
		string(domain.StatusFailed), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// CleanupOldEvents borra solo eventos published/completed anteriores al
// corte. Los failed requieren revisión humana y nunca se borran aquí.
func (r *EventRepoSQLite) CleanupOldEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM events WHERE status IN (?,?) AND created_at < ?`,
		string(domain.StatusPublished), string(domain.StatusCompleted), cutoff,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// GetEventStatistics agrega contadores por estado y el top de tipos.
// tenantID vacío agrega todos los tenants (solo administración).
func (r *EventRepoSQLite) GetEventStatistics(ctx context.Context, tenantID string, tr domain.TimeRange) (*domain.EventStatistics, error) {
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
	if tenantID != "" {
		conds = append(conds, "tenant_id=?")
		args = append(args, tenantID)
	}
	if tr.From != nil {
		conds = append(conds, "occurred_at >= ?")
		args = append(args, *tr.From)
	}
	if tr.To != nil {
		conds = append(conds, "occurred_at <= ?")
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
		idStr         string
		priority      string
		category      string
		status        string
		dataStr       string
		metaStr       sql.NullString
		targetsStr    sql.NullString
		correlationID sql.NullString
		causationID   sql.NullString
		aggregateID   sql.NullString
		aggregateType sql.NullString
		publishedAt   sql.NullTime
	)

	if err := rows.Scan(
		&idStr, &evt.EventType, &evt.EventVersion, &evt.TenantID, &evt.OccurredAt,
		&evt.SourceService, &correlationID, &causationID, &aggregateID, &aggregateType,
		&priority, &category, &dataStr, &metaStr, &targetsStr,
		&status, &evt.RetryCount, &evt.MaxRetries, &evt.CreatedAt, &publishedAt,
	); err != nil {
		return nil, err
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("invalid event id in row: %w", err)
	}
	evt.ID = id
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

	if err := json.Unmarshal([]byte(dataStr), &evt.Data); err != nil {
		return nil, fmt.Errorf("invalid JSON data in event row %s: %w", idStr, err)
	}
	if metaStr.Valid && metaStr.String != "" && metaStr.String != "null" {
		if err := json.Unmarshal([]byte(metaStr.String), &evt.Metadata); err != nil {
			return nil, fmt.Errorf("invalid JSON metadata in event row %s: %w", idStr, err)
		}
	}
	if targetsStr.Valid && targetsStr.String != "" && targetsStr.String != "null" {
		if err := json.Unmarshal([]byte(targetsStr.String), &evt.TargetServices); err != nil {
			return nil, fmt.Errorf("invalid target_services in event row %s: %w", idStr, err)
		}
	}

	return &evt, nil
}

// Verificación en tiempo de compilación.
var _ domain.EventRepository = (*EventRepoSQLite)(nil)
