package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/davicafu/eventlab/internal/bus/domain"
)

// SubscriptionRepoSQLite persiste el registro de suscripciones.
type SubscriptionRepoSQLite struct {
	db *sql.DB
}

func NewSubscriptionRepoSQLite(db *sql.DB) *SubscriptionRepoSQLite {
	return &SubscriptionRepoSQLite{db: db}
}

func (r *SubscriptionRepoSQLite) Save(ctx context.Context, s *domain.Subscription) error {
	filtersBytes, err := json.Marshal(s.Filters)
	if err != nil {
		return fmt.Errorf("failed to marshal filters: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO subscriptions (id, event_type, service_name, tenant_id, filters, webhook_url, created_at)
		 VALUES (?,?,?,?,?,?,?)`,
		s.ID.String(), s.EventType, s.ServiceName, s.TenantID, string(filtersBytes), s.WebhookURL, s.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert subscription: %w", err)
	}
	return nil
}

func (r *SubscriptionRepoSQLite) Delete(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE id=?`, id.String())
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get RowsAffected: %w", err)
	}
	return rows > 0, nil
}

func (r *SubscriptionRepoSQLite) GetByID(ctx context.Context, id uuid.UUID) (*domain.Subscription, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, event_type, service_name, tenant_id, filters, webhook_url, created_at
		 FROM subscriptions WHERE id=?`, id.String())
	sub, err := scanSubscriptionRow(row.Scan)
	if err == sql.ErrNoRows {
		return nil, domain.ErrSubscriptionNotFound
	}
	return sub, err
}

func (r *SubscriptionRepoSQLite) ListAll(ctx context.Context) ([]*domain.Subscription, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, event_type, service_name, tenant_id, filters, webhook_url, created_at
		 FROM subscriptions ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []*domain.Subscription
	for rows.Next() {
		sub, err := scanSubscriptionRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func (r *SubscriptionRepoSQLite) Statistics(ctx context.Context) (*domain.SubscriptionStatistics, error) {
	subs, err := r.ListAll(ctx)
	if err != nil {
		return nil, err
	}

	stats := &domain.SubscriptionStatistics{
		ByService: make(map[string]int64),
		ByType:    make(map[string]int64),
	}
	for _, s := range subs {
		stats.Total++
		stats.ByService[s.ServiceName]++
		stats.ByType[s.EventType]++
		if s.IsGlobal() {
			stats.GlobalSubs++
		}
	}
	return stats, nil
}

func scanSubscriptionRow(scan func(dest ...interface{}) error) (*domain.Subscription, error) {
	var (
		sub        domain.Subscription
		idStr      string
		tenantID   sql.NullString
		filtersStr sql.NullString
		webhookURL sql.NullString
	)
	if err := scan(&idStr, &sub.EventType, &sub.ServiceName, &tenantID, &filtersStr, &webhookURL, &sub.CreatedAt); err != nil {
		return nil, err
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("invalid subscription id in row: %w", err)
	}
	sub.ID = id
	sub.TenantID = tenantID.String
	sub.WebhookURL = webhookURL.String

	if filtersStr.Valid && filtersStr.String != "" && filtersStr.String != "null" {
		if err := json.Unmarshal([]byte(filtersStr.String), &sub.Filters); err != nil {
			return nil, fmt.Errorf("invalid filters in subscription row %s: %w", idStr, err)
		}
	}
	return &sub, nil
}

// Verificación en tiempo de compilación.
var _ domain.SubscriptionRepository = (*SubscriptionRepoSQLite)(nil)
