package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/davicafu/eventlab/internal/bus/domain"
)

// SubscriptionRepoPostgres persiste el registro de suscripciones.
type SubscriptionRepoPostgres struct {
	db *sql.DB
}

func NewSubscriptionRepoPostgres(db *sql.DB) *SubscriptionRepoPostgres {
	return &SubscriptionRepoPostgres{db: db}
}

func (r *SubscriptionRepoPostgres) Save(ctx context.Context, s *domain.Subscription) error {
	filtersBytes, err := json.Marshal(s.Filters)
	if err != nil {
		return fmt.Errorf("failed to marshal filters: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO subscriptions (id, event_type, service_name, tenant_id, filters, webhook_url, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		s.ID, s.EventType, s.ServiceName, s.TenantID, filtersBytes, s.WebhookURL, s.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert subscription: %w", err)
	}
	return nil
}

func (r *SubscriptionRepoPostgres) Delete(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE id=$1`, id)
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get RowsAffected: %w", err)
	}
	return rows > 0, nil
}

func (r *SubscriptionRepoPostgres) GetByID(ctx context.Context, id uuid.UUID) (*domain.Subscription, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, event_type, service_name, tenant_id, filters, webhook_url, created_at
		 FROM subscriptions WHERE id=$1`, id)
	sub, err := scanSubscriptionRow(row.Scan)
	if err == sql.ErrNoRows {
		return nil, domain.ErrSubscriptionNotFound
	}
	return sub, err
}

func (r *SubscriptionRepoPostgres) ListAll(ctx context.Context) ([]*domain.Subscription, error) {
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

func (r *SubscriptionRepoPostgres) Statistics(ctx context.Context) (*domain.SubscriptionStatistics, error) {
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
		sub          domain.Subscription
		tenantID     sql.NullString
		filtersBytes []byte
		webhookURL   sql.NullString
	)
	if err := scan(&sub.ID, &sub.EventType, &sub.ServiceName, &tenantID, &filtersBytes, &webhookURL, &sub.CreatedAt); err != nil {
		return nil, err
	}

	sub.TenantID = tenantID.String
	sub.WebhookURL = webhookURL.String

	if len(filtersBytes) > 0 && string(filtersBytes) != "null" {
		if err := json.Unmarshal(filtersBytes, &sub.Filters); err != nil {
			return nil, fmt.Errorf("invalid filters in subscription row %s: %w", sub.ID, err)
		}
	}
	return &sub, nil
}

// Verificación en tiempo de compilación.
var _ domain.SubscriptionRepository = (*SubscriptionRepoPostgres)(nil)
