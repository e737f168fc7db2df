package mongodb

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/davicafu/eventlab/internal/bus/domain"
)

// EventRepoMongoDB implementa domain.EventRepository sobre una colección.
// Sin replica set no hay transacción que compartir con la escritura de
// negocio: la garantía se degrada a "at-least-once después del commit"
// (el Store es un insert atómico por documento, no por operación de
// negocio). Los despliegues de plataforma usan Postgres.
type EventRepoMongoDB struct {
	events *mongo.Collection
}

func NewEventRepoMongoDB(client *mongo.Client, dbName string) *EventRepoMongoDB {
	return &EventRepoMongoDB{events: client.Database(dbName).Collection("events")}
}

// mongoEvent mapea el documento BSON al evento de dominio.
type mongoEvent struct {
	ID             string                 `bson:"_id"`
	EventType      string                 `bson:"eventType"`
	EventVersion   int                    `bson:"eventVersion"`
	TenantID       string                 `bson:"tenantId"`
	OccurredAt     time.Time              `bson:"occurredAt"`
	SourceService  string                 `bson:"sourceService"`
	CorrelationID  string                 `bson:"correlationId,omitempty"`
	CausationID    string                 `bson:"causationId,omitempty"`
	AggregateID    string                 `bson:"aggregateId,omitempty"`
	AggregateType  string                 `bson:"aggregateType,omitempty"`
	Priority       string                 `bson:"priority"`
	Category       string                 `bson:"category"`
	Data           map[string]interface{} `bson:"data"`
	Metadata       map[string]interface{} `bson:"metadata,omitempty"`
	TargetServices []string               `bson:"targetServices,omitempty"`
	Status         string                 `bson:"status"`
	RetryCount     int                    `bson:"retryCount"`
	MaxRetries     int                    `bson:"maxRetries"`
	CreatedAt      time.Time              `bson:"createdAt"`
	PublishedAt    *time.Time             `bson:"publishedAt,omitempty"`
}

func toMongoEvent(e *domain.Event) mongoEvent {
	return mongoEvent{
		ID:             e.ID.String(),
		EventType:      e.EventType,
		EventVersion:   e.EventVersion,
		TenantID:       e.TenantID,
		OccurredAt:     e.OccurredAt,
		SourceService:  e.SourceService,
		CorrelationID:  e.CorrelationID,
		CausationID:    e.CausationID,
		AggregateID:    e.AggregateID,
		AggregateType:  e.AggregateType,
		Priority:       string(e.Priority),
		Category:       string(e.Category),
		Data:           e.Data,
		Metadata:       e.Metadata,
		TargetServices: e.TargetServices,
		Status:         string(e.Status),
		RetryCount:     e.RetryCount,
		MaxRetries:     e.MaxRetries,
		CreatedAt:      e.CreatedAt,
		PublishedAt:    e.PublishedAt,
	}
}

func fromMongoEvent(m *mongoEvent) (*domain.Event, error) {
	id, err := uuid.Parse(m.ID)
	if err != nil {
		return nil, fmt.Errorf("invalid event id in document: %w", err)
	}
	return &domain.Event{
		ID:             id,
		EventType:      m.EventType,
		EventVersion:   m.EventVersion,
		TenantID:       m.TenantID,
		OccurredAt:     m.OccurredAt,
		SourceService:  m.SourceService,
		CorrelationID:  m.CorrelationID,
		CausationID:    m.CausationID,
		AggregateID:    m.AggregateID,
		AggregateType:  m.AggregateType,
		Priority:       domain.Priority(m.Priority),
		Category:       domain.Category(m.Category),
		Data:           m.Data,
		Metadata:       m.Metadata,
		TargetServices: m.TargetServices,
		Status:         domain.Status(m.Status),
		RetryCount:     m.RetryCount,
		MaxRetries:     m.MaxRetries,
		CreatedAt:      m.CreatedAt,
		PublishedAt:    m.PublishedAt,
	}, nil
}

// ------------------ Escritura ------------------

func (r *EventRepoMongoDB) Store(ctx context.Context, events []*domain.Event) error {
	docs := make([]interface{}, 0, len(events))
	for _, e := range events {
		docs = append(docs, toMongoEvent(e))
	}
	_, err := r.events.InsertMany(ctx, docs)
	return err
}

// ------------------ Outbox ------------------

func (r *EventRepoMongoDB) DrainUnpublished(ctx context.Context, batchSize int) ([]*domain.Event, error) {
	filter := bson.M{
		"status": bson.M{"$in": []string{string(domain.StatusPending), string(domain.StatusRetrying)}},
		"$expr":  bson.M{"$lt": []string{"$retryCount", "$maxRetries"}},
	}
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}}).SetLimit(int64(batchSize))

	cursor, err := r.events.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)
	return decodeAll(ctx, cursor)
}

func (r *EventRepoMongoDB) MarkPublished(ctx context.Context, id uuid.UUID, publishedAt time.Time) error {
	filter := bson.M{
		"_id":    id.String(),
		"status": bson.M{"$nin": []string{string(domain.StatusPublished), string(domain.StatusCompleted)}},
	}
	update := bson.M{"$set": bson.M{"status": string(domain.StatusPublished), "publishedAt": publishedAt}}
	// MatchedCount 0 significa que ya estaba publicado: idempotente.
	_, err := r.events.UpdateOne(ctx, filter, update)
	return err
}

func (r *EventRepoMongoDB) MarkCompleted(ctx context.Context, id uuid.UUID) error {
	res, err := r.events.UpdateOne(ctx,
		bson.M{"_id": id.String()},
		bson.M{"$set": bson.M{"status": string(domain.StatusCompleted)}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return domain.ErrEventNotFound
	}
	return nil
}

func (r *EventRepoMongoDB) IncrementRetry(ctx context.Context, id uuid.UUID) (int, error) {
	after := options.After
	res := r.events.FindOneAndUpdate(ctx,
		bson.M{"_id": id.String()},
		bson.M{"$inc": bson.M{"retryCount": 1}},
		options.FindOneAndUpdate().SetReturnDocument(after),
	)
	var doc mongoEvent
	if err := res.Decode(&doc); err != nil {
		if err == mongo.ErrNoDocuments {
			return 0, domain.ErrEventNotFound
		}
		return 0, err
	}

	status := string(domain.StatusRetrying)
	if doc.RetryCount >= doc.MaxRetries {
		status = string(domain.StatusFailed)
	}
	if _, err := r.events.UpdateOne(ctx,
		bson.M{"_id": id.String()},
		bson.M{"$set": bson.M{"status": status}},
	); err != nil {
		return doc.RetryCount, err
	}
	return doc.RetryCount, nil
}

func (r *EventRepoMongoDB) CountUnpublished(ctx context.Context) (int64, error) {
	return r.events.CountDocuments(ctx, bson.M{
		"status": bson.M{"$in": []string{string(domain.StatusPending), string(domain.StatusRetrying)}},
	})
}

// ------------------ Event store (consulta) ------------------

func (r *EventRepoMongoDB) GetEvent(ctx context.Context, tenantID string, id uuid.UUID) (*domain.Event, error) {
	var doc mongoEvent
	err := r.events.FindOne(ctx, bson.M{"_id": id.String(), "tenantId": tenantID}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, domain.ErrEventNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromMongoEvent(&doc)
}

func (r *EventRepoMongoDB) GetEvents(ctx context.Context, tenantID string, f domain.EventFilter) ([]*domain.Event, error) {
	if tenantID == "" {
		return nil, domain.ErrTenantRequired
	}

	filter := bson.M{"tenantId": tenantID}
	if len(f.EventTypes) > 0 {
		filter["eventType"] = bson.M{"$in": f.EventTypes}
	}
	if f.AggregateID != nil {
		filter["aggregateId"] = *f.AggregateID
	}
	if f.AggregateType != nil {
		filter["aggregateType"] = *f.AggregateType
	}
	if f.CorrelationID != nil {
		filter["correlationId"] = *f.CorrelationID
	}
	if f.Status != nil {
		filter["status"] = string(*f.Status)
	}
	if f.From != nil || f.To != nil {
		timeCond := bson.M{}
		if f.From != nil {
			timeCond["$gte"] = *f.From
		}
		if f.To != nil {
			timeCond["$lte"] = *f.To
		}
		filter["occurredAt"] = timeCond
	}

	sortDir := -1 // por defecto, los más recientes primero
	if f.Sort.Field != "" && !f.Sort.Desc {
		sortDir = 1
	}
	limit := f.Pagination.Limit
	if limit <= 0 {
		limit = 100
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "occurredAt", Value: sortDir}}).
		SetLimit(int64(limit)).
		SetSkip(int64(f.Pagination.Offset))

	cursor, err := r.events.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)
	return decodeAll(ctx, cursor)
}

func (r *EventRepoMongoDB) GetEventsByAggregate(ctx context.Context, tenantID, aggregateID, aggregateType string) ([]*domain.Event, error) {
	if tenantID == "" {
		return nil, domain.ErrTenantRequired
	}

	filter := bson.M{"tenantId": tenantID, "aggregateId": aggregateID}
	if aggregateType != "" {
		filter["aggregateType"] = aggregateType
	}
	opts := options.Find().SetSort(bson.D{{Key: "occurredAt", Value: 1}, {Key: "createdAt", Value: 1}})

	cursor, err := r.events.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)
	return decodeAll(ctx, cursor)
}

func (r *EventRepoMongoDB) GetCorrelationChain(ctx context.Context, tenantID, correlationID string) ([]*domain.Event, error) {
	if tenantID == "" {
		return nil, domain.ErrTenantRequired
	}

	filter := bson.M{
		"tenantId": tenantID,
		"$or": []bson.M{
			{"correlationId": correlationID},
			{"causationId": correlationID},
		},
	}
	opts := options.Find().SetSort(bson.D{{Key: "occurredAt", Value: 1}})

	cursor, err := r.events.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)
	return decodeAll(ctx, cursor)
}

func (r *EventRepoMongoDB) GetFailedEvents(ctx context.Context, limit int) ([]*domain.Event, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}}).SetLimit(int64(limit))
	cursor, err := r.events.Find(ctx, bson.M{"status": string(domain.StatusFailed)}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)
	return decodeAll(ctx, cursor)
}

func (r *EventRepoMongoDB) CleanupOldEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.events.DeleteMany(ctx, bson.M{
		"status":    bson.M{"$in": []string{string(domain.StatusPublished), string(domain.StatusCompleted)}},
		"createdAt": bson.M{"$lt": cutoff},
	})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

func (r *EventRepoMongoDB) GetEventStatistics(ctx context.Context, tenantID string, tr domain.TimeRange) (*domain.EventStatistics, error) {
	match := bson.M{}
	if tenantID != "" {
		match["tenantId"] = tenantID
	}
	if tr.From != nil || tr.To != nil {
		timeCond := bson.M{}
		if tr.From != nil {
			timeCond["$gte"] = *tr.From
		}
		if tr.To != nil {
			timeCond["$lte"] = *tr.To
		}
		match["occurredAt"] = timeCond
	}

	stats := &domain.EventStatistics{StatusCounts: make(map[domain.Status]int64)}

	statusCursor, err := r.events.Aggregate(ctx, mongo.Pipeline{
		bson.D{{Key: "$match", Value: match}},
		bson.D{{Key: "$group", Value: bson.M{"_id": "$status", "count": bson.M{"$sum": 1}}}},
	})
	if err != nil {
		return nil, err
	}
	defer statusCursor.Close(ctx)
	for statusCursor.Next(ctx) {
		var row struct {
			ID    string `bson:"_id"`
			Count int64  `bson:"count"`
		}
		if err := statusCursor.Decode(&row); err != nil {
			return nil, err
		}
		stats.StatusCounts[domain.Status(row.ID)] = row.Count
		stats.Total += row.Count
	}

	typeCursor, err := r.events.Aggregate(ctx, mongo.Pipeline{
		bson.D{{Key: "$match", Value: match}},
		bson.D{{Key: "$group", Value: bson.M{"_id": "$eventType", "count": bson.M{"$sum": 1}}}},
		bson.D{{Key: "$sort", Value: bson.M{"count": -1}}},
		bson.D{{Key: "$limit", Value: 10}},
	})
	if err != nil {
		return nil, err
	}
	defer typeCursor.Close(ctx)
	for typeCursor.Next(ctx) {
		var row struct {
			ID    string `bson:"_id"`
			Count int64  `bson:"count"`
		}
		if err := typeCursor.Decode(&row); err != nil {
			return nil, err
		}
		stats.TopEventTypes = append(stats.TopEventTypes, domain.EventTypeCount{EventType: row.ID, Count: row.Count})
	}
	return stats, nil
}

func decodeAll(ctx context.Context, cursor *mongo.Cursor) ([]*domain.Event, error) {
	var events []*domain.Event
	for cursor.Next(ctx) {
		var doc mongoEvent
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		evt, err := fromMongoEvent(&doc)
		if err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	return events, cursor.Err()
}

// Verificación en tiempo de compilación.
var _ domain.EventRepository = (*EventRepoMongoDB)(nil)
