package domain

import (
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ---------------- Operadores de filtro ----------------

type FilterOp string

const (
	FilterEq     FilterOp = "eq"
	FilterNe     FilterOp = "ne"
	FilterIn     FilterOp = "in"
	FilterPrefix FilterOp = "prefix"
)

// Filter es un predicado neutral sobre data/metadata del evento.
// Field usa dot-path: "data.status", "metadata.actor".
type Filter struct {
	Field string      `json:"field"`
	Op    FilterOp    `json:"op"`
	Value interface{} `json:"value"`
}

// ---------------- Suscripción ----------------

// Subscription registra el interés de un servicio por un tipo de evento.
// TenantID vacío = suscripción global (recibe eventos de todos los tenants);
// es una puerta reservada a servicios internos de la plataforma.
type Subscription struct {
	ID          uuid.UUID `json:"subscription_id"`
	EventType   string    `json:"event_type"` // admite wildcard por sufijo: "lead.*"
	ServiceName string    `json:"service_name"`
	TenantID    string    `json:"tenant_id,omitempty"`
	Filters     []Filter  `json:"filters,omitempty"`
	WebhookURL  string    `json:"webhook_url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewSubscription valida y construye una suscripción.
func NewSubscription(eventType, serviceName, tenantID string, filters []Filter, webhookURL string) (*Subscription, error) {
	if eventType == "" {
		return nil, ErrInvalidSubscription
	}
	if serviceName == "" {
		return nil, ErrInvalidSubscription
	}
	return &Subscription{
		ID:          uuid.New(),
		EventType:   eventType,
		ServiceName: serviceName,
		TenantID:    tenantID,
		Filters:     filters,
		WebhookURL:  webhookURL,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// IsGlobal indica si la suscripción cruza tenants.
func (s *Subscription) IsGlobal() bool {
	return s.TenantID == ""
}

// Matches decide si un evento debe entregarse a esta suscripción:
// tipo compatible AND (global OR mismo tenant) AND allow-list AND filtros.
func (s *Subscription) Matches(e *Event) bool {
	if !MatchEventType(s.EventType, e.EventType) {
		return false
	}
	if !s.IsGlobal() && s.TenantID != e.TenantID {
		return false
	}
	if !e.IsTargetedAt(s.ServiceName) {
		return false
	}
	for _, f := range s.Filters {
		if !f.Matches(e) {
			return false
		}
	}
	return true
}

// MatchEventType compara un patrón de suscripción ("lead.created", "lead.*",
// "*") contra el tipo concreto del evento.
func MatchEventType(pattern, eventType string) bool {
	if pattern == "*" || pattern == eventType {
		return true
	}
	if strings.HasSuffix(pattern, ".*") {
		return strings.HasPrefix(eventType, strings.TrimSuffix(pattern, "*"))
	}
	return false
}

// Matches evalúa el predicado contra el evento.
func (f Filter) Matches(e *Event) bool {
	val, ok := lookupField(e, f.Field)
	switch f.Op {
	case FilterEq:
		return ok && equalsLoose(val, f.Value)
	case FilterNe:
		return !ok || !equalsLoose(val, f.Value)
	case FilterIn:
		if !ok {
			return false
		}
		options, isList := f.Value.([]interface{})
		if !isList {
			return false
		}
		for _, opt := range options {
			if equalsLoose(val, opt) {
				return true
			}
		}
		return false
	case FilterPrefix:
		sv, okStr := val.(string)
		pv, okPre := f.Value.(string)
		return ok && okStr && okPre && strings.HasPrefix(sv, pv)
	default:
		return false
	}
}

// lookupField resuelve un dot-path dentro de data/metadata.
func lookupField(e *Event, field string) (interface{}, bool) {
	parts := strings.SplitN(field, ".", 2)
	if len(parts) != 2 {
		return nil, false
	}

	var root map[string]interface{}
	switch parts[0] {
	case "data":
		root = e.Data
	case "metadata":
		root = e.Metadata
	default:
		return nil, false
	}

	var cur interface{} = root
	for _, key := range strings.Split(parts[1], ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// equalsLoose compara valores que han pasado por JSON (los números llegan
// como float64). Los compuestos (slices, maps) se comparan en profundidad:
// `==` sobre interfaces con tipo dinámico no comparable haría panic.
func equalsLoose(a, b interface{}) bool {
	if af, aok := toFloat(a); aok {
		bf, bok := toFloat(b)
		return bok && af == bf
	}
	switch av := a.(type) {
	case nil:
		return b == nil
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
